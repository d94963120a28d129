package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("time in: %w", New(AlreadyTimedIn, "Already timed in for morning"))
	assert.True(t, errors.Is(err, AlreadyTimedIn))
	assert.False(t, errors.Is(err, AlreadyCompleted))
	assert.Equal(t, "time in: Already timed in for morning", err.Error())
}

func TestAsUncoded(t *testing.T) {
	cause := errors.New("connection refused")
	e := As(cause)
	assert.Equal(t, Internal.Code, e.Def.Code)
	assert.ErrorIs(t, e, cause)
	assert.Equal(t, Internal.Message, e.Error())
	assert.Nil(t, As(nil))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{InvalidCoordinate, http.StatusBadRequest},
		{New(DuplicateRequest, ""), http.StatusConflict},
		{Wrap(NotFound, errors.New("no rows")), http.StatusNotFound},
		{Forbidden, http.StatusForbidden},
		{Wrap(PhotoSaveFailed, errors.New("disk full")), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}
