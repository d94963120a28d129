package attendance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHoursBetween(t *testing.T) {
	base := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		out  time.Time
		want float64
	}{
		{"two and a half", base.Add(2*time.Hour + 30*time.Minute), 2.5},
		{"seconds are dropped", base.Add(time.Hour + 20*time.Minute + 59*time.Second), 1.33},
		{"under a minute", base.Add(45 * time.Second), 0},
		{"one minute", base.Add(time.Minute), 0.02},
		{"full block", base.Add(6 * time.Hour), 6},
		{"negative", base.Add(-time.Hour), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HoursBetween(base, tt.out))
		})
	}
}

func TestRecordStatus(t *testing.T) {
	now := time.Now()
	assert.Equal(t, StatusNotStarted, Record{}.Status())
	assert.Equal(t, StatusTimeIn, Record{TimeIn: &now}.Status())
	assert.Equal(t, StatusCompleted, Record{TimeIn: &now, TimeOut: &now}.Status())
}
