package directory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"ojtrack/internal/directory"
	"ojtrack/internal/geo"
	"ojtrack/internal/memstore"
	"ojtrack/internal/store"
)

var _ directory.Directory = (*directory.PGDirectory)(nil)
var _ directory.Directory = (*directory.Cached)(nil)

func TestCachedFallsThroughWhenRedisIsDown(t *testing.T) {
	st := memstore.New()
	st.AddUser(directory.User{ID: "stu-1", Role: directory.RoleStudent, SectionID: "sec-a"})
	st.SetWorkplace("stu-1", geo.Workplace{Point: geo.Point{Lat: 14.5995, Lon: 120.9842}, Name: "Acme Corp"})

	rdb := store.NewRedis("127.0.0.1:1", "test")
	t.Cleanup(func() { _ = rdb.Close() })
	core, logs := observer.New(zap.WarnLevel)
	c := directory.NewCached(st, rdb, time.Minute, zap.New(core))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	u, err := c.GetUser(ctx, "stu-1")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "sec-a", u.SectionID)

	missing, err := c.GetUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)

	wp, err := c.WorkplaceLocation(ctx, "stu-1")
	require.NoError(t, err)
	require.NotNil(t, wp)
	assert.Equal(t, "Acme Corp", wp.Name)

	// Uncached methods go straight to the wrapped directory.
	ok, err := c.IsDocumentCompliant(ctx, "stu-1")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.NotZero(t, logs.FilterMessage("directory cache read failed").Len())
}
