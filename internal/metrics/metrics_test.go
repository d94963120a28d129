package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersRegistered(t *testing.T) {
	c := Transitions.WithLabelValues("time_in", "morning", OK)
	before := testutil.ToFloat64(c)
	c.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(c))

	n, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "ojtrack_attendance_transitions_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
}
