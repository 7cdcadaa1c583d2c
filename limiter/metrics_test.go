package limiter

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusRecorder(reg, "test")
	require.NoError(t, err)

	h := memoryHarness(t, WithRecorder(rec))
	rule := MustRule(RuleConfig{Times: 1, Seconds: 1})
	decideN(t, h.rt, rule, "k", 3)

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.decisions.WithLabelValues("fixed_window", "allowed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(rec.decisions.WithLabelValues("fixed_window", "limited")))

	h.flush()
	_, err = h.rt.Decide(context.Background(), rule, "k")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.reloads.WithLabelValues("fixed_window")))

	// registering twice reuses the existing collectors
	again, err := NewPrometheusRecorder(reg, "test")
	require.NoError(t, err)
	assert.Same(t, rec.decisions, again.decisions)
}
