package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveFit(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveFit("mixed", 3*time.Millisecond, nil)
	m.ObserveFit("mixed", time.Millisecond, errors.New("boom"))
	m.ObserveFit("ols", time.Microsecond, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Fits.WithLabelValues("mixed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FitErrors.WithLabelValues("mixed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.FitErrors.WithLabelValues("ols")))
}

func TestObserveRun(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveRun("ols", false, 0.05, 0.9, nil)
	m.ObserveRun("mlm", false, 0, 0, errors.New("no convergence"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("ols", "false", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("mlm", "false", "error")))
	assert.Equal(t, 0.05, testutil.ToFloat64(m.LastTypeIError.WithLabelValues("ols", "false")))
	assert.Equal(t, 0.9, testutil.ToFloat64(m.LastPower.WithLabelValues("ols", "false")))
}

func TestNew_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
