package util

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterOrGet(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total"}))
	second := RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total"}))
	assert.Same(t, first, second)

	// A nil registerer is valid: the collector is simply not registered.
	c := RegisterOrGet(nil, prometheus.NewCounter(prometheus.CounterOpts{Name: "other_total"}))
	require.NotNil(t, c)
}

func TestRegister_TolerateDuplicates(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge"})
	Register(reg, c)
	assert.NotPanics(t, func() { Register(reg, c) })
}
