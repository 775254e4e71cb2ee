package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	dto "github.com/prometheus/client_model/go"
)

func TestNewRegistersAllMetrics(t *testing.T) {
	m := New()
	m.MessagesTranslated.WithLabelValues("client04").Inc()
	m.ReconnectsTotal.WithLabelValues("tier1").Inc()
	m.ActiveAccounts.Set(1)
	m.CacheHits.WithLabelValues("devices").Inc()
	m.CacheMisses.WithLabelValues("devices").Inc()
	m.CommandsDispatched.WithLabelValues("usb_on").Inc()

	families, err := m.Registry.Gather()
	assert.NoError(t, err)
	assert.Len(t, families, 6)
}

func TestCounterIncrementIsObservable(t *testing.T) {
	m := New()
	m.MessagesTranslated.WithLabelValues("client04").Inc()

	var metric dto.Metric
	_ = m.MessagesTranslated.WithLabelValues("client04").Write(&metric)
	assert.Equal(t, float64(1), metric.GetCounter().GetValue())
}
