package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueFailureSpikeAlert(t *testing.T) {
	var mu sync.Mutex
	var alerts []AlertEvent
	collector := newMetricsCollector(func(e AlertEvent) {
		mu.Lock()
		alerts = append(alerts, e)
		mu.Unlock()
	})
	collector.issue.threshold = 3

	collector.recordEvent(AuditIssueFailed)
	collector.recordEvent(AuditIssueFailed)
	collector.recordEvent(AuditCertAttached)
	mu.Lock()
	assert.Empty(t, alerts, "no alert below threshold")
	mu.Unlock()

	collector.recordEvent(AuditIssueFailed)
	mu.Lock()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertIssueFailureSpike, alerts[0].Type)
	assert.Equal(t, 3, alerts[0].Count)
	assert.Equal(t, 3, alerts[0].Threshold)
	mu.Unlock()
}

func TestIdentityFailureWindowExpires(t *testing.T) {
	var alerts []AlertEvent
	collector := newMetricsCollector(func(e AlertEvent) {
		alerts = append(alerts, e)
	})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	collector.now = func() time.Time { return now }
	collector.identity.threshold = 2

	collector.recordEvent(AuditIdentityUnresolved)
	now = now.Add(2 * time.Minute)
	collector.recordEvent(AuditIdentityUnresolved)
	assert.Empty(t, alerts, "failures outside the window must not count")

	collector.recordEvent(AuditIdentityUnresolved)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertIdentityFailureSpike, alerts[0].Type)
}

func TestTrimWindow(t *testing.T) {
	now := time.Now()
	times := []time.Time{now.Add(-3 * time.Minute), now.Add(-30 * time.Second), now}
	assert.Len(t, trimWindow(times, now, time.Minute), 2)
	assert.Empty(t, trimWindow(nil, now, time.Minute))
}

func TestNilCollector(t *testing.T) {
	var m *metricsCollector
	assert.NotPanics(t, func() { m.recordEvent(AuditIssueFailed) })
}
