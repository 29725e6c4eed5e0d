package gateway

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertIssueFailureSpike    AlertType = "issue_failure_spike"
	AlertIdentityFailureSpike AlertType = "identity_failure_spike"
)

const (
	defaultIssueFailureWindow       = 1 * time.Minute
	defaultIssueFailureThreshold    = 20
	defaultIdentityFailureWindow    = 1 * time.Minute
	defaultIdentityFailureThreshold = 100
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// window is a sliding window counter that fires once its threshold is
// reached.
type window struct {
	times     []time.Time
	span      time.Duration
	threshold int
	alert     AlertType
	message   string
}

// metricsCollector tracks sliding window counters of failed issuance.
type metricsCollector struct {
	mu       sync.Mutex
	issue    window
	identity window
	now      func() time.Time
	alertFn  AlertFunc
}

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		issue: window{
			span:      defaultIssueFailureWindow,
			threshold: defaultIssueFailureThreshold,
			alert:     AlertIssueFailureSpike,
			message:   "certificate issuance failure rate exceeds threshold",
		},
		identity: window{
			span:      defaultIdentityFailureWindow,
			threshold: defaultIdentityFailureThreshold,
			alert:     AlertIdentityFailureSpike,
			message:   "unresolved or unauthenticated identity rate exceeds threshold",
		},
		now:     time.Now,
		alertFn: alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditIssueFailed:
		m.record(&m.issue)
	case AuditIdentityUnresolved, AuditAuthFailed:
		m.record(&m.identity)
	}
}

func (m *metricsCollector) record(w *window) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w.times = append(w.times, now)
	w.times = trimWindow(w.times, now, w.span)

	if len(w.times) >= w.threshold {
		m.alertFn(AlertEvent{
			Type:      w.alert,
			Message:   w.message,
			Count:     len(w.times),
			Threshold: w.threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		w.times = w.times[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
