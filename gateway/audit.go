package gateway

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of request-level issuance outcome being
// logged.
type AuditEvent string

const (
	AuditCertAttached       AuditEvent = "cert_attached"
	AuditIdentityUnresolved AuditEvent = "identity_unresolved"
	AuditAuthFailed         AuditEvent = "auth_failed"
	AuditIssueFailed        AuditEvent = "issue_failed"
	AuditCertCommitted      AuditEvent = "cert_committed"
)

// auditLogger wraps slog.Logger for structured audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry for a proxied request.
func (al *auditLogger) log(event AuditEvent, r *http.Request, tenant string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("tenant", tenant),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)

	level := slog.LevelInfo
	switch event {
	case AuditIssueFailed, AuditIdentityUnresolved:
		level = slog.LevelError
	case AuditAuthFailed:
		level = slog.LevelWarn
	}
	al.logger.LogAttrs(r.Context(), level, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}
