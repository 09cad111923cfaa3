package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"helpdesk.org/internal/auth"
	"helpdesk.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	attrs := []slog.Attr{
		slog.String("type", "audit"),
		slog.String("event", event),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		attrs = append(attrs, slog.String("request_id", rid))
	}
	if _, ok := fields["user_id"]; !ok {
		if userID, ok := auth.UserIDFromContext(ctx); ok {
			attrs = append(attrs, slog.String("user_id", userID))
		}
	}
	group := make([]any, 0, len(fields))
	for k, v := range fields {
		group = append(group, slog.Any(k, v))
	}
	attrs = append(attrs, slog.Group("fields", group...))
	obs.Logger().LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}

// LogSink writes auth events to the structured log.
type LogSink struct{}

var _ auth.EventSink = LogSink{}

func (LogSink) Emit(ctx context.Context, ev auth.Event) {
	fields := map[string]any{
		"outcome": ev.Outcome,
		"at":      ev.At,
	}
	add := func(k, v string) {
		if v != "" {
			fields[k] = v
		}
	}
	add("user_id", ev.UserID)
	add("actor_id", ev.ActorID)
	add("session_id", ev.SessionID)
	add("role", string(ev.Role))
	add("company_id", ev.CompanyID)
	add("ip", ev.IP)
	add("device", ev.Device)
	add("reason", ev.Reason)
	for k, v := range ev.Fields {
		fields[k] = v
	}
	_ = LogEvent(ctx, string(ev.Type), fields)
}

// Multi fans an event out to every sink in order.
func Multi(sinks ...auth.EventSink) auth.EventSink {
	return auth.EventSinkFunc(func(ctx context.Context, ev auth.Event) {
		for _, s := range sinks {
			if s != nil {
				s.Emit(ctx, ev)
			}
		}
	})
}
