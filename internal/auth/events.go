package auth

import (
	"context"
	"time"
)

// EventType names an audit event emitted by the auth core.
type EventType string

const (
	EventRegister       EventType = "auth.register"
	EventLogin          EventType = "auth.login"
	EventLogout         EventType = "auth.logout"
	EventLogoutAll      EventType = "auth.logout_all"
	EventRoleSwitch     EventType = "auth.role_switch"
	EventRefresh        EventType = "auth.refresh"
	EventRefreshReuse   EventType = "auth.refresh_reuse"
	EventSessionRevoke  EventType = "auth.session_revoke"
	EventPasswordChange EventType = "auth.password_change"
	EventAccountStatus  EventType = "auth.account_status"
	EventRoleAssign     EventType = "auth.role_assign"
	EventRoleRevoke     EventType = "auth.role_revoke"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event is a structured audit record. Storage belongs to the consumer.
type Event struct {
	Type      EventType         `json:"type"`
	At        time.Time         `json:"at"`
	UserID    string            `json:"user_id,omitempty"`
	ActorID   string            `json:"actor_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Role      RoleCode          `json:"role,omitempty"`
	CompanyID string            `json:"company_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Device    string            `json:"device,omitempty"`
	Outcome   string            `json:"outcome"`
	Reason    string            `json:"reason,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// EventSink receives audit events. Implementations handle their own
// delivery failures; emission never fails an auth operation.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev Event)

func (f EventSinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

type discardSink struct{}

func (discardSink) Emit(context.Context, Event) {}

func outcomeOf(err error) (string, string) {
	if err == nil {
		return OutcomeSuccess, ""
	}
	return OutcomeFailure, string(CodeOf(err))
}
