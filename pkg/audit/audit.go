// Package audit provides the append-only operational event sink used by
// every admission and routing stage.
//
// Events are never mutated or deleted by this core. Append is safe under
// concurrent writers; ordering is only guaranteed within one principal's
// causally ordered requests, never across principals.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/veilgate/veilgate/pkg/domain"
)

// Store is the audit event sink. Implementations must tolerate concurrent
// appends.
type Store interface {
	// Append records one event.
	Append(ctx context.Context, event domain.AuditEvent) error

	// Query returns events matching the filters, oldest first.
	Query(ctx context.Context, q Query) ([]domain.AuditEvent, error)
}

// Query filters audit events for the operational read path.
type Query struct {
	PrincipalID string
	MinSeverity domain.Severity
	Since       time.Time
	Until       time.Time
	Limit       int
}

var severityRank = map[domain.Severity]int{
	domain.SeverityInfo:     0,
	domain.SeverityWarning:  1,
	domain.SeverityError:    2,
	domain.SeverityCritical: 3,
}

// Matches reports whether an event passes the query filters, ignoring Limit.
func (q Query) Matches(event domain.AuditEvent) bool {
	if q.PrincipalID != "" && event.PrincipalID != q.PrincipalID {
		return false
	}
	if q.MinSeverity != "" && severityRank[event.Severity] < severityRank[q.MinSeverity] {
		return false
	}
	if !q.Since.IsZero() && event.CreatedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && event.CreatedAt.After(q.Until) {
		return false
	}
	return true
}

// NewEvent constructs a populated audit event.
func NewEvent(eventType string, severity domain.Severity, principalID, traceID string, details map[string]any) domain.AuditEvent {
	return domain.AuditEvent{
		ID:          uuid.NewString(),
		EventType:   eventType,
		Severity:    severity,
		PrincipalID: principalID,
		TraceID:     traceID,
		Details:     details,
		CreatedAt:   time.Now(),
	}
}
