package collab

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"collabcore/backend/internal/broadcast"
	"collabcore/backend/internal/cache"
	"collabcore/backend/internal/ot"
	"collabcore/backend/internal/ot/delta"
)

const (
	EventOpApplied       = "OP_APPLIED"
	EventPresenceJoined  = "PRESENCE_JOINED"
	EventPresenceUpdated = "PRESENCE_UPDATED"
	EventPresenceLeft    = "PRESENCE_LEFT"
)

// AuditEvent 审计流事件：每个已接受操作与每次在线状态变化
type AuditEvent struct {
	EventID      string           `json:"eventId"`
	EventType    string           `json:"eventType"`
	DocID        string           `json:"docId"`
	UserID       uint64           `json:"userId"`
	SessionID    string           `json:"sessionId,omitempty"`
	Sequence     uint64           `json:"sequence,omitempty"`
	BaseSequence uint64           `json:"baseSequence,omitempty"`
	SubmissionID string           `json:"submissionId,omitempty"`
	Kind         ot.Kind          `json:"kind,omitempty"`
	Ops          delta.Delta      `json:"ops,omitempty"`
	Status       cache.Status     `json:"status,omitempty"`
	Cursor       *int             `json:"cursor,omitempty"`
	Selection    *cache.Selection `json:"selection,omitempty"`
	OccurredAt   time.Time        `json:"occurredAt"`
}

// Auditor 审计出口；实现不能阻塞调用方太久
type Auditor interface {
	OperationApplied(ctx context.Context, op ot.AcceptedOperation)
	PresenceChanged(ctx context.Context, action broadcast.PresenceAction, e cache.PresenceEntry)
}

type nopAuditor struct{}

func (nopAuditor) OperationApplied(context.Context, ot.AcceptedOperation) {}
func (nopAuditor) PresenceChanged(context.Context, broadcast.PresenceAction, cache.PresenceEntry) {}

func opAppliedEvent(op ot.AcceptedOperation) AuditEvent {
	return AuditEvent{
		EventID:      ulid.Make().String(),
		EventType:    EventOpApplied,
		DocID:        op.DocumentID,
		UserID:       op.AuthorID,
		Sequence:     op.Sequence,
		BaseSequence: op.BaseSequence,
		SubmissionID: op.SubmissionID,
		Kind:         op.Kind,
		Ops:          op.Delta(),
		OccurredAt:   op.AppliedAt,
	}
}

func presenceEvent(action broadcast.PresenceAction, e cache.PresenceEntry, at time.Time) AuditEvent {
	evtType := EventPresenceUpdated
	switch action {
	case broadcast.PresenceJoined:
		evtType = EventPresenceJoined
	case broadcast.PresenceLeft:
		evtType = EventPresenceLeft
	}
	return AuditEvent{
		EventID:    ulid.Make().String(),
		EventType:  evtType,
		DocID:      e.DocumentID,
		UserID:     e.UserID,
		SessionID:  e.SessionID,
		Status:     e.Status,
		Cursor:     e.Cursor,
		Selection:  e.Selection,
		OccurredAt: at,
	}
}
