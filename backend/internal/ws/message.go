package ws

import (
	"time"

	"collabcore/backend/internal/cache"
	"collabcore/backend/internal/ot"
	"collabcore/backend/internal/ot/delta"
)

// 客户端消息类型
const (
	TypeAttach    = "attach"
	TypeOpSubmit  = "op_submit"
	TypePresence  = "presence"
	TypeCatchUp   = "catch_up"
	TypeDetach    = "detach"
	TypeHeartbeat = "heartbeat"
)

// 服务端消息类型
const (
	TypeWelcome     = "welcome"
	TypeAttached    = "attached"
	TypeDetached    = "detached"
	TypeOpApplied   = "op_applied"
	TypeOpBroadcast = "op_broadcast"
	TypeError       = "error"
	TypeFeedback    = "feedback"
	TypeIgnored     = "ignored"
)

type ClientMessage struct {
	Type  string `json:"type"`
	DocID string `json:"docId"`
	// attach / catch_up：客户端已知的最后一个 sequence；attach 不带时从当前最新开始
	After *uint64 `json:"after,omitempty"`

	// op_submit
	BaseSequence uint64 `json:"baseSequence"`
	// 客户端实例标识。同一用户可有多个 clientId（多端/多标签页）。
	ClientId string `json:"clientId"`
	// 针对同一个 clientId 的“本地递增序号”
	ClientSeq uint64 `json:"clientSeq"`
	// 不填时由 clientId:clientSeq 组成
	SubmissionID string         `json:"submissionId,omitempty"`
	Kind         ot.Kind        `json:"kind,omitempty"`
	Position     int            `json:"position"`
	Text         string         `json:"text,omitempty"`
	Length       int            `json:"length,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`

	// presence
	Status    cache.Status     `json:"status,omitempty"`
	Cursor    *int             `json:"cursor,omitempty"`
	Selection *cache.Selection `json:"selection,omitempty"`
}

type PresenceMember struct {
	UserID    uint64           `json:"userId"`
	Username  string           `json:"username,omitempty"`
	SessionID string           `json:"sessionId"`
	Status    cache.Status     `json:"status"`
	Cursor    *int             `json:"cursor,omitempty"`
	Selection *cache.Selection `json:"selection,omitempty"`
	// unix ms
	LastActive int64 `json:"lastActive"`
}

type ServerMessage struct {
	Type      string           `json:"type"`
	UserID    uint64           `json:"userId,omitempty"`
	DocID     string           `json:"docId,omitempty"`
	SessionID string           `json:"sessionId,omitempty"`
	Sequence  uint64           `json:"sequence,omitempty"`
	Members   []PresenceMember `json:"members,omitempty"`
	Content   string           `json:"content,omitempty"`
}

// 错误只回给出错的连接；retryable=true 表示可以用同一个 submission 重试
type ErrorMessage struct {
	Type         string `json:"type"` // 固定 "error"
	Code         string `json:"code"`
	Message      string `json:"message,omitempty"`
	SubmissionID string `json:"submissionId,omitempty"`
	Retryable    bool   `json:"retryable"`
}

type OpAppliedMessage struct {
	Type         string `json:"type"` // 固定 "op_applied"
	DocID        string `json:"docId"`
	BaseSequence uint64 `json:"baseSequence"` // 客户端提交时的 base
	Sequence     uint64 `json:"sequence"`     // 服务端分配的 sequence
	SubmissionID string `json:"submissionId"`
	ClientId     string `json:"clientId,omitempty"`
	ClientSeq    uint64 `json:"clientSeq,omitempty"`
}

// 广播给同文档所有 session 的“已应用操作”事件（包括提交者自己）
// - 与 op_applied(ack) 区分：ack 只回给提交者，broadcast 按 sequence 顺序推给每个订阅者
// - 前端收到后在本地应用 ops（或变换后的 kind/position），并将本地 sequence 对齐
type OpBroadcastMessage struct {
	Type         string         `json:"type"` // 固定 "op_broadcast"
	DocID        string         `json:"docId"`
	Sequence     uint64         `json:"sequence"`
	BaseSequence uint64         `json:"baseSequence"`
	AuthorID     uint64         `json:"authorId"`
	SubmissionID string         `json:"submissionId"`
	Kind         ot.Kind        `json:"kind"`
	Position     int            `json:"position"`
	Text         string         `json:"text,omitempty"`
	Length       int            `json:"length,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Ops          delta.Delta    `json:"ops"`
	AppliedAt    time.Time      `json:"appliedAt,omitempty"`
}

// 在线状态变化：action = joined / updated / left
type PresenceMessage struct {
	Type   string         `json:"type"` // 固定 "presence"
	DocID  string         `json:"docId"`
	Action string         `json:"action"`
	Member PresenceMember `json:"member"`
}

func toMember(e cache.PresenceEntry) PresenceMember {
	return PresenceMember{
		UserID:     e.UserID,
		Username:   e.Username,
		SessionID:  e.SessionID,
		Status:     e.Status,
		Cursor:     e.Cursor,
		Selection:  e.Selection,
		LastActive: e.LastActive.UnixMilli(),
	}
}

func toBroadcast(op ot.AcceptedOperation) OpBroadcastMessage {
	return OpBroadcastMessage{
		Type:         TypeOpBroadcast,
		DocID:        op.DocumentID,
		Sequence:     op.Sequence,
		BaseSequence: op.BaseSequence,
		AuthorID:     op.AuthorID,
		SubmissionID: op.SubmissionID,
		Kind:         op.Kind,
		Position:     op.Position,
		Text:         op.Text,
		Length:       op.Length,
		Attributes:   op.Attributes,
		Ops:          op.Delta(),
		AppliedAt:    op.AppliedAt,
	}
}
