// Package cache 存放文档的在线状态（presence）。
// 每条记录归属于一个 session，只有该 session 的活动会刷新或删除它；TTL 过期由 SweepExpired 清理。
package cache

import (
	"context"
	"time"
)

type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
)

func (s Status) Valid() bool { return s == StatusActive || s == StatusIdle }

// Selection 选区，[Start, End) 按 rune 计数
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type PresenceEntry struct {
	DocumentID string     `json:"docId"`
	UserID     uint64     `json:"userId"`
	Username   string     `json:"username"`
	SessionID  string     `json:"sessionId"`
	Status     Status     `json:"status"`
	Cursor     *int       `json:"cursor,omitempty"`
	Selection  *Selection `json:"selection,omitempty"`
	LastActive time.Time  `json:"lastActive"`
}

// Stale last_active 距 now 超过 ttl
func (e PresenceEntry) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.LastActive) > ttl
}

// PresenceStore 不做 session 校验，也不广播；这些由 collab.Presence 负责。
//
// Remove 与 SweepExpired 只会有一个真正删除某条记录，返回值据此告诉调用方是否由它负责广播离开事件。
// SweepExpired 采用 compare-and-check：只删除 last_active 仍为观察到的旧值的记录。
type PresenceStore interface {
	Upsert(ctx context.Context, e PresenceEntry) error
	Remove(ctx context.Context, docID, sessionID string) (PresenceEntry, bool, error)
	Get(ctx context.Context, docID, sessionID string) (PresenceEntry, bool, error)
	ListActive(ctx context.Context, docID string) ([]PresenceEntry, error)
	Documents(ctx context.Context) ([]string, error)
	SweepExpired(ctx context.Context, now time.Time, ttl time.Duration) ([]PresenceEntry, error)
}
