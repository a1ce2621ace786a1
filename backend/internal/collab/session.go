package collab

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"collabcore/backend/internal/broadcast"
	"collabcore/backend/internal/cache"
)

// Session 一个连接在一个文档上的逻辑会话
type Session struct {
	ID         string
	UserID     uint64
	Username   string
	DocumentID string
	// 传输层句柄，核心不解释
	Conn       any
	AttachedAt time.Time

	lastKnown atomic.Uint64
}

// LastKnownSequence 该 session 已收到的最大 sequence
func (s *Session) LastKnownSequence() uint64 { return s.lastKnown.Load() }

func (s *Session) observe(seq uint64) {
	for {
		cur := s.lastKnown.Load()
		if seq <= cur || s.lastKnown.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Registry 连接 -> (用户, 文档) 的会话表。
// 一个用户可以在同一文档上同时持有多个 session（多标签页/多设备），彼此独立。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	meta     Metadata
	presence cache.PresenceStore
	hub      *broadcast.Hub
	notify   *presenceNotifier
	now      func() time.Time
}

func NewRegistry(meta Metadata, presence cache.PresenceStore, hub *broadcast.Hub, audit Auditor, now func() time.Time) *Registry {
	if audit == nil {
		audit = nopAuditor{}
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{
		sessions: make(map[string]*Session),
		meta:     meta,
		presence: presence,
		hub:      hub,
		notify:   &presenceNotifier{hub: hub, audit: audit},
		now:      now,
	}
}

// Attach 每次调用创建一个新 session，并登记在线状态（广播 joined）
func (r *Registry) Attach(ctx context.Context, p Principal, docID string, conn any) (*Session, error) {
	if err := checkAccess(ctx, r.meta, p.UserID, docID); err != nil {
		return nil, err
	}
	now := r.now()
	s := &Session{
		ID:         uuid.NewString(),
		UserID:     p.UserID,
		Username:   p.Username,
		DocumentID: docID,
		Conn:       conn,
		AttachedAt: now,
	}

	entry := cache.PresenceEntry{
		DocumentID: docID,
		UserID:     p.UserID,
		Username:   p.Username,
		SessionID:  s.ID,
		Status:     cache.StatusActive,
		LastActive: now,
	}
	if err := r.presence.Upsert(ctx, entry); err != nil {
		return nil, fmt.Errorf("attach doc=%s: upsert presence: %w", docID, err)
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.notify.publish(ctx, broadcast.PresenceJoined, entry)
	glog.V(1).Infof("attach doc=%s user=%d session=%s", docID, p.UserID, s.ID)
	return s, nil
}

// Detach 幂等：未知或已 detach 的 session 直接返回 nil
func (r *Registry) Detach(ctx context.Context, sessionID string) error {
	s := r.drop(sessionID)
	if s == nil {
		return nil
	}
	removed, ok, err := r.presence.Remove(ctx, s.DocumentID, s.ID)
	if err != nil {
		return fmt.Errorf("detach session=%s: remove presence: %w", s.ID, err)
	}
	// 可能已被 TTL 清理抢先删除，离开事件由删除方广播
	if ok {
		r.notify.publish(ctx, broadcast.PresenceLeft, removed)
	}
	glog.V(1).Infof("detach doc=%s user=%d session=%s", s.DocumentID, s.UserID, s.ID)
	return nil
}

// expire 在线状态已被清理时只回收 session，不再碰 presence
func (r *Registry) expire(sessionID string) *Session {
	return r.drop(sessionID)
}

func (r *Registry) drop(sessionID string) *Session {
	r.mu.Lock()
	s := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if s != nil {
		r.hub.Unsubscribe(s.DocumentID, s.ID)
	}
	return s
}

func (r *Registry) Lookup(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.sessions[sessionID]
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// Len 当前 session 数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

type presenceNotifier struct {
	hub   *broadcast.Hub
	audit Auditor
}

func (n *presenceNotifier) publish(ctx context.Context, action broadcast.PresenceAction, e cache.PresenceEntry) {
	n.hub.PublishPresence(e.DocumentID, broadcast.PresenceEvent{Action: action, Entry: e})
	n.audit.PresenceChanged(ctx, action, e)
}

func checkAccess(ctx context.Context, meta Metadata, userID uint64, docID string) error {
	exists, err := meta.DocumentExists(ctx, docID)
	if err != nil {
		return fmt.Errorf("document_exists doc=%s: %w", docID, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, docID)
	}
	ok, err := meta.CanEdit(ctx, userID, docID)
	if err != nil {
		return fmt.Errorf("can_edit doc=%s user=%d: %w", docID, userID, err)
	}
	if !ok {
		return fmt.Errorf("%w: user %d on doc %s", ErrPermissionDenied, userID, docID)
	}
	return nil
}
