package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"collabcore/backend/internal/broadcast"
	"collabcore/backend/internal/cache"
)

const (
	DefaultPresenceTTL   = 30 * time.Minute
	DefaultSweepInterval = time.Minute
)

// PresenceUpdate 客户端上报的在线状态；nil 字段保持原值
type PresenceUpdate struct {
	Status    cache.Status
	Cursor    *int
	Selection *cache.Selection
}

// Presence 在 PresenceStore 之上做 session 校验、广播与 TTL 清理
type Presence struct {
	store    cache.PresenceStore
	registry *Registry
	notify   *presenceNotifier
	ttl      time.Duration
	now      func() time.Time
}

func NewPresence(store cache.PresenceStore, registry *Registry, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &Presence{
		store:    store,
		registry: registry,
		notify:   registry.notify,
		ttl:      ttl,
		now:      registry.now,
	}
}

func (p *Presence) TTL() time.Duration { return p.ttl }

// Upsert 刷新 session 的在线状态；未知 session 返回 ErrSessionNotFound
func (p *Presence) Upsert(ctx context.Context, sessionID string, upd PresenceUpdate) (cache.PresenceEntry, error) {
	if upd.Status != "" && !upd.Status.Valid() {
		return cache.PresenceEntry{}, fmt.Errorf("%w: presence status %q", ErrProtocolViolation, upd.Status)
	}
	s, err := p.registry.Lookup(sessionID)
	if err != nil {
		return cache.PresenceEntry{}, err
	}
	return p.refresh(ctx, s, &upd)
}

// Touch 编辑提交成功后刷新 last_active
func (p *Presence) Touch(ctx context.Context, s *Session) (cache.PresenceEntry, error) {
	return p.refresh(ctx, s, nil)
}

func (p *Presence) refresh(ctx context.Context, s *Session, upd *PresenceUpdate) (cache.PresenceEntry, error) {
	e, ok, err := p.store.Get(ctx, s.DocumentID, s.ID)
	if err != nil {
		return cache.PresenceEntry{}, err
	}
	if !ok {
		e = cache.PresenceEntry{
			DocumentID: s.DocumentID,
			UserID:     s.UserID,
			Username:   s.Username,
			SessionID:  s.ID,
			Status:     cache.StatusActive,
		}
	}
	if upd != nil {
		if upd.Status != "" {
			e.Status = upd.Status
		}
		if upd.Cursor != nil {
			e.Cursor = upd.Cursor
		}
		if upd.Selection != nil {
			e.Selection = upd.Selection
		}
	}
	e.LastActive = p.now()
	if err := p.store.Upsert(ctx, e); err != nil {
		return cache.PresenceEntry{}, err
	}

	// 与 Detach 并发时 session 可能已经不在了，撤回刚写入的记录（离开事件已由 Detach 发出）
	if _, err := p.registry.Lookup(s.ID); err != nil {
		_, _, _ = p.store.Remove(ctx, s.DocumentID, s.ID)
		return cache.PresenceEntry{}, err
	}

	action := broadcast.PresenceUpdated
	if !ok {
		action = broadcast.PresenceJoined
	}
	p.notify.publish(ctx, action, e)
	return e, nil
}

// ListActive 文档当前在线的 session；已超过 TTL 但尚未清理的记录不返回
func (p *Presence) ListActive(ctx context.Context, docID string) ([]cache.PresenceEntry, error) {
	all, err := p.store.ListActive(ctx, docID)
	if err != nil {
		return nil, err
	}
	now := p.now()
	out := all[:0]
	for _, e := range all {
		if !e.Stale(now, p.ttl) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Sweep 清理过期记录：每条被删除的记录广播一次 left，并回收对应 session
func (p *Presence) Sweep(ctx context.Context) ([]string, error) {
	removed, err := p.store.SweepExpired(ctx, p.now(), p.ttl)
	ids := make([]string, 0, len(removed))
	for _, e := range removed {
		p.registry.expire(e.SessionID)
		p.notify.publish(ctx, broadcast.PresenceLeft, e)
		ids = append(ids, e.SessionID)
		glog.Infof("presence expired doc=%s user=%d session=%s last_active=%s",
			e.DocumentID, e.UserID, e.SessionID, e.LastActive.Format(time.RFC3339))
	}
	return ids, err
}

// RunSweeper 定时清理，直到 ctx 结束
func (p *Presence) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
				glog.Warningf("presence sweep error: %v", err)
			}
		}
	}
}
