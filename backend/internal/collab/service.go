package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"collabcore/backend/internal/broadcast"
	"collabcore/backend/internal/cache"
	"collabcore/backend/internal/history"
	"collabcore/backend/internal/ot"
)

type Options struct {
	Log      history.Log
	Presence cache.PresenceStore
	Hub      *broadcast.Hub
	Metadata Metadata
	// 可选，默认不输出审计事件
	Audit       Auditor
	PresenceTTL time.Duration
	// 单进程同时处理中的提交数上限
	MaxInflight int
	// 等待提交名额的最长时间
	AcquireTimeout time.Duration
	Now            func() time.Time
}

// Service 协作引擎门面：传输层（ws/http）只和它打交道
type Service struct {
	Registry  *Registry
	Presence  *Presence
	Sequencer *Sequencer

	log            history.Log
	hub            *broadcast.Hub
	sem            *SemaphoreControl
	acquireTimeout time.Duration
}

func NewService(opt Options) *Service {
	if opt.Audit == nil {
		opt.Audit = nopAuditor{}
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.AcquireTimeout <= 0 {
		opt.AcquireTimeout = 200 * time.Millisecond
	}
	registry := NewRegistry(opt.Metadata, opt.Presence, opt.Hub, opt.Audit, opt.Now)
	return &Service{
		Registry:       registry,
		Presence:       NewPresence(opt.Presence, registry, opt.PresenceTTL),
		Sequencer:      NewSequencer(opt.Log, opt.Hub, opt.Metadata, opt.Audit, opt.Now),
		log:            opt.Log,
		hub:            opt.Hub,
		sem:            NewSemaphoreControl(opt.MaxInflight),
		acquireTimeout: opt.AcquireTimeout,
	}
}

// Attach 创建 session；返回文档当前最新 sequence，客户端据此决定是否追平
func (s *Service) Attach(ctx context.Context, p Principal, docID string, conn any) (*Session, uint64, error) {
	sess, err := s.Registry.Attach(ctx, p, docID, conn)
	if err != nil {
		return nil, 0, err
	}
	latest, err := s.log.LatestSequence(ctx, docID)
	if err != nil {
		_ = s.Registry.Detach(ctx, sess.ID)
		return nil, 0, err
	}
	return sess, latest, nil
}

func (s *Service) Detach(ctx context.Context, sessionID string) error {
	return s.Registry.Detach(ctx, sessionID)
}

// Submit 以 session 的身份提交操作。author 与 document 以 session 为准，
// 客户端填写的 document 与 session 不一致视为协议错误。
func (s *Service) Submit(ctx context.Context, sessionID string, op ot.Operation) (ot.AcceptedOperation, error) {
	sess, err := s.Registry.Lookup(sessionID)
	if err != nil {
		return ot.AcceptedOperation{}, err
	}
	if op.DocumentID == "" {
		op.DocumentID = sess.DocumentID
	}
	if op.DocumentID != sess.DocumentID {
		return ot.AcceptedOperation{}, fmt.Errorf("%w: session %s is attached to %s, not %s",
			ErrProtocolViolation, sess.ID, sess.DocumentID, op.DocumentID)
	}
	op.AuthorID = sess.UserID

	acquireCtx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	err = s.sem.Acquire(acquireCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ot.AcceptedOperation{}, fmt.Errorf("%w: %w", ErrSubmissionAbandoned, ctx.Err())
		}
		return ot.AcceptedOperation{}, fmt.Errorf("%w: %w", ErrServerBusy, err)
	}
	defer s.sem.Release()

	accepted, err := s.Sequencer.Submit(ctx, op)
	if err != nil {
		return ot.AcceptedOperation{}, err
	}
	sess.observe(accepted.Sequence)
	// 在线状态刷新失败不影响已接受的操作
	if _, err := s.Presence.Touch(context.WithoutCancel(ctx), sess); err != nil {
		glog.Warningf("touch presence after submit session=%s doc=%s: %v", sess.ID, sess.DocumentID, err)
	}
	return accepted, nil
}

func (s *Service) UpdatePresence(ctx context.Context, sessionID string, upd PresenceUpdate) (cache.PresenceEntry, error) {
	return s.Presence.Upsert(ctx, sessionID, upd)
}

func (s *Service) ListPresence(ctx context.Context, docID string) ([]cache.PresenceEntry, error) {
	return s.Presence.ListActive(ctx, docID)
}

// Authorize 文档存在且 user 可编辑；REST 读接口复用 attach 的校验
func (s *Service) Authorize(ctx context.Context, userID uint64, docID string) error {
	return checkAccess(ctx, s.Registry.meta, userID, docID)
}

// History 区间 (after, upTo]，upTo == 0 表示到最新
func (s *Service) History(ctx context.Context, docID string, after, upTo uint64, limit int) ([]ot.AcceptedOperation, error) {
	return s.log.ReadRange(ctx, docID, after, upTo, limit)
}

// SubscribedDocuments 当前有实时订阅的文档
func (s *Service) SubscribedDocuments() []string {
	return s.hub.Documents()
}

func (s *Service) LatestSequence(ctx context.Context, docID string) (uint64, error) {
	return s.log.LatestSequence(ctx, docID)
}

// Subscribe 先注册实时订阅，再读取 (after, latest] 的历史，返回的 Feed 先吐历史再吐实时事件，
// 并丢弃 sequence 不大于已交付值的实时操作：中间没有空洞，也没有重复。
func (s *Service) Subscribe(ctx context.Context, sessionID string, after uint64) (*Feed, error) {
	sess, err := s.Registry.Lookup(sessionID)
	if err != nil {
		return nil, err
	}
	sub := s.hub.Subscribe(sess.DocumentID, sess.ID)

	backlog, err := s.log.ReadRange(ctx, sess.DocumentID, after, 0, 0)
	if err != nil {
		s.hub.Unsubscribe(sess.DocumentID, sess.ID)
		return nil, fmt.Errorf("catch-up doc=%s after=%d: %w", sess.DocumentID, after, err)
	}
	if len(backlog) == 0 && after > 0 {
		latest, err := s.log.LatestSequence(ctx, sess.DocumentID)
		if err != nil {
			s.hub.Unsubscribe(sess.DocumentID, sess.ID)
			return nil, err
		}
		if after > latest {
			s.hub.Unsubscribe(sess.DocumentID, sess.ID)
			return nil, fmt.Errorf("%w: catch-up from %d beyond latest %d", ErrProtocolViolation, after, latest)
		}
	}
	return &Feed{sub: sub, session: sess, backlog: backlog, last: after}, nil
}

// RunSweeper 在线状态 TTL 清理循环
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	s.Presence.RunSweeper(ctx, interval)
}
