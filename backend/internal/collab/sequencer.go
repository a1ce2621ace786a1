package collab

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"

	"collabcore/backend/internal/broadcast"
	"collabcore/backend/internal/history"
	"collabcore/backend/internal/ot"
)

const confirmTimeout = 2 * time.Second

// 文档的排序状态；latest/length 只在持有 turn 时读写
type docState struct {
	turn   *SemaphoreControl
	loaded bool
	// 追加结果不确定：重新加载时补发本进程没有广播过的记录
	stale  bool
	latest uint64
	// 文档当前长度（rune），用于校验变换后的操作不越界
	length int
}

// Sequencer 每个文档的排序权威：同一文档的提交严格逐个处理，不同文档完全并行
type Sequencer struct {
	log   history.Log
	hub   *broadcast.Hub
	meta  Metadata
	audit Auditor
	now   func() time.Time

	mu   sync.RWMutex
	docs map[string]*docState
}

func NewSequencer(log history.Log, hub *broadcast.Hub, meta Metadata, audit Auditor, now func() time.Time) *Sequencer {
	if audit == nil {
		audit = nopAuditor{}
	}
	if now == nil {
		now = time.Now
	}
	return &Sequencer{log: log, hub: hub, meta: meta, audit: audit, now: now, docs: make(map[string]*docState)}
}

// 获取或创建指定文档的状态
func (s *Sequencer) getOrCreateDoc(docID string) *docState {
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds != nil {
		return ds
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ds = s.docs[docID]; ds == nil {
		ds = &docState{turn: NewSemaphoreControl(1)}
		s.docs[docID] = ds
	}
	return ds
}

// Submit 接受一个操作：重复提交返回已有结果；否则对 base_sequence 之后的操作做变换，
// 以 latest+1 追加到历史并广播。冲突从不导致拒绝。
func (s *Sequencer) Submit(ctx context.Context, op ot.Operation) (ot.AcceptedOperation, error) {
	if err := op.Validate(); err != nil {
		return ot.AcceptedOperation{}, fmt.Errorf("%w: %w", ErrMalformedOperation, err)
	}
	if err := checkAccess(ctx, s.meta, op.AuthorID, op.DocumentID); err != nil {
		return ot.AcceptedOperation{}, err
	}

	ds := s.getOrCreateDoc(op.DocumentID)
	if err := ds.turn.Acquire(ctx); err != nil {
		return ot.AcceptedOperation{}, fmt.Errorf("%w: waiting for doc %s: %w", ErrSubmissionAbandoned, op.DocumentID, err)
	}
	defer ds.turn.Release()

	if err := s.load(ctx, op.DocumentID, ds); err != nil {
		return ot.AcceptedOperation{}, err
	}

	// 幂等：客户端丢了 ack 后用同一个 submission_id 重试
	if prev, ok, err := s.log.FindSubmission(ctx, op.DocumentID, op.AuthorID, op.SubmissionID); err != nil {
		return ot.AcceptedOperation{}, fmt.Errorf("find submission doc=%s: %w", op.DocumentID, err)
	} else if ok {
		glog.V(2).Infof("duplicate submission doc=%s author=%d submission=%s seq=%d",
			op.DocumentID, op.AuthorID, op.SubmissionID, prev.Sequence)
		return prev, nil
	}

	if op.BaseSequence > ds.latest {
		return ot.AcceptedOperation{}, fmt.Errorf("%w: base_sequence %d beyond latest %d on doc %s",
			ErrProtocolViolation, op.BaseSequence, ds.latest, op.DocumentID)
	}

	transformed := op
	if op.BaseSequence < ds.latest {
		intervening, err := s.log.ReadRange(ctx, op.DocumentID, op.BaseSequence, ds.latest, 0)
		if err != nil {
			return ot.AcceptedOperation{}, fmt.Errorf("read intervening doc=%s: %w", op.DocumentID, err)
		}
		if uint64(len(intervening)) != ds.latest-op.BaseSequence {
			return ot.AcceptedOperation{}, fmt.Errorf("read intervening doc=%s: got %d entries for (%d,%d]",
				op.DocumentID, len(intervening), op.BaseSequence, ds.latest)
		}
		transformed = ot.TransformAll(op, intervening)
	}
	if err := transformed.CheckBounds(ds.length); err != nil {
		return ot.AcceptedOperation{}, fmt.Errorf("%w: %w", ErrMalformedOperation, err)
	}

	// 追加之前连接已断开：放弃，客户端重连后可用同一 submission_id 重试
	if err := ctx.Err(); err != nil {
		return ot.AcceptedOperation{}, fmt.Errorf("%w: %w", ErrSubmissionAbandoned, err)
	}

	accepted := ot.AcceptedOperation{
		Operation: transformed,
		Sequence:  ds.latest + 1,
		AppliedAt: s.now().UTC(),
	}
	if err := s.log.Append(ctx, accepted); err != nil {
		stored, ok := s.confirmAppend(ctx, accepted)
		if !ok {
			// 另一个写者改动了日志，或者不知道是否写入：下次提交时重新加载
			ds.loaded, ds.stale = false, true
			return ot.AcceptedOperation{}, fmt.Errorf("append doc=%s seq=%d: %w", op.DocumentID, accepted.Sequence, err)
		}
		glog.Warningf("append doc=%s seq=%d returned %v but the record is stored", op.DocumentID, accepted.Sequence, err)
		accepted = stored
	}
	// 从这里开始操作已经成立，取消不会回滚
	ds.latest = accepted.Sequence
	ds.length += transformed.LengthDelta()

	// 持有排序权时发布，订阅者按 sequence 顺序看到操作
	s.hub.PublishOperation(op.DocumentID, accepted)
	s.audit.OperationApplied(ctx, accepted)

	glog.V(2).Infof("accepted doc=%s seq=%d author=%d kind=%s base=%d transformed=%v",
		op.DocumentID, accepted.Sequence, op.AuthorID, op.Kind, op.BaseSequence, op.BaseSequence < accepted.Sequence-1)
	return accepted, nil
}

// 首次访问文档时从历史恢复 latest 与文档长度；调用方持有 turn
func (s *Sequencer) load(ctx context.Context, docID string, ds *docState) error {
	if ds.loaded {
		return nil
	}
	latest, err := s.log.LatestSequence(ctx, docID)
	if err != nil {
		return fmt.Errorf("latest sequence doc=%s: %w", docID, err)
	}
	ops, err := s.log.ReadRange(ctx, docID, 0, latest, 0)
	if err != nil {
		return fmt.Errorf("replay doc=%s: %w", docID, err)
	}
	length := 0
	for _, op := range ops {
		length += op.LengthDelta()
	}
	prev := ds.latest
	ds.latest, ds.length, ds.loaded = latest, length, true

	if ds.stale {
		ds.stale = false
		for _, op := range ops {
			if op.Sequence > prev {
				s.hub.PublishOperation(docID, op)
			}
		}
		if latest > prev {
			glog.Infof("reloaded doc=%s latest %d -> %d, republished %d", docID, prev, latest, latest-prev)
		}
	}
	return nil
}

// Append 返回错误时记录可能已经提交（例如 commit 途中 ctx 被取消），用不受取消影响的 ctx 再确认一次
func (s *Sequencer) confirmAppend(ctx context.Context, op ot.AcceptedOperation) (ot.AcceptedOperation, bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), confirmTimeout)
	defer cancel()
	stored, ok, err := s.log.FindSubmission(ctx, op.DocumentID, op.AuthorID, op.SubmissionID)
	if err != nil || !ok || stored.Sequence != op.Sequence {
		return ot.AcceptedOperation{}, false
	}
	return stored, true
}

// Documents 本进程处理过提交的文档
func (s *Sequencer) Documents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.docs))
	for docID := range s.docs {
		out = append(out, docID)
	}
	sort.Strings(out)
	return out
}
