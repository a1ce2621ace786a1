package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"collabcore/backend/internal/history"
)

const foldPageSize = 1000

type Snapshot struct {
	DocumentID string
	Sequence   uint64
	Content    string
	Runs       []Run
}

// 快照存储接口
type SnapshotStore interface {
	SaveDocumentSnapshot(ctx context.Context, snap Snapshot) error
	// 没有快照时 ok=false
	LatestSnapshot(ctx context.Context, docID string) (snap Snapshot, ok bool, err error)
}

// Fold 把 (after, upTo] 的已接受操作依次应用到 buf，返回最后应用的 sequence。
// upTo == 0 表示读到最新。
func Fold(ctx context.Context, log history.Log, docID string, buf Buffer, after, upTo uint64) (uint64, error) {
	last := after
	for {
		ops, err := log.ReadRange(ctx, docID, last, upTo, foldPageSize)
		if err != nil {
			return last, err
		}
		for _, op := range ops {
			if err := buf.Apply(op.Delta()); err != nil {
				return last, fmt.Errorf("fold doc=%s seq=%d: %w", docID, op.Sequence, err)
			}
			last = op.Sequence
		}
		if len(ops) < foldPageSize {
			return last, nil
		}
	}
}

type foldState struct {
	mu     sync.Mutex
	loaded bool
	buf    *PieceTable
	seq    uint64
	saved  uint64
}

// Snapshotter 按自己的节奏把操作日志折叠成文档快照，不在提交路径上同步写存储
type Snapshotter struct {
	log   history.Log
	store SnapshotStore
	// 需要快照的文档列表
	docs func() []string

	mu     sync.Mutex
	states map[string]*foldState
}

func NewSnapshotter(log history.Log, store SnapshotStore, docs func() []string) *Snapshotter {
	return &Snapshotter{log: log, store: store, docs: docs, states: make(map[string]*foldState)}
}

// SnapshotDocument 增量折叠文档；有新操作时写一次快照。saved=false 表示没有新内容。
func (s *Snapshotter) SnapshotDocument(ctx context.Context, docID string) (snap Snapshot, saved bool, err error) {
	s.mu.Lock()
	st := s.states[docID]
	if st == nil {
		st = &foldState{buf: NewPieceTable("")}
		s.states[docID] = st
	}
	s.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.loaded {
		if err := s.resume(ctx, docID, st); err != nil {
			return Snapshot{}, false, err
		}
	}
	seq, err := Fold(ctx, s.log, docID, st.buf, st.seq, 0)
	st.seq = seq
	if err != nil {
		return Snapshot{}, false, err
	}
	if st.seq == st.saved {
		return Snapshot{}, false, nil
	}
	snap = Snapshot{DocumentID: docID, Sequence: st.seq, Content: st.buf.String(), Runs: st.buf.Runs()}
	if err := s.store.SaveDocumentSnapshot(ctx, snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("save snapshot doc=%s seq=%d: %w", docID, st.seq, err)
	}
	st.saved = st.seq
	return snap, true, nil
}

// 首次访问文档时从最近一份快照继续折叠，不必从头重放
func (s *Snapshotter) resume(ctx context.Context, docID string, st *foldState) error {
	prev, ok, err := s.store.LatestSnapshot(ctx, docID)
	if err != nil {
		return fmt.Errorf("load snapshot doc=%s: %w", docID, err)
	}
	st.buf, st.seq, st.saved, st.loaded = NewPieceTable(""), 0, 0, true
	if !ok {
		return nil
	}
	latest, err := s.log.LatestSequence(ctx, docID)
	if err != nil {
		st.loaded = false
		return fmt.Errorf("latest sequence doc=%s: %w", docID, err)
	}
	// 快照比日志新（日志被重建过），只能从头折叠
	if prev.Sequence > latest {
		glog.Warningf("snapshot doc=%s seq=%d is ahead of log latest=%d, refolding", docID, prev.Sequence, latest)
		return nil
	}
	if len(prev.Runs) > 0 {
		st.buf = NewPieceTableFromRuns(prev.Runs)
	} else {
		st.buf = NewPieceTable(prev.Content)
	}
	st.seq, st.saved = prev.Sequence, prev.Sequence
	return nil
}

// RunOnce 对所有文档做一轮快照，单个文档失败不影响其他文档
func (s *Snapshotter) RunOnce(ctx context.Context) int {
	n := 0
	for _, docID := range s.docs() {
		if ctx.Err() != nil {
			return n
		}
		snap, saved, err := s.SnapshotDocument(ctx, docID)
		if err != nil {
			glog.Warningf("snapshot doc=%s: %v", docID, err)
			continue
		}
		if saved {
			n++
			glog.V(1).Infof("snapshot saved doc=%s seq=%d len=%d", docID, snap.Sequence, len(snap.Content))
		}
	}
	return n
}

func (s *Snapshotter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// 退出前再做一轮，尽量不丢最后的修改
			s.RunOnce(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}
