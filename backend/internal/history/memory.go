package history

import (
	"context"
	"fmt"
	"sync"

	"collabcore/backend/internal/ot"
)

type docLog struct {
	mu           sync.RWMutex
	ops          []ot.AcceptedOperation
	bySubmission map[submissionKey]int
}

// MemoryLog 进程内实现，每个文档一把读写锁
type MemoryLog struct {
	mu   sync.RWMutex
	docs map[string]*docLog
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{docs: make(map[string]*docLog)}
}

func (l *MemoryLog) doc(docID string, create bool) *docLog {
	l.mu.RLock()
	d := l.docs[docID]
	l.mu.RUnlock()
	if d != nil || !create {
		return d
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if d = l.docs[docID]; d == nil {
		d = &docLog{bySubmission: make(map[submissionKey]int)}
		l.docs[docID] = d
	}
	return d
}

func (l *MemoryLog) Append(ctx context.Context, op ot.AcceptedOperation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d := l.doc(op.DocumentID, true)
	d.mu.Lock()
	defer d.mu.Unlock()

	if want := uint64(len(d.ops)) + 1; op.Sequence != want {
		return fmt.Errorf("%w: doc=%s got %d want %d", ErrSequenceGap, op.DocumentID, op.Sequence, want)
	}
	d.ops = append(d.ops, op)
	d.bySubmission[submissionKey{op.AuthorID, op.SubmissionID}] = len(d.ops) - 1
	return nil
}

func (l *MemoryLog) ReadRange(ctx context.Context, docID string, after, upTo uint64, limit int) ([]ot.AcceptedOperation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := l.doc(docID, false)
	if d == nil {
		return nil, nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	// sequence 从 1 开始且无空洞，下标 = sequence-1
	start := after
	end := uint64(len(d.ops))
	if upTo != 0 && upTo < end {
		end = upTo
	}
	if start >= end {
		return nil, nil
	}
	if limit > 0 && end-start > uint64(limit) {
		end = start + uint64(limit)
	}
	out := make([]ot.AcceptedOperation, end-start)
	copy(out, d.ops[start:end])
	return out, nil
}

func (l *MemoryLog) LatestSequence(ctx context.Context, docID string) (uint64, error) {
	d := l.doc(docID, false)
	if d == nil {
		return 0, nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return uint64(len(d.ops)), nil
}

func (l *MemoryLog) FindSubmission(ctx context.Context, docID string, authorID uint64, submissionID string) (ot.AcceptedOperation, bool, error) {
	d := l.doc(docID, false)
	if d == nil {
		return ot.AcceptedOperation{}, false, nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	i, ok := d.bySubmission[submissionKey{authorID, submissionID}]
	if !ok {
		return ot.AcceptedOperation{}, false, nil
	}
	return d.ops[i], true, nil
}

func (l *MemoryLog) Close() error { return nil }
