package history

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"collabcore/backend/internal/ot"
)

// FsyncMode WAL 落盘策略
type FsyncMode string

const (
	FsyncAlways   FsyncMode = "always"
	FsyncInterval FsyncMode = "interval"
	FsyncNever    FsyncMode = "never"
)

type PebbleOptions struct {
	DataDir       string
	Fsync         FsyncMode
	FsyncInterval time.Duration
}

// PebbleLog 基于 Pebble 的持久化日志。
// 每个文档一把追加锁，最新 sequence 缓存在内存并写入 meta 键。
type PebbleLog struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions

	mu     sync.Mutex
	docs   map[string]*pebbleDoc
	closed bool
}

type pebbleDoc struct {
	mu     sync.Mutex
	loaded bool
	latest uint64
}

func OpenPebbleLog(opts PebbleOptions) (*PebbleLog, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: DataDir is required")
	}
	po := &pebble.Options{}
	writeOpts := pebble.NoSync
	switch opts.Fsync {
	case FsyncAlways:
		writeOpts = pebble.Sync
	case FsyncNever:
	default:
		// 默认小窗口 group commit
		interval := opts.FsyncInterval
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
		writeOpts = pebble.Sync
	}

	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", opts.DataDir, err)
	}
	return &PebbleLog{db: db, writeOpts: writeOpts, docs: make(map[string]*pebbleDoc)}, nil
}

func (l *PebbleLog) doc(docID string) (*pebbleDoc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	d := l.docs[docID]
	if d == nil {
		d = &pebbleDoc{}
		l.docs[docID] = d
	}
	return d, nil
}

// 调用方持有 d.mu
func (l *PebbleLog) loadLatest(docID string, d *pebbleDoc) error {
	if d.loaded {
		return nil
	}
	v, closer, err := l.db.Get(keyMeta(docID))
	switch {
	case errors.Is(err, pebble.ErrNotFound):
		d.latest = 0
	case err != nil:
		return err
	default:
		if len(v) < 8 {
			closer.Close()
			return fmt.Errorf("%w: meta for doc %s", ErrCorrupt, docID)
		}
		d.latest = binary.BigEndian.Uint64(v[:8])
		closer.Close()
	}
	d.loaded = true
	return nil
}

func (l *PebbleLog) Append(ctx context.Context, op ot.AcceptedOperation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d, err := l.doc(op.DocumentID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := l.loadLatest(op.DocumentID, d); err != nil {
		return err
	}
	if want := d.latest + 1; op.Sequence != want {
		return fmt.Errorf("%w: doc=%s got %d want %d", ErrSequenceGap, op.DocumentID, op.Sequence, want)
	}

	payload, err := json.Marshal(op)
	if err != nil {
		return err
	}
	seqBytes := appendBE8(nil, op.Sequence)

	b := l.db.NewBatch()
	defer b.Close()
	if err := b.Set(keyEntry(op.DocumentID, op.Sequence), encodeRecord(seqBytes, payload), nil); err != nil {
		return err
	}
	if err := b.Set(keySubmission(op.DocumentID, op.AuthorID, op.SubmissionID), seqBytes, nil); err != nil {
		return err
	}
	if err := b.Set(keyMeta(op.DocumentID), seqBytes, nil); err != nil {
		return err
	}
	if err := b.Commit(l.writeOpts); err != nil {
		return err
	}
	d.latest = op.Sequence
	return nil
}

func (l *PebbleLog) ReadRange(ctx context.Context, docID string, after, upTo uint64, limit int) ([]ot.AcceptedOperation, error) {
	if upTo != 0 && upTo <= after {
		return nil, nil
	}
	lower := keyEntry(docID, after+1)
	var upper []byte
	if upTo == 0 {
		upper = append(keyEntry(docID, ^uint64(0)), 0x00)
	} else {
		upper = keyEntry(docID, upTo+1)
	}
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []ot.AcceptedOperation
	for ok := iter.First(); ok; ok = iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		seq := seqFromEntryKey(iter.Key())
		op, err := decodeOperation(seq, iter.Value())
		if err != nil {
			return nil, fmt.Errorf("doc %s seq %d: %w", docID, seq, err)
		}
		out = append(out, op)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

func (l *PebbleLog) LatestSequence(ctx context.Context, docID string) (uint64, error) {
	d, err := l.doc(docID)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := l.loadLatest(docID, d); err != nil {
		return 0, err
	}
	return d.latest, nil
}

func (l *PebbleLog) FindSubmission(ctx context.Context, docID string, authorID uint64, submissionID string) (ot.AcceptedOperation, bool, error) {
	v, closer, err := l.db.Get(keySubmission(docID, authorID, submissionID))
	if errors.Is(err, pebble.ErrNotFound) {
		return ot.AcceptedOperation{}, false, nil
	}
	if err != nil {
		return ot.AcceptedOperation{}, false, err
	}
	if len(v) < 8 {
		closer.Close()
		return ot.AcceptedOperation{}, false, fmt.Errorf("%w: submission index for doc %s", ErrCorrupt, docID)
	}
	seq := binary.BigEndian.Uint64(v[:8])
	closer.Close()

	raw, closer, err := l.db.Get(keyEntry(docID, seq))
	if err != nil {
		return ot.AcceptedOperation{}, false, err
	}
	defer closer.Close()
	op, err := decodeOperation(seq, raw)
	if err != nil {
		return ot.AcceptedOperation{}, false, err
	}
	return op, true, nil
}

func (l *PebbleLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.db.Close()
}

func decodeOperation(seq uint64, raw []byte) (ot.AcceptedOperation, error) {
	header, payload, ok := decodeRecord(raw)
	if !ok || len(header) != 8 || binary.BigEndian.Uint64(header) != seq {
		return ot.AcceptedOperation{}, ErrCorrupt
	}
	var op ot.AcceptedOperation
	if err := json.Unmarshal(payload, &op); err != nil {
		return ot.AcceptedOperation{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return op, nil
}
