package history

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"collabcore/backend/internal/ot"
)

func accepted(doc string, seq uint64, author uint64, sub string, text string) ot.AcceptedOperation {
	return ot.AcceptedOperation{
		Operation: ot.NewInsert(doc, author, seq-1, sub, 0, text),
		Sequence:  seq,
		AppliedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

// 所有后端共用的契约测试
func runLogContract(t *testing.T, open func(t *testing.T) Log) {
	t.Run("append and read range", func(t *testing.T) {
		l := open(t)
		ctx := context.Background()
		for i := uint64(1); i <= 5; i++ {
			if err := l.Append(ctx, accepted("doc-1", i, 7, fmt.Sprintf("s%d", i), "x")); err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
		}
		latest, err := l.LatestSequence(ctx, "doc-1")
		if err != nil || latest != 5 {
			t.Fatalf("latest = %d, %v; want 5", latest, err)
		}

		got, err := l.ReadRange(ctx, "doc-1", 2, 4, 0)
		if err != nil {
			t.Fatalf("read range: %v", err)
		}
		if len(got) != 2 || got[0].Sequence != 3 || got[1].Sequence != 4 {
			t.Fatalf("range (2,4]: got %d entries %+v", len(got), got)
		}

		got, _ = l.ReadRange(ctx, "doc-1", 0, 0, 0)
		if len(got) != 5 {
			t.Fatalf("open range: got %d, want 5", len(got))
		}
		for i, op := range got {
			if op.Sequence != uint64(i+1) {
				t.Fatalf("entry %d has sequence %d", i, op.Sequence)
			}
		}

		got, _ = l.ReadRange(ctx, "doc-1", 1, 0, 2)
		if len(got) != 2 || got[0].Sequence != 2 {
			t.Fatalf("limit: got %+v", got)
		}

		got, _ = l.ReadRange(ctx, "doc-1", 5, 0, 0)
		if len(got) != 0 {
			t.Fatalf("read past latest returned %d entries", len(got))
		}
	})

	t.Run("rejects gaps and rewrites", func(t *testing.T) {
		l := open(t)
		ctx := context.Background()
		if err := l.Append(ctx, accepted("doc-2", 2, 1, "a", "x")); !errors.Is(err, ErrSequenceGap) {
			t.Fatalf("gap: want ErrSequenceGap, got %v", err)
		}
		if err := l.Append(ctx, accepted("doc-2", 1, 1, "a", "x")); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := l.Append(ctx, accepted("doc-2", 1, 1, "b", "y")); !errors.Is(err, ErrSequenceGap) {
			t.Fatalf("rewrite: want ErrSequenceGap, got %v", err)
		}
	})

	t.Run("documents are independent", func(t *testing.T) {
		l := open(t)
		ctx := context.Background()
		_ = l.Append(ctx, accepted("doc-a", 1, 1, "a", "x"))
		_ = l.Append(ctx, accepted("doc-b", 1, 1, "a", "y"))
		_ = l.Append(ctx, accepted("doc-b", 2, 1, "b", "z"))

		if n, _ := l.LatestSequence(ctx, "doc-a"); n != 1 {
			t.Fatalf("doc-a latest = %d", n)
		}
		if n, _ := l.LatestSequence(ctx, "doc-b"); n != 2 {
			t.Fatalf("doc-b latest = %d", n)
		}
		if n, _ := l.LatestSequence(ctx, "unknown"); n != 0 {
			t.Fatalf("unknown latest = %d", n)
		}
	})

	t.Run("find submission", func(t *testing.T) {
		l := open(t)
		ctx := context.Background()
		op := accepted("doc-3", 1, 42, "sub-1", "hello")
		op.Attributes = map[string]any{"bold": true}
		if err := l.Append(ctx, op); err != nil {
			t.Fatalf("append: %v", err)
		}
		got, ok, err := l.FindSubmission(ctx, "doc-3", 42, "sub-1")
		if err != nil || !ok {
			t.Fatalf("find: ok=%v err=%v", ok, err)
		}
		if got.Sequence != 1 || got.Text != "hello" || got.Attributes["bold"] != true {
			t.Fatalf("find returned %+v", got)
		}
		if _, ok, _ := l.FindSubmission(ctx, "doc-3", 43, "sub-1"); ok {
			t.Fatalf("submission id must be scoped to author")
		}
	})

	t.Run("concurrent readers see a prefix", func(t *testing.T) {
		l := open(t)
		ctx := context.Background()
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := uint64(1); i <= 50; i++ {
				if err := l.Append(ctx, accepted("doc-4", i, 1, fmt.Sprintf("s%d", i), "x")); err != nil {
					t.Errorf("append %d: %v", i, err)
					return
				}
			}
		}()
		for r := 0; r < 20; r++ {
			got, err := l.ReadRange(ctx, "doc-4", 0, 0, 0)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			for i, op := range got {
				if op.Sequence != uint64(i+1) {
					t.Fatalf("read returned a gap at %d: seq %d", i, op.Sequence)
				}
			}
		}
		wg.Wait()
	})
}

func TestMemoryLog(t *testing.T) {
	runLogContract(t, func(t *testing.T) Log { return NewMemoryLog() })
}

func TestPebbleLog(t *testing.T) {
	runLogContract(t, func(t *testing.T) Log {
		l, err := OpenPebbleLog(PebbleOptions{DataDir: t.TempDir(), Fsync: FsyncNever})
		if err != nil {
			t.Fatalf("open pebble: %v", err)
		}
		t.Cleanup(func() { l.Close() })
		return l
	})
}

func TestPebbleLogReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	l, err := OpenPebbleLog(PebbleOptions{DataDir: dir, Fsync: FsyncAlways})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := uint64(1); i <= 3; i++ {
		if err := l.Append(ctx, accepted("doc", i, 1, fmt.Sprintf("s%d", i), "ab")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	l, err = OpenPebbleLog(PebbleOptions{DataDir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l.Close()
	if n, _ := l.LatestSequence(ctx, "doc"); n != 3 {
		t.Fatalf("latest after reopen = %d, want 3", n)
	}
	if err := l.Append(ctx, accepted("doc", 4, 1, "s4", "c")); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if _, ok, _ := l.FindSubmission(ctx, "doc", 1, "s2"); !ok {
		t.Fatalf("submission index lost after reopen")
	}
}

func TestPebbleLogClosed(t *testing.T) {
	l, err := OpenPebbleLog(PebbleOptions{DataDir: t.TempDir(), Fsync: FsyncNever})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	l.Close()
	if err := l.Append(context.Background(), accepted("doc", 1, 1, "s", "x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("append after close: want ErrClosed, got %v", err)
	}
}

func TestRecordRejectsCorruption(t *testing.T) {
	rec := encodeRecord([]byte{0, 0, 0, 0, 0, 0, 0, 1}, []byte(`{"sequence":1}`))
	if _, _, ok := decodeRecord(rec); !ok {
		t.Fatalf("valid record rejected")
	}
	rec[len(rec)-6] ^= 0xff
	if _, _, ok := decodeRecord(rec); ok {
		t.Fatalf("corrupted record accepted")
	}

	// header 长度字段被写坏：不能 panic
	for _, hlen := range []uint64{math.MaxUint64, math.MaxInt64 + 1, math.MaxInt64, 1 << 20} {
		for _, pad := range []int{0, 1, 16} {
			bad := binary.AppendUvarint(nil, hlen)
			bad = append(bad, make([]byte, pad)...)
			if _, _, ok := decodeRecord(bad); ok {
				t.Fatalf("header length %d (pad %d) accepted", hlen, pad)
			}
		}
	}
}

// 需要真实 MySQL：COLLAB_TEST_MYSQL_DSN=user:pass@tcp(127.0.0.1:3306)/collab_test?parseTime=true
func TestMySQLLog(t *testing.T) {
	dsn := os.Getenv("COLLAB_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("COLLAB_TEST_MYSQL_DSN not set")
	}
	runLogContract(t, func(t *testing.T) Log {
		db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
		if err != nil {
			t.Skipf("mysql not available: %v", err)
		}
		l, err := NewMySQLLog(db)
		if err != nil {
			t.Fatalf("migrate: %v", err)
		}
		if err := db.Exec("DELETE FROM document_operations").Error; err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return l
	})
}
