package collab

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"

	"collabcore/backend/internal/broadcast"
	"collabcore/backend/internal/history"
	"collabcore/backend/internal/ot"
)

func replay(t *testing.T, env *testEnv, docID string) string {
	t.Helper()
	pt := NewPieceTable("")
	if _, err := Fold(context.Background(), env.log, docID, pt, 0, 0); err != nil {
		t.Fatalf("fold: %v", err)
	}
	return pt.String()
}

func TestHelloWorldScenario(t *testing.T) {
	for _, order := range [][2]int{{0, 1}, {1, 0}} {
		env := newTestEnv(t, "D")
		c1 := env.attach(t, 1, "D")
		c2 := env.attach(t, 2, "D")
		ops := []struct {
			session string
			op      ot.Operation
		}{
			{c1.ID, ot.NewInsert("D", 1, 0, "c1-1", 0, "hello")},
			{c2.ID, ot.NewInsert("D", 2, 0, "c2-1", 0, "world")},
		}

		ctx := context.Background()
		for i, idx := range order {
			acc, err := env.svc.Submit(ctx, ops[idx].session, ops[idx].op)
			if err != nil {
				t.Fatalf("order %v submit %d: %v", order, idx, err)
			}
			if acc.Sequence != uint64(i+1) {
				t.Fatalf("order %v: sequence %d, want %d", order, acc.Sequence, i+1)
			}
		}

		got, err := env.svc.History(ctx, "D", 0, 0, 0)
		if err != nil || len(got) != 2 || got[0].Sequence != 1 || got[1].Sequence != 2 {
			t.Fatalf("order %v: history %+v, %v", order, got, err)
		}
		if text := replay(t, env, "D"); text != "helloworld" {
			t.Fatalf("order %v: replayed %q, want %q", order, text, "helloworld")
		}
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	env := newTestEnv(t, "doc")
	s := env.attach(t, 7, "doc")
	ctx := context.Background()

	op := ot.NewInsert("doc", 7, 0, "retry-me", 0, "abc")
	first, err := env.svc.Submit(ctx, s.ID, op)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	// 中间插入别人的操作，重试仍然返回第一次的结果
	other := env.attach(t, 8, "doc")
	if _, err := env.svc.Submit(ctx, other.ID, ot.NewInsert("doc", 8, 1, "x", 0, "zz")); err != nil {
		t.Fatalf("other submit: %v", err)
	}
	second, err := env.svc.Submit(ctx, s.ID, op)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if second.Sequence != first.Sequence || second.Position != first.Position || !second.AppliedAt.Equal(first.AppliedAt) {
		t.Fatalf("retry returned %+v, want %+v", second, first)
	}
	if n, _ := env.log.LatestSequence(ctx, "doc"); n != 2 {
		t.Fatalf("log has %d entries, want 2", n)
	}
}

func TestSubmitRejectsStructuralErrors(t *testing.T) {
	env := newTestEnv(t, "doc", "locked")
	env.meta.restrict("locked", 99)
	ctx := context.Background()
	s := env.attach(t, 1, "doc")

	if _, err := env.svc.Submit(ctx, s.ID, ot.NewInsert("doc", 1, 0, "a", 0, "x")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	cases := []struct {
		name string
		op   ot.Operation
		want error
	}{
		{"base beyond latest", ot.NewInsert("doc", 1, 5, "b", 0, "x"), ErrProtocolViolation},
		{"empty insert", ot.NewInsert("doc", 1, 1, "c", 0, ""), ErrMalformedOperation},
		{"insert past end", ot.NewInsert("doc", 1, 1, "d", 9, "x"), ErrMalformedOperation},
		{"delete past end", ot.NewDelete("doc", 1, 1, "e", 0, 3), ErrMalformedOperation},
		{"other document", ot.NewInsert("other", 1, 0, "f", 0, "x"), ErrProtocolViolation},
		{"long submission id", ot.NewInsert("doc", 1, 1, strings.Repeat("s", ot.MaxSubmissionIDLen+1), 0, "x"), ErrMalformedOperation},
	}
	for _, tc := range cases {
		if _, err := env.svc.Submit(ctx, s.ID, tc.op); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
	if n, _ := env.log.LatestSequence(ctx, "doc"); n != 1 {
		t.Fatalf("rejected operations reached the log: latest=%d", n)
	}

	if _, err := env.svc.Submit(ctx, "no-such-session", ot.NewInsert("doc", 1, 1, "g", 0, "x")); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("unknown session: %v", err)
	}
}

func TestSequencerChecksMetadata(t *testing.T) {
	env := newTestEnv(t, "doc")
	env.meta.restrict("doc", 1)
	ctx := context.Background()
	seq := env.svc.Sequencer

	if _, err := seq.Submit(ctx, ot.NewInsert("missing", 1, 0, "a", 0, "x")); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("unknown document: %v", err)
	}
	if _, err := seq.Submit(ctx, ot.NewInsert("doc", 2, 0, "a", 0, "x")); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("no permission: %v", err)
	}
	if _, err := seq.Submit(ctx, ot.NewInsert("doc", 1, 0, "a", 0, "x")); err != nil {
		t.Fatalf("editor: %v", err)
	}
}

func TestConcurrentEditsAreTransformed(t *testing.T) {
	env := newTestEnv(t, "doc")
	ctx := context.Background()
	a := env.attach(t, 1, "doc")
	b := env.attach(t, 2, "doc")

	if _, err := env.svc.Submit(ctx, a.ID, ot.NewInsert("doc", 1, 0, "a1", 0, "abcdef")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// 两个客户端都基于 seq=1 编辑
	if _, err := env.svc.Submit(ctx, a.ID, ot.NewDelete("doc", 1, 1, "a2", 1, 3)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	acc, err := env.svc.Submit(ctx, b.ID, ot.NewInsert("doc", 2, 1, "b1", 5, "X"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if acc.Position != 2 {
		t.Fatalf("insert transformed to %d, want 2", acc.Position)
	}
	if text := replay(t, env, "doc"); text != "aeXf" {
		t.Fatalf("replayed %q, want %q", text, "aeXf")
	}

	// 被完全吞掉的删除仍然被接受（空操作），序号不断
	acc, err = env.svc.Submit(ctx, b.ID, ot.NewDelete("doc", 2, 1, "b2", 2, 1))
	if err != nil {
		t.Fatalf("swallowed delete: %v", err)
	}
	if !acc.IsNoop() || acc.Sequence != 4 {
		t.Fatalf("swallowed delete accepted as %+v", acc)
	}
}

func TestSequencingIsGaplessUnderConcurrency(t *testing.T) {
	env := newTestEnv(t, "doc-a", "doc-b")
	ctx := context.Background()
	const writers, perWriter = 8, 25

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter*2)
	for _, docID := range []string{"doc-a", "doc-b"} {
		for w := 0; w < writers; w++ {
			s := env.attach(t, uint64(w+1), docID)
			wg.Add(1)
			go func(s *Session, w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					op := ot.NewInsert(s.DocumentID, s.UserID, 0, fmt.Sprintf("w%d-%d", w, i), 0, "x")
					if _, err := env.svc.Submit(ctx, s.ID, op); err != nil {
						errs <- err
						return
					}
				}
			}(s, w)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("submit: %v", err)
	}

	for _, docID := range []string{"doc-a", "doc-b"} {
		got, err := env.svc.History(ctx, docID, 0, 0, 0)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(got) != writers*perWriter {
			t.Fatalf("%s: %d entries, want %d", docID, len(got), writers*perWriter)
		}
		for i, op := range got {
			if op.Sequence != uint64(i+1) {
				t.Fatalf("%s: entry %d has sequence %d", docID, i, op.Sequence)
			}
		}
		if text := replay(t, env, docID); len(text) != writers*perWriter {
			t.Fatalf("%s: replayed length %d", docID, len(text))
		}
	}
}

func TestSubmitAbandonedWhenContextDone(t *testing.T) {
	env := newTestEnv(t, "doc")
	s := env.attach(t, 1, "doc")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.svc.Submit(ctx, s.ID, ot.NewInsert("doc", 1, 0, "a", 0, "x"))
	if !errors.Is(err, ErrSubmissionAbandoned) {
		t.Fatalf("got %v, want ErrSubmissionAbandoned", err)
	}
	if n, _ := env.log.LatestSequence(context.Background(), "doc"); n != 0 {
		t.Fatalf("abandoned submission was appended")
	}
	if !Retryable(err) {
		t.Fatalf("abandoned submission should be retryable")
	}
}

func TestSequencerRecoversStateFromLog(t *testing.T) {
	env := newTestEnv(t, "doc")
	ctx := context.Background()
	if _, err := env.svc.Sequencer.Submit(ctx, ot.NewInsert("doc", 1, 0, "a", 0, "hello")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// 新的 Sequencer 共用同一个日志（进程重启）
	seq := NewSequencer(env.log, env.hub, env.meta, nil, env.clock.Now)
	if _, err := seq.Submit(ctx, ot.NewDelete("doc", 1, 1, "b", 3, 3)); !errors.Is(err, ErrMalformedOperation) {
		t.Fatalf("length not recovered: %v", err)
	}
	acc, err := seq.Submit(ctx, ot.NewDelete("doc", 1, 1, "c", 3, 2))
	if err != nil || acc.Sequence != 2 {
		t.Fatalf("submit after restart: %+v, %v", acc, err)
	}
	if docs := seq.Documents(); len(docs) != 1 || docs[0] != "doc" {
		t.Fatalf("documents = %v", docs)
	}
}

func TestAcceptedOperationsAreAudited(t *testing.T) {
	env := newTestEnv(t, "doc")
	s := env.attach(t, 1, "doc")
	for i := 0; i < 3; i++ {
		if _, err := env.svc.Submit(context.Background(), s.ID, ot.NewInsert("doc", 1, uint64(i), fmt.Sprint(i), 0, "x")); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	env.audit.mu.Lock()
	defer env.audit.mu.Unlock()
	if len(env.audit.ops) != 3 || env.audit.ops[2] != 3 {
		t.Fatalf("audited ops = %v", env.audit.ops)
	}
}

// 长度溢出的 delete/format 被拒绝，文档长度不受影响
func TestHugeLengthIsRejected(t *testing.T) {
	env := newTestEnv(t, "doc")
	s := env.attach(t, 1, "doc")
	ctx := context.Background()
	if _, err := env.svc.Submit(ctx, s.ID, ot.NewInsert("doc", 1, 0, "a", 0, "hello")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	for _, op := range []ot.Operation{
		ot.NewDelete("doc", 1, 1, "big-delete", 1, math.MaxInt),
		ot.NewFormat("doc", 1, 1, "big-format", 1, math.MaxInt, map[string]any{"bold": true}),
		ot.NewDelete("doc", 1, 1, "span-delete", 1, ot.MaxSpan),
	} {
		if _, err := env.svc.Submit(ctx, s.ID, op); !errors.Is(err, ErrMalformedOperation) {
			t.Fatalf("%s len %d: got %v, want ErrMalformedOperation", op.Kind, op.Length, err)
		}
	}

	acc, err := env.svc.Submit(ctx, s.ID, ot.NewInsert("doc", 1, 1, "b", 0, "x"))
	if err != nil || acc.Sequence != 2 {
		t.Fatalf("insert after rejected ops: %+v, %v", acc, err)
	}
	if text := replay(t, env, "doc"); text != "xhello" {
		t.Fatalf("replayed %q, want %q", text, "xhello")
	}
}

// 记录已经写入日志，但 Append 返回了错误
type lostAckLog struct {
	history.Log
	mu    sync.Mutex
	drops int
}

func (l *lostAckLog) Append(ctx context.Context, op ot.AcceptedOperation) error {
	if err := l.Log.Append(ctx, op); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.drops > 0 {
		l.drops--
		return errors.New("commit acknowledgement lost")
	}
	return nil
}

func nextOperation(t *testing.T, sub *broadcast.Subscription) ot.AcceptedOperation {
	t.Helper()
	for {
		ev := nextEvent(t, sub.Next)
		if ev.Kind == broadcast.EventOperation {
			return *ev.Operation
		}
	}
}

func TestStoredAppendIsPublishedDespiteError(t *testing.T) {
	env := newTestEnv(t, "doc")
	env.svc = NewService(Options{
		Log:      &lostAckLog{Log: env.log, drops: 1},
		Presence: env.store,
		Hub:      env.hub,
		Metadata: env.meta,
		Now:      env.clock.Now,
	})
	s := env.attach(t, 1, "doc")
	watch := env.hub.Subscribe("doc", "watcher")
	ctx := context.Background()

	acc, err := env.svc.Submit(ctx, s.ID, ot.NewInsert("doc", 1, 0, "a", 0, "hello"))
	if err != nil || acc.Sequence != 1 {
		t.Fatalf("submit: %+v, %v", acc, err)
	}
	if got := nextOperation(t, watch); got.Sequence != 1 || got.SubmissionID != "a" {
		t.Fatalf("broadcast %+v", got)
	}

	acc, err = env.svc.Submit(ctx, s.ID, ot.NewInsert("doc", 1, 1, "b", 5, "!"))
	if err != nil || acc.Sequence != 2 {
		t.Fatalf("next submit: %+v, %v", acc, err)
	}
	if got := nextOperation(t, watch); got.Sequence != 2 {
		t.Fatalf("broadcast sequence %d, want 2", got.Sequence)
	}
}

// 另一个写者直接追加到日志：本次提交失败，重试时先补发对方的记录
func TestReloadPublishesOperationsFromAnotherWriter(t *testing.T) {
	env := newTestEnv(t, "doc")
	s := env.attach(t, 1, "doc")
	ctx := context.Background()
	if _, err := env.svc.Submit(ctx, s.ID, ot.NewInsert("doc", 1, 0, "a", 0, "hello")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	other := ot.AcceptedOperation{Operation: ot.NewInsert("doc", 9, 1, "ext", 0, ">"), Sequence: 2, AppliedAt: env.clock.Now()}
	if err := env.log.Append(ctx, other); err != nil {
		t.Fatalf("append: %v", err)
	}
	watch := env.hub.Subscribe("doc", "watcher")

	op := ot.NewInsert("doc", 1, 1, "b", 5, "!")
	if _, err := env.svc.Submit(ctx, s.ID, op); !Retryable(err) {
		t.Fatalf("first attempt: got %v, want a retryable error", err)
	}
	acc, err := env.svc.Submit(ctx, s.ID, op)
	if err != nil || acc.Sequence != 3 || acc.Position != 6 {
		t.Fatalf("retry: %+v, %v", acc, err)
	}
	for _, want := range []uint64{2, 3} {
		if got := nextOperation(t, watch); got.Sequence != want {
			t.Fatalf("broadcast sequence %d, want %d", got.Sequence, want)
		}
	}
	if text := replay(t, env, "doc"); text != ">hello!" {
		t.Fatalf("replayed %q, want %q", text, ">hello!")
	}
}
