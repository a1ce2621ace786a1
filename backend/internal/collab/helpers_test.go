package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"collabcore/backend/internal/broadcast"
	"collabcore/backend/internal/cache"
	"collabcore/backend/internal/history"
	"collabcore/backend/internal/ot"
)

type fakeMetadata struct {
	mu      sync.Mutex
	docs    map[string]bool
	editors map[string]map[uint64]bool // 为空表示所有人可编辑
}

func newFakeMetadata(docs ...string) *fakeMetadata {
	m := &fakeMetadata{docs: map[string]bool{}, editors: map[string]map[uint64]bool{}}
	for _, d := range docs {
		m.docs[d] = true
	}
	return m
}

func (m *fakeMetadata) restrict(docID string, users ...uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.editors[docID] = map[uint64]bool{}
	for _, u := range users {
		m.editors[docID][u] = true
	}
}

func (m *fakeMetadata) DocumentExists(ctx context.Context, docID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[docID], nil
}

func (m *fakeMetadata) CanEdit(ctx context.Context, userID uint64, docID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eds, ok := m.editors[docID]
	return !ok || eds[userID], nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingAuditor struct {
	mu       sync.Mutex
	ops      []uint64
	presence []broadcast.PresenceAction
}

func (a *recordingAuditor) OperationApplied(ctx context.Context, op ot.AcceptedOperation) {
	a.mu.Lock()
	a.ops = append(a.ops, op.Sequence)
	a.mu.Unlock()
}

func (a *recordingAuditor) PresenceChanged(ctx context.Context, action broadcast.PresenceAction, e cache.PresenceEntry) {
	a.mu.Lock()
	a.presence = append(a.presence, action)
	a.mu.Unlock()
}

type testEnv struct {
	svc   *Service
	meta  *fakeMetadata
	clock *fakeClock
	hub   *broadcast.Hub
	log   history.Log
	store cache.PresenceStore
	audit *recordingAuditor
}

func newTestEnv(t *testing.T, docs ...string) *testEnv {
	t.Helper()
	env := &testEnv{
		meta:  newFakeMetadata(docs...),
		clock: newFakeClock(),
		hub:   broadcast.NewHub(1024),
		log:   history.NewMemoryLog(),
		store: cache.NewMemoryPresence(4),
		audit: &recordingAuditor{},
	}
	env.svc = NewService(Options{
		Log:         env.log,
		Presence:    env.store,
		Hub:         env.hub,
		Metadata:    env.meta,
		Audit:       env.audit,
		PresenceTTL: 30 * time.Minute,
		MaxInflight: 64,
		Now:         env.clock.Now,
	})
	return env
}

func (env *testEnv) attach(t *testing.T, user uint64, docID string) *Session {
	t.Helper()
	s, _, err := env.svc.Attach(context.Background(), Principal{UserID: user, Username: "u"}, docID, nil)
	if err != nil {
		t.Fatalf("attach user=%d doc=%s: %v", user, docID, err)
	}
	return s
}

func nextEvent(t *testing.T, next func(ctx context.Context) (broadcast.Event, error)) broadcast.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := next(ctx)
	if err != nil {
		t.Fatalf("next event: %v", err)
	}
	return ev
}
