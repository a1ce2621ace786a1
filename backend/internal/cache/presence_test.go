package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func entry(doc, session string, at time.Time) PresenceEntry {
	return PresenceEntry{
		DocumentID: doc,
		UserID:     1,
		Username:   "alice",
		SessionID:  session,
		Status:     StatusActive,
		LastActive: at,
	}
}

func runPresenceContract(t *testing.T, open func(t *testing.T) PresenceStore) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("upsert get list remove", func(t *testing.T) {
		p := open(t)
		ctx := context.Background()
		pos := 3
		e := entry("doc-1", "s1", base)
		e.Cursor = &pos
		e.Selection = &Selection{Start: 1, End: 4}
		if err := p.Upsert(ctx, e); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if err := p.Upsert(ctx, entry("doc-1", "s2", base.Add(time.Second))); err != nil {
			t.Fatalf("upsert: %v", err)
		}

		got, ok, err := p.Get(ctx, "doc-1", "s1")
		if err != nil || !ok {
			t.Fatalf("get: ok=%v err=%v", ok, err)
		}
		if got.Cursor == nil || *got.Cursor != 3 || got.Selection == nil || got.Selection.End != 4 {
			t.Fatalf("get returned %+v", got)
		}

		list, err := p.ListActive(ctx, "doc-1")
		if err != nil || len(list) != 2 || list[0].SessionID != "s1" {
			t.Fatalf("list: %+v, %v", list, err)
		}

		removed, ok, err := p.Remove(ctx, "doc-1", "s1")
		if err != nil || !ok || removed.SessionID != "s1" {
			t.Fatalf("remove: %+v ok=%v err=%v", removed, ok, err)
		}
		if _, ok, _ := p.Remove(ctx, "doc-1", "s1"); ok {
			t.Fatalf("second remove reported a removal")
		}
		list, _ = p.ListActive(ctx, "doc-1")
		if len(list) != 1 {
			t.Fatalf("list after remove: %+v", list)
		}
	})

	t.Run("sweep removes only stale entries once", func(t *testing.T) {
		p := open(t)
		ctx := context.Background()
		ttl := 30 * time.Minute
		_ = p.Upsert(ctx, entry("doc-2", "old", base))
		_ = p.Upsert(ctx, entry("doc-2", "fresh", base.Add(25*time.Minute)))
		_ = p.Upsert(ctx, entry("doc-3", "old", base))

		now := base.Add(31 * time.Minute)
		removed, err := p.SweepExpired(ctx, now, ttl)
		if err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if len(removed) != 2 {
			t.Fatalf("removed %d entries, want 2: %+v", len(removed), removed)
		}
		list, _ := p.ListActive(ctx, "doc-2")
		if len(list) != 1 || list[0].SessionID != "fresh" {
			t.Fatalf("list after sweep: %+v", list)
		}

		again, _ := p.SweepExpired(ctx, now, ttl)
		if len(again) != 0 {
			t.Fatalf("second sweep removed %+v", again)
		}
		docs, _ := p.Documents(ctx)
		for _, d := range docs {
			if d == "doc-3" {
				t.Fatalf("empty document still indexed: %v", docs)
			}
		}
	})

	t.Run("refresh before sweep keeps the entry", func(t *testing.T) {
		p := open(t)
		ctx := context.Background()
		_ = p.Upsert(ctx, entry("doc-4", "s", base))
		_ = p.Upsert(ctx, entry("doc-4", "s", base.Add(20*time.Minute)))
		removed, _ := p.SweepExpired(ctx, base.Add(31*time.Minute), 30*time.Minute)
		if len(removed) != 0 {
			t.Fatalf("refreshed entry swept: %+v", removed)
		}
	})
}

func TestMemoryPresence(t *testing.T) {
	runPresenceContract(t, func(t *testing.T) PresenceStore { return NewMemoryPresence(4) })
}

// 并发 Remove 与 Sweep：每条记录只被其中一方删除
func TestMemoryPresenceRemoveRacesSweep(t *testing.T) {
	p := NewMemoryPresence(2)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 200; i++ {
		_ = p.Upsert(ctx, entry("doc", fmt.Sprintf("s%d", i), base))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		removed = map[string]int{}
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if e, ok, _ := p.Remove(ctx, "doc", fmt.Sprintf("s%d", i)); ok {
				mu.Lock()
				removed[e.SessionID]++
				mu.Unlock()
			}
		}
	}()
	go func() {
		defer wg.Done()
		es, _ := p.SweepExpired(ctx, time.Now(), time.Minute)
		mu.Lock()
		for _, e := range es {
			removed[e.SessionID]++
		}
		mu.Unlock()
	}()
	wg.Wait()

	if len(removed) != 200 {
		t.Fatalf("removed %d distinct sessions, want 200", len(removed))
	}
	for sid, n := range removed {
		if n != 1 {
			t.Fatalf("session %s removed %d times", sid, n)
		}
	}
}

func TestRedisPresence(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	defer rdb.Close()
	runPresenceContract(t, func(t *testing.T) PresenceStore {
		if err := rdb.FlushDB(context.Background()).Err(); err != nil {
			t.Fatalf("flush: %v", err)
		}
		return NewRedisPresence(rdb)
	})
}
