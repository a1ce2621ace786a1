package cache

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const defaultShards = 32

type shard struct {
	mu   sync.RWMutex
	docs map[string]map[string]PresenceEntry // docID -> sessionID -> entry
}

// MemoryPresence 按 docID 分片的进程内实现，不同文档的读写与清理互不阻塞
type MemoryPresence struct {
	shards []*shard
}

func NewMemoryPresence(shards int) *MemoryPresence {
	if shards <= 0 {
		shards = defaultShards
	}
	p := &MemoryPresence{shards: make([]*shard, shards)}
	for i := range p.shards {
		p.shards[i] = &shard{docs: make(map[string]map[string]PresenceEntry)}
	}
	return p
}

func (p *MemoryPresence) shardFor(docID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(docID))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

func (p *MemoryPresence) Upsert(ctx context.Context, e PresenceEntry) error {
	s := p.shardFor(e.DocumentID)
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.docs[e.DocumentID]
	if room == nil {
		room = make(map[string]PresenceEntry)
		s.docs[e.DocumentID] = room
	}
	room[e.SessionID] = e
	return nil
}

func (p *MemoryPresence) Remove(ctx context.Context, docID, sessionID string) (PresenceEntry, bool, error) {
	s := p.shardFor(docID)
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.docs[docID]
	e, ok := room[sessionID]
	if !ok {
		return PresenceEntry{}, false, nil
	}
	delete(room, sessionID)
	if len(room) == 0 {
		delete(s.docs, docID)
	}
	return e, true, nil
}

func (p *MemoryPresence) Get(ctx context.Context, docID, sessionID string) (PresenceEntry, bool, error) {
	s := p.shardFor(docID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.docs[docID][sessionID]
	return e, ok, nil
}

func (p *MemoryPresence) ListActive(ctx context.Context, docID string) ([]PresenceEntry, error) {
	s := p.shardFor(docID)
	s.mu.RLock()
	out := make([]PresenceEntry, 0, len(s.docs[docID]))
	for _, e := range s.docs[docID] {
		out = append(out, e)
	}
	s.mu.RUnlock()
	sortEntries(out)
	return out, nil
}

func (p *MemoryPresence) Documents(ctx context.Context) ([]string, error) {
	var out []string
	for _, s := range p.shards {
		s.mu.RLock()
		for docID := range s.docs {
			out = append(out, docID)
		}
		s.mu.RUnlock()
	}
	sort.Strings(out)
	return out, nil
}

func (p *MemoryPresence) SweepExpired(ctx context.Context, now time.Time, ttl time.Duration) ([]PresenceEntry, error) {
	var removed []PresenceEntry
	for _, s := range p.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		// 第一步：读锁下挑出候选
		s.mu.RLock()
		var stale []PresenceEntry
		for _, room := range s.docs {
			for _, e := range room {
				if e.Stale(now, ttl) {
					stale = append(stale, e)
				}
			}
		}
		s.mu.RUnlock()
		if len(stale) == 0 {
			continue
		}

		// 第二步：写锁下 compare-and-check，期间被刷新过的记录不删
		s.mu.Lock()
		for _, cand := range stale {
			room := s.docs[cand.DocumentID]
			cur, ok := room[cand.SessionID]
			if !ok || !cur.LastActive.Equal(cand.LastActive) {
				continue
			}
			delete(room, cand.SessionID)
			if len(room) == 0 {
				delete(s.docs, cand.DocumentID)
			}
			removed = append(removed, cur)
		}
		s.mu.Unlock()
	}
	return removed, nil
}

func sortEntries(es []PresenceEntry) {
	sort.Slice(es, func(i, j int) bool {
		if !es[i].LastActive.Equal(es[j].LastActive) {
			return es[i].LastActive.Before(es[j].LastActive)
		}
		return es[i].SessionID < es[j].SessionID
	})
}
