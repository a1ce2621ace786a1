package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// 原子地取出并删除一条记录；不存在时返回 nil
var removeScript = redis.NewScript(`
-- KEYS[1] = roomKey(docID)
-- KEYS[2] = entriesKey(docID)
-- ARGV[1] = sessionID
local v = redis.call("HGET", KEYS[2], ARGV[1])
local n = redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
if n == 0 or not v then
	return false
end
return v
`)

// 过期清理：score（last_active 毫秒）< cutoff 的成员在同一个脚本里判断并删除，
// 期间不会有 Upsert 插进来，判断与删除看到的是同一个 last_active
var sweepScript = redis.NewScript(`
-- KEYS[1] = roomKey(docID)
-- KEYS[2] = entriesKey(docID)
-- ARGV[1] = cutoff (unix ms)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])
local out = {}
for _, sid in ipairs(expired) do
	local v = redis.call("HGET", KEYS[2], sid)
	redis.call("ZREM", KEYS[1], sid)
	redis.call("HDEL", KEYS[2], sid)
	if v then
		table.insert(out, v)
	end
end
return out
`)

// RedisPresence 基于 redis 的实现，多个 collab 实例可共享
type RedisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) *RedisPresence {
	return &RedisPresence{rdb: rdb}
}

func (p *RedisPresence) Upsert(ctx context.Context, e PresenceEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(e.DocumentID), redis.Z{Score: float64(e.LastActive.UnixMilli()), Member: e.SessionID})
	tx.HSet(ctx, entriesKey(e.DocumentID), e.SessionID, raw)
	if _, err := tx.Exec(ctx); err != nil {
		return err
	}
	return p.rdb.SAdd(ctx, docsKey(), e.DocumentID).Err()
}

func (p *RedisPresence) Remove(ctx context.Context, docID, sessionID string) (PresenceEntry, bool, error) {
	raw, err := removeScript.Run(ctx, p.rdb, []string{roomKey(docID), entriesKey(docID)}, sessionID).Text()
	if errors.Is(err, redis.Nil) {
		return PresenceEntry{}, false, nil
	}
	if err != nil {
		return PresenceEntry{}, false, err
	}
	e, err := decodeEntry(raw)
	if err != nil {
		return PresenceEntry{}, false, err
	}
	p.pruneDoc(ctx, docID)
	return e, true, nil
}

func (p *RedisPresence) Get(ctx context.Context, docID, sessionID string) (PresenceEntry, bool, error) {
	raw, err := p.rdb.HGet(ctx, entriesKey(docID), sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return PresenceEntry{}, false, nil
	}
	if err != nil {
		return PresenceEntry{}, false, err
	}
	e, err := decodeEntry(raw)
	return e, err == nil, err
}

func (p *RedisPresence) ListActive(ctx context.Context, docID string) ([]PresenceEntry, error) {
	ids, err := p.rdb.ZRange(ctx, roomKey(docID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := p.rdb.HMGet(ctx, entriesKey(docID), ids...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make([]PresenceEntry, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			// ZRange 与 HMGet 之间被删除
			continue
		}
		e, err := decodeEntry(s)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (p *RedisPresence) Documents(ctx context.Context) ([]string, error) {
	docs, err := p.rdb.SMembers(ctx, docsKey()).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	return docs, nil
}

func (p *RedisPresence) SweepExpired(ctx context.Context, now time.Time, ttl time.Duration) ([]PresenceEntry, error) {
	docs, err := p.Documents(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-ttl).UnixMilli()
	var removed []PresenceEntry
	for _, docID := range docs {
		raws, err := sweepScript.Run(ctx, p.rdb, []string{roomKey(docID), entriesKey(docID)}, cutoff).StringSlice()
		if err != nil && err != redis.Nil {
			return removed, fmt.Errorf("sweep doc %s: %w", docID, err)
		}
		for _, raw := range raws {
			e, err := decodeEntry(raw)
			if err != nil {
				return removed, err
			}
			removed = append(removed, e)
		}
		p.pruneDoc(ctx, docID)
	}
	return removed, nil
}

// 房间空了就从文档索引里摘掉；摘掉后若又有人加入则补回
func (p *RedisPresence) pruneDoc(ctx context.Context, docID string) {
	n, err := p.rdb.ZCard(ctx, roomKey(docID)).Result()
	if err != nil || n > 0 {
		return
	}
	if err := p.rdb.SRem(ctx, docsKey(), docID).Err(); err != nil {
		return
	}
	if n, err := p.rdb.ZCard(ctx, roomKey(docID)).Result(); err == nil && n > 0 {
		p.rdb.SAdd(ctx, docsKey(), docID)
	}
}

func decodeEntry(raw string) (PresenceEntry, error) {
	var e PresenceEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return PresenceEntry{}, fmt.Errorf("decode presence entry: %w", err)
	}
	return e, nil
}
