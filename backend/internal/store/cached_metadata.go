package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"collabcore/backend/internal/collab"
)

// 超过这个条数时写入前先清掉过期项
const pruneThreshold = 4096

type cachedAnswer struct {
	ok      bool
	expires time.Time
}

// CachedMetadata 在 Metadata 前面加一层短 TTL 缓存。
// 每次 attach/submit 都要问一次，同一文档的并发查询用 singleflight 合并成一次 MySQL 查询。
// 只缓存成功的结果，错误不缓存。
type CachedMetadata struct {
	inner collab.Metadata
	ttl   time.Duration
	now   func() time.Time

	group singleflight.Group

	mu      sync.RWMutex
	answers map[string]cachedAnswer
}

func NewCachedMetadata(inner collab.Metadata, ttl time.Duration) *CachedMetadata {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &CachedMetadata{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		answers: make(map[string]cachedAnswer),
	}
}

func (c *CachedMetadata) DocumentExists(ctx context.Context, docID string) (bool, error) {
	return c.lookup(ctx, "exists:"+docID, func(ctx context.Context) (bool, error) {
		return c.inner.DocumentExists(ctx, docID)
	})
}

func (c *CachedMetadata) CanEdit(ctx context.Context, userID uint64, docID string) (bool, error) {
	return c.lookup(ctx, fmt.Sprintf("edit:%s:%d", docID, userID), func(ctx context.Context) (bool, error) {
		return c.inner.CanEdit(ctx, userID, docID)
	})
}

func (c *CachedMetadata) lookup(ctx context.Context, key string, load func(context.Context) (bool, error)) (bool, error) {
	now := c.now()
	c.mu.RLock()
	a, ok := c.answers[key]
	c.mu.RUnlock()
	if ok && now.Before(a.expires) {
		return a.ok, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// 前一轮 Do 可能刚写入
		c.mu.RLock()
		a, ok := c.answers[key]
		c.mu.RUnlock()
		if ok && c.now().Before(a.expires) {
			return a.ok, nil
		}
		// 合并后的查询不跟随某一个调用方的取消
		res, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return false, err
		}
		c.mu.Lock()
		now := c.now()
		if len(c.answers) >= pruneThreshold {
			c.pruneLocked(now)
		}
		c.answers[key] = cachedAnswer{ok: res, expires: now.Add(c.ttl)}
		c.mu.Unlock()
		return res, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (c *CachedMetadata) pruneLocked(now time.Time) {
	for k, a := range c.answers {
		if !now.Before(a.expires) {
			delete(c.answers, k)
		}
	}
}
