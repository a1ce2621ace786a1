package collab

import (
	"context"
	"errors"
	"fmt"
)

// 单进程同时处理中的提交数上限
var MaxSemaphore int = 100

var (
	ErrAcquireTimeout = errors.New("SEMAPHORE_ACQUIRE_TIMEOUT")
	ErrNotAcquired    = errors.New("SEMAPHORE_NOT_ACQUIRED")
)

// SemaphoreControl 基于带缓冲 channel 的计数信号量，等待时响应 ctx。
// 容量为 1 时就是一把可取消的互斥锁（文档的排序权）。
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(capacity int) *SemaphoreControl {
	if capacity <= 0 {
		capacity = MaxSemaphore
	}
	return &SemaphoreControl{ch: make(chan struct{}, capacity)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrAcquireTimeout, ctx.Err())
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}

// InUse 当前已占用的数量
func (s *SemaphoreControl) InUse() int { return len(s.ch) }
