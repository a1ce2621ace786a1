package broadcast

import (
	"context"
	"sync"
)

// Subscription 惰性、不可回溯的事件序列。关闭后 Next 返回关闭原因。
type Subscription struct {
	docID     string
	sessionID string

	ch   chan Event
	done chan struct{}
	once sync.Once
	err  error
}

func newSubscription(docID, sessionID string, size int) *Subscription {
	return &Subscription{
		docID:     docID,
		sessionID: sessionID,
		ch:        make(chan Event, size),
		done:      make(chan struct{}),
	}
}

func (s *Subscription) DocumentID() string { return s.docID }
func (s *Subscription) SessionID() string  { return s.sessionID }

// 非阻塞投递；队列满返回 false
func (s *Subscription) offer(ev Event) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscription) close(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Done 订阅关闭时关闭
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err 关闭原因；未关闭时为 nil
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Next 阻塞直到下一个事件、订阅关闭或 ctx 结束。
// 订阅关闭后不再交付队列里剩余的事件。
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	select {
	case <-s.done:
		return Event{}, s.err
	default:
	}
	select {
	case ev := <-s.ch:
		return ev, nil
	case <-s.done:
		return Event{}, s.err
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}
