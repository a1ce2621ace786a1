package collab

import (
	"context"

	"collabcore/backend/internal/broadcast"
	"collabcore/backend/internal/ot"
)

// Feed 一个 session 的事件序列：先是追平的历史，然后是实时广播。不可回溯；
// 订阅被关闭（例如消费太慢）后只能通过新的 Subscribe 重新追平。
type Feed struct {
	sub     *broadcast.Subscription
	session *Session
	backlog []ot.AcceptedOperation
	// 已交付的最大 sequence
	last uint64
}

func (f *Feed) Next(ctx context.Context) (broadcast.Event, error) {
	if len(f.backlog) > 0 {
		op := f.backlog[0]
		f.backlog = f.backlog[1:]
		f.deliver(op.Sequence)
		return broadcast.Event{Kind: broadcast.EventOperation, DocumentID: op.DocumentID, Operation: &op}, nil
	}
	for {
		ev, err := f.sub.Next(ctx)
		if err != nil {
			return broadcast.Event{}, err
		}
		if ev.Kind == broadcast.EventOperation {
			// 订阅先于历史读取注册，两边可能重叠
			if ev.Operation.Sequence <= f.last {
				continue
			}
			f.deliver(ev.Operation.Sequence)
		}
		return ev, nil
	}
}

func (f *Feed) deliver(seq uint64) {
	f.last = seq
	f.session.observe(seq)
}

// LastDelivered 已交付的最大 sequence
func (f *Feed) LastDelivered() uint64 { return f.last }

// Done 底层订阅关闭时关闭
func (f *Feed) Done() <-chan struct{} { return f.sub.Done() }

func (f *Feed) Err() error { return f.sub.Err() }
