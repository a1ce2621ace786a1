package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/golang/glog"

	"collabcore/backend/internal/broadcast"
	"collabcore/backend/internal/cache"
	"collabcore/backend/internal/ot"
)

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// 目标：
// - 不阻塞排序主流程（只负责入队，入队最多等 EnqueueTimeout）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 队列满时允许降级（丢弃），避免内存无限增长
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	mu     sync.RWMutex
	closed bool
	queue  chan AuditEvent
	wg     sync.WaitGroup

	// sem 限制并发的 SendMessage 数量。
	kafkaSem *SemaphoreControl

	workers        int
	maxRetry       int
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	enqueueTimeout time.Duration
	now            func() time.Time
}

type KafkaDispatcherOptions struct {
	QueueSize      int
	Workers        int
	MaxRetry       int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	EnqueueTimeout time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, kafkaSem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 2
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 50 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = 2 * time.Second
	}
	if opt.EnqueueTimeout <= 0 {
		opt.EnqueueTimeout = 20 * time.Millisecond
	}
	d := &KafkaDispatcher{
		producer:       producer,
		topic:          topic,
		queue:          make(chan AuditEvent, opt.QueueSize),
		kafkaSem:       kafkaSem,
		workers:        opt.Workers,
		maxRetry:       opt.MaxRetry,
		baseBackoff:    opt.BaseBackoff,
		maxBackoff:     opt.MaxBackoff,
		enqueueTimeout: opt.EnqueueTimeout,
		now:            time.Now,
	}

	d.Start()
	return d
}

// Enqueue：把事件放入本地队列。
// - 队列满时，等待直到 ctx 超时
// - ctx 超时返回错误（审计流不要求强一致性，不是每个事件都必须送达）
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt AuditEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return context.Canceled
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) OperationApplied(ctx context.Context, op ot.AcceptedOperation) {
	d.enqueueOrDrop(ctx, opAppliedEvent(op))
}

func (d *KafkaDispatcher) PresenceChanged(ctx context.Context, action broadcast.PresenceAction, e cache.PresenceEntry) {
	d.enqueueOrDrop(ctx, presenceEvent(action, e, d.now()))
}

func (d *KafkaDispatcher) enqueueOrDrop(ctx context.Context, evt AuditEvent) {
	// 调用方的 ctx 可能已取消（连接断开），审计事件仍然要尽量入队
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.enqueueTimeout)
	defer cancel()
	if err := d.Enqueue(ctx, evt); err != nil {
		glog.Warningf("kafka queue full, drop event type=%s doc=%s seq=%d err=%v",
			evt.EventType, evt.DocID, evt.Sequence, err)
	}
}

func (d *KafkaDispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close 停止接收新事件，等待队列中已有事件发送完毕
func (d *KafkaDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt AuditEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.kafkaSem != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = d.kafkaSem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.kafkaSem != nil {
			_ = d.kafkaSem.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			glog.Errorf("kafka send failed, drop event id=%s type=%s doc=%s seq=%d worker=%d err=%v",
				evt.EventID, evt.EventType, evt.DocID, evt.Sequence, workerID, err)
			return
		}

		// 退避，每次退避时间X2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt AuditEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		// 以 docId 做 key，便于按文档分区
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
