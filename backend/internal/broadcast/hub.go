// Package broadcast 把已接受的操作与在线状态变化扇出给文档房间内的所有 session。
//
// 每个订阅一个有界队列；发布从不阻塞，队列满的订阅被关闭（ErrSlowConsumer），
// 客户端需要重新 attach 并从 last_known_sequence 追平。
package broadcast

import (
	"errors"
	"sync"

	"github.com/golang/glog"

	"collabcore/backend/internal/cache"
	"collabcore/backend/internal/ot"
)

const DefaultQueueSize = 256

var (
	ErrSlowConsumer = errors.New("SLOW_CONSUMER")
	ErrUnsubscribed = errors.New("UNSUBSCRIBED")
)

type EventKind string

const (
	EventOperation EventKind = "operation"
	EventPresence  EventKind = "presence"
)

type PresenceAction string

const (
	PresenceJoined  PresenceAction = "joined"
	PresenceUpdated PresenceAction = "updated"
	PresenceLeft    PresenceAction = "left"
)

type PresenceEvent struct {
	Action PresenceAction      `json:"action"`
	Entry  cache.PresenceEntry `json:"entry"`
}

type Event struct {
	Kind       EventKind
	DocumentID string
	Operation  *ot.AcceptedOperation
	Presence   *PresenceEvent
}

type Hub struct {
	mu sync.RWMutex
	// docID -> sessionID -> subscription
	// 同一用户可以有多个 session（多标签页/多设备），按 session 逐个投递
	rooms     map[string]map[string]*Subscription
	queueSize int
}

func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{rooms: make(map[string]map[string]*Subscription), queueSize: queueSize}
}

// Subscribe 为 session 注册订阅；同一 session 的旧订阅会被关闭
func (h *Hub) Subscribe(docID, sessionID string) *Subscription {
	sub := newSubscription(docID, sessionID, h.queueSize)
	h.mu.Lock()
	room := h.rooms[docID]
	if room == nil {
		room = make(map[string]*Subscription)
		h.rooms[docID] = room
	}
	old := room[sessionID]
	room[sessionID] = sub
	h.mu.Unlock()

	if old != nil {
		old.close(ErrUnsubscribed)
	}
	return sub
}

func (h *Hub) Unsubscribe(docID, sessionID string) {
	h.mu.Lock()
	sub := h.rooms[docID][sessionID]
	h.removeLocked(docID, sessionID, sub)
	h.mu.Unlock()
	if sub != nil {
		sub.close(ErrUnsubscribed)
	}
}

// 仅当房间里仍是 sub 本身时删除，避免误删同 session 的新订阅
func (h *Hub) removeLocked(docID, sessionID string, sub *Subscription) {
	room := h.rooms[docID]
	if room == nil || sub == nil || room[sessionID] != sub {
		return
	}
	delete(room, sessionID)
	if len(room) == 0 {
		delete(h.rooms, docID)
	}
}

// PublishOperation 调用方需保证同一文档按 sequence 顺序调用（Sequencer 持有文档锁时发布）
func (h *Hub) PublishOperation(docID string, op ot.AcceptedOperation) {
	h.publish(Event{Kind: EventOperation, DocumentID: docID, Operation: &op})
}

func (h *Hub) PublishPresence(docID string, ev PresenceEvent) {
	h.publish(Event{Kind: EventPresence, DocumentID: docID, Presence: &ev})
}

func (h *Hub) publish(ev Event) {
	var slow []*Subscription
	h.mu.RLock()
	for _, sub := range h.rooms[ev.DocumentID] {
		if !sub.offer(ev) {
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, sub := range slow {
		h.removeLocked(sub.docID, sub.sessionID, sub)
	}
	h.mu.Unlock()
	for _, sub := range slow {
		glog.Warningf("broadcast: slow consumer dropped doc=%s session=%s", sub.docID, sub.sessionID)
		sub.close(ErrSlowConsumer)
	}
}

// Subscribers 当前订阅了 docID 的 session 数
func (h *Hub) Subscribers(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[docID])
}

// Documents 有订阅者的文档
func (h *Hub) Documents() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms))
	for docID := range h.rooms {
		out = append(out, docID)
	}
	return out
}
