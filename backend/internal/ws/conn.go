package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"collabcore/backend/internal/broadcast"
	"collabcore/backend/internal/collab"
	"collabcore/backend/internal/ot"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
	sendQueueSize  = 64
)

// Conn 一个 websocket 连接，同一时刻最多 attach 一个 session
type Conn struct {
	ws        *websocket.Conn
	svc       *collab.Service
	principal collab.Principal

	// 以下字段只由 readLoop 所在 goroutine 读写
	session  *collab.Session
	stopPump context.CancelFunc
	pumpDone chan struct{}

	// chan是 Go 的“通道”（channel），是 goroutine 之间通信的队列。send chan OutboundMessage 表示一个只能存放 OutboundMessage 的队列。
	send      chan OutboundMessage
	done      chan struct{}
	closeOnce sync.Once

	submitTimeout time.Duration
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

// 隐式实现 OutboundMessage 接口
func (m ServerMessage) MessageType() string      { return m.Type }
func (m ErrorMessage) MessageType() string       { return m.Type }
func (m OpAppliedMessage) MessageType() string   { return m.Type }
func (m OpBroadcastMessage) MessageType() string { return m.Type }
func (m PresenceMessage) MessageType() string    { return m.Type }

func NewConn(ws *websocket.Conn, svc *collab.Service, principal collab.Principal, submitTimeout time.Duration) *Conn {
	return &Conn{
		ws:            ws,
		svc:           svc,
		principal:     principal,
		send:          make(chan OutboundMessage, sendQueueSize),
		done:          make(chan struct{}),
		submitTimeout: submitTimeout,
	}
}

// enqueue 阻塞直到消息进入发送队列；连接关闭或 ctx 结束时放弃。
// 广播事件不能丢，写得慢的连接会把压力传回订阅队列，最终被判为慢消费者断开。
func (c *Conn) enqueue(ctx context.Context, msg OutboundMessage) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) sendError(ctx context.Context, err error, submissionID string) {
	code := collab.ErrorCode(err)
	msg := ErrorMessage{Type: TypeError, Code: code, SubmissionID: submissionID, Retryable: collab.Retryable(err)}
	if code == "INTERNAL" {
		glog.Errorf("internal error (user=%d, submission=%s): %v", c.principal.UserID, submissionID, err)
	} else {
		msg.Message = err.Error()
	}
	c.enqueue(ctx, msg)
}

func (c *Conn) sessionID() string {
	if c.session == nil {
		return ""
	}
	return c.session.ID
}

func (c *Conn) requireSession() error {
	if c.session == nil {
		return fmt.Errorf("%w: not attached to a document", collab.ErrProtocolViolation)
	}
	return nil
}

func (c *Conn) handleAttach(ctx context.Context, msg ClientMessage) {
	if msg.DocID == "" {
		c.sendError(ctx, fmt.Errorf("%w: attach without docId", collab.ErrProtocolViolation), "")
		return
	}
	// 一个连接只对应一个 session：切换文档先离开旧文档
	c.detachSession(ctx)

	sess, latest, err := c.svc.Attach(ctx, c.principal, msg.DocID, c)
	if err != nil {
		c.sendError(ctx, err, "")
		return
	}
	c.session = sess

	members, err := c.svc.ListPresence(ctx, msg.DocID)
	if err != nil {
		glog.Warningf("list presence doc=%s: %v", msg.DocID, err)
	}
	out := ServerMessage{Type: TypeAttached, UserID: sess.UserID, DocID: sess.DocumentID, SessionID: sess.ID, Sequence: latest}
	for _, m := range members {
		out.Members = append(out.Members, toMember(m))
	}
	c.enqueue(ctx, out)

	after := latest
	if msg.After != nil {
		after = *msg.After
	}
	c.startFeed(ctx, after)
}

func (c *Conn) handleCatchUp(ctx context.Context, msg ClientMessage) {
	if err := c.requireSession(); err != nil {
		c.sendError(ctx, err, "")
		return
	}
	after := c.session.LastKnownSequence()
	if msg.After != nil {
		after = *msg.After
	}
	c.startFeed(ctx, after)
}

func (c *Conn) handleOpSubmit(ctx context.Context, msg ClientMessage) {
	submissionID := msg.SubmissionID
	if submissionID == "" && msg.ClientId != "" {
		submissionID = fmt.Sprintf("%s:%d", msg.ClientId, msg.ClientSeq)
	}
	if err := c.requireSession(); err != nil {
		c.sendError(ctx, err, submissionID)
		return
	}

	submitCtx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	accepted, err := c.svc.Submit(submitCtx, c.session.ID, ot.Operation{
		DocumentID:   msg.DocID,
		BaseSequence: msg.BaseSequence,
		SubmissionID: submissionID,
		Kind:         msg.Kind,
		Position:     msg.Position,
		Text:         msg.Text,
		Length:       msg.Length,
		Attributes:   msg.Attributes,
	})
	if err != nil {
		c.sendError(ctx, err, submissionID)
		return
	}
	// 广播由订阅推送，这里只回 ack
	c.enqueue(ctx, OpAppliedMessage{
		Type:         TypeOpApplied,
		DocID:        accepted.DocumentID,
		BaseSequence: msg.BaseSequence,
		Sequence:     accepted.Sequence,
		SubmissionID: submissionID,
		ClientId:     msg.ClientId,
		ClientSeq:    msg.ClientSeq,
	})
}

func (c *Conn) handlePresence(ctx context.Context, msg ClientMessage) {
	if err := c.requireSession(); err != nil {
		c.sendError(ctx, err, "")
		return
	}
	_, err := c.svc.UpdatePresence(ctx, c.session.ID, collab.PresenceUpdate{
		Status:    msg.Status,
		Cursor:    msg.Cursor,
		Selection: msg.Selection,
	})
	if err != nil {
		c.sendError(ctx, err, "")
	}
}

func (c *Conn) handleHeartbeat(ctx context.Context) {
	if c.session != nil {
		if _, err := c.svc.UpdatePresence(ctx, c.session.ID, collab.PresenceUpdate{}); err != nil {
			c.sendError(ctx, err, "")
			return
		}
	}
	c.enqueue(ctx, ServerMessage{Type: TypeFeedback, Content: "Heartbeat received"})
}

func (c *Conn) handleDetach(ctx context.Context) {
	if err := c.requireSession(); err != nil {
		c.sendError(ctx, err, "")
		return
	}
	docID := c.session.DocumentID
	c.detachSession(ctx)
	c.enqueue(ctx, ServerMessage{Type: TypeDetached, DocID: docID})
}

func (c *Conn) detachSession(ctx context.Context) {
	c.stopFeed()
	if c.session == nil {
		return
	}
	if err := c.svc.Detach(ctx, c.session.ID); err != nil {
		glog.Warningf("detach session=%s doc=%s: %v", c.session.ID, c.session.DocumentID, err)
	}
	c.session = nil
}

// startFeed 从 after 开始追平并持续推送；已有的推送先停掉
func (c *Conn) startFeed(ctx context.Context, after uint64) {
	c.stopFeed()
	feed, err := c.svc.Subscribe(ctx, c.session.ID, after)
	if err != nil {
		c.sendError(ctx, err, "")
		return
	}
	pumpCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.stopPump, c.pumpDone = cancel, done
	go func(sessionID string) {
		defer close(done)
		c.pump(pumpCtx, feed, sessionID)
	}(c.session.ID)
}

func (c *Conn) stopFeed() {
	if c.stopPump == nil {
		return
	}
	c.stopPump()
	<-c.pumpDone
	c.stopPump, c.pumpDone = nil, nil
}

func (c *Conn) pump(ctx context.Context, feed *collab.Feed, sessionID string) {
	// 订阅被关闭（慢消费者、被回收）时也要打断阻塞中的 enqueue
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-feed.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		ev, err := feed.Next(ctx)
		if err != nil {
			c.feedClosed(ctx, feed, sessionID)
			return
		}
		switch ev.Kind {
		case broadcast.EventOperation:
			c.enqueue(ctx, toBroadcast(*ev.Operation))
		case broadcast.EventPresence:
			c.enqueue(ctx, PresenceMessage{
				Type:   TypePresence,
				DocID:  ev.DocumentID,
				Action: string(ev.Presence.Action),
				Member: toMember(ev.Presence.Entry),
			})
		}
	}
}

// feedClosed 按订阅关闭的原因收尾；订阅还开着说明是 stopFeed 主动停的
func (c *Conn) feedClosed(ctx context.Context, feed *collab.Feed, sessionID string) {
	err := feed.Err()
	switch {
	case err == nil:
	case errors.Is(err, broadcast.ErrSlowConsumer):
		glog.Warningf("slow consumer, closing connection (user=%d, session=%s, last=%d)",
			c.principal.UserID, sessionID, feed.LastDelivered())
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, collab.ErrorCode(err)),
			time.Now().Add(writeWait))
		c.close()
	case errors.Is(err, broadcast.ErrUnsubscribed):
		// session 被 TTL 清理回收
		if _, lerr := c.svc.Registry.Lookup(sessionID); lerr != nil {
			c.sendError(context.WithoutCancel(ctx), lerr, "")
		}
	default:
		glog.Warningf("feed error (session=%s): %v", sessionID, err)
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.detachSession(context.WithoutCancel(ctx))
		c.close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	for {
		var clientMessage ClientMessage
		if err := c.ws.ReadJSON(&clientMessage); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.Warningf("read json error (user=%d, session=%s): %v", c.principal.UserID, c.sessionID(), err)
			}
			return
		}
		switch clientMessage.Type {
		case TypeHeartbeat:
			c.handleHeartbeat(ctx)
		case TypeAttach:
			c.handleAttach(ctx, clientMessage)
		case TypeOpSubmit:
			c.handleOpSubmit(ctx, clientMessage)
		case TypePresence:
			c.handlePresence(ctx, clientMessage)
		case TypeCatchUp:
			c.handleCatchUp(ctx, clientMessage)
		case TypeDetach:
			c.handleDetach(ctx)
		default:
			// 忽略未知类型，回一条提示
			c.enqueue(ctx, ServerMessage{Type: TypeIgnored, Content: "Unknown message type"})
		}
	}
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的消息
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				glog.Warningf("write json error (user=%d): %v", c.principal.UserID, err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}
