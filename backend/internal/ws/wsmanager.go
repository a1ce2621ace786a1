package ws

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"collabcore/backend/internal/collab"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	svc           *collab.Service
	submitTimeout time.Duration

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

func NewManager(svc *collab.Service, submitTimeout time.Duration) *Manager {
	if submitTimeout <= 0 {
		submitTimeout = 2 * time.Second
	}
	return &Manager{svc: svc, submitTimeout: submitTimeout, conns: make(map[*Conn]struct{})}
}

// WebSocketConnect 身份由鉴权中间件写入 gin.Context（userId / username）
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	if userID == 0 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	principal := collab.Principal{UserID: userID, Username: c.GetString("username")}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		glog.Warningf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	wsConn := NewConn(conn, m.svc, principal, m.submitTimeout)
	m.mu.Lock()
	m.conns[wsConn] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.conns, wsConn)
		m.mu.Unlock()
	}()

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.enqueue(c.Request.Context(), ServerMessage{Type: TypeWelcome, UserID: userID})

	// 最后再进入读循环（阻塞至连接关闭）
	wsConn.readLoop(c.Request.Context())
}

// Len 当前连接数
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// CloseAll 关闭所有连接；各连接的读循环退出时 detach 自己的 session
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		c.close()
	}
}
