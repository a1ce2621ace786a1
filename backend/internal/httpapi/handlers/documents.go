package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"

	"collabcore/backend/internal/collab"
	"collabcore/backend/internal/ot"
)

const (
	defaultHistoryLimit = 500
	maxHistoryLimit     = 1000
)

// ConnCounter 当前打开的传输连接数（ws.Manager）
type ConnCounter interface {
	Len() int
}

type DocumentHandler struct {
	svc   *collab.Service
	conns ConnCounter
}

// conns 可以为 nil
func NewDocumentHandler(svc *collab.Service, conns ConnCounter) *DocumentHandler {
	return &DocumentHandler{svc: svc, conns: conns}
}

// History GET /collab/documents/:docID/history?after=&to=&limit=
// 返回 after < sequence <= to 的已接受操作；to 省略表示到最新
func (h *DocumentHandler) History(c *gin.Context) {
	userID, ok := userFrom(c)
	if !ok {
		return
	}
	docID := c.Param("docID")
	after, err := queryUint(c, "after", 0)
	if err != nil {
		badRequest(c, err)
		return
	}
	upTo, err := queryUint(c, "to", 0)
	if err != nil {
		badRequest(c, err)
		return
	}
	limit, err := queryUint(c, "limit", defaultHistoryLimit)
	if err != nil {
		badRequest(c, err)
		return
	}
	if limit == 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if upTo != 0 && upTo < after {
		badRequest(c, errors.New("to must not be less than after"))
		return
	}

	ctx := c.Request.Context()
	if err := h.svc.Authorize(ctx, userID, docID); err != nil {
		writeError(c, err)
		return
	}
	latest, err := h.svc.LatestSequence(ctx, docID)
	if err != nil {
		writeError(c, err)
		return
	}
	ops, err := h.svc.History(ctx, docID, after, upTo, int(limit))
	if err != nil {
		writeError(c, err)
		return
	}
	if ops == nil {
		ops = []ot.AcceptedOperation{}
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "latest": latest, "operations": ops})
}

// Presence GET /collab/documents/:docID/presence
func (h *DocumentHandler) Presence(c *gin.Context) {
	userID, ok := userFrom(c)
	if !ok {
		return
	}
	docID := c.Param("docID")
	ctx := c.Request.Context()
	if err := h.svc.Authorize(ctx, userID, docID); err != nil {
		writeError(c, err)
		return
	}
	members, err := h.svc.ListPresence(ctx, docID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "members": members})
}

// Healthz GET /collab/healthz
func (h *DocumentHandler) Healthz(c *gin.Context) {
	conns := 0
	if h.conns != nil {
		conns = h.conns.Len()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":               "ok",
		"connections":          conns,
		"sessions":             h.svc.Registry.Len(),
		"documents":            len(h.svc.Sequencer.Documents()),
		"subscribed_documents": len(h.svc.SubscribedDocuments()),
	})
}

func userFrom(c *gin.Context) (uint64, bool) {
	//从gin.Context获取用户信息；gin.Context对每个用户天然隔离
	v, exists := c.Get("userId")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "user context missing"})
		return 0, false
	}
	userID, ok := v.(uint64)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "invalid user id format"})
		return 0, false
	}
	return userID, true
}

func queryUint(c *gin.Context, key string, def uint64) (uint64, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.New("invalid " + key + ": " + raw)
	}
	return v, nil
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"code": "PROTOCOL_VIOLATION", "message": err.Error()})
}

func writeError(c *gin.Context, err error) {
	code := collab.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case "DOCUMENT_NOT_FOUND", "SESSION_NOT_FOUND":
		status = http.StatusNotFound
	case "PERMISSION_DENIED":
		status = http.StatusForbidden
	case "PROTOCOL_VIOLATION", "MALFORMED_OPERATION":
		status = http.StatusBadRequest
	case "SERVER_BUSY":
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		glog.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(status, gin.H{"code": code, "message": "internal error"})
		return
	}
	c.JSON(status, gin.H{"code": code, "message": err.Error()})
}
