package collab

import (
	"errors"

	"collabcore/backend/internal/broadcast"
)

// 结构性错误只返回给提交者，不进入广播，也不写入历史
var (
	ErrSessionNotFound     = errors.New("SESSION_NOT_FOUND")
	ErrDocumentNotFound    = errors.New("DOCUMENT_NOT_FOUND")
	ErrPermissionDenied    = errors.New("PERMISSION_DENIED")
	ErrProtocolViolation   = errors.New("PROTOCOL_VIOLATION")
	ErrMalformedOperation  = errors.New("MALFORMED_OPERATION")
	ErrSubmissionAbandoned = errors.New("SUBMISSION_ABANDONED")
	ErrServerBusy          = errors.New("SERVER_BUSY")
)

// ErrorCode 把错误映射成下发给客户端的错误码
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionNotFound):
		return "SESSION_NOT_FOUND"
	case errors.Is(err, ErrDocumentNotFound):
		return "DOCUMENT_NOT_FOUND"
	case errors.Is(err, ErrPermissionDenied):
		return "PERMISSION_DENIED"
	case errors.Is(err, ErrProtocolViolation):
		return "PROTOCOL_VIOLATION"
	case errors.Is(err, ErrMalformedOperation):
		return "MALFORMED_OPERATION"
	case errors.Is(err, ErrSubmissionAbandoned):
		return "SUBMISSION_ABANDONED"
	case errors.Is(err, ErrServerBusy):
		return "SERVER_BUSY"
	case errors.Is(err, broadcast.ErrSlowConsumer):
		return "SLOW_CONSUMER"
	default:
		return "INTERNAL"
	}
}

// Retryable 客户端可以用同一个 submission_id 重试
func Retryable(err error) bool {
	switch ErrorCode(err) {
	case "SUBMISSION_ABANDONED", "SERVER_BUSY", "INTERNAL":
		return true
	}
	return false
}
