// Package history 是按文档划分、按 sequence 编号的只追加操作日志。
// 写入只来自 Sequencer；读取（catch-up、快照折叠、审计）不经过 Sequencer 的锁。
package history

import (
	"context"
	"errors"

	"collabcore/backend/internal/ot"
)

var (
	// 追加的 sequence 不是 latest+1：日志只追加且无空洞
	ErrSequenceGap = errors.New("SEQUENCE_GAP")
	ErrCorrupt     = errors.New("CORRUPT_RECORD")
	ErrClosed      = errors.New("LOG_CLOSED")
)

// Log History Log 契约。
//
// ReadRange 返回 after < sequence <= upTo 的记录，按 sequence 升序；
// upTo == 0 表示读到当前最新，limit <= 0 表示不限条数。ReadRange 从不等待未来的记录。
type Log interface {
	Append(ctx context.Context, op ot.AcceptedOperation) error
	ReadRange(ctx context.Context, docID string, after, upTo uint64, limit int) ([]ot.AcceptedOperation, error)
	LatestSequence(ctx context.Context, docID string) (uint64, error)
	// 幂等查询：(author, submission) 对应的已接受操作
	FindSubmission(ctx context.Context, docID string, authorID uint64, submissionID string) (ot.AcceptedOperation, bool, error)
	Close() error
}

type submissionKey struct {
	authorID     uint64
	submissionID string
}
