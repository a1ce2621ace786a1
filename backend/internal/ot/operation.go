package ot

import (
	"errors"
	"fmt"
	"maps"
	"time"
	"unicode/utf8"

	"collabcore/backend/internal/ot/delta"
)

// Kind 操作类型（带标签的变体）
type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
	KindFormat Kind = "format"
)

var (
	ErrMalformed   = errors.New("MALFORMED_OPERATION")
	ErrOutOfBounds = errors.New("OPERATION_OUT_OF_BOUNDS")
)

// 与历史表列宽一致（history.OperationRow）
const (
	MaxDocumentIDLen   = 64
	MaxSubmissionIDLen = 128
	MaxTextBytes       = 1 << 20
	// Position/Length 上限：两者相加以及变换中的加减都不会溢出 int
	MaxSpan = 1 << 28
)

// Operation 一次增量编辑。构造后不可变：所有变换都返回新值。
// 位置与长度按 rune 计数，和 piece table 保持一致。
//   - insert: Position + Text
//   - delete: Position + Length
//   - format: Position + Length + Attributes
type Operation struct {
	DocumentID string `json:"docId"`
	AuthorID   uint64 `json:"authorId"`
	// 客户端形成该操作时已观察到的最高 sequence
	BaseSequence uint64 `json:"baseSequence"`
	// 客户端生成的幂等 token，(author, document) 内唯一
	SubmissionID string         `json:"submissionId"`
	Kind         Kind           `json:"kind"`
	Position     int            `json:"position"`
	Text         string         `json:"text,omitempty"`
	Length       int            `json:"length,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// AcceptedOperation History Log 中的一条记录
type AcceptedOperation struct {
	Operation
	Sequence  uint64    `json:"sequence"`
	AppliedAt time.Time `json:"appliedAt"`
}

func NewInsert(docID string, authorID, base uint64, submissionID string, pos int, text string) Operation {
	return Operation{DocumentID: docID, AuthorID: authorID, BaseSequence: base, SubmissionID: submissionID,
		Kind: KindInsert, Position: pos, Text: text}
}

func NewDelete(docID string, authorID, base uint64, submissionID string, pos, length int) Operation {
	return Operation{DocumentID: docID, AuthorID: authorID, BaseSequence: base, SubmissionID: submissionID,
		Kind: KindDelete, Position: pos, Length: length}
}

func NewFormat(docID string, authorID, base uint64, submissionID string, pos, length int, attrs map[string]any) Operation {
	return Operation{DocumentID: docID, AuthorID: authorID, BaseSequence: base, SubmissionID: submissionID,
		Kind: KindFormat, Position: pos, Length: length, Attributes: maps.Clone(attrs)}
}

// Validate 只做结构校验；越界检查需要文档长度，由 Sequencer 负责
func (op Operation) Validate() error {
	switch {
	case op.DocumentID == "":
		return fmt.Errorf("%w: missing document id", ErrMalformed)
	case len(op.DocumentID) > MaxDocumentIDLen:
		return fmt.Errorf("%w: document id longer than %d bytes", ErrMalformed, MaxDocumentIDLen)
	case op.AuthorID == 0:
		return fmt.Errorf("%w: missing author id", ErrMalformed)
	case op.SubmissionID == "":
		return fmt.Errorf("%w: missing submission id", ErrMalformed)
	case len(op.SubmissionID) > MaxSubmissionIDLen:
		return fmt.Errorf("%w: submission id longer than %d bytes", ErrMalformed, MaxSubmissionIDLen)
	case op.Position < 0 || op.Position > MaxSpan:
		return fmt.Errorf("%w: position %d", ErrMalformed, op.Position)
	case op.Length < 0 || op.Length > MaxSpan:
		return fmt.Errorf("%w: length %d", ErrMalformed, op.Length)
	}
	switch op.Kind {
	case KindInsert:
		if op.Text == "" {
			return fmt.Errorf("%w: empty insert", ErrMalformed)
		}
		if len(op.Text) > MaxTextBytes {
			return fmt.Errorf("%w: insert text longer than %d bytes", ErrMalformed, MaxTextBytes)
		}
		if !utf8.ValidString(op.Text) {
			return fmt.Errorf("%w: insert text is not valid utf-8", ErrMalformed)
		}
	case KindDelete:
		if op.Length <= 0 {
			return fmt.Errorf("%w: delete length %d", ErrMalformed, op.Length)
		}
	case KindFormat:
		if op.Length <= 0 {
			return fmt.Errorf("%w: format length %d", ErrMalformed, op.Length)
		}
		if len(op.Attributes) == 0 {
			return fmt.Errorf("%w: format without attributes", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, op.Kind)
	}
	return nil
}

// TextLen insert 文本的 rune 长度
func (op Operation) TextLen() int {
	return utf8.RuneCountInString(op.Text)
}

// LengthDelta 应用该操作后文档长度的变化
func (op Operation) LengthDelta() int {
	switch op.Kind {
	case KindInsert:
		return op.TextLen()
	case KindDelete:
		return -op.Length
	}
	return 0
}

// CheckBounds 校验操作能否作用于长度为 docLen 的文档
func (op Operation) CheckBounds(docLen int) error {
	switch op.Kind {
	case KindInsert:
		if op.Position < 0 || op.Position > docLen {
			return fmt.Errorf("%w: insert at %d, length %d", ErrOutOfBounds, op.Position, docLen)
		}
	case KindDelete, KindFormat:
		// 不做 Position+Length，避免溢出
		if op.Position < 0 || op.Length < 0 || op.Position > docLen || op.Length > docLen-op.Position {
			return fmt.Errorf("%w: %s at %d len %d, length %d", ErrOutOfBounds, op.Kind, op.Position, op.Length, docLen)
		}
	}
	return nil
}

// IsNoop 被变换吞掉的 delete/format
func (op Operation) IsNoop() bool {
	return (op.Kind == KindDelete || op.Kind == KindFormat) && op.Length == 0
}

// Delta 转成 retain/insert/delete 形式，供 piece table 应用
func (op Operation) Delta() delta.Delta {
	var d delta.Delta
	d = d.Retain(op.Position, nil)
	switch op.Kind {
	case KindInsert:
		d = d.Insert(op.Text)
	case KindDelete:
		d = d.Delete(op.Length)
	case KindFormat:
		d = d.Retain(op.Length, maps.Clone(op.Attributes))
	}
	return d
}

// Apply 把操作作用到文本上（format 不改变文本）
func (op Operation) Apply(text []rune) ([]rune, error) {
	if err := op.CheckBounds(len(text)); err != nil {
		return nil, err
	}
	switch op.Kind {
	case KindInsert:
		ins := []rune(op.Text)
		out := make([]rune, 0, len(text)+len(ins))
		out = append(out, text[:op.Position]...)
		out = append(out, ins...)
		return append(out, text[op.Position:]...), nil
	case KindDelete:
		out := make([]rune, 0, len(text)-op.Length)
		out = append(out, text[:op.Position]...)
		return append(out, text[op.Position+op.Length:]...), nil
	}
	return text, nil
}
