package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collabcore/backend/internal/ot"
)

// OperationRow document_operations 表的一行
type OperationRow struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement"`
	DocumentID   string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_doc_seq,priority:1;uniqueIndex:uk_doc_submission,priority:1"`
	Sequence     uint64    `gorm:"not null;uniqueIndex:uk_doc_seq,priority:2"`
	AuthorID     uint64    `gorm:"not null;uniqueIndex:uk_doc_submission,priority:2"`
	SubmissionID string    `gorm:"type:varchar(128);not null;uniqueIndex:uk_doc_submission,priority:3"`
	BaseSequence uint64    `gorm:"not null"`
	Kind         string    `gorm:"type:varchar(16);not null"`
	Position     int       `gorm:"not null"`
	Text         string    `gorm:"type:mediumtext"`
	Length       int       `gorm:"not null;default:0"`
	Attributes   string    `gorm:"type:mediumtext"`
	AppliedAt    time.Time `gorm:"not null"`
}

func (OperationRow) TableName() string { return "document_operations" }

// MySQLLog 基于 gorm 的日志，(document_id, sequence) 唯一索引保证同一位置不会写两次
type MySQLLog struct {
	db *gorm.DB
}

func NewMySQLLog(db *gorm.DB) (*MySQLLog, error) {
	if err := db.AutoMigrate(&OperationRow{}); err != nil {
		return nil, fmt.Errorf("migrate document_operations: %w", err)
	}
	return &MySQLLog{db: db}, nil
}

func (l *MySQLLog) Append(ctx context.Context, op ot.AcceptedOperation) error {
	row, err := toRow(op)
	if err != nil {
		return err
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest uint64
		if err := tx.Model(&OperationRow{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("document_id = ?", op.DocumentID).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&latest).Error; err != nil {
			return err
		}
		if want := latest + 1; op.Sequence != want {
			return fmt.Errorf("%w: doc=%s got %d want %d", ErrSequenceGap, op.DocumentID, op.Sequence, want)
		}
		if err := tx.Create(&row).Error; err != nil {
			var mysqlErr *mysql.MySQLError
			// 1062 = duplicate key：另一个写者抢先写入了同一 sequence
			if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
				return fmt.Errorf("%w: doc=%s seq %d already written", ErrSequenceGap, op.DocumentID, op.Sequence)
			}
			return err
		}
		return nil
	})
}

func (l *MySQLLog) ReadRange(ctx context.Context, docID string, after, upTo uint64, limit int) ([]ot.AcceptedOperation, error) {
	q := l.db.WithContext(ctx).Where("document_id = ? AND sequence > ?", docID, after)
	if upTo != 0 {
		q = q.Where("sequence <= ?", upTo)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []OperationRow
	if err := q.Order("sequence ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ot.AcceptedOperation, 0, len(rows))
	for _, r := range rows {
		op, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

func (l *MySQLLog) LatestSequence(ctx context.Context, docID string) (uint64, error) {
	var latest uint64
	err := l.db.WithContext(ctx).Model(&OperationRow{}).
		Where("document_id = ?", docID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&latest).Error
	return latest, err
}

func (l *MySQLLog) FindSubmission(ctx context.Context, docID string, authorID uint64, submissionID string) (ot.AcceptedOperation, bool, error) {
	var row OperationRow
	err := l.db.WithContext(ctx).
		Where("document_id = ? AND author_id = ? AND submission_id = ?", docID, authorID, submissionID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ot.AcceptedOperation{}, false, nil
	}
	if err != nil {
		return ot.AcceptedOperation{}, false, err
	}
	op, err := fromRow(row)
	if err != nil {
		return ot.AcceptedOperation{}, false, err
	}
	return op, true, nil
}

func (l *MySQLLog) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(op ot.AcceptedOperation) (OperationRow, error) {
	row := OperationRow{
		DocumentID:   op.DocumentID,
		Sequence:     op.Sequence,
		AuthorID:     op.AuthorID,
		SubmissionID: op.SubmissionID,
		BaseSequence: op.BaseSequence,
		Kind:         string(op.Kind),
		Position:     op.Position,
		Text:         op.Text,
		Length:       op.Length,
		AppliedAt:    op.AppliedAt,
	}
	if len(op.Attributes) > 0 {
		b, err := json.Marshal(op.Attributes)
		if err != nil {
			return OperationRow{}, err
		}
		row.Attributes = string(b)
	}
	return row, nil
}

func fromRow(r OperationRow) (ot.AcceptedOperation, error) {
	op := ot.AcceptedOperation{
		Operation: ot.Operation{
			DocumentID:   r.DocumentID,
			AuthorID:     r.AuthorID,
			BaseSequence: r.BaseSequence,
			SubmissionID: r.SubmissionID,
			Kind:         ot.Kind(r.Kind),
			Position:     r.Position,
			Text:         r.Text,
			Length:       r.Length,
		},
		Sequence:  r.Sequence,
		AppliedAt: r.AppliedAt,
	}
	if r.Attributes != "" {
		if err := json.Unmarshal([]byte(r.Attributes), &op.Attributes); err != nil {
			return ot.AcceptedOperation{}, fmt.Errorf("%w: attributes of seq %d: %v", ErrCorrupt, r.Sequence, err)
		}
	}
	return op, nil
}
