package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"collabcore/backend/internal/collab"
)

// SnapshotRow document_snapshots 表的一行
type SnapshotRow struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	DocumentID string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_doc_revision,priority:1"`
	Revision   uint64    `gorm:"not null;uniqueIndex:uk_doc_revision,priority:2"`
	Content    string    `gorm:"type:longtext"`
	Runs       string    `gorm:"type:longtext"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

func (SnapshotRow) TableName() string { return "document_snapshots" }

type SnapshotStore struct{ db *gorm.DB }

func NewSnapshotStore(db *gorm.DB) (*SnapshotStore, error) {
	if err := db.AutoMigrate(&SnapshotRow{}); err != nil {
		return nil, fmt.Errorf("migrate document_snapshots: %w", err)
	}
	return &SnapshotStore{db: db}, nil
}

func (s *SnapshotStore) SaveDocumentSnapshot(ctx context.Context, snap collab.Snapshot) error {
	runs, err := json.Marshal(snap.Runs)
	if err != nil {
		return err
	}
	row := SnapshotRow{
		DocumentID: snap.DocumentID,
		Revision:   snap.Sequence,
		Content:    snap.Content,
		Runs:       string(runs),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		var mysqlErr *mysql.MySQLError
		// 同一 revision 已经有快照（重启后重复折叠），内容必然相同
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

// LatestSnapshot 最新一份快照；没有时 ok=false
func (s *SnapshotStore) LatestSnapshot(ctx context.Context, docID string) (collab.Snapshot, bool, error) {
	var row SnapshotRow
	err := s.db.WithContext(ctx).
		Where("document_id = ?", docID).
		Order("revision DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return collab.Snapshot{}, false, nil
	}
	if err != nil {
		return collab.Snapshot{}, false, err
	}
	snap := collab.Snapshot{DocumentID: row.DocumentID, Sequence: row.Revision, Content: row.Content}
	if row.Runs != "" {
		if err := json.Unmarshal([]byte(row.Runs), &snap.Runs); err != nil {
			return collab.Snapshot{}, false, fmt.Errorf("decode runs doc=%s rev=%d: %w", docID, row.Revision, err)
		}
	}
	return snap, true, nil
}
