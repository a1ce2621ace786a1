package store

import (
	"context"
	"database/sql"
	"errors"
)

// DocumentStore 文档元数据（只读）：documents / document_collaborators 两张表由文档服务维护
type DocumentStore struct{ db *sql.DB }

func NewDocumentStore(db *sql.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) DocumentExists(ctx context.Context, docID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM documents WHERE id = ? LIMIT 1`,
		docID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CanEdit owner 或 role 为 owner/editor 的协作者可编辑
func (s *DocumentStore) CanEdit(ctx context.Context, userID uint64, docID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM documents d
		WHERE d.id = ? AND (
			d.owner_id = ?
			OR EXISTS (
				SELECT 1 FROM document_collaborators c
				WHERE c.document_id = d.id AND c.user_id = ? AND c.role IN ('owner', 'editor')
			)
		)
		LIMIT 1`,
		docID,
		userID,
		userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
