package store

import (
	"context"
	"sync"
)

// MemoryDocuments 进程内元数据，用于本地运行和测试。
// open=true 时任何文档都视为存在、任何用户都可编辑（除非显式 Restrict）。
type MemoryDocuments struct {
	mu      sync.RWMutex
	open    bool
	docs    map[string]uint64 // docID -> ownerID
	editors map[string]map[uint64]struct{}
}

func NewMemoryDocuments(open bool) *MemoryDocuments {
	return &MemoryDocuments{
		open:    open,
		docs:    make(map[string]uint64),
		editors: make(map[string]map[uint64]struct{}),
	}
}

func (m *MemoryDocuments) Add(docID string, ownerID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[docID] = ownerID
}

// Restrict 只允许 owner 和给定用户编辑该文档
func (m *MemoryDocuments) Restrict(docID string, userIDs ...uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eds := make(map[uint64]struct{}, len(userIDs))
	for _, u := range userIDs {
		eds[u] = struct{}{}
	}
	m.editors[docID] = eds
}

func (m *MemoryDocuments) DocumentExists(ctx context.Context, docID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.docs[docID]
	return ok || m.open, nil
}

func (m *MemoryDocuments) CanEdit(ctx context.Context, userID uint64, docID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owner, exists := m.docs[docID]
	if exists && owner == userID {
		return true, nil
	}
	eds, restricted := m.editors[docID]
	if !restricted {
		return exists || m.open, nil
	}
	_, ok := eds[userID]
	return ok, nil
}
