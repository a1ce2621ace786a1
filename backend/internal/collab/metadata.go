package collab

import "context"

// Metadata 文档元数据协作方（文档是否存在、是否可编辑）。
// attach 与 submit 之前都会调用；false 映射为 ErrDocumentNotFound / ErrPermissionDenied。
type Metadata interface {
	DocumentExists(ctx context.Context, docID string) (bool, error)
	CanEdit(ctx context.Context, userID uint64, docID string) (bool, error)
}

// Principal 已认证的调用方，核心不再校验身份
type Principal struct {
	UserID   uint64
	Username string
}
