package collab

import (
	"context"
)

// Service 协作引擎对网关暴露的能力。
// Registry 是内存实现；接口单独声明方便网关单测时注入假实现。
type Service interface {
	Join(ctx context.Context, docID string, p *Participant) (*Snapshot, error)
	Leave(ctx context.Context, docID string, userID uint64) (bool, error)
	ApplyOperation(ctx context.Context, docID string, op *Operation) error
	UpdateCursor(docID string, userID uint64, cursor CursorPosition)
	UpdateSelection(docID string, userID uint64, sel SelectionRange)
	ForceSync(ctx context.Context, docID string) error
	CurrentVersion(docID string) uint64
	OpsSince(docID string, fromVersion uint64, limit int) []*Operation
	ActiveSessions() int
}

var _ Service = (*Registry)(nil)
