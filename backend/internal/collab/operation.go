package collab

import (
	"errors"
	"time"

	"prdCollabServer/backend/internal/document"
)

type OperationType string

const (
	OpInsert  OperationType = "insert"
	OpDelete  OperationType = "delete"
	OpReplace OperationType = "replace"
)

var (
	ErrUnknownOperationType = errors.New("UNKNOWN_OPERATION_TYPE")
	ErrMissingContent       = errors.New("MISSING_CONTENT")
	ErrMissingLength        = errors.New("MISSING_LENGTH")
	ErrOutOfBounds          = errors.New("OPERATION_OUT_OF_BOUNDS")
	ErrDuplicateOperation   = errors.New("DUPLICATE_OPERATION")
	ErrSessionNotFound      = errors.New("SESSION_NOT_FOUND")
	ErrDocumentNotFound     = errors.New("DOCUMENT_NOT_FOUND")
)

// Operation 针对某个章节的一次编辑。创建后不可变；
// 是否接受由引擎一次性判定，不会自动重试。
type Operation struct {
	ID      string        `json:"id"`
	UserID  uint64        `json:"userId"`
	Type    OperationType `json:"type"`
	Section string        `json:"section"`
	// Position/Length 都是章节正文内的 rune 偏移（不是字节），中文内容下两者不一样
	Position  int       `json:"position"`
	Content   string    `json:"content,omitempty"`
	Length    int       `json:"length,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Applied   bool      `json:"applied"`
}

// applyToSections 把单个操作套用到章节映射上。
// 校验失败时返回错误且不改动任何章节；成功时把新正文写回映射。
// 调用方负责重组全文与推进版本号。
func applyToSections(sections *document.Sections, op *Operation) error {
	// 章节不存在按空章节处理，允许在新章节上直接插入
	body := []rune(sections.Get(op.Section))

	switch op.Type {
	case OpInsert:
		if op.Content == "" {
			return ErrMissingContent
		}
		if op.Position < 0 || op.Position > len(body) {
			return ErrOutOfBounds
		}
		inserted := []rune(op.Content)
		next := make([]rune, 0, len(body)+len(inserted))
		next = append(next, body[:op.Position]...)
		next = append(next, inserted...)
		next = append(next, body[op.Position:]...)
		sections.Set(op.Section, string(next))
		return nil

	case OpDelete:
		// JSON 里缺省的 length 解码为 0，按“未提供”处理
		if op.Length <= 0 {
			return ErrMissingLength
		}
		if op.Position < 0 || op.Position+op.Length > len(body) {
			return ErrOutOfBounds
		}
		next := make([]rune, 0, len(body)-op.Length)
		next = append(next, body[:op.Position]...)
		next = append(next, body[op.Position+op.Length:]...)
		sections.Set(op.Section, string(next))
		return nil

	case OpReplace:
		if op.Content == "" {
			return ErrMissingContent
		}
		if op.Length <= 0 {
			return ErrMissingLength
		}
		if op.Position < 0 || op.Position+op.Length > len(body) {
			return ErrOutOfBounds
		}
		inserted := []rune(op.Content)
		next := make([]rune, 0, len(body)-op.Length+len(inserted))
		next = append(next, body[:op.Position]...)
		next = append(next, inserted...)
		next = append(next, body[op.Position+op.Length:]...)
		sections.Set(op.Section, string(next))
		return nil

	default:
		return ErrUnknownOperationType
	}
}
