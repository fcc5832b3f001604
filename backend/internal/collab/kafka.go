package collab

import (
	"time"
)

// DocOpEvent 已应用操作的对外事件（Kafka），下游做分析/审计消费。
// 以 docId 做分区 key，保证同一文档的事件有序。
type DocOpEvent struct {
	EventType   string        `json:"eventType"` // 固定 "OP_APPLIED"
	DocID       string        `json:"docId"`
	OperationID string        `json:"operationId"`
	Version     uint64        `json:"version"`
	AuthorID    uint64        `json:"authorId"`
	Type        OperationType `json:"type"`
	Section     string        `json:"section"`
	Position    int           `json:"position"`
	Content     string        `json:"content,omitempty"`
	Length      int           `json:"length,omitempty"`
	AppliedAt   time.Time     `json:"appliedAt"`
}
