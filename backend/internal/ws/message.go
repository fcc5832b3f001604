package ws

import (
	"encoding/json"

	"prdCollabServer/backend/internal/collab"
	"prdCollabServer/backend/internal/store"
)

// 入站事件名（客户端 -> 服务端）
const (
	EvtJoinDocument   = "join-document"
	EvtLeaveDocument  = "leave-document"
	EvtOperation      = "document-operation"
	EvtPresenceUpdate = "presence-update"
	EvtAddComment     = "add-comment"
	EvtResolveComment = "resolve-comment"
	EvtHeartbeat      = "heartbeat"
)

// ClientMessage 入站事件信封。event 决定哪个载荷字段有效，
// 载荷在进入协作引擎之前就按事件名解成具体结构，不让松散 JSON 往里渗。
type ClientMessage struct {
	Event      string            `json:"event"`
	DocumentID string            `json:"documentId"`
	Operation  *OperationPayload `json:"operation,omitempty"`
	Update     *PresenceUpdate   `json:"update,omitempty"`
	Comment    *CommentPayload   `json:"comment,omitempty"`
	CommentID  string            `json:"commentId,omitempty"`
}

type OperationPayload struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type"`
	Section  string `json:"section"`
	Position int    `json:"position"`
	Content  string `json:"content,omitempty"`
	Length   int    `json:"length,omitempty"`
}

// PresenceUpdate type ∈ {cursor, selection, typing}；data 按 type 解码
type PresenceUpdate struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type CommentPayload struct {
	Section  string  `json:"section"`
	Position int     `json:"position"`
	Content  string  `json:"content"`
	ParentID *string `json:"parentId,omitempty"`
}

// 出站消息接口；每个消息结构自带 event 字段直接 WriteJSON
type OutboundMessage interface {
	EventName() string
}

type DocumentStateMessage struct {
	Event        string                `json:"event"`
	DocumentID   string                `json:"documentId"`
	Content      string                `json:"content"`
	Version      uint64                `json:"version"`
	Participants []*collab.Participant `json:"participants"`
}

type UserJoinedMessage struct {
	Event       string              `json:"event"`
	DocumentID  string              `json:"documentId"`
	Participant *collab.Participant `json:"participant"`
}

type UserLeftMessage struct {
	Event      string `json:"event"`
	DocumentID string `json:"documentId"`
	UserID     uint64 `json:"userId"`
}

type OperationMessage struct {
	Event      string            `json:"event"`
	DocumentID string            `json:"documentId"`
	Operation  *collab.Operation `json:"operation"`
}

type OperationRejectedMessage struct {
	Event       string `json:"event"`
	DocumentID  string `json:"documentId"`
	OperationID string `json:"operationId"`
	Reason      string `json:"reason,omitempty"`
}

type PresenceMessage struct {
	Event      string          `json:"event"`
	DocumentID string          `json:"documentId"`
	UserID     uint64          `json:"userId"`
	Update     *PresenceUpdate `json:"update"`
}

type AuthorSummary struct {
	UserID    uint64 `json:"userId"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

type CommentAddedMessage struct {
	Event      string         `json:"event"`
	DocumentID string         `json:"documentId"`
	Comment    *store.Comment `json:"comment"`
	Author     AuthorSummary  `json:"author"`
}

type CommentResolvedMessage struct {
	Event      string `json:"event"`
	DocumentID string `json:"documentId"`
	CommentID  string `json:"commentId"`
	ResolvedBy uint64 `json:"resolvedBy"`
}

type DocumentCommentsMessage struct {
	Event      string          `json:"event"`
	DocumentID string          `json:"documentId"`
	Comments   []store.Comment `json:"comments"`
}

type ErrorMessage struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

type FeedbackMessage struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

func (m DocumentStateMessage) EventName() string     { return m.Event }
func (m UserJoinedMessage) EventName() string        { return m.Event }
func (m UserLeftMessage) EventName() string          { return m.Event }
func (m OperationMessage) EventName() string         { return m.Event }
func (m OperationRejectedMessage) EventName() string { return m.Event }
func (m PresenceMessage) EventName() string          { return m.Event }
func (m CommentAddedMessage) EventName() string      { return m.Event }
func (m CommentResolvedMessage) EventName() string   { return m.Event }
func (m DocumentCommentsMessage) EventName() string  { return m.Event }
func (m ErrorMessage) EventName() string             { return m.Event }
func (m FeedbackMessage) EventName() string          { return m.Event }

func newError(msg string) ErrorMessage {
	return ErrorMessage{Event: "error", Message: msg}
}
