package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"prdCollabServer/backend/internal/cache"
	"prdCollabServer/backend/internal/collab"
	"prdCollabServer/backend/internal/store"
)

// presenceTTL 心跳键的存活时间，客户端靠 heartbeat 事件续期
const presenceTTL = 600 * time.Second

// CommentStore 评论的持久化接口（网关只做中转，不在内存里缓存评论）
type CommentStore interface {
	ListByDocument(ctx context.Context, docID string) ([]store.Comment, error)
	Create(ctx context.Context, c *store.Comment) error
	Resolve(ctx context.Context, commentID string) error
}

// Conn 一条已认证的 WebSocket 连接。
// 身份字段在握手时从用户记录复制，连接存活期间不变。
type Conn struct {
	ws  *websocket.Conn
	hub *Hub

	userID    uint64
	name      string
	email     string
	avatarURL string

	// 此连接已加入的房间（断线时要逐个补 leave）
	joined map[string]struct{}

	send chan OutboundMessage
	// 关闭信号。不直接 close(send)：广播方可能还拿着这个连接，
	// 往已关闭的通道写会 panic，改用 done 让写循环退出
	done      chan struct{}
	closeOnce sync.Once

	svc      collab.Service
	comments CommentStore
	presence cache.PresenceCache
	sem      *collab.SemaphoreControl
}

func NewConn(ws *websocket.Conn, hub *Hub, user *store.User, svc collab.Service, comments CommentStore, presence cache.PresenceCache, sem *collab.SemaphoreControl) *Conn {
	return &Conn{
		ws:        ws,
		hub:       hub,
		userID:    user.ID,
		name:      user.Name,
		email:     user.Email,
		avatarURL: user.AvatarURL,
		joined:    make(map[string]struct{}),
		send:      make(chan OutboundMessage, 32),
		done:      make(chan struct{}),
		svc:       svc,
		comments:  comments,
		presence:  presence,
		sem:       sem,
	}
}

// Enqueue 消息入发送队列；队列满了直接丢（慢连接不拖垮房间广播）
func (c *Conn) Enqueue(msg OutboundMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
	}
}

// Close 通知写循环退出；幂等
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) participant() *collab.Participant {
	return &collab.Participant{
		UserID:    c.userID,
		Name:      c.name,
		Email:     c.email,
		AvatarURL: c.avatarURL,
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			log.Printf("read json error (user=%d): %v", c.userID, err)
			return
		}

		switch msg.Event {
		case EvtJoinDocument:
			c.handleJoin(ctx, msg.DocumentID)
		case EvtLeaveDocument:
			c.handleLeave(ctx, msg.DocumentID)
		case EvtOperation:
			c.handleOperation(ctx, msg.DocumentID, msg.Operation)
		case EvtPresenceUpdate:
			c.handlePresence(ctx, msg.DocumentID, msg.Update)
		case EvtAddComment:
			c.handleAddComment(ctx, msg.DocumentID, msg.Comment)
		case EvtResolveComment:
			c.handleResolveComment(ctx, msg.DocumentID, msg.CommentID)
		case EvtHeartbeat:
			c.handleHeartbeat(ctx)
		default:
			c.Enqueue(newError("unknown event: " + msg.Event))
		}
	}
}

func (c *Conn) writeLoop() {
	// 持续消费发送队列，直到收到关闭信号
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.WriteJSON(msg)
		case <-c.done:
			return
		}
	}
}

func (c *Conn) handleJoin(ctx context.Context, docID string) {
	if docID == "" {
		c.Enqueue(newError("missing documentId"))
		return
	}

	// 同一用户是否第一次进这个房间（第二个标签页不再广播 user-joined）
	firstConn := c.hub.UserConnsInDoc(docID, c.userID) == 0

	snapshot, err := c.svc.Join(ctx, docID, c.participant())
	if err != nil {
		switch {
		case errors.Is(err, collab.ErrAccessDenied):
			c.Enqueue(newError("access denied"))
		case errors.Is(err, collab.ErrDocumentNotFound):
			c.Enqueue(newError("document not found"))
		default:
			log.Printf("join failed doc=%s user=%d: %v", docID, c.userID, err)
			c.Enqueue(newError("join failed"))
		}
		return
	}

	c.hub.Join(docID, c)
	c.joined[docID] = struct{}{}

	if c.presence != nil {
		if err := c.presence.AddMember(ctx, docID, c.userID, c.name, presenceTTL); err != nil {
			log.Printf("presence add member error: %v", err)
		}
	}

	// 快照只发给加入者本人
	c.Enqueue(DocumentStateMessage{
		Event:        "document-state",
		DocumentID:   docID,
		Content:      snapshot.Content,
		Version:      snapshot.Version,
		Participants: snapshot.Participants,
	})

	// 评论线程同样只发给加入者
	if c.comments != nil {
		comments, err := c.comments.ListByDocument(ctx, docID)
		if err != nil {
			log.Printf("list comments error doc=%s: %v", docID, err)
		} else {
			c.Enqueue(DocumentCommentsMessage{Event: "document-comments", DocumentID: docID, Comments: comments})
		}
	}

	if firstConn {
		c.hub.BroadcastExcept(docID, c, UserJoinedMessage{
			Event:       "user-joined",
			DocumentID:  docID,
			Participant: c.participant(),
		})
	}
}

func (c *Conn) handleLeave(ctx context.Context, docID string) {
	if _, ok := c.joined[docID]; !ok {
		return
	}
	c.leaveRoom(ctx, docID)
}

// leaveRoom 显式 leave 和断线走同一条路。
// 只有当这是该用户在房间里的最后一个连接时，才触发参与者移除、
// user-left 广播和可能的会话驱逐。
func (c *Conn) leaveRoom(ctx context.Context, docID string) {
	c.hub.Leave(docID, c)
	delete(c.joined, docID)

	if c.hub.UserConnsInDoc(docID, c.userID) > 0 {
		return
	}

	if _, err := c.svc.Leave(ctx, docID, c.userID); err != nil {
		log.Printf("leave failed doc=%s user=%d: %v", docID, c.userID, err)
	}
	if c.presence != nil {
		if err := c.presence.RemoveMember(ctx, docID, c.userID); err != nil {
			log.Printf("presence remove member error: %v", err)
		}
	}
	c.hub.Broadcast(docID, UserLeftMessage{Event: "user-left", DocumentID: docID, UserID: c.userID})
}

// disconnect 连接断开：对每个已加入的房间等价于一次显式 leave
func (c *Conn) disconnect(ctx context.Context) {
	for docID := range c.joined {
		c.leaveRoom(ctx, docID)
	}
	c.hub.Unregister(c)
}

func (c *Conn) handleOperation(ctx context.Context, docID string, payload *OperationPayload) {
	if payload == nil || docID == "" {
		c.Enqueue(newError("missing operation payload"))
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	if err := c.sem.Acquire(opCtx); err != nil {
		c.Enqueue(newError(err.Error()))
		return
	}
	defer c.sem.Release()

	op := &collab.Operation{
		ID:       payload.ID,
		UserID:   c.userID,
		Type:     collab.OperationType(payload.Type),
		Section:  payload.Section,
		Position: payload.Position,
		Content:  payload.Content,
		Length:   payload.Length,
	}

	err := c.svc.ApplyOperation(opCtx, docID, op)
	switch {
	case err == nil:
		// 应用成功：广播给房间里除发起方之外的所有连接
		c.hub.BroadcastExcept(docID, c, OperationMessage{
			Event:      "document-operation",
			DocumentID: docID,
			Operation:  op,
		})
	case errors.Is(err, collab.ErrDuplicateOperation):
		// 重复投递：之前已经应用并广播过了，静默吞掉
	case errors.Is(err, collab.ErrSessionNotFound):
		c.Enqueue(newError("no active session for document"))
	default:
		// 校验失败只回发起方，不打扰房间；客户端应当重新拉取快照再试
		c.Enqueue(OperationRejectedMessage{
			Event:       "operation-rejected",
			DocumentID:  docID,
			OperationID: op.ID,
			Reason:      err.Error(),
		})
	}
}

func (c *Conn) handlePresence(ctx context.Context, docID string, update *PresenceUpdate) {
	if update == nil || docID == "" {
		return
	}
	if _, ok := c.joined[docID]; !ok {
		return
	}

	// cursor/selection 更新参与者状态并落 redis；typing 只中转
	switch update.Type {
	case "cursor":
		var cursor collab.CursorPosition
		if err := json.Unmarshal(update.Data, &cursor); err != nil {
			c.Enqueue(newError("invalid cursor payload"))
			return
		}
		c.svc.UpdateCursor(docID, c.userID, cursor)
		if c.presence != nil {
			if err := c.presence.SetCursor(ctx, docID, c.userID, update.Data, presenceTTL); err != nil {
				log.Printf("presence set cursor error: %v", err)
			}
		}
	case "selection":
		var sel collab.SelectionRange
		if err := json.Unmarshal(update.Data, &sel); err != nil {
			c.Enqueue(newError("invalid selection payload"))
			return
		}
		c.svc.UpdateSelection(docID, c.userID, sel)
		if c.presence != nil {
			if err := c.presence.SetSelection(ctx, docID, c.userID, update.Data, presenceTTL); err != nil {
				log.Printf("presence set selection error: %v", err)
			}
		}
	case "typing":
	default:
		c.Enqueue(newError("unknown presence type: " + update.Type))
		return
	}

	// 原样转发给房间里其他人，last-write-wins，不做合并
	c.hub.BroadcastExcept(docID, c, PresenceMessage{
		Event:      "presence-update",
		DocumentID: docID,
		UserID:     c.userID,
		Update:     update,
	})
}

func (c *Conn) handleAddComment(ctx context.Context, docID string, payload *CommentPayload) {
	if payload == nil || docID == "" || c.comments == nil {
		c.Enqueue(newError("missing comment payload"))
		return
	}
	if _, ok := c.joined[docID]; !ok {
		c.Enqueue(newError("join the document before commenting"))
		return
	}

	comment := &store.Comment{
		DocumentID: docID,
		UserID:     c.userID,
		Section:    payload.Section,
		Position:   payload.Position,
		Content:    payload.Content,
		ParentID:   payload.ParentID,
	}
	if err := c.comments.Create(ctx, comment); err != nil {
		log.Printf("create comment error doc=%s user=%d: %v", docID, c.userID, err)
		c.Enqueue(newError("create comment failed"))
		return
	}

	// 评论广播给整个房间，包括作者自己（作者靠它拿到持久化后的 ID）
	c.hub.Broadcast(docID, CommentAddedMessage{
		Event:      "comment-added",
		DocumentID: docID,
		Comment:    comment,
		Author:     AuthorSummary{UserID: c.userID, Name: c.name, AvatarURL: c.avatarURL},
	})
}

func (c *Conn) handleResolveComment(ctx context.Context, docID string, commentID string) {
	if commentID == "" || docID == "" || c.comments == nil {
		c.Enqueue(newError("missing commentId"))
		return
	}
	if err := c.comments.Resolve(ctx, commentID); err != nil {
		if errors.Is(err, store.ErrCommentNotFound) {
			c.Enqueue(newError("comment not found"))
			return
		}
		log.Printf("resolve comment error id=%s: %v", commentID, err)
		c.Enqueue(newError("resolve comment failed"))
		return
	}
	c.hub.Broadcast(docID, CommentResolvedMessage{
		Event:      "comment-resolved",
		DocumentID: docID,
		CommentID:  commentID,
		ResolvedBy: c.userID,
	})
}

// handleHeartbeat 给每个已加入房间的心跳键续期
func (c *Conn) handleHeartbeat(ctx context.Context) {
	if c.presence != nil {
		for docID := range c.joined {
			if err := c.presence.AddMember(ctx, docID, c.userID, c.name, presenceTTL); err != nil {
				log.Printf("heartbeat refresh error doc=%s: %v", docID, err)
			}
		}
	}
	c.Enqueue(FeedbackMessage{Event: "feedback", Message: "heartbeat received"})
}
