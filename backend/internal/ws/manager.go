package ws

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"prdCollabServer/backend/internal/cache"
	"prdCollabServer/backend/internal/collab"
	"prdCollabServer/backend/internal/store"
)

// 全局的 WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	hub      *Hub
	svc      collab.Service
	users    *store.UserStore
	comments CommentStore
	presence cache.PresenceCache
	sem      *collab.SemaphoreControl
}

func NewManager(hub *Hub, svc collab.Service, users *store.UserStore, comments CommentStore, presence cache.PresenceCache, sem *collab.SemaphoreControl) *Manager {
	return &Manager{hub: hub, svc: svc, users: users, comments: comments, presence: presence, sem: sem}
}

// WebSocketConnect 鉴权中间件已把 userId 写进上下文；
// 这里再查一次用户记录（token 有效但用户已注销时拒绝连接），
// 然后升级连接、登记进 Hub、进入读写循环。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	user, err := m.users.GetUser(c.Request.Context(), userID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":    "UNAUTHENTICATED",
			"message": "unknown user",
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.hub, user, m.svc, m.comments, m.presence, m.sem)
	m.hub.Register(wsConn)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()

	// 读循环阻塞至连接关闭
	wsConn.readLoop(c.Request.Context())

	// 断线清理：等价于对每个已加入房间补一次 leave。
	// 不用请求上下文：客户端已经断了，最后的强制落库不能跟着被取消
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	wsConn.disconnect(cleanupCtx)
	cancel()
	wsConn.Close()
}
