package ws

import (
	"sync"
)

// Hub 房间与连接的注册表。
// rooms 按文档分组广播；userConns/connUsers 维护 用户<->连接 的双向映射，
// 因为一个用户可以开多个标签页/设备，离开判定要看“这个用户还有没有
// 其他活着的连接”，不能见一个连接断了就把人移掉。
type Hub struct {
	mu sync.RWMutex
	// docID -> set of connections
	rooms map[string]map[*Conn]struct{}
	// userID -> set of connections（跨房间）
	userConns map[uint64]map[*Conn]struct{}
	// 反向映射
	connUsers map[*Conn]uint64
}

func NewHub() *Hub {
	return &Hub{
		rooms:     make(map[string]map[*Conn]struct{}),
		userConns: make(map[uint64]map[*Conn]struct{}),
		connUsers: make(map[*Conn]uint64),
	}
}

// Register 连接通过认证后登记进用户映射
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.userConns[c.userID] == nil {
		h.userConns[c.userID] = make(map[*Conn]struct{})
	}
	h.userConns[c.userID][c] = struct{}{}
	h.connUsers[c] = c.userID
}

// Unregister 连接关闭时从用户映射摘除
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.userConns[c.userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.userConns, c.userID)
		}
	}
	delete(h.connUsers, c)
}

// Join 将连接加入指定文档房间
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		// 房间里存的是连接不是 userID：广播要逐连接发
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

// Leave 将连接从指定文档房间移除
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

// UserConnsInDoc 某用户在某房间里还有几个连接（多标签页判定）
func (h *Hub) UserConnsInDoc(docID string, userID uint64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.rooms[docID] {
		if c.userID == userID {
			n++
		}
	}
	return n
}

// Broadcast 发给房间里所有连接（含发起方）
func (h *Hub) Broadcast(docID string, msg OutboundMessage) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[docID]))
	for c := range h.rooms[docID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Enqueue(msg)
	}
}

// BroadcastExcept 发给房间里除 except 外的连接
func (h *Hub) BroadcastExcept(docID string, except *Conn, msg OutboundMessage) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[docID]))
	for c := range h.rooms[docID] {
		if c != except {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Enqueue(msg)
	}
}
