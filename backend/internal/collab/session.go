package collab

import (
	"sync"
	"time"
)

// CursorPosition 光标位置（章节内 rune 偏移）
type CursorPosition struct {
	Section  string `json:"section"`
	Position int    `json:"position"`
}

// SelectionRange 选区范围
type SelectionRange struct {
	Section string `json:"section"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
}

// Participant 加入文档的用户。身份字段在加入时从已认证用户复制；
// 一个用户开多个标签页也只占一个 Participant 条目。
type Participant struct {
	UserID    uint64          `json:"userId"`
	Name      string          `json:"name"`
	Email     string          `json:"email"`
	AvatarURL string          `json:"avatarUrl"`
	Cursor    *CursorPosition `json:"cursor,omitempty"`
	Selection *SelectionRange `json:"selection,omitempty"`
}

// session 一份正在被编辑的文档的内存态。
// 本身不持久化，只有 content 会被定期落库；
// participants 清空时整个会话从注册表中驱逐。
type session struct {
	mu sync.Mutex

	docID        string
	content      string
	version      uint64
	lastModified time.Time
	lastSaved    time.Time

	participants map[uint64]*Participant

	// 最近 N 条已应用操作的滑动窗口（追平/排查用，不是审计日志）
	opLog []*Operation

	// 幂等窗口：最近应用过的操作 ID。客户端重发同一操作时直接忽略，
	// 防止二次套用。appliedOrder 充当 FIFO，控制窗口大小。
	appliedIDs   map[string]struct{}
	appliedOrder []string

	// 距上次落库以来应用的操作数，攒够一批就异步保存
	opsSinceSave int

	// 会话已被驱逐（最终落库进行中或已完成），不再接收新参与者
	evicted bool
}

func newSession(docID, content string) *session {
	return &session{
		docID:        docID,
		content:      content,
		version:      1,
		lastModified: time.Now(),
		participants: make(map[uint64]*Participant),
		appliedIDs:   make(map[string]struct{}),
	}
}

// rememberOp 把操作追加到滑动窗口，超出容量丢弃最老的一条
func (s *session) rememberOp(op *Operation, cap int) {
	if cap > 0 && len(s.opLog) >= cap {
		s.opLog = s.opLog[1:]
	}
	s.opLog = append(s.opLog, op)
}

// markApplied 记录操作 ID 进幂等窗口
func (s *session) markApplied(opID string, window int) {
	if opID == "" {
		return
	}
	if window > 0 && len(s.appliedOrder) >= window {
		oldest := s.appliedOrder[0]
		s.appliedOrder = s.appliedOrder[1:]
		delete(s.appliedIDs, oldest)
	}
	s.appliedIDs[opID] = struct{}{}
	s.appliedOrder = append(s.appliedOrder, opID)
}

func (s *session) seenOp(opID string) bool {
	if opID == "" {
		return false
	}
	_, ok := s.appliedIDs[opID]
	return ok
}

// participantList 参与者快照（稳定序：按加入先后没有保证，调用方不要依赖顺序）
func (s *session) participantList() []*Participant {
	out := make([]*Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p)
	}
	return out
}
