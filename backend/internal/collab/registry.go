package collab

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"prdCollabServer/backend/internal/document"
)

// 外部文档存储接口
// 只声明，实现在 store 中
type DocumentStore interface {
	FetchDocument(ctx context.Context, docID string) (content string, updatedAt time.Time, err error)
	SaveDocument(ctx context.Context, docID string, version uint64, content string) error
	CanAccess(ctx context.Context, docID string, userID uint64) (bool, error)
}

var ErrAccessDenied = errors.New("ACCESS_DENIED")

// Snapshot 返回给新加入连接的文档快照
type Snapshot struct {
	Content      string         `json:"content"`
	Version      uint64         `json:"version"`
	Participants []*Participant `json:"participants"`
}

type RegistryOptions struct {
	// 操作滑动窗口容量
	OpLogCap int
	// 每应用多少条操作触发一次异步落库
	CheckpointEvery int
	// 幂等窗口大小（最近应用过的操作 ID 数量）
	DedupWindow int
	// 落库失败的最大重试次数（指数退避）
	SaveMaxRetry uint64
}

func (o *RegistryOptions) withDefaults() {
	if o.OpLogCap <= 0 {
		o.OpLogCap = 100
	}
	if o.CheckpointEvery <= 0 {
		o.CheckpointEvery = 10
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = 256
	}
	if o.SaveMaxRetry == 0 {
		o.SaveMaxRetry = 3
	}
}

// Registry 文档 ID -> 会话 的注册表。惰性创建、参与者清空即驱逐。
// 显式构造并注入到网关，不做包级全局变量，方便用假存储做单测。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session

	// 驱逐后最终落库还在途的文档：docID -> 完成信号。
	// 新加入方必须等这个信号，否则从存储拉到的是落库前的旧内容
	evicting map[string]chan struct{}

	store      DocumentStore
	dispatcher *KafkaDispatcher

	// 并发首次加入同一文档时，只对外部存储发一次 fetch
	sf singleflight.Group

	opt RegistryOptions
}

func NewRegistry(store DocumentStore, dispatcher *KafkaDispatcher, opt RegistryOptions) *Registry {
	opt.withDefaults()
	return &Registry{
		sessions:   make(map[string]*session),
		evicting:   make(map[string]chan struct{}),
		store:      store,
		dispatcher: dispatcher,
		opt:        opt,
	}
}

// getSession 只查不建
func (r *Registry) getSession(docID string) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[docID]
}

// getOrCreateSession 返回已有会话，或从外部存储拉取内容后新建。
// singleflight 保证同一文档的并发首次加入只触发一次 fetch。
func (r *Registry) getOrCreateSession(ctx context.Context, docID string) (*session, error) {
	if s := r.getSession(docID); s != nil {
		return s, nil
	}
	v, err, _ := r.sf.Do(docID, func() (interface{}, error) {
		// 双重检查：singleflight 排队期间可能已有协程建好了
		if s := r.getSession(docID); s != nil {
			return s, nil
		}
		// 该文档刚被驱逐且最终落库还没返回时，先等落库完成再去拉，
		// 不然新会话会以旧内容为权威，后续 checkpoint 反过来覆盖新数据
		r.mu.RLock()
		saving := r.evicting[docID]
		r.mu.RUnlock()
		if saving != nil {
			select {
			case <-saving:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		content, _, err := r.store.FetchDocument(ctx, docID)
		if err != nil {
			return nil, err
		}
		s := newSession(docID, content)
		r.mu.Lock()
		if exist := r.sessions[docID]; exist != nil {
			s = exist
		} else {
			r.sessions[docID] = s
		}
		r.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*session), nil
}

// Join 把参与者加入文档会话（必要时创建会话），返回当前快照。
// 没有访问权限时返回 ErrAccessDenied，不创建任何状态。
func (r *Registry) Join(ctx context.Context, docID string, p *Participant) (*Snapshot, error) {
	ok, err := r.store.CanAccess(ctx, docID, p.UserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAccessDenied
	}

	for {
		s, err := r.getOrCreateSession(ctx, docID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		// 拿到的会话可能刚被驱逐（最终落库在途），换一个重来
		if s.evicted {
			s.mu.Unlock()
			continue
		}
		// 同一用户的重复加入（第二个标签页）复用已有条目
		if _, exists := s.participants[p.UserID]; !exists {
			s.participants[p.UserID] = p
		}
		snap := &Snapshot{
			Content:      s.content,
			Version:      s.version,
			Participants: s.participantList(),
		}
		s.mu.Unlock()
		return snap, nil
	}
}

// Leave 把用户从会话中移除（只在其最后一个连接关闭时调用）。
// 参与者清空时先同步做一次强制落库，再把会话整个驱逐。
// 返回会话是否被驱逐。
func (r *Registry) Leave(ctx context.Context, docID string, userID uint64) (bool, error) {
	s := r.getSession(docID)
	if s == nil {
		return false, nil
	}

	s.mu.Lock()
	delete(s.participants, userID)
	empty := len(s.participants) == 0
	s.mu.Unlock()

	if !empty {
		return false, nil
	}

	// 摘除注册表和登记在途驱逐放在同一把锁里，并在锁内复核空判定：
	// 复核窗口里有人又加入的话会话继续存活，不驱逐
	r.mu.Lock()
	s.mu.Lock()
	if len(s.participants) != 0 {
		s.mu.Unlock()
		r.mu.Unlock()
		return false, nil
	}
	s.evicted = true
	content := s.content
	version := s.version
	s.mu.Unlock()
	delete(r.sessions, docID)
	done := make(chan struct{})
	r.evicting[docID] = done
	r.mu.Unlock()

	// 最后一次落库是同步的：会话马上消失，丢了就真丢了。
	// 落库结束前 evicting 一直挂着，并发 Join 会等它
	err := r.store.SaveDocument(ctx, docID, version, content)

	r.mu.Lock()
	delete(r.evicting, docID)
	r.mu.Unlock()
	close(done)

	if err != nil {
		log.Printf("final checkpoint failed doc=%s ver=%d: %v", docID, version, err)
		return true, err
	}
	return true, nil
}

// ApplyOperation 应用一条编辑操作：解析章节 -> 套用 -> 重组全文 -> 版本 +1。
// 被拒绝的操作不改动任何会话状态；重复投递的操作返回 ErrDuplicateOperation
// （已应用过，调用方不要再广播也不要当作拒绝）。
func (r *Registry) ApplyOperation(ctx context.Context, docID string, op *Operation) error {
	s := r.getSession(docID)
	if s == nil {
		return ErrSessionNotFound
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}

	s.mu.Lock()
	if s.seenOp(op.ID) {
		s.mu.Unlock()
		return ErrDuplicateOperation
	}

	sections := document.ParseSections(s.content)
	if err := applyToSections(sections, op); err != nil {
		s.mu.Unlock()
		return err
	}

	s.content = document.Reassemble(sections)
	s.version++
	s.lastModified = time.Now()
	op.Applied = true
	if op.Timestamp.IsZero() {
		op.Timestamp = s.lastModified
	}
	s.rememberOp(op, r.opt.OpLogCap)
	s.markApplied(op.ID, r.opt.DedupWindow)

	s.opsSinceSave++
	checkpoint := s.opsSinceSave >= r.opt.CheckpointEvery
	if checkpoint {
		s.opsSinceSave = 0
	}
	content := s.content
	version := s.version
	s.mu.Unlock()

	// 攒够一批就异步落库，不阻塞本次编辑
	if checkpoint {
		go r.saveWithRetry(docID, version, content)
	}

	// 应用成功的操作发 Kafka（有界队列 + worker 补发，失败不回滚编辑）
	if r.dispatcher != nil {
		evt := DocOpEvent{
			EventType:   "OP_APPLIED",
			DocID:       docID,
			OperationID: op.ID,
			Version:     version,
			AuthorID:    op.UserID,
			Type:        op.Type,
			Section:     op.Section,
			Position:    op.Position,
			Content:     op.Content,
			Length:      op.Length,
			AppliedAt:   op.Timestamp,
		}
		enqCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if err := r.dispatcher.Enqueue(enqCtx, evt); err != nil {
			log.Printf("kafka enqueue dropped doc=%s op=%s: %v", docID, op.ID, err)
		}
		cancel()
	}
	return nil
}

// saveWithRetry 指数退避重试落库；重试耗尽只打日志，不影响内存态
func (r *Registry) saveWithRetry(docID string, version uint64, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.opt.SaveMaxRetry), ctx)
	err := backoff.Retry(func() error {
		return r.store.SaveDocument(ctx, docID, version, content)
	}, bo)
	if err != nil {
		log.Printf("checkpoint failed doc=%s ver=%d: %v", docID, version, err)
		return
	}

	if s := r.getSession(docID); s != nil {
		s.mu.Lock()
		s.lastSaved = time.Now()
		s.mu.Unlock()
	}
}

// ForceSync 立即同步落库（管理操作/定时备份入口）
func (r *Registry) ForceSync(ctx context.Context, docID string) error {
	s := r.getSession(docID)
	if s == nil {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	content := s.content
	version := s.version
	s.mu.Unlock()

	if err := r.store.SaveDocument(ctx, docID, version, content); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSaved = time.Now()
	s.opsSinceSave = 0
	s.mu.Unlock()
	return nil
}

// UpdateCursor 覆盖参与者的光标位置（last-write-wins，不做冲突处理）
func (r *Registry) UpdateCursor(docID string, userID uint64, cursor CursorPosition) {
	if s := r.getSession(docID); s != nil {
		s.mu.Lock()
		if p := s.participants[userID]; p != nil {
			p.Cursor = &cursor
		}
		s.mu.Unlock()
	}
}

// UpdateSelection 覆盖参与者的选区
func (r *Registry) UpdateSelection(docID string, userID uint64, sel SelectionRange) {
	if s := r.getSession(docID); s != nil {
		s.mu.Lock()
		if p := s.participants[userID]; p != nil {
			p.Selection = &sel
		}
		s.mu.Unlock()
	}
}

// CurrentVersion 返回会话当前版本号；无会话返回 0
func (r *Registry) CurrentVersion(docID string) uint64 {
	s := r.getSession(docID)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// OpsSince 返回滑动窗口里指定版本之后的操作（晚加入的连接追平用）
func (r *Registry) OpsSince(docID string, fromVersion uint64, limit int) []*Operation {
	s := r.getSession(docID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Operation
	for i, op := range s.opLog {
		// 窗口里第 i 条操作对应的版本 = 当前版本 - 窗口长度 + i + 1
		ver := s.version - uint64(len(s.opLog)) + uint64(i) + 1
		if ver > fromVersion {
			out = append(out, op)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// ActiveSessions 当前注册表里的会话数（健康检查用）
func (r *Registry) ActiveSessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
