package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeDocStore 内存版文档存储，记录每次落库调用
type fakeDocStore struct {
	mu       sync.Mutex
	content  map[string]string
	saves    []fakeSave
	denyAll  bool
	fetchErr error
	saveErr  error
	// 非 nil 时 SaveDocument 阻塞等待该通道关闭（模拟慢落库）
	saveGate chan struct{}
}

type fakeSave struct {
	docID   string
	version uint64
	content string
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{content: map[string]string{"doc-1": ""}}
}

func (f *fakeDocStore) FetchDocument(ctx context.Context, docID string) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return "", time.Time{}, f.fetchErr
	}
	content, ok := f.content[docID]
	if !ok {
		return "", time.Time{}, ErrDocumentNotFound
	}
	return content, time.Now(), nil
}

func (f *fakeDocStore) SaveDocument(ctx context.Context, docID string, version uint64, content string) error {
	if f.saveGate != nil {
		<-f.saveGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.content[docID] = content
	f.saves = append(f.saves, fakeSave{docID: docID, version: version, content: content})
	return nil
}

func (f *fakeDocStore) CanAccess(ctx context.Context, docID string, userID uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.denyAll, nil
}

func (f *fakeDocStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func testParticipant(userID uint64) *Participant {
	return &Participant{UserID: userID, Name: fmt.Sprintf("user-%d", userID)}
}

func insertOp(id string, userID uint64, text string) *Operation {
	return &Operation{ID: id, UserID: userID, Type: OpInsert, Section: "introduction", Position: 0, Content: text}
}

func TestJoin_CreatesSessionWithVersionOne(t *testing.T) {
	store := newFakeDocStore()
	r := NewRegistry(store, nil, RegistryOptions{})

	snap, err := r.Join(context.Background(), "doc-1", testParticipant(1))
	if err != nil {
		t.Fatalf("join error: %v", err)
	}
	if snap.Version != 1 {
		t.Fatalf("version = %d, want 1", snap.Version)
	}
	if len(snap.Participants) != 1 {
		t.Fatalf("participants = %d, want 1", len(snap.Participants))
	}
	if r.ActiveSessions() != 1 {
		t.Fatalf("ActiveSessions = %d, want 1", r.ActiveSessions())
	}
}

func TestJoin_AccessDenied(t *testing.T) {
	store := newFakeDocStore()
	store.denyAll = true
	r := NewRegistry(store, nil, RegistryOptions{})

	if _, err := r.Join(context.Background(), "doc-1", testParticipant(1)); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}
	if r.ActiveSessions() != 0 {
		t.Fatalf("denied join must not create session")
	}
}

func TestJoin_DocumentNotFound(t *testing.T) {
	store := newFakeDocStore()
	r := NewRegistry(store, nil, RegistryOptions{})

	if _, err := r.Join(context.Background(), "missing", testParticipant(1)); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("err = %v, want ErrDocumentNotFound", err)
	}
}

func TestApplyOperation_VersionMonotonicity(t *testing.T) {
	store := newFakeDocStore()
	r := NewRegistry(store, nil, RegistryOptions{})
	ctx := context.Background()

	if _, err := r.Join(ctx, "doc-1", testParticipant(1)); err != nil {
		t.Fatalf("join error: %v", err)
	}

	for i := 0; i < 5; i++ {
		op := insertOp(fmt.Sprintf("op-%d", i), 1, "x")
		if err := r.ApplyOperation(ctx, "doc-1", op); err != nil {
			t.Fatalf("apply %d error: %v", i, err)
		}
		if !op.Applied {
			t.Fatalf("op %d not marked applied", i)
		}
	}
	// 初始版本 1，成功 5 次 -> 6
	if got := r.CurrentVersion("doc-1"); got != 6 {
		t.Fatalf("version = %d, want 6", got)
	}
}

func TestApplyOperation_RejectionPurity(t *testing.T) {
	store := newFakeDocStore()
	r := NewRegistry(store, nil, RegistryOptions{})
	ctx := context.Background()

	if _, err := r.Join(ctx, "doc-1", testParticipant(1)); err != nil {
		t.Fatalf("join error: %v", err)
	}
	if err := r.ApplyOperation(ctx, "doc-1", insertOp("op-1", 1, "hello")); err != nil {
		t.Fatalf("apply error: %v", err)
	}

	s := r.getSession("doc-1")
	s.mu.Lock()
	contentBefore := s.content
	versionBefore := s.version
	logBefore := len(s.opLog)
	s.mu.Unlock()

	bad := &Operation{ID: "op-bad", UserID: 1, Type: OpInsert, Section: "introduction", Position: 999, Content: "x"}
	if err := r.ApplyOperation(ctx, "doc-1", bad); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("err = %v, want ErrOutOfBounds", err)
	}
	if bad.Applied {
		t.Fatalf("rejected op marked applied")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.content != contentBefore {
		t.Fatalf("rejected op mutated content")
	}
	if s.version != versionBefore {
		t.Fatalf("rejected op advanced version")
	}
	if len(s.opLog) != logBefore {
		t.Fatalf("rejected op entered the log")
	}
}

func TestApplyOperation_SessionNotFound(t *testing.T) {
	r := NewRegistry(newFakeDocStore(), nil, RegistryOptions{})
	err := r.ApplyOperation(context.Background(), "doc-1", insertOp("op-1", 1, "x"))
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestApplyOperation_DuplicateIgnored(t *testing.T) {
	store := newFakeDocStore()
	r := NewRegistry(store, nil, RegistryOptions{})
	ctx := context.Background()

	if _, err := r.Join(ctx, "doc-1", testParticipant(1)); err != nil {
		t.Fatalf("join error: %v", err)
	}

	op := insertOp("op-dup", 1, "x")
	if err := r.ApplyOperation(ctx, "doc-1", op); err != nil {
		t.Fatalf("first apply error: %v", err)
	}
	versionAfterFirst := r.CurrentVersion("doc-1")

	replay := insertOp("op-dup", 1, "x")
	if err := r.ApplyOperation(ctx, "doc-1", replay); !errors.Is(err, ErrDuplicateOperation) {
		t.Fatalf("err = %v, want ErrDuplicateOperation", err)
	}
	if got := r.CurrentVersion("doc-1"); got != versionAfterFirst {
		t.Fatalf("duplicate advanced version: %d -> %d", versionAfterFirst, got)
	}
}

func TestOperationLogBound(t *testing.T) {
	store := newFakeDocStore()
	r := NewRegistry(store, nil, RegistryOptions{OpLogCap: 100, CheckpointEvery: 1000})
	ctx := context.Background()

	if _, err := r.Join(ctx, "doc-1", testParticipant(1)); err != nil {
		t.Fatalf("join error: %v", err)
	}
	for i := 0; i < 101; i++ {
		if err := r.ApplyOperation(ctx, "doc-1", insertOp(fmt.Sprintf("op-%d", i), 1, "x")); err != nil {
			t.Fatalf("apply %d error: %v", i, err)
		}
	}

	s := r.getSession("doc-1")
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.opLog) != 100 {
		t.Fatalf("log length = %d, want 100", len(s.opLog))
	}
	// 最老的一条（op-0）被挤掉，窗口里是最近 100 条且保持应用顺序
	if s.opLog[0].ID != "op-1" {
		t.Fatalf("oldest in window = %s, want op-1", s.opLog[0].ID)
	}
	if s.opLog[99].ID != "op-100" {
		t.Fatalf("newest in window = %s, want op-100", s.opLog[99].ID)
	}
}

func TestLeave_LastParticipantEvictsAndCheckpointsOnce(t *testing.T) {
	store := newFakeDocStore()
	r := NewRegistry(store, nil, RegistryOptions{CheckpointEvery: 1000})
	ctx := context.Background()

	if _, err := r.Join(ctx, "doc-1", testParticipant(1)); err != nil {
		t.Fatalf("join error: %v", err)
	}
	if err := r.ApplyOperation(ctx, "doc-1", insertOp("op-1", 1, "hello")); err != nil {
		t.Fatalf("apply error: %v", err)
	}
	latest := r.getSession("doc-1").content

	evicted, err := r.Leave(ctx, "doc-1", 1)
	if err != nil {
		t.Fatalf("leave error: %v", err)
	}
	if !evicted {
		t.Fatalf("last leave must evict the session")
	}
	if r.ActiveSessions() != 0 {
		t.Fatalf("session still registered after eviction")
	}
	if store.saveCount() != 1 {
		t.Fatalf("saves = %d, want exactly 1", store.saveCount())
	}
	if store.saves[0].content != latest {
		t.Fatalf("final checkpoint content mismatch")
	}
}

func TestJoin_DuringEvictionWaitsForFinalCheckpoint(t *testing.T) {
	store := newFakeDocStore()
	store.saveGate = make(chan struct{})
	r := NewRegistry(store, nil, RegistryOptions{CheckpointEvery: 1000})
	ctx := context.Background()

	if _, err := r.Join(ctx, "doc-1", testParticipant(1)); err != nil {
		t.Fatalf("join error: %v", err)
	}
	if err := r.ApplyOperation(ctx, "doc-1", insertOp("op-1", 1, "hello")); err != nil {
		t.Fatalf("apply error: %v", err)
	}
	want := r.getSession("doc-1").content

	// Leave 在慢落库上阻塞，会话已摘除但最终内容还没进存储
	leaveDone := make(chan struct{})
	go func() {
		_, _ = r.Leave(ctx, "doc-1", 1)
		close(leaveDone)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for r.ActiveSessions() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session never left the registry")
		}
		time.Sleep(time.Millisecond)
	}

	// 此刻的并发 Join 必须等最终落库返回，不能用旧内容建会话
	type joinResult struct {
		snap *Snapshot
		err  error
	}
	joined := make(chan joinResult, 1)
	go func() {
		snap, err := r.Join(ctx, "doc-1", testParticipant(2))
		joined <- joinResult{snap, err}
	}()

	select {
	case <-joined:
		t.Fatalf("join returned before final checkpoint finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.saveGate)
	<-leaveDone
	res := <-joined
	if res.err != nil {
		t.Fatalf("join error: %v", res.err)
	}
	if res.snap.Content != want {
		t.Fatalf("joiner seeded stale content: got %q, want %q", res.snap.Content, want)
	}
}

func TestLeave_NonLastParticipantKeepsSession(t *testing.T) {
	store := newFakeDocStore()
	r := NewRegistry(store, nil, RegistryOptions{})
	ctx := context.Background()

	if _, err := r.Join(ctx, "doc-1", testParticipant(1)); err != nil {
		t.Fatalf("join error: %v", err)
	}
	if _, err := r.Join(ctx, "doc-1", testParticipant(2)); err != nil {
		t.Fatalf("join error: %v", err)
	}

	evicted, err := r.Leave(ctx, "doc-1", 1)
	if err != nil {
		t.Fatalf("leave error: %v", err)
	}
	if evicted {
		t.Fatalf("session evicted while a participant remains")
	}
	if store.saveCount() != 0 {
		t.Fatalf("no checkpoint expected, got %d", store.saveCount())
	}
}

func TestCheckpoint_TriggeredEveryBatch(t *testing.T) {
	store := newFakeDocStore()
	r := NewRegistry(store, nil, RegistryOptions{CheckpointEvery: 2})
	ctx := context.Background()

	if _, err := r.Join(ctx, "doc-1", testParticipant(1)); err != nil {
		t.Fatalf("join error: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := r.ApplyOperation(ctx, "doc-1", insertOp(fmt.Sprintf("op-%d", i), 1, "x")); err != nil {
			t.Fatalf("apply error: %v", err)
		}
	}

	// 落库是异步的，轮询等待
	deadline := time.Now().Add(2 * time.Second)
	for store.saveCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("checkpoint never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestForceSync_SavesCurrentContent(t *testing.T) {
	store := newFakeDocStore()
	r := NewRegistry(store, nil, RegistryOptions{CheckpointEvery: 1000})
	ctx := context.Background()

	if _, err := r.Join(ctx, "doc-1", testParticipant(1)); err != nil {
		t.Fatalf("join error: %v", err)
	}
	if err := r.ApplyOperation(ctx, "doc-1", insertOp("op-1", 1, "hello")); err != nil {
		t.Fatalf("apply error: %v", err)
	}

	if err := r.ForceSync(ctx, "doc-1"); err != nil {
		t.Fatalf("force sync error: %v", err)
	}
	if store.saveCount() != 1 {
		t.Fatalf("saves = %d, want 1", store.saveCount())
	}
	if store.saves[0].version != 2 {
		t.Fatalf("saved version = %d, want 2", store.saves[0].version)
	}
}

func TestOpsSince_ReturnsOpsAfterVersion(t *testing.T) {
	store := newFakeDocStore()
	r := NewRegistry(store, nil, RegistryOptions{CheckpointEvery: 1000})
	ctx := context.Background()

	if _, err := r.Join(ctx, "doc-1", testParticipant(1)); err != nil {
		t.Fatalf("join error: %v", err)
	}
	// 初始版本 1，第 i 条操作（op-i）应用后版本为 2+i
	for i := 0; i < 5; i++ {
		if err := r.ApplyOperation(ctx, "doc-1", insertOp(fmt.Sprintf("op-%d", i), 1, "x")); err != nil {
			t.Fatalf("apply %d error: %v", i, err)
		}
	}

	ops := r.OpsSince("doc-1", 3, 0)
	if len(ops) != 3 {
		t.Fatalf("ops after version 3 = %d, want 3", len(ops))
	}
	if ops[0].ID != "op-2" || ops[2].ID != "op-4" {
		t.Fatalf("window = [%s .. %s], want [op-2 .. op-4]", ops[0].ID, ops[2].ID)
	}

	// limit 截断
	if ops := r.OpsSince("doc-1", 0, 2); len(ops) != 2 || ops[0].ID != "op-0" {
		t.Fatalf("limited read wrong: %v", ops)
	}

	// 已追平的客户端拿到空
	if ops := r.OpsSince("doc-1", 6, 0); len(ops) != 0 {
		t.Fatalf("caught-up client got %d ops", len(ops))
	}
}

func TestOpsSince_CappedLogKeepsVersionMapping(t *testing.T) {
	store := newFakeDocStore()
	r := NewRegistry(store, nil, RegistryOptions{OpLogCap: 3, CheckpointEvery: 1000})
	ctx := context.Background()

	if _, err := r.Join(ctx, "doc-1", testParticipant(1)); err != nil {
		t.Fatalf("join error: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := r.ApplyOperation(ctx, "doc-1", insertOp(fmt.Sprintf("op-%d", i), 1, "x")); err != nil {
			t.Fatalf("apply %d error: %v", i, err)
		}
	}

	// 窗口里只剩 op-2(ver4) op-3(ver5) op-4(ver6)；版本换算不能错位
	ops := r.OpsSince("doc-1", 4, 0)
	if len(ops) != 2 {
		t.Fatalf("ops after version 4 = %d, want 2", len(ops))
	}
	if ops[0].ID != "op-3" || ops[1].ID != "op-4" {
		t.Fatalf("window = [%s, %s], want [op-3, op-4]", ops[0].ID, ops[1].ID)
	}

	// 请求早于窗口起点：只能给窗口内的，调用方需整份快照重拉
	if ops := r.OpsSince("doc-1", 1, 0); len(ops) != 3 {
		t.Fatalf("full window read = %d, want 3", len(ops))
	}
}

func TestUpdateCursorAndSelection(t *testing.T) {
	store := newFakeDocStore()
	r := NewRegistry(store, nil, RegistryOptions{})
	ctx := context.Background()

	if _, err := r.Join(ctx, "doc-1", testParticipant(1)); err != nil {
		t.Fatalf("join error: %v", err)
	}

	r.UpdateCursor("doc-1", 1, CursorPosition{Section: "appendix", Position: 3})
	r.UpdateSelection("doc-1", 1, SelectionRange{Section: "appendix", Start: 1, End: 4})

	s := r.getSession("doc-1")
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.participants[1]
	if p.Cursor == nil || p.Cursor.Section != "appendix" || p.Cursor.Position != 3 {
		t.Fatalf("cursor not updated: %+v", p.Cursor)
	}
	if p.Selection == nil || p.Selection.Start != 1 || p.Selection.End != 4 {
		t.Fatalf("selection not updated: %+v", p.Selection)
	}
}
