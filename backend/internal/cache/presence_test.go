package cache

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// 需要本地 redis，连不上就跳过
func newTestPresence(t *testing.T) (PresenceCache, redis.UniversalClient) {
	t.Helper()
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{"127.0.0.1:6379"}})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	return NewRedisPresence(rdb), rdb
}

func cleanup(t *testing.T, rdb redis.UniversalClient, docID string, userIDs ...uint64) {
	t.Helper()
	ctx := context.Background()
	rdb.Del(ctx, roomKey(docID), namesKey(docID))
	for _, uid := range userIDs {
		rdb.Del(ctx, memberKey(docID, uid), cursorKey(docID, uid), selectionKey(docID, uid))
	}
}

func TestPresence_AddAndListAliveMembers(t *testing.T) {
	p, rdb := newTestPresence(t)
	ctx := context.Background()
	docID := "presence-test-doc"
	defer cleanup(t, rdb, docID, 11, 12)

	if err := p.AddMember(ctx, docID, 11, "alice", time.Minute); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := p.AddMember(ctx, docID, 12, "bob", time.Minute); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	members, err := p.GetAliveMembersWithNames(ctx, docID)
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("alive members = %d, want 2", len(members))
	}
	names := map[uint64]string{}
	for _, m := range members {
		names[m.UserID] = m.DisplayName
	}
	if names[11] != "alice" || names[12] != "bob" {
		t.Fatalf("names = %v", names)
	}
}

func TestPresence_ExpiredHeartbeatFilteredOut(t *testing.T) {
	p, rdb := newTestPresence(t)
	ctx := context.Background()
	docID := "presence-test-expire"
	defer cleanup(t, rdb, docID, 21, 22)

	if err := p.AddMember(ctx, docID, 21, "alice", time.Minute); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := p.AddMember(ctx, docID, 22, "bob", time.Minute); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	// 模拟心跳过期：删掉 bob 的心跳键但保留集合成员
	if err := rdb.Del(ctx, memberKey(docID, 22)).Err(); err != nil {
		t.Fatalf("del heartbeat key: %v", err)
	}

	members, err := p.GetAliveMembersWithNames(ctx, docID)
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames: %v", err)
	}
	if len(members) != 1 || members[0].UserID != 21 {
		t.Fatalf("alive members = %v, want only user 21", members)
	}
}

func TestPresence_RemoveMemberClearsEverything(t *testing.T) {
	p, rdb := newTestPresence(t)
	ctx := context.Background()
	docID := "presence-test-remove"
	defer cleanup(t, rdb, docID, 31)

	if err := p.AddMember(ctx, docID, 31, "alice", time.Minute); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := p.SetCursor(ctx, docID, 31, []byte(`{"section":"appendix","position":3}`), time.Minute); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	if err := p.RemoveMember(ctx, docID, 31); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}

	ids, err := p.GetMembers(ctx, docID)
	if err != nil {
		t.Fatalf("GetMembers: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("members after remove = %v, want empty", ids)
	}
	if _, err := p.GetCursor(ctx, docID, 31); err != redis.Nil {
		t.Fatalf("cursor after remove: err = %v, want redis.Nil", err)
	}
}

func TestPresence_CursorRoundTrip(t *testing.T) {
	p, rdb := newTestPresence(t)
	ctx := context.Background()
	docID := "presence-test-cursor"
	defer cleanup(t, rdb, docID, 41)

	payload := []byte(`{"section":"user-stories","position":7}`)
	if err := p.SetCursor(ctx, docID, 41, payload, time.Minute); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	got, err := p.GetCursor(ctx, docID, 41)
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("cursor = %s, want %s", got, payload)
	}
}
