package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/xiaopang/unlimited2api/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tokens.db"), 3)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func activeToken(value string) *model.Token {
	now := time.Now()
	return &model.Token{
		Value:      value,
		ObtainedAt: now,
		ExpiresAt:  now.Add(model.TokenLifetime),
		Status:     model.TokenActive,
	}
}

func TestSQLiteAcquireAndLease(t *testing.T) {
	s := newTestSQLite(t)
	if err := s.Insert(activeToken("tok-1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	tok, err := s.AcquireFree("client-a")
	if err != nil {
		t.Fatalf("AcquireFree: %v", err)
	}
	if tok == nil || tok.Value != "tok-1" {
		t.Fatalf("AcquireFree = %+v, want tok-1", tok)
	}
	if tok.LeasedTo != "client-a" || tok.UseCount != 1 {
		t.Errorf("leased_to=%q use_count=%d, want client-a/1", tok.LeasedTo, tok.UseCount)
	}

	// 已租给 a 的 Token 对 b 不可见
	if tok, _ := s.AcquireFree("client-b"); tok != nil {
		t.Errorf("client-b acquired leased token %q", tok.Value)
	}

	// a 自己可以继续用
	tok, err = s.AcquireForClient("client-a")
	if err != nil {
		t.Fatalf("AcquireForClient: %v", err)
	}
	if tok == nil || tok.UseCount != 2 {
		t.Fatalf("AcquireForClient = %+v, want use_count 2", tok)
	}

	// 释放后 b 可以认领
	if err := s.ReleaseLease("client-a"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	tok, err = s.AcquireFree("client-b")
	if err != nil {
		t.Fatalf("AcquireFree after release: %v", err)
	}
	if tok == nil || tok.LeasedTo != "client-b" {
		t.Fatalf("AcquireFree after release = %+v, want leased to client-b", tok)
	}
}

func TestSQLiteSelectionOrder(t *testing.T) {
	s := newTestSQLite(t)

	worn := activeToken("tok-worn")
	worn.UseCount = 10
	fresh := activeToken("tok-fresh")
	errored := activeToken("tok-errored")
	errored.ErrorCount = 2

	for _, tok := range []*model.Token{worn, fresh, errored} {
		if err := s.Insert(tok); err != nil {
			t.Fatalf("Insert(%s): %v", tok.Value, err)
		}
	}

	// error_count 最小优先，同分取 use_count 最小
	tok, err := s.AcquireFree("c1")
	if err != nil {
		t.Fatalf("AcquireFree: %v", err)
	}
	if tok.Value != "tok-fresh" {
		t.Errorf("first pick = %q, want tok-fresh", tok.Value)
	}
	tok, err = s.AcquireFree("c2")
	if err != nil {
		t.Fatalf("AcquireFree: %v", err)
	}
	if tok.Value != "tok-worn" {
		t.Errorf("second pick = %q, want tok-worn", tok.Value)
	}
}

func TestSQLiteErrorThreshold(t *testing.T) {
	s := newTestSQLite(t)
	if err := s.Insert(activeToken("tok-1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	for i := 0; i < 2; i++ {
		tok, err := s.MarkError("tok-1")
		if err != nil {
			t.Fatalf("MarkError #%d: %v", i+1, err)
		}
		if tok.Status != model.TokenActive {
			t.Fatalf("status after %d errors = %q, want active", i+1, tok.Status)
		}
	}

	tok, err := s.MarkError("tok-1")
	if err != nil {
		t.Fatalf("MarkError #3: %v", err)
	}
	if tok.Status != model.TokenInvalid || tok.ErrorCount != 3 {
		t.Errorf("after 3 errors: status=%q error_count=%d, want invalid/3", tok.Status, tok.ErrorCount)
	}
	if tok, _ := s.AcquireFree("client-a"); tok != nil {
		t.Errorf("acquired invalid token %q", tok.Value)
	}

	if _, err := s.MarkError("no-such"); err != ErrTokenNotFound {
		t.Errorf("MarkError(no-such) = %v, want ErrTokenNotFound", err)
	}
}

func TestSQLiteMarkInvalid(t *testing.T) {
	s := newTestSQLite(t)
	if err := s.Insert(activeToken("tok-1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.MarkInvalid("tok-1"); err != nil {
		t.Fatalf("MarkInvalid: %v", err)
	}
	if tok, _ := s.AcquireFree("client-a"); tok != nil {
		t.Errorf("acquired invalid token %q", tok.Value)
	}
	if err := s.MarkInvalid("no-such"); err != ErrTokenNotFound {
		t.Errorf("MarkInvalid(no-such) = %v, want ErrTokenNotFound", err)
	}
}

func TestSQLiteExpirySafetyMargin(t *testing.T) {
	s := newTestSQLite(t)

	// 剩余有效期不足安全边界的 Token 不能被租出
	soon := activeToken("tok-soon")
	soon.ExpiresAt = time.Now().Add(model.ExpirySafetyMargin / 2)
	if err := s.Insert(soon); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if tok, _ := s.AcquireFree("client-a"); tok != nil {
		t.Errorf("acquired near-expiry token %q", tok.Value)
	}
}

func TestSQLiteStaleLeaseReclaim(t *testing.T) {
	s := newTestSQLite(t)

	tok := activeToken("tok-1")
	tok.LeasedTo = "client-gone"
	tok.LeaseTime = time.Now().Add(-model.LeaseStaleAfter - time.Minute)
	if err := s.Insert(tok); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.AcquireFree("client-b")
	if err != nil {
		t.Fatalf("AcquireFree: %v", err)
	}
	if got == nil || got.LeasedTo != "client-b" {
		t.Fatalf("AcquireFree = %+v, want stale lease reclaimed by client-b", got)
	}
}

func TestSQLitePurgeExpired(t *testing.T) {
	s := newTestSQLite(t)

	dead := activeToken("tok-dead")
	dead.ExpiresAt = time.Now().Add(-time.Minute)
	stale := activeToken("tok-stale")
	stale.LeasedTo = "client-gone"
	stale.LeaseTime = time.Now().Add(-model.LeaseStaleAfter - time.Minute)
	live := activeToken("tok-live")

	for _, tok := range []*model.Token{dead, stale, live} {
		if err := s.Insert(tok); err != nil {
			t.Fatalf("Insert(%s): %v", tok.Value, err)
		}
	}

	released, deleted, err := s.PurgeExpired()
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if released != 1 || deleted != 1 {
		t.Errorf("PurgeExpired = (%d, %d), want (1, 1)", released, deleted)
	}

	// 被回收租约的 Token 可重新认领
	got, err := s.AcquireFree("client-b")
	if err != nil {
		t.Fatalf("AcquireFree: %v", err)
	}
	if got == nil {
		t.Fatal("no token acquirable after purge")
	}
}

func TestSQLiteConcurrentClaimNoDoubleLease(t *testing.T) {
	s := newTestSQLite(t)

	const tokens = 4
	const clients = 16
	for i := 0; i < tokens; i++ {
		if err := s.Insert(activeToken(fmt.Sprintf("tok-%d", i))); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	var mu sync.Mutex
	holders := make(map[string][]string)

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			clientID := fmt.Sprintf("client-%d", id)
			tok, err := s.AcquireFree(clientID)
			if err != nil {
				t.Errorf("AcquireFree(%s): %v", clientID, err)
				return
			}
			if tok == nil {
				return
			}
			mu.Lock()
			holders[tok.Value] = append(holders[tok.Value], clientID)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(holders) == 0 {
		t.Fatal("no token claimed by any client")
	}
	for value, owners := range holders {
		if len(owners) > 1 {
			t.Errorf("token %s leased to multiple clients: %v", value, owners)
		}
	}
}
