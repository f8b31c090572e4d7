package store

import (
	"testing"

	"github.com/xiaopang/unlimited2api/internal/model"
)

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, 3)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	if tok, _ := s.AcquireFree("client-a"); tok != nil {
		t.Fatalf("AcquireFree on empty store = %+v, want nil", tok)
	}

	if err := s.Insert(activeToken("tok-1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	tok, err := s.AcquireFree("client-a")
	if err != nil {
		t.Fatalf("AcquireFree: %v", err)
	}
	if tok == nil || tok.LeasedTo != "client-a" || tok.UseCount != 1 {
		t.Fatalf("AcquireFree = %+v, want leased to client-a with use_count 1", tok)
	}
	if tok, _ := s.AcquireFree("client-b"); tok != nil {
		t.Errorf("client-b acquired leased token %q", tok.Value)
	}

	// 记录落盘：重开存储后租约仍然有效
	s2, err := NewFileStore(dir, 3)
	if err != nil {
		t.Fatalf("NewFileStore reopen: %v", err)
	}
	tok, err = s2.AcquireForClient("client-a")
	if err != nil {
		t.Fatalf("AcquireForClient after reopen: %v", err)
	}
	if tok == nil || tok.UseCount != 2 {
		t.Fatalf("AcquireForClient after reopen = %+v, want use_count 2", tok)
	}
}

func TestFileStoreMarkError(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), 3)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := s.Insert(activeToken("tok-1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	var tok *model.Token
	for i := 0; i < 3; i++ {
		tok, err = s.MarkError("tok-1")
		if err != nil {
			t.Fatalf("MarkError #%d: %v", i+1, err)
		}
	}
	if tok.Status != model.TokenInvalid {
		t.Errorf("status after 3 errors = %q, want invalid", tok.Status)
	}
	if got, _ := s.AcquireFree("client-a"); got != nil {
		t.Errorf("acquired invalid token %q", got.Value)
	}
}
