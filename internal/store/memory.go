package store

import (
	"sync"
	"time"

	"github.com/xiaopang/unlimited2api/internal/model"
)

// MemoryStore 进程内 Token 存储。单把互斥锁同时保护 map 与租约字段。
type MemoryStore struct {
	mu        sync.Mutex
	tokens    map[string]*model.Token
	threshold int
}

// NewMemoryStore 创建内存存储
func NewMemoryStore(errorThreshold int) *MemoryStore {
	return &MemoryStore{
		tokens:    make(map[string]*model.Token),
		threshold: errorThreshold,
	}
}

// Close 实现 TokenStore
func (s *MemoryStore) Close() error { return nil }

func copyToken(t *model.Token) *model.Token {
	cp := *t
	return &cp
}

// AcquireForClient 获取客户端专属 Token
func (s *MemoryStore) AcquireForClient(clientID string) (*model.Token, error) {
	if clientID == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, t := range s.tokens {
		if t.LeasedTo == clientID && t.Usable(now, s.threshold) {
			t.UseCount++
			t.LastUsed = now
			return copyToken(t), nil
		}
	}
	return nil, nil
}

// AcquireFree 选中并租出最优候选，全程持锁保证原子性
func (s *MemoryStore) AcquireFree(clientID string) (*model.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var best *model.Token
	for _, t := range s.tokens {
		if !t.Usable(now, s.threshold) {
			continue
		}
		if t.LeasedTo != "" && t.LeasedTo != clientID && !t.LeaseStale(now) {
			continue
		}
		if best == nil ||
			t.ErrorCount < best.ErrorCount ||
			(t.ErrorCount == best.ErrorCount && t.UseCount < best.UseCount) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}

	best.UseCount++
	best.LastUsed = now
	if clientID != "" {
		best.LeasedTo = clientID
		best.LeaseTime = now
	}
	return copyToken(best), nil
}

// Insert 写入新 Token
func (s *MemoryStore) Insert(tok *model.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *tok
	if cp.Status == "" {
		cp.Status = model.TokenActive
	}
	s.tokens[cp.Value] = &cp
	return nil
}

// MarkError 累加错误计数并清除租约
func (s *MemoryStore) MarkError(value string) (*model.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[value]
	if !ok {
		return nil, ErrTokenNotFound
	}
	t.ErrorCount++
	t.LeasedTo = ""
	t.LeaseTime = time.Time{}
	if t.ErrorCount >= s.threshold {
		t.Status = model.TokenInvalid
	}
	return copyToken(t), nil
}

// MarkInvalid 直接标记 invalid
func (s *MemoryStore) MarkInvalid(value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[value]
	if !ok {
		return ErrTokenNotFound
	}
	t.Status = model.TokenInvalid
	t.LeasedTo = ""
	t.LeaseTime = time.Time{}
	return nil
}

// ReleaseLease 释放客户端租约
func (s *MemoryStore) ReleaseLease(clientID string) error {
	if clientID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tokens {
		if t.LeasedTo == clientID {
			t.LeasedTo = ""
			t.LeaseTime = time.Time{}
		}
	}
	return nil
}

// PurgeExpired 回收过期锁定并删除过期 Token
func (s *MemoryStore) PurgeExpired() (released, deleted int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for v, t := range s.tokens {
		if t.ExpiresAt.Before(now) {
			delete(s.tokens, v)
			deleted++
			continue
		}
		if t.LeaseStale(now) {
			t.LeasedTo = ""
			t.LeaseTime = time.Time{}
			released++
		}
	}
	return released, deleted, nil
}
