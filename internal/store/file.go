package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xiaopang/unlimited2api/internal/model"
)

// FileStore 单 Token 文件存储：目录下保存一条 JSON 记录。
// 面向单实例轻量部署，进程内用互斥锁串行化读写。
type FileStore struct {
	mu        sync.Mutex
	path      string
	threshold int
}

// NewFileStore 创建文件存储
func NewFileStore(dir string, errorThreshold int) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{
		path:      filepath.Join(dir, "active_token.json"),
		threshold: errorThreshold,
	}, nil
}

// Close 实现 TokenStore
func (s *FileStore) Close() error { return nil }

func (s *FileStore) load() (*model.Token, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var tok model.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		// 损坏的记录直接丢弃
		os.Remove(s.path)
		return nil, nil
	}
	return &tok, nil
}

func (s *FileStore) save(tok *model.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0644)
}

// AcquireForClient 获取客户端专属 Token
func (s *FileStore) AcquireForClient(clientID string) (*model.Token, error) {
	if clientID == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.load()
	if err != nil || tok == nil {
		return nil, err
	}
	now := time.Now()
	if tok.LeasedTo != clientID || !tok.Usable(now, s.threshold) {
		return nil, nil
	}
	tok.UseCount++
	tok.LastUsed = now
	if err := s.save(tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// AcquireFree 认领文件中的 Token（若空闲或锁定过期）
func (s *FileStore) AcquireFree(clientID string) (*model.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.load()
	if err != nil || tok == nil {
		return nil, err
	}
	now := time.Now()
	if !tok.Usable(now, s.threshold) {
		if tok.ExpiresAt.Before(now.Add(model.ExpirySafetyMargin)) {
			os.Remove(s.path)
		}
		return nil, nil
	}
	if tok.LeasedTo != "" && tok.LeasedTo != clientID && !tok.LeaseStale(now) {
		return nil, nil
	}
	tok.UseCount++
	tok.LastUsed = now
	if clientID != "" {
		tok.LeasedTo = clientID
		tok.LeaseTime = now
	}
	if err := s.save(tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// Insert 写入 Token（覆盖旧记录）
func (s *FileStore) Insert(tok *model.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *tok
	if cp.Status == "" {
		cp.Status = model.TokenActive
	}
	return s.save(&cp)
}

// MarkError 累加错误计数并清除租约
func (s *FileStore) MarkError(value string) (*model.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.load()
	if err != nil {
		return nil, err
	}
	if tok == nil || tok.Value != value {
		return nil, ErrTokenNotFound
	}
	tok.ErrorCount++
	tok.LeasedTo = ""
	tok.LeaseTime = time.Time{}
	if tok.ErrorCount >= s.threshold {
		tok.Status = model.TokenInvalid
	}
	if err := s.save(tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// MarkInvalid 直接标记 invalid
func (s *FileStore) MarkInvalid(value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.load()
	if err != nil {
		return err
	}
	if tok == nil || tok.Value != value {
		return ErrTokenNotFound
	}
	tok.Status = model.TokenInvalid
	tok.LeasedTo = ""
	tok.LeaseTime = time.Time{}
	return s.save(tok)
}

// ReleaseLease 释放客户端租约
func (s *FileStore) ReleaseLease(clientID string) error {
	if clientID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.load()
	if err != nil || tok == nil {
		return err
	}
	if tok.LeasedTo == clientID {
		tok.LeasedTo = ""
		tok.LeaseTime = time.Time{}
		return s.save(tok)
	}
	return nil
}

// PurgeExpired 删除过期记录、回收过期锁定
func (s *FileStore) PurgeExpired() (released, deleted int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.load()
	if err != nil || tok == nil {
		return 0, 0, err
	}
	now := time.Now()
	if tok.ExpiresAt.Before(now) {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return 0, 0, err
		}
		return 0, 1, nil
	}
	if tok.LeaseStale(now) {
		tok.LeasedTo = ""
		tok.LeaseTime = time.Time{}
		if err := s.save(tok); err != nil {
			return 0, 0, err
		}
		return 1, 0, nil
	}
	return 0, 0, nil
}
