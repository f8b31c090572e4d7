package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xiaopang/unlimited2api/internal/logger"
	"github.com/xiaopang/unlimited2api/internal/model"
	"github.com/xiaopang/unlimited2api/internal/store"
)

// ErrNoToken 存储里没有可用 Token 且向上游获取也失败了
var ErrNoToken = errors.New("no usable token available")

// clientCacheTTL 客户端亲和缓存的有效期
const clientCacheTTL = time.Hour

type clientLease struct {
	value     string
	expiresAt time.Time
}

// Broker Token 池管理：对每个客户端优先复用其已租用的 Token，
// 池中无可用时向上游取新的。进程内维护一层客户端亲和缓存，
// 减少热路径上的存储查询。
type Broker struct {
	store   store.TokenStore
	fetcher *Fetcher

	mu      sync.Mutex
	clients map[string]clientLease
}

// NewBroker 创建 Broker
func NewBroker(st store.TokenStore, fetcher *Fetcher) *Broker {
	return &Broker{
		store:   st,
		fetcher: fetcher,
		clients: make(map[string]clientLease),
	}
}

// Lease 为客户端租用一个 Token。forceNew 跳过所有缓存直接取新 Token，
// 用于上游报 401/403 之后的重试。
func (b *Broker) Lease(ctx context.Context, clientID string, forceNew bool) (string, error) {
	if !forceNew {
		if value, ok := b.cachedLease(clientID); ok {
			return value, nil
		}

		if clientID != "" {
			tok, err := b.store.AcquireForClient(clientID)
			if err != nil {
				logger.Errorf("查询客户端Token失败: %v", err)
			} else if tok != nil {
				b.cacheLease(clientID, tok.Value)
				return tok.Value, nil
			}
		}

		tok, err := b.store.AcquireFree(clientID)
		if err != nil {
			logger.Errorf("认领空闲Token失败: %v", err)
		} else if tok != nil {
			b.cacheLease(clientID, tok.Value)
			return tok.Value, nil
		}
	}

	value, err := b.fetcher.Fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoToken, err)
	}

	now := time.Now()
	tok := &model.Token{
		Value:      value,
		ObtainedAt: now,
		ExpiresAt:  now.Add(model.TokenLifetime),
		Status:     model.TokenActive,
		LastUsed:   now,
		UseCount:   1,
	}
	if clientID != "" {
		tok.LeasedTo = clientID
		tok.LeaseTime = now
	}
	if err := b.store.Insert(tok); err != nil {
		logger.Errorf("保存新Token失败: %v", err)
	}
	b.cacheLease(clientID, value)
	logger.Infof("已获取新Token: %s...", truncate(value, 10))
	return value, nil
}

// ReportError 记录 Token 使用错误：错误计数加一并清除租约，
// 达到阈值由存储层标记为 invalid。401/403 与其他错误走同一条路径，
// 区别只在调用方是否立即换 Token 重试。
func (b *Broker) ReportError(value string, status int) {
	b.dropCachedValue(value)

	tok, err := b.store.MarkError(value)
	if err != nil {
		if !errors.Is(err, store.ErrTokenNotFound) {
			logger.Errorf("记录Token错误失败: %v", err)
		}
		return
	}
	if tok.Status == model.TokenInvalid {
		logger.Warnf("Token错误次数达到上限，已标记为无效: %s... (HTTP %d)", truncate(value, 10), status)
	} else {
		logger.Infof("Token错误已记录: %s... (HTTP %d, 第%d次)", truncate(value, 10), status, tok.ErrorCount)
	}
}

// Invalidate 作废 Token：清缓存、累加错误计数并套用阈值规则。
// 和 ReportError 走同一条计数路径，错误计数与 invalid 状态保持一致。
func (b *Broker) Invalidate(value string) {
	b.dropCachedValue(value)
	tok, err := b.store.MarkError(value)
	if err != nil {
		if !errors.Is(err, store.ErrTokenNotFound) {
			logger.Errorf("作废Token失败: %v", err)
		}
		return
	}
	if tok.Status == model.TokenInvalid {
		logger.Warnf("Token已标记为无效: %s...", truncate(value, 10))
	}
}

// ReleaseClient 客户端断开后释放其租约（不惩罚 Token）
func (b *Broker) ReleaseClient(clientID string) {
	if clientID == "" {
		return
	}
	b.mu.Lock()
	delete(b.clients, clientID)
	b.mu.Unlock()

	if err := b.store.ReleaseLease(clientID); err != nil {
		logger.Errorf("释放客户端租约失败: %v", err)
	}
}

// Cleanup 周期性维护：回收过期锁定、删除过期 Token、清理亲和缓存
func (b *Broker) Cleanup() (released, deleted int) {
	released, deleted, err := b.store.PurgeExpired()
	if err != nil {
		logger.Errorf("清理过期Token失败: %v", err)
	}

	now := time.Now()
	b.mu.Lock()
	for id, lease := range b.clients {
		if !lease.expiresAt.After(now) {
			delete(b.clients, id)
		}
	}
	b.mu.Unlock()

	if released > 0 || deleted > 0 {
		logger.Infof("清理了%d个过期Token，释放了%d个过期锁定", deleted, released)
	}
	return released, deleted
}

// Warmup 启动时确保池中至少有一个可用 Token
func (b *Broker) Warmup(ctx context.Context) error {
	tok, err := b.store.AcquireFree("")
	if err == nil && tok != nil {
		logger.Infof("Token池已就绪: %s...", truncate(tok.Value, 10))
		return nil
	}

	value, err := b.fetcher.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("warmup: %w", err)
	}
	now := time.Now()
	if err := b.store.Insert(&model.Token{
		Value:      value,
		ObtainedAt: now,
		ExpiresAt:  now.Add(model.TokenLifetime),
		Status:     model.TokenActive,
	}); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}
	logger.Infof("启动预热完成，已获取Token: %s...", truncate(value, 10))
	return nil
}

func (b *Broker) cachedLease(clientID string) (string, bool) {
	if clientID == "" {
		return "", false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	lease, ok := b.clients[clientID]
	if !ok || !lease.expiresAt.After(time.Now()) {
		return "", false
	}
	return lease.value, true
}

func (b *Broker) cacheLease(clientID, value string) {
	if clientID == "" {
		return
	}
	b.mu.Lock()
	b.clients[clientID] = clientLease{value: value, expiresAt: time.Now().Add(clientCacheTTL)}
	b.mu.Unlock()
}

func (b *Broker) dropCachedValue(value string) {
	b.mu.Lock()
	for id, lease := range b.clients {
		if lease.value == value {
			delete(b.clients, id)
		}
	}
	b.mu.Unlock()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
