package store

import (
	"errors"

	"github.com/xiaopang/unlimited2api/internal/config"
	"github.com/xiaopang/unlimited2api/internal/logger"
	"github.com/xiaopang/unlimited2api/internal/model"
)

// ErrTokenNotFound 指定 Token 不存在
var ErrTokenNotFound = errors.New("token not found")

// TokenStore Token 持久化抽象。实现必须保证并发调用安全，
// AcquireFree 必须以单步原子操作完成"选中并租出"，避免两个调用方拿到同一个 Token。
type TokenStore interface {
	// AcquireForClient 返回已租给该客户端且仍可用的 Token，不存在时返回 (nil, nil)
	AcquireForClient(clientID string) (*model.Token, error)
	// AcquireFree 原子地选中一个空闲（或锁定已过期的）可用 Token 并租给 clientID；
	// 多个候选时优先 error_count 最小、其次 use_count 最小。clientID 为空时只取不租。
	AcquireFree(clientID string) (*model.Token, error)
	// Insert 写入新 Token 记录
	Insert(tok *model.Token) error
	// MarkError 累加错误计数并清除租约；达到错误阈值时标记为 invalid。返回更新后的记录。
	MarkError(value string) (*model.Token, error)
	// MarkInvalid 直接标记 Token 为 invalid 并清除租约
	MarkInvalid(value string) error
	// ReleaseLease 释放该客户端持有的全部租约（不惩罚 Token）
	ReleaseLease(clientID string) error
	// PurgeExpired 回收过期锁定并删除已过期 Token，返回 (释放数, 删除数)
	PurgeExpired() (released, deleted int, err error)
	Close() error
}

// New 按配置选择存储后端
func New(cfg *config.TokenConfig) (TokenStore, error) {
	switch cfg.StorageType {
	case "memory":
		return NewMemoryStore(cfg.ErrorThreshold), nil
	case "file":
		return NewFileStore(cfg.StoragePath, cfg.ErrorThreshold)
	case "redis":
		// redis 后端尚未实现，回退 SQLite
		logger.Warn("redis storage not implemented, falling back to sqlite")
		return NewSQLiteStore(cfg.DBPath, cfg.ErrorThreshold)
	default:
		return NewSQLiteStore(cfg.DBPath, cfg.ErrorThreshold)
	}
}
