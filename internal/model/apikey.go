package model

import "time"

// RateMode API 密钥的限速模式
type RateMode string

const (
	RateModeInherit RateMode = ""         // 跟随全局设置
	RateModeLimit   RateMode = "rate_limit" // 强制限速
	RateModeNoLimit RateMode = "no_limit"   // 免限速
)

// APIKeyPolicy 密钥策略（由密钥文件加载，只读消费）
type APIKeyPolicy struct {
	Name       string     `json:"name"`
	Expiry     *time.Time `json:"expiry,omitempty"` // nil 表示永久有效
	RateMode   RateMode   `json:"rate_mode"`
	CustomRate int        `json:"custom_rate,omitempty"` // 0 表示使用全局限额
}

// Expired 判断密钥在给定时刻是否已过期
func (p *APIKeyPolicy) Expired(now time.Time) bool {
	return p.Expiry != nil && !p.Expiry.After(now)
}

// ClientInfo 请求方身份（存入 gin.Context）
type ClientInfo struct {
	IP      string // 客户端 IP
	Key     string // 提供的 API Key 原文（未启用密钥保护时为空）
	KeyName string // 密钥名称
}

// Identity 返回用于 Token 租约与限速的客户端标识
func (c *ClientInfo) Identity() string {
	if c == nil {
		return ""
	}
	return c.IP
}
