package model

import "time"

// TokenStatus Token 生命周期状态
type TokenStatus string

const (
	TokenActive  TokenStatus = "active"
	TokenExpired TokenStatus = "expired"
	TokenInvalid TokenStatus = "invalid"
)

const (
	// ExpirySafetyMargin 过期安全边界：距离过期不足该时间的 Token 视为不可用
	ExpirySafetyMargin = 5 * time.Minute
	// LeaseStaleAfter 租约超过该时间未释放视为过期锁定，可被其他客户端回收
	LeaseStaleAfter = 10 * time.Minute
	// TokenLifetime 上游 Token 的默认有效期
	TokenLifetime = time.Hour
)

// Token 上游凭证记录
type Token struct {
	Value      string      `json:"value"`
	ObtainedAt time.Time   `json:"obtained_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
	Status     TokenStatus `json:"status"`
	LastUsed   time.Time   `json:"last_used"`
	UseCount   int         `json:"use_count"`
	ErrorCount int         `json:"error_count"`
	LeasedTo   string      `json:"leased_to,omitempty"`
	LeaseTime  time.Time   `json:"lease_time,omitempty"`
}

// Usable 判断 Token 在给定时刻是否可用（含安全边界）
func (t *Token) Usable(now time.Time, errorThreshold int) bool {
	if t.Status != TokenActive {
		return false
	}
	if t.ErrorCount >= errorThreshold {
		return false
	}
	return t.ExpiresAt.After(now.Add(ExpirySafetyMargin))
}

// LeaseStale 判断租约是否已过期锁定
func (t *Token) LeaseStale(now time.Time) bool {
	if t.LeasedTo == "" {
		return false
	}
	return !t.LeaseTime.IsZero() && now.Sub(t.LeaseTime) > LeaseStaleAfter
}
