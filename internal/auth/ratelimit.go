package auth

import (
	"sync"
	"time"
)

// Limiter 滑动窗口限速器。记录按标识分桶，
// 窗口内请求数达到上限即拒绝，并给出建议的重试等待时间。
type Limiter struct {
	mu      sync.Mutex
	maxRate int
	window  time.Duration
	records map[string][]time.Time
	now     func() time.Time
}

// NewLimiter 创建限速器，maxRate 为窗口内最大请求数
func NewLimiter(maxRate int, window time.Duration) *Limiter {
	return &Limiter{
		maxRate: maxRate,
		window:  window,
		records: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow 按全局限额检查
func (l *Limiter) Allow(id string) (bool, time.Duration) {
	return l.AllowN(id, l.maxRate)
}

// AllowN 按指定限额检查。允许时记录本次请求；
// 拒绝时返回建议等待时间（最早记录移出窗口所需时间加一秒缓冲）。
func (l *Limiter) AllowN(id string, limit int) (bool, time.Duration) {
	if limit <= 0 {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-l.window)

	valid := l.records[id][:0]
	for _, t := range l.records[id] {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}
	l.records[id] = valid

	if len(valid) >= limit {
		retryAfter := l.window - now.Sub(valid[0]) + time.Second
		return false, retryAfter
	}

	l.records[id] = append(l.records[id], now)
	return true, 0
}

// Remaining 返回窗口内剩余配额
func (l *Limiter) Remaining(id string, limit int) int {
	if limit <= 0 {
		limit = l.maxRate
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	windowStart := l.now().Add(-l.window)
	count := 0
	for _, t := range l.records[id] {
		if t.After(windowStart) {
			count++
		}
	}
	if count >= limit {
		return 0
	}
	return limit - count
}

// Prune 清理窗口外的记录，返回删除的分桶数
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	windowStart := l.now().Add(-l.window)
	removed := 0
	for id, timestamps := range l.records {
		valid := timestamps[:0]
		for _, t := range timestamps {
			if t.After(windowStart) {
				valid = append(valid, t)
			}
		}
		if len(valid) == 0 {
			delete(l.records, id)
			removed++
		} else {
			l.records[id] = valid
		}
	}
	return removed
}
