// Package metrics 暴露 Prometheus 指标与进程内请求统计。
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RequestsTotal 按端点与结果分类的请求计数
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unlimited2api",
		Name:      "requests_total",
		Help:      "Total inbound API requests by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	// RequestDuration 请求耗时分布
	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "unlimited2api",
		Name:      "request_duration_seconds",
		Help:      "Inbound request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint"})

	// TokenFetchesTotal 上游 Token 获取次数
	TokenFetchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "unlimited2api",
		Name:      "token_fetches_total",
		Help:      "Upstream token fetch attempts.",
	})

	// TokenErrorsTotal Token 使用错误次数
	TokenErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "unlimited2api",
		Name:      "token_errors_total",
		Help:      "Token errors reported against upstream responses.",
	})

	// RateLimitedTotal 被限速拒绝的请求数
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "unlimited2api",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the sliding-window rate limiter.",
	})
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		TokenFetchesTotal,
		TokenErrorsTotal,
		RateLimitedTotal,
	)
}

// Stats 进程内请求统计，供 /stats 端点查询
type Stats struct {
	mu            sync.Mutex
	total         int64
	successful    int64
	tokenRetries  int64
	tokenFailures int64
	started       time.Time
}

// NewStats 创建统计器
func NewStats() *Stats {
	return &Stats{started: time.Now()}
}

// Record 记录一次请求结果
func (s *Stats) Record(success, tokenRetry, tokenFailure bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if success {
		s.successful++
	}
	if tokenRetry {
		s.tokenRetries++
	}
	if tokenFailure {
		s.tokenFailures++
	}
}

// Snapshot 统计快照
type Snapshot struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	SuccessRate        float64 `json:"success_rate"`
	TokenRetries       int64   `json:"token_retries"`
	TokenFailures      int64   `json:"token_failures"`
	UptimeSeconds      float64 `json:"uptime_seconds"`
}

// Snapshot 返回当前统计快照
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	rate := 0.0
	if s.total > 0 {
		rate = float64(s.successful) / float64(s.total)
	}
	return Snapshot{
		TotalRequests:      s.total,
		SuccessfulRequests: s.successful,
		FailedRequests:     s.total - s.successful,
		SuccessRate:        rate,
		TokenRetries:       s.tokenRetries,
		TokenFailures:      s.tokenFailures,
		UptimeSeconds:      time.Since(s.started).Seconds(),
	}
}
