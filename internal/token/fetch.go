package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xiaopang/unlimited2api/internal/config"
	"github.com/xiaopang/unlimited2api/internal/logger"
	"github.com/xiaopang/unlimited2api/internal/metrics"
	"github.com/xiaopang/unlimited2api/internal/model"
)

// BrowserProfile 一套浏览器指纹请求头。
// Firefox 和 Safari 不发送 sec-ch-ua 系列，对应字段留空。
type BrowserProfile struct {
	UserAgent       string
	Accept          string
	AcceptLanguage  string
	SecChUA         string
	SecChUAMobile   string
	SecChUAPlatform string
	SecFetchDest    string
	SecFetchMode    string
	SecFetchSite    string
}

var browserProfiles = []BrowserProfile{
	// Chrome Windows
	{
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/135.0.0.0 Safari/537.36",
		Accept:          "*/*",
		AcceptLanguage:  "zh-CN,zh;q=0.9,en;q=0.8",
		SecChUA:         `"Google Chrome";v="135", "Not-A.Brand";v="8", "Chromium";v="135"`,
		SecChUAMobile:   "?0",
		SecChUAPlatform: `"Windows"`,
		SecFetchDest:    "empty",
		SecFetchMode:    "cors",
		SecFetchSite:    "same-origin",
	},
	// Chrome macOS
	{
		UserAgent:       "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/135.0.0.0 Safari/537.36",
		Accept:          "*/*",
		AcceptLanguage:  "zh-CN,zh;q=0.9,en;q=0.8",
		SecChUA:         `"Google Chrome";v="135", "Not-A.Brand";v="8", "Chromium";v="135"`,
		SecChUAMobile:   "?0",
		SecChUAPlatform: `"macOS"`,
		SecFetchDest:    "empty",
		SecFetchMode:    "cors",
		SecFetchSite:    "same-origin",
	},
	// Chrome Linux
	{
		UserAgent:       "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/135.0.0.0 Safari/537.36",
		Accept:          "*/*",
		AcceptLanguage:  "zh-CN,zh;q=0.9,en;q=0.8",
		SecChUA:         `"Google Chrome";v="135", "Not-A.Brand";v="8", "Chromium";v="135"`,
		SecChUAMobile:   "?0",
		SecChUAPlatform: `"Linux"`,
		SecFetchDest:    "empty",
		SecFetchMode:    "cors",
		SecFetchSite:    "same-origin",
	},
	// Firefox Windows
	{
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/119.0",
		Accept:         "*/*",
		AcceptLanguage: "zh-CN,zh;q=0.9,en;q=0.8",
		SecFetchDest:   "empty",
		SecFetchMode:   "cors",
		SecFetchSite:   "same-origin",
	},
	// Safari macOS
	{
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15",
		Accept:         "*/*",
		AcceptLanguage: "zh-CN,zh;q=0.9,en;q=0.8",
		SecFetchDest:   "empty",
		SecFetchMode:   "cors",
		SecFetchSite:   "same-origin",
	},
	// Edge Windows
	{
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Edge/121.0.0.0 Safari/537.36",
		Accept:          "*/*",
		AcceptLanguage:  "zh-CN,zh;q=0.9,en;q=0.8",
		SecChUA:         `"Microsoft Edge";v="121", "Not-A.Brand";v="8", "Chromium";v="121"`,
		SecChUAMobile:   "?0",
		SecChUAPlatform: `"Windows"`,
		SecFetchDest:    "empty",
		SecFetchMode:    "cors",
		SecFetchSite:    "same-origin",
	},
}

var (
	profileRandMu sync.Mutex
	profileRand   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// RandomProfile 随机挑一套浏览器指纹
func RandomProfile() BrowserProfile {
	profileRandMu.Lock()
	defer profileRandMu.Unlock()
	return browserProfiles[profileRand.Intn(len(browserProfiles))]
}

// Apply 把指纹写入请求头
func (p BrowserProfile) Apply(h http.Header, baseURL string) {
	h.Set("accept", p.Accept)
	h.Set("accept-language", p.AcceptLanguage)
	h.Set("priority", "u=1, i")
	h.Set("referer", fmt.Sprintf("%s/chat/%s", baseURL, uuid.NewString()))
	h.Set("user-agent", p.UserAgent)
	if p.SecChUA != "" {
		h.Set("sec-ch-ua", p.SecChUA)
		h.Set("sec-ch-ua-mobile", p.SecChUAMobile)
		h.Set("sec-ch-ua-platform", p.SecChUAPlatform)
	}
	h.Set("sec-fetch-dest", p.SecFetchDest)
	h.Set("sec-fetch-mode", p.SecFetchMode)
	h.Set("sec-fetch-site", p.SecFetchSite)
}

// Backoff 指数退避延迟：min(base·2^attempt, ceiling) 乘 0.8~1.2 的随机抖动
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	delay := base << uint(attempt)
	if delay > ceiling || delay <= 0 {
		delay = ceiling
	}
	profileRandMu.Lock()
	jitter := 0.8 + 0.4*profileRand.Float64()
	profileRandMu.Unlock()
	return time.Duration(float64(delay) * jitter)
}

// Fetcher 向上游 token 端点取新凭证，429/5xx 和网络错误按退避重试
type Fetcher struct {
	client     *http.Client
	baseURL    string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	sleep func(time.Duration)
}

// NewFetcher 创建 Fetcher
func NewFetcher(cfg *config.UpstreamConfig, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: time.Duration(cfg.ConnectTimeout) * time.Second}
	}
	return &Fetcher{
		client:     client,
		baseURL:    cfg.BaseURL,
		maxRetries: cfg.MaxRetries,
		baseDelay:  time.Duration(cfg.InitialRetryDelayMs) * time.Millisecond,
		maxDelay:   time.Duration(cfg.MaxRetryDelayMs) * time.Millisecond,
		sleep:      time.Sleep,
	}
}

// Fetch 获取新 Token
func (f *Fetcher) Fetch(ctx context.Context) (string, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		token, retryable, err := f.fetchOnce(ctx)
		if err == nil {
			return token, nil
		}
		lastErr = err
		if !retryable || attempt >= f.maxRetries {
			return "", lastErr
		}
		delay := Backoff(attempt, f.baseDelay, f.maxDelay)
		logger.Warnf("获取Token失败，%v 后重试 (%d/%d): %v", delay, attempt+1, f.maxRetries, err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		f.sleep(delay)
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context) (token string, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/api/token", nil)
	if err != nil {
		return "", false, err
	}
	RandomProfile().Apply(req.Header, f.baseURL)

	resp, err := f.client.Do(req)
	if err != nil {
		// 网络层错误同样重试
		return "", true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return "", true, fmt.Errorf("token endpoint returned HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("token endpoint returned HTTP %d", resp.StatusCode)
	}

	var body model.UpstreamTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", false, fmt.Errorf("decode token response: %w", err)
	}
	if body.Token == "" {
		return "", false, fmt.Errorf("token response missing token field")
	}
	metrics.TokenFetchesTotal.Inc()
	return body.Token, false, nil
}
