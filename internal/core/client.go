package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/xiaopang/unlimited2api/internal/config"
	"github.com/xiaopang/unlimited2api/internal/model"
	"github.com/xiaopang/unlimited2api/internal/token"
)

// Client 上游聊天接口客户端。流式请求不能用 http.Client 的整体超时
// （会截断响应体读取），连接超时走 Transport，读超时由调用方通过 context 控制。
type Client struct {
	http    *http.Client
	baseURL string
}

// NewClient 创建上游客户端
func NewClient(cfg *config.UpstreamConfig) *Client {
	connectTimeout := time.Duration(cfg.ConnectTimeout) * time.Second
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: connectTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		http:    &http.Client{Transport: transport},
		baseURL: cfg.BaseURL,
	}
}

// Chat 发起上游聊天请求。stream 为真时请求 SSE 流。
// 调用方负责关闭返回的响应体。
func (c *Client) Chat(ctx context.Context, apiToken string, body *model.UpstreamChatRequest, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	token.RandomProfile().Apply(req.Header, c.baseURL)
	req.Header.Set("content-type", "application/json")
	req.Header.Set("origin", c.baseURL)
	req.Header.Set("referer", fmt.Sprintf("%s/chat/%s", c.baseURL, body.ID))
	req.Header.Set("x-api-token", apiToken)
	if stream {
		req.Header.Set("accept", "text/event-stream")
	}

	return c.http.Do(req)
}

// Reconnect 丢弃连接池里的空闲连接。空流通常是上游半关连接导致，
// 重建连接后重试往往能恢复。
func (c *Client) Reconnect() {
	c.http.CloseIdleConnections()
}
