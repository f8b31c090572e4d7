package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xiaopang/unlimited2api/internal/auth"
	"github.com/xiaopang/unlimited2api/internal/config"
	"github.com/xiaopang/unlimited2api/internal/core"
	"github.com/xiaopang/unlimited2api/internal/metrics"
	"github.com/xiaopang/unlimited2api/internal/model"
	"github.com/xiaopang/unlimited2api/internal/store"
	"github.com/xiaopang/unlimited2api/internal/token"
)

// newTestAPI 组装完整服务栈，chat 扮演上游聊天接口
func newTestAPI(t *testing.T, chat http.HandlerFunc) *gin.Engine {
	t.Helper()

	tokens := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/token", func(w http.ResponseWriter, r *http.Request) {
		tokens++
		fmt.Fprintf(w, `{"token":"tok-%d"}`, tokens)
	})
	mux.HandleFunc("/api/chat", chat)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Upstream.BaseURL = srv.URL
	cfg.Upstream.MaxRetries = 1
	cfg.Upstream.InitialRetryDelayMs = 1
	cfg.Upstream.EmptyResponseTimeout = 0.2
	cfg.RateLimit.Enabled = false

	fetcher := token.NewFetcher(&cfg.Upstream, srv.Client())
	broker := token.NewBroker(store.NewMemoryStore(cfg.Token.ErrorThreshold), fetcher)
	client := core.NewClient(&cfg.Upstream)
	stats := metrics.NewStats()
	orch := core.NewOrchestrator(cfg, broker, client, stats)

	reg, err := auth.NewRegistry(filepath.Join(t.TempDir(), ".KEY"))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	limiter := auth.NewLimiter(cfg.RateLimit.MaxRate, time.Duration(cfg.RateLimit.TimeWindow)*time.Second)

	return SetupRouter(cfg, NewHandler(cfg, orch, stats), reg, limiter)
}

func postJSON(t *testing.T, r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "1.2.3.4:5678"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	r := newTestAPI(t, func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, `{"result":"## 总结\n这是回答正文"}`)
	})

	w := postJSON(t, r, "/v1/chat/completions",
		`{"model":"chat-model-reasoning","messages":[{"role":"user","content":"帮我总结一下今天讨论的内容"}]}`)
	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp model.ChatCompletionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := resp.Choices[0].Message.Content; got != "## 总结\n\n这是回答正文" {
		t.Errorf("content = %q", got)
	}
	if resp.Model != "chat-model-reasoning" {
		t.Errorf("model = %q", resp.Model)
	}
}

func TestChatCompletionsStreaming(t *testing.T) {
	r := newTestAPI(t, func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, "0:\"流式\"\n0:\"输出测试\"\n")
	})

	w := postJSON(t, r, "/v1/chat/completions",
		`{"model":"chat-model-reasoning","stream":true,"messages":[{"role":"user","content":"请用两段话介绍流式输出"}]}`)
	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content-type = %q", ct)
	}

	body := w.Body.String()
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Errorf("stream does not end with [DONE]:\n%s", body)
	}

	var roleSeen, stopSeen bool
	var content strings.Builder
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") || strings.Contains(line, "[DONE]") {
			continue
		}
		var chunk model.StreamChunk
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			t.Fatalf("bad chunk %q: %v", line, err)
		}
		choice := chunk.Choices[0]
		if choice.Delta != nil && choice.Delta.Role == "assistant" {
			roleSeen = true
		}
		if choice.Delta != nil {
			content.WriteString(choice.Delta.Content)
		}
		if choice.FinishReason == "stop" {
			stopSeen = true
		}
	}
	if !roleSeen || !stopSeen {
		t.Errorf("roleSeen = %v, stopSeen = %v", roleSeen, stopSeen)
	}
	if got := content.String(); got != "流式输出测试" {
		t.Errorf("aggregated content = %q", got)
	}
}

func TestChatCompletionsBadRequest(t *testing.T) {
	r := newTestAPI(t, func(w http.ResponseWriter, req *http.Request) {
		t.Error("upstream should not be called")
	})

	w := postJSON(t, r, "/v1/chat/completions", `{not json`)
	if w.Code != 400 {
		t.Fatalf("status = %d", w.Code)
	}
	var resp model.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error.Type != "invalid_request_error" {
		t.Errorf("error type = %q", resp.Error.Type)
	}
}

func TestChatCompletionsUpstreamRateLimited(t *testing.T) {
	r := newTestAPI(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	w := postJSON(t, r, "/v1/chat/completions",
		`{"model":"chat-model-reasoning","messages":[{"role":"user","content":"把这段英文翻译成中文并润色一下"}]}`)
	if w.Code != 429 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp model.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error.Type != "rate_limit_error" || resp.Error.Code != model.CodeTooManyRequests {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestListModels(t *testing.T) {
	r := newTestAPI(t, func(w http.ResponseWriter, req *http.Request) {})

	req := httptest.NewRequest("GET", "/v1/models", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}

	var resp model.ModelsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Object != "list" || len(resp.Data) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Data[0].ID != "chat-model-reasoning" || resp.Data[0].Object != "model" {
		t.Errorf("first model = %+v", resp.Data[0])
	}
}

func TestOpsEndpoints(t *testing.T) {
	r := newTestAPI(t, func(w http.ResponseWriter, req *http.Request) {})

	for _, path := range []string{"/health", "/ping", "/stats", "/metrics"} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != 200 {
			t.Errorf("GET %s = %d", path, w.Code)
		}
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if !strings.Contains(w.Body.String(), "unlimited2api_token_fetches_total") {
		t.Error("metrics output missing token fetch counter")
	}
}

func TestCORSPreflight(t *testing.T) {
	r := newTestAPI(t, func(w http.ResponseWriter, req *http.Request) {})

	req := httptest.NewRequest("OPTIONS", "/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 204 {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q", got)
	}
}
