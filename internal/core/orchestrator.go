package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xiaopang/unlimited2api/internal/config"
	"github.com/xiaopang/unlimited2api/internal/logger"
	"github.com/xiaopang/unlimited2api/internal/metrics"
	"github.com/xiaopang/unlimited2api/internal/model"
	"github.com/xiaopang/unlimited2api/internal/stream"
	"github.com/xiaopang/unlimited2api/internal/token"
)

// thinkingPrompt 注入系统消息的思考提示
const (
	thinkingPrompt       = "请在回答前进行深度思考分析，展示你的推理过程。"
	thinkingSystemPrompt = "你是一个AI助手。请在回答前进行深度思考分析，展示你的推理过程。"
)

// modelCheckKeywords 模型可用性探测请求的常见关键词
var modelCheckKeywords = []string{
	"are you available",
	"test",
	"check",
	"available",
	"可用",
	"测试",
	"检查",
	"模型是否可用",
}

// Orchestrator 串联单次请求的完整链路：租 Token、调上游、
// 失败换 Token 重试、空流重连，流式与非流式共用同一套重试逻辑。
type Orchestrator struct {
	cfg    *config.Config
	broker *token.Broker
	client *Client
	stats  *metrics.Stats
}

// NewOrchestrator 创建编排器
func NewOrchestrator(cfg *config.Config, broker *token.Broker, client *Client, stats *metrics.Stats) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		broker: broker,
		client: client,
		stats:  stats,
	}
}

// validateModel 校验请求的模型，空模型回落到默认值
func (o *Orchestrator) validateModel(req *model.ChatCompletionRequest) *model.APIError {
	if req.Model == "" {
		req.Model = o.cfg.Models.Default
	}
	if _, ok := o.cfg.ModelByID(req.Model); !ok {
		return model.NewAPIError(http.StatusBadRequest, model.CodeInvalidModel,
			"模型 '%s' 不可用，支持的模型: %s", req.Model, strings.Join(o.cfg.ModelIDs(), ", "))
	}
	return nil
}

// thinkingEnabled 请求或模型配置任一开启即启用思考通道
func (o *Orchestrator) thinkingEnabled(req *model.ChatCompletionRequest) bool {
	if req.HasThinking() {
		return true
	}
	mc, ok := o.cfg.ModelByID(req.Model)
	return ok && mc.ThinkingEnabled
}

// buildUpstreamRequest 把 OpenAI 请求转成上游格式。
// 思考模式下向系统消息注入思考提示，没有系统消息则补一条。
func (o *Orchestrator) buildUpstreamRequest(req *model.ChatCompletionRequest, thinking bool) *model.UpstreamChatRequest {
	createdAt := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	messages := make([]model.UpstreamMessage, 0, len(req.Messages)+1)
	for _, m := range req.Messages {
		messages = append(messages, model.UpstreamMessage{
			ID:        uuid.NewString(),
			CreatedAt: createdAt,
			Role:      m.Role,
			Content:   m.Content,
			Parts:     []model.UpstreamPart{{Type: "text", Text: m.Content}},
		})
	}

	upstream := &model.UpstreamChatRequest{
		ID:                uuid.NewString(),
		SelectedChatModel: req.Model,
		Temperature:       req.Temperature,
		MaxOutputTokens:   req.MaxTokens,
	}

	if thinking {
		upstream.Thinking = &model.ThinkingConfig{
			Type:         "enabled",
			BudgetTokens: req.ThinkingBudget(),
		}

		sysIdx := -1
		for i, m := range messages {
			if m.Role == "system" {
				sysIdx = i
				break
			}
		}
		if sysIdx >= 0 {
			content := messages[sysIdx].Content
			if !strings.Contains(content, "深度思考") && !strings.Contains(content, "思考分析") {
				content += "\n" + thinkingPrompt
				messages[sysIdx].Content = content
				messages[sysIdx].Parts = []model.UpstreamPart{{Type: "text", Text: content}}
			}
		} else {
			sys := model.UpstreamMessage{
				ID:        uuid.NewString(),
				CreatedAt: createdAt,
				Role:      "system",
				Content:   thinkingSystemPrompt,
				Parts:     []model.UpstreamPart{{Type: "text", Text: thinkingSystemPrompt}},
			}
			messages = append([]model.UpstreamMessage{sys}, messages...)
		}
	}

	upstream.Messages = messages
	return upstream
}

// isModelCheck 判断请求是否只是客户端的模型可用性探测
func isModelCheck(req *model.ChatCompletionRequest) bool {
	if len(req.Messages) == 0 || len(req.Messages) > 2 {
		return false
	}
	content := strings.ToLower(req.Messages[len(req.Messages)-1].Content)
	for _, kw := range modelCheckKeywords {
		if strings.Contains(content, kw) {
			return true
		}
	}
	return len(content) < 20
}

// defaultResponse 模型探测请求的兜底响应
func defaultResponse(modelID, content string) *model.ChatCompletionResponse {
	if content == "" {
		content = "Model is available."
	}
	return &model.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   modelID,
		Choices: []model.Choice{{
			Index:        0,
			Message:      &model.Message{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: &model.Usage{},
	}
}

func (o *Orchestrator) rateLimitError() *model.APIError {
	return model.NewAPIError(http.StatusTooManyRequests, model.CodeTooManyRequests,
		"IP请求频率超出限制 (%d次/%d秒)，请于%d秒后重新请求",
		o.cfg.RateLimit.MaxRate, o.cfg.RateLimit.TimeWindow, o.cfg.RateLimit.TimeWindow)
}

// lease 获取 Token，失败时折算成对外错误
func (o *Orchestrator) lease(ctx context.Context, clientID string, forceNew bool) (string, *model.APIError) {
	value, err := o.broker.Lease(ctx, clientID, forceNew)
	if err != nil {
		o.stats.Record(false, forceNew, true)
		if forceNew {
			return "", model.NewAPIError(http.StatusGatewayTimeout, model.CodeTokenTimeout, "请求超时，无法获取新Token重试")
		}
		return "", model.NewAPIError(http.StatusUnauthorized, model.CodeInvalidToken, "无法获取有效Token")
	}
	return value, nil
}

// Stream 处理流式请求：每个归一化事件通过 emit 回调交给 HTTP 层。
// emit 返回错误视为调用方断开，租约被释放且不惩罚 Token。
func (o *Orchestrator) Stream(ctx context.Context, req *model.ChatCompletionRequest, clientID string, emit func(*model.StreamChunk) error) *model.APIError {
	if apiErr := o.validateModel(req); apiErr != nil {
		return apiErr
	}
	thinking := o.thinkingEnabled(req)
	upstream := o.buildUpstreamRequest(req, thinking)

	apiToken, apiErr := o.lease(ctx, clientID, false)
	if apiErr != nil {
		return apiErr
	}

	// 先发角色块
	if err := emit(o.newChunk(req.Model, &model.Delta{Role: "assistant"}, "")); err != nil {
		o.broker.ReleaseClient(clientID)
		return nil
	}

	readCtx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.Upstream.ReadTimeout)*time.Second)
	defer cancel()

	tokenRetried := false
	maxRetries := o.cfg.Upstream.MaxRetries

	for attempt := 0; ; attempt++ {
		resp, err := o.client.Chat(readCtx, apiToken, upstream, true)
		if err != nil {
			if ctx.Err() != nil {
				o.broker.ReleaseClient(clientID)
				return nil
			}
			if attempt < maxRetries {
				logger.Warnf("上游请求失败，换Token重试: %v", err)
				if apiToken, apiErr = o.lease(ctx, clientID, true); apiErr != nil {
					return apiErr
				}
				continue
			}
			o.stats.Record(false, tokenRetried, false)
			return model.NewAPIError(http.StatusGatewayTimeout, model.CodeRequestTimeout, "请求超时，请稍后重试")
		}

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && !tokenRetried {
				logger.Warnf("Token可能已失效 [HTTP %d]，尝试获取新Token", resp.StatusCode)
				o.broker.ReportError(apiToken, resp.StatusCode)
				metrics.TokenErrorsTotal.Inc()
				if apiToken, apiErr = o.lease(ctx, clientID, true); apiErr != nil {
					return apiErr
				}
				tokenRetried = true
				continue
			}
			if resp.StatusCode == http.StatusTooManyRequests {
				o.stats.Record(false, tokenRetried, false)
				return o.rateLimitError()
			}
			o.stats.Record(false, tokenRetried, false)
			return model.UpstreamStatusError(resp.StatusCode)
		}

		tr := stream.NewTranscoder(thinking)
		drainErr := stream.Drain(readCtx, resp.Body, tr, o.cfg.EmptyTimeout(), func(ev stream.Event) error {
			return emit(o.eventChunk(req.Model, ev))
		})
		resp.Body.Close()

		switch {
		case drainErr == nil:
			o.stats.Record(true, tokenRetried, false)
			return nil

		case errors.Is(drainErr, stream.ErrEmptyStream):
			logger.Warn("流式响应没有接收到任何内容，重连后重试")
			o.client.Reconnect()
			if attempt < maxRetries {
				if apiToken, apiErr = o.lease(ctx, clientID, true); apiErr != nil {
					return apiErr
				}
				continue
			}
			o.stats.Record(false, tokenRetried, false)
			return model.NewAPIError(http.StatusGatewayTimeout, model.CodeRequestTimeout, "请求超时，请稍后重试")

		case ctx.Err() != nil:
			// 调用方断开：停止驱动读循环，释放（不作废）租约
			o.broker.ReleaseClient(clientID)
			return nil

		default:
			o.stats.Record(false, tokenRetried, false)
			return model.NewAPIError(http.StatusInternalServerError, model.CodeRequestError, "处理请求时出错: %v", drainErr)
		}
	}
}

// Complete 处理非流式请求：内部驱动同一套转换器，聚合全部增量后返回。
func (o *Orchestrator) Complete(ctx context.Context, req *model.ChatCompletionRequest, clientID string) (*model.ChatCompletionResponse, *model.APIError) {
	if apiErr := o.validateModel(req); apiErr != nil {
		return nil, apiErr
	}
	thinking := o.thinkingEnabled(req)
	upstream := o.buildUpstreamRequest(req, thinking)
	modelCheck := isModelCheck(req)

	apiToken, apiErr := o.lease(ctx, clientID, false)
	if apiErr != nil {
		return nil, apiErr
	}

	readCtx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.Upstream.ReadTimeout)*time.Second)
	defer cancel()

	tokenRetried := false
	for attempt := 0; ; attempt++ {
		resp, err := o.client.Chat(readCtx, apiToken, upstream, false)
		if err != nil {
			if attempt < o.cfg.Upstream.MaxRetries {
				logger.Warnf("上游请求失败，换Token重试: %v", err)
				if apiToken, apiErr = o.lease(ctx, clientID, true); apiErr != nil {
					return nil, apiErr
				}
				continue
			}
			o.stats.Record(false, tokenRetried, false)
			return nil, model.NewAPIError(http.StatusGatewayTimeout, model.CodeRequestTimeout, "请求超时，请稍后重试")
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			o.stats.Record(false, tokenRetried, false)
			return nil, model.NewAPIError(http.StatusInternalServerError, model.CodeRequestError, "读取响应失败: %v", readErr)
		}

		if resp.StatusCode != http.StatusOK {
			if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && !tokenRetried {
				logger.Warnf("Token可能已失效 [HTTP %d]，尝试获取新Token", resp.StatusCode)
				o.broker.ReportError(apiToken, resp.StatusCode)
				metrics.TokenErrorsTotal.Inc()
				if apiToken, apiErr = o.lease(ctx, clientID, true); apiErr != nil {
					return nil, apiErr
				}
				tokenRetried = true
				continue
			}
			o.stats.Record(false, tokenRetried, false)
			if resp.StatusCode == http.StatusTooManyRequests {
				return nil, o.rateLimitError()
			}
			return nil, model.UpstreamStatusError(resp.StatusCode)
		}

		result, apiErr := o.parseAggregate(req, body, thinking, modelCheck)
		if apiErr != nil {
			o.stats.Record(false, tokenRetried, false)
			return nil, apiErr
		}
		o.stats.Record(true, tokenRetried, false)
		return result, nil
	}
}

// parseAggregate 解析非流式上游响应：紧凑行格式走转换器聚合，
// 否则按 {result, thinking} JSON 解析。
func (o *Orchestrator) parseAggregate(req *model.ChatCompletionRequest, body []byte, thinking, modelCheck bool) (*model.ChatCompletionResponse, *model.APIError) {
	text := strings.TrimSpace(string(body))

	if text == "" {
		if modelCheck {
			return defaultResponse(req.Model, ""), nil
		}
		return nil, model.NewAPIError(http.StatusInternalServerError, model.CodeEmptyResponse, "API返回空响应")
	}

	if strings.HasPrefix(text, "f:") || strings.HasPrefix(text, "0:") || strings.HasPrefix(text, "data:") {
		tr := stream.NewTranscoder(thinking)
		events := tr.Feed(append([]byte(text), '\n'))
		events = append(events, tr.Finish()...)

		var content, thoughts strings.Builder
		for _, ev := range events {
			content.WriteString(ev.Content)
			thoughts.WriteString(ev.Thinking)
		}
		if content.Len() > 0 {
			result := defaultResponse(req.Model, content.String())
			if thinking {
				result.Thinking = thoughts.String()
			}
			return result, nil
		}
		if modelCheck {
			return defaultResponse(req.Model, ""), nil
		}
		return nil, model.NewAPIError(http.StatusInternalServerError, model.CodeParseError, "无法从上游响应提取内容")
	}

	var upstream model.UpstreamChatResponse
	if err := json.Unmarshal(body, &upstream); err != nil {
		if modelCheck {
			return defaultResponse(req.Model, ""), nil
		}
		return nil, model.NewAPIError(http.StatusInternalServerError, model.CodeInvalidJSON, "API返回非JSON格式响应: %v", err)
	}

	result := defaultResponse(req.Model, stream.FormatMarkdownTitles(upstream.Result))
	if thinking && upstream.Thinking != "" {
		result.Thinking = stream.FormatMarkdownTitles(upstream.Thinking)
	}
	return result, nil
}

// newChunk 构造一个流式响应块
func (o *Orchestrator) newChunk(modelID string, delta *model.Delta, finishReason string) *model.StreamChunk {
	return &model.StreamChunk{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   modelID,
		Choices: []model.Choice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finishReason,
		}},
	}
}

// eventChunk 把转换器事件映射为流式响应块
func (o *Orchestrator) eventChunk(modelID string, ev stream.Event) *model.StreamChunk {
	if ev.Done {
		return o.newChunk(modelID, &model.Delta{}, "stop")
	}
	return o.newChunk(modelID, &model.Delta{Content: ev.Content, Thinking: ev.Thinking}, "")
}
