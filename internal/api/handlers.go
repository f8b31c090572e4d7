package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xiaopang/unlimited2api/internal/auth"
	"github.com/xiaopang/unlimited2api/internal/config"
	"github.com/xiaopang/unlimited2api/internal/core"
	"github.com/xiaopang/unlimited2api/internal/metrics"
	"github.com/xiaopang/unlimited2api/internal/model"
)

// Handler OpenAI 兼容接口处理器
type Handler struct {
	cfg   *config.Config
	orch  *core.Orchestrator
	stats *metrics.Stats
}

// NewHandler 创建处理器
func NewHandler(cfg *config.Config, orch *core.Orchestrator, stats *metrics.Stats) *Handler {
	return &Handler{
		cfg:   cfg,
		orch:  orch,
		stats: stats,
	}
}

// ChatCompletions 聊天补全
func (h *Handler) ChatCompletions(c *gin.Context) {
	start := time.Now()

	var req model.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "Invalid request: " + err.Error(),
				Type:    "invalid_request_error",
			},
		})
		return
	}

	clientID := auth.ClientFrom(c).Identity()

	if req.Stream {
		h.streamCompletion(c, &req, clientID, start)
		return
	}

	resp, apiErr := h.orch.Complete(c.Request.Context(), &req, clientID)
	metrics.RequestDuration.WithLabelValues("chat").Observe(time.Since(start).Seconds())
	if apiErr != nil {
		metrics.RequestsTotal.WithLabelValues("chat", "error").Inc()
		c.JSON(apiErr.Status, apiErr.ToResponse())
		return
	}
	metrics.RequestsTotal.WithLabelValues("chat", "ok").Inc()
	c.JSON(200, resp)
}

// streamCompletion SSE 流式输出。一旦开始写流就不能再改状态码，
// 之后的错误以 SSE 数据帧的形式发给客户端。
func (h *Handler) streamCompletion(c *gin.Context, req *model.ChatCompletionRequest, clientID string, start time.Time) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	wrote := false
	apiErr := h.orch.Stream(c.Request.Context(), req, clientID, func(chunk *model.StreamChunk) error {
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		c.Writer.Flush()
		wrote = true
		return nil
	})

	metrics.RequestDuration.WithLabelValues("chat_stream").Observe(time.Since(start).Seconds())

	if apiErr != nil {
		metrics.RequestsTotal.WithLabelValues("chat_stream", "error").Inc()
		if !wrote {
			c.JSON(apiErr.Status, apiErr.ToResponse())
			return
		}
		if data, err := json.Marshal(apiErr.ToResponse()); err == nil {
			fmt.Fprintf(c.Writer, "data: %s\n\n", data)
		}
		fmt.Fprint(c.Writer, "data: [DONE]\n\n")
		c.Writer.Flush()
		return
	}

	metrics.RequestsTotal.WithLabelValues("chat_stream", "ok").Inc()
	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

// ListModels 模型列表
func (h *Handler) ListModels(c *gin.Context) {
	now := time.Now().Unix()
	data := make([]model.ModelInfo, 0, len(h.cfg.Models.Available))
	for _, m := range h.cfg.Models.Available {
		data = append(data, model.ModelInfo{
			ID:      m.ID,
			Object:  "model",
			Created: now,
			OwnedBy: "unlimitedai",
		})
	}
	c.JSON(200, model.ModelsResponse{Object: "list", Data: data})
}

// Health 健康检查
func (h *Handler) Health(c *gin.Context) {
	c.JSON(200, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

// Stats 运行统计
func (h *Handler) Stats(c *gin.Context) {
	c.JSON(200, gin.H{
		"stats":   h.stats.Snapshot(),
		"storage": h.cfg.Token.StorageType,
	})
}
