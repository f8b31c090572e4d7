package model

// ChatCompletionRequest OpenAI 兼容的聊天补全请求
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	User        string    `json:"user,omitempty"`

	// Extended Thinking
	Thinking     *ThinkingConfig `json:"thinking,omitempty"`
	BudgetTokens *int            `json:"budget_tokens,omitempty"`
}

// Message 消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ThinkingConfig Extended Thinking 配置
type ThinkingConfig struct {
	Type         string `json:"type,omitempty"`          // "enabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"` // thinking token 预算
}

// DefaultBudgetTokens thinking 模式默认 token 预算
const DefaultBudgetTokens = 7999

// HasThinking 检查请求是否启用了 Extended Thinking
func (r *ChatCompletionRequest) HasThinking() bool {
	if r.Thinking != nil && r.Thinking.Type == "enabled" {
		return true
	}
	return r.BudgetTokens != nil
}

// ThinkingBudget 返回生效的 thinking token 预算
func (r *ChatCompletionRequest) ThinkingBudget() int {
	if r.Thinking != nil && r.Thinking.BudgetTokens > 0 {
		return r.Thinking.BudgetTokens
	}
	if r.BudgetTokens != nil && *r.BudgetTokens > 0 {
		return *r.BudgetTokens
	}
	return DefaultBudgetTokens
}

// ChatCompletionResponse OpenAI 兼容的聊天补全响应
type ChatCompletionResponse struct {
	ID       string   `json:"id"`
	Object   string   `json:"object"`
	Created  int64    `json:"created"`
	Model    string   `json:"model"`
	Choices  []Choice `json:"choices"`
	Usage    *Usage   `json:"usage,omitempty"`
	Thinking string   `json:"thinking,omitempty"`
}

// Choice 选项
type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Delta   `json:"delta,omitempty"` // 流式响应
	FinishReason string   `json:"finish_reason,omitempty"`
}

// Delta 流式增量
type Delta struct {
	Role     string `json:"role,omitempty"`
	Content  string `json:"content,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// Usage Token 使用量
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk SSE 流式响应块
type StreamChunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

// ModelsResponse 模型列表响应
type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// ModelInfo 模型信息
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}
