package model

// UpstreamMessage 上游对话消息（含 parts 结构）
type UpstreamMessage struct {
	ID        string         `json:"id"`
	CreatedAt string         `json:"createdAt,omitempty"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Parts     []UpstreamPart `json:"parts"`
}

// UpstreamPart 消息分段
type UpstreamPart struct {
	Type string `json:"type"` // "text"
	Text string `json:"text"`
}

// UpstreamChatRequest 上游聊天接口请求体
type UpstreamChatRequest struct {
	ID                string            `json:"id"`
	Messages          []UpstreamMessage `json:"messages"`
	SelectedChatModel string            `json:"selectedChatModel"`
	Temperature       *float64          `json:"temperature,omitempty"`
	MaxOutputTokens   *int              `json:"maxOutputTokens,omitempty"`
	Thinking          *ThinkingConfig   `json:"thinking,omitempty"`
}

// UpstreamChatResponse 上游非流式响应体
type UpstreamChatResponse struct {
	Result   string `json:"result"`
	Thinking string `json:"thinking,omitempty"`
}

// UpstreamTokenResponse Token 端点响应体
type UpstreamTokenResponse struct {
	Token string `json:"token"`
}
