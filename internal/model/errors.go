package model

import "fmt"

// 稳定错误码，透出给调用方
const (
	CodeInvalidModel    = "INVALID_MODEL"
	CodeInvalidToken    = "INVALID_TOKEN"
	CodeTooManyRequests = "TOO_MANY_REQUESTS"
	CodeEmptyResponse   = "EMPTY_RESPONSE"
	CodeRequestTimeout  = "REQUEST_TIMEOUT"
	CodeTokenTimeout    = "TOKEN_TIMEOUT"
	CodeInvalidJSON     = "INVALID_JSON"
	CodeParseError      = "PARSE_ERROR"
	CodeRequestError    = "REQUEST_ERROR"
)

// APIError 内部调用链使用的带状态错误
type APIError struct {
	Message string `json:"error"`
	Code    string `json:"code"`
	Status  int    `json:"status"`
}

// Error 实现 error 接口
func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.Code, e.Status)
}

// NewAPIError 构造 APIError
func NewAPIError(status int, code, format string, args ...any) *APIError {
	return &APIError{
		Message: fmt.Sprintf(format, args...),
		Code:    code,
		Status:  status,
	}
}

// UpstreamStatusError 非 2xx 上游状态透传
func UpstreamStatusError(status int) *APIError {
	return &APIError{
		Message: fmt.Sprintf("API请求失败: HTTP %d", status),
		Code:    fmt.Sprintf("HTTP_%d", status),
		Status:  status,
	}
}

// ErrorResponse HTTP 侧错误信封（OpenAI 格式）
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// ToResponse 将 APIError 转换为 HTTP 错误信封
func (e *APIError) ToResponse() ErrorResponse {
	typ := "api_error"
	switch {
	case e.Status == 401:
		typ = "authentication_error"
	case e.Status == 429:
		typ = "rate_limit_error"
	case e.Status == 400:
		typ = "invalid_request_error"
	case e.Status >= 500:
		typ = "upstream_error"
	}
	return ErrorResponse{Error: ErrorDetail{
		Message: e.Message,
		Type:    typ,
		Code:    e.Code,
	}}
}
