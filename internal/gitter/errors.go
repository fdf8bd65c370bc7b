package gitter

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrDecode 表示响应体不是合法的 JSON。
var ErrDecode = errors.New("gitter: 响应体不是合法的 JSON")

// HTTPError 是所有 HTTP 状态类错误的基础类型。
// Message 为空表示无法从响应体中提取 message 字段。
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("gitter: HTTP %d: %s", e.StatusCode, msg)
}

// RedirectionError 对应 3xx 响应。
type RedirectionError struct {
	HTTPError
}

func (e *RedirectionError) Unwrap() error { return &e.HTTPError }

// ClientError 对应 4xx 响应（请求本身有问题）。
type ClientError struct {
	HTTPError
}

func (e *ClientError) Unwrap() error { return &e.HTTPError }

// ServerError 对应 5xx 响应。
type ServerError struct {
	HTTPError
}

func (e *ServerError) Unwrap() error { return &e.HTTPError }

// RateLimitExceeded 表示 403 且配额已耗尽。
type RateLimitExceeded struct {
	ClientError
	RateLimit *RateLimit
}

func newRateLimitExceeded(rl *RateLimit, message string) *RateLimitExceeded {
	if message == "" {
		message = "rate limit exceeded"
	}
	return &RateLimitExceeded{
		ClientError: ClientError{HTTPError{StatusCode: http.StatusForbidden, Message: message}},
		RateLimit:   rl,
	}
}

func (e *RateLimitExceeded) Unwrap() error { return &e.ClientError }

// FieldError 是 422 响应中 errors 列表的一项。
type FieldError struct {
	Resource string `json:"resource,omitempty"`
	Field    string `json:"field"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
}

// InvalidField 对应 422 响应，Errors 保存了出错的字段详情。
type InvalidField struct {
	ClientError
	Errors []FieldError
}

func (e *InvalidField) Unwrap() error { return &e.ClientError }

// TransportError 表示请求没能拿到任何 HTTP 响应。
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gitter: %s %s 请求失败: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusCode 返回 err 链中 HTTP 错误的状态码，不是 HTTP 错误时返回 0。
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}
