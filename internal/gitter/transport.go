package gitter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 10 * time.Second

// Request 是交给 Transport 发送的一次请求。
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response 是 Transport 返回的原始响应。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport 负责真正把请求发出去。Client 只通过它与网络交互。
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// HTTPTransport 基于 net/http 的 Transport 实现。
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport 创建 HTTP 传输层。client 为 nil 时使用 10 秒超时的默认客户端。
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &HTTPTransport{client: client}
}

func (t *HTTPTransport) Do(ctx context.Context, r *Request) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	// Content-Length 由 net/http 根据 Body 自行计算，请求头里的值会被忽略
	req.Header = r.Header.Clone()

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}
