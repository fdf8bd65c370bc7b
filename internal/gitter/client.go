// Package gitter 是 Gitter 聊天室 REST API 的客户端：
// 负责构造请求、解读响应、维护速率限制快照以及可选的条件请求缓存。
package gitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/iabetor/feedrelay/internal/logger"
)

// DefaultBaseURL 是 Gitter API 的默认地址。
const DefaultBaseURL = "https://api.gitter.im"

const jsonCharset = "utf-8"

// bodyless 区分“没有请求体”和合法的 JSON null。
type bodyless struct{}

// Client 是 Gitter API 客户端，可并发使用。
type Client struct {
	transport Transport
	baseURL   *url.URL
	requester string
	token     string
	cache     Cache
	now       func() time.Time

	mu        sync.Mutex
	rateLimit *RateLimit
}

// Option 配置 Client。
type Option func(*Client)

// WithBaseURL 替换默认的 API 地址，主要用于测试。
func WithBaseURL(base string) Option {
	return func(c *Client) {
		if parsed, err := url.Parse(base); err == nil && base != "" {
			c.baseURL = parsed
		}
	}
}

// WithCache 启用条件请求缓存。
func WithCache(cache Cache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithClock 替换时钟，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New 创建客户端。requester 作为 User-Agent 发送，token 用于 bearer 认证。
func New(transport Transport, requester, token string, opts ...Option) *Client {
	base, _ := url.Parse(DefaultBaseURL)
	c := &Client{
		transport: transport,
		baseURL:   base,
		requester: requester,
		token:     token,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RateLimit 返回最近一次响应的配额快照副本，没有时返回 nil。
func (c *Client) RateLimit() *RateLimit {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rateLimit == nil {
		return nil
	}
	rl := *c.rateLimit
	return &rl
}

// HasCapacity 判断按当前快照是否还能发请求；没有快照时视为可以。
func (c *Client) HasCapacity() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rateLimit == nil {
		return true
	}
	return c.rateLimit.hasCapacityAt(c.now())
}

// Get 发送 GET 请求。配置了缓存时会带上条件请求头。
func (c *Client) Get(ctx context.Context, path string) (any, error) {
	return c.do(ctx, http.MethodGet, path, bodyless{})
}

// Post 发送 POST 请求，data 会被编码为 JSON。
func (c *Client) Post(ctx context.Context, path string, data any) (any, error) {
	return c.do(ctx, http.MethodPost, path, data)
}

// Patch 发送 PATCH 请求。
func (c *Client) Patch(ctx context.Context, path string, data any) (any, error) {
	return c.do(ctx, http.MethodPatch, path, data)
}

// Put 发送 PUT 请求。
func (c *Client) Put(ctx context.Context, path string, data any) (any, error) {
	return c.do(ctx, http.MethodPut, path, data)
}

// Delete 发送 DELETE 请求。
func (c *Client) Delete(ctx context.Context, path string) (any, error) {
	return c.do(ctx, http.MethodDelete, path, bodyless{})
}

func (c *Client) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("解析 URL %q 失败: %w", ref, err)
	}
	return c.baseURL.ResolveReference(u).String(), nil
}

func (c *Client) requestHeader() http.Header {
	h := make(http.Header)
	h.Set("User-Agent", c.requester)
	h.Set("Authorization", "bearer "+c.token)
	h.Set("Accept", "application/json")
	return h
}

// do 构造并发送一次请求。
func (c *Client) do(ctx context.Context, method, ref string, data any) (any, error) {
	fullURL, err := c.resolve(ref)
	if err != nil {
		return nil, err
	}

	req := &Request{Method: method, URL: fullURL, Header: c.requestHeader()}

	var (
		cacheable bool
		cached    *CacheEntry
	)
	if _, ok := data.(bodyless); ok {
		req.Header.Set("Content-Length", "0")
		if method == http.MethodGet && c.cache != nil {
			cacheable = true
			cached = c.lookup(ctx, fullURL)
			if cached != nil {
				if cached.ETag != "" {
					req.Header.Set("If-None-Match", cached.ETag)
				}
				if cached.LastModified != "" {
					req.Header.Set("If-Modified-Since", cached.LastModified)
				}
			}
		}
	} else {
		body, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("序列化请求体失败: %w", err)
		}
		req.Body = body
		req.Header.Set("Content-Type", "application/json; charset="+jsonCharset)
		req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	}

	// 先按乐观估计扣减剩余次数，下一次真实响应会覆盖它
	c.mu.Lock()
	if c.rateLimit != nil {
		c.rateLimit.Remaining--
	}
	c.mu.Unlock()

	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		return nil, &TransportError{Method: method, URL: fullURL, Err: err}
	}

	if resp.StatusCode == http.StatusNotModified && cached != nil {
		logger.Debugf("[gitter] %s %s 未修改，使用缓存", method, fullURL)
		return cached.Body, nil
	}

	result, rl, err := Decipher(resp.StatusCode, resp.Header, resp.Body)
	if err != nil {
		var rle *RateLimitExceeded
		if errors.As(err, &rle) {
			c.setRateLimit(rle.RateLimit)
		}
		return nil, err
	}
	c.setRateLimit(rl)

	if cacheable {
		c.store(ctx, fullURL, resp.Header, result)
	}

	logger.Debugf("[gitter] %s %s -> %d", method, fullURL, resp.StatusCode)
	return result, nil
}

func (c *Client) setRateLimit(rl *RateLimit) {
	c.mu.Lock()
	c.rateLimit = rl
	c.mu.Unlock()
}

func (c *Client) lookup(ctx context.Context, key string) *CacheEntry {
	entry, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			logger.Warnf("[gitter] 读取缓存 %s 失败: %v", key, err)
		}
		return nil
	}
	return &entry
}

func (c *Client) store(ctx context.Context, key string, h http.Header, body any) {
	etag := h.Get("ETag")
	lastModified := h.Get("Last-Modified")
	if etag == "" && lastModified == "" {
		return
	}
	entry := CacheEntry{ETag: etag, LastModified: lastModified, Body: body}
	if err := c.cache.Set(ctx, key, entry); err != nil {
		logger.Warnf("[gitter] 写入缓存 %s 失败: %v", key, err)
	}
}
