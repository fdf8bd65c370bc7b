package gitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrCacheMiss 表示缓存中没有对应 URL 的条目。
var ErrCacheMiss = errors.New("gitter: cache miss")

// CacheEntry 是条件请求缓存的一条记录，空字符串表示响应中没有该头。
type CacheEntry struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
	Body         any    `json:"body"`
}

// Cache 是条件请求缓存，key 为解析后的完整请求 URL。
// 未命中时 Get 必须返回 ErrCacheMiss。
type Cache interface {
	Get(ctx context.Context, key string) (CacheEntry, error)
	Set(ctx context.Context, key string, entry CacheEntry) error
}

// MemoryCache 是进程内的 Cache 实现，可并发使用。
// Body 以 JSON 形式保存，调用方修改 Get 的结果或传给 Set 的值都不会影响缓存内容。
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	etag         string
	lastModified string
	body         []byte
}

// NewMemoryCache 创建内存缓存。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

func (m *MemoryCache) Get(_ context.Context, key string) (CacheEntry, error) {
	m.mu.RLock()
	stored, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return CacheEntry{}, ErrCacheMiss
	}

	entry := CacheEntry{ETag: stored.etag, LastModified: stored.lastModified}
	if err := json.Unmarshal(stored.body, &entry.Body); err != nil {
		return CacheEntry{}, fmt.Errorf("解析缓存内容失败: %w", err)
	}
	return entry, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, entry CacheEntry) error {
	body, err := json.Marshal(entry.Body)
	if err != nil {
		return fmt.Errorf("序列化缓存内容失败: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{etag: entry.ETag, lastModified: entry.LastModified, body: body}
	return nil
}

// Len 返回缓存条目数。
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
