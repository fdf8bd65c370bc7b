// Package cache 提供 gitter.Cache 的持久化实现。
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iabetor/feedrelay/internal/database"
	"github.com/iabetor/feedrelay/internal/gitter"
)

// SQLiteCache 把条件请求缓存保存在 http_cache 表中，进程重启后仍然有效。
type SQLiteCache struct {
	db *database.DB
}

// NewSQLiteCache 创建 SQLite 缓存，db 需要已完成迁移。
func NewSQLiteCache(db *database.DB) *SQLiteCache {
	return &SQLiteCache{db: db}
}

func (c *SQLiteCache) Get(ctx context.Context, key string) (gitter.CacheEntry, error) {
	var (
		entry gitter.CacheEntry
		body  string
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT etag, last_modified, body FROM http_cache WHERE url = ?`, key,
	).Scan(&entry.ETag, &entry.LastModified, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return gitter.CacheEntry{}, gitter.ErrCacheMiss
	}
	if err != nil {
		return gitter.CacheEntry{}, fmt.Errorf("查询缓存失败: %w", err)
	}
	if err := json.Unmarshal([]byte(body), &entry.Body); err != nil {
		return gitter.CacheEntry{}, fmt.Errorf("解析缓存内容失败: %w", err)
	}
	return entry, nil
}

func (c *SQLiteCache) Set(ctx context.Context, key string, entry gitter.CacheEntry) error {
	body, err := json.Marshal(entry.Body)
	if err != nil {
		return fmt.Errorf("序列化缓存内容失败: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO http_cache (url, etag, last_modified, body, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(url) DO UPDATE SET
			etag = excluded.etag,
			last_modified = excluded.last_modified,
			body = excluded.body,
			updated_at = excluded.updated_at`,
		key, entry.ETag, entry.LastModified, string(body))
	if err != nil {
		return fmt.Errorf("写入缓存失败: %w", err)
	}
	return nil
}

// Purge 删除所有缓存条目，返回删除的数量。
func (c *SQLiteCache) Purge(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM http_cache`)
	if err != nil {
		return 0, fmt.Errorf("清空缓存失败: %w", err)
	}
	return res.RowsAffected()
}
