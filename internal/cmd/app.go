package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/iabetor/feedrelay/internal/cache"
	"github.com/iabetor/feedrelay/internal/config"
	"github.com/iabetor/feedrelay/internal/database"
	"github.com/iabetor/feedrelay/internal/gitter"
	"github.com/iabetor/feedrelay/internal/logger"
	"github.com/iabetor/feedrelay/internal/metrics"
	"github.com/iabetor/feedrelay/internal/relay"
	"github.com/iabetor/feedrelay/internal/rss"
)

// purger 由支持清空的缓存实现。
type purger interface {
	Purge(ctx context.Context) (int64, error)
}

// app 持有一次命令运行期间共享的组件。
type app struct {
	cfg     *config.Config
	cache   gitter.Cache
	client  *gitter.Client
	metrics *metrics.Metrics
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.New()}

	c, err := a.openCache(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.cache = c

	httpClient := &http.Client{Timeout: time.Duration(cfg.Gitter.Timeout) * time.Second}
	transport := a.metrics.InstrumentTransport(gitter.NewHTTPTransport(httpClient))

	opts := []gitter.Option{gitter.WithBaseURL(cfg.Gitter.APIURL)}
	if c != nil {
		opts = append(opts, gitter.WithCache(c))
	}
	a.client = gitter.New(transport, cfg.Gitter.Requester, cfg.Gitter.Token, opts...)
	return a, nil
}

// openCache 按配置创建条件请求缓存，cache 为 none 时返回 nil。
func (a *app) openCache(ctx context.Context) (gitter.Cache, error) {
	switch a.cfg.Gitter.Cache {
	case config.CacheNone:
		return nil, nil
	case config.CacheMemory:
		return gitter.NewMemoryCache(), nil
	case config.CacheSQLite:
		db, err := database.Open(a.cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		if err := db.Migrate(); err != nil {
			return nil, err
		}
		logger.Infof("[main] 使用 SQLite 缓存: %s", db.Path())
		return cache.NewSQLiteCache(db), nil
	case config.CacheRedis:
		rc, err := cache.NewRedisCache(ctx, cache.RedisOptions{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
			TTL:      time.Duration(a.cfg.Redis.TTLHours) * time.Hour,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rc.Close)
		logger.Infof("[main] 使用 Redis 缓存: %s", a.cfg.Redis.Addr)
		return rc, nil
	default:
		return nil, fmt.Errorf("不支持的缓存类型: %s", a.cfg.Gitter.Cache)
	}
}

func (a *app) newRelay() *relay.Relay {
	return relay.New(a.cfg.Relay, a.cfg.Feeds, rss.NewReader(nil, ""), a.client, relay.WithMetrics(a.metrics))
}

// purgeCache 清空持久化缓存，内存缓存和 none 没有可清理的内容。
func (a *app) purgeCache(ctx context.Context) (int64, error) {
	p, ok := a.cache.(purger)
	if !ok {
		return 0, nil
	}
	return p.Purge(ctx)
}

// Close 按打开的逆序释放资源。
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
