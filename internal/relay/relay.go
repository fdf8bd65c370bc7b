// Package relay 定时轮询订阅源，把新条目转发到聊天室。
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/iabetor/feedrelay/internal/config"
	"github.com/iabetor/feedrelay/internal/gitter"
	"github.com/iabetor/feedrelay/internal/logger"
	"github.com/iabetor/feedrelay/internal/metrics"
	"github.com/iabetor/feedrelay/internal/rss"
)

const (
	defaultInterval      = 10 * time.Minute
	maxConcurrentFetches = 4
)

// FeedReader 抓取订阅源，由 *rss.Reader 实现。
type FeedReader interface {
	Fetch(ctx context.Context, url string) (*rss.Feed, error)
}

// Poster 向聊天室发消息，由 *gitter.Client 实现。
type Poster interface {
	SendMessage(ctx context.Context, roomID, text string) (*gitter.Message, error)
	HasCapacity() bool
}

// Stats 一轮轮询的结果。
type Stats struct {
	RunID       string
	Fetched     int // 本轮发现的新条目数
	Posted      int
	Failed      int
	FeedErrors  int
	RateLimited bool
}

// Relay 轮询器。Tick 之间串行执行。
type Relay struct {
	feeds      []config.FeedConfig
	interval   time.Duration
	summaryLen int
	reader     FeedReader
	poster     Poster
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	now        func() time.Time

	tickMu sync.Mutex

	mu        sync.Mutex
	lastCheck []time.Time // 与 feeds 一一对应，零值表示尚未成功检查过
	// sent 记录发布时间晚于 lastCheck 但已经发出的条目，键为 entryKey
	sent     []map[string]time.Time
	lastTick time.Time
}

// Option 配置 Relay。
type Option func(*Relay)

// WithMetrics 设置指标收集器。
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithClock 替换时间来源，测试用。
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// WithLimiter 替换发消息的限速器。
func WithLimiter(l *rate.Limiter) Option {
	return func(r *Relay) { r.limiter = l }
}

// New 创建轮询器。
func New(cfg config.RelayConfig, feeds []config.FeedConfig, reader FeedReader, poster Poster, opts ...Option) *Relay {
	interval := cfg.Interval()
	if interval <= 0 {
		interval = defaultInterval
	}
	limit := rate.Limit(cfg.PostPerSecond)
	if cfg.PostPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.PostBurst
	if burst < 1 {
		burst = 1
	}

	r := &Relay{
		feeds:      feeds,
		interval:   interval,
		summaryLen: cfg.SummaryLen,
		reader:     reader,
		poster:     poster,
		limiter:    rate.NewLimiter(limit, burst),
		now:        time.Now,
		lastCheck:  make([]time.Time, len(feeds)),
		sent:       make([]map[string]time.Time, len(feeds)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LastTick 返回最近一次完成的轮询的开始时间，从未完成时为零值。
func (r *Relay) LastTick() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastTick
}

// Run 立即轮询一次，之后每隔 interval 轮询，直到 ctx 取消。
func (r *Relay) Run(ctx context.Context) error {
	logger.Infof("[relay] 开始轮询 %d 个订阅源，间隔 %v", len(r.feeds), r.interval)
	r.runTick(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.runTick(ctx)
		}
	}
}

func (r *Relay) runTick(ctx context.Context) {
	stats, err := r.Tick(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Errorf("[relay] 轮询失败 run=%s: %v", stats.RunID, err)
		}
		return
	}
	logger.Infof("[relay] 轮询完成 run=%s 新条目 %d 已发送 %d 失败 %d",
		stats.RunID, stats.Fetched, stats.Posted, stats.Failed)
}

type pollResult struct {
	entries []rss.Entry
	ok      bool
}

// Tick 执行一轮轮询：并发抓取所有订阅源，按顺序发送新条目。
// 抓取失败的订阅源不会推进检查时间；发送中途失败时检查时间停在
// 第一条未发出的条目之前，下一轮从那里重试，已发出的条目不会重发。
// 只有 ctx 被取消时才返回 error。
func (r *Relay) Tick(ctx context.Context) (Stats, error) {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	start := r.now()
	stats := Stats{RunID: uuid.NewString()}
	log := logger.With(zap.String("run_id", stats.RunID))
	r.metrics.IncTicks()

	results, err := r.poll(ctx, start, log)
	if err != nil {
		return stats, err
	}

	for i, f := range r.feeds {
		res := results[i]
		if !res.ok {
			stats.FeedErrors++
			continue
		}
		entries := r.unsent(i, res.entries)
		stats.Fetched += len(entries)
		if stats.RateLimited {
			continue
		}

		posted := r.postFeed(ctx, f, entries, &stats, log)
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		switch {
		case posted == len(entries):
			next := start
			if n := len(entries); n > 0 && entries[n-1].Published.After(next) {
				next = entries[n-1].Published
			}
			r.advance(i, next, entries)
		case posted > 0:
			// 停在第一条未发出条目之前，与它同一时刻且已发出的条目记入 sent
			r.advance(i, entries[posted].Published.Add(-time.Nanosecond), entries[:posted])
		}
	}

	r.mu.Lock()
	r.lastTick = start
	r.mu.Unlock()
	return stats, nil
}

func (r *Relay) poll(ctx context.Context, start time.Time, log *zap.SugaredLogger) ([]pollResult, error) {
	results := make([]pollResult, len(r.feeds))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for i, f := range r.feeds {
		since := r.since(i, start)
		g.Go(func() error {
			feed, err := r.reader.Fetch(gctx, f.URL)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				r.metrics.IncFeedErrors(f.Name)
				log.Warnf("[relay] 抓取订阅源 %s 失败: %v", f.Name, err)
				return nil
			}
			results[i] = pollResult{entries: rss.NewerThan(feed.Entries, since), ok: true}
			log.Debugf("[relay] 订阅源 %s 有 %d 条新条目（自 %s）", f.Name, len(results[i].entries), since.Format(time.RFC3339))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// postFeed 按顺序发送条目，返回成功发送的数量，遇到第一个失败即停止。
func (r *Relay) postFeed(ctx context.Context, f config.FeedConfig, entries []rss.Entry, stats *Stats, log *zap.SugaredLogger) int {
	for n, e := range entries {
		if !r.poster.HasCapacity() {
			log.Warnf("[relay] API 配额已用尽，本轮不再发送")
			stats.RateLimited = true
			return n
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return n
		}

		if _, err := r.poster.SendMessage(ctx, f.RoomID, FormatMessage(f.Tag, e, r.summaryLen)); err != nil {
			stats.Failed++
			r.metrics.IncPostErrors(f.Name)

			var rle *gitter.RateLimitExceeded
			if errors.As(err, &rle) {
				stats.RateLimited = true
				log.Warnf("[relay] 触发限流 %v，本轮不再发送", rle.RateLimit)
			} else {
				log.Errorf("[relay] 发送 %q 到房间 %s 失败: %v", e.Title, f.RoomID, err)
			}
			return n
		}

		stats.Posted++
		r.metrics.IncEntriesRelayed(f.Name)
		log.Infof("[relay] 已转发 %q 到房间 %s", e.Title, f.RoomID)
	}
	return len(entries)
}

func (r *Relay) since(i int, start time.Time) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastCheck[i].IsZero() {
		return start.Add(-r.interval)
	}
	return r.lastCheck[i]
}

// advance 把第 i 个订阅源的检查时间推进到 cut，
// posted 中发布时间晚于 cut 的条目记入 sent，早于 cut 的旧记录被清掉。
func (r *Relay) advance(i int, cut time.Time, posted []rss.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastCheck[i] = cut
	sent := r.sent[i]
	for key, published := range sent {
		if !published.After(cut) {
			delete(sent, key)
		}
	}
	for _, e := range posted {
		if !e.Published.After(cut) {
			continue
		}
		if sent == nil {
			sent = make(map[string]time.Time)
		}
		sent[entryKey(e)] = e.Published
	}
	r.sent[i] = sent
}

// unsent 去掉第 i 个订阅源中已经发出过的条目。
func (r *Relay) unsent(i int, entries []rss.Entry) []rss.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	sent := r.sent[i]
	if len(sent) == 0 {
		return entries
	}
	out := make([]rss.Entry, 0, len(entries))
	for _, e := range entries {
		if _, ok := sent[entryKey(e)]; !ok {
			out = append(out, e)
		}
	}
	return out
}

func entryKey(e rss.Entry) string {
	if e.Link != "" {
		return e.Link
	}
	return e.Title + "@" + e.Published.Format(time.RFC3339Nano)
}
