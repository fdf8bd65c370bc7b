package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iabetor/feedrelay/internal/logger"
	"github.com/iabetor/feedrelay/internal/server"
)

var noServer bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "持续轮询订阅源并转发新条目",
	Long: `启动后立即轮询一次，之后按 relay.interval_minutes 定时轮询。
server.enabled 为 true 时同时启动健康检查与指标服务。
收到 SIGINT 或 SIGTERM 后优雅退出。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		logger.Infof("[main] feedrelay %s 启动，订阅源 %d 个", versionInfo.Version, len(cfg.Feeds))

		r := a.newRelay()
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return r.Run(gctx) })
		if cfg.Server.Enabled && !noServer {
			srv := server.New(cfg.Server.Addr, r, a.client, a.metrics.Handler())
			g.Go(func() error {
				if err := srv.Run(gctx); err != nil {
					return fmt.Errorf("HTTP 服务出错: %w", err)
				}
				return nil
			})
		}

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("[main] feedrelay 已停止")
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&noServer, "no-server", false, "不启动 HTTP 服务，忽略 server.enabled")
}

// signalContext 返回在收到 SIGINT/SIGTERM 时取消的 context。
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Infof("[main] 收到信号 %v，正在关闭...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
