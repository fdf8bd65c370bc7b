package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iabetor/feedrelay/internal/logger"
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "轮询一次后退出，适合由 cron 调度",
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

		stats, err := a.newRelay().Tick(ctx)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "run %s: 新条目 %d，已发送 %d，失败 %d，订阅源错误 %d\n",
			stats.RunID, stats.Fetched, stats.Posted, stats.Failed, stats.FeedErrors)
		if rl := a.client.RateLimit(); rl != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "配额 %s\n", rl)
		}
		if stats.Failed > 0 || stats.FeedErrors > 0 {
			return fmt.Errorf("本轮有 %d 条消息发送失败，%d 个订阅源抓取失败", stats.Failed, stats.FeedErrors)
		}
		return nil
	},
}
