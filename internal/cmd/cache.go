package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iabetor/feedrelay/internal/logger"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "管理条件请求缓存",
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "清空 sqlite 或 redis 中的缓存条目",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		defer logger.Sync()

		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.purgeCache(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "已删除 %d 条缓存（%s）\n", n, cfg.Gitter.Cache)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cachePurgeCmd)
	rootCmd.AddCommand(cacheCmd)
}
