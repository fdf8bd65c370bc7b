// Package cmd 实现 feedrelay 的命令行。
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iabetor/feedrelay/internal/config"
	"github.com/iabetor/feedrelay/internal/logger"
)

var (
	cfgFile string
	verbose bool

	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo 由 main 包在启动时设置版本信息。
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var rootCmd = &cobra.Command{
	Use:   "feedrelay",
	Short: "把 RSS/Atom 订阅源的新条目转发到 Gitter 聊天室",
	Long: `feedrelay 定时抓取配置中的订阅源，把新发布的条目以 Markdown 消息
发送到对应的 Gitter 聊天室，并遵守 API 的速率限制。`,
	SilenceUsage: true,
}

// Execute 执行根命令，由 main 调用。
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "configs/feedrelay.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "输出 debug 日志")

	rootCmd.AddCommand(runCmd, onceCmd, roomsCmd, versionCmd)
}

// loadConfig 读取配置并初始化日志。needFeeds 为 false 时不要求配置订阅源。
func loadConfig(needFeeds bool) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	validate := cfg.ValidateClient
	if needFeeds {
		validate = cfg.Validate
	}
	if err := validate(); err != nil {
		return nil, fmt.Errorf("配置无效: %w", err)
	}

	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	if err := logger.Init(logger.Config{
		Level:      level,
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
	}); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "feedrelay %s (commit %s, built %s)\n",
			versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	},
}
