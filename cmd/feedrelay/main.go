package main

import (
	"os"

	"github.com/iabetor/feedrelay/internal/cmd"
)

// 通过 -ldflags "-X main.version=..." 注入
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
