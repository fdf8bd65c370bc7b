package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/iabetor/feedrelay/internal/logger"
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "列出 token 可见的聊天室，用于查找 room_id",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
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

		rooms, err := a.client.Rooms(ctx)
		if err != nil {
			return fmt.Errorf("获取聊天室列表失败: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tUSERS\tURL")
		for _, r := range rooms {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.ID, r.Name, r.UserCount, r.URL)
		}
		return w.Flush()
	},
}
