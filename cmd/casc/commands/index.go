package commands

import (
	"fmt"

	"casccdn/pkg/archiveindex"
	"casccdn/pkg/exporter"
	"casccdn/pkg/storage"
	"casccdn/pkg/types"

	"github.com/spf13/cobra"
)

func newIndexCmd(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "index <archive-hex>",
		Short: "Fetch and print a CDN archive index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			archive, err := types.ParseArchiveKey(args[0])
			if err != nil {
				return err
			}

			// 只需要 CDN 地址
			base := c.cdnURL
			if base == "" {
				t, err := c.app.Discover(ctx)
				if err != nil {
					return fmt.Errorf("discover: %w", err)
				}
				base = t.CDNBase
			}
			raw, err := c.app.Client(base).Fetch(ctx, storage.KindIndex, archive.String())
			if err != nil {
				return err
			}
			idx, err := archiveindex.Parse(archive, raw, archiveindex.WithVerify(c.app.Settings.Verify))
			if err != nil {
				return err
			}
			return exporter.PrintIndex(cmd.OutOrStdout(), idx, limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to print, 0 for all")
	return cmd
}
