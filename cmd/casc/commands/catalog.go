package commands

import (
	"errors"
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"casccdn/pkg/refs"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newCatalogCmd(c *cli) *cobra.Command {
	var outDir string
	var limit int
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Show recorded builds and extracted files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, repo, err := c.app.Catalog(ctx)
			if err != nil {
				return err
			}
			defer db.Close()
			out := cmd.OutOrStdout()

			// 1. head
			name := refs.Name(c.app.Settings.Product, c.app.Settings.Region)
			head, version, err := refs.NewManager(repo).GetHead(ctx, name)
			switch {
			case errors.Is(err, refs.ErrNoHead):
				fmt.Fprintf(out, "Head:   %s (none)\n\n", name)
			case err != nil:
				return err
			default:
				fmt.Fprintf(out, "Head:   %s -> %s (v%d)\n\n", name, head, version)
			}

			// 2. builds
			builds, err := repo.ListBuilds(ctx, c.app.Settings.Product, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			fmt.Fprintf(tw, "BUILD\tNAME\tVERSION\tFILES\tRECORDED\n")
			for _, b := range builds {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", b.BuildConfig, b.BuildName, b.VersionsName, b.Files, humanize.Time(b.CreatedAt))
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			// 3. 某个输出目录下的文件
			if outDir == "" {
				return nil
			}
			abs, err := filepath.Abs(outDir)
			if err != nil {
				return err
			}
			files, err := repo.ListExtracted(ctx, abs)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nExtracted to %s: %d files\n", abs, len(files))
			tw = tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			for _, f := range files {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", f.ContentKey[:8], humanize.IBytes(uint64(f.Size)), f.Path)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&outDir, "output", "o", "", "also list files extracted to this directory")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum builds to show")
	return cmd
}
