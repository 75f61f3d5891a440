package commands

import (
	"fmt"

	"casccdn/pkg/app"
	"casccdn/pkg/exporter"
	"casccdn/pkg/ignore"
	"casccdn/pkg/install"
	"casccdn/pkg/meta"
	"casccdn/pkg/refs"

	"github.com/spf13/cobra"
)

func newExtractCmd(c *cli) *cobra.Command {
	var (
		tags, excludes []string
		outDir         string
		noCatalog      bool
	)
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Write install manifest files to a directory",
		Long: `Resolve every file that carries all --tag values and write it under the output directory.
Patterns from --exclude and <output>/.cascignore are skipped. Files whose content key is unchanged since the last extract are not fetched again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			// 1. 打开 build
			t, s, err := c.open(ctx)
			if err != nil {
				return err
			}
			matcher, err := ignore.NewMatcher(outDir, excludes...)
			if err != nil {
				return err
			}
			opts := []exporter.Option{exporter.WithExclude(matcher), exporter.WithLogger(c.app.Log)}

			// 2. 提取目录
			var repo *meta.Repository
			if !noCatalog {
				db, r, err := c.app.Catalog(ctx)
				if err != nil {
					return err
				}
				defer db.Close()
				repo = r
				if err := repo.RecordBuild(ctx, buildRecord(t, s), tagNames(s.Manifest)); err != nil {
					return err
				}
				opts = append(opts, exporter.WithCatalog(repo))
			}

			// 3. 提取
			st, err := exporter.NewExporter(s.Pipeline, opts...).Extract(ctx, install.RequireTags(tags...), outDir, t.BuildKey,
				func(name, _ string, err error) {
					if err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "failed: %s: %v\n", name, err)
					}
				})
			exporter.PrintStats(out, st)
			if err != nil {
				return err
			}
			if st.Failed > 0 {
				return fmt.Errorf("%d files failed", st.Failed)
			}

			// 4. 全部成功后移动 head
			if repo != nil {
				return refs.NewManager(repo).Advance(ctx, refs.Name(t.Product, t.Region), t.BuildKey)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "required tags, e.g. Windows,x86_64,enUS")
	cmd.Flags().StringSliceVarP(&excludes, "exclude", "x", nil, "exclude patterns")
	cmd.Flags().StringVarP(&outDir, "output", "o", ".", "output directory")
	cmd.Flags().BoolVar(&noCatalog, "no-catalog", false, "do not record or skip extracted files")
	return cmd
}

func buildRecord(t *app.Target, s *app.Session) meta.Build {
	b := meta.Build{
		BuildConfig:  t.BuildKey,
		CDNConfig:    t.CDNKey,
		Product:      t.Product,
		Region:       t.Region,
		BuildName:    s.BuildConfig.BuildName(),
		VersionsName: t.Version.VersionsName,
		Files:        s.Manifest.Len(),
	}
	if k, err := s.BuildConfig.FileKeys("encoding"); err == nil {
		b.EncodingCKey = k.ContentKey.String()
	}
	if k, err := s.BuildConfig.FileKeys("install"); err == nil {
		b.InstallCKey = k.ContentKey.String()
	}
	return b
}

func tagNames(m *install.Manifest) []string {
	names := make([]string, 0, len(m.Tags()))
	for _, t := range m.Tags() {
		names = append(names, t.Name)
	}
	return names
}
