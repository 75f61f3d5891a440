package commands

import (
	"casccdn/pkg/exporter"
	"casccdn/pkg/ignore"
	"casccdn/pkg/install"

	"github.com/spf13/cobra"
)

func newLsCmd(c *cli) *cobra.Command {
	var tags, excludes []string
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List files in the install manifest",
		Long:  `List the install manifest. A file is shown only if it carries every --tag and matches no --exclude pattern (gitignore syntax).`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, s, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			matcher, err := ignore.NewMatcher("", excludes...)
			if err != nil {
				return err
			}
			var entries []install.Entry
			for _, e := range s.Manifest.Filter(install.RequireTags(tags...)) {
				if !matcher.Matches(e.Name) {
					entries = append(entries, e)
				}
			}
			return exporter.PrintManifest(cmd.OutOrStdout(), s.Manifest, entries)
		},
	}
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "required tags, e.g. Windows,x86_64,enUS")
	cmd.Flags().StringSliceVarP(&excludes, "exclude", "x", nil, "exclude patterns")
	return cmd
}
