package commands

import (
	"fmt"
	"strings"

	"casccdn/pkg/exporter"

	"github.com/spf13/cobra"
)

func newInfoCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the current build of a product",
		Long:  `Query the patch server for the region's version, open the build and print its encoding table and install tags.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, s, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "Product:     %s (%s)\n", t.Product, t.Region)
			if t.Version.VersionsName != "" {
				fmt.Fprintf(out, "Version:     %s\n", t.Version.VersionsName)
			}
			fmt.Fprintf(out, "CDN:         %s\n", t.CDNBase)
			fmt.Fprintf(out, "Build:       %s (%s)\n", s.BuildConfig.BuildName(), t.BuildKey)
			if t.CDNKey != "" {
				fmt.Fprintf(out, "CDNConfig:   %s\n", t.CDNKey)
			}
			if s.Archives != nil {
				fmt.Fprintf(out, "Archives:    %d (%d blobs)\n", len(s.Archives.Archives()), s.Archives.Len())
			}
			var tags []string
			for _, tag := range s.Manifest.Tags() {
				tags = append(tags, tag.Name)
			}
			fmt.Fprintf(out, "Files:       %d\n", s.Manifest.Len())
			fmt.Fprintf(out, "Tags:        %s\n\n", strings.Join(tags, " "))
			return exporter.PrintEncoding(out, s.Encoding)
		},
	}
}
