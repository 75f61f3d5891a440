package commands

import (
	"fmt"

	"casccdn/pkg/exporter"
	"casccdn/pkg/types"

	"github.com/spf13/cobra"
)

func newCatCmd(c *cli) *cobra.Command {
	var ekeyHex string
	cmd := &cobra.Command{
		Use:   "cat <ckey|path>",
		Short: "Write a file's decoded content to stdout",
		Long: `Resolve a content key (or a path from the install manifest) through the encoding table and write the decoded bytes to stdout.
Binary files can be redirected with > file.bin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, s, err := c.open(ctx)
			if err != nil {
				return err
			}

			// 1. 参数可以是 content key 也可以是 manifest 路径
			ckey, err := types.ParseContentKey(args[0])
			if err != nil {
				e, ok := s.Manifest.Lookup(args[0])
				if !ok {
					return fmt.Errorf("%q is neither a content key nor a file in the install manifest", args[0])
				}
				ckey = e.ContentKey
			}

			// 2. 指定了 ekey 时要求 encoding 表中的映射一致
			if ekeyHex != "" {
				ekey, err := types.ParseEncodingKey(ekeyHex)
				if err != nil {
					return err
				}
				data, err := s.Pipeline.ResolveVerified(ctx, ckey, ekey)
				if err != nil {
					return fmt.Errorf("cat failed: %w", err)
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}

			if err := exporter.NewExporter(s.Pipeline).ExportFile(ctx, ckey, cmd.OutOrStdout()); err != nil {
				return fmt.Errorf("cat failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ekeyHex, "ekey", "", "expected encoding key")
	return cmd
}
