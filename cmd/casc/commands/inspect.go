package commands

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"casccdn/pkg/archiveindex"
	"casccdn/pkg/blte"
	"casccdn/pkg/enctable"
	"casccdn/pkg/exporter"
	"casccdn/pkg/install"
	"casccdn/pkg/types"

	"github.com/spf13/cobra"
)

// newInspectCmd 解析本地文件，不访问网络
func newInspectCmd() *cobra.Command {
	var ekeyHex string
	var limit int
	cmd := &cobra.Command{
		Use:         "inspect",
		Short:       "Parse local BLTE, encoding, install or archive index files",
		Annotations: map[string]string{offlineAnnotation: "true"},
	}
	cmd.PersistentFlags().StringVar(&ekeyHex, "ekey", "", "encoding key of a BLTE file (default: the file name)")

	cmd.AddCommand(&cobra.Command{
		Use:   "blte <file>",
		Short: "Print the chunk table of a BLTE container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			h, err := blte.Info(raw)
			if err != nil {
				return err
			}
			return exporter.PrintBLTE(cmd.OutOrStdout(), h)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "encoding <file>",
		Short: "Print a summary of an encoding table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readDecoded(args[0], ekeyHex)
			if err != nil {
				return err
			}
			t, err := enctable.Parse(raw)
			if err != nil {
				return err
			}
			return exporter.PrintEncoding(cmd.OutOrStdout(), t)
		},
	})

	var tags []string
	installCmd := &cobra.Command{
		Use:   "install <file>",
		Short: "List the files of an install manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readDecoded(args[0], ekeyHex)
			if err != nil {
				return err
			}
			m, err := install.Parse(raw)
			if err != nil {
				return err
			}
			return exporter.PrintManifest(cmd.OutOrStdout(), m, m.Filter(install.RequireTags(tags...)))
		},
	}
	installCmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "required tags")
	cmd.AddCommand(installCmd)

	indexCmd := &cobra.Command{
		Use:   "index <file>",
		Short: "Print the entries of an archive index (<archive-hex>.index)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			// archive key 来自文件名，未知时为全零
			var archive types.ArchiveKey
			base := strings.TrimSuffix(filepath.Base(args[0]), ".index")
			if k, err := types.ParseArchiveKey(base); err == nil {
				archive = k
			}
			idx, err := archiveindex.Parse(archive, raw)
			if err != nil {
				return err
			}
			return exporter.PrintIndex(cmd.OutOrStdout(), idx, limit)
		},
	}
	indexCmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to print, 0 for all")
	cmd.AddCommand(indexCmd)

	return cmd
}

// readDecoded 读取本地文件，BLTE 容器先按 ekey 校验并解码
func readDecoded(path, ekeyHex string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(raw, []byte(blte.Magic)) {
		return raw, nil
	}
	if ekeyHex == "" {
		ekeyHex = filepath.Base(path)
	}
	ekey, err := types.ParseKey(ekeyHex)
	if err != nil {
		return nil, fmt.Errorf("%s is BLTE encoded; pass --ekey: %w", path, err)
	}
	return blte.Decode(raw, ekey)
}
