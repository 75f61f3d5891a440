package exporter

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"casccdn/pkg/archiveindex"
	"casccdn/pkg/blte"
	"casccdn/pkg/enctable"
	"casccdn/pkg/install"

	"github.com/dustin/go-humanize"
)

// PrintBLTE 打印容器头
func PrintBLTE(w io.Writer, h *blte.Header) error {
	fmt.Fprintf(w, "Type:        BLTE\n")
	fmt.Fprintf(w, "HeaderSize:  %d\n", h.HeaderSize)
	fmt.Fprintf(w, "Chunks:      %d\n", len(h.Chunks))
	fmt.Fprintf(w, "DecodedSize: %s (%d bytes)\n\n", humanize.IBytes(h.DecodedSize), h.DecodedSize)

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "#\tCOMPRESSED\tDECODED\tDIGEST\n")
	for i, c := range h.Chunks {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i,
			humanize.IBytes(uint64(c.CompressedSize)), humanize.IBytes(uint64(c.DecodedSize)), c.Digest)
	}
	return tw.Flush()
}

// PrintEncoding 打印 encoding 表的概要
func PrintEncoding(w io.Writer, t *enctable.Table) error {
	fmt.Fprintf(w, "Type:        Encoding\n")
	fmt.Fprintf(w, "ContentKeys: %s\n", humanize.Comma(int64(t.ContentCount())))
	fmt.Fprintf(w, "EncodedKeys: %s\n", humanize.Comma(int64(t.EncodingCount())))
	fmt.Fprintf(w, "MultiKey:    %d\n", t.MultiKeyCount())
	fmt.Fprintf(w, "ESpecs:      %d\n", len(t.ESpecs()))
	if s := t.TrailingESpec(); s != "" {
		fmt.Fprintf(w, "Trailing:    %s\n", s)
	}
	return nil
}

// PrintManifest 打印标签与文件列表 (像 ls -l)
func PrintManifest(w io.Writer, m *install.Manifest, entries []install.Entry) error {
	var total uint64
	for _, e := range entries {
		total += uint64(e.Size)
	}
	tags := make([]string, 0, len(m.Tags()))
	for _, t := range m.Tags() {
		tags = append(tags, t.Name)
	}
	fmt.Fprintf(w, "Tags:  %s\n", strings.Join(tags, " "))
	fmt.Fprintf(w, "Files: %d of %d (%s)\n\n", len(entries), m.Len(), humanize.IBytes(total))

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "CKEY\tSIZE\tNAME\n")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.ContentKey.String()[:8], humanize.IBytes(uint64(e.Size)), e.Name)
	}
	return tw.Flush()
}

// PrintIndex 打印 archive index 的条目
func PrintIndex(w io.Writer, idx *archiveindex.Index, limit int) error {
	entries := idx.Entries()
	fmt.Fprintf(w, "Archive: %s\n", idx.Archive())
	fmt.Fprintf(w, "Entries: %s\n\n", humanize.Comma(int64(len(entries))))

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "EKEY\tOFFSET\tSIZE\n")
	for i, e := range entries {
		if limit > 0 && i >= limit {
			fmt.Fprintf(tw, "...\t\t\n")
			break
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", e.EncodingKey, e.Offset, humanize.IBytes(uint64(e.Size)))
	}
	return tw.Flush()
}

// PrintStats 打印提取汇总
func PrintStats(w io.Writer, st Stats) {
	fmt.Fprintf(w, "written %d (%s), unchanged %d, excluded %d, failed %d\n",
		st.Written, humanize.IBytes(uint64(st.Bytes)), st.Unchanged, st.Excluded, st.Failed)
}
