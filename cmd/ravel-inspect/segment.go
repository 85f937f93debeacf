package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cuemby/ravel/pkg/segment"
)

var segmentCmd = &cobra.Command{
	Use:   "segment <file>",
	Short: "Dump a sealed segment file and its offset index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return inspectSegment(args[0])
	},
}

func inspectSegment(path string) error {
	r, err := segment.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer r.Close()

	meta := r.Meta()
	fmt.Printf("== %s ==\n", path)
	fmt.Printf("  group=%s first_index=%d last_index=%d offsets=%d\n\n", meta.GroupID, meta.FirstIndex, meta.LastIndex, len(meta.Offsets))

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  index\tfile_offset\tterm\tkind\tpayload_bytes")
	for _, off := range meta.Offsets {
		entry, ok, err := r.Fetch(off.Index)
		if err != nil {
			w.Flush()
			return fmt.Errorf("fetch index %d: %w", off.Index, err)
		}
		if !ok {
			continue
		}
		fmt.Fprintf(w, "  %d\t%d\t%d\t%s\t%d\n", off.Index, off.Offset, entry.Term, entry.Kind, len(entry.Payload))
	}
	w.Flush()
	return nil
}
