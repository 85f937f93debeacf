package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cuemby/ravel/pkg/wal"
)

var walCmd = &cobra.Command{
	Use:   "wal <dir>",
	Short: "Dump the WAL files (sealed and active) under a node's wal directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return inspectWAL(args[0])
	},
}

func inspectWAL(dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	if err != nil {
		return fmt.Errorf("glob %s: %w", dir, err)
	}
	sort.Strings(files)
	if len(files) == 0 {
		fmt.Printf("no WAL files under %s\n", dir)
		return nil
	}

	for _, path := range files {
		if err := inspectWALFile(path); err != nil {
			return err
		}
	}
	return nil
}

func inspectWALFile(path string) error {
	fmt.Printf("== %s ==\n", path)

	if mf, err := wal.ReadManifest(path); err == nil {
		fmt.Println("  manifest:")
		for _, g := range mf.Groups {
			fmt.Printf("    group=%s first=%d last=%d\n", g.GroupID, g.FirstIndex, g.LastIndex)
		}
	} else if !os.IsNotExist(err) {
		fmt.Printf("  manifest: error: %v\n", err)
	} else {
		fmt.Println("  manifest: none (not yet sealed, or absorbed on recovery)")
	}

	r, err := wal.OpenSealedReader(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer r.Close()

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  group_hash\tindex\tterm\tkind\tpayload_bytes")
	count := 0
	for {
		groupHash, entry, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			w.Flush()
			return fmt.Errorf("read record in %s: %w", path, err)
		}
		fmt.Fprintf(w, "  %d\t%d\t%d\t%s\t%d\n", groupHash, entry.Index, entry.Term, entry.Kind, len(entry.Payload))
		count++
	}
	w.Flush()
	fmt.Printf("  %d record(s)\n\n", count)
	return nil
}
