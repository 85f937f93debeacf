package wal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/ravel/pkg/types"
)

// GroupRange records the index span a sealed WAL file contributed to a
// single group, used by the segment writer (C2) to know which records
// in the sealed file belong to which group (spec.md §4.2).
type GroupRange struct {
	GroupID    types.GroupId
	FirstIndex uint64
	LastIndex  uint64
}

// Manifest accompanies a sealed WAL file: it resolves the group_hash
// carried by every record back to the GroupId that produced it, and
// records each group's index range within the file, so the segment
// writer can demultiplex without re-deriving hashes (spec.md §4.1
// "sealed file is handed to the segment writer (C2) with its manifest").
type Manifest struct {
	Generation uint64
	Path       string
	Groups     []GroupRange
}

func manifestPath(walPath string) string {
	return walPath + ".manifest"
}

func writeManifest(walPath string, m Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp := manifestPath(walPath) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, manifestPath(walPath))
}

func readManifest(walPath string) (Manifest, error) {
	return ReadManifest(walPath)
}

// ReadManifest loads a sealed WAL file's companion manifest, used by
// cmd/ravel-inspect to show each sealed file's per-group index ranges
// without reopening the writer.
func ReadManifest(walPath string) (Manifest, error) {
	data, err := os.ReadFile(manifestPath(walPath))
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// generationPath returns the on-disk path for a WAL file of the given
// generation under dir (spec.md §6: "wal/NNNNN.wal").
func generationPath(dir string, generation uint64) string {
	return filepath.Join(dir, generationName(generation))
}

func generationName(generation uint64) string {
	return fmt.Sprintf("%010d.wal", generation)
}
