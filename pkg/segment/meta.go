package segment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/ravel/pkg/types"
)

// EntryOffset is one entry of a segment's index of entry offsets,
// enabling random reads without rescanning the file (spec.md §3
// "carries an index of entry offsets for random reads").
type EntryOffset struct {
	Index  uint64
	Offset int64
}

// Meta is the companion metadata file for a sealed segment: its group,
// index range and entry-offset index.
type Meta struct {
	GroupID    types.GroupId
	Path       string
	FirstIndex uint64
	LastIndex  uint64
	Offsets    []EntryOffset
}

func metaPath(segmentPath string) string {
	return segmentPath + ".idx"
}

func writeMeta(segmentPath string, m Meta) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp := metaPath(segmentPath) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, metaPath(segmentPath))
}

// ReadMeta loads a sealed segment's companion index file, used by
// pkg/grouplog to binary-search entry offsets and by cmd/ravel-inspect
// to dump segment contents.
func ReadMeta(segmentPath string) (Meta, error) {
	data, err := os.ReadFile(metaPath(segmentPath))
	if err != nil {
		return Meta{}, err
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, err
	}
	return m, nil
}

// Remove deletes a sealed segment file and its companion index file,
// used by pkg/grouplog's UpdateReleaseCursor once a segment falls behind
// the release cursor (spec.md §4.3, "the only mechanism that physically
// frees segments").
func Remove(segPath string) error {
	if err := os.Remove(segPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(metaPath(segPath)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func groupDir(baseDir string, groupID types.GroupId) string {
	return filepath.Join(baseDir, string(groupID))
}

func segmentPath(baseDir string, groupID types.GroupId, generation uint64) string {
	return filepath.Join(groupDir(baseDir, groupID), fmt.Sprintf("%010d.segment", generation))
}
