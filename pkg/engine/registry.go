package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/ravel/pkg/types"
)

// groupRegistry persists the set of group ids this node hosts, so a
// restart knows which groups wal.Open must recover hot-cache entries for
// before any group is reopened by the host process (wal.Open takes its
// knownGroups list up front). This is implementation bookkeeping, not a
// spec.md-defined record — plain JSON on disk, matching the rest of the
// module's on-disk convention.
type groupRegistry struct {
	path string

	mu  sync.Mutex
	ids map[types.GroupId]struct{}
}

type registryFile struct {
	Groups []types.GroupId `json:"groups"`
}

func openGroupRegistry(dataDir string) (*groupRegistry, error) {
	r := &groupRegistry{
		path: filepath.Join(dataDir, "groups.json"),
		ids:  make(map[types.GroupId]struct{}),
	}

	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, err
	}

	var f registryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	for _, id := range f.Groups {
		r.ids[id] = struct{}{}
	}
	return r, nil
}

func (r *groupRegistry) list() []types.GroupId {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.GroupId, 0, len(r.ids))
	for id := range r.ids {
		out = append(out, id)
	}
	return out
}

func (r *groupRegistry) add(id types.GroupId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return nil
	}
	r.ids[id] = struct{}{}
	return r.persistLocked()
}

func (r *groupRegistry) remove(id types.GroupId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; !ok {
		return nil
	}
	delete(r.ids, id)
	return r.persistLocked()
}

func (r *groupRegistry) persistLocked() error {
	f := registryFile{Groups: make([]types.GroupId, 0, len(r.ids))}
	for id := range r.ids {
		f.Groups = append(f.Groups, id)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(r.path, data, 0o644)
}
