package scan

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/banshee-data/motorscan/internal/fsutil"
)

// Files written to a saved scan directory.
const (
	DataFile     = "data.json"
	MetadataFile = "metadata.json"
)

// Load reads a saved scan directory.
func Load(fsys fsutil.FileSystem, dir string) (*Result, error) {
	res := &Result{OutputDir: dir}
	if err := fsutil.ReadJSON(fsys, filepath.Join(dir, MetadataFile), &res.Metadata); err != nil {
		return nil, err
	}
	if err := fsutil.ReadJSON(fsys, filepath.Join(dir, DataFile), &res.Data); err != nil {
		return nil, err
	}
	return res, nil
}

// ListSaved returns the saved scan directories under dirname, newest scan
// start time first. Directories without a readable metadata file are skipped.
func ListSaved(fsys fsutil.FileSystem, dirname string) ([]string, error) {
	names, err := fsys.ReadDir(dirname)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dirname, err)
	}

	type entry struct {
		dir  string
		meta Metadata
	}
	var entries []entry
	for _, name := range names {
		dir := filepath.Join(dirname, name)
		var m Metadata
		if err := fsutil.ReadJSON(fsys, filepath.Join(dir, MetadataFile), &m); err != nil {
			continue
		}
		entries = append(entries, entry{dir: dir, meta: m})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].meta.ScanStartTime.After(entries[j].meta.ScanStartTime)
	})

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.dir
	}
	return out, nil
}
