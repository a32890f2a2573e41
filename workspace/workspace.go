// Package workspace tracks the files of a per-session working directory.
// Snapshots taken before and after one execution are diffed to find the
// artifacts that execution produced. A workspace is exclusively owned by one
// session, so no locking is involved; the diff is a pure function of its two
// inputs.
package workspace

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/autolyst-dev/autolyst/model"
)

// GeneratedDir is the conventional subdirectory where payloads are told to
// write their outputs. Files written elsewhere are still detected.
const GeneratedDir = "generated"

// Entry records the metadata the tracker compares between snapshots.
type Entry struct {
	Size    int64
	ModTime time.Time
}

// Snapshot maps workspace-relative slash paths to file metadata.
type Snapshot map[string]Entry

// Take walks dir recursively and records every file's size and modification
// time. Directories themselves are not recorded.
func Take(dir string) (Snapshot, error) {
	snap := make(Snapshot)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		snap[filepath.ToSlash(rel)] = Entry{Size: info.Size(), ModTime: info.ModTime()}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshotting workspace: %w", err)
	}
	return snap, nil
}

// Diff returns the artifacts that distinguish after from before: paths only
// present in after, and paths present in both whose size or modification time
// changed. Results are ordered by path.
func Diff(before, after Snapshot) []model.Artifact {
	var artifacts []model.Artifact
	paths := make([]string, 0, len(after))
	for p := range after {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		cur := after[p]
		prev, existed := before[p]
		switch {
		case !existed:
			artifacts = append(artifacts, model.Artifact{Path: p, Size: cur.Size, Change: model.ChangeAdded})
		case prev.Size != cur.Size || !prev.ModTime.Equal(cur.ModTime):
			artifacts = append(artifacts, model.Artifact{Path: p, Size: cur.Size, Change: model.ChangeModified})
		}
	}
	return artifacts
}

// EnsureLayout creates the workspace root and its generated/ subdirectory.
func EnsureLayout(dir string) error {
	if err := os.MkdirAll(filepath.Join(dir, GeneratedDir), 0o755); err != nil {
		return fmt.Errorf("creating workspace layout: %w", err)
	}
	return nil
}

// StageFile writes an input file into the workspace root under its base name.
// Path separators and parent references in name are rejected so uploads cannot
// escape the workspace.
func StageFile(dir, name string, r io.Reader) (int64, error) {
	clean := filepath.ToSlash(filepath.Clean(name))
	for _, part := range strings.Split(clean, "/") {
		if part == ".." {
			return 0, fmt.Errorf("invalid input file name %q", name)
		}
	}
	base := filepath.Base(clean)
	if base == "." || base == "/" {
		return 0, fmt.Errorf("invalid input file name %q", name)
	}
	f, err := os.Create(filepath.Join(dir, base))
	if err != nil {
		return 0, fmt.Errorf("staging input file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		return n, fmt.Errorf("writing input file: %w", err)
	}
	return n, nil
}

// Remove deletes the workspace directory and everything under it.
func Remove(dir string) error {
	return os.RemoveAll(dir)
}
