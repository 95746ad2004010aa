// Package mutation counts worktree changes that happen independently of a
// job's log output.
package mutation

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/user/tend/internal/gitutil"
)

// Detector measures worktree mutations. Concurrent calls for the same
// worktree and reference time share one measurement.
type Detector struct {
	group singleflight.Group
}

func New() *Detector { return &Detector{} }

// Count returns the number of changed paths in worktree. For a git work tree
// that is the number of `git status --porcelain` lines, covering staged,
// unstaged and untracked paths. Otherwise it is the number of regular files
// modified after since, with .git directories skipped.
func (d *Detector) Count(ctx context.Context, worktree string, since time.Time) (int, error) {
	if worktree == "" {
		return 0, fmt.Errorf("mutation: empty worktree path")
	}
	key := worktree + "\x00" + strconv.FormatInt(since.UnixNano(), 10)
	v, err, _ := d.group.Do(key, func() (any, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if _, err := os.Stat(worktree); err != nil {
			return 0, fmt.Errorf("mutation: %w", err)
		}
		if gitutil.IsRepo(worktree) {
			lines, err := gitutil.StatusPorcelain(worktree)
			if err != nil {
				return 0, fmt.Errorf("mutation: %w", err)
			}
			return len(lines), nil
		}
		return countNewer(ctx, worktree, since)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func countNewer(ctx context.Context, root string, since time.Time) (int, error) {
	n := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Files vanishing mid-walk are expected in a live worktree.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" && path != root {
				return filepath.SkipDir
			}
			return ctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(since) {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("mutation: walk %s: %w", root, err)
	}
	return n, nil
}
