package wave

import (
	"errors"
	"log/slog"
	"path/filepath"

	"github.com/user/tend/internal/gitutil"
)

// CleanReport lists what Clean removed.
type CleanReport struct {
	Files     []string `json:"files"`
	Worktrees []string `json:"worktrees,omitempty"`
	Pruned    []string `json:"pruned,omitempty"`
}

// Clean removes the plan in dir and prunes stale worktree registrations in
// every repo the plan's tasks use. With removeWorktrees, task worktrees
// that git still knows about are removed as well. Job records are kept.
func Clean(dir string, req RequestFunc, removeWorktrees bool) (CleanReport, error) {
	var rep CleanReport
	// Without a readable plan there are no repos to prune; files still go.
	p, _ := LoadPlan(dir)
	var errs []error
	if p != nil && req != nil {
		var repos []string
		seen := map[string]bool{}
		for _, t := range p.Manifest.Tasks {
			r := req(t)
			if r.Repo == "" || !gitutil.IsRepo(r.Repo) {
				continue
			}
			if removeWorktrees && r.Worktree != "" && registered(r.Repo, r.Worktree) {
				if err := gitutil.WorktreeRemove(r.Repo, r.Worktree); err != nil {
					errs = append(errs, err)
				} else {
					rep.Worktrees = append(rep.Worktrees, r.Worktree)
				}
			}
			if !seen[r.Repo] {
				seen[r.Repo] = true
				repos = append(repos, r.Repo)
			}
		}
		for _, repo := range repos {
			if err := gitutil.WorktreePrune(repo); err != nil {
				errs = append(errs, err)
				continue
			}
			rep.Pruned = append(rep.Pruned, repo)
		}
	}
	files, err := RemovePlanFiles(dir)
	rep.Files = files
	if err != nil {
		errs = append(errs, err)
	}
	if len(rep.Files) > 0 {
		slog.Info("plan removed", slog.String("dir", dir), slog.Int("files", len(rep.Files)))
	}
	return rep, errors.Join(errs...)
}

func registered(repo, worktree string) bool {
	list, err := gitutil.WorktreeList(repo)
	if err != nil {
		return false
	}
	want := canonical(worktree)
	for _, w := range list {
		if canonical(w) == want {
			return true
		}
	}
	return false
}

func canonical(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if real, err := filepath.EvalSymlinks(p); err == nil {
		return real
	}
	return filepath.Clean(p)
}
