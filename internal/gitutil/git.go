package gitutil

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrMissingObject is returned when a revision does not name a commit in
// the repository.
var ErrMissingObject = errors.New("no such commit")

// run executes a git command in the given directory and returns stdout.
func run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w\n%s", strings.Join(args, " "), err, strings.TrimSpace(errBuf.String()))
	}
	return strings.TrimSpace(out.String()), nil
}

// runAllowFail executes a git command and returns (stdout, exitCode, error).
// err is set only when git could not be run at all.
func runAllowFail(dir string, args ...string) (string, int, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err := cmd.Run()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", -1, err
		}
		code = exitErr.ExitCode()
	}
	return strings.TrimSpace(out.String()), code, nil
}

// IsRepo reports whether dir is inside a git work tree.
func IsRepo(dir string) bool {
	out, code, err := runAllowFail(dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && code == 0 && out == "true"
}

// StatusPorcelain returns one line per changed path: staged, unstaged and
// untracked files, with untracked directories expanded.
func StatusPorcelain(dir string) ([]string, error) {
	out, err := run(dir, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// ResolveCommit returns the full hash rev points at. A rev that names no
// commit yields ErrMissingObject; any other git failure is returned as is.
func ResolveCommit(dir, rev string) (string, error) {
	if rev == "" || strings.HasPrefix(rev, "-") {
		return "", fmt.Errorf("resolve %q: %w", rev, ErrMissingObject)
	}
	out, code, err := runAllowFail(dir, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	if err != nil {
		return "", err
	}
	switch code {
	case 0:
		return out, nil
	case 1:
		return "", fmt.Errorf("resolve %s: %w", rev, ErrMissingObject)
	default:
		return "", fmt.Errorf("git rev-parse %s: exit status %d", rev, code)
	}
}

// IsAncestor reports whether ancestor is reachable from descendant. A commit
// is its own ancestor.
func IsAncestor(dir, ancestor, descendant string) (bool, error) {
	_, code, err := runAllowFail(dir, "merge-base", "--is-ancestor", ancestor, descendant)
	if err != nil {
		return false, err
	}
	switch code {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, fmt.Errorf("git merge-base --is-ancestor %s %s: exit status %d", ancestor, descendant, code)
	}
}

// RevList returns the commits reachable from head but not from base, newest
// first.
func RevList(dir, base, head string) ([]string, error) {
	out, err := run(dir, "rev-list", base+".."+head)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// CommitMessage returns the raw message (subject and body) of a commit.
func CommitMessage(dir, sha string) (string, error) {
	return run(dir, "log", "-1", "--format=%B", sha)
}

// WorktreeAdd creates a new git worktree at worktreePath on branchName,
// branching off baseBranch. If branchName already exists, it is used directly.
// Prunes stale registrations first so a retry after os.RemoveAll-only cleanup
// doesn't fail with "missing but already registered worktree".
func WorktreeAdd(repoPath, worktreePath, branchName, baseBranch string) error {
	WorktreePrune(repoPath) //nolint:errcheck

	if BranchExists(repoPath, branchName) {
		_, err := run(repoPath, "worktree", "add", worktreePath, branchName)
		return err
	}
	_, err := run(repoPath, "worktree", "add", "-b", branchName, worktreePath, baseBranch)
	return err
}

// WorktreeRemove removes a git worktree.
func WorktreeRemove(repoPath, worktreePath string) error {
	_, err := run(repoPath, "worktree", "remove", "--force", worktreePath)
	return err
}

// WorktreePrune runs git worktree prune to clean up stale references.
func WorktreePrune(repoPath string) error {
	_, err := run(repoPath, "worktree", "prune")
	return err
}

// WorktreeList returns the paths of every worktree registered in the repo,
// the main one first.
func WorktreeList(repoPath string) ([]string, error) {
	out, err := run(repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if p, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// BranchExists returns true if the branch exists in the repo.
func BranchExists(repoPath, branchName string) bool {
	_, err := run(repoPath, "rev-parse", "--verify", "--quiet", branchName)
	return err == nil
}

// DefaultBranch detects the default branch of a repo by checking the remote
// HEAD, then falling back to looking for "main" or "master" locally.
func DefaultBranch(repoPath string) string {
	out, _, err := runAllowFail(repoPath, "symbolic-ref", "refs/remotes/origin/HEAD", "--short")
	if err == nil && out != "" {
		if _, branch, ok := strings.Cut(out, "/"); ok {
			return branch
		}
	}
	for _, branch := range []string{"main", "master"} {
		if BranchExists(repoPath, branch) {
			return branch
		}
	}
	return "main"
}

// InitWithBranch initializes a git repo with a specific initial branch name.
func InitWithBranch(dir, branch string) error {
	_, err := run(dir, "init", "-b", branch)
	return err
}

// Commit records every change in the work tree (or nothing, when clean)
// under a fixed local identity.
func Commit(dir, message string) error {
	if _, err := run(dir, "add", "-A"); err != nil {
		return err
	}
	_, err := run(dir,
		"-c", "user.email=tend@local", "-c", "user.name=tend", "-c", "commit.gpgsign=false",
		"commit", "--allow-empty", "-m", message)
	return err
}
