package gitutil_test

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/user/tend/internal/gitutil"
)

// initRepo creates a minimal git repo in a temp dir with an initial commit.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := gitutil.InitWithBranch(dir, "main"); err != nil {
		t.Fatalf("InitWithBranch: %v", err)
	}
	if err := gitutil.Commit(dir, "initial commit"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return dir
}

func head(t *testing.T, dir string) string {
	t.Helper()
	sha, err := gitutil.ResolveCommit(dir, "HEAD")
	if err != nil {
		t.Fatalf("ResolveCommit HEAD: %v", err)
	}
	return sha
}

func writeFileInDir(t *testing.T, dir, filename, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, filename), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile %s: %v", filename, err)
	}
}

func runInDir(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func TestIsRepo(t *testing.T) {
	t.Parallel()
	repo := initRepo(t)
	if !gitutil.IsRepo(repo) {
		t.Error("initialised repo should be a repo")
	}
	if gitutil.IsRepo(t.TempDir()) {
		t.Error("plain temp dir should not be a repo")
	}
}

func TestStatusPorcelain(t *testing.T) {
	t.Parallel()
	repo := initRepo(t)

	lines, err := gitutil.StatusPorcelain(repo)
	if err != nil {
		t.Fatalf("StatusPorcelain: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("clean repo: %d lines, want 0", len(lines))
	}

	writeFileInDir(t, repo, "tracked.txt", "v1")
	if err := gitutil.Commit(repo, "add tracked"); err != nil {
		t.Fatal(err)
	}
	writeFileInDir(t, repo, "tracked.txt", "v2")
	os.MkdirAll(filepath.Join(repo, "newdir"), 0o755)
	writeFileInDir(t, repo, filepath.Join("newdir", "a.txt"), "a")
	writeFileInDir(t, repo, filepath.Join("newdir", "b.txt"), "b")
	writeFileInDir(t, repo, "staged.txt", "s")
	runInDir(t, repo, "add", "staged.txt")

	lines, err = gitutil.StatusPorcelain(repo)
	if err != nil {
		t.Fatalf("StatusPorcelain: %v", err)
	}
	if len(lines) != 4 {
		t.Errorf("dirty repo: %d lines (%q), want 4", len(lines), lines)
	}
}

func TestResolveCommit(t *testing.T) {
	t.Parallel()
	repo := initRepo(t)

	sha := head(t, repo)
	if len(sha) != 40 {
		t.Errorf("HEAD = %q, want 40-char hash", sha)
	}
	got, err := gitutil.ResolveCommit(repo, "main")
	if err != nil || got != sha {
		t.Errorf("ResolveCommit(main) = %q, %v; want %q", got, err, sha)
	}
	for _, rev := range []string{"deadbeef", "no-such-branch", "", "-n"} {
		if _, err := gitutil.ResolveCommit(repo, rev); !errors.Is(err, gitutil.ErrMissingObject) {
			t.Errorf("ResolveCommit(%q) error = %v, want ErrMissingObject", rev, err)
		}
	}
}

func TestResolveCommitOutsideRepo(t *testing.T) {
	t.Parallel()
	_, err := gitutil.ResolveCommit(t.TempDir(), "HEAD")
	if err == nil || errors.Is(err, gitutil.ErrMissingObject) {
		t.Errorf("error = %v, want a git error that is not ErrMissingObject", err)
	}
}

func TestIsAncestor(t *testing.T) {
	t.Parallel()
	repo := initRepo(t)
	c1 := head(t, repo)
	if err := gitutil.Commit(repo, "second"); err != nil {
		t.Fatal(err)
	}
	c2 := head(t, repo)

	tests := []struct {
		a, d string
		want bool
	}{
		{c1, c2, true},
		{c2, c2, true},
		{c2, c1, false},
	}
	for _, tt := range tests {
		got, err := gitutil.IsAncestor(repo, tt.a, tt.d)
		if err != nil {
			t.Fatalf("IsAncestor: %v", err)
		}
		if got != tt.want {
			t.Errorf("IsAncestor(%.7s, %.7s) = %v, want %v", tt.a, tt.d, got, tt.want)
		}
	}
}

func TestRevListAndCommitMessage(t *testing.T) {
	t.Parallel()
	repo := initRepo(t)
	runInDir(t, repo, "checkout", "-q", "-b", "feature", "main")
	if err := gitutil.Commit(repo, "first\n\nFeature-Key: abc"); err != nil {
		t.Fatal(err)
	}
	if err := gitutil.Commit(repo, "second"); err != nil {
		t.Fatal(err)
	}

	commits, err := gitutil.RevList(repo, "main", "feature")
	if err != nil {
		t.Fatalf("RevList: %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("RevList = %d commits, want 2", len(commits))
	}
	msg, err := gitutil.CommitMessage(repo, commits[1])
	if err != nil {
		t.Fatalf("CommitMessage: %v", err)
	}
	if msg != "first\n\nFeature-Key: abc" {
		t.Errorf("CommitMessage = %q", msg)
	}

	empty, err := gitutil.RevList(repo, "feature", "main")
	if err != nil || len(empty) != 0 {
		t.Errorf("RevList(feature..main) = %v, %v; want empty", empty, err)
	}
}

func TestBranchExists(t *testing.T) {
	t.Parallel()
	repo := initRepo(t)
	if !gitutil.BranchExists(repo, "main") {
		t.Error("main branch should exist")
	}
	if gitutil.BranchExists(repo, "nonexistent") {
		t.Error("nonexistent branch should not exist")
	}
}

func TestDefaultBranch(t *testing.T) {
	t.Parallel()
	if got := gitutil.DefaultBranch(initRepo(t)); got != "main" {
		t.Errorf("DefaultBranch = %q, want main", got)
	}

	dir := t.TempDir()
	if err := gitutil.InitWithBranch(dir, "master"); err != nil {
		t.Fatal(err)
	}
	if err := gitutil.Commit(dir, "initial"); err != nil {
		t.Fatal(err)
	}
	if got := gitutil.DefaultBranch(dir); got != "master" {
		t.Errorf("DefaultBranch = %q, want master", got)
	}
}

func TestWorktreeLifecycle(t *testing.T) {
	t.Parallel()
	repo := initRepo(t)
	wt := filepath.Join(t.TempDir(), "wt")

	if err := gitutil.WorktreeAdd(repo, wt, "tend/job-a", "main"); err != nil {
		t.Fatalf("WorktreeAdd: %v", err)
	}
	if !gitutil.BranchExists(repo, "tend/job-a") {
		t.Error("branch should exist after WorktreeAdd")
	}
	paths, err := gitutil.WorktreeList(repo)
	if err != nil {
		t.Fatalf("WorktreeList: %v", err)
	}
	if len(paths) != 2 {
		t.Errorf("WorktreeList = %v, want 2 entries", paths)
	}

	if err := gitutil.WorktreeRemove(repo, wt); err != nil {
		t.Fatalf("WorktreeRemove: %v", err)
	}
	if err := gitutil.WorktreePrune(repo); err != nil {
		t.Fatalf("WorktreePrune: %v", err)
	}

	// Re-adding onto the existing branch reuses it.
	if err := gitutil.WorktreeAdd(repo, wt, "tend/job-a", "main"); err != nil {
		t.Fatalf("WorktreeAdd existing branch: %v", err)
	}
}

func TestWorktreeAddFailsOnBadBase(t *testing.T) {
	t.Parallel()
	repo := initRepo(t)
	wt := filepath.Join(t.TempDir(), "wt")
	if err := gitutil.WorktreeAdd(repo, wt, "x", "no-such-base"); err == nil {
		t.Error("WorktreeAdd with missing base should fail")
	}
}
