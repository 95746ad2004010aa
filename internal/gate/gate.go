// Package gate verifies git history before a job's work is trusted: that a
// worktree contains a required commit, that a reported commit is on a
// branch, and that every commit on a feature branch carries its key.
package gate

import (
	"errors"
	"strings"

	"github.com/user/tend/internal/gitutil"
)

// Gate names.
const (
	NameBaseline   = "baseline"
	NameIntegrity  = "integrity"
	NameFeatureKey = "feature_key"
)

// Failure reasons.
const (
	ReasonOK                  = "ok"
	ReasonRequiredMissing     = "required_commit_missing"
	ReasonBaselineNotMet      = "baseline_not_met"
	ReasonReportedNotFound    = "reported_commit_not_found"
	ReasonReportedNotAncestor = "reported_not_ancestor"
	ReasonNoCommitsInRange    = "no_commits_in_range"
	ReasonFeatureKeyMissing   = "feature_key_missing_in_commits"
	ReasonBranchNotFound      = "branch_not_found"
	ReasonInvalidArgument     = "invalid_argument"
	ReasonGitError            = "git_error"
)

// TrailerKey is the commit trailer FeatureKey looks for.
const TrailerKey = "Feature-Key"

// Result is a gate verdict. Fields carries diagnostics such as resolved
// commits.
type Result struct {
	Gate   string         `json:"gate"`
	Passed bool           `json:"passed"`
	Reason string         `json:"reason"`
	Fields map[string]any `json:"fields,omitempty"`
}

func pass(gate string, fields map[string]any) Result {
	return Result{Gate: gate, Passed: true, Reason: ReasonOK, Fields: fields}
}

func fail(gate, reason string, fields map[string]any) Result {
	return Result{Gate: gate, Reason: reason, Fields: fields}
}

func gitFailure(gate string, err error, fields map[string]any) Result {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["error"] = err.Error()
	return fail(gate, ReasonGitError, fields)
}

// Baseline passes when required is HEAD or an ancestor of it.
func Baseline(worktree, required string) Result {
	f := map[string]any{"required_commit": required}
	if required == "" {
		return fail(NameBaseline, ReasonInvalidArgument, f)
	}
	head, err := gitutil.ResolveCommit(worktree, "HEAD")
	if err != nil {
		return gitFailure(NameBaseline, err, f)
	}
	f["runtime_commit"] = head
	req, err := gitutil.ResolveCommit(worktree, required)
	if errors.Is(err, gitutil.ErrMissingObject) {
		return fail(NameBaseline, ReasonRequiredMissing, f)
	}
	if err != nil {
		return gitFailure(NameBaseline, err, f)
	}
	f["required_commit"] = req
	ok, err := gitutil.IsAncestor(worktree, req, head)
	if err != nil {
		return gitFailure(NameBaseline, err, f)
	}
	if !ok {
		return fail(NameBaseline, ReasonBaselineNotMet, f)
	}
	return pass(NameBaseline, f)
}

// Integrity passes when reported is an ancestor of branch's head.
func Integrity(worktree, reported, branch string) Result {
	f := map[string]any{"reported_commit": reported, "branch": branch}
	if reported == "" || branch == "" {
		return fail(NameIntegrity, ReasonInvalidArgument, f)
	}
	tip, err := gitutil.ResolveCommit(worktree, branch)
	if errors.Is(err, gitutil.ErrMissingObject) {
		return fail(NameIntegrity, ReasonBranchNotFound, f)
	}
	if err != nil {
		return gitFailure(NameIntegrity, err, f)
	}
	f["branch_head"] = tip
	rep, err := gitutil.ResolveCommit(worktree, reported)
	if errors.Is(err, gitutil.ErrMissingObject) {
		return fail(NameIntegrity, ReasonReportedNotFound, f)
	}
	if err != nil {
		return gitFailure(NameIntegrity, err, f)
	}
	f["reported_commit"] = rep
	ok, err := gitutil.IsAncestor(worktree, rep, tip)
	if err != nil {
		return gitFailure(NameIntegrity, err, f)
	}
	if !ok {
		return fail(NameIntegrity, ReasonReportedNotAncestor, f)
	}
	return pass(NameIntegrity, f)
}

// FeatureKey passes when every commit in base..branch has the trailer line
// "Feature-Key: <key>".
func FeatureKey(worktree, key, branch, base string) Result {
	f := map[string]any{"key": key, "branch": branch, "base": base}
	if key == "" || branch == "" || base == "" {
		return fail(NameFeatureKey, ReasonInvalidArgument, f)
	}
	for _, ref := range []string{branch, base} {
		if _, err := gitutil.ResolveCommit(worktree, ref); err != nil {
			if errors.Is(err, gitutil.ErrMissingObject) {
				f["missing_ref"] = ref
				return fail(NameFeatureKey, ReasonBranchNotFound, f)
			}
			return gitFailure(NameFeatureKey, err, f)
		}
	}
	commits, err := gitutil.RevList(worktree, base, branch)
	if err != nil {
		return gitFailure(NameFeatureKey, err, f)
	}
	f["commits_checked"] = len(commits)
	if len(commits) == 0 {
		return fail(NameFeatureKey, ReasonNoCommitsInRange, f)
	}
	var missing []string
	for _, sha := range commits {
		msg, err := gitutil.CommitMessage(worktree, sha)
		if err != nil {
			return gitFailure(NameFeatureKey, err, f)
		}
		if !HasTrailer(msg, key) {
			missing = append(missing, sha)
		}
	}
	if len(missing) > 0 {
		f["missing_commits"] = missing
		return fail(NameFeatureKey, ReasonFeatureKeyMissing, f)
	}
	return pass(NameFeatureKey, f)
}

// HasTrailer reports whether msg has a line that is exactly the feature-key
// trailer for key.
func HasTrailer(msg, key string) bool {
	want := TrailerKey + ": " + key
	for _, line := range strings.Split(msg, "\n") {
		if strings.TrimRight(line, "\r") == want {
			return true
		}
	}
	return false
}
