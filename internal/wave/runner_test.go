package wave

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/user/tend/internal/health"
	"github.com/user/tend/internal/job"
	"github.com/user/tend/internal/jobstore"
)

// fakeJob runs for a number of health polls, then exits.
type fakeJob struct {
	pollsLeft int
	exitCode  int
	stopped   bool
	launches  int
}

type fakeJobs struct {
	mu       sync.Mutex
	jobs     map[string]*fakeJob
	fail     map[string]bool
	polls    int
	order    []string
	maxLive  int
	requests []job.StartRequest
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[string]*fakeJob{}, fail: map[string]bool{}, polls: 2}
}

func (f *fakeJobs) live() int {
	n := 0
	for _, j := range f.jobs {
		if !j.stopped && j.pollsLeft > 0 {
			n++
		}
	}
	return n
}

func (f *fakeJobs) Start(_ context.Context, req job.StartRequest) (*jobstore.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[req.ID]
	if j == nil {
		j = &fakeJob{}
		f.jobs[req.ID] = j
	}
	j.pollsLeft, j.stopped = f.polls, false
	j.exitCode = 0
	if f.fail[req.ID] {
		j.exitCode = 1
	}
	j.launches++
	f.order = append(f.order, req.ID)
	f.requests = append(f.requests, req)
	if l := f.live(); l > f.maxLive {
		f.maxLive = l
	}
	return &jobstore.Record{ID: req.ID, PID: 100}, nil
}

func (f *fakeJobs) Stop(_ context.Context, id string) (*jobstore.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	if j == nil {
		return nil, fmt.Errorf("job %s: %w", id, jobstore.ErrNotFound)
	}
	j.stopped = true
	return &jobstore.Outcome{State: jobstore.OutcomeKilled, ExitCode: 143}, nil
}

func (f *fakeJobs) Health(_ context.Context, id string) (health.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	if j == nil {
		return health.Result{}, fmt.Errorf("job %s: %w", id, jobstore.ErrNotFound)
	}
	switch {
	case j.stopped:
		return health.Result{JobID: id, State: health.ExitedErr}, nil
	case j.pollsLeft > 0:
		j.pollsLeft--
		return health.Result{JobID: id, State: health.Healthy, Alive: true, LaunchedAt: time.Unix(100, 0)}, nil
	case j.exitCode == 0:
		return health.Result{JobID: id, State: health.ExitedOK, CompletedAt: time.Unix(200, 0)}, nil
	default:
		return health.Result{JobID: id, State: health.ExitedErr, CompletedAt: time.Unix(200, 0)}, nil
	}
}

// ActiveCount also advances every live job by one poll, standing in for
// time passing while the runner waits for a slot.
func (f *fakeJobs) ActiveCount(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.live()
	for _, j := range f.jobs {
		if !j.stopped && j.pollsLeft > 0 {
			j.pollsLeft--
		}
	}
	return n, nil
}

func newRunner(t *testing.T, src string, jobs *fakeJobs) *Runner {
	t.Helper()
	p, err := BuildPlan(mustParse(t, src))
	if err != nil {
		t.Fatal(err)
	}
	return &Runner{
		Jobs:       jobs,
		Plan:       p,
		Request:    Requests("/ws", "/ws/.tend/worktrees", func(r string) string { return "/repos/" + r }),
		MaxWorkers: 2,
		Poll:       time.Millisecond,
	}
}

func TestRunner_RunsWavesInOrder(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	r := newRunner(t, chainManifest, jobs)
	if err := r.Run(t.Context(), 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(jobs.order, []string{"A", "B", "C"}) {
		t.Errorf("launch order = %v", jobs.order)
	}
	if jobs.requests[0].Worktree != "/ws/wt/a" || jobs.requests[0].Prompt != "build the base" {
		t.Errorf("request = %+v", jobs.requests[0])
	}
}

func TestRunner_RespectsWorkerLimit(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	jobs.polls = 5
	var src = "tasks:\n"
	for i := range 6 {
		src += fmt.Sprintf("  - {id: t%d, repo: app}\n", i)
	}
	r := newRunner(t, src, jobs)
	if err := r.Run(t.Context(), 0); err != nil {
		t.Fatal(err)
	}
	if len(jobs.order) != 6 {
		t.Errorf("launched %d, want 6", len(jobs.order))
	}
	if jobs.maxLive > 2 {
		t.Errorf("max live = %d, want <= 2", jobs.maxLive)
	}
	req := jobs.requests[0]
	if req.Repo != "/repos/app" || req.Worktree != "/ws/.tend/worktrees/t0" || req.Branch != "tend/t0" {
		t.Errorf("request = %+v", req)
	}
}

func TestRunner_HaltsOnFailure(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	jobs.fail["B"] = true
	r := newRunner(t, chainManifest, jobs)
	err := r.Run(t.Context(), 0)
	if !errors.Is(err, ErrWaveFailed) {
		t.Fatalf("Run error = %v, want ErrWaveFailed", err)
	}
	if !reflect.DeepEqual(jobs.order, []string{"A", "B"}) {
		t.Errorf("launch order = %v; C must not start", jobs.order)
	}
}

func TestRunner_ResumeSkipsCompleted(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	jobs.fail["B"] = true
	r := newRunner(t, chainManifest, jobs)
	r.Run(t.Context(), 0)

	delete(jobs.fail, "B")
	if _, err := r.Rerun(t.Context(), "B"); err != nil {
		t.Fatalf("Rerun: %v", err)
	}
	if err := r.Run(t.Context(), 1); err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	if jobs.jobs["A"].launches != 1 {
		t.Errorf("A launched %d times, want 1", jobs.jobs["A"].launches)
	}
	if jobs.jobs["B"].launches != 2 {
		t.Errorf("B launched %d times, want 2 (rerun only)", jobs.jobs["B"].launches)
	}
	if jobs.jobs["C"] == nil || jobs.jobs["C"].launches != 1 {
		t.Error("C not launched after resume")
	}
}

func TestRunner_RerunDoesNotCascade(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	r := newRunner(t, chainManifest, jobs)
	r.Run(t.Context(), 0)

	if _, err := r.Rerun(t.Context(), "A"); err != nil {
		t.Fatal(err)
	}
	if jobs.jobs["B"].launches != 1 || jobs.jobs["C"].launches != 1 {
		t.Error("rerun of A relaunched dependents")
	}
	if _, err := r.Rerun(t.Context(), "nope"); err == nil {
		t.Error("Rerun accepted unknown task")
	}
}

func TestRunner_BadFrom(t *testing.T) {
	t.Parallel()
	r := newRunner(t, chainManifest, newFakeJobs())
	if err := r.Run(t.Context(), 3); err == nil {
		t.Error("Run accepted from past the last wave")
	}
}

func TestRunner_FromRefusesIncompleteEarlierWave(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	r := newRunner(t, chainManifest, jobs)
	err := r.Run(t.Context(), 1)
	if !errors.Is(err, ErrEarlierWaveIncomplete) {
		t.Fatalf("Run error = %v, want ErrEarlierWaveIncomplete", err)
	}
	if len(jobs.order) != 0 {
		t.Errorf("launched %v before refusing", jobs.order)
	}

	if err := r.RunWave(t.Context(), 0); err != nil {
		t.Fatal(err)
	}
	if err := r.Run(t.Context(), 2); !errors.Is(err, ErrEarlierWaveIncomplete) {
		t.Errorf("Run(2) with wave 1 pending = %v, want ErrEarlierWaveIncomplete", err)
	}
	if err := r.Run(t.Context(), 1); err != nil {
		t.Fatalf("Run(1) after wave 0 completed: %v", err)
	}
	if !reflect.DeepEqual(jobs.order, []string{"A", "B", "C"}) {
		t.Errorf("launch order = %v", jobs.order)
	}
}

func TestRunner_CancelledWhileWaiting(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	jobs.polls = 1 << 30
	r := newRunner(t, chainManifest, jobs)
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run error = %v, want deadline exceeded", err)
	}
}

func TestPhaseOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		res  health.Result
		err  error
		want Phase
	}{
		{health.Result{}, jobstore.ErrNotFound, PhasePending},
		{health.Result{}, errors.New("corrupt"), PhaseFailed},
		{health.Result{State: health.Missing}, nil, PhasePending},
		{health.Result{State: health.Launching, Alive: true}, nil, PhaseRunning},
		{health.Result{State: health.Stalled, Alive: true}, nil, PhaseRunning},
		{health.Result{State: health.Stalled}, nil, PhaseFailed},
		{health.Result{State: health.Blocked, Alive: true}, nil, PhaseFailed},
		{health.Result{State: health.ExitedOK}, nil, PhaseCompleted},
		{health.Result{State: health.ExitedErr}, nil, PhaseFailed},
	}
	for _, tt := range tests {
		if got := PhaseOf(tt.res, tt.err); got != tt.want {
			t.Errorf("PhaseOf(%s, %v) = %s, want %s", tt.res.State, tt.err, got, tt.want)
		}
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	jobs.polls = 100
	r := newRunner(t, chainManifest, jobs)
	jobs.Start(t.Context(), r.Request(Task{ID: "A", Worktree: "wt/a"}))

	states, err := Status(t.Context(), r.Plan, jobs)
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 3 {
		t.Fatalf("states = %d, want 3", len(states))
	}
	if states[0].Running != 1 || states[0].StartedAt == nil || states[0].FinishedAt != nil {
		t.Errorf("wave 0 = %+v", states[0])
	}
	if states[1].Pending != 1 || states[2].Pending != 1 {
		t.Errorf("later waves = %+v, %+v", states[1], states[2])
	}

	jobs.jobs["A"].pollsLeft = 0
	states, _ = Status(t.Context(), r.Plan, jobs)
	if !states[0].Done() || states[0].FinishedAt == nil {
		t.Errorf("wave 0 after exit = %+v", states[0])
	}
}
