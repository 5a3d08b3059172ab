package executor

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/taskforge/internal/agent"
	"github.com/user/taskforge/internal/budget"
	"github.com/user/taskforge/internal/lifecycle"
	"github.com/user/taskforge/internal/progress"
	"github.com/user/taskforge/internal/store"
)

type fakeRunner struct {
	result *agent.Result
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, task *store.Task, reserved float64) (*agent.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fixture struct {
	store    *store.Store
	projects *store.ProjectRepo
	plans    *store.PlanRepo
	tasks    *store.TaskRepo
	deps     *store.TaskDepRepo
	usage    *store.UsageRepo
	budget   *budget.Manager
	runner   *fakeRunner
	exec     *Executor
}

func newFixture(t *testing.T, dailyLimit float64) *fixture {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{
		store:    s,
		projects: store.NewProjectRepo(s),
		plans:    store.NewPlanRepo(s),
		tasks:    store.NewTaskRepo(s),
		deps:     store.NewTaskDepRepo(s),
		usage:    store.NewUsageRepo(s),
		runner:   &fakeRunner{result: &agent.Result{Output: "ok", ModelUsed: "claude-sonnet-4-5"}},
	}
	f.budget = budget.New(f.usage, dailyLimit, 0, 0)
	bus := progress.New(store.NewTaskEventRepo(s))
	lc := lifecycle.New(f.tasks, store.NewCheckpointRepo(s), bus, f.budget, f.runner, f.runner, nil, lifecycle.Config{})
	// No backend registry or monitor: availability gates pass through.
	f.exec = New(f.projects, f.tasks, f.budget, bus, nil, nil, lc, Config{
		TickInterval:       time.Hour, // ticks are driven manually in tests
		MaxConcurrentTasks: 4,
		StaleTaskAfter:     10 * time.Minute,
	})
	return f
}

func (f *fixture) seedProject(t *testing.T) (*store.Project, *store.Plan) {
	t.Helper()
	ctx := context.Background()
	project := &store.Project{Name: "P", Requirements: "reqs", Status: store.ProjectExecuting}
	if err := f.projects.Create(ctx, project); err != nil {
		t.Fatalf("create project error = %v", err)
	}
	p := &store.Plan{ProjectID: project.ID, Version: 1, PlanJSON: "{}", Status: store.PlanApproved}
	if err := f.plans.Create(ctx, p); err != nil {
		t.Fatalf("create plan error = %v", err)
	}
	return project, p
}

func (f *fixture) seedTask(t *testing.T, project *store.Project, p *store.Plan, mutate func(*store.Task)) *store.Task {
	t.Helper()
	task := &store.Task{
		ProjectID:   project.ID,
		PlanID:      p.ID,
		Title:       "T",
		Description: "work",
		Status:      store.TaskPending,
		ModelTier:   store.TierSonnet,
		MaxTokens:   1024,
		MaxRetries:  3,
	}
	if mutate != nil {
		mutate(task)
	}
	if err := f.tasks.Create(context.Background(), task); err != nil {
		t.Fatalf("create task error = %v", err)
	}
	return task
}

func (f *fixture) waitForStatus(t *testing.T, taskID, want string) *store.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := f.tasks.Get(context.Background(), taskID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := f.tasks.Get(context.Background(), taskID)
	t.Fatalf("task %q status = %s, want %s", taskID, task.Status, want)
	return nil
}

func TestTickDispatchesReadyTask(t *testing.T) {
	f := newFixture(t, 0)
	project, p := f.seedProject(t)
	task := f.seedTask(t, project, p, nil)

	if err := f.exec.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	got := f.waitForStatus(t, task.ID, store.TaskCompleted)
	if !got.OutputText.Valid || got.OutputText.String != "ok" {
		t.Errorf("output = %+v", got.OutputText)
	}
}

func TestTickCompletesProject(t *testing.T) {
	f := newFixture(t, 0)
	project, p := f.seedProject(t)
	f.seedTask(t, project, p, func(task *store.Task) {
		task.Status = store.TaskCompleted
		task.OutputText = sql.NullString{String: "done", Valid: true}
	})

	if err := f.exec.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	got, err := f.projects.Get(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("Get project error = %v", err)
	}
	if got.Status != store.ProjectCompleted {
		t.Fatalf("project status = %s, want completed", got.Status)
	}
	if !got.CompletedAt.Valid {
		t.Errorf("completed_at not set")
	}
}

func TestTickFailsProjectWithFailedTasks(t *testing.T) {
	f := newFixture(t, 0)
	project, p := f.seedProject(t)
	f.seedTask(t, project, p, func(task *store.Task) { task.Status = store.TaskFailed })
	f.seedTask(t, project, p, func(task *store.Task) { task.Status = store.TaskCompleted })

	if err := f.exec.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	got, _ := f.projects.Get(context.Background(), project.ID)
	if got.Status != store.ProjectFailed {
		t.Fatalf("project status = %s, want failed", got.Status)
	}
}

func TestTickFailsDeadProject(t *testing.T) {
	f := newFixture(t, 0)
	project, p := f.seedProject(t)
	failed := f.seedTask(t, project, p, func(task *store.Task) { task.Status = store.TaskFailed })
	blocked := f.seedTask(t, project, p, func(task *store.Task) {
		task.Status = store.TaskBlocked
		task.Wave = 1
	})
	if err := f.deps.Create(context.Background(), blocked.ID, failed.ID); err != nil {
		t.Fatalf("create edge error = %v", err)
	}

	if err := f.exec.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	got, _ := f.projects.Get(context.Background(), project.ID)
	if got.Status != store.ProjectFailed {
		t.Fatalf("project status = %s, want failed (blocked behind failed dependency)", got.Status)
	}
}

func TestTickUnblocksCompletedDependencies(t *testing.T) {
	f := newFixture(t, 0)
	project, p := f.seedProject(t)
	done := f.seedTask(t, project, p, func(task *store.Task) {
		task.Status = store.TaskCompleted
		task.OutputText = sql.NullString{String: "done", Valid: true}
	})
	blocked := f.seedTask(t, project, p, func(task *store.Task) {
		task.Status = store.TaskBlocked
		task.Wave = 1
	})
	if err := f.deps.Create(context.Background(), blocked.ID, done.ID); err != nil {
		t.Fatalf("create edge error = %v", err)
	}

	if err := f.exec.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	f.waitForStatus(t, blocked.ID, store.TaskCompleted)
}

func TestTickPausesProjectOnBudgetExhaustion(t *testing.T) {
	f := newFixture(t, 0.05)
	project, p := f.seedProject(t)
	f.seedTask(t, project, p, nil)

	// Commit spend past the daily limit so even the probe reservation
	// is refused.
	err := f.usage.Record(context.Background(), &store.UsageLogEntry{
		Provider: "anthropic", Model: "claude-sonnet-4-5", CostUSD: 0.10,
	}, time.Now().UTC().Format("2006-01-02"), time.Now().UTC().Format("2006-01"))
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	if err := f.exec.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	got, _ := f.projects.Get(context.Background(), project.ID)
	if got.Status != store.ProjectPaused {
		t.Fatalf("project status = %s, want paused", got.Status)
	}
}

func TestTickSkipsTaskInRetryBackoff(t *testing.T) {
	f := newFixture(t, 0)
	project, p := f.seedProject(t)

	// First attempt fails transiently; the task lands in backoff.
	f.runner.err = &agent.HTTPStatusError{StatusCode: 503}
	task := f.seedTask(t, project, p, nil)
	if err := f.exec.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := f.tasks.Get(context.Background(), task.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.RetryCount == 1 && got.Status == store.TaskPending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never entered backoff: status=%s retry_count=%d", got.Status, got.RetryCount)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Second tick before the retry-after timestamp must not dispatch.
	f.runner.err = nil
	if err := f.exec.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	got, _ := f.tasks.Get(context.Background(), task.ID)
	if got.Status != store.TaskPending {
		t.Fatalf("task dispatched during backoff window: status = %s", got.Status)
	}
}

func TestClaimPendingIsExclusive(t *testing.T) {
	f := newFixture(t, 0)
	project, p := f.seedProject(t)
	task := f.seedTask(t, project, p, nil)
	ctx := context.Background()

	first, err := f.tasks.ClaimPending(ctx, task.ID)
	if err != nil {
		t.Fatalf("first claim error = %v", err)
	}
	second, err := f.tasks.ClaimPending(ctx, task.ID)
	if err != nil {
		t.Fatalf("second claim error = %v", err)
	}
	if !first || second {
		t.Fatalf("claims = %v, %v; want true, false", first, second)
	}
}

func TestStartRecoversStaleTasks(t *testing.T) {
	f := newFixture(t, 0)
	project, p := f.seedProject(t)
	running := f.seedTask(t, project, p, func(task *store.Task) { task.Status = store.TaskRunning })
	queued := f.seedTask(t, project, p, func(task *store.Task) { task.Status = store.TaskQueued })
	ctx := context.Background()

	// Backdate both updated_at stamps past the staleness threshold.
	old := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339Nano)
	for _, id := range []string{running.ID, queued.ID} {
		if _, err := f.store.ExecWrite(ctx, `UPDATE tasks SET updated_at = ? WHERE id = ?`, old, id); err != nil {
			t.Fatalf("backdate error = %v", err)
		}
	}

	if err := f.exec.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer f.exec.Stop(time.Second)

	gotRunning, _ := f.tasks.Get(ctx, running.ID)
	if gotRunning.Status != store.TaskPending {
		t.Fatalf("running task status = %s, want pending", gotRunning.Status)
	}
	if gotRunning.RetryCount != 1 {
		t.Errorf("running task retry_count = %d, want 1 (lost attempt counted)", gotRunning.RetryCount)
	}

	gotQueued, _ := f.tasks.Get(ctx, queued.ID)
	if gotQueued.Status != store.TaskPending {
		t.Fatalf("queued task status = %s, want pending", gotQueued.Status)
	}
	if gotQueued.RetryCount != 0 {
		t.Errorf("queued task retry_count = %d, want 0 (no attempt was made)", gotQueued.RetryCount)
	}
}

func TestWaveCheckpointPausesBetweenWaves(t *testing.T) {
	f := newFixture(t, 0)
	f.exec.cfg.WaveCheckpoint = true
	project, p := f.seedProject(t)
	w0 := f.seedTask(t, project, p, nil)
	w1 := f.seedTask(t, project, p, func(task *store.Task) {
		task.Status = store.TaskBlocked
		task.Wave = 1
	})
	ctx := context.Background()
	if err := f.deps.Create(ctx, w1.ID, w0.ID); err != nil {
		t.Fatalf("create edge error = %v", err)
	}

	if err := f.exec.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	f.waitForStatus(t, w0.ID, store.TaskCompleted)

	// Wave 0 is done; the next tick must pause instead of entering
	// wave 1.
	if err := f.exec.Tick(ctx); err != nil {
		t.Fatalf("second Tick() error = %v", err)
	}
	got, _ := f.projects.Get(ctx, project.ID)
	if got.Status != store.ProjectPaused {
		t.Fatalf("project status = %s, want paused at wave checkpoint", got.Status)
	}
	gotW1, _ := f.tasks.Get(ctx, w1.ID)
	if gotW1.Status == store.TaskCompleted || gotW1.Status == store.TaskRunning || gotW1.Status == store.TaskQueued {
		t.Fatalf("wave 1 task dispatched across checkpoint: status = %s", gotW1.Status)
	}
}

func TestProjectStateTransitions(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	project := &store.Project{Name: "P", Requirements: "r", Status: store.ProjectReady}
	if err := f.projects.Create(ctx, project); err != nil {
		t.Fatalf("create project error = %v", err)
	}

	if _, err := f.exec.PauseProject(ctx, project.ID); err == nil {
		t.Fatalf("pausing a ready project should fail")
	}
	if _, err := f.exec.ExecuteProject(ctx, project.ID); err != nil {
		t.Fatalf("ExecuteProject() error = %v", err)
	}
	if _, err := f.exec.PauseProject(ctx, project.ID); err != nil {
		t.Fatalf("PauseProject() error = %v", err)
	}
	if _, err := f.exec.ExecuteProject(ctx, project.ID); err != nil {
		t.Fatalf("resume ExecuteProject() error = %v", err)
	}
	if _, err := f.exec.CancelProject(ctx, project.ID); err != nil {
		t.Fatalf("CancelProject() error = %v", err)
	}
	got, _ := f.projects.Get(ctx, project.ID)
	if got.Status != store.ProjectCancelled {
		t.Fatalf("project status = %s, want cancelled", got.Status)
	}
	if _, err := f.exec.CancelProject(ctx, project.ID); err == nil {
		t.Fatalf("cancelling twice should fail")
	}
}
