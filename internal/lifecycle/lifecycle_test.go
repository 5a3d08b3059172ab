package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/user/taskforge/internal/agent"
	"github.com/user/taskforge/internal/apperr"
	"github.com/user/taskforge/internal/budget"
	"github.com/user/taskforge/internal/progress"
	"github.com/user/taskforge/internal/store"
)

type fakeRunner struct {
	result *agent.Result
	err    error
	calls  int
}

func (f *fakeRunner) Run(ctx context.Context, task *store.Task, reserved float64) (*agent.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeVerifier struct {
	verdict *Verdict
	err     error
}

func (f *fakeVerifier) Verify(ctx context.Context, task *store.Task) (*Verdict, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.verdict, nil
}

type fixture struct {
	store       *store.Store
	projects    *store.ProjectRepo
	plans       *store.PlanRepo
	tasks       *store.TaskRepo
	deps        *store.TaskDepRepo
	checkpoints *store.CheckpointRepo
	bus         *progress.Bus
	remote      *fakeRunner
	verifier    *fakeVerifier
	lc          *Lifecycle
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{
		store:       s,
		projects:    store.NewProjectRepo(s),
		plans:       store.NewPlanRepo(s),
		tasks:       store.NewTaskRepo(s),
		deps:        store.NewTaskDepRepo(s),
		checkpoints: store.NewCheckpointRepo(s),
		bus:         progress.New(store.NewTaskEventRepo(s)),
		remote:      &fakeRunner{result: &agent.Result{Output: "done", PromptTokens: 10, CompletionTokens: 20, CostUSD: 0.01, ModelUsed: "claude-sonnet-4-5"}},
		verifier:    &fakeVerifier{verdict: &Verdict{Status: store.VerificationPassed}},
	}
	budgetMgr := budget.New(store.NewUsageRepo(s), 0, 0, 0)
	f.lc = New(f.tasks, f.checkpoints, f.bus, budgetMgr, f.remote, f.remote, f.verifier, cfg)
	return f
}

func (f *fixture) seedTask(t *testing.T, mutate func(*store.Task)) *store.Task {
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
	task := &store.Task{
		ProjectID:   project.ID,
		PlanID:      p.ID,
		Title:       "T",
		Description: "do the work",
		TaskType:    "code",
		Status:      store.TaskQueued,
		ModelTier:   store.TierSonnet,
		MaxRetries:  3,
	}
	if mutate != nil {
		mutate(task)
	}
	if err := f.tasks.Create(ctx, task); err != nil {
		t.Fatalf("create task error = %v", err)
	}
	return task
}

func (f *fixture) reload(t *testing.T, id string) *store.Task {
	t.Helper()
	task, err := f.tasks.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if task == nil {
		t.Fatalf("task %q vanished", id)
	}
	return task
}

func TestExecuteCompletesTask(t *testing.T) {
	f := newFixture(t, Config{})
	task := f.seedTask(t, nil)

	if err := f.lc.Execute(context.Background(), task.ID, 0.5); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	got := f.reload(t, task.ID)
	if got.Status != store.TaskCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if !got.OutputText.Valid || got.OutputText.String != "done" {
		t.Errorf("output = %+v, want done", got.OutputText)
	}
	if got.PromptTokens != 10 || got.CompletionTokens != 20 {
		t.Errorf("tokens = %d/%d, want 10/20", got.PromptTokens, got.CompletionTokens)
	}
	if got.CostUSD != 0.01 {
		t.Errorf("cost = %v, want 0.01", got.CostUSD)
	}
	if got.ModelUsed != "claude-sonnet-4-5" {
		t.Errorf("model_used = %q", got.ModelUsed)
	}
	if !got.StartedAt.Valid || !got.CompletedAt.Valid {
		t.Fatalf("timestamps missing: started=%v completed=%v", got.StartedAt, got.CompletedAt)
	}
	if got.CompletedAt.Time.Before(got.StartedAt.Time) {
		t.Errorf("completed_at %v before started_at %v", got.CompletedAt.Time, got.StartedAt.Time)
	}
}

func TestExecuteSkipsNonQueuedTask(t *testing.T) {
	f := newFixture(t, Config{})
	task := f.seedTask(t, func(task *store.Task) { task.Status = store.TaskPending })

	if err := f.lc.Execute(context.Background(), task.ID, 0); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if f.remote.calls != 0 {
		t.Fatalf("runner invoked %d times for a non-queued task", f.remote.calls)
	}
}

func TestTransientErrorSchedulesRetry(t *testing.T) {
	f := newFixture(t, Config{})
	f.remote.err = &agent.HTTPStatusError{StatusCode: 503, Body: "upstream overloaded"}
	task := f.seedTask(t, nil)

	before := time.Now().UTC()
	if err := f.lc.Execute(context.Background(), task.ID, 0); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	got := f.reload(t, task.ID)
	if got.Status != store.TaskPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", got.RetryCount)
	}
	if got.Error == "" {
		t.Errorf("error not recorded")
	}

	next, ok := f.lc.NextAttemptAt(task.ID)
	if !ok {
		t.Fatalf("no retry-after entry")
	}
	// Base delay 5 * 2^0 plus up to 2s jitter.
	min := before.Add(5 * time.Second)
	max := before.Add(8 * time.Second)
	if next.Before(min) || next.After(max) {
		t.Errorf("retry-after = %v, want within [%v, %v]", next, min, max)
	}
}

func TestRetryDelayIsCapped(t *testing.T) {
	f := newFixture(t, Config{})
	f.remote.err = &agent.HTTPStatusError{StatusCode: 429}
	task := f.seedTask(t, func(task *store.Task) {
		task.RetryCount = 6
		task.MaxRetries = 10
	})

	before := time.Now().UTC()
	if err := f.lc.Execute(context.Background(), task.ID, 0); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	next, ok := f.lc.NextAttemptAt(task.ID)
	if !ok {
		t.Fatalf("no retry-after entry")
	}
	if next.After(before.Add(121 * time.Second)) {
		t.Errorf("retry delay exceeds 120s cap: %v", next.Sub(before))
	}
}

func TestRetryExhaustionCreatesCheckpoint(t *testing.T) {
	f := newFixture(t, Config{CheckpointingEnabled: true})
	f.remote.err = &agent.HTTPStatusError{StatusCode: 500, Body: "boom"}
	task := f.seedTask(t, func(task *store.Task) {
		task.RetryCount = 3
		task.MaxRetries = 3
	})

	if err := f.lc.Execute(context.Background(), task.ID, 0); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	got := f.reload(t, task.ID)
	if got.Status != store.TaskNeedsReview {
		t.Fatalf("status = %s, want needs_review", got.Status)
	}

	cps, err := f.checkpoints.ListUnresolved(context.Background(), task.ProjectID)
	if err != nil {
		t.Fatalf("ListUnresolved() error = %v", err)
	}
	if len(cps) != 1 {
		t.Fatalf("got %d checkpoints, want 1", len(cps))
	}
	cp := cps[0]
	if cp.CheckpointType != "retry_exhausted" {
		t.Errorf("checkpoint type = %q", cp.CheckpointType)
	}
	if cp.ResolvedAt.Valid {
		t.Errorf("checkpoint already resolved")
	}
	if len(cp.Attempts) < 1 {
		t.Errorf("checkpoint has no attempt history")
	}

	// Resolving with retry + guidance resets the task from scratch.
	resolved, err := f.lc.ResolveCheckpoint(context.Background(), cp.ID, ResolveRetry, "try X")
	if err != nil {
		t.Fatalf("ResolveCheckpoint() error = %v", err)
	}
	if !resolved.ResolvedAt.Valid {
		t.Errorf("checkpoint not marked resolved")
	}

	got = f.reload(t, task.ID)
	if got.Status != store.TaskPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0", got.RetryCount)
	}
	if got.Error != "" {
		t.Errorf("error = %q, want empty", got.Error)
	}
	foundGuidance := false
	for _, entry := range got.Context {
		if entry.Type == "checkpoint_guidance" && entry.Content == "try X" {
			foundGuidance = true
		}
	}
	if !foundGuidance {
		t.Errorf("checkpoint_guidance entry missing: %+v", got.Context)
	}

	// A resolved checkpoint cannot be resolved twice.
	if _, err := f.lc.ResolveCheckpoint(context.Background(), cp.ID, ResolveSkip, ""); !errors.Is(err, apperr.InvalidState) {
		t.Errorf("second resolve error = %v, want InvalidState", err)
	}
}

func TestRetryExhaustionWithoutCheckpointingFails(t *testing.T) {
	f := newFixture(t, Config{CheckpointingEnabled: false})
	f.remote.err = &agent.HTTPStatusError{StatusCode: 500}
	task := f.seedTask(t, func(task *store.Task) {
		task.RetryCount = 3
		task.MaxRetries = 3
	})

	if err := f.lc.Execute(context.Background(), task.ID, 0); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := f.reload(t, task.ID); got.Status != store.TaskFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	f := newFixture(t, Config{CheckpointingEnabled: true})
	f.remote.err = errors.New("schema violation in agent response")
	task := f.seedTask(t, nil)

	if err := f.lc.Execute(context.Background(), task.ID, 0); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	got := f.reload(t, task.ID)
	if got.Status != store.TaskFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "schema violation") {
		t.Errorf("error = %q", got.Error)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0 (no retry for permanent errors)", got.RetryCount)
	}
}

func TestContextForwarding(t *testing.T) {
	f := newFixture(t, Config{ContextTruncateChars: 5})
	f.remote.result = &agent.Result{Output: "hello world", ModelUsed: "claude-sonnet-4-5"}
	ctx := context.Background()

	taskA := f.seedTask(t, nil)
	taskB := &store.Task{
		ProjectID: taskA.ProjectID,
		PlanID:    taskA.PlanID,
		Title:     "B",
		Status:    store.TaskBlocked,
		ModelTier: store.TierSonnet,
		Wave:      1,
	}
	if err := f.tasks.Create(ctx, taskB); err != nil {
		t.Fatalf("create B error = %v", err)
	}
	if err := f.deps.Create(ctx, taskB.ID, taskA.ID); err != nil {
		t.Fatalf("create dep error = %v", err)
	}

	if err := f.lc.Execute(ctx, taskA.ID, 0); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	gotB := f.reload(t, taskB.ID)
	var entry *store.ContextEntry
	for i := range gotB.Context {
		if gotB.Context[i].Type == "dependency_output" {
			entry = &gotB.Context[i]
		}
	}
	if entry == nil {
		t.Fatalf("dependency_output entry missing: %+v", gotB.Context)
	}
	if entry.SourceTaskID != taskA.ID {
		t.Errorf("source_task_id = %q, want %q", entry.SourceTaskID, taskA.ID)
	}
	if strings.Contains(entry.Content, "hello world") {
		t.Errorf("output not truncated: %q", entry.Content)
	}
	if !strings.Contains(entry.Content, "hello") {
		t.Errorf("truncated output missing: %q", entry.Content)
	}
}

func TestVerificationGapsFoundRetries(t *testing.T) {
	f := newFixture(t, Config{VerificationEnabled: true})
	f.verifier.verdict = &Verdict{Status: store.VerificationGapsFound, Notes: "missing error handling"}
	task := f.seedTask(t, nil)

	if err := f.lc.Execute(context.Background(), task.ID, 0); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	got := f.reload(t, task.ID)
	if got.Status != store.TaskPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", got.RetryCount)
	}
	found := false
	for _, entry := range got.Context {
		if entry.Type == "verification_feedback" && entry.Content == "missing error handling" {
			found = true
		}
	}
	if !found {
		t.Errorf("verification_feedback entry missing: %+v", got.Context)
	}
}

func TestVerificationHumanNeeded(t *testing.T) {
	f := newFixture(t, Config{VerificationEnabled: true})
	f.verifier.verdict = &Verdict{Status: store.VerificationHumanNeeded, Notes: "judgment call"}
	task := f.seedTask(t, nil)

	if err := f.lc.Execute(context.Background(), task.ID, 0); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	got := f.reload(t, task.ID)
	if got.Status != store.TaskNeedsReview {
		t.Fatalf("status = %s, want needs_review", got.Status)
	}
	// human_needed never raises a checkpoint row.
	cps, err := f.checkpoints.ListUnresolved(context.Background(), task.ProjectID)
	if err != nil {
		t.Fatalf("ListUnresolved() error = %v", err)
	}
	if len(cps) != 0 {
		t.Errorf("got %d checkpoints, want 0", len(cps))
	}
}

func TestVerifierErrorIsSkipped(t *testing.T) {
	f := newFixture(t, Config{VerificationEnabled: true})
	f.verifier.err = errors.New("verifier model offline")
	task := f.seedTask(t, nil)

	if err := f.lc.Execute(context.Background(), task.ID, 0); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	got := f.reload(t, task.ID)
	if got.Status != store.TaskCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.VerificationStatus != store.VerificationSkipped {
		t.Errorf("verification_status = %q, want skipped", got.VerificationStatus)
	}
}

func TestLocalTierSkipsVerification(t *testing.T) {
	f := newFixture(t, Config{VerificationEnabled: true})
	f.verifier.verdict = &Verdict{Status: store.VerificationGapsFound, Notes: "nope"}
	task := f.seedTask(t, func(task *store.Task) { task.ModelTier = store.TierOllama })

	if err := f.lc.Execute(context.Background(), task.ID, 0); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := f.reload(t, task.ID); got.Status != store.TaskCompleted {
		t.Fatalf("status = %s, want completed (free tier is never verified)", got.Status)
	}
}

func TestExplicitRetryAndCancel(t *testing.T) {
	f := newFixture(t, Config{})
	task := f.seedTask(t, func(task *store.Task) {
		task.Status = store.TaskFailed
		task.Error = "it broke"
	})

	got, err := f.lc.Retry(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if got.Status != store.TaskPending || got.RetryCount != 1 || got.Error != "" {
		t.Fatalf("after retry: status=%s retry_count=%d error=%q", got.Status, got.RetryCount, got.Error)
	}

	if _, err := f.lc.Cancel(context.Background(), task.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if got := f.reload(t, task.ID); got.Status != store.TaskCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}

	// Terminal cancel cannot be cancelled again.
	if _, err := f.lc.Cancel(context.Background(), task.ID); !errors.Is(err, apperr.InvalidState) {
		t.Fatalf("second cancel error = %v, want InvalidState", err)
	}
}

func TestReviewApproveForwardsContext(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	task := f.seedTask(t, func(task *store.Task) {
		task.Status = store.TaskNeedsReview
		task.OutputText = sql.NullString{String: "reviewed output", Valid: true}
	})
	dep := &store.Task{ProjectID: task.ProjectID, PlanID: task.PlanID, Title: "Dep", Status: store.TaskBlocked, Wave: 1}
	if err := f.tasks.Create(ctx, dep); err != nil {
		t.Fatalf("create dep task error = %v", err)
	}
	if err := f.deps.Create(ctx, dep.ID, task.ID); err != nil {
		t.Fatalf("create edge error = %v", err)
	}

	got, err := f.lc.Review(ctx, task.ID, true)
	if err != nil {
		t.Fatalf("Review() error = %v", err)
	}
	if got.Status != store.TaskCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	gotDep := f.reload(t, dep.ID)
	found := false
	for _, entry := range gotDep.Context {
		if entry.Type == "dependency_output" {
			found = true
		}
	}
	if !found {
		t.Errorf("approved review did not forward context")
	}
}
