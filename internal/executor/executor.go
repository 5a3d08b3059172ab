// Package executor is the wave-based scheduler: a serial tick loop
// that discovers ready tasks in each executing project's current
// wave, claims them atomically, and dispatches them to the Task
// Lifecycle under a concurrency bound.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/taskforge/internal/apperr"
	"github.com/user/taskforge/internal/backend"
	"github.com/user/taskforge/internal/budget"
	"github.com/user/taskforge/internal/lifecycle"
	"github.com/user/taskforge/internal/llm"
	"github.com/user/taskforge/internal/progress"
	"github.com/user/taskforge/internal/resources"
	"github.com/user/taskforge/internal/store"
)

// budgetProbe is the minimal reservable amount used to decide whether
// a project can afford to keep executing at all this tick.
const budgetProbe = 0.001

type Config struct {
	TickInterval       time.Duration
	MaxConcurrentTasks int
	StaleTaskAfter     time.Duration
	WaveCheckpoint     bool
	DefaultModel       string
}

type Executor struct {
	projects  *store.ProjectRepo
	tasks     *store.TaskRepo
	budget    *budget.Manager
	bus       *progress.Bus
	monitor   *resources.Monitor
	backends  *backend.Registry
	lifecycle *lifecycle.Lifecycle
	cfg       Config

	sem chan struct{}

	mu       sync.Mutex
	started  bool
	inFlight map[string]struct{}
	lastWave map[string]int

	wg     sync.WaitGroup
	cancel context.CancelFunc
	stopCh chan struct{}
	doneCh chan struct{}
}

func New(projects *store.ProjectRepo, tasks *store.TaskRepo, budgetMgr *budget.Manager, bus *progress.Bus, monitor *resources.Monitor, backends *backend.Registry, lc *lifecycle.Lifecycle, cfg Config) *Executor {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 4
	}
	if cfg.StaleTaskAfter <= 0 {
		cfg.StaleTaskAfter = 10 * time.Minute
	}
	return &Executor{
		projects:  projects,
		tasks:     tasks,
		budget:    budgetMgr,
		bus:       bus,
		monitor:   monitor,
		backends:  backends,
		lifecycle: lc,
		cfg:       cfg,
		sem:       make(chan struct{}, cfg.MaxConcurrentTasks),
		inFlight:  make(map[string]struct{}),
		lastWave:  make(map[string]int),
	}
}

// Start recovers stale tasks left over from a previous run, then
// spawns the ticker. The tick loop is serial: a tick that overruns
// the interval delays the next one rather than overlapping it.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("executor already started")
	}
	e.started = true
	e.mu.Unlock()

	if err := e.recoverStale(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})

	go func() {
		defer close(e.doneCh)
		ticker := time.NewTicker(e.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := e.Tick(runCtx); err != nil {
					slog.Error("executor tick failed", "error", err)
				}
			}
		}
	}()

	slog.Info("executor started", "tick_interval", e.cfg.TickInterval, "max_concurrent_tasks", e.cfg.MaxConcurrentTasks)
	return nil
}

// Stop halts the ticker, waits up to grace for in-flight tasks, then
// cancels the rest and resets anything left running/queued so no
// process-lifetime state survives.
func (e *Executor) Stop(grace time.Duration) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	close(e.stopCh)
	<-e.doneCh

	// Snapshot the in-flight set before waiting: each runTask untracks
	// its task on exit, so the set is empty once every goroutine is done.
	e.mu.Lock()
	interrupted := make([]string, 0, len(e.inFlight))
	for id := range e.inFlight {
		interrupted = append(interrupted, id)
	}
	e.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(grace):
		e.cancel()
		<-waited
	}
	e.cancel()

	ctx := context.Background()
	e.mu.Lock()
	e.inFlight = make(map[string]struct{})
	e.lastWave = make(map[string]int)
	e.mu.Unlock()

	reset := 0
	for _, id := range interrupted {
		task, err := e.tasks.Get(ctx, id)
		if err != nil || task == nil {
			continue
		}
		if task.Status == store.TaskRunning || task.Status == store.TaskQueued {
			task.Status = store.TaskPending
			task.Error = "interrupted by shutdown"
			if err := e.tasks.Update(ctx, task); err != nil {
				slog.Error("failed to reset interrupted task", "task_id", id, "error", err)
				continue
			}
			reset++
		}
	}
	slog.Info("executor stopped", "interrupted", reset)
}

// recoverStale resets running/queued tasks whose last update predates
// the staleness threshold. A running task lost a real attempt, so its
// retry counter advances; a queued one never started and does not.
func (e *Executor) recoverStale(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-e.cfg.StaleTaskAfter)
	stale, err := e.tasks.ListStale(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, task := range stale {
		if task.Status == store.TaskRunning {
			task.RetryCount++
		}
		task.Status = store.TaskPending
		task.Error = "stale task reset at startup"
		if err := e.tasks.Update(ctx, task); err != nil {
			return err
		}
	}
	if len(stale) > 0 {
		slog.Info("recovered stale tasks", "count", len(stale))
	}
	return nil
}

// Tick runs one scan over every executing project. Errors inside a
// single project's pass are logged and do not stop the scan.
func (e *Executor) Tick(ctx context.Context) error {
	projects, err := e.projects.ListByStatus(ctx, store.ProjectExecuting)
	if err != nil {
		return err
	}
	for _, project := range projects {
		if err := e.tickProject(ctx, project); err != nil {
			slog.Error("project tick failed", "project_id", project.ID, "error", err)
		}
	}
	return nil
}

func (e *Executor) tickProject(ctx context.Context, project *store.Project) error {
	ok, err := e.budget.Reserve(ctx, budgetProbe)
	if err != nil {
		return err
	}
	if !ok {
		e.push(ctx, project.ID, "budget_warning", "budget exhausted, pausing project", "", nil)
		e.clearWave(project.ID)
		return e.projects.SetStatus(ctx, project.ID, store.ProjectPaused)
	}
	e.budget.Release(budgetProbe)

	if err := e.tasks.UnblockCompleted(ctx, project.ID); err != nil {
		return err
	}

	wave, hasWork, err := e.tasks.MinNonTerminalWave(ctx, project.ID)
	if err != nil {
		return err
	}
	if !hasWork {
		return e.finishProject(ctx, project)
	}

	if e.cfg.WaveCheckpoint {
		if paused, err := e.waveCheckpoint(ctx, project, wave); err != nil || paused {
			return err
		}
	}

	ready, err := e.tasks.ReadyInWave(ctx, project.ID, wave)
	if err != nil {
		return err
	}
	for _, task := range ready {
		e.maybeDispatch(ctx, task)
	}

	return e.checkStalled(ctx, project)
}

// waveCheckpoint pauses the project when the scheduler is about to
// enter a deeper wave than the last one it dispatched, so a human can
// inspect the finished wave's results before the next fires.
func (e *Executor) waveCheckpoint(ctx context.Context, project *store.Project, wave int) (bool, error) {
	e.mu.Lock()
	prev, seen := e.lastWave[project.ID]
	e.lastWave[project.ID] = wave
	e.mu.Unlock()

	if !seen || wave <= prev {
		return false, nil
	}
	e.clearWave(project.ID)
	e.push(ctx, project.ID, "wave_checkpoint", fmt.Sprintf("wave %d complete, pausing before wave %d", prev, wave), "", map[string]any{
		"completed_wave": prev,
		"next_wave":      wave,
	})
	return true, e.projects.SetStatus(ctx, project.ID, store.ProjectPaused)
}

// maybeDispatch applies the per-task gate sequence: retry backoff,
// backend availability, budget reservation, the dispatch-tracking
// set, and finally the atomic pending→queued claim.
func (e *Executor) maybeDispatch(ctx context.Context, task *store.Task) {
	if next, ok := e.lifecycle.NextAttemptAt(task.ID); ok && time.Now().UTC().Before(next) {
		return
	}
	if !e.backendsAvailable(task.ModelTier) {
		return
	}

	var reserved float64
	if llm.PaidTier(task.ModelTier) {
		estimate := llm.EstimateCost(llm.ModelForTier(task.ModelTier, e.cfg.DefaultModel), task.MaxTokens)
		ok, err := e.budget.ReserveProject(ctx, task.ProjectID, estimate)
		if err != nil {
			slog.Error("budget reservation failed", "task_id", task.ID, "error", err)
			return
		}
		if !ok {
			return
		}
		reserved = estimate
	}

	e.mu.Lock()
	if _, dup := e.inFlight[task.ID]; dup {
		e.mu.Unlock()
		e.releaseReservation(task.ProjectID, reserved)
		return
	}
	e.inFlight[task.ID] = struct{}{}
	e.mu.Unlock()

	claimed, err := e.tasks.ClaimPending(ctx, task.ID)
	if err != nil || !claimed {
		if err != nil {
			slog.Error("task claim failed", "task_id", task.ID, "error", err)
		}
		e.untrack(task.ID)
		e.releaseReservation(task.ProjectID, reserved)
		return
	}

	e.wg.Add(1)
	go e.runTask(ctx, task.ID, task.ProjectID, reserved)
}

// runTask is the tracked background goroutine wrapping one Lifecycle
// invocation. The semaphore bounds concurrent attempts; the budget
// reservation is released in all exits.
func (e *Executor) runTask(ctx context.Context, taskID, projectID string, reserved float64) {
	defer e.wg.Done()
	defer e.untrack(taskID)
	defer e.releaseReservation(projectID, reserved)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-e.sem }()

	if err := e.lifecycle.Execute(ctx, taskID, reserved); err != nil {
		slog.Error("task lifecycle failed to record outcome", "task_id", taskID, "error", err)
	}
}

func (e *Executor) untrack(taskID string) {
	e.mu.Lock()
	delete(e.inFlight, taskID)
	e.mu.Unlock()
}

func (e *Executor) releaseReservation(projectID string, reserved float64) {
	if reserved <= 0 {
		return
	}
	e.budget.Release(reserved)
	e.budget.ReleaseProject(projectID, reserved)
}

func (e *Executor) backendsAvailable(tier string) bool {
	if e.backends == nil {
		return true
	}
	cfgs := e.backends.ForTier(tier)
	if len(cfgs) == 0 {
		return false
	}
	if e.monitor == nil {
		return true
	}
	for _, cfg := range cfgs {
		if e.monitor.IsAvailable(cfg.ID) {
			return true
		}
	}
	return false
}

// finishProject closes a project with no non-terminal tasks left:
// completed, or failed if any task failed.
func (e *Executor) finishProject(ctx context.Context, project *store.Project) error {
	_, failed, _, _, err := e.tasks.CountByStatusClass(ctx, project.ID)
	if err != nil {
		return err
	}
	e.clearWave(project.ID)

	status := store.ProjectCompleted
	eventType := "project_complete"
	message := "all tasks complete"
	if failed > 0 {
		status = store.ProjectFailed
		eventType = "project_failed"
		message = fmt.Sprintf("project finished with %d failed tasks", failed)
	}

	project.Status = status
	project.CompletedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	if err := e.projects.Update(ctx, project); err != nil {
		return err
	}
	e.push(ctx, project.ID, eventType, message, "", map[string]any{"failed_tasks": failed})
	slog.Info("project finished", "project_id", project.ID, "status", status)
	return nil
}

// checkStalled detects a project that cannot progress: nothing is
// pending, queued, or running, yet blocked tasks remain (their
// predecessors are failed or cancelled, so they will never unblock).
func (e *Executor) checkStalled(ctx context.Context, project *store.Project) error {
	_, _, blocked, movable, err := e.tasks.CountByStatusClass(ctx, project.ID)
	if err != nil {
		return err
	}
	if movable > 0 || blocked == 0 {
		return nil
	}
	e.mu.Lock()
	inFlightHere := len(e.inFlight) > 0
	e.mu.Unlock()
	if inFlightHere {
		return nil
	}

	e.clearWave(project.ID)
	e.push(ctx, project.ID, "project_failed", fmt.Sprintf("%d tasks are blocked behind failed dependencies", blocked), "", map[string]any{
		"blocked_tasks": blocked,
	})
	return e.projects.SetStatus(ctx, project.ID, store.ProjectFailed)
}

func (e *Executor) clearWave(projectID string) {
	e.mu.Lock()
	delete(e.lastWave, projectID)
	e.mu.Unlock()
}

func (e *Executor) push(ctx context.Context, projectID, eventType, message, taskID string, data map[string]any) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Push(ctx, projectID, eventType, message, taskID, data); err != nil {
		slog.Error("failed to push executor event", "project_id", projectID, "event_type", eventType, "error", err)
	}
}

// --- project state transitions (HTTP surface) ---

// ExecuteProject moves a ready or paused project into executing; the
// next tick picks it up.
func (e *Executor) ExecuteProject(ctx context.Context, projectID string) (*store.Project, error) {
	project, err := e.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, apperr.NotFoundf("project %q not found", projectID)
	}
	if project.Status != store.ProjectReady && project.Status != store.ProjectPaused {
		return nil, apperr.InvalidStatef("project %q cannot execute from status %q", projectID, project.Status)
	}
	if err := e.projects.SetStatus(ctx, projectID, store.ProjectExecuting); err != nil {
		return nil, err
	}
	project.Status = store.ProjectExecuting
	e.push(ctx, projectID, "project_executing", "execution started", "", nil)
	return project, nil
}

// PauseProject parks an executing project. In-flight tasks finish;
// nothing new dispatches.
func (e *Executor) PauseProject(ctx context.Context, projectID string) (*store.Project, error) {
	project, err := e.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, apperr.NotFoundf("project %q not found", projectID)
	}
	if project.Status != store.ProjectExecuting {
		return nil, apperr.InvalidStatef("project %q is not executing", projectID)
	}
	e.clearWave(projectID)
	if err := e.projects.SetStatus(ctx, projectID, store.ProjectPaused); err != nil {
		return nil, err
	}
	project.Status = store.ProjectPaused
	e.push(ctx, projectID, "project_paused", "execution paused", "", nil)
	return project, nil
}

// CancelProject terminates a project and cancels its non-terminal
// tasks.
func (e *Executor) CancelProject(ctx context.Context, projectID string) (*store.Project, error) {
	project, err := e.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, apperr.NotFoundf("project %q not found", projectID)
	}
	switch project.Status {
	case store.ProjectCompleted, store.ProjectCancelled:
		return nil, apperr.InvalidStatef("project %q is already %s", projectID, project.Status)
	}

	tasks, err := e.tasks.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if store.IsTerminal(task.Status) {
			continue
		}
		task.Status = store.TaskCancelled
		if err := e.tasks.Update(ctx, task); err != nil {
			return nil, err
		}
	}
	e.clearWave(projectID)
	if err := e.projects.SetStatus(ctx, projectID, store.ProjectCancelled); err != nil {
		return nil, err
	}
	project.Status = store.ProjectCancelled
	e.push(ctx, projectID, "project_cancelled", "project cancelled", "", nil)
	return project, nil
}
