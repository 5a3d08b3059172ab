package decompose

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/user/taskforge/internal/apperr"
	"github.com/user/taskforge/internal/progress"
	"github.com/user/taskforge/internal/store"
)

const diamondPlanJSON = `{
	"summary": "diamond",
	"tasks": [
		{"title": "A", "description": "root", "task_type": "code", "complexity": "simple", "priority": 1, "depends_on": []},
		{"title": "B", "description": "left", "task_type": "code", "complexity": "medium", "priority": 2, "depends_on": [0]},
		{"title": "C", "description": "right", "task_type": "research", "complexity": "medium", "priority": 3, "depends_on": [0]},
		{"title": "D", "description": "join", "task_type": "integration", "complexity": "complex", "priority": 4, "depends_on": [1, 2]}
	]
}`

type fixture struct {
	store      *store.Store
	projects   *store.ProjectRepo
	plans      *store.PlanRepo
	tasks      *store.TaskRepo
	deps       *store.TaskDepRepo
	decomposer *Decomposer
}

func newFixture(t *testing.T) *fixture {
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
	}
	f.decomposer = New(s, f.projects, f.plans, f.tasks, f.deps, progress.New(store.NewTaskEventRepo(s)), 3)
	return f
}

func (f *fixture) seed(t *testing.T, planJSON string) (*store.Project, *store.Plan) {
	t.Helper()
	ctx := context.Background()
	project := &store.Project{Name: "P", Requirements: "build the thing", Status: store.ProjectDraft}
	if err := f.projects.Create(ctx, project); err != nil {
		t.Fatalf("create project error = %v", err)
	}
	p := &store.Plan{ProjectID: project.ID, Version: 1, PlanJSON: planJSON}
	if err := f.plans.Create(ctx, p); err != nil {
		t.Fatalf("create plan error = %v", err)
	}
	return project, p
}

func TestDecomposeDiamondWaves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project, p := f.seed(t, diamondPlanJSON)

	tasks, err := f.decomposer.Decompose(ctx, project.ID, p.ID)
	if err != nil {
		t.Fatalf("Decompose() error = %v", err)
	}
	if len(tasks) != 4 {
		t.Fatalf("created %d tasks, want 4", len(tasks))
	}

	wantWaves := map[string]int{"A": 0, "B": 1, "C": 1, "D": 2}
	byTitle := map[string]*store.Task{}
	stored, err := f.tasks.ListByProject(ctx, project.ID)
	if err != nil {
		t.Fatalf("ListByProject() error = %v", err)
	}
	for _, task := range stored {
		byTitle[task.Title] = task
	}
	for title, wave := range wantWaves {
		task := byTitle[title]
		if task == nil {
			t.Fatalf("task %q not stored", title)
		}
		if task.Wave != wave {
			t.Errorf("wave(%s) = %d, want %d", title, task.Wave, wave)
		}
	}

	// A has no predecessors and stays pending; the rest are blocked.
	if byTitle["A"].Status != store.TaskPending {
		t.Errorf("A status = %s, want pending", byTitle["A"].Status)
	}
	for _, title := range []string{"B", "C", "D"} {
		if byTitle[title].Status != store.TaskBlocked {
			t.Errorf("%s status = %s, want blocked", title, byTitle[title].Status)
		}
	}

	gotPlan, err := f.plans.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get plan error = %v", err)
	}
	if gotPlan.Status != store.PlanApproved {
		t.Errorf("plan status = %s, want approved", gotPlan.Status)
	}
	gotProject, err := f.projects.Get(ctx, project.ID)
	if err != nil {
		t.Fatalf("Get project error = %v", err)
	}
	if gotProject.Status != store.ProjectReady {
		t.Errorf("project status = %s, want ready", gotProject.Status)
	}

	preds, err := f.deps.Predecessors(ctx, byTitle["D"].ID)
	if err != nil {
		t.Fatalf("Predecessors() error = %v", err)
	}
	if len(preds) != 2 {
		t.Errorf("D has %d predecessors, want 2", len(preds))
	}
}

func TestDecomposeTwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project, p := f.seed(t, diamondPlanJSON)

	if _, err := f.decomposer.Decompose(ctx, project.ID, p.ID); err != nil {
		t.Fatalf("first Decompose() error = %v", err)
	}
	_, err := f.decomposer.Decompose(ctx, project.ID, p.ID)
	if !errors.Is(err, apperr.InvalidState) {
		t.Fatalf("second Decompose() error = %v, want InvalidState", err)
	}
}

func TestDecomposeDetectsCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project, p := f.seed(t, `{
		"tasks": [
			{"title": "A", "depends_on": [1]},
			{"title": "B", "depends_on": [0]}
		]
	}`)

	_, err := f.decomposer.Decompose(ctx, project.ID, p.ID)
	if !errors.Is(err, apperr.CycleDetected) {
		t.Fatalf("Decompose() error = %v, want CycleDetected", err)
	}

	// Nothing is written when validation fails.
	tasks, err := f.tasks.ListByProject(ctx, project.ID)
	if err != nil {
		t.Fatalf("ListByProject() error = %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("cycle left %d tasks behind", len(tasks))
	}
}

func TestDecomposeUnknownIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project, p := f.seed(t, diamondPlanJSON)

	if _, err := f.decomposer.Decompose(ctx, "nope", p.ID); !errors.Is(err, apperr.NotFound) {
		t.Fatalf("unknown project error = %v, want NotFound", err)
	}
	if _, err := f.decomposer.Decompose(ctx, project.ID, "nope"); !errors.Is(err, apperr.NotFound) {
		t.Fatalf("unknown plan error = %v, want NotFound", err)
	}
}

func TestDecomposeContextAndRecommendations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project, p := f.seed(t, diamondPlanJSON)

	tasks, err := f.decomposer.Decompose(ctx, project.ID, p.ID)
	if err != nil {
		t.Fatalf("Decompose() error = %v", err)
	}

	var taskA, taskD *store.Task
	for _, task := range tasks {
		switch task.Title {
		case "A":
			taskA = task
		case "D":
			taskD = task
		}
	}

	types := map[string]string{}
	for _, entry := range taskA.Context {
		types[entry.Type] = entry.Content
	}
	if types["project_summary"] != "diamond" {
		t.Errorf("project_summary = %q", types["project_summary"])
	}
	if types["project_requirements"] != "build the thing" {
		t.Errorf("project_requirements = %q", types["project_requirements"])
	}
	if types["task_description"] != "root" {
		t.Errorf("task_description = %q", types["task_description"])
	}
	if types["sibling_tasks"] == "" {
		t.Errorf("sibling_tasks digest missing")
	}

	// (code, simple) -> haiku; (integration, complex) -> sonnet.
	if taskA.ModelTier != store.TierHaiku {
		t.Errorf("A tier = %s, want haiku", taskA.ModelTier)
	}
	if taskD.ModelTier != store.TierSonnet {
		t.Errorf("D tier = %s, want sonnet", taskD.ModelTier)
	}
	if len(taskA.Tools) == 0 {
		t.Errorf("A has no default tools")
	}
}

func TestDecomposeRoutesFreeWorkToLocalTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project, p := f.seed(t, `{
		"summary": "mixed tiers",
		"tasks": [
			{"title": "Logo", "description": "draw it", "task_type": "asset", "complexity": "complex", "priority": 1, "depends_on": []},
			{"title": "Survey", "description": "look around", "task_type": "research", "complexity": "simple", "priority": 2, "depends_on": []},
			{"title": "Readme", "description": "write it up", "task_type": "documentation", "complexity": "simple", "priority": 3, "depends_on": []},
			{"title": "Core", "description": "build it", "task_type": "code", "complexity": "complex", "priority": 4, "depends_on": []}
		]
	}`)

	tasks, err := f.decomposer.Decompose(ctx, project.ID, p.ID)
	if err != nil {
		t.Fatalf("Decompose() error = %v", err)
	}
	wantTiers := map[string]string{
		"Logo":   store.TierOllama,
		"Survey": store.TierOllama,
		"Readme": store.TierOllama,
		"Core":   store.TierSonnet,
	}
	for _, task := range tasks {
		if task.ModelTier != wantTiers[task.Title] {
			t.Errorf("tier(%s) = %s, want %s", task.Title, task.ModelTier, wantTiers[task.Title])
		}
	}
}

func TestComputeWavesLinearChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project, p := f.seed(t, `{
		"tasks": [
			{"title": "A", "depends_on": []},
			{"title": "B", "depends_on": [0]},
			{"title": "C", "depends_on": [1]},
			{"title": "D", "depends_on": [2]}
		]
	}`)
	tasks, err := f.decomposer.Decompose(ctx, project.ID, p.ID)
	if err != nil {
		t.Fatalf("Decompose() error = %v", err)
	}
	for i, task := range tasks {
		if task.Wave != i {
			t.Errorf("wave(%s) = %d, want %d", task.Title, task.Wave, i)
		}
	}
}
