// Package api exposes the engine over a REST surface: project and
// plan management, task mutations, checkpoint resolution, the SSE
// progress stream, and usage/budget reporting. Auth is the bearer
// token middleware carried over unchanged; everything deeper
// (OIDC, admin users) is out of scope.
package api

import (
	"net/http"
	"strings"

	"github.com/user/taskforge/internal/budget"
	"github.com/user/taskforge/internal/decompose"
	"github.com/user/taskforge/internal/executor"
	"github.com/user/taskforge/internal/lifecycle"
	"github.com/user/taskforge/internal/planner"
	"github.com/user/taskforge/internal/progress"
	"github.com/user/taskforge/internal/resources"
	"github.com/user/taskforge/internal/store"
)

type handler struct {
	store       *store.Store
	projects    *store.ProjectRepo
	plans       *store.PlanRepo
	tasks       *store.TaskRepo
	deps        *store.TaskDepRepo
	checkpoints *store.CheckpointRepo
	usage       *store.UsageRepo

	budget     *budget.Manager
	bus        *progress.Bus
	planner    *planner.Planner
	decomposer *decompose.Decomposer
	executor   *executor.Executor
	lifecycle  *lifecycle.Lifecycle
	monitor    *resources.Monitor
}

type Deps struct {
	Store       *store.Store
	Projects    *store.ProjectRepo
	Plans       *store.PlanRepo
	Tasks       *store.TaskRepo
	TaskDeps    *store.TaskDepRepo
	Checkpoints *store.CheckpointRepo
	Usage       *store.UsageRepo
	Budget      *budget.Manager
	Bus         *progress.Bus
	Planner     *planner.Planner
	Decomposer  *decompose.Decomposer
	Executor    *executor.Executor
	Lifecycle   *lifecycle.Lifecycle
	Monitor     *resources.Monitor
}

func NewRouter(d Deps, token string) http.Handler {
	h := &handler{
		store:       d.Store,
		projects:    d.Projects,
		plans:       d.Plans,
		tasks:       d.Tasks,
		deps:        d.TaskDeps,
		checkpoints: d.Checkpoints,
		usage:       d.Usage,
		budget:      d.Budget,
		bus:         d.Bus,
		planner:     d.Planner,
		decomposer:  d.Decomposer,
		executor:    d.Executor,
		lifecycle:   d.Lifecycle,
		monitor:     d.Monitor,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/projects", h.createProject)
	mux.HandleFunc("GET /api/projects", h.listProjects)
	mux.HandleFunc("GET /api/projects/{id}", h.getProject)
	mux.HandleFunc("PATCH /api/projects/{id}", h.updateProject)
	mux.HandleFunc("DELETE /api/projects/{id}", h.deleteProject)

	mux.HandleFunc("POST /api/projects/{id}/plan", h.planProject)
	mux.HandleFunc("GET /api/projects/{id}/plans", h.listPlans)
	mux.HandleFunc("POST /api/projects/{id}/plans/{pid}/approve", h.approvePlan)

	mux.HandleFunc("POST /api/projects/{id}/execute", h.executeProject)
	mux.HandleFunc("POST /api/projects/{id}/pause", h.pauseProject)
	mux.HandleFunc("POST /api/projects/{id}/cancel", h.cancelProject)
	mux.HandleFunc("POST /api/projects/{id}/clone", h.cloneProject)
	mux.HandleFunc("GET /api/projects/{id}/export", h.exportProject)
	mux.HandleFunc("GET /api/projects/{id}/coverage", h.projectCoverage)

	mux.HandleFunc("GET /api/tasks/project/{id}", h.listProjectTasks)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", h.updateTask)
	mux.HandleFunc("POST /api/tasks/{id}/retry", h.retryTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", h.cancelTask)
	mux.HandleFunc("POST /api/tasks/{id}/review", h.reviewTask)
	mux.HandleFunc("POST /api/tasks/bulk", h.bulkTasks)

	mux.HandleFunc("GET /api/checkpoints/project/{id}", h.listCheckpoints)
	mux.HandleFunc("POST /api/checkpoints/{id}/resolve", h.resolveCheckpoint)

	mux.HandleFunc("GET /api/events/{project_id}", h.streamEvents)

	mux.HandleFunc("GET /api/usage/summary", h.usageSummary)
	mux.HandleFunc("GET /api/usage/budget", h.usageBudget)
	mux.HandleFunc("GET /api/usage/daily", h.usageDaily)
	mux.HandleFunc("GET /api/usage/by-project", h.usageByProject)

	mux.HandleFunc("GET /api/admin/stats", h.adminStats)
	mux.HandleFunc("GET /api/admin/resources", h.adminResources)

	return authMiddleware(token)(corsMiddleware(mux))
}

func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				if strings.TrimSpace(authHeader[7:]) == token {
					next.ServeHTTP(w, r)
					return
				}
			}
			// The SSE stream is consumed by EventSource, which cannot set
			// headers; it authenticates via query parameter instead.
			if r.URL.Query().Get("token") == token {
				next.ServeHTTP(w, r)
				return
			}
			jsonError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
