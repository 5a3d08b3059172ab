package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/user/taskforge/internal/agent"
	"github.com/user/taskforge/internal/api"
	"github.com/user/taskforge/internal/backend"
	"github.com/user/taskforge/internal/budget"
	"github.com/user/taskforge/internal/config"
	"github.com/user/taskforge/internal/decompose"
	"github.com/user/taskforge/internal/executor"
	"github.com/user/taskforge/internal/lifecycle"
	"github.com/user/taskforge/internal/llm"
	"github.com/user/taskforge/internal/planner"
	"github.com/user/taskforge/internal/progress"
	"github.com/user/taskforge/internal/resources"
	"github.com/user/taskforge/internal/store"
	"github.com/user/taskforge/internal/tools"
)

var version = "0.1.0"

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("taskforge v%s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		slog.Error("failed to initialize database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("failed to close database", "error", err)
		}
	}()

	// --- Repos ---

	projectRepo := store.NewProjectRepo(db)
	planRepo := store.NewPlanRepo(db)
	taskRepo := store.NewTaskRepo(db)
	taskDepRepo := store.NewTaskDepRepo(db)
	checkpointRepo := store.NewCheckpointRepo(db)
	usageRepo := store.NewUsageRepo(db)
	eventRepo := store.NewTaskEventRepo(db)

	// --- Engine components ---

	budgetMgr := budget.New(usageRepo, cfg.DailyBudgetUSD, cfg.MonthlyBudgetUSD, cfg.ProjectBudgetUSD)
	bus := progress.New(eventRepo)

	backendRegistry, err := backend.NewRegistry(cfg.BackendDir)
	if err != nil {
		slog.Error("failed to initialize backend registry", "dir", cfg.BackendDir, "error", err)
		os.Exit(1)
	}
	monitor := resources.New(backendRegistry, cfg.ResourceProbeTimeout, cfg.ResourceSkipDuration)
	monitor.Start(ctx, cfg.ResourceProbeInterval)
	defer monitor.Stop()

	var llmClient llm.Client
	if cfg.LLMAPIKey != "" {
		llmClient, err = llm.NewAnthropic(cfg.LLMAPIKey, cfg.LLMBaseURL, 120*time.Second)
		if err != nil {
			slog.Error("failed to initialize remote LLM client", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("no remote LLM API key configured; paid-tier planning and execution will fail")
		llmClient = unconfiguredClient{}
	}

	toolRegistry := tools.NewRegistry()
	tools.RegisterBuiltins(toolRegistry, filepath.Join(filepath.Dir(cfg.DBPath), "workspace"))

	remoteRunner := agent.NewRemote(llmClient, toolRegistry, budgetMgr, cfg.LLMModel, 10)
	localRunner := agent.NewLocal(&http.Client{Timeout: 300 * time.Second}, backendRegistry, budgetMgr)
	verifier := lifecycle.NewLLMVerifier(llmClient, budgetMgr)

	lc := lifecycle.New(taskRepo, checkpointRepo, bus, budgetMgr, remoteRunner, localRunner, verifier, lifecycle.Config{
		VerificationEnabled:  cfg.VerificationEnabled,
		CheckpointingEnabled: cfg.CheckpointingEnabled,
		ContextTruncateChars: cfg.ContextTruncateChars,
	})

	planService := planner.New(db, projectRepo, planRepo, budgetMgr, llmClient, bus, cfg.LLMModel)
	decomposer := decompose.New(db, projectRepo, planRepo, taskRepo, taskDepRepo, bus, cfg.MaxRetries)

	exec := executor.New(projectRepo, taskRepo, budgetMgr, bus, monitor, backendRegistry, lc, executor.Config{
		TickInterval:       cfg.TickInterval,
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		StaleTaskAfter:     cfg.StaleTaskAfter,
		WaveCheckpoint:     cfg.WaveCheckpointEnabled,
		DefaultModel:       cfg.LLMModel,
	})
	if err := exec.Start(ctx); err != nil {
		slog.Error("failed to start executor", "error", err)
		os.Exit(1)
	}

	// --- HTTP surface ---

	router := api.NewRouter(api.Deps{
		Store:       db,
		Projects:    projectRepo,
		Plans:       planRepo,
		Tasks:       taskRepo,
		TaskDeps:    taskDepRepo,
		Checkpoints: checkpointRepo,
		Usage:       usageRepo,
		Budget:      budgetMgr,
		Bus:         bus,
		Planner:     planService,
		Decomposer:  decomposer,
		Executor:    exec,
		Lifecycle:   lc,
		Monitor:     monitor,
	}, cfg.Token)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	go func() {
		slog.Info("http server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	printStartupBanner(cfg)

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	exec.Stop(15 * time.Second)

	slog.Info("taskforge stopped")
}

// unconfiguredClient fails every call with a clear message instead of
// panicking somewhere deep in a task attempt.
type unconfiguredClient struct{}

func (unconfiguredClient) Complete(context.Context, *llm.Request) (*llm.Response, error) {
	return nil, errors.New("remote LLM API key is not configured")
}

func printStartupBanner(cfg *config.Config) {
	fmt.Printf("\ntaskforge v%s\n", version)
	fmt.Printf("  listening on: http://0.0.0.0:%d\n", cfg.Port)
	if cfg.PrintToken {
		fmt.Printf("  API token:    %s\n", cfg.Token)
	} else {
		fmt.Printf("  (use --print-token to reveal the API token)\n")
	}
	fmt.Println("\nCtrl+C to stop")
}
