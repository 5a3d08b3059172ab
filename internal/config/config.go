// Package config loads engine configuration from flags and an optional
// key=value file. Flags override file values, and a bearer token is
// generated and persisted on first run if none is supplied.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port       int
	Token      string
	ConfigPath string
	PrintToken bool
	DBPath     string
	BackendDir string

	LLMAPIKey  string
	LLMModel   string
	LLMBaseURL string

	// Budget limits, all in USD. Zero means "not configured" and the
	// Budget Manager treats it as unbounded.
	DailyBudgetUSD   float64
	MonthlyBudgetUSD float64
	ProjectBudgetUSD float64

	// Executor tuning.
	MaxConcurrentTasks int
	TickInterval       time.Duration
	StaleTaskAfter     time.Duration

	// Lifecycle policy.
	MaxRetries            int
	VerificationEnabled   bool
	CheckpointingEnabled  bool
	WaveCheckpointEnabled bool
	ContextTruncateChars  int

	// Resource Monitor tuning.
	ResourceProbeInterval time.Duration
	ResourceProbeTimeout  time.Duration
	ResourceSkipDuration  time.Duration
}

func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	cfg := &Config{
		Port:       8080,
		ConfigPath: filepath.Join(homeDir, ".config", "taskforge", "config"),
		DBPath:     filepath.Join(homeDir, ".config", "taskforge", "taskforge.db"),
		BackendDir: filepath.Join(homeDir, ".config", "taskforge", "backends"),

		LLMModel:   "claude-sonnet-4-5",
		LLMBaseURL: "https://api.anthropic.com",

		DailyBudgetUSD:   10.0,
		MonthlyBudgetUSD: 200.0,
		ProjectBudgetUSD: 50.0,

		MaxConcurrentTasks: 4,
		TickInterval:       5 * time.Second,
		StaleTaskAfter:     10 * time.Minute,

		MaxRetries:            3,
		VerificationEnabled:   true,
		CheckpointingEnabled:  true,
		WaveCheckpointEnabled: false,
		ContextTruncateChars:  4000,

		ResourceProbeInterval: 30 * time.Second,
		ResourceProbeTimeout:  2 * time.Second,
		ResourceSkipDuration:  60 * time.Second,
	}

	if err := cfg.loadFromFile(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	flag.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port (1-65535)")
	flag.StringVar(&cfg.Token, "token", cfg.Token, "authentication token (auto-generated if empty)")
	flag.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to SQLite database")
	flag.StringVar(&cfg.BackendDir, "backend-dir", cfg.BackendDir, "directory for inference backend YAML configs")
	flag.StringVar(&cfg.LLMAPIKey, "llm-api-key", cfg.LLMAPIKey, "remote LLM API key (defaults to ANTHROPIC_API_KEY env var)")
	flag.StringVar(&cfg.LLMModel, "llm-model", cfg.LLMModel, "remote LLM model name for the planner and agent runners")
	flag.StringVar(&cfg.LLMBaseURL, "llm-base-url", cfg.LLMBaseURL, "remote LLM API base URL")
	flag.Float64Var(&cfg.DailyBudgetUSD, "daily-budget", cfg.DailyBudgetUSD, "daily spend limit in USD")
	flag.Float64Var(&cfg.MonthlyBudgetUSD, "monthly-budget", cfg.MonthlyBudgetUSD, "monthly spend limit in USD")
	flag.Float64Var(&cfg.ProjectBudgetUSD, "project-budget", cfg.ProjectBudgetUSD, "per-project spend limit in USD")
	flag.IntVar(&cfg.MaxConcurrentTasks, "max-concurrent-tasks", cfg.MaxConcurrentTasks, "maximum in-flight task lifecycle invocations")
	flag.DurationVar(&cfg.TickInterval, "tick-interval", cfg.TickInterval, "executor tick period")
	flag.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "default max retries per task")
	flag.BoolVar(&cfg.VerificationEnabled, "verification", cfg.VerificationEnabled, "run the verifier on paid-tier task completion")
	flag.BoolVar(&cfg.CheckpointingEnabled, "checkpointing", cfg.CheckpointingEnabled, "create human checkpoints on retry exhaustion")
	flag.BoolVar(&cfg.WaveCheckpointEnabled, "wave-checkpoint", cfg.WaveCheckpointEnabled, "pause between waves for human resume")
	flag.BoolVar(&cfg.PrintToken, "print-token", false, "print token to stdout (for local debugging)")
	flag.Parse()

	if strings.TrimSpace(cfg.LLMAPIKey) == "" {
		cfg.LLMAPIKey = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d: must be between 1 and 65535", cfg.Port)
	}

	if cfg.Token == "" {
		token, err := generateToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate token: %w", err)
		}
		cfg.Token = token
		if err := cfg.saveToFile(); err != nil {
			return nil, fmt.Errorf("failed to save config file: %w", err)
		}
	}

	return cfg, nil
}

func (c *Config) loadFromFile() error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return err
	}
	lines := strings.Split(string(data), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		switch key {
		case "Token":
			c.Token = value
		case "Port":
			port, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid Port value %q: %w", value, err)
			}
			c.Port = port
		case "DBPath":
			c.DBPath = value
		case "BackendDir":
			c.BackendDir = value
		case "LLMAPIKey":
			c.LLMAPIKey = value
		case "LLMModel":
			c.LLMModel = value
		case "LLMBaseURL":
			c.LLMBaseURL = value
		case "DailyBudgetUSD":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("invalid DailyBudgetUSD value %q: %w", value, err)
			}
			c.DailyBudgetUSD = v
		case "MonthlyBudgetUSD":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("invalid MonthlyBudgetUSD value %q: %w", value, err)
			}
			c.MonthlyBudgetUSD = v
		case "ProjectBudgetUSD":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("invalid ProjectBudgetUSD value %q: %w", value, err)
			}
			c.ProjectBudgetUSD = v
		}
	}
	return nil
}

func (c *Config) saveToFile() error {
	dir := filepath.Dir(c.ConfigPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data := fmt.Sprintf(
		"Port=%d\nToken=%s\nDBPath=%s\nBackendDir=%s\nLLMAPIKey=%s\nLLMModel=%s\nLLMBaseURL=%s\nDailyBudgetUSD=%s\nMonthlyBudgetUSD=%s\nProjectBudgetUSD=%s\n",
		c.Port, c.Token, c.DBPath, c.BackendDir, c.LLMAPIKey, c.LLMModel, c.LLMBaseURL,
		strconv.FormatFloat(c.DailyBudgetUSD, 'f', -1, 64),
		strconv.FormatFloat(c.MonthlyBudgetUSD, 'f', -1, 64),
		strconv.FormatFloat(c.ProjectBudgetUSD, 'f', -1, 64),
	)
	return os.WriteFile(c.ConfigPath, []byte(data), 0o600)
}

func generateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
