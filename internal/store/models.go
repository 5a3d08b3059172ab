package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Enum string values shared by persisted rows and API payloads.
const (
	ProjectDraft     = "draft"
	ProjectPlanning  = "planning"
	ProjectReady     = "ready"
	ProjectExecuting = "executing"
	ProjectPaused    = "paused"
	ProjectCompleted = "completed"
	ProjectFailed    = "failed"
	ProjectCancelled = "cancelled"

	PlanDraft      = "draft"
	PlanApproved   = "approved"
	PlanSuperseded = "superseded"

	TaskPending     = "pending"
	TaskBlocked     = "blocked"
	TaskQueued      = "queued"
	TaskRunning     = "running"
	TaskCompleted   = "completed"
	TaskNeedsReview = "needs_review"
	TaskFailed      = "failed"
	TaskCancelled   = "cancelled"

	TierHaiku  = "haiku"
	TierSonnet = "sonnet"
	TierOpus   = "opus"
	TierOllama = "ollama"

	VerificationPassed      = "passed"
	VerificationGapsFound   = "gaps_found"
	VerificationHumanNeeded = "human_needed"
	VerificationSkipped     = "skipped"

	ResourceOnline  = "online"
	ResourceOffline = "offline"
)

var terminalTaskStatuses = map[string]bool{
	TaskCompleted:   true,
	TaskNeedsReview: true,
	TaskFailed:      true,
	TaskCancelled:   true,
}

// IsTerminal reports whether a task status is a terminal one.
func IsTerminal(status string) bool {
	return terminalTaskStatuses[status]
}

type Project struct {
	ID           string
	Name         string
	Requirements string
	Status       string
	ConfigJSON   string
	OwnerID      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  sql.NullTime
}

type Plan struct {
	ID                string
	ProjectID         string
	Version           int
	ModelUsed         string
	PromptTokens      int
	CompletionTokens  int
	CostUSD           float64
	PlanJSON          string
	Status            string
	CreatedAt         time.Time
}

// ContextEntry is a typed record in a task's accumulated context list,
// e.g. dependency_output, verification_feedback, checkpoint_guidance.
// SourceTaskID is set only on dependency_output entries.
type ContextEntry struct {
	Type         string `json:"type"`
	Content      string `json:"content"`
	SourceTaskID string `json:"source_task_id,omitempty"`
}

type Task struct {
	ID                 string
	ProjectID          string
	PlanID             string
	Title              string
	Description        string
	TaskType           string
	Priority           int
	Status             string
	ModelTier          string
	ModelUsed          string
	Context            []ContextEntry
	Tools              []string
	OutputText         sql.NullString
	OutputArtifacts    []string
	PromptTokens       int
	CompletionTokens   int
	CostUSD            float64
	MaxTokens          int
	RetryCount         int
	MaxRetries         int
	Wave               int
	Phase              string
	VerificationStatus string
	VerificationNotes  string
	RequirementIDs     []string
	Error              string
	StartedAt          sql.NullTime
	CompletedAt        sql.NullTime
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type TaskDependency struct {
	TaskID    string
	DependsOn string
}

type UsageLogEntry struct {
	ID               int64
	ProjectID        sql.NullString
	TaskID           sql.NullString
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	Purpose          string
	CreatedAt        time.Time
}

type BudgetPeriod struct {
	PeriodKey             string
	PeriodType            string
	TotalCostUSD          float64
	TotalPromptTokens     int
	TotalCompletionTokens int
	APICallCount          int
}

type TaskEvent struct {
	ID        int64
	ProjectID string
	TaskID    sql.NullString
	EventType string
	Message   string
	DataJSON  string
	CreatedAt time.Time
}

type Checkpoint struct {
	ID             string
	ProjectID      string
	TaskID         sql.NullString
	CheckpointType string
	Summary        string
	Attempts       []string
	Question       string
	Response       sql.NullString
	ResolvedAt     sql.NullTime
	CreatedAt      time.Time
}

type ProjectFilter struct {
	Status  string
	OwnerID string
}

type TaskFilter struct {
	ProjectID string
	Status    string
}

// NewID produces a short hex identifier, the Go equivalent of the
// uuid4().hex[:12] scheme task and plan ids are generated with.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = nowUTC()
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return ts, nil
}

func nullTimeToSQL(t sql.NullTime) any {
	if !t.Valid {
		return nil
	}
	return formatTimestamp(t.Time)
}

func sqlToNullTime(raw sql.NullString) (sql.NullTime, error) {
	if !raw.Valid || raw.String == "" {
		return sql.NullTime{}, nil
	}
	ts, err := parseTimestamp(raw.String)
	if err != nil {
		return sql.NullTime{}, err
	}
	return sql.NullTime{Time: ts, Valid: true}, nil
}

func encodeStringSlice(values []string) string {
	if values == nil {
		values = []string{}
	}
	buf, _ := json.Marshal(values)
	return string(buf)
}

func decodeStringSlice(raw string) ([]string, error) {
	if raw == "" {
		return []string{}, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("failed to decode string slice: %w", err)
	}
	return values, nil
}

func encodeContext(entries []ContextEntry) string {
	if entries == nil {
		entries = []ContextEntry{}
	}
	buf, _ := json.Marshal(entries)
	return string(buf)
}

func decodeContext(raw string) ([]ContextEntry, error) {
	if raw == "" {
		return []ContextEntry{}, nil
	}
	var entries []ContextEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("failed to decode task context: %w", err)
	}
	return entries, nil
}

func nullIfEmpty(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
