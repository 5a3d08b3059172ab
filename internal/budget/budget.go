// Package budget tracks spend against daily, monthly, and per-project
// limits. Reservations are process-local and approximate: they exist
// to prevent time-of-check/time-of-use overspend between the moment a
// task is dispatched and the moment its real cost is known.
package budget

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/user/taskforge/internal/store"
)

// Manager enforces the three spend limits under a single mutex. Zero
// limit means unbounded.
type Manager struct {
	store *store.UsageRepo

	dailyLimit   float64
	monthlyLimit float64
	projectLimit float64

	mu              sync.Mutex
	dayKey          string
	monthKey        string
	dailyReserved   float64
	monthlyReserved float64
	projectReserved map[string]float64
}

func New(usage *store.UsageRepo, dailyLimit, monthlyLimit, projectLimit float64) *Manager {
	now := time.Now().UTC()
	return &Manager{
		store:           usage,
		dailyLimit:      dailyLimit,
		monthlyLimit:    monthlyLimit,
		projectLimit:    projectLimit,
		dayKey:          dayKeyFor(now),
		monthKey:        monthKeyFor(now),
		projectReserved: make(map[string]float64),
	}
}

func dayKeyFor(t time.Time) string   { return t.Format("2006-01-02") }
func monthKeyFor(t time.Time) string { return t.Format("2006-01") }

// rolloverLocked resets reserved totals when the day or month has
// turned over since the last check. Must be called with mu held.
func (m *Manager) rolloverLocked(now time.Time) {
	day := dayKeyFor(now)
	month := monthKeyFor(now)
	if day != m.dayKey {
		m.dayKey = day
		m.dailyReserved = 0
		m.projectReserved = make(map[string]float64)
	}
	if month != m.monthKey {
		m.monthKey = month
		m.monthlyReserved = 0
	}
}

// Reserve atomically checks the given cost against the daily and
// monthly limits and, if both fit, holds it as a reservation. A zero
// or negative cost always reserves.
func (m *Manager) Reserve(ctx context.Context, cost float64) (bool, error) {
	if cost <= 0 {
		return true, nil
	}
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked(now)

	dailyCommitted, monthlyCommitted, err := m.committedTotals(ctx)
	if err != nil {
		return false, err
	}

	if m.dailyLimit > 0 && dailyCommitted+m.dailyReserved+cost > m.dailyLimit {
		return false, nil
	}
	if m.monthlyLimit > 0 && monthlyCommitted+m.monthlyReserved+cost > m.monthlyLimit {
		return false, nil
	}

	m.dailyReserved += cost
	m.monthlyReserved += cost
	return true, nil
}

// ReserveProject is like Reserve but additionally checks the
// per-project limit, using committed spend from the usage log plus
// the project's own reservation.
func (m *Manager) ReserveProject(ctx context.Context, projectID string, cost float64) (bool, error) {
	if cost <= 0 {
		return true, nil
	}
	ok, err := m.Reserve(ctx, cost)
	if err != nil || !ok {
		return ok, err
	}

	if m.projectLimit <= 0 {
		return true, nil
	}

	committed, err := m.store.SumByProject(ctx, projectID)
	if err != nil {
		m.Release(cost)
		return false, err
	}

	m.mu.Lock()
	reserved := m.projectReserved[projectID]
	fits := committed+reserved+cost <= m.projectLimit
	if fits {
		m.projectReserved[projectID] = reserved + cost
	}
	m.mu.Unlock()

	if !fits {
		m.Release(cost)
		return false, nil
	}
	return true, nil
}

// Release gives back a daily/monthly reservation, clamped at zero.
func (m *Manager) Release(cost float64) {
	if cost <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyReserved = clampNonNegative(m.dailyReserved - cost)
	m.monthlyReserved = clampNonNegative(m.monthlyReserved - cost)
}

// ReleaseProject gives back a per-project reservation, clamped at zero.
func (m *Manager) ReleaseProject(projectID string, cost float64) {
	if cost <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projectReserved[projectID] = clampNonNegative(m.projectReserved[projectID] - cost)
}

func clampNonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// Record appends a usage-log entry and upserts the daily/monthly
// aggregates in one transaction. It does not touch reservations; the
// caller releases its own reservation once the real cost is known.
func (m *Manager) Record(ctx context.Context, entry *store.UsageLogEntry) error {
	now := time.Now().UTC()
	if err := m.store.Record(ctx, entry, dayKeyFor(now), monthKeyFor(now)); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Status is the read-only daily/monthly snapshot.
type Status struct {
	DayKey           string
	MonthKey         string
	DailyCommitted   float64
	DailyReserved    float64
	DailyLimit       float64
	MonthlyCommitted float64
	MonthlyReserved  float64
	MonthlyLimit     float64
}

func (m *Manager) Status(ctx context.Context) (*Status, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	m.rolloverLocked(now)
	s := &Status{
		DayKey:          m.dayKey,
		MonthKey:        m.monthKey,
		DailyReserved:   m.dailyReserved,
		DailyLimit:      m.dailyLimit,
		MonthlyReserved: m.monthlyReserved,
		MonthlyLimit:    m.monthlyLimit,
	}
	m.mu.Unlock()

	dailyCommitted, monthlyCommitted, err := m.committedTotals(ctx)
	if err != nil {
		return nil, err
	}
	s.DailyCommitted = dailyCommitted
	s.MonthlyCommitted = monthlyCommitted
	return s, nil
}

func (m *Manager) committedTotals(ctx context.Context) (daily, monthly float64, err error) {
	dayPeriod, err := m.store.GetPeriod(ctx, m.dayKey)
	if err != nil {
		return 0, 0, err
	}
	if dayPeriod != nil {
		daily = dayPeriod.TotalCostUSD
	}
	monthPeriod, err := m.store.GetPeriod(ctx, m.monthKey)
	if err != nil {
		return 0, 0, err
	}
	if monthPeriod != nil {
		monthly = monthPeriod.TotalCostUSD
	}
	return daily, monthly, nil
}

// Summary is a human-readable spend report for a project, or for the
// whole instance when projectID is empty.
type Summary struct {
	ProjectID    string
	TotalSpend   string
	RecentCalls  []*store.UsageLogEntry
}

func (m *Manager) Summary(ctx context.Context, projectID string) (*Summary, error) {
	if projectID == "" {
		status, err := m.Status(ctx)
		if err != nil {
			return nil, err
		}
		return &Summary{
			TotalSpend: humanize.FormatFloat("#,###.####", status.MonthlyCommitted) + " USD this month",
		}, nil
	}

	total, err := m.store.SumByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	recent, err := m.store.RecentByProject(ctx, projectID, 20)
	if err != nil {
		return nil, err
	}
	return &Summary{
		ProjectID:   projectID,
		TotalSpend:  humanize.FormatFloat("#,###.####", total) + " USD",
		RecentCalls: recent,
	}, nil
}

// RetryJitter returns a uniform(0,2) second jitter, used by the Task
// Lifecycle's backoff calculation.
func RetryJitter() time.Duration {
	return time.Duration(rand.Float64() * 2 * float64(time.Second))
}
