// Package progress persists task events and fans them out to live SSE
// subscribers: a registry of bounded per-subscriber channels, a
// non-blocking publish that drops on a full buffer rather than
// stalling, and an idle keep-alive.
package progress

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/taskforge/internal/store"
)

const subscriberBufferSize = 64

// terminal event types close a project's subscriber streams.
var terminalEventTypes = map[string]bool{
	"project_complete": true,
	"project_failed":   true,
}

type Bus struct {
	events *store.TaskEventRepo

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{} // project_id -> set of subscribers
}

type subscriber struct {
	ch chan *store.TaskEvent
}

func New(events *store.TaskEventRepo) *Bus {
	return &Bus{
		events: events,
		subs:   make(map[string]map[*subscriber]struct{}),
	}
}

// Push persists the event, then non-blockingly enqueues it into every
// live subscriber for the project. A full subscriber buffer drops the
// event rather than stalling the publisher.
func (b *Bus) Push(ctx context.Context, projectID, eventType, message string, taskID string, data any) error {
	e := &store.TaskEvent{
		ProjectID: projectID,
		TaskID:    nullIfEmpty(taskID),
		EventType: eventType,
		Message:   message,
	}
	if data != nil {
		buf, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
		e.DataJSON = string(buf)
	}
	if err := b.events.Create(ctx, e); err != nil {
		return fmt.Errorf("persist event: %w", err)
	}

	b.mu.Lock()
	subs := b.subs[projectID]
	for s := range subs {
		select {
		case s.ch <- e:
		default:
			slog.Warn("progress subscriber buffer full, dropping event", "project_id", projectID, "event_type", eventType)
		}
	}
	b.mu.Unlock()
	return nil
}

// Get returns a chronological read of stored events for a project,
// optionally filtered to a single task.
func (b *Bus) Get(ctx context.Context, projectID, taskID string, limit int) ([]*store.TaskEvent, error) {
	fetchLimit := limit
	if taskID != "" {
		fetchLimit = limit * 4
		if fetchLimit < 200 {
			fetchLimit = 200
		}
	}
	events, err := b.events.Recent(ctx, projectID, fetchLimit)
	if err != nil {
		return nil, err
	}
	if taskID == "" {
		if len(events) > limit {
			events = events[len(events)-limit:]
		}
		return events, nil
	}

	filtered := make([]*store.TaskEvent, 0, limit)
	for _, e := range events {
		if e.TaskID.Valid && e.TaskID.String == taskID {
			filtered = append(filtered, e)
		}
	}
	if len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered, nil
}

// Frame is one server-sent-event frame: either a real event or a
// keep-alive comment.
type Frame struct {
	Event     *store.TaskEvent
	KeepAlive bool
}

// Subscribe registers a bounded buffer for projectID and streams
// frames to fn until the context is cancelled, a terminal event for
// the project is published, or fn returns an error. It emits a
// keep-alive frame after idleKeepAlive of silence.
func (b *Bus) Subscribe(ctx context.Context, projectID string, idleKeepAlive time.Duration, fn func(Frame) error) error {
	s := &subscriber{ch: make(chan *store.TaskEvent, subscriberBufferSize)}

	b.mu.Lock()
	if b.subs[projectID] == nil {
		b.subs[projectID] = make(map[*subscriber]struct{})
	}
	b.subs[projectID][s] = struct{}{}
	b.mu.Unlock()

	defer b.unsubscribe(projectID, s)

	if idleKeepAlive <= 0 {
		idleKeepAlive = 30 * time.Second
	}
	ticker := time.NewTicker(idleKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-s.ch:
			ticker.Reset(idleKeepAlive)
			if err := fn(Frame{Event: e}); err != nil {
				return err
			}
			if terminalEventTypes[e.EventType] {
				return nil
			}
		case <-ticker.C:
			if err := fn(Frame{KeepAlive: true}); err != nil {
				return err
			}
		}
	}
}

func (b *Bus) unsubscribe(projectID string, s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[projectID]
	delete(set, s)
	if len(set) == 0 {
		delete(b.subs, projectID)
	}
}

func nullIfEmpty(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
