package progress

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/taskforge/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "progress-test.db")
	s, err := store.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPushPersistsEvent(t *testing.T) {
	s := openTestStore(t)
	bus := New(store.NewTaskEventRepo(s))
	ctx := context.Background()

	if err := bus.Push(ctx, "proj-1", "task_complete", "done", "task-1", map[string]any{"ok": true}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	events, err := bus.Get(ctx, "proj-1", "", 10)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(events) != 1 || events[0].Message != "done" {
		t.Fatalf("Get() = %#v", events)
	}
}

func TestGetFiltersByTaskID(t *testing.T) {
	s := openTestStore(t)
	bus := New(store.NewTaskEventRepo(s))
	ctx := context.Background()

	mustPush := func(taskID, msg string) {
		t.Helper()
		if err := bus.Push(ctx, "proj-1", "log", msg, taskID, nil); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}
	mustPush("task-1", "for task 1")
	mustPush("task-2", "for task 2")
	mustPush("task-1", "for task 1 again")

	events, err := bus.Get(ctx, "proj-1", "task-1", 10)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Get(task-1) len = %d, want 2", len(events))
	}
	for _, e := range events {
		if !e.TaskID.Valid || e.TaskID.String != "task-1" {
			t.Fatalf("unexpected event %#v", e)
		}
	}
}

func TestSubscribeReceivesPublishedEventAndClosesOnTerminal(t *testing.T) {
	s := openTestStore(t)
	bus := New(store.NewTaskEventRepo(s))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	started := make(chan struct{})
	done := make(chan error, 1)
	var received []string

	go func() {
		close(started)
		done <- bus.Subscribe(ctx, "proj-1", time.Second, func(f Frame) error {
			if f.KeepAlive {
				return nil
			}
			received = append(received, f.Event.EventType)
			return nil
		})
	}()

	<-started
	time.Sleep(20 * time.Millisecond) // let the subscriber register
	if err := bus.Push(context.Background(), "proj-1", "task_complete", "t1 done", "", nil); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if err := bus.Push(context.Background(), "proj-1", "project_complete", "all done", "", nil); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if len(received) != 2 || received[1] != "project_complete" {
		t.Fatalf("received = %v", received)
	}
}

func TestPushDropsOnFullSubscriberBuffer(t *testing.T) {
	s := openTestStore(t)
	bus := New(store.NewTaskEventRepo(s))
	ctx := context.Background()

	sub := &subscriber{ch: make(chan *store.TaskEvent, 2)}
	bus.mu.Lock()
	bus.subs["proj-1"] = map[*subscriber]struct{}{sub: {}}
	bus.mu.Unlock()

	for i := 0; i < 5; i++ {
		if err := bus.Push(ctx, "proj-1", "log", "line", "", nil); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	if len(sub.ch) != 2 {
		t.Fatalf("subscriber buffer len = %d, want 2 (capacity, excess dropped)", len(sub.ch))
	}

	all, err := bus.Get(ctx, "proj-1", "", 10)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("persisted events = %d, want 5 (drop only affects live fanout)", len(all))
	}
}
