package swapqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestQueue_EnqueueAndComplete(t *testing.T) {
	q := NewQueue(zap.NewNop())

	executed := false
	q.Enqueue(NewFuncTask("swap ConnA", func(ctx context.Context) error {
		executed = true
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := q.Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !executed {
		t.Error("task was not executed")
	}
	if p := q.Progress(); p.Completed != 1 {
		t.Errorf("expected 1 completed, got %d", p.Completed)
	}
}

func TestQueue_TaskFailure(t *testing.T) {
	q := NewQueue(zap.NewNop())

	expectedErr := errors.New("swap failed")
	q.Enqueue(NewFuncTask("failing swap", func(ctx context.Context) error {
		return expectedErr
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := q.Wait(ctx)
	if !errors.Is(err, expectedErr) {
		t.Errorf("expected %v, got %v", expectedErr, err)
	}
	if !q.HasFailures() {
		t.Error("expected HasFailures to return true")
	}
}

func TestQueue_StrictlySequential(t *testing.T) {
	q := NewQueue(zap.NewNop())

	var running int32
	var maxConcurrent int32
	var mu sync.Mutex
	var order []string

	names := []string{"first", "second", "third"}
	for _, name := range names {
		name := name
		q.Enqueue(NewFuncTask(name, func(ctx context.Context) error {
			current := atomic.AddInt32(&running, 1)
			mu.Lock()
			if current > maxConcurrent {
				maxConcurrent = current
			}
			order = append(order, name)
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := q.Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if maxConcurrent != 1 {
		t.Errorf("tasks ran concurrently: max concurrent was %d", maxConcurrent)
	}
	for i, name := range names {
		if order[i] != name {
			t.Errorf("execution order %v, want %v", order, names)
			break
		}
	}
}

func TestQueue_FailureDoesNotStopLaterTasks(t *testing.T) {
	q := NewQueue(zap.NewNop())

	var secondRan atomic.Bool
	q.Enqueue(NewFuncTask("failing swap", func(ctx context.Context) error {
		return errors.New("boom")
	}))
	q.Enqueue(NewFuncTask("following swap", func(ctx context.Context) error {
		secondRan.Store(true)
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := q.Wait(ctx); err == nil {
		t.Fatal("expected the first task's error")
	}
	if !secondRan.Load() {
		t.Error("task after a failure did not run")
	}

	p := q.Progress()
	if p.Failed != 1 || p.Completed != 1 {
		t.Errorf("progress %+v, want 1 failed and 1 completed", p)
	}
}

func TestQueue_CancelSkipsPending(t *testing.T) {
	q := NewQueue(zap.NewNop())

	started := make(chan struct{})
	release := make(chan struct{})
	var laterRan atomic.Bool

	q.Enqueue(NewFuncTask("long swap", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	q.Enqueue(NewFuncTask("never runs", func(ctx context.Context) error {
		laterRan.Store(true)
		return nil
	}))

	<-started
	q.Cancel()
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if laterRan.Load() {
		t.Error("pending task ran after cancel")
	}
	p := q.Progress()
	if p.Cancelled != 1 || p.Completed != 1 {
		t.Errorf("progress %+v, want 1 cancelled and 1 completed", p)
	}
}

func TestQueue_RunningTaskSeesCancellation(t *testing.T) {
	q := NewQueue(zap.NewNop())

	started := make(chan struct{})
	q.Enqueue(NewFuncTask("cancellable swap", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	<-started
	q.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if p := q.Progress(); p.Cancelled != 1 {
		t.Errorf("progress %+v, want the task cancelled, not failed", p)
	}
}

func TestQueue_SnapshotsPerStateChange(t *testing.T) {
	q := NewQueue(zap.NewNop())

	var mu sync.Mutex
	var updates [][]TaskSnapshot
	q.SetOnUpdate(func(snapshots []TaskSnapshot) {
		mu.Lock()
		updates = append(updates, snapshots)
		mu.Unlock()
	})

	q.Enqueue(NewFuncTask("swap ConnA", func(ctx context.Context) error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	// enqueue, start, complete
	if len(updates) != 3 {
		t.Fatalf("got %d updates, want 3", len(updates))
	}
	statuses := []TaskStatus{
		updates[0][0].Status,
		updates[1][0].Status,
		updates[2][0].Status,
	}
	want := []TaskStatus{TaskStatusPending, TaskStatusRunning, TaskStatusCompleted}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("update %d status %s, want %s", i, statuses[i], want[i])
		}
	}
}

func TestQueue_WaitOnEmptyQueue(t *testing.T) {
	q := NewQueue(zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestQueue_ReusableAcrossBatches(t *testing.T) {
	q := NewQueue(zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q.Enqueue(NewFuncTask("batch one", func(ctx context.Context) error { return nil }))
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("first batch: %v", err)
	}

	var secondRan atomic.Bool
	q.Enqueue(NewFuncTask("batch two", func(ctx context.Context) error {
		secondRan.Store(true)
		return nil
	}))
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if !secondRan.Load() {
		t.Error("second batch task did not run")
	}

	if q.TaskCount() != 2 {
		t.Errorf("task count %d, want 2", q.TaskCount())
	}
}

func TestProgress_Percentage(t *testing.T) {
	p := Progress{Total: 4, Completed: 1, Failed: 1}
	if got := p.Percentage(); got != 50 {
		t.Errorf("percentage %d, want 50", got)
	}
	empty := Progress{}
	if got := empty.Percentage(); got != 100 {
		t.Errorf("empty queue percentage %d, want 100", got)
	}
}
