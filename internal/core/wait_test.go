package core

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/burstq/burstq/internal/ids"
	"github.com/burstq/burstq/pkg/api"
)

func completeTask(t *testing.T, store *fakeStore, taskID string, code int) {
	t.Helper()
	ctx := context.Background()
	// Worker contract: exit code first, then the completion flag.
	if err := store.SAdd(ctx, taskID, strconv.Itoa(code)); err != nil {
		t.Fatal(err)
	}
	workID := ids.ExtractWorkID(taskID)
	if err := store.SAdd(ctx, ids.CompletionSetKey(workID), taskID); err != nil {
		t.Fatal(err)
	}
}

func TestWaitForTaskFastPath(t *testing.T) {
	store := newFakeStore()
	c := newTestClient(store, newFakeQueue(), nil)
	defer c.Close()

	taskID := ids.NewTaskID("w1")
	_ = store.SAdd(context.Background(), taskID, "0")

	out, err := c.WaitForTask(context.Background(), taskID, WaitOptions{Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if out.State != api.WaitDone || out.Code != 0 || out.TaskID != taskID {
		t.Fatalf("outcome: %+v", out)
	}
	// The fast path must not leave a resolver behind.
	if c.Completion("w1").Waiters() != 0 {
		t.Fatal("fast path registered a waiter")
	}
}

func TestWaitForTaskCompletes(t *testing.T) {
	store := newFakeStore()
	c := newTestClient(store, newFakeQueue(), nil)
	defer c.Close()

	taskID := ids.NewTaskID("w1")
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(30 * time.Millisecond)
		completeTask(t, store, taskID, 3)
	}()

	out, err := c.WaitForTask(context.Background(), taskID, WaitOptions{Timeout: 5 * time.Second})
	wg.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if out.State != api.WaitDone || out.Code != 3 {
		t.Fatalf("outcome: %+v", out)
	}
}

func TestWaitForTaskTimeout(t *testing.T) {
	store := newFakeStore()
	c := newTestClient(store, newFakeQueue(), nil)
	defer c.Close()

	taskID := ids.NewTaskID("w1")
	out, err := c.WaitForTask(context.Background(), taskID, WaitOptions{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if out.State != api.WaitTimeout {
		t.Fatalf("outcome: %+v", out)
	}
	if c.Completion("w1").Waiters() != 0 {
		t.Fatal("timed-out waiter left a resolver behind")
	}
}

func TestWaitForTaskTimeoutRacePeek(t *testing.T) {
	store := newFakeStore()
	c := newTestClient(store, newFakeQueue(), nil)
	defer c.Close()

	// Code written mid-wait but the completion flag never raised: the
	// poller cannot deliver, so only the post-timeout peek can save the
	// call from a false TIMEOUT.
	taskID := ids.NewTaskID("w1")
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = store.SAdd(context.Background(), taskID, "0")
	}()

	out, err := c.WaitForTask(context.Background(), taskID, WaitOptions{Timeout: 80 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if out.State != api.WaitDone || out.Code != 0 {
		t.Fatalf("fast peek should have resolved: %+v", out)
	}
}

func TestWaitForManyAllPreDone(t *testing.T) {
	store := newFakeStore()
	c := newTestClient(store, newFakeQueue(), nil)
	defer c.Close()

	a, b := ids.NewTaskID("w1"), ids.NewTaskID("w1")
	_ = store.SAdd(context.Background(), a, "0")
	_ = store.SAdd(context.Background(), b, "0")

	out, err := c.WaitForMany(context.Background(), []string{a, b}, ManyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if out.State != api.WaitDone || len(out.Done) != 2 || len(out.Pending) != 0 {
		t.Fatalf("outcome: %+v", out)
	}
}

func TestWaitForManyFailFast(t *testing.T) {
	store := newFakeStore()
	c := newTestClient(store, newFakeQueue(), nil)
	defer c.Close()

	good, bad, never := ids.NewTaskID("w1"), ids.NewTaskID("w1"), ids.NewTaskID("w1")
	go func() {
		time.Sleep(20 * time.Millisecond)
		completeTask(t, store, good, 0)
		time.Sleep(20 * time.Millisecond)
		completeTask(t, store, bad, 2)
	}()

	out, err := c.WaitForMany(context.Background(), []string{good, bad, never}, ManyOptions{
		Timeout:  5 * time.Second,
		FailFast: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.State != api.WaitFailed {
		t.Fatalf("outcome: %+v", out)
	}
	if len(out.Pending) != 1 || out.Pending[0] != never {
		t.Fatalf("pending: %v", out.Pending)
	}
	// Fail-fast must cancel the remaining waiter (no resolver leaks).
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.Completion("w1").Waiters() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("resolvers left after fail-fast: %d", c.Completion("w1").Waiters())
}

func TestWaitForManyTimeout(t *testing.T) {
	store := newFakeStore()
	c := newTestClient(store, newFakeQueue(), nil)
	defer c.Close()

	taskID := ids.NewTaskID("w1")
	out, err := c.WaitForMany(context.Background(), []string{taskID}, ManyOptions{Timeout: 40 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if out.State != api.WaitTimeout || len(out.Pending) != 1 {
		t.Fatalf("outcome: %+v", out)
	}
}

func TestWatchWorkAllDone(t *testing.T) {
	store := newFakeStore()
	c := newTestClient(store, newFakeQueue(), nil)
	defer c.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		taskID := ids.NewTaskID("w1")
		_ = store.SAdd(ctx, ids.WorkSetKey("w1"), taskID)
		_ = store.SAdd(ctx, taskID, "0")
	}

	var events []api.Event
	out, err := c.WatchWork(ctx, "w1", WatchOptions{OnEvent: func(ev api.Event) { events = append(events, ev) }})
	if err != nil {
		t.Fatal(err)
	}
	if out.State != api.WaitDone || out.Total != 3 || len(out.Results) != 3 {
		t.Fatalf("outcome: %+v", out)
	}
	var doneEvents int
	for _, ev := range events {
		if ev.Type == api.EventTaskDone {
			doneEvents++
		}
	}
	if doneEvents != 3 {
		t.Fatalf("expected 3 task:done events, got %d", doneEvents)
	}
}

func TestWatchWorkIdle(t *testing.T) {
	store := newFakeStore()
	c := newTestClient(store, newFakeQueue(), nil)
	defer c.Close()

	ctx := context.Background()
	fast1, fast2, stuck := ids.NewTaskID("w1"), ids.NewTaskID("w1"), ids.NewTaskID("w1")
	for _, taskID := range []string{fast1, fast2, stuck} {
		_ = store.SAdd(ctx, ids.WorkSetKey("w1"), taskID)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		completeTask(t, store, fast1, 0)
		completeTask(t, store, fast2, 1)
	}()

	start := time.Now()
	out, err := c.WatchWork(ctx, "w1", WatchOptions{
		Idle: 150 * time.Millisecond,
		Poll: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.State != api.WaitIdle || out.Total != 3 || len(out.Results) != 2 {
		t.Fatalf("outcome: %+v", out)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("idle exit after %v", elapsed)
	}
}

func TestWatchWorkTimeout(t *testing.T) {
	store := newFakeStore()
	c := newTestClient(store, newFakeQueue(), nil)
	defer c.Close()

	ctx := context.Background()
	taskID := ids.NewTaskID("w1")
	_ = store.SAdd(ctx, ids.WorkSetKey("w1"), taskID)

	out, err := c.WatchWork(ctx, "w1", WatchOptions{
		Timeout: 60 * time.Millisecond,
		Poll:    10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.State != api.WaitTimeout || len(out.Results) != 0 {
		t.Fatalf("outcome: %+v", out)
	}
}

func TestWatchWorkExpectedOverride(t *testing.T) {
	store := newFakeStore()
	c := newTestClient(store, newFakeQueue(), nil)
	defer c.Close()

	ctx := context.Background()
	a, b := ids.NewTaskID("w1"), ids.NewTaskID("w1")
	_ = store.SAdd(ctx, ids.WorkSetKey("w1"), a)
	_ = store.SAdd(ctx, ids.WorkSetKey("w1"), b)
	_ = store.SAdd(ctx, a, "0")
	_ = store.SAdd(ctx, b, "0")

	out, err := c.WatchWork(ctx, "w1", WatchOptions{Expected: 1})
	if err != nil {
		t.Fatal(err)
	}
	if out.State != api.WaitDone || out.Total != 1 || len(out.Results) != 1 {
		t.Fatalf("outcome: %+v", out)
	}
}
