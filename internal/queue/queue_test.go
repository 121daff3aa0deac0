package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/weftlabs/weft/internal/schema"
	"github.com/weftlabs/weft/internal/testutil"
)

func TestEnqueueAndClaimOldestFirst(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	mgr := NewManager(db, nil, WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
	ctx := context.Background()

	first, err := mgr.Enqueue(ctx, "sess-1", "acct-1", schema.RequestAdvance, map[string]any{"step": 1.0})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := mgr.Enqueue(ctx, "sess-1", "acct-1", schema.RequestAdvance, map[string]any{"step": 2.0})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := mgr.Enqueue(ctx, "sess-other", "acct-1", schema.RequestAdvance, nil); err != nil {
		t.Fatalf("enqueue other session: %v", err)
	}

	claimed, err := mgr.Claim(ctx, "sess-1", "m1", "t1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != first.ID {
		t.Fatalf("expected oldest task %s, got %+v", first.ID, claimed)
	}
	if claimed.State != schema.TaskClaimed {
		t.Fatalf("expected claimed state, got %s", claimed.State)
	}
	if claimed.ClaimedBy == nil || claimed.ClaimedBy.MachineID != "m1" || claimed.ClaimedBy.ThreadID != "t1" {
		t.Fatalf("expected claim owner recorded, got %+v", claimed.ClaimedBy)
	}

	claimed, err = mgr.Claim(ctx, "sess-1", "m1", "t1")
	if err != nil {
		t.Fatalf("claim second: %v", err)
	}
	if claimed == nil || claimed.ID != second.ID {
		t.Fatalf("expected second task, got %+v", claimed)
	}

	claimed, err = mgr.Claim(ctx, "sess-1", "m1", "t1")
	if err != nil {
		t.Fatalf("claim empty: %v", err)
	}
	if claimed != nil {
		t.Fatalf("expected nil for drained session, got %+v", claimed)
	}
}

func TestClaimOldestFirstSubsecondTimestamps(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	// Fractional seconds whose decimal renderings do not sort as strings
	// when trailing zeros are trimmed: ".5" vs ".51".
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := []time.Time{
		base.Add(500 * time.Millisecond),
		base.Add(510 * time.Millisecond),
		base.Add(time.Second),
	}
	tick := 0
	mgr := NewManager(db, nil, WithClock(func() time.Time {
		if tick < len(clock) {
			now := clock[tick]
			tick++
			return now
		}
		return clock[len(clock)-1]
	}))
	ctx := context.Background()

	first, err := mgr.Enqueue(ctx, "sess-frac", "", schema.RequestAdvance, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := mgr.Enqueue(ctx, "sess-frac", "", schema.RequestAdvance, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := mgr.Claim(ctx, "sess-frac", "m1", "t1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != first.ID {
		t.Fatalf("expected task created at .5s before .51s, got %+v", claimed)
	}
	claimed, err = mgr.Claim(ctx, "sess-frac", "m1", "t1")
	if err != nil {
		t.Fatalf("claim second: %v", err)
	}
	if claimed == nil || claimed.ID != second.ID {
		t.Fatalf("expected second task, got %+v", claimed)
	}
}

func TestClaimConcurrentNoDuplicates(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	mgr := NewManager(db, nil)
	ctx := context.Background()

	const taskCount = 8
	for i := 0; i < taskCount; i++ {
		if _, err := mgr.Enqueue(ctx, "sess-race", "", schema.RequestAdvance, nil); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	const workers = 16
	var mu sync.Mutex
	seen := map[string]string{}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			thread := string(rune('a' + w))
			for {
				task, err := mgr.Claim(ctx, "sess-race", "m1", thread)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				if prev, dup := seen[task.ID]; dup {
					t.Errorf("task %s claimed twice (by %s and %s)", task.ID, prev, thread)
				}
				seen[task.ID] = thread
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(seen) != taskCount {
		t.Fatalf("expected %d distinct claims, got %d", taskCount, len(seen))
	}
}

func TestCompleteRequiresClaimedState(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	mgr := NewManager(db, nil)
	ctx := context.Background()

	task, err := mgr.Enqueue(ctx, "sess-c", "", schema.RequestAdvance, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := mgr.Complete(ctx, task.ID); err == nil {
		t.Fatalf("expected completing a queued task to fail")
	}

	if _, err := mgr.Claim(ctx, "sess-c", "m1", "t1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := mgr.Complete(ctx, task.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := mgr.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != schema.TaskComplete {
		t.Fatalf("expected complete, got %s", got.State)
	}
}

func TestSessionsWithQueuedTasks(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	mgr := NewManager(db, nil)
	ctx := context.Background()

	if _, err := mgr.Enqueue(ctx, "sess-b", "", schema.RequestAdvance, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := mgr.Enqueue(ctx, "sess-a", "", schema.RequestAdvance, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	drained, err := mgr.Enqueue(ctx, "sess-drained", "", schema.RequestAdvance, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := mgr.Claim(ctx, "sess-drained", "m1", "t1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := mgr.Complete(ctx, drained.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	sessions, err := mgr.SessionsWithQueuedTasks(ctx)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0] != "sess-a" || sessions[1] != "sess-b" {
		t.Fatalf("expected [sess-a sess-b], got %v", sessions)
	}
}
