package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLease_AcquireTradesTicket(t *testing.T) {
	rm := NewResourceManager(2, []int{100, 100})
	q := NewScheduledQueue(rm, false)
	it := queued("a", 3, 1, ReqResource{CPU: 20})
	q.AddQueue(it)
	first, _ := q.PopItem(3)
	if first != it {
		t.Fatalf("expected a to be selected")
	}
	lease := q.Lease(it)
	if lease == nil || !lease.Held() {
		t.Fatalf("started item should hold a lease")
	}

	gpu, err := lease.Acquire(context.Background(), ReqResource{CPU: 50, GPU: 40})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if u := rm.Usage(); u.CPU != 50 || u.GPU[gpu] != 40 {
		t.Fatalf("selection ticket not traded: %+v", u)
	}

	q.ReleaseItem(it)
	if u := rm.Usage(); u.CPU != 0 || u.GPU[0] != 0 || u.GPU[1] != 0 {
		t.Fatalf("resources leaked: %+v", u)
	}
	if q.Lease(it) != nil {
		t.Fatalf("lease kept after release")
	}
	if _, err := lease.Acquire(context.Background(), ReqResource{}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("acquire on closed lease: got %v", err)
	}
}

func TestLease_WaitsBehindBudget(t *testing.T) {
	rm := NewResourceManager(1, nil)
	q := NewScheduledQueue(rm, false)
	a := queued("a", 3, 1, ReqResource{CPU: 70})
	b := queued("b", 3, 2, ReqResource{CPU: 80})
	q.AddQueue(a)
	q.AddQueue(b)
	q.PopItem(0)
	q.PopItem(1)
	if u := rm.Usage(); u.CPU != 150 {
		t.Fatalf("selection grants are forced, cpu=%d", u.CPU)
	}

	acquire := func(it *QueueItem) chan error {
		got := make(chan error, 1)
		lease := q.Lease(it)
		go func() {
			_, err := lease.Acquire(context.Background(), it.Resource)
			got <- err
		}()
		return got
	}
	waitFor := func(waiters int) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for rm.Usage().Waiters != waiters {
			if time.Now().After(deadline) {
				t.Fatalf("waiters never reached %d: %+v", waiters, rm.Usage())
			}
			time.Sleep(time.Millisecond)
		}
	}

	// a gives up its selection ticket but b's still fills the budget.
	gotA := acquire(a)
	waitFor(1)
	if u := rm.Usage(); u.CPU != 80 {
		t.Fatalf("only b's selection ticket should remain, cpu=%d", u.CPU)
	}

	// Once b trades its ticket the cheaper waiter a goes first.
	gotB := acquire(b)
	if err := <-gotA; err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	waitFor(1)
	if u := rm.Usage(); u.CPU != 70 {
		t.Fatalf("b must wait while a encodes, cpu=%d", u.CPU)
	}

	q.ReleaseItem(a)
	if err := <-gotB; err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	q.ReleaseItem(b)
	if u := rm.Usage(); u.CPU != 0 || u.Waiters != 0 {
		t.Fatalf("resources leaked: %+v", u)
	}
}

func TestLease_ForceStartedIgnoresBudget(t *testing.T) {
	rm := NewResourceManager(1, nil)
	q := NewScheduledQueue(rm, false)
	hog := rm.ForceGetResource(ReqResource{CPU: 100})
	it := queued("f", 1, 1, ReqResource{CPU: 100})
	q.AddQueue(it)
	if _, err := q.StartItem(it, 0); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := q.Lease(it).Acquire(ctx, ReqResource{CPU: 100}); err != nil {
		t.Fatalf("forced job must not wait: %v", err)
	}
	if u := rm.Usage(); u.CPU != 200 {
		t.Fatalf("cpu=%d, want 200", u.CPU)
	}
	q.ReleaseItem(it)
	rm.ReleaseResource(hog)
	if u := rm.Usage(); u.CPU != 0 {
		t.Fatalf("resources leaked: %+v", u)
	}
}
