package core

import (
	"errors"
	"testing"
)

func queued(id string, prio int, order int64, res ReqResource) *QueueItem {
	return &QueueItem{ID: id, Priority: prio, Order: order, Resource: res, State: StateQueue}
}

func popAll(t *testing.T, q *ScheduledQueue) []string {
	t.Helper()
	var ids []string
	for {
		it, res := q.PopItem(0)
		if it == nil {
			return ids
		}
		ids = append(ids, it.ID)
		q.ReleaseItem(it)
		if !res.released {
			t.Fatalf("ticket of %s not released", it.ID)
		}
	}
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestScheduledQueue_PriorityThenOrder(t *testing.T) {
	q := NewScheduledQueue(NewResourceManager(1, nil), false)
	q.AddQueue(queued("low", 1, 1, ReqResource{}))
	q.AddQueue(queued("high-b", 5, 3, ReqResource{CPU: 10}))
	q.AddQueue(queued("high-a", 5, 2, ReqResource{}))
	q.AddQueue(queued("mid", 3, 4, ReqResource{}))

	got := popAll(t, q)
	want := []string{"high-a", "high-b", "mid", "low"}
	if !equalIDs(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestScheduledQueue_ClampsPriority(t *testing.T) {
	if ClampPriority(0) != 1 || ClampPriority(9) != 5 || ClampPriority(-3) != 1 || ClampPriority(4) != 4 {
		t.Fatalf("unexpected clamp results")
	}
	q := NewScheduledQueue(NewResourceManager(1, nil), false)
	q.AddQueue(queued("zero", 0, 1, ReqResource{}))
	q.AddQueue(queued("nine", 9, 2, ReqResource{}))
	got := popAll(t, q)
	if !equalIDs(got, []string{"nine", "zero"}) {
		t.Fatalf("got %v", got)
	}
}

func TestScheduledQueue_ResourceAwareSections(t *testing.T) {
	res := NewResourceManager(1, nil)
	hold := res.ForceGetResource(ReqResource{CPU: 70})
	defer res.ReleaseResource(hold)

	q := NewScheduledQueue(res, true)
	top := queued("top", 5, 1, ReqResource{CPU: 90})
	costly := queued("costly", 4, 2, ReqResource{CPU: 50})
	cheap := queued("cheap", 2, 3, ReqResource{CPU: 10})
	background := queued("background", 1, 4, ReqResource{})
	for _, it := range []*QueueItem{top, costly, cheap, background} {
		q.AddQueue(it)
	}

	for _, want := range []*QueueItem{top, cheap, costly, background} {
		got := q.NextItem()
		if got != want {
			t.Fatalf("got %v, want %s", got, want.ID)
		}
		q.RemoveQueue(got)
	}
	if q.NextItem() != nil {
		t.Fatalf("expected empty queue")
	}
}

func TestScheduledQueue_SameCostPrefersHigherPriority(t *testing.T) {
	q := NewScheduledQueue(NewResourceManager(1, nil), true)
	q.AddQueue(queued("p2", 2, 1, ReqResource{CPU: 10}))
	q.AddQueue(queued("p4", 4, 2, ReqResource{CPU: 10, HDD: 5}))
	if got := q.NextItem(); got.ID != "p4" {
		t.Fatalf("got %s, want p4", got.ID)
	}
}

func TestScheduledQueue_CleanAfterPriorityChange(t *testing.T) {
	q := NewScheduledQueue(NewResourceManager(1, nil), false)
	early := queued("early", 1, 1, ReqResource{})
	q.AddQueue(early)
	q.AddQueue(queued("later", 3, 2, ReqResource{}))

	early.Priority = 5
	q.MakeDirty()
	q.AddQueue(queued("newcomer", 4, 3, ReqResource{}))

	got := popAll(t, q)
	want := []string{"early", "newcomer", "later"}
	if !equalIDs(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestScheduledQueue_StartItemRequiresQueued(t *testing.T) {
	q := NewScheduledQueue(NewResourceManager(1, nil), false)
	it := queued("x", 3, 1, ReqResource{})
	if _, err := q.StartItem(it, 0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	q.AddQueue(it)
	res, err := q.StartItem(it, 2)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.SlotID != 2 || q.Contains(it) || q.ActiveCount() != 1 {
		t.Fatalf("unexpected state after start: slot=%d contains=%v active=%d", res.SlotID, q.Contains(it), q.ActiveCount())
	}
	q.ReleaseItem(it)
}

func TestScheduledQueue_ReleaseWithoutTicketPanics(t *testing.T) {
	q := NewScheduledQueue(NewResourceManager(1, nil), false)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	q.ReleaseItem(queued("ghost", 3, 1, ReqResource{}))
}
