package core

import "testing"

type launchRecorder struct {
	starts []launched
}

type launched struct {
	slot int
	item *QueueItem
}

func (r *launchRecorder) launch(slot int, it *QueueItem, _ *Resource) {
	r.starts = append(r.starts, launched{slot: slot, item: it})
}

func newTestPool() (*WorkerPool, *ScheduledQueue, *launchRecorder) {
	q := NewScheduledQueue(NewResourceManager(1, nil), false)
	rec := &launchRecorder{}
	return NewWorkerPool(q, rec.launch), q, rec
}

// complete mimics the QueueManager: release the ticket, then free the slot.
func complete(p *WorkerPool, q *ScheduledQueue, l launched) {
	q.ReleaseItem(l.item)
	p.SlotFinished(l.slot)
}

func TestWorkerPool_StartsUpToParallelism(t *testing.T) {
	p, q, rec := newTestPool()
	a := queued("A", 5, 1, ReqResource{})
	b := queued("B", 5, 2, ReqResource{})
	c := queued("C", 1, 3, ReqResource{})
	for _, it := range []*QueueItem{a, b, c} {
		q.AddQueue(it)
	}
	p.SetNumParallel(2)

	if len(rec.starts) != 2 || rec.starts[0].item != a || rec.starts[1].item != b {
		t.Fatalf("expected A and B to start, got %d starts", len(rec.starts))
	}
	complete(p, q, rec.starts[0])
	if len(rec.starts) != 3 || rec.starts[2].item != c {
		t.Fatalf("expected C to start after A completed")
	}
}

func TestWorkerPool_ShrinkWhileRunning(t *testing.T) {
	p, q, rec := newTestPool()
	for i, id := range []string{"A", "B", "C", "D"} {
		q.AddQueue(queued(id, 3, int64(i+1), ReqResource{}))
	}
	p.SetNumParallel(2)
	if len(rec.starts) != 2 {
		t.Fatalf("expected 2 starts, got %d", len(rec.starts))
	}

	p.SetNumParallel(1)
	if p.running() != 2 {
		t.Fatalf("running jobs must not be interrupted")
	}

	complete(p, q, rec.starts[0])
	if len(rec.starts) != 2 {
		t.Fatalf("no job may start while one is still running")
	}
	complete(p, q, rec.starts[1])
	if len(rec.starts) != 3 {
		t.Fatalf("expected exactly one new start, got %d total", len(rec.starts))
	}
	if p.running() != 1 {
		t.Fatalf("expected 1 running, got %d", p.running())
	}
	slots := p.Slots()
	if slots[1].State != SlotInActive {
		t.Fatalf("slot beyond parallelism should be inactive, got %s", slots[1].State)
	}
}

func TestWorkerPool_PauseStopsNewStarts(t *testing.T) {
	p, q, rec := newTestPool()
	p.SetNumParallel(2)
	p.SetPause(true, false)

	q.AddQueue(queued("A", 3, 1, ReqResource{}))
	p.NotifyAddQueue()
	if len(rec.starts) != 0 {
		t.Fatalf("paused pool started a job")
	}
	for _, s := range p.Slots() {
		if s.State != SlotInActive {
			t.Fatalf("slot %d should be inactive while paused", s.ID)
		}
	}

	p.SetPause(false, true)
	if len(rec.starts) != 0 {
		t.Fatalf("scheduled pause must also hold jobs")
	}
	p.SetPause(false, false)
	if len(rec.starts) != 1 {
		t.Fatalf("expected start after unpause")
	}
}

func TestWorkerPool_ForceStartWhilePausedAndFull(t *testing.T) {
	p, q, rec := newTestPool()
	q.AddQueue(queued("A", 3, 1, ReqResource{CPU: 100}))
	p.SetNumParallel(1)
	if len(rec.starts) != 1 {
		t.Fatalf("expected A to start")
	}
	p.SetPause(true, false)

	forced := queued("F", 1, 2, ReqResource{CPU: 100})
	q.AddQueue(forced)
	if err := p.ForceStart(forced); err != nil {
		t.Fatalf("force start: %v", err)
	}
	if len(rec.starts) != 2 || rec.starts[1].item != forced {
		t.Fatalf("forced job did not start")
	}
	if rec.starts[1].slot != 1 || len(p.Slots()) != 2 {
		t.Fatalf("expected a new slot 1, got slot %d of %d", rec.starts[1].slot, len(p.Slots()))
	}
	if u := q.Resources().Usage(); u.CPU != 200 {
		t.Fatalf("force start must ignore ceilings, cpu=%d", u.CPU)
	}

	complete(p, q, rec.starts[1])
	if p.Slots()[1].State != SlotInActive {
		t.Fatalf("extra slot should deactivate after finishing")
	}
	complete(p, q, rec.starts[0])
}

func TestWorkerPool_SlotFinishedOnIdleSlotPanics(t *testing.T) {
	p, _, _ := newTestPool()
	p.SetNumParallel(1)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	p.SlotFinished(0)
}
