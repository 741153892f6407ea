package core

import "fmt"

type SlotState string

const (
	SlotInActive SlotState = "inactive"
	SlotParking  SlotState = "parking"
	SlotRunning  SlotState = "running"
)

type workerSlot struct {
	id    int
	state SlotState
	item  *QueueItem
}

type SlotView struct {
	ID     int       `json:"id"`
	State  SlotState `json:"state"`
	ItemID string    `json:"item_id,omitempty"`
}

// LaunchFunc starts executing item on a slot. It must not block; the
// WorkerPool expects SlotFinished to be called once the job is done.
type LaunchFunc func(slotID int, item *QueueItem, res *Resource)

// WorkerPool owns the worker slots and pulls jobs from a ScheduledQueue as
// slots become idle. Like ScheduledQueue it is confined to one goroutine.
type WorkerPool struct {
	queue          *ScheduledQueue
	launch         LaunchFunc
	slots          []*workerSlot
	numParallel    int
	userPause      bool
	scheduledPause bool
}

func NewWorkerPool(queue *ScheduledQueue, launch LaunchFunc) *WorkerPool {
	return &WorkerPool{queue: queue, launch: launch}
}

func (p *WorkerPool) NumParallel() int { return p.numParallel }

func (p *WorkerPool) Paused() bool { return p.userPause || p.scheduledPause }

func (p *WorkerPool) PauseFlags() (user, scheduled bool) { return p.userPause, p.scheduledPause }

// SetNumParallel resizes the enabled slot range. Running slots beyond n
// finish their job and are then deactivated.
func (p *WorkerPool) SetNumParallel(n int) {
	if n < 0 {
		n = 0
	}
	p.numParallel = n
	for len(p.slots) < n {
		p.slots = append(p.slots, &workerSlot{id: len(p.slots), state: SlotInActive})
	}
	p.syncStates()
	p.Rescan()
}

// SetPause combines the user and time-window pause flags. Running slots are
// never touched.
func (p *WorkerPool) SetPause(user, scheduled bool) {
	p.userPause = user
	p.scheduledPause = scheduled
	p.syncStates()
	p.Rescan()
}

func (p *WorkerPool) syncStates() {
	for _, s := range p.slots {
		if s.state == SlotRunning {
			continue
		}
		if p.enabled(s) {
			s.state = SlotParking
		} else {
			s.state = SlotInActive
		}
	}
}

func (p *WorkerPool) enabled(s *workerSlot) bool {
	return s.id < p.numParallel && !p.Paused()
}

func (p *WorkerPool) running() int {
	n := 0
	for _, s := range p.slots {
		if s.state == SlotRunning {
			n++
		}
	}
	return n
}

// NotifyAddQueue is called whenever an item enters the ScheduledQueue.
func (p *WorkerPool) NotifyAddQueue() { p.Rescan() }

// Rescan assigns queued jobs to parking slots while the number of running
// jobs is below the parallelism limit.
func (p *WorkerPool) Rescan() {
	for _, s := range p.slots {
		if p.running() >= p.numParallel {
			return
		}
		if s.state != SlotParking {
			continue
		}
		it, res := p.queue.PopItem(s.id)
		if it == nil {
			return
		}
		p.start(s, it, res)
	}
}

func (p *WorkerPool) start(s *workerSlot, it *QueueItem, res *Resource) {
	s.state = SlotRunning
	s.item = it
	p.launch(s.id, it, res)
}

// ForceStart runs a queued item now, ignoring pause, parallelism and the
// resource budget. A slot is created when every slot is busy.
func (p *WorkerPool) ForceStart(it *QueueItem) error {
	var slot *workerSlot
	for _, s := range p.slots {
		if s.state != SlotRunning {
			slot = s
			break
		}
	}
	if slot == nil {
		slot = &workerSlot{id: len(p.slots), state: SlotInActive}
		p.slots = append(p.slots, slot)
	}
	res, err := p.queue.StartItem(it, slot.id)
	if err != nil {
		return fmt.Errorf("force start: %w", err)
	}
	p.start(slot, it, res)
	return nil
}

// SlotFinished returns a slot to the pool after its job ended, successfully
// or not, and rescans the queue.
func (p *WorkerPool) SlotFinished(slotID int) *QueueItem {
	if slotID < 0 || slotID >= len(p.slots) || p.slots[slotID].state != SlotRunning {
		panic(fmt.Sprintf("core: slot %d finished while not running", slotID))
	}
	s := p.slots[slotID]
	it := s.item
	s.item = nil
	if p.enabled(s) {
		s.state = SlotParking
	} else {
		s.state = SlotInActive
	}
	p.Rescan()
	return it
}

func (p *WorkerPool) Slots() []SlotView {
	out := make([]SlotView, len(p.slots))
	for i, s := range p.slots {
		out[i] = SlotView{ID: s.id, State: s.state}
		if s.item != nil {
			out[i].ItemID = s.item.ID
		}
	}
	return out
}
