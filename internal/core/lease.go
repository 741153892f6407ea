package core

import (
	"context"
	"fmt"
	"sync"
)

// Lease holds the single resource ticket of a running job. The scheduler
// opens it with the ticket taken on selection. Between phases the runner may
// trade that ticket for the requirement of its next phase with Acquire; the
// scheduler closes the lease, releasing whatever is held, once the runner has
// returned.
type Lease struct {
	res    *ResourceManager
	slotID int
	forced bool

	mu     sync.Mutex
	cur    *Resource
	closed bool
}

func newLease(res *ResourceManager, slotID int, forced bool, ticket *Resource) *Lease {
	return &Lease{res: res, slotID: slotID, forced: forced, cur: ticket}
}

// Acquire hands back the held ticket and blocks until req is granted,
// returning the chosen GPU lane. While it waits the job holds nothing. A
// force-started job is granted over budget. Acquire must not be called
// concurrently on one lease.
func (l *Lease) Acquire(ctx context.Context, req ReqResource) (int, error) {
	req = req.Normalize()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, fmt.Errorf("acquire on closed lease: %w", ErrInvalidState)
	}
	if l.cur != nil {
		l.res.ReleaseResource(l.cur)
		l.cur = nil
	}
	l.mu.Unlock()

	var ticket *Resource
	switch {
	case l.forced:
		ticket = l.res.ForceGetResource(req)
	default:
		if ticket = l.res.TryGetResource(req); ticket == nil {
			var err error
			if ticket, err = l.res.GetResource(ctx, req); err != nil {
				return 0, err
			}
		}
	}
	ticket.SlotID = l.slotID

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		l.res.ReleaseResource(ticket)
		return 0, fmt.Errorf("acquire on closed lease: %w", ErrInvalidState)
	}
	l.cur = ticket
	return ticket.GPUIndex, nil
}

// Held reports whether the lease currently owns a ticket.
func (l *Lease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cur != nil
}

// close releases the held ticket, if any. Closing twice panics.
func (l *Lease) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		panic("core: resource lease closed twice")
	}
	l.closed = true
	if l.cur != nil {
		l.res.ReleaseResource(l.cur)
		l.cur = nil
	}
}
