package core

import (
	"fmt"
	"sort"
)

// prioritySections is the evaluation order used by resource-aware selection:
// top priority alone, the middle band together, then the background tier.
// Values are bucket indexes (priority-1).
var prioritySections = [][]int{{4}, {3, 2, 1}, {0}}

type queuePos struct {
	prio int
	key  int
}

// ScheduledQueue holds queued items bucketed by priority and resource shape
// and decides which one runs next. It is not safe for concurrent use; the
// QueueManager loop is its only caller.
type ScheduledQueue struct {
	res           *ResourceManager
	resourceAware bool
	buckets       [MaxPriority]map[int][]*QueueItem
	where         map[*QueueItem]queuePos
	active        map[*QueueItem]*Lease
	dirty         bool
}

func NewScheduledQueue(res *ResourceManager, resourceAware bool) *ScheduledQueue {
	q := &ScheduledQueue{
		res:           res,
		resourceAware: resourceAware,
		where:         make(map[*QueueItem]queuePos),
		active:        make(map[*QueueItem]*Lease),
	}
	for i := range q.buckets {
		q.buckets[i] = make(map[int][]*QueueItem)
	}
	return q
}

func (q *ScheduledQueue) Resources() *ResourceManager { return q.res }

func (q *ScheduledQueue) SetResourceAware(enabled bool) { q.resourceAware = enabled }

func (q *ScheduledQueue) ResourceAware() bool { return q.resourceAware }

func livePos(it *QueueItem) queuePos {
	return queuePos{prio: ClampPriority(it.Priority) - 1, key: it.Resource.Key()}
}

// AddQueue inserts it under its current priority and resource key.
func (q *ScheduledQueue) AddQueue(it *QueueItem) {
	if _, ok := q.where[it]; ok {
		panic(fmt.Sprintf("core: item %s queued twice", it.ID))
	}
	q.insert(it, livePos(it))
}

func (q *ScheduledQueue) insert(it *QueueItem, pos queuePos) {
	list := q.buckets[pos.prio][pos.key]
	i := sort.Search(len(list), func(i int) bool { return list[i].Order > it.Order })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = it
	q.buckets[pos.prio][pos.key] = list
	q.where[it] = pos
}

// RemoveQueue drops it from the buckets and reports whether it was present.
func (q *ScheduledQueue) RemoveQueue(it *QueueItem) bool {
	pos, ok := q.where[it]
	if !ok {
		return false
	}
	list := q.buckets[pos.prio][pos.key]
	for i, x := range list {
		if x == it {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(q.buckets[pos.prio], pos.key)
	} else {
		q.buckets[pos.prio][pos.key] = list
	}
	delete(q.where, it)
	return true
}

func (q *ScheduledQueue) Contains(it *QueueItem) bool {
	_, ok := q.where[it]
	return ok
}

func (q *ScheduledQueue) Len() int { return len(q.where) }

// MakeDirty flags that priorities or resource shapes may have changed.
func (q *ScheduledQueue) MakeDirty() { q.dirty = true }

// Clean moves every item whose live priority or resource key no longer
// matches its bucket.
func (q *ScheduledQueue) Clean() {
	var moved []*QueueItem
	for it, pos := range q.where {
		if livePos(it) != pos {
			moved = append(moved, it)
		}
	}
	for _, it := range moved {
		q.RemoveQueue(it)
		q.insert(it, livePos(it))
	}
	q.dirty = false
}

// NextItem returns the item that would run next without removing it.
func (q *ScheduledQueue) NextItem() *QueueItem {
	if !q.resourceAware {
		for p := MaxPriority - 1; p >= 0; p-- {
			var best *QueueItem
			for _, list := range q.buckets[p] {
				if best == nil || list[0].Order < best.Order {
					best = list[0]
				}
			}
			if best != nil {
				return best
			}
		}
		return nil
	}
	for _, section := range prioritySections {
		if it := q.nextInSection(section); it != nil {
			return it
		}
	}
	return nil
}

func (q *ScheduledQueue) nextInSection(section []int) *QueueItem {
	type candidate struct {
		item *QueueItem
		prio int
		cost int
	}
	reps := make(map[int]*candidate)
	for _, p := range section {
		for key, list := range q.buckets[p] {
			if _, seen := reps[key]; seen {
				continue
			}
			reps[key] = &candidate{item: list[0], prio: p}
		}
	}
	var best *candidate
	for _, c := range reps {
		c.cost = q.res.ResourceCost(c.item.Resource)
		if best == nil || better(c.cost, c.prio, c.item.Order, best.cost, best.prio, best.item.Order) {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	return best.item
}

func better(cost, prio int, order int64, bestCost, bestPrio int, bestOrder int64) bool {
	if cost != bestCost {
		return cost < bestCost
	}
	if prio != bestPrio {
		return prio > bestPrio
	}
	return order < bestOrder
}

// PopItem removes the next item and allocates its resource ticket.
func (q *ScheduledQueue) PopItem(slotID int) (*QueueItem, *Resource) {
	if q.dirty {
		q.Clean()
	}
	it := q.NextItem()
	if it == nil {
		return nil, nil
	}
	return it, q.take(it, slotID, false)
}

// StartItem removes a specific queued item regardless of selection policy and
// allocates its ticket, over budget if necessary.
func (q *ScheduledQueue) StartItem(it *QueueItem, slotID int) (*Resource, error) {
	if !q.Contains(it) {
		return nil, fmt.Errorf("start item %s: %w", it.ID, ErrInvalidState)
	}
	return q.take(it, slotID, true), nil
}

func (q *ScheduledQueue) take(it *QueueItem, slotID int, forced bool) *Resource {
	if _, ok := q.active[it]; ok {
		panic(fmt.Sprintf("core: item %s already holds a resource ticket", it.ID))
	}
	q.RemoveQueue(it)
	res := q.res.ForceGetResource(it.Resource)
	res.SlotID = slotID
	q.active[it] = newLease(q.res, slotID, forced, res)
	return res
}

// Lease returns the lease of a started item, nil if it is not running.
func (q *ScheduledQueue) Lease(it *QueueItem) *Lease { return q.active[it] }

// ReleaseItem closes the lease opened when it started, handing back whatever
// ticket the job holds at that point.
func (q *ScheduledQueue) ReleaseItem(it *QueueItem) {
	lease, ok := q.active[it]
	if !ok {
		panic(fmt.Sprintf("core: release of item %s without a resource ticket", it.ID))
	}
	delete(q.active, it)
	lease.close()
}

func (q *ScheduledQueue) ActiveCount() int { return len(q.active) }
