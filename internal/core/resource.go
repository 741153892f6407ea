package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MaxResource is the shared ceiling of the CPU and HDD dimensions.
const MaxResource = 100

// ReqResource is the declared need of one job, each field a percentage of one
// logical unit of that resource.
type ReqResource struct {
	CPU int `yaml:"cpu" json:"cpu"`
	HDD int `yaml:"hdd" json:"hdd"`
	GPU int `yaml:"gpu" json:"gpu"`
}

// Key packs the requirement into a single integer so jobs with the same
// resource shape share a bucket.
func (r ReqResource) Key() int {
	return r.CPU<<16 | r.HDD<<8 | r.GPU
}

func (r ReqResource) IsZero() bool {
	return r.CPU == 0 && r.HDD == 0 && r.GPU == 0
}

// Normalize clamps every dimension to [0, MaxResource] so Key stays unique.
func (r ReqResource) Normalize() ReqResource {
	return ReqResource{
		CPU: clampInt(r.CPU, 0, MaxResource),
		HDD: clampInt(r.HDD, 0, MaxResource),
		GPU: clampInt(r.GPU, 0, MaxResource),
	}
}

// Resource is a granted allocation. It must be handed back to
// ReleaseResource exactly once.
type Resource struct {
	Req      ReqResource
	GPUIndex int
	// SlotID is the worker slot the grant was made for, -1 when unbound.
	SlotID int

	released bool
}

type ResourceUsage struct {
	CPU    int   `json:"cpu"`
	HDD    int   `json:"hdd"`
	GPU    []int `json:"gpu"`
	MaxGPU []int `json:"max_gpu"`
	// Waiters is the number of callers blocked in GetResource.
	Waiters int `json:"waiters"`
}

type resourceWaiter struct {
	req ReqResource
	seq uint64
}

// ResourceManager tracks CPU, HDD and per-lane GPU consumption and arbitrates
// blocked callers. Any state change closes the current wake channel so every
// waiter re-evaluates.
type ResourceManager struct {
	mu      sync.Mutex
	curCPU  int
	curHDD  int
	curGPU  []int
	maxGPU  []int
	numGPU  int
	waiters []*resourceWaiter
	seq     uint64
	wake    chan struct{}
}

func NewResourceManager(numGPU int, maxGPU []int) *ResourceManager {
	m := &ResourceManager{wake: make(chan struct{})}
	m.setGPULocked(numGPU, maxGPU)
	return m
}

// SetGPUResources reconfigures GPU lanes and ceilings and wakes all waiters.
// numGPU below 1 is treated as a single lane; missing ceilings default to
// MaxResource.
func (m *ResourceManager) SetGPUResources(numGPU int, maxGPU []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setGPULocked(numGPU, maxGPU)
	m.broadcastLocked()
}

func (m *ResourceManager) setGPULocked(numGPU int, maxGPU []int) {
	if numGPU < 1 {
		numGPU = 1
	}
	m.numGPU = numGPU
	m.maxGPU = make([]int, numGPU)
	for i := range m.maxGPU {
		if i < len(maxGPU) && maxGPU[i] >= 0 {
			m.maxGPU[i] = maxGPU[i]
		} else {
			m.maxGPU[i] = MaxResource
		}
	}
	// Lanes are never shrunk while tickets may still reference them.
	if len(m.curGPU) < numGPU {
		grown := make([]int, numGPU)
		copy(grown, m.curGPU)
		m.curGPU = grown
	}
}

func (m *ResourceManager) mostCapableGPULocked() int {
	best := 0
	bestSpace := m.maxGPU[0] - m.curGPU[0]
	for i := 1; i < m.numGPU; i++ {
		if space := m.maxGPU[i] - m.curGPU[i]; space > bestSpace {
			best, bestSpace = i, space
		}
	}
	return best
}

func (m *ResourceManager) costLocked(req ReqResource) int {
	gpu := m.mostCapableGPULocked()
	cpu := m.curCPU + req.CPU - MaxResource
	hdd := m.curHDD + req.HDD - MaxResource
	g := m.curGPU[gpu] + req.GPU - m.maxGPU[gpu]
	return max(cpu, hdd, g)
}

// ResourceCost returns how far the most loaded dimension would overflow its
// ceiling if req were granted now. Values <= 0 fit.
func (m *ResourceManager) ResourceCost(req ReqResource) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.costLocked(req)
}

func (m *ResourceManager) allocLocked(req ReqResource) *Resource {
	gpu := m.mostCapableGPULocked()
	m.curCPU += req.CPU
	m.curHDD += req.HDD
	m.curGPU[gpu] += req.GPU
	return &Resource{Req: req, GPUIndex: gpu, SlotID: -1}
}

// TryGetResource grants req without blocking when it fits and no waiter is
// currently cheaper. It returns nil otherwise.
func (m *ResourceManager) TryGetResource(req ReqResource) *Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	cost := m.costLocked(req)
	if cost > 0 {
		return nil
	}
	for _, w := range m.waiters {
		if m.costLocked(w.req) < cost {
			return nil
		}
	}
	res := m.allocLocked(req)
	m.broadcastLocked()
	return res
}

// GetResource blocks until req can be granted. Among all waiters only the one
// with the lowest cost (earliest arrival on ties) is granted, and only once
// that cost is <= 0. A canceled wait returns the context error.
func (m *ResourceManager) GetResource(ctx context.Context, req ReqResource) (*Resource, error) {
	m.mu.Lock()
	m.seq++
	w := &resourceWaiter{req: req, seq: m.seq}
	m.waiters = append(m.waiters, w)
	m.broadcastLocked()

	for {
		if m.grantableLocked(w) {
			m.removeWaiterLocked(w)
			res := m.allocLocked(req)
			m.broadcastLocked()
			m.mu.Unlock()
			return res, nil
		}
		wake := m.wake
		m.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			m.mu.Lock()
			m.removeWaiterLocked(w)
			m.broadcastLocked()
			m.mu.Unlock()
			return nil, fmt.Errorf("wait for resource: %w", ctx.Err())
		}
		m.mu.Lock()
	}
}

func (m *ResourceManager) grantableLocked(w *resourceWaiter) bool {
	type ranked struct {
		w    *resourceWaiter
		cost int
	}
	list := make([]ranked, len(m.waiters))
	for i, x := range m.waiters {
		list[i] = ranked{w: x, cost: m.costLocked(x.req)}
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].cost != list[j].cost {
			return list[i].cost < list[j].cost
		}
		return list[i].w.seq < list[j].w.seq
	})
	return list[0].w == w && list[0].cost <= 0
}

func (m *ResourceManager) removeWaiterLocked(w *resourceWaiter) {
	for i, x := range m.waiters {
		if x == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

// ForceGetResource grants req unconditionally, even over budget.
func (m *ResourceManager) ForceGetResource(req ReqResource) *Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := m.allocLocked(req)
	m.broadcastLocked()
	return res
}

// ReleaseResource returns a ticket. Releasing the same ticket twice panics.
func (m *ResourceManager) ReleaseResource(res *Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res == nil {
		panic("core: release of nil resource ticket")
	}
	if res.released {
		panic("core: resource ticket released twice")
	}
	res.released = true
	m.curCPU -= res.Req.CPU
	m.curHDD -= res.Req.HDD
	m.curGPU[res.GPUIndex] -= res.Req.GPU
	m.broadcastLocked()
}

func (m *ResourceManager) broadcastLocked() {
	close(m.wake)
	m.wake = make(chan struct{})
}

func (m *ResourceManager) Usage() ResourceUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := ResourceUsage{
		CPU:     m.curCPU,
		HDD:     m.curHDD,
		GPU:     append([]int(nil), m.curGPU[:m.numGPU]...),
		MaxGPU:  append([]int(nil), m.maxGPU...),
		Waiters: len(m.waiters),
	}
	return u
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
