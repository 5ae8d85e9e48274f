// Package resource implements ResourceAccountant: pessimistic, atomic
// tracking of a node daemon's three scalar budgets plus a concurrent-worker
// count, grounded on the teacher's node.Node capacity model (Cap/Bg/Used
// rates in internal/node/node.go) rebased from H/s rates onto the spec's
// CPU-fraction/memory-bytes/accelerator-slot budgets.
package resource

import (
	"sync"

	"github.com/pai3-ceo/powernode-dim/internal/ids"
	"github.com/pai3-ceo/powernode-dim/internal/joberr"
)

// Request describes the resources one work item needs reserved for its
// lifetime.
type Request struct {
	CPUFraction float64
	MemoryBytes int64
	AccelSlots  int
}

// Budget is the node's total capacity along each scalar dimension.
type Budget struct {
	CPUFraction float64
	MemoryBytes int64
	AccelSlots  int
	MaxWorkers  int
}

// Token is returned by a successful tryReserve and consumed by release.
type Token struct {
	id  string
	req Request
}

type Accountant struct {
	mu sync.Mutex

	budget Budget

	usedCPU    float64
	usedMemory int64
	usedAccel  int
	workers    int

	reservations map[string]Request
}

func New(budget Budget) *Accountant {
	return &Accountant{budget: budget, reservations: make(map[string]Request)}
}

// Fits reports whether req would currently be admitted, without reserving
// anything — JobQueue uses this for its enqueue-time admission check,
// keeping the actual reservation at dispatch time per §4.6/§4.7.
func (a *Accountant) Fits(req Request) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.budget.MaxWorkers > 0 && a.workers+1 > a.budget.MaxWorkers {
		return false
	}
	if a.budget.CPUFraction > 0 && a.usedCPU+req.CPUFraction > a.budget.CPUFraction {
		return false
	}
	if a.budget.MemoryBytes > 0 && a.usedMemory+req.MemoryBytes > a.budget.MemoryBytes {
		return false
	}
	if req.AccelSlots > 0 && a.usedAccel+req.AccelSlots > a.budget.AccelSlots {
		return false
	}
	return true
}

// TryReserve atomically admits req if headroom exists along every
// dimension, returning a Token to release later. Returns ResourceDenied
// otherwise; the node daemon's JobQueue then leaves the item queued (its
// Backpressure comes from Fits at enqueue time).
func (a *Accountant) TryReserve(req Request) (Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.budget.MaxWorkers > 0 && a.workers+1 > a.budget.MaxWorkers {
		return Token{}, joberr.New(joberr.ResourceDenied, "worker slots exhausted: %d/%d in use", a.workers, a.budget.MaxWorkers)
	}
	if a.budget.CPUFraction > 0 && a.usedCPU+req.CPUFraction > a.budget.CPUFraction {
		return Token{}, joberr.New(joberr.ResourceDenied, "cpu fraction exhausted: %.3f+%.3f > %.3f", a.usedCPU, req.CPUFraction, a.budget.CPUFraction)
	}
	if a.budget.MemoryBytes > 0 && a.usedMemory+req.MemoryBytes > a.budget.MemoryBytes {
		return Token{}, joberr.New(joberr.ResourceDenied, "memory exhausted: %d+%d > %d", a.usedMemory, req.MemoryBytes, a.budget.MemoryBytes)
	}
	if req.AccelSlots > 0 && a.usedAccel+req.AccelSlots > a.budget.AccelSlots {
		return Token{}, joberr.New(joberr.ResourceDenied, "accelerator slots exhausted: %d+%d > %d", a.usedAccel, req.AccelSlots, a.budget.AccelSlots)
	}

	a.usedCPU += req.CPUFraction
	a.usedMemory += req.MemoryBytes
	a.usedAccel += req.AccelSlots
	a.workers++

	tok := Token{id: ids.NewWorkItemID(), req: req}
	a.reservations[tok.id] = req
	return tok, nil
}

// Release returns a token's resources to the pool. Releasing an unknown or
// already-released token is a no-op, matching the teacher's defensive-reap
// idiom in WorkerSupervisor's exit path.
func (a *Accountant) Release(tok Token) {
	a.mu.Lock()
	defer a.mu.Unlock()
	req, ok := a.reservations[tok.id]
	if !ok {
		return
	}
	delete(a.reservations, tok.id)
	a.usedCPU -= req.CPUFraction
	a.usedMemory -= req.MemoryBytes
	a.usedAccel -= req.AccelSlots
	a.workers--
}

// LoadFraction reports the fraction of worker slots currently reserved,
// the signal HeartbeatEmitter broadcasts and NodeSelector scores on.
func (a *Accountant) LoadFraction() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.budget.MaxWorkers <= 0 {
		return 0
	}
	return float64(a.workers) / float64(a.budget.MaxWorkers)
}

func (a *Accountant) ActiveWorkers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.workers
}

// Reserved reports the current cumulative reservation along each
// dimension. HeartbeatEmitter does not send these values; its payload
// carries only the active worker count and worker capacity.
func (a *Accountant) Reserved() Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Request{CPUFraction: a.usedCPU, MemoryBytes: a.usedMemory, AccelSlots: a.usedAccel}
}

func (a *Accountant) Budget() Budget {
	return a.budget
}
