// pool.go - Bounded pool of auxiliary JIT engines for re-entrant calls.

package cpu

import (
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// jitSlot is one auxiliary engine plus the guest stack it has been handed
// in the "Extra" scratch region, so every concurrently running slot
// executes on a disjoint guest stack.
type jitSlot struct {
	index int
	eng   uc.Unicorn
	sp    uint32
}

// jitPool hands out idle auxiliary engines, blocking callers until one is
// free, mirroring the original GetIdleJit/ReleaseJit pair.
type jitPool struct {
	mu    sync.Mutex
	cond  *sync.Cond
	slots []*jitSlot
	busy  []bool
}

func newJITPool(slots []*jitSlot) *jitPool {
	p := &jitPool{
		slots: slots,
		busy:  make([]bool, len(slots)),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Acquire blocks until an engine is idle, marks it busy, and returns it.
func (p *jitPool) Acquire() *jitSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		for i, busy := range p.busy {
			if !busy {
				p.busy[i] = true
				return p.slots[i]
			}
		}
		p.cond.Wait()
	}
}

// Release returns slot to the idle set and wakes one waiter.
func (p *jitPool) Release(slot *jitSlot) {
	p.mu.Lock()
	p.busy[slot.index] = false
	p.mu.Unlock()
	p.cond.Signal()
}
