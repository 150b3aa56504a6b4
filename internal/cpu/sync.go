// sync.go - RAM synchronization between the shared device.Bus view and
// whichever Unicorn engine is about to run.

/*
Every RAM region (ITCM/DTCM/OCRAM2/FLASH) exists twice: once as Go-owned
bytes behind a device.MemoryDevice, which host-side code (the hex loader,
USDHC DMA, the audio scheduler reading _AudioStream fields) reads and
writes directly, and once inside each Unicorn engine's own address space,
which only the JIT touches. The callbacks lock guarantees at most one
engine ever executes at a time, so the two views never need to be
reconciled mid-flight — only copied across the boundary of each engine
run. See spec.md §9's design note on auxiliary JITs sharing guest memory.
*/
package cpu

import (
	"time"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

func (h *Harness) syncToEngine(eng uc.Unicorn) {
	for _, r := range h.ramRegions {
		_ = eng.MemWrite(uint64(r.base), r.mem.Map(0))
	}
}

func (h *Harness) syncFromEngine(eng uc.Unicorn) {
	for _, r := range h.ramRegions {
		data, err := eng.MemRead(uint64(r.base), uint64(r.mem.Size()))
		if err != nil {
			continue
		}
		copy(r.mem.Map(0), data)
	}
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
