// harness.go - ARM Cortex-M7 execution harness: primary JIT, auxiliary JIT
// pool, interrupt dispatch, and the translation-hook machinery the USB/audio
// subsystems attach to.

/*
Package cpu wraps the Unicorn ARM32 engine (Thumb mode) into the execution
model the rest of the core depends on: a primary engine driven by Run() in
a tight loop, a bounded pool of auxiliary engines CallFunction borrows to
call firmware functions re-entrantly from worker threads, and interrupt
dispatch via a pending-set any goroutine may post to with TriggerInterrupt.

Grounded on original_source/src/m8emu.h and src/m8emu.cpp: the sentinel
return-address trick, the AttachInitializeCallback one-shot hook at
setup_done, and the CoreCallbacks recursive master lock (modeled here as
engineLock, see lock.go, since Go's sync.Mutex carries no ownership). API
shape (NewUnicorn/MemMap/RegRead/RegWrite/HookAdd/Start/Stop) follows the
Unicorn Go bindings as used by the retrieval pack's ARM64 wrapper.
*/
package cpu

import (
	"fmt"
	"os"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/intuitionamiga/m8emu/internal/device"
	"github.com/intuitionamiga/m8emu/internal/logging"
	"github.com/intuitionamiga/m8emu/internal/timer"
)

// thumbCPSR is the CPSR value the harness installs before every ISR
// dispatch and every CallFunction call: Thumb execution state, no flags
// set, processor mode unchanged (bit layout: T-bit at 1<<5).
const thumbCPSR uint64 = 1 << 5

// SysTickCtrlAddr is the ARMv7-M SysTick control-and-status register
// (SYST_CSR), part of the fixed Cortex-M system control space rather than
// anything the firmware descriptor configures.
const SysTickCtrlAddr uint32 = 0xE000E010

// savedContext is the register file/CPSR/FPSCR snapshot taken on interrupt
// entry and restored on return, per spec.md §4.2 / scenario S4.
type savedContext struct {
	regs  [13]uint64 // R0..R12
	sp    uint64
	lr    uint64
	pc    uint64
	cpsr  uint64
	fpscr uint64
}

// ramRegion is one contiguous Unicorn-mapped region the harness keeps in
// sync with a device.MemoryDevice between engine runs (see sync.go).
type ramRegion struct {
	base uint32
	mem  *device.MemoryDevice
}

// Harness owns the primary JIT engine, the auxiliary pool, and every piece
// of shared state Run/CallFunction/TriggerInterrupt coordinate through.
type Harness struct {
	bus *device.Bus

	primary uc.Unicorn
	pool    *jitPool

	callbacksLock engineLock
	blockMutex    engineLock
	usbMutex      engineLock

	ramRegions []ramRegion

	interruptMu sync.Mutex
	pending     map[int]bool
	inISR       bool
	saved       savedContext

	vectorTableBase uint32

	hooksMu         sync.RWMutex
	translationHook map[uint32]func(*Harness, uc.Unicorn)
	lockEntryHook   map[uint32]bool // AttachLockRange entries that Acquire blockMutex
	lockExitHook    map[uint32]bool // AttachLockRange exits that Release blockMutex
	cpsidHook       map[uint32]bool
	cpsieHook       map[uint32]bool

	magicMu    sync.RWMutex
	magicReads map[uint32]uint32

	systick    *timer.Timer
	systickIRQ int

	mappedMu    sync.Mutex
	mappedPages map[uc.Unicorn]map[uint32]bool
}

const pageSize = 0x1000

func pageAlign(addr uint32) uint32 { return addr &^ (pageSize - 1) }

// Config is the set of parameters NewHarness needs beyond the bus: the
// backing RAM devices it must keep in sync with the Unicorn engines, and
// the auxiliary pool size.
type Config struct {
	ITCM, DTCM, OCRAM2, Flash *device.MemoryDevice
	JITPoolSize               int
}

// NewHarness creates the primary engine and the auxiliary pool, maps every
// RAM region into each, and installs the global code hook and the
// sentinel/unmapped memory hooks.
func NewHarness(bus *device.Bus, cfg Config) (*Harness, error) {
	poolSize := cfg.JITPoolSize
	if poolSize <= 0 {
		poolSize = DefaultJITPoolSize
	}

	h := &Harness{
		bus:             bus,
		pending:         make(map[int]bool),
		translationHook: make(map[uint32]func(*Harness, uc.Unicorn)),
		lockEntryHook:   make(map[uint32]bool),
		lockExitHook:    make(map[uint32]bool),
		cpsidHook:       make(map[uint32]bool),
		cpsieHook:       make(map[uint32]bool),
		magicReads:      make(map[uint32]uint32),
		mappedPages:     make(map[uc.Unicorn]map[uint32]bool),
	}

	for _, r := range []struct {
		base uint32
		dev  *device.MemoryDevice
	}{
		{ITCMBase, cfg.ITCM}, {DTCMBase, cfg.DTCM}, {OCRAM2Base, cfg.OCRAM2}, {FlashBase, cfg.Flash},
	} {
		if r.dev != nil {
			h.ramRegions = append(h.ramRegions, ramRegion{base: r.base, mem: r.dev})
		}
	}

	primary, err := uc.NewUnicorn(uc.ARCH_ARM, uc.MODE_THUMB)
	if err != nil {
		return nil, fmt.Errorf("cpu: create primary engine: %w", err)
	}
	h.primary = primary
	if err := h.setupEngine(primary); err != nil {
		return nil, err
	}

	var slots []*jitSlot
	for i := 0; i < poolSize; i++ {
		eng, err := uc.NewUnicorn(uc.ARCH_ARM, uc.MODE_THUMB)
		if err != nil {
			return nil, fmt.Errorf("cpu: create auxiliary engine %d: %w", i, err)
		}
		if err := h.setupEngine(eng); err != nil {
			return nil, err
		}
		slots = append(slots, &jitSlot{
			index: i,
			eng:   eng,
			sp:    ExtraBase + perSlotStackSize*uint32(i+1),
		})
	}
	h.pool = newJITPool(slots)

	h.systick = timer.New()
	bus.AddWriteHook(SysTickCtrlAddr, h.handleSysTickCtrlWrite)
	bus.AddWriteHook(VTORAddr, func(_ uint32, value uint32) { h.SetVectorTableBase(value) })

	return h, nil
}

// setupEngine maps every RAM region plus the known MMIO windows (USB,
// USDHC, the sentinel page, the SysTick control page) as plain engine
// memory, and installs the shared hooks on one engine (primary or
// auxiliary): every engine must behave identically with respect to the
// sentinel, MMIO dispatch and translation hooks, since CallFunction may
// run firmware code on any of them.
func (h *Harness) setupEngine(eng uc.Unicorn) error {
	for _, r := range h.ramRegions {
		if err := eng.MemMap(uint64(r.base), uint64(r.mem.Size())); err != nil {
			return fmt.Errorf("cpu: map region at 0x%x: %w", r.base, err)
		}
	}
	if err := eng.MemMap(uint64(ExtraBase), uint64(perSlotStackSize)*uint64(DefaultJITPoolSize+1)); err != nil {
		return fmt.Errorf("cpu: map scratch region: %w", err)
	}

	mmioWindows := []struct{ base, size uint32 }{
		{USBBase, USBSize},
		{USDHC1Base, USDHC1Size},
		{pageAlign(SentinelAddr), pageSize},
		// Also covers VTORAddr, which lies in the same 4 KiB page.
		{pageAlign(SysTickCtrlAddr), pageSize},
	}
	for _, w := range mmioWindows {
		if err := eng.MemMap(uint64(w.base), uint64(w.size)); err != nil {
			return fmt.Errorf("cpu: map mmio window at 0x%x: %w", w.base, err)
		}
		begin, end := uint64(w.base), uint64(w.base+w.size-1)
		if _, err := eng.HookAdd(uc.HOOK_MEM_READ, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) {
			h.onMMIORead(eng, uint32(addr), size)
		}, begin, end); err != nil {
			return fmt.Errorf("cpu: install mmio read hook at 0x%x: %w", w.base, err)
		}
		if _, err := eng.HookAdd(uc.HOOK_MEM_WRITE, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) {
			h.onMMIOWrite(eng, uint32(addr), size, value)
		}, begin, end); err != nil {
			return fmt.Errorf("cpu: install mmio write hook at 0x%x: %w", w.base, err)
		}
	}

	if _, err := eng.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		h.onCode(eng, uint32(addr))
	}, 1, 0); err != nil {
		return fmt.Errorf("cpu: install code hook: %w", err)
	}

	// Catch-all for genuinely unmapped guest addresses the firmware
	// probes (per spec.md §7: reads return 0, writes are dropped). Lazily
	// maps the containing page on first touch so Unicorn can service the
	// access instead of raising an exception.
	if _, err := eng.HookAdd(uc.HOOK_MEM_READ_UNMAPPED, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
		return h.onUnmappedRead(eng, uint32(addr), size)
	}, 1, 0); err != nil {
		return fmt.Errorf("cpu: install unmapped-read hook: %w", err)
	}
	if _, err := eng.HookAdd(uc.HOOK_MEM_WRITE_UNMAPPED, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
		return h.onUnmappedWrite(eng, uint32(addr), size, value)
	}, 1, 0); err != nil {
		return fmt.Errorf("cpu: install unmapped-write hook: %w", err)
	}

	return nil
}

// ensureMapped lazily maps the page containing addr in eng, at most once.
func (h *Harness) ensureMapped(eng uc.Unicorn, addr uint32) {
	page := pageAlign(addr)
	h.mappedMu.Lock()
	defer h.mappedMu.Unlock()
	pages, ok := h.mappedPages[eng]
	if !ok {
		pages = make(map[uint32]bool)
		h.mappedPages[eng] = pages
	}
	if pages[page] {
		return
	}
	if err := eng.MemMap(uint64(page), pageSize); err == nil {
		pages[page] = true
		// Seed any magic-read values that live on this freshly mapped page.
		h.magicMu.RLock()
		for a, v := range h.magicReads {
			if pageAlign(a) == page {
				writeBytes(eng, a, v, 4)
			}
		}
		h.magicMu.RUnlock()
	}
}

// onMMIORead services a mapped read from one of the known MMIO windows by
// writing the device's current value into the engine's backing page
// before Unicorn completes the real read. The sentinel special-case and the
// magic-value table take precedence over the device value.
func (h *Harness) onMMIORead(eng uc.Unicorn, addr uint32, size int) {
	if addr >= SentinelAddr {
		writeBytes(eng, addr, sentinelWord, size)
		return
	}

	h.magicMu.RLock()
	value, ok := h.magicReads[addr]
	h.magicMu.RUnlock()
	if ok {
		writeBytes(eng, addr, value, size)
		return
	}

	if addr >= pageAlign(SysTickCtrlAddr) && addr < pageAlign(SysTickCtrlAddr)+pageSize {
		return // SysTick control space beyond CTRL itself is not modeled
	}

	if h.bus != nil {
		writeBytes(eng, addr, busRead32(h.bus, addr), size)
	}
}

// onMMIOWrite forwards a write landing in a known MMIO window to the
// device bus, which dispatches it to the USB/USDHC register devices or
// the SysTick control write hook.
func (h *Harness) onMMIOWrite(eng uc.Unicorn, addr uint32, size int, value int64) {
	if h.bus == nil {
		return
	}
	switch size {
	case 1:
		h.bus.MemoryWrite8(addr, uint8(value))
	case 2:
		h.bus.MemoryWrite16(addr, uint16(value))
	case 8:
		h.bus.MemoryWrite64(addr, uint64(value))
	default:
		h.bus.MemoryWrite32(addr, uint32(value))
	}
}

// onCode is the global code callback, invoked before every instruction
// an engine executes. It stops the
// engine as soon as PC reaches or passes the sentinel (CallFunction and
// Run both rely on this to regain control), fires any registered
// translation hook at addr, and — for the primary engine only — yields
// back to Run as soon as a new interrupt is pending so it can be
// dispatched promptly.
func (h *Harness) onCode(eng uc.Unicorn, addr uint32) {
	if addr == 0 || addr >= SentinelAddr {
		eng.Stop()
		return
	}

	h.hooksMu.RLock()
	fn, lockEntry, lockExit := h.translationHook[addr], h.lockEntryHook[addr], h.lockExitHook[addr]
	cpsid, cpsie := h.cpsidHook[addr], h.cpsieHook[addr]
	h.hooksMu.RUnlock()

	if lockEntry {
		h.blockMutex.Acquire(eng)
	}
	if cpsid {
		h.usbMutex.Acquire(eng)
	}
	if fn != nil {
		fn(h, eng)
	}
	if cpsie {
		h.usbMutex.Release(eng)
	}
	if lockExit {
		h.blockMutex.Release(eng)
	}

	if eng == h.primary {
		h.interruptMu.Lock()
		pending := !h.inISR && len(h.pending) > 0
		h.interruptMu.Unlock()
		if pending {
			eng.Stop()
		}
	}
}

// onUnmappedRead handles a read from an address outside every mapped
// region: per spec.md §7 this always reads as zero and is logged at
// debug, never fatal. The containing page is mapped (zero-filled) so
// Unicorn can complete the access instead of raising an exception.
func (h *Harness) onUnmappedRead(eng uc.Unicorn, addr uint32, size int) bool {
	h.ensureMapped(eng, addr)
	logging.Debugf("cpu: unmapped read at 0x%x (%d bytes)", addr, size)
	return true
}

// onUnmappedWrite handles a write to an address outside every mapped
// region: per spec.md §7 the write is silently dropped.
func (h *Harness) onUnmappedWrite(eng uc.Unicorn, addr uint32, size int, value int64) bool {
	h.ensureMapped(eng, addr)
	logging.Debugf("cpu: unmapped write at 0x%x = 0x%x (%d bytes) dropped", addr, value, size)
	return true
}

func writeBytes(eng uc.Unicorn, addr uint32, value uint32, size int) {
	buf := make([]byte, size)
	for i := 0; i < size && i < 4; i++ {
		buf[i] = byte(value >> (8 * i))
	}
	_ = eng.MemWrite(uint64(addr), buf)
}

func busRead32(b *device.Bus, addr uint32) uint32 {
	return b.MemoryRead32(addr &^ 3)
}

// RegisterMagicRead installs a fixed value reads from addr observe, used
// for hardware-status bits (PLL lock, ADC done, flash controller busy/done)
// that firmware init loops poll for. Inside the MMIO windows every read
// returns it; elsewhere it is written into the page when that page is
// first mapped, so a later guest write to addr replaces it.
func (h *Harness) RegisterMagicRead(addr uint32, value uint32) {
	h.magicMu.Lock()
	defer h.magicMu.Unlock()
	h.magicReads[addr] = value
}

// SetVectorTableBase configures where interrupt dispatch reads
// vectorTables[irq] from (a 32-bit pointer at base+irq*4).
func (h *Harness) SetVectorTableBase(base uint32) {
	h.vectorTableBase = base
}

// AttachInitializeCallback arms a single-shot translation hook at addr:
// the first time the JIT would translate that PC, fn fires exactly once,
// regardless of how many times translation hooks re-lift the block.
func (h *Harness) AttachInitializeCallback(addr uint32, fn func()) {
	var once sync.Once
	h.installHook(addr, func(*Harness, uc.Unicorn) {
		once.Do(fn)
	})
}

// AttachLockRange installs acquire/release translation hooks at entry and
// exit so the guest code between them executes under blockMutex, matching
// the original's AudioStream::allocate/release/transmit/receiveWritable
// critical sections. exits lists every code-exit instruction address
// (bx lr, pop{...,pc}) the helper may return through.
func (h *Harness) AttachLockRange(entry uint32, exits []uint32) {
	h.hooksMu.Lock()
	h.lockEntryHook[entry] = true
	for _, e := range exits {
		h.lockExitHook[e] = true
	}
	h.hooksMu.Unlock()
}

// AttachCPSIRange installs cpsid/cpsie acquire/release hooks for usbMutex.
func (h *Harness) AttachCPSIRange(cpsid, cpsie uint32) {
	h.hooksMu.Lock()
	h.cpsidHook[cpsid] = true
	h.cpsieHook[cpsie] = true
	h.hooksMu.Unlock()
}

func (h *Harness) installHook(addr uint32, fn func(*Harness, uc.Unicorn)) {
	h.hooksMu.Lock()
	defer h.hooksMu.Unlock()
	h.translationHook[addr] = fn
}

// TriggerInterrupt marks irq pending. Safe to call from any goroutine.
func (h *Harness) TriggerInterrupt(irq int) {
	h.interruptMu.Lock()
	h.pending[irq] = true
	h.interruptMu.Unlock()
}

func (h *Harness) popLowestPending() (int, bool) {
	best := -1
	for irq := range h.pending {
		if best == -1 || irq < best {
			best = irq
		}
	}
	if best == -1 {
		return 0, false
	}
	delete(h.pending, best)
	return best, true
}

// Run performs one iteration of the primary stepping loop: service an
// ISR return if one is pending, else dispatch one pending interrupt, then
// run the primary engine under the master lock.
func (h *Harness) Run() error {
	if h.inISR {
		pc, _ := h.primary.RegRead(uc.ARM_REG_PC)
		if uint32(pc) == 0 || uint32(pc) >= SentinelAddr {
			h.restoreContext()
			h.inISR = false
		}
	} else {
		h.interruptMu.Lock()
		irq, ok := h.popLowestPending()
		h.interruptMu.Unlock()
		if ok {
			h.enterISR(irq)
		}
	}

	h.callbacksLock.Acquire(h.primary)
	defer h.callbacksLock.Release(h.primary)

	pc, _ := h.primary.RegRead(uc.ARM_REG_PC)
	h.syncToEngine(h.primary)
	err := h.primary.Start(pc, 0)
	h.syncFromEngine(h.primary)
	if err != nil {
		logging.Errorf("cpu: guest exception at pc=0x%x: %v", pc, err)
		os.Exit(1)
	}
	return nil
}

func (h *Harness) saveContext() {
	for i := 0; i < 13; i++ {
		h.saved.regs[i], _ = h.primary.RegRead(uc.ARM_REG_R0 + i)
	}
	h.saved.sp, _ = h.primary.RegRead(uc.ARM_REG_SP)
	h.saved.lr, _ = h.primary.RegRead(uc.ARM_REG_LR)
	h.saved.pc, _ = h.primary.RegRead(uc.ARM_REG_PC)
	h.saved.cpsr, _ = h.primary.RegRead(uc.ARM_REG_CPSR)
	h.saved.fpscr, _ = h.primary.RegRead(uc.ARM_REG_FPSCR)
}

func (h *Harness) restoreContext() {
	for i := 0; i < 13; i++ {
		_ = h.primary.RegWrite(uc.ARM_REG_R0+i, h.saved.regs[i])
	}
	_ = h.primary.RegWrite(uc.ARM_REG_SP, h.saved.sp)
	_ = h.primary.RegWrite(uc.ARM_REG_LR, h.saved.lr)
	_ = h.primary.RegWrite(uc.ARM_REG_PC, h.saved.pc)
	_ = h.primary.RegWrite(uc.ARM_REG_CPSR, h.saved.cpsr)
	_ = h.primary.RegWrite(uc.ARM_REG_FPSCR, h.saved.fpscr)
}

func (h *Harness) enterISR(irq int) {
	h.saveContext()

	_ = h.primary.RegWrite(uc.ARM_REG_CPSR, thumbCPSR)
	_ = h.primary.RegWrite(uc.ARM_REG_FPSCR, 0)

	vector := uint32(0)
	if h.bus != nil {
		vector = h.bus.MemoryRead32(h.vectorTableBase + uint32(irq)*4)
	}
	_ = h.primary.RegWrite(uc.ARM_REG_PC, uint64(vector&^1))
	_ = h.primary.RegWrite(uc.ARM_REG_LR, uint64(SentinelAddr))
	h.inISR = true
}

// Start sets the primary engine's initial PC, the address the firmware's
// own reset code resumes from (typically setting up its own stack before
// doing anything else, so SP is left untouched here, matching LoadHEX's
// CURRENT_PC() = entry in the original). Call once after loading firmware
// and before the first Run.
func (h *Harness) Start(pc uint32) {
	_ = h.primary.RegWrite(uc.ARM_REG_PC, uint64(pc&^1))
}

// WithMasterLock runs fn with the master CPU lock held, using a token
// scoped to this call rather than an engine identity. Intended for call
// paths that read guest memory directly (bypassing any JIT engine) and
// need to exclude concurrent JIT execution without themselves calling
// back into CallFunction/Run - the audio scheduler's one-time graph
// discovery is the motivating caller. Do not call CallFunction from
// inside fn: that would try to re-acquire under a different owner and
// deadlock, since this call's token is not reentrant with an engine's.
func (h *Harness) WithMasterLock(fn func()) {
	token := new(byte)
	h.callbacksLock.Acquire(token)
	defer h.callbacksLock.Release(token)
	fn()
}

// VectorAddress reads the Thumb entry point for irq out of the vector
// table, the same lookup enterISR performs for hardware-triggered
// interrupts - exported so callers (the audio scheduler's block-serial
// fallback) can resolve a software IRQ's handler before calling it
// directly via CallFunction.
func (h *Harness) VectorAddress(irq int) uint32 {
	if h.bus == nil {
		return 0
	}
	return h.bus.MemoryRead32(h.vectorTableBase + uint32(irq)*4)
}

// CallFunction acquires an idle auxiliary engine, runs fn(r0) to
// completion (PC reaching 0 or the sentinel), and returns R0. Safe to
// call concurrently from multiple worker goroutines.
func (h *Harness) CallFunction(addr, r0 uint32) uint32 {
	slot := h.pool.Acquire()
	defer h.pool.Release(slot)

	h.callbacksLock.Acquire(slot.eng)
	defer h.callbacksLock.Release(slot.eng)

	_ = slot.eng.RegWrite(uc.ARM_REG_CPSR, thumbCPSR)
	_ = slot.eng.RegWrite(uc.ARM_REG_FPSCR, 0)
	_ = slot.eng.RegWrite(uc.ARM_REG_PC, uint64(addr&^1))
	_ = slot.eng.RegWrite(uc.ARM_REG_R0, uint64(r0))
	_ = slot.eng.RegWrite(uc.ARM_REG_LR, uint64(SentinelAddr))
	_ = slot.eng.RegWrite(uc.ARM_REG_SP, uint64(slot.sp))

	h.syncToEngine(slot.eng)
	for {
		pc, _ := slot.eng.RegRead(uc.ARM_REG_PC)
		if uint32(pc) == 0 || uint32(pc) >= SentinelAddr {
			break
		}
		if err := slot.eng.Start(pc, 0); err != nil {
			logging.Errorf("cpu: guest exception in CallFunction at pc=0x%x: %v", pc, err)
			os.Exit(1)
		}
	}
	h.syncFromEngine(slot.eng)

	r0out, _ := slot.eng.RegRead(uc.ARM_REG_R0)
	return uint32(r0out)
}

func (h *Harness) handleSysTickCtrlWrite(addr uint32, value uint32) {
	const enableBit = 1 << 0
	if value&enableBit != 0 {
		h.systick.SetOneshot(false)
		h.systick.SetInterval(msToDuration(1), func(*timer.Timer) {
			h.TriggerInterrupt(h.systickIRQ)
		})
		h.systick.Start()
	} else {
		h.systick.Stop()
	}
}

// SetSysTickIRQ configures which IRQ number the 1ms SysTick fires.
func (h *Harness) SetSysTickIRQ(irq int) {
	h.systickIRQ = irq
}

// Close releases every engine and stops the SysTick worker.
func (h *Harness) Close() {
	h.systick.Close()
	_ = h.primary.Close()
	for _, s := range h.pool.slots {
		_ = s.eng.Close()
	}
}
