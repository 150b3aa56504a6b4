package cpu

import (
	"testing"

	"github.com/intuitionamiga/m8emu/internal/device"
)

func newTestHarness(t *testing.T) (*Harness, *device.Bus, *device.MemoryDevice) {
	t.Helper()
	bus := device.NewBus()
	itcm := device.NewMemoryDevice(ITCMBase, ITCMSize)
	if err := bus.Register(itcm); err != nil {
		t.Fatalf("register itcm: %v", err)
	}

	h, err := NewHarness(bus, Config{ITCM: itcm, JITPoolSize: 2})
	if err != nil {
		t.Skipf("unicorn engine unavailable in this environment: %v", err)
	}
	t.Cleanup(h.Close)
	return h, bus, itcm
}

// movs r0, #42 ; bx lr
var returns42 = []byte{0x2A, 0x20, 0x70, 0x47}

func TestCallFunctionReturnsR0(t *testing.T) {
	h, _, itcm := newTestHarness(t)
	itcm.Write(0, returns42)

	got := h.CallFunction(ITCMBase, 0)
	if got != 42 {
		t.Fatalf("CallFunction returned %d, want 42", got)
	}
}

func TestCallFunctionUsesDisjointStacksAcrossSlots(t *testing.T) {
	h, _, itcm := newTestHarness(t)
	itcm.Write(0, returns42)

	done := make(chan uint32, 4)
	for i := 0; i < 4; i++ {
		go func() { done <- h.CallFunction(ITCMBase, 0) }()
	}
	for i := 0; i < 4; i++ {
		if got := <-done; got != 42 {
			t.Fatalf("concurrent CallFunction returned %d, want 42", got)
		}
	}

	for i, a := range h.pool.slots {
		for _, b := range h.pool.slots[i+1:] {
			d := int64(a.sp) - int64(b.sp)
			if d < 0 {
				d = -d
			}
			if d < int64(perSlotStackSize) {
				t.Fatalf("slot stacks 0x%x and 0x%x overlap", a.sp, b.sp)
			}
		}
	}
}

func TestTriggerInterruptIsQueuedUnderMutex(t *testing.T) {
	h, _, _ := newTestHarness(t)
	h.TriggerInterrupt(3)
	h.interruptMu.Lock()
	pending := h.pending[3]
	h.interruptMu.Unlock()
	if !pending {
		t.Fatalf("interrupt 3 was not recorded as pending")
	}
}

func TestMagicReadIsStable(t *testing.T) {
	h, _, _ := newTestHarness(t)
	h.RegisterMagicRead(0x402E0004, 0xFFFFFFFF)
	h.magicMu.RLock()
	got := h.magicReads[0x402E0004]
	h.magicMu.RUnlock()
	if got != 0xFFFFFFFF {
		t.Fatalf("magic read = 0x%x, want 0xffffffff", got)
	}
}
