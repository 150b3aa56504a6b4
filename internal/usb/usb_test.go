package usb

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/intuitionamiga/m8emu/internal/device"
)

const (
	testBase    = 0x402E0000
	testRAMBase uint32 = 0x20000000
	testRAMSize = 0x20000
)

func newTestController(t *testing.T) (*Controller, *device.Bus, *device.MemoryDevice) {
	t.Helper()
	bus := device.NewBus()
	ram := device.NewMemoryDevice(testRAMBase, testRAMSize)
	if err := bus.Register(ram); err != nil {
		t.Fatalf("register ram: %v", err)
	}
	c := New(bus, testBase, 0x1000)
	if err := bus.Register(c); err != nil {
		t.Fatalf("register usb controller: %v", err)
	}

	c.BindInterrupt(35, func(irq int) {})
	return c, bus, ram
}

// writeQH points ENDPTLISTADDR at ramBase; callers write the queue-head
// fields (RX then TX per endpoint) themselves.
func writeQH(bus *device.Bus, ramBase uint32) {
	bus.MemoryWrite32(testBase+regENDPTLISTADDR, ramBase)
}

func writeTD(bus *device.Bus, tdAddr uint32, next uint32, active bool, totalBytes uint16, bufPtr uint32) {
	status := uint8(0)
	if active {
		status = tdStatusActive
	}
	bus.MemoryWrite32(tdAddr+tdNextPointer, next)
	bus.MemoryWrite8(tdAddr+tdStatus, status)
	bus.MemoryWrite16(tdAddr+tdTotalBytes, totalBytes)
	bus.MemoryWrite32(tdAddr+tdBufferPointer0, bufPtr)
}

func TestEndpointListAddressResetsBufferReadyMasks(t *testing.T) {
	c, bus, _ := newTestController(t)
	c.endpointBufferReadyRx = 0xFF
	c.endpointBufferReadyTx = 0xFF

	writeQH(bus, testRAMBase+0x1000)

	if c.endpointBufferReadyRx != 0 || c.endpointBufferReadyTx != 0 {
		t.Fatalf("buffer-ready masks not reset: rx=%x tx=%x", c.endpointBufferReadyRx, c.endpointBufferReadyTx)
	}
	if c.endpointListAddress != testRAMBase+0x1000 {
		t.Fatalf("endpointListAddress = 0x%x, want 0x%x", c.endpointListAddress, testRAMBase+0x1000)
	}
}

func TestHandleSetupPacketThenPrimeTxDeliversToCallback(t *testing.T) {
	c, bus, _ := newTestController(t)
	qhBase := testRAMBase + 0x1000
	writeQH(bus, qhBase)

	tdAddr := testRAMBase + 0x2000
	bufAddr := testRAMBase + 0x3000
	payload := []byte{1, 2, 3, 4}
	bus.MemoryWrite(bufAddr, payload)
	writeTD(bus, tdAddr, 1 /* terminate */, true, uint16(len(payload)), bufAddr)
	// endpoint0 TX queue head is qhBase + 1*qhSize; point its nextPointer at tdAddr.
	bus.MemoryWrite32(qhBase+qhSize+qhNextPointer, tdAddr)

	setup := [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}
	var gotCompletion []byte
	completed := make(chan struct{}, 1)
	c.HandleSetupPacket(setup, nil, func(data []byte) {
		gotCompletion = data
		completed <- struct{}{}
	})

	got := binary.LittleEndian.Uint32(bus.MemoryMap(qhBase + qhSetupBytes0)[:4])
	want := binary.LittleEndian.Uint32(setup[:4])
	if got != want {
		t.Fatalf("setup bytes0 = 0x%x, want 0x%x", got, want)
	}

	// Firmware primes endpoint 0 TX: MMIO write to ENDPTPRIME.PETB bit 0.
	bus.MemoryWrite32(testBase+regENDPTPRIME, 1<<16)

	select {
	case <-completed:
	default:
		t.Fatalf("setup completion callback was not invoked")
	}
	if len(gotCompletion) != len(payload) {
		t.Fatalf("completion data length = %d, want %d", len(gotCompletion), len(payload))
	}
	for i := range payload {
		if gotCompletion[i] != payload[i] {
			t.Fatalf("completion data[%d] = %d, want %d", i, gotCompletion[i], payload[i])
		}
	}

	if c.endpointPrimeTx&1 != 0 {
		t.Fatalf("endpointPrimeTx bit 0 was not self-cleared")
	}
}

func TestHandleDataWriteClampsToDescriptorLength(t *testing.T) {
	c, bus, _ := newTestController(t)
	qhBase := testRAMBase + 0x1000
	writeQH(bus, qhBase)

	tdAddr := testRAMBase + 0x2000
	bufAddr := testRAMBase + 0x3000
	writeTD(bus, tdAddr, 1, true, 2, bufAddr)
	bus.MemoryWrite32(qhBase+qhNextPointer, tdAddr) // RX QH for endpoint 0

	c.HandleDataWrite(0, []byte{0xAA, 0xBB, 0xCC, 0xDD})

	got := bus.MemoryMap(bufAddr)[:2]
	if got[0] != 0xAA || got[1] != 0xBB {
		t.Fatalf("bufferPointer0 bytes = %x, want aabb", got)
	}
	remaining := bus.MemoryRead16(tdAddr + tdTotalBytes)
	if remaining != 0 {
		t.Fatalf("totalBytes after full consumption = %d, want 0", remaining)
	}
	if c.endpointCompleteRx&1 == 0 {
		t.Fatalf("endpointCompleteRx bit 0 not set")
	}
}

func TestHandleDataReadBulkIsSynchronous(t *testing.T) {
	c, _, _ := newTestController(t)
	c.endpointTxTypes[1] = Bulk
	c.endpointBuffers[1].Push([]byte{1, 2, 3})

	var got []byte
	c.HandleDataRead(1, 1, 16, func(data []byte) { got = data })

	if len(got) != 3 {
		t.Fatalf("completion delivered %d bytes, want 3", len(got))
	}
	if c.endpointCompleteTx&(1<<1) == 0 {
		t.Fatalf("endpointCompleteTx bit 1 not set")
	}
}

func TestHandleDataReadIsochronousIsDeferredToTimer(t *testing.T) {
	c, _, _ := newTestController(t)
	c.endpointTxTypes[2] = Isochronous
	c.endpointBuffers[2].Push([]byte{9, 9})

	done := make(chan []byte, 1)
	c.HandleDataRead(2, 1, 16, func(data []byte) { done <- data })

	select {
	case data := <-done:
		if len(data) != 2 {
			t.Fatalf("isochronous delivery length = %d, want 2", len(data))
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("isochronous completion callback never fired")
	}
}

func TestEndpointBufferDropsOldestWhenFull(t *testing.T) {
	c, bus, _ := newTestController(t)
	qhBase := testRAMBase + 0x1000
	writeQH(bus, qhBase)

	bufAddr := testRAMBase + 0x3000
	chunk := make([]byte, 60000)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	bus.MemoryWrite(bufAddr, chunk)

	// Two priming passes of 60000 bytes each push 120000 total; the second
	// pass goes over the 64KiB cap, so the oldest bytes must be discarded.
	for pass := 0; pass < 2; pass++ {
		tdAddr := testRAMBase + 0x2000
		writeTD(bus, tdAddr, 1, true, uint16(len(chunk)), bufAddr)
		bus.MemoryWrite32(qhBase+3*qhSize+qhNextPointer, tdAddr) // endpoint1 TX queue head
		c.updateEndpointPrimeTx(1 << 1)
	}

	if c.endpointBuffers[1].Size() != EndpointBufferSize {
		t.Fatalf("endpoint buffer size = %d, want capped at %d", c.endpointBuffers[1].Size(), EndpointBufferSize)
	}
	// 120000-65536 bytes were dropped from the front, all from the first pass.
	if got, want := c.endpointBuffers[1].Peek(1)[0], chunk[2*len(chunk)-EndpointBufferSize]; got != want {
		t.Fatalf("oldest retained byte = %d, want %d", got, want)
	}
}
