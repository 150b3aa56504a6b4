package usdhc

import (
	"sync"
	"testing"
	"time"

	"github.com/intuitionamiga/m8emu/internal/device"
)

const (
	testBase    = 0x402C0000
	testRAMBase = 0x20000000
	testRAMSize = 0x10000
)

type fakeCard struct {
	mu sync.Mutex

	resp map[uint8][]uint32

	reads  [][]byte
	writes [][]byte
}

func newFakeCard() *fakeCard {
	return &fakeCard{resp: make(map[uint8][]uint32)}
}

func (f *fakeCard) HandleCommand(cmd uint8, arg uint32) []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resp[cmd]
}

func (f *fakeCard) ReadData(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range buf {
		buf[i] = 0xAB
	}
	f.reads = append(f.reads, append([]byte(nil), buf...))
	return len(buf), nil
}

func (f *fakeCard) WriteData(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), buf...))
	return len(buf), nil
}

func newTestController(t *testing.T) (*Controller, *device.Bus, *fakeCard) {
	t.Helper()
	bus := device.NewBus()
	ram := device.NewMemoryDevice(testRAMBase, testRAMSize)
	if err := bus.Register(ram); err != nil {
		t.Fatalf("register ram: %v", err)
	}
	c := New(bus, testBase, 0x1000)
	if err := bus.Register(c); err != nil {
		t.Fatalf("register usdhc: %v", err)
	}
	c.BindInterrupt(22, func(int) {})
	card := newFakeCard()
	c.InsertCard(card)
	return c, bus, card
}

func TestSendCommandLatchesSingleWordResponse(t *testing.T) {
	_, bus, card := newTestController(t)
	card.resp[8] = []uint32{0x1A5}

	bus.MemoryWrite32(testBase+regCMDARG, 0)
	bus.MemoryWrite32(testBase+regCMDXFRTYP, 8<<24)

	got := bus.MemoryRead32(testBase + regCMDRSPBase)
	if got != 0x1A5 {
		t.Fatalf("CMD_RSP0 = %#x, want 0x1A5", got)
	}
	cc := bus.MemoryRead32(testBase + regINTSTATUS)
	if cc&1 == 0 {
		t.Fatalf("CC not set after command, INT_STATUS = %#x", cc)
	}
}

func TestSendCommandLatchesFourWordResponse(t *testing.T) {
	c, bus, card := newTestController(t)
	card.resp[2] = []uint32{1, 2, 3, 4}

	bus.MemoryWrite32(testBase+regCMDXFRTYP, 2<<24)

	for i, want := range []uint32{1, 2, 3, 4} {
		got := bus.MemoryRead32(testBase + regCMDRSPBase + uint32(4*i))
		if got != want {
			t.Fatalf("CMD_RSP%d = %d, want %d", i, got, want)
		}
	}
	_ = c
}

func TestDMATransferMovesBlocksAfterOneshotFires(t *testing.T) {
	c, bus, card := newTestController(t)
	card.resp[18] = []uint32{0}

	const dmaTarget = testRAMBase + 0x2000
	bus.MemoryWrite32(testBase+regDSADDR, dmaTarget)
	bus.MemoryWrite32(testBase+regBLKATT, (2<<16)|512) // BLKCNT=2, BLKSIZE=512
	bus.MemoryWrite32(testBase+regMIXCTRL, 1)           // DMAEN=1, DTDSEL=0 (write to card)

	bus.MemoryWrite32(testBase+regCMDXFRTYP, (18<<24)|(1<<21)) // CMD18, DPSEL=1

	deadline := time.Now().Add(2 * time.Second)
	for {
		card.mu.Lock()
		n := len(card.writes)
		card.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("DMA transfer did not complete in time")
		}
		time.Sleep(time.Millisecond)
	}

	card.mu.Lock()
	defer card.mu.Unlock()
	if len(card.writes[0]) != 1024 {
		t.Fatalf("DMA transfer length = %d, want 1024", len(card.writes[0]))
	}

	blkcnt := (bus.MemoryRead32(testBase+regBLKATT) >> 16) & 0xFFFF
	if blkcnt != 0 {
		t.Fatalf("BLKCNT after DMA = %d, want 0", blkcnt)
	}
	tc := bus.MemoryRead32(testBase + regINTSTATUS)
	if tc&(1<<1) == 0 {
		t.Fatalf("TC not set after DMA, INT_STATUS = %#x", tc)
	}
	_ = c
}

func TestPIODataPortRoundTrip(t *testing.T) {
	c, bus, card := newTestController(t)

	bus.MemoryWrite32(testBase+regDATABUFFACCPORT, 0xDEADBEEF)
	card.mu.Lock()
	if len(card.writes) != 1 {
		t.Fatalf("WriteData called %d times, want 1", len(card.writes))
	}
	card.mu.Unlock()

	got := bus.MemoryRead32(testBase + regDATABUFFACCPORT)
	want := uint32(0xAB) | uint32(0xAB)<<8 | uint32(0xAB)<<16 | uint32(0xAB)<<24
	if got != want {
		t.Fatalf("DATA_BUFF_ACC_PORT read = %#x, want %#x", got, want)
	}
	_ = c
}

func TestCardPresenceReflectedInPresState(t *testing.T) {
	bus := device.NewBus()
	ram := device.NewMemoryDevice(testRAMBase, testRAMSize)
	if err := bus.Register(ram); err != nil {
		t.Fatalf("register ram: %v", err)
	}
	c := New(bus, testBase, 0x1000)
	if err := bus.Register(c); err != nil {
		t.Fatalf("register usdhc: %v", err)
	}

	present := bus.MemoryRead32(testBase+regPRESSTATE) >> 16 & 1
	if present != 0 {
		t.Fatalf("CINST = %d before InsertCard, want 0", present)
	}

	c.InsertCard(newFakeCard())
	present = bus.MemoryRead32(testBase+regPRESSTATE) >> 16 & 1
	if present != 1 {
		t.Fatalf("CINST = %d after InsertCard, want 1", present)
	}
}
