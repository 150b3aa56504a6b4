// memmap.go - Guest physical address map constants.

package cpu

// Guest physical memory regions (spec.md §6, "Guest physical map").
const (
	ITCMBase   uint32 = 0x00000000
	ITCMSize   uint32 = 512 * 1024
	DTCMBase   uint32 = 0x20000000
	DTCMSize   uint32 = 512 * 1024
	OCRAM2Base uint32 = 0x20200000
	OCRAM2Size uint32 = 512 * 1024
	USDHC1Base uint32 = 0x402C0000
	USDHC1Size uint32 = 16 * 1024
	USBBase    uint32 = 0x402E0000
	USBSize    uint32 = 16 * 1024
	FlashBase  uint32 = 0x60000000
	FlashSize  uint32 = 16 * 1024 * 1024
	ExtraBase  uint32 = 0xB0000000

	// HexEntryAddr holds the 32-bit entry PC loaded from the firmware's
	// Intel-HEX image.
	HexEntryAddr uint32 = 0x60001004
)

// VTORAddr is the ARMv7-M Vector Table Offset Register (SCB->VTOR): a
// firmware write here configures where interrupt dispatch reads
// vectorTables[irq] from, mirroring the original's "VTOR-like config
// register" (spec.md §4.2). Part of the fixed Cortex-M system control
// space, same as SysTickCtrlAddr - not anything the firmware descriptor
// configures.
const VTORAddr uint32 = 0xE000ED08

// SentinelAddr is the IRQ/call return sentinel. A read hook at this
// address returns sentinelWord (bx lr; bx lr), so falling off the end of
// a firmware function or ISR naturally returns control to the harness.
const (
	SentinelAddr uint32 = 0xFFFFFFF0
	sentinelWord uint32 = 0x70447047

	// DefaultJITPoolSize is the number of auxiliary JIT engines available
	// for re-entrant CallFunction calls (audio-graph node execution).
	DefaultJITPoolSize = 6

	// perSlotStackSize is the guest stack space reserved per auxiliary
	// JIT slot in the "Extra" host-side scratch region, so concurrently
	// running slots never share a stack.
	perSlotStackSize uint32 = 0x4000
)
