// sdcard.go - Minimal SD command decoder over a raw disk image.

/*
Package sdcard implements the subset of the SD physical-layer command set
the firmware's USDHC driver actually issues against a raw backing disk
image: CMD0/CMD2/CMD3/CMD6/CMD7/CMD8/CMD9/CMD10/CMD12/CMD13/CMD17/CMD18/
CMD24/CMD25/CMD32/CMD33/CMD38/CMD55, and ACMD6/ACMD41 once CMD55 has
armed app-command mode.

Grounded on original_source/src/sdcard.h/sdcard.cpp: the normal/app
command dispatch tables, state transitions (Idle -> Identification ->
Standby -> Transfer -> SendingData/ReceivingData/Programming), the
high-capacity 512-byte block addressing rule, and the CID/CSD/OCR/status
bitfield layouts (packed with this package's own setBits helper, the
counterpart of sdcard.cpp's FIELD macro).
*/
package sdcard

import (
	"os"
)

type state int

const (
	stateIdle state = iota
	stateIdentification
	stateStandby
	stateTransfer
	stateSendingData
	stateReceivingData
	stateProgramming
)

type response int

const (
	responseNone response = iota
	responseR1
	responseR1b
	responseR2Identification
	responseR2Specific
	responseR3
	responseR6
	responseR7
)

const highCapacityBlockSize = 512

// Card is a single SD card backed by a raw disk image file: block reads
// and writes translate directly to byte-offset file I/O.
type Card struct {
	file *os.File

	highCapacity bool
	waitingACMD  bool
	state        state
	cardAddress  uint16
	checkPattern uint32
	operatingCondition uint32
	currentOffset int64
	eraseBegin, eraseEnd uint32
}

// Open opens path as the card's backing image. The image is assumed to
// already exist at the desired size; Open never creates or truncates it.
func Open(path string) (*Card, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	c := &Card{
		file:         f,
		highCapacity: true,
	}
	c.operatingCondition = 0x80000000
	if c.highCapacity {
		c.operatingCondition |= 0x40000000
	}
	return c, nil
}

// Close releases the backing file.
func (c *Card) Close() error {
	return c.file.Close()
}

// deviceSize reports the card's capacity in 512 KiB units minus one
// (CSD C_SIZE for a high-capacity card), mirroring sdcard.cpp's
// std::filesystem::file_size(path)/1024/512 - 1.
func (c *Card) deviceSize() uint32 {
	info, err := c.file.Stat()
	if err != nil {
		return 0
	}
	return uint32(info.Size()/1024/512) - 1
}

// cardStatus assembles the R1 status word: APP_CMD at bit 5,
// READY_FOR_DATA at bit 8.
func (c *Card) cardStatus() uint32 {
	var v uint32
	if c.waitingACMD {
		v |= 1 << 5
	}
	v |= 1 << 8
	return v
}

// cid assembles the 128-bit Card Identification register (only the
// fields the firmware is known to read: MDT and the five-character
// product name "m8emu").
func (c *Card) cid() [4]uint32 {
	var w [4]uint32
	// Word layout matches bit offsets 0..127 packed little-endian-word,
	// big-endian-bit per the SD physical spec; only the fields
	// sdcard.cpp populates are set here.
	setBits(w[:], 0, 12, 24<<4|12)    // MDT
	setBits(w[:], 56, 8, 'u')         // PNM0
	setBits(w[:], 64, 8, 'm')         // PNM1
	setBits(w[:], 72, 8, 'e')         // PNM2
	setBits(w[:], 80, 8, '8')         // PNM3
	setBits(w[:], 88, 8, 'm')         // PNM4
	return w
}

// csd assembles the 128-bit Card-Specific Data register for a
// high-capacity card (CSD version 2.0).
func (c *Card) csd() [4]uint32 {
	var w [4]uint32
	setBits(w[:], 14, 4, 9)                 // WRITE_BL_LEN = 512 bytes
	setBits(w[:], 40, 22, uint32(c.deviceSize()))
	setBits(w[:], 72, 4, 9)                 // READ_BL_LEN = 512 bytes
	setBits(w[:], 88, 8, 0x32)               // TRAN_SPEED
	setBits(w[:], 118, 2, 1)                 // CSD_STRUCTURE = version 2
	return w
}

// setBits writes an l-bit value at bit offset o into a big-endian bit
// field spanning words[o/32:], matching sdcard.cpp's FIELD macro (o and
// o+l-1 must fall within the same 32-bit word).
func setBits(words []uint32, o, l int, value uint32) {
	word := o / 32
	shift := o % 32
	mask := (^uint32(0) >> (32 - l)) << shift
	words[word] = (words[word] &^ mask) | ((value << shift) & mask)
}

func address(highCapacity bool, arg uint32) int64 {
	if highCapacity {
		return int64(arg) * highCapacityBlockSize
	}
	return int64(arg)
}

// HandleCommand dispatches cmd/arg (an app command if the previous
// command was CMD55) and returns the response words belonging to the
// resulting R-type, the same length contract as sdcard.cpp's
// HandleCommand (0, 4 or 16 bytes' worth of words).
func (c *Card) HandleCommand(cmd uint8, arg uint32) []uint32 {
	var resp response
	if c.waitingACMD {
		c.waitingACMD = false
		resp = c.handleAppCommand(cmd, arg)
	} else {
		resp = c.handleNormalCommand(cmd, arg)
	}

	switch resp {
	case responseR1, responseR1b:
		return []uint32{c.cardStatus()}
	case responseR2Identification:
		cid := c.cid()
		return cid[:]
	case responseR2Specific:
		csd := c.csd()
		return csd[:]
	case responseR3:
		return []uint32{c.operatingCondition}
	case responseR6:
		return []uint32{uint32(c.cardAddress)}
	case responseR7:
		return []uint32{c.checkPattern}
	default:
		return nil
	}
}

// ReadData reads len(buf) bytes from the card's current offset.
func (c *Card) ReadData(buf []byte) (int, error) {
	n, err := c.file.ReadAt(buf, c.currentOffset)
	c.currentOffset += int64(n)
	return n, err
}

// WriteData writes buf at the card's current offset.
func (c *Card) WriteData(buf []byte) (int, error) {
	n, err := c.file.WriteAt(buf, c.currentOffset)
	c.currentOffset += int64(n)
	return n, err
}

func (c *Card) handleAppCommand(cmd uint8, arg uint32) response {
	switch cmd {
	case 6:
		return responseR1
	case 41:
		return responseR3
	default:
		return responseNone
	}
}

func (c *Card) handleNormalCommand(cmd uint8, arg uint32) response {
	switch cmd {
	case 0:
		c.state = stateIdle
		return responseNone
	case 2:
		c.state = stateIdentification
		return responseR2Identification
	case 3:
		c.state = stateStandby
		return responseR6
	case 6:
		return responseR1
	case 7:
		switch c.state {
		case stateStandby:
			c.state = stateTransfer
		case stateTransfer, stateProgramming:
			c.state = stateStandby
		}
		return responseR1b
	case 8:
		c.checkPattern = arg
		return responseR7
	case 9:
		return responseR2Specific
	case 10:
		return responseR2Identification
	case 12:
		switch c.state {
		case stateSendingData:
			c.state = stateTransfer
		case stateReceivingData:
			c.state = stateProgramming
		}
		return responseR1b
	case 13:
		return responseR1
	case 17, 18:
		if c.state == stateTransfer {
			c.state = stateSendingData
		}
		c.currentOffset = address(c.highCapacity, arg)
		return responseR1
	case 24, 25:
		if c.state == stateTransfer {
			c.state = stateReceivingData
		}
		c.currentOffset = address(c.highCapacity, arg)
		return responseR1
	case 32:
		c.eraseBegin = arg
		return responseR1
	case 33:
		c.eraseEnd = arg
		return responseR1
	case 38:
		return responseR1b
	case 55:
		c.waitingACMD = true
		return responseR1
	default:
		return responseNone
	}
}
