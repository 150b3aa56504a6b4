// wire.go - USB/IP wire structures and their big-endian encode/decode.

/*
Package usbip implements the USB/IP network protocol (port 3240): the
OP_REQ_IMPORT/OP_REP_IMPORT attach handshake, and the USBIP_CMD_SUBMIT/
USBIP_RET_SUBMIT URB exchange that carries every control, bulk, interrupt
and isochronous transfer between a USB/IP client (e.g. the Linux
vhci-hcd driver) and the emulated device.

Grounded on original_source/src/usbip-internal.h for every struct's
field layout and size, and src/usbipd.h/demo/usbipd.cpp for the protocol
state machine and the request/reply flow (see server.go). Every
multi-byte integer on the wire is big-endian except the eight raw bytes
of a USB SETUP packet, which travel unswapped (they're the literal
bytes of the USB SETUP stage, not a reinterpreted integer).
*/
package usbip

import "encoding/binary"

const (
	sizeOpReqHeader    = 8
	sizeOpReqImport    = 40
	sizeOpRepImport    = 320
	sizeHeaderBasic    = 20
	sizeCmdSubmit      = 48
	sizeRetSubmit      = 48
	sizeIsocDesc       = 16
	busIDSize          = 32
	repImportPathSize  = 256
)

const (
	opCommandImport  = 0x8003
	opReplyImport    = 0x0003
	cmdSubmit        = 0x00000001
	cmdUnlink        = 0x00000002
	retSubmitCommand = 0x00000003

	speedHighSpeed = 3
)

// opReqHeader is OP_REQ_HEADER: the 8-byte prefix of every OP_REQ_*
// request a client sends before the import attach. It is peeked to branch
// on command; a header for any command other than import is discarded on
// its own.
type opReqHeader struct {
	version uint16
	command uint16
	status  uint32
}

func decodeOpReqHeader(buf []byte) opReqHeader {
	return opReqHeader{
		version: binary.BigEndian.Uint16(buf[0:2]),
		command: binary.BigEndian.Uint16(buf[2:4]),
		status:  binary.BigEndian.Uint32(buf[4:8]),
	}
}

// opReqImport is OP_REQ_IMPORT: the attach request, header plus a
// 32-byte NUL-terminated bus id.
type opReqImport struct {
	header opReqHeader
	busID  [busIDSize]byte
}

func decodeOpReqImport(buf []byte) opReqImport {
	req := opReqImport{header: decodeOpReqHeader(buf[0:8])}
	copy(req.busID[:], buf[8:40])
	return req
}

// encodeOpRepImport builds OP_REP_IMPORT: echoes the request's version,
// replies with command 0x0003, copies the bus id back, and reports a
// fixed High-Speed device descriptor (this emulator never negotiates a
// different speed or exposes more than one configuration/interface).
func encodeOpRepImport(req opReqImport) []byte {
	buf := make([]byte, sizeOpRepImport)
	binary.BigEndian.PutUint16(buf[0:2], req.header.version)
	binary.BigEndian.PutUint16(buf[2:4], opReplyImport)
	binary.BigEndian.PutUint32(buf[4:8], 0)
	// path[256] at offset 8, left zeroed - this server advertises no path.
	copy(buf[264:296], req.busID[:])
	binary.BigEndian.PutUint32(buf[296:300], 0) // busnum
	binary.BigEndian.PutUint32(buf[300:304], 0) // devnum
	binary.BigEndian.PutUint32(buf[304:308], speedHighSpeed)
	// idVendor, idProduct, bcdDevice and the class/config/interface bytes
	// at [308:320] are left zeroed: this emulator exposes one undifferentiated
	// device and the client reads the real descriptors over the control pipe.
	return buf
}

// headerBasic is USBIP_HEADER_BASIC: common to every URB submit/unlink.
type headerBasic struct {
	command   uint32
	seqnum    uint32
	devid     uint32
	direction uint32
	ep        uint32
}

func decodeHeaderBasic(buf []byte) headerBasic {
	return headerBasic{
		command:   binary.BigEndian.Uint32(buf[0:4]),
		seqnum:    binary.BigEndian.Uint32(buf[4:8]),
		devid:     binary.BigEndian.Uint32(buf[8:12]),
		direction: binary.BigEndian.Uint32(buf[12:16]),
		ep:        binary.BigEndian.Uint32(buf[16:20]),
	}
}

// cmdSubmitReq is USBIP_CMD_SUBMIT.
type cmdSubmitReq struct {
	headerBasic
	transferFlags   uint32
	transferBufLen  uint32
	startFrame      uint32
	numberOfPackets uint32
	interval        uint32
	setup           [8]byte
}

func decodeCmdSubmit(buf []byte) cmdSubmitReq {
	req := cmdSubmitReq{
		headerBasic:     decodeHeaderBasic(buf[0:20]),
		transferFlags:   binary.BigEndian.Uint32(buf[20:24]),
		transferBufLen:  binary.BigEndian.Uint32(buf[24:28]),
		startFrame:      binary.BigEndian.Uint32(buf[28:32]),
		numberOfPackets: binary.BigEndian.Uint32(buf[32:36]),
		interval:        binary.BigEndian.Uint32(buf[36:40]),
	}
	copy(req.setup[:], buf[40:48])
	return req
}

// totalRequestSize returns sizeCmdSubmit plus whatever variable-length
// payload follows on the wire: the OUT transfer buffer (only present
// when direction is host-to-device) plus one isoc descriptor per packet.
func totalRequestSize(req cmdSubmitReq) int {
	total := sizeCmdSubmit
	if req.direction == 0 {
		total += int(req.transferBufLen)
	}
	total += int(req.numberOfPackets) * sizeIsocDesc
	return total
}

// isocDesc is USBIP_ISOC_DESC.
type isocDesc struct {
	offset       uint32
	length       uint32
	actualLength uint32
	status       uint32
}

func decodeIsocDescs(buf []byte, n int) []isocDesc {
	out := make([]isocDesc, n)
	for i := 0; i < n; i++ {
		b := buf[i*sizeIsocDesc:]
		out[i] = isocDesc{
			offset:       binary.BigEndian.Uint32(b[0:4]),
			length:       binary.BigEndian.Uint32(b[4:8]),
			actualLength: binary.BigEndian.Uint32(b[8:12]),
			status:       binary.BigEndian.Uint32(b[12:16]),
		}
	}
	return out
}

func encodeIsocDescs(descs []isocDesc) []byte {
	buf := make([]byte, len(descs)*sizeIsocDesc)
	for i, d := range descs {
		b := buf[i*sizeIsocDesc:]
		binary.BigEndian.PutUint32(b[0:4], d.offset)
		binary.BigEndian.PutUint32(b[4:8], d.length)
		binary.BigEndian.PutUint32(b[8:12], d.actualLength)
		binary.BigEndian.PutUint32(b[12:16], d.status)
	}
	return buf
}

// fillIsocDesc zeroes status and clamps each descriptor's actual_length
// to what remains of bufLen, consuming it left to right - the direct
// port of demo/usbipd.cpp's FillIsocDesc.
func fillIsocDesc(descs []isocDesc, bufLen uint32) {
	for i := range descs {
		descs[i].status = 0
		actual := descs[i].length
		if actual > bufLen {
			actual = bufLen
		}
		descs[i].actualLength = actual
		bufLen -= actual
	}
}

// encodeRetSubmit builds USBIP_RET_SUBMIT, optionally followed by data
// and/or isoc descriptors.
func encodeRetSubmit(req cmdSubmitReq, data []byte, isoc []isocDesc) []byte {
	actualLength := uint32(len(data))
	if req.direction == 0 && req.numberOfPackets != 0 {
		actualLength = 0
	}

	size := sizeRetSubmit + len(data) + len(isoc)*sizeIsocDesc
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], retSubmitCommand)
	binary.BigEndian.PutUint32(buf[4:8], req.seqnum)
	binary.BigEndian.PutUint32(buf[8:12], 0)
	binary.BigEndian.PutUint32(buf[12:16], 0)
	binary.BigEndian.PutUint32(buf[16:20], 0)
	binary.BigEndian.PutUint32(buf[20:24], 0) // status
	binary.BigEndian.PutUint32(buf[24:28], actualLength)
	binary.BigEndian.PutUint32(buf[28:32], req.seqnum) // start_frame
	binary.BigEndian.PutUint32(buf[32:36], req.numberOfPackets)
	binary.BigEndian.PutUint32(buf[36:40], 0) // error_count
	// setup at [40:48] stays zeroed: USBIP_RET_SUBMIT never echoes it back.

	off := sizeRetSubmit
	if len(data) > 0 {
		copy(buf[off:], data)
		off += len(data)
	}
	if len(isoc) > 0 {
		copy(buf[off:], encodeIsocDescs(isoc))
	}
	return buf
}
