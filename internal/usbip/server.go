// server.go - USB/IP TCP server: accept loop, per-connection byte-streamed
// protocol state machine, and URB dispatch into the USB device controller.

package usbip

import (
	"io"
	"net"
	"sync"

	"github.com/intuitionamiga/m8emu/internal/cqueue"
	"github.com/intuitionamiga/m8emu/internal/logging"
)

// ServerPort is the standard USB/IP daemon port.
const ServerPort = 3240

// Device is the subset of the USB controller the USB/IP bridge drives.
// Satisfied by *usb.Controller.
type Device interface {
	HandleSetupPacket(setup [8]byte, data []byte, completion func(data []byte))
	HandleDataWrite(ep int, data []byte)
	HandleDataRead(ep int, interval int, limit int, completion func(data []byte))
}

// state names the byte-streamed protocol's position, mirroring
// demo/usbipd.cpp's USBIPState.
type state int

const (
	stateWaitCommand state = iota
	stateWaitCommandImport
	stateWaitHeader
	stateWaitURB
	stateWaitUnlink
	stateWaitTransferBuffer
)

// Server accepts USB/IP client connections and dispatches URBs to device.
type Server struct {
	device   Device
	listener net.Listener
	done     chan struct{}
}

// NewServer creates a USB/IP server bound to no socket yet; call Start to
// listen and begin accepting connections.
func NewServer(device Device) *Server {
	return &Server{device: device, done: make(chan struct{})}
}

// Start listens on addr (":3240" for the standard port) and begins
// accepting connections in a goroutine.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and waits for the accept loop to exit.
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
	<-s.done
}

func (s *Server) acceptLoop() {
	defer close(s.done)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go newConnection(s.device, conn).run()
	}
}

// connection drives one client's byte stream through the protocol state
// machine and serializes replies written back on the same socket.
type connection struct {
	device Device
	conn   net.Conn

	buf   *cqueue.Queue
	state state

	writeMu sync.Mutex

	pendingURB cmdSubmitReq
}

func newConnection(device Device, conn net.Conn) *connection {
	return &connection{
		device: device,
		conn:   conn,
		buf:    cqueue.New(4096),
		state:  stateWaitCommand,
	}
}

func (c *connection) run() {
	defer c.conn.Close()
	rbuf := make([]byte, 16384)
	for {
		n, err := c.conn.Read(rbuf)
		if n > 0 {
			c.buf.Push(rbuf[:n])
			c.drain()
		}
		if err != nil {
			if err != io.EOF {
				logging.Debugf("usbip: connection read error: %v", err)
			}
			return
		}
	}
}

// drain repeatedly advances the state machine as long as each iteration
// makes forward progress, mirroring OnClientDataEvent's do/while loop.
func (c *connection) drain() {
	for {
		before := c.state
		switch c.state {
		case stateWaitCommand:
			c.handleWaitCommand()
		case stateWaitCommandImport:
			c.handleWaitCommandImport()
		case stateWaitHeader:
			c.handleWaitHeader()
		case stateWaitURB:
			c.handleWaitURB()
		case stateWaitTransferBuffer:
			c.handleWaitTransferBuffer()
		case stateWaitUnlink:
			c.handleWaitUnlink()
		}
		if c.state == before {
			return
		}
	}
}

func (c *connection) handleWaitCommand() {
	if c.buf.Size() < sizeOpReqHeader {
		return
	}
	header := decodeOpReqHeader(c.buf.Peek(sizeOpReqHeader))
	if header.command == opCommandImport {
		c.state = stateWaitCommandImport
	} else {
		c.buf.Discard(sizeOpReqHeader)
	}
}

func (c *connection) handleWaitCommandImport() {
	if c.buf.Size() < sizeOpReqImport {
		return
	}
	req := decodeOpReqImport(c.buf.Pop(sizeOpReqImport))
	logging.Infof("usbip: attach device")
	c.replyImport(req)
	c.state = stateWaitHeader
}

func (c *connection) handleWaitHeader() {
	if c.buf.Size() < sizeHeaderBasic {
		return
	}
	header := decodeHeaderBasic(c.buf.Peek(sizeHeaderBasic))
	switch header.command {
	case cmdSubmit:
		c.state = stateWaitURB
	case cmdUnlink:
		c.state = stateWaitUnlink
	}
}

func (c *connection) handleWaitURB() {
	if c.buf.Size() < sizeCmdSubmit {
		return
	}
	c.pendingURB = decodeCmdSubmit(c.buf.Pop(sizeCmdSubmit))
	c.state = stateWaitTransferBuffer
}

func (c *connection) handleWaitTransferBuffer() {
	remain := totalRequestSize(c.pendingURB) - sizeCmdSubmit
	if c.buf.Size() < remain {
		return
	}
	data := c.buf.Pop(remain)
	c.handleURB(c.pendingURB, data)
	c.state = stateWaitHeader
}

func (c *connection) handleWaitUnlink() {
	if c.buf.Size() < sizeCmdSubmit {
		return
	}
	c.buf.Discard(sizeCmdSubmit) // UNLINK is never honored; just consumed.
	c.state = stateWaitHeader
}

func (c *connection) replyImport(req opReqImport) {
	c.write(encodeOpRepImport(req))
}

// handleURB dispatches a fully-assembled URB: endpoint 0 is always a
// control transfer, direction-to-host (IN) transfers read from the
// device, direction-to-device (OUT) transfers write to it.
func (c *connection) handleURB(req cmdSubmitReq, data []byte) {
	switch {
	case req.ep == 0:
		c.device.HandleSetupPacket(req.setup, data, func(resp []byte) {
			c.reply(req, resp, nil)
		})
	case req.direction != 0:
		isoc := decodeIsocDescs(data, int(req.numberOfPackets))
		c.device.HandleDataRead(int(req.ep), int(req.interval), int(req.transferBufLen), func(resp []byte) {
			fillIsocDesc(isoc, uint32(len(resp)))
			c.reply(req, resp, isoc)
		})
	default:
		c.device.HandleDataWrite(int(req.ep), data[:req.transferBufLen])
		var isoc []isocDesc
		if req.numberOfPackets > 0 {
			isoc = decodeIsocDescs(data[req.transferBufLen:], int(req.numberOfPackets))
			fillIsocDesc(isoc, 0)
		}
		c.reply(req, nil, isoc)
	}
}

func (c *connection) reply(req cmdSubmitReq, data []byte, isoc []isocDesc) {
	c.write(encodeRetSubmit(req, data, isoc))
}

// write serializes writes across concurrent reply callbacks (isochronous
// and control completions can fire from timer/IRQ goroutines concurrently
// with a fresh request being parsed), mirroring usbipd.cpp's mutex-guarded
// Reply. net.Conn.Write blocks until the full buffer is sent or it errors,
// so no retry loop is needed the way uvw's non-blocking try_write required.
func (c *connection) write(buf []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(buf); err != nil {
		logging.Debugf("usbip: write error: %v", err)
	}
}
