package usbip

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"
)

type fakeDevice struct {
	mu sync.Mutex

	setups    [][8]byte
	writes    [][]byte
	writeEP   []int
	reads     []int
	readLimit []int
}

func (f *fakeDevice) HandleSetupPacket(setup [8]byte, data []byte, completion func(data []byte)) {
	f.mu.Lock()
	f.setups = append(f.setups, setup)
	f.mu.Unlock()
	completion([]byte{0x12, 0x01, 0x00, 0x02})
}

func (f *fakeDevice) HandleDataWrite(ep int, data []byte) {
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	f.writeEP = append(f.writeEP, ep)
	f.mu.Unlock()
}

func (f *fakeDevice) HandleDataRead(ep int, interval int, limit int, completion func(data []byte)) {
	f.mu.Lock()
	f.reads = append(f.reads, ep)
	f.readLimit = append(f.readLimit, limit)
	f.mu.Unlock()
	buf := make([]byte, limit)
	for i := range buf {
		buf[i] = byte(i)
	}
	completion(buf)
}

func importRequest(busID string) []byte {
	buf := make([]byte, sizeOpReqImport)
	binary.BigEndian.PutUint16(buf[0:2], 273)
	binary.BigEndian.PutUint16(buf[2:4], opCommandImport)
	binary.BigEndian.PutUint32(buf[4:8], 0)
	copy(buf[8:40], busID)
	return buf
}

func headerBasicBytes(command, seqnum, devid, direction, ep uint32) []byte {
	buf := make([]byte, sizeHeaderBasic)
	binary.BigEndian.PutUint32(buf[0:4], command)
	binary.BigEndian.PutUint32(buf[4:8], seqnum)
	binary.BigEndian.PutUint32(buf[8:12], devid)
	binary.BigEndian.PutUint32(buf[12:16], direction)
	binary.BigEndian.PutUint32(buf[16:20], ep)
	return buf
}

func cmdSubmitBytes(seqnum, devid, direction, ep, transferBufLen, numPackets, interval uint32, setup [8]byte) []byte {
	buf := make([]byte, sizeCmdSubmit)
	copy(buf[0:20], headerBasicBytes(cmdSubmit, seqnum, devid, direction, ep))
	binary.BigEndian.PutUint32(buf[20:24], 0)
	binary.BigEndian.PutUint32(buf[24:28], transferBufLen)
	binary.BigEndian.PutUint32(buf[28:32], 0)
	binary.BigEndian.PutUint32(buf[32:36], numPackets)
	binary.BigEndian.PutUint32(buf[36:40], interval)
	copy(buf[40:48], setup[:])
	return buf
}

func connectedPair(t *testing.T, device Device) (client net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	conn := newConnection(device, server)
	go conn.run()
	t.Cleanup(func() { client.Close() })
	return client
}

func readFull(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	total := 0
	for total < n {
		m, err := conn.Read(buf[total:])
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		total += m
	}
	return buf
}

func doImport(t *testing.T, client net.Conn) {
	t.Helper()
	if _, err := client.Write(importRequest("1-1")); err != nil {
		t.Fatalf("write import: %v", err)
	}
	rep := readFull(t, client, sizeOpRepImport)
	if cmd := binary.BigEndian.Uint16(rep[2:4]); cmd != opReplyImport {
		t.Fatalf("reply command = 0x%x, want 0x%x", cmd, opReplyImport)
	}
	if speed := binary.BigEndian.Uint32(rep[304:308]); speed != speedHighSpeed {
		t.Fatalf("reply speed = %d, want %d", speed, speedHighSpeed)
	}
}

func TestImportHandshake(t *testing.T) {
	client := connectedPair(t, &fakeDevice{})
	doImport(t, client)
}

func TestControlTransferDispatchesSetupPacket(t *testing.T) {
	dev := &fakeDevice{}
	client := connectedPair(t, dev)
	doImport(t, client)

	setup := [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}
	req := cmdSubmitBytes(1, 0, 0, 0, 0, 0, 0, setup)
	client.Write(req)

	reply := readFull(t, client, sizeRetSubmit+4)
	if cmd := binary.BigEndian.Uint32(reply[0:4]); cmd != retSubmitCommand {
		t.Fatalf("ret_submit command = 0x%x, want 0x%x", cmd, retSubmitCommand)
	}
	if actual := binary.BigEndian.Uint32(reply[24:28]); actual != 4 {
		t.Fatalf("actual_length = %d, want 4", actual)
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if len(dev.setups) != 1 || dev.setups[0] != setup {
		t.Fatalf("setup packet not recorded correctly: %+v", dev.setups)
	}
}

func TestBulkOutWriteDispatchesToDevice(t *testing.T) {
	dev := &fakeDevice{}
	client := connectedPair(t, dev)
	doImport(t, client)

	payload := []byte{1, 2, 3, 4, 5}
	var setup [8]byte
	client.Write(cmdSubmitBytes(2, 0, 0, 1, uint32(len(payload)), 0, 0, setup))
	client.Write(payload)

	readFull(t, client, sizeRetSubmit)

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if len(dev.writes) != 1 || dev.writeEP[0] != 1 {
		t.Fatalf("HandleDataWrite not called with ep 1")
	}
	if string(dev.writes[0]) != string(payload) {
		t.Fatalf("HandleDataWrite data = %v, want %v", dev.writes[0], payload)
	}
}

func TestIsochronousInReadFillsDescriptors(t *testing.T) {
	dev := &fakeDevice{}
	client := connectedPair(t, dev)
	doImport(t, client)

	isoc := make([]byte, sizeIsocDesc)
	binary.BigEndian.PutUint32(isoc[4:8], 8) // length = 8

	var setup [8]byte
	client.Write(cmdSubmitBytes(3, 0, 1, 2, 8, 1, 1, setup))
	client.Write(isoc)

	reply := readFull(t, client, sizeRetSubmit+8+sizeIsocDesc)
	actual := binary.BigEndian.Uint32(reply[24:28])
	if actual != 8 {
		t.Fatalf("actual_length = %d, want 8", actual)
	}
	gotIsocActual := binary.BigEndian.Uint32(reply[sizeRetSubmit+8+8 : sizeRetSubmit+8+12])
	if gotIsocActual != 8 {
		t.Fatalf("isoc actual_length = %d, want 8", gotIsocActual)
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if len(dev.reads) != 1 || dev.reads[0] != 2 {
		t.Fatalf("HandleDataRead not called with ep 2")
	}
}
