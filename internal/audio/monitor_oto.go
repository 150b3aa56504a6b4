// monitor_oto.go - optional host playback of the scheduler's mix buffer.

/*
OtoMonitor lets a human listen to what the firmware's audio graph is
producing while developing against it. Grounded on the teacher's own
audio_backend_oto.go OtoPlayer: same oto/v3 context setup (mono,
FormatFloat32LE, small buffer) and the same pull-based oto.Player/
io.Reader wiring. The teacher's player pulls samples from a SoundChip's
lock-free ring via an atomic pointer; here the scheduler pushes a block
at a time through Write, so the ring is a plain mutex-guarded slice
instead.
*/
package audio

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/ebitengine/oto/v3"
)

// OtoMonitor implements MonitorSink by queuing samples for oto's pull-based
// player, emitting silence when the queue underruns rather than blocking.
type OtoMonitor struct {
	ctx    *oto.Context
	player *oto.Player

	mu  sync.Mutex
	buf []float32
}

// NewOtoMonitor opens the host's default audio device at sampleRate, mono,
// 32-bit float samples, and starts playback immediately.
func NewOtoMonitor(sampleRate int) (*OtoMonitor, error) {
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatFloat32LE,
		BufferSize:   4,
	})
	if err != nil {
		return nil, err
	}
	<-ready

	m := &OtoMonitor{ctx: ctx}
	m.player = ctx.NewPlayer(m)
	m.player.Play()
	return m, nil
}

// Write queues samples for playback. Satisfies MonitorSink.
func (m *OtoMonitor) Write(samples []float32) {
	m.mu.Lock()
	m.buf = append(m.buf, samples...)
	m.mu.Unlock()
}

// Read implements io.Reader for oto.Player: drains the queue, padding
// with silence when the scheduler hasn't produced enough samples yet.
func (m *OtoMonitor) Read(p []byte) (int, error) {
	numSamples := len(p) / 4

	m.mu.Lock()
	n := numSamples
	if n > len(m.buf) {
		n = len(m.buf)
	}
	var drained []float32
	if n > 0 {
		drained = append(drained, m.buf[:n]...)
		m.buf = m.buf[n:]
	}
	m.mu.Unlock()

	for i := 0; i < numSamples; i++ {
		var v float32
		if i < len(drained) {
			v = drained[i]
		}
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(v))
	}
	return len(p), nil
}

// Close stops playback.
func (m *OtoMonitor) Close() {
	if m.player != nil {
		m.player.Close()
	}
}
