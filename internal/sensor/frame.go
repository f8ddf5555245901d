// Package sensor decodes the gas sensor byte streams and converts analog
// samples into engineering units. Results are published into the telemetry
// store through the Publisher interface.
package sensor

import (
	"errors"
	"sync/atomic"
	"time"
)

var (
	ErrChecksum     = errors.New("sensor: checksum mismatch")
	ErrUnknownFrame = errors.New("sensor: unknown frame type")
	ErrBusy         = errors.New("sensor: request sequence in progress")
	ErrWarmingUp    = errors.New("sensor: warming up")
)

// StartByte opens every frame of both UART protocols.
const StartByte = 0xFF

// DefaultFrameTimeout is the longest gap allowed between two bytes of a frame.
const DefaultFrameTimeout = 150 * time.Millisecond

// Protocol describes a fixed-length checksummed frame format.
type Protocol struct {
	Name      string
	FrameLen  int
	StartByte byte
}

var (
	ZE40Protocol    = Protocol{Name: "ze40", FrameLen: 9, StartByte: StartByte}
	ZPHS01BProtocol = Protocol{Name: "zphs01b", FrameLen: 26, StartByte: StartByte}
)

// Checksum is the two's complement of the byte sum of payload.
func Checksum(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	return ^sum + 1
}

// ValidFrame checks the trailing checksum byte against frame[1:len-1].
func ValidFrame(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}
	return Checksum(frame[1:len(frame)-1]) == frame[len(frame)-1]
}

// Command builds a 9-byte command frame: start byte, up to seven body bytes
// (zero padded) and the checksum.
func Command(body ...byte) []byte {
	frame := make([]byte, ZE40Protocol.FrameLen)
	frame[0] = StartByte
	copy(frame[1:8], body)
	frame[8] = Checksum(frame[1:8])
	return frame
}

// State of a Framer.
type State uint8

const (
	StateIdle State = iota
	StateAccumulating
	// StateComplete is only observable between the last byte of a frame and
	// its validation; Push always returns the framer to Idle afterwards.
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateComplete:
		return "complete"
	}
	return "unknown"
}

// Stats are protocol error counters. They are never fatal.
type Stats struct {
	Frames          uint64 `json:"frames"`
	ChecksumErrors  uint64 `json:"checksum_errors"`
	Timeouts        uint64 `json:"timeouts"`
	Discarded       uint64 `json:"discarded"`
	Resyncs         uint64 `json:"resyncs"`
	Unknown         uint64 `json:"unknown"`
	Gated           uint64 `json:"gated"`
	PublishFailures uint64 `json:"publish_failures"`
}

type counters struct {
	frames, checksum, timeouts, discarded, resyncs, unknown, gated, publish atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Frames:          c.frames.Load(),
		ChecksumErrors:  c.checksum.Load(),
		Timeouts:        c.timeouts.Load(),
		Discarded:       c.discarded.Load(),
		Resyncs:         c.resyncs.Load(),
		Unknown:         c.unknown.Load(),
		Gated:           c.gated.Load(),
		PublishFailures: c.publish.Load(),
	}
}

// Framer reassembles fixed-length frames from an arbitrarily chunked byte
// stream. It is not safe for concurrent use, except for Stats.
type Framer struct {
	proto   Protocol
	timeout time.Duration

	buf      []byte
	idx      int
	state    State
	lastByte time.Time

	stats *counters
}

// NewFramer returns an idle framer. A non-positive timeout selects
// DefaultFrameTimeout.
func NewFramer(p Protocol, timeout time.Duration) *Framer {
	if timeout <= 0 {
		timeout = DefaultFrameTimeout
	}
	return &Framer{
		proto:   p,
		timeout: timeout,
		buf:     make([]byte, p.FrameLen),
		stats:   &counters{},
	}
}

func (f *Framer) State() State { return f.state }

// Stats returns a copy of the framer counters.
func (f *Framer) Stats() Stats { return f.stats.snapshot() }

// Reset drops any partial frame.
func (f *Framer) Reset() {
	f.idx = 0
	f.state = StateIdle
}

// Expire resets a partial frame whose last byte arrived more than the frame
// timeout before now. It reports whether a frame was dropped.
func (f *Framer) Expire(now time.Time) bool {
	if f.state != StateAccumulating || now.Sub(f.lastByte) <= f.timeout {
		return false
	}
	f.stats.timeouts.Add(1)
	f.Reset()
	return true
}

// Push consumes one byte received at now. When the byte completes a frame
// with a valid checksum the frame is returned (a fresh slice) with ok set.
func (f *Framer) Push(b byte, now time.Time) (frame []byte, ok bool) {
	f.Expire(now)
	f.lastByte = now

	if b == f.proto.StartByte {
		if f.state == StateAccumulating {
			f.stats.resyncs.Add(1)
		}
		f.idx = 0
		f.state = StateAccumulating
	} else if f.state == StateIdle {
		f.stats.discarded.Add(1)
		return nil, false
	}

	f.buf[f.idx] = b
	f.idx++
	if f.idx < f.proto.FrameLen {
		return nil, false
	}

	f.state = StateComplete
	defer f.Reset()
	if !ValidFrame(f.buf) {
		f.stats.checksum.Add(1)
		return nil, false
	}
	f.stats.frames.Add(1)
	out := make([]byte, len(f.buf))
	copy(out, f.buf)
	return out, true
}
