// Package hw opens the node's physical interfaces: the sensor UARTs and the
// I2C ADC that digitises the analog sensors.
package hw

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// OpenSerial opens a sensor UART at 8N1. Reads return after readTimeout
// with zero bytes when the line is idle.
func OpenSerial(name string, baud int, readTimeout time.Duration) (serial.Port, error) {
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", name, err)
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("serial %s: set read timeout: %w", name, err)
	}
	if err := p.ResetInputBuffer(); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("serial %s: flush input: %w", name, err)
	}
	return p, nil
}

// Chunk is a run of bytes received on one port.
type Chunk struct {
	Port string
	Data []byte
}

// Reader fans bytes from any number of ports into one bounded channel. The
// pumps never block on a slow consumer: chunks are dropped and counted.
type Reader struct {
	out     chan Chunk
	dropped atomic.Uint64
	log     *slog.Logger
}

func NewReader(depth int, log *slog.Logger) *Reader {
	if depth <= 0 {
		depth = 64
	}
	return &Reader{out: make(chan Chunk, depth), log: log.With("component", "uart_reader")}
}

func (r *Reader) Chunks() <-chan Chunk { return r.out }

// Dropped is the number of chunks discarded because the channel was full.
func (r *Reader) Dropped() uint64 { return r.dropped.Load() }

// Pump copies src into the channel until ctx is cancelled or src reports
// io.EOF. Other read errors are logged and retried after a pause.
func (r *Reader) Pump(ctx context.Context, name string, src io.Reader) error {
	buf := make([]byte, 128)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := src.Read(buf)
		if n > 0 {
			select {
			case r.out <- Chunk{Port: name, Data: append([]byte(nil), buf[:n]...)}:
			default:
				r.dropped.Add(1)
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return nil
		}
		r.log.Warn("serial read failed", "port", name, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}
