package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/vesaa/smartsensors/internal/buffer"
	"github.com/vesaa/smartsensors/internal/telemetry"
	"github.com/vesaa/smartsensors/internal/uplink"
)

// Queue is the store-and-forward buffer as seen by the forwarder.
type Queue interface {
	Append(v any) error
	Read(max int) ([]json.RawMessage, error)
	RemovePrefix(n int) error
}

// Forwarder uploads snapshots and replays buffered entries once the uplink
// accepts data again.
type Forwarder struct {
	store  *telemetry.Store
	queue  Queue // nil when buffering is unavailable
	up     uplink.Uplink
	link   Link
	device string
	batch  int
	log    *slog.Logger
}

func NewForwarder(store *telemetry.Store, queue Queue, up uplink.Uplink, link Link, device string, batch int, log *slog.Logger) *Forwarder {
	if batch <= 0 {
		batch = 20
	}
	return &Forwarder{
		store:  store,
		queue:  queue,
		up:     up,
		link:   link,
		device: device,
		batch:  batch,
		log:    log.With("component", "forwarder"),
	}
}

// Tick forwards one snapshot. Returns whether it was delivered live.
func (f *Forwarder) Tick(ctx context.Context) bool {
	rec, err := f.store.Snapshot(ctx, 0)
	if err != nil {
		f.log.Warn("snapshot unavailable, skipping upload", "error", err)
		return false
	}
	if !rec.AnyValid() {
		f.log.Debug("no fresh readings to forward")
		return false
	}
	p := telemetry.NewPayload(rec, uuid.NewString(), f.device, int64(f.store.Uptime()/time.Second))

	if f.link != nil && !f.link.LinkReady() {
		f.enqueue(p, "link down")
		return false
	}
	// Buffered entries are older than p and must reach the collector first.
	if _, empty := f.drain(ctx); !empty {
		f.enqueue(p, "backlog pending")
		return false
	}
	if err := f.up.Send(ctx, p); err != nil {
		f.log.Warn("upload failed", "id", p.ID, "error", err)
		f.enqueue(p, "upload failed")
		return false
	}
	f.log.Debug("entry uploaded", "id", p.ID)
	return true
}

func (f *Forwarder) enqueue(p telemetry.Payload, reason string) {
	if f.queue == nil {
		f.log.Warn("buffering unavailable, entry dropped", "id", p.ID, "reason", reason)
		return
	}
	if err := f.queue.Append(p); err != nil {
		if errors.Is(err, buffer.ErrFull) {
			f.log.Warn("buffer full, entry dropped", "id", p.ID)
			return
		}
		f.log.Error("buffer append failed", "id", p.ID, "error", err)
		return
	}
	f.log.Debug("entry buffered", "id", p.ID, "reason", reason)
}

// Drain replays buffered entries oldest-first in batches. An entry is only
// removed after the uplink accepted its batch, so a failure mid-way leaves
// it for the next attempt. Returns the number of entries drained.
func (f *Forwarder) Drain(ctx context.Context) int {
	n, _ := f.drain(ctx)
	return n
}

// drain reports whether the queue was left empty.
func (f *Forwarder) drain(ctx context.Context) (drained int, empty bool) {
	if f.queue == nil {
		return 0, true
	}
	for ctx.Err() == nil {
		entries, err := f.queue.Read(f.batch)
		if err != nil {
			f.log.Error("buffer read failed", "error", err)
			break
		}
		if len(entries) == 0 {
			empty = true
			break
		}
		if err := f.up.SendBatch(ctx, entries); err != nil {
			f.log.Warn("buffered upload failed", "entries", len(entries), "error", err)
			break
		}
		if err := f.queue.RemovePrefix(len(entries)); err != nil {
			f.log.Error("buffer trim failed, entries will be resent", "error", err)
			break
		}
		drained += len(entries)
	}
	if drained > 0 {
		f.log.Info("buffered entries delivered", "count", drained)
	}
	return drained, empty
}

// Run ticks every interval until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context, clock clockwork.Clock, every time.Duration) error {
	ticker := clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			f.Tick(ctx)
		}
	}
}
