package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"github.com/vesaa/smartsensors/internal/buffer"
	"github.com/vesaa/smartsensors/internal/telemetry"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeLink struct {
	ready bool
	ip    string
	mode  string
}

func (l *fakeLink) LinkReady() bool { return l.ready }
func (l *fakeLink) LocalIP() string { return l.ip }
func (l *fakeLink) Mode() string    { return l.mode }

// fakeUplink records what it accepted and fails on demand.
type fakeUplink struct {
	fail      error
	failBatch error
	sent      []telemetry.Payload
	batches   [][]json.RawMessage
	order     []string // ids in the order they were accepted
}

func (u *fakeUplink) Send(_ context.Context, p telemetry.Payload) error {
	if u.fail != nil {
		return u.fail
	}
	u.sent = append(u.sent, p)
	u.order = append(u.order, p.ID)
	return nil
}

func (u *fakeUplink) SendBatch(_ context.Context, entries []json.RawMessage) error {
	if u.failBatch != nil {
		return u.failBatch
	}
	u.batches = append(u.batches, entries)
	for _, e := range entries {
		var p telemetry.Payload
		_ = json.Unmarshal(e, &p)
		u.order = append(u.order, p.ID)
	}
	return nil
}

func (u *fakeUplink) Close() error { return nil }

type fixture struct {
	store *telemetry.Store
	buf   *buffer.Buffer
	up    *fakeUplink
	link  *fakeLink
	fwd   *Forwarder
}

func newFixture(t *testing.T, batch int) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := telemetry.New(clock, 50*time.Millisecond, discard())
	buf, err := buffer.Open(afero.NewMemMapFs(), "data/buf.jsonl", buffer.Options{MaxEntries: 5})
	if err != nil {
		t.Fatalf("open buffer: %v", err)
	}
	f := &fixture{store: store, buf: buf, up: &fakeUplink{}, link: &fakeLink{ready: true}}
	f.fwd = NewForwarder(store, buf, f.up, f.link, "node-test", batch, discard())

	if err := store.PublishZE40(context.Background(), telemetry.ZE40{TVOCPPB: 350, TVOCPPM: 0.35, Valid: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	return f
}

func (f *fixture) count(t *testing.T) int {
	t.Helper()
	n, err := f.buf.EntryCount()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestForwarderSendsLive(t *testing.T) {
	f := newFixture(t, 20)
	if !f.fwd.Tick(context.Background()) {
		t.Fatal("tick not delivered live")
	}
	if len(f.up.sent) != 1 || f.up.sent[0].ZE40 == nil || f.up.sent[0].Device != "node-test" {
		t.Fatalf("sent=%+v", f.up.sent)
	}
	if f.up.sent[0].ID == "" {
		t.Fatal("entry has no id")
	}
	if f.count(t) != 0 {
		t.Fatal("live entry was also buffered")
	}
}

func TestForwarderBuffersWhenLinkDown(t *testing.T) {
	f := newFixture(t, 20)
	f.link.ready = false
	for i := 0; i < 3; i++ {
		f.fwd.Tick(context.Background())
	}
	if len(f.up.sent) != 0 {
		t.Fatalf("sent %d entries with link down", len(f.up.sent))
	}
	if f.count(t) != 3 {
		t.Fatalf("buffered=%d want=3", f.count(t))
	}
}

func TestForwarderBuffersOnSendFailure(t *testing.T) {
	f := newFixture(t, 20)
	f.up.fail = errors.New("connection refused")
	f.fwd.Tick(context.Background())
	if f.count(t) != 1 {
		t.Fatalf("buffered=%d want=1", f.count(t))
	}
}

func TestForwarderDrainsOldestFirstInBatches(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	f.link.ready = false
	var ids []string
	for i := 0; i < 3; i++ {
		f.fwd.Tick(ctx)
	}
	entries, _ := f.buf.Read(0)
	for _, e := range entries {
		var p telemetry.Payload
		if err := json.Unmarshal(e, &p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		ids = append(ids, p.ID)
	}

	f.link.ready = true
	if !f.fwd.Tick(ctx) {
		t.Fatal("tick not delivered after link restored")
	}
	if f.count(t) != 0 {
		t.Fatalf("buffered=%d after drain want=0", f.count(t))
	}
	if len(f.up.batches) != 2 || len(f.up.batches[0]) != 2 || len(f.up.batches[1]) != 1 {
		t.Fatalf("batch sizes wrong: %d batches", len(f.up.batches))
	}
	var got []string
	for _, b := range f.up.batches {
		for _, e := range b {
			var p telemetry.Payload
			_ = json.Unmarshal(e, &p)
			got = append(got, p.ID)
		}
	}
	for i := range ids {
		if got[i] != ids[i] {
			t.Fatalf("drain order %v want %v", got, ids)
		}
	}
}

func TestForwarderKeepsEntriesWhenBatchRejected(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()
	f.link.ready = false
	f.fwd.Tick(ctx)
	f.fwd.Tick(ctx)

	f.link.ready = true
	f.up.failBatch = errors.New("collector returned 500")
	if f.fwd.Tick(ctx) {
		t.Fatal("live entry sent ahead of a rejected backlog")
	}
	if len(f.up.sent) != 0 {
		t.Fatalf("sent=%d want=0", len(f.up.sent))
	}
	// The two rejected entries stay and the live one queues behind them.
	if f.count(t) != 3 {
		t.Fatalf("buffered=%d want=3", f.count(t))
	}
}

func TestForwarderDeliversBacklogBeforeLiveEntry(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	f.link.ready = false
	for i := 0; i < 4; i++ {
		f.fwd.Tick(ctx)
	}
	entries, err := f.buf.Read(0)
	if err != nil {
		t.Fatal(err)
	}
	var want []string
	for _, e := range entries {
		var p telemetry.Payload
		if err := json.Unmarshal(e, &p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		want = append(want, p.ID)
	}

	f.link.ready = true
	if !f.fwd.Tick(ctx) {
		t.Fatal("tick not delivered after link restored")
	}
	if len(f.up.sent) != 1 {
		t.Fatalf("live sends=%d want=1", len(f.up.sent))
	}
	want = append(want, f.up.sent[0].ID)

	if len(f.up.order) != len(want) {
		t.Fatalf("delivered=%v want=%v", f.up.order, want)
	}
	for i := range want {
		if f.up.order[i] != want[i] {
			t.Fatalf("delivery order=%v want=%v", f.up.order, want)
		}
	}
	if f.count(t) != 0 {
		t.Fatalf("buffered=%d want=0", f.count(t))
	}
}

func TestForwarderRetriesBacklogOnNextTick(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()

	f.link.ready = false
	f.fwd.Tick(ctx)
	f.link.ready = true
	f.up.failBatch = errors.New("collector returned 500")
	f.fwd.Tick(ctx)

	f.up.failBatch = nil
	if !f.fwd.Tick(ctx) {
		t.Fatal("tick not delivered once the collector recovered")
	}
	if len(f.up.order) != 3 || f.up.order[2] != f.up.sent[0].ID {
		t.Fatalf("delivery order=%v want two buffered then live", f.up.order)
	}
	if f.count(t) != 0 {
		t.Fatalf("buffered=%d want=0", f.count(t))
	}
}

func TestForwarderFullBufferDropsEntry(t *testing.T) {
	f := newFixture(t, 20)
	f.link.ready = false
	for i := 0; i < 7; i++ {
		f.fwd.Tick(context.Background())
	}
	if f.count(t) != 5 {
		t.Fatalf("buffered=%d want=5 (capacity)", f.count(t))
	}
}

func TestForwarderSkipsWithoutFreshData(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := telemetry.New(clock, 50*time.Millisecond, discard())
	up := &fakeUplink{}
	fwd := NewForwarder(store, nil, up, &fakeLink{ready: true}, "n", 0, discard())
	if fwd.Tick(context.Background()) || len(up.sent) != 0 {
		t.Fatal("forwarded a record with no valid group")
	}
}

func TestForwarderWithoutBuffer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := telemetry.New(clock, 50*time.Millisecond, discard())
	_ = store.PublishMR007(context.Background(), telemetry.MR007{LEL: 1, Valid: true})
	up := &fakeUplink{fail: errors.New("down")}
	fwd := NewForwarder(store, nil, up, &fakeLink{ready: true}, "n", 0, discard())
	if fwd.Tick(context.Background()) {
		t.Fatal("failed send reported as delivered")
	}
	if n := fwd.Drain(context.Background()); n != 0 {
		t.Fatalf("drained=%d without buffer", n)
	}
}
