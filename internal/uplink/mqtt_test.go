package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/vesaa/smartsensors/internal/telemetry"
)

type fakeToken struct {
	done bool
	err  error
}

func (t *fakeToken) Wait() bool                     { return t.done }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if t.done {
		close(ch)
	}
	return ch
}

// fakeClient implements the parts of mqtt.Client the uplink uses. Calling
// anything else panics on the nil embedded interface.
type fakeClient struct {
	mqtt.Client
	online    bool
	tokens    []*fakeToken // one per publish; ok when exhausted
	published [][]byte
	topics    []string
}

func (c *fakeClient) IsConnected() bool { return c.online }
func (c *fakeClient) Disconnect(uint)   { c.online = false }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.topics = append(c.topics, topic)
	c.published = append(c.published, payload.([]byte))
	if len(c.tokens) == 0 {
		return &fakeToken{done: true}
	}
	tok := c.tokens[0]
	c.tokens = c.tokens[1:]
	return tok
}

func newTestMQTT(c *fakeClient) *MQTT {
	return &MQTT{
		client:    c,
		topic:     "smartsensors/node-1",
		timeout:   50 * time.Millisecond,
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		connected: true,
	}
}

func TestMQTTSendPublishesEntry(t *testing.T) {
	c := &fakeClient{online: true}
	m := newTestMQTT(c)
	if err := m.Send(context.Background(), telemetry.Payload{ID: "e1", Device: "node-1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(c.published) != 1 || c.topics[0] != "smartsensors/node-1" {
		t.Fatalf("published=%d topics=%v", len(c.published), c.topics)
	}
	var got telemetry.Payload
	if err := json.Unmarshal(c.published[0], &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "e1" || got.Device != "node-1" {
		t.Fatalf("payload=%+v", got)
	}
}

func TestMQTTPublishError(t *testing.T) {
	brokerErr := errors.New("not authorized")
	c := &fakeClient{online: true, tokens: []*fakeToken{{done: true, err: brokerErr}}}
	err := newTestMQTT(c).Send(context.Background(), telemetry.Payload{ID: "e1"})
	if !errors.Is(err, brokerErr) {
		t.Fatalf("err=%v want wrapping %v", err, brokerErr)
	}
}

func TestMQTTPublishTimeout(t *testing.T) {
	c := &fakeClient{online: true, tokens: []*fakeToken{{done: false}}}
	err := newTestMQTT(c).Send(context.Background(), telemetry.Payload{ID: "e1"})
	if !errors.Is(err, ErrPublishTimeout) {
		t.Fatalf("err=%v want=%v", err, ErrPublishTimeout)
	}
}

func TestMQTTNotConnected(t *testing.T) {
	cases := []struct {
		name      string
		online    bool
		connected bool
	}{
		{"client offline", false, true},
		{"connection lost", true, false},
	}
	for _, tc := range cases {
		c := &fakeClient{online: tc.online}
		m := newTestMQTT(c)
		m.connected = tc.connected
		if err := m.Send(context.Background(), telemetry.Payload{ID: "e1"}); !errors.Is(err, errNotConnected) {
			t.Errorf("%s: err=%v want=%v", tc.name, err, errNotConnected)
		}
		if len(c.published) != 0 {
			t.Errorf("%s: published %d messages while disconnected", tc.name, len(c.published))
		}
	}
}

func TestMQTTSendBatchStopsAtFirstFailure(t *testing.T) {
	c := &fakeClient{online: true, tokens: []*fakeToken{
		{done: true},
		{done: false},
		{done: true},
	}}
	entries := []json.RawMessage{
		json.RawMessage(`{"id":"a"}`),
		json.RawMessage(`{"id":"b"}`),
		json.RawMessage(`{"id":"c"}`),
	}
	err := newTestMQTT(c).SendBatch(context.Background(), entries)
	if !errors.Is(err, ErrPublishTimeout) {
		t.Fatalf("err=%v want=%v", err, ErrPublishTimeout)
	}
	if len(c.published) != 2 {
		t.Fatalf("published=%d want=2 (stop after the failed entry)", len(c.published))
	}
	if string(c.published[0]) != `{"id":"a"}` || string(c.published[1]) != `{"id":"b"}` {
		t.Fatalf("publish order=%q", c.published)
	}
}

func TestMQTTSendBatchHonoursCancel(t *testing.T) {
	c := &fakeClient{online: true}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := newTestMQTT(c).SendBatch(ctx, []json.RawMessage{json.RawMessage(`{}`)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want=%v", err, context.Canceled)
	}
	if len(c.published) != 0 {
		t.Fatalf("published=%d after cancel", len(c.published))
	}
}

func TestMQTTCloseDisconnects(t *testing.T) {
	c := &fakeClient{online: true}
	m := newTestMQTT(c)
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if m.IsConnected() {
		t.Fatal("still connected after Close")
	}
}
