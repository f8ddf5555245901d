package uplink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vesaa/smartsensors/internal/telemetry"
)

// HTTP posts entries to the collector. Every request carries
// Authorization: Bearer <token>.
type HTTP struct {
	url    string
	token  string
	client *http.Client
}

func NewHTTP(url, token string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTP{
		url:    strings.TrimRight(url, "/"),
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

func (h *HTTP) Send(ctx context.Context, p telemetry.Payload) error {
	return h.postJSON(ctx, h.url, p)
}

// SendBatch posts buffered entries, oldest first, as one JSON array to
// <url>/batch.
func (h *HTTP) SendBatch(ctx context.Context, entries []json.RawMessage) error {
	if len(entries) == 0 {
		return nil
	}
	return h.postJSON(ctx, h.url+"/batch", entries)
}

func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

func (h *HTTP) postJSON(ctx context.Context, url string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.token)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	// 207 is returned when the collector stored part of a reading.
	if resp.StatusCode >= 300 {
		return fmt.Errorf("collector returned %d", resp.StatusCode)
	}
	return nil
}
