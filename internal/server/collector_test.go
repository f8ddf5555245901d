package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"gorm.io/gorm"

	"github.com/vesaa/smartsensors/internal/models"
	"github.com/vesaa/smartsensors/internal/telemetry"
)

const agentToken = "agent-secret"

func newTestCollector(t *testing.T) (*Collector, *gorm.DB) {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "collector.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return NewCollector(db, CollectorOptions{AgentToken: agentToken, History: 3}, discard()), db
}

func post(t *testing.T, c *Collector, path string, body []byte, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)
	return rec
}

func samplePayload(id string) telemetry.Payload {
	return telemetry.Payload{
		ID:        id,
		Timestamp: 120,
		Device:    "node-1",
		ZE40:      &telemetry.ZE40Payload{TVOCPPB: 350, TVOCPPM: 0.35, UARTDataValid: true},
		AirQuality: &telemetry.AirQualityPayload{
			PM1: 3, PM25: 7, PM10: 9, CO2: 612, VOC: 1, CH2O: 12,
			CO: 0.4, O3: 0.01, NO2: 0.02, Temperature: 23.4, Humidity: 41,
		},
		IPAddress:    "192.168.1.50",
		NetworkReady: true,
		NetworkMode:  "wifi",
	}
}

func count[T any](t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	if err := db.Model(new(T)).Count(&n).Error; err != nil {
		t.Fatal(err)
	}
	return n
}

func TestCollectorRequiresAgentToken(t *testing.T) {
	c, _ := newTestCollector(t)
	body, _ := json.Marshal(samplePayload("a"))
	if rec := post(t, c, "/api/sensors", body, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token code=%d want=401", rec.Code)
	}
	if rec := post(t, c, "/api/sensors", body, "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token code=%d want=401", rec.Code)
	}
}

func TestCollectorStoresPresentSensors(t *testing.T) {
	c, db := newTestCollector(t)
	body, _ := json.Marshal(samplePayload("entry-1"))
	rec := post(t, c, "/api/sensors", body, agentToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body)
	}

	if n := count[models.ZE40](t, db); n != 1 {
		t.Fatalf("ze40 rows=%d want=1", n)
	}
	if n := count[models.AirQuality](t, db); n != 1 {
		t.Fatalf("air quality rows=%d want=1", n)
	}
	if n := count[models.MR007](t, db); n != 0 {
		t.Fatalf("mr007 rows=%d want=0 (null in upload)", n)
	}
	if n := count[models.DeviceInfo](t, db); n != 1 {
		t.Fatalf("device info rows=%d want=1", n)
	}
	var aq models.AirQuality
	db.First(&aq)
	if aq.CO2 != 612 || aq.Humidity != 41 || aq.Temperature != 23.4 {
		t.Fatalf("air quality row=%+v", aq)
	}
}

func TestCollectorDeduplicatesEntries(t *testing.T) {
	c, db := newTestCollector(t)
	body, _ := json.Marshal(samplePayload("dup-1"))
	for i := 0; i < 2; i++ {
		if rec := post(t, c, "/api/sensors", body, agentToken); rec.Code != http.StatusOK {
			t.Fatalf("attempt %d code=%d", i, rec.Code)
		}
	}

	batch, _ := json.Marshal([]telemetry.Payload{samplePayload("dup-1"), samplePayload("dup-2")})
	if rec := post(t, c, "/api/sensors/batch", batch, agentToken); rec.Code != http.StatusOK {
		t.Fatalf("batch code=%d body=%s", rec.Code, rec.Body)
	}

	if n := count[models.ZE40](t, db); n != 2 {
		t.Fatalf("ze40 rows=%d want=2", n)
	}
	if n := count[models.Upload](t, db); n != 2 {
		t.Fatalf("uploads=%d want=2", n)
	}
}

func TestCollectorBatchPartial(t *testing.T) {
	c, db := newTestCollector(t)
	good, _ := json.Marshal(samplePayload("b-1"))
	body := []byte(`[` + string(good) + `, {"ze40": "not an object"}]`)
	rec := post(t, c, "/api/sensors/batch", body, agentToken)
	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("code=%d want=207 body=%s", rec.Code, rec.Body)
	}
	if n := count[models.Upload](t, db); n != 1 {
		t.Fatalf("uploads=%d want=1", n)
	}
	if rec := post(t, c, "/api/sensors/batch", []byte(`{"not":"an array"}`), agentToken); rec.Code != http.StatusBadRequest {
		t.Fatalf("object body code=%d want=400", rec.Code)
	}
}

func TestCollectorDataView(t *testing.T) {
	c, _ := newTestCollector(t)

	get := func() map[string]any {
		req := httptest.NewRequest(http.MethodGet, "/data", nil)
		rec := httptest.NewRecorder()
		c.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("code=%d", rec.Code)
		}
		var m map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
			t.Fatal(err)
		}
		return m
	}

	m := get()
	if m["ze40"] != nil || m["ip_address"] != nil {
		t.Fatalf("empty database view=%v", m)
	}

	for i, id := range []string{"h1", "h2", "h3", "h4"} {
		p := samplePayload(id)
		p.ZE40.TVOCPPB = float64(100 * (i + 1))
		body, _ := json.Marshal(p)
		if rec := post(t, c, "/api/sensors", body, agentToken); rec.Code != http.StatusOK {
			t.Fatalf("upload %s code=%d", id, rec.Code)
		}
	}

	m = get()
	ze, _ := m["ze40"].(map[string]any)
	if ze["tvoc_ppb"] != 400.0 {
		t.Fatalf("latest ze40=%v want 400 ppb", m["ze40"])
	}
	if m["ip_address"] != "192.168.1.50" || m["network_mode"] != "wifi" {
		t.Fatalf("network=%v/%v", m["ip_address"], m["network_mode"])
	}
	hist, _ := m["history"].(map[string]any)
	rows, _ := hist["ze40"].([]any)
	if len(rows) != 3 {
		t.Fatalf("history rows=%d want=3", len(rows))
	}
	if first, _ := rows[0].(map[string]any); first["tvoc_ppb"] != 400.0 {
		t.Fatalf("history not newest first: %v", rows[0])
	}
	if mr, _ := hist["mr007"].([]any); mr == nil || len(mr) != 0 {
		t.Fatalf("mr007 history=%v want empty list", hist["mr007"])
	}
}

func TestCollectorHealthz(t *testing.T) {
	c, _ := newTestCollector(t)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d", rec.Code)
	}
}
