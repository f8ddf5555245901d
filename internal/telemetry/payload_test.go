package telemetry

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestPayloadNullsStaleGroups(t *testing.T) {
	rec := emptyRecord()
	rec.ZE40 = ZE40{TVOCPPB: 350, TVOCPPM: 0.35, Valid: true}
	rec.MR007 = MR007{Voltage: 1.2346, Raw: 100, LEL: 30.14, Valid: true}
	rec.AirQuality = AirQuality{CO2: 420, Valid: false}

	p := NewPayload(rec, "id-1", "node-a", 42)
	if p.AirQuality != nil || p.ME4SO2 != nil {
		t.Fatalf("stale groups rendered: air=%v so2=%v", p.AirQuality, p.ME4SO2)
	}
	if p.ZE40 == nil || !p.ZE40.UARTDataValid || p.ZE40.AnalogDataValid {
		t.Fatalf("ze40=%+v want uart-only", p.ZE40)
	}
	if p.MR007.Voltage != 1.235 || p.MR007.LELConcentration != 30.1 {
		t.Fatalf("mr007=%+v want rounded", p.MR007)
	}

	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(b)
	for _, want := range []string{`"air_quality":null`, `"me4_so2":null`, `"ip_address":"0.0.0.0"`, `"timestamp":42`} {
		if !strings.Contains(s, want) {
			t.Fatalf("payload %s missing %s", s, want)
		}
	}
}
