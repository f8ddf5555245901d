package sensor

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

var airQualityFrame = frameOf(26,
	0x86,
	0x00, 0x0A, // pm1 10
	0x00, 0x19, // pm2.5 25
	0x00, 0x28, // pm10 40
	0x01, 0xA4, // co2 420
	0x02,       // voc grade 2
	0x02, 0xEE, // temperature raw 750 -> 25.0 C
	0x00, 0x2D, // humidity 45
	0x00, 0x0C, // ch2o 12
	0x00, 0x0F, // co raw 15 -> 1.5
	0x00, 0x03, // o3 raw 3 -> 0.03
	0x00, 0x05, // no2 raw 5 -> 0.05
)

func TestParseZPHS01B(t *testing.T) {
	aq, err := ParseZPHS01B(airQualityFrame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	checks := []struct {
		name      string
		got, want float64
	}{
		{"pm1", aq.PM1, 10},
		{"pm25", aq.PM25, 25},
		{"pm10", aq.PM10, 40},
		{"co2", aq.CO2, 420},
		{"voc", aq.VOC, 2},
		{"temperature", aq.Temperature, 25},
		{"humidity", aq.Humidity, 45},
		{"ch2o", aq.CH2O, 12},
		{"co", aq.CO, 1.5},
		{"o3", aq.O3, 0.03},
		{"no2", aq.NO2, 0.05},
	}
	for _, c := range checks {
		if !approx(c.got, c.want) {
			t.Errorf("%s=%v want=%v", c.name, c.got, c.want)
		}
	}
	if !aq.Valid {
		t.Fatal("parsed reading not marked valid")
	}
}

func TestParseZPHS01BBelowZeroTemperature(t *testing.T) {
	f := frameOf(26, 0x86, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x01, 0x90) // raw 400 -> -10.0 C
	aq, err := ParseZPHS01B(f)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !approx(aq.Temperature, -10) {
		t.Fatalf("temperature=%v want=-10", aq.Temperature)
	}
	if _, err := ParseZPHS01B(frameOf(26, 0x17)); !errors.Is(err, ErrUnknownFrame) {
		t.Fatalf("err=%v want=%v", err, ErrUnknownFrame)
	}
}

func TestZPHS01BWarmup(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newStore(clock)
	port := &recordingPort{}
	z := NewZPHS01B(port, store, clock, 180*time.Second, 0, discardLogger())
	ctx := context.Background()

	if err := z.RequestReading(); !errors.Is(err, ErrWarmingUp) {
		t.Fatalf("err=%v want=%v", err, ErrWarmingUp)
	}
	z.Feed(ctx, airQualityFrame)
	rec, _ := store.Snapshot(ctx, 0)
	if rec.AirQuality.Valid {
		t.Fatal("reading published during warm-up")
	}

	clock.Advance(180 * time.Second)
	if err := z.RequestReading(); err != nil {
		t.Fatalf("request: %v", err)
	}
	if len(port.writes) != 1 || !bytes.Equal(port.writes[0], ReadCommand) {
		t.Fatalf("writes=% X want one read command", port.writes)
	}

	z.Feed(ctx, airQualityFrame[:10])
	z.Feed(ctx, airQualityFrame[10:])
	rec, _ = store.Snapshot(ctx, 0)
	if !rec.AirQuality.Valid || rec.AirQuality.CO2 != 420 {
		t.Fatalf("air_quality=%+v want co2 420", rec.AirQuality)
	}
	if st := z.Stats(); st.Gated != 26 || st.Frames != 1 {
		t.Fatalf("stats=%+v want gated=26 frames=1", st)
	}
}
