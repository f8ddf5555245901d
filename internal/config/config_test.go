package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func loadDefaults(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := loadDefaults(t)

	if cfg.Buffer.MaxEntries != 2000 {
		t.Errorf("buffer.max_entries = %d; want 2000", cfg.Buffer.MaxEntries)
	}
	if cfg.Buffer.MaxBytes != 500000 {
		t.Errorf("buffer.max_bytes = %d; want 500000", cfg.Buffer.MaxBytes)
	}
	if cfg.Sensors.FrameTimeout != 150*time.Millisecond {
		t.Errorf("frame_timeout = %v; want 150ms", cfg.Sensors.FrameTimeout)
	}
	if cfg.Sensors.ModeSettle != 100*time.Millisecond {
		t.Errorf("mode_settle = %v; want 100ms", cfg.Sensors.ModeSettle)
	}
	if cfg.Sensors.ADCAddress != 0x48 {
		t.Errorf("adc_address = %#x; want 0x48", cfg.Sensors.ADCAddress)
	}
	if cfg.Uplink.Mode != "http" {
		t.Errorf("uplink.mode = %q; want http", cfg.Uplink.Mode)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SMARTSENSORS_UPLINK_MODE", "mqtt")
	t.Setenv("SMARTSENSORS_BUFFER_MAX_ENTRIES", "10")
	t.Setenv("SMARTSENSORS_SENSORS_FRAME_TIMEOUT", "300ms")

	cfg := loadDefaults(t)

	if cfg.Uplink.Mode != "mqtt" {
		t.Errorf("uplink.mode = %q; want mqtt", cfg.Uplink.Mode)
	}
	if cfg.Buffer.MaxEntries != 10 {
		t.Errorf("buffer.max_entries = %d; want 10", cfg.Buffer.MaxEntries)
	}
	if cfg.Sensors.FrameTimeout != 300*time.Millisecond {
		t.Errorf("frame_timeout = %v; want 300ms", cfg.Sensors.FrameTimeout)
	}
}

func TestValidate(t *testing.T) {
	t.Run("rejects unknown uplink mode", func(t *testing.T) {
		cfg := loadDefaults(t)
		cfg.Uplink.Mode = "carrier-pigeon"
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for unknown uplink mode")
		}
	})

	t.Run("rejects non-positive lock timeout", func(t *testing.T) {
		cfg := loadDefaults(t)
		cfg.LockTimeout = 0
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for zero lock timeout")
		}
	})

	t.Run("rejects empty buffer caps", func(t *testing.T) {
		cfg := loadDefaults(t)
		cfg.Buffer.MaxBytes = 0
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for zero max_bytes")
		}
	})
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLogLevel(in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseLogLevel(%q) = %v; want %v", in, got, want)
		}
	}
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}
