// Package config provides dynamic configuration management for SmartSensors.
// It uses Viper to load settings from files, environment variables, and CLI flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the node and the collector.
type Config struct {
	AppEnv   string `mapstructure:"app_env"` // dev | prod
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"` // empty = stdout only

	// ── Node identity / dashboard ────────────────────────────────────────────
	DeviceName string `mapstructure:"device_name"`
	HTTPHost   string `mapstructure:"http_host"`
	HTTPPort   int    `mapstructure:"http_port"`
	// APIToken is accepted on /data as "X-API-Token: <token>".
	APIToken string `mapstructure:"api_token"`
	// JWTSecret: HS256 signing key for dashboard login tokens.
	JWTSecret string `mapstructure:"jwt_secret"`
	AdminUser string `mapstructure:"admin_user"`
	// AdminPass may be plain text or a bcrypt hash ("$2a$..." / "$2b$...").
	AdminPass string `mapstructure:"admin_pass"`

	Sensors SensorConfig `mapstructure:"sensors"`
	Buffer  BufferConfig `mapstructure:"buffer"`
	Uplink  UplinkConfig `mapstructure:"uplink"`

	// LockTimeout bounds every acquisition of the telemetry lock.
	LockTimeout          time.Duration `mapstructure:"lock_timeout"`
	NetworkCheckInterval time.Duration `mapstructure:"network_check_interval"`

	Collector CollectorConfig `mapstructure:"collector"`
}

// SensorConfig covers ports, schedules and calibration of the four sensors.
type SensorConfig struct {
	ZE40Enabled    bool   `mapstructure:"ze40_enabled"`
	ZE40Port       string `mapstructure:"ze40_port"`
	ZPHS01BEnabled bool   `mapstructure:"zphs01b_enabled"`
	ZPHS01BPort    string `mapstructure:"zphs01b_port"`
	BaudRate       int    `mapstructure:"baud_rate"`

	// Analog front end (ADS1x15 over I2C).
	ADCEnabled       bool    `mapstructure:"adc_enabled"`
	ADCBus           string  `mapstructure:"adc_bus"` // "" = first available
	ADCAddress       uint16  `mapstructure:"adc_address"`
	ADCChip          string  `mapstructure:"adc_chip"` // ads1115 | ads1015
	ReferenceVoltage float64 `mapstructure:"reference_voltage"`
	ResolutionBits   int     `mapstructure:"resolution_bits"`
	MR007Channel     int     `mapstructure:"mr007_channel"`
	ME4SO2Channel    int     `mapstructure:"me4so2_channel"`
	ZE40DACChannel   int     `mapstructure:"ze40_dac_channel"`

	TickInterval        time.Duration `mapstructure:"tick_interval"`
	FrameTimeout        time.Duration `mapstructure:"frame_timeout"`
	ModeSettle          time.Duration `mapstructure:"mode_settle"`
	ZE40RequestInterval time.Duration `mapstructure:"ze40_request_interval"`
	ZE40InitialWarmup   time.Duration `mapstructure:"ze40_initial_warmup"`
	ZE40DailyWarmup     time.Duration `mapstructure:"ze40_daily_warmup"`
	ZPHS01BInterval     time.Duration `mapstructure:"zphs01b_interval"`
	ZPHS01BWarmup       time.Duration `mapstructure:"zphs01b_warmup"`
	DACInterval         time.Duration `mapstructure:"dac_interval"`
	MR007Interval       time.Duration `mapstructure:"mr007_interval"`
	ME4SO2Interval      time.Duration `mapstructure:"me4so2_interval"`

	DACZeroVoltage      float64 `mapstructure:"dac_zero_voltage"`
	DACFullScaleVoltage float64 `mapstructure:"dac_fullscale_voltage"`
	DACPPMRange         float64 `mapstructure:"dac_ppm_range"`
	SO2Sensitivity      float64 `mapstructure:"so2_sensitivity"`
	SO2LoadResistor     float64 `mapstructure:"so2_load_resistor"`
	MinVoltage          float64 `mapstructure:"min_voltage"`
	MaxVoltage          float64 `mapstructure:"max_voltage"`
}

// BufferConfig sizes the store-and-forward buffer.
type BufferConfig struct {
	Path       string `mapstructure:"path"`
	MaxEntries int    `mapstructure:"max_entries"`
	MaxBytes   int64  `mapstructure:"max_bytes"`
	DrainBatch int    `mapstructure:"drain_batch"`
}

// UplinkConfig selects and configures the outbound transport.
type UplinkConfig struct {
	Mode     string        `mapstructure:"mode"` // http | mqtt | none
	URL      string        `mapstructure:"url"`
	Token    string        `mapstructure:"token"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`

	MQTTBroker   string `mapstructure:"mqtt_broker"`
	MQTTPort     int    `mapstructure:"mqtt_port"`
	MQTTClientID string `mapstructure:"mqtt_client_id"`
	MQTTTopic    string `mapstructure:"mqtt_topic"`
}

// CollectorConfig configures the backend the nodes upload to.
type CollectorConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	DBPath     string `mapstructure:"db_path"`
	AgentToken string `mapstructure:"agent_token"`
	History    int    `mapstructure:"history"`
}

// Load reads config from file (./config.yaml or ~/.smartsensors/config.yaml)
// and falls back to smart defaults. Environment variables with prefix
// SMARTSENSORS_ override file values (nested keys use "_", e.g.
// SMARTSENSORS_UPLINK_URL).
func Load() (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	// --- Config file ---
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.smartsensors")
	if err := v.ReadInConfig(); err != nil {
		// config file is optional; ignore "not found" errors
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return decode(v)
}

// SetDefaults registers every key with its default value. Keys must be known
// to viper for AutomaticEnv to reach them through Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app_env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")

	v.SetDefault("device_name", "SmartSensors_Node")
	v.SetDefault("http_host", "0.0.0.0")
	v.SetDefault("http_port", 8080)
	// Security defaults: MUST be overridden in production via config.yaml or env vars.
	v.SetDefault("api_token", "smartsensors-api-token")
	v.SetDefault("jwt_secret", "Ss9#pQ2!vX7@kL4$mN8^tR1&wZ6*")
	v.SetDefault("admin_user", "admin")
	v.SetDefault("admin_pass", "admin")

	v.SetDefault("sensors.ze40_enabled", true)
	v.SetDefault("sensors.ze40_port", "/dev/ttyS1")
	v.SetDefault("sensors.zphs01b_enabled", true)
	v.SetDefault("sensors.zphs01b_port", "/dev/ttyS2")
	v.SetDefault("sensors.baud_rate", 9600)

	v.SetDefault("sensors.adc_enabled", true)
	v.SetDefault("sensors.adc_bus", "")
	v.SetDefault("sensors.adc_address", 0x48)
	v.SetDefault("sensors.adc_chip", "ads1115")
	v.SetDefault("sensors.reference_voltage", 4.096)
	v.SetDefault("sensors.resolution_bits", 15)
	v.SetDefault("sensors.mr007_channel", 0)
	v.SetDefault("sensors.me4so2_channel", 1)
	v.SetDefault("sensors.ze40_dac_channel", 2)

	v.SetDefault("sensors.tick_interval", 20*time.Millisecond)
	v.SetDefault("sensors.frame_timeout", 150*time.Millisecond)
	v.SetDefault("sensors.mode_settle", 100*time.Millisecond)
	v.SetDefault("sensors.ze40_request_interval", 30*time.Second)
	v.SetDefault("sensors.ze40_initial_warmup", time.Duration(0))
	v.SetDefault("sensors.ze40_daily_warmup", 3*time.Minute)
	v.SetDefault("sensors.zphs01b_interval", 5*time.Second)
	v.SetDefault("sensors.zphs01b_warmup", 3*time.Minute)
	v.SetDefault("sensors.dac_interval", 5*time.Second)
	v.SetDefault("sensors.mr007_interval", 2*time.Second)
	v.SetDefault("sensors.me4so2_interval", 2*time.Second)

	v.SetDefault("sensors.dac_zero_voltage", 0.4)
	v.SetDefault("sensors.dac_fullscale_voltage", 2.0)
	v.SetDefault("sensors.dac_ppm_range", 5.0)
	v.SetDefault("sensors.so2_sensitivity", 0.8)
	v.SetDefault("sensors.so2_load_resistor", 10.0)
	v.SetDefault("sensors.min_voltage", 0.0)
	v.SetDefault("sensors.max_voltage", 5.0)

	v.SetDefault("buffer.path", "data/data_buffer.jsonl")
	v.SetDefault("buffer.max_entries", 2000)
	v.SetDefault("buffer.max_bytes", 500000)
	v.SetDefault("buffer.drain_batch", 20)

	v.SetDefault("uplink.mode", "http")
	v.SetDefault("uplink.url", "http://127.0.0.1:8000/api/sensors")
	v.SetDefault("uplink.token", "smartsensors-agent-token")
	v.SetDefault("uplink.interval", 2*time.Second)
	v.SetDefault("uplink.timeout", 5*time.Second)
	v.SetDefault("uplink.mqtt_broker", "localhost")
	v.SetDefault("uplink.mqtt_port", 1883)
	v.SetDefault("uplink.mqtt_client_id", "smartsensors-node")
	v.SetDefault("uplink.mqtt_topic", "smartsensors/telemetry")

	v.SetDefault("lock_timeout", time.Second)
	v.SetDefault("network_check_interval", 5*time.Second)

	v.SetDefault("collector.host", "0.0.0.0")
	v.SetDefault("collector.port", 8000)
	v.SetDefault("collector.db_path", "smartsensors.db")
	v.SetDefault("collector.agent_token", "smartsensors-agent-token")
	v.SetDefault("collector.history", 50)
}

func decode(v *viper.Viper) (*Config, error) {
	// --- Environment Variables ---
	v.SetEnvPrefix("SMARTSENSORS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the subsystems cannot run with.
func (c *Config) Validate() error {
	switch c.AppEnv {
	case "dev", "prod":
	default:
		return fmt.Errorf("invalid app_env %q (allowed: dev, prod)", c.AppEnv)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Uplink.Mode {
	case "http", "mqtt", "none":
	default:
		return fmt.Errorf("invalid uplink.mode %q (allowed: http, mqtt, none)", c.Uplink.Mode)
	}
	if c.Buffer.MaxEntries <= 0 || c.Buffer.MaxBytes <= 0 {
		return fmt.Errorf("buffer caps must be positive (max_entries=%d, max_bytes=%d)",
			c.Buffer.MaxEntries, c.Buffer.MaxBytes)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock_timeout must be positive, got %v", c.LockTimeout)
	}
	if c.Sensors.ResolutionBits <= 0 || c.Sensors.ResolutionBits > 24 {
		return fmt.Errorf("sensors.resolution_bits out of range: %d", c.Sensors.ResolutionBits)
	}
	if c.Sensors.TickInterval <= 0 {
		return fmt.Errorf("sensors.tick_interval must be positive, got %v", c.Sensors.TickInterval)
	}
	return nil
}

// ParseLogLevel maps a config string onto an slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q (allowed: debug, info, warn, error)", s)
	}
}
