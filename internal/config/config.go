package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/capturectl/internal/collector"
	"github.com/danmuck/capturectl/internal/conn"
	"github.com/danmuck/capturectl/internal/logging"
	"github.com/danmuck/capturectl/internal/protocol/message"
)

// Config is the resolved capturectl configuration.
type Config struct {
	Conn      conn.Config
	Collector collector.Config
	Log       LogConfig
	// MetricsAddr serves Prometheus metrics when set.
	MetricsAddr string
}

type LogConfig struct {
	Level string
	File  string
}

type fileConfig struct {
	Address            string      `toml:"address"`
	Port               int         `toml:"port"`
	PortRange          int         `toml:"port_range"`
	ApplicationID      int64       `toml:"application_id"`
	Password           string      `toml:"password"`
	ConnectTimeout     string      `toml:"connect_timeout"`
	ReadTimeout        string      `toml:"read_timeout"`
	WriteTimeout       string      `toml:"write_timeout"`
	MaxPayloadBytes    int64       `toml:"max_payload_bytes"`
	MinProtocolVersion int64       `toml:"min_protocol_version"`
	Reconnect          bool        `toml:"reconnect"`
	MetricsAddr        string      `toml:"metrics_addr"`
	Capture            captureFile `toml:"capture"`
	Log                logFile     `toml:"log"`
}

type captureFile struct {
	Mode                []string `toml:"mode"`
	ModeMask            int64    `toml:"mode_mask"`
	CategoryMask        uint64   `toml:"category_mask"`
	SamplingFrequencyHz int64    `toml:"sampling_frequency_hz"`
	FrameLimit          int64    `toml:"frame_limit"`
	TimeLimitUs         int64    `toml:"time_limit_us"`
	SpikeLimitUs        int64    `toml:"spike_limit_us"`
	MemoryLimitMb       int64    `toml:"memory_limit_mb"`
}

type logFile struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// Default is the configuration used when no file is given.
func Default() Config {
	c := conn.DefaultConfig()
	c.IdleTimeout = 250 * time.Millisecond
	return Config{
		Conn:      c,
		Collector: collector.DefaultConfig(),
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads path over Default. Only keys present in the file override.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("config parse failed (%s): unknown keys %s", path, strings.Join(keys, ", "))
	}

	if meta.IsDefined("address") {
		cfg.Conn.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("port") {
		cfg.Conn.Port = raw.Port
	}
	if meta.IsDefined("port_range") {
		cfg.Conn.PortRange = raw.PortRange
	}
	if meta.IsDefined("application_id") {
		if raw.ApplicationID < 0 || raw.ApplicationID > math.MaxUint16 {
			return Config{}, fmt.Errorf("application_id out of range: %d", raw.ApplicationID)
		}
		cfg.Collector.ApplicationID = uint16(raw.ApplicationID)
	}
	if meta.IsDefined("password") {
		cfg.Collector.Password = raw.Password
	}
	if meta.IsDefined("connect_timeout") {
		if cfg.Conn.ConnectTimeout, err = parseDuration("connect_timeout", raw.ConnectTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("read_timeout") {
		if cfg.Conn.IdleTimeout, err = parseDuration("read_timeout", raw.ReadTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("write_timeout") {
		if cfg.Conn.WriteTimeout, err = parseDuration("write_timeout", raw.WriteTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("max_payload_bytes") {
		if raw.MaxPayloadBytes < 0 || raw.MaxPayloadBytes > math.MaxUint32 {
			return Config{}, fmt.Errorf("max_payload_bytes out of range: %d", raw.MaxPayloadBytes)
		}
		cfg.Conn.Limits.MaxPayloadBytes = uint32(raw.MaxPayloadBytes)
	}
	if meta.IsDefined("min_protocol_version") {
		if raw.MinProtocolVersion < 0 || raw.MinProtocolVersion > math.MaxUint32 {
			return Config{}, fmt.Errorf("min_protocol_version out of range: %d", raw.MinProtocolVersion)
		}
		cfg.Conn.Limits.MinVersion = uint32(raw.MinProtocolVersion)
	}
	if meta.IsDefined("reconnect") {
		cfg.Collector.Reconnect = raw.Reconnect
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	if err := applyCapture(&cfg.Collector.Settings, meta, raw.Capture); err != nil {
		return Config{}, err
	}

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "file") {
		cfg.Log.File = strings.TrimSpace(raw.Log.File)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyCapture(s *message.CaptureSettings, meta toml.MetaData, raw captureFile) error {
	if meta.IsDefined("capture", "mode") && meta.IsDefined("capture", "mode_mask") {
		return errors.New("capture.mode and capture.mode_mask are mutually exclusive")
	}
	if meta.IsDefined("capture", "mode") {
		mode, err := message.ParseMode(raw.Mode)
		if err != nil {
			return fmt.Errorf("parse capture.mode: %w", err)
		}
		s.Mode = mode
	}
	if meta.IsDefined("capture", "mode_mask") {
		if raw.ModeMask < 0 || raw.ModeMask > math.MaxUint32 {
			return fmt.Errorf("capture.mode_mask out of range: %d", raw.ModeMask)
		}
		s.Mode = message.Mode(raw.ModeMask)
	}
	if meta.IsDefined("capture", "category_mask") {
		s.CategoryMask = raw.CategoryMask
	}

	u32 := []struct {
		key string
		val int64
		dst *uint32
	}{
		{"sampling_frequency_hz", raw.SamplingFrequencyHz, &s.SamplingFrequencyHz},
		{"frame_limit", raw.FrameLimit, &s.FrameLimit},
		{"time_limit_us", raw.TimeLimitUs, &s.TimeLimitUs},
		{"spike_limit_us", raw.SpikeLimitUs, &s.SpikeLimitUs},
	}
	for _, f := range u32 {
		if !meta.IsDefined("capture", f.key) {
			continue
		}
		if f.val < 0 || f.val > math.MaxUint32 {
			return fmt.Errorf("capture.%s out of range: %d", f.key, f.val)
		}
		*f.dst = uint32(f.val)
	}
	if meta.IsDefined("capture", "memory_limit_mb") {
		if raw.MemoryLimitMb < 0 {
			return fmt.Errorf("capture.memory_limit_mb out of range: %d", raw.MemoryLimitMb)
		}
		s.MemoryLimitMb = uint64(raw.MemoryLimitMb)
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("parse %s: negative duration", key)
	}
	return d, nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Conn.Address) == "" {
		return fmt.Errorf("config missing address")
	}
	if cfg.Conn.Port <= 0 || cfg.Conn.Port > math.MaxUint16 {
		return fmt.Errorf("config port out of range: %d", cfg.Conn.Port)
	}
	if cfg.Conn.PortRange <= 0 || cfg.Conn.Port+cfg.Conn.PortRange-1 > math.MaxUint16 {
		return fmt.Errorf("config port_range invalid: %d", cfg.Conn.PortRange)
	}
	// The collector only observes cancellation between reads.
	if cfg.Conn.IdleTimeout <= 0 {
		return fmt.Errorf("config read_timeout must be positive: %s", cfg.Conn.IdleTimeout)
	}
	if err := cfg.Collector.Settings.Validate(); err != nil {
		return fmt.Errorf("config capture invalid: %w", err)
	}
	if cfg.Log.Level != "" {
		if _, ok := logging.ParseLevel(cfg.Log.Level); !ok {
			return fmt.Errorf("config log.level invalid: %q", cfg.Log.Level)
		}
	}
	return nil
}
