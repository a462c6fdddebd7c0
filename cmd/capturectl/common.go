package main

import (
	"github.com/danmuck/capturectl/internal/config"
	"github.com/danmuck/capturectl/internal/conn"
	"github.com/danmuck/capturectl/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// targetFlags are shared by every command that talks to a target.
type targetFlags struct {
	configPath string
	address    string
	port       int
}

func (f *targetFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Path to a capturectl TOML config")
	cmd.Flags().StringVar(&f.address, "address", "", "Target address (overrides config)")
	cmd.Flags().IntVar(&f.port, "port", 0, "Target base port (overrides config)")
}

// load resolves the config file and flag overrides, then installs the
// process logger from it.
func (f *targetFlags) load() (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return config.Config{}, err
		}
	}
	if f.address != "" {
		cfg.Conn.Address = f.address
	}
	if f.port != 0 {
		cfg.Conn.Port = f.port
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	configureLogging(cfg.Log)
	return cfg, nil
}

func configureLogging(lc config.LogConfig) {
	logging.Configure(logging.ProfileRuntime, func(c *logging.Config) {
		if lvl, ok := logging.ParseLevel(lc.Level); ok {
			c.Level = lvl
		}
		if lc.File != "" {
			c.File = lc.File
		}
	})
}

// logEvents mirrors connection state changes into the log until the
// manager closes.
func logEvents(m *conn.Manager) {
	events, _ := m.Subscribe(32)
	go func() {
		for ev := range events {
			l := log.Info()
			if ev.State == conn.Disconnected && ev.Message != "" {
				l = log.Warn()
			}
			l.Str("state", ev.State.String()).
				Str("address", ev.Address).
				Int("port", ev.Port).
				Str("message", ev.Message).
				Msg("capturectl connection")
		}
	}()
}
