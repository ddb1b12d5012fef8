// Package config loads the service configuration from a TOML file.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/logger"
)

// Duration decodes TOML strings such as "500ms" or "10m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config holds server configuration.
type Config struct {
	Listen     string           `toml:"listen"`
	Clock      ClockConfig      `toml:"clock"`
	Store      StoreConfig      `toml:"store"`
	Oracle     OracleConfig     `toml:"oracle"`
	Lottery    LotteryConfig    `toml:"lottery"`
	Dispatcher DispatcherConfig `toml:"dispatcher"`
	Payments   PaymentsConfig   `toml:"payments"`
}

type ClockConfig struct {
	Genesis      time.Time `toml:"genesis"`
	SlotDuration Duration  `toml:"slot_duration"`
}

type StoreConfig struct {
	// Driver is one of "memory", "sqlite" or "redis".
	Driver        string `toml:"driver"`
	SQLitePath    string `toml:"sqlite_path"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	MaxRetries    int    `toml:"max_retries"`
}

type OracleConfig struct {
	RevealDelay uint64 `toml:"reveal_delay"`
}

type LotteryConfig struct {
	WinnerWidth      int    `toml:"winner_width_bytes"`
	TicketName       string `toml:"ticket_name"`
	TicketSymbol     string `toml:"ticket_symbol"`
	TicketURI        string `toml:"ticket_uri"`
	CollectionName   string `toml:"collection_name"`
	CollectionSymbol string `toml:"collection_symbol"`
	CollectionURI    string `toml:"collection_uri"`
}

type DispatcherConfig struct {
	Interval Duration `toml:"interval"`
	Batch    int      `toml:"batch"`
}

type PaymentsConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Clock: ClockConfig{
			Genesis:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			SlotDuration: Duration{400 * time.Millisecond},
		},
		Store: StoreConfig{
			Driver:     "memory",
			SQLitePath: "tokenlottery.db",
			RedisAddr:  "localhost:6379",
			MaxRetries: 16,
		},
		Oracle: OracleConfig{RevealDelay: 2},
		Lottery: LotteryConfig{
			WinnerWidth:      1,
			TicketName:       "Token Lottery Ticket #",
			TicketSymbol:     "TICKET",
			CollectionName:   "Token Lottery",
			CollectionSymbol: "TICKET",
		},
		Dispatcher: DispatcherConfig{
			Interval: Duration{2 * time.Second},
			Batch:    100,
		},
	}
}

// Load reads the file at path over the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		for _, key := range md.Undecoded() {
			logger.Warningf("Ignoring unknown config key %s", key)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && c.Store.SQLitePath == "" {
		return fmt.Errorf("store.sqlite_path is required for the sqlite driver")
	}
	if c.Store.Driver == "redis" && c.Store.RedisAddr == "" {
		return fmt.Errorf("store.redis_addr is required for the redis driver")
	}
	if c.Clock.SlotDuration.Duration <= 0 {
		return fmt.Errorf("clock.slot_duration must be positive")
	}
	if c.Lottery.WinnerWidth < 1 || c.Lottery.WinnerWidth > 8 {
		return fmt.Errorf("lottery.winner_width_bytes must be between 1 and 8")
	}
	if c.Oracle.RevealDelay < 2 {
		return fmt.Errorf("oracle.reveal_delay must be at least 2")
	}
	if c.Dispatcher.Interval.Duration <= 0 {
		return fmt.Errorf("dispatcher.interval must be positive")
	}
	return nil
}
