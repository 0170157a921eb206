package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Kernel    KernelConfig    `toml:"kernel"`
	Network   NetworkConfig   `toml:"network"`
	Interest  InterestConfig  `toml:"interest"`
	Database  DatabaseConfig  `toml:"database"`
	Scripting ScriptingConfig `toml:"scripting"`
	Data      DataConfig      `toml:"data"`
	Logging   LoggingConfig   `toml:"logging"`
}

type KernelConfig struct {
	RemovalBudget time.Duration `toml:"removal_budget"` // 0 = drain the whole queue every frame
	LoopRate      float64       `toml:"loop_rate"`      // frames per second, 0 = unpaced
	MaxFrameTime  time.Duration `toml:"max_frame_time"`
	RingSize      int           `toml:"ring_size"` // sent-packet window per peer
}

type NetworkConfig struct {
	BindAddress       string        `toml:"bind_address"`
	HostAddress       string        `toml:"host_address"` // used by "join"
	InQueueSize       int           `toml:"in_queue_size"`
	MaxDatagram       int           `toml:"max_datagram"`
	MaxPacketsPerTick int           `toml:"max_packets_per_tick"`
	PeerTimeout       time.Duration `toml:"peer_timeout"`
	HandshakeRetry    time.Duration `toml:"handshake_retry"`
	SendRate          float64       `toml:"send_rate"` // delta packets per second per peer
	TombstoneTTL      time.Duration `toml:"tombstone_ttl"`
}

type InterestConfig struct {
	Enabled     bool    `toml:"enabled"`
	EnterRadius float32 `toml:"enter_radius"`
	LeaveRadius float32 `toml:"leave_radius"`
	CellSize    float32 `toml:"cell_size"`
	SweepRate   float64 `toml:"sweep_rate"`
}

type DatabaseConfig struct {
	DSN             string        `toml:"dsn"` // empty disables persistence
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
}

type ScriptingConfig struct {
	Dir string `toml:"dir"` // empty disables Lua tasks
}

type DataConfig struct {
	SpawnList string `toml:"spawn_list"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes TOML over the defaults. name is only used in errors.
func Parse(data []byte, name string) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", name, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", name, err)
	}
	return cfg, nil
}

// Validate rejects settings the kernel cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Kernel.RingSize <= 0 || c.Kernel.RingSize > 1<<15:
		return fmt.Errorf("kernel.ring_size %d out of range (1..32768)", c.Kernel.RingSize)
	case c.Kernel.LoopRate < 0:
		return fmt.Errorf("kernel.loop_rate %v is negative", c.Kernel.LoopRate)
	case c.Network.MaxDatagram < 64:
		return fmt.Errorf("network.max_datagram %d too small", c.Network.MaxDatagram)
	case c.Network.SendRate < 0:
		return fmt.Errorf("network.send_rate %v is negative", c.Network.SendRate)
	case c.Interest.Enabled && c.Interest.LeaveRadius < c.Interest.EnterRadius:
		return fmt.Errorf("interest.leave_radius %v below enter_radius %v", c.Interest.LeaveRadius, c.Interest.EnterRadius)
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Kernel: KernelConfig{
			RemovalBudget: 500 * time.Microsecond,
			LoopRate:      60,
			MaxFrameTime:  250 * time.Millisecond,
			RingSize:      64,
		},
		Network: NetworkConfig{
			BindAddress:       "0.0.0.0:7777",
			HostAddress:       "127.0.0.1:7777",
			InQueueSize:       256,
			MaxDatagram:       1200,
			MaxPacketsPerTick: 64,
			PeerTimeout:       10 * time.Second,
			HandshakeRetry:    500 * time.Millisecond,
			SendRate:          20,
			TombstoneTTL:      5 * time.Second,
		},
		Interest: InterestConfig{
			Enabled:     false,
			EnterRadius: 50,
			LeaveRadius: 60,
			CellSize:    60,
			SweepRate:   4,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
