// Package config loads and validates the node configuration from YAML.
// Loading applies defaults first, then validates the whole document;
// a non-nil error always names the offending field.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/emberline/nodecore/errors"
	"github.com/emberline/nodecore/schedule"
)

// Config is the complete node configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Logging   LoggingConfig   `yaml:"logging"`
	Fabric    FabricConfig    `yaml:"fabric"`
	Transport TransportConfig `yaml:"transport"`
	RPC       RPCConfig       `yaml:"rpc"`
	Metrics   *MetricsConfig  `yaml:"metrics,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Store     StoreConfig     `yaml:"store"`
	Schedule  []EntryConfig   `yaml:"schedule"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	Name     string `yaml:"name"`
	DeviceID uint64 `yaml:"device_id"`
}

// LoggingConfig controls the slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// FabricConfig sizes the shared buffer pools.
type FabricConfig struct {
	TxPoolCount int `yaml:"tx_pool_count"`
	RxPoolCount int `yaml:"rx_pool_count"`
	BufSize     int `yaml:"buf_size"`
	// RateLimitBps throttles bulk DATA transmission; zero disables.
	RateLimitBps int `yaml:"rate_limit_bps"`
}

// TransportConfig enables the configured interfaces. Disabled sections
// are left nil.
type TransportConfig struct {
	UDP  *UDPConfig  `yaml:"udp,omitempty"`
	NATS *NATSConfig `yaml:"nats,omitempty"`
	WS   *WSConfig   `yaml:"ws,omitempty"`
}

// UDPConfig configures the UDP interface.
type UDPConfig struct {
	ListenAddr string            `yaml:"listen_addr"`
	MTU        int               `yaml:"mtu"`
	Peers      map[uint64]string `yaml:"peers,omitempty"`
}

// NATSConfig configures the NATS interface and the JetStream KV bucket.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	MTU           int    `yaml:"mtu"`
}

// WSConfig configures the WebSocket gateway uplink.
type WSConfig struct {
	URL               string        `yaml:"url"`
	MTU               int           `yaml:"mtu"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// RPCConfig tunes the RPC server.
type RPCConfig struct {
	// GatewayDeviceID is the default destination for client commands.
	GatewayDeviceID uint64 `yaml:"gateway_device_id"`
	WorkerQueueLen  int    `yaml:"worker_queue_len"`
}

// MetricsConfig exposes the Prometheus registry over HTTP when the
// section is present.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// TelemetryConfig sizes the TDF encoder buffers.
type TelemetryConfig struct {
	BufferSize int `yaml:"buffer_size"`
	// BlockLogCapacity is the number of retained telemetry blocks.
	BlockLogCapacity int `yaml:"block_log_capacity"`
	BlockSize        int `yaml:"block_size"`
}

// StoreConfig selects the persisted-state backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // memory, jetstream
	Bucket  string `yaml:"bucket"`  // jetstream bucket name
}

// EntryConfig is the YAML shape of one schedule entry. It maps onto
// schedule.Entry during engine assembly.
type EntryConfig struct {
	Task        uint8  `yaml:"task"`
	Validity    string `yaml:"validity"`    // always, active, inactive
	Periodicity string `yaml:"periodicity"` // fixed, lockout, lockout_battery, after
	PeriodS     uint32 `yaml:"period_s"`
	LockoutS    uint32 `yaml:"lockout_s"`
	IgnoreFirst bool   `yaml:"ignore_first"`

	BatteryMin  uint8  `yaml:"battery_min"`
	BatteryMax  uint8  `yaml:"battery_max"`
	LockoutLowS uint32 `yaml:"lockout_low_s"`
	LockoutHiS  uint32 `yaml:"lockout_high_s"`

	After *uint8 `yaml:"after,omitempty"` // task ID of the linked entry

	BatteryStartLower     uint8 `yaml:"battery_start_lower"`
	BatteryStartUpper     uint8 `yaml:"battery_start_upper"`
	BatteryTerminateLower uint8 `yaml:"battery_terminate_lower"`
	BatteryTerminateUpper uint8 `yaml:"battery_terminate_upper"`

	StartStates     []uint8 `yaml:"start_states,omitempty"`
	StartMeta       uint8   `yaml:"start_meta"`
	TerminateStates []uint8 `yaml:"terminate_states,omitempty"`
	TerminateMeta   uint8   `yaml:"terminate_meta"`

	TimeoutS            uint32 `yaml:"timeout_s"`
	BootLockoutMin      uint32 `yaml:"boot_lockout_min"`
	StatesStartTimeoutS uint32 `yaml:"states_start_timeout_s"`
}

// Default returns the configuration used when a section is omitted.
func Default() *Config {
	return &Config{
		Node:    NodeConfig{Name: "nodecore"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Fabric: FabricConfig{
			TxPoolCount: 8,
			RxPoolCount: 8,
			BufSize:     512,
		},
		RPC: RPCConfig{WorkerQueueLen: 16},
		Telemetry: TelemetryConfig{
			BufferSize:       192,
			BlockLogCapacity: 64,
			BlockSize:        256,
		},
		Store: StoreConfig{Backend: "memory", Bucket: "nodecore"},
	}
}

// Load reads, defaults, and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapTransient(err, "config", "Load", "read "+path)
	}
	return LoadBytes(data)
}

// LoadBytes parses a YAML document over the defaults and validates it.
func LoadBytes(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "LoadBytes", "yaml decode")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values the document left out. Strict
// minimums are enforced by Validate, not silently raised here.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
	if c.Fabric.TxPoolCount == 0 {
		c.Fabric.TxPoolCount = d.Fabric.TxPoolCount
	}
	if c.Fabric.RxPoolCount == 0 {
		c.Fabric.RxPoolCount = d.Fabric.RxPoolCount
	}
	if c.Fabric.BufSize == 0 {
		c.Fabric.BufSize = d.Fabric.BufSize
	}
	if c.RPC.WorkerQueueLen == 0 {
		c.RPC.WorkerQueueLen = d.RPC.WorkerQueueLen
	}
	if c.Telemetry.BufferSize == 0 {
		c.Telemetry.BufferSize = d.Telemetry.BufferSize
	}
	if c.Telemetry.BlockLogCapacity == 0 {
		c.Telemetry.BlockLogCapacity = d.Telemetry.BlockLogCapacity
	}
	if c.Telemetry.BlockSize == 0 {
		c.Telemetry.BlockSize = d.Telemetry.BlockSize
	}
	if c.Store.Backend == "" {
		c.Store.Backend = d.Store.Backend
	}
	if c.Store.Bucket == "" {
		c.Store.Bucket = d.Store.Bucket
	}
	if c.WSConfigured() && c.Transport.WS.ReconnectInterval == 0 {
		c.Transport.WS.ReconnectInterval = 5 * time.Second
	}
}

// WSConfigured reports whether the WebSocket uplink section is present.
func (c *Config) WSConfigured() bool { return c.Transport.WS != nil }

func invalid(field, reason string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%s: %s", field, reason),
		"config", "Validate", "field check")
}

// Validate checks the whole document and reports the first offending
// field.
func (c *Config) Validate() error {
	if c.Node.Name == "" {
		return invalid("node.name", "must not be empty")
	}
	if c.Node.DeviceID == 0 {
		return invalid("node.device_id", "must be non-zero")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("logging.level", "must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return invalid("logging.format", "must be text or json")
	}

	if c.Fabric.TxPoolCount <= 0 || c.Fabric.RxPoolCount <= 0 {
		return invalid("fabric", "pool counts must be positive")
	}
	if c.Fabric.BufSize < 64 {
		return invalid("fabric.buf_size", "must be at least 64")
	}
	if c.Fabric.RateLimitBps < 0 {
		return invalid("fabric.rate_limit_bps", "must not be negative")
	}

	if udp := c.Transport.UDP; udp != nil {
		if udp.ListenAddr == "" {
			return invalid("transport.udp.listen_addr", "must not be empty")
		}
		if udp.MTU <= 0 || udp.MTU > c.Fabric.BufSize {
			return invalid("transport.udp.mtu", "must be positive and fit the buffer size")
		}
	}
	if n := c.Transport.NATS; n != nil {
		if n.URL == "" {
			return invalid("transport.nats.url", "must not be empty")
		}
		if n.SubjectPrefix == "" {
			return invalid("transport.nats.subject_prefix", "must not be empty")
		}
		if n.MTU <= 0 || n.MTU > c.Fabric.BufSize {
			return invalid("transport.nats.mtu", "must be positive and fit the buffer size")
		}
	}
	if ws := c.Transport.WS; ws != nil {
		if ws.URL == "" {
			return invalid("transport.ws.url", "must not be empty")
		}
		if ws.MTU <= 0 || ws.MTU > c.Fabric.BufSize {
			return invalid("transport.ws.mtu", "must be positive and fit the buffer size")
		}
	}

	if c.RPC.WorkerQueueLen <= 0 {
		return invalid("rpc.worker_queue_len", "must be positive")
	}

	if m := c.Metrics; m != nil {
		if m.Port <= 0 || m.Port > 65535 {
			return invalid("metrics.port", "must be a valid TCP port")
		}
	}

	if c.Telemetry.BufferSize < 8 || c.Telemetry.BufferSize > 255 {
		return invalid("telemetry.buffer_size", "must be within 8..255")
	}
	if c.Telemetry.BlockLogCapacity <= 0 || c.Telemetry.BlockSize <= 0 {
		return invalid("telemetry", "block log capacity and block size must be positive")
	}

	switch c.Store.Backend {
	case "memory":
	case "jetstream":
		if c.Transport.NATS == nil {
			return invalid("store.backend", "jetstream backend requires the nats transport")
		}
		if c.Store.Bucket == "" {
			return invalid("store.bucket", "must not be empty")
		}
	default:
		return invalid("store.backend", "must be memory or jetstream")
	}

	if _, err := c.ScheduleEntries(); err != nil {
		return err
	}
	return nil
}

// ScheduleEntries converts the YAML schedule onto schedule.Entry values
// and runs the table validation, resolving after-links by task ID.
func (c *Config) ScheduleEntries() ([]schedule.Entry, error) {
	byTask := make(map[uint8]int, len(c.Schedule))
	for i, ec := range c.Schedule {
		if _, dup := byTask[ec.Task]; dup {
			return nil, invalid(fmt.Sprintf("schedule[%d].task", i), "duplicate task ID")
		}
		byTask[ec.Task] = i
	}

	entries := make([]schedule.Entry, len(c.Schedule))
	for i, ec := range c.Schedule {
		e := schedule.Entry{
			TaskID:                ec.Task,
			PeriodS:               ec.PeriodS,
			LockoutS:              ec.LockoutS,
			BatteryMin:            ec.BatteryMin,
			BatteryMax:            ec.BatteryMax,
			LockoutLowS:           ec.LockoutLowS,
			LockoutHighS:          ec.LockoutHiS,
			After:                 schedule.NoLink,
			BatteryStart:          schedule.Window{Lower: ec.BatteryStartLower, Upper: ec.BatteryStartUpper},
			BatteryTerminate:      schedule.Window{Lower: ec.BatteryTerminateLower, Upper: ec.BatteryTerminateUpper},
			StartStates:           schedule.StatesPredicate{States: ec.StartStates, Meta: ec.StartMeta},
			TerminateStates:       schedule.StatesPredicate{States: ec.TerminateStates, Meta: ec.TerminateMeta},
			TimeoutS:              ec.TimeoutS,
			BootLockoutMin:        ec.BootLockoutMin,
			StatesStartTimeout2xS: uint16(ec.StatesStartTimeoutS * 2),
		}

		switch ec.Validity {
		case "", "always":
			e.Validity = schedule.ValidityAlways
		case "active":
			e.Validity = schedule.ValidityActive
		case "inactive":
			e.Validity = schedule.ValidityInactive
		default:
			return nil, invalid(fmt.Sprintf("schedule[%d].validity", i), "must be always, active, or inactive")
		}

		switch ec.Periodicity {
		case "fixed":
			e.Periodicity = schedule.PeriodicityFixed
		case "lockout":
			e.Periodicity = schedule.PeriodicityLockout
		case "lockout_battery":
			e.Periodicity = schedule.PeriodicityLockoutBattery
		case "after":
			e.Periodicity = schedule.PeriodicityAfter
		default:
			return nil, invalid(fmt.Sprintf("schedule[%d].periodicity", i), "must be fixed, lockout, lockout_battery, or after")
		}

		if ec.IgnoreFirst {
			if e.Periodicity == schedule.PeriodicityLockoutBattery {
				e.LockoutLowS |= schedule.LockoutIgnoreFirst
			} else {
				e.LockoutS |= schedule.LockoutIgnoreFirst
			}
		}

		if ec.After != nil {
			idx, ok := byTask[*ec.After]
			if !ok {
				return nil, invalid(fmt.Sprintf("schedule[%d].after", i),
					fmt.Sprintf("unknown task %d", *ec.After))
			}
			e.After = idx
		}

		entries[i] = e
	}

	if _, err := schedule.ValidateTable(entries); err != nil {
		return nil, err
	}
	return entries, nil
}
