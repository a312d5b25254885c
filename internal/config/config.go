package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	storecfg "lsmrepl/pkg/config"
	"lsmrepl/pkg/replication"
)

var ErrInvalid = errors.New("invalid config")

// Config - корневая структура конфигурации процесса
type Config struct {
	Logger    LoggerConfig         `yaml:"logger"`
	Store     storecfg.StoreConfig `yaml:"store"`
	Master    MasterConfig         `yaml:"master"`
	Replica   ReplicaConfig        `yaml:"replica"`
	Discovery DiscoveryConfig      `yaml:"discovery"`
	Metrics   MetricsConfig        `yaml:"metrics"`
}

type LoggerConfig struct {
	Level     string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON      bool   `yaml:"json"`
	AddSource bool   `yaml:"add_source"`
}

type MasterConfig struct {
	ControlAddr string `yaml:"control_addr"`
	DataAddr    string `yaml:"data_addr"`
	// AdvertiseControlURL and AdvertiseDataAddr are announced in discovery,
	// they default to the listen addresses.
	AdvertiseControlURL string        `yaml:"advertise_control_url"`
	AdvertiseDataAddr   string        `yaml:"advertise_data_addr"`
	AuthKey             string        `yaml:"auth_key"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	KeyTimeout          time.Duration `yaml:"key_timeout"`
	MaxSessions         int64         `yaml:"max_sessions"`
	SessionTTL          time.Duration `yaml:"session_ttl"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	TmpDir              string        `yaml:"tmp_dir"`
}

type ReplicaConfig struct {
	// ControlURL and DataAddr may stay empty when discovery is enabled.
	ControlURL    string `yaml:"control_url"`
	DataAddr      string `yaml:"data_addr"`
	AuthKey       string `yaml:"auth_key"`
	WorkDir       string `yaml:"work_dir"`
	MaxFrameBytes uint32 `yaml:"max_frame_bytes"`
	// RestoreRateLimit caps bootstrap restore copying, bytes per second.
	RestoreRateLimit int64         `yaml:"restore_rate_limit"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	Retry            RetryConfig   `yaml:"retry"`
	// HTTPAddr serves read-only /kv and, when enabled, /metrics.
	HTTPAddr string `yaml:"http_addr"`
}

type RetryConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Backoff     int           `yaml:"backoff"`
	MaxInterval time.Duration `yaml:"max_interval"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type DiscoveryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Servers        []string      `yaml:"servers"`
	RootPath       string        `yaml:"root_path"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Store: storecfg.Default(),
		Master: MasterConfig{
			ControlAddr:   ":8080",
			DataAddr:      ":9090",
			PollInterval:  replication.DefaultPollInterval,
			WriteTimeout:  10 * time.Second,
			KeyTimeout:    replication.DefaultKeyTimeout,
			MaxSessions:   replication.DefaultMaxSessions,
			SessionTTL:    replication.DefaultSessionTTL,
			SweepInterval: 5 * time.Second,
			TmpDir:        os.TempDir(),
		},
		Replica: ReplicaConfig{
			WorkDir:       os.TempDir(),
			MaxFrameBytes: replication.DefaultMaxFrameBytes,
			DialTimeout:   replication.DefaultDialTimeout,
			Retry: RetryConfig{
				Interval:    time.Second,
				Backoff:     2,
				MaxInterval: 30 * time.Second,
			},
		},
		Discovery: DiscoveryConfig{
			RootPath:       "/lsmrepl",
			SessionTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads a YAML file over Default(). A missing file yields Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// SlogLevel maps logger.level onto slog, unknown values fall back to INFO.
func (c LoggerConfig) SlogLevel() slog.Level {
	switch strings.ToUpper(c.Level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c Config) validateCommon() error {
	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("%w: logger.level %q", ErrInvalid, c.Logger.Level)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("%w: store.path is required", ErrInvalid)
	}
	if c.Discovery.Enabled && len(c.Discovery.Servers) == 0 {
		return fmt.Errorf("%w: discovery.servers is required when discovery is enabled", ErrInvalid)
	}
	return nil
}

// ValidateMaster checks what the master role needs.
func (c Config) ValidateMaster() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if c.Master.ControlAddr == "" || c.Master.DataAddr == "" {
		return fmt.Errorf("%w: master.control_addr and master.data_addr are required", ErrInvalid)
	}
	if c.Master.AuthKey == "" {
		return fmt.Errorf("%w: master.auth_key is required", ErrInvalid)
	}
	if c.Master.SessionTTL <= 0 {
		return fmt.Errorf("%w: master.session_ttl must be positive", ErrInvalid)
	}
	return nil
}

// ValidateReplica checks what the replica role needs.
func (c Config) ValidateReplica() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if !c.Discovery.Enabled && (c.Replica.ControlURL == "" || c.Replica.DataAddr == "") {
		return fmt.Errorf("%w: replica.control_url and replica.data_addr are required without discovery", ErrInvalid)
	}
	if c.Replica.AuthKey == "" {
		return fmt.Errorf("%w: replica.auth_key is required", ErrInvalid)
	}
	if c.Replica.Retry.Backoff < 1 {
		return fmt.Errorf("%w: replica.retry.backoff must be at least 1", ErrInvalid)
	}
	return nil
}

// ReplicationServer builds the data-plane server options.
func (c MasterConfig) ReplicationServer() replication.ServerConfig {
	return replication.ServerConfig{
		Addr:         c.DataAddr,
		PollInterval: c.PollInterval,
		WriteTimeout: c.WriteTimeout,
		KeyTimeout:   c.KeyTimeout,
		MaxSessions:  c.MaxSessions,
	}
}

// Coordinator builds the replica coordinator options for a primary at
// dataAddr.
func (c ReplicaConfig) Coordinator(dataAddr string) replication.CoordinatorConfig {
	return replication.CoordinatorConfig{
		Slave: replication.SlaveConfig{
			Addr:          dataAddr,
			DialTimeout:   c.DialTimeout,
			MaxFrameBytes: c.MaxFrameBytes,
		},
		WorkDir:          c.WorkDir,
		RestoreRateLimit: c.RestoreRateLimit,
		Retry: replication.RetryConfig{
			Interval:    c.Retry.Interval,
			Backoff:     c.Retry.Backoff,
			MaxAttempts: c.Retry.MaxAttempts,
			MaxInterval: c.Retry.MaxInterval,
		},
	}
}
