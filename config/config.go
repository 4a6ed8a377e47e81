// Package config loads the supervisor's configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SUPERVISOR_LOG_LEVEL.
const EnvPrefix = "SUPERVISOR"

// Config is the root supervisor configuration.
type Config struct {
	Device  DeviceConfig  `mapstructure:"device"`
	Server  ServerConfig  `mapstructure:"server"`
	Paths   PathsConfig   `mapstructure:"paths"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Store   StoreConfig   `mapstructure:"store"`
	Chain   ChainConfig   `mapstructure:"chain"`
	History HistoryConfig `mapstructure:"history"`
	Log     LogConfig     `mapstructure:"log"`
}

// DeviceConfig is this node's identity. The supervisor trusts it as given.
type DeviceConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
	// Address is the base URL other nodes reach this one at.
	Address string `mapstructure:"address"`
	// Arch selects module variants; "generic" uses only generic binaries.
	Arch string `mapstructure:"arch"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Listen       string        `mapstructure:"listen"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// RateLimit is the sustained number of invocations per second accepted
	// from clients. 0 disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// PathsConfig holds on-disk locations.
type PathsConfig struct {
	InstanceDir string `mapstructure:"instance_dir"`
	ModuleDir   string `mapstructure:"module_dir"`
	ParamsDir   string `mapstructure:"params_dir"`
}

// EngineConfig configures the WebAssembly engine.
type EngineConfig struct {
	// MemoryLimitPages caps linear memory per instance, in 64KiB pages.
	MemoryLimitPages uint32        `mapstructure:"memory_limit_pages"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
	// CacheDir persists compiled code. Empty disables it.
	CacheDir    string `mapstructure:"cache_dir"`
	Interpreter bool   `mapstructure:"interpreter"`
	// CameraFile backs the camera host functions with a still image.
	CameraFile string `mapstructure:"camera_file"`
}

// PoolConfig bounds the sandbox pool.
type PoolConfig struct {
	MaxInstances       int           `mapstructure:"max_instances"`
	MaxIdlePerArtifact int           `mapstructure:"max_idle_per_artifact"`
	AcquireTimeout     time.Duration `mapstructure:"acquire_timeout"`
}

// StoreConfig bounds the module store.
type StoreConfig struct {
	MaxBytes     int64         `mapstructure:"max_bytes"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	FetchRetries uint          `mapstructure:"fetch_retries"`
	FetchBackoff time.Duration `mapstructure:"fetch_backoff"`
}

// ChainConfig tunes chained requests.
type ChainConfig struct {
	// RequestTimeout bounds one forwarding attempt.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     uint          `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	MaxSteps       int           `mapstructure:"max_steps"`
	DeadlineGrace  time.Duration `mapstructure:"deadline_grace"`
	// Deadline is given to requests that start here without one. 0 means none.
	Deadline time.Duration `mapstructure:"deadline"`
}

// HistoryConfig selects where request history is kept.
type HistoryConfig struct {
	// Backend is "memory" or "redis".
	Backend  string      `mapstructure:"backend"`
	Capacity int         `mapstructure:"capacity"`
	Redis    RedisConfig `mapstructure:"redis"`
}

// RedisConfig locates the redis history backend.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// HostArch names the running machine the way module variants are keyed.
func HostArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "arm":
		return "armv7l"
	default:
		return runtime.GOARCH
	}
}

// Default returns a Config populated with defaults.
func Default() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "supervisor"
	}
	return &Config{
		Device: DeviceConfig{
			ID:   host,
			Name: host,
			Arch: HostArch(),
		},
		Server: ServerConfig{
			Listen:       ":5000",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 2 * time.Minute,
			RateLimit:    0,
			RateBurst:    50,
		},
		Paths: PathsConfig{
			InstanceDir: "./instance",
		},
		Engine: EngineConfig{
			MemoryLimitPages: 1024,
			ExecutionTimeout: 30 * time.Second,
		},
		Pool: PoolConfig{
			MaxInstances:       64,
			MaxIdlePerArtifact: 4,
			AcquireTimeout:     5 * time.Second,
		},
		Store: StoreConfig{
			MaxBytes:     1 << 30,
			FetchTimeout: 2 * time.Minute,
			FetchRetries: 3,
			FetchBackoff: 200 * time.Millisecond,
		},
		Chain: ChainConfig{
			RequestTimeout: 30 * time.Second,
			MaxRetries:     3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			MaxSteps:       20,
			DeadlineGrace:  time.Second,
		},
		History: HistoryConfig{
			Backend:  "memory",
			Capacity: 1000,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "supervisor:history:",
				TTL:       24 * time.Hour,
			},
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from path when given, otherwise from
// $SUPERVISOR_CONFIG or supervisor.yaml in ., ./configs or
// $HOME/.wasm-supervisor. A missing file is not an error. Environment
// variables override file values: SUPERVISOR_POOL_MAX_INSTANCES=8.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	seed(v, cfg)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("supervisor")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".wasm-supervisor"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seed registers every key with viper so env-only configs work.
func seed(v *viper.Viper, c *Config) {
	v.SetDefault("device.id", c.Device.ID)
	v.SetDefault("device.name", c.Device.Name)
	v.SetDefault("device.address", c.Device.Address)
	v.SetDefault("device.arch", c.Device.Arch)

	v.SetDefault("server.listen", c.Server.Listen)
	v.SetDefault("server.read_timeout", c.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", c.Server.WriteTimeout)
	v.SetDefault("server.rate_limit", c.Server.RateLimit)
	v.SetDefault("server.rate_burst", c.Server.RateBurst)

	v.SetDefault("paths.instance_dir", c.Paths.InstanceDir)
	v.SetDefault("paths.module_dir", c.Paths.ModuleDir)
	v.SetDefault("paths.params_dir", c.Paths.ParamsDir)

	v.SetDefault("engine.memory_limit_pages", c.Engine.MemoryLimitPages)
	v.SetDefault("engine.execution_timeout", c.Engine.ExecutionTimeout)
	v.SetDefault("engine.cache_dir", c.Engine.CacheDir)
	v.SetDefault("engine.interpreter", c.Engine.Interpreter)
	v.SetDefault("engine.camera_file", c.Engine.CameraFile)

	v.SetDefault("pool.max_instances", c.Pool.MaxInstances)
	v.SetDefault("pool.max_idle_per_artifact", c.Pool.MaxIdlePerArtifact)
	v.SetDefault("pool.acquire_timeout", c.Pool.AcquireTimeout)

	v.SetDefault("store.max_bytes", c.Store.MaxBytes)
	v.SetDefault("store.fetch_timeout", c.Store.FetchTimeout)
	v.SetDefault("store.fetch_retries", c.Store.FetchRetries)
	v.SetDefault("store.fetch_backoff", c.Store.FetchBackoff)

	v.SetDefault("chain.request_timeout", c.Chain.RequestTimeout)
	v.SetDefault("chain.max_retries", c.Chain.MaxRetries)
	v.SetDefault("chain.initial_backoff", c.Chain.InitialBackoff)
	v.SetDefault("chain.max_backoff", c.Chain.MaxBackoff)
	v.SetDefault("chain.max_steps", c.Chain.MaxSteps)
	v.SetDefault("chain.deadline_grace", c.Chain.DeadlineGrace)
	v.SetDefault("chain.deadline", c.Chain.Deadline)

	v.SetDefault("history.backend", c.History.Backend)
	v.SetDefault("history.capacity", c.History.Capacity)
	v.SetDefault("history.redis.addr", c.History.Redis.Addr)
	v.SetDefault("history.redis.password", c.History.Redis.Password)
	v.SetDefault("history.redis.db", c.History.Redis.DB)
	v.SetDefault("history.redis.key_prefix", c.History.Redis.KeyPrefix)
	v.SetDefault("history.redis.ttl", c.History.Redis.TTL)

	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)
	v.SetDefault("log.outputs", c.Log.Outputs)
	v.SetDefault("log.development", c.Log.Development)
	v.SetDefault("log.rotation.enable", c.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", c.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", c.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", c.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", c.Log.Rotation.Compress)
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	if strings.TrimSpace(c.Device.ID) == "" {
		return fmt.Errorf("device.id must be set")
	}
	if c.Device.Arch == "" {
		c.Device.Arch = "generic"
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must be set")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}

	if c.Paths.InstanceDir == "" {
		return fmt.Errorf("paths.instance_dir must be set")
	}
	if c.Paths.ModuleDir == "" {
		c.Paths.ModuleDir = filepath.Join(c.Paths.InstanceDir, "modules")
	}
	if c.Paths.ParamsDir == "" {
		c.Paths.ParamsDir = filepath.Join(c.Paths.InstanceDir, "params")
	}

	if c.Engine.MemoryLimitPages > 65536 {
		return fmt.Errorf("engine.memory_limit_pages %d exceeds 65536", c.Engine.MemoryLimitPages)
	}
	if c.Pool.MaxInstances < 0 || c.Pool.MaxIdlePerArtifact < 0 {
		return fmt.Errorf("pool bounds must not be negative")
	}
	if c.Chain.MaxSteps < 0 {
		return fmt.Errorf("chain.max_steps must not be negative")
	}

	switch strings.ToLower(c.History.Backend) {
	case "", "memory":
		c.History.Backend = "memory"
	case "redis":
		c.History.Backend = "redis"
		if c.History.Redis.Addr == "" {
			return fmt.Errorf("history.redis.addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("invalid history.backend: %q", c.History.Backend)
	}
	return nil
}

// MustLoad is Load that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
