// Package config loads TableFate's configuration with viper, following
// the same SetEnvPrefix/AutomaticEnv/SetConfigName/AddConfigPath sequence
// the reference scheduler's cmd/scheduler/main.go uses.
package config

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/sushant-115/tablefate/pkg/logger"
	"github.com/sushant-115/tablefate/pkg/telemetry"
)

// LivenessMode selects which core/liveness.Registry implementation the
// manager wires up.
type LivenessMode string

const (
	LivenessStandalone LivenessMode = "standalone"
	LivenessRaft       LivenessMode = "raft"
)

// RaftConfig is only read when Liveness.Mode == LivenessRaft.
type RaftConfig struct {
	LocalID   string `mapstructure:"local_id"`
	BindAddr  string `mapstructure:"bind_addr"`
	DataDir   string `mapstructure:"data_dir"`
	Bootstrap bool   `mapstructure:"bootstrap"`
}

// LivenessConfig configures core/liveness.
type LivenessConfig struct {
	Mode LivenessMode `mapstructure:"mode"`
	Raft RaftConfig   `mapstructure:"raft"`
}

// ThreadPoolConfig configures the worker pool, hot-reloadable at runtime
// (§6b).
type ThreadPoolConfig struct {
	Size int `mapstructure:"size"`
}

// IdleConfig configures the pool supervisor's idle-saturation sampling. A
// zero CheckInterval disables idle sampling only; the supervisor still grows
// and shrinks the pool.
type IdleConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// FateConfig is the `fate.*` key namespace.
type FateConfig struct {
	ThreadPool                   ThreadPoolConfig `mapstructure:"threadpool"`
	Idle                         IdleConfig       `mapstructure:"idle"`
	StorePath                    string           `mapstructure:"store_path"`
	DeadReservationCleanupDelay  time.Duration    `mapstructure:"dead_reservation_cleanup_delay"`
	AdminListen                  string           `mapstructure:"admin_listen"`
	Liveness                     LivenessConfig   `mapstructure:"liveness"`
}

// Config is the process-wide configuration root.
type Config struct {
	Fate      FateConfig        `mapstructure:"fate"`
	Logger    logger.Config     `mapstructure:"logger"`
	Telemetry telemetry.Config  `mapstructure:"telemetry"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("fate.threadpool.size", 4)
	v.SetDefault("fate.idle.check_interval", 30*time.Second)
	v.SetDefault("fate.store_path", "tablefate.db")
	v.SetDefault("fate.dead_reservation_cleanup_delay", 3*time.Minute)
	v.SetDefault("fate.admin_listen", ":9191")
	v.SetDefault("fate.liveness.mode", string(LivenessStandalone))
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output_file", "stdout")
	v.SetDefault("logger.service", "tablefate-managerd")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "tablefate")
	v.SetDefault("telemetry.prometheus_port", 9192)
	v.SetDefault("telemetry.trace_sample_ratio", 1.0)
}

// Load reads configuration from (in increasing priority) defaults, a
// tablefate.yaml found on the usual search path, and TABLEFATE_-prefixed
// environment variables.
func Load() (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("tablefate")
	v.AutomaticEnv()

	v.SetConfigName("tablefate")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/tablefate/")
	v.AddConfigPath("$HOME/.config/tablefate")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, v, nil
}

// LiveConfig holds the subset of configuration the Engine hot-reloads
// without a process restart (§5, §6b): pool size and idle-check interval.
type LiveConfig struct {
	ThreadPoolSize      int
	IdleCheckInterval   time.Duration
}

// Snapshot reads the current live-reloadable values out of v.
func Snapshot(v *viper.Viper) LiveConfig {
	return LiveConfig{
		ThreadPoolSize:    v.GetInt("fate.threadpool.size"),
		IdleCheckInterval: v.GetDuration("fate.idle.check_interval"),
	}
}

// Watch installs viper's file watcher and invokes onChange with a fresh
// LiveConfig snapshot whenever the underlying file changes, the hot-reload
// mechanism §6b calls for.
func Watch(v *viper.Viper, onChange func(LiveConfig)) {
	v.WatchConfig()
	v.OnConfigChange(func(_ fsnotify.Event) {
		onChange(Snapshot(v))
	})
}
