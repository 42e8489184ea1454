// Package config loads runtime settings from TOML files.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Swind/goo-runtime/channel"
	"github.com/Swind/goo-runtime/core"
	"github.com/Swind/goo-runtime/supervisor"
	"github.com/Swind/goo-runtime/workdist"
)

type Config struct {
	Pool       PoolConfig
	Channel    ChannelConfig
	Supervisor SupervisorConfig
	Schedule   ScheduleConfig
	Log        LogConfig
	Metrics    MetricsConfig
}

type PoolConfig struct {
	Workers       int
	QueueCapacity int
}

type ChannelConfig struct {
	Capacity    int
	ElementSize int
	Timeout     time.Duration
	HighWater   int
	LowWater    int
}

type SupervisorConfig struct {
	Policy      supervisor.Policy
	MaxRestarts uint32
	TimeWindow  time.Duration
}

type ScheduleConfig struct {
	Strategy  workdist.Schedule
	ChunkSize int
}

type LogConfig struct {
	Level   string
	NoColor bool
}

type MetricsConfig struct {
	Addr         string
	Namespace    string
	PollInterval time.Duration
}

// Default returns the settings used when no file is given.
func Default() Config {
	sup := supervisor.DefaultConfig()
	return Config{
		Pool: PoolConfig{
			Workers:       4,
			QueueCapacity: core.DefaultQueueCapacity,
		},
		Channel: ChannelConfig{
			Capacity: 64,
		},
		Supervisor: SupervisorConfig{
			Policy:      sup.Policy,
			MaxRestarts: sup.MaxRestarts,
			TimeWindow:  sup.TimeWindow,
		},
		Schedule: ScheduleConfig{
			Strategy: workdist.Auto,
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Addr:         ":9090",
			Namespace:    "goo",
			PollInterval: 5 * time.Second,
		},
	}
}

type fileConfig struct {
	Pool struct {
		Workers       int `toml:"workers"`
		QueueCapacity int `toml:"queue_capacity"`
	} `toml:"pool"`
	Channel struct {
		Capacity    int    `toml:"capacity"`
		ElementSize int    `toml:"element_size"`
		Timeout     string `toml:"timeout"`
		HighWater   int    `toml:"high_water"`
		LowWater    int    `toml:"low_water"`
	} `toml:"channel"`
	Supervisor struct {
		Policy      string `toml:"policy"`
		MaxRestarts int64  `toml:"max_restarts"`
		TimeWindow  string `toml:"time_window"`
	} `toml:"supervisor"`
	Schedule struct {
		Strategy  string `toml:"strategy"`
		ChunkSize int    `toml:"chunk_size"`
	} `toml:"schedule"`
	Log struct {
		Level   string `toml:"level"`
		NoColor bool   `toml:"no_color"`
	} `toml:"log"`
	Metrics struct {
		Addr         string `toml:"addr"`
		Namespace    string `toml:"namespace"`
		PollInterval string `toml:"poll_interval"`
	} `toml:"metrics"`
}

// Load reads path and overlays every key it defines onto Default().
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return apply(meta, raw)
}

// Parse is Load for in-memory TOML.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return apply(meta, raw)
}

func apply(meta toml.MetaData, raw fileConfig) (Config, error) {
	cfg := Default()

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%w: unknown keys %s", core.ErrConfiguration, strings.Join(keys, ", "))
	}

	if meta.IsDefined("pool", "workers") {
		cfg.Pool.Workers = raw.Pool.Workers
	}
	if meta.IsDefined("pool", "queue_capacity") {
		cfg.Pool.QueueCapacity = raw.Pool.QueueCapacity
	}

	if meta.IsDefined("channel", "capacity") {
		cfg.Channel.Capacity = raw.Channel.Capacity
	}
	if meta.IsDefined("channel", "element_size") {
		cfg.Channel.ElementSize = raw.Channel.ElementSize
	}
	if meta.IsDefined("channel", "timeout") {
		d, err := parseDuration("channel.timeout", raw.Channel.Timeout)
		if err != nil {
			return Config{}, err
		}
		cfg.Channel.Timeout = d
	}
	if meta.IsDefined("channel", "high_water") {
		cfg.Channel.HighWater = raw.Channel.HighWater
	}
	if meta.IsDefined("channel", "low_water") {
		cfg.Channel.LowWater = raw.Channel.LowWater
	}

	if meta.IsDefined("supervisor", "policy") {
		p, err := supervisor.ParsePolicy(raw.Supervisor.Policy)
		if err != nil {
			return Config{}, err
		}
		cfg.Supervisor.Policy = p
	}
	if meta.IsDefined("supervisor", "max_restarts") {
		if raw.Supervisor.MaxRestarts < 0 || raw.Supervisor.MaxRestarts > int64(^uint32(0)) {
			return Config{}, fmt.Errorf("%w: supervisor.max_restarts out of range: %d",
				core.ErrConfiguration, raw.Supervisor.MaxRestarts)
		}
		cfg.Supervisor.MaxRestarts = uint32(raw.Supervisor.MaxRestarts)
	}
	if meta.IsDefined("supervisor", "time_window") {
		d, err := parseDuration("supervisor.time_window", raw.Supervisor.TimeWindow)
		if err != nil {
			return Config{}, err
		}
		cfg.Supervisor.TimeWindow = d
	}

	if meta.IsDefined("schedule", "strategy") {
		s, err := workdist.ParseSchedule(raw.Schedule.Strategy)
		if err != nil {
			return Config{}, err
		}
		cfg.Schedule.Strategy = s
	}
	if meta.IsDefined("schedule", "chunk_size") {
		cfg.Schedule.ChunkSize = raw.Schedule.ChunkSize
	}

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(raw.Log.Level))
	}
	if meta.IsDefined("log", "no_color") {
		cfg.Log.NoColor = raw.Log.NoColor
	}

	if meta.IsDefined("metrics", "addr") {
		cfg.Metrics.Addr = strings.TrimSpace(raw.Metrics.Addr)
	}
	if meta.IsDefined("metrics", "namespace") {
		cfg.Metrics.Namespace = strings.TrimSpace(raw.Metrics.Namespace)
	}
	if meta.IsDefined("metrics", "poll_interval") {
		d, err := parseDuration("metrics.poll_interval", raw.Metrics.PollInterval)
		if err != nil {
			return Config{}, err
		}
		cfg.Metrics.PollInterval = d
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %w", core.ErrConfiguration, key, err)
	}
	return d, nil
}

// Validate reports inconsistent settings as core.ErrConfiguration.
func (c Config) Validate() error {
	var problems []string
	if c.Pool.Workers < 1 {
		problems = append(problems, fmt.Sprintf("pool.workers must be at least 1, got %d", c.Pool.Workers))
	}
	if c.Pool.QueueCapacity < 1 {
		problems = append(problems, fmt.Sprintf("pool.queue_capacity must be at least 1, got %d", c.Pool.QueueCapacity))
	}
	if c.Channel.Capacity < 0 || c.Channel.Capacity > channel.MaxCapacity {
		problems = append(problems, fmt.Sprintf("channel.capacity out of range: %d", c.Channel.Capacity))
	}
	if c.Channel.ElementSize < 0 {
		problems = append(problems, fmt.Sprintf("channel.element_size is negative: %d", c.Channel.ElementSize))
	}
	if c.Channel.Timeout < 0 {
		problems = append(problems, "channel.timeout is negative")
	}
	if c.Channel.HighWater > c.Channel.Capacity {
		problems = append(problems, fmt.Sprintf("channel.high_water %d exceeds capacity %d",
			c.Channel.HighWater, c.Channel.Capacity))
	}
	if c.Channel.HighWater > 0 && (c.Channel.LowWater < 0 || c.Channel.LowWater >= c.Channel.HighWater) {
		problems = append(problems, fmt.Sprintf("channel.low_water %d must be below high_water %d",
			c.Channel.LowWater, c.Channel.HighWater))
	}
	if c.Supervisor.TimeWindow <= 0 {
		problems = append(problems, "supervisor.time_window must be positive")
	}
	if c.Schedule.ChunkSize < 0 {
		problems = append(problems, fmt.Sprintf("schedule.chunk_size is negative: %d", c.Schedule.ChunkSize))
	}
	if c.Metrics.PollInterval <= 0 {
		problems = append(problems, "metrics.poll_interval must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", core.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// SchedulerConfig builds the pool's scheduler settings around logger.
func (c Config) SchedulerConfig(logger core.Logger) *core.TaskSchedulerConfig {
	sc := core.DefaultTaskSchedulerConfig()
	sc.QueueCapacity = c.Pool.QueueCapacity
	sc.Logger = logger
	sc.ErrorSink = &core.LogErrorSink{Logger: logger}
	sc.RejectedTaskHandler = &core.LogRejectedTaskHandler{Logger: logger}
	return sc
}

// ChannelOptions turns the [channel] section into channel options.
func (c Config) ChannelOptions() []channel.Option {
	var opts []channel.Option
	if c.Channel.Timeout > 0 {
		opts = append(opts, channel.WithTimeout(c.Channel.Timeout))
	}
	if c.Channel.HighWater > 0 {
		opts = append(opts, channel.WithWaterMarks(c.Channel.HighWater, c.Channel.LowWater))
	}
	return opts
}

func (c Config) SupervisorConfig() supervisor.Config {
	cfg := supervisor.DefaultConfig()
	cfg.Policy = c.Supervisor.Policy
	cfg.MaxRestarts = c.Supervisor.MaxRestarts
	cfg.TimeWindow = c.Supervisor.TimeWindow
	return cfg
}

// Distribution returns a workdist config for [start, end) using the
// [schedule] section and the pool's worker count.
func (c Config) Distribution(start, end, step uint64) workdist.Config {
	return workdist.Config{
		Start:     start,
		End:       end,
		Step:      step,
		Schedule:  c.Schedule.Strategy,
		ChunkSize: c.Schedule.ChunkSize,
		Workers:   c.Pool.Workers,
	}
}

// Logger builds the console logger for component from the [log] section.
func (c Config) Logger(component string) core.Logger {
	return core.NewZerologLogger(component, core.LogOptions{Level: c.Log.Level, NoColor: c.Log.NoColor})
}
