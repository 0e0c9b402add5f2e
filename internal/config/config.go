// Package config loads and hot-reloads the Spawngate TOML configuration
// via Viper, producing the fully-resolved backend config set plus
// server-level fields spec.md §6 calls the "configuration contract."
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/spawngate/spawngate/internal/backend"
)

// backendCfg is the TOML representation of one [[backend]] table.
type backendCfg struct {
	Hostname string `mapstructure:"hostname"`
	Port     int    `mapstructure:"port"`

	IdleTimeout         string `mapstructure:"idle_timeout"`
	StartupTimeout      string `mapstructure:"startup_timeout"`
	RequestTimeout      string `mapstructure:"request_timeout"`
	DrainTimeout        string `mapstructure:"drain_timeout"`
	ShutdownGrace       string `mapstructure:"shutdown_grace"`
	HealthCheckInterval string `mapstructure:"health_check_interval"`
	ReadyHealthInterval string `mapstructure:"ready_health_interval"`
	HealthPath          string `mapstructure:"health_path"`
	UnhealthyThreshold  int    `mapstructure:"unhealthy_threshold"`

	Local     *localCfg     `mapstructure:"local"`
	Container *containerCfg `mapstructure:"container"`
}

type localCfg struct {
	Command    string            `mapstructure:"command"`
	Args       []string          `mapstructure:"args"`
	WorkingDir string            `mapstructure:"working_dir"`
	Env        map[string]string `mapstructure:"env"`
}

type containerCfg struct {
	Image         string            `mapstructure:"image"`
	Args          []string          `mapstructure:"args"`
	Env           map[string]string `mapstructure:"env"`
	PullPolicy    string            `mapstructure:"pull_policy"`
	ContainerName string            `mapstructure:"container_name"`
	Memory        string            `mapstructure:"memory"`
	CPUs          string            `mapstructure:"cpus"`
	Network       string            `mapstructure:"network"`
	DockerHost    string            `mapstructure:"docker_host"`
}

// adminCfg controls the admin HTTP server (spec.md §6 admin collaborator).
type adminCfg struct {
	Port      int    `mapstructure:"port"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// rawConfig is the top-level TOML document.
type rawConfig struct {
	Bind               string       `mapstructure:"bind"`
	Port               int          `mapstructure:"port"`
	PoolMaxIdlePerHost int          `mapstructure:"pool_max_idle_per_host"`
	PoolIdleTimeout    string       `mapstructure:"pool_idle_timeout"`
	Admin              adminCfg     `mapstructure:"admin"`
	Backends           []backendCfg `mapstructure:"backend"`
}

// ResolvedConfig is the fully-resolved configuration contract of spec.md §6:
// per-host BackendConfig records plus the server-level fields.
type ResolvedConfig struct {
	Bind               string
	Port               int
	AdminPort          int
	AdminJWTSecret     string
	PoolMaxIdlePerHost int
	PoolIdleTimeout    time.Duration

	Backends map[string]*backend.Config
}

// Load reads and parses the TOML file at path using Viper, returning the
// resolved config and the Viper instance (needed by Watch for hot-reload).
func Load(path string) (ResolvedConfig, *viper.Viper, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return ResolvedConfig{}, nil, fmt.Errorf("config: reading %q: %w", path, err)
	}
	cfg, err := resolve(v)
	if err != nil {
		return ResolvedConfig{}, nil, err
	}
	return cfg, v, nil
}

// Watch registers onChange to fire with a freshly resolved ResolvedConfig
// whenever the TOML file is saved. Invalid reloads are logged and skipped,
// leaving the previous config active (spec.md §6 reload contract).
func Watch(v *viper.Viper, onChange func(ResolvedConfig)) {
	v.WatchConfig()
	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := resolve(v)
		if err != nil {
			slog.Error("config: hot-reload failed, keeping previous config", "error", err)
			return
		}
		slog.Info("config: hot-reloaded", "backends", len(cfg.Backends))
		onChange(cfg)
	})
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	v.SetDefault("bind", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("pool_max_idle_per_host", 16)
	v.SetDefault("pool_idle_timeout", "90s")
	v.SetDefault("admin.port", 9090)

	v.SetDefault("backend.idle_timeout", "5m")
	v.SetDefault("backend.startup_timeout", "30s")
	v.SetDefault("backend.request_timeout", "30s")
	v.SetDefault("backend.drain_timeout", "30s")
	v.SetDefault("backend.shutdown_grace", "10s")
	v.SetDefault("backend.health_check_interval", "500ms")
	v.SetDefault("backend.ready_health_interval", "5s")
	v.SetDefault("backend.health_path", "/health")
	v.SetDefault("backend.unhealthy_threshold", 3)

	return v
}

func resolve(v *viper.Viper) (ResolvedConfig, error) {
	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return ResolvedConfig{}, fmt.Errorf("config: parsing: %w", err)
	}
	if len(raw.Backends) == 0 {
		return ResolvedConfig{}, fmt.Errorf("config: at least one [[backend]] must be defined")
	}

	poolIdleTimeout, err := time.ParseDuration(orDefault(raw.PoolIdleTimeout, "90s"))
	if err != nil {
		return ResolvedConfig{}, fmt.Errorf("config: pool_idle_timeout: %w", err)
	}

	resolved := ResolvedConfig{
		Bind:               raw.Bind,
		Port:               raw.Port,
		AdminPort:          raw.Admin.Port,
		AdminJWTSecret:     raw.Admin.JWTSecret,
		PoolMaxIdlePerHost: raw.PoolMaxIdlePerHost,
		PoolIdleTimeout:    poolIdleTimeout,
		Backends:           make(map[string]*backend.Config, len(raw.Backends)),
	}

	for i, b := range raw.Backends {
		cfg, err := resolveBackend(b)
		if err != nil {
			return ResolvedConfig{}, fmt.Errorf("config: backend[%d]: %w", i, err)
		}
		if _, dup := resolved.Backends[cfg.Hostname]; dup {
			return ResolvedConfig{}, fmt.Errorf("config: duplicate hostname %q", cfg.Hostname)
		}
		resolved.Backends[cfg.Hostname] = cfg
	}

	return resolved, nil
}

func resolveBackend(b backendCfg) (*backend.Config, error) {
	durations, err := parseDurations(b)
	if err != nil {
		return nil, err
	}

	var kind backend.Kind
	switch {
	case b.Local != nil && b.Container != nil:
		return nil, fmt.Errorf("backend %q: exactly one of [local] or [container] is allowed", b.Hostname)
	case b.Local != nil:
		kind = backend.LocalKind{
			Command:    b.Local.Command,
			Args:       b.Local.Args,
			WorkingDir: b.Local.WorkingDir,
			Env:        b.Local.Env,
		}
	case b.Container != nil:
		kind = backend.ContainerKind{
			Image:         b.Container.Image,
			Args:          b.Container.Args,
			Env:           b.Container.Env,
			PullPolicy:    backend.PullPolicy(b.Container.PullPolicy),
			ContainerName: b.Container.ContainerName,
			Memory:        b.Container.Memory,
			CPUs:          b.Container.CPUs,
			Network:       b.Container.Network,
			DockerHost:    b.Container.DockerHost,
		}
	default:
		return nil, fmt.Errorf("backend %q: one of [local] or [container] is required", b.Hostname)
	}

	cfg := &backend.Config{
		Hostname:            b.Hostname,
		Kind:                kind,
		Port:                b.Port,
		IdleTimeout:         durations.idle,
		StartupTimeout:      durations.startup,
		RequestTimeout:      durations.request,
		DrainTimeout:        durations.drain,
		ShutdownGrace:       durations.grace,
		HealthCheckInterval: durations.healthCheck,
		ReadyHealthInterval: durations.readyHealth,
		HealthPath:          b.HealthPath,
		UnhealthyThreshold:  b.UnhealthyThreshold,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type parsedDurations struct {
	idle, startup, request, drain, grace, healthCheck, readyHealth time.Duration
}

func parseDurations(b backendCfg) (parsedDurations, error) {
	var out parsedDurations
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"idle_timeout", b.IdleTimeout, &out.idle},
		{"startup_timeout", b.StartupTimeout, &out.startup},
		{"request_timeout", b.RequestTimeout, &out.request},
		{"drain_timeout", b.DrainTimeout, &out.drain},
		{"shutdown_grace", b.ShutdownGrace, &out.grace},
		{"health_check_interval", b.HealthCheckInterval, &out.healthCheck},
		{"ready_health_interval", b.ReadyHealthInterval, &out.readyHealth},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return out, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = d
	}
	return out, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
