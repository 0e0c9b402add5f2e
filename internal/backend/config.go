// Package backend holds the data model shared by the router, the lifecycle
// controller and the forwarder: backend configuration snapshots, the state
// machine, and the per-host handle that ties them together.
package backend

import (
	"fmt"
	"time"
)

// PullPolicy controls when a Container backend's image is pulled before
// start.
type PullPolicy string

const (
	PullAlways      PullPolicy = "always"
	PullNever       PullPolicy = "never"
	PullIfNotPresent PullPolicy = "if_not_present"
)

// Kind distinguishes how a backend is spawned. Exactly one of LocalKind or
// ContainerKind populates a Config.
type Kind interface {
	kind() string
}

// LocalKind spawns the backend as a child OS process.
type LocalKind struct {
	Command    string
	Args       []string
	WorkingDir string
	Env        map[string]string
}

func (LocalKind) kind() string { return "local" }

// ContainerKind spawns the backend as a Docker container.
type ContainerKind struct {
	Image         string
	Args          []string
	Env           map[string]string
	PullPolicy    PullPolicy
	ContainerName string
	Memory        string // e.g. "512m", parsed by internal/runtime via go-units
	CPUs          string // e.g. "0.5"
	Network       string
	DockerHost    string
}

func (ContainerKind) kind() string { return "container" }

// Config is an immutable snapshot of one host's backend configuration.
// Replaced atomically on reload; never mutated in place.
type Config struct {
	Hostname string
	Kind     Kind
	Port     int

	IdleTimeout         time.Duration
	StartupTimeout      time.Duration
	RequestTimeout      time.Duration
	DrainTimeout        time.Duration
	ShutdownGrace       time.Duration
	HealthCheckInterval time.Duration
	ReadyHealthInterval time.Duration

	HealthPath         string
	UnhealthyThreshold int
}

// Validate checks the invariants spec.md §3 requires of a BackendConfig.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return fmt.Errorf("backend config: hostname must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("backend config %q: invalid port %d", c.Hostname, c.Port)
	}
	for name, d := range map[string]time.Duration{
		"idle_timeout":           c.IdleTimeout,
		"startup_timeout":        c.StartupTimeout,
		"request_timeout":        c.RequestTimeout,
		"drain_timeout":          c.DrainTimeout,
		"shutdown_grace":         c.ShutdownGrace,
		"health_check_interval":  c.HealthCheckInterval,
		"ready_health_interval":  c.ReadyHealthInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("backend config %q: %s must be positive, got %s", c.Hostname, name, d)
		}
	}
	if c.UnhealthyThreshold < 1 {
		return fmt.Errorf("backend config %q: unhealthy_threshold must be >= 1", c.Hostname)
	}
	if c.HealthPath == "" {
		c.HealthPath = "/health"
	}
	switch k := c.Kind.(type) {
	case LocalKind:
		if k.Command == "" {
			return fmt.Errorf("backend config %q: local.command must not be empty", c.Hostname)
		}
	case ContainerKind:
		if k.Image == "" {
			return fmt.Errorf("backend config %q: container.image must not be empty", c.Hostname)
		}
	default:
		return fmt.Errorf("backend config %q: unknown kind", c.Hostname)
	}
	return nil
}

// ReadyURL returns the SERVERLESS_PROXY_READY_URL injected into the backend
// environment (spec.md §6).
func ReadyURL(adminPort int, hostname string) string {
	return fmt.Sprintf("http://127.0.0.1:%d/ready/%s", adminPort, hostname)
}
