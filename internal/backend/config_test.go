package backend_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/spawngate/spawngate/internal/backend"
)

func validConfig() *backend.Config {
	return &backend.Config{
		Hostname:            "api.local",
		Kind:                backend.LocalKind{Command: "./run.sh"},
		Port:                8080,
		IdleTimeout:         time.Minute,
		StartupTimeout:      10 * time.Second,
		RequestTimeout:      10 * time.Second,
		DrainTimeout:        10 * time.Second,
		ShutdownGrace:       5 * time.Second,
		HealthCheckInterval: time.Second,
		ReadyHealthInterval: 5 * time.Second,
		UnhealthyThreshold:  3,
	}
}

func TestConfig_ValidateOK(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "/health", cfg.HealthPath, "HealthPath should default when empty")
}

func TestConfig_ValidateRejectsEmptyHostname(t *testing.T) {
	cfg := validConfig()
	cfg.Hostname = ""
	assert.Error(t, cfg.Validate())
}

func TestConfig_ValidateRejectsBadPort(t *testing.T) {
	cfg := validConfig()
	cfg.Port = 0
	assert.Error(t, cfg.Validate())
}

func TestConfig_ValidateRejectsNonPositiveDurations(t *testing.T) {
	cfg := validConfig()
	cfg.IdleTimeout = 0
	assert.Error(t, cfg.Validate())
}

func TestConfig_ValidateRejectsZeroThreshold(t *testing.T) {
	cfg := validConfig()
	cfg.UnhealthyThreshold = 0
	assert.Error(t, cfg.Validate())
}

func TestConfig_ValidateRejectsEmptyLocalCommand(t *testing.T) {
	cfg := validConfig()
	cfg.Kind = backend.LocalKind{}
	assert.Error(t, cfg.Validate())
}

func TestConfig_ValidateRejectsEmptyContainerImage(t *testing.T) {
	cfg := validConfig()
	cfg.Kind = backend.ContainerKind{}
	assert.Error(t, cfg.Validate())
}

func TestReadyURL(t *testing.T) {
	got := backend.ReadyURL(9090, "api.local")
	assert.Equal(t, "http://127.0.0.1:9090/ready/api.local", got)
}
