package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/spawngate/spawngate/internal/backend"
)

// Local is the BackendRuntime variant that spawns a backend as a child OS
// process in its own process group, so that a signal to the group leader
// reaches any children it forks (spec.md §9 "Graceful vs. forced
// termination").
type Local struct {
	// AdminPort is injected into every spawned process as part of
	// SERVERLESS_PROXY_READY_URL.
	AdminPort int
}

// NewLocal constructs a Local runtime that advertises the given admin port
// to spawned backends.
func NewLocal(adminPort int) *Local {
	return &Local{AdminPort: adminPort}
}

// LocalHandle is the live handle for a spawned local process.
type LocalHandle struct {
	hostname string
	cmd      *exec.Cmd

	mu      sync.Mutex
	exited  bool
	waitErr error
	done    chan struct{}
}

func (h *LocalHandle) String() string {
	pid := -1
	if h.cmd.Process != nil {
		pid = h.cmd.Process.Pid
	}
	return fmt.Sprintf("local[%s pid=%d]", h.hostname, pid)
}

func (l *Local) Start(ctx context.Context, cfg *backend.Config) (Handle, error) {
	lk, ok := cfg.Kind.(backend.LocalKind)
	if !ok {
		return nil, fmt.Errorf("runtime: local runtime given non-local config for %q", cfg.Hostname)
	}

	cmd := exec.Command(lk.Command, lk.Args...)
	cmd.Dir = lk.WorkingDir

	env := os.Environ()
	for k, v := range lk.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, fmt.Sprintf("PORT=%d", cfg.Port))
	env = append(env, "SERVERLESS_PROXY_READY_URL="+backend.ReadyURL(l.AdminPort, cfg.Hostname))
	cmd.Env = env

	// Own process group so SIGTERM/SIGKILL to the (negative) group id
	// reaches any children the backend forks, not just the leader.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("runtime: local stdout pipe for %q: %w", cfg.Hostname, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("runtime: local stderr pipe for %q: %w", cfg.Hostname, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("runtime: spawning %q: %w", cfg.Hostname, err)
	}

	h := &LocalHandle{hostname: cfg.Hostname, cmd: cmd, done: make(chan struct{})}

	go StreamLines(stdout, func(line string) {
		slog.Info(line, "hostname", cfg.Hostname, "stream", "stdout")
	})
	go StreamLines(stderr, func(line string) {
		slog.Warn(line, "hostname", cfg.Hostname, "stream", "stderr")
	})
	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.exited = true
		h.waitErr = err
		h.mu.Unlock()
		close(h.done)
	}()

	return h, nil
}

func (l *Local) TerminateGraceful(ctx context.Context, rh Handle) error {
	h, err := asLocal(rh)
	if err != nil {
		return err
	}
	if h.cmd.Process == nil {
		return nil
	}
	// Negative pid targets the whole process group (valid because Start
	// set Setpgid, making the group id equal the leader's pid).
	if err := syscall.Kill(-h.cmd.Process.Pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("runtime: SIGTERM %s: %w", h, err)
	}
	return nil
}

func (l *Local) TerminateForce(ctx context.Context, rh Handle) error {
	h, err := asLocal(rh)
	if err != nil {
		return err
	}
	if h.cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("runtime: SIGKILL %s: %w", h, err)
	}
	return nil
}

func (l *Local) IsAlive(ctx context.Context, rh Handle) bool {
	h, err := asLocal(rh)
	if err != nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func asLocal(rh Handle) (*LocalHandle, error) {
	h, ok := rh.(*LocalHandle)
	if !ok {
		return nil, fmt.Errorf("runtime: expected *LocalHandle, got %T", rh)
	}
	return h, nil
}
