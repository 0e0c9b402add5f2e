package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"

	"github.com/spawngate/spawngate/internal/backend"
)

// Docker is the BackendRuntime variant that runs a backend as a Docker
// container via the Docker Engine API, honoring pull_policy, publishing
// 127.0.0.1:port -> port/tcp, and applying memory/cpu limits (spec.md §4.3
// and §4.2 start_task step 2).
type Docker struct {
	AdminPort int
}

// NewDocker constructs a Docker runtime that advertises the given admin
// port to spawned containers.
func NewDocker(adminPort int) *Docker {
	return &Docker{AdminPort: adminPort}
}

// ContainerHandle is the live handle for a started container.
type ContainerHandle struct {
	hostname    string
	containerID string
	dockerHost  string
}

func (h *ContainerHandle) String() string {
	return fmt.Sprintf("container[%s id=%s]", h.hostname, shortID(h.containerID))
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func newClient(dockerHost string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	}
	return client.NewClientWithOpts(opts...)
}

func (d *Docker) Start(ctx context.Context, cfg *backend.Config) (Handle, error) {
	ck, ok := cfg.Kind.(backend.ContainerKind)
	if !ok {
		return nil, fmt.Errorf("runtime: docker runtime given non-container config for %q", cfg.Hostname)
	}

	cli, err := newClient(ck.DockerHost)
	if err != nil {
		return nil, fmt.Errorf("runtime: docker client for %q: %w", cfg.Hostname, err)
	}
	defer cli.Close()

	if err := d.ensureImage(ctx, cli, ck); err != nil {
		return nil, err
	}

	portKey, err := nat.NewPort("tcp", fmt.Sprintf("%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("runtime: invalid port for %q: %w", cfg.Hostname, err)
	}

	env := make([]string, 0, len(ck.Env)+2)
	for k, v := range ck.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, fmt.Sprintf("PORT=%d", cfg.Port))
	env = append(env, "SERVERLESS_PROXY_READY_URL="+backend.ReadyURL(d.AdminPort, cfg.Hostname))

	resources, err := containerResources(ck)
	if err != nil {
		return nil, fmt.Errorf("runtime: resource limits for %q: %w", cfg.Hostname, err)
	}

	containerConfig := &container.Config{
		Image:        ck.Image,
		Cmd:          ck.Args,
		Env:          env,
		ExposedPorts: nat.PortSet{portKey: struct{}{}},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			portKey: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", cfg.Port)}},
		},
		Resources:   resources,
		NetworkMode: container.NetworkMode(ck.Network),
		AutoRemove:  false,
	}

	name := ck.ContainerName
	if name == "" {
		name = "spawngate-" + cfg.Hostname
	}

	created, err := cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("runtime: creating container for %q: %w", cfg.Hostname, err)
	}

	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("runtime: starting container for %q: %w", cfg.Hostname, err)
	}

	h := &ContainerHandle{hostname: cfg.Hostname, containerID: created.ID, dockerHost: ck.DockerHost}
	d.attachLogs(cfg.Hostname, created.ID, ck.DockerHost)
	return h, nil
}

// ensureImage honors cfg.Kind.PullPolicy: IfNotPresent pulls only when the
// image is missing locally, Always pulls unconditionally, Never errors if
// the image is missing.
func (d *Docker) ensureImage(ctx context.Context, cli *client.Client, ck backend.ContainerKind) error {
	policy := ck.PullPolicy
	if policy == "" {
		policy = backend.PullIfNotPresent
	}

	switch policy {
	case backend.PullAlways:
		return pullImage(ctx, cli, ck.Image)
	case backend.PullNever:
		if _, err := cli.ImageInspect(ctx, ck.Image); err != nil {
			if errdefs.IsNotFound(err) {
				return fmt.Errorf("runtime: image %q not present locally and pull_policy=never", ck.Image)
			}
			return fmt.Errorf("runtime: inspecting image %q: %w", ck.Image, err)
		}
		return nil
	case backend.PullIfNotPresent:
		if _, err := cli.ImageInspect(ctx, ck.Image); err == nil {
			return nil
		} else if !errdefs.IsNotFound(err) {
			return fmt.Errorf("runtime: inspecting image %q: %w", ck.Image, err)
		}
		return pullImage(ctx, cli, ck.Image)
	default:
		return fmt.Errorf("runtime: unknown pull_policy %q", policy)
	}
}

func pullImage(ctx context.Context, cli *client.Client, ref string) error {
	rc, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("runtime: pulling image %q: %w", ref, err)
	}
	defer rc.Close()
	// Drain the pull progress stream; its contents are not surfaced.
	_, _ = io.Copy(io.Discard, rc)
	return nil
}

func containerResources(ck backend.ContainerKind) (container.Resources, error) {
	var r container.Resources
	if ck.Memory != "" {
		bytes, err := units.RAMInBytes(ck.Memory)
		if err != nil {
			return r, fmt.Errorf("invalid memory %q: %w", ck.Memory, err)
		}
		r.Memory = bytes
	}
	if ck.CPUs != "" {
		cpus, err := units.ParseDecimal(ck.CPUs)
		if err != nil {
			// ParseDecimal expects a trailing unit; CPUs are unit-less, so
			// fall back to a plain float parse for the common "0.5" form.
			var f float64
			if _, scanErr := fmt.Sscanf(ck.CPUs, "%f", &f); scanErr != nil {
				return r, fmt.Errorf("invalid cpus %q: %w", ck.CPUs, err)
			}
			r.NanoCPUs = int64(f * 1e9)
			return r, nil
		}
		r.NanoCPUs = int64(cpus * 1e9)
	}
	return r, nil
}

func (d *Docker) attachLogs(hostname, containerID, dockerHost string) {
	go func() {
		cli, err := newClient(dockerHost)
		if err != nil {
			slog.Warn("runtime: docker logs: client init failed", "hostname", hostname, "error", err)
			return
		}
		defer cli.Close()

		rc, err := cli.ContainerLogs(context.Background(), containerID, container.LogsOptions{
			ShowStdout: true, ShowStderr: true, Follow: true,
		})
		if err != nil {
			slog.Warn("runtime: docker logs: attach failed", "hostname", hostname, "error", err)
			return
		}
		defer rc.Close()

		outR, outW := io.Pipe()
		errR, errW := io.Pipe()
		go func() {
			_, _ = stdcopy.StdCopy(outW, errW, rc)
			outW.Close()
			errW.Close()
		}()
		go StreamLines(outR, func(line string) {
			slog.Info(line, "hostname", hostname, "stream", "stdout")
		})
		StreamLines(errR, func(line string) {
			slog.Warn(line, "hostname", hostname, "stream", "stderr")
		})
	}()
}

func (d *Docker) TerminateGraceful(ctx context.Context, rh Handle) error {
	h, err := asContainer(rh)
	if err != nil {
		return err
	}
	cli, err := newClient(h.dockerHost)
	if err != nil {
		return err
	}
	defer cli.Close()
	// ContainerKill delivers the signal and returns immediately, matching
	// spec.md §4.3's "non-blocking initiation" contract. ContainerStop is
	// deliberately not used here: it blocks and eventually kills on its own
	// timeout, double-applying the drain logic the lifecycle controller
	// already owns (spec.md §9).
	if err := cli.ContainerKill(ctx, h.containerID, "SIGTERM"); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("runtime: SIGTERM %s: %w", h, err)
	}
	return nil
}

func (d *Docker) TerminateForce(ctx context.Context, rh Handle) error {
	h, err := asContainer(rh)
	if err != nil {
		return err
	}
	cli, err := newClient(h.dockerHost)
	if err != nil {
		return err
	}
	defer cli.Close()

	if err := cli.ContainerKill(ctx, h.containerID, "SIGKILL"); err != nil && !errdefs.IsNotFound(err) {
		slog.Warn("runtime: SIGKILL failed", "container", h, "error", err)
	}
	if err := cli.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("runtime: removing %s: %w", h, err)
	}
	return nil
}

func (d *Docker) IsAlive(ctx context.Context, rh Handle) bool {
	h, err := asContainer(rh)
	if err != nil {
		return false
	}
	cli, err := newClient(h.dockerHost)
	if err != nil {
		return false
	}
	defer cli.Close()

	info, err := cli.ContainerInspect(ctx, h.containerID)
	if err != nil {
		return false
	}
	return info.State != nil && info.State.Running
}

func asContainer(rh Handle) (*ContainerHandle, error) {
	h, ok := rh.(*ContainerHandle)
	if !ok {
		return nil, fmt.Errorf("runtime: expected *ContainerHandle, got %T", rh)
	}
	return h, nil
}
