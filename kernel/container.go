package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// containerRuntime abstracts the container backend so the manager can be
// tested without a daemon.
type containerRuntime interface {
	// Available reports whether the backend can run containers.
	Available(ctx context.Context) error
	// Start launches the kernel container and returns its id and base URL.
	Start(ctx context.Context, cfg Config) (id, baseURL string, err error)
	// Stop stops and removes the container.
	Stop(ctx context.Context, id string) error
}

// kernelContainerPort is the port the kernel listens on inside the image.
const kernelContainerPort = "8400/tcp"

// dockerRuntime runs the kernel via the Docker Engine API.
type dockerRuntime struct {
	logger *slog.Logger

	once sync.Once
	cli  *client.Client
	err  error
}

func (d *dockerRuntime) connect() (*client.Client, error) {
	d.once.Do(func() {
		d.cli, d.err = client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	})
	return d.cli, d.err
}

func (d *dockerRuntime) Available(ctx context.Context) error {
	cli, err := d.connect()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err = cli.Ping(ctx)
	return err
}

func (d *dockerRuntime) Start(ctx context.Context, cfg Config) (string, string, error) {
	cli, err := d.connect()
	if err != nil {
		return "", "", err
	}
	hostPort, err := freePort()
	if err != nil {
		return "", "", fmt.Errorf("pick host port: %w", err)
	}

	containerCfg := &container.Config{
		Image:        cfg.Image,
		ExposedPorts: nat.PortSet{kernelContainerPort: struct{}{}},
		Healthcheck: &container.HealthConfig{
			Test:     []string{"CMD-SHELL", "wget -q -O- http://127.0.0.1:8400/health || exit 1"},
			Interval: 10 * time.Second,
			Retries:  3,
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			kernelContainerPort: []nat.PortBinding{{
				HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort),
			}},
		},
		Resources: container.Resources{
			Memory:   cfg.MemoryBytes,
			NanoCPUs: int64(cfg.CPUs * 1e9),
		},
		// The kernel reaches the host only through the callback server;
		// outbound DNS is pointed nowhere.
		DNS:        []string{"0.0.0.0"},
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
	}
	if cfg.Workspace != "" {
		hostCfg.Binds = []string{cfg.Workspace + ":/workspace"}
	}

	created, err := cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", "", fmt.Errorf("create container: %w", err)
	}
	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return "", "", fmt.Errorf("start container: %w", err)
	}
	d.logger.Debug("kernel container started", "id", created.ID[:12], "port", hostPort)
	return created.ID, "http://127.0.0.1:" + strconv.Itoa(hostPort), nil
}

func (d *dockerRuntime) Stop(ctx context.Context, id string) error {
	cli, err := d.connect()
	if err != nil {
		return err
	}
	stopTimeout := 10
	if err := cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		d.logger.Warn("container stop failed, forcing removal", "err", err)
	}
	return cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}
