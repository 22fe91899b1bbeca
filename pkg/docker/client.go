package docker

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/easzlab/eztc/pkg/lifecycle"
	"github.com/easzlab/eztc/pkg/veth"
	"go.uber.org/zap"
)

var (
	_ veth.Execer           = (*Client)(nil)
	_ lifecycle.EventSource = (*Client)(nil)
)

// Client talks to the Docker Engine API for container exec and lifecycle events.
type Client struct {
	api    *client.Client
	logger *zap.Logger
}

// NewClient connects to host, or to DOCKER_HOST / the default socket when host is empty.
func NewClient(host string, logger *zap.Logger) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	logger.Info("docker client initialized", zap.String("host", api.DaemonHost()))
	return &Client{api: api, logger: logger}, nil
}

// Close releases the underlying transport.
func (c *Client) Close() error {
	return c.api.Close()
}

// Exec runs cmd inside the container and returns its stdout. A non-zero exit
// status is an error carrying the command's stderr.
func (c *Client) Exec(ctx context.Context, name string, cmd []string) (string, error) {
	created, err := c.api.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("%s: %w", name, veth.ErrContainerNotFound)
		}
		return "", fmt.Errorf("failed to create exec in %s: %w", name, err)
	}

	attached, err := c.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to attach exec in %s: %w", name, err)
	}
	defer attached.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attached.Reader); err != nil {
		return "", fmt.Errorf("failed to read exec output in %s: %w", name, err)
	}

	inspected, err := c.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect exec in %s: %w", name, err)
	}
	if inspected.ExitCode != 0 {
		return "", fmt.Errorf("command %q in %s exited with %d: %s",
			strings.Join(cmd, " "), name, inspected.ExitCode, strings.TrimSpace(stderr.String()))
	}

	c.logger.Debug("exec finished",
		zap.String("container", name),
		zap.Strings("cmd", cmd),
		zap.String("stdout", stdout.String()),
	)
	return stdout.String(), nil
}

// Events streams container lifecycle events until ctx is cancelled or the daemon
// connection fails.
func (c *Client) Events(ctx context.Context) (<-chan lifecycle.Event, <-chan error) {
	messages, apiErrs := c.api.Events(ctx, events.ListOptions{
		Filters: filters.NewArgs(filters.Arg("type", string(events.ContainerEventType))),
	})

	out := make(chan lifecycle.Event)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-apiErrs:
				if !ok {
					return
				}
				errs <- fmt.Errorf("docker event stream: %w", err)
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				event, ok := eventFromMessage(msg)
				if !ok {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, errs
}

// eventFromMessage converts a container event; other event types are dropped.
func eventFromMessage(msg events.Message) (lifecycle.Event, bool) {
	if msg.Type != events.ContainerEventType {
		return lifecycle.Event{}, false
	}
	return lifecycle.Event{
		Status: string(msg.Action),
		Name:   msg.Actor.Attributes["name"],
	}, true
}
