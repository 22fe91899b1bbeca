package veth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/easzlab/eztc/pkg/rules"
	"github.com/valyala/fasttemplate"
	"go.uber.org/zap"
)

// DefaultIflinkCommand reads the kernel link index of the container's primary interface.
var DefaultIflinkCommand = []string{"/bin/sh", "-c", "cat /sys/class/net/{{interface}}/iflink"}

// Execer runs a short-lived command inside a container and returns its stdout.
type Execer interface {
	Exec(ctx context.Context, container string, cmd []string) (string, error)
}

// Options configures a Resolver.
type Options struct {
	// Prefix filters host adapters by name, normally "veth".
	Prefix string
	// Interface is the container-side interface whose iflink is read.
	Interface string
	// Command is the iflink command; "{{interface}}" is substituted in every argument.
	Command []string
}

// Resolver maps rule targets to host-side adapters. Nothing is cached: adapters
// are recreated on every container restart.
type Resolver struct {
	execer  Execer
	lister  AdapterLister
	prefix  string
	command []string
	logger  *zap.Logger
}

// NewResolver creates a Resolver, rendering the iflink command template once.
func NewResolver(execer Execer, lister AdapterLister, opts Options, logger *zap.Logger) *Resolver {
	if opts.Prefix == "" {
		opts.Prefix = "veth"
	}
	if opts.Interface == "" {
		opts.Interface = "eth0"
	}
	if len(opts.Command) == 0 {
		opts.Command = DefaultIflinkCommand
	}

	vars := map[string]interface{}{"interface": opts.Interface}
	command := make([]string, len(opts.Command))
	for i, arg := range opts.Command {
		command[i] = fasttemplate.ExecuteString(arg, "{{", "}}", vars)
	}

	return &Resolver{
		execer:  execer,
		lister:  lister,
		prefix:  opts.Prefix,
		command: command,
		logger:  logger,
	}
}

// Resolve returns the adapter name for the target. Interface targets are returned
// unchanged; module targets go through the iflink/ifindex correlation.
func (r *Resolver) Resolve(ctx context.Context, targetType rules.TargetType, name string) (string, error) {
	switch targetType {
	case rules.TargetInterface:
		return name, nil
	case rules.TargetModule:
		return r.resolveContainer(ctx, name)
	default:
		return "", fmt.Errorf("%w: %s", rules.ErrUnknownTargetType, targetType)
	}
}

func (r *Resolver) resolveContainer(ctx context.Context, container string) (string, error) {
	iflink, err := r.readIflink(ctx, container)
	if err != nil {
		return "", &ResolutionError{Target: container, Reason: ExecFailed, Err: err}
	}
	r.logger.Debug("container iflink", zap.String("container", container), zap.Int("iflink", iflink))

	adapters, err := r.lister.ListAdapters(r.prefix)
	if err != nil {
		return "", &ResolutionError{Target: container, Reason: NotFound, Err: err}
	}

	for _, adapter := range adapters {
		if adapter.Index == iflink {
			r.logger.Debug("adapter found",
				zap.String("container", container),
				zap.String("adapter", adapter.Name),
				zap.Int("iflink", iflink),
			)
			return adapter.Name, nil
		}
	}

	return "", &ResolutionError{
		Target: container,
		Reason: NotFound,
		Err:    fmt.Errorf("no %s* adapter with ifindex %d", r.prefix, iflink),
	}
}

func (r *Resolver) readIflink(ctx context.Context, container string) (int, error) {
	output, err := r.execer.Exec(ctx, container, r.command)
	if err != nil {
		return 0, err
	}
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return 0, errors.New("empty iflink output")
	}
	iflink, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("unexpected iflink output %q: %w", trimmed, err)
	}
	return iflink, nil
}
