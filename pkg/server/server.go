package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/easzlab/eztc/pkg/api"
	"github.com/easzlab/eztc/pkg/config"
	"github.com/easzlab/eztc/pkg/desiredstate"
	"github.com/easzlab/eztc/pkg/docker"
	"github.com/easzlab/eztc/pkg/lifecycle"
	"github.com/easzlab/eztc/pkg/reconciler"
	"github.com/easzlab/eztc/pkg/rules"
	"github.com/easzlab/eztc/pkg/shaper"
	"github.com/easzlab/eztc/pkg/veth"
	"go.uber.org/zap"
)

// Options tunes how the Server is assembled.
type Options struct {
	// DryRun records shaping calls instead of running the shaping tool.
	DryRun bool
	// Level is adjusted when global.log_level changes. Optional.
	Level *zap.AtomicLevel
}

// Deps are the host-facing collaborators of the Server.
type Deps struct {
	Execer  veth.Execer
	Events  lifecycle.EventSource
	Lister  veth.AdapterLister
	Backend shaper.Backend
	Closer  func() error
}

// Server coordinates all modules and manages the overall service lifecycle.
type Server struct {
	configMgr *config.Manager
	store     *rules.Store
	resolver  *veth.Resolver
	sync      *desiredstate.Sync
	watcher   *lifecycle.Watcher
	events    lifecycle.EventSource
	closer    func() error
	level     *zap.AtomicLevel
	logger    *zap.Logger
}

// NewServer initializes all modules and returns a ready-to-run Server.
func NewServer(configPath string, opts Options, logger *zap.Logger) (*Server, error) {
	configMgr, err := config.NewManager(configPath, logger.Named("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}
	cfg := configMgr.GetConfig()

	dockerClient, err := docker.NewClient(cfg.Docker.Host, logger.Named("docker"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize docker client: %w", err)
	}

	lister, err := newAdapterLister(cfg.Resolver)
	if err != nil {
		dockerClient.Close()
		return nil, err
	}

	var backend shaper.Backend
	if opts.DryRun {
		logger.Warn("dry-run mode, shaping tool will not be invoked")
		backend = shaper.NewFakeBackend(logger.Named("shaper"))
	} else {
		backend = shaper.NewCommandBackend(cfg.Shaper.ApplyCommand, cfg.Shaper.ShowCommand, logger.Named("shaper"))
	}

	return newServerWithDeps(configMgr, Deps{
		Execer:  dockerClient,
		Events:  dockerClient,
		Lister:  lister,
		Backend: backend,
		Closer:  dockerClient.Close,
	}, opts, logger), nil
}

// newServerWithDeps wires a Server around injected collaborators.
// This allows tests to run without a container runtime or shaping tool.
func newServerWithDeps(configMgr *config.Manager, deps Deps, opts Options, logger *zap.Logger) *Server {
	cfg := configMgr.GetConfig()

	store := rules.NewStore()
	resolver := veth.NewResolver(deps.Execer, deps.Lister, veth.Options{
		Prefix:    cfg.Resolver.AdapterPrefix,
		Interface: cfg.Resolver.Interface,
		Command:   cfg.Resolver.IflinkCommand,
	}, logger.Named("resolver"))
	rec := reconciler.NewReconciler(resolver, deps.Backend, logger.Named("reconciler"))

	return &Server{
		configMgr: configMgr,
		store:     store,
		resolver:  resolver,
		sync:      desiredstate.NewSync(store, rec, logger.Named("desiredstate")),
		watcher:   lifecycle.NewWatcher(store, rec, cfg.Docker.TriggerStatus, logger.Named("lifecycle")),
		events:    deps.Events,
		closer:    deps.Closer,
		level:     opts.Level,
		logger:    logger,
	}
}

func newAdapterLister(cfg config.ResolverConfig) (veth.AdapterLister, error) {
	switch cfg.AdapterSource {
	case config.AdapterSourceNetlink:
		lister, err := veth.NewNetlinkLister()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize netlink adapter source: %w", err)
		}
		return lister, nil
	default:
		return veth.NewSysfsLister(cfg.SysfsNetPath), nil
	}
}

// Run starts the lifecycle watcher, the desired-state listeners and the optional HTTP
// API, then blocks until ctx is cancelled. A listener whose source fails stays down.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.configMgr.GetConfig()
	s.applyLogLevel(cfg)

	s.configMgr.WatchConfig()
	s.logger.Info("config watcher started")

	var wg sync.WaitGroup
	start := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil {
				s.logger.Error("component stopped", zap.String("component", name), zap.Error(err))
				return
			}
			s.logger.Info("component stopped", zap.String("component", name))
		}()
	}

	if s.events != nil {
		start("lifecycle", func(ctx context.Context) error {
			return s.watcher.Run(ctx, s.events)
		})
	}

	if cfg.DesiredState.StateFile != "" {
		source := desiredstate.NewFileSource(cfg.DesiredState.StateFile, cfg.DesiredState.PatchDir,
			s.logger.Named("filesource"))
		start("desiredstate", func(ctx context.Context) error {
			return s.sync.Run(ctx, source)
		})
	}

	if cfg.API.Listen != "" {
		apiServer := api.NewServer(cfg.API.Listen, api.NewRouter(s.sync, s.store, s.logger.Named("api")),
			s.logger.Named("api"))
		start("api", apiServer.Run)
	}

	s.logger.Info("server started, entering main loop")
	for {
		select {
		case <-s.configMgr.OnChange():
			s.logger.Info("config change detected")
			s.applyLogLevel(s.configMgr.GetConfig())

		case <-ctx.Done():
			s.logger.Info("shutdown signal received, stopping server")
			wg.Wait()
			s.shutdown()
			return nil
		}
	}
}

// RunOnce loads the desired state file, applies every rule once and shuts down.
func (s *Server) RunOnce(ctx context.Context) error {
	defer s.shutdown()

	cfg := s.configMgr.GetConfig()
	s.applyLogLevel(cfg)
	if cfg.DesiredState.StateFile == "" {
		return errors.New("desired_state.state_file is not configured")
	}
	source := desiredstate.NewFileSource(cfg.DesiredState.StateFile, "", s.logger.Named("filesource"))
	doc, err := source.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch desired state: %w", err)
	}

	report, err := s.sync.OnFullState(ctx, doc)
	if err != nil {
		return fmt.Errorf("desired state rejected: %w", err)
	}
	if report.Aborted() {
		return errors.New("reconcile aborted, see log for the failing rule")
	}
	if failed := report.Count(reconciler.ToolFailed); failed > 0 {
		return fmt.Errorf("shaping tool reported errors for %d rule(s)", failed)
	}
	return nil
}

// Resolve maps a container name to its host adapter.
func (s *Server) Resolve(ctx context.Context, containerName string) (string, error) {
	return s.resolver.Resolve(ctx, rules.TargetModule, containerName)
}

// Store exposes the rule store (for tests and diagnostics).
func (s *Server) Store() *rules.Store {
	return s.store
}

// Close releases the runtime connection without running a reconcile.
func (s *Server) Close() {
	s.shutdown()
}

func (s *Server) applyLogLevel(cfg *config.Config) {
	if s.level == nil {
		return
	}
	level, err := config.ParseLevel(cfg.Global.LogLevel)
	if err != nil {
		s.logger.Error("ignoring log level", zap.Error(err))
		return
	}
	if s.level.Level() != level {
		s.level.SetLevel(level)
		s.logger.Info("log level changed", zap.Stringer("level", level))
	}
}

// shutdown gracefully stops all modules.
func (s *Server) shutdown() {
	if s.closer != nil {
		if err := s.closer(); err != nil {
			s.logger.Error("failed to close runtime client", zap.Error(err))
		}
		s.closer = nil
	}
	s.logger.Info("server stopped")
}
