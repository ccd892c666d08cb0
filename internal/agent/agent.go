// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package agent runs a measurement pipeline made of the enabled plugins.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/alumet-dev/alumet/internal/server"
	"github.com/alumet-dev/alumet/pkg/config/environment"
	"github.com/alumet-dev/alumet/pkg/metrics"
	"github.com/alumet-dev/alumet/pkg/pipeline"
	"github.com/alumet-dev/alumet/pkg/plugin"
)

// ErrNoPlugin is returned by Start when no plugin could be initialized.
var ErrNoPlugin = errors.New("no plugin to run")

const serverShutdownTimeout = 5 * time.Second

// Option configures an Agent.
type Option func(a *Agent)

// WithLogger sets the logger of the agent and of the plugins.
func WithLogger(logger logr.Logger) Option {
	return func(a *Agent) {
		a.logger = logger
	}
}

// WithRegistry replaces the registry of the compiled-in plugins.
func WithRegistry(reg *plugin.Registry) Option {
	return func(a *Agent) {
		a.registry = reg
	}
}

// WithVersion sets the version given to the plugins.
func WithVersion(version string) Option {
	return func(a *Agent) {
		a.info.Version = version
	}
}

// WithPipelineOptions passes options to the pipeline engine.
func WithPipelineOptions(opts ...pipeline.Option) Option {
	return func(a *Agent) {
		a.pipelineOpts = append(a.pipelineOpts, opts...)
	}
}

// Agent drives the plugins through their lifecycle and runs the pipeline they build.
type Agent struct {
	cfg          Config
	logger       logr.Logger
	registry     *plugin.Registry
	manager      *plugin.Manager
	info         plugin.AgentInfo
	pipelineOpts []pipeline.Option

	engine *pipeline.Engine
	server *server.Server
}

// New creates an agent. cfg must be valid.
func New(cfg Config, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	a := &Agent{
		cfg:      cfg,
		logger:   logr.Discard(),
		registry: plugin.Default(),
		info:     plugin.AgentInfo{RunID: uuid.NewString(), Version: "dev"},
	}
	for _, opt := range opts {
		opt(a)
	}

	a.info.NodeName = cfg.Agent.NodeName
	if a.info.NodeName == "" {
		name, err := environment.NodeName()
		if err != nil {
			return nil, fmt.Errorf("failed to get the node name: %w", err)
		}
		a.info.NodeName = name
	}
	a.manager = plugin.NewManager(a.logger)
	a.logger = a.logger.WithName("agent")
	return a, nil
}

// Info describes the agent to the plugins.
func (a *Agent) Info() plugin.AgentInfo { return a.info }

// Engine returns the pipeline built by Start.
func (a *Agent) Engine() *pipeline.Engine { return a.engine }

// Plugins describes the plugins managed by the agent.
func (a *Agent) Plugins() []plugin.Status { return a.manager.Statuses() }

// ServerAddr returns the address of the control server, empty when it is disabled.
func (a *Agent) ServerAddr() string {
	if a.server == nil {
		return ""
	}
	return a.server.Addr()
}

// Start initializes the enabled plugins, starts them and builds the pipeline. The plugins
// that fail to initialize are excluded; a plugin that fails to start aborts the startup.
func (a *Agent) Start() error {
	a.logger.Info("Starting agent", "run_id", a.info.RunID, "node", a.info.NodeName, "version", a.info.Version)

	selected, err := a.cfg.selectPlugins(a.registry)
	if err != nil {
		return err
	}
	for _, sel := range selected {
		if err := a.manager.Init(sel.meta, sel.settings); err != nil {
			a.logger.Error(err, "Plugin excluded", "plugin", sel.meta.Name)
		}
	}
	if len(a.manager.Instances()) == 0 {
		return ErrNoPlugin
	}

	b := pipeline.NewBuilder(metrics.NewRegistry())
	if err := a.manager.StartAll(b, a.info); err != nil {
		return errors.Join(err, a.manager.ShutdownAll(b.DropComponents))
	}
	sources, transforms, outputs := b.Len()
	if outputs == 0 {
		a.logger.Info("No output registered, the measurements will be dropped")
	}

	engine, err := b.Build(a.cfg.Agent.Pipeline.Engine(), a.logger, a.pipelineOpts...)
	if err != nil {
		return errors.Join(err, a.manager.ShutdownAll(b.DropComponents))
	}
	a.engine = engine

	if addr := a.cfg.Agent.ControlAddress; addr != "" {
		srv := server.New(engine, a.manager, a.logger)
		if err := srv.Start(addr); err != nil {
			return errors.Join(err, a.manager.ShutdownAll(engine.DropComponents))
		}
		a.server = srv
	}
	a.logger.Info("Agent started", "plugins", len(a.manager.Instances()),
		"sources", sources, "transforms", transforms, "outputs", outputs)
	return nil
}

// Run runs the pipeline until ctx is cancelled, then shuts everything down. The pipeline
// gets shutdown_timeout to drain; after that the buffers still queued are dropped.
func (a *Agent) Run(ctx context.Context) error {
	if a.engine == nil {
		return errors.New("agent not started")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.engine.Run(ctx) }()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		timeout := a.cfg.Agent.ShutdownTimeout.Std()
		a.logger.Info("Shutting down", "timeout", timeout)
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case runErr = <-errCh:
		case <-timer.C:
			a.logger.Info("Shutdown timeout reached, dropping the queued measurements")
			a.engine.Abort()
			runErr = <-errCh
		}
	}
	return errors.Join(runErr, a.shutdown())
}

func (a *Agent) shutdown() error {
	var errs []error
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop the control server: %w", err))
		}
	}
	if err := a.manager.ShutdownAll(a.engine.DropComponents); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	a.logger.Info("Agent stopped")
	return nil
}
