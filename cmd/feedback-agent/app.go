package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/LJN-sisi/feedback-agent/api"
	"github.com/LJN-sisi/feedback-agent/breaker"
	"github.com/LJN-sisi/feedback-agent/config"
	"github.com/LJN-sisi/feedback-agent/harness"
	"github.com/LJN-sisi/feedback-agent/llm"
	"github.com/LJN-sisi/feedback-agent/model"
	"github.com/LJN-sisi/feedback-agent/observability"
	"github.com/LJN-sisi/feedback-agent/orchestrator"
	"github.com/LJN-sisi/feedback-agent/stage"
	"github.com/LJN-sisi/feedback-agent/store"
	"github.com/LJN-sisi/feedback-agent/workspace"
)

// App wires the agent's components together and owns their lifecycle.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store     *store.Store
	breaker   *breaker.Breaker
	metrics   *observability.Metrics
	apiServer *api.Server
	httpSrv   *http.Server

	// cancel stops the base context shared by pipelines and background
	// loops.
	cancel context.CancelFunc
}

// NewApp creates an application instance from validated configuration.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg.Workspace.RepoURL == "" {
		return nil, fmt.Errorf("workspace.repo_url is required (set REPO_URL or the config file)")
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// breakerRecorder feeds breaker events to the audit log and the denial
// counter.
type breakerRecorder struct {
	store   *store.Store
	metrics *observability.Metrics
}

func (r *breakerRecorder) AppendBreakerEvent(e store.BreakerEvent) {
	r.store.AppendBreakerEvent(e)
	r.metrics.BreakerDenied(string(e.Type))
}

// usageRecorder feeds token usage to the audit log and the token counter.
type usageRecorder struct {
	store   *store.Store
	metrics *observability.Metrics
}

func (r *usageRecorder) AppendTokenUsage(u store.TokenUsage) {
	r.store.AppendTokenUsage(u)
	r.metrics.TokensUsed(u.CallType, u.PromptTokens+u.CompletionTokens)
}

// Start builds every component and begins serving. It returns once the
// HTTP listener is running; errors from the listener arrive on the
// returned channel.
func (a *App) Start(ctx context.Context) (<-chan error, error) {
	baseCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	st, err := store.New(store.Options{
		Mode:          store.Mode(a.cfg.Store.Mode),
		DataDir:       a.cfg.Store.DataDir,
		FlushInterval: a.cfg.Store.FlushInterval,
		Logger:        a.logger,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("initialize store: %w", err)
	}
	a.store = st
	if store.Mode(a.cfg.Store.Mode) == store.ModeFile {
		go st.Start(baseCtx)
	}

	a.metrics = observability.New()

	b, err := breaker.New(a.breakerConfig(),
		breaker.WithLogger(a.logger),
		breaker.WithRecorder(&breakerRecorder{store: st, metrics: a.metrics}))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("initialize breaker: %w", err)
	}
	a.breaker = b
	go b.Run(baseCtx)

	client := a.buildModelClient(st)

	ws, err := workspace.New(workspace.Config{
		RepoURL:       a.cfg.Workspace.RepoURL,
		Dir:           a.cfg.Workspace.Dir,
		SnapshotFiles: a.cfg.Workspace.SnapshotFiles,
		MaxSnapshots:  a.cfg.Workspace.MaxSnapshots,
	}, workspace.WithLogger(a.logger))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("initialize workspace: %w", err)
	}

	runner := harness.NewChromeRunner(harness.ChromeRunnerConfig{
		BinaryPath:  a.cfg.Harness.ChromePath,
		TargetURL:   a.cfg.Harness.TargetURL,
		CaseTimeout: a.cfg.Harness.CaseTimeout,
	}, a.logger)
	verifier := harness.New(client, runner,
		harness.WithLogger(a.logger),
		harness.WithGate(harness.Gate{
			MinCases: a.cfg.Harness.MinCases,
			MinScore: a.cfg.Harness.MinScore,
		}))

	orch := orchestrator.New(st, orchestrator.Services{
		Analyzer:  stage.NewAnalyzer(client, nil, st, a.logger),
		Planner:   stage.NewPlanner(client, nil, st, a.logger),
		Modifier:  stage.NewModifier(ws, nil, st, a.logger),
		Tester:    stage.NewTester(verifier, b, nil, st, a.logger),
		Publisher: stage.NewPublisher(client, nil, nil, st, a.logger),
	}, ws, orchestrator.WithLogger(a.logger))

	a.apiServer = api.NewServer(baseCtx, st, b, orch,
		api.Config{StreamBufferSize: a.cfg.Server.StreamBuffer},
		api.WithLogger(a.logger),
		api.WithMetricsHandler(a.metrics.Handler()),
		api.WithTaskMetrics(a.metrics))

	a.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// breakerConfig maps file configuration onto breaker thresholds, keeping
// package defaults for the windows the file does not cover.
func (a *App) breakerConfig() breaker.Config {
	cfg := breaker.DefaultConfig()
	cfg.MaxDailyTokens = a.cfg.Breaker.MaxDailyTokens
	cfg.MaxTaskTokens = a.cfg.Breaker.MaxTaskTokens
	cfg.MaxConcurrentTasks = a.cfg.Breaker.MaxConcurrentTasks
	cfg.MaxRetries = a.cfg.Breaker.MaxRetries
	if a.cfg.Breaker.TokenWindow > 0 {
		cfg.TokenWindow = a.cfg.Breaker.TokenWindow
	}
	if a.cfg.Breaker.HalfOpenInterval > 0 {
		cfg.HalfOpenProbeInterval = a.cfg.Breaker.HalfOpenInterval
	}
	return cfg
}

// buildModelClient assembles the capability registry and the provider
// client on top of it.
func (a *App) buildModelClient(st *store.Store) *llm.Client {
	caps := make(map[model.Capability]string, len(a.cfg.Model.Capabilities))
	for name, endpoint := range a.cfg.Model.Capabilities {
		if cap := model.ParseCapability(name); cap != "" {
			caps[cap] = endpoint
		} else {
			a.logger.Warn("Ignoring unknown capability in config", "capability", name)
		}
	}

	endpoints := make(map[string]*model.EndpointConfig, len(a.cfg.Model.Endpoints))
	for name, ep := range a.cfg.Model.Endpoints {
		endpoints[name] = &model.EndpointConfig{
			Provider:  ep.Provider,
			URL:       ep.URL,
			Model:     ep.Model,
			MaxTokens: ep.MaxTokens,
		}
	}

	registry := model.NewRegistry(caps, endpoints, a.cfg.Model.Default)

	opts := []llm.ClientOption{llm.WithLogger(a.logger)}
	if a.cfg.Model.Timeout > 0 {
		opts = append(opts, llm.WithCallTimeout(a.cfg.Model.Timeout))
	}
	return llm.NewClient(registry, a.breaker, &usageRecorder{store: st, metrics: a.metrics}, opts...)
}

// Shutdown drains the HTTP server, waits for running pipelines, and
// flushes the store.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.httpSrv != nil {
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			a.logger.Warn("HTTP shutdown incomplete", "error", err)
		}
	}

	// Stop pipelines and background loops, then wait for pipelines to
	// reach their terminal states.
	if a.cancel != nil {
		a.cancel()
	}
	if a.apiServer != nil {
		a.apiServer.Wait()
	}

	if a.store != nil {
		if err := a.store.FlushNow(); err != nil {
			a.logger.Warn("Final store flush failed", "error", err)
		}
	}

	a.logger.Info("Shutdown complete")
}
