package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/surveysync/internal/auth"
	"github.com/pitabwire/surveysync/internal/cache"
	"github.com/pitabwire/surveysync/internal/config"
	"github.com/pitabwire/surveysync/internal/connectivity"
	"github.com/pitabwire/surveysync/internal/definition"
	"github.com/pitabwire/surveysync/internal/endpoint"
	"github.com/pitabwire/surveysync/internal/invoker"
	"github.com/pitabwire/surveysync/internal/observability"
	"github.com/pitabwire/surveysync/internal/offline"
	"github.com/pitabwire/surveysync/internal/remote"
	"github.com/pitabwire/surveysync/internal/storage"
	"github.com/pitabwire/surveysync/internal/survey"
	"github.com/pitabwire/surveysync/model"
)

// app is the wired set of components shared by every command.
type app struct {
	cfg         *config.Config
	logger      *zap.Logger
	metrics     *observability.Metrics
	store       storage.Store
	registry    *definition.Registry
	probe       *connectivity.Probe
	creds       *auth.Credentials
	queue       *offline.Queue
	executor    *invoker.Executor
	client      *remote.Client
	definitions definition.Provider
}

// newApp wires storage, local definitions, connectivity, the executor and
// the remote client in dependency order.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: observability.InitMetrics(reg),
	}

	// Step 1: Local durable storage for drafts and the offline queue.
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("storage initialization failed: %w", err)
	}
	a.store = store
	logger.Info("storage opened", zap.String("driver", cfg.Storage.Driver))

	// Step 2: Local definitions, validated before use.
	defs, err := loadDefinitions(cfg.Definitions.Directories)
	if err != nil {
		store.Close()
		return nil, err
	}
	a.registry = definition.NewRegistry(defs)
	a.metrics.SetDefinitionsLoaded(a.registry.Len())

	// Step 3: Endpoint candidates, optionally pruned by the service's
	// OpenAPI document.
	resolver := endpoint.NewTemplateResolver(cfg.Endpoints)
	if cfg.Remote.OpenAPISpec != "" {
		removed, err := resolver.PruneWithOpenAPI(ctx, cfg.Remote.OpenAPISpec)
		if err != nil {
			logger.Warn("OpenAPI pruning skipped", zap.Error(err))
		} else {
			logger.Info("endpoint candidates pruned", zap.Int("removed", removed))
		}
	}

	// Step 4: Connectivity, credentials and the offline queue.
	a.probe = connectivity.NewProbe(
		cfg.Remote.BaseURL+cfg.Connectivity.ProbePath,
		cfg.Connectivity.ProbeInterval,
		cfg.Connectivity.ProbeTimeout,
		connectivity.WithLogger(logger),
	)
	a.creds = auth.FromEnv(cfg.Auth.TokenEnv)
	a.queue = offline.New(store,
		offline.WithRate(cfg.Queue.ReplayRate, cfg.Queue.ReplayBurst),
		offline.WithLogger(logger),
		offline.WithMetrics(a.metrics),
	)

	// Step 5: Executor and remote client.
	a.executor = invoker.NewExecutor(cfg.Remote, resolver,
		invoker.WithCredentials(a.creds),
		invoker.WithObserver(a.probe),
		invoker.WithQueue(a.queue),
		invoker.WithConnectionFailureHook(a.probe.ReportFailure),
		invoker.WithOnUnauthorized(func() {
			logger.Warn("survey service rejected the credentials, sign in again",
				zap.String("login_url", cfg.Auth.LoginURL),
			)
		}),
		invoker.WithLogger(logger),
		invoker.WithMetrics(a.metrics),
	)
	clientOpts := []remote.Option{
		remote.WithCredentials(a.creds),
		remote.WithLogger(logger),
		remote.WithMetrics(a.metrics),
	}
	if cfg.Definitions.Fallback && a.registry.Len() > 0 {
		clientOpts = append(clientOpts, remote.WithLocalDefinitions(a.registry))
	}
	a.client = remote.New(a.executor,
		cache.New(cfg.Cache.TTL, cache.WithMetrics(a.metrics)),
		clientOpts...,
	)
	a.definitions = a.client.Definitions()
	return a, nil
}

// newEngine builds a survey engine over the app's collaborators.
func (a *app) newEngine() *survey.Engine {
	return survey.NewEngine(survey.Deps{
		Definitions: a.definitions,
		Responses:   a.client,
		Drafts:      a.store,
		Credentials: a.creds,
	},
		survey.WithTimings(a.cfg.Autosave),
		survey.WithLogger(a.logger),
		survey.WithMetrics(a.metrics),
	)
}

// checkConnectivity runs one probe so one-shot commands start with a known
// state.
func (a *app) checkConnectivity(ctx context.Context) bool {
	online := a.probe.Check(ctx)
	if !online {
		a.logger.Warn("survey service unreachable", zap.String("base_url", a.cfg.Remote.BaseURL))
	}
	return online
}

// readiness returns the agent's readiness checks.
func (a *app) readiness() observability.ReadinessChecks {
	checks := observability.ReadinessChecks{
		Storage:    a.store,
		Online:     a.probe.Online,
		QueueDepth: a.queue.Depth,
	}
	if len(a.cfg.Definitions.Directories) > 0 {
		checks.DefinitionsLoaded = a.registry.Len
	}
	return checks
}

// reloadDefinitions re-reads the definition directories and swaps the
// registry. A load or validation failure keeps the current definitions.
func (a *app) reloadDefinitions() error {
	defs, err := loadDefinitions(a.cfg.Definitions.Directories)
	if err != nil {
		a.metrics.RecordDefinitionReload("error")
		a.logger.Error("definition reload failed, keeping current definitions", zap.Error(err))
		return err
	}
	ch := a.registry.Replace(defs)
	a.metrics.RecordDefinitionReload("success")
	a.metrics.SetDefinitionsLoaded(a.registry.Len())
	a.logger.Info("definitions reloaded",
		zap.Strings("added", ch.Added),
		zap.Strings("removed", ch.Removed),
		zap.Strings("modified", ch.Modified),
		zap.String("checksum", a.registry.Checksum()),
	)
	return nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func loadDefinitions(dirs []string) ([]model.SurveyDefinition, error) {
	if len(dirs) == 0 {
		return nil, nil
	}
	defs, err := definition.NewLoader().LoadAll(dirs)
	if err != nil {
		return nil, fmt.Errorf("definition loading failed: %w", err)
	}
	if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
		errs := make([]error, len(verrs))
		for i, ve := range verrs {
			errs[i] = ve
		}
		return nil, fmt.Errorf("definition validation failed: %w", errors.Join(errs...))
	}
	return defs, nil
}

// newLogger builds the process logger from the observability settings.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("logger error: %w", err)
	}
	return logger, nil
}

// httpServer builds the agent server with the configured timeouts.
func httpServer(cfg config.AgentConfig, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}
}
