// QlikClaw - Qlik Sense engine tools for MCP clients
// License: MIT
//
// Copyright (c) 2026 QlikClaw contributors

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/freitascorp/qlikclaw/pkg/audit"
	"github.com/freitascorp/qlikclaw/pkg/cloud"
	"github.com/freitascorp/qlikclaw/pkg/config"
	"github.com/freitascorp/qlikclaw/pkg/engine"
	"github.com/freitascorp/qlikclaw/pkg/health"
	"github.com/freitascorp/qlikclaw/pkg/logger"
	"github.com/freitascorp/qlikclaw/pkg/observability"
	"github.com/freitascorp/qlikclaw/pkg/rbac"
	"github.com/freitascorp/qlikclaw/pkg/repository"
	"github.com/freitascorp/qlikclaw/pkg/resilience"
	"github.com/freitascorp/qlikclaw/pkg/tools"
)

// catalog lists applications and streams: the Repository API on Qlik Sense
// Enterprise, the REST API (with spaces for streams) on Qlik Cloud.
type catalog interface {
	tools.Repository
	Streams(ctx context.Context) ([]repository.Stream, error)
	CircuitState() resilience.CircuitState
}

var (
	_ catalog = (*repository.Client)(nil)
	_ catalog = (*cloud.Client)(nil)
)

// app is the wired runtime shared by every command that talks to Qlik.
// engine is nil on Qlik Cloud.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.EngineMetrics
	engine   *engine.Client
	repo     catalog
	audit    *audit.Logger
	registry *tools.ToolRegistry
}

// loadConfig reads the layered configuration and applies logging settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig, flagEnvFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}

	logger.Init(cfg.Log.Format, os.Stderr)
	lvl, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	if flagDebug {
		lvl = logger.DEBUG
	}
	logger.SetLevel(lvl)
	return cfg, nil
}

// newApp builds the backend clients, the audit trail and the tool registry
// from cfg. Nothing connects until the first tool call.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log := logger.Default()
	metrics := observability.NewEngineMetrics()

	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return nil, err
	}
	ts := cfg.TokenSource(ctx)

	store, err := audit.NewStore(cfg.Audit.Backend, cfg.Audit.DSN, log)
	if err != nil {
		return nil, err
	}
	user := cfg.UserID
	if user == "" {
		user = os.Getenv("USER")
	}
	auditLog := audit.NewLogger(store, user)

	enforcer, err := rbac.NewEnforcer(cfg.Access.Role, cfg.Access.Apps, log)
	if err != nil {
		return nil, err
	}

	registry := tools.NewToolRegistry(
		tools.WithLogger(log),
		tools.WithGuard(enforcer),
		tools.WithMetrics(metrics),
		tools.WithAudit(auditLog),
		tools.WithBulkhead(resilience.NewBulkhead("tools", cfg.HTTP.MaxConcurrentTools)),
	)
	a := &app{
		cfg:      cfg,
		logger:   log,
		metrics:  metrics,
		audit:    auditLog,
		registry: registry,
	}

	if cfg.IsCloud() {
		base, err := cfg.CloudURL()
		if err != nil {
			return nil, err
		}
		cl, err := cloud.New(cloud.Options{
			BaseURL:     base,
			TLSConfig:   tlsCfg,
			Timeout:     cfg.HTTPTimeout.Std(),
			Headers:     cfg.IdentityHeaders(),
			TokenSource: ts,
			Logger:      log,
			Metrics:     metrics,
		})
		if err != nil {
			return nil, err
		}
		a.repo = cl
		tools.RegisterCloudTools(registry, cl)
		log.Info("qlik cloud tenant; engine tools are not offered", "server", base)
		return a, nil
	}

	host, err := cfg.EngineHost()
	if err != nil {
		return nil, err
	}
	a.engine = engine.NewClient(engine.Options{
		Host: host,
		Port: cfg.EnginePort,
		Negotiator: &engine.Negotiator{
			Dialer:  &engine.WSDialer{TLSConfig: tlsCfg, Headers: cfg.HeaderFunc(ts)},
			Timeout: cfg.WSTimeout.Std(),
			Retries: cfg.WSRetries,
			Logger:  log,
			Metrics: metrics,
		},
		CallTimeout:     cfg.EffectiveCallTimeout(),
		OpenWithoutData: cfg.OpenWithoutData,
		Logger:          log,
		Metrics:         metrics,
	})

	base, err := cfg.RepositoryURL()
	if err != nil {
		return nil, err
	}
	repo, err := repository.New(repository.Options{
		BaseURL:     base,
		TLSConfig:   tlsCfg,
		Timeout:     cfg.HTTPTimeout.Std(),
		Headers:     cfg.IdentityHeaders(),
		TokenSource: ts,
		Logger:      log,
		Metrics:     metrics,
	})
	if err != nil {
		return nil, err
	}
	a.repo = repo
	tools.RegisterQlikTools(registry, a.engine, repo)
	return a, nil
}

// healthChecker registers the engine and catalog readiness checks.
func (a *app) healthChecker() *health.Checker {
	c := health.NewChecker(a.cfg.WSTimeout.Std() + 2*time.Second)
	name := "repository"
	if a.engine != nil {
		c.RegisterCheck("engine", func(ctx context.Context) (bool, string) {
			s, err := a.engine.EnsureSession(ctx)
			if err != nil {
				return false, err.Error()
			}
			return true, fmt.Sprintf("engine %s via %s", s.EngineVersion, s.Endpoint.URL)
		})
	} else {
		name = "cloud"
	}
	c.RegisterCheck(name, func(context.Context) (bool, string) {
		state := a.repo.CircuitState()
		return state != resilience.CircuitOpen, "circuit " + state.String()
	})
	return c
}

func (a *app) Close() error {
	var engErr error
	if a.engine != nil {
		engErr = a.engine.Close()
	}
	return errors.Join(engErr, a.audit.Store().Close())
}
