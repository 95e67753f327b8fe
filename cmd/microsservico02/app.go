package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/isaccanedo/microsservico02/internal/api"
	"github.com/isaccanedo/microsservico02/internal/clients"
	"github.com/isaccanedo/microsservico02/internal/config"
	"github.com/isaccanedo/microsservico02/internal/discovery"
	"github.com/isaccanedo/microsservico02/internal/telemetry"
)

// AppContext holds all constructed application dependencies shared across
// subcommands. It is built once in PersistentPreRunE. The agent is created
// later by newAgent because the advertised port may only be known once the
// server is listening.
type AppContext struct {
	cfg          *config.Config
	otelProvider *telemetry.Provider
	metrics      *telemetry.Metrics
	registries   []discovery.Registry
	startedAt    time.Time
}

// buildAppContext constructs all application dependencies from cfg:
//  1. Initialises the OTEL provider (best-effort, non-fatal)
//  2. Creates the Prometheus metrics
//  3. Creates one registry client, with its own circuit breaker, per
//     configured registry
func buildAppContext(cfg *config.Config) (*AppContext, error) {
	app := &AppContext{
		cfg:       cfg,
		metrics:   telemetry.NewMetrics(),
		startedAt: time.Now().UTC(),
	}

	// OTEL is best-effort: a missing collector must never block startup.
	// When OTLPEndpoint is empty, telemetry is disabled entirely.
	if cfg.Telemetry.OTLPEndpoint == "" {
		slog.Debug("OTEL telemetry disabled (no endpoint configured)")
	} else {
		tp, err := telemetry.InitProvider(
			context.Background(),
			cfg.Telemetry.OTLPEndpoint,
			cfg.Telemetry.ServiceName,
			version,
			cfg.Telemetry.OTLPInsecure,
		)
		if err != nil {
			slog.Warn("OTEL provider init failed, telemetry disabled", "err", err)
		} else {
			app.otelProvider = tp
			// Fan out: keep stderr JSON and add OTEL logs.
			slog.SetDefault(slog.New(telemetry.NewTeeHandler(
				slog.Default().Handler(),
				tp.LogHandler,
			)))
		}
	}

	regs, err := buildRegistries(cfg.Discovery)
	if err != nil {
		return nil, err
	}
	app.registries = regs

	return app, nil
}

// buildRegistries creates the registry clients named in d.Registries, in
// order. Discovery disabled means no registries at all.
func buildRegistries(d config.DiscoveryConfig) ([]discovery.Registry, error) {
	if !d.Enabled {
		slog.Info("service discovery disabled")
		return nil, nil
	}

	lease := clients.Lease{RenewalInterval: d.HeartbeatInterval, Duration: d.LeaseDuration}
	regs := make([]discovery.Registry, 0, len(d.Registries))

	for _, name := range d.Registries {
		// One circuit breaker per registry so each dependency trips independently.
		cb := clients.NewCircuitBreaker(name)

		switch name {
		case config.RegistryEureka:
			regs = append(regs, clients.NewEurekaClient(d.Eureka, lease, cb))
		case config.RegistryRedis:
			regs = append(regs, clients.NewRedisClient(d.Redis, lease, cb))
		case config.RegistryNATS:
			regs = append(regs, clients.NewNATSClient(d.NATS, lease, cb))
		case config.RegistryPostgres:
			regs = append(regs, clients.NewPostgresClient(d.Postgres, lease, cb))
		case config.RegistryStatic:
			st, err := clients.NewStaticRegistry(d.Static)
			if err != nil {
				return nil, err
			}
			regs = append(regs, st)
		default:
			return nil, fmt.Errorf("unknown registry %q", name)
		}
	}
	return regs, nil
}

// newAgent builds the discovery agent for an instance listening on port.
func (a *AppContext) newAgent(port int) (*discovery.Agent, error) {
	inst, err := buildInstance(a.cfg.Discovery, port)
	if err != nil {
		return nil, err
	}
	return discovery.NewAgent(inst, a.registries,
		discovery.WithHeartbeatInterval(a.cfg.Discovery.HeartbeatInterval),
		discovery.WithObserver(a.metrics),
	), nil
}

// newRouter builds the HTTP router for agent.
func (a *AppContext) newRouter(agent *discovery.Agent) *api.Router {
	return api.NewRouter(agent, a.metrics.Handler(), api.BuildInfo{
		Version:   version,
		StartedAt: a.startedAt,
	})
}

// buildInstance fills in the advertised host, port and id. An explicit
// discovery.port wins over the listening port.
func buildInstance(d config.DiscoveryConfig, port int) (discovery.Instance, error) {
	host := d.Host
	if host == "" {
		h, err := discovery.ResolveHost(d.PreferIPAddress)
		if err != nil {
			return discovery.Instance{}, err
		}
		host = h
	}
	if d.Port != 0 {
		port = d.Port
	}

	id := d.InstanceID
	if id == "" {
		id = discovery.DefaultInstanceID(host, d.ServiceName, port)
	}

	md := maps.Clone(d.Metadata)
	if md == nil {
		md = make(map[string]string)
	}
	md["version"] = version
	md["run_id"] = uuid.NewString()
	md["go_version"] = runtime.Version()

	return discovery.Instance{
		ID:       id,
		Service:  d.ServiceName,
		Host:     host,
		Port:     port,
		Secure:   d.Secure,
		Status:   discovery.StatusStarting,
		Metadata: md,
	}, nil
}

// shutdownTelemetry flushes the OTEL provider if one was started.
func (a *AppContext) shutdownTelemetry() {
	if a.otelProvider == nil {
		return
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.otelProvider.Shutdown(shutCtx); err != nil {
		slog.Warn("OTEL shutdown error", "err", err)
	}
}
