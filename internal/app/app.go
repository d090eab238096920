// Package app wires the conference-focus core's components into a runnable
// process: one constructor that builds every collaborator from config and
// returns a handle with Start/Close, rather than scattering wiring across
// main.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/sebas/cascadefocus/internal/bridge"
	"github.com/sebas/cascadefocus/internal/cascade"
	"github.com/sebas/cascadefocus/internal/conference"
	"github.com/sebas/cascadefocus/internal/config"
	"github.com/sebas/cascadefocus/internal/lifecycle"
	"github.com/sebas/cascadefocus/internal/registry"
	"github.com/sebas/cascadefocus/internal/selection"
	"github.com/sebas/cascadefocus/internal/service"
	"github.com/sebas/cascadefocus/internal/telemetry/metrics"
	"github.com/sebas/cascadefocus/internal/telemetry/tracing"
	"github.com/sebas/cascadefocus/internal/transport"
)

// App bundles every collaborator the conference-focus core needs to run as
// a standalone process.
type App struct {
	cfg      config.Config
	Registry *registry.Registry
	Service  *service.Service
	Metrics  *metrics.Registry
	Tracer   *tracing.Tracer
	timers   *lifecycle.Timers

	metricsServer *http.Server
}

// New builds an App from cfg: the bridge registry, the selection/topology
// strategies named by cfg, a gRPC-backed bridge control transport, and the
// per-conference Service that indexes managers for the lifecycle sweeps.
func New(cfg config.Config) (*App, error) {
	bridgeCfg := bridge.Config{
		StressThreshold:           cfg.StressThreshold,
		AverageParticipantStress:  cfg.AverageParticipantStress,
		ParticipantRampupInterval: cfg.ParticipantRampupInterval,
		FailureResetThreshold:     cfg.FailureResetThreshold,
		ICEFailureWindow:          cfg.ICEFailureDetection.Interval,
		ICEMinEndpoints:           cfg.ICEFailureDetection.MinEndpoints,
		ICEFailureRatio:           cfg.ICEFailureDetection.Threshold,
		ICEFailureTimeout:         cfg.ICEFailureDetection.Timeout,
		UsePresenceForHealth:      cfg.HealthChecks.UsePresence,
	}

	reg := registry.New(bridgeCfg, nil)

	promReg := prometheus.NewRegistry()
	metricsReg, err := metrics.New(promReg)
	if err != nil {
		return nil, fmt.Errorf("app: metrics: %w", err)
	}
	reg.AddListener(func(e registry.Event) {
		if e.Kind == registry.BridgeRemoved {
			metricsReg.Unregister(e.Bridge.Address)
		}
	})
	if err := selection.RegisterMetrics(promReg); err != nil {
		return nil, fmt.Errorf("app: selection metrics: %w", err)
	}

	selCfg := selection.Config{
		MultiBridgeEnabled:       cfg.Octo.Enabled,
		MaxParticipantsPerBridge: cfg.MaxBridgeParticipants,
		AllowMixedVersions:       cfg.Octo.AllowMixedVersions,
		RegionGroups:             cfg.RegionGroups,
	}
	strategy, err := buildSelectionStrategy(cfg, selCfg)
	if err != nil {
		return nil, err
	}
	selector := selection.New(selCfg, strategy)

	topology, err := buildTopologyStrategy(cfg.TopologyStrategy)
	if err != nil {
		return nil, err
	}

	xport := buildTransport()
	tracer := tracing.New("cascadefocus")

	confCfg := conference.Config{MultiBridgeEnabled: cfg.Octo.Enabled}
	factory := service.DefaultManagerFactory(confCfg, selector, topology, xport, tracer)
	svc := service.New(reg, factory, nil, metricsReg)

	// An explicit unhealthy verdict or an outright removal evicts the bridge
	// from every conference; a bare health-check timeout does neither.
	reg.AddListener(func(e registry.Event) {
		if e.Kind == registry.BridgeRemoved || e.Kind == registry.BridgeFailedHealthCheck {
			svc.RemoveBridgeEverywhere(context.Background(), e.Bridge)
		}
	})

	a := &App{
		cfg:      cfg,
		Registry: reg,
		Service:  svc,
		Metrics:  metricsReg,
		Tracer:   tracer,
	}
	return a, nil
}

func buildSelectionStrategy(cfg config.Config, selCfg selection.Config) (selection.Strategy, error) {
	byName := func(name string) (selection.Strategy, error) {
		switch name {
		case "", "region-based":
			return selection.NewRegionBasedStrategy(selCfg), nil
		case "single":
			return selection.NewSingleBridgeStrategy(selCfg), nil
		case "split":
			return selection.NewSplitStrategy(), nil
		default:
			return nil, fmt.Errorf("app: unknown selectionStrategy %q", name)
		}
	}

	if cfg.ParticipantSelectionStrategy == "" && cfg.VisitorSelectionStrategy == "" {
		return byName(cfg.SelectionStrategy)
	}

	participant, err := byName(cfg.ParticipantSelectionStrategy)
	if err != nil {
		return nil, err
	}
	visitor, err := byName(cfg.VisitorSelectionStrategy)
	if err != nil {
		return nil, err
	}
	return selection.NewClassSplitStrategy(participant, visitor), nil
}

func buildTopologyStrategy(name string) (cascade.TopologyStrategy, error) {
	switch name {
	case "", "single-mesh":
		return cascade.SingleMeshStrategy{}, nil
	case "visitor":
		return cascade.NewVisitorStrategy(), nil
	default:
		return nil, fmt.Errorf("app: unknown topologyStrategy %q", name)
	}
}

// buildTransport returns the bridge control transport: a GRPCTransport that
// dials each bridge address on demand. There is no fixed listen address
// here; cfg.GRPCListenAddress is reserved for a bridge-facing ingest
// server, which lives outside this core.
func buildTransport() conference.Transport {
	dial := func(address string) (*grpc.ClientConn, error) {
		return grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return transport.NewGRPCTransport(dial)
}

// Start launches the lifecycle timers and the metrics HTTP endpoint. It
// returns once both are running; call Close to stop them.
func (a *App) Start(ctx context.Context) error {
	a.timers = lifecycle.Start(ctx, lifecycle.Config{
		MetricsRefreshInterval:      metricsRefreshInterval,
		LoadRedistributionEnabled:   a.cfg.LoadRedistribution.Enabled,
		LoadRedistributionInterval:  a.cfg.LoadRedistribution.Interval,
		LoadRedistributionThreshold: a.cfg.LoadRedistribution.StressThreshold,
		LoadRedistributionEndpoints: a.cfg.LoadRedistribution.Endpoints,
		SingleParticipantTimeout:    a.cfg.SingleParticipantTimeout,
		PresenceStaleTimeout:        a.cfg.HealthChecks.PresenceTimeout,
	}, lifecycle.Deps{
		Metrics:          a.Service,
		RegistrySnapshot: a.Registry.Snapshot,
		Redistribution:   a.Service,
		Remover:          a.Service,
		Idle:             a.Service,
		Disposer:         a.Service,
		Presence:         a.Service,
	})

	if a.cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/debug/conference/", a.handleDebugState)
		a.metricsServer = &http.Server{Addr: a.cfg.MetricsAddress, Handler: mux}
		go func() { _ = a.metricsServer.ListenAndServe() }()
	}
	return nil
}

// handleDebugState serves a conference's DebugState() dump over HTTP, the
// same diagnostics surface the metrics endpoint already exposes, keyed by
// conference id in the request path (/debug/conference/<id>).
func (a *App) handleDebugState(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/debug/conference/")
	if id == "" {
		http.Error(w, "missing conference id", http.StatusBadRequest)
		return
	}
	m, ok := a.Service.Get(id)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown conference %q", id), http.StatusNotFound)
		return
	}
	body, err := m.DebugState()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// Close stops the lifecycle timers and the metrics endpoint.
func (a *App) Close() {
	if a.timers != nil {
		a.timers.Stop()
	}
	if a.metricsServer != nil {
		_ = a.metricsServer.Close()
	}
}

// metricsRefreshInterval is the per-bridge metrics refresh tick. Not
// exposed as a config key; a fixed interval is cheap enough that a
// production deployment gains nothing from tuning it.
const metricsRefreshInterval = 10 * time.Second
