package waf

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sentrywall/sentrywall/pkg/acl"
	"github.com/sentrywall/sentrywall/pkg/ban"
	"github.com/sentrywall/sentrywall/pkg/config"
	"github.com/sentrywall/sentrywall/pkg/detect"
	"github.com/sentrywall/sentrywall/pkg/event"
	"github.com/sentrywall/sentrywall/pkg/geo"
	"github.com/sentrywall/sentrywall/pkg/health"
	"github.com/sentrywall/sentrywall/pkg/profile"
	"github.com/sentrywall/sentrywall/pkg/signature"
	"github.com/sentrywall/sentrywall/pkg/tunnel"
)

const dateLayout = "02/01/2006, 15:04:05"

// Services are the explicitly constructed collaborators injected into
// the engine at startup. A nil Tunnel disables telemetry.
type Services struct {
	Signatures *signature.DB
	ACL        *acl.List
	Geo        *geo.Locator
	Bans       *ban.Store
	Profiles   *profile.Store
	Events     *event.Manager
	Tunnel     *tunnel.Tunnel
}

// Engine is the firewall orchestrator. One Engine protects a single
// origin server.
type Engine struct {
	id     string
	cfg    *config.Config
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	listener net.Listener

	deployTime string
	location   *time.Location

	signatures *signature.DB
	pipeline   *detect.Pipeline
	aclList    *acl.List
	refresher  *acl.Refresher
	locator    *geo.Locator
	bans       *ban.Store
	profiles   *profile.Store
	events     *event.Manager
	tun        *tunnel.Tunnel
	monitor    *health.Monitor
	pages      *PageRenderer
	limiter    *rate.Limiter
	metrics    *Metrics

	wg         sync.WaitGroup
	cancelWork context.CancelFunc
}

// New wires an Engine from its configuration and services.
func New(cfg *config.Config, services Services, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Warn("unknown timezone, falling back to UTC", zap.String("timezone", cfg.Timezone))
		location = time.UTC
	}
	pages, err := NewPageRenderer(cfg.SecurityPage)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		id:         uuid.NewString(),
		cfg:        cfg,
		logger:     logger,
		state:      StateCreated,
		location:   location,
		signatures: services.Signatures,
		aclList:    services.ACL,
		locator:    services.Geo,
		bans:       services.Bans,
		profiles:   services.Profiles,
		events:     services.Events,
		tun:        services.Tunnel,
		monitor:    health.NewMonitor(logger),
		pages:      pages,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit.PerSecond), cfg.RateLimit.Burst),
		metrics:    NewMetrics(),
	}
	e.pipeline = detect.NewPipeline(services.Signatures, services.ACL, services.Geo, cfg.Geo.BannedCountries, logger)
	e.refresher = acl.NewRefresher(services.ACL, cfg.ACL.API, cfg.ACL.Backup, cfg.ACL.Interval(), cfg.ACL.MaxRetries, logger)
	if e.signatures.Degraded() {
		logger.Warn("one or more signature sets are empty; the affected detectors pass everything")
	}
	logger.Info("waf created", zap.String("instance_id", e.id))
	return e, nil
}

// ID returns the engine instance id.
func (e *Engine) ID() string { return e.id }

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Addr returns the bound listening address, valid after Deploy.
func (e *Engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Metrics exposes the engine counters for the admin endpoint.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Deploy binds the listening socket without accepting. Valid only from
// Created.
func (e *Engine) Deploy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateDeployed:
		return &StateError{State: e.state, Hint: "already deployed"}
	case StateWorking:
		return &StateError{State: e.state, Hint: "call Close() before deploying again"}
	case StateClosed:
		return &StateError{State: e.state, Hint: "call Restart()"}
	}
	listener, err := net.Listen("tcp", e.cfg.Waf.String())
	if err != nil {
		return err
	}
	e.listener = listener
	e.state = StateDeployed
	e.logger.Info("waf deployed",
		zap.String("address", listener.Addr().String()),
		zap.String("origin", e.cfg.Origin.String()))
	e.notifyServicesLocked()
	return nil
}

// Work transitions to Working, begins accepting connections and starts
// the background loops. It blocks until ctx is cancelled or Close is
// called; both unwind the accept loop cleanly.
func (e *Engine) Work(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StateCreated:
		e.mu.Unlock()
		return &StateError{State: StateCreated, Hint: "call Deploy() before working"}
	case StateWorking:
		e.mu.Unlock()
		return &StateError{State: StateWorking, Hint: "already working"}
	case StateClosed:
		e.mu.Unlock()
		return &StateError{State: StateClosed, Hint: "call Restart()"}
	}
	workCtx, cancel := context.WithCancel(ctx)
	e.cancelWork = cancel
	listener := e.listener
	e.state = StateWorking
	e.deployTime = e.date()
	e.mu.Unlock()

	e.startBackground(workCtx, listener)
	e.logger.Info("waf listening", zap.String("address", listener.Addr().String()))
	e.notifyServices()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-workCtx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			e.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		if !e.limiter.Allow() {
			e.metrics.rateLimited.Inc()
			_ = conn.Close()
			continue
		}
		e.wg.Add(1)
		go func(conn net.Conn) {
			defer e.wg.Done()
			e.handleConnection(workCtx, conn)
		}(conn)
	}
}

// startBackground launches the supervised loops that live for the span
// of one Work call.
func (e *Engine) startBackground(ctx context.Context, listener net.Listener) {
	// Unblock Accept when the work context ends.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		<-ctx.Done()
		_ = listener.Close()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.refresher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("access list refresher stopped", zap.Error(err))
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.signatures.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("signature watcher stopped", zap.Error(err))
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.bans.Sweep(ctx, time.Minute)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.monitor.Run(ctx, func(samples []float64) {
			e.notify(tunnel.HealthUpdate, samples)
		})
	}()

	if e.tun != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.tun.Run(ctx)
		}()
	}

	if e.cfg.Admin.MetricsAddr != "" {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.serveMetrics(ctx)
		}()
	}
}

func (e *Engine) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.metrics.Handler())
	server := &http.Server{Addr: e.cfg.Admin.MetricsAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		e.logger.Warn("metrics endpoint stopped", zap.Error(err))
	}
}

// Close stops accepting, releases the socket and transitions to
// Closed. A no-op when already Closed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return nil
	}
	if e.cancelWork != nil {
		e.cancelWork()
		e.cancelWork = nil
	}
	if e.listener != nil {
		_ = e.listener.Close()
		e.listener = nil
	}
	e.state = StateClosed
	e.mu.Unlock()

	e.wg.Wait()
	if e.tun != nil {
		e.tun.Close()
	}
	e.logger.Info("waf closed")
	return nil
}

// Restart re-runs deploy then work. Valid only from Closed.
func (e *Engine) Restart(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateClosed {
		e.mu.Unlock()
		return &StateError{State: e.state, Hint: "only a closed instance restarts"}
	}
	e.state = StateCreated
	e.mu.Unlock()

	if err := e.Deploy(); err != nil {
		return err
	}
	return e.Work(ctx)
}

// now returns the epoch seconds and formatted date of this instant in
// the configured timezone.
func (e *Engine) now() (float64, string) {
	t := time.Now()
	return float64(t.UnixNano()) / float64(time.Second), t.In(e.location).Format(dateLayout)
}

func (e *Engine) date() string {
	_, date := e.now()
	return date
}

// ServicesReport summarizes the engine and its stores for the
// dashboard.
type ServicesReport struct {
	InstanceID         string              `json:"instance_id"`
	WafHost            string              `json:"waf_host"`
	WafPort            int                 `json:"waf_port"`
	State              string              `json:"state"`
	DeployTime         string              `json:"deploy_time"`
	OriginHost         string              `json:"origin_host"`
	OriginPort         int                 `json:"origin_port"`
	Events             event.ServiceReport `json:"events"`
	Profiles           int                 `json:"profiles"`
	ProfilesDurable    bool                `json:"profiles_durable"`
	ActiveBans         int                 `json:"active_bans"`
	AccessListEntries  int                 `json:"access_list_entries"`
	TunnelConnected    bool                `json:"tunnel_connected"`
	SignaturesDegraded bool                `json:"signatures_degraded"`
}

// Report builds the services report sent over the tunnel.
func (e *Engine) Report() ServicesReport {
	e.mu.Lock()
	state, deployTime := e.state, e.deployTime
	e.mu.Unlock()
	report := ServicesReport{
		InstanceID:         e.id,
		WafHost:            e.cfg.Waf.Host,
		WafPort:            e.cfg.Waf.Port,
		State:              state.String(),
		DeployTime:         deployTime,
		OriginHost:         e.cfg.Origin.Host,
		OriginPort:         e.cfg.Origin.Port,
		Events:             e.events.Report(),
		Profiles:           e.profiles.Count(),
		ProfilesDurable:    e.profiles.Durable(),
		ActiveBans:         e.bans.Len(),
		AccessListEntries:  e.aclList.Len(),
		SignaturesDegraded: e.signatures.Degraded(),
	}
	if e.tun != nil {
		report.TunnelConnected = e.tun.Connected()
	}
	return report
}

// notify forwards a telemetry envelope when tunneling is enabled.
func (e *Engine) notify(eventType tunnel.EventType, payload any) {
	if e.tun == nil {
		return
	}
	e.tun.Notify(eventType, payload)
}

func (e *Engine) notifyServices() {
	e.notify(tunnel.ServicesUpdate, e.Report())
}

// notifyServicesLocked is notifyServices for callers already holding
// e.mu; the report is built without re-acquiring the engine lock.
func (e *Engine) notifyServicesLocked() {
	if e.tun == nil {
		return
	}
	report := ServicesReport{
		InstanceID:         e.id,
		WafHost:            e.cfg.Waf.Host,
		WafPort:            e.cfg.Waf.Port,
		State:              e.state.String(),
		DeployTime:         e.deployTime,
		OriginHost:         e.cfg.Origin.Host,
		OriginPort:         e.cfg.Origin.Port,
		Events:             e.events.Report(),
		Profiles:           e.profiles.Count(),
		ProfilesDurable:    e.profiles.Durable(),
		ActiveBans:         e.bans.Len(),
		AccessListEntries:  e.aclList.Len(),
		SignaturesDegraded: e.signatures.Degraded(),
		TunnelConnected:    e.tun.Connected(),
	}
	e.tun.Notify(tunnel.ServicesUpdate, report)
}
