// Package app wires the gateway services together and owns the process
// lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Obscura-Network/gateway_layer/internal/app/events"
	"github.com/Obscura-Network/gateway_layer/internal/app/httpapi"
	"github.com/Obscura-Network/gateway_layer/internal/app/metrics"
	"github.com/Obscura-Network/gateway_layer/internal/app/services/members"
	"github.com/Obscura-Network/gateway_layer/internal/app/services/oracle"
	"github.com/Obscura-Network/gateway_layer/internal/app/services/refunds"
	"github.com/Obscura-Network/gateway_layer/internal/app/services/requests"
	"github.com/Obscura-Network/gateway_layer/internal/app/services/resolver"
	"github.com/Obscura-Network/gateway_layer/internal/app/storage"
	"github.com/Obscura-Network/gateway_layer/internal/app/storage/memory"
	"github.com/Obscura-Network/gateway_layer/internal/app/system"
	"github.com/Obscura-Network/gateway_layer/internal/config"
	"github.com/Obscura-Network/gateway_layer/internal/middleware"
	"github.com/Obscura-Network/gateway_layer/pkg/logger"
)

// Stores bundles the persistence backends. Nil fields default to a shared
// in-memory store.
type Stores struct {
	Members  storage.MemberStore
	Requests storage.RequestStore
	Refunds  storage.RefundStore
}

func (s Stores) withDefaults() Stores {
	var mem *memory.Store
	ensure := func() *memory.Store {
		if mem == nil {
			mem = memory.New()
		}
		return mem
	}
	if s.Members == nil {
		s.Members = ensure()
	}
	if s.Requests == nil {
		s.Requests = ensure()
	}
	if s.Refunds == nil {
		s.Refunds = ensure()
	}
	return s
}

// Application is the assembled gateway.
type Application struct {
	cfg     *config.Config
	log     *logger.Logger
	bus     *events.Bus
	metrics *metrics.Metrics
	manager *system.Manager

	Members  *members.Service
	Requests *requests.Service
	Refunds  *refunds.Service
	Resolver *resolver.Service

	handler  *httpapi.Handler
	server   *http.Server
	redisPub *events.RedisPublisher
}

// New assembles an Application from configuration and stores.
func New(cfg *config.Config, stores Stores, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		log = logger.New(cfg.Logging)
	}
	stores = stores.withDefaults()

	bus := events.NewBus(512, log.WithField("component", "events"))
	m := metrics.New()

	memberSvc := members.New(stores.Members, bus, cfg.Timeouts.Member, log.WithField("component", "members"))
	refundSvc := refunds.New(stores.Refunds, bus, m, cfg.Refund.FlatAmount, log.WithField("component", "refunds"))
	requestSvc := requests.New(stores.Requests, stores.Members, bus, m, cfg.Timeouts.Decryption, log.WithField("component", "requests"))

	// The dispatcher resolves inline answers under its own API key, so that
	// key belongs in the trusted set alongside the configured callback keys.
	trustedKeys := append([]string(nil), cfg.Oracle.TrustedKeys...)
	if cfg.Oracle.APIKey != "" {
		trustedKeys = append(trustedKeys, cfg.Oracle.APIKey)
	}

	resolverSvc := resolver.New(
		stores.Requests,
		stores.Members,
		memberSvc,
		refundSvc,
		trustedKeys,
		cfg.Timeouts.Decryption,
		bus,
		m,
		log.WithField("component", "resolver"),
	)

	manager := system.NewManager(log.WithField("component", "system"))
	if cfg.Timeouts.SweepInterval > 0 {
		manager.Register(resolver.NewSweeper(resolverSvc, stores.Requests, cfg.Timeouts.SweepInterval, m, log.WithField("component", "sweeper")))
	}
	if cfg.Oracle.Endpoint != "" {
		manager.Register(oracle.NewDispatcher(stores.Requests, resolverSvc, cfg.Oracle.Endpoint, cfg.Oracle.APIKey, 0, m, log.WithField("component", "oracle")))
	}
	manager.Register(members.NewAuditor(memberSvc, bus, "@hourly", log.WithField("component", "members.auditor")))

	handler := httpapi.New(httpapi.Config{
		Members:     memberSvc,
		Requests:    requestSvc,
		Refunds:     refundSvc,
		Resolver:    resolverSvc,
		Bus:         bus,
		Metrics:     m,
		Logger:      log.WithField("component", "httpapi"),
		JWTSecret:   cfg.Auth.JWTSecret,
		TrustedKeys: trustedKeys,
		RateLimiter: middleware.NewRateLimiter(cfg.Auth.RatePerSecond, cfg.Auth.RateBurst),
	})

	return &Application{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		metrics:  m,
		manager:  manager,
		Members:  memberSvc,
		Requests: requestSvc,
		Refunds:  refundSvc,
		Resolver: resolverSvc,
		handler:  handler,
	}, nil
}

// Handler returns the HTTP handler. Exposed for tests.
func (a *Application) Handler() http.Handler { return a.handler.Router() }

// Bus returns the event bus. Exposed for tests.
func (a *Application) Bus() *events.Bus { return a.bus }

// Start launches the background services and the HTTP listener.
func (a *Application) Start(ctx context.Context) error {
	if a.cfg.Redis.Addr != "" {
		pub, err := events.NewRedisPublisher(a.bus, a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB, a.cfg.Redis.Channel, a.log.WithField("component", "events.redis"))
		if err != nil {
			a.log.WithError(err).Warn("redis event publishing disabled")
		} else {
			a.redisPub = pub
		}
	}

	if err := a.manager.StartAll(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.log.WithField("addr", addr).Info("gateway listening")
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.WithError(err).Error("http server failed")
		}
	}()
	return nil
}

// Stop shuts the listener and background services down.
func (a *Application) Stop(ctx context.Context) error {
	var firstErr error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if err := a.manager.StopAll(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.redisPub != nil {
		if err := a.redisPub.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
