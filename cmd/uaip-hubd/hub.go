/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package main is the composition root for the hub message plane
// daemon: it loads configuration, wires every component together, and
// runs the queue/dispatch/session background loops until a shutdown
// signal arrives (spec §9 "Global state ... model these as a
// composition root built at start-up"). Accepting inbound connections
// and exposing a metrics scrape surface are out-of-scope HTTP/WebSocket
// framing concerns (spec §1); this package exposes the named interfaces
// (HandleConnection, the registered prometheus.Collectors) an external
// ingress process would drive.
package main

import (
	"context"
	"time"

	"github.com/go-redis/redis/v9"
	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/square/go-jose.v2"

	"github.com/openuaip/hub/lib/audit"
	"github.com/openuaip/hub/lib/auth"
	"github.com/openuaip/hub/lib/auth/trustbundle"
	"github.com/openuaip/hub/lib/bus"
	"github.com/openuaip/hub/lib/cache"
	"github.com/openuaip/hub/lib/config"
	"github.com/openuaip/hub/lib/jwt"
	"github.com/openuaip/hub/lib/model"
	"github.com/openuaip/hub/lib/observability/metrics"
	"github.com/openuaip/hub/lib/qos"
	"github.com/openuaip/hub/lib/queue"
	"github.com/openuaip/hub/lib/ratelimit"
	"github.com/openuaip/hub/lib/registry"
	"github.com/openuaip/hub/lib/router"
	"github.com/openuaip/hub/lib/session"
	"github.com/openuaip/hub/lib/store"
	"github.com/openuaip/hub/lib/uaiperr"
)

var log = logrus.WithFields(logrus.Fields{"component": "hubd"})

// Hub holds every wired component and the resources that outlive a
// single connection: the background loops and the process-lifetime
// connections (postgres pool, redis clients) that Close must release.
type Hub struct {
	cfg *config.Config

	store    store.Store
	cache    cache.Cache
	bus      bus.Bus
	audit    audit.Log
	gate     *auth.Gate
	registry *registry.Registry
	sessions *session.Manager
	queue    *queue.Queue
	qos      *qos.Engine
	router   *router.Router

	pgPool      *pgxpool.Pool
	cacheClient *redis.Client
	busClient   *redis.Client

	wsServer *websocketServer
}

// Build wires every component from cfg. It does not start any
// background loops; call Serve for that.
func Build(ctx context.Context, cfg *config.Config) (*Hub, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	clock := clockwork.NewRealClock()
	h := &Hub{cfg: cfg}

	ca, err := loadOrGenerateCA(cfg.PKI, cfg.ClusterName)
	if err != nil {
		return nil, trace.Wrap(err, "loading CA identity")
	}

	if err := h.buildStoreAndAudit(ctx, cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.buildCache(cfg, clock); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.buildBus(cfg); err != nil {
		return nil, trace.Wrap(err)
	}

	tokens, err := jwt.New(&jwt.Config{
		Clock:      clock,
		PrivateKey: ca.key,
		Algorithm:  jose.RS256,
		Issuer:     cfg.ClusterName,
	})
	if err != nil {
		return nil, trace.Wrap(err, "constructing token signer")
	}

	bundle := trustbundle.New()
	bundle.Add(ca.cert)

	limiter, err := ratelimit.New(ratelimit.Config{
		Rate:  cfg.RateLimit.RequestsPerSecond,
		Burst: float64(cfg.RateLimit.Burst),
		Clock: clock,
	})
	if err != nil {
		return nil, trace.Wrap(err, "constructing rate limiter")
	}

	gate, err := auth.New(auth.Config{
		Store:           h.store,
		Tokens:          tokens,
		TrustBundle:     bundle,
		ConsumedRefresh: cache.NewMemoryCache(clock),
		Audit:           h.audit,
		RateLimit:       limiter,
		Clock:           clock,
	})
	if err != nil {
		return nil, trace.Wrap(err, "constructing auth gate")
	}
	h.gate = gate

	issuer := registry.NewIssuer(ca.key, ca.cert, clock)
	reg, err := registry.New(registry.Config{
		Store:  h.store,
		Cache:  h.cache,
		Issuer: issuer,
		Clock:  clock,
	})
	if err != nil {
		return nil, trace.Wrap(err, "constructing device registry")
	}
	h.registry = reg

	sessions, err := session.New(session.Config{
		Clock:   clock,
		Devices: reg,
	})
	if err != nil {
		return nil, trace.Wrap(err, "constructing session manager")
	}
	h.sessions = sessions

	q, err := queue.New(queue.Config{
		Clock:         clock,
		Capacity:      cfg.Queue.MaxSize,
		SweepInterval: cfg.Queue.SweepInterval,
	})
	if err != nil {
		return nil, trace.Wrap(err, "constructing priority queue")
	}
	h.queue = q

	qosMetrics, err := metrics.NewQoSMetrics()
	if err != nil {
		return nil, trace.Wrap(err, "registering qos metrics")
	}

	// rtr is assigned once the Router is constructed below; OnTerminal
	// only fires at runtime, long after Build returns, so the closure
	// capturing the not-yet-assigned variable is safe (spec §4.7/§7
	// asynchronous failure notification, see router.NotifyFailure).
	var rtr *router.Router
	qosEngine, err := qos.New(qos.Config{
		Sessions:              sessions,
		Clock:                 clock,
		QoS1Attempts:          cfg.QoS.QoS1Attempts,
		QoS2Attempts:          cfg.QoS.QoS2Attempts,
		BaseBackoff:           cfg.QoS.BaseBackoff,
		CapBackoff:            cfg.QoS.CapBackoff,
		BackpressureDelay:     cfg.QoS.BackpressureDelay,
		BackpressureThreshold: cfg.QoS.BackpressureThreshold,
		DedupTTL:              cfg.QoS.DedupTTL,
		OnTerminal: func(envelope *model.Envelope, kind uaiperr.Kind) {
			qosMetrics.Deliveries.WithLabelValues(envelope.QoS.String(), string(kind)).Inc()
			if kind != "" && rtr != nil {
				rtr.NotifyFailure(ctx, envelope, kind)
			}
		},
	})
	if err != nil {
		return nil, trace.Wrap(err, "constructing qos engine")
	}
	h.qos = qosEngine

	routerMetrics, err := metrics.NewRouterMetrics()
	if err != nil {
		return nil, trace.Wrap(err, "registering router metrics")
	}

	authMetrics, err := metrics.NewAuthMetrics()
	if err != nil {
		return nil, trace.Wrap(err, "registering auth metrics")
	}

	rtr, err = router.New(router.Config{
		Registry:             reg,
		Sessions:             sessions,
		Queue:                q,
		QoS:                  qosEngine,
		Audit:                h.audit,
		Clock:                clock,
		EnvelopeDedupWindow:  cfg.Router.EnvelopeDedupWindow,
		DispatchPollInterval: cfg.Router.DispatchPollInterval,
	})
	if err != nil {
		return nil, trace.Wrap(err, "constructing router")
	}
	h.router = rtr

	h.wsServer = newWebsocketServer(cfg, gate, sessions, rtr, routerMetrics, authMetrics)

	return h, nil
}

func (h *Hub) buildStoreAndAudit(ctx context.Context, cfg *config.Config) error {
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := pgxpool.Connect(ctx, cfg.Store.DSN)
		if err != nil {
			return trace.Wrap(err, "connecting to postgres store")
		}
		h.pgPool = pool
		h.store = store.NewPostgresStore(pool)
		h.audit = audit.New(audit.NewPostgresWriter(pool))
	default:
		h.store = store.NewMemoryStore()
		h.audit = audit.New(audit.NewMemoryWriter())
	}
	return nil
}

func (h *Hub) buildCache(cfg *config.Config, clock clockwork.Clock) error {
	switch cfg.Cache.Driver {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Cache.Addr})
		h.cacheClient = client
		h.cache = cache.NewRedisCache(client)
	default:
		h.cache = cache.NewMemoryCache(clock)
	}
	return nil
}

func (h *Hub) buildBus(cfg *config.Config) error {
	switch cfg.Bus.Driver {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Bus.Addr})
		h.busClient = client
		h.bus = bus.NewRedisBus(client)
	default:
		h.bus = bus.NewMemoryBus()
	}
	return nil
}

// Serve starts every background loop (queue expiry sweep, router
// dispatch workers, session expiry and device offline sweep) and blocks until ctx is
// cancelled. It does not bind any listening socket: accepting inbound
// connections and exposing a metrics scrape surface are HTTP/WebSocket
// framing concerns spec.md places out of scope as external
// collaborators (spec §1) — callers that need to accept real traffic
// hand already-upgraded connections to (*Hub).HandleConnection and
// already-registered metrics to their own scrape surface.
func (h *Hub) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.queue.RunExpirySweep(gctx, func(envelope *model.Envelope) {
			if err := h.audit.Emit(gctx, audit.Entry{
				Resource: envelope.Header.EnvelopeID,
				Action:   "route",
				Success:  false,
				Kind:     uaiperr.TtlExpired,
				Reason:    "envelope exceeded its time-to-live while queued",
				Timestamp: time.Now(),
			}); err != nil {
				log.WithError(err).Warn("failed to record ttl-expiry audit entry")
			}
		})
		return nil
	})
	g.Go(func() error { return h.router.RunDispatcher(gctx, h.cfg.Router.DispatchWorkers) })
	g.Go(func() error { h.runSessionSweep(gctx); return nil })

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	h.sessions.Shutdown(shutdownCtx)
	h.queue.Close()

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return trace.Wrap(err)
	}
	return nil
}

// HandleConnection runs the session transport protocol over an
// already-upgraded websocket connection and blocks until the session
// closes. The upgrade itself (accepting an HTTP request and switching
// protocols) is left to an out-of-scope ingress server; this method is
// the named interface spec §9's composition root exposes to it.
func (h *Hub) HandleConnection(ctx context.Context, conn *websocket.Conn, sourceAddr string) error {
	return h.wsServer.handleConnection(ctx, conn, sourceAddr)
}

func (h *Hub) runSessionSweep(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Transport.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := h.sessions.SweepExpired(ctx, time.Now()); n > 0 {
				log.WithField("count", n).Debug("swept expired sessions")
			}
			if n, err := h.registry.SweepOffline(ctx, time.Now()); err != nil {
				log.WithError(err).Warn("device offline sweep failed")
			} else if n > 0 {
				log.WithField("count", n).Debug("marked stale devices offline")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close releases process-lifetime resources not owned by Serve's
// shutdown path (used when Build succeeds but Serve is never called).
func (h *Hub) Close() {
	if h.pgPool != nil {
		h.pgPool.Close()
	}
	if h.cacheClient != nil {
		h.cacheClient.Close()
	}
	if h.busClient != nil {
		h.busClient.Close()
	}
	if err := h.bus.Close(); err != nil {
		log.WithError(err).Warn("error closing bus adapter")
	}
}
