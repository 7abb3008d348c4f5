// Package server is the HTTP adapter: the chi router over the operator
// API, the two websocket endpoints, and the coordinated shutdown
// sequence.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kaonis/woly-server/internal/aggregator"
	"github.com/kaonis/woly-server/internal/config"
	"github.com/kaonis/woly-server/internal/metrics"
	"github.com/kaonis/woly-server/internal/nodegate"
	"github.com/kaonis/woly-server/internal/router"
	"github.com/kaonis/woly-server/internal/store"
	"github.com/kaonis/woly-server/internal/stream"
	"github.com/kaonis/woly-server/internal/vendorlookup"
	"github.com/kaonis/woly-server/internal/webhook"
)

const httpShutdownTimeout = 10 * time.Second

// Deps collects the components the server wires together.
type Deps struct {
	Store    *store.Store
	Agg      *aggregator.Aggregator
	Router   *router.Router
	Nodes    *nodegate.Manager
	Broker   *stream.Broker
	Webhooks *webhook.Dispatcher
	Metrics  *metrics.Registry
	Vendors  *vendorlookup.Lookup
}

// Server is the HTTP front of woly-server.
type Server struct {
	log zerolog.Logger
	cfg *config.Config

	store    *store.Store
	agg      *aggregator.Aggregator
	router   *router.Router
	nodes    *nodegate.Manager
	broker   *stream.Broker
	webhooks *webhook.Dispatcher
	metrics  *metrics.Registry
	vendors  *vendorlookup.Lookup

	httpSrv *http.Server
}

// New creates the server and builds its route tree.
func New(log zerolog.Logger, cfg *config.Config, deps Deps) *Server {
	s := &Server{
		log:      log.With().Str("component", "server").Logger(),
		cfg:      cfg,
		store:    deps.Store,
		agg:      deps.Agg,
		router:   deps.Router,
		nodes:    deps.Nodes,
		broker:   deps.Broker,
		webhooks: deps.Webhooks,
		metrics:  deps.Metrics,
		vendors:  deps.Vendors,
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", s.handleMetrics)

	r.Get("/ws/node", s.nodes.HandleUpgrade)
	r.Get("/ws/subscribe", s.broker.HandleUpgrade)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/hosts", s.handleListHosts)
		r.Get("/hosts/stats", s.handleHostStats)
		r.Post("/hosts/scan", s.handleScan)
		r.Route("/hosts/{fqn}", func(r chi.Router) {
			r.Get("/", s.handleGetHost)
			r.Patch("/", s.handleUpdateHost)
			r.Delete("/", s.handleDeleteHost)
			r.Get("/uptime", s.handleHostUptime)
			r.Post("/wake", s.handleWake)
			r.Post("/sleep", s.handleSleep)
			r.Post("/shutdown", s.handleShutdownHost)
			r.Post("/ping", s.handlePing)
			r.Post("/scan-ports", s.handleScanPorts)
		})

		r.Get("/nodes", s.handleListNodes)
		r.Get("/commands/{id}", s.handleGetCommand)

		r.Get("/schedules", s.handleListSchedules)
		r.Post("/schedules", s.handleCreateSchedule)
		r.Get("/schedules/{id}", s.handleGetSchedule)
		r.Put("/schedules/{id}", s.handleUpdateSchedule)
		r.Delete("/schedules/{id}", s.handleDeleteSchedule)

		r.Get("/webhooks", s.handleListWebhooks)
		r.Post("/webhooks", s.handleCreateWebhook)
		r.Delete("/webhooks/{id}", s.handleDeleteWebhook)
		r.Get("/webhooks/{id}/deliveries", s.handleListDeliveries)

		r.Get("/vendor/{mac}", s.handleVendor)
		r.Get("/stream/stats", s.handleStreamStats)
	})

	return r
}

// corsMiddleware applies exact-origin matching, or reflects everything
// when the list is ["*"].
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.cfg.CorsAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Idempotency-Key")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until the context is cancelled, then walks the shutdown
// sequence: stop upgrades, fail inflight commands, stop event sinks,
// close node channels, close subscribers, flush the pruners, close
// storage.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("http server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		s.runPruners(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})

	return g.Wait()
}

// runPruners periodically reclaims terminal command rows and old status
// transitions.
func (s *Server) runPruners(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pruneOnce()
		}
	}
}

func (s *Server) pruneOnce() {
	if n, err := s.router.PruneLog(); err != nil {
		s.log.Error().Err(err).Msg("command log prune failed")
	} else if n > 0 {
		s.log.Info().Int64("count", n).Msg("pruned terminal commands")
	}
	if n, err := s.agg.PruneHistory(); err != nil {
		s.log.Error().Err(err).Msg("history prune failed")
	} else if n > 0 {
		s.log.Info().Int64("count", n).Msg("pruned status history")
	}
}

func (s *Server) shutdown() {
	s.log.Info().Msg("shutting down")

	// New upgrades are refused first so the connection sets only shrink
	// from here.
	s.nodes.StopAccepting()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("http shutdown incomplete")
	}

	// Inflight commands fail fast so no caller blocks on a node that is
	// about to be disconnected.
	s.router.Shutdown()
	s.webhooks.Shutdown()

	s.nodes.Shutdown()
	s.broker.Shutdown()

	s.pruneOnce()

	if err := s.store.Close(); err != nil {
		s.log.Error().Err(err).Msg("failed to close storage")
	}
	s.log.Info().Msg("shutdown complete")
}
