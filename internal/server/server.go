// Package server orchestrates chatgate's main API server and admin server.
// The main server carries the rate-limited relay endpoints; the admin server
// exposes health checks, Prometheus metrics, and key pool status.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/vynthen/chatgate/internal/admission"
	"github.com/vynthen/chatgate/internal/config"
	"github.com/vynthen/chatgate/internal/keypool"
	"github.com/vynthen/chatgate/internal/middleware"
	"github.com/vynthen/chatgate/internal/observability"
	iredis "github.com/vynthen/chatgate/internal/redis"
	"github.com/vynthen/chatgate/internal/upstream"
)

// Server is the main chatgate server.
type Server struct {
	cfg             *config.Config
	logger          *slog.Logger
	version         string
	mainServer      *http.Server
	http3Server     *http3.Server // nil when HTTP/3 is disabled.
	adminServer     *http.Server
	strategy        admission.Strategy
	pool            *keypool.Pool
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error
	certs           *certHolder // non-nil when TLS is enabled; supports hot-reload.
}

// New creates a new chatgate server instance.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	// Warn about insecure configurations at startup.
	iredis.WarnInsecureRedis(cfg.Redis.TLS, logger)
	iredis.InitLogger(logger)
	logEffectiveConfig(cfg, logger)

	pool := keypool.New()
	if err := pool.Initialize(logger); err != nil {
		// Startup continues: keys may be provisioned after boot, and every
		// relay reads the pool fresh. Relay requests 503 until then.
		logger.Warn("starting without upstream credentials", "error", err)
	}

	strategy, err := admission.NewStrategy(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create admission strategy: %w", err)
	}
	if p, ok := strategy.(observability.Pinger); ok {
		health.SetStorePinger(p)
	}

	gate := middleware.NewGate(strategy, metrics, logger)
	relay := upstream.NewClient(cfg.Upstream, pool, metrics, logger)
	hs := newHandlers(relay, pool, logger)

	mainServer, h3srv := buildMainServer(cfg, buildRoutes(gate, hs), logger)
	adminServer := buildAdminServer(cfg, health, reg, hs, logger)

	return &Server{
		cfg:         cfg,
		logger:      logger,
		version:     version,
		mainServer:  mainServer,
		http3Server: h3srv,
		adminServer: adminServer,
		strategy:    strategy,
		pool:        pool,
		health:      health,
		metrics:     metrics,
	}, nil
}

// logEffectiveConfig dumps the resolved configuration at debug level with
// sensitive values scrubbed.
func logEffectiveConfig(cfg *config.Config, logger *slog.Logger) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	logger.Debug("effective configuration", "config", observability.Sanitize(m))
}

// buildRoutes wires the relay endpoints through the admission gate with
// their endpoint classes.
func buildRoutes(gate *middleware.Gate, h *handlers) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /v1/chat/completions",
		gate.Limit(admission.ClassAI, http.HandlerFunc(h.chatCompletions)))
	mux.Handle("POST /v1/images/generations",
		gate.Limit(admission.ClassImageGeneration, http.HandlerFunc(h.imageGenerations)))
	return mux
}

func buildMainServer(cfg *config.Config, handler http.Handler, logger *slog.Logger) (*http.Server, *http3.Server) {
	readTimeout, _ := config.ParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Server.WriteTimeout, 120*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	h2s := &http2.Server{}
	mainHandler := h2c.NewHandler(handler, h2s)

	var h3srv *http3.Server
	if cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        handler,
			MaxHeaderBytes: 1 << 20, // 1 MiB — same as the TCP server.
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false, // Disable 0-RTT to prevent replay attacks.
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				if setErr := h3srv.SetQUICHeaders(w.Header()); setErr != nil {
					logger.Debug("failed to set Alt-Svc header", "error", setErr)
				}
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default to prevent large-header DoS.
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}

	return srv, h3srv
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry, h *handlers, logger *slog.Logger) *http.Server {
	adminReadTimeout, _ := config.ParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout, _ := config.ParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout, _ := config.ParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	adminMux.HandleFunc("GET /v1/keys/status", h.keyStatus)

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default.
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}
}

// certHolder provides atomic TLS certificate hot-reload via GetCertificate.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

// newCertHolder creates and loads the initial certificate.
func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new certificate from disk and atomically swaps it.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

// tlsMinVersion returns the tls.Config MinVersion from config, defaulting to
// TLS 1.2.
func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Run starts the main and admin servers and blocks until the context is
// canceled, then performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	// Separate Listen from Serve so readiness flips only after the main
	// listener has bound.
	ln, err := net.Listen("tcp", s.cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("api server listen: %w", err)
	}

	if s.cfg.Server.TLS.Enabled {
		ch, certErr := newCertHolder(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		if certErr != nil {
			_ = ln.Close()
			return certErr
		}
		s.certs = ch

		tlsCfg := &tls.Config{
			MinVersion:     tlsMinVersion(s.cfg),
			GetCertificate: ch.GetCertificate,
		}
		s.mainServer.TLSConfig = tlsCfg
		// Share the same TLS config with the HTTP/3 server so both
		// listeners enforce identical MinVersion and ciphers.
		if s.http3Server != nil {
			s.http3Server.TLSConfig = tlsCfg
		}
		ln = tls.NewListener(ln, tlsCfg)
	}

	g, runCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
		if serveErr := s.adminServer.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			return fmt.Errorf("admin server: %w", serveErr)
		}
		return nil
	})

	g.Go(func() error {
		s.logger.Info("api server starting",
			"address", s.cfg.Server.Address,
			"upstream", s.cfg.Upstream.BaseURL,
			"tls", s.cfg.Server.TLS.Enabled,
			"http3", s.cfg.Server.TLS.HTTP3Enabled)
		if serveErr := s.mainServer.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			return fmt.Errorf("api server: %w", serveErr)
		}
		return nil
	})

	if s.http3Server != nil {
		g.Go(func() error {
			s.logger.Info("HTTP/3 (QUIC) server starting", "address", s.cfg.Server.Address)
			serveErr := s.http3Server.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
			if serveErr != nil && serveErr != http.ErrServerClosed {
				return fmt.Errorf("HTTP/3 server: %w", serveErr)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-runCtx.Done()
		s.logger.Info("shutdown signal received, draining...")
		return s.shutdown()
	})

	s.health.SetStarted()
	s.health.SetReady()
	s.logger.Info("chatgate is ready", "version", s.version)

	return g.Wait()
}

// Reload applies a hot-reloadable config change. Fields that require a
// restart are reported and left untouched.
func (s *Server) Reload(newCfg *config.Config) error {
	if fields := newCfg.RequiresRestart(s.cfg); len(fields) > 0 {
		s.logger.Warn("config change requires restart, keeping old values", "fields", fields)
	}

	if s.certs != nil && newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		if err := s.certs.Reload(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile); err != nil {
			s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		} else {
			s.logger.Info("TLS certificates reloaded")
		}
	}

	s.cfg = newCfg
	return nil
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout, _ := config.ParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("api server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	if err := s.strategy.Close(); err != nil {
		s.logger.Error("admission strategy close error", "error", err)
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	snap := s.metrics.Snapshot()
	s.logger.Info("shutdown complete",
		"requests_allowed", snap.Allowed,
		"requests_limited", snap.Limited,
		"store_errors", snap.StoreErrors,
		"fail_open", snap.FailOpen,
		"key_rotations", snap.KeyRotations,
		"upstream_failures", snap.UpstreamFailures)
	return nil
}
