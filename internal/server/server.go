// Package server wires linkedge together: the public redirect listener, the
// ops listener (health probes and Prometheus metrics), the optional gRPC
// health service and the background sync, eviction and analytics loops.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/linkedge/linkedge/internal/analytics"
	"github.com/linkedge/linkedge/internal/config"
	"github.com/linkedge/linkedge/internal/dispatch"
	"github.com/linkedge/linkedge/internal/eviction"
	"github.com/linkedge/linkedge/internal/middleware"
	"github.com/linkedge/linkedge/internal/observability"
	"github.com/linkedge/linkedge/internal/ratelimit"
	iredis "github.com/linkedge/linkedge/internal/redis"
	"github.com/linkedge/linkedge/internal/routing"
	"github.com/linkedge/linkedge/internal/stream"
	"github.com/linkedge/linkedge/internal/syncer"
	"github.com/linkedge/linkedge/internal/useragent"
)

// Server is the linkedge process.
type Server struct {
	cfg      *config.Config
	cfgMu    sync.Mutex
	logger   *slog.Logger
	levelVar *slog.LevelVar
	version  string

	mainServer  *http.Server
	http3Server *http3.Server // nil when HTTP/3 is disabled.
	opsServer   *http.Server
	grpcServer  *grpc.Server // nil when no gRPC health address is set.
	grpcHealth  *grpcHealth
	certs       *certHolder // non-nil when TLS is enabled.

	health   *observability.HealthChecker
	metrics  *observability.Metrics
	registry *prometheus.Registry

	table      *routing.Table
	lru        *eviction.Manager
	coord      *syncer.Coordinator
	stream     *stream.Client
	classifier *useragent.Classifier
	attempts   *ratelimit.AttemptLimiter
	emitter    *analytics.Emitter
	redis      iredis.Client // nil unless stream.mode is redis.
	chain      *middleware.Chain

	// Bound addresses, set by Run.
	addrMu   sync.Mutex
	mainAddr net.Addr
	opsAddr  net.Addr
	grpcAddr net.Addr
	bound    chan struct{}
}

// New builds every component from cfg. Nothing listens until Run. levelVar
// may be nil; when set, Reload adjusts it.
func New(cfg *config.Config, logger *slog.Logger, levelVar *slog.LevelVar, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		levelVar: levelVar,
		version:  version,
		health:   health,
		metrics:  metrics,
		registry: reg,
		bound:    make(chan struct{}),
	}

	s.table = routing.New(cfg.Routing.FilterCapacity, logger)
	s.lru = eviction.New(evictionConfig(cfg.Cache), logger, eviction.WithObserver(metrics))
	s.coord = syncer.New(s.table, s.lru, logger, metrics)

	src, err := s.buildSource(cfg)
	if err != nil {
		return nil, err
	}
	s.stream = stream.NewClient(src, streamOptions(cfg.Stream), logger, metrics)
	health.AddCheck("stream", s.stream)

	s.classifier = useragent.NewClassifier(cfg.Routing.UACacheSize)
	s.attempts = ratelimit.NewAttemptLimiter(cfg.Password.MaxAttempts,
		config.MustParseDuration(cfg.Password.AttemptWindow, time.Minute))
	s.emitter = analytics.NewEmitter(cfg.Analytics, logger, metrics)

	opts := []dispatch.Option{dispatch.WithToucher(s.lru)}
	if len(cfg.Routing.CountryHeaders) > 0 {
		opts = append(opts, dispatch.WithCountryHeaders(cfg.Routing.CountryHeaders))
	}
	if s.emitter != nil {
		opts = append(opts, dispatch.WithRecorder(s.emitter))
	}
	d := dispatch.New(s.table, s.classifier, metrics, opts...)

	s.chain, err = middleware.NewChain(cfg, d, s.attempts, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("create http chain: %w", err)
	}

	s.mainServer, s.http3Server = buildMainServer(cfg, s.chain, logger)
	s.opsServer = buildOpsServer(health, reg)
	if cfg.Ops.GRPCHealthAddress != "" {
		s.grpcServer, s.grpcHealth = buildGRPCHealth()
	}
	return s, nil
}

func (s *Server) buildSource(cfg *config.Config) (stream.Source, error) {
	if cfg.Stream.Mode != config.StreamModeRedis {
		// No client timeout: the response body is the long-lived stream.
		return stream.NewSSESource(cfg.Stream.URL, cfg.Stream.Token.Value(), &http.Client{}), nil
	}
	iredis.WarnInsecureRedis(cfg.Redis.TLS, s.logger)
	// The stream owns reconnects, so an unreachable Redis is not fatal here.
	client, err := iredis.NewClientWithoutPing(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("create redis client: %w", err)
	}
	s.redis = client
	s.health.AddCheck("redis", iredis.Pinger{Client: client})
	return stream.NewRedisSource(client, cfg.Stream.RedisChannel), nil
}

func evictionConfig(c config.CacheConfig) eviction.Config {
	return eviction.Config{
		MaxHeapMB:         c.MaxHeapMB,
		EvictionBatchSize: c.EvictionBatch,
		CheckInterval:     c.CheckInterval(),
		EnableMetrics:     c.Metrics,
	}
}

func streamOptions(c config.StreamConfig) stream.Options {
	return stream.Options{
		InitialBackoff: config.MustParseDuration(c.InitialBackoff, time.Second),
		MaxBackoff:     config.MustParseDuration(c.MaxBackoff, 30*time.Second),
		Factor:         c.BackoffFactor,
		BufferSize:     c.BufferSize,
	}
}

func buildMainServer(cfg *config.Config, chain http.Handler, logger *slog.Logger) (*http.Server, *http3.Server) {
	readTimeout, _ := config.ParseDuration(cfg.Server.ReadTimeout, 5*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Server.WriteTimeout, 10*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	mainHandler := h2c.NewHandler(chain, &http2.Server{})

	var h3srv *http3.Server
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address(),
			Handler:        chain,
			MaxHeaderBytes: 1 << 20,
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false, // 0-RTT data can be replayed.
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				if err := h3srv.SetQUICHeaders(w.Header()); err != nil {
					logger.Debug("failed to set Alt-Svc header", "error", err)
				}
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readTimeout,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return srv, h3srv
}

// Run binds every listener, starts the background loops and blocks until ctx
// is cancelled or a listener fails. Shutdown drains within the configured
// drain timeout.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(context.Context) error { return nil }
	}

	listeners, err := s.listen()
	if err != nil {
		_ = tracingShutdown(context.Background())
		s.closeResources()
		return err
	}
	s.health.SetStarted()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serveHTTP("ops server", s.opsServer, listeners.ops)
	})
	g.Go(func() error {
		return serveHTTP("redirect server", s.mainServer, listeners.main)
	})
	if s.http3Server != nil {
		g.Go(func() error {
			s.logger.Info("HTTP/3 (QUIC) server starting", "address", s.cfg.Server.Address())
			err := s.http3Server.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP/3 server: %w", err)
			}
			return nil
		})
	}
	if s.grpcServer != nil {
		g.Go(func() error {
			if err := s.grpcServer.Serve(listeners.grpc); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc health server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			s.grpcHealth.follow(gctx, s.stream)
			return nil
		})
	}

	g.Go(func() error {
		// Close during shutdown can win the race against Run.
		if err := s.stream.Run(gctx); !errors.Is(err, stream.ErrClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return s.coord.Run(gctx, s.stream.Events()) })
	g.Go(func() error {
		s.lru.Start(gctx, func() { s.coord.Evict() })
		return nil
	})

	s.health.SetReady()
	s.logger.Info("linkedge is ready",
		"version", s.version,
		"address", listeners.main.Addr().String(),
		"ops_address", listeners.ops.Addr().String(),
		"stream", s.stream.String(),
		"analytics", s.emitter.String())

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			s.logger.Info("shutdown signal received, draining")
		}
		return s.shutdown(tracingShutdown)
	})

	return g.Wait()
}

type boundListeners struct {
	main, ops, grpc net.Listener
}

// listen binds every TCP listener up front so readiness is only reported
// once the process can accept connections.
func (s *Server) listen() (*boundListeners, error) {
	var l boundListeners
	var err error
	closeAll := func() {
		for _, ln := range []net.Listener{l.main, l.ops, l.grpc} {
			if ln != nil {
				_ = ln.Close()
			}
		}
	}

	if l.ops, err = net.Listen("tcp", s.cfg.Ops.Address); err != nil {
		return nil, fmt.Errorf("ops server listen: %w", err)
	}
	if l.main, err = net.Listen("tcp", s.cfg.Server.Address()); err != nil {
		closeAll()
		return nil, fmt.Errorf("redirect server listen: %w", err)
	}
	if s.cfg.Server.TLS.Enabled {
		ch, certErr := newCertHolder(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		if certErr != nil {
			closeAll()
			return nil, certErr
		}
		s.certs = ch
		tlsCfg := &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: ch.GetCertificate,
			NextProtos:     []string{"h2", "http/1.1"},
		}
		s.mainServer.TLSConfig = tlsCfg
		if s.http3Server != nil {
			h3cfg := tlsCfg.Clone()
			h3cfg.NextProtos = nil
			s.http3Server.TLSConfig = h3cfg
		}
		l.main = tls.NewListener(l.main, tlsCfg)
	}
	if s.grpcServer != nil {
		if l.grpc, err = net.Listen("tcp", s.cfg.Ops.GRPCHealthAddress); err != nil {
			closeAll()
			return nil, fmt.Errorf("grpc health listen: %w", err)
		}
	}

	s.addrMu.Lock()
	s.mainAddr, s.opsAddr = l.main.Addr(), l.ops.Addr()
	if l.grpc != nil {
		s.grpcAddr = l.grpc.Addr()
	}
	s.addrMu.Unlock()
	close(s.bound)
	return &l, nil
}

func serveHTTP(name string, srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Reload applies hot-reloadable settings: log level, eviction tuning,
// password throttling, trusted proxies and TLS certificates. Settings that
// need a restart are logged and left unchanged.
func (s *Server) Reload(newCfg *config.Config) error {
	s.cfgMu.Lock()
	old := s.cfg
	s.cfgMu.Unlock()

	if fields := newCfg.RequiresRestart(old); len(fields) > 0 {
		s.logger.Warn("config changes require a restart and were not applied", "fields", fields)
	}

	if err := s.chain.Reload(newCfg); err != nil {
		return err
	}
	if s.levelVar != nil {
		s.levelVar.Set(observability.ParseLevel(newCfg.Logging.Level))
	}
	s.lru.SetConfig(evictionConfig(newCfg.Cache))

	if s.certs != nil && newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		if err := s.certs.Reload(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile); err != nil {
			s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		} else {
			s.logger.Info("TLS certificates reloaded")
		}
	}

	s.cfgMu.Lock()
	s.cfg = newCfg
	s.cfgMu.Unlock()
	s.logger.Info("configuration reloaded")
	return nil
}

// Addrs returns the bound redirect and ops addresses once Run has bound
// them. It blocks until then or until ctx is done.
func (s *Server) Addrs(ctx context.Context) (main, ops net.Addr, err error) {
	select {
	case <-s.bound:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.mainAddr, s.opsAddr, nil
}

// GRPCAddr returns the bound gRPC health address, or nil.
func (s *Server) GRPCAddr() net.Addr {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.grpcAddr
}

func (s *Server) shutdown(tracingShutdown func(context.Context) error) error {
	s.health.SetNotReady()

	s.cfgMu.Lock()
	drainTimeout, _ := config.ParseDuration(s.cfg.Server.DrainTimeout, 15*time.Second)
	s.cfgMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}
	if err := s.mainServer.Shutdown(ctx); err != nil {
		s.logger.Error("redirect server shutdown error", "error", err)
	}
	if s.grpcServer != nil {
		s.grpcHealth.shutdown()
		s.grpcServer.GracefulStop()
	}
	if err := s.opsServer.Shutdown(ctx); err != nil {
		s.logger.Error("ops server shutdown error", "error", err)
	}

	s.closeResources()
	if err := tracingShutdown(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}
	s.logger.Info("shutdown complete")
	return nil
}

// closeResources stops the stream and flushes pending analytics.
func (s *Server) closeResources() {
	if err := s.stream.Close(); err != nil {
		s.logger.Error("stream close error", "error", err)
	}
	if err := s.emitter.Close(); err != nil {
		s.logger.Error("analytics close error", "error", err)
	}
	s.attempts.Close()
	s.classifier.Close()
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
}
