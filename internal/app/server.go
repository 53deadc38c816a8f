package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"quictunnel/internal/config"
	"quictunnel/internal/forward"
	"quictunnel/internal/listener"
	"quictunnel/internal/logging"
	"quictunnel/internal/stream"
	"quictunnel/internal/supervisor"
	"quictunnel/internal/telemetry"
	"quictunnel/internal/tunnel"
)

// ServerOptions carries process-level dependencies of a relay.
type ServerOptions struct {
	// Logging, if set, receives reloaded logging settings and backs /logs.
	Logging *logging.Runtime
	Logger  *slog.Logger
	// Overlay is re-applied on every config reload, e.g. command line flags.
	Overlay func(*config.ServerConfig)
}

// Server is a bound relay: the tunnel endpoint, the front-end listeners and
// the admin endpoint are all open once NewServer returns.
type Server struct {
	cfg    config.ServerConfig
	opts   ServerOptions
	logger *slog.Logger

	metrics  *prometheus.Registry
	counters *telemetry.TrafficCounters
	queue    *stream.Queue
	peers    *tunnel.Registry

	tunnelLn  tunnel.Listener
	listeners map[string]*listener.Listener
	admin     *telemetry.AdminServer
	adminLn   net.Listener
	watcher   *config.Watcher

	sup       *supervisor.Supervisor
	stopping  atomic.Bool
	closeOnce sync.Once
}

// NewServer validates cfg and binds every configured socket. Nothing is
// served until Run.
func NewServer(cfg config.ServerConfig, opts ServerOptions) (_ *Server, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		metrics:   prometheus.NewRegistry(),
		peers:     tunnel.NewRegistry(),
		queue:     stream.NewQueue(context.Background()),
		listeners: make(map[string]*listener.Listener),
		sup:       supervisor.New(logger),
	}
	s.sup.OnShutdown(s.closeAll)
	defer func() {
		if err != nil {
			s.closeAll()
		}
	}()

	s.counters = telemetry.NewTrafficCounters(s.metrics)
	s.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "quictunnel_queued_streams",
			Help: "Local connections waiting for a tunnel peer",
		}, func() float64 { return float64(s.queue.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "quictunnel_serving_peers",
			Help: "Tunnel peers ready to carry streams",
		}, func() float64 { return float64(s.peers.Serving()) }),
	)

	if err := s.bindTunnel(); err != nil {
		return nil, err
	}
	for _, fe := range []struct{ network, addr string }{
		{"tcp", cfg.TCPListen},
		{"udp", cfg.UDPListen},
		{"unix", cfg.UnixListen},
	} {
		if fe.addr == "" {
			continue
		}
		l, err := listener.New(listener.Options{Network: fe.network, Addr: fe.addr, Queue: s.queue, Logger: logger})
		if err != nil {
			return nil, err
		}
		if err := l.Bind(); err != nil {
			return nil, err
		}
		s.listeners[fe.network] = l
	}
	if cfg.AdminAddr != "" {
		s.admin = telemetry.NewAdminServer(s.adminOptions())
		if s.adminLn, err = s.admin.Listen(); err != nil {
			return nil, fmt.Errorf("admin: listen %s: %w", cfg.AdminAddr, err)
		}
		logger.Info("admin: listening", "addr", s.adminLn.Addr().String())
	}
	if cfg.ConfigPath != "" && cfg.Reload.Enabled {
		s.watcher = config.NewWatcher(cfg.ConfigPath, cfg, config.WatcherOptions{Overlay: opts.Overlay, Logger: logger})
		s.watcher.Subscribe(s.applyReload)
	}
	return s, nil
}

func (s *Server) bindTunnel() error {
	tr, err := tunnel.TransportByName(s.cfg.Transport)
	if err != nil {
		return err
	}
	mode, err := tunnel.ParseCongestionMode(s.cfg.Congestion)
	if err != nil {
		return err
	}
	if mode != tunnel.CongestionNewReno {
		s.logger.Warn("tunnel: congestion mode is advisory; using the transport default", "congestion_mode", string(mode))
	}
	tlsConf, err := tunnel.ServerTLSConfig(tunnel.ServerCertPaths(s.cfg.CertName))
	if err != nil {
		return err
	}
	s.tunnelLn, err = tr.Listen(s.cfg.QUICAddr, tunnel.ListenOptions{
		TLS:        tlsConf,
		Allow0RTT:  s.cfg.ZeroRTT,
		Congestion: mode,
	})
	if err != nil {
		return err
	}
	s.logger.Info("tunnel: listening",
		"transport", tr.Name(),
		"addr", s.tunnelLn.Addr().String(),
		"zero_rtt", s.cfg.ZeroRTT,
		"compress", s.cfg.Compress.String(),
	)
	return nil
}

func (s *Server) adminOptions() telemetry.AdminServerOptions {
	opts := telemetry.AdminServerOptions{
		Addr:     s.cfg.AdminAddr,
		Counters: s.counters,
		Gatherer: s.metrics,
		Backlog:  s.queue.Len,
		Peers:    func() any { return s.peers.Snapshot() },
		Health:   s.healthy,
		Reload: func(ctx context.Context) error {
			if s.watcher == nil {
				return errors.New("config: reload needs a config file")
			}
			return s.watcher.ReloadNow(ctx)
		},
	}
	if tail := s.opts.Logging.Tail(); tail != nil {
		opts.Logs = tail
	}
	return opts
}

// healthy reports whether a stream listener is accepting and the queue is
// still open.
func (s *Server) healthy() bool {
	for _, name := range []string{"tcp", "unix"} {
		if l := s.listeners[name]; l != nil && l.IsListening() {
			return !s.queue.Closed()
		}
	}
	return false
}

// applyReload pushes new logging settings into the live logger. Everything
// else is bound at startup and only takes effect after a restart.
func (s *Server) applyReload(oldCfg, newCfg *config.ServerConfig) {
	if err := s.opts.Logging.Apply(newCfg.Logging); err != nil {
		s.logger.Warn("config: logging change needs a restart", "err", err)
	}
	if oldCfg == nil {
		return
	}
	a, b := *oldCfg, *newCfg
	a.Logging, b.Logging = config.LoggingConfig{}, config.LoggingConfig{}
	if !reflect.DeepEqual(a, b) {
		s.logger.Warn("config: changes other than logging need a restart", "path", newCfg.ConfigPath)
	}
}

// Run serves until ctx is done or any task ends. A task ending for any reason
// other than cancellation is returned as a *supervisor.ExitError.
func (s *Server) Run(ctx context.Context) error {
	handler := &tunnel.Handler{
		Queue: s.queue,
		Forwarder: &forward.Forwarder{
			Compress:   s.cfg.Compress,
			Counters:   s.counters,
			BufferPool: forward.NewSyncPoolBufferPool(s.cfg.BufferSize),
			Logger:     s.logger,
		},
		Registry:         s.peers,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		Logger:           s.logger,
	}
	acceptor := &tunnel.Acceptor{Listener: s.tunnelLn, Handler: handler, Logger: s.logger}
	s.sup.Go("tunnel", acceptor.Serve)

	for _, name := range []string{"tcp", "udp", "unix"} {
		if l := s.listeners[name]; l != nil {
			s.sup.Go(name, l.Serve)
		} else {
			s.sup.Go(name, listener.Placeholder)
		}
	}

	reporter := &telemetry.Reporter{
		Counters: s.counters,
		Interval: s.cfg.StatsInterval,
		Logger:   s.logger,
		Backlog:  s.queue.Len,
	}
	s.sup.Go("stats", reporter.Run)

	if s.admin != nil {
		s.sup.Go("admin", func(ctx context.Context) error { return s.admin.Serve(ctx, s.adminLn) })
	}
	if s.watcher != nil {
		s.sup.Go("config", s.watcher.Run)
	}
	exit := s.sup.Run(ctx)
	if s.stopping.Load() || errors.Is(exit.Err, context.Canceled) {
		s.logger.Info("quictunnel: stopped")
		return nil
	}
	return exit
}

// Shutdown stops Run. Safe to call any number of times, before or during Run.
func (s *Server) Shutdown() {
	s.stopping.Store(true)
	s.sup.Shutdown()
}

// Close releases bound sockets of a Server whose Run was never called.
func (s *Server) Close() { s.closeAll() }

func (s *Server) closeAll() {
	s.closeOnce.Do(func() {
		if s.tunnelLn != nil {
			_ = s.tunnelLn.Close(0, "server done")
		}
		s.queue.Close()
		for _, l := range s.listeners {
			_ = l.Close()
		}
		if s.adminLn != nil {
			_ = s.adminLn.Close()
		}
	})
}

func (s *Server) TunnelAddr() net.Addr { return s.tunnelLn.Addr() }

// ListenerAddr returns the bound address of the tcp, udp or unix listener,
// or nil if that family is not configured.
func (s *Server) ListenerAddr(network string) net.Addr {
	if l := s.listeners[network]; l != nil {
		return l.Addr()
	}
	return nil
}

func (s *Server) AdminAddr() net.Addr {
	if s.adminLn == nil {
		return nil
	}
	return s.adminLn.Addr()
}

func (s *Server) Peers() []tunnel.PeerSnapshot { return s.peers.Snapshot() }

func (s *Server) Counters() telemetry.TrafficSnapshot { return s.counters.Snapshot() }

// RunServer owns the whole relay process: logging, binding and serving.
func RunServer(ctx context.Context, cfg config.ServerConfig, overlay func(*config.ServerConfig)) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logrt, err := logging.New(cfg.Logging, "server")
	if err != nil {
		return err
	}
	defer func() { _ = logrt.Close() }()
	slog.SetDefault(logrt.Logger())

	logger := logrt.Logger()
	logger.Info("quictunnel: starting relay",
		"config", cfg.ConfigPath,
		"quic_addr", cfg.QUICAddr,
		"tcp_listen", cfg.TCPListen,
		"udp_listen", cfg.UDPListen,
		"unix_listen", cfg.UnixListen,
		"admin_addr", cfg.AdminAddr,
	)

	srv, err := NewServer(cfg, ServerOptions{Logging: logrt, Logger: logger, Overlay: overlay})
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
