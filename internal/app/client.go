package app

import (
	"context"
	"errors"
	"log/slog"

	"quictunnel/internal/config"
	"quictunnel/internal/forward"
	"quictunnel/internal/logging"
	"quictunnel/internal/supervisor"
	"quictunnel/internal/telemetry"
	"quictunnel/internal/tunnel"
)

// Client is a tunnel peer: it keeps one connection to the relay and serves
// every stream the relay opens by dialing Target.
type Client struct {
	logger   *slog.Logger
	counters *telemetry.TrafficCounters
	tc       *tunnel.Client
	sup      *supervisor.Supervisor
}

func NewClient(cfg config.ClientConfig, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	tr, err := tunnel.TransportByName(cfg.Transport)
	if err != nil {
		return nil, err
	}
	mode, err := tunnel.ParseCongestionMode(cfg.Congestion)
	if err != nil {
		return nil, err
	}
	if mode != tunnel.CongestionNewReno {
		logger.Warn("tunnel: congestion mode is advisory; using the transport default", "congestion_mode", string(mode))
	}
	tlsConf, err := tunnel.ClientTLSConfig(tunnel.ClientCertPaths(cfg.CertName), cfg.ServerName)
	if err != nil {
		return nil, err
	}

	counters := telemetry.NewTrafficCounters(nil)
	tc, err := tunnel.NewClient(tunnel.ClientOptions{
		ServerAddr:    cfg.ServerAddr,
		Transport:     tr,
		Dial:          tunnel.DialOptions{TLS: tlsConf, Congestion: mode},
		Target:        cfg.Target,
		TargetNetwork: cfg.TargetNetwork,
		Forwarder: &forward.Forwarder{
			Compress:   cfg.Compress,
			Counters:   counters,
			BufferPool: forward.NewSyncPoolBufferPool(cfg.BufferSize),
			Logger:     logger,
		},
		Logger:      logger,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &Client{
		logger:   logger,
		counters: counters,
		tc:       tc,
		sup:      supervisor.New(logger),
	}, nil
}

// Connected reports whether a relay connection is currently up.
func (c *Client) Connected() bool { return c.tc.Connected() }

func (c *Client) Counters() telemetry.TrafficSnapshot { return c.counters.Snapshot() }

// Run keeps the tunnel up until ctx is done or Shutdown is called.
func (c *Client) Run(ctx context.Context) error {
	c.sup.Go("tunnel", c.tc.Run)
	reporter := &telemetry.Reporter{Counters: c.counters, Interval: config.DefaultStatsInterval, Logger: c.logger}
	c.sup.Go("stats", reporter.Run)

	exit := c.sup.Run(ctx)
	if errors.Is(exit.Err, context.Canceled) {
		c.logger.Info("quictunnel: stopped")
		return nil
	}
	return exit
}

func (c *Client) Shutdown() { c.sup.Shutdown() }

// RunClient owns the whole peer process.
func RunClient(ctx context.Context, cfg config.ClientConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logrt, err := logging.New(cfg.Logging, "client")
	if err != nil {
		return err
	}
	defer func() { _ = logrt.Close() }()
	slog.SetDefault(logrt.Logger())

	logger := logrt.Logger()
	logger.Info("quictunnel: starting peer",
		"server_addr", cfg.ServerAddr,
		"transport", cfg.Transport,
		"target", cfg.Target,
		"target_network", cfg.TargetNetwork,
		"compress", cfg.Compress.String(),
	)
	c, err := NewClient(cfg, logger)
	if err != nil {
		return err
	}
	return c.Run(ctx)
}
