package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"quictunnel/internal/app"
	"quictunnel/internal/compress"
	"quictunnel/internal/config"
	"quictunnel/internal/tunnel"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitConfig  = 2
)

const usage = `usage:
  quictunnel reverse_proxy_server [flags] <cert_name> <quic_addr>
  quictunnel reverse_proxy_client [flags] <cert_name> <server_addr> <target>
  quictunnel generate_certs <cert_name> [host...]

Run "quictunnel <command> -h" for the flags of a command.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stderr))
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return exitConfig
	}
	var err error
	switch args[0] {
	case "reverse_proxy_server":
		err = runServer(ctx, args[1:], stderr)
	case "reverse_proxy_client":
		err = runClient(ctx, args[1:], stderr)
	case "generate_certs":
		err = runGenerateCerts(args[1:], stderr)
	case "-h", "-help", "--help", "help":
		_, _ = fmt.Fprint(stderr, usage)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return exitConfig
	}
	return exitCode(err, stderr)
}

// usageError marks bad command lines and unreadable config files.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func exitCode(err error, stderr io.Writer) int {
	var ue usageError
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, flag.ErrHelp):
		return exitOK
	case errors.As(err, &ue), config.IsConfigError(err):
		_, _ = fmt.Fprintf(stderr, "quictunnel: %v\n", err)
		return exitConfig
	default:
		_, _ = fmt.Fprintf(stderr, "quictunnel: %v\n", err)
		return exitFailure
	}
}

func runServer(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("reverse_proxy_server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath = fs.String("config", "", "Config file (.toml/.yaml/.yml/.json). Defaults to $"+config.EnvConfigPath+", then quictunnel.* in the working directory")
		tcpListen  = fs.String("tcp_listen", "", "Accept local TCP connections on this address")
		udpListen  = fs.String("udp_listen", "", "Bind a UDP address (not supported yet; the relay stops)")
		unixListen = fs.String("unix_listen", "", "Accept local connections on this Unix socket path")
		transport  = fs.String("transport", "", "Tunnel transport: quic, tcp or kcp")
		congestion = fs.String("congestion_mode", "", "Congestion controller hint: newreno, cubic or bbr")
		adminAddr  = fs.String("admin_addr", "", "Serve /health, /metrics, /stats, /peers, /logs and /reload on this address")
		logLevel   = fs.String("log_level", "", "debug, info, warn or error")
		logFormat  = fs.String("log_format", "", "text or json")
		zeroRTT    = fs.Bool("zero_rtt", true, "Accept 0-RTT tunnel connections")
		handshake  = fs.Duration("handshake_timeout", 0, "How long a peer may take to confirm its handshake")
		stats      = fs.Duration("stats_interval", 0, "Traffic summary interval")
		algo       compress.Algo
	)
	fs.Var(&algo, "compress", "Tunnel-side stream compression: none, snappy or zstd")
	if err := fs.Parse(args); err != nil {
		return usageErrorOrHelp(err)
	}
	pos := fs.Args()
	if len(pos) != 0 && len(pos) != 2 {
		return usageError{fmt.Errorf("reverse_proxy_server takes <cert_name> <quic_addr>, got %d arguments", len(pos))}
	}

	set := visited(fs)
	overlay := func(c *config.ServerConfig) {
		if len(pos) == 2 {
			c.CertName, c.QUICAddr = pos[0], pos[1]
		}
		overrideString(set, "tcp_listen", &c.TCPListen, *tcpListen)
		overrideString(set, "udp_listen", &c.UDPListen, *udpListen)
		overrideString(set, "unix_listen", &c.UnixListen, *unixListen)
		overrideString(set, "transport", &c.Transport, *transport)
		overrideString(set, "congestion_mode", &c.Congestion, *congestion)
		overrideString(set, "admin_addr", &c.AdminAddr, *adminAddr)
		overrideString(set, "log_level", &c.Logging.Level, *logLevel)
		overrideString(set, "log_format", &c.Logging.Format, *logFormat)
		if set["compress"] {
			c.Compress = algo
		}
		if set["zero_rtt"] {
			c.ZeroRTT = *zeroRTT
		}
		if set["handshake_timeout"] {
			c.HandshakeTimeout = *handshake
		}
		if set["stats_interval"] {
			c.StatsInterval = *stats
		}
	}

	cfg, err := loadServerConfig(*configPath)
	if err != nil {
		return err
	}
	overlay(&cfg)
	return app.RunServer(ctx, cfg, overlay)
}

func loadServerConfig(flagPath string) (config.ServerConfig, error) {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	resolved, err := config.ResolveConfigPath(flagPath, wd)
	if err != nil {
		return config.ServerConfig{}, usageError{err}
	}
	if resolved.Source == config.ConfigPathSourceNone {
		return config.DefaultServerConfig(), nil
	}
	cfg, err := config.LoadServerFile(resolved.Path)
	if err != nil {
		return config.ServerConfig{}, usageError{err}
	}
	return cfg, nil
}

func runClient(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("reverse_proxy_client", flag.ContinueOnError)
	fs.SetOutput(stderr)
	def := config.DefaultClientConfig()
	var (
		transport     = fs.String("transport", def.Transport, "Tunnel transport: quic, tcp or kcp")
		congestion    = fs.String("congestion_mode", def.Congestion, "Congestion controller hint: newreno, cubic or bbr")
		serverName    = fs.String("server_name", def.ServerName, "Name the relay certificate is verified against")
		targetNetwork = fs.String("target_network", def.TargetNetwork, "tcp or unix")
		dialTimeout   = fs.Duration("dial_timeout", def.DialTimeout, "Timeout for dialing the relay and the target")
		logLevel      = fs.String("log_level", def.Logging.Level, "debug, info, warn or error")
		logFormat     = fs.String("log_format", def.Logging.Format, "text or json")
		algo          = def.Compress
	)
	fs.Var(&algo, "compress", "Tunnel-side stream compression: none, snappy or zstd (must match the relay)")
	if err := fs.Parse(args); err != nil {
		return usageErrorOrHelp(err)
	}
	pos := fs.Args()
	if len(pos) != 3 {
		return usageError{fmt.Errorf("reverse_proxy_client takes <cert_name> <server_addr> <target>, got %d arguments", len(pos))}
	}

	cfg := def
	cfg.CertName, cfg.ServerAddr, cfg.Target = pos[0], pos[1], pos[2]
	cfg.Transport = *transport
	cfg.Congestion = *congestion
	cfg.ServerName = *serverName
	cfg.TargetNetwork = *targetNetwork
	cfg.DialTimeout = *dialTimeout
	cfg.Compress = algo
	cfg.Logging.Level = *logLevel
	cfg.Logging.Format = *logFormat
	return app.RunClient(ctx, cfg)
}

func runGenerateCerts(args []string, stderr io.Writer) error {
	if len(args) == 0 {
		return usageError{errors.New("generate_certs takes <cert_name> [host...]")}
	}
	if err := tunnel.GenerateCertificates(args[0], args[1:]); err != nil {
		if errors.Is(err, tunnel.ErrCertificatesExist) {
			return usageError{err}
		}
		return err
	}
	srv, cli := tunnel.ServerCertPaths(args[0]), tunnel.ClientCertPaths(args[0])
	_, _ = fmt.Fprintf(stderr, "wrote %s, %s, %s, %s and %s\n", srv.CA, srv.Cert, srv.Key, cli.Cert, cli.Key)
	return nil
}

func usageErrorOrHelp(err error) error {
	if errors.Is(err, flag.ErrHelp) {
		return err
	}
	return usageError{err}
}

func visited(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

func overrideString(set map[string]bool, name string, dst *string, v string) {
	if set[name] {
		*dst = v
	}
}
