// Package cmd implements the tunnelgate CLI using Cobra.
package cmd

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/drsoft-oss/tunnelgate/internal/accesslog"
	"github.com/drsoft-oss/tunnelgate/internal/acceptor"
	"github.com/drsoft-oss/tunnelgate/internal/api"
	"github.com/drsoft-oss/tunnelgate/internal/config"
	"github.com/drsoft-oss/tunnelgate/internal/httpfront"
	"github.com/drsoft-oss/tunnelgate/internal/socks"
	"github.com/drsoft-oss/tunnelgate/internal/upstream"
)

// version is injected at build time via ldflags.
var version = "dev"

// -----------------------------------------------------------------------
// Flag variables
// -----------------------------------------------------------------------

var (
	flagConfigFile string

	flagListenHost string
	flagHTTPPort   int
	flagSOCKSPort  int
	flagAdminPort  int

	flagClientAuth string

	flagUpstreamHost string
	flagUpstreamPort int
	flagUpstreamTLS  bool
	flagUpstreamAuth string

	flagConnectTimeout string
	flagReadTimeout    string
	flagIdleTimeout    string
	flagBufferSize     int
	flagHeaderMaxBytes int

	flagPACEnabled bool
	flagPACPath    string
	flagPACFile    string

	flagServerName string
	flagLogLevel   string

	flagAccessLogFile    string
	flagAccessLogConsole bool
)

// -----------------------------------------------------------------------
// Root command
// -----------------------------------------------------------------------

var rootCmd = &cobra.Command{
	Use:   "tunnelgate",
	Short: "Local multi-protocol proxy front-end for a single upstream forward proxy",
	Long: `tunnelgate — a local proxy front-end.

It accepts HTTP (CONNECT and plain forward), SOCKS4/4a, and SOCKS5 connections
from applications on the local machine and tunnels every one of them through a
single configured upstream HTTP(S) forward proxy, reached with
CONNECT host:port HTTP/1.1.

It does not cache, rewrite, or terminate TLS — every byte exchanged after a
tunnel is established is relayed unmodified.
`,
	Version:      version,
	SilenceUsage: true,
	RunE:         run,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if err == config.ErrMissingUpstreamHost {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.Flags()

	f.StringVarP(&flagConfigFile, "config", "c", "", "Path to YAML config file (optional)")

	f.StringVar(&flagListenHost, "listen-host", "", "Local bind host for the proxy listeners")
	f.IntVar(&flagHTTPPort, "http-port", 0, "HTTP forward-proxy listen port")
	f.IntVar(&flagSOCKSPort, "socks-port", 0, "SOCKS4/4a/5 listen port")
	f.IntVar(&flagAdminPort, "admin-port", 0, "Loopback admin API port (0 disables it)")

	f.StringVar(&flagClientAuth, "client-auth", "", "Required client credentials, user:pass. Omit to disable.")

	f.StringVar(&flagUpstreamHost, "upstream-host", "", "Upstream forward-proxy host (required)")
	f.IntVar(&flagUpstreamPort, "upstream-port", 0, "Upstream forward-proxy port")
	f.BoolVar(&flagUpstreamTLS, "upstream-tls", false, "Wrap the upstream connection in TLS before the CONNECT handshake")
	f.StringVar(&flagUpstreamAuth, "upstream-auth", "", "Credentials injected into Proxy-Authorization toward the upstream, user:pass")

	f.StringVar(&flagConnectTimeout, "connect-timeout", "", "Timeout dialling and CONNECTing through the upstream (e.g. 10s)")
	f.StringVar(&flagReadTimeout, "read-timeout", "", "Timeout reading the client's initial request (e.g. 60s)")
	f.StringVar(&flagIdleTimeout, "idle-timeout", "", "Rolling idle timeout applied while relaying (e.g. 120s)")
	f.IntVar(&flagBufferSize, "buffer-size", 0, "Relay copy buffer size in bytes")
	f.IntVar(&flagHeaderMaxBytes, "header-max-bytes", 0, "Maximum bytes accepted for a client's request head")

	f.BoolVar(&flagPACEnabled, "pac-enabled", false, "Serve a PAC file at pac-path over the HTTP listener")
	f.StringVar(&flagPACPath, "pac-path", "", "Request path the PAC file is served at")
	f.StringVar(&flagPACFile, "pac-file", "", "Path to the PAC file content on disk")

	f.StringVar(&flagServerName, "server-name", "", "Name reported in the Proxy-Authenticate realm")
	f.StringVar(&flagLogLevel, "log-level", "", "zerolog level: debug, info, warn, error")

	f.StringVar(&flagAccessLogFile, "access-log-file", "", "Path to append newline-delimited JSON access events")
	f.BoolVar(&flagAccessLogConsole, "access-log-console", false, "Also emit access events to the structured console log")
}

// -----------------------------------------------------------------------
// Main run logic
// -----------------------------------------------------------------------

func run(_ *cobra.Command, _ []string) error {
	ov, err := buildOverrides()
	if err != nil {
		return err
	}

	cfg, err := config.Load(flagConfigFile, ov)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info().Str("version", version).Msg("starting tunnelgate")

	upstreamTarget := upstream.Target{
		Host:       cfg.UpstreamHost,
		Port:       cfg.UpstreamPort,
		TLS:        cfg.UpstreamTLS,
		AuthHeader: cfg.UpstreamAuthHeader,
	}
	upState := upstream.NewState()

	sink, err := accesslog.New(accesslog.Config{
		FilePath:  cfg.AccessLogFile,
		ToConsole: cfg.AccessLogConsole,
	}, logger)
	if err != nil {
		return fmt.Errorf("init access log: %w", err)
	}
	sink.Start()
	defer sink.Stop()

	probe := upstream.NewHealthProbe(upstreamTarget, "", 30*time.Second, cfg.ConnectTimeout, upState, logger)
	probe.RunOnce()
	probe.Start()
	defer probe.Stop()

	var pacDoc []byte
	if cfg.PACEnabled && cfg.PACFile != "" {
		pacDoc, err = os.ReadFile(cfg.PACFile)
		if err != nil {
			return fmt.Errorf("read pac file: %w", err)
		}
	}

	httpHandler := httpfront.New(httpfront.Config{
		RequireClientAuth:   cfg.RequireClientAuth,
		ClientAuthExpected:  cfg.ClientAuthExpected,
		ServerName:          cfg.ServerName,
		UpstreamTarget:      upstreamTarget,
		ConnectTimeout:      cfg.ConnectTimeout,
		ReadTimeout:         cfg.ReadTimeout,
		IdleTimeout:         cfg.IdleTimeout,
		BufferSize:          cfg.BufferSize,
		HeaderMaxBytes:      cfg.HeaderMaxBytes,
		HTTPMaxInitialBytes: cfg.HTTPMaxInitialBytes,
		PACEnabled:          cfg.PACEnabled,
		PACPath:             cfg.PACPath,
		PACDoc:              pacDoc,
	}, sink, upState, logger)

	socksHandler := socks.New(socks.Config{
		RequireClientAuth:  cfg.RequireClientAuth,
		ClientAuthExpected: cfg.ClientAuthExpected,
		UpstreamTarget:     upstreamTarget,
		ConnectTimeout:     cfg.ConnectTimeout,
		ReadTimeout:        cfg.ReadTimeout,
		IdleTimeout:        cfg.IdleTimeout,
		BufferSize:         cfg.BufferSize,
	}, sink, upState, logger)

	httpListener := acceptor.New(acceptor.Config{
		Name:    "http",
		Addr:    net.JoinHostPort(cfg.ListenHost, itoa(cfg.HTTPPort)),
		Handler: httpHandler.HandleConn,
	}, logger)

	var socksListener *acceptor.Listener
	if cfg.SOCKSPort > 0 {
		socksListener = acceptor.New(acceptor.Config{
			Name:    "socks",
			Addr:    net.JoinHostPort(cfg.ListenHost, itoa(cfg.SOCKSPort)),
			Handler: socksHandler.HandleConn,
		}, logger)
	}

	var adminSrv *api.Server
	if cfg.AdminPort > 0 {
		adminSrv = api.New(net.JoinHostPort("127.0.0.1", itoa(cfg.AdminPort)), upState, sink, logger)
	}

	errCh := make(chan error, 3)
	go func() { errCh <- httpListener.Start() }()
	if socksListener != nil {
		go func() { errCh <- socksListener.Start() }()
	}
	if adminSrv != nil {
		go func() { errCh <- adminSrv.Start() }()
	}

	printBanner(logger, cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("listener stopped unexpectedly")
		}
	}

	_ = httpListener.Stop()
	if socksListener != nil {
		_ = socksListener.Stop()
	}
	if adminSrv != nil {
		_ = adminSrv.Stop()
	}

	time.Sleep(cfg.ShutdownGrace)
	return nil
}

func buildOverrides() (config.Overrides, error) {
	var ov config.Overrides

	if flagListenHost != "" {
		ov.ListenHost = &flagListenHost
	}
	if flagHTTPPort != 0 {
		ov.HTTPPort = &flagHTTPPort
	}
	if flagSOCKSPort != 0 {
		ov.SOCKSPort = &flagSOCKSPort
	}
	if flagAdminPort != 0 {
		ov.AdminPort = &flagAdminPort
	}

	if flagClientAuth != "" {
		user, pass, err := splitUserPass(flagClientAuth, "--client-auth")
		if err != nil {
			return ov, err
		}
		ov.ClientUsername = &user
		ov.ClientPassword = &pass
	}

	if flagUpstreamHost != "" {
		ov.UpstreamHost = &flagUpstreamHost
	}
	if flagUpstreamPort != 0 {
		ov.UpstreamPort = &flagUpstreamPort
	}
	if flagUpstreamTLS {
		ov.UpstreamTLS = &flagUpstreamTLS
	}
	if flagUpstreamAuth != "" {
		user, pass, err := splitUserPass(flagUpstreamAuth, "--upstream-auth")
		if err != nil {
			return ov, err
		}
		ov.UpstreamUsername = &user
		ov.UpstreamPassword = &pass
	}

	if flagConnectTimeout != "" {
		d, err := time.ParseDuration(flagConnectTimeout)
		if err != nil {
			return ov, fmt.Errorf("--connect-timeout: %w", err)
		}
		ov.ConnectTimeout = &d
	}
	if flagReadTimeout != "" {
		d, err := time.ParseDuration(flagReadTimeout)
		if err != nil {
			return ov, fmt.Errorf("--read-timeout: %w", err)
		}
		ov.ReadTimeout = &d
	}
	if flagIdleTimeout != "" {
		d, err := time.ParseDuration(flagIdleTimeout)
		if err != nil {
			return ov, fmt.Errorf("--idle-timeout: %w", err)
		}
		ov.IdleTimeout = &d
	}
	if flagBufferSize != 0 {
		ov.BufferSize = &flagBufferSize
	}
	if flagHeaderMaxBytes != 0 {
		ov.HeaderMaxBytes = &flagHeaderMaxBytes
	}

	if flagPACEnabled {
		ov.PACEnabled = &flagPACEnabled
	}
	if flagPACPath != "" {
		ov.PACPath = &flagPACPath
	}
	if flagPACFile != "" {
		ov.PACFile = &flagPACFile
	}

	if flagServerName != "" {
		ov.ServerName = &flagServerName
	}
	if flagLogLevel != "" {
		ov.LogLevel = &flagLogLevel
	}

	if flagAccessLogFile != "" {
		ov.AccessLogFile = &flagAccessLogFile
	}
	if flagAccessLogConsole {
		ov.AccessLogConsole = &flagAccessLogConsole
	}

	return ov, nil
}

func splitUserPass(s, flagName string) (string, string, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%s must be in user:pass format", flagName)
	}
	return parts[0], parts[1], nil
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}

// -----------------------------------------------------------------------
// Startup banner
// -----------------------------------------------------------------------

func printBanner(logger zerolog.Logger, cfg config.Config) {
	authStr := "disabled"
	if cfg.RequireClientAuth {
		authStr = "enabled"
	}

	adminStr := "disabled"
	if cfg.AdminPort > 0 {
		adminStr = fmt.Sprintf("http://127.0.0.1:%d", cfg.AdminPort)
	}

	fmt.Printf(`
╔══════════════════════════════════════════════════════════════╗
║                      tunnelgate %s
╠══════════════════════════════════════════════════════════════╣
║  HTTP proxy   : %s:%d
║  SOCKS proxy  : %s:%d
║  Admin API    : %s
║  Client auth  : %s
║  Upstream     : %s:%d (tls=%v)
╚══════════════════════════════════════════════════════════════╝

`, padRight(version, 43),
		cfg.ListenHost, cfg.HTTPPort,
		cfg.ListenHost, cfg.SOCKSPort,
		adminStr,
		authStr,
		cfg.UpstreamHost, cfg.UpstreamPort, cfg.UpstreamTLS,
	)

	logger.Info().
		Int("http_port", cfg.HTTPPort).
		Int("socks_port", cfg.SOCKSPort).
		Int("admin_port", cfg.AdminPort).
		Msg("listeners configured")
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}

func newLogger(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}
