// Package lensgate parses gateway command flags and serves the gateway.
package lensgate

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/tfkr-ae/lensgate"
	"github.com/tfkr-ae/lensgate/listener"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Config holds gateway command configuration.
type Config struct {
	Addr      string `env:"LENSGATE_ADDR" envDefault:"localhost:3000"`
	ConfigDir string `env:"LENSGATE_CONFIG_DIR" envDefault:".lensgate"`
	TLSCert   string `env:"LENSGATE_TLS_CERT"`
	TLSKey    string `env:"LENSGATE_TLS_KEY"`
	Debug     bool   `env:"LENSGATE_DEBUG"`

	// Args are the positional arguments left after flag parsing.
	Args []string
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "Address the gateway listens on")
	fs.StringVar(&cfg.ConfigDir, "config-dir", cfg.ConfigDir, "Directory holding config.yaml")
	fs.StringVar(&cfg.TLSCert, "tls-cert", cfg.TLSCert, "TLS certificate file, enables https on the same port")
	fs.StringVar(&cfg.TLSKey, "tls-key", cfg.TLSKey, "TLS private key file")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Dump forwarded exchanges to the log")
	if args == nil {
		args = []string{}
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return Config{}, errors.New("tls-cert and tls-key must be set together")
	}
	cfg.Args = fs.Args()
	return cfg, nil
}

// Run serves the gateway until ctx is cancelled, or runs the waypoint subcommand when one is given.
func Run(ctx context.Context, cfg Config) error {
	if len(cfg.Args) > 0 {
		return runWaypoint(os.Stdout, cfg)
	}
	logger := newLogger(os.Stderr, cfg.Debug)

	options := []func(*lensgate.Gateway) error{
		lensgate.WithConfigDir(cfg.ConfigDir),
		lensgate.WithLogger(logger),
	}
	if cfg.Debug {
		options = append(options, lensgate.WithDebug())
	}
	gw, err := lensgate.New(options...)
	if err != nil {
		return fmt.Errorf("creating gateway : %w", err)
	}

	l, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s : %w", cfg.Addr, err)
	}
	return Serve(ctx, l, gw, cfg, logger)
}

// Serve accepts connections on l until ctx is cancelled, then shuts the server down.
func Serve(ctx context.Context, l net.Listener, handler http.Handler, cfg Config, logger *slog.Logger) error {
	var tlsConfig *tls.Config
	if cfg.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			l.Close()
			return fmt.Errorf("loading tls key pair : %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"http/1.1"},
		}
	}
	mux := listener.NewMuxListener(l, tlsConfig, logger)

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", l.Addr().String(), "tls", tlsConfig != nil)
		serveErr <- server.Serve(mux)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving gateway : %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down gateway : %w", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving gateway : %w", err)
	}
	return nil
}

func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// runWaypoint manages the per-host backend overrides in config.yaml:
//
//	waypoint ls
//	waypoint set <hostname> <backend-base>
//	waypoint rm <hostname>
func runWaypoint(w io.Writer, cfg Config) error {
	args := cfg.Args
	if args[0] != "waypoint" || len(args) < 2 {
		return fmt.Errorf("unknown command %q, expected waypoint ls|set|rm", args[0])
	}
	config, err := lensgate.LoadConfig(cfg.ConfigDir)
	if err != nil {
		return err
	}

	switch args[1] {
	case "ls":
		waypoints := config.WaypointList()
		sort.Slice(waypoints, func(i, j int) bool {
			return waypoints[i].Hostname < waypoints[j].Hostname
		})
		for _, waypoint := range waypoints {
			fmt.Fprintf(w, "%s -> %s\n", waypoint.Hostname, waypoint.Override)
		}
		return nil
	case "set":
		if len(args) != 4 {
			return errors.New("usage: waypoint set <hostname> <backend-base>")
		}
		return config.SetWaypoint(args[2], args[3])
	case "rm":
		if len(args) != 3 {
			return errors.New("usage: waypoint rm <hostname>")
		}
		return config.DeleteWaypoint(args[2])
	default:
		return fmt.Errorf("unknown waypoint command %q", args[1])
	}
}
