// Command meshlingd runs the Meshling core daemon: it maintains the radio
// session, materializes mesh state from the packet stream, and serves the
// REST/WebSocket gateway that front-ends build on.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jaschadub/Meshling/internal/bus"
	"github.com/jaschadub/Meshling/internal/config"
	"github.com/jaschadub/Meshling/internal/conn"
	"github.com/jaschadub/Meshling/internal/gateway"
	"github.com/jaschadub/Meshling/internal/metric"
	"github.com/jaschadub/Meshling/internal/packet"
	"github.com/jaschadub/Meshling/internal/state"
	"github.com/jaschadub/Meshling/internal/transport"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML configuration")
		serialPath = flag.String("serial", "", "connect to this serial device and skip detection")
		host       = flag.String("host", "", "connect to this TCP host and skip detection")
		port       = flag.Int("port", 0, "TCP port (default 4403)")
		listenAddr = flag.String("listen", "", "gateway listen address (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Gateway.ListenAddr = *listenAddr
	}

	log, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := metric.NewSet()
	b := bus.New(log, metrics)
	handler := packet.New(cfg.History.Packets, b, log, metrics)

	mgr := conn.New(conn.Config{
		ProbeTimeout: cfg.Connection.ProbeTimeout.Std(),
		Heartbeat:    cfg.Connection.Heartbeat.Std(),
		Backoff:      cfg.BackoffConfig(),
	}, handler, b, log, metrics)
	defer mgr.Disconnect()

	nodes := state.NewNodeManager(cfg.Nodes.StaleAfter.Std(), log, metrics)
	channels := state.NewChannelManager(log)
	messages := state.NewMessageQueue(cfg.History.Messages, mgr, b, log, metrics)
	go nodes.Run(ctx, b)
	go channels.Run(ctx, b)
	go messages.Run(ctx, b)

	go connectOnStartup(ctx, mgr, cfg, *serialPath, *host, *port, log)

	router := gateway.NewRouter(mgr, nodes, channels, messages, handler, b, metrics, cfg.Endpoints(), log)
	gw := gateway.New(cfg.Gateway.ListenAddr, router, log)
	if err := gw.Start(ctx); err != nil {
		log.Error("gateway stopped", zap.Error(err))
		os.Exit(1)
	}
}

// connectOnStartup establishes the initial session: an explicit endpoint
// from the flags wins, otherwise a detection pass over the configured and
// enumerated candidates.
func connectOnStartup(ctx context.Context, mgr *conn.Manager, cfg *config.Config, serialPath, host string, port int, log *zap.Logger) {
	switch {
	case serialPath != "":
		if err := mgr.ConnectExplicit(ctx, transport.SerialEndpoint(serialPath)); err != nil {
			log.Error("serial connect failed", zap.String("path", serialPath), zap.Error(err))
		}
	case host != "":
		if err := mgr.ConnectExplicit(ctx, transport.TCPEndpoint(host, port)); err != nil {
			log.Error("tcp connect failed", zap.String("host", host), zap.Error(err))
		}
	case cfg.Connection.AutoConnect:
		if err := mgr.AutoDetectAndConnect(ctx, cfg.Endpoints()); err != nil {
			log.Warn("no device found on startup; connect via the API when ready", zap.Error(err))
		}
	}
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	var zc zap.Config
	if cfg.Log.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
