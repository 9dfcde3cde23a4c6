// Command crabkv-server runs a CrabKv engine behind the line-oriented TCP
// front end and the admin HTTP surface. Grounded on the teacher's
// cmd/main.go signal-handling skeleton, stripped of ZooKeeper
// membership/sharding/raft wiring, which CrabKv has no equivalent of.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"crabkv/internal/httpapi"
	"crabkv/internal/server"
	"crabkv/pkg/config"
	"crabkv/pkg/engine"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default: built-in defaults + env overrides)")
	tcpAddr := flag.String("tcp-addr", ":6380", "address for the PUT/GET/DELETE wire protocol")
	adminAddr := flag.String("admin-addr", ":8090", "address for the /healthz, /stats, /compact admin surface")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	eng, err := engine.Open(cfg)
	if err != nil {
		slog.Error("failed to open engine", "error", err, "data_dir", cfg.DataDir)
		os.Exit(1)
	}

	tcpSrv := server.NewServer(eng, *tcpAddr)
	if err := tcpSrv.Start(); err != nil {
		slog.Error("failed to start tcp server", "error", err)
		_ = eng.Close()
		os.Exit(1)
	}

	adminSrv := httpapi.NewServer(eng, *adminAddr)
	adminSrv.Start()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	slog.Info("shutting down")
	if err := tcpSrv.Stop(); err != nil {
		slog.Error("error stopping tcp server", "error", err)
	}
	if err := adminSrv.Stop(); err != nil {
		slog.Error("error stopping admin server", "error", err)
	}
	if err := eng.Close(); err != nil {
		slog.Error("error closing engine", "error", err)
	}
}

// loadConfig reads path if given, else falls back to config.Default(),
// then overlays environment variables either way.
func loadConfig(path string) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if path == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.LoadYAML(path)
		if err != nil {
			return cfg, err
		}
	}
	return config.FromEnv(cfg)
}

// initLogger configures the global slog.Logger (JSON or text) per cfg.Logger.
func initLogger(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logger.Level)); err != nil {
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
}
