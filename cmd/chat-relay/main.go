package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"chat-relay/internal/capacity"
	"chat-relay/internal/config"
	"chat-relay/internal/logging"
	"chat-relay/internal/metrics"
	"chat-relay/internal/transport"
)

func main() {
	port, ok := parsePort(os.Args)
	if !ok {
		fmt.Fprintf(os.Stderr, "usage: %s <port>\n", filepath.Base(os.Args[0]))
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	capacity.Report(logger)

	reg := metrics.NewRegistry()
	if cfg.Metrics.Enabled {
		go runMetricsServer(cfg, reg, logger)
	}

	fd, err := transport.Listen(cfg.Server.Host, port)
	if err != nil {
		logger.Fatal("listen failed", zap.Int("port", port), zap.Error(err))
	}

	logger.Info("relay listening",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", port),
	)

	// Run returns only on a fatal condition; the relay has no
	// graceful shutdown path and runs until killed.
	srv := transport.NewServer(fd, logger, reg)
	logger.Fatal("relay terminated", zap.Error(srv.Run()))
}

// parsePort validates the single positional argument: a TCP port in
// 1..=65535.
func parsePort(args []string) (int, bool) {
	if len(args) != 2 {
		return 0, false
	}
	port, err := strconv.Atoi(args[1])
	if err != nil || port < 1 || port > 65535 {
		return 0, false
	}
	return port, true
}

func runMetricsServer(cfg config.Config, reg *metrics.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		err := json.NewEncoder(w).Encode(map[string]any{
			"status":    "healthy",
			"service":   cfg.Metrics.ServiceName,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	})

	mux.Handle(cfg.Metrics.Endpoint, reg.Handler())

	httpServer := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	logger.Info("metrics http server starting", zap.String("addr", cfg.Metrics.ListenAddr))
	if err := httpServer.ListenAndServe(); err != nil {
		logger.Warn("metrics http server stopped", zap.Error(err))
	}
}
