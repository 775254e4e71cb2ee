package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fossibot-bridge/internal/bridge"
	"fossibot-bridge/internal/config"
)

func main() {
	var (
		configFile = flag.String("config", "bridge.yaml", "Path to configuration file")
		logLevel   = flag.String("log-level", "", "Log level (debug, info, warning, error); overrides config")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Daemon.LogLevel = *logLevel
	}

	logger := setupLogger(cfg.Daemon.LogLevel, cfg.Daemon.LogFile)
	defer logger.Sync()

	if cfg.Daemon.PIDFile != "" {
		if err := writePIDFile(cfg.Daemon.PIDFile); err != nil {
			logger.Fatal("refusing to start", zap.Error(err))
		}
		defer os.Remove(cfg.Daemon.PIDFile)
	}

	logger.Info("starting fossibot bridge",
		zap.String("version", bridge.Version),
		zap.Int("accounts", len(cfg.Accounts)),
		zap.String("log_level", cfg.Daemon.LogLevel),
	)

	b, err := bridge.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to construct bridge", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal, shutting down gracefully")
		cancel()

		// Force-exit if the graceful path stalls past the grace period.
		time.Sleep(cfg.Bridge.ShutdownGrace)
		logger.Warn("shutdown grace period expired, forcing exit")
		os.Exit(1)
	}()

	httpServer, err := startHTTPServer(cfg.Daemon.HTTPPort, b, logger)
	if err != nil {
		logger.Fatal("refusing to start", zap.Error(err))
	}
	defer httpServer.Shutdown(context.Background())

	if err := b.Run(ctx); err != nil {
		logger.Error("bridge exited with error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("bridge shutdown complete")
}

// writePIDFile refuses to start when another live instance holds the
// PID file; a stale file left by a dead process is overwritten.
func writePIDFile(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(string(data)); err == nil && pid > 0 {
			if proc, err := os.FindProcess(pid); err == nil {
				if proc.Signal(syscall.Signal(0)) == nil {
					return fmt.Errorf("pid file %s locked by running process %d", path, pid)
				}
			}
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func startHTTPServer(port int, b *bridge.Bridge, logger *zap.Logger) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !b.Healthy() {
			http.Error(w, "no account connected", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(b.Metrics().Registry, promhttp.HandlerOpts{}))

	// Bind synchronously so a taken port is a startup refusal, not a
	// background log line.
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return nil, fmt.Errorf("bind health port %d: %w", port, err)
	}

	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("health/metrics server failed", zap.Error(err))
		}
	}()
	return srv, nil
}

func setupLogger(level, logFile string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warning", "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	outputs := []string{"stdout"}
	if logFile != "" {
		outputs = append(outputs, logFile)
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	return logger
}
