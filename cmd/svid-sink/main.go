package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spiffe-workload-source/internal/config"
	"spiffe-workload-source/internal/version"
	"spiffe-workload-source/workloadapi"
)

func main() {
	var flagsConfig config.FlagsConfig
	flag.StringVar(&flagsConfig.ConfigPath, "config", "/etc/svid-sink/config.yaml", "Path to the sink configuration file")
	flag.StringVar(&flagsConfig.LogLevel, "logLevel", "info", "Log level (trace, debug, info, warn, error)")
	flag.BoolVar(&flagsConfig.Version, "version", false, "Print the version and exit")
	flag.StringVar(&flagsConfig.WorkloadAPIAddr, "workloadAPIAddr", "unix:///run/spire/agent-sockets/spire-agent.sock", "Workload API endpoint address")
	flag.StringVar(&flagsConfig.MetricsAddr, "metricsAddr", ":8081", "Address for metrics server")
	flag.DurationVar(&flagsConfig.RefreshInterval, "refreshInterval", time.Minute, "Interval between disk refreshes")
	flag.DurationVar(&flagsConfig.InitTimeout, "initTimeout", 30*time.Second, "Time to wait for the first identity update")
	flag.Parse()

	if flagsConfig.Version {
		ver, err := version.GetVersion()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to get version: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(ver)
		os.Exit(0)
	}

	logLevel := hclog.LevelFromString(flagsConfig.LogLevel)
	if logLevel == hclog.NoLevel {
		fmt.Fprintf(os.Stderr, "invalid log level: %s, defaulting to info\n", flagsConfig.LogLevel)
		logLevel = hclog.Info
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "svid-sink",
		Level:      logLevel,
		JSONFormat: true,
		TimeFormat: time.RFC3339,
	})

	logger.Info("starting svid-sink",
		"version", version.BuildVersion,
		"build_date", version.BuildDate,
		"go_version", runtime.Version(),
		"pid", os.Getpid(),
		"log_level", flagsConfig.LogLevel,
	)

	sinkConfig, err := config.Load(flagsConfig.ConfigPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err, "path", flagsConfig.ConfigPath)
		os.Exit(1)
	}

	logger.Debug("configuration loaded",
		"config_path", flagsConfig.ConfigPath,
		"output_dir", sinkConfig.OutputDir,
		"objects", len(sinkConfig.Objects),
		"workload_api_addr", flagsConfig.WorkloadAPIAddr,
		"metrics_addr", flagsConfig.MetricsAddr,
		"refresh_interval", flagsConfig.RefreshInterval,
	)

	if err := os.MkdirAll(sinkConfig.OutputDir, 0750); err != nil {
		logger.Error("failed to create output directory", "error", err, "dir", sinkConfig.OutputDir)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	go func() {
		logger.Info("starting metrics server", "address", flagsConfig.MetricsAddr)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(flagsConfig.MetricsAddr, mux); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	client, err := workloadapi.New(
		workloadapi.WithAddr(flagsConfig.WorkloadAPIAddr),
		workloadapi.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to create workload API client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	var x509Source *workloadapi.X509Source
	if hasObjectType(sinkConfig, config.ObjectTypeX509SVID) {
		x509Source, err = workloadapi.NewX509Source(ctx,
			workloadapi.WithClient(client),
			workloadapi.WithSourceLogger(logger),
			workloadapi.WithInitTimeout(flagsConfig.InitTimeout),
		)
		if err != nil {
			logger.Error("failed to initialize X.509 source", "error", err)
			os.Exit(1)
		}
		defer x509Source.Close()
		logger.Info("X.509 source initialized")
	}

	s := &sink{
		logger: logger.Named("sink"),
		config: sinkConfig,
		x509:   x509Source,
		jwt:    client,
	}

	logger.Info("starting sync loop", "refresh_interval", flagsConfig.RefreshInterval)
	s.run(ctx, flagsConfig.RefreshInterval)

	logger.Info("shutting down gracefully")
}

func hasObjectType(c config.Config, objectType string) bool {
	for _, object := range c.Objects {
		if object.Type == objectType {
			return true
		}
	}
	return false
}
