// Package main is the entry point for the URRI gateway.
// It bridges URRI network receivers to Wiren Board MQTT controls.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexus-edge/urri-gateway/internal/adapter/config"
	"github.com/nexus-edge/urri-gateway/internal/adapter/mqtt"
	"github.com/nexus-edge/urri-gateway/internal/adapter/urri"
	"github.com/nexus-edge/urri-gateway/internal/domain"
	"github.com/nexus-edge/urri-gateway/internal/health"
	"github.com/nexus-edge/urri-gateway/internal/metrics"
	"github.com/nexus-edge/urri-gateway/internal/service"
	"github.com/nexus-edge/urri-gateway/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const (
	serviceName    = "urri-gateway"
	serviceVersion = "1.0.0"
)

const (
	exitOK          = 0
	exitBrokerError = 1
	exitConfigError = 6
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", config.DefaultPath, "device config file")
	schemaPath := fs.String("schema", "", "JSON schema overriding the embedded one")
	dump := fs.BoolP("json", "j", false, "print the normalized config and exit")
	dumpYAML := fs.Bool("yaml", false, "with -j, print YAML instead of JSON")
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	if *dump {
		format := "json"
		if *dumpYAML {
			format = "yaml"
		}
		out, err := config.Dump(*configPath, format)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitConfigError
		}
		os.Stdout.Write(out)
		return exitOK
	}

	bootLogger := logging.NewLogger("info", "console")
	cfg, err := config.Load(config.Options{
		Path:       *configPath,
		SchemaPath: *schemaPath,
		Flags:      fs,
	}, bootLogger)
	if err != nil {
		bootLogger.Error().Err(err).Str("path", *configPath).Msg("Failed to load configuration")
		return exitConfigError
	}

	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format).
		With().Str("service", serviceName).Str("version", serviceVersion).Logger()
	logger.Info().Int("devices", len(cfg.Devices)).Msg("Starting URRI gateway")

	metricsRegistry := metrics.NewRegistry(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mqttClient, err := mqtt.NewClient(mqtt.Config{
		BrokerURL:      cfg.MQTT.BrokerURL,
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		QoS:            cfg.MQTT.QoS,
		KeepAlive:      cfg.MQTT.KeepAlive,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		PublishTimeout: cfg.MQTT.PublishTimeout,
		CleanSession:   true,
	}, logger, metricsRegistry)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create MQTT client")
		return exitBrokerError
	}

	if err := mqttClient.Connect(ctx); err != nil {
		logger.Error().Err(err).Str("broker", cfg.MQTT.BrokerURL).Msg("Failed to connect to MQTT broker")
		return exitBrokerError
	}
	defer mqttClient.Disconnect()

	orchestrator := service.NewOrchestrator(service.OrchestratorConfig{
		Facade: service.FacadeConfig{
			ReconnectDelay: cfg.Upstream.ReconnectDelay,
			CommandTimeout: cfg.Upstream.RequestTimeout,
		},
		ClearStaleTopics: cfg.MQTT.ClearStaleTopics,
	}, cfg.Devices, mqttClient, upstreamFactory(cfg.Upstream, logger, metricsRegistry), logger, metricsRegistry)
	if cfg.MQTT.ClearStaleTopics {
		orchestrator.SetRetainedScanner(mqttClient)
	}
	mqttClient.SetConnectionLostHandler(orchestrator.HandleConnectionLost)

	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	}, logger)
	healthChecker.AddCheck("mqtt", mqttClient)
	healthChecker.AddCheck("receivers", orchestrator)

	httpServer := startHTTPServer(cfg.HTTP.Port, healthChecker, orchestrator, logger)

	runErr := orchestrator.Run(ctx)

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error shutting down HTTP server")
		}
		cancel()
	}

	if runErr != nil {
		// broker loss and startup failures both leave the bus unusable
		logger.Error().Err(runErr).Bool("broker_lost", errors.Is(runErr, domain.ErrBrokerConnectionLost)).
			Msg("URRI gateway stopped")
		return exitBrokerError
	}

	logger.Info().Msg("URRI gateway shutdown complete")
	return exitOK
}

// upstreamFactory builds the command client and event stream of a receiver.
func upstreamFactory(cfg config.UpstreamConfig, logger zerolog.Logger, metricsReg *metrics.Registry) service.UpstreamFactory {
	return func(device domain.Device) (service.Upstream, service.EventStream, error) {
		client, err := urri.NewClient(device.ID, urri.ClientConfig{
			BaseURL:         device.BaseURL(),
			Timeout:         cfg.RequestTimeout,
			BreakerFailures: cfg.BreakerFailures,
			BreakerTimeout:  cfg.BreakerTimeout,
		}, logger, metricsReg)
		if err != nil {
			return nil, nil, err
		}

		stream, err := urri.NewEventStream(device.ID, urri.StreamConfig{
			BaseURL:          device.BaseURL(),
			HandshakeTimeout: cfg.HandshakeTimeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, stream, nil
	}
}

func startHTTPServer(port int, checker *health.Checker, orchestrator *service.Orchestrator, logger zerolog.Logger) *http.Server {
	if port == 0 {
		logger.Info().Msg("HTTP server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HealthHandler)
	mux.HandleFunc("/health/live", checker.LivenessHandler)
	mux.HandleFunc("/health/ready", checker.ReadinessHandler)
	mux.HandleFunc("/status", orchestrator.StatusHandler())
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Int("port", port).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return server
}
