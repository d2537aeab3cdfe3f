package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/spf13/cobra"

	"github.com/lucidgate/mqtt-gateway/internal/gwconfig"
	"github.com/lucidgate/mqtt-gateway/internal/mqtthook"
	"github.com/lucidgate/mqtt-gateway/internal/pipeline"
	"github.com/lucidgate/mqtt-gateway/pkg/logging"
	"github.com/lucidgate/mqtt-gateway/pkg/metrics"
)

// Build-time variables set via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "MQTT authentication, authorization, and message-shaping gateway",
	Long: `gateway plugs into an embedded MQTT broker and, for every connect,
publish, deliver, subscribe, and disconnect event, parses the connector's
structured Client-ID, authenticates it against a JWT-based identity system,
authorizes its connection mode against tenant policy, rewrites message
envelopes with broker-attested provenance and timing metadata, enforces
per-mode topic ACLs, and manages dynamic subscriptions on behalf of service
agents.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	rootCmd.Version = Version + " (" + Commit + ")"
	return rootCmd.Execute()
}

type serveFlags struct {
	address     string
	metricsAddr string
	authnFile   string
	authzFile   string
	logLevel    string
	logFormat   string
}

var serveFlagVals serveFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway broker in the foreground",
	Example: `  # Run with authn/authz policy files
  gateway serve --authn authn.toml --authz authz.toml

  # Bind the broker and metrics listeners explicitly
  gateway serve --address :1883 --metrics-address :9090`,
	RunE: runServe,
}

func init() {
	f := &serveFlagVals
	serveCmd.Flags().StringVar(&f.address, "address", ":1883", "MQTT TCP listener address")
	serveCmd.Flags().StringVar(&f.metricsAddr, "metrics-address", ":9090", "Prometheus exposition listener address")
	serveCmd.Flags().StringVar(&f.authnFile, "authn", "", "Path to AuthnConfig TOML file (omit to run with authentication disabled)")
	serveCmd.Flags().StringVar(&f.authzFile, "authz", "", "Path to AuthzConfig TOML file")
	serveCmd.Flags().StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&f.logFormat, "log-format", "text", "Log format (text, json)")

	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	f := &serveFlagVals

	log := logging.New(logging.Config{
		Level:  logging.ParseLevel(f.logLevel),
		Format: logging.ParseFormat(f.logFormat),
	})

	cfg, err := loadConfig(f)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	metrics.Init()

	broker := mqtt.New(&mqtt.Options{InlineClient: true})
	pipe := pipeline.New(cfg, mqtthook.NewServerBroker(broker), log.With("component", "pipeline"))
	hook := mqtthook.New(pipe, log.With("component", "mqtthook"))

	if err := broker.AddHook(hook, nil); err != nil {
		return fmt.Errorf("registering gateway hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "gateway-tcp", Address: f.address})
	if err := broker.AddListener(tcp); err != nil {
		return fmt.Errorf("adding MQTT listener on %s: %w", f.address, err)
	}

	go func() {
		if err := broker.Serve(); err != nil {
			log.Error("broker stopped serving", "err", err)
		}
	}()
	defer func() { _ = broker.Close() }()

	registry := metrics.DefaultRegistry()
	uptime := registry.NewGauge("gateway_uptime_seconds", "Seconds since the gateway process started")
	runtimeCollector := metrics.NewRuntimeCollector(registry, uptime)
	stopCollector := runtimeCollector.StartCollector(15 * time.Second)
	defer stopCollector()

	metricsSrv := &http.Server{Addr: f.metricsAddr, Handler: registry.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped serving", "err", err)
		}
	}()
	defer func() { _ = metricsSrv.Close() }()

	log.Info("gateway started",
		"address", f.address,
		"metrics_address", f.metricsAddr,
		"agent_id", cfg.ID.AgentID(),
		"authn_issuers", len(cfg.Authn),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down gateway")
	return nil
}

func loadConfig(f *serveFlags) (gwconfig.Config, error) {
	id, err := gwconfig.LoadIdentity()
	if err != nil {
		return gwconfig.Config{}, err
	}

	cfg := gwconfig.Config{ID: id, Stat: gwconfig.LoadStat(id)}

	if f.authnFile != "" {
		authnCfg, err := gwconfig.LoadAuthnFile(f.authnFile)
		if err != nil {
			return gwconfig.Config{}, err
		}
		cfg.Authn = authnCfg
	}
	if f.authzFile != "" {
		authzCfg, err := gwconfig.LoadAuthzFile(f.authzFile)
		if err != nil {
			return gwconfig.Config{}, err
		}
		cfg.Authz = authzCfg
	}

	return cfg, nil
}

