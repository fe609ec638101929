package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	gateway "github.com/kacy/approov-gateway"
	"github.com/kacy/approov-gateway/remote"
)

const (
	envPrefix       = "APPROOV_GATEWAY"
	defaultLogLevel = "info"
)

// app carries the state shared by subcommands.
type app struct {
	v      *viper.Viper
	logger *slog.Logger
}

// newRootCmd creates the root command. Every persistent flag can also be
// set in the config file or as APPROOV_GATEWAY_<FLAG> in the environment.
func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "approov-gateway",
		Short: "Attested HTTP request gateway",
		Long: `Performs HTTP requests with short-lived attestation tokens attached.

Tokens are issued by a remote attestation service and injected into the
header configured for each domain in the bindings file.

Example:
  approov-gateway request --endpoint https://attest.internal \
    --initial-config "$APPROOV_CONFIG" --bindings bindings.yaml \
    -H 'Authorization: Bearer abc' https://api.example.com/v1/shapes`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to a config file (YAML, JSON or TOML)")
	flags.String("endpoint", "", "Attestation service base URL")
	flags.String("initial-config", "", "Initial attestation configuration")
	flags.String("bindings", "", "Path to the domain bindings file (YAML)")
	flags.String("settings", "", "Path to the settings database (default: in-memory)")
	flags.String("device-id", "", "Device identifier sent to the attestation service (default: random)")
	flags.Duration("timeout", gateway.DefaultTimeout, "Timeout for each request")
	flags.StringP("log-level", "l", defaultLogLevel, "Log level (debug, info, warn, error)")
	a.v.BindPFlags(flags)

	rootCmd.AddCommand(
		newRequestCmd(a),
		newPrecheckCmd(a),
		newDeviceIDCmd(a),
		newSignCmd(a),
		newCustomJWTCmd(a),
		newServeCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}

func (a *app) load() error {
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	if path := a.v.GetString("config"); path != "" {
		a.v.SetConfigFile(path)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	level, err := parseLogLevel(a.v.GetString("log-level"))
	if err != nil {
		return err
	}
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.logger)
	return nil
}

// newService builds a service backed by the remote provider. The returned
// cleanup closes both.
func (a *app) newService(ctx context.Context, reg prometheus.Registerer, watch bool) (*gateway.Service, func(), error) {
	endpoint := a.v.GetString("endpoint")
	if endpoint == "" {
		return nil, nil, fmt.Errorf("--endpoint is required")
	}
	initial := a.v.GetString("initial-config")
	if initial == "" {
		return nil, nil, fmt.Errorf("--initial-config is required")
	}

	p, err := remote.New(remote.Config{
		Endpoint: endpoint,
		DeviceID: a.v.GetString("device-id"),
		Logger:   a.logger,
	})
	if err != nil {
		return nil, nil, err
	}

	bindings := a.v.GetString("bindings")
	svc, err := gateway.NewService(ctx, gateway.ServiceConfig{
		Provider:      p,
		InitialConfig: initial,
		ConfigFile:    bindings,
		WatchConfig:   watch && bindings != "",
		SettingsPath:  a.v.GetString("settings"),
		Registerer:    reg,
		Logger:        a.logger,
	})
	if err != nil {
		p.Close()
		return nil, nil, err
	}

	cleanup := func() {
		if err := svc.Close(); err != nil {
			a.logger.Warn("failed to close gateway", "error", err)
		}
		p.Close()
	}
	return svc, cleanup, nil
}

func (a *app) timeout() time.Duration {
	return a.v.GetDuration("timeout")
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
