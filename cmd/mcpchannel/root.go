package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/machinefabric/mcpchannel-go/channel"
	"github.com/machinefabric/mcpchannel-go/internal/config"
	"github.com/machinefabric/mcpchannel-go/internal/logging"
	"github.com/machinefabric/mcpchannel-go/relay"
)

// app carries state shared by the subcommands
type app struct {
	v          *viper.Viper
	configPath string
}

func newRootCommand() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:           "mcpchannel",
		Short:         "Relay method calls to an MCP bridge worker over stdio",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", logging.FormatJSON, "log format (json or console)")
	flags.String("command", "node", "worker executable")
	flags.String("script", config.DefaultScriptPath(), "bridge script passed as the worker's first argument")
	flags.StringSlice("worker-arg", nil, "extra worker argument (repeatable)")
	flags.Duration("request-timeout", relay.DefaultRequestTimeout, "processMessage timeout (0 disables)")
	flags.Duration("ping-timeout", relay.DefaultPingTimeout, "testConnection and getCapabilities timeout")
	flags.Bool("await-handshake", false, "wait for the worker's initialize response")
	flags.String("capabilities-file", "", "JSON file with the capabilities reported when the worker has none")

	mustBindFlag(a.v, config.KeyLogLevel, "MCPCHANNEL_LOG_LEVEL", flags.Lookup("log-level"))
	mustBindFlag(a.v, config.KeyLogFormat, "MCPCHANNEL_LOG_FORMAT", flags.Lookup("log-format"))
	mustBindFlag(a.v, config.KeyWorkerCommand, "MCPCHANNEL_WORKER_COMMAND", flags.Lookup("command"))
	mustBindFlag(a.v, config.KeyWorkerScript, "MCPCHANNEL_WORKER_SCRIPT", flags.Lookup("script"))
	mustBindFlag(a.v, config.KeyWorkerArgs, "MCPCHANNEL_WORKER_ARGS", flags.Lookup("worker-arg"))
	mustBindFlag(a.v, config.KeyRequestTimeout, "MCPCHANNEL_RELAY_REQUEST_TIMEOUT", flags.Lookup("request-timeout"))
	mustBindFlag(a.v, config.KeyPingTimeout, "MCPCHANNEL_RELAY_PING_TIMEOUT", flags.Lookup("ping-timeout"))
	mustBindFlag(a.v, config.KeyAwaitHandshake, "MCPCHANNEL_RELAY_AWAIT_HANDSHAKE", flags.Lookup("await-handshake"))
	mustBindFlag(a.v, config.KeyCapabilitiesFile, "MCPCHANNEL_RELAY_CAPABILITIES_FILE", flags.Lookup("capabilities-file"))

	root.AddCommand(
		newServeCommand(a),
		newCallCommand(a),
		newVersionCommand(),
	)
	return root
}

func mustBindFlag(v *viper.Viper, key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := v.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

// stack bundles what every subcommand builds from the loaded configuration
type stack struct {
	config   config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	relay    *relay.Relay
	channel  *channel.Channel
}

func (a *app) build() (*stack, error) {
	cfg, err := config.Load(a.v, a.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	rc, err := cfg.RelayConfig()
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	r, err := relay.New(rc,
		relay.WithLogger(logger.Named("relay")),
		relay.WithRegisterer(registry),
	)
	if err != nil {
		return nil, fmt.Errorf("create relay: %w", err)
	}
	ch := channel.New(r, channel.WithLogger(logger.Named("channel")))

	return &stack{
		config:   cfg,
		logger:   logger,
		registry: registry,
		relay:    r,
		channel:  ch,
	}, nil
}

func (rt *stack) close() {
	_ = rt.logger.Sync()
}
