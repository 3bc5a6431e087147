package main

import (
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/machinefabric/mcpchannel-go/internal/config"
	"github.com/machinefabric/mcpchannel-go/server"
)

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the method channel over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.build()
			if err != nil {
				return err
			}
			defer rt.close()

			rt.registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			srv := server.New(rt.channel, rt.config.Server,
				server.WithLogger(rt.logger.Named("server")),
				server.WithGatherer(rt.registry),
				server.WithStateFunc(func() string { return rt.relay.State().String() }),
			)
			rt.logger.Info("starting mcpchannel",
				zap.String("listen", rt.config.Server.Listen),
				zap.String("command", rt.config.Worker.Command),
				zap.Strings("args", rt.config.WorkerArgs()),
			)
			return srv.Run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.StringP("listen", "l", server.DefaultConfig().Listen, "HTTP listen address")
	flags.Int("event-buffer", server.DefaultConfig().EventBuffer, "events buffered per stream before dropping")
	mustBindFlag(a.v, config.KeyServerListen, "MCPCHANNEL_SERVER_LISTEN", flags.Lookup("listen"))
	mustBindFlag(a.v, config.KeyServerEventBuffer, "MCPCHANNEL_SERVER_EVENT_BUFFER", flags.Lookup("event-buffer"))
	return cmd
}
