package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/omochice/peerchat/internal/config"
	"github.com/omochice/peerchat/internal/logging"
	"github.com/omochice/peerchat/internal/relay"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(relayCmd)

	relayCmd.Flags().String("addr", "", "listen address (default "+config.DefaultRelayAddr+")")
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a local peer-messaging service",
	Long: `Run an in-memory peer-messaging service for development.

Peers, links and history live only as long as the process. A client can stop
the service with the shutdown command.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		addr := cfg.RelayAddr
		if cmd.Flags().Changed("addr") {
			addr, _ = cmd.Flags().GetString("addr")
		}

		log, err := logging.New(cfg.LogLevel, os.Stderr)
		if err != nil {
			return err
		}
		defer log.Sync()

		srv := relay.New(addr, relay.WithLogger(log.Named("relay")))

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			srv.Stop()
		}()

		err = srv.Start()
		srv.Stop()
		return err
	},
}
