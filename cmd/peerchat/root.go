package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/omochice/peerchat/internal/config"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "peerchat",
	Short: "Peer-to-peer chat over a WebSocket relay",
	Long: `peerchat keeps your chat identity and conversation in sync with a
peer-messaging service over a single WebSocket connection.

Run "peerchat relay" to start a local service, then "peerchat chat".`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	// Disable completion command
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file path (default is $XDG_CONFIG_HOME/peerchat/config.yaml)")
	flags.String("server", "", "service URL (default "+config.DefaultServerURL+")")
	flags.String("data-dir", "", "directory for identity state and logs")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("transport", "", "client WebSocket library: "+strings.Join(config.Transports, ", "))
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
}

// loadConfig resolves the configuration and applies flags the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	overrides := []struct {
		flag string
		dst  *string
	}{
		{"server", &cfg.ServerURL},
		{"data-dir", &cfg.DataDir},
		{"log-level", &cfg.LogLevel},
		{"transport", &cfg.Transport},
		{"metrics-addr", &cfg.MetricsAddr},
	}
	for _, o := range overrides {
		if cmd.Flags().Changed(o.flag) {
			*o.dst, _ = cmd.Flags().GetString(o.flag)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
