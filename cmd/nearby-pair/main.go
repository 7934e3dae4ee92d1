// Command nearby-pair pairs this process with one nearby peer over the local
// socket transport.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/user/nearby-pairing/config"
	"github.com/user/nearby-pairing/logger"
	"github.com/user/nearby-pairing/wire"
)

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:   fmt.Sprintf("%s [global options] <subcommand>", os.Args[0]),
		Short: "Nearby peer pairing",

		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Usage()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Path to a TOML config file")
	flags.String("service-id", config.DefaultServiceID, "Advertising and discovery namespace")
	flags.String("name", "", "Fixed pairing name (random when empty)")
	flags.Int("discovered-replay", 10, "Discovered peers replayed to late subscribers")
	flags.String("data-dir", "", "Directory holding the transport sockets")
	flags.Duration("rescan-interval", wire.DefaultRescanInterval, "Discovery rescan period")
	flags.Int("dial-attempts", wire.DefaultDialAttempts, "Connection request dial attempts")
	flags.Bool("wire-debug", false, "Write the connection event log")
	flags.String("log-level", "INFO", "TRACE, DEBUG, INFO, WARN or ERROR")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address")

	load := func(cmd *cobra.Command) (config.Config, error) {
		cfg, err := config.Load(configPath, cmd.Flags())
		if err != nil {
			return config.Config{}, err
		}
		logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
		return cfg, nil
	}

	cmd.AddCommand(
		runCommand(load),
		demoCommand(load),
	)

	if err := cmd.Execute(); err != nil {
		var sig run.SignalError
		if errors.As(err, &sig) {
			return
		}
		os.Exit(1)
	}
}
