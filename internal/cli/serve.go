package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tutu-network/tally/internal/daemon"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("config", "c", "", "path to a TOML config file")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ledger daemon",
	Long: `Run the ledger daemon: the HTTP API, the SQLite store, the counter
backend and the background jobs (reservation reaper, maturation sweep,
reconciliation, DLQ retry). Without --config it runs on built-in defaults:
a loopback listener and a tally.db file in the working directory.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := daemon.DefaultConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		cfg, err = daemon.LoadConfig(path)
		if err != nil {
			return err
		}
	}

	d, err := daemon.New(cfg, version)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}
