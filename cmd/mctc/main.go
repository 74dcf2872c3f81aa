// mctc routes keyword SMS from community health workers to the mctc and
// measles command handlers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mctc-health/mctc/cmd/mctc/internal"
	"github.com/mctc-health/mctc/cmd/mctc/internal/auditcmd"
	"github.com/mctc-health/mctc/cmd/mctc/internal/console"
	"github.com/mctc-health/mctc/cmd/mctc/internal/gateway"
	"github.com/mctc-health/mctc/cmd/mctc/internal/migrate"
	"github.com/mctc-health/mctc/cmd/mctc/internal/onboard"
	"github.com/mctc-health/mctc/cmd/mctc/internal/seed"
	"github.com/mctc-health/mctc/cmd/mctc/internal/send"
	"github.com/mctc-health/mctc/cmd/mctc/internal/version"
)

func NewMctcCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "mctc",
		Short:         "SMS command router for community health reporting",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			internal.SetConfigPath(configPath)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default $MCTC_HOME/config.json)")

	cmd.AddCommand(
		onboard.NewOnboardCommand(),
		gateway.NewGatewayCommand(),
		send.NewSendCommand(),
		console.NewConsoleCommand(),
		migrate.NewMigrateCommand(),
		seed.NewSeedCommand(),
		auditcmd.NewAuditCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	if err := NewMctcCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
