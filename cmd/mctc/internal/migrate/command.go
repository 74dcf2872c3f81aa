package migrate

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mctc-health/mctc/cmd/mctc/internal"
	"github.com/mctc-health/mctc/pkg/store/sqlite"
)

func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := internal.LoadConfig()
			if err != nil {
				return err
			}
			// Open applies any pending migrations.
			st, err := sqlite.Open(cmd.Context(), cfg.StoragePath())
			if err != nil {
				return err
			}
			defer st.Close()

			applied, err := st.AppliedMigrations(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Database: %s\n", cfg.StoragePath())
			for _, name := range applied {
				fmt.Fprintf(out, "  applied %s\n", name)
			}
			return nil
		},
	}
}
