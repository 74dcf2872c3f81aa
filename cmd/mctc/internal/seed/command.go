package seed

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mctc-health/mctc/cmd/mctc/internal"
	"github.com/mctc-health/mctc/pkg/store/sqlite"
)

func NewSeedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "seed FILE",
		Short: "Load locations, roles and staff users from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			data, err := sqlite.DecodeSeed(f)
			if err != nil {
				return err
			}

			cfg, err := internal.LoadConfig()
			if err != nil {
				return err
			}
			st, err := sqlite.Open(cmd.Context(), cfg.StoragePath())
			if err != nil {
				return err
			}
			defer st.Close()

			res, err := st.Seed(cmd.Context(), data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d locations, %d roles, %d users, %d providers\n",
				res.Locations, res.Roles, res.Users, res.Providers)
			return nil
		},
	}
}
