package onboard

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mctc-health/mctc/cmd/mctc/internal"
	"github.com/mctc-health/mctc/pkg/config"
)

func NewOnboardCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "onboard",
		Aliases: []string{"o"},
		Short:   "Write a default mctc configuration",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return onboard(cmd, internal.GetConfigPath(), force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config")
	return cmd
}

func onboard(cmd *cobra.Command, path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config %s already exists; use --force to overwrite", path)
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}
