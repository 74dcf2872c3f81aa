package auditcmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mctc-health/mctc/cmd/mctc/internal"
	"github.com/mctc-health/mctc/pkg/audit"
	"github.com/mctc-health/mctc/pkg/store/sqlite"
)

func NewAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the message audit trail",
	}
	cmd.AddCommand(newVerifyCommand(), newTailCommand())
	return cmd
}

func newVerifyCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit log hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := internal.LoadConfig()
			if err != nil {
				return err
			}
			path := file
			if path == "" {
				path = cfg.AuditPath()
			}
			if cfg.Audit.SecretKey == "" {
				return fmt.Errorf("audit.secret_key is not set; entries cannot be verified")
			}
			n, err := audit.VerifyFile(path, []byte(cfg.Audit.SecretKey))
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries verified\n", path, n)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Audit log to verify (default from config)")
	return cmd
}

func newTailCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent logged messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := internal.LoadConfig()
			if err != nil {
				return err
			}
			st, err := sqlite.Open(cmd.Context(), cfg.StoragePath())
			if err != nil {
				return err
			}
			defer st.Close()

			entries, err := st.MessageLog(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				mark := " "
				if e.Handled {
					mark = "*"
				}
				fmt.Fprintf(out, "%s %s %s %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), mark, e.Peer, e.Text)
			}
			n, err := st.CountErrors(cmd.Context())
			if err != nil {
				return err
			}
			if n > 0 {
				fmt.Fprintf(out, "%d internal errors logged\n", n)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries")
	return cmd
}
