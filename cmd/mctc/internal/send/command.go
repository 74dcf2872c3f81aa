package send

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mctc-health/mctc/cmd/mctc/internal"
	"github.com/mctc-health/mctc/pkg/router"
)

func NewSendCommand() *cobra.Command {
	var from string

	cmd := &cobra.Command{
		Use:   "send TEXT...",
		Short: "Dispatch one message and print the replies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := internal.LoadConfig()
			if err != nil {
				return err
			}
			rt, err := internal.NewRuntime(cmd.Context(), cfg, internal.RuntimeOptions{Transport: internal.NopTransport})
			if err != nil {
				return err
			}
			defer rt.Close()
			return Send(cmd.Context(), cmd.OutOrStdout(), rt.Dispatcher, cfg.SMS.Backend, from, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVarP(&from, "from", "f", "", "Sender phone number")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

// Send dispatches text as if peer had sent it and prints the outcome.
func Send(ctx context.Context, w io.Writer, d *router.Dispatcher, backend, peer, text string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	msg := router.NewMessage(backend, peer, text)
	res, err := d.Dispatch(ctx, msg)
	internal.PrintReplies(w, msg)
	fmt.Fprintf(w, "[%s", res.Outcome)
	if res.Command != "" {
		fmt.Fprintf(w, " %s", res.Command)
	}
	if res.Outcome == router.OutcomeHandled && !msg.Handled() {
		fmt.Fprint(w, " declined")
	}
	fmt.Fprintln(w, "]")
	return err
}
