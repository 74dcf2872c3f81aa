package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/mctc-health/mctc/cmd/mctc/internal"
	"github.com/mctc-health/mctc/cmd/mctc/internal/send"
	"github.com/mctc-health/mctc/internal/infra"
	"github.com/mctc-health/mctc/pkg/router"
)

func NewConsoleCommand() *cobra.Command {
	var from string

	cmd := &cobra.Command{
		Use:     "console",
		Aliases: []string{"c"},
		Short:   "Interactive SMS console",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := internal.LoadConfig()
			if err != nil {
				return err
			}
			rt, err := internal.NewRuntime(cmd.Context(), cfg, internal.RuntimeOptions{Transport: internal.NopTransport})
			if err != nil {
				return err
			}
			defer rt.Close()

			s := &session{dispatcher: rt.Dispatcher, backend: cfg.SMS.Backend, from: from, out: cmd.OutOrStdout()}
			return s.loop(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&from, "from", "f", "", "Sender phone number")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

type session struct {
	dispatcher *router.Dispatcher
	backend    string
	from       string
	out        io.Writer
}

func (s *session) prompt() string {
	return s.from + "> "
}

func (s *session) loop(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          s.prompt(),
		HistoryFile:     filepath.Join(infra.ResolveHomeDir(), "console_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       ":quit",
	})
	if err != nil {
		return fmt.Errorf("init console: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(s.out, "Texting as %s. :help lists commands, :from PEER switches sender, :quit exits.\n\n", s.from)
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		quit, err := s.handleLine(ctx, line)
		if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
		rl.SetPrompt(s.prompt())
	}
}

// handleLine runs one console line. Lines starting with ':' are console
// commands; anything else is dispatched as an SMS.
func (s *session) handleLine(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, ":") {
		return false, send.Send(ctx, s.out, s.dispatcher, s.backend, s.from, line)
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case ":quit", ":q":
		return true, nil
	case ":help", ":h":
		s.help()
		return false, nil
	case ":from":
		if len(fields) != 2 {
			return false, errors.New("usage: :from PEER")
		}
		s.from = fields[1]
		fmt.Fprintf(s.out, "Texting as %s.\n", s.from)
		return false, nil
	default:
		return false, fmt.Errorf("unknown console command %s", fields[0])
	}
}

func (s *session) help() {
	if s.dispatcher == nil {
		return
	}
	for _, b := range s.dispatcher.Registry().Bindings() {
		if b.Usage == "" {
			fmt.Fprintf(s.out, "  %s\n", b.Name)
			continue
		}
		fmt.Fprintf(s.out, "  %-10s %s\n", b.Name, b.Usage)
	}
}
