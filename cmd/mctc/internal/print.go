package internal

import (
	"context"
	"fmt"
	"io"

	"github.com/mctc-health/mctc/pkg/router"
)

// NopTransport drops replies. Local commands print the outbox instead.
var NopTransport = router.TransportFunc(func(context.Context, string, string) error { return nil })

// PrintReplies writes every reply of msg, marking forwards with their
// destination.
func PrintReplies(w io.Writer, msg *router.Message) {
	for _, r := range msg.Outbox() {
		if r.Forward {
			fmt.Fprintf(w, "-> %s: %s\n", r.To, r.Text)
			continue
		}
		fmt.Fprintf(w, "<- %s\n", r.Text)
	}
}
