// Command thumbgen renders content-sized thumbnails for email templates and
// briefs.
//
// Usage:
//
//	thumbgen email --dir email                      # merge email.html into the wrapper
//	thumbgen brief --dir shared/brief --shared shared
//	thumbgen run   --dir . --ledger thumbgen.db      # both classes, one pass
//	thumbgen serve --shared shared --addr :5001      # asset server only
//	thumbgen watch --dir . --initial                 # re-render on change
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "thumbgen:", err)
		os.Exit(1)
	}
}
