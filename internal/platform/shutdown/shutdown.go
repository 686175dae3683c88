// Package shutdown wires SIGINT and SIGTERM into context cancellation.
package shutdown

import (
	"context"
	"os/signal"
	"syscall"
)

// NotifyContext cancels the returned context on SIGINT or SIGTERM. The first
// signal starts a graceful stop; a second one falls through to the default
// handler and kills the process.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ctx, stop
}
