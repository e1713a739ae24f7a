package httpapi

import (
	"context"
	"net/http"
)

// daemonCtx bounds admin operations to the daemon's lifetime; shutdown in
// cmd/voiced cancels it so an in-flight service start or restart stops
// waiting instead of outliving the process teardown.
var daemonCtx = context.Background()

// SetBaseContext installs the daemon lifetime context. Nil resets to
// Background.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		daemonCtx = context.Background()
		return
	}
	daemonCtx = ctx
}

// opContext derives the context for one admin operation: done when either
// the request or the daemon lifetime ends. The returned cancel must always
// be called.
func opContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(daemonCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
