package main

import (
	"context"
	"os/signal"

	"golang.org/x/sys/unix"
)

// notifyContext returns a context that is cancelled on SIGINT or SIGTERM.
func notifyContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
}
