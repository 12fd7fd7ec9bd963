package main

import (
	"context"
	"log"
	"os"

	"github.com/kho-unis/ascguard/config"
	"github.com/kho-unis/ascguard/watchdog"
)

// componentLogger logs to stderr with the component name as prefix
func componentLogger(name string) *log.Logger {
	return log.New(os.Stderr, name+": ", log.LstdFlags)
}

// openChannel opens the watchdog transport before the loop starts
func openChannel(ctx context.Context, c config.Config) (*watchdog.Channel, error) {
	t := c.Transport
	log.Printf("opening watchdog %s %s, waiting up to %v", t.Kind, t.Addr, c.Watchdog.InitTimeout)
	return c.OpenChannel(ctx, componentLogger("watchdog"))
}
