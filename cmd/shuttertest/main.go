/*shuttertest pets the shutter watchdog unconditionally, ignoring the Sun
and the Moon, so the electronics can be checked on the bench.  The shutter
opens while it runs and closes within about a second of stopping it.

Usage:

	shuttertest [file]

file defaults to ascguard.yml; the transport and bench sections are used.
*/
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/theckman/yacspin"

	"github.com/kho-unis/ascguard/config"
	"github.com/kho-unis/ascguard/control"
)

// spinReporter shows the pet count on a terminal spinner
type spinReporter struct {
	spinner *yacspin.Spinner
	ok      int
	failed  int
}

func (s *spinReporter) Observe(tk control.Tick) {
	s.ok += tk.Pets - tk.PetFailures
	s.failed += tk.PetFailures
	msg := fmt.Sprintf("pets %d ok %d failed", s.ok, s.failed)
	if !tk.Connected {
		msg += " (watchdog disconnected)"
	}
	s.spinner.Message(msg)
}

func main() {
	path, mustExist := config.FileName, false
	if len(os.Args) > 1 {
		path, mustExist = os.Args[1], true
	}
	c, err := config.Load(path, mustExist)
	if err != nil {
		log.Println(err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("opening watchdog %s %s", c.Transport.Kind, c.Transport.Addr)
	ch, err := c.OpenChannel(ctx, log.New(os.Stderr, "watchdog: ", log.LstdFlags))
	if err != nil {
		if ctx.Err() != nil {
			fmt.Println("Stopped by user.")
			return
		}
		log.Println(err)
		os.Exit(2)
	}
	defer ch.Close()

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[14],
		Suffix:          " petting watchdog",
		SuffixAutoColon: true,
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
	})
	if err != nil {
		log.Println(err)
		os.Exit(1)
	}

	loop, err := control.New(c.Loop(false), nil, ch, &spinReporter{spinner: spinner})
	if err != nil {
		log.Println(err)
		os.Exit(1)
	}
	loop.Logger = log.New(os.Stderr, "control: ", log.LstdFlags)

	spinner.Start()
	err = loop.Run(ctx)
	spinner.StopMessage("watchdog released")
	spinner.Stop()
	if err != nil {
		log.Println(err)
		os.Exit(2)
	}
	fmt.Println("Stopped by user.")
}
