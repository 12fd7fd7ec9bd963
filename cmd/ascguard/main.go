package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kho-unis/ascguard/config"
	"github.com/kho-unis/ascguard/control"
	"github.com/kho-unis/ascguard/ephem"
	"github.com/kho-unis/ascguard/status"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = config.FileName
)

// exit codes
const (
	exitOK        = 0
	exitConfig    = 1
	exitTransport = 2
)

func root() {
	str := `ascguard keeps the all-sky camera shutter open only while the sky is dark.

It computes the altitude of the Sun and the Moon at the site several times a
second and pets the shutter's hardware watchdog while both are below their
thresholds.  If ascguard stops, for any reason, the hardware closes the shutter.

Usage:
	ascguard <command>

Commands:
	run [file]
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `ascguard is configured by its .yml file, ascguard.yml in the working directory
unless another is given to run.  "ascguard mkconf" writes the defaults to it.
Any key can be overridden from the environment as ASCGUARD_<SECTION>__<KEY>,
for example ASCGUARD_TRANSPORT__ADDR=/dev/ttyUSB1.

site:        latitude_deg, longitude_deg, elevation_m of the camera (default KHO)
thresholds:  the shutter may open while sun < sun_max_degrees and
             moon < moon_max_degrees (defaults -12 and 1)
transport:   kind is serial, tcp (a serial port on a terminal server) or gpio;
             addr is the port, host:port or pin name
watchdog:    tick is the evaluation period and must be at most half of
             hardware_timeout.  split_petting pets from a separate timer.
status:      a report is printed once per interval; http_addr, if set,
             serves /status, /metrics and /endpoints

Exit status is 0 after an interrupt, 1 for a bad configuration and 2 if the
watchdog could not be opened within init_timeout.`
	fmt.Println(str)
}

func loadConf(args []string) (config.Config, error) {
	if len(args) > 2 {
		return config.Load(args[2], true)
	}
	return config.Load(ConfigFileName, false)
}

func mkconf() {
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err := config.Defaults().WriteYAML(f); err != nil {
		log.Fatal(err)
	}
}

// printconf writes the effective configuration to w.  Nothing is written
// if it does not load.
func printconf(args []string, w io.Writer) error {
	c, err := loadConf(args)
	if err != nil {
		return err
	}
	return c.WriteYAML(w)
}

func pversion() {
	fmt.Printf("ascguard version %v\n", Version)
}

func run(args []string) int {
	c, err := loadConf(args)
	if err != nil {
		log.Println(err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ch, err := openChannel(ctx, c)
	if err != nil {
		if ctx.Err() != nil {
			log.Println("Stopped by user.")
			return exitOK
		}
		log.Println(err)
		var ce *config.Error
		if errors.As(err, &ce) {
			return exitConfig
		}
		return exitTransport
	}
	defer ch.Close()

	metrics, err := control.NewMetrics(nil)
	if err != nil {
		log.Println(err)
	}
	rep := status.NewReporter(log.New(os.Stdout, "", 0), c.Status.Interval.Std())
	lc := c.Loop(true)
	loop, err := control.New(lc, ephem.Ephemeris{}, ch, rep)
	if err != nil {
		log.Println(err)
		return exitConfig
	}
	loop.Logger = componentLogger("control")
	loop.Metrics = metrics

	if c.Status.HTTPAddr != "" {
		go status.Serve(ctx, c.Status.HTTPAddr, status.NewRouter(rep, metrics.Handler()))
	}

	log.Println(lc)
	if err := loop.Run(ctx); err != nil {
		log.Println(err)
		return exitTransport
	}
	log.Println("Exiting...")
	return exitOK
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	cmd := strings.ToLower(args[1])
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		if err := printconf(args, os.Stdout); err != nil {
			log.Println(err)
			os.Exit(exitConfig)
		}
	case "run":
		os.Exit(run(args))
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
