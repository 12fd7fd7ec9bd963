/*Package config loads and validates the ascguard configuration.

Values are layered, later sources overriding earlier ones:

	1. built-in defaults (the KHO site, -12 / +1 degree thresholds, serial at 115200)
	2. a YAML file
	3. environment variables prefixed ASCGUARD_, with __ between the
	   section and the key, e.g. ASCGUARD_WATCHDOG__TICK=100ms

Validation failures are collected into a single *Error so that an operator
sees every problem with a file at once.
*/
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/mitchellh/mapstructure"
	yml "gopkg.in/yaml.v2"

	"github.com/kho-unis/ascguard/comm"
	"github.com/kho-unis/ascguard/control"
	"github.com/kho-unis/ascguard/ephem"
	"github.com/kho-unis/ascguard/visibility"
	"github.com/kho-unis/ascguard/watchdog"
)

const (
	// FileName is the configuration file looked for when none is given
	FileName = "ascguard.yml"

	// EnvPrefix marks environment variables that override the file
	EnvPrefix = "ASCGUARD_"

	// MaxFailuresLimit bounds watchdog.max_failures
	MaxFailuresLimit = 1000
)

// Duration is a time.Duration that reads and writes as "200ms", "1s" etc
type Duration time.Duration

// Std returns d as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalText parses a Go duration string
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes d in Go duration syntax
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Transport describes how to reach the watchdog
type Transport struct {
	// Kind is serial, tcp or gpio
	Kind string `koanf:"kind" yaml:"kind"`

	// Addr is a serial port (/dev/ttyUSB0, COM3), a host:port of a serial
	// terminal server, or a GPIO pin name
	Addr string `koanf:"addr" yaml:"addr"`

	Baud         int      `koanf:"baud" yaml:"baud"`
	WriteTimeout Duration `koanf:"write_timeout" yaml:"write_timeout"`

	// Token is the single character written on each pet
	Token string `koanf:"token" yaml:"token"`
}

// Watchdog holds the loop timing and reconnect policy
type Watchdog struct {
	// HardwareTimeout is how long the shutter electronics wait for a pet
	// before closing.  It is fixed in hardware; it is here to check Tick.
	HardwareTimeout Duration `koanf:"hardware_timeout" yaml:"hardware_timeout"`

	Tick                 Duration `koanf:"tick" yaml:"tick"`
	SplitPetting         bool     `koanf:"split_petting" yaml:"split_petting"`
	MaxFailures          int      `koanf:"max_failures" yaml:"max_failures"`
	ReconnectMaxInterval Duration `koanf:"reconnect_max_interval" yaml:"reconnect_max_interval"`

	// InitTimeout bounds the initial open at startup
	InitTimeout Duration `koanf:"init_timeout" yaml:"init_timeout"`
}

// Status configures reporting
type Status struct {
	Interval Duration `koanf:"interval" yaml:"interval"`

	// HTTPAddr, if not empty, serves /status and /metrics
	HTTPAddr string `koanf:"http_addr" yaml:"http_addr"`
}

// Bench configures the ungated bench loop
type Bench struct {
	Tick Duration `koanf:"tick" yaml:"tick"`
}

// Config is the whole configuration
type Config struct {
	Site       ephem.Location        `koanf:"site" yaml:"site"`
	Thresholds visibility.Thresholds `koanf:"thresholds" yaml:"thresholds"`
	Transport  Transport             `koanf:"transport" yaml:"transport"`
	Watchdog   Watchdog              `koanf:"watchdog" yaml:"watchdog"`
	Status     Status                `koanf:"status" yaml:"status"`
	Bench      Bench                 `koanf:"bench" yaml:"bench"`
}

// Defaults returns the built-in configuration
func Defaults() Config {
	return Config{
		Site:       ephem.KHO,
		Thresholds: visibility.DefaultThresholds(),
		Transport: Transport{
			Kind:         watchdog.KindSerial,
			Addr:         "/dev/ttyUSB0",
			Baud:         comm.DefaultBaud,
			WriteTimeout: Duration(comm.DefaultTimeout),
			Token:        string(watchdog.DefaultToken),
		},
		Watchdog: Watchdog{
			HardwareTimeout:      Duration(time.Second),
			Tick:                 Duration(control.DefaultTick),
			MaxFailures:          watchdog.DefaultMaxFailures,
			ReconnectMaxInterval: Duration(watchdog.DefaultReconnectMaxInterval),
			InitTimeout:          Duration(30 * time.Second),
		},
		Status: Status{Interval: Duration(10 * time.Second)},
		Bench:  Bench{Tick: Duration(500 * time.Millisecond)},
	}
}

// Error is a ConfigError: every problem found in a configuration
type Error struct {
	Problems []error
}

func (e *Error) Error() string {
	s := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		s[i] = p.Error()
	}
	return "invalid configuration: " + strings.Join(s, "; ")
}

// Unwrap allows errors.Is and errors.As to see each problem
func (e *Error) Unwrap() []error {
	return e.Problems
}

// Load layers defaults, the YAML file at path and the environment.
// A missing file is tolerated unless mustExist is set.
func Load(path string, mustExist bool) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Config{}, &Error{Problems: []error{fmt.Errorf("loading defaults: %w", err)}}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if mustExist || !errors.Is(err, fs.ErrNotExist) {
				return Config{}, &Error{Problems: []error{fmt.Errorf("loading %s: %w", path, err)}}
			}
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, &Error{Problems: []error{fmt.Errorf("loading environment: %w", err)}}
	}

	var c Config
	err := k.UnmarshalWithConf("", &c, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.TextUnmarshallerHookFunc(),
				mapstructure.StringToTimeDurationHookFunc()),
			WeaklyTypedInput: true,
			Result:           &c,
			TagName:          "koanf",
		},
	})
	if err != nil {
		return Config{}, &Error{Problems: []error{err}}
	}
	return c, c.Validate()
}

// envKey maps ASCGUARD_WATCHDOG__SPLIT_PETTING to watchdog.split_petting
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(s, "__", ".", -1)
}

// Validate checks c and returns an *Error listing every problem, or nil
func (c Config) Validate() error {
	var problems []error
	add := func(err error) {
		if err != nil {
			problems = append(problems, err)
		}
	}
	add(c.Site.Validate())
	add(c.Thresholds.Validate())

	switch strings.ToLower(c.Transport.Kind) {
	case watchdog.KindSerial, watchdog.KindTCP, watchdog.KindGPIO:
	default:
		add(fmt.Errorf("transport.kind: %w %q", watchdog.ErrUnknownKind, c.Transport.Kind))
	}
	if strings.TrimSpace(c.Transport.Addr) == "" {
		add(fmt.Errorf("transport.addr: %w", comm.ErrNoAddr))
	}
	if c.Transport.Baud <= 0 {
		add(fmt.Errorf("transport.baud must be positive, got %d", c.Transport.Baud))
	}
	if c.Transport.WriteTimeout <= 0 {
		add(fmt.Errorf("transport.write_timeout must be positive, got %v", c.Transport.WriteTimeout))
	}
	if len(c.Transport.Token) != 1 {
		add(fmt.Errorf("transport.token must be a single byte, got %q", c.Transport.Token))
	}

	w := c.Watchdog
	if w.HardwareTimeout <= 0 {
		add(fmt.Errorf("watchdog.hardware_timeout must be positive, got %v", w.HardwareTimeout))
	}
	add(checkTick("watchdog.tick", w.Tick, w.HardwareTimeout))
	add(checkTick("bench.tick", c.Bench.Tick, w.HardwareTimeout))
	if w.MaxFailures <= 0 || w.MaxFailures > MaxFailuresLimit {
		add(fmt.Errorf("watchdog.max_failures must be in [1, %d], got %d", MaxFailuresLimit, w.MaxFailures))
	}
	if w.ReconnectMaxInterval <= 0 {
		add(fmt.Errorf("watchdog.reconnect_max_interval must be positive, got %v", w.ReconnectMaxInterval))
	}
	if w.InitTimeout <= 0 {
		add(fmt.Errorf("watchdog.init_timeout must be positive, got %v", w.InitTimeout))
	}
	if c.Status.Interval <= 0 {
		add(fmt.Errorf("status.interval must be positive, got %v", c.Status.Interval))
	}
	if len(problems) == 0 {
		return nil
	}
	return &Error{Problems: problems}
}

// checkTick requires 0 < tick <= hw/2 so a single lost pet never lets the
// hardware time out
func checkTick(name string, tick, hw Duration) error {
	if tick <= 0 {
		return fmt.Errorf("%s must be positive, got %v", name, tick)
	}
	if hw > 0 && tick > hw/2 {
		return fmt.Errorf("%s %v exceeds half the hardware timeout %v", name, tick, hw)
	}
	return nil
}

// WriteYAML encodes c to w
func (c Config) WriteYAML(w io.Writer) error {
	return yml.NewEncoder(w).Encode(c)
}

// Dialer returns the transport constructor for the watchdog
func (c Config) Dialer() (comm.CreationFunc, error) {
	t := c.Transport
	return watchdog.Dialer(t.Kind, t.Addr, t.Baud, t.WriteTimeout.Std())
}

// Channel returns the watchdog channel settings
func (c Config) Channel() watchdog.Config {
	var token byte
	if len(c.Transport.Token) == 1 {
		token = c.Transport.Token[0]
	}
	return watchdog.Config{
		Token:                token,
		WriteTimeout:         c.Transport.WriteTimeout.Std(),
		MaxFailures:          uint32(c.Watchdog.MaxFailures),
		ReconnectMaxInterval: c.Watchdog.ReconnectMaxInterval.Std(),
	}
}

// Loop returns the control loop settings.  An ungated loop runs at the
// bench tick.
func (c Config) Loop(gated bool) control.Config {
	cfg := control.Config{
		Location:     c.Site,
		Thresholds:   c.Thresholds,
		Gated:        gated,
		Tick:         c.Watchdog.Tick.Std(),
		SplitPetting: c.Watchdog.SplitPetting,
	}
	if !gated {
		cfg.Tick = c.Bench.Tick.Std()
	}
	// an intent older than two ticks, or the hardware timeout if that is
	// shorter, is not acted on
	cfg.Staleness = 2 * cfg.Tick
	if hw := c.Watchdog.HardwareTimeout.Std(); hw > 0 && hw < cfg.Staleness {
		cfg.Staleness = hw
	}
	return cfg
}

// OpenChannel creates the watchdog channel and opens its transport,
// retrying for up to watchdog.init_timeout or until ctx is done.  An
// unusable transport setting is reported as an *Error.
func (c Config) OpenChannel(ctx context.Context, logger *log.Logger) (*watchdog.Channel, error) {
	dial, err := c.Dialer()
	if err != nil {
		return nil, &Error{Problems: []error{err}}
	}
	ch := watchdog.New(dial, c.Channel(), logger)
	if err := ch.Open(ctx, c.Watchdog.InitTimeout.Std()); err != nil {
		return nil, err
	}
	return ch, nil
}
