// Package config loads pipeline settings from YAML or JSON files, merged in
// order, with command-line flags layered on top. The string-typed fields map
// onto the engine's config structs via the To* conversions.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	flag "github.com/spf13/pflag"

	"github.com/rivulet-io/rivulet"
)

type Buffer struct {
	Capacity      int    `koanf:"capacity"`
	Strategy      string `koanf:"strategy"`
	BatchSize     int    `koanf:"batch_size"`
	BatchTimeout  string `koanf:"batch_timeout"`
	Workers       int    `koanf:"workers"`
	BlockTimeout  string `koanf:"block_timeout"`
	FlushInterval string `koanf:"flush_interval"`
}

type Window struct {
	Kind          string `koanf:"kind"`
	Size          string `koanf:"size"`
	Advance       string `koanf:"advance"`
	InactivityGap string `koanf:"inactivity_gap"`
	Grace         string `koanf:"grace"`
	Clock         string `koanf:"clock"`
	Late          string `koanf:"late"`
}

type Join struct {
	Window          string `koanf:"window"`
	Type            string `koanf:"type"`
	Grace           string `koanf:"grace"`
	CleanupInterval string `koanf:"cleanup_interval"`
	MaxBufferPerKey int    `koanf:"max_buffer_per_key"`
}

type Config struct {
	Buffer Buffer `koanf:"buffer"`
	Window Window `koanf:"window"`
	Join   Join   `koanf:"join"`
}

// Load reads and merges the given config files in order.
func Load(paths ...string) (*Config, error) {
	ko := koanf.New(".")
	for _, p := range paths {
		parser, err := parserFor(p)
		if err != nil {
			return nil, err
		}
		if err := ko.Load(file.Provider(p), parser); err != nil {
			return nil, fmt.Errorf("read config %s: %w", p, err)
		}
	}
	return unmarshal(ko)
}

// LoadWithFlags reads the files named by the --config flag(s) in args, then
// layers the remaining flags over the file values.
func LoadWithFlags(args []string) (*Config, error) {
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.StringSlice("config", nil, "path to one or more config files (merged in order)")
	f.Int("buffer.capacity", 0, "buffered source capacity")
	f.String("buffer.strategy", "", "backpressure strategy")
	f.Int("buffer.workers", 0, "buffered source worker count")
	if err := f.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	ko := koanf.New(".")
	paths, _ := f.GetStringSlice("config")
	for _, p := range paths {
		parser, err := parserFor(p)
		if err != nil {
			return nil, err
		}
		if err := ko.Load(file.Provider(p), parser); err != nil {
			return nil, fmt.Errorf("read config %s: %w", p, err)
		}
	}
	if err := ko.Load(posflag.Provider(f, ".", ko), nil); err != nil {
		return nil, fmt.Errorf("read flag config: %w", err)
	}
	return unmarshal(ko)
}

func parserFor(path string) (koanf.Parser, error) {
	switch {
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		return yaml.Parser(), nil
	case strings.HasSuffix(path, ".json"):
		return json.Parser(), nil
	default:
		return nil, fmt.Errorf("unsupported config file extension: %s", path)
	}
}

func unmarshal(ko *koanf.Koanf) (*Config, error) {
	var cfg Config
	if err := ko.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func duration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// ToBufferConfig converts to the engine's buffer config.
func (b Buffer) ToBufferConfig() (rivulet.BufferConfig, error) {
	var cfg rivulet.BufferConfig
	switch b.Strategy {
	case "", "block":
		cfg.Strategy = rivulet.StrategyBlock
	case "drop-newest":
		cfg.Strategy = rivulet.StrategyDropNewest
	case "drop-oldest":
		cfg.Strategy = rivulet.StrategyDropOldest
	case "fail":
		cfg.Strategy = rivulet.StrategyFail
	default:
		return cfg, fmt.Errorf("unknown buffer strategy %q", b.Strategy)
	}
	cfg.Capacity = b.Capacity
	cfg.BatchSize = b.BatchSize
	cfg.Workers = b.Workers
	var err error
	if cfg.BatchTimeout, err = duration(b.BatchTimeout); err != nil {
		return cfg, fmt.Errorf("buffer batch_timeout: %w", err)
	}
	if cfg.BlockTimeout, err = duration(b.BlockTimeout); err != nil {
		return cfg, fmt.Errorf("buffer block_timeout: %w", err)
	}
	if cfg.FlushInterval, err = duration(b.FlushInterval); err != nil {
		return cfg, fmt.Errorf("buffer flush_interval: %w", err)
	}
	return cfg, cfg.Validate()
}

// ToWindowConfig converts to the engine's window config.
func (w Window) ToWindowConfig() (rivulet.WindowConfig, error) {
	var cfg rivulet.WindowConfig
	switch w.Kind {
	case "tumbling":
		cfg.Kind = rivulet.TumblingWindows
	case "sliding":
		cfg.Kind = rivulet.SlidingWindows
	case "session":
		cfg.Kind = rivulet.SessionWindows
	default:
		return cfg, fmt.Errorf("unknown window kind %q", w.Kind)
	}
	switch w.Clock {
	case "", "event-time":
		cfg.Clock = rivulet.EventTime
	case "wall-clock":
		cfg.Clock = rivulet.WallClock
	default:
		return cfg, fmt.Errorf("unknown window clock %q", w.Clock)
	}
	switch w.Late {
	case "", "drop":
		cfg.Late = rivulet.DropLate
	case "refire":
		cfg.Late = rivulet.RefireLate
	default:
		return cfg, fmt.Errorf("unknown late policy %q", w.Late)
	}
	var err error
	if cfg.Size, err = duration(w.Size); err != nil {
		return cfg, fmt.Errorf("window size: %w", err)
	}
	if cfg.Advance, err = duration(w.Advance); err != nil {
		return cfg, fmt.Errorf("window advance: %w", err)
	}
	if cfg.InactivityGap, err = duration(w.InactivityGap); err != nil {
		return cfg, fmt.Errorf("window inactivity_gap: %w", err)
	}
	if cfg.Grace, err = duration(w.Grace); err != nil {
		return cfg, fmt.Errorf("window grace: %w", err)
	}
	return cfg, cfg.Validate()
}

// ToJoinConfig converts to the engine's join config.
func (j Join) ToJoinConfig() (rivulet.JoinConfig, error) {
	var cfg rivulet.JoinConfig
	switch j.Type {
	case "", "inner":
		cfg.Type = rivulet.InnerJoin
	case "left":
		cfg.Type = rivulet.LeftJoin
	case "right":
		cfg.Type = rivulet.RightJoin
	case "outer":
		cfg.Type = rivulet.OuterJoin
	default:
		return cfg, fmt.Errorf("unknown join type %q", j.Type)
	}
	cfg.MaxBufferPerKey = j.MaxBufferPerKey
	var err error
	if cfg.Window, err = duration(j.Window); err != nil {
		return cfg, fmt.Errorf("join window: %w", err)
	}
	if cfg.Grace, err = duration(j.Grace); err != nil {
		return cfg, fmt.Errorf("join grace: %w", err)
	}
	if cfg.CleanupInterval, err = duration(j.CleanupInterval); err != nil {
		return cfg, fmt.Errorf("join cleanup_interval: %w", err)
	}
	return cfg, cfg.Validate()
}
