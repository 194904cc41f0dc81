// Package config holds the collector options.
//
// Options come from built-in defaults, a YAML file, the GCBIND_OPTIONS
// environment variable and finally Process calls made by the host. Later
// sources override earlier ones.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"github.com/inhies/go-bytesize"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// EnvOptions is the environment variable holding name=value option words.
const EnvOptions = "GCBIND_OPTIONS"

// DefaultCollectInterval is the smallest allocation interval between two
// collections.
const DefaultCollectInterval = 5600 * 1024 * 8

var ErrUnknownOption = errors.New("config: unknown option")

// Plan selects the collection algorithm.
type Plan int

const (
	NoGC Plan = iota
	MarkSweep
	Immix
	StickyImmix
)

var planNames = map[Plan]string{
	NoGC:        "NoGC",
	MarkSweep:   "MarkSweep",
	Immix:       "Immix",
	StickyImmix: "StickyImmix",
}

func (p Plan) String() string {
	if s, ok := planNames[p]; ok {
		return s
	}
	return "Plan(" + strconv.Itoa(int(p)) + ")"
}

// Moving reports whether the plan may move objects.
func (p Plan) Moving() bool {
	return p == Immix || p == StickyImmix
}

// Generational reports whether the plan has nursery collections and needs
// the write barrier.
func (p Plan) Generational() bool {
	return p == StickyImmix
}

// ParsePlan parses a plan name, ignoring case.
func ParsePlan(s string) (Plan, error) {
	for p, name := range planNames {
		if strings.EqualFold(name, s) {
			return p, nil
		}
	}
	return 0, errors.Errorf("config: unknown plan %q", s)
}

// Options configures a heap.
type Options struct {
	Plan    Plan
	Threads int

	MinHeap uint64
	MaxHeap uint64

	// CollectInterval is the minimum number of bytes allocated between two
	// collections.
	CollectInterval uint64

	// Conservative enables conservative scanning of native stacks in moving
	// plans.
	Conservative bool

	// AddressHashing makes identity hashes addresses, kept across moves by
	// the hashed-and-moved object state. When off, hashed objects are pinned.
	AddressHashing bool

	// RecordMoved is the number of moved objects remembered for corruption
	// reports. 0 disables the history.
	RecordMoved int

	LogLevel slog.Level
}

// Default returns the built-in defaults.
func Default() Options {
	return Options{
		Plan:            Immix,
		Threads:         runtime.NumCPU(),
		MinHeap:         uint64(32 * bytesize.MB),
		MaxHeap:         uint64(1 * bytesize.GB),
		CollectInterval: DefaultCollectInterval,
		Conservative:    true,
		AddressHashing:  true,
		LogLevel:        slog.LevelWarn,
	}
}

// Process sets the option name from its string form.
func (o *Options) Process(name, value string) error {
	var err error
	switch strings.ToLower(name) {
	case "plan":
		o.Plan, err = ParsePlan(value)
	case "threads":
		o.Threads, err = strconv.Atoi(value)
	case "min_heap":
		o.MinHeap, err = parseBytes(value)
	case "max_heap":
		o.MaxHeap, err = parseBytes(value)
	case "collect_interval":
		o.CollectInterval, err = parseBytes(value)
	case "conservative":
		o.Conservative, err = strconv.ParseBool(value)
	case "address_hashing":
		o.AddressHashing, err = strconv.ParseBool(value)
	case "record_moved":
		o.RecordMoved, err = strconv.Atoi(value)
	case "log_level":
		err = o.LogLevel.UnmarshalText([]byte(value))
	default:
		return errors.Wrap(ErrUnknownOption, name)
	}
	return errors.Wrapf(err, "config: option %s=%q", name, value)
}

// parseBytes accepts plain byte counts as well as sizes like "64MB".
func parseBytes(s string) (uint64, error) {
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, nil
	}
	b, err := bytesize.Parse(s)
	if err != nil {
		return 0, err
	}
	return uint64(b), nil
}

// ProcessString applies a string of name=value words, quoted like a shell
// command line.
func (o *Options) ProcessString(s string) error {
	words, err := shlex.Split(s)
	if err != nil {
		return errors.Wrap(err, "config: split options")
	}
	for _, w := range words {
		name, value, ok := strings.Cut(w, "=")
		if !ok {
			return errors.Errorf("config: option %q is not name=value", w)
		}
		if err := o.Process(name, value); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile applies the options of a YAML file, a flat mapping of option names
// to values.
func (o *Options) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "config: read options file")
	}
	var m yaml.MapSlice
	if err := yaml.Unmarshal(data, &m); err != nil {
		return errors.Wrapf(err, "config: parse %s", path)
	}
	for _, item := range m {
		if err := o.Process(fmt.Sprint(item.Key), fmt.Sprint(item.Value)); err != nil {
			return errors.Wrap(err, path)
		}
	}
	return nil
}

// Load returns the defaults, overridden by the file at path (if not empty)
// and the environment.
func Load(path string) (Options, error) {
	o := Default()
	if path != "" {
		if err := o.LoadFile(path); err != nil {
			return o, err
		}
	}
	if s := os.Getenv(EnvOptions); s != "" {
		if err := o.ProcessString(s); err != nil {
			return o, errors.Wrap(err, EnvOptions)
		}
	}
	return o, o.Validate()
}

// Validate checks the options for consistency.
func (o *Options) Validate() error {
	if o.Threads < 1 {
		return errors.Errorf("config: threads must be at least 1, not %d", o.Threads)
	}
	if o.MaxHeap != 0 && o.MinHeap > o.MaxHeap {
		return errors.Errorf("config: min_heap %s is larger than max_heap %s", FormatBytes(o.MinHeap), FormatBytes(o.MaxHeap))
	}
	if o.RecordMoved < 0 {
		return errors.Errorf("config: record_moved must not be negative")
	}
	return nil
}

// FormatBytes prints a byte count for humans.
func FormatBytes(n uint64) string {
	return bytesize.New(float64(n)).String()
}
