package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v2"

	"github.com/tinygo-org/gcbind/binding"
	"github.com/tinygo-org/gcbind/config"
	"github.com/tinygo-org/gcbind/internal/hostsim"
	"github.com/tinygo-org/gcbind/stats"
)

var scenarioCommand = &cli.Command{
	Name:      "scenario",
	Usage:     "run end to end scenarios, all of them by default",
	ArgsUsage: "[name...]",
	Description: func() string {
		var sb strings.Builder
		sb.WriteString("Scenarios:\n")
		for _, s := range hostsim.Scenarios {
			fmt.Fprintf(&sb, "   %-10s %s\n", s.Name, s.Usage)
		}
		return sb.String()
	}(),
	Action: runScenarios,
}

func runScenarios(ctx *cli.Context) error {
	opts, err := loadOptions(ctx)
	if err != nil {
		return err
	}
	log := newLogger(opts.LogLevel)

	list := hostsim.Scenarios
	if ctx.NArg() > 0 {
		list = nil
		for _, name := range ctx.Args().Slice() {
			s, ok := hostsim.LookupScenario(name)
			if !ok {
				return fmt.Errorf("unknown scenario %q", name)
			}
			list = append(list, s)
		}
	}

	failed := 0
	for _, s := range list {
		start := time.Now()
		err := hostsim.RunScenario(ctx.Context, s, opts, log)
		switch {
		case errors.Is(err, hostsim.ErrSkipped):
			fmt.Fprintf(ctx.App.Writer, "SKIP %-10s (plan %v)\n", s.Name, opts.Plan)
		case err != nil:
			failed++
			fmt.Fprintf(ctx.App.Writer, "FAIL %-10s %v\n", s.Name, err)
		default:
			fmt.Fprintf(ctx.App.Writer, "ok   %-10s %v\n", s.Name, time.Since(start).Round(time.Millisecond))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(list))
	}
	return nil
}

var stressCommand = &cli.Command{
	Name:  "stress",
	Usage: "allocate linked lists from several mutators and report statistics",
	Flags: []cli.Flag{threadsFlag, iterationsFlag},
	Action: func(ctx *cli.Context) error {
		opts, err := loadOptions(ctx)
		if err != nil {
			return err
		}
		log := newLogger(opts.LogLevel)
		rt, err := hostsim.New(opts, log)
		if err != nil {
			return err
		}
		defer rt.Close()

		node := rt.NewType("Node", 2, 0, 1)
		start := time.Now()
		err = rt.Run(ctx.Context, ctx.Int(threadsFlag.Name), func(c context.Context, t *hostsim.Thread) error {
			return stress(c, rt, t, node, ctx.Int(iterationsFlag.Name))
		})
		if err != nil {
			return err
		}
		rep := newReport(rt.B, opts.Plan.String(), time.Since(start))
		rep.print(ctx.App.Writer)
		if path := ctx.String(statsFlag.Name); path != "" {
			return rep.append(path)
		}
		return nil
	},
}

// stress keeps a list of at most 100 live records, dropping the oldest
// half when it is full.
func stress(ctx context.Context, rt *hostsim.Runtime, t *hostsim.Thread, node *hostsim.Type, n int) error {
	f := t.PushFrame(2, false)
	defer f.Pop()
	live := 0
	for i := 0; i < n; i++ {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			t.Poll()
		}
		p, err := t.NewRecord(node)
		if err != nil {
			return err
		}
		f.Set(1, p)
		v, err := t.NewInt64(int64(i))
		if err != nil {
			return err
		}
		p = f.Get(1)
		t.Store(p, 1, v)
		t.Store(p, 0, f.Get(0))
		f.Set(0, p)
		if live++; live == 100 {
			cut := f.Get(0)
			for j := 0; j < 49; j++ {
				cut = rt.Field(cut, 0)
			}
			t.Store(cut, 0, 0)
			live = 50
		}
	}
	return nil
}

// report is written to the statistics file, one YAML document per run.
type report struct {
	Time        time.Time     `yaml:"time"`
	Plan        string        `yaml:"plan"`
	Elapsed     time.Duration `yaml:"elapsed"`
	Collections int64         `yaml:"collections"`
	FullHeap    int64         `yaml:"full_heap"`
	PauseTotal  time.Duration `yaml:"pause_total"`
	PauseMax    time.Duration `yaml:"pause_max"`
	Metrics     yaml.MapSlice `yaml:"metrics"`
}

func newReport(b *binding.Binding, plan string, elapsed time.Duration) *report {
	var gs stats.GCStats
	gs.PauseQuantiles = make([]time.Duration, 2)
	b.ReadGCStats(&gs)

	all := stats.All()
	samples := make([]stats.Sample, len(all))
	for i, d := range all {
		samples[i].Name = d.Name
	}
	b.ReadMetrics(samples)

	rep := &report{
		Time:        time.Now(),
		Plan:        plan,
		Elapsed:     elapsed,
		Collections: gs.NumGC,
		FullHeap:    gs.NumFullGC,
		PauseTotal:  gs.PauseTotal,
		PauseMax:    gs.PauseQuantiles[1],
	}
	for _, s := range samples {
		var v interface{}
		switch s.Value.Kind() {
		case stats.KindUint64:
			v = s.Value.Uint64()
		case stats.KindFloat64:
			v = s.Value.Float64()
		default:
			continue
		}
		rep.Metrics = append(rep.Metrics, yaml.MapItem{Key: s.Name, Value: v})
	}
	return rep
}

func (r *report) print(w io.Writer) {
	fmt.Fprintf(w, "plan %s: %d collections (%d full), pauses %v total, %v max, ran %v\n",
		r.Plan, r.Collections, r.FullHeap, r.PauseTotal, r.PauseMax, r.Elapsed.Round(time.Millisecond))
	for _, m := range r.Metrics {
		v := m.Value
		if n, ok := v.(uint64); ok && strings.HasSuffix(m.Key.(string), ":bytes") {
			v = config.FormatBytes(n)
		}
		fmt.Fprintf(w, "  %-32s %v\n", m.Key, v)
	}
}

// append adds the report to path. Concurrent runs serialize on a lock file
// next to it.
func (r *report) append(path string) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return errors.Wrap(err, "lock statistics file")
	}
	defer lock.Unlock()

	data, err := yaml.Marshal(r)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append([]byte("---\n"), data...)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
