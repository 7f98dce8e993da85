package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"sync"
	"time"

	"pipelined.dev/graph"
	"pipelined.dev/graph/internal/config"
	"pipelined.dev/graph/log"
)

// scenario contains flags shared by all commands. Defaults are
// overridden by the scenario file and flags override both.
type scenario struct {
	defaults config.Scenario
	out      *syncWriter

	flags    *flag.FlagSet
	path     string
	buffers  int
	interval time.Duration
	output   string
	policy   string
}

func (s *scenario) register(flags *flag.FlagSet) {
	s.flags = flags
	flags.StringVar(&s.path, "config", "", "scenario file")
	flags.IntVar(&s.buffers, "buffers", s.defaults.Buffers, "number of buffers, -1 for infinite stream")
	flags.DurationVar(&s.interval, "interval", time.Duration(s.defaults.Interval), "interval between buffers")
	flags.StringVar(&s.policy, "policy", graph.StopOnFirstError.String(), "branch error policy: stop or drain")
	if s.defaults.Output != "" {
		flags.StringVar(&s.output, "output", s.defaults.Output, "output location")
	}
}

// load returns the scenario to run.
func (s *scenario) load() (config.Scenario, error) {
	sc := s.defaults
	if s.path != "" {
		var err error
		if sc, err = config.Load(s.path, sc); err != nil {
			return sc, err
		}
	}
	if s.flags != nil {
		s.flags.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "buffers":
				sc.Buffers = s.buffers
			case "interval":
				sc.Interval = config.Duration(s.interval)
			case "output":
				sc.Output = s.output
			case "policy":
				sc.Policy = s.policy
			}
		})
	}
	return sc, sc.Validate()
}

// newGraph returns graph configured by the scenario.
func newGraph(sc config.Scenario) *graph.Graph {
	l := log.GetLogger()
	return graph.New(sc.Name, append([]graph.Option{graph.WithLogger(l)}, sc.Options()...)...)
}

// play schedules ramps of the scenario and runs the graph.
func play(ctx context.Context, g *graph.Graph, sc config.Scenario, out io.Writer) error {
	if err := sc.Apply(g.Scheduler()); err != nil {
		return err
	}
	if err := g.Run(ctx); err != nil {
		return err
	}
	for _, f := range g.Scheduler().Fired() {
		if f.Err != nil {
			fmt.Fprintf(out, "missed %s.%s at %v: %v\n", f.Target, f.Param, f.Offset, f.Err)
		}
	}
	fmt.Fprintln(out, "End-of-stream")
	return nil
}

// syncWriter serializes writes of stage goroutines.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
