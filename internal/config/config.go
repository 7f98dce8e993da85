// Package config loads scenario files of graphctl.
//
// Scenario file is YAML:
//
//	name: bitrates
//	buffers: 800
//	caps: video/x-raw, format=YUY2, width=320, height=240
//	output: ./dynamic_bitrates.rtp
//	policy: stop
//	queue:
//	  capacity: 4
//	  overflow: block
//	schedule:
//	  - target: enc
//	    param: bitrate
//	    every: 1500ms
//	    values: [2048, 8192, 1024, 4096]
//
// Values of the file override the defaults of the scenario.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"pipelined.dev/graph"
)

// Topologies.
const (
	Linear = "linear"
	Tee    = "tee"
)

// ErrInvalid is returned if scenario cannot be used to build a graph.
var ErrInvalid = errors.New("invalid scenario")

type (
	// Scenario describes the graph and its schedule.
	Scenario struct {
		Name     string   `yaml:"name"`
		Topology string   `yaml:"topology"`
		Buffers  int      `yaml:"buffers"`
		Interval Duration `yaml:"interval"`
		Caps     string   `yaml:"caps"`
		Output   string   `yaml:"output"`
		Policy   string   `yaml:"policy"`
		Queue    Queue    `yaml:"queue"`
		Schedule []Ramp   `yaml:"schedule"`
	}

	// Queue configures links of the graph. Overflow applies to tee
	// branches too if it's set.
	Queue struct {
		Capacity int    `yaml:"capacity"`
		Overflow string `yaml:"overflow"`
	}

	// Ramp is a sequence of parameter values. Either Every and Values or
	// explicit Steps are used.
	Ramp struct {
		Target string        `yaml:"target"`
		Param  string        `yaml:"param"`
		Every  Duration      `yaml:"every"`
		Values []interface{} `yaml:"values"`
		Steps  []Step        `yaml:"steps"`
	}

	// Step is a single value at offset.
	Step struct {
		Offset Duration    `yaml:"offset"`
		Value  interface{} `yaml:"value"`
	}

	// Duration is a time.Duration written as "1500ms".
	Duration time.Duration
)

// UnmarshalYAML parses duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load reads the file and applies it on top of the base scenario.
func Load(path string, base Scenario) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, err
	}
	s, err := Parse(data, base)
	if err != nil {
		return base, fmt.Errorf("config %s: %w", path, err)
	}
	return s, nil
}

// Parse applies YAML data on top of the base scenario and validates the
// result. Schedule of the file replaces the base schedule.
func Parse(data []byte, base Scenario) (Scenario, error) {
	s := base
	s.Schedule = nil
	if err := yaml.Unmarshal(data, &s); err != nil {
		return base, err
	}
	if s.Schedule == nil {
		s.Schedule = base.Schedule
	}
	if err := s.Validate(); err != nil {
		return base, err
	}
	return s, nil
}

// Validate checks the scenario.
func (s Scenario) Validate() error {
	switch s.Topology {
	case "", Linear, Tee:
	default:
		return fmt.Errorf("%w: unknown topology %q", ErrInvalid, s.Topology)
	}
	if _, err := s.ErrorPolicy(); err != nil {
		return err
	}
	if _, err := s.Overflow(); err != nil {
		return err
	}
	if s.Queue.Capacity < 0 {
		return fmt.Errorf("%w: negative queue capacity", ErrInvalid)
	}
	if s.Caps != "" {
		if _, err := graph.ParseFormat(s.Caps); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	for i, r := range s.Schedule {
		if r.Target == "" || r.Param == "" {
			return fmt.Errorf("%w: schedule %d: target and param are required", ErrInvalid, i)
		}
		if len(r.Values) > 0 && len(r.Steps) > 0 {
			return fmt.Errorf("%w: schedule %d: both values and steps are set", ErrInvalid, i)
		}
	}
	return nil
}

// ErrorPolicy returns graph error policy.
func (s Scenario) ErrorPolicy() (graph.ErrorPolicy, error) {
	switch s.Policy {
	case "", graph.StopOnFirstError.String():
		return graph.StopOnFirstError, nil
	case graph.DrainBranches.String():
		return graph.DrainBranches, nil
	}
	return 0, fmt.Errorf("%w: unknown policy %q", ErrInvalid, s.Policy)
}

// Overflow returns link overflow policy.
func (s Scenario) Overflow() (graph.Overflow, error) {
	for _, o := range []graph.Overflow{graph.OverflowBlock, graph.OverflowDropOldest, graph.OverflowDropNewest} {
		if s.Queue.Overflow == o.String() {
			return o, nil
		}
	}
	if s.Queue.Overflow == "" {
		return graph.OverflowBlock, nil
	}
	return 0, fmt.Errorf("%w: unknown overflow %q", ErrInvalid, s.Queue.Overflow)
}

// Options returns graph options of the scenario. Scenario must be valid.
func (s Scenario) Options() []graph.Option {
	policy, _ := s.ErrorPolicy()
	overflow, _ := s.Overflow()
	capacity := s.Queue.Capacity
	if capacity == 0 {
		capacity = graph.DefaultQueueCapacity
	}
	options := []graph.Option{
		graph.WithErrorPolicy(policy),
		graph.WithQueue(capacity, overflow),
	}
	if s.Queue.Overflow != "" {
		options = append(options, graph.WithBranchOverflow(overflow))
	}
	return options
}

// Apply schedules all ramps.
func (s Scenario) Apply(sched *graph.Scheduler) error {
	for _, r := range s.Schedule {
		if err := sched.Ramp(r.Target, r.Param, r.Expand()...); err != nil {
			return err
		}
	}
	return nil
}

// Expand returns steps of the ramp. Values are placed at multiples of
// Every, starting from zero offset.
func (r Ramp) Expand() []graph.Step {
	steps := make([]graph.Step, 0, len(r.Values)+len(r.Steps))
	for i, v := range r.Values {
		steps = append(steps, graph.Step{
			Offset: time.Duration(i) * time.Duration(r.Every),
			Value:  v,
		})
	}
	for _, step := range r.Steps {
		steps = append(steps, graph.Step{
			Offset: time.Duration(step.Offset),
			Value:  step.Value,
		})
	}
	return steps
}
