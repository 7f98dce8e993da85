package graph

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type (
	// Mutation changes the stage. It's executed by the scheduler
	// goroutine, concurrently with the stage executor, so it must only
	// use concurrent-safe stage methods like SetParameter.
	Mutation func(Stage) error

	// ScheduledAction is a mutation applied at the offset from the start
	// of playback.
	ScheduledAction struct {
		Offset time.Duration
		Target string
		Mutate Mutation
		// Param is informational, set for parameter mutations.
		Param string
		seq   uint64
	}

	// Step is a single value of the parameter ramp.
	Step struct {
		Offset time.Duration
		Value  interface{}
	}

	// Fired describes the applied or missed action.
	Fired struct {
		Offset time.Duration
		Target string
		Param  string
		// Elapsed is the time since the start of playback when action
		// was fired.
		Elapsed time.Duration
		Err     error
	}
)

// SetParameter returns mutation that sets parameter value.
func SetParameter(name string, value interface{}) Mutation {
	return func(s Stage) error {
		return s.SetParameter(name, value)
	}
}

// Scheduler applies mutations to stages at offsets from the start of
// playback. Every action is applied at most once, in order of offsets.
// Actions with equal offsets are applied in order of scheduling.
type Scheduler struct {
	lookup func(string) (Stage, bool)
	bus    *Bus
	log    logrus.FieldLogger

	mu      sync.Mutex
	actions []ScheduledAction
	cursor  int
	seq     uint64
	fired   []Fired
	start   time.Time
	// clock is true between start and stop.
	clock bool
	// loop is true while the goroutine is running.
	loop bool
	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newScheduler(lookup func(string) (Stage, bool), bus *Bus, log logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		lookup: lookup,
		bus:    bus,
		log:    log.WithField("component", "scheduler"),
	}
}

// Schedule adds the action. If offset already elapsed, the action is
// applied as soon as possible.
func (s *Scheduler) Schedule(offset time.Duration, target string, m Mutation) error {
	return s.schedule(ScheduledAction{Offset: offset, Target: target, Mutate: m})
}

// Ramp schedules parameter values.
func (s *Scheduler) Ramp(target, param string, steps ...Step) error {
	for _, step := range steps {
		if err := s.schedule(ScheduledAction{
			Offset: step.Offset,
			Target: target,
			Param:  param,
			Mutate: SetParameter(param, step.Value),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) schedule(a ScheduledAction) error {
	if _, ok := s.lookup(a.Target); !ok {
		return configErr("schedule", a.Target, ErrUnknownStage)
	}
	if a.Mutate == nil {
		return configErr("schedule", a.Target, fmt.Errorf("nil mutation"))
	}
	if a.Offset < 0 {
		a.Offset = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	a.seq = s.seq
	// insert after all pending actions with the same or smaller offset.
	pending := s.actions[s.cursor:]
	i := s.cursor + sort.Search(len(pending), func(i int) bool {
		return pending[i].Offset > a.Offset
	})
	s.actions = append(s.actions, ScheduledAction{})
	copy(s.actions[i+1:], s.actions[i:])
	s.actions[i] = a

	if s.clock {
		if s.loop {
			select {
			case s.wake <- struct{}{}:
			default:
			}
		} else {
			s.run()
		}
	}
	return nil
}

// Pending returns number of actions that are not fired yet.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actions) - s.cursor
}

// Fired returns history of fired actions.
func (s *Scheduler) Fired() []Fired {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Fired(nil), s.fired...)
}

// startClock starts the clock of playback. It's called every time graph
// enters playing state, offsets are counted from the first call.
func (s *Scheduler) startClock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clock {
		return
	}
	if s.start.IsZero() {
		s.start = time.Now()
	}
	s.clock = true
	if !s.loop && s.cursor < len(s.actions) {
		s.run()
	}
}

// stopClock stops the goroutine and waits until it exits. Offsets of the
// next playback are counted from a new start.
func (s *Scheduler) stopClock() {
	s.mu.Lock()
	s.clock = false
	s.start = time.Time{}
	stop, done := s.stop, s.done
	s.stop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	if done != nil {
		<-done
	}
}

// run starts the goroutine, must be called under lock.
func (s *Scheduler) run() {
	s.loop = true
	s.wake = make(chan struct{}, 1)
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.fire(s.start, s.wake, s.stop, s.done)
}

// fire applies due actions until all actions are fired or stopped.
func (s *Scheduler) fire(start time.Time, wake, stop, done chan struct{}) {
	defer close(done)
	for {
		s.mu.Lock()
		elapsed := time.Since(start)
		var due []ScheduledAction
		for s.cursor < len(s.actions) && s.actions[s.cursor].Offset <= elapsed {
			due = append(due, s.actions[s.cursor])
			s.cursor++
		}
		var next time.Duration
		exhausted := s.cursor == len(s.actions)
		if !exhausted {
			next = s.actions[s.cursor].Offset - elapsed
		}
		s.mu.Unlock()

		for _, a := range due {
			s.apply(a, elapsed)
		}
		if exhausted {
			s.mu.Lock()
			if s.clock && s.cursor < len(s.actions) {
				// scheduled while applying
				s.mu.Unlock()
				continue
			}
			s.loop = false
			s.stop = nil
			s.mu.Unlock()
			return
		}

		t := time.NewTimer(next)
		select {
		case <-t.C:
		case <-wake:
			t.Stop()
		case <-stop:
			t.Stop()
			s.mu.Lock()
			s.loop = false
			s.mu.Unlock()
			return
		}
	}
}

func (s *Scheduler) apply(a ScheduledAction, elapsed time.Duration) {
	f := Fired{
		Offset:  a.Offset,
		Target:  a.Target,
		Param:   a.Param,
		Elapsed: elapsed,
	}
	log := s.log.WithFields(logrus.Fields{
		"stage":  a.Target,
		"offset": a.Offset,
		"param":  a.Param,
	})
	stage, ok := s.lookup(a.Target)
	switch {
	case !ok:
		f.Err = fmt.Errorf("%s: %w", a.Target, ErrUnknownStage)
	case stage.State() != Playing:
		f.Err = fmt.Errorf("%s is %v: %w", a.Target, stage.State(), ErrScheduledActionMiss)
	default:
		f.Err = a.Mutate(stage)
	}

	if f.Err != nil {
		log.WithError(f.Err).Warn("scheduled action not applied")
		s.bus.Post(Message{
			Type:   MessageWarning,
			Source: a.Target,
			Err:    f.Err,
		})
	} else {
		log.Debug("scheduled action applied")
	}
	s.mu.Lock()
	s.fired = append(s.fired, f)
	s.mu.Unlock()
}
