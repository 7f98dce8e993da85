package graph

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pipelined.dev/graph/internal/runtime"
	"pipelined.dev/graph/log"
)

// Graph owns stages and links between them. It has a single lifecycle
// state, all stages follow it.
type Graph struct {
	id       string
	name     string
	log      logrus.FieldLogger
	policy   ErrorPolicy
	capacity int
	overflow Overflow
	// branchOverflow is the default overflow of tee outputs.
	branchOverflow Overflow
	busLimit       int

	// lifecycle serializes state changes.
	lifecycle sync.Mutex

	mu      sync.RWMutex
	stages  map[string]Stage
	names   []string
	links   []*Link
	inputs  map[string]*Link
	outputs map[string][]*Link
	order   []Stage
	built   bool
	state   State

	bus       *Bus
	scheduler *Scheduler
	exec      *execution
}

// execution is a single run of data flow.
type execution struct {
	ctx    context.Context
	cancel context.CancelFunc
	gate   *runtime.Gate
	wg     sync.WaitGroup
	done   chan struct{}
	// failed is set when any branch fails.
	failed int32
}

// New returns an empty graph.
func New(name string, options ...Option) *Graph {
	g := &Graph{
		id:             xid.New().String(),
		name:           name,
		capacity:       DefaultQueueCapacity,
		branchOverflow: OverflowDropOldest,
		busLimit:       DefaultBusLimit,
		stages:         make(map[string]Stage),
		inputs:         make(map[string]*Link),
		outputs:        make(map[string][]*Link),
	}
	for _, option := range options {
		option(g)
	}
	g.bus = newBus(g.busLimit)
	if g.log == nil {
		g.log = log.GetLogger()
	}
	g.log = g.log.WithField("graph", name)
	g.scheduler = newScheduler(g.Stage, g.bus, g.log)
	return g
}

// ID returns unique graph id.
func (g *Graph) ID() string {
	return g.id
}

// Name returns graph name.
func (g *Graph) Name() string {
	return g.name
}

// Bus returns the graph bus.
func (g *Graph) Bus() *Bus {
	return g.bus
}

// Scheduler returns the graph scheduler.
func (g *Graph) Scheduler() *Scheduler {
	return g.scheduler
}

// State returns the last state acknowledged by all stages.
func (g *Graph) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Stage returns stage by name.
func (g *Graph) Stage(name string) (Stage, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.stages[name]
	return s, ok
}

// Stages returns stages in order of addition.
func (g *Graph) Stages() []Stage {
	g.mu.RLock()
	defer g.mu.RUnlock()
	stages := make([]Stage, 0, len(g.names))
	for _, name := range g.names {
		stages = append(stages, g.stages[name])
	}
	return stages
}

// Links returns links in order of binding.
func (g *Graph) Links() []*Link {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*Link(nil), g.links...)
}

// InputLink returns the link bound to the stage input.
func (g *Graph) InputLink(stage string) (*Link, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	l, ok := g.inputs[stage]
	return l, ok
}

// OutputLinks returns links bound to the stage outputs.
func (g *Graph) OutputLinks(stage string) []*Link {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*Link(nil), g.outputs[stage]...)
}

func (g *Graph) String() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%v]", g.name, g.state)
	for _, l := range g.links {
		fmt.Fprintf(&b, " %v", l)
	}
	return b.String()
}

// Add adds stages to the graph. Stage names must be unique.
func (g *Graph) Add(stages ...Stage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Null {
		return configErr("add", "", ErrInvalidState)
	}
	for _, s := range stages {
		name := s.Name()
		if name == "" {
			return configErr("add", "", errors.New("empty stage name"))
		}
		if _, ok := g.stages[name]; ok {
			return configErr("add", name, ErrDuplicateStage)
		}
		g.stages[name] = s
		g.names = append(g.names, name)
	}
	g.built = false
	return nil
}

// Link binds the next free output port of producer with the input port
// of consumer.
func (g *Graph) Link(from, to string, options ...LinkOption) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	producer, ok := g.stages[from]
	if !ok {
		return configErr("link", from, ErrUnknownStage)
	}
	port := SrcPort
	if producer.Kind() == KindTee {
		port = teePort(len(g.outputs[from]))
	}
	_, err := g.link(Port{Stage: from, Name: port}, Port{Stage: to, Name: SinkPort}, options...)
	return err
}

// LinkPorts binds provided ports.
func (g *Graph) LinkPorts(from, to Port, options ...LinkOption) (*Link, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.link(from, to, options...)
}

// LinkMany links stages into a chain.
func (g *Graph) LinkMany(names ...string) error {
	for i := 1; i < len(names); i++ {
		if err := g.Link(names[i-1], names[i]); err != nil {
			return err
		}
	}
	return nil
}

// link must be called under write lock.
func (g *Graph) link(from, to Port, options ...LinkOption) (*Link, error) {
	if g.state != Null {
		return nil, configErr("link", from.Stage, ErrInvalidState)
	}
	producer, ok := g.stages[from.Stage]
	if !ok {
		return nil, configErr("link", from.Stage, ErrUnknownStage)
	}
	consumer, ok := g.stages[to.Stage]
	if !ok {
		return nil, configErr("link", to.Stage, ErrUnknownStage)
	}
	if !hasOutput(producer, from.Name) {
		return nil, configErr("link", from.Stage, fmt.Errorf("%v: %w", from, ErrUnknownPort))
	}
	if !hasInput(consumer, to.Name) {
		return nil, configErr("link", to.Stage, fmt.Errorf("%v: %w", to, ErrUnknownPort))
	}
	for _, l := range g.outputs[from.Stage] {
		if l.from == from {
			return nil, configErr("link", from.Stage, fmt.Errorf("%v: %w", from, ErrPortBound))
		}
	}
	if l, ok := g.inputs[to.Stage]; ok {
		return nil, configErr("link", to.Stage, fmt.Errorf("%v bound to %v: %w", to, l.from, ErrPortBound))
	}
	format, err := bindFormat(producer, consumer)
	if err != nil {
		return nil, configErr("link", from.Stage, err)
	}

	overflow := g.overflow
	if producer.Kind() == KindTee {
		overflow = g.branchOverflow
	}
	options = append([]LinkOption{QueueCapacity(g.capacity), QueueOverflow(overflow)}, options...)
	l := newLink(producer, consumer, from, to, format, g.log, options...)
	g.links = append(g.links, l)
	g.inputs[to.Stage] = l
	g.outputs[from.Stage] = append(g.outputs[from.Stage], l)
	g.built = false
	g.log.WithField("link", l.String()).Debug("linked")
	return l, nil
}

// Build validates the topology. It's called implicitly when graph
// leaves Null state.
func (g *Graph) Build() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.build()
}

// build must be called under write lock.
func (g *Graph) build() error {
	if g.built {
		return nil
	}
	if len(g.stages) == 0 {
		return configErr("build", g.name, errors.New("no stages"))
	}
	for _, name := range g.names {
		if err := g.validate(g.stages[name]); err != nil {
			return err
		}
	}
	order, err := g.sort()
	if err != nil {
		return err
	}
	g.order = order
	g.built = true
	return nil
}

func (g *Graph) validate(s Stage) error {
	name := s.Name()
	in := g.inputs[name]
	outs := g.outputs[name]
	unbound := func(port string) error {
		return configErr("build", name, fmt.Errorf("%v: %w", Port{Stage: name, Name: port}, ErrPortUnbound))
	}
	implements := func(ok bool, contract string) error {
		if ok {
			return nil
		}
		return configErr("build", name, fmt.Errorf("%T is %v but doesn't implement %s", s, s.Kind(), contract))
	}

	switch s.Kind() {
	case KindSource:
		if len(outs) != 1 {
			return unbound(SrcPort)
		}
		_, ok := s.(Source)
		return implements(ok, "Source")
	case KindTransform:
		if in == nil {
			return unbound(SinkPort)
		}
		if len(outs) != 1 {
			return unbound(SrcPort)
		}
		_, ok := s.(Transform)
		return implements(ok, "Transform")
	case KindTee:
		if in == nil {
			return unbound(SinkPort)
		}
		if len(outs) == 0 {
			return unbound(teePort(0))
		}
		return nil
	case KindSink, KindInspectionSink:
		if in == nil {
			return unbound(SinkPort)
		}
		_, ok := s.(Sink)
		return implements(ok, "Sink")
	}
	return configErr("build", name, fmt.Errorf("unknown kind %v", s.Kind()))
}

// sort returns stages in topological order.
func (g *Graph) sort() ([]Stage, error) {
	inDegree := make(map[string]int, len(g.stages))
	var queue []string
	for _, name := range g.names {
		if _, ok := g.inputs[name]; ok {
			inDegree[name] = 1
			continue
		}
		queue = append(queue, name)
	}

	order := make([]Stage, 0, len(g.stages))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, g.stages[name])
		for _, l := range g.outputs[name] {
			inDegree[l.to.Stage]--
			if inDegree[l.to.Stage] == 0 {
				queue = append(queue, l.to.Stage)
			}
		}
	}
	if len(order) != len(g.stages) {
		return nil, configErr("build", g.name, ErrCycle)
	}
	return order, nil
}

// SetState moves the graph into target state step by step. If any stage
// refuses the step, stages that already moved are rolled back and the
// graph stays in the last acknowledged state.
func (g *Graph) SetState(ctx context.Context, target State) error {
	if target == Error {
		return fmt.Errorf("set state %v: %w", target, ErrInvalidState)
	}
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()
	for _, to := range path(g.State(), target) {
		if err := g.step(ctx, g.State(), to); err != nil {
			return err
		}
	}
	return nil
}

// Teardown moves the graph into Null state. It's safe to call it
// multiple times.
func (g *Graph) Teardown(ctx context.Context) error {
	return g.SetState(ctx, Null)
}

// Run plays the graph until the end of stream, context is done or, if
// StopOnFirstError policy is used, the first branch error. Graph is
// always torn down before Run returns.
func (g *Graph) Run(ctx context.Context) error {
	if err := g.SetState(ctx, Playing); err != nil {
		if tErr := g.Teardown(context.Background()); tErr != nil {
			return multierror.Append(err, tErr)
		}
		return err
	}

	// execution without EOS ends when all executors are done.
	g.lifecycle.Lock()
	done := g.exec.done
	g.lifecycle.Unlock()
	popCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-popCtx.Done():
		}
	}()

	var result *multierror.Error
loop:
	for {
		m, err := g.bus.Pop(popCtx, MessageEOS, MessageError)
		if err != nil {
			if ctx.Err() != nil {
				result = multierror.Append(result, ctx.Err())
				break
			}
			for {
				m, ok := g.bus.tryPop(MessageError)
				if !ok {
					break loop
				}
				result = multierror.Append(result, m.Err)
			}
		}
		switch m.Type {
		case MessageEOS:
			g.log.Debug("end of stream")
			break loop
		case MessageError:
			result = multierror.Append(result, m.Err)
			if g.policy == StopOnFirstError {
				break loop
			}
		}
	}

	if err := g.Teardown(context.Background()); err != nil {
		result = multierror.Append(result, err)
	}
	if result != nil && len(result.Errors) == 1 {
		return result.Errors[0]
	}
	return result.ErrorOrNil()
}

func (g *Graph) setState(s State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = s
}

// step executes a single transition between adjacent states.
func (g *Graph) step(ctx context.Context, from, to State) error {
	log := g.log.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   to.String(),
	})
	switch {
	case from == Null && to == Ready:
		if err := g.Build(); err != nil {
			return err
		}
	case from == Playing && to == Paused:
		if g.exec != nil {
			g.exec.gate.Close()
		}
	case from == Paused && to == Ready:
		g.stopExecution()
	}

	if err := g.transition(ctx, from, to); err != nil {
		log.WithError(err).Warn("transition refused")
		if from == Playing && to == Paused && g.exec != nil {
			g.exec.gate.Open()
		}
		return err
	}

	switch {
	case from == Ready && to == Paused:
		g.startExecution()
	case from == Paused && to == Playing:
		g.startExecution()
		g.exec.gate.Open()
		g.scheduler.startClock()
	}
	g.setState(to)
	log.Debug("state changed")
	g.bus.Post(Message{
		Type:   MessageStateChanged,
		Source: g.name,
		Old:    from,
		New:    to,
	})
	return nil
}

// transition moves all stages concurrently. Stages in Error state only
// move to Null.
func (g *Graph) transition(ctx context.Context, from, to State) error {
	type moved struct {
		stage Stage
		prev  State
	}
	var (
		eg    errgroup.Group
		mu    sync.Mutex
		moves []moved
	)
	for _, s := range g.Stages() {
		s := s
		prev := s.State()
		if prev == Error && to != Null {
			continue
		}
		eg.Go(func() error {
			if err := s.Transition(ctx, to); err != nil {
				return &LifecycleError{Stage: s.Name(), From: prev, To: to, Err: err}
			}
			mu.Lock()
			moves = append(moves, moved{stage: s, prev: prev})
			mu.Unlock()
			return nil
		})
	}
	err := eg.Wait()
	if err == nil {
		return nil
	}

	var rollbackErr *multierror.Error
	for _, m := range moves {
		if rErr := m.stage.Transition(ctx, m.prev); rErr != nil {
			rollbackErr = multierror.Append(rollbackErr, fmt.Errorf("rollback %s to %v: %w", m.stage.Name(), m.prev, rErr))
		}
	}
	if rollbackErr != nil {
		g.log.WithError(rollbackErr).Error("rollback failed")
	}
	return err
}

// startExecution starts executors of all stages. Sources are blocked
// until the gate is opened.
func (g *Graph) startExecution() {
	if g.exec != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ex := &execution{
		ctx:    ctx,
		cancel: cancel,
		gate:   runtime.NewGate(false),
		done:   make(chan struct{}),
	}
	g.mu.RLock()
	order := g.order
	for _, l := range g.links {
		l.reset()
	}
	g.mu.RUnlock()
	if n := g.bus.discard(MessageEOS, MessageError); n > 0 {
		g.log.WithField("messages", n).Debug("discarded messages of previous execution")
	}

	for _, s := range order {
		e := g.executor(ex, s)
		ex.wg.Add(1)
		go g.watch(ex, s, runtime.Run(ex.ctx, e))
	}
	go func() {
		ex.wg.Wait()
		if ex.ctx.Err() == nil && atomic.LoadInt32(&ex.failed) == 0 {
			g.bus.Post(Message{Type: MessageEOS, Source: g.name})
		}
		close(ex.done)
	}()
	g.exec = ex
}

// stopExecution cancels executors and waits for them to exit.
func (g *Graph) stopExecution() {
	g.scheduler.stopClock()
	if g.exec == nil {
		return
	}
	g.exec.cancel()
	<-g.exec.done
	g.exec = nil
}

// watch waits for executor to finish. Outputs of the stage are closed,
// so consumers drain the queue and finish. Input is abandoned, so
// producer skips the stage.
func (g *Graph) watch(ex *execution, s Stage, errc <-chan error) {
	defer ex.wg.Done()
	var errs []error
	for err := range errc {
		errs = append(errs, err)
	}
	for _, l := range g.outputs[s.Name()] {
		l.close()
	}
	if l, ok := g.inputs[s.Name()]; ok {
		l.abandon()
	}

	var err error
	switch len(errs) {
	case 0:
		return
	case 1:
		err = errs[0]
	default:
		err = multierror.Append(nil, errs...)
	}
	if ex.ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return
	}
	g.fail(ex, s, err)
}

// fail moves the stage into Error state and posts the branch error.
func (g *Graph) fail(ex *execution, s Stage, err error) {
	atomic.StoreInt32(&ex.failed, 1)
	log := g.log.WithField("stage", s.Name())
	if tErr := s.Transition(context.Background(), Error); tErr != nil {
		log.WithError(tErr).Warn("stage refused error state")
	}
	log.WithError(err).Error("stage failed")
	g.bus.Post(Message{
		Type:   MessageError,
		Source: s.Name(),
		Err:    &BranchError{Stage: s.Name(), Err: err},
	})
}

func teePort(i int) string {
	return SrcPort + "_" + strconv.Itoa(i)
}

func hasOutput(s Stage, port string) bool {
	switch s.Kind() {
	case KindSource, KindTransform:
		return port == SrcPort
	case KindTee:
		if !strings.HasPrefix(port, SrcPort+"_") {
			return false
		}
		i, err := strconv.Atoi(strings.TrimPrefix(port, SrcPort+"_"))
		return err == nil && i >= 0
	}
	return false
}

func hasInput(s Stage, port string) bool {
	return s.Kind() != KindSource && port == SinkPort
}

// bindFormat intersects output caps of producer with input caps of
// consumer.
func bindFormat(producer, consumer Stage) (Format, error) {
	out, in := Any, Any
	if n, ok := producer.(Negotiator); ok {
		out = n.Caps(Output)
	}
	if n, ok := consumer.(Negotiator); ok {
		in = n.Caps(Input)
	}
	f, ok := out.Intersect(in)
	if !ok {
		return Any, fmt.Errorf("%v and %v: %w", out, in, ErrNotNegotiated)
	}
	return f, nil
}
