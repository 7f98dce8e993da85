package graph

import (
	"context"
	"io"

	"pipelined.dev/graph/internal/runtime"
	"pipelined.dev/graph/metric"
)

type (
	// sourceExecutor fills new units and sends them into the output.
	sourceExecutor struct {
		runtime.StartFunc
		runtime.FlushFunc
		source  Source
		out     *Link
		gate    *runtime.Gate
		measure metric.MeasureFunc
		seq     uint64
	}

	// transformExecutor processes units of the input and sends results
	// into the output.
	transformExecutor struct {
		runtime.StartFunc
		runtime.FlushFunc
		formatTracker
		transform Transform
		in, out   *Link
		measure   metric.MeasureFunc
	}

	// teeExecutor sends every unit into all live outputs.
	teeExecutor struct {
		runtime.StartFunc
		runtime.FlushFunc
		in      *Link
		outs    []*Link
		measure metric.MeasureFunc
		// fail is called when a unit can't be sent into the output.
		fail func(*Link, error)
	}

	// sinkExecutor consumes units of the input.
	sinkExecutor struct {
		runtime.StartFunc
		runtime.FlushFunc
		formatTracker
		sink    Sink
		in      *Link
		measure metric.MeasureFunc
	}

	// formatTracker notifies the observer when format of received units
	// changes.
	formatTracker struct {
		observer FormatObserver
		last     Format
	}
)

// executor returns the executor for provided stage. Stage contracts are
// validated by build.
func (g *Graph) executor(ex *execution, s Stage) runtime.Executor {
	name := s.Name()
	start, flush := hooks(s)
	measure := metric.Meter(s)()
	switch s.Kind() {
	case KindSource:
		return &sourceExecutor{
			StartFunc: start,
			FlushFunc: flush,
			source:    s.(Source),
			out:       g.outputs[name][0],
			gate:      ex.gate,
			measure:   measure,
		}
	case KindTransform:
		in := g.inputs[name]
		return &transformExecutor{
			StartFunc:     start,
			FlushFunc:     flush,
			formatTracker: newFormatTracker(s, in),
			transform:     s.(Transform),
			in:            in,
			out:           g.outputs[name][0],
			measure:       measure,
		}
	case KindTee:
		return &teeExecutor{
			StartFunc: start,
			FlushFunc: flush,
			in:        g.inputs[name],
			outs:      g.outputs[name],
			measure:   measure,
			fail: func(l *Link, err error) {
				g.fail(ex, l.consumer, err)
			},
		}
	}
	in := g.inputs[name]
	return &sinkExecutor{
		StartFunc:     start,
		FlushFunc:     flush,
		formatTracker: newFormatTracker(s, in),
		sink:          s.(Sink),
		in:            in,
		measure:       measure,
	}
}

// Execute does a single iteration of source. io.EOF is returned if
// source is exhausted, context is done or the consumer is gone.
func (e *sourceExecutor) Execute(ctx context.Context) error {
	if !e.gate.Wait(ctx) {
		return io.EOF
	}
	u := NewUnit(nil)
	if err := e.source.Fill(ctx, u); err != nil {
		return err
	}
	e.seq++
	u.Seq = e.seq
	e.measure(int64(len(u.Payload)))

	ok, err := e.out.send(ctx, u)
	if err != nil {
		return err
	}
	if !ok {
		return io.EOF
	}
	return nil
}

// Execute does a single iteration of transform. io.EOF is returned if
// input is drained, context is done or the consumer is gone.
func (e *transformExecutor) Execute(ctx context.Context) error {
	u, ok := e.in.receive(ctx)
	if !ok {
		return io.EOF
	}
	e.observe(u)

	out, err := e.transform.Process(ctx, u)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	e.measure(int64(len(out.Payload)))

	ok, err = e.out.send(ctx, out)
	if err != nil {
		return err
	}
	if !ok {
		return io.EOF
	}
	return nil
}

// Execute does a single iteration of tee. Outputs with gone consumers
// are skipped, io.EOF is returned when all consumers are gone. If unit
// can't be sent into the output, only that branch is closed.
func (e *teeExecutor) Execute(ctx context.Context) error {
	u, ok := e.in.receive(ctx)
	if !ok {
		return io.EOF
	}
	e.measure(int64(len(u.Payload)))

	live := 0
	for _, l := range e.outs {
		if l.isGone() {
			continue
		}
		ok, err := l.send(ctx, u)
		if err != nil {
			l.abandon()
			l.close()
			e.fail(l, err)
			continue
		}
		if ok {
			live++
		}
	}
	if live == 0 {
		return io.EOF
	}
	return nil
}

// Execute does a single iteration of sink. io.EOF is returned if input
// is drained or context is done.
func (e *sinkExecutor) Execute(ctx context.Context) error {
	u, ok := e.in.receive(ctx)
	if !ok {
		return io.EOF
	}
	e.observe(u)
	e.measure(int64(len(u.Payload)))
	return e.sink.Consume(ctx, u)
}

func newFormatTracker(s Stage, in *Link) formatTracker {
	observer, _ := s.(FormatObserver)
	return formatTracker{
		observer: observer,
		last:     in.Format(),
	}
}

func (t *formatTracker) observe(u *Unit) {
	if t.observer == nil || u.Format.IsAny() || u.Format.Equal(t.last) {
		return
	}
	t.last = u.Format
	t.observer.FormatChanged(u.Format)
}

func hooks(s Stage) (runtime.StartFunc, runtime.FlushFunc) {
	var (
		start runtime.StartFunc
		flush runtime.FlushFunc
	)
	if starter, ok := s.(Starter); ok {
		start = starter.Start
	}
	if flusher, ok := s.(Flusher); ok {
		flush = flusher.Flush
	}
	return start, flush
}
