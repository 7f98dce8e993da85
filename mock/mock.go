// Package mock provides mocks of graph stages and allows to execute
// integration tests.
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"pipelined.dev/graph"
)

// Source mocks a graph.Source interface.
type Source struct {
	*graph.Element
	counter
	Hooks
	Interval    time.Duration
	Limit       int
	Size        int
	Value       byte
	Format      graph.Format
	ErrorOnCall error
	// ErrorAfter makes Fill return ErrorOnCall after provided number of
	// units.
	ErrorAfter int
}

// NewSource returns new mock source.
func NewSource(name string) *Source {
	return &Source{
		Element: graph.NewElement(name, graph.KindSource, nil),
	}
}

// Fill fills the unit with Value.
func (m *Source) Fill(ctx context.Context, u *graph.Unit) error {
	if m.ErrorOnCall != nil && m.units() >= m.ErrorAfter {
		return m.ErrorOnCall
	}
	if m.units() >= m.Limit {
		return io.EOF
	}
	if m.Interval > 0 {
		t := time.NewTimer(m.Interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}

	u.Payload = make([]byte, m.Size)
	for i := range u.Payload {
		u.Payload[i] = m.Value
	}
	u.Format = m.Format
	m.advance(u)
	return nil
}

// Caps returns Format for output.
func (m *Source) Caps(graph.Direction) graph.Format {
	return m.Format
}

// Transform mocks a graph.Transform interface. Units are passed as is.
type Transform struct {
	*graph.Element
	counter
	Hooks
	// Block makes Process wait until channel is closed.
	Block       chan struct{}
	DropEvery   int
	ErrorOnCall error
	ErrorAfter  int

	mu      sync.Mutex
	formats []graph.Format
}

// NewTransform returns new mock transform.
func NewTransform(name string) *Transform {
	return &Transform{
		Element: graph.NewElement(name, graph.KindTransform, nil),
	}
}

// Process records the unit and returns it.
func (m *Transform) Process(ctx context.Context, u *graph.Unit) (*graph.Unit, error) {
	if m.ErrorOnCall != nil && m.units() >= m.ErrorAfter {
		return nil, m.ErrorOnCall
	}
	if err := block(ctx, m.Block); err != nil {
		return nil, err
	}
	m.advance(u)
	if m.DropEvery > 0 && m.units()%m.DropEvery == 0 {
		return nil, nil
	}
	return u, nil
}

// FormatChanged records the format.
func (m *Transform) FormatChanged(f graph.Format) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.formats = append(m.formats, f)
}

// Formats returns observed format changes.
func (m *Transform) Formats() []graph.Format {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]graph.Format(nil), m.formats...)
}

// Sink mocks up a graph.Sink interface.
type Sink struct {
	*graph.Element
	counter
	Hooks
	// Block makes Consume wait until channel is closed.
	Block       chan struct{}
	Discard     bool
	ErrorOnCall error
	ErrorAfter  int

	mu      sync.Mutex
	units   []*graph.Unit
	formats []graph.Format
}

// NewSink returns new mock sink.
func NewSink(name string) *Sink {
	return &Sink{
		Element: graph.NewElement(name, graph.KindSink, nil),
	}
}

// NewInspectionSink returns new mock sink of inspection kind.
func NewInspectionSink(name string) *Sink {
	return &Sink{
		Element: graph.NewElement(name, graph.KindInspectionSink, nil),
	}
}

// Consume records the unit.
func (m *Sink) Consume(ctx context.Context, u *graph.Unit) error {
	if m.ErrorOnCall != nil && m.counter.units() >= m.ErrorAfter {
		return m.ErrorOnCall
	}
	if err := block(ctx, m.Block); err != nil {
		return err
	}
	m.advance(u)
	if !m.Discard {
		m.mu.Lock()
		m.units = append(m.units, u)
		m.mu.Unlock()
	}
	return nil
}

// FormatChanged records the format.
func (m *Sink) FormatChanged(f graph.Format) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.formats = append(m.formats, f)
}

// Formats returns observed format changes.
func (m *Sink) Formats() []graph.Format {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]graph.Format(nil), m.formats...)
}

// Units returns consumed units.
func (m *Sink) Units() []*graph.Unit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*graph.Unit(nil), m.units...)
}

// Hooks allows to mock stage hooks.
type Hooks struct {
	mu      sync.Mutex
	started bool
	flushed bool

	ErrorOnStart error
	ErrorOnFlush error
}

// Start implements graph.Starter.
func (h *Hooks) Start(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = true
	return h.ErrorOnStart
}

// Flush implements graph.Flusher.
func (h *Hooks) Flush(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flushed = true
	return h.ErrorOnFlush
}

// Started returns true if start hook was called.
func (h *Hooks) Started() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// Flushed returns true if flush hook was called.
func (h *Hooks) Flushed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flushed
}

// RefuseTransition makes element refuse transitions into provided state.
func RefuseTransition(e *graph.Element, to graph.State, err error) {
	e.OnTransition = func(_ context.Context, _, target graph.State) error {
		if target == to {
			return err
		}
		return nil
	}
}

// counter counts units and bytes.
type counter struct {
	mu    sync.Mutex
	count int
	bytes int
}

func (c *counter) advance(u *graph.Unit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	c.bytes += len(u.Payload)
}

func (c *counter) units() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Count returns units and bytes metrics.
func (c *counter) Count() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count, c.bytes
}

func block(ctx context.Context, c chan struct{}) error {
	if c == nil {
		return nil
	}
	select {
	case <-c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
