package stages

import (
	"context"
	"io"
	"time"

	"pipelined.dev/graph"
)

// TestSource produces units with a test pattern. Number of units is
// limited by num-buffers parameter, negative value means no limit.
type TestSource struct {
	*graph.Element
	produced int
}

// NewTestSource returns new test source.
func NewTestSource(name string) *TestSource {
	return &TestSource{
		Element: graph.NewElement(name, graph.KindSource, map[string]interface{}{
			NumBuffers: -1,
			Caps:       graph.MustParseFormat("video/x-raw,format=YUY2,width=320,height=240,framerate=25/1"),
			Interval:   time.Duration(0),
			Size:       64,
		}),
	}
}

// SetParameter validates caps and interval values.
func (s *TestSource) SetParameter(name string, value interface{}) error {
	switch name {
	case Caps:
		return setCaps(s.Element, value)
	case Interval:
		d, err := durationOf(value)
		if err != nil {
			return err
		}
		value = d
	}
	return s.Element.SetParameter(name, value)
}

// Caps returns the caps parameter.
func (s *TestSource) Caps(graph.Direction) graph.Format {
	return caps(s.Element)
}

// Start resets the counter of produced units.
func (s *TestSource) Start(context.Context) error {
	s.produced = 0
	return nil
}

// Fill fills the unit with test pattern.
func (s *TestSource) Fill(ctx context.Context, u *graph.Unit) error {
	if limit, ok := s.Params().Int(NumBuffers); ok && limit >= 0 && s.produced >= limit {
		return io.EOF
	}
	if v, ok := s.Parameter(Interval); ok {
		if d, _ := v.(time.Duration); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
		}
	}
	size, _ := s.Params().Int(Size)
	u.Payload = make([]byte, size)
	for i := range u.Payload {
		u.Payload[i] = byte(s.produced + i)
	}
	u.Format = caps(s.Element)
	s.produced++
	return nil
}
