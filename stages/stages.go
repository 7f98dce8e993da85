// Package stages provides stages for graphs: test source, caps filter,
// encoder, decoder, scaler, RTP muxer and sinks. Codecs are simulated,
// payloads are treated as opaque bytes.
package stages

import (
	"fmt"
	"time"

	"pipelined.dev/graph"
)

// Parameter names.
const (
	NumBuffers  = "num-buffers"
	Caps        = "caps"
	Interval    = "interval"
	Size        = "size"
	Bitrate     = "bitrate"
	Width       = "width"
	Height      = "height"
	PixelFormat = "format"
	PayloadType = "payload-type"
	SSRC        = "ssrc"
	ClockRate   = "clock-rate"
	Location    = "location"
)

// formatOf converts parameter value into format.
func formatOf(v interface{}) (graph.Format, error) {
	switch f := v.(type) {
	case graph.Format:
		return f, nil
	case string:
		return graph.ParseFormat(f)
	case nil:
		return graph.Any, nil
	}
	return graph.Any, fmt.Errorf("invalid caps type %T", v)
}

// durationOf converts parameter value into duration.
func durationOf(v interface{}) (time.Duration, error) {
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case string:
		return time.ParseDuration(d)
	case int:
		return time.Duration(d) * time.Millisecond, nil
	}
	return 0, fmt.Errorf("invalid duration type %T", v)
}

// caps returns the caps parameter of element.
func caps(e *graph.Element) graph.Format {
	v, ok := e.Parameter(Caps)
	if !ok {
		return graph.Any
	}
	f, _ := v.(graph.Format)
	return f
}

// setCaps validates and sets caps parameter.
func setCaps(e *graph.Element, v interface{}) error {
	f, err := formatOf(v)
	if err != nil {
		return fmt.Errorf("%s: %w", e.Name(), err)
	}
	return e.SetParameter(Caps, f)
}

// media returns format that only constrains media type.
func media(f graph.Format) graph.Format {
	return graph.Format{Media: f.Media}
}
