package stages

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"pipelined.dev/graph"
)

// CapsFilter stamps units with the caps parameter. Caps can be changed
// while playing, consumers observe the change with the next unit.
type CapsFilter struct {
	*graph.Element
}

// NewCapsFilter returns new caps filter.
func NewCapsFilter(name string, f graph.Format) *CapsFilter {
	return &CapsFilter{
		Element: graph.NewElement(name, graph.KindTransform, map[string]interface{}{
			Caps: f,
		}),
	}
}

// SetParameter accepts caps as graph.Format or string.
func (c *CapsFilter) SetParameter(name string, value interface{}) error {
	if name == Caps {
		return setCaps(c.Element, value)
	}
	return c.Element.SetParameter(name, value)
}

// Caps accepts media type of the caps and produces the caps.
func (c *CapsFilter) Caps(d graph.Direction) graph.Format {
	if d == graph.Input {
		return media(caps(c.Element))
	}
	return caps(c.Element)
}

// Process returns the unit with caps format.
func (c *CapsFilter) Process(_ context.Context, u *graph.Unit) (*graph.Unit, error) {
	f := caps(c.Element)
	if f.IsAny() {
		return u, nil
	}
	out, ok := u.Format.Intersect(f)
	if !ok {
		out = f
	}
	if out.Equal(u.Format) {
		return u, nil
	}
	d := u.Derive(u.Payload)
	d.Format = out
	return d, nil
}

const encodedHeaderSize = 4

var errShortUnit = errors.New("unit is shorter than encoded header")

// Encoder simulates a video encoder. Every encoded unit starts with the
// bitrate that was in effect when unit was encoded.
type Encoder struct {
	*graph.Element
}

// NewEncoder returns new encoder with 64 kbit/s bitrate.
func NewEncoder(name string) *Encoder {
	return &Encoder{
		Element: graph.NewElement(name, graph.KindTransform, map[string]interface{}{
			Bitrate: 64,
		}),
	}
}

// SetParameter validates bitrate.
func (e *Encoder) SetParameter(name string, value interface{}) error {
	if name == Bitrate {
		b, ok := value.(int)
		if !ok || b <= 0 {
			return fmt.Errorf("%s: invalid bitrate %v", e.Name(), value)
		}
	}
	return e.Element.SetParameter(name, value)
}

// Caps accepts raw video and produces h264.
func (e *Encoder) Caps(d graph.Direction) graph.Format {
	if d == graph.Input {
		return graph.Format{Media: "video/x-raw"}
	}
	return graph.Format{Media: "video/x-h264"}
}

// Process encodes the unit.
func (e *Encoder) Process(_ context.Context, u *graph.Unit) (*graph.Unit, error) {
	bitrate, _ := e.Params().Int(Bitrate)
	payload := make([]byte, encodedHeaderSize+len(u.Payload))
	binary.BigEndian.PutUint32(payload, uint32(bitrate))
	copy(payload[encodedHeaderSize:], u.Payload)

	out := u.Derive(payload)
	out.Format = convert(u.Format, "video/x-h264", "stream-format", "byte-stream")
	return out, nil
}

// EncodedBitrate returns bitrate of encoded payload.
func EncodedBitrate(payload []byte) (int, error) {
	if len(payload) < encodedHeaderSize {
		return 0, errShortUnit
	}
	return int(binary.BigEndian.Uint32(payload)), nil
}

// Decoder reverses the Encoder.
type Decoder struct {
	*graph.Element
}

// NewDecoder returns new decoder.
func NewDecoder(name string) *Decoder {
	return &Decoder{
		Element: graph.NewElement(name, graph.KindTransform, nil),
	}
}

// Caps accepts h264 and produces raw video.
func (d *Decoder) Caps(dir graph.Direction) graph.Format {
	if dir == graph.Input {
		return graph.Format{Media: "video/x-h264"}
	}
	return graph.Format{Media: "video/x-raw"}
}

// Process decodes the unit.
func (d *Decoder) Process(_ context.Context, u *graph.Unit) (*graph.Unit, error) {
	if len(u.Payload) < encodedHeaderSize {
		return nil, fmt.Errorf("%s: unit %d: %w", d.Name(), u.Seq, errShortUnit)
	}
	out := u.Derive(u.Payload[encodedHeaderSize:])
	out.Format = convert(u.Format, "video/x-raw", "format", "I420")
	return out, nil
}

// Scaler simulates video post processing. Output format takes width,
// height and format parameters, if set.
type Scaler struct {
	*graph.Element
}

// NewScaler returns new scaler.
func NewScaler(name string) *Scaler {
	return &Scaler{
		Element: graph.NewElement(name, graph.KindTransform, nil),
	}
}

// Caps accepts and produces raw video.
func (s *Scaler) Caps(graph.Direction) graph.Format {
	return graph.Format{Media: "video/x-raw"}
}

// Process returns the unit in the output format.
func (s *Scaler) Process(_ context.Context, u *graph.Unit) (*graph.Unit, error) {
	f := u.Format
	if w, ok := s.Params().Int(Width); ok {
		f = f.With(Width, strconv.Itoa(w))
	}
	if h, ok := s.Params().Int(Height); ok {
		f = f.With(Height, strconv.Itoa(h))
	}
	if pf, ok := s.Params().String(PixelFormat); ok {
		f = f.With(PixelFormat, pf)
	}
	out := u.Derive(u.Payload)
	out.Format = f
	return out, nil
}

// convert keeps geometry of the format and replaces media type.
func convert(f graph.Format, mediaType, key, value string) graph.Format {
	out := graph.Format{Media: mediaType}
	for _, k := range []string{Width, Height, "framerate"} {
		if v, ok := f.Field(k); ok {
			out = out.With(k, v)
		}
	}
	return out.With(key, value)
}
