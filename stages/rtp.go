package stages

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pion/rtp"

	"pipelined.dev/graph"
)

const (
	defaultPayloadType = 96
	defaultClockRate   = 90000
	defaultFramerate   = 25
)

// RTPMuxer packs every unit into a single RTP packet.
type RTPMuxer struct {
	*graph.Element
}

// NewRTPMuxer returns new muxer with dynamic payload type.
func NewRTPMuxer(name string, ssrc uint32) *RTPMuxer {
	return &RTPMuxer{
		Element: graph.NewElement(name, graph.KindTransform, map[string]interface{}{
			PayloadType: defaultPayloadType,
			ClockRate:   defaultClockRate,
			SSRC:        ssrc,
		}),
	}
}

// Caps accepts h264 and produces RTP.
func (m *RTPMuxer) Caps(d graph.Direction) graph.Format {
	if d == graph.Input {
		return graph.Format{Media: "video/x-h264"}
	}
	return graph.Format{Media: "application/x-rtp"}
}

// Process returns marshaled RTP packet.
func (m *RTPMuxer) Process(_ context.Context, u *graph.Unit) (*graph.Unit, error) {
	pt, _ := m.Params().Int(PayloadType)
	clockRate, _ := m.Params().Int(ClockRate)
	ssrc, _ := m.Params().Int(SSRC)
	p := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    uint8(pt),
			SequenceNumber: uint16(u.Seq),
			Timestamp:      uint32(u.Seq * uint64(clockRate/framerate(u.Format))),
			SSRC:           uint32(ssrc),
		},
		Payload: u.Payload,
	}
	raw, err := p.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%s: marshal unit %d: %w", m.Name(), u.Seq, err)
	}
	out := u.Derive(raw)
	out.Format = graph.Format{Media: "application/x-rtp"}.
		With("media", "video").
		With("encoding-name", "H264").
		With("payload", strconv.Itoa(pt)).
		With("clock-rate", strconv.Itoa(clockRate))
	return out, nil
}

// Depacketize returns the RTP payload of muxed unit.
func Depacketize(payload []byte) (*rtp.Packet, error) {
	var p rtp.Packet
	if err := p.Unmarshal(payload); err != nil {
		return nil, err
	}
	return &p, nil
}

// framerate returns frames per second of format.
func framerate(f graph.Format) int {
	v, ok := f.Field("framerate")
	if !ok {
		return defaultFramerate
	}
	var num, den int
	if _, err := fmt.Sscanf(v, "%d/%d", &num, &den); err != nil || num <= 0 || den <= 0 {
		return defaultFramerate
	}
	if fps := num / den; fps > 0 {
		return fps
	}
	return defaultFramerate
}
