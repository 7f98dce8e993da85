package main

import (
	"context"
	"flag"
	"io"
	"time"

	"pipelined.dev/graph"
	"pipelined.dev/graph/internal/config"
	"pipelined.dev/graph/stages"
)

const (
	rawCaps = "video/x-raw,format=YUY2, width=1920,height=1080,framerate=25/1"
	encCaps = "video/x-h264, stream-format=byte-stream, profile=main"
)

type bitratesCommand struct {
	scenario
}

func newBitratesCommand(out io.Writer) *bitratesCommand {
	return &bitratesCommand{
		scenario: scenario{
			out: &syncWriter{w: out},
			defaults: config.Scenario{
				Name:     "bitrates",
				Topology: config.Linear,
				Buffers:  800,
				Interval: config.Duration(40 * time.Millisecond),
				Caps:     rawCaps,
				Output:   "./dynamic_bitrates.rtp",
				Schedule: []config.Ramp{
					{
						Target: "enc",
						Param:  stages.Bitrate,
						Every:  config.Duration(1500 * time.Millisecond),
						Values: []interface{}{2048, 8192, 1024, 4096},
					},
				},
			},
		},
	}
}

func (c *bitratesCommand) Name() string {
	return "bitrates"
}

func (c *bitratesCommand) Help() string {
	return "encode test stream into file while changing encoder bitrate"
}

func (c *bitratesCommand) Register(flags *flag.FlagSet) {
	c.register(flags)
}

func (c *bitratesCommand) Run(ctx context.Context) error {
	sc, err := c.load()
	if err != nil {
		return err
	}
	src, err := newSource(sc)
	if err != nil {
		return err
	}
	caps, err := graph.ParseFormat(sc.Caps)
	if err != nil {
		return err
	}

	g := newGraph(sc)
	if err := g.Add(
		src,
		stages.NewCapsFilter("srccaps", caps),
		stages.NewEncoder("enc"),
		stages.NewCapsFilter("encformat", graph.MustParseFormat(encCaps)),
		stages.NewRTPMuxer("mux", 1),
		stages.NewFileSink("sink", sc.Output),
	); err != nil {
		return err
	}
	if err := g.LinkMany("src", "srccaps"); err != nil {
		return err
	}
	if err := chain(g, sc, "srccaps", "enc", "encformat", "mux", "sink"); err != nil {
		return err
	}
	return play(ctx, g, sc, c.out)
}

// newSource returns test source configured by the scenario.
func newSource(sc config.Scenario) (*stages.TestSource, error) {
	src := stages.NewTestSource("src")
	params := map[string]interface{}{
		stages.NumBuffers: sc.Buffers,
		stages.Interval:   time.Duration(sc.Interval),
	}
	if sc.Caps != "" {
		params[stages.Caps] = sc.Caps
	}
	for name, value := range params {
		if err := src.SetParameter(name, value); err != nil {
			return nil, err
		}
	}
	return src, nil
}

// chain links stages one after another. Tee topology inserts a tee after
// the first stage with an additional fake sink branch.
func chain(g *graph.Graph, sc config.Scenario, from string, next ...string) error {
	if sc.Topology != config.Tee {
		return g.LinkMany(append([]string{from}, next...)...)
	}
	if err := g.Add(graph.NewTee("tee"), stages.NewFakeSink("fakesink")); err != nil {
		return err
	}
	if err := g.Link(from, "tee"); err != nil {
		return err
	}
	if err := g.Link("tee", "fakesink"); err != nil {
		return err
	}
	return g.LinkMany(append([]string{"tee"}, next...)...)
}
