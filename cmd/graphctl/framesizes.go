package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"pipelined.dev/graph"
	"pipelined.dev/graph/internal/config"
	"pipelined.dev/graph/stages"
)

type framesizesCommand struct {
	scenario
}

func newFramesizesCommand(out io.Writer) *framesizesCommand {
	return &framesizesCommand{
		scenario: scenario{
			out: &syncWriter{w: out},
			defaults: config.Scenario{
				Name:     "framesizes",
				Topology: config.Linear,
				Buffers:  800,
				Interval: config.Duration(40 * time.Millisecond),
				Caps:     rawCaps,
				Schedule: []config.Ramp{
					{
						Target: "srccaps",
						Param:  stages.Caps,
						Every:  config.Duration(5000 * time.Millisecond),
						Values: []interface{}{
							"video/x-raw,format=YUY2, width=1600,height=1200,framerate=25/1",
							"video/x-raw,format=YUY2, width=1600,height=900,framerate=25/1",
							"video/x-raw,format=YUY2, width=1280,height=1024,framerate=25/1",
							"video/x-raw,format=YUY2, width=1280,height=720,framerate=25/1",
						},
					},
				},
			},
		},
	}
}

func (c *framesizesCommand) Name() string {
	return "framesizes"
}

func (c *framesizesCommand) Help() string {
	return "encode and decode test stream while changing frame size"
}

func (c *framesizesCommand) Register(flags *flag.FlagSet) {
	c.register(flags)
}

func (c *framesizesCommand) Run(ctx context.Context) error {
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

	sink := stages.NewAppSink("sink", c.formats())
	g := newGraph(sc)
	if err := g.Add(
		src,
		stages.NewCapsFilter("srccaps", caps),
		stages.NewEncoder("enc"),
		stages.NewDecoder("dec"),
		sink,
	); err != nil {
		return err
	}
	if err := g.LinkMany("src", "srccaps"); err != nil {
		return err
	}
	if err := chain(g, sc, "srccaps", "enc", "dec", "sink"); err != nil {
		return err
	}
	return play(ctx, g, sc, c.out)
}

// formats returns sink callback that prints every new frame size.
func (c *framesizesCommand) formats() func(*graph.Unit) error {
	var last graph.Format
	return func(u *graph.Unit) error {
		if u.Format.Equal(last) {
			return nil
		}
		last = u.Format
		w, _ := u.Format.Int(stages.Width)
		h, _ := u.Format.Int(stages.Height)
		fmt.Fprintf(c.out, "frame size %dx%d\n", w, h)
		return nil
	}
}
