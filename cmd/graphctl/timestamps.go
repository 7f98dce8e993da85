package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"pipelined.dev/graph"
	"pipelined.dev/graph/internal/config"
	"pipelined.dev/graph/stages"
)

type timestampsCommand struct {
	scenario
}

func newTimestampsCommand(out io.Writer) *timestampsCommand {
	return &timestampsCommand{
		scenario: scenario{
			out: &syncWriter{w: out},
			defaults: config.Scenario{
				Name:     "timestamps",
				Topology: config.Tee,
				Buffers:  100,
				Caps:     "video/x-raw, format=NV12, width=1920, height=1080, framerate=25/1",
				Queue: config.Queue{
					Overflow: graph.OverflowBlock.String(),
				},
			},
		},
	}
}

func (c *timestampsCommand) Name() string {
	return "timestamps"
}

func (c *timestampsCommand) Help() string {
	return "attach timestamps at the source and read them after post processing"
}

func (c *timestampsCommand) Register(flags *flag.FlagSet) {
	c.register(flags)
}

func (c *timestampsCommand) Run(ctx context.Context) error {
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
		stages.NewCapsFilter("infilter", caps),
		stages.NewScaler("vpp"),
		stages.NewCapsFilter("outfilter", graph.MustParseFormat("video/x-raw, width=800, height=600, format=BGRA")),
		stages.NewAppSink("appsink", c.print),
	); err != nil {
		return err
	}
	if err := g.LinkMany("src", "infilter"); err != nil {
		return err
	}
	if err := chain(g, sc, "infilter", "vpp", "outfilter", "appsink"); err != nil {
		return err
	}

	probe := graph.NewTimestampProbe(graph.TimestampMetaKind)
	probe.OnAttach = func(_ *graph.Unit, ts graph.ReferenceTimestamp) {
		fmt.Fprintf(c.out, "using faketime=%d\n", ts.Timestamp)
	}
	g.OutputLinks("src")[0].AddProbe(probe)
	return play(ctx, g, sc, c.out)
}

func (c *timestampsCommand) print(u *graph.Unit) error {
	if ts, ok := graph.Timestamp(u); ok {
		fmt.Fprintf(c.out, "get timestamp=%d\n", ts.Timestamp)
	} else {
		fmt.Fprintln(c.out, "failed to get timestamp")
	}
	return nil
}
