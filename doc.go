/*
Package graph executes directed graphs of streaming stages.

Every stage runs in its own goroutine. Stages are connected with links:
bounded queues that negotiate formats and execute probes. The graph moves
through Null, Ready, Paused and Playing states, every stage must
acknowledge every step. While the graph is playing, the scheduler applies
parameter mutations at offsets from the start of playback. Errors and the
end of stream are reported on the bus.

A simple graph looks like this:

	g := graph.New("bitrates")
	src, enc, sink := ... // stages
	if err := g.Add(src, enc, sink); err != nil {
		...
	}
	if err := g.LinkMany("src", "enc", "sink"); err != nil {
		...
	}
	g.Scheduler().Ramp("enc", "bitrate",
		graph.Step{Offset: 1500 * time.Millisecond, Value: 2048},
		graph.Step{Offset: 3000 * time.Millisecond, Value: 8192},
	)
	err := g.Run(ctx)
*/
package graph
