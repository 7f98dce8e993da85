package graph_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pipelined.dev/graph"
	"pipelined.dev/graph/log"
	"pipelined.dev/graph/mock"
	"pipelined.dev/graph/stages"
)

var mockError = errors.New("mock error")

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newGraph(options ...graph.Option) *graph.Graph {
	return graph.New("test", append([]graph.Option{graph.WithLogger(log.Discard())}, options...)...)
}

func teardown(t *testing.T, g *graph.Graph) {
	t.Helper()
	assert.NoError(t, g.Teardown(context.Background()))
	assert.Equal(t, graph.Null, g.State())
}

func TestConfiguration(t *testing.T) {
	tests := []struct {
		name     string
		build    func(*graph.Graph) error
		expected error
	}{
		{
			name: "duplicate stage",
			build: func(g *graph.Graph) error {
				return g.Add(mock.NewSource("src"), mock.NewSink("src"))
			},
			expected: graph.ErrDuplicateStage,
		},
		{
			name: "unknown stage",
			build: func(g *graph.Graph) error {
				if err := g.Add(mock.NewSource("src")); err != nil {
					return err
				}
				return g.Link("src", "sink")
			},
			expected: graph.ErrUnknownStage,
		},
		{
			name: "port bound twice",
			build: func(g *graph.Graph) error {
				if err := g.Add(mock.NewSource("src1"), mock.NewSource("src2"), mock.NewSink("sink")); err != nil {
					return err
				}
				if err := g.Link("src1", "sink"); err != nil {
					return err
				}
				return g.Link("src2", "sink")
			},
			expected: graph.ErrPortBound,
		},
		{
			name: "source output bound twice",
			build: func(g *graph.Graph) error {
				if err := g.Add(mock.NewSource("src"), mock.NewSink("sink1"), mock.NewSink("sink2")); err != nil {
					return err
				}
				if err := g.Link("src", "sink1"); err != nil {
					return err
				}
				return g.Link("src", "sink2")
			},
			expected: graph.ErrPortBound,
		},
		{
			name: "sink has no output",
			build: func(g *graph.Graph) error {
				if err := g.Add(mock.NewSink("sink1"), mock.NewSink("sink2")); err != nil {
					return err
				}
				return g.Link("sink1", "sink2")
			},
			expected: graph.ErrUnknownPort,
		},
		{
			name: "unknown tee port",
			build: func(g *graph.Graph) error {
				if err := g.Add(graph.NewTee("tee"), mock.NewSink("sink")); err != nil {
					return err
				}
				_, err := g.LinkPorts(graph.Port{Stage: "tee", Name: "src"}, graph.Port{Stage: "sink", Name: graph.SinkPort})
				return err
			},
			expected: graph.ErrUnknownPort,
		},
		{
			name: "unbound sink port",
			build: func(g *graph.Graph) error {
				if err := g.Add(mock.NewSource("src"), mock.NewTransform("t"), mock.NewSink("sink")); err != nil {
					return err
				}
				if err := g.Link("t", "sink"); err != nil {
					return err
				}
				return g.Build()
			},
			expected: graph.ErrPortUnbound,
		},
		{
			name: "unbound tee",
			build: func(g *graph.Graph) error {
				if err := g.Add(mock.NewSource("src"), graph.NewTee("tee")); err != nil {
					return err
				}
				if err := g.Link("src", "tee"); err != nil {
					return err
				}
				return g.Build()
			},
			expected: graph.ErrPortUnbound,
		},
		{
			name: "cycle",
			build: func(g *graph.Graph) error {
				if err := g.Add(mock.NewTransform("t1"), mock.NewTransform("t2")); err != nil {
					return err
				}
				if err := g.LinkMany("t1", "t2", "t1"); err != nil {
					return err
				}
				return g.Build()
			},
			expected: graph.ErrCycle,
		},
		{
			name: "not negotiated",
			build: func(g *graph.Graph) error {
				src := mock.NewSource("src")
				src.Format = graph.MustParseFormat("audio/x-raw,rate=44100")
				if err := g.Add(src, stages.NewEncoder("enc")); err != nil {
					return err
				}
				return g.Link("src", "enc")
			},
			expected: graph.ErrNotNegotiated,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			g := newGraph()
			err := test.build(g)
			require.Error(t, err)
			assert.True(t, errors.Is(err, test.expected), "unexpected error: %v", err)
			var cfgErr *graph.ConfigurationError
			assert.True(t, errors.As(err, &cfgErr))
			// graph never leaves null with invalid configuration
			if errors.Is(err, graph.ErrPortUnbound) || errors.Is(err, graph.ErrCycle) {
				assert.Error(t, g.SetState(context.Background(), graph.Playing))
			}
			assert.Equal(t, graph.Null, g.State())
		})
	}
}

func TestRun(t *testing.T) {
	tests := []struct {
		name   string
		limit  int
		size   int
		policy graph.ErrorPolicy
	}{
		{
			name:  "ten units",
			limit: 10,
			size:  8,
		},
		{
			name:   "hundred units drain",
			limit:  100,
			size:   16,
			policy: graph.DrainBranches,
		},
		{
			name:  "empty source",
			limit: 0,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			src := mock.NewSource("src")
			src.Limit, src.Size, src.Value = test.limit, test.size, 7
			transform := mock.NewTransform("transform")
			sink := mock.NewSink("sink")

			g := newGraph(graph.WithErrorPolicy(test.policy))
			require.NoError(t, g.Add(src, transform, sink))
			require.NoError(t, g.LinkMany("src", "transform", "sink"))
			require.NoError(t, g.Run(context.Background()))
			assert.Equal(t, graph.Null, g.State())

			units, bytes := sink.Count()
			assert.Equal(t, test.limit, units)
			assert.Equal(t, test.limit*test.size, bytes)
			for i, u := range sink.Units() {
				assert.Equal(t, uint64(i+1), u.Seq)
			}
			for _, h := range []*mock.Hooks{&src.Hooks, &transform.Hooks, &sink.Hooks} {
				assert.True(t, h.Started())
				assert.True(t, h.Flushed())
			}
			for _, s := range g.Stages() {
				assert.Equal(t, graph.Null, s.State())
			}
		})
	}
}

func TestRunTwice(t *testing.T) {
	src := mock.NewSource("src")
	src.Limit = 5
	sink := mock.NewSink("sink")
	g := newGraph()
	require.NoError(t, g.Add(src, sink))
	require.NoError(t, g.Link("src", "sink"))
	require.NoError(t, g.Run(context.Background()))
	src.Limit = 10
	require.NoError(t, g.Run(context.Background()))
	units, _ := sink.Count()
	assert.Equal(t, 10, units)
}

// Messages of the failed run don't end the next one.
func TestRunAfterError(t *testing.T) {
	src := mock.NewSource("src")
	src.Limit = 10
	sink := mock.NewSink("sink")
	sink.ErrorOnCall, sink.ErrorAfter = mockError, 2
	g := newGraph()
	require.NoError(t, g.Add(src, sink))
	require.NoError(t, g.Link("src", "sink"))

	err := g.Run(context.Background())
	assert.True(t, errors.Is(err, mockError))
	for _, m := range g.Bus().Messages() {
		assert.NotEqual(t, graph.MessageEOS, m.Type, "eos after branch error")
	}
	produced, _ := src.Count()

	sink.ErrorOnCall = nil
	src.Limit = 50
	require.NoError(t, g.Run(context.Background()))
	units, _ := sink.Count()
	assert.Equal(t, 2+50-produced, units)
}

// Bus doesn't grow with the number of runs.
func TestBusLimit(t *testing.T) {
	const limit = 8
	src := mock.NewSource("src")
	sink := mock.NewSink("sink")
	g := newGraph(graph.WithBusLimit(limit))
	require.NoError(t, g.Add(src, sink))
	require.NoError(t, g.Link("src", "sink"))
	for i := 0; i < 5; i++ {
		src.Limit += 2
		require.NoError(t, g.Run(context.Background()))
		assert.LessOrEqual(t, g.Bus().Len(), limit)
	}
	assert.Greater(t, g.Bus().Evicted(), uint64(0))
	units, _ := sink.Count()
	assert.Equal(t, 10, units)
}

func TestTeardownIdempotent(t *testing.T) {
	src := mock.NewSource("src")
	src.Limit, src.Interval = 1000, time.Millisecond
	sink := mock.NewSink("sink")
	g := newGraph()
	require.NoError(t, g.Add(src, sink))
	require.NoError(t, g.Link("src", "sink"))

	teardown(t, g)
	require.NoError(t, g.SetState(context.Background(), graph.Playing))
	assert.Equal(t, graph.Playing, g.State())
	teardown(t, g)
	teardown(t, g)
	for _, s := range g.Stages() {
		assert.Equal(t, graph.Null, s.State())
	}
}

func TestLifecycleRollback(t *testing.T) {
	src := mock.NewSource("src")
	src.Limit = 10
	transform := mock.NewTransform("transform")
	sink := mock.NewSink("sink")
	mock.RefuseTransition(sink.Element, graph.Paused, mockError)

	g := newGraph()
	require.NoError(t, g.Add(src, transform, sink))
	require.NoError(t, g.LinkMany("src", "transform", "sink"))

	err := g.SetState(context.Background(), graph.Playing)
	require.Error(t, err)
	var lErr *graph.LifecycleError
	require.True(t, errors.As(err, &lErr))
	assert.Equal(t, "sink", lErr.Stage)
	assert.Equal(t, graph.Ready, lErr.From)
	assert.Equal(t, graph.Paused, lErr.To)
	assert.True(t, errors.Is(err, mockError))

	assert.Equal(t, graph.Ready, g.State())
	for _, s := range g.Stages() {
		assert.Equal(t, graph.Ready, s.State(), s.Name())
	}
	assert.False(t, src.Started())
	teardown(t, g)
}

func TestPauseResume(t *testing.T) {
	src := mock.NewSource("src")
	src.Limit, src.Interval = 30, time.Millisecond
	sink := mock.NewSink("sink")
	g := newGraph()
	require.NoError(t, g.Add(src, sink))
	require.NoError(t, g.Link("src", "sink"))

	ctx := context.Background()
	require.NoError(t, g.SetState(ctx, graph.Paused))
	time.Sleep(10 * time.Millisecond)
	units, _ := sink.Count()
	assert.Equal(t, 0, units, "paused graph must not produce")

	require.NoError(t, g.SetState(ctx, graph.Playing))
	assert.Eventually(t, func() bool {
		units, _ := sink.Count()
		return units > 0
	}, time.Second, time.Millisecond)
	require.NoError(t, g.SetState(ctx, graph.Paused))
	paused, _ := sink.Count()
	time.Sleep(10 * time.Millisecond)
	units, _ = sink.Count()
	// only queued and in flight units are consumed
	assert.LessOrEqual(t, units, paused+graph.DefaultQueueCapacity+1)

	require.NoError(t, g.SetState(ctx, graph.Playing))
	popCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	m, err := g.Bus().Pop(popCtx, graph.MessageEOS)
	require.NoError(t, err)
	assert.Equal(t, graph.MessageEOS, m.Type)
	units, _ = sink.Count()
	assert.Equal(t, 30, units)
	teardown(t, g)
}

func TestRunCancel(t *testing.T) {
	src := mock.NewSource("src")
	src.Limit, src.Interval = 100000, time.Millisecond
	sink := mock.NewSink("sink")
	g := newGraph()
	require.NoError(t, g.Add(src, sink))
	require.NoError(t, g.Link("src", "sink"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Run(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "unexpected error: %v", err)
	assert.Equal(t, graph.Null, g.State())
}

func TestStateMessages(t *testing.T) {
	src := mock.NewSource("src")
	sink := mock.NewSink("sink")
	g := newGraph()
	require.NoError(t, g.Add(src, sink))
	require.NoError(t, g.Link("src", "sink"))
	require.NoError(t, g.Run(context.Background()))

	var changes []graph.State
	for _, m := range g.Bus().Messages() {
		if m.Type == graph.MessageStateChanged {
			changes = append(changes, m.New)
		}
	}
	assert.Equal(t, []graph.State{
		graph.Ready, graph.Paused, graph.Playing,
		graph.Paused, graph.Ready, graph.Null,
	}, changes)
}

// Bitrate ramp is applied exactly once per step, in order.
func TestBitrateRamp(t *testing.T) {
	src := mock.NewSource("src")
	src.Limit, src.Interval = 100000, time.Millisecond
	src.Format = graph.MustParseFormat("video/x-raw,format=YUY2,width=1920,height=1080,framerate=25/1")
	enc := stages.NewEncoder("enc")
	sink := mock.NewSink("sink")
	sink.Discard = true

	var (
		mu     sync.Mutex
		values []interface{}
	)
	enc.Params().Notify(func(name string, _, v interface{}) {
		mu.Lock()
		defer mu.Unlock()
		values = append(values, v)
	})

	g := newGraph()
	require.NoError(t, g.Add(src, enc, sink))
	require.NoError(t, g.LinkMany("src", "enc", "sink"))
	bitrates := []int{2048, 8192, 1024, 4096}
	var steps []graph.Step
	for i, b := range bitrates {
		steps = append(steps, graph.Step{
			Offset: time.Duration(i*1500) * time.Microsecond,
			Value:  b,
		})
	}
	require.NoError(t, g.Scheduler().Ramp("enc", stages.Bitrate, steps...))
	assert.Equal(t, 4, g.Scheduler().Pending())

	require.NoError(t, g.SetState(context.Background(), graph.Playing))
	assert.Eventually(t, func() bool {
		return len(g.Scheduler().Fired()) == len(bitrates)
	}, 5*time.Second, time.Millisecond)
	teardown(t, g)

	bitrate, _ := enc.Params().Int(stages.Bitrate)
	assert.Equal(t, 4096, bitrate)
	assert.Equal(t, 4, enc.Params().Sets(stages.Bitrate))
	assert.Equal(t, 0, g.Scheduler().Pending())
	mu.Lock()
	assert.Equal(t, []interface{}{2048, 8192, 1024, 4096}, values)
	mu.Unlock()
	for i, f := range g.Scheduler().Fired() {
		assert.NoError(t, f.Err)
		assert.Equal(t, steps[i].Offset, f.Offset)
		assert.GreaterOrEqual(t, f.Elapsed, f.Offset)
	}
}

// Frame size changes are observed by consumer exactly once each.
func TestFrameSizes(t *testing.T) {
	const timeUnit = 4 * time.Microsecond
	src := mock.NewSource("src")
	src.Limit, src.Interval, src.Size = 100000, time.Millisecond, 4
	src.Format = graph.MustParseFormat("video/x-raw,format=YUY2,width=1920,height=1080,framerate=25/1")
	filter := stages.NewCapsFilter("filter", src.Format)
	transform := mock.NewTransform("transform")
	sink := mock.NewSink("sink")
	sink.Discard = true

	g := newGraph()
	require.NoError(t, g.Add(src, filter, transform, sink))
	require.NoError(t, g.LinkMany("src", "filter", "transform", "sink"))

	descriptors := []string{
		"video/x-raw,format=YUY2, width=1600,height=1200,framerate=25/1",
		"video/x-raw,format=YUY2, width=1600,height=900,framerate=25/1",
		"video/x-raw,format=YUY2, width=1280,height=1024,framerate=25/1",
		"video/x-raw,format=YUY2, width=1280,height=720,framerate=25/1",
	}
	for i, d := range descriptors {
		require.NoError(t, g.Scheduler().Schedule(
			time.Duration((i+1)*5000)*timeUnit,
			"filter",
			graph.SetParameter(stages.Caps, d),
		))
	}

	require.NoError(t, g.SetState(context.Background(), graph.Playing))
	assert.Eventually(t, func() bool {
		return len(transform.Formats()) == len(descriptors)
	}, 5*time.Second, time.Millisecond)
	teardown(t, g)

	formats := transform.Formats()
	require.Len(t, formats, len(descriptors))
	for i, d := range descriptors {
		assert.Equal(t, graph.MustParseFormat(d), formats[i])
	}
	l, ok := g.InputLink("transform")
	require.True(t, ok)
	assert.Equal(t, formats, l.Formats())
}

// Timestamps attached at the source are recovered after the tee and the
// scaler, matched to the right unit.
func TestMetadataCorrelation(t *testing.T) {
	src := stages.NewTestSource("src")
	require.NoError(t, src.SetParameter(stages.NumBuffers, 100))
	infilter := stages.NewCapsFilter("infilter", graph.MustParseFormat("video/x-raw, format=NV12, width=1920, height=1080, framerate=25/1"))
	tee := graph.NewTee("tee")
	fakesink := stages.NewFakeSink("sink")
	vpp := stages.NewScaler("vpp")
	outfilter := stages.NewCapsFilter("outfilter", graph.MustParseFormat("video/x-raw, width=800, height=600, format=BGRA"))

	var (
		mu      sync.Mutex
		missing int
		stamps  = map[uint64]uint64{}
	)
	appsink := stages.NewAppSink("appsink", func(u *graph.Unit) error {
		mu.Lock()
		defer mu.Unlock()
		ts, ok := graph.Timestamp(u)
		if !ok {
			missing++
			return nil
		}
		stamps[u.Seq] = ts.Timestamp
		return nil
	})

	g := newGraph()
	require.NoError(t, g.Add(src, infilter, tee, fakesink, vpp, outfilter, appsink))
	require.NoError(t, g.LinkMany("src", "infilter", "tee"))
	require.NoError(t, g.Link("tee", "sink", graph.QueueCapacity(8), graph.QueueOverflow(graph.OverflowBlock)))
	require.NoError(t, g.Link("tee", "vpp", graph.QueueCapacity(8), graph.QueueOverflow(graph.OverflowBlock)))
	require.NoError(t, g.LinkMany("vpp", "outfilter", "appsink"))

	links := g.OutputLinks("src")
	require.Len(t, links, 1)
	probe := graph.NewTimestampProbe(graph.TimestampMetaKind)
	links[0].AddProbe(probe)

	require.NoError(t, g.Run(context.Background()))
	assert.Equal(t, uint64(100), probe.Last())
	count, last := fakesink.Count()
	assert.Equal(t, 100, count)
	assert.Equal(t, uint64(100), last)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, missing)
	require.Len(t, stamps, 100)
	for seq, ts := range stamps {
		assert.Equal(t, seq, ts)
	}
}

func TestMetadataAbsent(t *testing.T) {
	src := mock.NewSource("src")
	src.Limit = 5
	var (
		mu     sync.Mutex
		absent int
	)
	sink := stages.NewAppSink("appsink", func(u *graph.Unit) error {
		mu.Lock()
		defer mu.Unlock()
		if _, ok := graph.Timestamp(u); !ok {
			absent++
		}
		return nil
	})
	g := newGraph()
	require.NoError(t, g.Add(src, sink))
	require.NoError(t, g.Link("src", "appsink"))
	require.NoError(t, g.Run(context.Background()))
	mu.Lock()
	assert.Equal(t, 5, absent)
	mu.Unlock()
}

// Every branch of the tee receives the same units.
func TestTeeReplication(t *testing.T) {
	const (
		units    = 20
		branches = 3
	)
	src := mock.NewSource("src")
	src.Limit, src.Size = units, 2
	tee := graph.NewTee("tee")
	g := newGraph()
	require.NoError(t, g.Add(src, tee))
	require.NoError(t, g.Link("src", "tee"))
	var sinks []*mock.Sink
	for i := 0; i < branches; i++ {
		sink := mock.NewSink(string(rune('a' + i)))
		sinks = append(sinks, sink)
		require.NoError(t, g.Add(sink))
		require.NoError(t, g.Link("tee", sink.Name(), graph.QueueOverflow(graph.OverflowBlock)))
	}
	ports := []string{}
	for _, l := range g.OutputLinks("tee") {
		ports = append(ports, l.From().Name)
	}
	assert.Equal(t, []string{"src_0", "src_1", "src_2"}, ports)

	require.NoError(t, g.Run(context.Background()))
	first := sinks[0].Units()
	require.Len(t, first, units)
	for _, sink := range sinks[1:] {
		received := sink.Units()
		require.Len(t, received, units)
		for i := range received {
			assert.True(t, first[i] == received[i], "unit %d is not shared", i)
		}
	}
}

// Blocked branch doesn't stall its sibling.
func TestBranchIsolation(t *testing.T) {
	const units = 16
	tests := []struct {
		name     string
		options  []graph.LinkOption
		overflow graph.Overflow
	}{
		{
			name:     "default branch overflow",
			options:  []graph.LinkOption{graph.QueueCapacity(2)},
			overflow: graph.OverflowDropOldest,
		},
		{
			name:     "drop newest",
			options:  []graph.LinkOption{graph.QueueCapacity(2), graph.QueueOverflow(graph.OverflowDropNewest)},
			overflow: graph.OverflowDropNewest,
		},
		{
			name:     "drop oldest",
			options:  []graph.LinkOption{graph.QueueCapacity(2), graph.QueueOverflow(graph.OverflowDropOldest)},
			overflow: graph.OverflowDropOldest,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			src := mock.NewSource("src")
			src.Limit = units
			tee := graph.NewTee("tee")
			blocked := mock.NewSink("blocked")
			blocked.Block = make(chan struct{})
			healthy := mock.NewSink("healthy")

			g := newGraph()
			require.NoError(t, g.Add(src, tee, blocked, healthy))
			require.NoError(t, g.Link("src", "tee"))
			require.NoError(t, g.Link("tee", "blocked", test.options...))
			require.NoError(t, g.Link("tee", "healthy", graph.QueueOverflow(graph.OverflowBlock)))

			// blocked queue is full long before the healthy branch is done
			require.NoError(t, g.SetState(context.Background(), graph.Playing))
			assert.Eventually(t, func() bool {
				n, _ := healthy.Count()
				return n == units
			}, 5*time.Second, time.Millisecond)
			link := g.OutputLinks("tee")[0]
			assert.Equal(t, test.overflow, link.Overflow())
			assert.Equal(t, 2, link.Len())
			assert.Greater(t, link.Dropped(), uint64(0))

			close(blocked.Block)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := g.Bus().Pop(ctx, graph.MessageEOS)
			require.NoError(t, err)
			teardown(t, g)

			n, _ := blocked.Count()
			// every unit is either consumed or dropped
			assert.Equal(t, uint64(units), uint64(n)+link.Dropped())
		})
	}
}

// Metadata attached on one branch is not visible on its sibling.
func TestBranchMetadata(t *testing.T) {
	const units = 5
	src := mock.NewSource("src")
	src.Limit = units
	tee := graph.NewTee("tee")
	annotated := mock.NewSink("annotated")
	var (
		mu      sync.Mutex
		stamped int
	)
	plain := stages.NewAppSink("plain", func(u *graph.Unit) error {
		mu.Lock()
		defer mu.Unlock()
		if _, ok := graph.Timestamp(u); ok {
			stamped++
		}
		return nil
	})

	g := newGraph(graph.WithBranchOverflow(graph.OverflowBlock))
	require.NoError(t, g.Add(src, tee, annotated, plain))
	require.NoError(t, g.Link("src", "tee"))
	require.NoError(t, g.Link("tee", "annotated"))
	require.NoError(t, g.Link("tee", "plain"))
	g.OutputLinks("tee")[0].AddProbe(graph.NewTimestampProbe("branch"))

	require.NoError(t, g.Run(context.Background()))
	received := annotated.Units()
	require.Len(t, received, units)
	for i, u := range received {
		ts, ok := graph.Timestamp(u)
		require.True(t, ok)
		assert.Equal(t, uint64(i+1), ts.Timestamp)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, stamped)
}

func TestBranchError(t *testing.T) {
	const units = 10
	tests := []struct {
		name    string
		policy  graph.ErrorPolicy
		healthy int
	}{
		{
			name:    "drain branches",
			policy:  graph.DrainBranches,
			healthy: units,
		},
		{
			name:   "stop on first error",
			policy: graph.StopOnFirstError,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			src := mock.NewSource("src")
			src.Limit, src.Interval = units, time.Millisecond
			tee := graph.NewTee("tee")
			failing := mock.NewSink("failing")
			failing.ErrorOnCall, failing.ErrorAfter = mockError, 2
			healthy := mock.NewSink("healthy")

			g := newGraph(graph.WithErrorPolicy(test.policy))
			require.NoError(t, g.Add(src, tee, failing, healthy))
			require.NoError(t, g.Link("src", "tee"))
			require.NoError(t, g.Link("tee", "failing"))
			require.NoError(t, g.Link("tee", "healthy", graph.QueueOverflow(graph.OverflowBlock)))

			err := g.Run(context.Background())
			require.Error(t, err)
			var bErr *graph.BranchError
			require.True(t, errors.As(err, &bErr))
			assert.Equal(t, "failing", bErr.Stage)
			assert.True(t, errors.Is(err, mockError))
			assert.Equal(t, graph.Null, g.State())
			assert.Equal(t, graph.Null, failing.State())

			n, _ := failing.Count()
			assert.Equal(t, 2, n)
			if test.healthy > 0 {
				n, _ = healthy.Count()
				assert.Equal(t, test.healthy, n)
			}
		})
	}
}

func TestRenegotiationError(t *testing.T) {
	src := mock.NewSource("src")
	src.Limit, src.Interval = 100000, time.Millisecond
	src.Format = graph.MustParseFormat("video/x-raw,format=YUY2,width=1920,height=1080")
	filter := stages.NewCapsFilter("filter", src.Format)
	enc := stages.NewEncoder("enc")
	sink := mock.NewSink("sink")
	sink.Discard = true

	g := newGraph()
	require.NoError(t, g.Add(src, filter, enc, sink))
	require.NoError(t, g.LinkMany("src", "filter", "enc", "sink"))
	require.NoError(t, g.Scheduler().Schedule(5*time.Millisecond, "filter", graph.SetParameter(stages.Caps, "audio/x-raw,rate=48000")))

	err := g.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrNotNegotiated), "unexpected error: %v", err)
	var bErr *graph.BranchError
	require.True(t, errors.As(err, &bErr))
	assert.Equal(t, "filter", bErr.Stage)
}

// Caps rejected by a single branch only close that branch.
func TestBranchRenegotiation(t *testing.T) {
	const units = 30
	src := mock.NewSource("src")
	src.Limit, src.Interval = units, time.Millisecond
	src.Format = graph.MustParseFormat("video/x-raw,format=YUY2,width=1920,height=1080")
	filter := stages.NewCapsFilter("filter", src.Format)
	tee := graph.NewTee("tee")
	healthy := mock.NewSink("healthy")
	enc := stages.NewEncoder("enc")
	encoded := mock.NewSink("encoded")

	g := newGraph(graph.WithErrorPolicy(graph.DrainBranches), graph.WithBranchOverflow(graph.OverflowBlock))
	require.NoError(t, g.Add(src, filter, tee, healthy, enc, encoded))
	require.NoError(t, g.LinkMany("src", "filter", "tee", "healthy"))
	require.NoError(t, g.Link("tee", "enc"))
	require.NoError(t, g.Link("enc", "encoded"))
	require.NoError(t, g.Scheduler().Schedule(5*time.Millisecond, "filter", graph.SetParameter(stages.Caps, "audio/x-raw,rate=48000")))

	err := g.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrNotNegotiated), "unexpected error: %v", err)
	var bErr *graph.BranchError
	require.True(t, errors.As(err, &bErr))
	assert.Equal(t, "enc", bErr.Stage)

	n, _ := healthy.Count()
	assert.Equal(t, units, n)
	n, _ = encoded.Count()
	assert.Less(t, n, units)
}

func TestScheduledActionMiss(t *testing.T) {
	src := mock.NewSource("src")
	src.Limit, src.Interval = 100000, time.Millisecond
	sink := mock.NewSink("sink")
	sink.Discard = true
	g := newGraph()
	require.NoError(t, g.Add(src, sink))
	require.NoError(t, g.Link("src", "sink"))

	ctx := context.Background()
	require.NoError(t, g.SetState(ctx, graph.Playing))
	require.NoError(t, g.SetState(ctx, graph.Paused))
	require.NoError(t, g.Scheduler().Schedule(0, "sink", graph.SetParameter("silent", true)))

	popCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	m, err := g.Bus().Pop(popCtx, graph.MessageWarning)
	require.NoError(t, err)
	assert.Equal(t, "sink", m.Source)
	assert.True(t, errors.Is(m.Err, graph.ErrScheduledActionMiss))
	_, ok := sink.Parameter("silent")
	assert.False(t, ok)
	teardown(t, g)

	assert.Error(t, g.Scheduler().Schedule(0, "unknown", graph.SetParameter("silent", true)))
}
