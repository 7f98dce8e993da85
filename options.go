package graph

import "github.com/sirupsen/logrus"

// ErrorPolicy defines how the controlling loop reacts on branch errors.
type ErrorPolicy int

const (
	// StopOnFirstError tears the graph down on the first branch error.
	StopOnFirstError ErrorPolicy = iota
	// DrainBranches lets healthy branches finish. Errors are collected
	// and returned when the graph reaches the end of stream.
	DrainBranches
)

func (p ErrorPolicy) String() string {
	switch p {
	case StopOnFirstError:
		return "stop"
	case DrainBranches:
		return "drain"
	}
	return "unknown"
}

// Option configures the graph.
type Option func(*Graph)

// WithLogger sets the graph logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(g *Graph) {
		g.log = l
	}
}

// WithErrorPolicy sets the branch error policy.
func WithErrorPolicy(p ErrorPolicy) Option {
	return func(g *Graph) {
		g.policy = p
	}
}

// WithQueue sets default queue of all links. Overflow applies to links
// of non-tee producers, see WithBranchOverflow. Both can be overridden per
// link with LinkOption.
func WithQueue(capacity int, overflow Overflow) Option {
	return func(g *Graph) {
		if capacity > 0 {
			g.capacity = capacity
		}
		g.overflow = overflow
	}
}

// WithBranchOverflow sets default overflow policy of tee outputs. It's
// OverflowDropOldest by default, so a full branch never stalls its
// siblings. OverflowBlock makes branches lossless, but then the slowest
// branch limits the throughput of all of them.
func WithBranchOverflow(overflow Overflow) Option {
	return func(g *Graph) {
		g.branchOverflow = overflow
	}
}

// WithBusLimit sets the maximum number of queued bus messages. See Bus
// for eviction order.
func WithBusLimit(n int) Option {
	return func(g *Graph) {
		if n > 0 {
			g.busLimit = n
		}
	}
}
