package graph

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"pipelined.dev/graph/metric"
)

const (
	// SinkPort is the name of the consumer port.
	SinkPort = "sink"
	// SrcPort is the name of the producer port. Tee ports are named
	// src_0, src_1 and so on.
	SrcPort = "src"

	// DefaultQueueCapacity is the default capacity of link queue.
	DefaultQueueCapacity = 4
)

// Port identifies the stage port.
type Port struct {
	Stage string
	Name  string
}

func (p Port) String() string {
	return p.Stage + "." + p.Name
}

// Overflow defines what happens if producer sends into a full link.
type Overflow int

const (
	// OverflowBlock blocks the producer until the consumer receives.
	OverflowBlock Overflow = iota
	// OverflowDropOldest drops the oldest queued unit.
	OverflowDropOldest
	// OverflowDropNewest drops the unit being sent.
	OverflowDropNewest
)

func (o Overflow) String() string {
	switch o {
	case OverflowBlock:
		return "block"
	case OverflowDropOldest:
		return "drop-oldest"
	case OverflowDropNewest:
		return "drop-newest"
	}
	return "unknown"
}

// LinkOption configures the link.
type LinkOption func(*Link)

// QueueCapacity sets the capacity of link queue.
func QueueCapacity(n int) LinkOption {
	return func(l *Link) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// QueueOverflow sets the overflow policy of link queue.
func QueueOverflow(o Overflow) LinkOption {
	return func(l *Link) {
		l.overflow = o
	}
}

// Link connects producer port with consumer port. Units are delivered
// through the bounded queue.
type Link struct {
	id       string
	from, to Port
	producer Stage
	consumer Stage
	capacity int
	overflow Overflow
	log      logrus.FieldLogger
	drop     metric.DropFunc
	dropped  uint64
	// shared is true if producer sends the same unit into several links.
	shared bool

	mu      sync.Mutex
	format  Format
	history []Format
	probes  []probeEntry
	probeID ProbeID

	// channels are recreated for every run.
	units     chan *Unit
	gone      chan struct{}
	closeOnce *sync.Once
	goneOnce  *sync.Once
}

func newLink(producer, consumer Stage, from, to Port, format Format, log logrus.FieldLogger, opts ...LinkOption) *Link {
	l := &Link{
		id:       xid.New().String(),
		from:     from,
		to:       to,
		producer: producer,
		consumer: consumer,
		capacity: DefaultQueueCapacity,
		format:   format,
	}
	if producer != nil && producer.Kind() == KindTee {
		l.shared = true
	}
	for _, option := range opts {
		option(l)
	}
	l.log = log.WithField("link", l.String())
	l.drop = metric.Dropper(l)
	l.reset()
	return l
}

// ID returns unique link id.
func (l *Link) ID() string {
	return l.id
}

// From returns producer port.
func (l *Link) From() Port {
	return l.from
}

// To returns consumer port.
func (l *Link) To() Port {
	return l.to
}

// Capacity returns queue capacity.
func (l *Link) Capacity() int {
	return l.capacity
}

// Overflow returns queue overflow policy.
func (l *Link) Overflow() Overflow {
	return l.overflow
}

// Dropped returns number of units dropped by the overflow policy.
func (l *Link) Dropped() uint64 {
	return atomic.LoadUint64(&l.dropped)
}

// Format returns currently negotiated format.
func (l *Link) Format() Format {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.format
}

// Formats returns formats negotiated after the link was bound, in order.
func (l *Link) Formats() []Format {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Format(nil), l.history...)
}

// Len returns number of queued units.
func (l *Link) Len() int {
	return len(l.units)
}

func (l *Link) String() string {
	return fmt.Sprintf("%v->%v", l.from, l.to)
}

// reset prepares the link for a new run.
func (l *Link) reset() {
	l.units = make(chan *Unit, l.capacity)
	l.gone = make(chan struct{})
	l.closeOnce = &sync.Once{}
	l.goneOnce = &sync.Once{}
}

// send delivers the unit to the consumer. False is returned if consumer
// is gone or context is done. Probes are executed before the unit is
// queued.
func (l *Link) send(ctx context.Context, u *Unit) (bool, error) {
	select {
	case <-l.gone:
		return false, nil
	default:
	}
	if err := l.negotiate(u.Format); err != nil {
		return false, err
	}
	u, pass := l.probe(u)
	if !pass {
		return true, nil
	}

	switch l.overflow {
	case OverflowDropNewest:
		select {
		case l.units <- u:
		default:
			l.dropUnit(u)
		}
		return true, nil
	case OverflowDropOldest:
		for {
			select {
			case l.units <- u:
				return true, nil
			default:
			}
			select {
			case old := <-l.units:
				l.dropUnit(old)
			default:
			}
		}
	}

	select {
	case l.units <- u:
		return true, nil
	case <-l.gone:
		return false, nil
	case <-ctx.Done():
		return false, nil
	}
}

// receive returns the next unit. False is returned if link is closed
// and drained, or context is done.
func (l *Link) receive(ctx context.Context) (*Unit, bool) {
	select {
	case u, ok := <-l.units:
		return u, ok
	case <-ctx.Done():
		return nil, false
	}
}

// close is called by producer when it's done.
func (l *Link) close() {
	l.closeOnce.Do(func() {
		close(l.units)
	})
}

// abandon is called by consumer when it's done. Producer skips the link
// afterwards.
func (l *Link) abandon() {
	l.goneOnce.Do(func() {
		close(l.gone)
	})
}

func (l *Link) isGone() bool {
	select {
	case <-l.gone:
		return true
	default:
		return false
	}
}

// negotiate checks if consumer accepts new format. Units of any format
// keep the current one.
func (l *Link) negotiate(f Format) error {
	if f.IsAny() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if f.Equal(l.format) {
		return nil
	}
	if n, ok := l.consumer.(Negotiator); ok {
		if _, ok := n.Caps(Input).Intersect(f); !ok {
			return fmt.Errorf("link %v: %v: %w", l, f, ErrNotNegotiated)
		}
	}
	l.log.WithField("format", f.String()).Debug("format renegotiated")
	l.format = f
	l.history = append(l.history, f)
	return nil
}

func (l *Link) dropUnit(u *Unit) {
	atomic.AddUint64(&l.dropped, 1)
	l.drop()
	l.log.WithField("seq", u.Seq).Debug("unit dropped")
}
