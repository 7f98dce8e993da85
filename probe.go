package graph

import (
	"sync"
	"time"
)

// ProbeReturn tells the link what to do with the unit after probe is
// executed.
type ProbeReturn int

const (
	// ProbePass delivers the unit.
	ProbePass ProbeReturn = iota
	// ProbeDrop drops the unit. Following probes are not executed.
	ProbeDrop
	// ProbeRemove delivers the unit and removes the probe.
	ProbeRemove
)

type (
	// Probe is executed for every unit entering the link, before the
	// consumer receives it. It runs in the producer goroutine.
	Probe interface {
		OnUnit(*Unit) ProbeReturn
	}

	// ProbeFunc allows to use function as a probe.
	ProbeFunc func(*Unit) ProbeReturn

	// ProbeID identifies probe within the link.
	ProbeID uint64

	probeEntry struct {
		id    ProbeID
		probe Probe
	}
)

// OnUnit calls the function.
func (fn ProbeFunc) OnUnit(u *Unit) ProbeReturn {
	return fn(u)
}

// AddProbe installs the probe. Probes are executed in order of
// installation.
func (l *Link) AddProbe(p Probe) ProbeID {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.probeID++
	l.probes = append(l.probes, probeEntry{id: l.probeID, probe: p})
	return l.probeID
}

// RemoveProbe uninstalls the probe. False is returned if probe is not
// installed.
func (l *Link) RemoveProbe(id ProbeID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.probes {
		if l.probes[i].id == id {
			l.probes = append(l.probes[:i:i], l.probes[i+1:]...)
			return true
		}
	}
	return false
}

// probe executes installed probes. Returned unit must be sent instead of
// provided one. False is returned if unit must be dropped.
func (l *Link) probe(u *Unit) (*Unit, bool) {
	l.mu.Lock()
	probes := l.probes
	l.mu.Unlock()
	if len(probes) == 0 {
		return u, true
	}
	if l.shared {
		u = u.fork()
	}

	for _, p := range probes {
		switch p.probe.OnUnit(u) {
		case ProbeDrop:
			return u, false
		case ProbeRemove:
			l.RemoveProbe(p.id)
		}
	}
	return u, true
}

// TimestampProbe attaches ReferenceTimestamp metadata to every unit.
// Timestamps are logical and start from 1.
type TimestampProbe struct {
	Reference string
	Duration  time.Duration
	// OnAttach is called with every attached timestamp.
	OnAttach func(*Unit, ReferenceTimestamp)

	mu   sync.Mutex
	last uint64
}

// NewTimestampProbe returns new probe with provided reference name.
func NewTimestampProbe(reference string) *TimestampProbe {
	return &TimestampProbe{Reference: reference}
}

// OnUnit attaches the next timestamp. Units that already carry a
// timestamp are passed unchanged and don't consume a value.
func (p *TimestampProbe) OnUnit(u *Unit) ProbeReturn {
	p.mu.Lock()
	ts := ReferenceTimestamp{
		Reference: p.Reference,
		Timestamp: p.last + 1,
		Duration:  p.Duration,
	}
	if err := u.Attach(TimestampMetaKind, ts); err != nil {
		p.mu.Unlock()
		return ProbePass
	}
	p.last = ts.Timestamp
	p.mu.Unlock()

	if p.OnAttach != nil {
		p.OnAttach(u, ts)
	}
	return ProbePass
}

// Last returns the last attached timestamp value.
func (p *TimestampProbe) Last() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
