// Package mutable provides the parameter table of graph stages.
//
// Stages are executed in their own goroutines while parameters are changed
// by schedulers and users from other goroutines. Every value is replaced as
// a whole under the table lock, so a reader always observes either the old
// or the new value of a parameter, never a partially written one.
package mutable

import (
	"fmt"
	"sort"
	"sync"
)

type (
	// Params is a set of named parameter values. The zero value is ready
	// to use.
	Params struct {
		mu     sync.RWMutex
		values map[string]interface{}
		sets   map[string]int
		notify []NotifyFunc
	}

	// NotifyFunc is called after a parameter value was replaced. It's
	// executed outside of the table lock.
	NotifyFunc func(name string, old, new interface{})

	// UpdateFunc computes a new value from the current one. ok is false if
	// parameter had no value.
	UpdateFunc func(old interface{}, ok bool) (interface{}, error)
)

// NewParams returns params initialized with defaults. Defaults are not
// counted as sets.
func NewParams(defaults map[string]interface{}) *Params {
	p := &Params{
		values: make(map[string]interface{}, len(defaults)),
		sets:   make(map[string]int),
	}
	for k, v := range defaults {
		p.values[k] = v
	}
	return p
}

// Notify registers a function that will be called on every set.
func (p *Params) Notify(fn NotifyFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notify = append(p.notify, fn)
}

// Set replaces the parameter value and returns the previous one.
func (p *Params) Set(name string, value interface{}) interface{} {
	p.mu.Lock()
	p.init()
	old := p.values[name]
	p.values[name] = value
	p.sets[name]++
	notify := p.notify
	p.mu.Unlock()

	for _, fn := range notify {
		fn(name, old, value)
	}
	return old
}

// Update atomically replaces the parameter with the value computed by fn.
// If fn returns error, the value is not changed.
func (p *Params) Update(name string, fn UpdateFunc) error {
	p.mu.Lock()
	p.init()
	old, ok := p.values[name]
	value, err := fn(old, ok)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("update %s: %w", name, err)
	}
	p.values[name] = value
	p.sets[name]++
	notify := p.notify
	p.mu.Unlock()

	for _, n := range notify {
		n(name, old, value)
	}
	return nil
}

// Get returns parameter value.
func (p *Params) Get(name string) (interface{}, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[name]
	return v, ok
}

// Int returns parameter value as int. False is returned if parameter is
// missing or not an integer.
func (p *Params) Int(name string) (int, bool) {
	v, ok := p.Get(name)
	if !ok {
		return 0, false
	}
	switch i := v.(type) {
	case int:
		return i, true
	case int32:
		return int(i), true
	case int64:
		return int(i), true
	case uint:
		return int(i), true
	case uint32:
		return int(i), true
	case uint64:
		return int(i), true
	}
	return 0, false
}

// String returns parameter value as string.
func (p *Params) String(name string) (string, bool) {
	v, ok := p.Get(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Sets returns how many times parameter was set.
func (p *Params) Sets(name string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sets[name]
}

// Names returns sorted parameter names.
func (p *Params) Names() []string {
	p.mu.RLock()
	names := make([]string, 0, len(p.values))
	for k := range p.values {
		names = append(names, k)
	}
	p.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Snapshot returns a copy of all values.
func (p *Params) Snapshot() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m := make(map[string]interface{}, len(p.values))
	for k, v := range p.values {
		m[k] = v
	}
	return m
}

// init must be called under write lock.
func (p *Params) init() {
	if p.values == nil {
		p.values = make(map[string]interface{})
	}
	if p.sets == nil {
		p.sets = make(map[string]int)
	}
}
