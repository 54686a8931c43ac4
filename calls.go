// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package desklink

import (
	"sync"
	"time"
)

// A result is the settled outcome of an outbound call.
type result struct {
	value any
	err   error
}

// A pending records an outbound call awaiting its completion. Its channel
// is buffered so that settling never blocks, and receives exactly one result.
type pending struct {
	id    uint64
	name  string
	start time.Time
	ch    chan result
}

func (p *pending) deliver(r result) { p.ch <- r }

// callRegistry correlates outbound calls with their completions.
//
// Ids are issued from 1 in increasing order for the life of the registry and
// are never reused, even when no calls are pending, so a completion for an
// abandoned call cannot be mistaken for a later one.
type callRegistry struct {
	μ     sync.Mutex
	last  uint64
	calls map[uint64]*pending
}

// add registers a new pending call and returns it.
func (c *callRegistry) add(name string, now time.Time) *pending {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.calls == nil {
		c.calls = make(map[uint64]*pending)
	}
	c.last++
	p := &pending{id: c.last, name: name, start: now, ch: make(chan result, 1)}
	c.calls[p.id] = p
	return p
}

// settle delivers r to the pending call with the given id and removes it.
// It reports false if no such call is pending.
func (c *callRegistry) settle(id uint64, r result) (*pending, bool) {
	c.μ.Lock()
	p, ok := c.calls[id]
	delete(c.calls, id)
	c.μ.Unlock()
	if !ok {
		return nil, false
	}
	if ce, ok := r.err.(*CallError); ok {
		ce.Name, ce.ID = p.name, p.id
	}
	p.deliver(r)
	return p, true
}

// release discards the pending call with the given id, if any, without
// delivering a result.
func (c *callRegistry) release(id uint64) {
	c.μ.Lock()
	defer c.μ.Unlock()
	delete(c.calls, id)
}

// takeAll removes every pending call and returns them, so that a caller
// holding another lock can detach the current set before failing it.
func (c *callRegistry) takeAll() []*pending {
	c.μ.Lock()
	defer c.μ.Unlock()
	calls := make([]*pending, 0, len(c.calls))
	for _, p := range c.calls {
		calls = append(calls, p)
	}
	c.calls = nil
	return calls
}

// failCalls settles each of calls with err, and reports how many there were.
func failCalls(calls []*pending, err error) int {
	for _, p := range calls {
		p.deliver(result{err: &CallError{Name: p.name, ID: p.id, Err: err}})
	}
	return len(calls)
}

// len reports the number of calls currently pending.
func (c *callRegistry) len() int {
	c.μ.Lock()
	defer c.μ.Unlock()
	return len(c.calls)
}
