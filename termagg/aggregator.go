/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package termagg collapses the high-rate stream of per-read terminal_update
// events the kernel side emits into a smaller number of coalesced events:
// data arriving for the same ptm pid within a short window is concatenated
// and held until the window elapses, rather than forwarded on every read.
//
// Ported from terminal_aggregator.h.
package termagg

import (
	"sync"
	"time"

	"github.com/sshlog/agent/kernel"
)

// DefaultMaxAge is the window terminal_aggregator.h was constructed with in
// the original agent.
const DefaultMaxAge = 200 * time.Millisecond

type bucket struct {
	ptmPID  int32
	data    []byte
	inserted time.Time
}

// Aggregator buffers terminal data per ptm pid and releases a bucket once
// at least MaxAge has passed since its first Add; later Adds to the same
// bucket do not reset that age. Flush is driven by the caller's poll loop,
// not by a timer internal to the Aggregator.
type Aggregator struct {
	maxAge time.Duration

	mtx     sync.Mutex
	buckets map[int32]*bucket
}

// New returns an Aggregator that holds data for maxAge before Flush
// releases it.
func New(maxAge time.Duration) *Aggregator {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Aggregator{
		maxAge:  maxAge,
		buckets: make(map[int32]*bucket),
	}
}

// Add appends data to ptmPID's bucket, starting a new bucket (and its age
// clock) if none exists yet.
func (a *Aggregator) Add(ptmPID int32, data []byte) {
	if len(data) == 0 {
		return
	}
	a.mtx.Lock()
	defer a.mtx.Unlock()

	b, ok := a.buckets[ptmPID]
	if !ok {
		b = &bucket{ptmPID: ptmPID, inserted: time.Now()}
		a.buckets[ptmPID] = b
	}
	b.data = append(b.data, data...)
}

// Flush returns a terminal-update RawEvent for every bucket at least maxAge
// old and removes those buckets; buckets younger than maxAge are left in
// place to keep accumulating.
func (a *Aggregator) Flush() []kernel.RawEvent {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	now := time.Now()
	var out []kernel.RawEvent
	for ptmPID, b := range a.buckets {
		if now.Sub(b.inserted) < a.maxAge {
			continue
		}
		out = append(out, kernel.RawEvent{
			Type:         kernel.EventTerminalUpdate,
			PtmPID:       ptmPID,
			TerminalData: b.data,
			DataLen:      len(b.data),
		})
		delete(a.buckets, ptmPID)
	}
	return out
}

// Pending reports how many ptm pids currently have buffered, unflushed data.
func (a *Aggregator) Pending() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return len(a.buckets)
}
