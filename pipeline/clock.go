/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package pipeline

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	nanosInMilli          = int64(time.Millisecond)
	secondsBetweenRecompute = 10
)

// bootClock converts the boottime nanosecond timestamps the kernel side
// stamps every event with into wall-clock milliseconds, caching the
// monotonic/realtime offset and only recomputing it periodically.
//
// CLOCK_MONOTONIC excludes suspend time, so after the host sleeps and
// wakes the cached offset drifts; recomputing every ~10s bounds how far
// the drift can get before the next event correction, the same tradeoff
// event_serializer.cpp's compute_boottime_diff_from_realtime makes.
type bootClock struct {
	mtx sync.Mutex

	haveOffset     bool
	offsetMillis   int64
	highestBoottime int64

	now func() (monotonicNanos, realtimeNanos int64, err error)
}

func newBootClock() *bootClock {
	return &bootClock{now: gettimeofday}
}

func gettimeofday() (int64, int64, error) {
	var mono, real unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &mono); err != nil {
		return 0, 0, err
	}
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &real); err != nil {
		return 0, 0, err
	}
	return mono.Nano(), real.Nano(), nil
}

// ToWallMillis converts a boottime-nanosecond timestamp from the kernel
// side into wall-clock milliseconds. A zero input passes through as zero,
// matching the original's "no session yet" sentinel handling.
func (c *bootClock) ToWallMillis(boottimeNanos uint64) uint64 {
	if boottimeNanos == 0 {
		return 0
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	bt := int64(boottimeNanos)
	secDiff := (bt - c.highestBoottime) / int64(time.Second)
	if !c.haveOffset || secDiff >= secondsBetweenRecompute {
		mono, real, err := c.now()
		if err == nil {
			c.offsetMillis = (real - mono) / nanosInMilli
			c.haveOffset = true
		}
		if bt > c.highestBoottime {
			c.highestBoottime = bt
		}
	}

	return uint64(bt/nanosInMilli + c.offsetMillis)
}
