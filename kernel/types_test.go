/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// The BPF program enforces RateLimitMaxBytesPerSecond itself, splitting it
// into TimeIntervalsPerSecond per-connection buckets (see
// original_source/libsshlog/bpf/sshtrace.bpf.c's quarter-second rate-limit
// branch); there's no Go-side limiter in production. This test builds a
// golang.org/x/time/rate.Limiter configured with the same per-bucket budget,
// grounded on throttle.go's rate.NewLimiter(rate.Limit(bps), burst) shape,
// as a model to check the budget constants actually divide evenly and
// behave the way the kernel program's bucket accounting assumes.

func perBucketBudget() int {
	return RateLimitMaxBytesPerSecond / TimeIntervalsPerSecond
}

func TestRateLimitBudgetDividesEvenlyAcrossBuckets(t *testing.T) {
	require.Equal(t, 0, RateLimitMaxBytesPerSecond%TimeIntervalsPerSecond,
		"quarter-second buckets must split the per-second budget evenly")
	require.Equal(t, 256000, perBucketBudget())
}

func TestRateLimitModelAllowsExactlyTheBudgetPerBucket(t *testing.T) {
	budget := perBucketBudget()
	lim := rate.NewLimiter(rate.Limit(RateLimitMaxBytesPerSecond), budget)

	now := time.Now()
	require.True(t, lim.AllowN(now, budget), "the first bucket's worth of bytes must be allowed")
	require.False(t, lim.AllowN(now, 1), "one more byte within the same instant must be denied")
}

func TestRateLimitNoticeFitsTerminalReadBuffer(t *testing.T) {
	// RateLimitNotice is written into a fixed terminal_data buffer by the
	// BPF program; it must comfortably fit a single ConnectionReadBufferBytes
	// chunk with room to spare for real terminal output sharing the bucket.
	require.Less(t, len(RateLimitNotice), ConnectionReadBufferBytes)
}
