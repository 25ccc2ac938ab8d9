/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package termagg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddConcatenatesWithinWindow(t *testing.T) {
	a := New(50 * time.Millisecond)
	a.Add(100, []byte("hello "))
	a.Add(100, []byte("world"))

	require.Empty(t, a.Flush(), "expected no flush before the window elapses")

	time.Sleep(60 * time.Millisecond)
	got := a.Flush()
	require.Len(t, got, 1)
	require.Equal(t, "hello world", string(got[0].TerminalData))
	require.Equal(t, len("hello world"), got[0].DataLen)
}

func TestFlushRemovesBucket(t *testing.T) {
	a := New(10 * time.Millisecond)
	a.Add(1, []byte("x"))
	time.Sleep(20 * time.Millisecond)

	require.Len(t, a.Flush(), 1)
	require.Equal(t, 0, a.Pending())
	require.Empty(t, a.Flush())
}

func TestAddIgnoresEmptyData(t *testing.T) {
	a := New(time.Millisecond)
	a.Add(1, nil)
	require.Equal(t, 0, a.Pending())
}

func TestIndependentPTMsTrackSeparately(t *testing.T) {
	a := New(10 * time.Millisecond)
	a.Add(1, []byte("a"))
	time.Sleep(15 * time.Millisecond)
	a.Add(2, []byte("b"))

	got := a.Flush()
	require.Len(t, got, 1)
	require.Equal(t, int32(1), got[0].PtmPID)
	require.Equal(t, 1, a.Pending())
}
