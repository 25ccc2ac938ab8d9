/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueuePreservesOrder(t *testing.T) {
	q := newQueue()
	defer q.Close()

	q.Push([]byte("a"))
	q.Push([]byte("b"))
	q.Push([]byte("c"))

	for _, want := range []string{"a", "b", "c"} {
		select {
		case got := <-q.Out():
			require.Equal(t, want, string(got))
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for queued value")
		}
	}
}

func TestQueueCloseDrainsThenClosesOut(t *testing.T) {
	q := newQueue()
	q.Push([]byte("only"))
	q.Close()

	select {
	case got, ok := <-q.Out():
		require.True(t, ok, "expected the buffered value before the channel closes")
		require.Equal(t, "only", string(got))
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	select {
	case _, ok := <-q.Out():
		require.False(t, ok, "expected Out to be closed after draining")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Out to close")
	}
}
