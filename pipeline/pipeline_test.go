/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sshlog/agent/kernel"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	events chan kernel.RawEvent
	errs   chan error
	store  *fakeStore
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events: make(chan kernel.RawEvent, 8),
		errs:   make(chan error, 8),
		store:  newFakeStore(),
	}
}

func (f *fakeSource) Events() <-chan kernel.RawEvent       { return f.events }
func (f *fakeSource) Errors() <-chan error                 { return f.errs }
func (f *fakeSource) Connections() kernel.ConnectionStore { return f.store }

type fakeStore struct {
	mtx   sync.Mutex
	byPID map[int32]kernel.Connection
}

func newFakeStore() *fakeStore {
	return &fakeStore{byPID: make(map[int32]kernel.Connection)}
}

func (s *fakeStore) Get(ptmTgid int32) (kernel.Connection, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	c, ok := s.byPID[ptmTgid]
	if !ok {
		return kernel.Connection{}, errNotFound
	}
	return c, nil
}

func (s *fakeStore) OverlayPTSInfo(ptmTgid, ptsTgid, shellTgid, ttyID int32, userID int32, username string, fds [3]int32) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	c, ok := s.byPID[ptmTgid]
	if !ok {
		return errNotFound
	}
	c.PtsTgid, c.ShellTgid, c.TTYID, c.UserID, c.Username, c.PtsFD = ptsTgid, shellTgid, ttyID, userID, username, fds
	s.byPID[ptmTgid] = c
	return nil
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

const errNotFound = simpleErr("not found")

func TestDispatchConnectionEventReachesPoll(t *testing.T) {
	src := newFakeSource()
	p := New(src, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Run(ctx)
	defer p.Close()

	src.events <- kernel.RawEvent{
		Type:   kernel.EventNewConnection,
		PtmPID: 100,
		Conn:   kernel.NewConnection(100),
	}

	line, ok := p.Poll(time.Second)
	require.True(t, ok, "expected an event within the deadline")
	var out ConnectionEvent
	require.NoError(t, json.Unmarshal([]byte(line), &out))
	require.Equal(t, "connection_new", out.EventType)
	require.Equal(t, int32(100), out.PtmPID)
}

func TestPollTimesOutWithNoEvents(t *testing.T) {
	src := newFakeSource()
	p := New(src, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Run(ctx)
	defer p.Close()

	_, ok := p.Poll(20 * time.Millisecond)
	require.False(t, ok, "expected timeout with no queued events")
}

func TestPollNonBlockingProbe(t *testing.T) {
	src := newFakeSource()
	p := New(src, nil, nil)
	_, ok := p.Poll(0)
	require.False(t, ok, "expected an immediate false with nothing queued and Run never called")
}

func TestBashClonedOverlaysAndEmitsEstablished(t *testing.T) {
	src := newFakeSource()
	src.store.byPID[200] = kernel.NewConnection(200)
	p := New(src, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Run(ctx)
	defer p.Close()

	src.events <- kernel.RawEvent{
		Type:     kernel.EventBashCloned,
		PtmPID:   200,
		PtsPID:   201,
		ShellPID: 202,
	}

	line, ok := p.Poll(time.Second)
	require.True(t, ok, "expected an established-connection event")
	var out ConnectionEvent
	require.NoError(t, json.Unmarshal([]byte(line), &out))
	require.Equal(t, "connection_established", out.EventType)
	require.Equal(t, int32(201), out.PtsPID)
	require.Equal(t, int32(202), out.ShellPID)
}

func TestBashClonedForUnknownConnectionIsDropped(t *testing.T) {
	src := newFakeSource()
	p := New(src, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Run(ctx)
	defer p.Close()

	src.events <- kernel.RawEvent{Type: kernel.EventBashCloned, PtmPID: 999, PtsPID: 1, ShellPID: 2}

	_, ok := p.Poll(50 * time.Millisecond)
	require.False(t, ok, "expected no event for an unknown ptm_pid")
}

func TestSeedEmitsNewThenEstablished(t *testing.T) {
	src := newFakeSource()
	p := New(src, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Run(ctx)
	defer p.Close()

	p.Seed(kernel.NewConnection(77))

	first, ok := p.Poll(time.Second)
	require.True(t, ok, "expected first seeded event")
	second, ok := p.Poll(time.Second)
	require.True(t, ok, "expected second seeded event")

	var a, b ConnectionEvent
	require.NoError(t, json.Unmarshal([]byte(first), &a))
	require.NoError(t, json.Unmarshal([]byte(second), &b))
	require.Equal(t, "connection_new", a.EventType)
	require.Equal(t, "connection_established", b.EventType)
	require.Equal(t, int32(77), a.PtmPID)
	require.Equal(t, int32(77), b.PtmPID)
}
