/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package pipeline is the agent's ingest goroutine: it fans in raw events
// from the kernel loader and the failed-login watcher, dispatches each by
// EventType, and hands the serialized JSON line to a bounded queue that
// Poll drains. Threading shape (a single ingest goroutine, a die channel,
// a WaitGroup covering every worker) is adapted from ingest/muxer.go's
// eChan/dieChan/wg model, with the N-remote-destination fan-out collapsed
// to the single in-process consumer this agent actually has.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/sshlog/agent/kernel"
	"github.com/sshlog/agent/pipeline/log"
	"github.com/sshlog/agent/procinfo"
	"github.com/sshlog/agent/termagg"
)

// pollInterval is the ingest goroutine's event-channel read deadline,
// matching spec.md §4's "50 ms poll deadline" for the ingest thread.
const pollInterval = 50 * time.Millisecond

// EventSource is the subset of kernel.Loader the pipeline depends on,
// narrowed so pipeline can be unit tested against a fake loader.
type EventSource interface {
	Events() <-chan kernel.RawEvent
	Errors() <-chan error
	Connections() kernel.ConnectionStore
}

// AuthSource is the subset of authwatch.Watcher the pipeline depends on.
type AuthSource interface {
	Events() <-chan kernel.RawEvent
	Errors() <-chan error
}

// Pipeline owns the ingest goroutine, the terminal aggregator, and the
// output queue. Callers create one per agent instance and drive it with
// Run/Poll/Close.
type Pipeline struct {
	src  EventSource
	auth AuthSource
	lgr  *log.Logger

	serializer *serializer
	agg        *termagg.Aggregator
	q          *queue

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Pipeline. auth may be nil if the caller has no failed-login
// watcher wired (e.g. in environments without /var/log/btmp).
func New(src EventSource, auth AuthSource, lgr *log.Logger) *Pipeline {
	if lgr == nil {
		lgr = log.NewDiscardLogger()
	}
	return &Pipeline{
		src:        src,
		auth:       auth,
		lgr:        lgr,
		serializer: newSerializer(),
		agg:        termagg.New(termagg.DefaultMaxAge),
		q:          newQueue(),
	}
}

// Run starts the ingest goroutine(s). It returns immediately; call Close
// (or cancel the context passed in) to stop them.
func (p *Pipeline) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.ingestLoop(ctx)

	if p.auth != nil {
		p.wg.Add(1)
		go p.authLoop(ctx)
	}
}

// Close stops the ingest goroutines and waits for them to exit, then closes
// the output queue so any blocked Poll callers unblock with io.EOF-style
// closed-channel semantics.
func (p *Pipeline) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.q.Close()
	return nil
}

// Poll blocks up to timeout for the next serialized JSON event, matching
// spec.md §4's poll(timeout_ms) contract: a zero timeout is a non-blocking
// probe.
func (p *Pipeline) Poll(timeout time.Duration) (string, bool) {
	if timeout <= 0 {
		select {
		case v, ok := <-p.q.Out():
			if !ok {
				return "", false
			}
			return string(v), true
		default:
			return "", false
		}
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case v, ok := <-p.q.Out():
		if !ok {
			return "", false
		}
		return string(v), true
	case <-t.C:
		return "", false
	}
}

func (p *Pipeline) ingestLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-p.src.Errors():
			if !ok {
				continue
			}
			p.lgr.Warn("kernel loader error", log.KVErr(err))
		case ev, ok := <-p.src.Events():
			if !ok {
				return
			}
			p.dispatch(ev)
		case <-ticker.C:
			p.flushTerminal()
		}
	}
}

func (p *Pipeline) authLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-p.auth.Errors():
			if !ok {
				continue
			}
			p.lgr.Warn("authwatch error", log.KVErr(err))
		case ev, ok := <-p.auth.Events():
			if !ok {
				return
			}
			p.dispatch(ev)
		}
	}
}

func (p *Pipeline) dispatch(ev kernel.RawEvent) {
	switch ev.Type {
	case kernel.EventBashCloned:
		p.handleBashCloned(ev)
	case kernel.EventNewConnection, kernel.EventEstablishedConnection,
		kernel.EventCloseConnection, kernel.EventAuthFailedConnection:
		p.emitConnection(ev)
	case kernel.EventCommandStart, kernel.EventCommandEnd:
		p.emitCommand(ev)
	case kernel.EventTerminalUpdate:
		p.agg.Add(ev.PtmPID, ev.TerminalData)
	case kernel.EventFileUpload:
		p.emitFileUpload(ev)
	default:
		p.lgr.Debug("dropping unknown event type", log.KV("event_type", int(ev.Type)))
	}
}

// handleBashCloned runs procinfo against the freshly cloned shell's pts
// pid, overlays the result onto the tracked Connection, and synthesizes an
// ESTABLISHED_CONNECTION for the now-complete session -- per spec.md §4's
// ingest-thread description of the internal BASH_CLONED branch.
func (p *Pipeline) handleBashCloned(ev kernel.RawEvent) {
	info, err := procinfo.Lookup(ev.PtsPID)
	if err != nil {
		p.lgr.Debug("procinfo lookup failed for cloned shell", log.KV("pts_pid", ev.PtsPID), log.KVErr(err))
	}

	conns := p.src.Connections()
	conn, err := conns.Get(ev.PtmPID)
	if err != nil {
		p.lgr.Warn("bash_cloned for unknown connection, dropping", log.KV("ptm_pid", ev.PtmPID))
		return
	}

	if err := conns.OverlayPTSInfo(ev.PtmPID, ev.PtsPID, ev.ShellPID, info.TTYID, info.UserID, info.Username, info.PtsFD); err != nil {
		p.lgr.Warn("failed to overlay pts info into kernel map", log.KV("ptm_pid", ev.PtmPID), log.KVErr(err))
		return
	}

	conn.PtsTgid = ev.PtsPID
	conn.ShellTgid = ev.ShellPID
	conn.TTYID = info.TTYID
	conn.UserID = info.UserID
	conn.Username = info.Username
	conn.PtsFD = info.PtsFD

	p.emitConnection(kernel.RawEvent{
		Type:   kernel.EventEstablishedConnection,
		PtmPID: ev.PtmPID,
		Conn:   conn,
	})
}

func (p *Pipeline) emitConnection(ev kernel.RawEvent) {
	b, err := p.serializer.Connection(ev)
	if err != nil {
		p.lgr.Warn("failed to serialize connection event", log.KVErr(err))
		return
	}
	p.q.Push(b)
}

func (p *Pipeline) emitCommand(ev kernel.RawEvent) {
	b, err := p.serializer.Command(ev, int32(ev.Cmd.ConnTgid))
	if err != nil {
		p.lgr.Warn("failed to serialize command event", log.KVErr(err))
		return
	}
	p.q.Push(b)
}

func (p *Pipeline) emitFileUpload(ev kernel.RawEvent) {
	b, err := p.serializer.FileUpload(ev)
	if err != nil {
		p.lgr.Warn("failed to serialize file_upload event", log.KVErr(err))
		return
	}
	p.q.Push(b)
}

func (p *Pipeline) flushTerminal() {
	for _, ev := range p.agg.Flush() {
		b, err := p.serializer.Terminal(ev)
		if err != nil {
			p.lgr.Warn("failed to serialize terminal_update event", log.KVErr(err))
			continue
		}
		p.q.Push(b)
	}
}

// Seed injects a pre-existing session discovered by sessionscan at startup
// directly as a paired connection_new + connection_established, matching
// spec.md §9's documented duplicate-event behavior for seeded sessions.
func (p *Pipeline) Seed(conn kernel.Connection) {
	p.emitConnection(kernel.RawEvent{Type: kernel.EventNewConnection, PtmPID: conn.PtmTgid, Conn: conn})
	p.emitConnection(kernel.RawEvent{Type: kernel.EventEstablishedConnection, PtmPID: conn.PtmTgid, Conn: conn})
}
