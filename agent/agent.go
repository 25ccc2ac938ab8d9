/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package agent is sshlog's top-level library API: one constructor, one
// poll loop, one close. It is the idiomatic-Go translation of sshlog.h's
// sshlog_init/sshlog_event_poll/sshlog_is_ok/sshlog_release C API -- a
// constructor returning (*Agent, error) in place of a null-checked opaque
// pointer, and a plain Go string returned from Poll in place of the C
// API's caller-owns-then-frees sshlog_event_release convention.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/sshlog/agent/authwatch"
	"github.com/sshlog/agent/kernel"
	"github.com/sshlog/agent/pipeline"
	"github.com/sshlog/agent/pipeline/log"
	"github.com/sshlog/agent/sessionscan"
)

// LogLevel mirrors sshlog.h's SSHLOG_LOG_LEVEL enum; richer than spec.md
// §6's terse WARNING/DEBUG toggle, carried through in full even though the
// CLI only ever uses LogWarning (the default) or LogDebug today.
type LogLevel int

const (
	LogOff LogLevel = iota
	LogFatal
	LogError
	LogWarning
	LogInfo
	LogDebug
	LogVerbose
)

func (l LogLevel) toPipelineLevel() log.Level {
	switch l {
	case LogOff:
		return log.OFF
	case LogFatal:
		return log.FATAL
	case LogError:
		return log.ERROR
	case LogWarning:
		return log.WARN
	case LogInfo:
		return log.INFO
	case LogDebug, LogVerbose:
		return log.DEBUG
	}
	return log.WARN
}

// Options configures a new Agent.
type Options struct {
	LogLevel LogLevel

	// BTMPPath overrides authwatch.DefaultPath; empty disables the
	// failed-login watcher entirely (e.g. containers without the host's
	// /var/log mounted).
	BTMPPath string

	// Logger receives the agent's own structured log lines. Defaults to
	// a discard logger at LogLevel's severity.
	Logger *log.Logger
}

// DefaultOptions returns the same defaults sshlog_get_default_options()
// did: logging at warning level.
func DefaultOptions() Options {
	return Options{LogLevel: LogWarning, BTMPPath: authwatch.DefaultPath}
}

// Agent owns the kernel loader, the failed-login watcher, and the ingest
// pipeline for one running instance of sshlog.
type Agent struct {
	loader *kernel.Loader
	auth   *authwatch.Watcher
	pl     *pipeline.Pipeline
	lgr    *log.Logger

	ok     bool
	cancel context.CancelFunc
}

// New loads the eBPF collection, starts the ingest pipeline, seeds
// pre-existing sessions from /proc into the collection's maps, and only then
// attaches the tracepoints and starts the failed-login watcher. The pipeline
// receives no kernel event before Attach, because the loader pumps nothing
// until then. A non-nil error here means the agent
// could not come up -- callers should treat IsOK() as false and not call
// Poll.
//
// The ordering matters: spec.md's C3 pass must prime the tracked-session
// map before any probe can observe a connection, or a pre-existing session
// that a probe also touches could have its kernel-observed event reach the
// pipeline ahead of its seed event. kernel.NewLoader therefore only loads
// the collection and its maps; tracepoints aren't attached and no event is
// pumped until the explicit Attach call below, after seeding.
func New(opts Options) (*Agent, error) {
	lgr := opts.Logger
	if lgr == nil {
		lgr = log.NewDiscardLogger()
	}
	if err := lgr.SetLevel(opts.LogLevel.toPipelineLevel()); err != nil {
		return nil, fmt.Errorf("agent: invalid log level: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	loader, err := kernel.NewLoader(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("agent: loading kernel probes: %w", err)
	}

	var watcher *authwatch.Watcher
	if opts.BTMPPath != "" {
		watcher, err = authwatch.New(opts.BTMPPath, lgr)
		if err != nil {
			lgr.Warn("failed-login watcher unavailable, continuing without it", log.KVErr(err))
			watcher = nil
		}
	}

	var authSrc pipeline.AuthSource
	if watcher != nil {
		authSrc = watcher
	}

	pl := pipeline.New(loader, authSrc, lgr)

	a := &Agent{
		loader: loader,
		auth:   watcher,
		pl:     pl,
		lgr:    lgr,
		ok:     true,
		cancel: cancel,
	}

	pl.Run(ctx)
	a.seedExistingSessions()

	if err := loader.Attach(ctx); err != nil {
		loader.Close()
		cancel()
		return nil, fmt.Errorf("agent: attaching kernel probes: %w", err)
	}
	if watcher != nil {
		go watcher.Run(ctx)
	}

	return a, nil
}

// seedExistingSessions runs C3 (sessionscan) once at startup so sessions
// already established before the agent attached are still reported,
// matching spec.md §4.3. It must run after the loader's maps exist but
// before loader.Attach -- see the ordering note on New. Failure here is
// non-fatal: the agent still observes everything from this point forward.
func (a *Agent) seedExistingSessions() {
	sessions, err := sessionscan.Scan()
	if err != nil {
		a.lgr.Warn("startup session scan failed", log.KVErr(err))
		return
	}
	for _, s := range sessions {
		conn := s.KernelConnection()
		if err := a.loader.SeedConnection(conn); err != nil {
			a.lgr.Warn("failed to seed kernel map for existing session", log.KV("ptm_pid", conn.PtmTgid), log.KVErr(err))
			continue
		}
		a.pl.Seed(conn)
	}
}

// Poll blocks up to timeout for the next JSON event, returning ("", false)
// on timeout or if the pipeline has been closed. This is sshlog_event_poll
// translated to Go idiom: no Release call is needed on the returned string.
func (a *Agent) Poll(timeout time.Duration) (string, bool) {
	return a.pl.Poll(timeout)
}

// IsOK reports whether the agent came up successfully and is still running.
func (a *Agent) IsOK() bool {
	return a.ok
}

// Close stops every goroutine the agent owns and releases the kernel
// probes. Safe to call once; subsequent calls are a no-op.
func (a *Agent) Close() error {
	if !a.ok {
		return nil
	}
	a.ok = false
	a.cancel()
	if err := a.pl.Close(); err != nil {
		a.lgr.Warn("error stopping pipeline", log.KVErr(err))
	}
	return a.loader.Close()
}
