/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

import (
	"context"
	"fmt"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/ringbuf"
)

// DefaultObjectPath is where a packaged sshlogd install expects to find
// the compiled tracepoint program. Real bytecode delivery (compiling
// kernel/bpf/sshtrace.bpf.c, or fetching a prebuilt object matching the
// running kernel) is out of scope for this module, so unlike a
// bpf2go-generated loader this one never embeds
// the object into the binary; it reads it from disk at startup instead.
const DefaultObjectPath = "/usr/local/lib/sshlog/sshtrace.bpf.o"

// tracepoints lists every syscalls/ tracepoint the compiled program attaches
// to, paired with the ELF program name sshtrace.bpf.c registers it under via
// SEC("tracepoint/syscalls/...").
var tracepoints = []struct {
	group   string
	name    string
	program string
}{
	{"syscalls", "sys_enter_accept", "sys_enter_accept"},
	{"syscalls", "sys_exit_accept", "sys_exit_accept"},
	{"syscalls", "sys_exit_clone", "sys_exit_clone"},
	{"syscalls", "sys_enter_openat", "sys_enter_openat"},
	{"syscalls", "sys_enter_execve", "sys_enter_execve"},
	{"syscalls", "sys_enter_execveat", "sys_enter_execveat"},
	{"syscalls", "sys_enter_exit_group", "sys_enter_exit_group"},
	{"syscalls", "sys_enter_write", "sys_enter_write"},
	{"syscalls", "sys_enter_read", "sys_enter_read"},
	{"syscalls", "sys_exit_read", "sys_exit_read"},
}

// Loader owns the lifetime of the loaded eBPF collection: the attached
// tracepoints, the tracked-state maps, and the event channel the kernel
// program pushes RawEvents through.
type Loader struct {
	coll  *ebpf.Collection
	links []link.Link

	ringReader *ringbuf.Reader
	perfReader *perf.Reader

	connections *ebpf.Map
	commands    *ebpf.Map

	events chan RawEvent
	errs   chan error
}

// Option configures a Loader at construction time.
type Option func(*loaderConfig)

type loaderConfig struct {
	objectPath string
	useRingbuf bool
}

// WithObjectPath overrides DefaultObjectPath, useful for running against a
// program rebuilt outside this module or laid down somewhere nonstandard.
func WithObjectPath(path string) Option {
	return func(c *loaderConfig) { c.objectPath = path }
}

// WithRingBuffer selects the BPF_MAP_TYPE_RINGBUF event transport instead of
// the default perf event array; the loaded object must have been compiled
// with SSHLOG_USE_RINGBUF to match.
func WithRingBuffer() Option {
	return func(c *loaderConfig) { c.useRingbuf = true }
}

// NewLoader loads the compiled sshtrace program, creates its maps, and opens
// the event reader -- but does NOT attach any tracepoint and does NOT start
// pumping events. The connections/commands maps are live and writable the
// moment this returns, which is what lets a caller seed pre-existing sessions
// (spec.md's C3 pass) before any kernel probe can observe one.
//
// Call Attach once seeding is done to attach every tracepoint and start
// delivering RawEvents on Events(). The caller must call Close (valid at any
// point after NewLoader, attached or not) to detach the program and release
// the kernel maps.
func NewLoader(ctx context.Context, opts ...Option) (*Loader, error) {
	cfg := loaderConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	spec, err := loadCollectionSpec(cfg.objectPath)
	if err != nil {
		return nil, fmt.Errorf("kernel: loading collection spec: %w", err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("kernel: creating collection: %w", err)
	}

	l := &Loader{
		coll:        coll,
		connections: coll.Maps["connections"],
		commands:    coll.Maps["commands"],
		events:      make(chan RawEvent, 4096),
		errs:        make(chan error, 16),
	}

	if err := l.openEventReader(cfg); err != nil {
		l.Close()
		return nil, err
	}

	return l, nil
}

// Attach attaches every tracepoint the compiled program registers and starts
// the goroutine pumping decoded RawEvents onto Events(). Callers must finish
// seeding pre-existing sessions (SeedConnection) before calling Attach --
// once a tracepoint is live, the kernel can race a seed write with a
// genuinely observed event for the same connection.
func (l *Loader) Attach(ctx context.Context) error {
	for _, tp := range tracepoints {
		prog := l.coll.Programs[tp.program]
		if prog == nil {
			return fmt.Errorf("kernel: program %q missing from collection", tp.program)
		}
		lnk, err := link.Tracepoint(tp.group, tp.name, prog, nil)
		if err != nil {
			return fmt.Errorf("kernel: attaching tracepoint %s/%s: %w", tp.group, tp.name, err)
		}
		l.links = append(l.links, lnk)
	}

	go l.pump(ctx)
	return nil
}

func loadCollectionSpec(objectPath string) (*ebpf.CollectionSpec, error) {
	if objectPath == "" {
		objectPath = DefaultObjectPath
	}
	if _, err := os.Stat(objectPath); err != nil {
		return nil, fmt.Errorf("locating compiled bpf object at %s: %w", objectPath, err)
	}
	return ebpf.LoadCollectionSpec(objectPath)
}

func (l *Loader) openEventReader(cfg loaderConfig) error {
	m := l.coll.Maps["events"]
	if m == nil {
		return fmt.Errorf("kernel: events map missing from collection")
	}

	if cfg.useRingbuf {
		rdr, err := ringbuf.NewReader(m)
		if err != nil {
			return fmt.Errorf("kernel: opening ringbuf reader: %w", err)
		}
		l.ringReader = rdr
		return nil
	}

	rdr, err := perf.NewReader(m, 4096*1024)
	if err != nil {
		return fmt.Errorf("kernel: opening perf reader: %w", err)
	}
	l.perfReader = rdr
	return nil
}

// Events returns the channel RawEvents are delivered on. Closed once the
// Loader's pump goroutine exits.
func (l *Loader) Events() <-chan RawEvent { return l.events }

// Errors returns the channel decode/read errors are reported on. Never
// closed before Events; callers select over both.
func (l *Loader) Errors() <-chan error { return l.errs }

// Connections returns the typed accessor over the kernel-resident
// connections LRU map, used by the ingest goroutine to overlay proc-derived
// fields after a BASH_CLONED event.
func (l *Loader) Connections() ConnectionStore { return &ConnectionsMap{m: l.connections} }

// SeedConnection inserts or replaces a full Connection row, used once at
// startup by sessionscan to seed sessions that existed before the agent
// attached.
func (l *Loader) SeedConnection(conn Connection) error {
	return (&ConnectionsMap{m: l.connections}).Put(conn)
}

// Commands returns the typed accessor over the kernel-resident commands LRU
// map.
func (l *Loader) Commands() *CommandsMap { return &CommandsMap{m: l.commands} }

// Close detaches every tracepoint, closes the event reader, and releases the
// collection. Safe to call more than once.
func (l *Loader) Close() error {
	var firstErr error
	if l.ringReader != nil {
		if err := l.ringReader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.perfReader != nil {
		if err := l.perfReader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, lnk := range l.links {
		if err := lnk.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.links = nil
	if l.coll != nil {
		l.coll.Close()
		l.coll = nil
	}
	return firstErr
}

func (l *Loader) pump(ctx context.Context) {
	defer close(l.events)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var raw []byte
		var err error
		if l.ringReader != nil {
			var rec ringbuf.Record
			rec, err = l.ringReader.Read()
			raw = rec.RawSample
		} else {
			var rec perf.Record
			rec, err = l.perfReader.Read()
			if rec.LostSamples > 0 {
				l.reportErr(fmt.Errorf("kernel: lost %d samples", rec.LostSamples))
			}
			raw = rec.RawSample
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.reportErr(fmt.Errorf("kernel: reading event: %w", err))
			continue
		}

		evt, err := decodeRawEvent(raw)
		if err != nil {
			l.reportErr(fmt.Errorf("kernel: decoding event: %w", err))
			continue
		}

		select {
		case l.events <- evt:
		case <-ctx.Done():
			return
		}
	}
}

func (l *Loader) reportErr(err error) {
	select {
	case l.errs <- err:
	default:
	}
}
