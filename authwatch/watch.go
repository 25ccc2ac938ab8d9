/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package authwatch watches /var/log/btmp for failed-login records. It is
// the only piece of sshlog that never touches eBPF or /proc: btmp is a flat
// binary log of struct utmp records appended on every failed
// authentication; login(1)/pam_unix write it, not the kernel or sshd itself.
//
// Adapted from the fsnotify-driven directory watcher in filewatch, narrowed
// to a single fixed file and a single fixed interest (IN_MODIFY), and from
// failed_login_watcher.cpp for the record layout and re-scan algorithm.
package authwatch

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sshlog/agent/kernel"
	"github.com/sshlog/agent/pipeline/log"
)

// DefaultPath is the conventional location of the btmp log on every distro
// sshlog targets.
const DefaultPath = "/var/log/btmp"

// pollFallback is how often Watcher re-scans btmp between inotify wakeups,
// matching the original's usleep(10 * 1000) poll loop. inotify on log
// rotation targets can miss the replacing rename; the poll keeps the
// watcher live even if the IN_MODIFY watch goes stale.
const pollFallback = 10 * time.Millisecond

// loginProcess is utmp's ut_type value for a completed login attempt; btmp
// only ever carries this type, but the field is still checked defensively
// since the file format doesn't reserve it exclusively.
const loginProcess = int16(6)

// recordSize is sizeof(struct utmp) on Linux/glibc: two 32-byte char
// arrays, a 4-byte id, a 256-byte host, the exit_status pair, session,
// timeval, four words of address, and 20 bytes of reserved padding.
const recordSize = 384

// Watcher tails btmp for LOGIN_PROCESS records newer than the last one it
// has seen and emits one kernel.RawEvent per failed login.
type Watcher struct {
	path         string
	logger       *log.Logger
	lastLoginSec int64

	events chan kernel.RawEvent
	errs   chan error

	watcher *fsnotify.Watcher
}

// New opens a Watcher against path (normally DefaultPath). It does not
// start watching until Run is called.
func New(path string, logger *log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.NewDiscardLogger()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("authwatch: creating fsnotify watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("authwatch: watching %s: %w", path, err)
	}
	return &Watcher{
		path:    path,
		logger:  logger,
		// Seeded to now, matching failed_login_watcher.cpp's
		// `time_t last_login = time(NULL);`: only logins after the agent
		// starts are reported, not btmp's entire pre-existing history.
		lastLoginSec: time.Now().Unix(),
		events:       make(chan kernel.RawEvent, 64),
		errs:         make(chan error, 8),
		watcher:      w,
	}, nil
}

// Events returns the channel failed-login events are delivered on.
func (w *Watcher) Events() <-chan kernel.RawEvent { return w.events }

// Errors returns the channel non-fatal scan errors are delivered on.
func (w *Watcher) Errors() <-chan error { return w.errs }

// Run scans btmp once for any backlog, then blocks servicing inotify
// wakeups (with a timed poll fallback) until ctx is done. It is meant to
// run in its own goroutine.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	if err := w.scan(); err != nil {
		w.reportErr(err)
	}

	ticker := time.NewTicker(pollFallback)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Write == 0 {
				continue
			}
			if err := w.scan(); err != nil {
				w.reportErr(err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.reportErr(fmt.Errorf("authwatch: fsnotify: %w", err))
		case <-ticker.C:
			if err := w.scan(); err != nil {
				w.reportErr(err)
			}
		}
	}
}

func (w *Watcher) reportErr(err error) {
	select {
	case w.errs <- err:
	default:
		w.logger.Warn("dropping authwatch error, channel full", log.KVErr(err))
	}
}

// scan re-reads btmp from the start, exactly as the original C watcher
// does: the file is small (a rotated log, not an ever-growing one) so a
// full re-read per wakeup is cheap, and it sidesteps having to track a
// read offset across log rotation.
func (w *Watcher) scan() error {
	f, err := os.Open(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("authwatch: opening %s: %w", w.path, err)
	}
	defer f.Close()

	buf := make([]byte, recordSize)
	var maxSeen int64
	for {
		if _, err := io.ReadFull(f, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("authwatch: reading %s: %w", w.path, err)
		}

		rec, err := decodeRecord(buf)
		if err != nil {
			w.logger.Debug("skipping malformed btmp record", log.KVErr(err))
			continue
		}
		if rec.Type != loginProcess {
			continue
		}
		if rec.TVSec > maxSeen {
			maxSeen = rec.TVSec
		}
		if rec.TVSec <= w.lastLoginSec {
			continue
		}

		w.events <- rec.toFailedConnectionEvent()
	}

	if maxSeen > w.lastLoginSec {
		w.lastLoginSec = maxSeen
	}
	return nil
}

// record is the subset of struct utmp the watcher cares about.
type record struct {
	Type     int16
	PID      int32
	User     string
	AddrV4   uint32
	TVSec    int64
	TVUsec   int64
}

// decodeRecord parses one fixed-width struct utmp record. Field offsets
// and widths follow glibc's <bits/utmp.h>: ut_type and ut_pid are followed
// by two fixed char arrays (ut_line, ut_id, ut_user, ut_host all use this
// layout), then an exit_status pair, a session id, a 32-bit timeval (utmp
// keeps 32-bit time fields even on 64-bit builds, for on-disk stability),
// and a 16-byte IPv6-shaped address field where IPv4 logins only populate
// the first word.
func decodeRecord(buf []byte) (record, error) {
	if len(buf) != recordSize {
		return record{}, fmt.Errorf("authwatch: record is %d bytes, want %d", len(buf), recordSize)
	}
	r := bytes.NewReader(buf)

	var wire struct {
		Type    int16
		_       int16 // alignment padding before ut_pid
		PID     int32
		Line    [32]byte
		ID      [4]byte
		User    [32]byte
		Host    [256]byte
		ETerm   int16
		EExit   int16
		Session int32
		TVSec   int32
		TVUsec  int32
		AddrV4  uint32
		AddrV6  [3]uint32
		_       [20]byte
	}
	if err := binary.Read(r, binary.LittleEndian, &wire); err != nil {
		return record{}, fmt.Errorf("authwatch: decoding utmp record: %w", err)
	}

	return record{
		Type:   wire.Type,
		PID:    wire.PID,
		User:   trimNUL(wire.User[:]),
		AddrV4: wire.AddrV4,
		TVSec:  int64(wire.TVSec),
		TVUsec: int64(wire.TVUsec),
	}, nil
}

func trimNUL(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// toFailedConnectionEvent builds the same connection-shaped event the
// kernel side emits for an established session, with every field the
// auth-failure path cannot know (pts/shell tgids, tty id) set to the
// UnknownPID sentinel, matching failed_login_watcher.cpp's connection_event
// construction.
func (r record) toFailedConnectionEvent() kernel.RawEvent {
	conn := kernel.NewConnection(r.PID)
	conn.UserID = lookupUID(r.User)
	conn.Username = r.User
	conn.TCPInfo.ClientIP = r.AddrV4
	conn.TCPInfo.ClientPort = 0

	millis := uint64(r.TVSec)*1000 + uint64(r.TVUsec)/1000
	conn.StartTime = millis
	conn.EndTime = millis

	return kernel.RawEvent{
		Type:   kernel.EventAuthFailedConnection,
		PtmPID: r.PID,
		Conn:   conn,
	}
}

func lookupUID(username string) int32 {
	u, err := user.Lookup(username)
	if err != nil {
		return kernel.UnknownPID
	}
	uid, err := strconv.ParseInt(u.Uid, 10, 32)
	if err != nil {
		return kernel.UnknownPID
	}
	return int32(uid)
}
