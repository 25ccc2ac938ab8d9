/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package authwatch

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sshlog/agent/kernel"
	"github.com/sshlog/agent/pipeline/log"
	"github.com/stretchr/testify/require"
)

type wireUtmp struct {
	Type    int16
	_       int16
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

func mustEncode(t *testing.T, w wireUtmp) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	require.NoError(t, binary.Write(buf, binary.LittleEndian, w))
	require.Equal(t, recordSize, buf.Len())
	return buf.Bytes()
}

func writeUsername(dst []byte, s string) {
	copy(dst, s)
}

func TestDecodeRecordRoundTrip(t *testing.T) {
	var w wireUtmp
	w.Type = loginProcess
	w.PID = 4242
	writeUsername(w.User[:], "root")
	w.TVSec = 1700000000
	w.TVUsec = 500000
	w.AddrV4 = 0x0100007F // 127.0.0.1 little-endian

	rec, err := decodeRecord(mustEncode(t, w))
	require.NoError(t, err)
	require.Equal(t, loginProcess, rec.Type)
	require.Equal(t, int32(4242), rec.PID)
	require.Equal(t, "root", rec.User)
	require.Equal(t, int64(1700000000), rec.TVSec)
}

func TestDecodeRecordRejectsWrongSize(t *testing.T) {
	_, err := decodeRecord(make([]byte, 10))
	require.Error(t, err)
}

func TestNewSeedsLastLoginToNowAndSkipsBtmpHistoryOnFirstScan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "btmp")

	// Both records are from 1970 (small TVSec), i.e. long before the
	// watcher starts -- this is btmp's pre-existing history, which must
	// never be replayed as live failed-login events.
	var first, second wireUtmp
	first.Type = loginProcess
	first.PID = 100
	writeUsername(first.User[:], "alice")
	first.TVSec = 1000

	second.Type = loginProcess
	second.PID = 200
	writeUsername(second.User[:], "bob")
	second.TVSec = 2000

	data := append(mustEncode(t, first), mustEncode(t, second)...)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	before := time.Now().Unix()
	w, err := New(path, nil)
	require.NoError(t, err)
	defer w.watcher.Close()
	require.GreaterOrEqual(t, w.lastLoginSec, before, "New must seed lastLoginSec to roughly now")

	require.NoError(t, w.scan())
	select {
	case ev := <-w.events:
		t.Fatalf("expected no events for pre-existing btmp history, got %+v", ev)
	default:
	}
	require.GreaterOrEqual(t, w.lastLoginSec, before, "a historical scan must never move lastLoginSec backward")
}

func TestScanEmitsOnlyRecordsNewerThanLastSeen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "btmp")

	var first, second wireUtmp
	first.Type = loginProcess
	first.PID = 100
	writeUsername(first.User[:], "alice")
	first.TVSec = 2000

	second.Type = loginProcess
	second.PID = 200
	writeUsername(second.User[:], "bob")
	second.TVSec = 3000

	data := append(mustEncode(t, first), mustEncode(t, second)...)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	// Bypass New's now-seeding so both records fall after lastLoginSec,
	// isolating the "only newer than last seen" behavior from the
	// startup-history skip covered above.
	w := &Watcher{path: path, logger: log.NewDiscardLogger(), lastLoginSec: 1000, events: make(chan kernel.RawEvent, 8)}

	require.NoError(t, w.scan())

	var got []kernel.RawEvent
	for i := 0; i < 2; i++ {
		select {
		case ev := <-w.events:
			got = append(got, ev)
		default:
			t.Fatalf("expected 2 events, got %d", i)
		}
	}
	require.Equal(t, "alice", got[0].Conn.Username)
	require.Equal(t, "bob", got[1].Conn.Username)
	require.Equal(t, int64(3000), w.lastLoginSec)

	// A second scan with no new records appended must emit nothing.
	require.NoError(t, w.scan())
	select {
	case ev := <-w.events:
		t.Fatalf("expected no further events, got %+v", ev)
	default:
	}
}

func TestScanIgnoresNonLoginProcessRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "btmp")

	var rec wireUtmp
	rec.Type = 7 // USER_PROCESS, not LOGIN_PROCESS
	rec.PID = 300
	writeUsername(rec.User[:], "carol")
	rec.TVSec = 3000

	require.NoError(t, os.WriteFile(path, mustEncode(t, rec), 0o644))

	w, err := New(path, nil)
	require.NoError(t, err)
	defer w.watcher.Close()
	// Move the watermark behind the record so only the type filter can drop it.
	w.lastLoginSec = 1000

	require.NoError(t, w.scan())
	select {
	case ev := <-w.events:
		t.Fatalf("expected no events for a non-LOGIN_PROCESS record, got %+v", ev)
	default:
	}
}

func TestScanMissingFileIsNotAnError(t *testing.T) {
	w := &Watcher{path: "/nonexistent/btmp", events: make(chan kernel.RawEvent, 1)}
	require.NoError(t, w.scan())
}
