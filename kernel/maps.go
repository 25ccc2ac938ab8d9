/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

import (
	"fmt"

	"github.com/cilium/ebpf"
)

// ConnectionStore is the subset of ConnectionsMap the pipeline depends on,
// narrowed to an interface so pipeline/pipeline.go can be unit tested
// against a fake store rather than a live eBPF map.
type ConnectionStore interface {
	Get(ptmTgid int32) (Connection, error)
	OverlayPTSInfo(ptmTgid, ptsTgid, shellTgid, ttyID int32, userID int32, username string, fds [3]int32) error
}

// ConnectionsMap is a typed view over the kernel-resident "connections" LRU
// hash, keyed by ptm tgid. The ingest goroutine uses it to overlay the PTS
// file descriptors and TTY id discovered by procinfo after a BASH_CLONED
// event, since that data can only be known from user space.
type ConnectionsMap struct {
	m *ebpf.Map
}

var _ ConnectionStore = (*ConnectionsMap)(nil)

// Get returns the current kernel-side row for ptmTgid.
func (c *ConnectionsMap) Get(ptmTgid int32) (Connection, error) {
	var w wireConnection
	key := uint32(ptmTgid)
	if err := c.m.Lookup(&key, &w); err != nil {
		return Connection{}, fmt.Errorf("connections map lookup %d: %w", ptmTgid, err)
	}
	return w.toConnection(), nil
}

// OverlayPTSInfo writes the TTY id and up to three PTS file descriptors back
// into the kernel row, so sys_enter_read's fd match against conn->pts_fd can
// succeed for subsequent terminal reads.
func (c *ConnectionsMap) OverlayPTSInfo(ptmTgid, ptsTgid, shellTgid, ttyID int32, userID int32, username string, fds [3]int32) error {
	key := uint32(ptmTgid)
	var w wireConnection
	if err := c.m.Lookup(&key, &w); err != nil {
		return fmt.Errorf("connections map lookup %d: %w", ptmTgid, err)
	}

	w.PtsTgid = ptsTgid
	w.ShellTgid = shellTgid
	w.TTYID = ttyID
	w.UserID = userID
	w.PtsFD, w.PtsFD2, w.PtsFD3 = fds[0], fds[1], fds[2]

	var nameBuf [usernameField]byte
	copy(nameBuf[:len(nameBuf)-1], username)
	w.Username = nameBuf

	if err := c.m.Update(&key, &w, ebpf.UpdateExist); err != nil {
		return fmt.Errorf("connections map update %d: %w", ptmTgid, err)
	}
	return nil
}

// Delete removes the row for ptmTgid.
func (c *ConnectionsMap) Delete(ptmTgid int32) error {
	key := uint32(ptmTgid)
	return c.m.Delete(&key)
}

// Put inserts or replaces a full row, used by sessionscan to seed
// pre-existing connections discovered at startup.
func (c *ConnectionsMap) Put(conn Connection) error {
	key := uint32(conn.PtmTgid)
	w := connectionToWire(conn)
	return c.m.Update(&key, &w, ebpf.UpdateAny)
}

func connectionToWire(conn Connection) wireConnection {
	var w wireConnection
	w.PtmTgid = conn.PtmTgid
	w.PtsTgid = conn.PtsTgid
	w.ShellTgid = conn.ShellTgid
	w.TTYID = conn.TTYID
	w.TCPInfo = wireTCPInfo{
		ServerIP:   conn.TCPInfo.ServerIP,
		ClientIP:   conn.TCPInfo.ClientIP,
		ServerPort: conn.TCPInfo.ServerPort,
		ClientPort: conn.TCPInfo.ClientPort,
	}
	w.UserID = conn.UserID
	copy(w.Username[:len(w.Username)-1], conn.Username)
	w.StartTime = conn.StartTime
	w.EndTime = conn.EndTime
	w.PtsFD, w.PtsFD2, w.PtsFD3 = conn.PtsFD[0], conn.PtsFD[1], conn.PtsFD[2]
	w.RateLimitEpochSecond = conn.RateLimitEpochSecond
	if conn.RateLimitHit {
		w.RateLimitHit = 1
	}
	w.RateLimitTotalBytesThisSecond = conn.RateLimitTotalBytesThisSecond
	return w
}

// CommandsMap is a typed view over the kernel-resident "commands" LRU hash,
// keyed by the running process's tgid.
type CommandsMap struct {
	m *ebpf.Map
}

// Get returns the current kernel-side row for tgid.
func (c *CommandsMap) Get(tgid uint32) (Command, error) {
	var w wireCommand
	if err := c.m.Lookup(&tgid, &w); err != nil {
		return Command{}, fmt.Errorf("commands map lookup %d: %w", tgid, err)
	}
	return w.toCommand(), nil
}

// encodeUsername is a small helper kept for table-driven tests exercising
// the fixed-width username field round trip independent of a live map.
func encodeUsername(username string) [usernameField]byte {
	var buf [usernameField]byte
	copy(buf[:len(buf)-1], username)
	return buf
}
