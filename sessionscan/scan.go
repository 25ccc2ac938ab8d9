/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package sessionscan performs the one-shot /proc walk that seeds already
// established SSH sessions at agent startup: the kernel tracepoints only
// observe a connection's lineage as it's created, so any session already
// running when sshlogd starts has to be reconstructed from process
// ancestry and /proc/net/tcp.
package sessionscan

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/sshlog/agent/kernel"
)

const (
	sshdProcessName  = "sshd"
	sshdDefaultPort  = 22
	unknownPID int32 = -1
)

// Session describes one sshd-rooted lineage discovered already running at
// scan time.
type Session struct {
	PtmPID  int32
	PtsPID  int32
	BashPID int32

	ClientIP   string
	ClientPort int32
	ServerIP   string
	ServerPort int32

	StartTime uint64 // boottime nanoseconds, matching kernel.Connection.StartTime
	UserID    int32
}

type process struct {
	pid       int32
	ppid      int32
	comm      string
	starttime uint64 // clock ticks since boot
}

// Scan walks /proc once and returns every already-established SSH session
// it can reconstruct. A failure reading one process's files is not fatal —
// processes can exit mid-scan — only a total inability to list /proc is.
func Scan() ([]Session, error) {
	procs, err := listProcesses()
	if err != nil {
		return nil, fmt.Errorf("sessionscan: listing /proc: %w", err)
	}

	byPID := make(map[int32]process, len(procs))
	for _, p := range procs {
		byPID[p.pid] = p
	}

	sshdPort := int32(sshdDefaultPort)
	for _, p := range procs {
		if p.comm == sshdProcessName && p.ppid == 1 {
			sshdPort = discoverSSHDListenPort(p.pid)
			break
		}
	}

	tcpRows, err := readTCPRows()
	if err != nil {
		tcpRows = nil
	}

	boottimeAnchor, err := bootAnchorNanos()
	if err != nil {
		boottimeAnchor = 0
	}
	ticksPerSecond := clockTicksPerSecond()

	var sessions []Session
	for _, p := range procs {
		if p.comm != sshdProcessName {
			continue
		}
		if !isPTS(p, byPID) {
			continue
		}

		sess := Session{
			PtsPID:     p.pid,
			PtmPID:     p.ppid,
			BashPID:    unknownPID,
			ClientPort: unknownPID,
			ServerPort: unknownPID,
		}

		for _, child := range procs {
			if child.ppid == p.pid {
				sess.BashPID = child.pid
				break
			}
		}

		startSeconds := p.starttime / ticksPerSecond
		startNanos := startSeconds * 1e9
		sess.StartTime = uint64(int64(startNanos) - boottimeAnchor)

		sess.UserID = readUID(p.pid)

		if inodes, err := socketInodes(p.pid); err == nil {
			for _, row := range tcpRows {
				if row.localPort != sshdPort {
					continue
				}
				if _, ok := inodes[row.inode]; !ok {
					continue
				}
				sess.ClientIP = row.remoteIP
				sess.ClientPort = row.remotePort
				sess.ServerIP = row.localIP
				sess.ServerPort = row.localPort
			}
		}

		sessions = append(sessions, sess)
	}

	return sessions, nil
}

// isPTS applies the three-generation classification: process itself must
// be sshd, its parent must be sshd (and not pid-1-rooted), and its
// grandparent must be sshd with a parent of pid 1 (the listening daemon).
func isPTS(p process, byPID map[int32]process) bool {
	if p.comm != sshdProcessName {
		return false
	}
	if p.ppid == 1 {
		return false
	}
	parent, ok := byPID[p.ppid]
	if !ok {
		return false
	}
	if parent.comm != sshdProcessName || parent.ppid == 1 {
		return false
	}
	grandparent, ok := byPID[parent.ppid]
	if !ok {
		return false
	}
	return grandparent.comm == sshdProcessName && grandparent.ppid == 1
}

func listProcesses() ([]process, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}

	var procs []process
	for _, ent := range entries {
		pid, err := strconv.ParseInt(ent.Name(), 10, 32)
		if err != nil {
			continue
		}
		p, err := readProcess(int32(pid))
		if err != nil {
			continue
		}
		procs = append(procs, p)
	}
	return procs, nil
}

func readProcess(pid int32) (process, error) {
	comm, err := readComm(pid)
	if err != nil {
		return process{}, err
	}
	ppid, starttime, err := readStat(pid)
	if err != nil {
		return process{}, err
	}
	return process{pid: pid, ppid: ppid, comm: comm, starttime: starttime}, nil
}

func readComm(pid int32) (string, error) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// readStat parses /proc/<pid>/stat for ppid (field 4) and starttime (field
// 22), skipping past the parenthesized comm field which may itself contain
// spaces or parentheses.
func readStat(pid int32) (ppid int32, starttime uint64, err error) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, 0, err
	}
	s := string(b)
	close := strings.LastIndexByte(s, ')')
	if close < 0 {
		return 0, 0, fmt.Errorf("sessionscan: malformed stat for pid %d", pid)
	}
	fields := strings.Fields(s[close+1:])
	// fields[0] is state; ppid is fields[1]; starttime is field 22 overall,
	// i.e. fields[19] in this 0-indexed, state-first slice.
	if len(fields) < 20 {
		return 0, 0, fmt.Errorf("sessionscan: short stat for pid %d", pid)
	}
	p, err := strconv.ParseInt(fields[1], 10, 32)
	if err != nil {
		return 0, 0, err
	}
	st, err := strconv.ParseUint(fields[19], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return int32(p), st, nil
}

func readUID(pid int32) int32 {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return unknownPID
	}
	for _, line := range strings.Split(string(b), "\n") {
		if !strings.HasPrefix(line, "Uid:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return unknownPID
		}
		uid, err := strconv.ParseInt(fields[1], 10, 32)
		if err != nil {
			return unknownPID
		}
		return int32(uid)
	}
	return unknownPID
}

// socketInodes returns the set of socket inodes held open by pid, read
// from the "socket:[N]" symlink targets under /proc/<pid>/fd.
func socketInodes(pid int32) (map[uint64]struct{}, error) {
	dir := fmt.Sprintf("/proc/%d/fd", pid)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	inodes := make(map[uint64]struct{})
	for _, ent := range entries {
		target, err := os.Readlink(dir + "/" + ent.Name())
		if err != nil {
			continue
		}
		if !strings.HasPrefix(target, "socket:[") || !strings.HasSuffix(target, "]") {
			continue
		}
		n, err := strconv.ParseUint(target[len("socket:["):len(target)-1], 10, 64)
		if err != nil {
			continue
		}
		inodes[n] = struct{}{}
	}
	return inodes, nil
}

type tcpRow struct {
	localIP    string
	localPort  int32
	remoteIP   string
	remotePort int32
	state      uint8
	inode      uint64
}

const tcpStateListen = 0x0A

// readTCPRows parses /proc/net/tcp's fixed-width hex fields.
func readTCPRows() ([]tcpRow, error) {
	b, err := os.ReadFile("/proc/net/tcp")
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(b), "\n")
	var rows []tcpRow
	for i, line := range lines {
		if i == 0 {
			continue // header
		}
		fields := strings.Fields(line)
		if len(fields) < 10 {
			continue
		}
		localIP, localPort, err := parseHexAddr(fields[1])
		if err != nil {
			continue
		}
		remoteIP, remotePort, err := parseHexAddr(fields[2])
		if err != nil {
			continue
		}
		state, err := strconv.ParseUint(fields[3], 16, 8)
		if err != nil {
			continue
		}
		inode, err := strconv.ParseUint(fields[9], 10, 64)
		if err != nil {
			continue
		}
		rows = append(rows, tcpRow{
			localIP:    localIP,
			localPort:  localPort,
			remoteIP:   remoteIP,
			remotePort: remotePort,
			state:      uint8(state),
			inode:      inode,
		})
	}
	return rows, nil
}

// parseHexAddr decodes a "<IP hex>:<PORT hex>" field from /proc/net/tcp,
// where the IP is little-endian 32-bit hex.
func parseHexAddr(field string) (string, int32, error) {
	parts := strings.SplitN(field, ":", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("sessionscan: malformed address %q", field)
	}
	ipHex, portHex := parts[0], parts[1]
	if len(ipHex) != 8 {
		return "", 0, fmt.Errorf("sessionscan: unsupported address length %q", ipHex)
	}
	var b [4]byte
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseUint(ipHex[i*2:i*2+2], 16, 8)
		if err != nil {
			return "", 0, err
		}
		// Fields are stored little-endian in /proc/net/tcp.
		b[3-i] = byte(v)
	}
	port, err := strconv.ParseUint(portHex, 16, 32)
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3]), int32(port), nil
}

func discoverSSHDListenPort(sshdPID int32) int32 {
	inodes, err := socketInodes(sshdPID)
	if err != nil {
		return sshdDefaultPort
	}
	rows, err := readTCPRows()
	if err != nil {
		return sshdDefaultPort
	}
	for _, row := range rows {
		if row.state != tcpStateListen {
			continue
		}
		if _, ok := inodes[row.inode]; ok {
			return row.localPort
		}
	}
	return sshdDefaultPort
}

// bootAnchorNanos returns the millisecond-precision CLOCK_BOOTTIME minus
// CLOCK_MONOTONIC offset, in nanoseconds, mirroring the original parser's
// adjustment of a /proc/<pid>/stat starttime (which is boottime-anchored)
// back onto the same clock domain bpf_ktime_get_ns uses.
func bootAnchorNanos() (int64, error) {
	var monotonic, boottime unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &monotonic); err != nil {
		return 0, err
	}
	if err := unix.ClockGettime(unix.CLOCK_BOOTTIME, &boottime); err != nil {
		return 0, err
	}
	const nanosInMilli = int64(1e6)
	const millisInSec = int64(1000)
	diffMillis := (boottime.Sec-monotonic.Sec)*millisInSec + (boottime.Nsec-monotonic.Nsec)/nanosInMilli
	return diffMillis * nanosInMilli, nil
}

// clockTicksPerSecond is USER_HZ, the clock-tick rate /proc/<pid>/stat's
// starttime field is expressed in. This has been fixed at 100 on every
// Linux architecture glibc supports since the early 2.6 kernels; there is
// no portable syscall exposing it, so it's a constant rather than a
// runtime query.
func clockTicksPerSecond() uint64 {
	return 100
}

// kernelConnection converts a discovered Session into the row sessionscan's
// caller should seed into the kernel-side connections map, so subsequent
// sys_enter_read/write tracepoints recognize this pre-existing lineage.
func (s Session) kernelConnection() kernel.Connection {
	conn := kernel.NewConnection(s.PtmPID)
	conn.PtsTgid = s.PtsPID
	conn.ShellTgid = s.BashPID
	conn.UserID = s.UserID
	conn.StartTime = s.StartTime
	if s.ServerIP != "" {
		conn.TCPInfo.ServerIP = dottedQuadToUint32(s.ServerIP)
		conn.TCPInfo.ClientIP = dottedQuadToUint32(s.ClientIP)
		conn.TCPInfo.ServerPort = uint16(s.ServerPort)
		conn.TCPInfo.ClientPort = uint16(s.ClientPort)
	}
	return conn
}

// KernelConnection exposes kernelConnection for callers outside this
// package (the agent's startup seeding step).
func (s Session) KernelConnection() kernel.Connection { return s.kernelConnection() }

func dottedQuadToUint32(ip string) uint32 {
	var b [4]uint64
	parts := strings.SplitN(ip, ".", 4)
	if len(parts) != 4 {
		return 0
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return 0
		}
		b[i] = v
	}
	// Matches kernel/decode.go's little-endian read of the raw
	// network-order sin_addr bytes: the first octet lands in the low
	// byte of the uint32, not the high byte.
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
