/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package kernel mirrors the data layout shared between the eBPF probes
// (kernel/bpf/sshtrace.bpf.c) and the Go-side loader: Connection and Command
// rows, the tracked-map sizing constants, and the per-CPU scratch discipline
// the verifier requires of the C side.
package kernel

const (
	// MaxConnections bounds the tracked-connections LRU map.
	MaxConnections = 10000
	// MaxConcurrentPrograms bounds the tracked-commands LRU map.
	MaxConcurrentPrograms = 2000

	// ConnectionReadBufferBytes must be a power of two; terminal reads are
	// masked against it in the BPF program.
	ConnectionReadBufferBytes = 16384

	FilenameMax        = 255
	FilepathMax        = 4096
	UsernameMaxLength  = 32
	CommandArgsMaxBytes = 2048

	// StdoutMaxBytes must be a power of two.
	StdoutMaxBytes = 4096

	// RateLimitMaxBytesPerSecond is the global terminal-read byte budget,
	// split evenly across the four quarter-second buckets per connection.
	RateLimitMaxBytesPerSecond = 1024000

	// TimeIntervalsPerSecond is the rate-limit bucket granularity.
	TimeIntervalsPerSecond = 4

	// RateLimitNotice is the literal synthetic payload emitted once per
	// bucket when the budget is exceeded. 33 ASCII bytes plus trailing NUL,
	// matching the original verifier-friendly char-by-char construction.
	RateLimitNotice = "[[SSHBouncer Rate/sec Reached]]\r\n"

	// UnknownPID is the sentinel used where the original C uses -1.
	UnknownPID int32 = -1
)

// TCPInfo carries the IPv4 endpoint pair of a session's underlying TCP
// connection. Values are zero when undiscovered; the serializer (not this
// package) is responsible for the "0" vs dotted-quad string distinction.
type TCPInfo struct {
	ServerIP   uint32
	ClientIP   uint32
	ServerPort uint16
	ClientPort uint16
}

// Connection represents one sshd-forked session lineage: ptm process -> pts
// process -> shell. PtmTgid is the primary key across both the kernel map
// and every user-space index built from it.
type Connection struct {
	PtmTgid   int32
	PtsTgid   int32
	ShellTgid int32
	TTYID     int32

	TCPInfo TCPInfo

	UserID   int32
	Username string

	// StartTime/EndTime are boot-time nanoseconds while the row is live in
	// the kernel map; pipeline/clock.go converts to wall-clock milliseconds
	// on serialization.
	StartTime uint64
	EndTime   uint64

	// PtsFD holds up to three file descriptors addressing the PTY slave
	// end; populated only after the shell has been cloned and the
	// BASH_CLONED overlay has run.
	PtsFD [3]int32

	// Rate-limit bucket state, mutated only by the kernel side; carried
	// here so a row read from or written to the connections map keeps it.
	RateLimitEpochSecond        int64
	RateLimitHit                bool
	RateLimitTotalBytesThisSecond int64
}

// NewConnection returns a Connection with every unknown field set to the
// sentinel values the original C struct used (-1 for pids, tty, uid and
// every PtsFD slot).
func NewConnection(ptmTgid int32) Connection {
	return Connection{
		PtmTgid:   ptmTgid,
		PtsTgid:   UnknownPID,
		ShellTgid: UnknownPID,
		TTYID:     UnknownPID,
		UserID:    UnknownPID,
		PtsFD:     [3]int32{UnknownPID, UnknownPID, UnknownPID},
	}
}

// Command represents one execve within a tracked session lineage.
type Command struct {
	Filename string
	Args     string

	// Stdout holds up to StdoutMaxBytes of captured stdout/stderr;
	// StdoutOffset is monotonic non-decreasing and caps at StdoutMaxBytes.
	Stdout       []byte
	StdoutOffset uint32

	StartTime uint64
	EndTime   uint64
	ExitCode  int32

	ParentTgid  uint32
	CurrentTgid uint32
	ConnTgid    uint32
}

// NewCommand returns a Command with ExitCode set to the "not yet exited"
// sentinel used throughout the original source.
func NewCommand() Command {
	return Command{ExitCode: -1}
}
