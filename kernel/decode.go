/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// The wire layouts below mirror kernel/bpf/sshtrace_types.h and
// sshtrace_events.h byte for byte (including trailing struct padding the C
// compiler inserts to the largest member's alignment). Only the leading
// int32 event_type tag is common to every variant; decodeRawEvent reads
// that first to pick the rest of the layout.

const (
	usernameField    = UsernameMaxLength + 1
	ttyEventTypeSize = 4
)

type wireTCPInfo struct {
	ServerIP   uint32
	ClientIP   uint32
	ServerPort uint16
	ClientPort uint16
}

type wireConnection struct {
	PtmTgid   int32
	PtsTgid   int32
	ShellTgid int32
	TTYID     int32

	TCPInfo wireTCPInfo

	UserID   int32
	Username [usernameField]byte
	_        [7]byte // padding before the 8-byte-aligned start_time

	StartTime uint64
	EndTime   uint64

	PtsFD  int32
	PtsFD2 int32
	PtsFD3 int32
	_      int32 // padding before the 8-byte-aligned rate_limit_epoch_second

	RateLimitEpochSecond         int64
	RateLimitHit                 int32
	_                            int32 // bool padding to 8-byte boundary
	RateLimitTotalBytesThisSecond int64
}

func (w wireConnection) toConnection() Connection {
	return Connection{
		PtmTgid:   w.PtmTgid,
		PtsTgid:   w.PtsTgid,
		ShellTgid: w.ShellTgid,
		TTYID:     w.TTYID,
		TCPInfo: TCPInfo{
			ServerIP:   w.TCPInfo.ServerIP,
			ClientIP:   w.TCPInfo.ClientIP,
			ServerPort: w.TCPInfo.ServerPort,
			ClientPort: w.TCPInfo.ClientPort,
		},
		UserID:    w.UserID,
		Username:  cString(w.Username[:]),
		StartTime: w.StartTime,
		EndTime:   w.EndTime,
		PtsFD:     [3]int32{w.PtsFD, w.PtsFD2, w.PtsFD3},

		RateLimitEpochSecond:          w.RateLimitEpochSecond,
		RateLimitHit:                  w.RateLimitHit != 0,
		RateLimitTotalBytesThisSecond: w.RateLimitTotalBytesThisSecond,
	}
}

type wireCommand struct {
	Filename [FilenameMax]byte
	_        [1]byte // padding before the 8-byte-aligned start_time
	StartTime uint64
	EndTime   uint64

	StdoutOffset uint32
	Stdout       [StdoutMaxBytes * 2]byte
	Args         [CommandArgsMaxBytes * 2]byte

	ParentTgid  uint32
	CurrentTgid uint32

	ExitCode int32

	ConnTgid uint32
	_        uint32 // trailing padding to the struct's 8-byte alignment
}

func (w wireCommand) toCommand() Command {
	return Command{
		Filename:     cString(w.Filename[:]),
		Args:         cString(w.Args[:]),
		Stdout:       trimTrailingNUL(w.Stdout[:w.StdoutOffset]),
		StdoutOffset: w.StdoutOffset,
		StartTime:    w.StartTime,
		EndTime:      w.EndTime,
		ExitCode:     w.ExitCode,
		ParentTgid:   w.ParentTgid,
		CurrentTgid:  w.CurrentTgid,
		ConnTgid:     w.ConnTgid,
	}
}

type wireConnectionEvent struct {
	EventType int32
	PtmPID    uint32
	Conn      wireConnection
}

type wireCommandEvent struct {
	EventType int32
	PtmPID    uint32
	Cmd       wireCommand
}

type wireTerminalUpdateEvent struct {
	EventType    int32
	PtmPID       uint32
	TerminalData [ConnectionReadBufferBytes]byte
	DataLen      int32
}

type wireFileUploadEvent struct {
	EventType  int32
	PtmPID     uint32
	TargetPath [2048]byte
	FileMode   uint32
}

type wireBashCloneEvent struct {
	EventType int32
	PtmPID    uint32
	PtsPID    uint32
	BashPID   uint32
}

const (
	sshlogEventNewConnection         = 101
	sshlogEventEstablishedConnection = 102
	sshlogEventCloseConnection       = 103
	sshlogEventAuthFailedConnection  = 104

	sshlogEventCommandStart = 201
	sshlogEventCommandEnd   = 202

	sshlogEventTerminalUpdate = 301

	sshlogEventFileUpload = 401

	sshlogEventBashCloned = 1
)

// decodeRawEvent dispatches on the leading event_type tag and unmarshals the
// remainder of raw according to the matching wire struct.
func decodeRawEvent(raw []byte) (RawEvent, error) {
	if len(raw) < 4 {
		return RawEvent{}, fmt.Errorf("event too short: %d bytes", len(raw))
	}
	tag := int32(binary.LittleEndian.Uint32(raw[:4]))

	r := bytes.NewReader(raw)
	switch tag {
	case sshlogEventNewConnection, sshlogEventCloseConnection, sshlogEventAuthFailedConnection:
		var w wireConnectionEvent
		if err := binary.Read(r, binary.LittleEndian, &w); err != nil {
			return RawEvent{}, fmt.Errorf("connection event: %w", err)
		}
		return RawEvent{
			Type:   connectionEventType(tag),
			PtmPID: int32(w.PtmPID),
			Conn:   w.Conn.toConnection(),
		}, nil

	case sshlogEventCommandStart, sshlogEventCommandEnd:
		var w wireCommandEvent
		if err := binary.Read(r, binary.LittleEndian, &w); err != nil {
			return RawEvent{}, fmt.Errorf("command event: %w", err)
		}
		t := EventCommandStart
		if tag == sshlogEventCommandEnd {
			t = EventCommandEnd
		}
		return RawEvent{Type: t, PtmPID: int32(w.PtmPID), Cmd: w.Cmd.toCommand()}, nil

	case sshlogEventTerminalUpdate:
		var w wireTerminalUpdateEvent
		if err := binary.Read(r, binary.LittleEndian, &w); err != nil {
			return RawEvent{}, fmt.Errorf("terminal update event: %w", err)
		}
		n := int(w.DataLen)
		if n < 0 || n > len(w.TerminalData) {
			n = len(w.TerminalData)
		}
		data := make([]byte, n)
		copy(data, w.TerminalData[:n])
		return RawEvent{Type: EventTerminalUpdate, PtmPID: int32(w.PtmPID), TerminalData: data, DataLen: n}, nil

	case sshlogEventFileUpload:
		var w wireFileUploadEvent
		if err := binary.Read(r, binary.LittleEndian, &w); err != nil {
			return RawEvent{}, fmt.Errorf("file upload event: %w", err)
		}
		return RawEvent{
			Type:       EventFileUpload,
			PtmPID:     int32(w.PtmPID),
			TargetPath: cString(w.TargetPath[:]),
			FileMode:   w.FileMode,
		}, nil

	case sshlogEventBashCloned:
		var w wireBashCloneEvent
		if err := binary.Read(r, binary.LittleEndian, &w); err != nil {
			return RawEvent{}, fmt.Errorf("bash clone event: %w", err)
		}
		return RawEvent{
			Type:     EventBashCloned,
			PtmPID:   int32(w.PtmPID),
			PtsPID:   int32(w.PtsPID),
			ShellPID: int32(w.BashPID),
		}, nil
	}

	return RawEvent{}, fmt.Errorf("unknown event type tag %d", tag)
}

// connectionEventType maps the shared connection_event wire shape to the
// specific EventType; SSHLOG_EVENT_ESTABLISHED_CONNECTION is synthesized in
// userspace (sessionscan, pipeline) rather than pushed by the kernel side,
// so it never appears here as a tag.
func connectionEventType(tag int32) EventType {
	switch tag {
	case sshlogEventNewConnection:
		return EventNewConnection
	case sshlogEventCloseConnection:
		return EventCloseConnection
	case sshlogEventAuthFailedConnection:
		return EventAuthFailedConnection
	}
	return EventUnknown
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func trimTrailingNUL(b []byte) []byte {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return b[:i]
	}
	return b
}
