/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/sshlog/agent/kernel"
)

// serializer turns a kernel.RawEvent into the minified, one-line JSON
// payload the agent's poll() interface hands back to callers. Field
// naming and shaping (IP "0" vs. dotted-quad, 3-digit octal file_mode,
// dual ms/ns timestamps) is grounded on event_serializer.cpp.
type serializer struct {
	clock *bootClock
}

func newSerializer() *serializer {
	return &serializer{clock: newBootClock()}
}

// Connection renders a connection-shaped RawEvent (new/established/close/
// auth_failed) to its JSON line.
func (s *serializer) Connection(ev kernel.RawEvent) ([]byte, error) {
	conn := ev.Conn

	var startMillis, endMillis uint64
	if ev.Type == kernel.EventAuthFailedConnection {
		// authwatch already stamps wall-clock milliseconds; no boottime
		// conversion applies (event_serializer.cpp's special case).
		startMillis, endMillis = conn.StartTime, conn.EndTime
	} else {
		startMillis = s.clock.ToWallMillis(conn.StartTime)
		endMillis = s.clock.ToWallMillis(conn.EndTime)
	}

	out := ConnectionEvent{
		EventType: ev.Type.String(),
		PtmPID:    ev.PtmPID,
		UserID:    conn.UserID,
		Username:  conn.Username,
		PtsPID:    conn.PtsTgid,
		ShellPID:  conn.ShellTgid,
		TTYID:     conn.TTYID,

		StartTime:    startMillis,
		EndTime:      endMillis,
		StartTimeRaw: conn.StartTime,
		EndTimeRaw:   conn.EndTime,

		TCPInfo: TCPInfoJSON{
			ServerIP:   ipString(conn.TCPInfo.ServerIP),
			ClientIP:   ipString(conn.TCPInfo.ClientIP),
			ServerPort: conn.TCPInfo.ServerPort,
			ClientPort: conn.TCPInfo.ClientPort,
		},
	}
	return json.Marshal(out)
}

// Command renders a command-shaped RawEvent (command_start/command_finish).
func (s *serializer) Command(ev kernel.RawEvent, ptmPID int32) ([]byte, error) {
	cmd := ev.Cmd
	out := CommandEvent{
		EventType:  ev.Type.String(),
		PtmPID:     ptmPID,
		Filename:   cmd.Filename,
		StartTime:  s.clock.ToWallMillis(cmd.StartTime),
		EndTime:    s.clock.ToWallMillis(cmd.EndTime),
		ExitCode:   cmd.ExitCode,
		StdoutSize: cmd.StdoutOffset,
		Stdout:     string(cmd.Stdout),
		Args:       cmd.Args,
		ParentPID:  cmd.ParentTgid,
		PID:        cmd.CurrentTgid,
	}
	return json.Marshal(out)
}

// Terminal renders a terminal_update RawEvent.
func (s *serializer) Terminal(ev kernel.RawEvent) ([]byte, error) {
	out := TerminalEvent{
		EventType:    ev.Type.String(),
		PtmPID:       ev.PtmPID,
		TerminalData: string(ev.TerminalData),
		DataLen:      ev.DataLen,
	}
	return json.Marshal(out)
}

// FileUpload renders a file_upload RawEvent.
func (s *serializer) FileUpload(ev kernel.RawEvent) ([]byte, error) {
	out := FileUploadEvent{
		EventType:  ev.Type.String(),
		PtmPID:     ev.PtmPID,
		TargetPath: ev.TargetPath,
		FileMode:   fileModeOctal(ev.FileMode),
	}
	return json.Marshal(out)
}

// ipString renders an IPv4 address as a dotted quad, or "0" when the raw
// value is zero. An endpoint that is not known yet is stored as zero, so it
// renders as "0", and so does 0.0.0.0; the two are not told apart.
//
// The uint32 carries the raw sin_addr bytes as kernel/decode.go's
// little-endian struct read produces them: the first octet lands in the
// low byte, not the high byte.
func ipString(ip uint32) string {
	if ip == 0 {
		return "0"
	}
	return fmt.Sprintf("%d.%d.%d.%d", byte(ip), byte(ip>>8), byte(ip>>16), byte(ip>>24))
}

// fileModeOctal renders the low 9 permission bits as a 3-digit octal
// string, e.g. 0644 -> "644".
func fileModeOctal(mode uint32) string {
	return fmt.Sprintf("%03o", mode&0o777)
}
