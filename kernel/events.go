/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

// EventType identifies the variant carried on the event channel. BashCloned
// is internal to the pipeline's ingest goroutine; it is never user-visible.
type EventType int

const (
	EventUnknown EventType = iota
	EventNewConnection
	EventEstablishedConnection
	EventCloseConnection
	EventAuthFailedConnection
	EventCommandStart
	EventCommandEnd
	EventTerminalUpdate
	EventFileUpload
	EventBashCloned
)

func (t EventType) String() string {
	switch t {
	case EventNewConnection:
		return "connection_new"
	case EventEstablishedConnection:
		return "connection_established"
	case EventCloseConnection:
		return "connection_close"
	case EventAuthFailedConnection:
		return "connection_auth_failed"
	case EventCommandStart:
		return "command_start"
	case EventCommandEnd:
		return "command_finish"
	case EventTerminalUpdate:
		return "terminal_update"
	case EventFileUpload:
		return "file_upload"
	case EventBashCloned:
		return "bash_cloned"
	}
	return "unknown"
}

// RawEvent is the union of every shape the event channel can carry, as
// copied out of the per-CPU scratch maps described in sshtrace_heap.h.
// Only the fields relevant to Type are populated; the rest are zero.
type RawEvent struct {
	Type EventType

	// Connection-shaped events (NewConnection, EstablishedConnection,
	// CloseConnection, AuthFailedConnection).
	PtmPID int32
	Conn   Connection

	// Command-shaped events (CommandStart, CommandEnd).
	Cmd Command

	// TerminalUpdate.
	TerminalData []byte
	DataLen      int

	// FileUpload.
	TargetPath string
	FileMode   uint32

	// BashCloned (internal): identifies the three tgids of a freshly
	// completed ptm->pts->shell lineage so the ingest goroutine can run
	// the proc introspector and overlay the Connection row.
	PtsPID   int32
	ShellPID int32
}
