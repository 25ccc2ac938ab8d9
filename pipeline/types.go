/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package pipeline

// TCPInfoJSON is the wire shape of a Connection's TCP endpoint: IPv4
// addresses are strings ("0" when the connection has no known endpoint
// yet), never raw integers.
type TCPInfoJSON struct {
	ServerIP   string `json:"server_ip"`
	ClientIP   string `json:"client_ip"`
	ServerPort uint16 `json:"server_port"`
	ClientPort uint16 `json:"client_port"`
}

// ConnectionEvent is the wire shape shared by connection_new,
// connection_established, connection_auth_failed, and connection_close.
type ConnectionEvent struct {
	EventType string `json:"event_type"`

	PtmPID   int32  `json:"ptm_pid"`
	UserID   int32  `json:"user_id"`
	Username string `json:"username"`
	PtsPID   int32  `json:"pts_pid"`
	ShellPID int32  `json:"shell_pid"`
	TTYID    int32  `json:"tty_id"`

	StartTime    uint64 `json:"start_time"`
	EndTime      uint64 `json:"end_time"`
	StartTimeRaw uint64 `json:"start_timeraw"`
	EndTimeRaw   uint64 `json:"end_timeraw"`

	TCPInfo TCPInfoJSON `json:"tcp_info"`
}

// CommandEvent is the wire shape shared by command_start and
// command_finish.
type CommandEvent struct {
	EventType string `json:"event_type"`

	PtmPID    int32  `json:"ptm_pid"`
	Filename  string `json:"filename"`
	StartTime uint64 `json:"start_time"`
	EndTime   uint64 `json:"end_time"`
	ExitCode  int32  `json:"exit_code"`
	StdoutSize uint32 `json:"stdout_size"`
	Stdout    string `json:"stdout"`
	Args      string `json:"args"`
	ParentPID uint32 `json:"parent_pid"`
	PID       uint32 `json:"pid"`
}

// TerminalEvent is the wire shape of terminal_update.
type TerminalEvent struct {
	EventType    string `json:"event_type"`
	PtmPID       int32  `json:"ptm_pid"`
	TerminalData string `json:"terminal_data"`
	DataLen      int    `json:"data_len"`
}

// FileUploadEvent is the wire shape of file_upload.
type FileUploadEvent struct {
	EventType  string `json:"event_type"`
	PtmPID     int32  `json:"ptm_pid"`
	TargetPath string `json:"target_path"`
	FileMode   string `json:"file_mode"`
}
