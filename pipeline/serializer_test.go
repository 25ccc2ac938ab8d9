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
	"testing"

	"github.com/sshlog/agent/kernel"
	"github.com/stretchr/testify/require"
)

func TestIPStringZeroIsLiteralZero(t *testing.T) {
	require.Equal(t, "0", ipString(0))
}

func TestIPStringDecodesFirstOctetFromLowByte(t *testing.T) {
	// 127.0.0.1 stored as kernel/decode.go would produce it: first octet
	// in the low byte.
	ip := uint32(127) | uint32(0)<<8 | uint32(0)<<16 | uint32(1)<<24
	require.Equal(t, "127.0.0.1", ipString(ip))
}

func TestFileModeOctalMasksToLow9Bits(t *testing.T) {
	require.Equal(t, "644", fileModeOctal(0o100644))
	require.Equal(t, "777", fileModeOctal(0o777))
}

func TestConnectionSerializesAuthFailedWithoutBoottimeConversion(t *testing.T) {
	s := newSerializer()
	conn := kernel.NewConnection(42)
	conn.StartTime = 1700000000123
	conn.EndTime = 1700000000123

	b, err := s.Connection(kernel.RawEvent{
		Type:   kernel.EventAuthFailedConnection,
		PtmPID: 42,
		Conn:   conn,
	})
	require.NoError(t, err)

	var out ConnectionEvent
	require.NoError(t, json.Unmarshal(b, &out))
	require.Equal(t, "connection_auth_failed", out.EventType)
	require.Equal(t, uint64(1700000000123), out.StartTime, "expected auth-failed start_time to pass through unconverted")
	require.Equal(t, "0", out.TCPInfo.ServerIP, `expected unset server_ip to render "0"`)
}

func TestFileUploadRendersOctalMode(t *testing.T) {
	s := newSerializer()
	b, err := s.FileUpload(kernel.RawEvent{
		Type:       kernel.EventFileUpload,
		PtmPID:     7,
		TargetPath: "/tmp/payload",
		FileMode:   0o644,
	})
	require.NoError(t, err)
	var out FileUploadEvent
	require.NoError(t, json.Unmarshal(b, &out))
	require.Equal(t, "644", out.FileMode)
	require.Equal(t, "file_upload", out.EventType)
}
