/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package sessionscan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHexAddr(t *testing.T) {
	// 0100007F == little-endian 127.0.0.1; 0016 == port 22.
	ip, port, err := parseHexAddr("0100007F:0016")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", ip)
	require.Equal(t, int32(22), port)
}

func TestParseHexAddrMalformed(t *testing.T) {
	_, _, err := parseHexAddr("not-an-address")
	require.Error(t, err, "expected error for malformed address")
}

func TestIsPTSThreeGenerationCheck(t *testing.T) {
	byPID := map[int32]process{
		1:   {pid: 1, ppid: 0, comm: "init"},
		100: {pid: 100, ppid: 1, comm: "sshd"},   // listening daemon
		101: {pid: 101, ppid: 100, comm: "sshd"}, // ptm
		102: {pid: 102, ppid: 101, comm: "sshd"}, // pts - this is the target
	}

	require.True(t, isPTS(byPID[102], byPID), "expected pid 102 to classify as a pts process")
	require.False(t, isPTS(byPID[101], byPID), "ptm process should not classify as pts (parent is pid-1-rooted)")
	require.False(t, isPTS(byPID[100], byPID), "the listening daemon itself should not classify as pts")
}

func TestIsPTSRejectsNonSSHDLineage(t *testing.T) {
	byPID := map[int32]process{
		1:   {pid: 1, ppid: 0, comm: "init"},
		100: {pid: 100, ppid: 1, comm: "sshd"},
		101: {pid: 101, ppid: 100, comm: "bash"}, // not sshd
		102: {pid: 102, ppid: 101, comm: "sshd"},
	}
	require.False(t, isPTS(byPID[102], byPID), "lineage with a non-sshd parent should not classify as pts")
}

func TestDottedQuadToUint32(t *testing.T) {
	got := dottedQuadToUint32("127.0.0.1")
	want := uint32(127) | uint32(0)<<8 | uint32(0)<<16 | uint32(1)<<24
	require.Equal(t, want, got)
}

func TestClockTicksPerSecond(t *testing.T) {
	require.Equal(t, uint64(100), clockTicksPerSecond(), "expected USER_HZ of 100")
}
