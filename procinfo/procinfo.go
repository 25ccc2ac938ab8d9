/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package procinfo introspects /proc for the fields the kernel side of
// sshlog cannot know on its own: which file descriptors of a pts process
// address the PTY slave device, which tty index those descriptors name,
// and which local user owns the process. It is invoked once per session,
// immediately after a BASH_CLONED event is observed.
package procinfo

import (
	"bufio"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
)

// Unknown is the sentinel returned for any field procinfo could not
// determine, matching the kernel side's -1 convention for unknown fields.
const Unknown = -1

const maxPTSFDs = 3

// PTSInfo is everything procinfo can recover about a pts-side process: up
// to three file descriptors pointing at its /dev/pts/N slave or /dev/ptmx, the tty
// index those descriptors name, and the numeric uid the process runs as.
type PTSInfo struct {
	PtsFD    [maxPTSFDs]int32
	TTYID    int32
	UserID   int32
	Username string
}

// Lookup walks /proc/<pid>/fd, /proc/<pid>/fdinfo, and /proc/<pid>/status
// for the pts-side process identified by pid. A missing /proc entry (the
// process has already exited) is returned as an error, together with a
// PTSInfo whose undetermined fields carry the Unknown sentinel, so callers
// can still proceed with a partial overlay.
func Lookup(pid int32) (PTSInfo, error) {
	info := PTSInfo{
		PtsFD:  [maxPTSFDs]int32{Unknown, Unknown, Unknown},
		TTYID:  Unknown,
		UserID: Unknown,
	}

	fds, err := findPTSFDsIn(fmt.Sprintf("/proc/%d/fd", pid))
	if err != nil {
		return info, err
	}
	for i, fd := range fds {
		if i >= maxPTSFDs {
			break
		}
		info.PtsFD[i] = fd
	}

	if len(fds) > 0 {
		ttyID, err := findTTYIDIn(fmt.Sprintf("/proc/%d/fdinfo/%d", pid, fds[0]))
		if err == nil {
			info.TTYID = ttyID
		}
	}

	uid, username, err := findUserIn(fmt.Sprintf("/proc/%d/status", pid))
	if err == nil {
		info.UserID = uid
		info.Username = username
	}

	return info, nil
}

// findPTSFDsIn scans fdDir for descriptors whose symlink target is
// /dev/ptmx or a /dev/pts/N slave, stopping after maxPTSFDs matches.
func findPTSFDsIn(fdDir string) ([]int32, error) {
	entries, err := os.ReadDir(fdDir)
	if err != nil {
		return nil, fmt.Errorf("procinfo: reading %s: %w", fdDir, err)
	}

	var fds []int32
	for _, ent := range entries {
		if len(fds) >= maxPTSFDs {
			break
		}
		target, err := os.Readlink(fdDir + "/" + ent.Name())
		if err != nil {
			continue
		}
		if target != "/dev/ptmx" && !strings.HasPrefix(target, "/dev/pts/") {
			continue
		}
		fd, err := strconv.ParseInt(ent.Name(), 10, 32)
		if err != nil {
			continue
		}
		fds = append(fds, int32(fd))
	}
	return fds, nil
}

// findTTYIDIn parses the "tty-index:\t<N>" line out of an fdinfo file.
//
// Kept deliberately faithful to a quirk in the original parser: it only
// trusts the value when the token is exactly one character long, so any
// multi-digit tty index reads back as an error (Unknown to the caller)
// rather than being parsed. See SPEC_FULL.md Open Question 1.
func findTTYIDIn(path string) (int32, error) {
	f, err := os.Open(path)
	if err != nil {
		return Unknown, fmt.Errorf("procinfo: opening %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "tty-index:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		token := fields[1]
		if len(token) != 1 {
			continue
		}
		n, err := strconv.ParseInt(token, 10, 32)
		if err != nil {
			continue
		}
		return int32(n), nil
	}
	return Unknown, fmt.Errorf("procinfo: no single-digit tty-index line in %s", path)
}

// findUserIn reads the real uid out of a /proc/<pid>/status file and
// resolves it to a username via os/user, falling back to the bare uid
// string when no matching passwd entry exists (e.g. the agent runs inside
// a container without the host's user database mounted).
func findUserIn(path string) (int32, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return Unknown, "", fmt.Errorf("procinfo: opening %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "Uid:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		uid, err := strconv.ParseInt(fields[1], 10, 32)
		if err != nil {
			return Unknown, "", fmt.Errorf("procinfo: parsing uid in %s: %w", path, err)
		}

		username := fields[1]
		if u, err := user.LookupId(fields[1]); err == nil {
			username = u.Username
		}
		return int32(uid), username, nil
	}
	return Unknown, "", fmt.Errorf("procinfo: no Uid line in %s", path)
}
