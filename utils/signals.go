/*************************************************************************
 * Copyright 2019 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package utils

import (
	"os"
	"os/signal"
	"syscall"
)

// GetQuitChannel registers and returns a channel notified on receipt of
// SIGHUP, SIGINT, SIGQUIT, or SIGTERM -- the signals sshlogd's poll loop
// selects on to shut the agent down cleanly. SIGKILL is deliberately not
// in this list: the kernel never delivers it to a handler, so registering
// it with signal.Notify only masks that sshlogd can't intercept it.
func GetQuitChannel() chan os.Signal {
	quitSig := make(chan os.Signal, 1)
	signal.Notify(quitSig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	return quitSig
}
