/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command sshlogd runs the agent as a standalone process: it prints one
// JSON event per line to stdout as sshlog observes SSH session activity,
// until it receives a termination signal.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sshlog/agent/agent"
	"github.com/sshlog/agent/authwatch"
	"github.com/sshlog/agent/debug"
	"github.com/sshlog/agent/pipeline/log"
	"github.com/sshlog/agent/utils"
	"github.com/sshlog/agent/version"
)

func main() {
	var (
		debugFlag   = flag.Bool("debug", false, "enable debug logging to stderr")
		logFile     = flag.String("log-file", "", "write structured logs to this file instead of stderr")
		btmpPath    = flag.String("btmp", authwatch.DefaultPath, "path to the btmp failed-login log; empty disables the watcher")
		pollTimeout = flag.Duration("poll-timeout", time.Second, "how long each poll for the next event blocks before giving up")
		showVersion = flag.Bool("version", false, "print version information and exit")
	)
	flag.Parse()

	if *showVersion {
		version.PrintVersion(os.Stdout)
		return
	}

	lgr, err := newLogger(*debugFlag, *logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sshlogd: opening log destination: %v\n", err)
		os.Exit(1)
	}
	defer lgr.Close()

	go debug.HandleDebugSignals("sshlogd", lgr)

	opts := agent.DefaultOptions()
	opts.Logger = lgr
	opts.BTMPPath = *btmpPath
	if *debugFlag {
		opts.LogLevel = agent.LogDebug
	}

	a, err := agent.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sshlogd: starting agent: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	quit := utils.GetQuitChannel()

	for a.IsOK() {
		select {
		case sig := <-quit:
			lgr.Info("received signal, shutting down", log.KV("signal", sig.String()))
			return
		default:
		}

		line, ok := a.Poll(*pollTimeout)
		if !ok {
			continue
		}
		fmt.Println(line)
	}
}

func newLogger(debugMode bool, logFile string) (*log.Logger, error) {
	if logFile != "" {
		lgr, err := log.NewFile(logFile)
		if err != nil {
			return nil, err
		}
		if debugMode {
			lgr.SetLevel(log.DEBUG)
		} else {
			lgr.SetLevel(log.WARN)
		}
		return lgr, nil
	}

	lgr := log.New(os.Stderr)
	if debugMode {
		lgr.SetLevel(log.DEBUG)
	} else {
		lgr.SetLevel(log.WARN)
	}
	return lgr, nil
}
