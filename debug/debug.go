/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package debug is sshlogd's SIGUSR1 profiling trap: a stack trace, memory
// profile, and CPU profile dumped to disk on demand, for diagnosing a
// stuck or leaking agent in the field without restarting it.
package debug

import (
	"bytes"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/sshlog/agent/pipeline/log"
)

const (
	cpuProfileSleep = 10 * time.Second
	maxStackSize    = 256 * 1024 * 1024
)

// HandleDebugSignals is a SIGUSR1 trap installed at agent startup to
// generate a stack trace, memory profile, and CPU profile on demand. name
// prefixes the temp directory each dump lands in (sshlogd passes its own
// process name); lgr receives one Info line per dump naming the directory,
// or a Warn if the dump directory couldn't be created -- nil is safe and
// silently discards both. Meant to run in its own goroutine for the life
// of the process.
func HandleDebugSignals(name string, lgr *log.Logger) {
	if lgr == nil {
		lgr = log.NewDiscardLogger()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGUSR1)

	for range c {
		dir, err := os.MkdirTemp("", name)
		if err != nil {
			lgr.Warn("debug dump requested but temp dir could not be created", log.KVErr(err))
			continue
		}
		DumpDebugFiles(dir)
		lgr.Info("wrote debug dump", log.KV("dir", dir))
	}
}

// DumpDebugFiles generates a stacktrace, memory profile, and CPU profile
// into the provided directory. The CPU profile blocks for
// cpuProfileSleep collecting samples before it's written.
func DumpDebugFiles(dir string) {
	generateStackTrace(dir)
	generateMemoryProfile(dir)
	generateCPUProfile(dir)
}

func generateStackTrace(dir string) {
	stackTraceName := filepath.Join(dir, "stack")
	st, err := os.Create(stackTraceName)
	if err != nil {
		return
	}
	defer st.Close()

	// return a trace, growing the buffer until it's big enough
	size := 1024 * 1024
	var buf []byte
	var n int
	for {
		buf = make([]byte, size)
		n = runtime.Stack(buf, true)
		if n < size {
			break
		}
		size *= 2
		if size >= maxStackSize {
			return
		}
	}
	st.Write(buf[:n])
}

func generateMemoryProfile(dir string) {
	memName := filepath.Join(dir, "mem.prof")
	mem, err := os.Create(memName)
	if err != nil {
		return
	}
	defer mem.Close()

	membuf := &bytes.Buffer{}
	runtime.GC()
	if err := pprof.WriteHeapProfile(membuf); err == nil {
		mem.Write(membuf.Bytes())
	}
}

func generateCPUProfile(dir string) {
	cpuName := filepath.Join(dir, "cpu.prof")
	cpu, err := os.Create(cpuName)
	if err != nil {
		return
	}
	defer cpu.Close()

	cpubuf := &bytes.Buffer{}
	if err := pprof.StartCPUProfile(cpubuf); err == nil {
		time.Sleep(cpuProfileSleep)
		pprof.StopCPUProfile()
		cpu.Write(cpubuf.Bytes())
	}
}
