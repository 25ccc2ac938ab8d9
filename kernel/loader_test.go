/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// NewLoader itself requires a real compiled BPF object, and Attach needs
// CAP_BPF to attach tracepoints, neither of which this test environment
// has; what remains testable without a kernel is option application and
// the disk-lookup error path, following the capability-skip discipline the
// gvisor-ligolo fork uses for its own sandboxed syscall tests.

func TestWithObjectPathOverridesConfig(t *testing.T) {
	var cfg loaderConfig
	WithObjectPath("/opt/custom/sshtrace.bpf.o")(&cfg)
	require.Equal(t, "/opt/custom/sshtrace.bpf.o", cfg.objectPath)
}

func TestWithRingBufferSetsFlag(t *testing.T) {
	var cfg loaderConfig
	require.False(t, cfg.useRingbuf)
	WithRingBuffer()(&cfg)
	require.True(t, cfg.useRingbuf)
}

func TestLoadCollectionSpecMissingFileReturnsError(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist.bpf.o")
	_, err := loadCollectionSpec(missing)
	require.Error(t, err)
}

func TestLoadCollectionSpecEmptyPathUsesDefault(t *testing.T) {
	// DefaultObjectPath won't exist in a test sandbox either, but the
	// empty-path branch must still resolve to it rather than erroring on
	// an empty os.Stat call.
	_, err := loadCollectionSpec("")
	require.Error(t, err)
}
