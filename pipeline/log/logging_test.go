/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testFile = `test.log`

var tempdir string

func TestMain(m *testing.M) {
	var err error
	if tempdir, err = os.MkdirTemp(os.TempDir(), ``); err != nil {
		fmt.Println("failed to create temp dir", err)
		os.Exit(-1)
	}
	r := m.Run()
	os.RemoveAll(tempdir)
	os.Exit(r)
}

func newLogger() (*Logger, error) {
	fout, err := os.Create(filepath.Join(tempdir, testFile))
	if err != nil {
		return nil, err
	}
	return New(fout), nil
}

func appendLogger() (*Logger, error) {
	return NewFile(filepath.Join(tempdir, testFile))
}

func TestNewAndClose(t *testing.T) {
	lgr, err := newLogger()
	require.NoError(t, err)
	require.NoError(t, lgr.Critical("session closed"))
	require.NoError(t, lgr.Close())
}

func TestLevelGating(t *testing.T) {
	lgr, err := appendLogger()
	require.NoError(t, err)
	require.NoError(t, lgr.SetLevel(WARN))
	require.NoError(t, lgr.Warn("rate limited", KV("ptm_tgid", 412)))
	require.NoError(t, lgr.Info("should be dropped"))
	require.NoError(t, lgr.Debug("should also be dropped"))
	require.NoError(t, lgr.Close())

	bts, err := os.ReadFile(filepath.Join(tempdir, testFile))
	require.NoError(t, err)
	s := string(bts)
	require.Contains(t, s, "rate limited")
	require.NotContains(t, s, "should be dropped")
	require.NotContains(t, s, "should also be dropped")
}

func TestSetLevelString(t *testing.T) {
	lgr := NewDiscardLogger()
	require.NoError(t, lgr.SetLevelString("debug"))
	require.Equal(t, DEBUG, lgr.GetLevel())
	require.Error(t, lgr.SetLevelString("bogus"))
}

func TestLevelStringRoundTrip(t *testing.T) {
	for _, lvl := range []Level{OFF, DEBUG, INFO, WARN, ERROR, CRITICAL, FATAL} {
		got, err := LevelFromString(lvl.String())
		require.NoError(t, err)
		require.Equal(t, lvl, got)
	}
}

func TestDiscardLoggerNeverErrors(t *testing.T) {
	lgr := NewDiscardLogger()
	require.NoError(t, lgr.Info("discarded", KVErr(fmt.Errorf("boom"))))
	require.NoError(t, lgr.Close())
}

func TestClosedLoggerRejectsWrites(t *testing.T) {
	lgr, err := newLogger()
	require.NoError(t, err)
	require.NoError(t, lgr.Close())
	require.ErrorIs(t, lgr.Info("after close"), ErrNotOpen)
}
