package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStandardLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLevelLogger(&buf, LevelWarn)

	l.Debugf("debug %d", 1)
	l.Infof("info %d", 2)
	require.Empty(t, buf.String())

	l.Warnf("warn %d", 3)
	require.Contains(t, buf.String(), "WARN:  warn 3")

	buf.Reset()
	l.SetLevel(LevelDebug)
	l.WithPrefix("[txn] ").Debugf("opened %s", "k1")
	require.Contains(t, buf.String(), "[txn] DEBUG: opened k1")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, LevelWarn, ParseLevel("warning"))
	require.Equal(t, LevelError, ParseLevel("error"))
	require.Equal(t, LevelInfo, ParseLevel("bogus"))
}

func TestNewFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opstore.log")
	l, closer := NewFileLogger(FileOptions{Path: path, MaxSizeMB: 1}, LevelInfo)
	l.Infof("hello %s", "file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "INFO:  hello file")
}
