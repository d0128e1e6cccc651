package loggy

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesLogFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	l, err := New(Options{Folder: dir, App: "test", Level: slog.LevelDebug})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "test.log"), l.Path())

	l.Debug("opened image", "name", "work.po")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "level=DEBUG")
	assert.Contains(t, string(data), `msg="opened image"`)
	assert.Contains(t, string(data), "name=work.po")
	assert.Contains(t, string(data), "app=test")
}

func TestLevelFilters(t *testing.T) {
	var echo bytes.Buffer
	l, err := New(Options{Level: slog.LevelWarn, Echo: true, Stderr: &echo})
	require.NoError(t, err)
	assert.Empty(t, l.Path())

	l.Info("quiet")
	l.Warn("loud")
	assert.NotContains(t, echo.String(), "quiet")
	assert.Contains(t, echo.String(), "loud")
	assert.NoError(t, l.Close())
}

func TestEchoAlsoWritesFile(t *testing.T) {
	var echo bytes.Buffer
	l, err := New(Options{Folder: t.TempDir(), Echo: true, Stderr: &echo})
	require.NoError(t, err)
	l.Info("both")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "both")
	assert.Contains(t, echo.String(), "both")
	assert.Equal(t, DefaultApp+".log", filepath.Base(l.Path()))
}

func TestGetTagsSlot(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { SetDefault(nil) })

	a := Get(3)
	assert.Same(t, a, Get(3))
	a.Info("mounted")
	assert.Contains(t, buf.String(), "slot=3")
}

func TestGetBeforeSetDefault(t *testing.T) {
	SetDefault(nil)
	assert.NotPanics(t, func() { Get(0).Info("nowhere") })
}

func TestParseLevel(t *testing.T) {
	lv, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lv)

	lv, err = ParseLevel(" WARN ")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lv)

	_, err = ParseLevel("chatty")
	assert.Error(t, err)
}
