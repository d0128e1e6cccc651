package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// library builds a folder with two identical ProDOS disks, a DOS disk, an
// unreadable image and a file the scan ignores.
func library(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/host/HELLO#0x0300.BIN", bytes.Repeat([]byte{0x60}, 700), 0644))
	require.NoError(t, afero.WriteFile(fs, "/host/NOTES.TXT", []byte("X MARKS THE TREASURE\r"), 0644))

	mustRun(t, fs, "create", "/lib/a.po", "--name", "ALPHA")
	mustRun(t, fs, "put", "/lib/a.po", "/host/HELLO#0x0300.BIN")
	raw, err := afero.ReadFile(fs, "/lib/a.po")
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/lib/copy/c.po", raw, 0644))

	mustRun(t, fs, "create", "/lib/b.do", "--fs", "dos33")
	mustRun(t, fs, "put", "/lib/b.do", "/host/NOTES.TXT")

	require.NoError(t, afero.WriteFile(fs, "/lib/bad.dsk", bytes.Repeat([]byte{0x55}, 1000), 0644))
	require.NoError(t, afero.WriteFile(fs, "/lib/readme.txt", []byte("not an image"), 0644))
	return fs
}

func scanJSON(t *testing.T, fs afero.Fs, args ...string) scanReport {
	t.Helper()
	out := mustRun(t, fs, append([]string{"scan", "/lib", "--format", "json"}, args...)...)
	var rep scanReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	return rep
}

func TestScanFormatsAndFailures(t *testing.T) {
	rep := scanJSON(t, library(t))

	assert.Equal(t, "/lib", rep.Root)
	assert.Equal(t, 4, rep.Images)
	assert.Equal(t, map[string]int{"ProDOS": 2, "DOS 3.3": 1}, rep.ByFormat)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, "/lib/bad.dsk", rep.Failed[0].Image)
	assert.Empty(t, rep.Matches)
	assert.Empty(t, rep.Duplicates)
	assert.Empty(t, rep.WholeDuplicates)
}

func TestScanDuplicates(t *testing.T) {
	rep := scanJSON(t, library(t), "--file-dupes", "--whole-dupes")

	require.Len(t, rep.WholeDuplicates, 1)
	assert.Equal(t, []DuplicateSource{{Image: "/lib/a.po"}, {Image: "/lib/copy/c.po"}}, rep.WholeDuplicates[0].Sources)

	require.Len(t, rep.Duplicates, 1)
	assert.Equal(t, []DuplicateSource{
		{Image: "/lib/a.po", File: "HELLO"},
		{Image: "/lib/copy/c.po", File: "HELLO"},
	}, rep.Duplicates[0].Sources)
	assert.Len(t, rep.Duplicates[0].SHA256, 64)
}

func TestScanSearch(t *testing.T) {
	fs := library(t)

	rep := scanJSON(t, fs, "--text", "treasure")
	require.Len(t, rep.Matches, 1)
	assert.Equal(t, scanMatch{Image: "/lib/b.do", File: "NOTES", Type: "TXT", Size: rep.Matches[0].Size}, rep.Matches[0])

	rep = scanJSON(t, fs, "--name", "hel*")
	require.Len(t, rep.Matches, 2)
	for _, m := range rep.Matches {
		assert.Equal(t, "HELLO", m.File)
		assert.Equal(t, int64(700), m.Size)
	}

	rep = scanJSON(t, fs, "--name", "HELLO", "--text", "treasure")
	assert.Empty(t, rep.Matches)
}

func TestScanTextReport(t *testing.T) {
	out := mustRun(t, library(t), "scan", "/lib", "--whole-dupes", "--format", "text")
	assert.Contains(t, out, "DiskM8 scan report")
	assert.Contains(t, out, "Failed")
	assert.Contains(t, out, "/lib/bad.dsk")
	assert.Contains(t, out, "Total redundant copies found   : 1")
}

func TestScanSimilar(t *testing.T) {
	fs := library(t)
	require.NoError(t, afero.WriteFile(fs, "/host/EXTRA.TXT", []byte("MORE"), 0644))
	mustRun(t, fs, "create", "/lib/d.po", "--name", "DELTA")
	mustRun(t, fs, "put", "/lib/d.po", "/host/HELLO#0x0300.BIN")
	mustRun(t, fs, "put", "/lib/d.po", "/host/EXTRA.TXT")

	rep := scanJSON(t, fs, "--similar", "50")
	require.Len(t, rep.Similar, 3)

	assert.Equal(t, "/lib/a.po", rep.Similar[0].Image)
	assert.Equal(t, "/lib/copy/c.po", rep.Similar[0].Other)
	assert.Equal(t, relIdentical, rep.Similar[0].Relation)
	assert.InDelta(t, 100, rep.Similar[0].Percent, 0.001)

	for _, s := range rep.Similar[1:] {
		assert.Equal(t, "/lib/d.po", s.Other)
		assert.Equal(t, relSubset, s.Relation)
		assert.InDelta(t, 50, s.Percent, 0.001)
		assert.Equal(t, 1, s.Extra)
	}

	rep = scanJSON(t, fs, "--similar", "75")
	assert.Len(t, rep.Similar, 1)
}
