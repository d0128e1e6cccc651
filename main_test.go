package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/paleotronic/diskm8/disk"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// diskm8 runs one command line against fs with the log file disabled.
func diskm8(t *testing.T, fs afero.Fs, args ...string) (string, string, error) {
	t.Helper()
	var out, errb bytes.Buffer
	args = append(args, "--log-folder=")
	err := run(args, fs, strings.NewReader(""), &out, &errb)
	return out.String(), errb.String(), err
}

func mustRun(t *testing.T, fs afero.Fs, args ...string) string {
	t.Helper()
	out, errOut, err := diskm8(t, fs, args...)
	require.NoError(t, err, "diskm8 %v: %s", args, errOut)
	return out
}

func catalogOf(t *testing.T, fs afero.Fs, image string, extra ...string) catalogReport {
	t.Helper()
	out := mustRun(t, fs, append([]string{"cat", image, "--format", "json"}, extra...)...)
	var cr catalogReport
	require.NoError(t, json.Unmarshal([]byte(out), &cr))
	return cr
}

func TestCreateAndCatalog(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustRun(t, fs, "create", "/disks/work.po", "--name", "WORK")

	ok, err := afero.Exists(fs, "/disks/work.po")
	require.NoError(t, err)
	assert.True(t, ok)

	cr := catalogOf(t, fs, "/disks/work.po")
	assert.Equal(t, "WORK", cr.Volume)
	assert.Equal(t, "ProDOS", cr.Format)
	assert.Empty(t, cr.Files)
	assert.Equal(t, disk.BLOCK_SIZE, cr.UnitBytes)
	assert.Greater(t, cr.FreeUnits, 260)
}

func TestCreateRefusesExisting(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustRun(t, fs, "create", "/work.po")
	_, _, err := diskm8(t, fs, "create", "/work.po")
	assert.ErrorIs(t, err, disk.ErrFileExists)
	assert.Equal(t, 2, exitCode(err))
}

func TestPutExtractRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustRun(t, fs, "create", "/work.po", "--name", "WORK")
	payload := bytes.Repeat([]byte{0xa9, 0x00, 0x60}, 300)
	require.NoError(t, afero.WriteFile(fs, "/host/HELLO#0x2000.BIN", payload, 0644))

	out := mustRun(t, fs, "put", "/work.po", "/host/HELLO#0x2000.BIN")
	assert.Contains(t, out, "HELLO")

	cr := catalogOf(t, fs, "/work.po")
	require.Len(t, cr.Files, 1)
	assert.Equal(t, "HELLO", cr.Files[0].Path)
	assert.Equal(t, "BIN", cr.Files[0].Type)
	assert.Equal(t, uint32(0x2000), cr.Files[0].AuxType)
	assert.Equal(t, int64(len(payload)), cr.Files[0].Size)

	out = mustRun(t, fs, "extract", "/work.po", "hello", "/out")
	assert.Contains(t, out, "HELLO#0x2000.BIN")
	got, err := afero.ReadFile(fs, "/out/HELLO#0x2000.BIN")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	mustRun(t, fs, "extract", "/work.po", "HELLO", "/plain", "--adorned=false")
	got, err = afero.ReadFile(fs, "/plain/HELLO")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestPutRefusesDuplicateUnlessReplace(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustRun(t, fs, "create", "/work.po")
	require.NoError(t, afero.WriteFile(fs, "/DATA.TXT", []byte("one"), 0644))

	mustRun(t, fs, "put", "/work.po", "/DATA.TXT")
	_, _, err := diskm8(t, fs, "put", "/work.po", "/DATA.TXT")
	assert.ErrorIs(t, err, disk.ErrFileExists)

	require.NoError(t, afero.WriteFile(fs, "/DATA.TXT", []byte("two!"), 0644))
	mustRun(t, fs, "put", "/work.po", "/DATA.TXT", "--replace")
	cr := catalogOf(t, fs, "/work.po")
	require.Len(t, cr.Files, 1)
	assert.Equal(t, "TXT", cr.Files[0].Type)
	assert.Equal(t, int64(4), cr.Files[0].Size)
}

func TestPutTokenizesApplesoft(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustRun(t, fs, "create", "/work.po")
	require.NoError(t, afero.WriteFile(fs, "/src/STARTUP.APP.ASC", []byte("10 PRINT \"HI\"\n20 GOTO 10\n"), 0644))

	mustRun(t, fs, "put", "/work.po", "/src/STARTUP.APP.ASC")
	cr := catalogOf(t, fs, "/work.po")
	require.Len(t, cr.Files, 1)
	assert.Equal(t, "STARTUP", cr.Files[0].Path)
	assert.Equal(t, uint32(disk.FileType_PD_APP), cr.Files[0].TypeCode)

	out := mustRun(t, fs, "list", "/work.po", "STARTUP")
	assert.Contains(t, out, "10  PRINT \"HI\"")
	assert.Contains(t, out, "20  GOTO 10")
}

func TestListRejectsBinary(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustRun(t, fs, "create", "/work.po")
	require.NoError(t, afero.WriteFile(fs, "/CODE.BIN", []byte{1, 2, 3}, 0644))
	mustRun(t, fs, "put", "/work.po", "/CODE.BIN")

	_, _, err := diskm8(t, fs, "list", "/work.po", "CODE")
	assert.ErrorIs(t, err, disk.ErrInvalidArg)
}

func TestDOSVolumeCommands(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustRun(t, fs, "create", "/dos.do", "--fs", "dos33")
	require.NoError(t, afero.WriteFile(fs, "/NOTES.TXT", []byte("HELLO\rWORLD\r"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/GAME", []byte{0x4c, 0x00, 0x03}, 0644))

	mustRun(t, fs, "put", "/dos.do", "/NOTES.TXT")
	mustRun(t, fs, "put", "/dos.do", "/GAME,A$0300")

	cr := catalogOf(t, fs, "/dos.do")
	assert.Equal(t, "DOS 3.3", cr.Format)
	assert.Equal(t, disk.STD_BYTES_PER_SECTOR, cr.UnitBytes)
	require.Len(t, cr.Files, 2)
	byName := map[string]fileEntry{}
	for _, f := range cr.Files {
		byName[f.Path] = f
	}
	require.Contains(t, byName, "NOTES")
	require.Contains(t, byName, "GAME")
	assert.Equal(t, "TXT", byName["NOTES"].Type)
	assert.Equal(t, uint32(0x0300), byName["GAME"].AuxType)

	mustRun(t, fs, "lock", "/dos.do", "GAME")
	cr = catalogOf(t, fs, "/dos.do", "GAME")
	require.Len(t, cr.Files, 1)
	assert.True(t, cr.Files[0].Locked)

	mustRun(t, fs, "unlock", "/dos.do", "GAME")
	mustRun(t, fs, "rename", "/dos.do", "GAME", "PLAY")
	mustRun(t, fs, "rm", "/dos.do", "NOTES")

	cr = catalogOf(t, fs, "/dos.do")
	require.Len(t, cr.Files, 1)
	assert.Equal(t, "PLAY", cr.Files[0].Path)
	assert.False(t, cr.Files[0].Locked)

	out := mustRun(t, fs, "info", "/dos.do", "--format", "text")
	assert.Contains(t, out, "Sector Order: DOS")
	assert.Contains(t, out, "Geometry    : 35 tracks x 16 sectors")
}

func TestDirectoriesAndVolumeName(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustRun(t, fs, "create", "/hd.po", "--blocks", "1600", "--name", "OLD")
	require.NoError(t, afero.WriteFile(fs, "/README.TXT", []byte("read me"), 0644))

	mustRun(t, fs, "mkdir", "/hd.po", "DOCS")
	mustRun(t, fs, "put", "/hd.po", "/README.TXT", "DOCS:README")
	mustRun(t, fs, "volname", "/hd.po", "NEW")

	cr := catalogOf(t, fs, "/hd.po", "DOCS:*")
	require.Len(t, cr.Files, 1)
	assert.Equal(t, "DOCS:README", cr.Files[0].Path)
	assert.Equal(t, "NEW", cr.Volume)

	_, _, err := diskm8(t, fs, "rm", "/hd.po", "DOCS:MISSING")
	assert.ErrorIs(t, err, disk.ErrFileNotFound)
}

func TestReadOnlyMode(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustRun(t, fs, "create", "/work.po")
	before, err := afero.ReadFile(fs, "/work.po")
	require.NoError(t, err)

	_, _, err = diskm8(t, fs, "mkdir", "/work.po", "NOPE", "--read-only")
	assert.ErrorIs(t, err, disk.ErrWriteProtected)
	assert.Equal(t, 2, exitCode(err))

	after, err := afero.ReadFile(fs, "/work.po")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestMissingImage(t *testing.T) {
	_, _, err := diskm8(t, afero.NewMemMapFs(), "info", "/nowhere.po")
	assert.ErrorIs(t, err, disk.ErrFileNotFound)
	assert.Equal(t, 2, exitCode(err))
}

func TestUsageReport(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustRun(t, fs, "create", "/work.po")

	out := mustRun(t, fs, "usage", "/work.po", "--map", "--format", "json")
	var ur usageReport
	require.NoError(t, json.Unmarshal([]byte(out), &ur))
	assert.Equal(t, disk.PRODOS_BLOCKS_PER_DISK, ur.Summary.Total)
	assert.Equal(t, ur.Summary.Total, ur.Summary.Used+ur.Summary.Free)
	assert.Zero(t, ur.Summary.Conflicts)
	require.Len(t, ur.Map, 5)
	assert.Len(t, ur.Map[0], 64)

	out = mustRun(t, fs, "usage", "/work.po")
	assert.Contains(t, out, "summary:")
	assert.NotContains(t, out, "map:")
}

func TestConvertToTwoIMG(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustRun(t, fs, "create", "/work.po", "--name", "SOURCE")
	require.NoError(t, afero.WriteFile(fs, "/FILE.BIN", bytes.Repeat([]byte{7}, 1000), 0644))
	mustRun(t, fs, "put", "/work.po", "/FILE.BIN")

	mustRun(t, fs, "convert", "/work.po", "/copy.2mg")

	out := mustRun(t, fs, "info", "/copy.2mg", "--format", "json")
	var ii imageInfo
	require.NoError(t, json.Unmarshal([]byte(out), &ii))
	assert.Equal(t, "2MG", ii.FileFormat)
	assert.Equal(t, "SOURCE", ii.Volume.Name)
	assert.Equal(t, 1, ii.Volume.Files)
	assert.Equal(t, disk.PRODOS_BLOCKS_PER_DISK, ii.Blocks)
}

func TestConfigFileSetsOutput(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/diskm8.yaml", []byte("output: text\n"), 0644))
	mustRun(t, fs, "create", "/work.po", "--name", "TEXTY")

	out := mustRun(t, fs, "cat", "/work.po", "--config", "/diskm8.yaml")
	assert.Contains(t, out, "Volume Name is TEXTY")
	assert.Contains(t, out, "FREE:")
}

func TestBadFormatFlag(t *testing.T) {
	_, _, err := diskm8(t, afero.NewMemMapFs(), "info", "/x.po", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output must be")
}

func TestVersion(t *testing.T) {
	out := mustRun(t, afero.NewMemMapFs(), "version")
	assert.Contains(t, out, "DiskM8 "+version)
}
