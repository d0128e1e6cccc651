package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/paleotronic/diskm8/config"
	"github.com/paleotronic/diskm8/disk"
	"github.com/paleotronic/diskm8/loggy"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSmartSplit(t *testing.T) {
	tests := []struct {
		line string
		verb string
		args []string
	}{
		{"", "", nil},
		{"cat", "cat", nil},
		{"put  /tmp/a.bin   DEST", "put", []string{"/tmp/a.bin", "DEST"}},
		{`mount "My Disks/game.dsk"`, "mount", []string{"My Disks/game.dsk"}},
		{`mount My\ Disks/game.dsk 1`, "mount", []string{"My Disks/game.dsk", "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			verb, args := smartSplit(tt.line)
			assert.Equal(t, tt.verb, verb)
			assert.Equal(t, tt.args, args)
		})
	}
}

func runScript(t *testing.T, fs afero.Fs, script string, args ...string) (string, string, error) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, "/script.txt", []byte(script), 0644))
	return diskm8(t, fs, append([]string{"shell", "--batch", "/script.txt"}, args...)...)
}

func TestShellBatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustRun(t, fs, "create", "/hd.po", "--blocks", "800", "--name", "HD")
	require.NoError(t, afero.WriteFile(fs, "/host/NOTE.TXT", []byte("remember\r"), 0644))

	out, errOut, err := runScript(t, fs, strings.Join([]string{
		"# build a directory and fill it",
		"mount /hd.po",
		"mkdir GAMES",
		"prefix GAMES",
		"put /host/NOTE.TXT",
		"cat",
		"list NOTE",
		"prefix ..",
		"disks",
		"quit",
		"mkdir NEVER",
	}, "\n"))
	require.NoError(t, err, errOut)

	assert.Contains(t, errOut, "mount disk in slot 0")
	assert.Contains(t, out, "Switched to directory GAMES")
	assert.Contains(t, out, "Stored GAMES:NOTE")
	assert.Contains(t, out, "GAMES:NOTE")
	assert.Contains(t, out, "remember")
	assert.Contains(t, out, "Mounted Volumes")
	assert.Contains(t, out, "0:/hd.po (HD, ")

	cr := catalogOf(t, fs, "/hd.po")
	paths := make([]string, 0, len(cr.Files))
	for _, f := range cr.Files {
		paths = append(paths, f.Path)
	}
	assert.ElementsMatch(t, []string{"GAMES", "GAMES:NOTE"}, paths)
}

func TestShellBatchStopsOnFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustRun(t, fs, "create", "/hd.po")

	_, errOut, err := runScript(t, fs, "mount /hd.po\nbogus\nmkdir LATER\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "script failed at line 2: bogus")
	assert.Contains(t, errOut, "Unrecognized command: bogus")

	cr := catalogOf(t, fs, "/hd.po")
	assert.Empty(t, cr.Files)
}

func TestShellNeedsMount(t *testing.T) {
	_, errOut, err := runScript(t, afero.NewMemMapFs(), "cat\n")
	require.Error(t, err)
	assert.Contains(t, errOut, "cat only works on mounted disks")
}

func TestShellCopyBetweenSlots(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustRun(t, fs, "create", "/src.po", "--name", "SRC")
	mustRun(t, fs, "create", "/dst.do", "--fs", "dos33")
	require.NoError(t, afero.WriteFile(fs, "/CODE#0x6000.BIN", []byte{0xea, 0xea, 0x60}, 0644))
	mustRun(t, fs, "put", "/src.po", "/CODE#0x6000.BIN")

	out, errOut, err := runScript(t, fs, strings.Join([]string{
		"mount /src.po",
		"mount /dst.do",
		"copy 0:CODE 1:",
		"copy 0:CODE 0:",
	}, "\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 4")
	assert.Contains(t, out, "0:CODE -> 1:CODE")
	assert.Contains(t, errOut, "source and target are the same volume")

	cr := catalogOf(t, fs, "/dst.do")
	require.Len(t, cr.Files, 1)
	assert.Equal(t, "CODE", cr.Files[0].Path)
	assert.Equal(t, "BIN", cr.Files[0].Type)
	assert.Equal(t, uint32(0x6000), cr.Files[0].AuxType)
}

func TestShellMountsImageArgument(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustRun(t, fs, "create", "/hd.po", "--name", "ARG")

	out, _, err := runScript(t, fs, "info\n", "/hd.po")
	require.NoError(t, err)
	assert.Contains(t, out, "Disk path   : /hd.po")
	assert.Contains(t, out, "Volume      : ARG")
}

func TestShellReadOnlyMount(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustRun(t, fs, "create", "/hd.po")

	out, errOut, err := runScript(t, fs, "mount /hd.po\ndisks\nmkdir NOPE\n", "--read-only")
	require.Error(t, err)
	assert.Contains(t, out, "(DISKM8, ro)")
	assert.Contains(t, errOut, "Error:")
}

// newTestShell builds a shell over fs without going through cobra.
func newTestShell(t *testing.T, fs afero.Fs) (*shell, *bytes.Buffer) {
	t.Helper()
	cfg, err := config.LoadFs(fs, "")
	require.NoError(t, err)

	var out bytes.Buffer
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := newApp(fs, strings.NewReader(""), &out, &out)
	a.cfg = cfg
	a.log = &loggy.Logger{Logger: discard}
	a.eng = disk.NewEngine(cfg.EngineConfig(fs, discard))

	sh := a.newShell(context.Background())
	t.Cleanup(func() { sh.closeAll() })
	return sh, &out
}

func completions(sh *shell, line string) []string {
	items, _ := (&shellCompleter{sh: sh}).Do([]rune(line), len([]rune(line)))
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, string(it))
	}
	return out
}

func TestShellCompleter(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustRun(t, fs, "create", "/disks/one.po", "--name", "ONE")
	require.NoError(t, afero.WriteFile(fs, "/host/STARTUP.TXT", []byte("hi"), 0644))
	mustRun(t, fs, "put", "/disks/one.po", "/host/STARTUP.TXT")
	require.NoError(t, afero.WriteFile(fs, "/disks/other disk.po", []byte{}, 0644))

	sh, _ := newTestShell(t, fs)

	assert.Equal(t, []string{"nt"}, completions(sh, "mou"))
	assert.ElementsMatch(t, []string{"ne.po", `ther\ disk.po`}, completions(sh, "mount /disks/o"))
	assert.Empty(t, completions(sh, "list ST"))

	require.Equal(t, shellOK, sh.process("mount /disks/one.po"))
	assert.Equal(t, []string{"ARTUP"}, completions(sh, "list ST"))
	assert.Equal(t, "dsk:0:one.po:> ", sh.prompt())
}
