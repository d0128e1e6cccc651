package disk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(Config{
		Fs:                afero.NewMemMapFs(),
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		ScanForSubVolumes: SubVolumeScanOn,
	})
}

// newProDOSVolume creates and formats an in-memory ProDOS volume.
func newProDOSVolume(t *testing.T, e *Engine, volName string, blocks int) (*DiskImg, *DiskFS) {
	t.Helper()
	img, err := e.CreateImage(CreateParams{StorageName: volName + ".po", FS: FSFormatProDOS}, blocks)
	require.NoError(t, err)
	fs, err := img.OpenAppropriateDiskFS()
	require.NoError(t, err)
	require.NoError(t, fs.Format(volName))
	return img, fs
}

// newDOSVolume creates and formats an in-memory DOS 3.3 disk.
func newDOSVolume(t *testing.T, e *Engine) (*DiskImg, *DiskFS) {
	t.Helper()
	img, err := e.CreateImageTS(CreateParams{StorageName: "dos.do", FS: FSFormatDOS33}, STD_TRACKS_PER_DISK, STD_SECTORS_PER_TRACK)
	require.NoError(t, err)
	fs, err := img.OpenAppropriateDiskFS()
	require.NoError(t, err)
	require.NoError(t, fs.Format(""))
	return img, fs
}

func writeTestFile(t *testing.T, fs *DiskFS, path string, fileType uint32, data []byte) *A2File {
	t.Helper()
	f, err := fs.CreateFile(CreateParms{PathName: path, FileType: fileType})
	require.NoError(t, err)
	d, err := f.Open(context.Background(), false, false)
	require.NoError(t, err)
	_, err = d.Write(data)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	return f
}

func readTestFile(t *testing.T, f *A2File) []byte {
	t.Helper()
	d, err := f.Open(context.Background(), true, false)
	require.NoError(t, err)
	defer d.Close()
	data, err := io.ReadAll(d)
	require.NoError(t, err)
	return data
}

// reopen reads the image back through a fresh engine, the way a second
// program would see it.
func reopen(t *testing.T, img *DiskImg, name string) (*DiskImg, *DiskFS) {
	t.Helper()
	raw, err := img.RawBytes()
	require.NoError(t, err)
	e := newTestEngine(t)
	out, err := e.OpenImageFromBuffer(raw, name, false)
	require.NoError(t, err)
	require.NoError(t, out.AnalyzeImage())
	fs, err := out.OpenAppropriateDiskFS()
	require.NoError(t, err)
	require.NoError(t, fs.Initialize(context.Background(), InitFull))
	return out, fs
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7) ^ seed
	}
	return b
}

var errStoreWrite = errors.New("store write failed")

// brokenStore refuses every write; reads pass through.
type brokenStore struct {
	imageStore
}

func (brokenStore) WriteAt(p []byte, off int64) (int, error) {
	return 0, errStoreWrite
}

// breakWrites makes every later write to img fail and returns a func that
// undoes it.
func breakWrites(img *DiskImg) func() {
	saved := img.raw
	img.raw = brokenStore{imageStore: saved}
	return func() { img.raw = saved }
}
