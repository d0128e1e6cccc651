package disk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadStopsWhenProgressDeclines(t *testing.T) {
	e := newTestEngine(t)
	_, fs := newProDOSVolume(t, e, "SLOW", 280)
	data := pattern(5*BLOCK_SIZE, 3)
	f := writeTestFile(t, fs, "LONG", uint32(FileType_PD_BIN), data)

	d, err := f.Open(context.Background(), true, false)
	require.NoError(t, err)
	defer d.Close()

	var limits []int64
	d.SetProgressFunc(func(cur, limit int64) bool {
		limits = append(limits, limit)
		return cur < 2*BLOCK_SIZE
	})

	buf := make([]byte, len(data))
	n, err := d.Read(buf)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 2*BLOCK_SIZE, n)
	assert.Equal(t, data[:n], buf[:n])
	assert.Equal(t, []int64{5 * BLOCK_SIZE, 5 * BLOCK_SIZE, 5 * BLOCK_SIZE}, limits)
}

func TestReadStopsOnContextCancel(t *testing.T) {
	e := newTestEngine(t)
	_, fs := newProDOSVolume(t, e, "HALT", 280)
	data := pattern(4*BLOCK_SIZE, 8)
	f := writeTestFile(t, fs, "LONG", uint32(FileType_PD_BIN), data)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d, err := f.Open(ctx, true, false)
	require.NoError(t, err)
	defer d.Close()

	buf := make([]byte, len(data))
	n, err := d.Read(buf[:600])
	require.NoError(t, err)
	assert.Equal(t, 600, n)

	cancel()
	// the rest of the block already loaded is still handed out
	n, err = d.Read(buf[600:])
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 2*BLOCK_SIZE-600, n)
	assert.Equal(t, int64(2*BLOCK_SIZE), d.Tell())
	assert.Equal(t, data[:2*BLOCK_SIZE], buf[:2*BLOCK_SIZE])

	_, err = d.Read(buf)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestCommitStopsWhenProgressDeclines(t *testing.T) {
	e := newTestEngine(t)
	_, fs := newProDOSVolume(t, e, "KEEP", 280)
	orig := pattern(3*BLOCK_SIZE, 1)
	f := writeTestFile(t, fs, "FILE", uint32(FileType_PD_BIN), orig)
	free, _, err := fs.GetFreeSpaceCount()
	require.NoError(t, err)

	d, err := f.Open(context.Background(), false, false)
	require.NoError(t, err)
	_, err = d.Write(pattern(10*BLOCK_SIZE, 9))
	require.NoError(t, err)

	var seen []int64
	d.SetProgressFunc(func(cur, limit int64) bool {
		seen = append(seen, cur)
		return cur < 4*BLOCK_SIZE
	})
	assert.ErrorIs(t, d.Close(), ErrCancelled)
	assert.Equal(t, []int64{0, BLOCK_SIZE, 2 * BLOCK_SIZE, 3 * BLOCK_SIZE, 4 * BLOCK_SIZE}, seen)

	after, _, err := fs.GetFreeSpaceCount()
	require.NoError(t, err)
	assert.Equal(t, free, after)
	assert.Equal(t, int64(len(orig)), f.GetDataLength())
	assert.Equal(t, orig, readTestFile(t, f))
}

func TestCommitStopsOnContextCancel(t *testing.T) {
	e := newTestEngine(t)
	_, fs := newDOSVolume(t, e)
	orig := []byte("FIRST DRAFT")
	f := writeTestFile(t, fs, "NOTES", uint32(FileType_PD_TXT), orig)
	free, _, err := fs.GetFreeSpaceCount()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	d, err := f.Open(ctx, false, false)
	require.NoError(t, err)
	_, err = d.Write(pattern(3000, 4))
	require.NoError(t, err)
	cancel()
	assert.ErrorIs(t, d.Close(), ErrCancelled)

	after, _, err := fs.GetFreeSpaceCount()
	require.NoError(t, err)
	assert.Equal(t, free, after)
	assert.Equal(t, orig, readTestFile(t, f))

	// the handle is gone, so a new writer is allowed
	d, err = f.Open(context.Background(), false, false)
	require.NoError(t, err)
	require.NoError(t, d.Close())
}

func TestFailedStoreKeepsAllocation(t *testing.T) {
	tests := []struct {
		name  string
		build func(t *testing.T, e *Engine) (*DiskImg, *DiskFS)
	}{
		{"prodos", func(t *testing.T, e *Engine) (*DiskImg, *DiskFS) {
			return newProDOSVolume(t, e, "FAIL", 280)
		}},
		{"dos", newDOSVolume},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, fs := tt.build(t, newTestEngine(t))
			orig := pattern(1000, 5)
			f := writeTestFile(t, fs, "SAFE", uint32(FileType_PD_BIN), orig)

			free, _, err := fs.GetFreeSpaceCount()
			require.NoError(t, err)
			chunks := fs.usage.snapshot()

			repair := breakWrites(img)
			d, err := f.Open(context.Background(), false, false)
			require.NoError(t, err)
			_, err = d.Write(pattern(6000, 6))
			require.NoError(t, err)
			assert.ErrorIs(t, d.Close(), errStoreWrite)

			_, err = fs.CreateFile(CreateParms{PathName: "NEW", FileType: uint32(FileType_PD_TXT)})
			assert.ErrorIs(t, err, errStoreWrite)
			repair()

			after, _, err := fs.GetFreeSpaceCount()
			require.NoError(t, err)
			assert.Equal(t, free, after)
			assert.Equal(t, chunks, fs.usage.snapshot())
			assert.Nil(t, fs.GetFileByName("NEW"))
			assert.Equal(t, orig, readTestFile(t, f))

			writeTestFile(t, fs, "NEW", uint32(FileType_PD_TXT), []byte("fine"))
		})
	}
}
