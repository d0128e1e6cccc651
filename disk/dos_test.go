package disk

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDOSFormat(t *testing.T) {
	e := newTestEngine(t)
	_, fs := newDOSVolume(t, e)

	assert.Equal(t, FSFormatDOS33, fs.GetFSFormat())
	assert.Equal(t, "DOS254", fs.GetVolumeName())
	assert.Equal(t, "DOS 3.3 Volume 254", fs.GetVolumeID())
	assert.Zero(t, fs.GetFileCount())

	free, unit, err := fs.GetFreeSpaceCount()
	require.NoError(t, err)
	assert.Equal(t, STD_BYTES_PER_SECTOR, unit)
	// every track but 0 and the catalog track
	assert.Equal(t, 33*16, free)

	vu, err := fs.GetVolumeUsageMap()
	require.NoError(t, err)
	assert.False(t, vu.ByBlocks())
	assert.Equal(t, 16, vu.NumSectPerTrack())
	cs, err := vu.GetChunkStateTS(DOS_VTOC_TRACK, 15)
	require.NoError(t, err)
	assert.True(t, cs.Used)
	assert.Equal(t, PurposeVolumeDir, cs.Purpose)
}

func TestDOSVolumeNumber(t *testing.T) {
	e := newTestEngine(t)
	img, err := e.CreateImageTS(CreateParams{StorageName: "v.do", FS: FSFormatDOS33, DOSVolumeNum: 17}, 35, 16)
	require.NoError(t, err)
	fs, err := img.OpenAppropriateDiskFS()
	require.NoError(t, err)
	require.NoError(t, fs.Format(""))
	assert.Equal(t, "DOS017", fs.GetVolumeName())

	_, ofs := reopen(t, img, "v.do")
	assert.Equal(t, "DOS017", ofs.GetVolumeName())
}

func TestDOSFileTypes(t *testing.T) {
	e := newTestEngine(t)
	img, fs := newDOSVolume(t, e)

	bin, err := fs.CreateFile(CreateParms{PathName: "PROG", FileType: uint32(FileType_PD_BIN), AuxType: 0x2000})
	require.NoError(t, err)
	d, err := bin.Open(context.Background(), false, false)
	require.NoError(t, err)
	_, err = d.Write(pattern(1000, 6))
	require.NoError(t, err)
	require.NoError(t, d.Close())

	writeTestFile(t, fs, "NOTES", uint32(FileType_PD_TXT), []byte("LINE ONE\rLINE TWO\r"))
	writeTestFile(t, fs, "HELLO", uint32(FileType_PD_APP), []byte{0x09, 0x08, 0x0a, 0x00, 0xba, 0x00, 0x00, 0x00})

	free, _, err := fs.GetFreeSpaceCount()
	require.NoError(t, err)
	// PROG: 4 data and a T/S list; NOTES and HELLO: 1 data and a T/S list each
	assert.Equal(t, 33*16-9, free)

	_, ofs := reopen(t, img, "dos.do")
	assert.False(t, ofs.GetFSDamaged(), ofs.GetNotes())
	assert.Equal(t, 3, ofs.GetFileCount())

	p := ofs.GetFileByName("prog")
	require.NotNil(t, p)
	assert.Equal(t, uint32(FileType_PD_BIN), p.GetFileType())
	assert.Equal(t, uint32(0x2000), p.GetAuxType())
	assert.Equal(t, int64(1000), p.GetDataLength())
	assert.Equal(t, pattern(1000, 6), readTestFile(t, p))

	n := ofs.GetFileByName("NOTES")
	require.NotNil(t, n)
	assert.Equal(t, "TXT", n.GetFileTypeString())
	assert.Equal(t, []byte("LINE ONE\rLINE TWO\r"), readTestFile(t, n))

	h := ofs.GetFileByName("HELLO")
	require.NotNil(t, h)
	assert.Equal(t, uint32(FileType_PD_APP), h.GetFileType())
	assert.Equal(t, uint32(0x0801), h.GetAuxType())
	assert.Equal(t, int64(8), h.GetDataLength())
}

func TestDOSDeleteRenameLock(t *testing.T) {
	e := newTestEngine(t)
	img, fs := newDOSVolume(t, e)
	before, _, err := fs.GetFreeSpaceCount()
	require.NoError(t, err)

	f := writeTestFile(t, fs, "SCRATCH", uint32(FileType_PD_BIN), pattern(3000, 1))
	keep := writeTestFile(t, fs, "KEEP", uint32(FileType_PD_TXT), []byte("KEEP ME"))

	_, err = fs.CreateFile(CreateParms{PathName: "keep"})
	assert.ErrorIs(t, err, ErrFileExists)
	_, err = fs.CreateFile(CreateParms{PathName: "DIR", Directory: true})
	assert.ErrorIs(t, err, ErrNotSupported)

	require.NoError(t, fs.DeleteFile(f))
	assert.Nil(t, fs.GetFileByName("SCRATCH"))

	require.NoError(t, fs.RenameFile(keep, "kept, for now"))
	assert.Equal(t, "KEPT. FOR NOW", keep.GetFileName())
	require.NoError(t, fs.SetFileInfo(keep, uint32(FileType_PD_TXT), 0, uint32(AccessType_Readable)))
	assert.ErrorIs(t, fs.SetFileInfo(keep, uint32(FileType_PD_BIN), 0, uint32(AccessType_Default)), ErrNotSupported)

	_, ofs := reopen(t, img, "dos.do")
	k := ofs.GetFileByName("KEPT. FOR NOW")
	require.NotNil(t, k)
	assert.Equal(t, uint32(AccessType_Readable), k.GetAccess())
	assert.Equal(t, []byte("KEEP ME"), readTestFile(t, k))
	assert.Nil(t, ofs.GetFileByName("SCRATCH"))

	free, _, err := ofs.GetFreeSpaceCount()
	require.NoError(t, err)
	assert.Equal(t, before-2, free)
}

func TestDOSCatalogFull(t *testing.T) {
	e := newTestEngine(t)
	_, fs := newDOSVolume(t, e)

	// fifteen catalog sectors of seven entries
	for i := 0; i < 15*DOS_ENTRIES_PER_SECT; i++ {
		_, err := fs.CreateFile(CreateParms{PathName: fmt.Sprintf("F%03d", i), FileType: uint32(FileType_PD_TXT)})
		require.NoError(t, err, i)
	}
	_, err := fs.CreateFile(CreateParms{PathName: "ONE.MORE", FileType: uint32(FileType_PD_TXT)})
	assert.ErrorIs(t, err, ErrVolumeDirFull)
}

func TestDOSCatalogLoop(t *testing.T) {
	e := newTestEngine(t)
	img, fs := newDOSVolume(t, e)

	buf := make([]byte, STD_BYTES_PER_SECTOR)
	require.NoError(t, img.ReadTrackSector(DOS_VTOC_TRACK, 10, buf))
	buf[1], buf[2] = DOS_VTOC_TRACK, 12
	require.NoError(t, img.WriteTrackSector(DOS_VTOC_TRACK, 10, buf))

	err := fs.Initialize(context.Background(), InitFull)
	assert.ErrorIs(t, err, ErrDirectoryLoop)
	assert.True(t, fs.GetFSDamaged())
}

func TestDOSBrokenCatalogLinkIsDamage(t *testing.T) {
	e := newTestEngine(t)
	img, fs := newDOSVolume(t, e)
	writeTestFile(t, fs, "FIRST", uint32(FileType_PD_TXT), []byte("A"))

	buf := make([]byte, STD_BYTES_PER_SECTOR)
	require.NoError(t, img.ReadTrackSector(DOS_VTOC_TRACK, 15, buf))
	buf[1], buf[2] = 99, 0
	require.NoError(t, img.WriteTrackSector(DOS_VTOC_TRACK, 15, buf))

	require.NoError(t, fs.Initialize(context.Background(), InitFull))
	assert.True(t, fs.GetFSDamaged())
	assert.NotNil(t, fs.GetFileByName("FIRST"))
}

func TestDOS32Disk(t *testing.T) {
	e := newTestEngine(t)
	img, err := e.CreateImageTS(CreateParams{StorageName: "old.d13", FS: FSFormatDOS32}, 35, 13)
	require.NoError(t, err)
	fs, err := img.OpenAppropriateDiskFS()
	require.NoError(t, err)
	require.NoError(t, fs.Format(""))
	assert.Equal(t, "DOS 3.2 Volume 254", fs.GetVolumeID())
	writeTestFile(t, fs, "OLD", uint32(FileType_PD_TXT), []byte("THIRTEEN"))

	out, ofs := reopen(t, img, "old.d13")
	assert.Equal(t, FSFormatDOS32, out.GetFSFormat())
	assert.Equal(t, 13, out.GetNumSectPerTrack())
	f := ofs.GetFileByName("OLD")
	require.NotNil(t, f)
	assert.Equal(t, []byte("THIRTEEN"), readTestFile(t, f))
}

func TestVTOCBitmapLayout(t *testing.T) {
	tests := []struct {
		sectors int
		high    [4]byte
		low     [4]byte
	}{
		{13, [4]byte{0x80, 0, 0, 0}, [4]byte{0, 0x08, 0, 0}},
		{16, [4]byte{0x80, 0, 0, 0}, [4]byte{0, 0x01, 0, 0}},
		{32, [4]byte{0x80, 0, 0, 0}, [4]byte{0, 0, 0, 0x01}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.sectors), func(t *testing.T) {
			var v VTOC
			v.Data[0x35] = byte(tt.sectors)
			entry := func() [4]byte { return [4]byte(v.Data[0x38+5*4 : 0x38+6*4]) }

			v.SetTSFree(5, tt.sectors-1, true)
			assert.Equal(t, tt.high, entry())
			v.SetTSFree(5, tt.sectors-1, false)
			v.SetTSFree(5, 0, true)
			assert.Equal(t, tt.low, entry())
			assert.True(t, v.IsTSFree(5, 0))
			assert.False(t, v.IsTSFree(5, 1))
		})
	}
}

func TestDOS32FormatBitmap(t *testing.T) {
	e := newTestEngine(t)
	img, err := e.CreateImageTS(CreateParams{StorageName: "map.d13", FS: FSFormatDOS32}, 35, 13)
	require.NoError(t, err)
	fs, err := img.OpenAppropriateDiskFS()
	require.NoError(t, err)
	require.NoError(t, fs.Format(""))

	buf := make([]byte, STD_BYTES_PER_SECTOR)
	require.NoError(t, img.ReadTrackSector(DOS_VTOC_TRACK, DOS_VTOC_SECTOR, buf))
	assert.Equal(t, []byte{0xff, 0xf8, 0, 0}, buf[0x38+4:0x38+8])
	assert.Equal(t, []byte{0, 0, 0, 0}, buf[0x38+DOS_VTOC_TRACK*4:0x38+DOS_VTOC_TRACK*4+4])

	free, _, err := fs.GetFreeSpaceCount()
	require.NoError(t, err)
	assert.Equal(t, 33*13, free)
}

func TestDOSTrackSectorListLoop(t *testing.T) {
	e := newTestEngine(t)
	img, fs := newDOSVolume(t, e)
	f := writeTestFile(t, fs, "CIRCLE", uint32(FileType_PD_BIN), pattern(600, 2))
	writeTestFile(t, fs, "FINE", uint32(FileType_PD_TXT), []byte("ok"))

	// link the T/S list back to itself
	lt, ls := f.drv.(*FileDescriptor).GetTrackSectorListStart()
	buf := make([]byte, STD_BYTES_PER_SECTOR)
	require.NoError(t, img.ReadTrackSector(lt, ls, buf))
	buf[1], buf[2] = byte(lt), byte(ls)
	require.NoError(t, img.WriteTrackSector(lt, ls, buf))

	require.NoError(t, fs.Initialize(context.Background(), InitFull))
	looped := fs.GetFileByName("CIRCLE")
	require.NotNil(t, looped)
	assert.Equal(t, QualityDamaged, looped.GetQuality())
	assert.NotEmpty(t, fs.GetNotes())
	assert.Equal(t, QualityGood, fs.GetFileByName("FINE").GetQuality())

	_, err := looped.Open(context.Background(), false, false)
	assert.ErrorIs(t, err, ErrBadFile)
}
