package disk

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// formatEmbedded puts a filesystem on a block range of parent and stores
// one file on it.
func formatEmbedded(t *testing.T, e *Engine, parent *DiskImg, first, n int, fsFmt FSFormat, volName, file string) {
	t.Helper()
	child, err := e.OpenImageFromParent(parent, first, n)
	require.NoError(t, err)
	require.NoError(t, child.OverrideFormat(PhysicalFormatSectors, fsFmt, SectorOrderUnknown))
	fs, err := child.OpenAppropriateDiskFS()
	require.NoError(t, err)
	require.NoError(t, fs.Format(volName))
	writeTestFile(t, fs, file, uint32(FileType_PD_TXT), []byte(file))
	require.NoError(t, child.CloseImage())
}

func TestUNIDOSHalves(t *testing.T) {
	e := newTestEngine(t)
	parent, err := e.CreateImage(CreateParams{StorageName: "uni.po"}, 2*UNIDOS_HALF_BLOCKS)
	require.NoError(t, err)
	formatEmbedded(t, e, parent, 0, UNIDOS_HALF_BLOCKS, FSFormatDOS33, "", "FRONT")
	formatEmbedded(t, e, parent, UNIDOS_HALF_BLOCKS, UNIDOS_HALF_BLOCKS, FSFormatDOS33, "", "BACK")

	out, fs := reopen(t, parent, "uni.po")
	assert.Equal(t, FSFormatUNIDOS, out.GetFSFormat())
	assert.True(t, out.GetFSFormat().IsContainer())

	subs := fs.SubVolumes()
	require.Len(t, subs, 2)
	for i, want := range []string{"FRONT", "BACK"} {
		sv := subs[i]
		assert.Equal(t, fmt.Sprintf("DOS %d", i+1), sv.GetName())
		img := sv.GetDiskImg()
		assert.Equal(t, out, img.GetParent())
		assert.Equal(t, UNIDOS_TRACKS, img.GetNumTracks())
		assert.Equal(t, UNIDOS_SECTORS_PER_TRACK, img.GetNumSectPerTrack())

		sfs := sv.GetDiskFS()
		require.NotNil(t, sfs)
		assert.Equal(t, FSFormatDOS33, sfs.GetFSFormat())
		assert.False(t, sfs.GetFSDamaged(), sfs.GetNotes())
		f := sfs.GetFileByName(want)
		require.NotNil(t, f)
		assert.Equal(t, []byte(want), readTestFile(t, f))
	}
	assert.Nil(t, fs.GetNextSubVolume(subs[1]))
	assert.Equal(t, subs[1], fs.GetNextSubVolume(subs[0]))
}

func TestUNIDOSSubVolumeWritesReachParent(t *testing.T) {
	e := newTestEngine(t)
	parent, err := e.CreateImage(CreateParams{StorageName: "uni.po"}, 2*UNIDOS_HALF_BLOCKS)
	require.NoError(t, err)
	formatEmbedded(t, e, parent, 0, UNIDOS_HALF_BLOCKS, FSFormatDOS33, "", "ONE")
	formatEmbedded(t, e, parent, UNIDOS_HALF_BLOCKS, UNIDOS_HALF_BLOCKS, FSFormatDOS33, "", "TWO")

	out, fs := reopen(t, parent, "uni.po")
	back := fs.SubVolumes()[1].GetDiskFS()
	writeTestFile(t, back, "ADDED", uint32(FileType_PD_TXT), []byte("LATE"))
	require.NoError(t, fs.Flush())

	_, again := reopen(t, out, "uni.po")
	f := again.SubVolumes()[1].GetDiskFS().GetFileByName("ADDED")
	require.NotNil(t, f)
	assert.Equal(t, []byte("LATE"), readTestFile(t, f))
}

func TestSubVolumeScanModes(t *testing.T) {
	e := newTestEngine(t)
	parent, err := e.CreateImage(CreateParams{StorageName: "uni.po"}, 2*UNIDOS_HALF_BLOCKS)
	require.NoError(t, err)
	formatEmbedded(t, e, parent, 0, UNIDOS_HALF_BLOCKS, FSFormatDOS33, "", "A")
	formatEmbedded(t, e, parent, UNIDOS_HALF_BLOCKS, UNIDOS_HALF_BLOCKS, FSFormatDOS33, "", "B")
	raw, err := parent.RawBytes()
	require.NoError(t, err)

	open := func(scan SubVolumeScan) *DiskFS {
		cfg := newTestEngine(t).Config()
		cfg.ScanForSubVolumes = scan
		img, err := NewEngine(cfg).OpenImageFromBuffer(append([]byte(nil), raw...), "uni.po", true)
		require.NoError(t, err)
		require.NoError(t, img.AnalyzeImage())
		fs, err := img.OpenAppropriateDiskFS()
		require.NoError(t, err)
		require.NoError(t, fs.Initialize(context.Background(), InitFull))
		return fs
	}

	assert.Empty(t, open(SubVolumeScanOff).SubVolumes())

	hdr := open(SubVolumeScanHeaderOnly).SubVolumes()
	require.Len(t, hdr, 2)
	assert.Equal(t, "DOS254", hdr[0].GetDiskFS().GetVolumeName())
	assert.False(t, hdr[0].GetDiskFS().GetInitialized())
}

func TestClosingContainerClosesSubVolumes(t *testing.T) {
	e := newTestEngine(t)
	parent, err := e.CreateImage(CreateParams{StorageName: "uni.po"}, 2*UNIDOS_HALF_BLOCKS)
	require.NoError(t, err)
	formatEmbedded(t, e, parent, 0, UNIDOS_HALF_BLOCKS, FSFormatDOS33, "", "A")
	formatEmbedded(t, e, parent, UNIDOS_HALF_BLOCKS, UNIDOS_HALF_BLOCKS, FSFormatDOS33, "", "B")

	out, fs := reopen(t, parent, "uni.po")
	sub := fs.SubVolumes()[0].GetDiskImg()
	require.NoError(t, out.CloseImage())

	buf := make([]byte, BLOCK_SIZE)
	assert.ErrorIs(t, sub.ReadBlock(0, buf), ErrNotReady)
	_, err = fs.CreateFile(CreateParms{PathName: "X"})
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestFormatRefusedWithSubVolumesOpen(t *testing.T) {
	e := newTestEngine(t)
	parent, err := e.CreateImage(CreateParams{StorageName: "uni.po"}, 2*UNIDOS_HALF_BLOCKS)
	require.NoError(t, err)
	formatEmbedded(t, e, parent, 0, UNIDOS_HALF_BLOCKS, FSFormatDOS33, "", "A")
	formatEmbedded(t, e, parent, UNIDOS_HALF_BLOCKS, UNIDOS_HALF_BLOCKS, FSFormatDOS33, "", "B")

	_, fs := reopen(t, parent, "uni.po")
	assert.ErrorIs(t, fs.Format("X"), ErrFileOpen)
}

// writePartitionMap lays an Apple partition map over blocks 0..len(parts).
func writePartitionMap(t *testing.T, img *DiskImg, parts []MacPartEntry) {
	t.Helper()
	ddr := make([]byte, BLOCK_SIZE)
	binary.BigEndian.PutUint16(ddr[0:], MACPART_DDR_SIG)
	binary.BigEndian.PutUint16(ddr[2:], BLOCK_SIZE)
	binary.BigEndian.PutUint32(ddr[4:], uint32(img.GetNumBlocks()))
	require.NoError(t, img.WriteBlock(0, ddr))
	for i, p := range parts {
		require.NoError(t, img.WriteBlock(i+1, p.Data))
	}
}

func macPartEntry(count, start, length int, name, typ string) MacPartEntry {
	b := make([]byte, BLOCK_SIZE)
	binary.BigEndian.PutUint16(b[0x00:], MACPART_MAP_SIG)
	binary.BigEndian.PutUint32(b[0x04:], uint32(count))
	binary.BigEndian.PutUint32(b[0x08:], uint32(start))
	binary.BigEndian.PutUint32(b[0x0c:], uint32(length))
	copy(b[0x10:0x30], name)
	copy(b[0x30:0x50], typ)
	return MacPartEntry{Data: b}
}

func TestMacPartitions(t *testing.T) {
	e := newTestEngine(t)
	parent, err := e.CreateImage(CreateParams{StorageName: "mac.hdv"}, 3400)
	require.NoError(t, err)
	writePartitionMap(t, parent, []MacPartEntry{
		macPartEntry(4, 1, 4, "Apple", "Apple_partition_map"),
		macPartEntry(4, 64, 1600, "Work", "Apple_PRODOS"),
		macPartEntry(4, 1664, 1600, "Games", "Apple_PRODOS"),
		macPartEntry(4, 3264, 136, "", "Apple_Free"),
	})
	formatEmbedded(t, e, parent, 64, 1600, FSFormatProDOS, "WORK", "README")
	formatEmbedded(t, e, parent, 1664, 1600, FSFormatProDOS, "GAMES", "HISCORE")

	out, fs := reopen(t, parent, "mac.hdv")
	assert.Equal(t, FSFormatMacPart, out.GetFSFormat())
	assert.False(t, fs.GetFSDamaged(), fs.GetNotes())

	subs := fs.SubVolumes()
	require.Len(t, subs, 2)
	assert.Equal(t, "Work", subs[0].GetName())
	assert.Equal(t, "GAMES", subs[1].GetDiskFS().GetVolumeName())
	f := subs[0].GetDiskFS().GetFileByName("README")
	require.NotNil(t, f)
	assert.Equal(t, []byte("README"), readTestFile(t, f))

	vu, err := fs.GetVolumeUsageMap()
	require.NoError(t, err)
	cs, err := vu.GetChunkState(100)
	require.NoError(t, err)
	assert.Equal(t, PurposeEmbedded, cs.Purpose)
	cs, err = vu.GetChunkState(2)
	require.NoError(t, err)
	assert.Equal(t, PurposeSystem, cs.Purpose)

	// block 0 is the driver descriptor and stays put
	assert.ErrorIs(t, out.WriteBlock(0, make([]byte, BLOCK_SIZE)), ErrVWAccessForbidden)
}

func TestMacPartitionOutsideDisk(t *testing.T) {
	e := newTestEngine(t)
	parent, err := e.CreateImage(CreateParams{StorageName: "bad.hdv"}, 2000)
	require.NoError(t, err)
	writePartitionMap(t, parent, []MacPartEntry{
		macPartEntry(2, 64, 1600, "Fine", "Apple_PRODOS"),
		macPartEntry(2, 1900, 1600, "Overhang", "Apple_HFS"),
	})
	formatEmbedded(t, e, parent, 64, 1600, FSFormatProDOS, "FINE", "OK")

	_, fs := reopen(t, parent, "bad.hdv")
	require.Len(t, fs.SubVolumes(), 1)
	assert.NotEmpty(t, fs.GetNotes())
}

func TestCFFAPartitions(t *testing.T) {
	if testing.Short() {
		t.Skip("builds a 33MB image")
	}
	e := newTestEngine(t)
	total := CFFA_PARTITION_BLOCKS + 1600
	parent, err := e.CreateImage(CreateParams{StorageName: "cffa.hdv"}, total)
	require.NoError(t, err)
	formatEmbedded(t, e, parent, 0, CFFA_PARTITION_BLOCKS, FSFormatProDOS, "PART1", "FIRST")
	formatEmbedded(t, e, parent, CFFA_PARTITION_BLOCKS, 1600, FSFormatProDOS, "PART2", "SECOND")

	out, fs := reopen(t, parent, "cffa.hdv")
	assert.Equal(t, FSFormatCFFA4, out.GetFSFormat())

	subs := fs.SubVolumes()
	require.Len(t, subs, 2)
	assert.Equal(t, "Partition 1", subs[0].GetName())
	assert.Equal(t, CFFA_PARTITION_BLOCKS, subs[0].GetDiskImg().GetNumBlocks())
	assert.Equal(t, 1600, subs[1].GetDiskImg().GetNumBlocks())
	assert.Equal(t, "PART2", subs[1].GetDiskFS().GetVolumeName())
	f := subs[1].GetDiskFS().GetFileByName("SECOND")
	require.NotNil(t, f)
	assert.Equal(t, []byte("SECOND"), readTestFile(t, f))
}

func liveNodes(e *Engine) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, node := range e.nodes {
		if node != nil {
			n++
		}
	}
	return n
}

func TestReinitializeReplacesSubVolumes(t *testing.T) {
	e := newTestEngine(t)
	parent, err := e.CreateImage(CreateParams{StorageName: "uni.po"}, 2*UNIDOS_HALF_BLOCKS)
	require.NoError(t, err)
	formatEmbedded(t, e, parent, 0, UNIDOS_HALF_BLOCKS, FSFormatDOS33, "", "FRONT")
	formatEmbedded(t, e, parent, UNIDOS_HALF_BLOCKS, UNIDOS_HALF_BLOCKS, FSFormatDOS33, "", "BACK")

	out, fs := reopen(t, parent, "uni.po")
	first := fs.SubVolumes()
	require.Len(t, first, 2)
	refs, nodes := out.refs, liveNodes(out.eng)

	require.NoError(t, fs.Initialize(context.Background(), InitFull))

	second := fs.SubVolumes()
	require.Len(t, second, 2)
	assert.Equal(t, refs, out.refs)
	assert.Equal(t, nodes, liveNodes(out.eng))
	for i, sv := range first {
		assert.True(t, sv.GetDiskImg().closed)
		assert.NotSame(t, sv, second[i])
		_, err := sv.GetDiskFS().CreateFile(CreateParms{PathName: "LATE", FileType: uint32(FileType_PD_TXT)})
		assert.ErrorIs(t, err, ErrNotReady)
	}
	f := second[1].GetDiskFS().GetFileByName("BACK")
	require.NotNil(t, f)
	assert.Equal(t, []byte("BACK"), readTestFile(t, f))
}
