package disk

import (
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The read-only filesystems have no formatter, so these tests lay the
// structures down by hand on a blank image and read them back.

func blankImage(t *testing.T, e *Engine, p CreateParams, blocks int) *DiskImg {
	t.Helper()
	img, err := e.CreateImage(p, blocks)
	require.NoError(t, err)
	return img
}

func putPascalEntry(b []byte, start, next int, typ PascalFileType, name string, remaining int) {
	binary.LittleEndian.PutUint16(b[0x00:], uint16(start))
	binary.LittleEndian.PutUint16(b[0x02:], uint16(next))
	binary.LittleEndian.PutUint16(b[0x04:], uint16(typ))
	b[0x06] = byte(len(name))
	copy(b[0x07:], name)
	binary.LittleEndian.PutUint16(b[0x16:], uint16(remaining))
	// 15 March 1986
	binary.LittleEndian.PutUint16(b[0x18:], 3|15<<4|86<<9)
}

func TestPascalVolume(t *testing.T) {
	e := newTestEngine(t)
	img := blankImage(t, e, CreateParams{StorageName: "pas.po"}, 280)

	dir := make([]byte, BLOCK_SIZE)
	binary.LittleEndian.PutUint16(dir[0x02:], 6)
	dir[0x06] = 6
	copy(dir[0x07:], "PASVOL")
	binary.LittleEndian.PutUint16(dir[0x0e:], 280)
	binary.LittleEndian.PutUint16(dir[0x10:], 2)
	putPascalEntry(dir[26:], 6, 8, FileType_PAS_TEXT, "HELLO.TEXT", 100)
	putPascalEntry(dir[52:], 8, 9, FileType_PAS_CODE, "PROG.CODE", 512)
	require.NoError(t, img.WriteBlock(PASCAL_VOLUME_BLOCK, dir))

	text := pattern(1024, 3)
	require.NoError(t, img.WriteBlocks(6, 2, text))
	code := pattern(512, 9)
	require.NoError(t, img.WriteBlock(8, code))

	out, fs := reopen(t, img, "pas.po")
	assert.Equal(t, FSFormatPascal, out.GetFSFormat())
	assert.Equal(t, "PASVOL", fs.GetVolumeName())
	assert.Equal(t, "Pascal PASVOL:", fs.GetVolumeID())
	assert.False(t, fs.GetFSDamaged(), fs.GetNotes())

	h := fs.GetFileByName("hello.text")
	require.NotNil(t, h)
	assert.Equal(t, uint32(FileType_PAS_TEXT.ProDOSType()), h.GetFileType())
	assert.Equal(t, int64(512+100), h.GetDataLength())
	assert.Equal(t, 1986, h.GetModWhen().Year())
	assert.Equal(t, text[:612], readTestFile(t, h))

	p := fs.GetFileByName("PROG.CODE")
	require.NotNil(t, p)
	assert.Equal(t, int64(512), p.GetDataLength())
	assert.Equal(t, code, readTestFile(t, p))

	vu, err := fs.GetVolumeUsageMap()
	require.NoError(t, err)
	cs, err := vu.GetChunkState(7)
	require.NoError(t, err)
	assert.Equal(t, PurposeUserData, cs.Purpose)
	free, _, err := fs.GetFreeSpaceCount()
	require.NoError(t, err)
	assert.Equal(t, 280-9, free)

	_, err = fs.CreateFile(CreateParms{PathName: "NEW.TEXT"})
	assert.ErrorIs(t, err, ErrNotSupported)
	_, err = h.Open(context.Background(), true, true)
	assert.ErrorIs(t, err, ErrForkNotFound)
}

func TestPascalFilesOutOfOrder(t *testing.T) {
	e := newTestEngine(t)
	img := blankImage(t, e, CreateParams{StorageName: "pas.po"}, 280)

	dir := make([]byte, BLOCK_SIZE)
	binary.LittleEndian.PutUint16(dir[0x02:], 6)
	dir[0x06] = 3
	copy(dir[0x07:], "BAD")
	binary.LittleEndian.PutUint16(dir[0x0e:], 280)
	binary.LittleEndian.PutUint16(dir[0x10:], 2)
	putPascalEntry(dir[26:], 20, 22, FileType_PAS_DATA, "LATE.DATA", 512)
	putPascalEntry(dir[52:], 10, 12, FileType_PAS_DATA, "EARLY.DATA", 512)
	require.NoError(t, img.WriteBlock(PASCAL_VOLUME_BLOCK, dir))

	_, fs := reopen(t, img, "pas.po")
	assert.True(t, fs.GetFSDamaged())
	f := fs.GetFileByName("EARLY.DATA")
	require.NotNil(t, f)
	assert.Equal(t, QualityDamaged, f.GetQuality())
	_, err := f.Open(context.Background(), true, false)
	assert.ErrorIs(t, err, ErrBadFile)
}

func cpmEntry(user int, name, ext string, extent, records int, blocks ...byte) []byte {
	b := make([]byte, CPM_DIR_ENTRY_LEN)
	b[0] = byte(user)
	copy(b[1:9], "        ")
	copy(b[1:9], name)
	copy(b[9:12], "   ")
	copy(b[9:12], ext)
	b[12] = byte(extent)
	b[15] = byte(records)
	copy(b[16:], blocks)
	return b
}

func TestCPMVolume(t *testing.T) {
	e := newTestEngine(t)
	img, err := e.CreateImageTS(CreateParams{StorageName: "disk.cpm", FS: FSFormatCPM}, 35, 16)
	require.NoError(t, err)
	assert.Equal(t, SectorOrderCPM, img.GetSectorOrder())

	dir := make([]byte, CPM_DIR_BLOCKS*CPM_ALLOC_SIZE)
	for i := range dir {
		dir[i] = CPM_EMPTY
	}
	copy(dir[0:], cpmEntry(0, "HELLO", "TXT", 0, 3, 2))
	ro := cpmEntry(0, "LOCKED", "COM", 0, 8, 3)
	ro[9] |= 0x80
	copy(dir[32:], ro)
	copy(dir[64:], cpmEntry(3, "GAME", "DAT", 0, 16, 4, 5))
	for i := 0; i < len(dir)/BLOCK_SIZE; i++ {
		require.NoError(t, img.WriteBlockSwapped(cpmFirstBlock()+i, dir[i*BLOCK_SIZE:], img.GetSectorOrder(), SectorOrderCPM))
	}

	hello := pattern(CPM_ALLOC_SIZE, 1)
	for i := 0; i < 2; i++ {
		require.NoError(t, img.WriteBlockSwapped(cpmFirstBlock()+4+i, hello[i*BLOCK_SIZE:], img.GetSectorOrder(), SectorOrderCPM))
	}

	out, fs := reopen(t, img, "disk.cpm")
	assert.Equal(t, FSFormatCPM, out.GetFSFormat())
	assert.Equal(t, "CP/M", fs.GetVolumeName())
	assert.False(t, fs.GetFSDamaged(), fs.GetNotes())

	h := fs.GetFileByName("HELLO.TXT")
	require.NotNil(t, h)
	assert.Equal(t, int64(3*CPM_RECORD_SIZE), h.GetDataLength())
	assert.Equal(t, hello[:3*CPM_RECORD_SIZE], readTestFile(t, h))

	l := fs.GetFileByName("LOCKED.COM")
	require.NotNil(t, l)
	assert.Equal(t, uint32(AccessType_Readable), l.GetAccess())

	g := fs.GetFileByName("GAME.DAT,U3")
	require.NotNil(t, g)
	assert.Equal(t, "GAME.DAT", g.GetFileName())
	assert.Equal(t, int64(16*CPM_RECORD_SIZE), g.GetDataLength())
	assert.Equal(t, int64(2*CPM_ALLOC_SIZE), g.GetDataSparseLength())

	free, unit, err := fs.GetFreeSpaceCount()
	require.NoError(t, err)
	assert.Equal(t, CPM_ALLOC_SIZE, unit)
	// two directory blocks and four file blocks out of 128
	assert.Equal(t, 128-6, free)
}

func TestCPMRejectsControlCharacters(t *testing.T) {
	e := newTestEngine(t)
	img, err := e.CreateImageTS(CreateParams{StorageName: "disk.cpm", FS: FSFormatCPM}, 35, 16)
	require.NoError(t, err)

	dir := make([]byte, CPM_DIR_BLOCKS*CPM_ALLOC_SIZE)
	for i := range dir {
		dir[i] = CPM_EMPTY
	}
	copy(dir, cpmEntry(0, "BAD\x01", "TXT", 0, 1, 2))
	for i := 0; i < len(dir)/BLOCK_SIZE; i++ {
		require.NoError(t, img.WriteBlockSwapped(cpmFirstBlock()+i, dir[i*BLOCK_SIZE:], img.GetSectorOrder(), SectorOrderCPM))
	}
	assert.Zero(t, testCPM(img, img.GetSectorOrder()))
}

func rdosEntry(name string, typ byte, sectors, load, length, start int) []byte {
	b := make([]byte, RDOS_ENTRY_LENGTH)
	for i := 0; i < RDOS_NAME_LENGTH; i++ {
		b[i] = ' ' | 0x80
	}
	for i := 0; i < len(name); i++ {
		b[i] = name[i] | 0x80
	}
	b[24] = typ | 0x80
	b[25] = byte(sectors)
	binary.LittleEndian.PutUint16(b[26:], uint16(load))
	binary.LittleEndian.PutUint16(b[28:], uint16(length))
	binary.LittleEndian.PutUint16(b[30:], uint16(start))
	return b
}

func TestRDOS32Volume(t *testing.T) {
	e := newTestEngine(t)
	img, err := e.CreateImageTS(CreateParams{StorageName: "sirius.d13"}, 35, 13)
	require.NoError(t, err)

	cat := make([]byte, STD_BYTES_PER_SECTOR)
	copy(cat[0:], rdosEntry("RDOS 2.1 COPYRIGHT 1981", 'B', 2, 0x1800, 512, 26))
	copy(cat[32:], rdosEntry("HELLO", 'A', 1, 0, 5, 28))
	copy(cat[64:], rdosEntry("NOTES", 'T', 2, 0, 0, 29))
	gone := rdosEntry("GONE", 'B', 1, 0, 1, 31)
	gone[24] = 0xa0
	copy(cat[96:], gone)
	require.NoError(t, img.WriteTrackSector(RDOS_CATALOG_TRACK, 0, cat))

	require.NoError(t, img.WriteTrackSector(2, 2, []byte("HELLO, WORLD"+string(make([]byte, 244)))))
	notes := pattern(2*STD_BYTES_PER_SECTOR, 5)
	require.NoError(t, img.WriteTrackSector(2, 3, notes))
	require.NoError(t, img.WriteTrackSector(2, 4, notes[STD_BYTES_PER_SECTOR:]))

	out, fs := reopen(t, img, "sirius.d13")
	assert.Equal(t, FSFormatRDOS32, out.GetFSFormat())
	assert.Equal(t, "RDOS32", fs.GetVolumeName())
	assert.Equal(t, 3, fs.GetFileCount())
	assert.Nil(t, fs.GetFileByName("GONE"))

	sys := fs.GetFileByName("RDOS 2.1 COPYRIGHT 1981")
	require.NotNil(t, sys)
	assert.Equal(t, uint32(FileType_PD_BIN), sys.GetFileType())
	assert.Equal(t, uint32(0x1800), sys.GetAuxType())
	assert.Equal(t, uint32(AccessType_Readable), sys.GetAccess())

	h := fs.GetFileByName("HELLO")
	require.NotNil(t, h)
	assert.Equal(t, uint32(0x0801), h.GetAuxType())
	assert.Equal(t, []byte("HELLO"), readTestFile(t, h))

	n := fs.GetFileByName("NOTES")
	require.NotNil(t, n)
	assert.Equal(t, int64(2*STD_BYTES_PER_SECTOR), n.GetDataLength())
	assert.Equal(t, notes, readTestFile(t, n))

	vu, err := fs.GetVolumeUsageMap()
	require.NoError(t, err)
	cs, err := vu.GetChunkStateTS(RDOS_CATALOG_TRACK, 5)
	require.NoError(t, err)
	assert.Equal(t, PurposeVolumeDir, cs.Purpose)
}

func TestRDOSFileBeyondDisk(t *testing.T) {
	e := newTestEngine(t)
	img, err := e.CreateImageTS(CreateParams{StorageName: "sirius.d13"}, 35, 13)
	require.NoError(t, err)

	cat := make([]byte, STD_BYTES_PER_SECTOR)
	copy(cat[0:], rdosEntry("RDOS 2.1", 'B', 2, 0x1800, 512, 26))
	copy(cat[32:], rdosEntry("HUGE", 'B', 200, 0x4000, 0xffff, 400))
	require.NoError(t, img.WriteTrackSector(RDOS_CATALOG_TRACK, 0, cat))

	_, fs := reopen(t, img, "sirius.d13")
	assert.True(t, fs.GetFSDamaged())
	f := fs.GetFileByName("HUGE")
	require.NotNil(t, f)
	_, err = f.Open(context.Background(), true, false)
	assert.ErrorIs(t, err, ErrBadFile)
}

func setFAT12(fat []byte, c, v int) {
	off := c + c/2
	if c&1 == 0 {
		fat[off] = byte(v)
		fat[off+1] = fat[off+1]&0xf0 | byte(v>>8)&0x0f
		return
	}
	fat[off] = fat[off]&0x0f | byte(v<<4)
	fat[off+1] = byte(v >> 4)
}

func fatDirEntry(name string, attr byte, cluster, size int) []byte {
	b := make([]byte, FAT_DIR_ENTRY_LEN)
	copy(b[0:11], "           ")
	copy(b[0:11], name)
	b[11] = attr
	// 15 March 2024 12:30
	binary.LittleEndian.PutUint16(b[0x16:], 12<<11|30<<5)
	binary.LittleEndian.PutUint16(b[0x18:], (2024-1980)<<9|3<<5|15)
	binary.LittleEndian.PutUint16(b[0x1a:], uint16(cluster))
	binary.LittleEndian.PutUint32(b[0x1c:], uint32(size))
	return b
}

// buildFAT12 lays out a 720K floppy: one reserved block, two three-block
// FATs, a seven-block root directory and two-block clusters from block 14.
func buildFAT12(t *testing.T, e *Engine) (*DiskImg, []byte, []byte) {
	t.Helper()
	img := blankImage(t, e, CreateParams{StorageName: "msdos.img"}, 1440)

	boot := make([]byte, BLOCK_SIZE)
	copy(boot, []byte{0xeb, 0x3c, 0x90})
	copy(boot[3:], "MSDOS5.0")
	binary.LittleEndian.PutUint16(boot[0x0b:], BLOCK_SIZE)
	boot[0x0d] = 2
	binary.LittleEndian.PutUint16(boot[0x0e:], 1)
	boot[0x10] = 2
	binary.LittleEndian.PutUint16(boot[0x11:], 112)
	binary.LittleEndian.PutUint16(boot[0x13:], 1440)
	boot[0x15] = 0xf9
	binary.LittleEndian.PutUint16(boot[0x16:], 3)
	boot[0x26] = 0x29
	copy(boot[0x2b:0x36], "BOOTLABEL  ")
	boot[510], boot[511] = 0x55, 0xaa
	require.NoError(t, img.WriteBlock(0, boot))

	fat := make([]byte, 3*BLOCK_SIZE)
	setFAT12(fat, 0, 0xff9)
	setFAT12(fat, 1, 0xfff)
	return img, boot, fat
}

func TestFAT12Volume(t *testing.T) {
	e := newTestEngine(t)
	img, _, fat := buildFAT12(t, e)

	setFAT12(fat, 2, 3)
	setFAT12(fat, 3, 0xfff)
	setFAT12(fat, 4, 0xfff)
	setFAT12(fat, 5, 0xfff)
	require.NoError(t, img.WriteBlocks(1, 3, fat))
	require.NoError(t, img.WriteBlocks(4, 3, fat))

	root := make([]byte, BLOCK_SIZE)
	copy(root[0:], fatDirEntry("FATDISK", FAT_ATTR_VOLUME, 0, 0))
	copy(root[32:], fatDirEntry("HELLO   TXT", 0x20, 2, 1500))
	copy(root[64:], fatDirEntry("SUB", FAT_ATTR_DIR, 4, 0))
	gone := fatDirEntry("GONE    TXT", 0x20, 0, 0)
	gone[0] = FAT_DELETED
	copy(root[96:], gone)
	copy(root[128:], fatDirEntry("RO      BIN", FAT_ATTR_RDONLY|FAT_ATTR_HIDDEN, 0, 0))
	require.NoError(t, img.WriteBlock(7, root))

	// cluster 4 holds the subdirectory, cluster 5 its one file
	sub := make([]byte, BLOCK_SIZE)
	copy(sub[0:], fatDirEntry(".", FAT_ATTR_DIR, 4, 0))
	copy(sub[32:], fatDirEntry("..", FAT_ATTR_DIR, 0, 0))
	copy(sub[64:], fatDirEntry("INNER   DAT", 0x20, 5, 10))
	require.NoError(t, img.WriteBlock(14+2*2, sub))

	hello := pattern(2048, 4)
	require.NoError(t, img.WriteBlocks(14, 4, hello))
	require.NoError(t, img.WriteBlock(14+3*2, pattern(BLOCK_SIZE, 8)))

	out, fs := reopen(t, img, "msdos.img")
	assert.Equal(t, FSFormatMSDOS, out.GetFSFormat())
	assert.Equal(t, "FATDISK", fs.GetVolumeName())
	assert.Equal(t, "MS-DOS FAT12 FATDISK", fs.GetVolumeID())
	assert.False(t, fs.GetFSDamaged(), fs.GetNotes())
	assert.Nil(t, fs.GetFileByName("GONE.TXT"))

	h := fs.GetFileByName("hello.txt")
	require.NotNil(t, h)
	assert.Equal(t, int64(1500), h.GetDataLength())
	assert.Equal(t, int64(2048), h.GetDataSparseLength())
	assert.Equal(t, hello[:1500], readTestFile(t, h))
	assert.Equal(t, 2024, h.GetModWhen().Year())

	s := fs.GetFileByName("SUB")
	require.NotNil(t, s)
	assert.True(t, s.IsDirectory())
	in := fs.GetFileByName(`SUB\INNER.DAT`)
	require.NotNil(t, in)
	assert.Equal(t, s, in.GetParent())
	assert.Equal(t, pattern(BLOCK_SIZE, 8)[:10], readTestFile(t, in))

	ro := fs.GetFileByName("RO.BIN")
	require.NotNil(t, ro)
	assert.Equal(t, uint32(AccessType_Readable|AccessType_Invisible), ro.GetAccess())
	assert.Zero(t, ro.GetDataLength())

	free, unit, err := fs.GetFreeSpaceCount()
	require.NoError(t, err)
	assert.Equal(t, 2*BLOCK_SIZE, unit)
	assert.Equal(t, (1440-14)/2-4, free)

	vu, err := fs.GetVolumeUsageMap()
	require.NoError(t, err)
	cs, err := vu.GetChunkState(14)
	require.NoError(t, err)
	assert.Equal(t, PurposeUserData, cs.Purpose)
	cs, err = vu.GetChunkState(18)
	require.NoError(t, err)
	assert.Equal(t, PurposeSubdir, cs.Purpose)
	cs, err = vu.GetChunkState(8)
	require.NoError(t, err)
	assert.Equal(t, PurposeVolumeDir, cs.Purpose)
}

func TestFATClusterLoop(t *testing.T) {
	e := newTestEngine(t)
	img, _, fat := buildFAT12(t, e)
	setFAT12(fat, 2, 3)
	setFAT12(fat, 3, 2)
	require.NoError(t, img.WriteBlocks(1, 3, fat))

	root := make([]byte, BLOCK_SIZE)
	copy(root, fatDirEntry("LOOP    TXT", 0x20, 2, 100))
	require.NoError(t, img.WriteBlock(7, root))

	_, fs := reopen(t, img, "msdos.img")
	assert.True(t, fs.GetFSDamaged())
	f := fs.GetFileByName("LOOP.TXT")
	require.NotNil(t, f)
	assert.Equal(t, QualityDamaged, f.GetQuality())
	_, err := f.Open(context.Background(), true, false)
	assert.ErrorIs(t, err, ErrFileLoop)
}

func TestFATNormalizeName(t *testing.T) {
	e := newTestEngine(t)
	img, _, fat := buildFAT12(t, e)
	require.NoError(t, img.WriteBlocks(1, 3, fat))
	_, fs := reopen(t, img, "msdos.img")
	assert.Equal(t, "BOOTLABEL", fs.GetVolumeName())

	assert.Equal(t, "LONGFILE.TEX", fs.NormalizePath("longfilename.text"))
	assert.Equal(t, "A_B", fs.NormalizePath("a+b"))
}

// hfsCatalogRecord builds a catalog leaf record: key length, reserved
// byte, parent ID, name, padded to an even length, then the data.
func hfsCatalogRecord(parent uint32, name string, data []byte) []byte {
	keyLen := 6 + len(name)
	rec := make([]byte, keyLen+1)
	rec[0] = byte(keyLen)
	binary.BigEndian.PutUint32(rec[2:], parent)
	rec[6] = byte(len(name))
	copy(rec[7:], name)
	if len(rec)%2 != 0 {
		rec = append(rec, 0)
	}
	return append(rec, data...)
}

func hfsFolderData(cnid uint32) []byte {
	b := make([]byte, 70)
	b[0] = hfsRecDir
	binary.BigEndian.PutUint32(b[6:], cnid)
	return b
}

type hfsForkSpec struct {
	length, phys int
	start, count int
}

func hfsFileData(cnid uint32, osType, creator string, locked bool, data, rsrc hfsForkSpec) []byte {
	b := make([]byte, 102)
	b[0] = hfsRecFile
	if locked {
		b[2] = 0x01
	}
	copy(b[4:8], osType)
	copy(b[8:12], creator)
	binary.BigEndian.PutUint32(b[20:], cnid)
	binary.BigEndian.PutUint32(b[26:], uint32(data.length))
	binary.BigEndian.PutUint32(b[30:], uint32(data.phys))
	binary.BigEndian.PutUint32(b[36:], uint32(rsrc.length))
	binary.BigEndian.PutUint32(b[40:], uint32(rsrc.phys))
	binary.BigEndian.PutUint16(b[74:], uint16(data.start))
	binary.BigEndian.PutUint16(b[76:], uint16(data.count))
	binary.BigEndian.PutUint16(b[86:], uint16(rsrc.start))
	binary.BigEndian.PutUint16(b[88:], uint16(rsrc.count))
	return b
}

// buildHFS writes an 800K volume with 512-byte allocation blocks starting
// at block 5. The catalog is allocation blocks 0 and 1.
func buildHFS(t *testing.T, e *Engine, records [][]byte, firstLeaf int) *DiskImg {
	t.Helper()
	img := blankImage(t, e, CreateParams{StorageName: "mac.po"}, 1600)

	mdb := make([]byte, BLOCK_SIZE)
	binary.BigEndian.PutUint16(mdb[0x00:], HFS_SIGNATURE)
	binary.BigEndian.PutUint16(mdb[0x0c:], 2)
	binary.BigEndian.PutUint16(mdb[0x0e:], 3)
	binary.BigEndian.PutUint16(mdb[0x12:], 1590)
	binary.BigEndian.PutUint32(mdb[0x14:], BLOCK_SIZE)
	binary.BigEndian.PutUint16(mdb[0x1c:], 5)
	binary.BigEndian.PutUint16(mdb[0x22:], 1584)
	mdb[0x24] = 6
	copy(mdb[0x25:], "MacVol")
	binary.BigEndian.PutUint32(mdb[0x92:], 2*BLOCK_SIZE)
	binary.BigEndian.PutUint16(mdb[0x96:], 0)
	binary.BigEndian.PutUint16(mdb[0x98:], 2)
	require.NoError(t, img.WriteBlock(HFS_MDB_BLOCK, mdb))

	bitmap := make([]byte, BLOCK_SIZE)
	bitmap[0] = 0xfc
	require.NoError(t, img.WriteBlock(3, bitmap))

	header := make([]byte, BLOCK_SIZE)
	binary.BigEndian.PutUint32(header[24:], uint32(firstLeaf))
	binary.BigEndian.PutUint16(header[32:], BLOCK_SIZE)
	require.NoError(t, img.WriteBlock(5, header))

	leaf := make([]byte, BLOCK_SIZE)
	leaf[8] = HFS_NODE_LEAF
	binary.BigEndian.PutUint16(leaf[10:], uint16(len(records)))
	off := 14
	for i, r := range records {
		binary.BigEndian.PutUint16(leaf[BLOCK_SIZE-2*(i+1):], uint16(off))
		copy(leaf[off:], r)
		off += len(r)
	}
	binary.BigEndian.PutUint16(leaf[BLOCK_SIZE-2*(len(records)+1):], uint16(off))
	require.NoError(t, img.WriteBlock(6, leaf))
	return img
}

func TestHFSVolume(t *testing.T) {
	e := newTestEngine(t)
	records := [][]byte{
		hfsCatalogRecord(HFS_ROOT_CNID, "Docs", hfsFolderData(16)),
		hfsCatalogRecord(HFS_ROOT_CNID, "ReadMe", hfsFileData(17, "TEXT", "ttxt", true,
			hfsForkSpec{length: 700, phys: 1024, start: 2, count: 2}, hfsForkSpec{})),
		hfsCatalogRecord(16, "Prog", hfsFileData(18, "p\xff\x20\x00", "pdos", false,
			hfsForkSpec{length: 100, phys: 512, start: 4, count: 1},
			hfsForkSpec{length: 10, phys: 512, start: 5, count: 1})),
	}
	img := buildHFS(t, e, records, 1)

	readme := pattern(1024, 2)
	require.NoError(t, img.WriteBlocks(7, 2, readme))
	prog := pattern(BLOCK_SIZE, 6)
	require.NoError(t, img.WriteBlock(9, prog))
	rsrc := pattern(BLOCK_SIZE, 7)
	require.NoError(t, img.WriteBlock(10, rsrc))

	out, fs := reopen(t, img, "mac.po")
	assert.Equal(t, FSFormatMacHFS, out.GetFSFormat())
	assert.Equal(t, "MacVol", fs.GetVolumeName())
	assert.Equal(t, "HFS MacVol", fs.GetVolumeID())
	assert.False(t, fs.GetFSDamaged(), fs.GetNotes())
	assert.Equal(t, byte(':'), fs.GetFSSeparator())

	r := fs.GetFileByName("readme")
	require.NotNil(t, r)
	assert.Equal(t, uint32(FileType_PD_TXT), r.GetFileType())
	assert.Equal(t, uint32(AccessType_Readable), r.GetAccess())
	assert.Equal(t, readme[:700], readTestFile(t, r))

	docs := fs.GetFileByName("Docs")
	require.NotNil(t, docs)
	assert.True(t, docs.IsDirectory())

	p := fs.GetFileByName("Docs:Prog")
	require.NotNil(t, p)
	assert.Equal(t, docs, p.GetParent())
	assert.Equal(t, uint32(0xff), p.GetFileType())
	assert.Equal(t, uint32(0x2000), p.GetAuxType())
	assert.True(t, p.HasRsrcFork())
	assert.Equal(t, prog[:100], readTestFile(t, p))

	d, err := p.Open(context.Background(), true, true)
	require.NoError(t, err)
	got, err := io.ReadAll(d)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	assert.Equal(t, rsrc[:10], got)

	free, unit, err := fs.GetFreeSpaceCount()
	require.NoError(t, err)
	assert.Equal(t, 1584, free)
	assert.Equal(t, BLOCK_SIZE, unit)

	vu, err := fs.GetVolumeUsageMap()
	require.NoError(t, err)
	cs, err := vu.GetChunkState(6)
	require.NoError(t, err)
	assert.Equal(t, PurposeVolumeDir, cs.Purpose)
	cs, err = vu.GetChunkState(10)
	require.NoError(t, err)
	assert.Equal(t, PurposeUserData, cs.Purpose)
	assert.True(t, cs.MarkedUsed)
}

func TestHFSBadLeafLink(t *testing.T) {
	e := newTestEngine(t)
	img := buildHFS(t, e, [][]byte{
		hfsCatalogRecord(HFS_ROOT_CNID, "Only", hfsFolderData(16)),
	}, 9)

	raw, err := img.RawBytes()
	require.NoError(t, err)
	out, err := newTestEngine(t).OpenImageFromBuffer(raw, "mac.po", false)
	require.NoError(t, err)
	require.NoError(t, out.AnalyzeImage())
	require.Equal(t, FSFormatMacHFS, out.GetFSFormat())
	fs, err := out.OpenAppropriateDiskFS()
	require.NoError(t, err)
	assert.ErrorIs(t, fs.Initialize(context.Background(), InitFull), ErrBadDirectory)
}
