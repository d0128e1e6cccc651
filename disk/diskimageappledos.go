package disk

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	DOS_VTOC_TRACK       = 17
	DOS_VTOC_SECTOR      = 0
	DOS_ENTRY_SIZE       = 35
	DOS_ENTRIES_PER_SECT = 7
	DOS_CATALOG_OFFSET   = 0x0b
	DOS_MAX_NAME         = 30
	DOS_TS_PAIRS         = 122
	DOS_TS_OFFSET        = 0x0c
	DOS_DEFAULT_VOLUME   = 254
	DOS_DELETED          = 0xff
)

type FileType byte

const (
	FileTypeTXT FileType = 0x00
	FileTypeINT FileType = 0x01
	FileTypeAPP FileType = 0x02
	FileTypeBIN FileType = 0x04
	FileTypeS   FileType = 0x08
	FileTypeREL FileType = 0x10
	FileTypeA   FileType = 0x20
	FileTypeB   FileType = 0x40
)

var AppleDOSTypeMap = map[FileType][2]string{
	0x00: {"TXT", "ASCII Text"},
	0x01: {"INT", "Integer Basic Program"},
	0x02: {"BAS", "Applesoft Basic Program"},
	0x04: {"BIN", "Binary File"},
	0x08: {"S", "S File Type"},
	0x10: {"REL", "Relocatable Object Code"},
	0x20: {"A", "A File Type"},
	0x40: {"B", "B File Type"},
}

func (ft FileType) String() string {
	info, ok := AppleDOSTypeMap[ft]
	if ok {
		return info[1]
	}
	return "Unknown"
}

func (ft FileType) Ext() string {
	info, ok := AppleDOSTypeMap[ft]
	if ok {
		return info[0]
	}
	return "BIN"
}

// ProDOSType converts a DOS file type to its ProDOS equivalent.
func (ft FileType) ProDOSType() ProDOSFileType {
	switch ft {
	case FileTypeTXT:
		return FileType_PD_TXT
	case FileTypeINT:
		return FileType_PD_INT
	case FileTypeAPP:
		return FileType_PD_APP
	case FileTypeS:
		return 0xf2
	case FileTypeREL:
		return FileType_PD_Reloc
	case FileTypeA:
		return 0xf3
	case FileTypeB:
		return 0xf4
	}
	return FileType_PD_BIN
}

func dosTypeFromProDOS(t uint32) FileType {
	for _, ft := range []FileType{FileTypeTXT, FileTypeINT, FileTypeAPP, FileTypeS, FileTypeREL, FileTypeA, FileTypeB} {
		if uint32(ft.ProDOSType()) == t {
			return ft
		}
	}
	return FileTypeBIN
}

// headerLen is the size of the length (and address) prefix DOS stores in
// front of the data of some file types.
func (ft FileType) headerLen() int {
	switch ft {
	case FileTypeBIN:
		return 4
	case FileTypeINT, FileTypeAPP:
		return 2
	}
	return 0
}

// FileDescriptor is a copy of one 35-byte catalog entry and where it lives.
type FileDescriptor struct {
	Data              []byte
	trackid, sectorid int
	sectoroffset      int
}

func (fd *FileDescriptor) IsUnused() bool {
	return fd.Data[0] == 0 || fd.Data[0] == DOS_DELETED
}

func (fd *FileDescriptor) GetTrackSectorListStart() (int, int) {
	return int(fd.Data[0]), int(fd.Data[1])
}

func (fd *FileDescriptor) SetTrackSectorListStart(t, s int) {
	fd.Data[0] = byte(t)
	fd.Data[1] = byte(s)
}

func (fd *FileDescriptor) IsLocked() bool {
	return fd.Data[2]&0x80 != 0
}

func (fd *FileDescriptor) SetLocked(b bool) {
	fd.Data[2] = fd.Data[2] & 0x7f
	if b {
		fd.Data[2] = fd.Data[2] | 0x80
	}
}

func (fd *FileDescriptor) Type() FileType {
	return FileType(fd.Data[2] & 0x7f)
}

func (fd *FileDescriptor) SetType(t FileType) {
	fd.Data[2] = (fd.Data[2] & 0x80) | byte(t)
}

func AsciiToPoke(b byte) byte {
	if b < 32 || b > 127 {
		b = 32
	}
	return b | 128
}

func (fd *FileDescriptor) SetName(s string) {
	for i := 0; i < DOS_MAX_NAME; i++ {
		fd.Data[0x03+i] = 0xa0
	}
	for i := 0; i < len(s) && i < DOS_MAX_NAME; i++ {
		fd.Data[0x03+i] = AsciiToPoke(s[i])
	}
}

func (fd *FileDescriptor) Name() string {
	b := make([]byte, DOS_MAX_NAME)
	for i, v := range fd.Data[0x03:0x21] {
		v &= 0x7f
		if v < 0x20 {
			v += 0x40
		}
		b[i] = v
	}
	return strings.TrimRight(string(b), " ")
}

func (fd *FileDescriptor) TotalSectors() int {
	return int(binary.LittleEndian.Uint16(fd.Data[0x21:]))
}

func (fd *FileDescriptor) SetTotalSectors(v int) {
	binary.LittleEndian.PutUint16(fd.Data[0x21:], uint16(v))
}

func (fd *FileDescriptor) Publish(img *DiskImg) error {
	buf := make([]byte, STD_BYTES_PER_SECTOR)
	if err := img.ReadTrackSector(fd.trackid, fd.sectorid, buf); err != nil {
		return err
	}
	copy(buf[fd.sectoroffset:], fd.Data)
	return img.WriteTrackSector(fd.trackid, fd.sectorid, buf)
}

type VTOC struct {
	Data [256]byte
	t, s int
}

func (fd *VTOC) GetCatalogStart() (int, int) {
	return int(fd.Data[1]), int(fd.Data[2])
}

func (fd *VTOC) GetDOSVersion() byte {
	return fd.Data[3]
}

func (fd *VTOC) GetVolumeID() byte {
	return fd.Data[6]
}

func (fd *VTOC) GetMaxTSPairsPerSector() int {
	return int(fd.Data[0x27])
}

func (fd *VTOC) GetTracks() int {
	return int(fd.Data[0x34])
}

func (fd *VTOC) GetSectors() int {
	return int(fd.Data[0x35])
}

func (fd *VTOC) BytesPerSector() int {
	return int(binary.LittleEndian.Uint16(fd.Data[0x36:]))
}

// bitmapOffset locates a sector's bit. Each track has a big-endian
// 32-bit entry with the highest sector in bit 7 of the first byte, so a
// 13-sector track leaves the low three bits of its second byte unused.
func (fd *VTOC) bitmapOffset(t, s int) (int, byte) {
	n := fd.GetSectors()
	if n < 1 || n > 32 {
		n = STD_SECTORS_PER_TRACK
	}
	bit := 32 - n + s
	return 0x38 + t*4 + 3 - bit/8, byte(1 << uint(bit&0x7))
}

func (fd *VTOC) IsTSFree(t, s int) bool {
	offset, bitmask := fd.bitmapOffset(t, s)
	return fd.Data[offset]&bitmask != 0
}

// SetTSFree marks a T/S free or not
func (fd *VTOC) SetTSFree(t, s int, b bool) {
	offset, bitmask := fd.bitmapOffset(t, s)
	if b {
		fd.Data[offset] |= bitmask
	} else {
		fd.Data[offset] &^= bitmask
	}
}

func (fd *VTOC) Publish(img *DiskImg) error {
	return img.WriteTrackSector(fd.t, fd.s, fd.Data[:])
}

type dosDriver struct {
	img *DiskImg
	fs  *DiskFS

	vtoc      VTOC
	numTracks int
	numSect   int
}

func (d *dosDriver) separator() byte { return ':' }

func (d *dosDriver) validTS(t, s int) bool {
	return t >= 0 && t < d.numTracks && s >= 0 && s < d.numSect
}

func (d *dosDriver) readSector(t, s int) ([]byte, error) {
	buf := make([]byte, STD_BYTES_PER_SECTOR)
	if err := d.img.ReadTrackSector(t, s, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// testDOS scores a candidate order by walking the catalog: DOS lays its
// catalog down the VTOC track one sector at a time, so a chain that steps
// down sector by sector means the order is right.
func testDOS(img *DiskImg, order SectorOrder) int {
	if !img.hasSectors || img.numTracks <= DOS_VTOC_TRACK {
		return 0
	}
	spt := img.numSectPerTrack
	buf := make([]byte, STD_BYTES_PER_SECTOR)
	if err := img.ReadTrackSectorSwapped(DOS_VTOC_TRACK, DOS_VTOC_SECTOR, buf, order, SectorOrderDOS); err != nil {
		return 0
	}
	if int(buf[0x35]) != spt || int(buf[0x34]) > img.numTracks || int(buf[0x34]) < DOS_VTOC_TRACK+1 {
		return 0
	}
	if binary.LittleEndian.Uint16(buf[0x36:]) != STD_BYTES_PER_SECTOR {
		return 0
	}
	ct, cs := int(buf[1]), int(buf[2])
	if ct == 0 || ct >= img.numTracks || cs >= spt {
		return 0
	}

	score := 1
	seen := make(map[int]bool)
	for n := 0; ct != 0 && n < spt; n++ {
		if ct >= img.numTracks || cs >= spt || seen[ct*spt+cs] {
			break
		}
		seen[ct*spt+cs] = true
		if err := img.ReadTrackSectorSwapped(ct, cs, buf, order, SectorOrderDOS); err != nil {
			break
		}
		nt, ns := int(buf[1]), int(buf[2])
		if nt == ct && ns == cs-1 {
			score++
		}
		ct, cs = nt, ns
	}
	return score
}

func (d *dosDriver) initialize(ctx context.Context, fs *DiskFS, mode InitMode) error {
	d.fs = fs
	buf, err := d.readSector(DOS_VTOC_TRACK, DOS_VTOC_SECTOR)
	if err != nil {
		return err
	}
	copy(d.vtoc.Data[:], buf)
	d.vtoc.t, d.vtoc.s = DOS_VTOC_TRACK, DOS_VTOC_SECTOR

	d.numTracks = d.img.numTracks
	d.numSect = d.img.numSectPerTrack
	if vt := d.vtoc.GetTracks(); vt < d.numTracks && vt > DOS_VTOC_TRACK {
		d.numTracks = vt
	}
	if d.vtoc.GetSectors() != d.numSect {
		return fmt.Errorf("VTOC claims %d sectors per track: %w", d.vtoc.GetSectors(), ErrBadDiskImage)
	}

	vol := int(d.vtoc.GetVolumeID())
	if d.img.dosVolumeNum >= 0 {
		vol = d.img.dosVolumeNum
	}
	fs.volName = fmt.Sprintf("DOS%03d", vol)
	kind := "3.3"
	if d.numSect == STD_SECTORS_PER_TRACK_OLD {
		kind = "3.2"
	}
	fs.volID = fmt.Sprintf("DOS %s Volume %d", kind, vol)

	if mode == InitHeaderOnly {
		return nil
	}

	fs.usage = NewTSUsage(d.numTracks, d.numSect)
	fs.usage.MarkUsedTS(DOS_VTOC_TRACK, DOS_VTOC_SECTOR, PurposeVolumeDir)

	if err := d.scanCatalog(ctx); err != nil {
		if ErrorCode(err) == ErrDirectoryLoop {
			fs.setDamaged("%v", err)
		}
		return err
	}

	for t := 0; t < d.numTracks; t++ {
		for s := 0; s < d.numSect; s++ {
			marked := !d.vtoc.IsTSFree(t, s)
			fs.usage.SetMarkedUsedTS(t, s, marked)
			// the boot tracks hold the DOS image when one was written
			if cs, _ := fs.usage.GetChunkStateTS(t, s); marked && !cs.Used && t < 3 {
				fs.usage.MarkUsedTS(t, s, PurposeSystem)
			}
		}
	}
	return nil
}

// catalogSectors follows the catalog chain from the VTOC.
func (d *dosDriver) catalogSectors() ([][2]int, error) {
	var out [][2]int
	seen := make(map[int]bool)
	ct, cs := d.vtoc.GetCatalogStart()
	for ct != 0 || cs != 0 {
		if !d.validTS(ct, cs) {
			return out, fmt.Errorf("catalog sector T%d S%d: %w", ct, cs, ErrBadDirectory)
		}
		key := ct*d.numSect + cs
		if seen[key] {
			return out, fmt.Errorf("catalog revisits T%d S%d: %w", ct, cs, ErrDirectoryLoop)
		}
		seen[key] = true
		out = append(out, [2]int{ct, cs})
		buf, err := d.readSector(ct, cs)
		if err != nil {
			return out, err
		}
		ct, cs = int(buf[1]), int(buf[2])
	}
	return out, nil
}

func (d *dosDriver) scanCatalog(ctx context.Context) error {
	fs := d.fs
	sects, err := d.catalogSectors()
	if err != nil && ErrorCode(err) != ErrBadDirectory {
		return err
	}
	if err != nil {
		fs.setDamaged("%v", err)
	}

	for n, ts := range sects {
		if err := fs.scanTick(ctx, int64(n), int64(len(sects))); err != nil {
			return err
		}
		if conflict, _ := fs.usage.MarkUsedTS(ts[0], ts[1], PurposeVolumeDir); conflict {
			fs.setDamaged("catalog sector T%d S%d is also used elsewhere", ts[0], ts[1])
		}
		buf, err := d.readSector(ts[0], ts[1])
		if err != nil {
			fs.setDamaged("catalog sector T%d S%d unreadable: %v", ts[0], ts[1], err)
			continue
		}
		for i := 0; i < DOS_ENTRIES_PER_SECT; i++ {
			off := DOS_CATALOG_OFFSET + i*DOS_ENTRY_SIZE
			fd := &FileDescriptor{
				Data:         append([]byte(nil), buf[off:off+DOS_ENTRY_SIZE]...),
				trackid:      ts[0],
				sectorid:     ts[1],
				sectoroffset: off,
			}
			if fd.IsUnused() {
				continue
			}
			d.addEntry(fd)
		}
	}
	return nil
}

func (d *dosDriver) addEntry(fd *FileDescriptor) {
	fs := d.fs
	f := &A2File{
		name:     fd.Name(),
		path:     fd.Name(),
		fileType: uint32(fd.Type().ProDOSType()),
		access:   uint32(AccessType_Default),
		drv:      fd,
	}
	if fd.IsLocked() {
		f.access = uint32(AccessType_Readable)
	}
	fs.addFile(f)

	data, lists, err := d.fileSectors(fd)
	if err != nil {
		f.setQuality(QualityDamaged)
		fs.addNote("%s: %v", f.path, err)
	}
	for _, r := range lists {
		d.claim(f, r, PurposeFileStruct)
	}
	for _, r := range data {
		if !r.Sparse {
			d.claim(f, r, PurposeUserData)
		}
	}
	d.computeLength(f, fd, data)
}

func (d *dosDriver) claim(f *A2File, r StorageRef, purpose ChunkPurpose) {
	if conflict, err := d.fs.usage.MarkUsedTS(r.Track, r.Sector, purpose); err == nil && conflict {
		f.setQuality(QualitySuspicious)
		d.fs.addNote("%s: T%d S%d is used by more than one file", f.path, r.Track, r.Sector)
	}
}

// computeLength works out the file length from the type's header, or for
// text files by finding the terminating zero in the last sector.
func (d *dosDriver) computeLength(f *A2File, fd *FileDescriptor, data []StorageRef) {
	stored := 0
	last := -1
	for i, r := range data {
		if !r.Sparse {
			stored++
			last = i
		}
	}
	capacity := int64(len(data) * STD_BYTES_PER_SECTOR)
	hdr := fd.Type().headerLen()

	switch {
	case last < 0:
		f.dataLen = 0
	case hdr > 0:
		first, err := d.readSector(data[0].Track, data[0].Sector)
		if data[0].Sparse || err != nil {
			f.setQuality(QualityDamaged)
			return
		}
		if fd.Type() == FileTypeBIN {
			f.auxType = uint32(binary.LittleEndian.Uint16(first[0:]))
			f.dataLen = int64(binary.LittleEndian.Uint16(first[2:]))
		} else {
			f.dataLen = int64(binary.LittleEndian.Uint16(first[0:]))
			if fd.Type() == FileTypeAPP {
				f.auxType = 0x0801
			}
		}
		if f.dataLen+int64(hdr) > capacity {
			f.setQuality(QualitySuspicious)
			f.dataLen = capacity - int64(hdr)
		}
	case fd.Type() == FileTypeTXT:
		f.dataLen = int64(last+1) * STD_BYTES_PER_SECTOR
		if buf, err := d.readSector(data[last].Track, data[last].Sector); err == nil {
			if i := strings.IndexByte(string(buf), 0); i >= 0 {
				f.dataLen = int64(last*STD_BYTES_PER_SECTOR + i)
			}
		}
	default:
		f.dataLen = capacity
	}
	f.dataSparse = int64(stored*STD_BYTES_PER_SECTOR - hdr)
	if f.dataSparse > f.dataLen {
		f.dataSparse = f.dataLen
	}
	if f.dataSparse < 0 {
		f.dataSparse = 0
	}
}

// fileSectors walks a T/S list chain. Trailing empty pairs are dropped;
// empty pairs in the middle are sparse sectors.
func (d *dosDriver) fileSectors(fd *FileDescriptor) ([]StorageRef, []StorageRef, error) {
	var data, lists []StorageRef
	seen := make(map[int]bool)
	t, s := fd.GetTrackSectorListStart()
	for t != 0 || s != 0 {
		if !d.validTS(t, s) {
			return trimSparse(data), lists, fmt.Errorf("T/S list at T%d S%d: %w", t, s, ErrBadFile)
		}
		key := t*d.numSect + s
		if seen[key] || len(lists) > d.numTracks*d.numSect {
			return trimSparse(data), lists, fmt.Errorf("T/S list revisits T%d S%d: %w", t, s, ErrFileLoop)
		}
		seen[key] = true
		lists = append(lists, StorageRef{Track: t, Sector: s})

		buf, err := d.readSector(t, s)
		if err != nil {
			return trimSparse(data), lists, err
		}
		for i := 0; i < DOS_TS_PAIRS; i++ {
			pt, ps := int(buf[DOS_TS_OFFSET+i*2]), int(buf[DOS_TS_OFFSET+i*2+1])
			switch {
			case pt == 0 && ps == 0:
				data = append(data, StorageRef{Sparse: true})
			case !d.validTS(pt, ps):
				return trimSparse(data), lists, fmt.Errorf("data sector T%d S%d: %w", pt, ps, ErrBadFile)
			default:
				data = append(data, StorageRef{Track: pt, Sector: ps})
			}
		}
		t, s = int(buf[1]), int(buf[2])
	}
	return trimSparse(data), lists, nil
}

func trimSparse(refs []StorageRef) []StorageRef {
	n := len(refs)
	for n > 0 && refs[n-1].Sparse {
		n--
	}
	return refs[:n]
}

func (d *dosDriver) forkMap(f *A2File, rsrc bool) (*forkMap, error) {
	if rsrc {
		return nil, ErrForkNotFound
	}
	fd := f.drv.(*FileDescriptor)
	data, _, err := d.fileSectors(fd)
	if err != nil {
		f.setQuality(QualityDamaged)
		return nil, fmt.Errorf("%s: %w", f.path, err)
	}
	return &forkMap{
		refs:   data,
		unit:   STD_BYTES_PER_SECTOR,
		skip:   int64(fd.Type().headerLen()),
		length: f.dataLen,
		read:   sectorChunkReader(d.img),
	}, nil
}

func (d *dosDriver) freeCount() int {
	n := 0
	for t := 0; t < d.numTracks; t++ {
		for s := 0; s < d.numSect; s++ {
			if d.vtoc.IsTSFree(t, s) {
				n++
			}
		}
	}
	return n
}

func (d *dosDriver) freeSpace() (int, int, error) {
	return d.freeCount(), STD_BYTES_PER_SECTOR, nil
}

// normalizeName upper-cases and replaces characters DOS cannot store.
func (d *dosDriver) normalizeName(name string) string {
	out := make([]byte, 0, DOS_MAX_NAME)
	for i := 0; i < len(name) && len(out) < DOS_MAX_NAME; i++ {
		c := name[i] & 0x7f
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if c < 0x20 || c == ',' || c == ':' || c == 0x7f {
			c = '.'
		}
		out = append(out, c)
	}
	name = strings.TrimRight(string(out), " ")
	if name == "" {
		return "A"
	}
	return name
}

func (d *dosDriver) findFile(name string) *A2File {
	for _, f := range d.fs.files {
		if strings.EqualFold(f.name, name) {
			return f
		}
	}
	return nil
}

// allocSectors takes free sectors from the highest track down, leaving the
// VTOC track alone.
func (d *dosDriver) allocSectors(n int, purpose ChunkPurpose) ([]StorageRef, error) {
	var out []StorageRef
	for t := d.numTracks - 1; t > 0 && len(out) < n; t-- {
		if t == DOS_VTOC_TRACK {
			continue
		}
		for s := d.numSect - 1; s >= 0 && len(out) < n; s-- {
			if d.vtoc.IsTSFree(t, s) {
				out = append(out, StorageRef{Track: t, Sector: s})
			}
		}
	}
	if len(out) < n {
		return nil, ErrDiskFull
	}
	for _, r := range out {
		d.vtoc.SetTSFree(r.Track, r.Sector, false)
		d.fs.usage.SetChunkStateTS(r.Track, r.Sector, ChunkState{Used: true, MarkedUsed: true, Purpose: purpose})
	}
	return out, nil
}

// saveAlloc copies the VTOC and usage map. Calling the result puts both
// back.
func (d *dosDriver) saveAlloc() func() {
	vtoc := d.vtoc
	usage := d.fs.usage.snapshot()
	return func() {
		d.vtoc = vtoc
		d.fs.usage.restore(usage)
	}
}

func (d *dosDriver) releaseSectors(refs []StorageRef) {
	for _, r := range refs {
		if r.Sparse || !d.validTS(r.Track, r.Sector) {
			continue
		}
		d.vtoc.SetTSFree(r.Track, r.Sector, true)
		d.fs.usage.SetChunkStateTS(r.Track, r.Sector, ChunkState{})
	}
}

func (d *dosDriver) createFile(p CreateParms) (_ *A2File, err error) {
	if p.Directory {
		return nil, fmt.Errorf("DOS has no directories: %w", ErrNotSupported)
	}
	name := d.normalizeName(strings.TrimLeft(p.PathName, ":"))
	if d.findFile(name) != nil {
		return nil, fmt.Errorf("%s: %w", name, ErrFileExists)
	}

	sects, err := d.catalogSectors()
	if err != nil {
		return nil, err
	}
	var fd *FileDescriptor
	for _, ts := range sects {
		buf, err := d.readSector(ts[0], ts[1])
		if err != nil {
			return nil, err
		}
		for i := 0; i < DOS_ENTRIES_PER_SECT && fd == nil; i++ {
			off := DOS_CATALOG_OFFSET + i*DOS_ENTRY_SIZE
			if buf[off] == 0 || buf[off] == DOS_DELETED {
				fd = &FileDescriptor{Data: make([]byte, DOS_ENTRY_SIZE), trackid: ts[0], sectorid: ts[1], sectoroffset: off}
			}
		}
		if fd != nil {
			break
		}
	}
	if fd == nil {
		return nil, ErrVolumeDirFull
	}

	undo := d.saveAlloc()
	defer func() {
		if err != nil {
			undo()
		}
	}()
	list, err := d.allocSectors(1, PurposeFileStruct)
	if err != nil {
		return nil, err
	}
	if err := d.img.WriteTrackSector(list[0].Track, list[0].Sector, make([]byte, STD_BYTES_PER_SECTOR)); err != nil {
		return nil, err
	}

	ft := dosTypeFromProDOS(p.FileType)
	fd.SetTrackSectorListStart(list[0].Track, list[0].Sector)
	fd.SetType(ft)
	fd.SetLocked(p.Access != 0 && p.Access&uint32(AccessType_Writable) == 0)
	fd.SetName(name)
	fd.SetTotalSectors(1)
	if err := fd.Publish(d.img); err != nil {
		return nil, err
	}
	if err := d.vtoc.Publish(d.img); err != nil {
		return nil, err
	}

	f := &A2File{
		name:     fd.Name(),
		path:     fd.Name(),
		fileType: uint32(ft.ProDOSType()),
		auxType:  p.AuxType,
		access:   uint32(AccessType_Default),
		drv:      fd,
	}
	if fd.IsLocked() {
		f.access = uint32(AccessType_Readable)
	}
	d.fs.insertFile(f)
	return f, nil
}

func (d *dosDriver) deleteFile(f *A2File) error {
	fd := f.drv.(*FileDescriptor)
	data, lists, err := d.fileSectors(fd)
	if err != nil {
		return fmt.Errorf("%s: %w", f.path, err)
	}
	// DOS keeps the first T/S list track in the last name byte
	fd.Data[0x20] = fd.Data[0]
	fd.Data[0] = DOS_DELETED
	if err := fd.Publish(d.img); err != nil {
		return err
	}
	d.releaseSectors(data)
	d.releaseSectors(lists)
	return d.vtoc.Publish(d.img)
}

func (d *dosDriver) renameFile(f *A2File, newName string) error {
	name := d.normalizeName(newName)
	if other := d.findFile(name); other != nil && other != f {
		return fmt.Errorf("%s: %w", name, ErrFileExists)
	}
	fd := f.drv.(*FileDescriptor)
	fd.SetName(name)
	if err := fd.Publish(d.img); err != nil {
		return err
	}
	f.name, f.path = fd.Name(), fd.Name()
	return nil
}

func (d *dosDriver) setFileInfo(f *A2File, fileType, auxType, access uint32) error {
	fd := f.drv.(*FileDescriptor)
	ft := dosTypeFromProDOS(fileType)
	if ft.headerLen() != fd.Type().headerLen() && f.dataLen > 0 {
		return fmt.Errorf("changing %s to %s would change its layout: %w", fd.Type().Ext(), ft.Ext(), ErrNotSupported)
	}
	fd.SetType(ft)
	fd.SetLocked(access&uint32(AccessType_Writable) == 0)
	if err := fd.Publish(d.img); err != nil {
		return err
	}

	if ft == FileTypeBIN && auxType != f.auxType {
		data, _, err := d.fileSectors(fd)
		if err == nil && len(data) > 0 && !data[0].Sparse {
			buf, err := d.readSector(data[0].Track, data[0].Sector)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint16(buf[0:], uint16(auxType))
			if err := d.img.WriteTrackSector(data[0].Track, data[0].Sector, buf); err != nil {
				return err
			}
		}
	}

	f.fileType = uint32(ft.ProDOSType())
	f.auxType = auxType
	f.access = uint32(AccessType_Default)
	if fd.IsLocked() {
		f.access = uint32(AccessType_Readable)
	}
	return nil
}

// writeFork stores the whole file, adding the length header its type
// needs.
func (d *dosDriver) writeFork(f *A2File, rsrc bool, data []byte, tick progressCheck) (err error) {
	if rsrc {
		return ErrForkNotFound
	}
	fd := f.drv.(*FileDescriptor)
	ft := fd.Type()
	if len(data) > 0xffff && ft.headerLen() > 0 {
		return fmt.Errorf("%d bytes: %w", len(data), ErrTooBig)
	}

	raw := data
	switch ft {
	case FileTypeBIN:
		raw = make([]byte, 4, 4+len(data))
		binary.LittleEndian.PutUint16(raw[0:], uint16(f.auxType))
		binary.LittleEndian.PutUint16(raw[2:], uint16(len(data)))
		raw = append(raw, data...)
	case FileTypeINT, FileTypeAPP:
		raw = make([]byte, 2, 2+len(data))
		binary.LittleEndian.PutUint16(raw[0:], uint16(len(data)))
		raw = append(raw, data...)
	}

	nData := (len(raw) + STD_BYTES_PER_SECTOR - 1) / STD_BYTES_PER_SECTOR
	nLists := (nData + DOS_TS_PAIRS - 1) / DOS_TS_PAIRS
	if nLists == 0 {
		nLists = 1
	}

	oldData, oldLists, err := d.fileSectors(fd)
	if err != nil {
		return fmt.Errorf("%s: %w", f.path, err)
	}
	owned := len(oldLists)
	for _, r := range oldData {
		if !r.Sparse {
			owned++
		}
	}
	if nData+nLists > d.freeCount()+owned {
		return ErrDiskFull
	}
	undo := d.saveAlloc()
	defer func() {
		if err != nil {
			undo()
		}
	}()
	// the old sectors are given up first only when both copies will not fit
	early := nData+nLists > d.freeCount()
	if early {
		d.releaseSectors(oldData)
		d.releaseSectors(oldLists)
	}

	lists, err := d.allocSectors(nLists, PurposeFileStruct)
	if err != nil {
		return err
	}
	sects, err := d.allocSectors(nData, PurposeUserData)
	if err != nil {
		return err
	}

	buf := make([]byte, STD_BYTES_PER_SECTOR)
	for i, r := range sects {
		if tick != nil {
			if err := tick(int64(i*STD_BYTES_PER_SECTOR), int64(len(raw))); err != nil {
				return err
			}
		}
		clear(buf)
		copy(buf, raw[i*STD_BYTES_PER_SECTOR:])
		if err := d.img.WriteTrackSector(r.Track, r.Sector, buf); err != nil {
			return err
		}
	}
	for i, r := range lists {
		clear(buf)
		if i+1 < len(lists) {
			buf[1], buf[2] = byte(lists[i+1].Track), byte(lists[i+1].Sector)
		}
		binary.LittleEndian.PutUint16(buf[5:], uint16(i*DOS_TS_PAIRS))
		for j := 0; j < DOS_TS_PAIRS && i*DOS_TS_PAIRS+j < len(sects); j++ {
			r2 := sects[i*DOS_TS_PAIRS+j]
			buf[DOS_TS_OFFSET+j*2], buf[DOS_TS_OFFSET+j*2+1] = byte(r2.Track), byte(r2.Sector)
		}
		if err := d.img.WriteTrackSector(r.Track, r.Sector, buf); err != nil {
			return err
		}
	}

	if !early {
		d.releaseSectors(oldData)
		d.releaseSectors(oldLists)
	}
	fd.SetTrackSectorListStart(lists[0].Track, lists[0].Sector)
	fd.SetTotalSectors(nData + nLists)
	if err := fd.Publish(d.img); err != nil {
		return err
	}
	if err := d.vtoc.Publish(d.img); err != nil {
		return err
	}
	f.dataLen = int64(len(data))
	f.dataSparse = int64(len(data))
	return nil
}

// format writes a VTOC and an empty catalog running down track 17. The
// volume name is not stored by DOS; the volume number comes from the image.
func (d *dosDriver) format(volName string) error {
	d.numTracks = d.img.numTracks
	d.numSect = d.img.numSectPerTrack
	if d.numTracks <= DOS_VTOC_TRACK || d.numSect < STD_SECTORS_PER_TRACK_OLD {
		return fmt.Errorf("%d tracks of %d sectors: %w", d.numTracks, d.numSect, ErrInvalidCreateReq)
	}
	vol := d.img.dosVolumeNum
	if vol < 0 {
		vol = DOS_DEFAULT_VOLUME
	}

	v := VTOC{t: DOS_VTOC_TRACK, s: DOS_VTOC_SECTOR}
	v.Data[0x01] = DOS_VTOC_TRACK
	v.Data[0x02] = byte(d.numSect - 1)
	v.Data[0x03] = 3
	if d.numSect == STD_SECTORS_PER_TRACK_OLD {
		v.Data[0x03] = 2
	}
	v.Data[0x06] = byte(vol)
	v.Data[0x27] = DOS_TS_PAIRS
	v.Data[0x30] = DOS_VTOC_TRACK
	v.Data[0x31] = 1
	v.Data[0x34] = byte(d.numTracks)
	v.Data[0x35] = byte(d.numSect)
	binary.LittleEndian.PutUint16(v.Data[0x36:], STD_BYTES_PER_SECTOR)
	for t := 1; t < d.numTracks; t++ {
		if t == DOS_VTOC_TRACK {
			continue
		}
		for s := 0; s < d.numSect; s++ {
			v.SetTSFree(t, s, true)
		}
	}
	d.vtoc = v

	zero := make([]byte, STD_BYTES_PER_SECTOR)
	for t := 0; t < d.numTracks; t++ {
		for s := 0; s < d.numSect; s++ {
			if err := d.img.WriteTrackSector(t, s, zero); err != nil {
				return err
			}
		}
	}
	buf := make([]byte, STD_BYTES_PER_SECTOR)
	for s := d.numSect - 1; s > 0; s-- {
		clear(buf)
		if s > 1 {
			buf[1], buf[2] = DOS_VTOC_TRACK, byte(s-1)
		}
		if err := d.img.WriteTrackSector(DOS_VTOC_TRACK, s, buf); err != nil {
			return err
		}
	}
	return v.Publish(d.img)
}
