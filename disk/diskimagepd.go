package disk

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

const (
	PRODOS_ENTRY_SIZE        = 0x27
	PRODOS_ENTRIES_PER_BLOCK = 0x0d
	PRODOS_VOLDIR_BLOCK      = 2
	PRODOS_VOLDIR_BLOCKS     = 4
	PRODOS_MAX_NAME          = 15
	PRODOS_MAX_BLOCKS        = 65535
	PRODOS_BITS_PER_BLOCK    = BLOCK_SIZE * 8
	PRODOS_MAX_DIR_DEPTH     = 64
	prodosSaplingMax         = 256
	prodosTreeMax            = 128 * 256
)

// VDH is a volume or subdirectory header: the first entry of a
// directory's key block.
type VDH struct {
	Data        []byte
	blockid     int
	blockoffset int
}

func (fd *VDH) GetNameLength() int {
	return int(fd.Data[0] & 0xf)
}

func (fd *VDH) GetStorageType() ProDOSStorageType {
	return ProDOSStorageType((fd.Data[0]) >> 4)
}

func (fd *VDH) SetStorageType(t ProDOSStorageType) {
	fd.Data[0] = (fd.Data[0] & 0x0f) | (byte(t) << 4)
}

func (fd *VDH) GetVolumeName() string {
	return prodosName(fd.Data[1:1+fd.GetNameLength()], 0)
}

func (fd *VDH) SetName(name string) {
	setProdosName(fd.Data, name)
}

func (fd *VDH) CreateTime() time.Time {
	return prodosStampBytesToTime(fd.Data[0x18:0x1C])
}

func (fd *VDH) SetCreateTime(t time.Time) {
	copy(fd.Data[0x18:0x1C], timeToProdosStampBytes(t))
}

func (fd *VDH) SetVersion(b int)    { fd.Data[0x1c] = byte(b) }
func (fd *VDH) SetMinVersion(b int) { fd.Data[0x1d] = byte(b) }

func (fd *VDH) GetAccess() ProDOSAccessMode {
	return ProDOSAccessMode(fd.Data[0x1e])
}

func (fd *VDH) SetAccess(m ProDOSAccessMode) {
	fd.Data[0x1e] = byte(m)
}

func (fd *VDH) GetEntryLength() int {
	return int(fd.Data[0x1f])
}

func (fd *VDH) SetEntryLength(b int) {
	fd.Data[0x1f] = byte(b)
}

func (fd *VDH) GetEntriesPerBlock() int {
	return int(fd.Data[0x20])
}

func (fd *VDH) SetEntriesPerBlock(b int) {
	fd.Data[0x20] = byte(b)
}

func (fd *VDH) GetFileCount() int {
	return int(binary.LittleEndian.Uint16(fd.Data[0x21:]))
}

func (fd *VDH) SetFileCount(c int) {
	binary.LittleEndian.PutUint16(fd.Data[0x21:], uint16(c))
}

func (fd *VDH) GetBitmapPointer() int {
	return int(binary.LittleEndian.Uint16(fd.Data[0x23:]))
}

func (fd *VDH) SetBitmapPointer(b int) {
	binary.LittleEndian.PutUint16(fd.Data[0x23:], uint16(b))
}

func (fd *VDH) GetTotalBlocks() int {
	return int(binary.LittleEndian.Uint16(fd.Data[0x25:]))
}

func (fd *VDH) SetTotalBlocks(b int) {
	binary.LittleEndian.PutUint16(fd.Data[0x25:], uint16(b))
}

func (fd *VDH) SetDirParentPointer(b int) {
	binary.LittleEndian.PutUint16(fd.Data[0x23:], uint16(b))
}

func (fd *VDH) SetDirParentEntry(b int) {
	fd.Data[0x25] = byte(b)
}

func (fd *VDH) SetDirParentEntryLength(b int) {
	fd.Data[0x26] = byte(b)
}

// ProDOSFileDescriptor is a copy of one 39-byte directory entry together
// with where it lives.
type ProDOSFileDescriptor struct {
	Data        []byte
	blockid     int
	blockoffset int
	entryNum    int
	dirKey      int
}

func newProDOSFileDescriptor(block []byte, blockid, offset, entryNum, dirKey int) *ProDOSFileDescriptor {
	fd := &ProDOSFileDescriptor{
		Data:        make([]byte, PRODOS_ENTRY_SIZE),
		blockid:     blockid,
		blockoffset: offset,
		entryNum:    entryNum,
		dirKey:      dirKey,
	}
	copy(fd.Data, block[offset:offset+PRODOS_ENTRY_SIZE])
	return fd
}

func (fd *ProDOSFileDescriptor) GetNameLength() int {
	return int(fd.Data[0] & 0xf)
}

func (fd *ProDOSFileDescriptor) GetStorageType() ProDOSStorageType {
	return ProDOSStorageType((fd.Data[0]) >> 4)
}

func (fd *ProDOSFileDescriptor) SetStorageType(t ProDOSStorageType) {
	fd.Data[0] = (fd.Data[0] & 0x0f) | (byte(t) << 4)
}

// Name applies the GS/OS lower case flags kept in the version bytes.
func (fd *ProDOSFileDescriptor) Name() string {
	flags := binary.BigEndian.Uint16(fd.Data[0x1c:])
	return prodosName(fd.Data[1:1+fd.GetNameLength()], flags)
}

func (fd *ProDOSFileDescriptor) SetName(name string, lowerCase bool) {
	setProdosName(fd.Data, name)
	flags := uint16(0)
	if lowerCase {
		flags = prodosLowerFlags(name)
	}
	binary.BigEndian.PutUint16(fd.Data[0x1c:], flags)
}

func (fd *ProDOSFileDescriptor) Type() ProDOSFileType {
	return ProDOSFileType(fd.Data[0x10])
}

func (fd *ProDOSFileDescriptor) SetType(t ProDOSFileType) {
	fd.Data[0x10] = byte(t)
}

func (fd *ProDOSFileDescriptor) IndexBlock() int {
	return int(binary.LittleEndian.Uint16(fd.Data[0x11:]))
}

func (fd *ProDOSFileDescriptor) SetIndexBlock(b int) {
	binary.LittleEndian.PutUint16(fd.Data[0x11:], uint16(b))
}

func (fd *ProDOSFileDescriptor) TotalBlocks() int {
	return int(binary.LittleEndian.Uint16(fd.Data[0x13:]))
}

func (fd *ProDOSFileDescriptor) SetTotalBlocks(b int) {
	binary.LittleEndian.PutUint16(fd.Data[0x13:], uint16(b))
}

func (fd *ProDOSFileDescriptor) Size() int {
	return int(fd.Data[0x15]) | int(fd.Data[0x16])<<8 | int(fd.Data[0x17])<<16
}

func (fd *ProDOSFileDescriptor) SetSize(v int) {
	fd.Data[0x15] = byte(v)
	fd.Data[0x16] = byte(v >> 8)
	fd.Data[0x17] = byte(v >> 16)
}

func (fd *ProDOSFileDescriptor) CreateTime() time.Time {
	return prodosStampBytesToTime(fd.Data[0x18:0x1C])
}

func (fd *ProDOSFileDescriptor) SetCreateTime(t time.Time) {
	copy(fd.Data[0x18:0x1C], timeToProdosStampBytes(t))
}

func (fd *ProDOSFileDescriptor) AccessMode() ProDOSAccessMode {
	return ProDOSAccessMode(fd.Data[0x1e])
}

func (fd *ProDOSFileDescriptor) SetAccessMode(t ProDOSAccessMode) {
	fd.Data[0x1e] = byte(t)
}

func (fd *ProDOSFileDescriptor) IsLocked() bool {
	a := fd.AccessMode()
	return a&(AccessType_Destroy|AccessType_Rename|AccessType_Writable) == 0
}

func (fd *ProDOSFileDescriptor) AuxType() int {
	return int(binary.LittleEndian.Uint16(fd.Data[0x1f:]))
}

func (fd *ProDOSFileDescriptor) SetAuxType(b int) {
	binary.LittleEndian.PutUint16(fd.Data[0x1f:], uint16(b))
}

func (fd *ProDOSFileDescriptor) ModTime() time.Time {
	return prodosStampBytesToTime(fd.Data[0x21:0x25])
}

func (fd *ProDOSFileDescriptor) SetModTime(t time.Time) {
	copy(fd.Data[0x21:0x25], timeToProdosStampBytes(t))
}

func (fd *ProDOSFileDescriptor) HeaderPointer() int {
	return int(binary.LittleEndian.Uint16(fd.Data[0x25:]))
}

func (fd *ProDOSFileDescriptor) SetHeaderPointer(v int) {
	binary.LittleEndian.PutUint16(fd.Data[0x25:], uint16(v))
}

// Publish writes the entry back into its directory block.
func (fd *ProDOSFileDescriptor) Publish(img *DiskImg) error {
	bd := make([]byte, BLOCK_SIZE)
	if err := img.ReadBlock(fd.blockid, bd); err != nil {
		return err
	}
	copy(bd[fd.blockoffset:], fd.Data)
	return img.WriteBlock(fd.blockid, bd)
}

func prodosName(raw []byte, lowerFlags uint16) string {
	b := make([]byte, len(raw))
	for i, v := range raw {
		v &= 0x7f
		if v < 0x20 {
			v = '?'
		}
		if lowerFlags&0x8000 != 0 && i < PRODOS_MAX_NAME && lowerFlags&(0x4000>>uint(i)) != 0 && v >= 'A' && v <= 'Z' {
			v += 'a' - 'A'
		}
		b[i] = v
	}
	return strings.TrimRight(string(b), " ")
}

func setProdosName(entry []byte, name string) {
	name = strings.ToUpper(name)
	if len(name) > PRODOS_MAX_NAME {
		name = name[:PRODOS_MAX_NAME]
	}
	for i := 1; i <= PRODOS_MAX_NAME; i++ {
		entry[i] = 0
	}
	copy(entry[1:], name)
	entry[0] = (entry[0] & 0xf0) | byte(len(name))
}

// prodosLowerFlags returns the GS/OS case bits for name, or zero when the
// name is all upper case.
func prodosLowerFlags(name string) uint16 {
	flags := uint16(0)
	for i := 0; i < len(name) && i < PRODOS_MAX_NAME; i++ {
		if name[i] >= 'a' && name[i] <= 'z' {
			flags |= 0x4000 >> uint(i)
		}
	}
	if flags == 0 {
		return 0
	}
	return flags | 0x8000
}

func prodosStampBytesToTime(in []byte) time.Time {
	dbits := (int(in[0x01]) << 8) | int(in[0x00])
	if dbits == 0 {
		return time.Time{}
	}
	day := dbits & 31
	month := (dbits >> 5) & 15
	year := (dbits >> 9) & 127
	tbits := (int(in[0x03]) << 8) | int(in[0x02])
	mins := tbits & 63
	hours := (tbits >> 8) & 31

	if year < 40 {
		year += 100
	}
	year += 1900

	return time.Date(year, time.Month(month), day, hours, mins, 0, 0, time.Local)
}

func timeToProdosStampBytes(t time.Time) []byte {
	if t.IsZero() {
		return []byte{0, 0, 0, 0}
	}
	year, month, day, hour, minute := t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute()
	year = year - 1900
	for year > 99 {
		year -= 100
	}

	dbits := (year << 9) | (month << 5) | day
	tbits := (hour << 8) | minute

	return []byte{
		byte(dbits & 0xff),
		byte(dbits >> 8),
		byte(tbits & 0xff),
		byte(tbits >> 8),
	}
}

type ProDOSAccessMode byte

const (
	AccessType_Destroy   ProDOSAccessMode = 0x80
	AccessType_Rename    ProDOSAccessMode = 0x40
	AccessType_Changed   ProDOSAccessMode = 0x20
	AccessType_Invisible ProDOSAccessMode = 0x04
	AccessType_Writable  ProDOSAccessMode = 0x02
	AccessType_Readable  ProDOSAccessMode = 0x01
	//
	AccessType_Default ProDOSAccessMode = AccessType_Readable | AccessType_Writable | AccessType_Rename | AccessType_Destroy
)

type ProDOSStorageType byte

const (
	StorageType_Inactive      ProDOSStorageType = 0x0
	StorageType_Seedling      ProDOSStorageType = 0x1
	StorageType_Sapling       ProDOSStorageType = 0x2
	StorageType_Tree          ProDOSStorageType = 0x3
	StorageType_PascalArea    ProDOSStorageType = 0x4
	StorageType_Extended      ProDOSStorageType = 0x5
	StorageType_SubDir_File   ProDOSStorageType = 0xd
	StorageType_SubDir_Header ProDOSStorageType = 0xe
	StorageType_Volume_Header ProDOSStorageType = 0xf
)

type ProDOSFileType byte

const (
	FileType_PD_None      ProDOSFileType = 0x00
	FileType_PD_TXT       ProDOSFileType = 0x04
	FileType_PD_BIN       ProDOSFileType = 0x06
	FileType_PD_Directory ProDOSFileType = 0x0f
	FileType_PD_PAR       ProDOSFileType = 0xef
	FileType_PD_INT       ProDOSFileType = 0xfa
	FileType_PD_INT_Var   ProDOSFileType = 0xfb
	FileType_PD_APP       ProDOSFileType = 0xfc
	FileType_PD_APP_Var   ProDOSFileType = 0xfd
	FileType_PD_Reloc     ProDOSFileType = 0xfe
	FileType_PD_SYS       ProDOSFileType = 0xff
)

var ProDOSTypeMap = map[ProDOSFileType][2]string{
	0x00: {"NON", "Untyped"},
	0x01: {"BAD", "Bad Block"},
	0x02: {"PCD", "Pascal Code"},
	0x03: {"PTX", "Pascal Text"},
	0x04: {"TXT", "ASCII Text"},
	0x05: {"PDA", "Pascal Data"},
	0x06: {"BIN", "Binary File"},
	0x07: {"FNT", "Apple III Font"},
	0x08: {"FOT", "HiRes/Double HiRes Graphics"},
	0x09: {"BA3", "Apple III Basic Program"},
	0x0A: {"DA3", "Apple III Basic Data"},
	0x0B: {"WPF", "Generic Word Processing"},
	0x0C: {"SOS", "SOS System File"},
	0x0F: {"DIR", "ProDOS Directory"},
	0x10: {"RPD", "RPS Data"},
	0x11: {"RPI", "RPS Index"},
	0x12: {"AFD", "AppleFile Discard"},
	0x13: {"AFM", "AppleFile Model"},
	0x14: {"AFR", "AppleFile Report"},
	0x15: {"SCL", "Screen Library"},
	0x16: {"PFS", "PFS Document"},
	0x19: {"ADB", "AppleWorks Database"},
	0x1A: {"AWP", "AppleWorks Word Processing"},
	0x1B: {"ASP", "AppleWorks Spreadsheet"},
	0x20: {"TDM", "Desktop Manager File"},
	0x21: {"IPS", "Instant Pascal Source"},
	0x22: {"UPV", "UCSD Pascal Volume"},
	0x29: {"3SD", "SOS Directory"},
	0x2A: {"8SC", "Source Code"},
	0x2B: {"8OB", "Object Code"},
	0x2C: {"8IC", "Interpreted Code"},
	0x2D: {"8LD", "Language Data"},
	0x2E: {"P8C", "ProDOS 8 Code Module"},
	0x41: {"OCR", "Optical Character Recognition"},
	0x42: {"FTD", "File Type Definitions"},
	0x50: {"GWP", "Apple IIgs Word Processing"},
	0x51: {"GSS", "Apple IIgs Spreadsheet"},
	0x52: {"GDB", "Apple IIgs Database"},
	0x53: {"DRW", "Object Oriented Graphics"},
	0x54: {"GDP", "Apple IIgs Desktop Publishing"},
	0x55: {"HMD", "HyperMedia"},
	0x56: {"EDU", "Educational Program Data"},
	0x57: {"STN", "Stationery"},
	0x58: {"HLP", "Help File"},
	0x59: {"COM", "Communications"},
	0x5A: {"CFG", "Configuration"},
	0x5B: {"ANM", "Animation"},
	0x5C: {"MUM", "Multimedia"},
	0x5D: {"ENT", "Entertainment"},
	0x5E: {"DVU", "Development Utility"},
	0x60: {"PRE", "PC Pre-Boot"},
	0x66: {"NCF", "ProDOS File Navigator Command File"},
	0x6B: {"BIO", "PC BIOS"},
	0x6D: {"DVR", "PC Driver"},
	0x6E: {"PRE", "PC Pre-Boot"},
	0x6F: {"HDV", "PC Hard Disk Image"},
	0x80: {"GES", "System File"},
	0x81: {"GEA", "Desk Accessory"},
	0x82: {"GEO", "Application"},
	0x83: {"GED", "Document"},
	0x84: {"GEF", "Font"},
	0x85: {"GEP", "Printer Driver"},
	0x86: {"GEI", "Input Driver"},
	0x87: {"GEX", "Auxiliary Driver"},
	0x89: {"GEV", "Swap File"},
	0x8B: {"GEC", "Clock Driver"},
	0x8C: {"GEK", "Interface Card Driver"},
	0x8D: {"GEW", "Formatting Data"},
	0xA0: {"WP ", "WordPerfect"},
	0xAB: {"GSB", "Apple IIgs BASIC Program"},
	0xAC: {"TDF", "Apple IIgs BASIC TDF"},
	0xAD: {"BDF", "Apple IIgs BASIC Data"},
	0xB0: {"SRC", "Apple IIgs Source Code"},
	0xB1: {"OBJ", "Apple IIgs Object Code"},
	0xB2: {"LIB", "Apple IIgs Library"},
	0xB3: {"S16", "Apple IIgs Application Program"},
	0xB4: {"RTL", "Apple IIgs Runtime Library"},
	0xB5: {"EXE", "Apple IIgs Shell Script"},
	0xB6: {"PIF", "Apple IIgs Permanent INIT"},
	0xB7: {"TIF", "Apple IIgs Temporary INIT"},
	0xB8: {"NDA", "Apple IIgs New Desk Accessory"},
	0xB9: {"CDA", "Apple IIgs Classic Desk Accessory"},
	0xBA: {"TOL", "Apple IIgs Tool"},
	0xBB: {"DRV", "Apple IIgs Device Driver"},
	0xBC: {"LDF", "Apple IIgs Generic Load File"},
	0xBD: {"FST", "Apple IIgs File System Translator"},
	0xBF: {"DOC", "Apple IIgs Document"},
	0xC0: {"PNT", "Apple IIgs Packed Super HiRes"},
	0xC1: {"PIC", "Apple IIgs Super HiRes"},
	0xC2: {"ANI", "PaintWorks Animation"},
	0xC3: {"PAL", "PaintWorks Palette"},
	0xC5: {"OOG", "Object-Oriented Graphics"},
	0xC6: {"SCR", "Script"},
	0xC7: {"CDV", "Apple IIgs Control Panel"},
	0xC8: {"FON", "Apple IIgs Font"},
	0xC9: {"FND", "Apple IIgs Finder Data"},
	0xCA: {"ICN", "Apple IIgs Icon"},
	0xD5: {"MUS", "Music"},
	0xD6: {"INS", "Instrument"},
	0xD7: {"MDI", "MIDI"},
	0xD8: {"SND", "Apple IIgs Audio"},
	0xDB: {"DBM", "DB Master Document"},
	0xE0: {"LBR", "Archive"},
	0xE2: {"ATK", "AppleTalk Data"},
	0xEE: {"R16", "EDASM 816 Relocatable Code"},
	0xEF: {"PAR", "Pascal Area"},
	0xF0: {"CMD", "ProDOS Command File"},
	0xF1: {"OVL", "User Defined 1"},
	0xF2: {"UD2", "User Defined 2"},
	0xF3: {"UD3", "User Defined 3"},
	0xF4: {"UD4", "User Defined 4"},
	0xF5: {"BAT", "User Defined 5"},
	0xF6: {"UD6", "User Defined 6"},
	0xF7: {"UD7", "User Defined 7"},
	0xF8: {"PRG", "User Defined 8"},
	0xF9: {"P16", "ProDOS-16 System File"},
	0xFA: {"INT", "Integer BASIC Program"},
	0xFB: {"IVR", "Integer BASIC Variables"},
	0xFC: {"BAS", "Applesoft BASIC Program"},
	0xFD: {"VAR", "Applesoft BASIC Variables"},
	0xFE: {"REL", "EDASM Relocatable Code"},
	0xFF: {"SYS", "ProDOS-8 System File"},
}

func (t ProDOSFileType) String() string {
	info, ok := ProDOSTypeMap[t]
	if ok {
		return info[1]
	}
	return "Unknown"
}

func (ft ProDOSFileType) Ext() string {
	info, ok := ProDOSTypeMap[ft]
	if ok {
		return info[0]
	}
	return fmt.Sprintf("$%02X", byte(ft))
}

// ProDOSFileTypeFromExt maps a three letter abbreviation back to a type,
// defaulting to BIN.
func ProDOSFileTypeFromExt(ext string) ProDOSFileType {
	ext = strings.ToUpper(strings.TrimSpace(ext))
	for ft, info := range ProDOSTypeMap {
		if ext == strings.TrimSpace(info[0]) {
			return ft
		}
	}
	return FileType_PD_BIN
}

// ProDOSVolumeBitmap is the whole free-block map, one bit per block with a
// set bit meaning free, most significant bit first.
type ProDOSVolumeBitmap struct {
	Data    []byte
	blockid int
}

func (vb ProDOSVolumeBitmap) IsBlockFree(b int) bool {
	bidx := b / 8
	bit := 7 - (b % 8)
	mask := byte(1 << uint(bit))

	return (vb.Data[bidx] & mask) == mask
}

func (vb ProDOSVolumeBitmap) SetBlockFree(b int, free bool) {
	bidx := b / 8
	bit := 7 - (b % 8)
	setmask := byte(1 << uint(bit))
	clrmask := 0xff ^ setmask

	if free {
		vb.Data[bidx] = vb.Data[bidx] | setmask
	} else {
		vb.Data[bidx] = vb.Data[bidx] & clrmask
	}
}

type proDOSDriver struct {
	img *DiskImg
	fs  *DiskFS

	totalBlocks int
	bitmap      ProDOSVolumeBitmap
	volDir      *A2File
}

// proDOSFork is the storage description of one fork.
type proDOSFork struct {
	storage    ProDOSStorageType
	key        int
	blocksUsed int
	eof        int
}

func (d *proDOSDriver) separator() byte { return ':' }

func (d *proDOSDriver) readBlock(b int) ([]byte, error) {
	buf := make([]byte, BLOCK_SIZE)
	if err := d.img.ReadBlock(b, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *proDOSDriver) validBlock(b int) bool {
	return b > 0 && b < d.totalBlocks
}

// testProDOS looks for a volume directory header in block 2.
func testProDOS(img *DiskImg, order SectorOrder) bool {
	if !img.hasBlocks || img.numBlocks <= PRODOS_VOLDIR_BLOCK+PRODOS_VOLDIR_BLOCKS {
		return false
	}
	buf := make([]byte, BLOCK_SIZE)
	if err := img.ReadBlockSwapped(PRODOS_VOLDIR_BLOCK, buf, order, SectorOrderProDOS); err != nil {
		return false
	}
	hdr := VDH{Data: buf[4 : 4+PRODOS_ENTRY_SIZE]}
	if binary.LittleEndian.Uint16(buf[0:]) != 0 {
		return false
	}
	if hdr.GetStorageType() != StorageType_Volume_Header || hdr.GetNameLength() == 0 {
		return false
	}
	if hdr.GetEntryLength() != PRODOS_ENTRY_SIZE || hdr.GetEntriesPerBlock() != PRODOS_ENTRIES_PER_BLOCK {
		return false
	}
	if !prodosNameLegal(buf[5 : 5+hdr.GetNameLength()]) {
		return false
	}
	total := hdr.GetTotalBlocks()
	return total > PRODOS_VOLDIR_BLOCK && hdr.GetBitmapPointer() < total
}

func prodosNameLegal(raw []byte) bool {
	for i, c := range raw {
		c &= 0x7f
		switch {
		case c >= 'A' && c <= 'Z':
		case i > 0 && (c >= '0' && c <= '9' || c == '.'):
		default:
			return false
		}
	}
	return true
}

func (d *proDOSDriver) initialize(ctx context.Context, fs *DiskFS, mode InitMode) error {
	d.fs = fs
	buf, err := d.readBlock(PRODOS_VOLDIR_BLOCK)
	if err != nil {
		return err
	}
	hdr := VDH{Data: buf[4 : 4+PRODOS_ENTRY_SIZE], blockid: PRODOS_VOLDIR_BLOCK, blockoffset: 4}
	if hdr.GetStorageType() != StorageType_Volume_Header {
		return fmt.Errorf("block 2 is not a volume header: %w", ErrFilesystemNotFound)
	}
	if hdr.GetEntryLength() != PRODOS_ENTRY_SIZE || hdr.GetEntriesPerBlock() != PRODOS_ENTRIES_PER_BLOCK {
		return fmt.Errorf("volume directory entry geometry: %w", ErrBadDiskImage)
	}

	fs.volName = hdr.GetVolumeName()
	d.totalBlocks = hdr.GetTotalBlocks()
	if d.totalBlocks > d.img.numBlocks {
		fs.setDamaged("volume claims %d blocks but the image holds %d", d.totalBlocks, d.img.numBlocks)
		d.totalBlocks = d.img.numBlocks
	}
	fs.volID = fmt.Sprintf("ProDOS /%s (%dKB)", fs.volName, d.totalBlocks/2)

	if mode == InitHeaderOnly {
		return nil
	}

	d.volDir = &A2File{
		name:       fs.volName,
		path:       fs.volName,
		fileType:   uint32(FileType_PD_Directory),
		access:     uint32(hdr.GetAccess()),
		createWhen: hdr.CreateTime(),
		isDir:      true,
		isVolDir:   true,
	}
	fs.addFile(d.volDir)

	fs.usage = NewBlockUsage(d.totalBlocks)
	fs.usage.MarkUsed(0, PurposeSystem)
	fs.usage.MarkUsed(1, PurposeSystem)

	if err := d.loadBitmap(hdr.GetBitmapPointer()); err != nil {
		return err
	}

	visited := make(map[int]bool)
	if err := d.scanDir(ctx, d.volDir, PRODOS_VOLDIR_BLOCK, PurposeVolumeDir, visited, 0); err != nil {
		if ErrorCode(err) == ErrDirectoryLoop {
			fs.setDamaged("%v", err)
		}
		return err
	}

	unmarked := 0
	for b := 0; b < d.totalBlocks; b++ {
		free := d.bitmap.IsBlockFree(b)
		fs.usage.SetMarkedUsed(b, !free)
		if cs, _ := fs.usage.GetChunkState(b); cs.Used && free {
			unmarked++
		}
	}
	if unmarked > 0 {
		fs.addNote("%d blocks in use are marked free in the bitmap", unmarked)
	}
	return nil
}

func (d *proDOSDriver) bitmapBlocks() int {
	return (d.totalBlocks + PRODOS_BITS_PER_BLOCK - 1) / PRODOS_BITS_PER_BLOCK
}

func (d *proDOSDriver) loadBitmap(start int) error {
	n := d.bitmapBlocks()
	if start <= PRODOS_VOLDIR_BLOCK || start+n > d.totalBlocks {
		return fmt.Errorf("bitmap at block %d: %w", start, ErrBadDiskImage)
	}
	data := make([]byte, n*BLOCK_SIZE)
	if err := d.img.ReadBlocks(start, n, data); err != nil {
		return err
	}
	d.bitmap = ProDOSVolumeBitmap{Data: data, blockid: start}
	for b := start; b < start+n; b++ {
		d.fs.usage.MarkUsed(b, PurposeSystem)
	}
	return nil
}

func (d *proDOSDriver) writeBitmap() error {
	return d.img.WriteBlocks(d.bitmap.blockid, d.bitmapBlocks(), d.bitmap.Data)
}

func (d *proDOSDriver) freeCount() int {
	n := 0
	for b := 0; b < d.totalBlocks; b++ {
		if d.bitmap.IsBlockFree(b) {
			n++
		}
	}
	return n
}

func (d *proDOSDriver) freeSpace() (int, int, error) {
	return d.freeCount(), BLOCK_SIZE, nil
}

// scanDir walks the block chain of one directory, adding its entries and
// descending into subdirectories. A directory block seen twice anywhere on
// the volume is a loop.
func (d *proDOSDriver) scanDir(ctx context.Context, dir *A2File, key int, purpose ChunkPurpose, visited map[int]bool, depth int) error {
	fs := d.fs
	if depth > PRODOS_MAX_DIR_DEPTH {
		return fmt.Errorf("%s nested too deeply: %w", dir.path, ErrDirectoryLoop)
	}

	prev := 0
	for block, first := key, true; block != 0; first = false {
		if visited[block] {
			return fmt.Errorf("%s revisits block %d: %w", dir.path, block, ErrDirectoryLoop)
		}
		if !d.validBlock(block) {
			fs.setDamaged("%s: directory block %d out of range", dir.path, block)
			dir.setQuality(QualityDamaged)
			return nil
		}
		visited[block] = true
		if err := fs.scanTick(ctx, int64(len(visited)), int64(d.totalBlocks)); err != nil {
			return err
		}

		buf, err := d.readBlock(block)
		if err != nil {
			fs.setDamaged("%s: directory block %d unreadable: %v", dir.path, block, err)
			dir.setQuality(QualityDamaged)
			return nil
		}
		if p := int(binary.LittleEndian.Uint16(buf[0:])); p != prev {
			fs.addNote("%s: block %d has previous pointer %d, expected %d", dir.path, block, p, prev)
		}
		if conflict, _ := fs.usage.MarkUsed(block, purpose); conflict {
			fs.setDamaged("%s: directory block %d is also used elsewhere", dir.path, block)
		}

		start := 0
		if first {
			start = 1
		}
		for i := start; i < PRODOS_ENTRIES_PER_BLOCK; i++ {
			off := 4 + i*PRODOS_ENTRY_SIZE
			if buf[off]>>4 == byte(StorageType_Inactive) {
				continue
			}
			fd := newProDOSFileDescriptor(buf, block, off, i+1, key)
			if err := d.addEntry(ctx, dir, fd, visited, depth); err != nil {
				return err
			}
		}

		prev = block
		block = int(binary.LittleEndian.Uint16(buf[2:]))
	}
	return nil
}

func (d *proDOSDriver) childPath(dir *A2File, name string) string {
	if dir == nil || dir.isVolDir {
		return name
	}
	return dir.path + string(d.separator()) + name
}

func (d *proDOSDriver) fileFromEntry(dir *A2File, fd *ProDOSFileDescriptor) *A2File {
	name := fd.Name()
	f := &A2File{
		parent:     dir,
		name:       name,
		path:       d.childPath(dir, name),
		fileType:   uint32(fd.Type()),
		auxType:    uint32(fd.AuxType()),
		access:     uint32(fd.AccessMode()),
		createWhen: fd.CreateTime(),
		modWhen:    fd.ModTime(),
		dataLen:    int64(fd.Size()),
		drv:        fd,
	}
	if fd.GetStorageType() == StorageType_SubDir_File {
		f.isDir = true
	}
	return f
}

func (d *proDOSDriver) addEntry(ctx context.Context, dir *A2File, fd *ProDOSFileDescriptor, visited map[int]bool, depth int) error {
	fs := d.fs
	f := d.fileFromEntry(dir, fd)
	fs.addFile(f)

	switch fd.GetStorageType() {
	case StorageType_SubDir_File:
		key := fd.IndexBlock()
		if !d.validBlock(key) {
			f.setQuality(QualityDamaged)
			fs.setDamaged("%s: subdirectory key block %d out of range", f.path, key)
			return nil
		}
		hdr, err := d.readBlock(key)
		if err != nil || hdr[4]>>4 != byte(StorageType_SubDir_Header) {
			f.setQuality(QualityDamaged)
			fs.setDamaged("%s: block %d is not a subdirectory header", f.path, key)
			return nil
		}
		return d.scanDir(ctx, f, key, PurposeSubdir, visited, depth+1)

	case StorageType_Seedling, StorageType_Sapling, StorageType_Tree:
		fork := proDOSFork{storage: fd.GetStorageType(), key: fd.IndexBlock(), blocksUsed: fd.TotalBlocks(), eof: fd.Size()}
		f.dataSparse = d.markFork(f, fork)

	case StorageType_Extended:
		key := fd.IndexBlock()
		if !d.validBlock(key) {
			f.setQuality(QualityDamaged)
			fs.setDamaged("%s: extended key block %d out of range", f.path, key)
			return nil
		}
		d.claim(f, key, PurposeFileStruct)
		dataFork, rsrcFork, err := d.extendedForks(key)
		if err != nil {
			f.setQuality(QualityDamaged)
			return nil
		}
		f.hasRsrc = true
		f.dataLen = int64(dataFork.eof)
		f.rsrcLen = int64(rsrcFork.eof)
		f.dataSparse = d.markFork(f, dataFork)
		f.rsrcSparse = d.markFork(f, rsrcFork)

	case StorageType_PascalArea:
		f.dataLen = int64(fd.TotalBlocks()) * BLOCK_SIZE
		for b := fd.IndexBlock(); b < fd.IndexBlock()+fd.TotalBlocks() && d.validBlock(b); b++ {
			d.claim(f, b, PurposeEmbedded)
		}

	default:
		f.setQuality(QualityDamaged)
		fs.addNote("%s: unsupported storage type %d", f.path, fd.GetStorageType())
	}
	return nil
}

func (d *proDOSDriver) claim(f *A2File, block int, purpose ChunkPurpose) {
	if conflict, err := d.fs.usage.MarkUsed(block, purpose); err == nil && conflict {
		f.setQuality(QualitySuspicious)
		d.fs.addNote("%s: block %d is used by more than one file", f.path, block)
	}
}

// markFork records a fork's blocks in the usage map and returns the number
// of bytes actually stored.
func (d *proDOSDriver) markFork(f *A2File, fork proDOSFork) int64 {
	refs, index, err := d.forkBlocks(fork)
	if err != nil {
		f.setQuality(QualityDamaged)
		d.fs.addNote("%s: %v", f.path, err)
	}
	for _, b := range index {
		d.claim(f, b, PurposeFileStruct)
	}
	stored := int64(0)
	for _, r := range refs {
		if r.Sparse {
			continue
		}
		d.claim(f, r.Block, PurposeUserData)
		stored += BLOCK_SIZE
	}
	if stored > int64(fork.eof) {
		stored = int64(fork.eof)
	}
	return stored
}

func (d *proDOSDriver) extendedForks(key int) (proDOSFork, proDOSFork, error) {
	buf, err := d.readBlock(key)
	if err != nil {
		return proDOSFork{}, proDOSFork{}, err
	}
	mini := func(off int) proDOSFork {
		return proDOSFork{
			storage:    ProDOSStorageType(buf[off] & 0x0f),
			key:        int(binary.LittleEndian.Uint16(buf[off+1:])),
			blocksUsed: int(binary.LittleEndian.Uint16(buf[off+3:])),
			eof:        int(buf[off+5]) | int(buf[off+6])<<8 | int(buf[off+7])<<16,
		}
	}
	return mini(0x000), mini(0x100), nil
}

// forkBlocks lists the data blocks of a fork, in order, and the index
// blocks that locate them.
func (d *proDOSDriver) forkBlocks(fork proDOSFork) ([]StorageRef, []int, error) {
	nblocks := (fork.eof + BLOCK_SIZE - 1) / BLOCK_SIZE
	switch fork.storage {
	case StorageType_Seedling:
		if !d.validBlock(fork.key) {
			return nil, nil, fmt.Errorf("seedling key block %d: %w", fork.key, ErrBadFile)
		}
		return []StorageRef{{ByBlock: true, Block: fork.key}}, nil, nil

	case StorageType_Sapling:
		if nblocks > prodosSaplingMax {
			nblocks = prodosSaplingMax
		}
		refs, err := d.indexRefs(fork.key, nblocks)
		return refs, []int{fork.key}, err

	case StorageType_Tree:
		if !d.validBlock(fork.key) {
			return nil, nil, fmt.Errorf("master index block %d: %w", fork.key, ErrBadFile)
		}
		master, err := d.readBlock(fork.key)
		if err != nil {
			return nil, nil, err
		}
		if nblocks > prodosTreeMax {
			nblocks = prodosTreeMax
		}
		var refs []StorageRef
		index := []int{fork.key}
		for i := 0; len(refs) < nblocks && i < 128; i++ {
			want := nblocks - len(refs)
			if want > prodosSaplingMax {
				want = prodosSaplingMax
			}
			ib := int(master[i]) | int(master[i+256])<<8
			if ib == 0 {
				for j := 0; j < want; j++ {
					refs = append(refs, StorageRef{ByBlock: true, Sparse: true})
				}
				continue
			}
			sub, err := d.indexRefs(ib, want)
			if err != nil {
				return refs, index, err
			}
			index = append(index, ib)
			refs = append(refs, sub...)
		}
		return refs, index, nil
	}
	return nil, nil, fmt.Errorf("storage type %d: %w", fork.storage, ErrBadFile)
}

func (d *proDOSDriver) indexRefs(indexBlock, count int) ([]StorageRef, error) {
	if !d.validBlock(indexBlock) {
		return nil, fmt.Errorf("index block %d: %w", indexBlock, ErrBadFile)
	}
	idx, err := d.readBlock(indexBlock)
	if err != nil {
		return nil, err
	}
	refs := make([]StorageRef, 0, count)
	for i := 0; i < count; i++ {
		b := int(idx[i]) | int(idx[i+256])<<8
		switch {
		case b == 0:
			refs = append(refs, StorageRef{ByBlock: true, Sparse: true})
		case !d.validBlock(b):
			return refs, fmt.Errorf("data block %d: %w", b, ErrBadFile)
		default:
			refs = append(refs, StorageRef{ByBlock: true, Block: b})
		}
	}
	return refs, nil
}

// dirBlocks follows a directory's block chain.
func (d *proDOSDriver) dirBlocks(key int) ([]int, error) {
	var blocks []int
	seen := make(map[int]bool)
	for b := key; b != 0; {
		if seen[b] {
			return blocks, fmt.Errorf("block %d: %w", b, ErrDirectoryLoop)
		}
		if !d.validBlock(b) {
			return blocks, fmt.Errorf("directory block %d: %w", b, ErrBadDirectory)
		}
		seen[b] = true
		blocks = append(blocks, b)
		buf, err := d.readBlock(b)
		if err != nil {
			return blocks, err
		}
		b = int(binary.LittleEndian.Uint16(buf[2:]))
	}
	return blocks, nil
}

func (d *proDOSDriver) fileFork(f *A2File, rsrc bool) (proDOSFork, error) {
	fd, ok := f.drv.(*ProDOSFileDescriptor)
	if !ok {
		return proDOSFork{}, ErrInternal
	}
	if fd.GetStorageType() == StorageType_Extended {
		dataFork, rsrcFork, err := d.extendedForks(fd.IndexBlock())
		if err != nil {
			return proDOSFork{}, err
		}
		if rsrc {
			return rsrcFork, nil
		}
		return dataFork, nil
	}
	if rsrc {
		return proDOSFork{}, ErrForkNotFound
	}
	return proDOSFork{storage: fd.GetStorageType(), key: fd.IndexBlock(), blocksUsed: fd.TotalBlocks(), eof: fd.Size()}, nil
}

func (d *proDOSDriver) forkMap(f *A2File, rsrc bool) (*forkMap, error) {
	if f.isDir {
		key := PRODOS_VOLDIR_BLOCK
		if !f.isVolDir {
			key = f.drv.(*ProDOSFileDescriptor).IndexBlock()
		}
		blocks, err := d.dirBlocks(key)
		if err != nil {
			return nil, err
		}
		refs := make([]StorageRef, len(blocks))
		for i, b := range blocks {
			refs[i] = StorageRef{ByBlock: true, Block: b}
		}
		return &forkMap{refs: refs, unit: BLOCK_SIZE, length: int64(len(blocks) * BLOCK_SIZE), read: blockChunkReader(d.img)}, nil
	}

	fork, err := d.fileFork(f, rsrc)
	if err != nil {
		return nil, err
	}
	refs, _, err := d.forkBlocks(fork)
	if err != nil {
		f.setQuality(QualityDamaged)
		return nil, fmt.Errorf("%s: %w", f.path, err)
	}
	return &forkMap{refs: refs, unit: BLOCK_SIZE, length: int64(fork.eof), read: blockChunkReader(d.img)}, nil
}

// normalizeName makes a legal ProDOS name: letters, digits and '.', first
// character a letter, at most 15 characters.
func (d *proDOSDriver) normalizeName(name string) string {
	lower := d.img.eng.cfg.AllowLowerCase
	out := make([]byte, 0, PRODOS_MAX_NAME)
	for i := 0; i < len(name) && len(out) < PRODOS_MAX_NAME; i++ {
		c := name[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.':
		case c >= 'a' && c <= 'z':
			if !lower {
				c -= 'a' - 'A'
			}
		default:
			c = '.'
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return "A"
	}
	if !(out[0] >= 'A' && out[0] <= 'Z' || out[0] >= 'a' && out[0] <= 'z') {
		out = append([]byte{'A'}, out...)
		if len(out) > PRODOS_MAX_NAME {
			out = out[:PRODOS_MAX_NAME]
		}
	}
	return string(out)
}

// resolveParent splits a path into its directory and final name. A leading
// component naming the volume is dropped.
func (d *proDOSDriver) resolveParent(path string) (*A2File, string, error) {
	sep := string(d.separator())
	parts := strings.Split(strings.Trim(path, sep+"/"), sep)
	if len(parts) > 1 && strings.EqualFold(parts[0], d.fs.volName) {
		parts = parts[1:]
	}
	if len(parts) == 0 || parts[len(parts)-1] == "" {
		return nil, "", ErrInvalidFileName
	}

	dir := d.volDir
	for _, p := range parts[:len(parts)-1] {
		next := d.findChild(dir, p)
		if next == nil || !next.isDir {
			return nil, "", fmt.Errorf("directory %q: %w", p, ErrFileNotFound)
		}
		dir = next
	}
	return dir, parts[len(parts)-1], nil
}

func (d *proDOSDriver) findChild(dir *A2File, name string) *A2File {
	for _, f := range d.fs.files {
		if f.parent == dir && strings.EqualFold(f.name, name) {
			return f
		}
	}
	return nil
}

func (d *proDOSDriver) dirKey(dir *A2File) int {
	if dir.isVolDir {
		return PRODOS_VOLDIR_BLOCK
	}
	return dir.drv.(*ProDOSFileDescriptor).IndexBlock()
}

// findFreeEntry returns the first unused entry slot in a directory, or the
// last block of the chain when every slot is taken.
func (d *proDOSDriver) findFreeEntry(key int) (block, offset, entry, last int, err error) {
	blocks, err := d.dirBlocks(key)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	for n, b := range blocks {
		buf, err := d.readBlock(b)
		if err != nil {
			return 0, 0, 0, 0, err
		}
		start := 0
		if n == 0 {
			start = 1
		}
		for i := start; i < PRODOS_ENTRIES_PER_BLOCK; i++ {
			off := 4 + i*PRODOS_ENTRY_SIZE
			if buf[off]>>4 == byte(StorageType_Inactive) {
				return b, off, i + 1, b, nil
			}
		}
	}
	return 0, 0, 0, blocks[len(blocks)-1], nil
}

// allocBlocks claims n free blocks, lowest first.
func (d *proDOSDriver) allocBlocks(n int, purpose ChunkPurpose) ([]int, error) {
	var out []int
	for b := 0; b < d.totalBlocks && len(out) < n; b++ {
		if d.bitmap.IsBlockFree(b) {
			out = append(out, b)
		}
	}
	if len(out) < n {
		return nil, ErrDiskFull
	}
	for _, b := range out {
		d.bitmap.SetBlockFree(b, false)
		d.fs.usage.SetChunkState(b, ChunkState{Used: true, MarkedUsed: true, Purpose: purpose})
	}
	return out, nil
}

// saveAlloc copies the bitmap and usage map. Calling the result puts both
// back, undoing any allocation made since.
func (d *proDOSDriver) saveAlloc() func() {
	bm := append([]byte(nil), d.bitmap.Data...)
	usage := d.fs.usage.snapshot()
	return func() {
		copy(d.bitmap.Data, bm)
		d.fs.usage.restore(usage)
	}
}

func (d *proDOSDriver) releaseBlocks(blocks []int) {
	for _, b := range blocks {
		if b <= 0 || b >= d.totalBlocks {
			continue
		}
		d.bitmap.SetBlockFree(b, true)
		d.fs.usage.SetChunkState(b, ChunkState{})
	}
}

func (d *proDOSDriver) adjustFileCount(key, delta int) error {
	buf, err := d.readBlock(key)
	if err != nil {
		return err
	}
	hdr := VDH{Data: buf[4 : 4+PRODOS_ENTRY_SIZE]}
	c := hdr.GetFileCount() + delta
	if c < 0 {
		c = 0
	}
	hdr.SetFileCount(c)
	return d.img.WriteBlock(key, buf)
}

func (d *proDOSDriver) createFile(p CreateParms) (_ *A2File, err error) {
	if p.FileType > 0xff || p.AuxType > 0xffff || p.Access > 0xff {
		return nil, ErrInvalidArg
	}
	undo := d.saveAlloc()
	defer func() {
		if err != nil {
			undo()
		}
	}()
	parent, name, err := d.resolveParent(p.PathName)
	if err != nil {
		return nil, err
	}
	name = d.normalizeName(name)
	if existing := d.findChild(parent, name); existing != nil {
		if existing.isDir {
			return nil, fmt.Errorf("%s: %w", existing.path, ErrDirectoryExists)
		}
		return nil, fmt.Errorf("%s: %w", existing.path, ErrFileExists)
	}

	pkey := d.dirKey(parent)
	eb, eoff, enum, last, err := d.findFreeEntry(pkey)
	if err != nil {
		return nil, err
	}
	need := 1
	if eb == 0 {
		if parent.isVolDir {
			return nil, ErrVolumeDirFull
		}
		need++
	}
	if d.freeCount() < need {
		return nil, ErrDiskFull
	}
	if eb == 0 {
		if eb, err = d.extendDir(parent, last); err != nil {
			return nil, err
		}
		eoff, enum = 4, 1
	}

	purpose := PurposeUserData
	if p.Directory {
		purpose = PurposeSubdir
	}
	blocks, err := d.allocBlocks(1, purpose)
	if err != nil {
		return nil, err
	}
	key := blocks[0]

	access := ProDOSAccessMode(p.Access)
	if p.Access == 0 {
		access = AccessType_Default
	}
	entryBlock, err := d.readBlock(eb)
	if err != nil {
		return nil, err
	}
	for i := 0; i < PRODOS_ENTRY_SIZE; i++ {
		entryBlock[eoff+i] = 0
	}
	fd := newProDOSFileDescriptor(entryBlock, eb, eoff, enum, pkey)
	fd.SetName(name, d.img.eng.cfg.AllowLowerCase)
	fd.SetIndexBlock(key)
	fd.SetTotalBlocks(1)
	fd.SetAccessMode(access)
	fd.SetCreateTime(p.CreateWhen)
	fd.SetModTime(p.ModWhen)
	fd.SetHeaderPointer(pkey)

	keyData := make([]byte, BLOCK_SIZE)
	if p.Directory {
		fd.SetStorageType(StorageType_SubDir_File)
		fd.SetType(FileType_PD_Directory)
		fd.SetSize(BLOCK_SIZE)
		initDirectoryBlock(keyData, eb, enum, name, p.CreateWhen)
	} else {
		fd.SetStorageType(StorageType_Seedling)
		fd.SetType(ProDOSFileType(p.FileType))
		fd.SetAuxType(int(p.AuxType))
		fd.SetSize(0)
	}
	if err := d.img.WriteBlock(key, keyData); err != nil {
		return nil, err
	}
	if err := fd.Publish(d.img); err != nil {
		return nil, err
	}
	if err := d.adjustFileCount(pkey, 1); err != nil {
		return nil, err
	}
	if err := d.writeBitmap(); err != nil {
		return nil, err
	}

	f := d.fileFromEntry(parent, fd)
	d.fs.insertFile(f)
	return f, nil
}

// initDirectoryBlock lays out the key block of a new subdirectory.
func initDirectoryBlock(block []byte, parentBlock, parentEntry int, name string, when time.Time) {
	dh := &VDH{Data: block[4 : 4+PRODOS_ENTRY_SIZE], blockoffset: 4}

	// Must be set (beneath Apple ProDOS)
	dh.Data[0x10] = 0x75

	dh.SetStorageType(StorageType_SubDir_Header)
	dh.SetName(name)
	dh.SetCreateTime(when)
	dh.SetVersion(0)
	dh.SetMinVersion(0)
	dh.SetAccess(AccessType_Default)
	dh.SetEntryLength(PRODOS_ENTRY_SIZE)
	dh.SetEntriesPerBlock(PRODOS_ENTRIES_PER_BLOCK)
	dh.SetFileCount(0)
	dh.SetDirParentPointer(parentBlock)
	dh.SetDirParentEntry(parentEntry)
	dh.SetDirParentEntryLength(PRODOS_ENTRY_SIZE)
}

// extendDir adds a block to the end of a full subdirectory.
func (d *proDOSDriver) extendDir(dir *A2File, last int) (int, error) {
	blocks, err := d.allocBlocks(1, PurposeSubdir)
	if err != nil {
		return 0, err
	}
	nb := blocks[0]
	fresh := make([]byte, BLOCK_SIZE)
	binary.LittleEndian.PutUint16(fresh[0:], uint16(last))
	if err := d.img.WriteBlock(nb, fresh); err != nil {
		return 0, err
	}
	lb, err := d.readBlock(last)
	if err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint16(lb[2:], uint16(nb))
	if err := d.img.WriteBlock(last, lb); err != nil {
		return 0, err
	}

	fd := dir.drv.(*ProDOSFileDescriptor)
	fd.SetTotalBlocks(fd.TotalBlocks() + 1)
	fd.SetSize(fd.Size() + BLOCK_SIZE)
	if err := fd.Publish(d.img); err != nil {
		return 0, err
	}
	dir.dataLen = int64(fd.Size())
	return nb, nil
}

func (d *proDOSDriver) deleteFile(f *A2File) error {
	if f.isVolDir {
		return fmt.Errorf("volume directory: %w", ErrAccessDenied)
	}
	fd := f.drv.(*ProDOSFileDescriptor)

	var release []int
	if f.isDir {
		key := fd.IndexBlock()
		buf, err := d.readBlock(key)
		if err != nil {
			return err
		}
		hdr := VDH{Data: buf[4 : 4+PRODOS_ENTRY_SIZE]}
		if hdr.GetFileCount() != 0 {
			return fmt.Errorf("%s: %w", f.path, ErrDirNotEmpty)
		}
		blocks, err := d.dirBlocks(key)
		if err != nil {
			return err
		}
		release = blocks
	} else {
		blocks, err := d.fileBlocks(f)
		if err != nil {
			return err
		}
		release = blocks
	}

	fd.Data[0] = 0
	if err := fd.Publish(d.img); err != nil {
		return err
	}
	if err := d.adjustFileCount(fd.dirKey, -1); err != nil {
		return err
	}
	d.releaseBlocks(release)
	return d.writeBitmap()
}

// fileBlocks lists every block a file owns, index and key blocks included.
func (d *proDOSDriver) fileBlocks(f *A2File) ([]int, error) {
	fd := f.drv.(*ProDOSFileDescriptor)
	var out []int
	collect := func(fork proDOSFork) error {
		refs, index, err := d.forkBlocks(fork)
		if err != nil {
			return err
		}
		out = append(out, index...)
		for _, r := range refs {
			if !r.Sparse {
				out = append(out, r.Block)
			}
		}
		return nil
	}
	if fd.GetStorageType() == StorageType_Extended {
		dataFork, rsrcFork, err := d.extendedForks(fd.IndexBlock())
		if err != nil {
			return nil, err
		}
		out = append(out, fd.IndexBlock())
		if err := collect(dataFork); err != nil {
			return nil, err
		}
		if err := collect(rsrcFork); err != nil {
			return nil, err
		}
		return out, nil
	}
	fork, err := d.fileFork(f, false)
	if err != nil {
		return nil, err
	}
	if err := collect(fork); err != nil {
		return nil, err
	}
	return out, nil
}

// writeFork replaces a fork's contents. Every block the new contents need
// is checked for before any existing block is given up.
func (d *proDOSDriver) writeFork(f *A2File, rsrc bool, data []byte, tick progressCheck) (err error) {
	fd := f.drv.(*ProDOSFileDescriptor)
	if rsrc && fd.GetStorageType() != StorageType_Extended {
		return fmt.Errorf("adding a resource fork to %s: %w", f.path, ErrNotSupported)
	}
	undo := d.saveAlloc()
	defer func() {
		if err != nil {
			undo()
		}
	}()
	old, err := d.fileFork(f, rsrc)
	if err != nil {
		return err
	}
	oldRefs, oldIndex, err := d.forkBlocks(old)
	if err != nil {
		return fmt.Errorf("%s: %w", f.path, err)
	}
	var owned []int
	owned = append(owned, oldIndex...)
	for _, r := range oldRefs {
		if !r.Sparse {
			owned = append(owned, r.Block)
		}
	}

	plan, err := d.planFork(data)
	if err != nil {
		return err
	}
	if plan.total() > d.freeCount()+len(owned) {
		return ErrDiskFull
	}

	// the old blocks are given up first only when both copies will not fit
	early := plan.total() > d.freeCount()
	if early {
		d.releaseBlocks(owned)
	}
	fork, err := d.storeFork(plan, data, tick)
	if err != nil {
		return err
	}
	if !early {
		d.releaseBlocks(owned)
	}

	if fd.GetStorageType() == StorageType_Extended {
		key := fd.IndexBlock()
		kb, err := d.readBlock(key)
		if err != nil {
			return err
		}
		off := 0
		if rsrc {
			off = 0x100
		}
		kb[off] = byte(fork.storage)
		binary.LittleEndian.PutUint16(kb[off+1:], uint16(fork.key))
		binary.LittleEndian.PutUint16(kb[off+3:], uint16(fork.blocksUsed))
		kb[off+5], kb[off+6], kb[off+7] = byte(fork.eof), byte(fork.eof>>8), byte(fork.eof>>16)
		if err := d.img.WriteBlock(key, kb); err != nil {
			return err
		}
		dataFork, rsrcFork, err := d.extendedForks(key)
		if err != nil {
			return err
		}
		fd.SetTotalBlocks(1 + dataFork.blocksUsed + rsrcFork.blocksUsed)
		fd.SetSize(BLOCK_SIZE)
	} else {
		fd.SetStorageType(fork.storage)
		fd.SetIndexBlock(fork.key)
		fd.SetTotalBlocks(fork.blocksUsed)
		fd.SetSize(fork.eof)
	}
	now := time.Now()
	fd.SetModTime(now)
	if err := fd.Publish(d.img); err != nil {
		return err
	}
	if err := d.writeBitmap(); err != nil {
		return err
	}

	stored := int64(plan.data * BLOCK_SIZE)
	if stored > int64(len(data)) {
		stored = int64(len(data))
	}
	if rsrc {
		f.rsrcLen, f.rsrcSparse = int64(len(data)), stored
	} else {
		f.dataLen, f.dataSparse = int64(len(data)), stored
	}
	f.modWhen = fd.ModTime()
	return nil
}

type proDOSPlan struct {
	storage ProDOSStorageType
	nblocks int
	sparse  []bool
	data    int
	index   int
}

func (p proDOSPlan) total() int { return p.data + p.index }

func (d *proDOSDriver) planFork(data []byte) (proDOSPlan, error) {
	n := (len(data) + BLOCK_SIZE - 1) / BLOCK_SIZE
	if n == 0 {
		n = 1
	}
	if n > prodosTreeMax {
		return proDOSPlan{}, fmt.Errorf("%d bytes: %w", len(data), ErrTooBig)
	}
	p := proDOSPlan{nblocks: n, sparse: make([]bool, n)}
	zero := make([]byte, BLOCK_SIZE)
	for i := 0; i < n; i++ {
		if i > 0 && d.img.eng.cfg.SparseAllocation {
			end := (i + 1) * BLOCK_SIZE
			if end > len(data) {
				end = len(data)
			}
			p.sparse[i] = bytes.Equal(data[i*BLOCK_SIZE:end], zero[:end-i*BLOCK_SIZE])
		}
		if !p.sparse[i] {
			p.data++
		}
	}
	switch {
	case n == 1:
		p.storage = StorageType_Seedling
	case n <= prodosSaplingMax:
		p.storage = StorageType_Sapling
		p.index = 1
	default:
		p.storage = StorageType_Tree
		p.index = 1 + (n+prodosSaplingMax-1)/prodosSaplingMax
	}
	return p, nil
}

// storeFork allocates and writes the blocks of a planned fork.
func (d *proDOSDriver) storeFork(p proDOSPlan, data []byte, tick progressCheck) (proDOSFork, error) {
	blocks, err := d.allocBlocks(p.total(), PurposeUserData)
	if err != nil {
		return proDOSFork{}, err
	}
	next := 0
	take := func() int {
		b := blocks[next]
		next++
		return b
	}

	var index []int
	for i := 0; i < p.index; i++ {
		b := take()
		d.fs.usage.SetChunkState(b, ChunkState{Used: true, MarkedUsed: true, Purpose: PurposeFileStruct})
		index = append(index, b)
	}

	ptrs := make([]int, p.nblocks)
	buf := make([]byte, BLOCK_SIZE)
	for i := 0; i < p.nblocks; i++ {
		if p.sparse[i] {
			continue
		}
		if tick != nil {
			if err := tick(int64(i*BLOCK_SIZE), int64(len(data))); err != nil {
				return proDOSFork{}, err
			}
		}
		clear(buf)
		if i*BLOCK_SIZE < len(data) {
			copy(buf, data[i*BLOCK_SIZE:])
		}
		b := take()
		if err := d.img.WriteBlock(b, buf); err != nil {
			return proDOSFork{}, err
		}
		ptrs[i] = b
	}

	fork := proDOSFork{storage: p.storage, blocksUsed: p.total(), eof: len(data)}
	switch p.storage {
	case StorageType_Seedling:
		fork.key = ptrs[0]
	case StorageType_Sapling:
		fork.key = index[0]
		if err := d.writeIndex(index[0], ptrs); err != nil {
			return proDOSFork{}, err
		}
	case StorageType_Tree:
		fork.key = index[0]
		master := make([]int, 0, len(index)-1)
		for i, ib := range index[1:] {
			end := (i + 1) * prodosSaplingMax
			if end > len(ptrs) {
				end = len(ptrs)
			}
			if err := d.writeIndex(ib, ptrs[i*prodosSaplingMax:end]); err != nil {
				return proDOSFork{}, err
			}
			master = append(master, ib)
		}
		if err := d.writeIndex(index[0], master); err != nil {
			return proDOSFork{}, err
		}
	}
	return fork, nil
}

// writeIndex stores block pointers split into low and high halves.
func (d *proDOSDriver) writeIndex(block int, ptrs []int) error {
	ib := make([]byte, BLOCK_SIZE)
	for i, p := range ptrs {
		ib[i] = byte(p)
		ib[i+256] = byte(p >> 8)
	}
	return d.img.WriteBlock(block, ib)
}

func (d *proDOSDriver) renameFile(f *A2File, newName string) error {
	if f.isVolDir {
		return d.renameVolume(newName)
	}
	name := d.normalizeName(newName)
	if other := d.findChild(f.parent, name); other != nil && other != f {
		return fmt.Errorf("%s: %w", other.path, ErrFileExists)
	}
	fd := f.drv.(*ProDOSFileDescriptor)
	fd.SetName(name, d.img.eng.cfg.AllowLowerCase)
	if err := fd.Publish(d.img); err != nil {
		return err
	}
	if f.isDir {
		key := fd.IndexBlock()
		buf, err := d.readBlock(key)
		if err != nil {
			return err
		}
		hdr := VDH{Data: buf[4 : 4+PRODOS_ENTRY_SIZE]}
		hdr.SetName(name)
		if err := d.img.WriteBlock(key, buf); err != nil {
			return err
		}
	}

	oldPrefix := f.path + string(d.separator())
	f.name = fd.Name()
	f.path = d.childPath(f.parent, f.name)
	for _, g := range d.fs.files {
		if g.isInside(f) {
			g.path = f.path + string(d.separator()) + strings.TrimPrefix(g.path, oldPrefix)
		}
	}
	return nil
}

func (d *proDOSDriver) setFileInfo(f *A2File, fileType, auxType, access uint32) error {
	if f.isVolDir || fileType > 0xff || auxType > 0xffff || access > 0xff {
		return ErrInvalidArg
	}
	if f.isDir && fileType != uint32(FileType_PD_Directory) {
		return fmt.Errorf("directory type: %w", ErrInvalidArg)
	}
	fd := f.drv.(*ProDOSFileDescriptor)
	fd.SetType(ProDOSFileType(fileType))
	fd.SetAuxType(int(auxType))
	fd.SetAccessMode(ProDOSAccessMode(access))
	if err := fd.Publish(d.img); err != nil {
		return err
	}
	f.fileType, f.auxType, f.access = fileType, auxType, access
	return nil
}

func (d *proDOSDriver) renameVolume(name string) error {
	name = strings.ToUpper(d.normalizeName(name))
	buf, err := d.readBlock(PRODOS_VOLDIR_BLOCK)
	if err != nil {
		return err
	}
	hdr := VDH{Data: buf[4 : 4+PRODOS_ENTRY_SIZE]}
	hdr.SetName(name)
	if err := d.img.WriteBlock(PRODOS_VOLDIR_BLOCK, buf); err != nil {
		return err
	}
	d.fs.volName = name
	d.fs.volID = fmt.Sprintf("ProDOS /%s (%dKB)", name, d.totalBlocks/2)
	if d.volDir != nil {
		d.volDir.name, d.volDir.path = name, name
	}
	return nil
}

// format writes an empty volume: boot blocks, a four block volume
// directory and the bitmap straight after it.
func (d *proDOSDriver) format(volName string) error {
	total := d.img.numBlocks
	if total > PRODOS_MAX_BLOCKS {
		total = PRODOS_MAX_BLOCKS
	}
	if total < PRODOS_VOLDIR_BLOCK+PRODOS_VOLDIR_BLOCKS+1 {
		return fmt.Errorf("%d blocks: %w", total, ErrInvalidCreateReq)
	}
	volName = strings.ToUpper(d.normalizeName(volName))
	d.totalBlocks = total

	zero := make([]byte, BLOCK_SIZE)
	for b := 0; b < PRODOS_VOLDIR_BLOCK; b++ {
		if err := d.img.WriteBlock(b, zero); err != nil {
			return err
		}
	}
	first := PRODOS_VOLDIR_BLOCK
	lastDir := first + PRODOS_VOLDIR_BLOCKS - 1
	for b := first; b <= lastDir; b++ {
		buf := make([]byte, BLOCK_SIZE)
		if b > first {
			binary.LittleEndian.PutUint16(buf[0:], uint16(b-1))
		}
		if b < lastDir {
			binary.LittleEndian.PutUint16(buf[2:], uint16(b+1))
		}
		if b == first {
			hdr := VDH{Data: buf[4 : 4+PRODOS_ENTRY_SIZE]}
			hdr.SetStorageType(StorageType_Volume_Header)
			hdr.SetName(volName)
			hdr.SetCreateTime(time.Now())
			hdr.SetVersion(0)
			hdr.SetMinVersion(0)
			hdr.SetAccess(AccessType_Default | AccessType_Changed)
			hdr.SetEntryLength(PRODOS_ENTRY_SIZE)
			hdr.SetEntriesPerBlock(PRODOS_ENTRIES_PER_BLOCK)
			hdr.SetFileCount(0)
			hdr.SetBitmapPointer(lastDir + 1)
			hdr.SetTotalBlocks(total)
		}
		if err := d.img.WriteBlock(b, buf); err != nil {
			return err
		}
	}

	d.bitmap = ProDOSVolumeBitmap{Data: make([]byte, d.bitmapBlocks()*BLOCK_SIZE), blockid: lastDir + 1}
	firstFree := lastDir + 1 + d.bitmapBlocks()
	for b := firstFree; b < total; b++ {
		d.bitmap.SetBlockFree(b, true)
	}
	return d.writeBitmap()
}

// subVolumes reports Pascal areas: contiguous PAR files at the top level
// that hold a Pascal volume.
func (d *proDOSDriver) subVolumes() ([]subVolumeSpec, error) {
	var specs []subVolumeSpec
	for _, f := range d.fs.files {
		if f.parent != d.volDir || f.fileType != uint32(FileType_PD_PAR) {
			continue
		}
		fd := f.drv.(*ProDOSFileDescriptor)
		if fd.GetStorageType() != StorageType_PascalArea {
			continue
		}
		// the key pointer and block count of a Pascal area describe a
		// contiguous run
		start, n := fd.IndexBlock(), fd.TotalBlocks()
		if !d.validBlock(start) || start+n > d.totalBlocks || n < 6 {
			d.fs.addNote("%s: Pascal area outside the volume", f.path)
			continue
		}
		specs = append(specs, subVolumeSpec{name: f.name, firstBlock: start, numBlocks: n, fsHint: FSFormatPascal})
	}
	return specs, nil
}
