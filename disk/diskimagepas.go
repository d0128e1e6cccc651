package disk

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

const PASCAL_BLOCK_SIZE = 512
const PASCAL_VOLUME_BLOCK = 2
const PASCAL_MAX_VOLUME_NAME = 7
const PASCAL_MAX_FILE_NAME = 15
const PASCAL_DIRECTORY_ENTRY_LENGTH = 26
const PASCAL_OVERSIZE_DIR = 32
const PASCAL_MAX_FILES = 77

type PascalVolumeHeader struct {
	data [PASCAL_DIRECTORY_ENTRY_LENGTH]byte
}

func (pvh *PascalVolumeHeader) SetData(data []byte) {
	copy(pvh.data[:], data)
}

func (pvh *PascalVolumeHeader) GetStartBlock() int {
	return int(binary.LittleEndian.Uint16(pvh.data[0x00:]))
}

func (pvh *PascalVolumeHeader) GetNextBlock() int {
	return int(binary.LittleEndian.Uint16(pvh.data[0x02:]))
}

func (pvh *PascalVolumeHeader) GetType() int {
	return int(binary.LittleEndian.Uint16(pvh.data[0x04:]))
}

func (pvh *PascalVolumeHeader) GetNameLength() int {
	return int(pvh.data[0x06])
}

func (pvh *PascalVolumeHeader) GetName() string {
	l := pvh.GetNameLength()
	if l > PASCAL_MAX_VOLUME_NAME {
		l = PASCAL_MAX_VOLUME_NAME
	}
	return string(pvh.data[0x07 : 0x07+l])
}

func (pvh *PascalVolumeHeader) GetTotalBlocks() int {
	return int(binary.LittleEndian.Uint16(pvh.data[0x0e:]))
}

func (pvh *PascalVolumeHeader) GetNumFiles() int {
	return int(binary.LittleEndian.Uint16(pvh.data[0x10:]))
}

func (pvh *PascalVolumeHeader) GetDate() time.Time {
	return pascalDate(binary.LittleEndian.Uint16(pvh.data[0x14:]))
}

type PascalFileType int

const (
	FileType_PAS_NONE PascalFileType = 0
	FileType_PAS_BADD PascalFileType = 1
	FileType_PAS_CODE PascalFileType = 2
	FileType_PAS_TEXT PascalFileType = 3
	FileType_PAS_INFO PascalFileType = 4
	FileType_PAS_DATA PascalFileType = 5
	FileType_PAS_GRAF PascalFileType = 6
	FileType_PAS_FOTO PascalFileType = 7
	FileType_PAS_SECD PascalFileType = 8
)

var PascalTypeMap = map[PascalFileType][2]string{
	0x00: {"UNK", "Untyped"},
	0x01: {"BAD", "Bad Block"},
	0x02: {"PCD", "Pascal Code"},
	0x03: {"PTX", "Pascal Text"},
	0x04: {"PIF", "Pascal Info"},
	0x05: {"PDA", "Pascal Data"},
	0x06: {"GRF", "Pascal Graphics"},
	0x07: {"FOT", "HiRes Graphics"},
	0x08: {"SEC", "Secure Directory"},
}

func (ft PascalFileType) String() string {
	info, ok := PascalTypeMap[ft]
	if ok {
		return info[1]
	}
	return "Unknown"
}

func (ft PascalFileType) Ext() string {
	info, ok := PascalTypeMap[ft]
	if ok {
		return info[0]
	}
	return "UNK"
}

// ProDOSType gives the ProDOS type used to report a Pascal file.
func (ft PascalFileType) ProDOSType() ProDOSFileType {
	switch ft {
	case FileType_PAS_BADD:
		return 0x01
	case FileType_PAS_CODE:
		return 0x02
	case FileType_PAS_TEXT:
		return 0x03
	case FileType_PAS_DATA:
		return 0x05
	case FileType_PAS_GRAF, FileType_PAS_FOTO:
		return 0x08
	}
	return 0x00
}

type PascalFileEntry struct {
	data [PASCAL_DIRECTORY_ENTRY_LENGTH]byte
}

func (pfe *PascalFileEntry) SetData(data []byte) {
	copy(pfe.data[:], data)
}

func (pfe *PascalFileEntry) GetStartBlock() int {
	return int(binary.LittleEndian.Uint16(pfe.data[0x00:]))
}

func (pfe *PascalFileEntry) GetNextBlock() int {
	return int(binary.LittleEndian.Uint16(pfe.data[0x02:]))
}

func (pfe *PascalFileEntry) GetType() PascalFileType {
	return PascalFileType(binary.LittleEndian.Uint16(pfe.data[0x04:]) & 0x0f)
}

func (pfe *PascalFileEntry) GetNameLength() int {
	return int(pfe.data[0x06]) & 0x0f
}

func (pfe *PascalFileEntry) GetName() string {
	l := pfe.GetNameLength()
	return string(pfe.data[0x07 : 0x07+l])
}

func (pfe *PascalFileEntry) GetBytesRemaining() int {
	return int(binary.LittleEndian.Uint16(pfe.data[0x16:]))
}

func (pfe *PascalFileEntry) GetModDate() time.Time {
	return pascalDate(binary.LittleEndian.Uint16(pfe.data[0x18:]))
}

func (pfe *PascalFileEntry) GetFileSize() int {
	return pfe.GetBytesRemaining() + (pfe.GetNextBlock()-pfe.GetStartBlock()-1)*PASCAL_BLOCK_SIZE
}

// pascalDate unpacks month:4 day:5 year:7. Years below 40 are taken to be
// in the 2000s.
func pascalDate(v uint16) time.Time {
	if v == 0 {
		return time.Time{}
	}
	month := int(v & 0x0f)
	day := int(v>>4) & 0x1f
	year := int(v >> 9)
	if month < 1 || month > 12 || day < 1 {
		return time.Time{}
	}
	if year < 40 {
		year += 100
	}
	return time.Date(1900+year, time.Month(month), day, 0, 0, 0, 0, time.Local)
}

func pascalNameLegal(raw []byte) bool {
	for _, ch := range raw {
		if ch <= 0x20 || ch >= 0x7f {
			return false
		}
		if strings.IndexByte("$=?,[#:", ch) >= 0 {
			return false
		}
	}
	return true
}

func testPascal(img *DiskImg, order SectorOrder) bool {
	if !img.hasBlocks {
		return false
	}
	data, ok := readBlockAt(img, PASCAL_VOLUME_BLOCK, order)
	if !ok {
		return false
	}
	pvh := &PascalVolumeHeader{}
	pvh.SetData(data)

	if pvh.GetStartBlock() != 0 || pvh.GetType() != 0 {
		return false
	}
	if pvh.GetNameLength() == 0 || pvh.GetNameLength() > PASCAL_MAX_VOLUME_NAME {
		return false
	}
	if !pascalNameLegal(data[0x07 : 0x07+pvh.GetNameLength()]) {
		return false
	}
	next := pvh.GetNextBlock()
	if next <= PASCAL_VOLUME_BLOCK || next > PASCAL_VOLUME_BLOCK+PASCAL_OVERSIZE_DIR {
		return false
	}
	return pvh.GetTotalBlocks() > next && pvh.GetNumFiles() <= PASCAL_MAX_FILES
}

type pascalDriver struct {
	img *DiskImg
	fs  *DiskFS

	header      PascalVolumeHeader
	totalBlocks int
}

func (d *pascalDriver) separator() byte { return ':' }

func (d *pascalDriver) initialize(ctx context.Context, fs *DiskFS, mode InitMode) error {
	d.fs = fs
	data := make([]byte, BLOCK_SIZE)
	if err := d.img.ReadBlock(PASCAL_VOLUME_BLOCK, data); err != nil {
		return err
	}
	d.header.SetData(data)
	fs.volName = d.header.GetName()
	fs.volID = fmt.Sprintf("Pascal %s:", fs.volName)

	d.totalBlocks = d.header.GetTotalBlocks()
	if d.totalBlocks > d.img.numBlocks {
		fs.addNote("volume claims %d blocks, image has %d", d.totalBlocks, d.img.numBlocks)
		d.totalBlocks = d.img.numBlocks
	}
	if mode == InitHeaderOnly {
		return nil
	}

	next := d.header.GetNextBlock()
	if next <= PASCAL_VOLUME_BLOCK || next > PASCAL_VOLUME_BLOCK+PASCAL_OVERSIZE_DIR {
		return fmt.Errorf("directory ends at block %d: %w", next, ErrBadDirectory)
	}
	catdata := make([]byte, 0, (next-PASCAL_VOLUME_BLOCK)*BLOCK_SIZE)
	for block := PASCAL_VOLUME_BLOCK; block < next; block++ {
		if err := d.img.ReadBlock(block, data); err != nil {
			return err
		}
		catdata = append(catdata, data...)
	}

	fs.usage = NewBlockUsage(d.totalBlocks)
	for b := 0; b < PASCAL_VOLUME_BLOCK; b++ {
		fs.usage.MarkUsed(b, PurposeSystem)
	}
	for b := PASCAL_VOLUME_BLOCK; b < next; b++ {
		fs.usage.MarkUsed(b, PurposeVolumeDir)
	}

	numFiles := d.header.GetNumFiles()
	if max := len(catdata)/PASCAL_DIRECTORY_ENTRY_LENGTH - 1; numFiles > max {
		fs.setDamaged("directory claims %d files, room for %d", numFiles, max)
		numFiles = max
	}

	prevEnd := next
	dirPtr := PASCAL_DIRECTORY_ENTRY_LENGTH
	for i := 0; i < numFiles; i++ {
		if err := fs.scanTick(ctx, int64(i), int64(numFiles)); err != nil {
			return err
		}
		fe := &PascalFileEntry{}
		fe.SetData(catdata[dirPtr : dirPtr+PASCAL_DIRECTORY_ENTRY_LENGTH])
		dirPtr += PASCAL_DIRECTORY_ENTRY_LENGTH

		f := &A2File{
			name:     fe.GetName(),
			path:     fe.GetName(),
			fileType: uint32(fe.GetType().ProDOSType()),
			access:   uint32(AccessType_Default),
			modWhen:  fe.GetModDate(),
			drv:      fe,
		}
		fs.addFile(f)

		start, end := fe.GetStartBlock(), fe.GetNextBlock()
		switch {
		case start < prevEnd || end <= start || end > d.totalBlocks:
			f.setQuality(QualityDamaged)
			fs.setDamaged("%s: blocks %d-%d out of place", f.name, start, end)
			continue
		case fe.GetBytesRemaining() == 0 || fe.GetBytesRemaining() > PASCAL_BLOCK_SIZE:
			f.setQuality(QualitySuspicious)
		}
		prevEnd = end

		f.dataLen = int64(fe.GetFileSize())
		if f.dataLen < 0 {
			f.dataLen = 0
		}
		f.dataSparse = int64(end-start) * BLOCK_SIZE
		for b := start; b < end; b++ {
			if conflict, _ := fs.usage.MarkUsed(b, PurposeUserData); conflict {
				f.setQuality(QualitySuspicious)
			}
		}
	}

	// no allocation map: whatever a file holds is in use
	for b := 0; b < d.totalBlocks; b++ {
		cs, _ := fs.usage.GetChunkState(b)
		fs.usage.SetMarkedUsed(b, cs.Used)
	}
	return nil
}

func (d *pascalDriver) forkMap(f *A2File, rsrc bool) (*forkMap, error) {
	if rsrc {
		return nil, ErrForkNotFound
	}
	if f.quality == QualityDamaged {
		return nil, fmt.Errorf("%s: %w", f.name, ErrBadFile)
	}
	fe := f.drv.(*PascalFileEntry)
	var refs []StorageRef
	for b := fe.GetStartBlock(); b < fe.GetNextBlock(); b++ {
		refs = append(refs, StorageRef{ByBlock: true, Block: b})
	}
	return &forkMap{
		refs:   refs,
		unit:   BLOCK_SIZE,
		length: f.dataLen,
		read:   blockChunkReader(d.img),
	}, nil
}

// freeSpace reports the largest gap between files, which is what a new
// file could use.
func (d *pascalDriver) freeSpace() (int, int, error) {
	free := 0
	run := 0
	for b := 0; b < d.totalBlocks; b++ {
		cs, _ := d.fs.usage.GetChunkState(b)
		if cs.Used {
			run = 0
			continue
		}
		run++
		if run > free {
			free = run
		}
	}
	return free, BLOCK_SIZE, nil
}

func (d *pascalDriver) normalizeName(name string) string {
	out := make([]byte, 0, PASCAL_MAX_FILE_NAME)
	for i := 0; i < len(name) && len(out) < PASCAL_MAX_FILE_NAME; i++ {
		c := name[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if c <= 0x20 || c >= 0x7f || strings.IndexByte("$=?,[#:", c) >= 0 {
			c = '.'
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return "A"
	}
	return string(out)
}
