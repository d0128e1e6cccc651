package disk

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strings"
)

const RDOS_CATALOG_TRACK = 0x01
const RDOS_CATALOG_LENGTH = 0xB
const RDOS_ENTRY_LENGTH = 0x20
const RDOS_NAME_LENGTH = 0x18
const RDOS_ENTRIES_PER_SECTOR = STD_BYTES_PER_SECTOR / RDOS_ENTRY_LENGTH

var RDOS_SIGNATURE_32 = []byte{
	byte('R' + 0x80),
	byte('D' + 0x80),
	byte('O' + 0x80),
	byte('S' + 0x80),
	byte(' ' + 0x80),
	byte('2' + 0x80),
}

var RDOS_SIGNATURE_33 = []byte{
	byte('R' + 0x80),
	byte('D' + 0x80),
	byte('O' + 0x80),
	byte('S' + 0x80),
	byte(' ' + 0x80),
	byte('3' + 0x80),
}

// rdosSectorsPerTrack is how many sectors of each track RDOS uses. The
// cracked 13-sector variant lives on a 16-sector disk but only numbers 13.
func rdosSectorsPerTrack(f FSFormat) int {
	if f == FSFormatRDOS33 {
		return STD_SECTORS_PER_TRACK
	}
	return STD_SECTORS_PER_TRACK_OLD
}

func testRDOS(img *DiskImg, order SectorOrder) FSFormat {
	if !img.hasSectors || img.numTracks != STD_TRACKS_PER_DISK {
		return FSFormatUnknown
	}
	fsOrder := SectorOrderPhysical
	buf := make([]byte, STD_BYTES_PER_SECTOR)

	var f FSFormat
	switch img.numSectPerTrack {
	case STD_SECTORS_PER_TRACK_OLD:
		if err := img.ReadTrackSectorSwapped(RDOS_CATALOG_TRACK, 0, buf, order, fsOrder); err != nil {
			return FSFormatUnknown
		}
		if !bytes.HasPrefix(buf, RDOS_SIGNATURE_32) {
			return FSFormatUnknown
		}
		f = FSFormatRDOS32
	case STD_SECTORS_PER_TRACK:
		if err := img.ReadTrackSectorSwapped(RDOS_CATALOG_TRACK, 0, buf, order, fsOrder); err != nil {
			return FSFormatUnknown
		}
		switch {
		case bytes.HasPrefix(buf, RDOS_SIGNATURE_32):
			f = FSFormatRDOS3
		case bytes.HasPrefix(buf, RDOS_SIGNATURE_33):
			f = FSFormatRDOS33
			fsOrder = SectorOrderProDOS
		default:
			return FSFormatUnknown
		}
	default:
		return FSFormatUnknown
	}

	// sector 0 reads the same in every order; the rest of the catalog has
	// to make sense too
	for s := 1; s < 3; s++ {
		if err := img.ReadTrackSectorSwapped(RDOS_CATALOG_TRACK, s, buf, order, fsOrder); err != nil {
			return FSFormatUnknown
		}
		for i := 0; i < RDOS_ENTRIES_PER_SECTOR; i++ {
			fd := &RDOSFileDescriptor{}
			fd.SetData(buf[i*RDOS_ENTRY_LENGTH:])
			if fd.IsUnused() {
				return f
			}
			if !fd.IsDeleted() && fd.Type() == FileType_RDOS_Unknown {
				return FSFormatUnknown
			}
		}
	}
	return f
}

type RDOSFileDescriptor struct {
	data [RDOS_ENTRY_LENGTH]byte
}

func (fd *RDOSFileDescriptor) SetData(in []byte) {
	copy(fd.data[:], in)
}

func (fd *RDOSFileDescriptor) IsDeleted() bool {
	return fd.data[24] == 0xa0 || fd.data[0] == 0x80
}

func (fd *RDOSFileDescriptor) IsUnused() bool {
	return fd.data[24] == 0x00
}

type RDOSFileType int

const (
	FileType_RDOS_Unknown RDOSFileType = iota
	FileType_RDOS_AppleSoft
	FileType_RDOS_Binary
	FileType_RDOS_Text
)

var RDOSTypeMap = map[RDOSFileType][2]string{
	FileType_RDOS_Unknown:   {"UNK", "Unknown"},
	FileType_RDOS_AppleSoft: {"APP", "Applesoft Basic Program"},
	FileType_RDOS_Binary:    {"BIN", "Binary File"},
	FileType_RDOS_Text:      {"TXT", "ASCII Text"},
}

func (ft RDOSFileType) String() string {
	info, ok := RDOSTypeMap[ft]
	if ok {
		return info[1]
	}
	return "Unknown"
}

func (ft RDOSFileType) Ext() string {
	info, ok := RDOSTypeMap[ft]
	if ok {
		return info[0]
	}
	return "UNK"
}

func (ft RDOSFileType) ProDOSType() ProDOSFileType {
	switch ft {
	case FileType_RDOS_AppleSoft:
		return FileType_PD_APP
	case FileType_RDOS_Binary:
		return FileType_PD_BIN
	case FileType_RDOS_Text:
		return FileType_PD_TXT
	}
	return 0x00
}

func (fd *RDOSFileDescriptor) Type() RDOSFileType {
	switch fd.data[24] {
	case 'A' + 0x80:
		return FileType_RDOS_AppleSoft
	case 'B' + 0x80:
		return FileType_RDOS_Binary
	case 'T' + 0x80:
		return FileType_RDOS_Text
	}
	return FileType_RDOS_Unknown
}

func (fd *RDOSFileDescriptor) Name() string {
	var sb strings.Builder
	for i := 0; i < RDOS_NAME_LENGTH; i++ {
		ch := fd.data[i] & 127
		if ch == 0 {
			break
		}
		sb.WriteByte(ch)
	}
	return strings.TrimRight(sb.String(), " ")
}

func (fd RDOSFileDescriptor) NumSectors() int {
	return int(fd.data[25])
}

func (fd RDOSFileDescriptor) LoadAddress() int {
	return int(binary.LittleEndian.Uint16(fd.data[26:]))
}

func (fd RDOSFileDescriptor) Length() int {
	return int(binary.LittleEndian.Uint16(fd.data[28:]))
}

func (fd RDOSFileDescriptor) StartSector() int {
	return int(binary.LittleEndian.Uint16(fd.data[30:]))
}

type rdosDriver struct {
	img *DiskImg
	fs  *DiskFS
	spt int
}

func (d *rdosDriver) separator() byte { return ':' }

func (d *rdosDriver) initialize(ctx context.Context, fs *DiskFS, mode InitMode) error {
	d.fs = fs
	d.spt = rdosSectorsPerTrack(d.img.fsFormat)
	if d.spt > d.img.numSectPerTrack {
		return fmt.Errorf("RDOS on %d-sector tracks: %w", d.img.numSectPerTrack, ErrBadDiskImage)
	}
	switch d.img.fsFormat {
	case FSFormatRDOS33:
		fs.volName, fs.volID = "RDOS33", "RDOS 3.3"
	case FSFormatRDOS32:
		fs.volName, fs.volID = "RDOS32", "RDOS 3.2"
	default:
		fs.volName, fs.volID = "RDOS3", "RDOS 3 (cracked)"
	}
	if mode == InitHeaderOnly {
		return nil
	}

	fs.usage = NewTSUsage(d.img.numTracks, d.spt)
	for s := 0; s < d.spt; s++ {
		fs.usage.MarkUsedTS(0, s, PurposeSystem)
	}
	for s := 0; s < RDOS_CATALOG_LENGTH; s++ {
		fs.usage.MarkUsedTS(RDOS_CATALOG_TRACK, s, PurposeVolumeDir)
	}

	total := d.img.numTracks * d.spt
	buf := make([]byte, STD_BYTES_PER_SECTOR)
	done := false
	for s := 0; s < RDOS_CATALOG_LENGTH && !done; s++ {
		if err := fs.scanTick(ctx, int64(s), RDOS_CATALOG_LENGTH); err != nil {
			return err
		}
		if err := d.img.ReadTrackSector(RDOS_CATALOG_TRACK, s, buf); err != nil {
			return err
		}
		for i := 0; i < RDOS_ENTRIES_PER_SECTOR; i++ {
			fd := &RDOSFileDescriptor{}
			fd.SetData(buf[i*RDOS_ENTRY_LENGTH:])
			if fd.IsUnused() {
				done = true
				break
			}
			if fd.IsDeleted() {
				continue
			}
			f := &A2File{
				name:     fd.Name(),
				path:     fd.Name(),
				fileType: uint32(fd.Type().ProDOSType()),
				access:   uint32(AccessType_Readable),
				drv:      fd,
			}
			switch fd.Type() {
			case FileType_RDOS_Binary:
				f.auxType = uint32(fd.LoadAddress())
			case FileType_RDOS_AppleSoft:
				f.auxType = 0x0801
			}
			fs.addFile(f)

			start, n := fd.StartSector(), fd.NumSectors()
			if start+n > total {
				f.setQuality(QualityDamaged)
				fs.setDamaged("%s: sectors %d+%d beyond the disk", f.name, start, n)
				continue
			}
			f.dataLen = int64(fd.Length())
			if fd.Type() == FileType_RDOS_Text || f.dataLen > int64(n*STD_BYTES_PER_SECTOR) {
				f.dataLen = int64(n * STD_BYTES_PER_SECTOR)
			}
			f.dataSparse = int64(n * STD_BYTES_PER_SECTOR)
			for abs := start; abs < start+n; abs++ {
				if conflict, _ := fs.usage.MarkUsedTS(abs/d.spt, abs%d.spt, PurposeUserData); conflict {
					f.setQuality(QualitySuspicious)
				}
			}
		}
	}

	for t := 0; t < d.img.numTracks; t++ {
		for s := 0; s < d.spt; s++ {
			cs, _ := fs.usage.GetChunkStateTS(t, s)
			fs.usage.SetMarkedUsedTS(t, s, cs.Used)
		}
	}
	return nil
}

func (d *rdosDriver) forkMap(f *A2File, rsrc bool) (*forkMap, error) {
	if rsrc {
		return nil, ErrForkNotFound
	}
	if f.quality == QualityDamaged {
		return nil, fmt.Errorf("%s: %w", f.name, ErrBadFile)
	}
	fd := f.drv.(*RDOSFileDescriptor)
	refs := make([]StorageRef, 0, fd.NumSectors())
	for abs := fd.StartSector(); abs < fd.StartSector()+fd.NumSectors(); abs++ {
		refs = append(refs, StorageRef{Track: abs / d.spt, Sector: abs % d.spt})
	}
	return &forkMap{
		refs:   refs,
		unit:   STD_BYTES_PER_SECTOR,
		length: f.dataLen,
		read:   sectorChunkReader(d.img),
	}, nil
}

func (d *rdosDriver) freeSpace() (int, int, error) {
	return d.fs.usage.GetActualFreeChunks(), STD_BYTES_PER_SECTOR, nil
}

func (d *rdosDriver) normalizeName(name string) string {
	name = strings.ToUpper(name)
	if len(name) > RDOS_NAME_LENGTH {
		name = name[:RDOS_NAME_LENGTH]
	}
	return name
}
