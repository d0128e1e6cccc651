package disk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const STD_BYTES_PER_SECTOR = 256
const STD_TRACKS_PER_DISK = 35
const STD_SECTORS_PER_TRACK = 16
const STD_SECTORS_PER_TRACK_OLD = 13
const STD_DISK_BYTES = STD_TRACKS_PER_DISK * STD_SECTORS_PER_TRACK * STD_BYTES_PER_SECTOR
const STD_DISK_BYTES_OLD = STD_TRACKS_PER_DISK * STD_SECTORS_PER_TRACK_OLD * STD_BYTES_PER_SECTOR
const BLOCK_SIZE = 512
const PRODOS_SECTORS_PER_BLOCK = 2
const PRODOS_BLOCKS_PER_TRACK = 8
const PRODOS_BLOCKS_PER_DISK = 280
const PRODOS_400KB_BLOCKS = 800
const PRODOS_800KB_BLOCKS = 1600
const PRODOS_400KB_DISK_BYTES = BLOCK_SIZE * PRODOS_400KB_BLOCKS
const PRODOS_800KB_DISK_BYTES = BLOCK_SIZE * PRODOS_800KB_BLOCKS
const UNIDOS_TRACKS = 50
const UNIDOS_SECTORS_PER_TRACK = 32
const MAX_TRACKS_525 = 50

const TRACK_NIBBLE_LENGTH = 0x1A00
const TRACK_NIBBLE_LENGTH_NB2 = 6384
const DISK_NIBBLE_LENGTH = TRACK_NIBBLE_LENGTH * STD_TRACKS_PER_DISK
const DISK_NIBBLE_LENGTH_NB2 = TRACK_NIBBLE_LENGTH_NB2 * STD_TRACKS_PER_DISK

type OuterFormat int

const (
	OuterFormatUnknown OuterFormat = iota
	OuterFormatNone
	OuterFormatGzip
	OuterFormatBzip2
	OuterFormatZip
)

func (f OuterFormat) String() string {
	switch f {
	case OuterFormatNone:
		return "None"
	case OuterFormatGzip:
		return "gzip"
	case OuterFormatBzip2:
		return "bzip2"
	case OuterFormatZip:
		return "Zip"
	}
	return "Unknown"
}

type FileFormat int

const (
	FileFormatUnknown FileFormat = iota
	FileFormatUnadorned
	FileFormat2MG
	FileFormatNuFX
	FileFormatDiskCopy42
	FileFormatTrackStar
	FileFormatFDI
	FileFormatSim2eHDV
	FileFormatDDD
)

func (f FileFormat) String() string {
	switch f {
	case FileFormatUnadorned:
		return "Unadorned"
	case FileFormat2MG:
		return "2MG"
	case FileFormatNuFX:
		return "NuFX (ShrinkIt)"
	case FileFormatDiskCopy42:
		return "DiskCopy 4.2"
	case FileFormatTrackStar:
		return "TrackStar"
	case FileFormatFDI:
		return "FDI"
	case FileFormatSim2eHDV:
		return "Sim //e HDV"
	case FileFormatDDD:
		return "DDD"
	}
	return "Unknown"
}

type PhysicalFormat int

const (
	PhysicalFormatUnknown PhysicalFormat = iota
	PhysicalFormatSectors
	PhysicalFormatNib525_6656
	PhysicalFormatNib525_6384
	PhysicalFormatNib525_Var
)

func (f PhysicalFormat) String() string {
	switch f {
	case PhysicalFormatSectors:
		return "Sectors"
	case PhysicalFormatNib525_6656:
		return "Raw nibbles (6656-byte)"
	case PhysicalFormatNib525_6384:
		return "Raw nibbles (6384-byte)"
	case PhysicalFormatNib525_Var:
		return "Raw nibbles (variable len)"
	}
	return "Unknown"
}

func (f PhysicalFormat) IsNibble() bool {
	return f == PhysicalFormatNib525_6656 || f == PhysicalFormatNib525_6384 || f == PhysicalFormatNib525_Var
}

type FSFormat int

const (
	FSFormatUnknown FSFormat = iota
	FSFormatProDOS
	FSFormatDOS33
	FSFormatDOS32
	FSFormatPascal
	FSFormatMacHFS
	FSFormatCPM
	FSFormatMSDOS
	FSFormatRDOS33
	FSFormatRDOS32
	FSFormatRDOS3
	FSFormatUNIDOS
	FSFormatMacPart
	FSFormatCFFA4
	FSFormatCFFA8
	FSFormatGenericPhysicalOrd
	FSFormatGenericProDOSOrd
	FSFormatGenericDOSOrd
	FSFormatGenericCPMOrd
)

func (f FSFormat) String() string {
	switch f {
	case FSFormatProDOS:
		return "ProDOS"
	case FSFormatDOS33:
		return "DOS 3.3"
	case FSFormatDOS32:
		return "DOS 3.2"
	case FSFormatPascal:
		return "Pascal"
	case FSFormatMacHFS:
		return "HFS"
	case FSFormatCPM:
		return "CP/M"
	case FSFormatMSDOS:
		return "MS-DOS FAT"
	case FSFormatRDOS33:
		return "RDOS 3.3 (16-sector)"
	case FSFormatRDOS32:
		return "RDOS 3.2 (13-sector)"
	case FSFormatRDOS3:
		return "RDOS 3 (cracked 13-sector)"
	case FSFormatUNIDOS:
		return "UNIDOS (400K DOS x2)"
	case FSFormatMacPart:
		return "Macintosh partitioned disk"
	case FSFormatCFFA4:
		return "CFFA (4 or 6 partitions)"
	case FSFormatCFFA8:
		return "CFFA (8 partitions)"
	case FSFormatGenericPhysicalOrd:
		return "Generic raw sectors"
	case FSFormatGenericProDOSOrd:
		return "Generic ProDOS-ordered blocks"
	case FSFormatGenericDOSOrd:
		return "Generic DOS-ordered sectors"
	case FSFormatGenericCPMOrd:
		return "Generic CP/M-ordered blocks"
	}
	return "Unknown"
}

// IsContainer reports formats whose only content is other volumes.
func (f FSFormat) IsContainer() bool {
	switch f {
	case FSFormatUNIDOS, FSFormatMacPart, FSFormatCFFA4, FSFormatCFFA8:
		return true
	}
	return false
}

// DiskImg is one disk image: the wrappers around it, how its bytes map to
// sectors, blocks and nibble tracks, and which filesystem it is believed to
// hold. A DiskImg is not safe for concurrent use.
type DiskImg struct {
	eng  *Engine
	node int
	id   uuid.UUID
	log  *slog.Logger

	name      string
	path      string
	innerName string
	ext       string

	outer    OuterFormat
	fileFmt  FileFormat
	physical PhysicalFormat
	order    SectorOrder
	fsOrder  SectorOrder
	fsFormat FSFormat
	wrapper  imageWrapper

	orderFixed bool
	analyzed   bool

	raw     imageStore
	dataOff int64
	dataLen int64

	hasSectors      bool
	hasBlocks       bool
	hasNibbles      bool
	numTracks       int
	numSectPerTrack int
	numBlocks       int

	nibbleDescr      *NibbleDescr
	nibbleDescrFixed bool
	trackOff         []int64
	trackLen         []int
	trackMax         []int
	nibbleBuf        []byte
	nibbleTrack      int
	nibbleDirty      bool

	dosVolumeNum int
	readOnly     bool
	dirty        bool
	closed       bool
	notes        []string

	parent *DiskImg
	refs   int
}

func newDiskImg(e *Engine, name, path string) *DiskImg {
	id := uuid.New()
	return &DiskImg{
		eng:          e,
		node:         -1,
		id:           id,
		name:         name,
		path:         path,
		innerName:    name,
		nibbleTrack:  -1,
		dosVolumeNum: -1,
		log:          e.cfg.Logger.With("image", name, "session", id.String()),
	}
}

// setSectorGeometry derives tracks, sectors and blocks from the length of a
// sector image.
func (img *DiskImg) setSectorGeometry(n int64) error {
	img.physical = PhysicalFormatSectors
	img.hasNibbles = false
	img.hasSectors, img.hasBlocks = false, false
	img.numTracks, img.numSectPerTrack, img.numBlocks = 0, 0, 0

	switch {
	case n == STD_DISK_BYTES_OLD:
		img.hasSectors = true
		img.numTracks = STD_TRACKS_PER_DISK
		img.numSectPerTrack = STD_SECTORS_PER_TRACK_OLD
		img.order = SectorOrderPhysical
		img.orderFixed = true
	case n > 0 && n%4096 == 0 && n/4096 <= MAX_TRACKS_525:
		img.hasSectors, img.hasBlocks = true, true
		img.numTracks = int(n / 4096)
		img.numSectPerTrack = STD_SECTORS_PER_TRACK
		img.numBlocks = int(n / BLOCK_SIZE)
	case n == PRODOS_400KB_DISK_BYTES:
		img.hasSectors, img.hasBlocks = true, true
		img.numTracks = UNIDOS_TRACKS
		img.numSectPerTrack = UNIDOS_SECTORS_PER_TRACK
		img.numBlocks = PRODOS_400KB_BLOCKS
		img.order = SectorOrderProDOS
		img.orderFixed = true
	case n > 0 && n%BLOCK_SIZE == 0:
		img.hasBlocks = true
		img.numBlocks = int(n / BLOCK_SIZE)
		img.order = SectorOrderProDOS
		img.orderFixed = true
	default:
		return fmt.Errorf("image data is %d bytes: %w", n, ErrOddLength)
	}
	return nil
}

// setNibbleGeometry lays out fixed-length nibble tracks back to back.
func (img *DiskImg) setNibbleGeometry(phys PhysicalFormat, trackLen, numTracks int) {
	img.physical = phys
	img.hasNibbles = true
	img.hasSectors, img.hasBlocks = false, false
	img.numTracks = numTracks
	img.numSectPerTrack = 0
	img.numBlocks = 0
	img.order = SectorOrderPhysical
	img.orderFixed = true
	img.trackOff = make([]int64, numTracks)
	img.trackLen = make([]int, numTracks)
	img.trackMax = make([]int, numTracks)
	for t := 0; t < numTracks; t++ {
		img.trackOff[t] = int64(t * trackLen)
		img.trackLen[t] = trackLen
		img.trackMax[t] = trackLen
	}
}

// applyNibbleDescr makes sectors (and blocks, for 16-sector tracks)
// addressable through the given descriptor.
func (img *DiskImg) applyNibbleDescr(d *NibbleDescr) {
	img.nibbleDescr = d
	if d == nil {
		img.hasSectors, img.hasBlocks = false, false
		img.numSectPerTrack, img.numBlocks = 0, 0
		return
	}
	img.hasSectors = true
	img.numSectPerTrack = d.NumSectors
	img.hasBlocks = d.NumSectors == 16
	if img.hasBlocks {
		img.numBlocks = img.numTracks * PRODOS_BLOCKS_PER_TRACK
	} else {
		img.numBlocks = 0
	}
}

func (img *DiskImg) checkOpen() error {
	if img.closed {
		return ErrNotReady
	}
	return nil
}

func (img *DiskImg) GetName() string                   { return img.name }
func (img *DiskImg) GetPathName() string               { return img.path }
func (img *DiskImg) GetID() uuid.UUID                  { return img.id }
func (img *DiskImg) GetOuterFormat() OuterFormat       { return img.outer }
func (img *DiskImg) GetFileFormat() FileFormat         { return img.fileFmt }
func (img *DiskImg) GetPhysicalFormat() PhysicalFormat { return img.physical }
func (img *DiskImg) GetSectorOrder() SectorOrder       { return img.order }
func (img *DiskImg) GetFSSectorOrder() SectorOrder     { return img.fsOrder }
func (img *DiskImg) GetFSFormat() FSFormat             { return img.fsFormat }
func (img *DiskImg) GetNumTracks() int                 { return img.numTracks }
func (img *DiskImg) GetNumSectPerTrack() int           { return img.numSectPerTrack }
func (img *DiskImg) GetNumBlocks() int                 { return img.numBlocks }
func (img *DiskImg) GetHasSectors() bool               { return img.hasSectors }
func (img *DiskImg) GetHasBlocks() bool                { return img.hasBlocks }
func (img *DiskImg) GetHasNibbles() bool               { return img.hasNibbles }
func (img *DiskImg) GetReadOnly() bool                 { return img.readOnly }
func (img *DiskImg) GetDirtyFlag() bool                { return img.dirty }
func (img *DiskImg) GetNibbleDescr() *NibbleDescr      { return img.nibbleDescr }
func (img *DiskImg) GetDOSVolumeNum() int              { return img.dosVolumeNum }
func (img *DiskImg) GetParent() *DiskImg               { return img.parent }
func (img *DiskImg) GetAnalyzed() bool                 { return img.analyzed }
func (img *DiskImg) Logger() *slog.Logger              { return img.log }

// GetNotes returns the remarks collected while opening and analyzing.
func (img *DiskImg) GetNotes() []string {
	return append([]string(nil), img.notes...)
}

func (img *DiskImg) addNote(format string, args ...interface{}) {
	n := fmt.Sprintf(format, args...)
	img.notes = append(img.notes, n)
	img.log.Debug("note", "text", n)
}

// SetNibbleDescr pins the nibble layout so AnalyzeImage will not go looking
// for one.
func (img *DiskImg) SetNibbleDescr(d *NibbleDescr) error {
	if !img.hasNibbles {
		return ErrUnsupportedAccess
	}
	img.applyNibbleDescr(d)
	img.nibbleDescrFixed = d != nil
	return nil
}

func (img *DiskImg) readRaw(off int64, buf []byte) error {
	if off < 0 || off+int64(len(buf)) > img.dataLen {
		return fmt.Errorf("read at %d: %w", off, ErrDataUnderrun)
	}
	_, err := img.raw.ReadAt(buf, img.dataOff+off)
	return err
}

func (img *DiskImg) writeRaw(off int64, buf []byte) error {
	if off < 0 || off+int64(len(buf)) > img.dataLen {
		return fmt.Errorf("write at %d: %w", off, ErrDataOverrun)
	}
	if _, err := img.raw.WriteAt(buf, img.dataOff+off); err != nil {
		return err
	}
	img.dirty = true
	return nil
}

func (img *DiskImg) checkWrite() error {
	if err := img.checkOpen(); err != nil {
		return err
	}
	if img.readOnly {
		return ErrWriteProtected
	}
	return nil
}

// ReadTrackSector reads one 256-byte sector numbered in the filesystem's
// sector order.
func (img *DiskImg) ReadTrackSector(track, sector int, buf []byte) error {
	return img.ReadTrackSectorSwapped(track, sector, buf, img.order, img.fsOrder)
}

func (img *DiskImg) WriteTrackSector(track, sector int, buf []byte) error {
	return img.WriteTrackSectorSwapped(track, sector, buf, img.order, img.fsOrder)
}

// ReadTrackSectorSwapped reads a sector numbered in fsOrder from an image
// assumed to be stored in imageOrder.
func (img *DiskImg) ReadTrackSectorSwapped(track, sector int, buf []byte, imageOrder, fsOrder SectorOrder) error {
	if err := img.checkOpen(); err != nil {
		return err
	}
	if len(buf) < STD_BYTES_PER_SECTOR {
		return ErrInvalidArg
	}
	if !img.hasSectors {
		return ErrUnsupportedAccess
	}

	if img.hasNibbles {
		phys, err := img.nibblePhysSector(track, sector, fsOrder)
		if err != nil {
			return err
		}
		return img.readNibbleSector(track, phys, buf[:STD_BYTES_PER_SECTOR])
	}

	off, _, err := img.CalcSectorAndOffset(track, sector, imageOrder, fsOrder)
	if err != nil {
		return err
	}
	return img.readRaw(off, buf[:STD_BYTES_PER_SECTOR])
}

func (img *DiskImg) WriteTrackSectorSwapped(track, sector int, buf []byte, imageOrder, fsOrder SectorOrder) error {
	if err := img.checkWrite(); err != nil {
		return err
	}
	if len(buf) < STD_BYTES_PER_SECTOR {
		return ErrInvalidArg
	}
	if !img.hasSectors {
		return ErrUnsupportedAccess
	}

	if img.hasNibbles {
		phys, err := img.nibblePhysSector(track, sector, fsOrder)
		if err != nil {
			return err
		}
		return img.writeNibbleSector(track, phys, buf[:STD_BYTES_PER_SECTOR])
	}

	off, _, err := img.CalcSectorAndOffset(track, sector, imageOrder, fsOrder)
	if err != nil {
		return err
	}
	return img.writeRaw(off, buf[:STD_BYTES_PER_SECTOR])
}

func (img *DiskImg) nibblePhysSector(track, sector int, fsOrder SectorOrder) (int, error) {
	if track < 0 || track >= img.numTracks {
		return 0, fmt.Errorf("track %d: %w", track, ErrInvalidTrack)
	}
	if sector < 0 || sector >= img.numSectPerTrack {
		return 0, fmt.Errorf("sector %d: %w", sector, ErrInvalidSector)
	}
	if img.numSectPerTrack != 16 {
		return sector, nil
	}
	return LogicalToPhysical(sector, fsOrder)
}

// ReadBlock reads one 512-byte ProDOS-style block.
func (img *DiskImg) ReadBlock(block int, buf []byte) error {
	return img.ReadBlockSwapped(block, buf, img.order, SectorOrderProDOS)
}

func (img *DiskImg) WriteBlock(block int, buf []byte) error {
	return img.WriteBlockSwapped(block, buf, img.order, SectorOrderProDOS)
}

// ReadBlockSwapped reads block as two sectors numbered in fsOrder on
// 16-sector media, or straight from the data otherwise.
func (img *DiskImg) ReadBlockSwapped(block int, buf []byte, imageOrder, fsOrder SectorOrder) error {
	if err := img.checkOpen(); err != nil {
		return err
	}
	if !img.hasBlocks {
		return ErrUnsupportedAccess
	}
	if block < 0 || block >= img.numBlocks {
		return fmt.Errorf("block %d: %w", block, ErrInvalidBlock)
	}
	if len(buf) < BLOCK_SIZE {
		return ErrInvalidArg
	}

	if img.hasSectors && img.numSectPerTrack == STD_SECTORS_PER_TRACK {
		track := block / PRODOS_BLOCKS_PER_TRACK
		sector := (block % PRODOS_BLOCKS_PER_TRACK) * PRODOS_SECTORS_PER_BLOCK
		if err := img.ReadTrackSectorSwapped(track, sector, buf[:256], imageOrder, fsOrder); err != nil {
			return err
		}
		return img.ReadTrackSectorSwapped(track, sector+1, buf[256:512], imageOrder, fsOrder)
	}

	return img.readRaw(int64(block)*BLOCK_SIZE, buf[:BLOCK_SIZE])
}

func (img *DiskImg) WriteBlockSwapped(block int, buf []byte, imageOrder, fsOrder SectorOrder) error {
	if err := img.checkWrite(); err != nil {
		return err
	}
	if !img.hasBlocks {
		return ErrUnsupportedAccess
	}
	if block < 0 || block >= img.numBlocks {
		return fmt.Errorf("block %d: %w", block, ErrInvalidBlock)
	}
	if len(buf) < BLOCK_SIZE {
		return ErrInvalidArg
	}
	if block == 0 && img.isPartitioned() && !img.eng.cfg.AllowWritePhys0 {
		return fmt.Errorf("block 0 holds the partition map: %w", ErrVWAccessForbidden)
	}

	if img.hasSectors && img.numSectPerTrack == STD_SECTORS_PER_TRACK {
		track := block / PRODOS_BLOCKS_PER_TRACK
		sector := (block % PRODOS_BLOCKS_PER_TRACK) * PRODOS_SECTORS_PER_BLOCK
		if err := img.WriteTrackSectorSwapped(track, sector, buf[:256], imageOrder, fsOrder); err != nil {
			return err
		}
		return img.WriteTrackSectorSwapped(track, sector+1, buf[256:512], imageOrder, fsOrder)
	}

	return img.writeRaw(int64(block)*BLOCK_SIZE, buf[:BLOCK_SIZE])
}

// ReadBlocks reads count consecutive blocks into buf.
func (img *DiskImg) ReadBlocks(start, count int, buf []byte) error {
	if len(buf) < count*BLOCK_SIZE {
		return ErrInvalidArg
	}
	for i := 0; i < count; i++ {
		if err := img.ReadBlock(start+i, buf[i*BLOCK_SIZE:(i+1)*BLOCK_SIZE]); err != nil {
			return err
		}
	}
	return nil
}

func (img *DiskImg) WriteBlocks(start, count int, buf []byte) error {
	if len(buf) < count*BLOCK_SIZE {
		return ErrInvalidArg
	}
	for i := 0; i < count; i++ {
		if err := img.WriteBlock(start+i, buf[i*BLOCK_SIZE:(i+1)*BLOCK_SIZE]); err != nil {
			return err
		}
	}
	return nil
}

func (img *DiskImg) isPartitioned() bool {
	return img.fsFormat == FSFormatMacPart
}

// GetNibbleTrackLength reports the number of nibbles stored for a track.
func (img *DiskImg) GetNibbleTrackLength(track int) (int, error) {
	if !img.hasNibbles {
		return 0, ErrUnsupportedAccess
	}
	if track < 0 || track >= img.numTracks {
		return 0, fmt.Errorf("track %d: %w", track, ErrInvalidTrack)
	}
	if track == img.nibbleTrack {
		return len(img.nibbleBuf), nil
	}
	return img.trackLen[track], nil
}

// ReadNibbleTrack copies a raw track into buf and returns its length.
func (img *DiskImg) ReadNibbleTrack(track int, buf []byte) (int, error) {
	if err := img.checkOpen(); err != nil {
		return 0, err
	}
	if !img.hasNibbles {
		return 0, ErrUnsupportedAccess
	}
	if err := img.loadNibbleTrack(track); err != nil {
		return 0, err
	}
	if len(buf) < len(img.nibbleBuf) {
		return 0, ErrInvalidArg
	}
	return copy(buf, img.nibbleBuf), nil
}

// WriteNibbleTrack replaces a raw track. Fixed-length formats need the exact
// track length; variable-length formats accept up to the track's capacity.
func (img *DiskImg) WriteNibbleTrack(track int, buf []byte) error {
	if err := img.checkWrite(); err != nil {
		return err
	}
	if !img.hasNibbles {
		return ErrUnsupportedAccess
	}
	if err := img.loadNibbleTrack(track); err != nil {
		return err
	}
	if img.physical == PhysicalFormatNib525_Var {
		if len(buf) == 0 || len(buf) > img.trackMax[track] {
			return fmt.Errorf("track of %d nibbles: %w", len(buf), ErrBadRawData)
		}
	} else if len(buf) != img.trackMax[track] {
		return fmt.Errorf("track of %d nibbles, want %d: %w", len(buf), img.trackMax[track], ErrBadRawData)
	}
	img.nibbleBuf = append(img.nibbleBuf[:0], buf...)
	img.nibbleDirty = true
	img.dirty = true
	return nil
}

func (img *DiskImg) loadNibbleTrack(track int) error {
	if track < 0 || track >= img.numTracks {
		return fmt.Errorf("track %d: %w", track, ErrInvalidTrack)
	}
	if img.nibbleTrack == track {
		return nil
	}
	if err := img.flushNibbleTrack(); err != nil {
		return err
	}
	buf := make([]byte, img.trackLen[track])
	if err := img.readRaw(img.trackOff[track], buf); err != nil {
		return err
	}
	img.nibbleBuf = buf
	img.nibbleTrack = track
	img.nibbleDirty = false
	return nil
}

// flushNibbleTrack writes the cached track back if it was modified.
func (img *DiskImg) flushNibbleTrack() error {
	if !img.nibbleDirty || img.nibbleTrack < 0 {
		return nil
	}
	t := img.nibbleTrack
	if err := img.writeRaw(img.trackOff[t], img.nibbleBuf); err != nil {
		return err
	}
	img.trackLen[t] = len(img.nibbleBuf)
	if tw, ok := img.wrapper.(trackLengthWriter); ok {
		if err := tw.setTrackLength(img, t, len(img.nibbleBuf)); err != nil {
			return err
		}
	}
	img.nibbleDirty = false
	return nil
}

func (img *DiskImg) readNibbleSector(track, phys int, buf []byte) error {
	if img.nibbleDescr == nil {
		return ErrUnsupportedAccess
	}
	if err := img.loadNibbleTrack(track); err != nil {
		return err
	}
	data, err := DecodeNibbleSector(img.nibbleBuf, img.nibbleDescr, track, phys)
	if err != nil {
		return fmt.Errorf("T%d S%d: %w", track, phys, err)
	}
	copy(buf, data)
	return nil
}

func (img *DiskImg) writeNibbleSector(track, phys int, buf []byte) error {
	if img.nibbleDescr == nil {
		return ErrUnsupportedAccess
	}
	if err := img.loadNibbleTrack(track); err != nil {
		return err
	}
	if err := WriteNibbleSector(img.nibbleBuf, img.nibbleDescr, track, phys, buf); err != nil {
		return fmt.Errorf("T%d S%d: %w", track, phys, err)
	}
	img.nibbleDirty = true
	img.dirty = true
	return nil
}

// AnalyzeImage works out the sector order and filesystem. Failing to
// recognize either is not an error: the format is left unknown for the
// caller to override.
func (img *DiskImg) AnalyzeImage() error {
	if err := img.checkOpen(); err != nil {
		return err
	}
	if err := img.flushNibbleTrack(); err != nil {
		return err
	}

	img.fsFormat = FSFormatUnknown
	if img.hasNibbles && !img.nibbleDescrFixed {
		d, good := ScanNibbleDescr(img)
		img.applyNibbleDescr(d)
		if d == nil {
			img.addNote("no usable nibble layout found")
		} else {
			img.log.Debug("nibble layout", "descr", d.Description, "good_sectors", good)
		}
	}
	if !img.orderFixed {
		img.order = SectorOrderUnknown
	}

	if img.hasSectors || img.hasBlocks {
		fs, order := analyzeFilesystem(img, img.candidateOrders())
		if fs != FSFormatUnknown {
			img.fsFormat = fs
			img.order = order
		}
	}

	img.fsOrder = img.CalcFSSectorOrder()
	img.analyzed = true

	img.log.Info("analyzed image",
		"fs", img.fsFormat.String(),
		"order", img.order.String(),
		"physical", img.physical.String(),
		"tracks", img.numTracks,
		"blocks", img.numBlocks)
	return nil
}

func (img *DiskImg) candidateOrders() []SectorOrder {
	if img.orderFixed {
		return []SectorOrder{img.order}
	}
	return img.eng.cfg.OrderPolicy.CandidateOrders(img)
}

// OverrideFormat forces the physical format, filesystem and sector order.
// The physical format cannot be changed between nibbles and sectors.
func (img *DiskImg) OverrideFormat(phys PhysicalFormat, fs FSFormat, order SectorOrder) error {
	if err := img.checkOpen(); err != nil {
		return err
	}
	if phys != img.physical {
		return fmt.Errorf("cannot treat %s as %s: %w", img.physical, phys, ErrUnsupportedPhysicalFmt)
	}
	if order != SectorOrderUnknown {
		if img.hasNibbles && order != SectorOrderPhysical {
			return fmt.Errorf("nibble images are physical order: %w", ErrBadOrdering)
		}
		img.order = order
	}

	img.log.Debug("format override", "fs", fs.String(), "order", img.order.String())
	img.fsFormat = fs
	img.fsOrder = img.CalcFSSectorOrder()
	img.analyzed = true
	return nil
}

// CalcFSSectorOrder returns the order in which the current filesystem
// numbers its sectors.
func (img *DiskImg) CalcFSSectorOrder() SectorOrder {
	switch img.fsFormat {
	case FSFormatDOS33, FSFormatDOS32, FSFormatUNIDOS, FSFormatGenericDOSOrd:
		return SectorOrderDOS
	case FSFormatCPM, FSFormatGenericCPMOrd:
		return SectorOrderCPM
	case FSFormatRDOS32, FSFormatRDOS3, FSFormatGenericPhysicalOrd:
		return SectorOrderPhysical
	case FSFormatUnknown:
		return img.order
	}
	return SectorOrderProDOS
}

// ProgressFunc is called during long operations with the amount done and
// the total. Returning false cancels the operation.
type ProgressFunc func(cur, limit int64) bool

// CopyBlocks copies every block (or, for sector-only media, every sector) to
// dst. Unreadable units are zero filled and counted rather than ending the
// copy; the count is returned once the copy completes.
func (img *DiskImg) CopyBlocks(ctx context.Context, dst *DiskImg, progress ProgressFunc) (int, error) {
	if err := img.checkOpen(); err != nil {
		return 0, err
	}
	if err := dst.checkWrite(); err != nil {
		return 0, err
	}

	var (
		units   int
		unitLen int
		read    func(i int, buf []byte) error
		write   func(i int, buf []byte) error
	)
	switch {
	case img.hasBlocks && dst.hasBlocks && img.numBlocks == dst.numBlocks:
		units, unitLen = img.numBlocks, BLOCK_SIZE
		read, write = img.ReadBlock, dst.WriteBlock
	case img.hasSectors && dst.hasSectors &&
		img.numTracks == dst.numTracks && img.numSectPerTrack == dst.numSectPerTrack:
		spt := img.numSectPerTrack
		units, unitLen = img.numTracks*spt, STD_BYTES_PER_SECTOR
		read = func(i int, buf []byte) error { return img.ReadTrackSector(i/spt, i%spt, buf) }
		write = func(i int, buf []byte) error { return dst.WriteTrackSector(i/spt, i%spt, buf) }
	default:
		return 0, fmt.Errorf("copy between different geometries: %w", ErrInvalidArg)
	}

	buf := make([]byte, unitLen)
	skipped := 0
	for i := 0; i < units; i++ {
		if i%img.eng.cfg.ProgressInterval == 0 {
			if err := ctx.Err(); err != nil {
				return skipped, fmt.Errorf("copy: %w", ErrCancelled)
			}
			if progress != nil && !progress(int64(i), int64(units)) {
				return skipped, fmt.Errorf("copy: %w", ErrCancelled)
			}
		}
		if err := read(i, buf); err != nil {
			if errors.Is(err, ErrNotReady) {
				return skipped, err
			}
			clear(buf)
			skipped++
		}
		if err := write(i, buf); err != nil {
			return skipped, err
		}
	}
	if progress != nil {
		progress(int64(units), int64(units))
	}
	if skipped > 0 {
		img.log.Warn("copy skipped unreadable data", "units", skipped)
	}
	return skipped, nil
}

// FlushImage writes pending changes: the cached nibble track, header fields
// that depend on the data, and the image file itself.
func (img *DiskImg) FlushImage() error {
	if img.closed {
		return nil
	}
	if err := img.flushNibbleTrack(); err != nil {
		return err
	}
	if !img.dirty {
		return nil
	}

	if img.parent != nil {
		img.dirty = false
		return img.parent.FlushImage()
	}

	if img.wrapper != nil {
		if err := img.wrapper.flush(img); err != nil {
			return err
		}
	}

	if img.path != "" {
		ms, ok := img.raw.(*memStore)
		if !ok {
			return ErrInternal
		}
		out, err := wrapOuter(img.outer, img.innerName, ms.buf)
		if err != nil {
			return err
		}
		if err := afero.WriteFile(img.eng.cfg.Fs, img.path, out, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", img.path, ErrWriteFailed)
		}
	}

	img.dirty = false
	img.log.Debug("flushed image")
	return nil
}

// RawBytes returns the image file as it would be written by FlushImage.
func (img *DiskImg) RawBytes() ([]byte, error) {
	if img.parent != nil {
		return nil, ErrUnsupportedAccess
	}
	if err := img.flushNibbleTrack(); err != nil {
		return nil, err
	}
	if img.wrapper != nil && img.dirty {
		if err := img.wrapper.flush(img); err != nil {
			return nil, err
		}
	}
	ms, ok := img.raw.(*memStore)
	if !ok {
		return nil, ErrInternal
	}
	return wrapOuter(img.outer, img.innerName, ms.buf)
}

// CloseImage closes the image together with every filesystem and embedded
// volume built on it.
func (img *DiskImg) CloseImage() error {
	if img.closed {
		return nil
	}
	return img.eng.closeNode(img.node)
}

func (img *DiskImg) release() error {
	if img.closed {
		return nil
	}
	var err error
	if !img.readOnly {
		err = img.FlushImage()
	}
	img.closed = true
	if img.parent != nil {
		img.parent.refs--
	}
	img.log.Debug("closed image")
	return err
}
