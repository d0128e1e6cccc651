package disk

import (
	"encoding/binary"
	"fmt"
)

/*
	2MG format loader...
*/

const PREAMBLE_2MG_SIZE = 0x40

var MAGIC_2MG = []byte{byte('2'), byte('I'), byte('M'), byte('G')}

const (
	FORMAT_2MG_DOS    = 0
	FORMAT_2MG_PRODOS = 1
	FORMAT_2MG_NIBBLE = 2

	FLAG_2MG_LOCKED     = 0x80000000
	FLAG_2MG_DOSVOL_SET = 0x00000100
	FLAG_2MG_DOSVOL     = 0x000000ff
)

type Header2MG struct {
	Data [64]byte
}

func (h *Header2MG) SetData(data []byte) {
	for i, v := range data {
		if i < 64 {
			h.Data[i] = v
		}
	}
}

func (h *Header2MG) u16(off int) int {
	return int(binary.LittleEndian.Uint16(h.Data[off:]))
}

func (h *Header2MG) u32(off int) int {
	return int(binary.LittleEndian.Uint32(h.Data[off:]))
}

func (h *Header2MG) put16(off, v int) {
	binary.LittleEndian.PutUint16(h.Data[off:], uint16(v))
}

func (h *Header2MG) put32(off, v int) {
	binary.LittleEndian.PutUint32(h.Data[off:], uint32(v))
}

func (h *Header2MG) GetID() string {
	return string(h.Data[0x00:0x04])
}

func (h *Header2MG) GetCreatorID() string {
	return string(h.Data[0x04:0x08])
}

func (h *Header2MG) GetHeaderSize() int {
	return h.u16(0x08)
}

func (h *Header2MG) GetVersion() int {
	return h.u16(0x0A)
}

func (h *Header2MG) GetImageFormat() int {
	return h.u32(0x0C)
}

func (h *Header2MG) GetDOSFlags() int {
	return h.u32(0x10)
}

func (h *Header2MG) GetProDOSBlocks() int {
	return h.u32(0x14)
}

func (h *Header2MG) GetDiskDataStart() int {
	return h.u32(0x18)
}

func (h *Header2MG) GetDiskDataLength() int {
	return h.u32(0x1C)
}

func (h *Header2MG) GetCommentOffset() int {
	return h.u32(0x20)
}

func (h *Header2MG) GetCommentLength() int {
	return h.u32(0x24)
}

func (h *Header2MG) GetCreatorOffset() int {
	return h.u32(0x28)
}

func (h *Header2MG) GetCreatorLength() int {
	return h.u32(0x2C)
}

func (h *Header2MG) IsLocked() bool {
	return h.GetDOSFlags()&FLAG_2MG_LOCKED != 0
}

// GetDOSVolumeNum returns the stored DOS volume number, or -1 if none.
func (h *Header2MG) GetDOSVolumeNum() int {
	f := h.GetDOSFlags()
	if f&FLAG_2MG_DOSVOL_SET == 0 {
		return -1
	}
	return f & FLAG_2MG_DOSVOL
}

// New2MGHeader builds the header for a freshly created image.
func New2MGHeader(format, blocks, dataLen, dosVolume int) *Header2MG {
	h := &Header2MG{}
	copy(h.Data[0x00:], MAGIC_2MG)
	copy(h.Data[0x04:], "DM8!")
	h.put16(0x08, PREAMBLE_2MG_SIZE)
	h.put16(0x0A, 1)
	h.put32(0x0C, format)
	flags := 0
	if dosVolume >= 0 {
		flags = FLAG_2MG_DOSVOL_SET | (dosVolume & FLAG_2MG_DOSVOL)
	}
	h.put32(0x10, flags)
	h.put32(0x14, blocks)
	h.put32(0x18, PREAMBLE_2MG_SIZE)
	h.put32(0x1C, dataLen)
	return h
}

func is2MG(data []byte) bool {
	if len(data) < PREAMBLE_2MG_SIZE {
		return false
	}
	h := &Header2MG{}
	h.SetData(data[:PREAMBLE_2MG_SIZE])
	return h.GetID() == "2IMG"
}

type wrapper2MG struct {
	hdr Header2MG
}

func (img *DiskImg) open2MG(data []byte) error {
	w := &wrapper2MG{}
	w.hdr.SetData(data[:PREAMBLE_2MG_SIZE])
	h := &w.hdr

	start := h.GetDiskDataStart()
	size := h.GetDiskDataLength()
	if h.GetImageFormat() == FORMAT_2MG_PRODOS && size == 0 {
		// some writers only fill in the block count
		size = h.GetProDOSBlocks() * BLOCK_SIZE
	}
	if start < PREAMBLE_2MG_SIZE || size <= 0 || start+size > len(data) {
		return fmt.Errorf("2MG data %d+%d in %d bytes: %w", start, size, len(data), ErrBadFileFormat)
	}
	if off, n := h.GetCommentOffset(), h.GetCommentLength(); n > 0 && off+n > len(data) {
		img.addNote("2MG comment chunk runs past end of file")
	}

	img.fileFmt = FileFormat2MG
	img.wrapper = w
	img.dataOff = int64(start)
	img.dataLen = int64(size)
	img.dosVolumeNum = h.GetDOSVolumeNum()

	switch h.GetImageFormat() {
	case FORMAT_2MG_DOS:
		if err := img.setSectorGeometry(img.dataLen); err != nil {
			return err
		}
		if img.numSectPerTrack == STD_SECTORS_PER_TRACK {
			img.order = SectorOrderDOS
			img.orderFixed = true
		}
	case FORMAT_2MG_PRODOS:
		if err := img.setSectorGeometry(img.dataLen); err != nil {
			return err
		}
		if img.numSectPerTrack == STD_SECTORS_PER_TRACK {
			img.order = SectorOrderProDOS
			img.orderFixed = true
		}
	case FORMAT_2MG_NIBBLE:
		tracks, ok := nibbleTrackCount(size, TRACK_NIBBLE_LENGTH)
		if !ok {
			return fmt.Errorf("2MG nibble data of %d bytes: %w", size, ErrOddLength)
		}
		img.setNibbleGeometry(PhysicalFormatNib525_6656, TRACK_NIBBLE_LENGTH, tracks)
	default:
		return fmt.Errorf("2MG image format %d: %w", h.GetImageFormat(), ErrUnsupportedFileFmt)
	}

	if h.IsLocked() {
		img.readOnly = true
		img.addNote("2MG image is locked")
	}
	img.log.Debug("2MG header",
		"creator", h.GetCreatorID(),
		"format", h.GetImageFormat(),
		"blocks", h.GetProDOSBlocks(),
		"dos_volume", img.dosVolumeNum)
	return nil
}

// flush keeps the block count and volume number in step with the image.
// The comment and creator chunks after the data are left where they are.
func (w *wrapper2MG) flush(img *DiskImg) error {
	if img.hasBlocks {
		w.hdr.put32(0x14, img.numBlocks)
	}
	if img.dosVolumeNum >= 0 {
		f := w.hdr.GetDOSFlags() &^ FLAG_2MG_DOSVOL
		w.hdr.put32(0x10, f|FLAG_2MG_DOSVOL_SET|img.dosVolumeNum&FLAG_2MG_DOSVOL)
	}
	_, err := img.raw.WriteAt(w.hdr.Data[:], 0)
	return err
}

// Get2MGComment returns the free-form comment stored after the image data.
func (img *DiskImg) Get2MGComment() (string, error) {
	w, ok := img.wrapper.(*wrapper2MG)
	if !ok {
		return "", ErrUnsupportedAccess
	}
	off, n := w.hdr.GetCommentOffset(), w.hdr.GetCommentLength()
	if n == 0 {
		return "", nil
	}
	if int64(off+n) > img.raw.Len() {
		return "", ErrBadFileFormat
	}
	buf := make([]byte, n)
	if _, err := img.raw.ReadAt(buf, int64(off)); err != nil {
		return "", err
	}
	return string(buf), nil
}
