package disk

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// CreateParams describes a new image. Path may be empty for an image that
// lives only in memory; StorageName then supplies the name used for logging
// and order guesses.
type CreateParams struct {
	Path         string
	StorageName  string
	Outer        OuterFormat
	FileFormat   FileFormat
	Physical     PhysicalFormat
	Order        SectorOrder
	FS           FSFormat
	NibbleDescr  *NibbleDescr
	DOSVolumeNum int
}

// CreateImage creates a block image of numBlocks blocks. The image is
// zeroed; call OpenAppropriateDiskFS and Format to put a filesystem on it.
func (e *Engine) CreateImage(p CreateParams, numBlocks int) (*DiskImg, error) {
	if numBlocks <= 0 {
		return nil, fmt.Errorf("%d blocks: %w", numBlocks, ErrInvalidCreateReq)
	}
	if p.Physical.IsNibble() {
		if numBlocks%PRODOS_BLOCKS_PER_TRACK != 0 {
			return nil, fmt.Errorf("%d blocks as nibble tracks: %w", numBlocks, ErrInvalidCreateReq)
		}
		return e.CreateImageTS(p, numBlocks/PRODOS_BLOCKS_PER_TRACK, STD_SECTORS_PER_TRACK)
	}
	return e.createImage(p, int64(numBlocks)*BLOCK_SIZE, 0, 0)
}

// CreateImageTS creates an image with explicit track and sector counts, as
// needed for 13-sector disks and nibble images.
func (e *Engine) CreateImageTS(p CreateParams, tracks, sectPerTrack int) (*DiskImg, error) {
	if tracks <= 0 || tracks > MAX_TRACKS_525 {
		return nil, fmt.Errorf("%d tracks: %w", tracks, ErrInvalidCreateReq)
	}
	switch sectPerTrack {
	case STD_SECTORS_PER_TRACK_OLD, STD_SECTORS_PER_TRACK, UNIDOS_SECTORS_PER_TRACK:
	default:
		return nil, fmt.Errorf("%d sectors per track: %w", sectPerTrack, ErrInvalidCreateReq)
	}
	return e.createImage(p, int64(tracks*sectPerTrack*STD_BYTES_PER_SECTOR), tracks, sectPerTrack)
}

func (e *Engine) createImage(p CreateParams, dataLen int64, tracks, spt int) (*DiskImg, error) {
	if p.Physical == PhysicalFormatUnknown {
		p.Physical = PhysicalFormatSectors
	}
	if p.FileFormat == FileFormatUnknown {
		p.FileFormat = FileFormatUnadorned
	}
	if p.Outer == OuterFormatUnknown {
		p.Outer = OuterFormatNone
	}
	if p.Outer == OuterFormatBzip2 {
		return nil, fmt.Errorf("bzip2 output: %w", ErrUnsupportedCompression)
	}

	name := p.StorageName
	if name == "" {
		name = filepath.Base(p.Path)
	}
	if name == "" || name == "." {
		name = "untitled"
	}
	if p.Path != "" {
		if _, err := e.cfg.Fs.Stat(p.Path); err == nil {
			return nil, fmt.Errorf("create %s: %w", p.Path, ErrFileExists)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("create %s: %w", p.Path, ErrAccessDenied)
		}
	}

	var nibDescr *NibbleDescr
	payload := make([]byte, dataLen)
	if p.Physical.IsNibble() {
		if tracks != STD_TRACKS_PER_DISK && tracks != 40 {
			return nil, fmt.Errorf("%d nibble tracks: %w", tracks, ErrInvalidCreateReq)
		}
		nibDescr = p.NibbleDescr
		if nibDescr == nil {
			nibDescr = defaultNibbleDescr(spt)
		}
		if nibDescr.NumSectors != spt {
			return nil, fmt.Errorf("%s layout on %d-sector tracks: %w", nibDescr.Description, spt, ErrInvalidCreateReq)
		}
		var err error
		payload, err = formatNibbleDisk(p, nibDescr, tracks)
		if err != nil {
			return nil, err
		}
	}

	data, err := wrapNewImage(p, payload, name, spt)
	if err != nil {
		return nil, err
	}

	inner := name
	if p.Outer != OuterFormatNone {
		inner = trimExt(trimExt(name, "gz"), "zip")
	}
	img := newDiskImg(e, name, p.Path)
	img.outer = p.Outer
	img.innerName = inner
	img.ext = imageExt(inner)
	img.raw = &memStore{buf: data}
	if err := img.identifyFileFormat(); err != nil {
		return nil, err
	}
	if img.fileFmt != p.FileFormat || img.physical != p.Physical {
		return nil, fmt.Errorf("created %s/%s, read back as %s/%s: %w",
			p.FileFormat, p.Physical, img.fileFmt, img.physical, ErrInternal)
	}
	if tracks > 0 && !img.hasNibbles && (img.numTracks != tracks || img.numSectPerTrack != spt) {
		return nil, fmt.Errorf("%d tracks of %d sectors: %w", tracks, spt, ErrInvalidCreateReq)
	}

	if nibDescr != nil {
		if err := img.SetNibbleDescr(nibDescr); err != nil {
			return nil, err
		}
	}
	if p.Order != SectorOrderUnknown && !img.hasNibbles {
		img.order = p.Order
		img.orderFixed = true
	}
	if img.order == SectorOrderUnknown {
		img.order = defaultCreateOrder(p.FS)
	}
	if p.DOSVolumeNum > 0 {
		img.dosVolumeNum = p.DOSVolumeNum & 0xff
	}
	img.fsFormat = p.FS
	img.fsOrder = img.CalcFSSectorOrder()
	img.analyzed = true
	img.dirty = true

	img.node = e.register(img, -1)
	if p.Path != "" {
		if err := img.FlushImage(); err != nil {
			img.CloseImage()
			e.cfg.Fs.Remove(p.Path)
			return nil, err
		}
	}
	img.log.Info("created image",
		"file_format", img.fileFmt.String(),
		"physical", img.physical.String(),
		"fs", img.fsFormat.String(),
		"order", img.order.String(),
		"bytes", img.dataLen)
	return img, nil
}

func defaultNibbleDescr(spt int) *NibbleDescr {
	if spt == STD_SECTORS_PER_TRACK_OLD {
		return GetStdNibbleDescr(3)
	}
	return GetStdNibbleDescr(0)
}

// defaultCreateOrder is the order a filesystem is normally stored in when
// the caller does not ask for one.
func defaultCreateOrder(fs FSFormat) SectorOrder {
	switch fs {
	case FSFormatDOS33, FSFormatDOS32, FSFormatUNIDOS:
		return SectorOrderDOS
	case FSFormatCPM:
		return SectorOrderCPM
	}
	return SectorOrderProDOS
}

func formatNibbleDisk(p CreateParams, d *NibbleDescr, tracks int) ([]byte, error) {
	trackLen := TRACK_NIBBLE_LENGTH
	if p.Physical == PhysicalFormatNib525_6384 {
		trackLen = TRACK_NIBBLE_LENGTH_NB2
	} else if p.Physical != PhysicalFormatNib525_6656 {
		return nil, fmt.Errorf("create %s: %w", p.Physical, ErrUnsupportedPhysicalFmt)
	}
	vol := p.DOSVolumeNum
	if vol <= 0 {
		vol = DOS_DEFAULT_VOLUME
	}
	out := make([]byte, 0, tracks*trackLen)
	for t := 0; t < tracks; t++ {
		trk, err := FormatNibbleTrack(d, vol, t, trackLen, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, trk...)
	}
	return out, nil
}

// wrapNewImage puts the file format header around a zeroed payload.
func wrapNewImage(p CreateParams, payload []byte, name string, spt int) ([]byte, error) {
	n := len(payload)
	switch p.FileFormat {
	case FileFormatUnadorned:
		if p.Physical == PhysicalFormatNib525_6384 && imageExt(name) != "nb2" {
			return nil, fmt.Errorf("6384-byte nibble tracks need a .nb2 name: %w", ErrInvalidCreateReq)
		}
		return payload, nil

	case FileFormat2MG:
		format, blocks := FORMAT_2MG_PRODOS, n/BLOCK_SIZE
		switch {
		case p.Physical == PhysicalFormatNib525_6656:
			format, blocks = FORMAT_2MG_NIBBLE, 0
		case p.Physical.IsNibble():
			return nil, fmt.Errorf("2MG with %s: %w", p.Physical, ErrInvalidCreateReq)
		case p.Order == SectorOrderDOS || p.Order == SectorOrderUnknown && defaultCreateOrder(p.FS) == SectorOrderDOS:
			if spt != 0 && spt != STD_SECTORS_PER_TRACK || n%(STD_SECTORS_PER_TRACK*STD_BYTES_PER_SECTOR) != 0 {
				return nil, fmt.Errorf("2MG DOS order needs 16-sector tracks: %w", ErrInvalidCreateReq)
			}
			format = FORMAT_2MG_DOS
		case n%BLOCK_SIZE != 0:
			return nil, fmt.Errorf("2MG of %d bytes: %w", n, ErrInvalidCreateReq)
		}
		vol := -1
		if p.DOSVolumeNum > 0 {
			vol = p.DOSVolumeNum
		}
		hdr := New2MGHeader(format, blocks, n, vol)
		return append(hdr.Data[:], payload...), nil

	case FileFormatDiskCopy42:
		if p.Physical != PhysicalFormatSectors || n%BLOCK_SIZE != 0 {
			return nil, fmt.Errorf("DiskCopy image of %d bytes: %w", n, ErrInvalidCreateReq)
		}
		hdr := NewDC42Header(trimExt(trimExt(name, "dc"), "image"), n)
		hdr.DataChecksum = DC42Checksum(payload)
		return append(hdr.encode(), payload...), nil

	case FileFormatSim2eHDV:
		if p.Physical != PhysicalFormatSectors || n%BLOCK_SIZE != 0 {
			return nil, fmt.Errorf("Sim //e image of %d bytes: %w", n, ErrInvalidCreateReq)
		}
		return append(newSim2eHeader(), payload...), nil
	}
	return nil, fmt.Errorf("create %s: %w", p.FileFormat, ErrUnsupportedFileFmt)
}
