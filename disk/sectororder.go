package disk

import "fmt"

type SectorOrder int

const (
	SectorOrderUnknown SectorOrder = iota
	SectorOrderProDOS
	SectorOrderDOS
	SectorOrderCPM
	SectorOrderPhysical
)

func (so SectorOrder) String() string {
	switch so {
	case SectorOrderProDOS:
		return "ProDOS"
	case SectorOrderDOS:
		return "DOS"
	case SectorOrderCPM:
		return "CP/M"
	case SectorOrderPhysical:
		return "Physical"
	}
	return "Unknown"
}

// Logical to physical sector maps for 16-sector tracks. A physical-order
// image stores sector n of each track at position n; a DOS-order image
// stores DOS logical sector n there, and so on.
var DOS_TO_PHYS = [16]int{
	0x00, 0x0d, 0x0b, 0x09, 0x07, 0x05, 0x03, 0x01,
	0x0e, 0x0c, 0x0a, 0x08, 0x06, 0x04, 0x02, 0x0f,
}

var PRODOS_TO_PHYS = [16]int{
	0x00, 0x02, 0x04, 0x06, 0x08, 0x0a, 0x0c, 0x0e,
	0x01, 0x03, 0x05, 0x07, 0x09, 0x0b, 0x0d, 0x0f,
}

var CPM_TO_PHYS = [16]int{
	0x00, 0x03, 0x06, 0x09, 0x0c, 0x0f, 0x02, 0x05,
	0x08, 0x0b, 0x0e, 0x01, 0x04, 0x07, 0x0a, 0x0d,
}

var (
	PHYS_TO_DOS    = invertOrder(DOS_TO_PHYS)
	PHYS_TO_PRODOS = invertOrder(PRODOS_TO_PHYS)
	PHYS_TO_CPM    = invertOrder(CPM_TO_PHYS)
)

func invertOrder(in [16]int) [16]int {
	var out [16]int
	for logical, phys := range in {
		out[phys] = logical
	}
	return out
}

// LogicalToPhysical maps a 16-sector logical sector number in order so to its
// physical position on the track.
func LogicalToPhysical(sector int, so SectorOrder) (int, error) {
	if sector < 0 || sector >= 16 {
		return -1, ErrInvalidSector
	}
	switch so {
	case SectorOrderDOS:
		return DOS_TO_PHYS[sector], nil
	case SectorOrderProDOS:
		return PRODOS_TO_PHYS[sector], nil
	case SectorOrderCPM:
		return CPM_TO_PHYS[sector], nil
	case SectorOrderPhysical:
		return sector, nil
	}
	return -1, ErrBadOrdering
}

// PhysicalToLogical is the inverse of LogicalToPhysical.
func PhysicalToLogical(sector int, so SectorOrder) (int, error) {
	if sector < 0 || sector >= 16 {
		return -1, ErrInvalidSector
	}
	switch so {
	case SectorOrderDOS:
		return PHYS_TO_DOS[sector], nil
	case SectorOrderProDOS:
		return PHYS_TO_PRODOS[sector], nil
	case SectorOrderCPM:
		return PHYS_TO_CPM[sector], nil
	case SectorOrderPhysical:
		return sector, nil
	}
	return -1, ErrBadOrdering
}

// TranslateSector converts a sector number expressed in fsOrder into the
// position it occupies in an image serialized in imageOrder. Only 16-sector
// tracks are interleaved; 13 and 32 sector tracks pass through unchanged.
func TranslateSector(sector, sectPerTrack int, imageOrder, fsOrder SectorOrder) (int, error) {
	if sector < 0 || sector >= sectPerTrack {
		return -1, ErrInvalidSector
	}
	if sectPerTrack != 16 || imageOrder == fsOrder {
		return sector, nil
	}
	phys, err := LogicalToPhysical(sector, fsOrder)
	if err != nil {
		return -1, err
	}
	return PhysicalToLogical(phys, imageOrder)
}

// CalcSectorAndOffset returns the byte offset, relative to the start of the
// image data, of track/sector when the image is stored in imageOrder and the
// caller numbers sectors in fsOrder.
func (img *DiskImg) CalcSectorAndOffset(track, sector int, imageOrder, fsOrder SectorOrder) (int64, int, error) {
	if !img.hasSectors {
		return 0, 0, ErrUnsupportedAccess
	}
	if track < 0 || track >= img.numTracks {
		return 0, 0, fmt.Errorf("track %d: %w", track, ErrInvalidTrack)
	}
	if sector < 0 || sector >= img.numSectPerTrack {
		return 0, 0, fmt.Errorf("sector %d: %w", sector, ErrInvalidSector)
	}
	if img.numSectPerTrack == 16 && (imageOrder == SectorOrderUnknown || fsOrder == SectorOrderUnknown) {
		return 0, 0, ErrBadOrdering
	}

	newSector, err := TranslateSector(sector, img.numSectPerTrack, imageOrder, fsOrder)
	if err != nil {
		return 0, 0, err
	}

	off := (int64(track)*int64(img.numSectPerTrack) + int64(newSector)) * STD_BYTES_PER_SECTOR
	return off, newSector, nil
}
