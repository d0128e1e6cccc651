package disk

import (
	"bytes"
	"fmt"
)

// imageWrapper is the container around the disk data. flush brings header
// fields that depend on the data (checksums, lengths) up to date.
type imageWrapper interface {
	flush(img *DiskImg) error
}

// trackLengthWriter is implemented by wrappers that record a length per
// nibble track.
type trackLengthWriter interface {
	setTrackLength(img *DiskImg, track, n int) error
}

var (
	magicNuFX = []byte{0x4e, 0xf5, 0x46, 0xe9, 0x6c, 0xe5}
	magicFDI  = []byte("Formatted Disk Image file")
)

// identifyFileFormat works out the file format from the decompressed bytes
// and sets up the data window and raw geometry.
func (img *DiskImg) identifyFileFormat() error {
	ms, ok := img.raw.(*memStore)
	if !ok {
		return ErrInternal
	}
	data := ms.buf

	switch {
	case is2MG(data):
		return img.open2MG(data)
	case isDC42(data):
		return img.openDC42(data)
	case isSim2eHDV(data):
		return img.openSim2eHDV(data)
	case bytes.HasPrefix(data, magicNuFX):
		img.fileFmt = FileFormatNuFX
		return fmt.Errorf("%s: %w", img.innerName, ErrFileArchive)
	case bytes.HasPrefix(data, magicFDI):
		img.fileFmt = FileFormatFDI
		return fmt.Errorf("%s: %w", img.innerName, ErrUnsupportedImageFeature)
	case img.ext == "ddd":
		img.fileFmt = FileFormatDDD
		return fmt.Errorf("%s: %w", img.innerName, ErrUnsupportedFileFmt)
	case isTrackStar(data, img.ext):
		return img.openTrackStar(data)
	}
	return img.openUnadorned(data)
}

func (img *DiskImg) openUnadorned(data []byte) error {
	n := len(data)
	img.fileFmt = FileFormatUnadorned
	img.dataOff = 0
	img.dataLen = int64(n)

	if tracks, ok := nibbleTrackCount(n, TRACK_NIBBLE_LENGTH); ok && (img.ext != "nb2") {
		img.setNibbleGeometry(PhysicalFormatNib525_6656, TRACK_NIBBLE_LENGTH, tracks)
		return nil
	}
	if tracks, ok := nibbleTrackCount(n, TRACK_NIBBLE_LENGTH_NB2); ok {
		img.setNibbleGeometry(PhysicalFormatNib525_6384, TRACK_NIBBLE_LENGTH_NB2, tracks)
		return nil
	}
	if img.ext == "nib" || img.ext == "nb2" {
		return fmt.Errorf("nibble image of %d bytes: %w", n, ErrOddLength)
	}

	return img.setSectorGeometry(int64(n))
}

// nibble images are 35 or 40 whole tracks
func nibbleTrackCount(n, trackLen int) (int, bool) {
	if n%trackLen != 0 {
		return 0, false
	}
	t := n / trackLen
	return t, t == 35 || t == 40
}
