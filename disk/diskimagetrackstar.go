package disk

import (
	"encoding/binary"
	"fmt"
)

// TrackStar images store every track in a fixed 6656-byte slot: an ASCII
// comment, the nibble data from 0x81 and the data length at 0x19fe.
const (
	TRACKSTAR_SLOT_LEN   = 0x1a00
	TRACKSTAR_DATA_OFF   = 0x81
	TRACKSTAR_LEN_OFF    = 0x19fe
	TRACKSTAR_MAX_TRACK  = TRACKSTAR_LEN_OFF - TRACKSTAR_DATA_OFF
	TRACKSTAR_COMMENT    = 0x2e
	TRACKSTAR_TRACKS     = 40
	TRACKSTAR_HALFTRACKS = 80
)

func isTrackStar(data []byte, ext string) bool {
	if ext == "nib" {
		return false
	}
	slots := len(data) / TRACKSTAR_SLOT_LEN
	if len(data)%TRACKSTAR_SLOT_LEN != 0 || (slots != TRACKSTAR_TRACKS && slots != TRACKSTAR_HALFTRACKS) {
		return false
	}
	if ext != "app" && ext != "trk" {
		// a 40-track .nib is the same size; only accept it on content
		for _, c := range data[:TRACKSTAR_COMMENT] {
			if c != 0 && (c < 0xa0 || c == 0xff) {
				return false
			}
		}
	}
	for t := 0; t < slots; t++ {
		n := int(binary.LittleEndian.Uint16(data[t*TRACKSTAR_SLOT_LEN+TRACKSTAR_LEN_OFF:]))
		if n > TRACKSTAR_MAX_TRACK {
			return false
		}
	}
	return true
}

type wrapperTrackStar struct {
	step int
}

func (img *DiskImg) openTrackStar(data []byte) error {
	slots := len(data) / TRACKSTAR_SLOT_LEN
	w := &wrapperTrackStar{step: slots / TRACKSTAR_TRACKS}

	img.fileFmt = FileFormatTrackStar
	img.wrapper = w
	img.dataOff = 0
	img.dataLen = int64(len(data))
	img.setNibbleGeometry(PhysicalFormatNib525_Var, TRACKSTAR_SLOT_LEN, TRACKSTAR_TRACKS)

	for t := 0; t < TRACKSTAR_TRACKS; t++ {
		base := t * w.step * TRACKSTAR_SLOT_LEN
		img.trackOff[t] = int64(base + TRACKSTAR_DATA_OFF)
		img.trackLen[t] = int(binary.LittleEndian.Uint16(data[base+TRACKSTAR_LEN_OFF:]))
		img.trackMax[t] = TRACKSTAR_MAX_TRACK
	}
	if w.step > 1 {
		img.addNote("TrackStar image holds half tracks; using whole tracks only")
	}
	return nil
}

func (w *wrapperTrackStar) setTrackLength(img *DiskImg, track, n int) error {
	if n > TRACKSTAR_MAX_TRACK {
		return fmt.Errorf("track %d is %d nibbles: %w", track, n, ErrBadRawData)
	}
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(n))
	off := int64(track*w.step*TRACKSTAR_SLOT_LEN + TRACKSTAR_LEN_OFF)
	_, err := img.raw.WriteAt(b[:], off)
	return err
}

func (w *wrapperTrackStar) flush(img *DiskImg) error {
	return nil
}
