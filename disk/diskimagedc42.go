package disk

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const DC42_HEADER_SIZE = 84
const DC42_PRIVATE = 0x0100

// DC42Header is the big-endian DiskCopy 4.2 file header.
type DC42Header struct {
	DiskName     [64]byte // Pascal string
	DataSize     uint32
	TagSize      uint32
	DataChecksum uint32
	TagChecksum  uint32
	DiskFormat   uint8 // 0=400K 1=800K 2=720K 3=1440K
	FormatByte   uint8 // 0x12=400K 0x22=800K ProDOS 0x24=800K
	Private      uint16
}

func (h *DC42Header) Name() string {
	n := int(h.DiskName[0])
	if n > 63 {
		n = 63
	}
	return string(macRomanDecode(h.DiskName[1 : 1+n]))
}

func readDC42Header(data []byte) (*DC42Header, error) {
	if len(data) < DC42_HEADER_SIZE {
		return nil, ErrDataUnderrun
	}
	h := &DC42Header{}
	if err := binary.Read(bytes.NewReader(data[:DC42_HEADER_SIZE]), binary.BigEndian, h); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *DC42Header) encode() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, h)
	return buf.Bytes()
}

// DC42Checksum is the DiskCopy rolling checksum: add each big-endian word,
// then rotate right by one.
func DC42Checksum(data []byte) uint32 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
		sum = sum>>1 | sum<<31
	}
	return sum
}

func isDC42(data []byte) bool {
	h, err := readDC42Header(data)
	if err != nil {
		return false
	}
	if h.Private != DC42_PRIVATE || h.DiskName[0] > 63 {
		return false
	}
	if h.DataSize == 0 || h.DataSize%BLOCK_SIZE != 0 {
		return false
	}
	return int64(DC42_HEADER_SIZE)+int64(h.DataSize)+int64(h.TagSize) <= int64(len(data))
}

type wrapperDC42 struct {
	hdr DC42Header
}

func (img *DiskImg) openDC42(data []byte) error {
	h, err := readDC42Header(data)
	if err != nil {
		return err
	}
	payload := data[DC42_HEADER_SIZE : DC42_HEADER_SIZE+int(h.DataSize)]
	if sum := DC42Checksum(payload); sum != h.DataChecksum {
		return fmt.Errorf("DiskCopy data checksum %08x, header says %08x: %w", sum, h.DataChecksum, ErrBadChecksum)
	}

	img.fileFmt = FileFormatDiskCopy42
	img.wrapper = &wrapperDC42{hdr: *h}
	img.dataOff = DC42_HEADER_SIZE
	img.dataLen = int64(h.DataSize)
	if err := img.setSectorGeometry(img.dataLen); err != nil {
		return err
	}
	img.log.Debug("DiskCopy 4.2 header", "disk_name", h.Name(), "format", h.DiskFormat, "tag_bytes", h.TagSize)
	return nil
}

func (w *wrapperDC42) flush(img *DiskImg) error {
	payload := make([]byte, img.dataLen)
	if err := img.readRaw(0, payload); err != nil {
		return err
	}
	w.hdr.DataChecksum = DC42Checksum(payload)
	_, err := img.raw.WriteAt(w.hdr.encode(), 0)
	return err
}

// NewDC42Header fills in a header for an 800K (or 400K) image.
func NewDC42Header(name string, dataLen int) *DC42Header {
	h := &DC42Header{
		DataSize: uint32(dataLen),
		Private:  DC42_PRIVATE,
	}
	if len(name) > 63 {
		name = name[:63]
	}
	h.DiskName[0] = byte(len(name))
	copy(h.DiskName[1:], name)
	switch dataLen {
	case PRODOS_400KB_DISK_BYTES:
		h.DiskFormat, h.FormatByte = 0, 0x12
	case PRODOS_800KB_DISK_BYTES:
		h.DiskFormat, h.FormatByte = 1, 0x22
	case 737280:
		h.DiskFormat, h.FormatByte = 2, 0x22
	case 1474560:
		h.DiskFormat, h.FormatByte = 3, 0x22
	}
	return h
}
