package disk

import (
	"errors"
	"fmt"
)

var NIBBLE_62 = []byte{
	0x96, 0x97, 0x9a, 0x9b, 0x9d, 0x9e, 0x9f, 0xa6,
	0xa7, 0xab, 0xac, 0xad, 0xae, 0xaf, 0xb2, 0xb3,
	0xb4, 0xb5, 0xb6, 0xb7, 0xb9, 0xba, 0xbb, 0xbc,
	0xbd, 0xbe, 0xbf, 0xcb, 0xcd, 0xce, 0xcf, 0xd3,
	0xd6, 0xd7, 0xd9, 0xda, 0xdb, 0xdc, 0xdd, 0xde,
	0xdf, 0xe5, 0xe6, 0xe7, 0xe9, 0xea, 0xeb, 0xec,
	0xed, 0xee, 0xef, 0xf2, 0xf3, 0xf4, 0xf5, 0xf6,
	0xf7, 0xf9, 0xfa, 0xfb, 0xfc, 0xfd, 0xfe, 0xff}

var NIBBLE_53 = []byte{
	0xab, 0xad, 0xae, 0xaf, 0xb5, 0xb6, 0xb7, 0xba,
	0xbb, 0xbd, 0xbe, 0xbf, 0xd6, 0xd7, 0xda, 0xdb,
	0xdd, 0xde, 0xdf, 0xea, 0xeb, 0xed, 0xee, 0xef,
	0xf5, 0xf6, 0xf7, 0xfa, 0xfb, 0xfd, 0xfe, 0xff,
}

const invalidNibble = 0xff

var (
	nibbleDecode62 = invertNibbles(NIBBLE_62)
	nibbleDecode53 = invertNibbles(NIBBLE_53)
)

func invertNibbles(tbl []byte) [256]byte {
	var out [256]byte
	for i := range out {
		out[i] = invalidNibble
	}
	for i, v := range tbl {
		out[v] = byte(i)
	}
	return out
}

type NibbleEncoding int

const (
	NibbleEncodingUnknown NibbleEncoding = iota
	NibbleEncoding44
	NibbleEncoding53
	NibbleEncoding62
)

type NibbleSpecial int

const (
	NibbleSpecialNone NibbleSpecial = iota
	// NibbleSpecialMuse disks store sector*2 in the address field past track 2.
	NibbleSpecialMuse
	// NibbleSpecialSkipFirstAddrByte matches only the last two prolog bytes.
	NibbleSpecialSkipFirstAddrByte
)

// NibbleDescr describes the on-track layout of address and data fields.
// Copy-protected disks vary the marks and seeds, so they are data.
type NibbleDescr struct {
	Description string
	NumSectors  int

	AddrProlog            [3]byte
	AddrEpilog            [3]byte
	AddrChecksumSeed      byte
	AddrVerifyChecksum    bool
	AddrVerifyTrack       bool
	AddrEpilogVerifyCount int

	DataProlog            [3]byte
	DataEpilog            [3]byte
	DataChecksumSeed      byte
	DataVerifyChecksum    bool
	DataEpilogVerifyCount int

	Encoding NibbleEncoding
	Special  NibbleSpecial
}

const (
	NibbleDescrDOS33Std = iota
	NibbleDescrDOS33Patched
	NibbleDescrDOS33IgnoreChecksum
	NibbleDescrDOS32Std
	NibbleDescrDOS32Patched
	NibbleDescrMuse32
	NibbleDescrRDOS33
	NibbleDescrRDOS32
	NibbleDescrCustom
)

var stdEpilog = [3]byte{0xde, 0xaa, 0xeb}

// StdNibbleDescrs are the layouts tried when analyzing a nibble image. The
// custom slot starts as a copy of DOS 3.3 and is meant to be edited.
var StdNibbleDescrs = []NibbleDescr{
	{
		Description: "DOS 3.3 Standard", NumSectors: 16,
		AddrProlog: [3]byte{0xd5, 0xaa, 0x96}, AddrEpilog: stdEpilog,
		AddrVerifyChecksum: true, AddrVerifyTrack: true, AddrEpilogVerifyCount: 2,
		DataProlog: [3]byte{0xd5, 0xaa, 0xad}, DataEpilog: stdEpilog,
		DataVerifyChecksum: true, DataEpilogVerifyCount: 2,
		Encoding: NibbleEncoding62,
	},
	{
		Description: "DOS 3.3 Patched", NumSectors: 16,
		AddrProlog: [3]byte{0xd5, 0xaa, 0x96}, AddrEpilog: stdEpilog,
		AddrVerifyChecksum: false, AddrVerifyTrack: false,
		DataProlog: [3]byte{0xd5, 0xaa, 0xad}, DataEpilog: stdEpilog,
		DataVerifyChecksum: true,
		Encoding:           NibbleEncoding62,
	},
	{
		Description: "DOS 3.3 Ignore Checksum", NumSectors: 16,
		AddrProlog: [3]byte{0xd5, 0xaa, 0x96}, AddrEpilog: stdEpilog,
		DataProlog: [3]byte{0xd5, 0xaa, 0xad}, DataEpilog: stdEpilog,
		Encoding: NibbleEncoding62,
	},
	{
		Description: "DOS 3.2 Standard", NumSectors: 13,
		AddrProlog: [3]byte{0xd5, 0xaa, 0xb5}, AddrEpilog: stdEpilog,
		AddrVerifyChecksum: true, AddrVerifyTrack: true, AddrEpilogVerifyCount: 2,
		DataProlog: [3]byte{0xd5, 0xaa, 0xad}, DataEpilog: stdEpilog,
		DataVerifyChecksum: true, DataEpilogVerifyCount: 2,
		Encoding: NibbleEncoding53,
	},
	{
		Description: "DOS 3.2 Patched", NumSectors: 13,
		AddrProlog: [3]byte{0xd5, 0xaa, 0xb5}, AddrEpilog: stdEpilog,
		DataProlog: [3]byte{0xd5, 0xaa, 0xad}, DataEpilog: stdEpilog,
		DataVerifyChecksum: true,
		Encoding:           NibbleEncoding53,
	},
	{
		Description: "Muse DOS 3.2", NumSectors: 13,
		AddrProlog: [3]byte{0xd5, 0xaa, 0xb5}, AddrEpilog: stdEpilog,
		AddrVerifyChecksum: true, AddrVerifyTrack: true, AddrEpilogVerifyCount: 2,
		DataProlog: [3]byte{0xd5, 0xaa, 0xad}, DataEpilog: stdEpilog,
		DataVerifyChecksum: true, DataEpilogVerifyCount: 2,
		Encoding: NibbleEncoding53,
		Special:  NibbleSpecialMuse,
	},
	{
		Description: "RDOS 3.3", NumSectors: 16,
		AddrProlog: [3]byte{0xd4, 0xaa, 0x96}, AddrEpilog: stdEpilog,
		AddrVerifyChecksum: true, AddrVerifyTrack: true, AddrEpilogVerifyCount: 0,
		DataProlog: [3]byte{0xd5, 0xaa, 0xad}, DataEpilog: stdEpilog,
		DataVerifyChecksum: true, DataEpilogVerifyCount: 2,
		Encoding: NibbleEncoding62,
	},
	{
		Description: "RDOS 3.2", NumSectors: 13,
		AddrProlog: [3]byte{0xd4, 0xaa, 0xb7}, AddrEpilog: stdEpilog,
		AddrVerifyChecksum: true, AddrVerifyTrack: true, AddrEpilogVerifyCount: 2,
		DataProlog: [3]byte{0xd5, 0xaa, 0xad}, DataEpilog: stdEpilog,
		DataVerifyChecksum: true, DataEpilogVerifyCount: 2,
		Encoding: NibbleEncoding53,
	},
	{
		Description: "Custom", NumSectors: 16,
		AddrProlog: [3]byte{0xd5, 0xaa, 0x96}, AddrEpilog: stdEpilog,
		AddrVerifyChecksum: true, AddrVerifyTrack: true, AddrEpilogVerifyCount: 2,
		DataProlog: [3]byte{0xd5, 0xaa, 0xad}, DataEpilog: stdEpilog,
		DataVerifyChecksum: true, DataEpilogVerifyCount: 2,
		Encoding: NibbleEncoding62,
	},
}

// GetStdNibbleDescr returns a copy of one of the standard layouts.
func GetStdNibbleDescr(idx int) *NibbleDescr {
	if idx < 0 || idx >= len(StdNibbleDescrs) {
		return nil
	}
	d := StdNibbleDescrs[idx]
	return &d
}

// encoded data field length, including the checksum nibble
func (d *NibbleDescr) dataFieldLen() int {
	if d.Encoding == NibbleEncoding53 {
		return 411
	}
	return 343
}

// 4-and-4 address field values
func decode44(a, b byte) int {
	return int(((a << 1) | 1) & b)
}

func encode44(v int) []byte {
	return []byte{byte(0xaa | (v >> 1)), byte(0xaa | v)}
}

// nibble scan helpers index the track circularly
func nib(trk []byte, i int) byte {
	return trk[i%len(trk)]
}

func matchAt(trk []byte, i int, want []byte) bool {
	for k, b := range want {
		if nib(trk, i+k) != b {
			return false
		}
	}
	return true
}

type SectorStatus int

const (
	SectorStatusMissing SectorStatus = iota
	SectorStatusGood
	SectorStatusBadChecksum
	SectorStatusBadData
	SectorStatusNoDataField
)

func (s SectorStatus) String() string {
	switch s {
	case SectorStatusGood:
		return "good"
	case SectorStatusBadChecksum:
		return "bad checksum"
	case SectorStatusBadData:
		return "bad data"
	case SectorStatusNoDataField:
		return "no data field"
	}
	return "missing"
}

// sectorMark is one address field found on a track.
type sectorMark struct {
	Volume  int
	Track   int
	Sector  int
	AddrPos int
	DataPos int // first nibble after the data prolog, -1 if none
}

// max distance from the address epilog to the data prolog
const dataPrologWindow = 96

// scanAddressFields walks the track once and returns every address field
// that passes the layout's checks. Damaged fields are skipped, not fatal.
func scanAddressFields(trk []byte, d *NibbleDescr, trackNum int) []sectorMark {
	n := len(trk)
	if n < 32 {
		return nil
	}
	prolog := d.AddrProlog[:]
	if d.Special == NibbleSpecialSkipFirstAddrByte {
		prolog = prolog[1:]
	}

	var out []sectorMark
	for i := 0; i < n; i++ {
		if !matchAt(trk, i, prolog) {
			continue
		}
		p := i + len(prolog)
		vol := decode44(nib(trk, p), nib(trk, p+1))
		t := decode44(nib(trk, p+2), nib(trk, p+3))
		s := decode44(nib(trk, p+4), nib(trk, p+5))
		chk := decode44(nib(trk, p+6), nib(trk, p+7))
		p += 8

		if d.AddrVerifyChecksum && int(d.AddrChecksumSeed)^vol^t^s != chk {
			continue
		}
		if d.AddrVerifyTrack && t != trackNum {
			continue
		}
		if d.AddrEpilogVerifyCount > 0 && !matchAt(trk, p, d.AddrEpilog[:d.AddrEpilogVerifyCount]) {
			continue
		}
		if d.Special == NibbleSpecialMuse && trackNum > 2 {
			if s&1 != 0 {
				continue
			}
			s /= 2
		}
		if s < 0 || s >= d.NumSectors {
			continue
		}

		m := sectorMark{Volume: vol, Track: t, Sector: s, AddrPos: i % n, DataPos: -1}
		for j := 0; j < dataPrologWindow; j++ {
			if matchAt(trk, p+j, d.AddrProlog[1:]) && j > 0 && nib(trk, p+j-1) == d.AddrProlog[0] {
				break // ran into the next address field
			}
			if matchAt(trk, p+j, d.DataProlog[:]) {
				m.DataPos = (p + j + 3) % n
				break
			}
		}
		out = append(out, m)
	}
	return out
}

// FindNibbleSectorStart returns the track offset just past the data prolog
// of the given physical sector, and the volume number in its address field.
func FindNibbleSectorStart(trk []byte, d *NibbleDescr, trackNum, sector int) (int, int, error) {
	for _, m := range scanAddressFields(trk, d, trackNum) {
		if m.Sector == sector && m.DataPos >= 0 {
			return m.DataPos, m.Volume, nil
		}
	}
	return -1, -1, ErrSectorUnreadable
}

// DecodeNibbleSector finds and decodes one physical sector.
func DecodeNibbleSector(trk []byte, d *NibbleDescr, trackNum, sector int) ([]byte, error) {
	pos, _, err := FindNibbleSectorStart(trk, d, trackNum, sector)
	if err != nil {
		return nil, err
	}
	return decodeDataField(trk, pos, d)
}

func decodeDataField(trk []byte, pos int, d *NibbleDescr) ([]byte, error) {
	flen := d.dataFieldLen()
	field := make([]byte, flen)
	for i := range field {
		field[i] = nib(trk, pos+i)
	}

	var data []byte
	var err error
	switch d.Encoding {
	case NibbleEncoding62:
		data, err = DecodeNibble62(field, d.DataChecksumSeed, d.DataVerifyChecksum)
	case NibbleEncoding53:
		data, err = DecodeNibble53(field, d.DataChecksumSeed, d.DataVerifyChecksum)
	default:
		return nil, ErrUnsupportedPhysicalFmt
	}
	if err != nil {
		return nil, err
	}
	if d.DataEpilogVerifyCount > 0 && !matchAt(trk, pos+flen, d.DataEpilog[:d.DataEpilogVerifyCount]) {
		return nil, ErrBadNibbleSectors
	}
	return data, nil
}

// WriteNibbleSector re-encodes one sector in place, leaving the address
// field and the gaps untouched.
func WriteNibbleSector(trk []byte, d *NibbleDescr, trackNum, sector int, data []byte) error {
	pos, _, err := FindNibbleSectorStart(trk, d, trackNum, sector)
	if err != nil {
		return err
	}
	field, err := EncodeNibbleSector(d, data)
	if err != nil {
		return err
	}
	n := len(trk)
	for i, b := range field {
		trk[(pos+i)%n] = b
	}
	for i, b := range d.DataEpilog {
		trk[(pos+len(field)+i)%n] = b
	}
	return nil
}

// EncodeNibbleSector converts 256 bytes to a data field body (no prolog or
// epilog) ending with the checksum nibble.
func EncodeNibbleSector(d *NibbleDescr, data []byte) ([]byte, error) {
	if len(data) < STD_BYTES_PER_SECTOR {
		return nil, ErrInvalidArg
	}
	switch d.Encoding {
	case NibbleEncoding62:
		return EncodeNibble62(data, d.DataChecksumSeed), nil
	case NibbleEncoding53:
		return EncodeNibble53(data, d.DataChecksumSeed), nil
	}
	return nil, ErrUnsupportedPhysicalFmt
}

// EncodeNibble62 is the 6-and-2 encoder: 86 nibbles of packed low bits,
// 256 of high bits, then the checksum.
func EncodeNibble62(data []byte, seed byte) []byte {
	temp := make([]int, 342)
	for i := 0; i < 256; i++ {
		temp[i] = int(data[i] >> 2)
	}
	hi := 0x001
	med := 0x0AB
	low := 0x055

	for i := 0; i < 0x56; i++ {
		value := ((data[hi] & 1) << 5) |
			((data[hi] & 2) << 3) |
			((data[med] & 1) << 3) |
			((data[med] & 2) << 1) |
			((data[low] & 1) << 1) |
			((data[low] & 2) >> 1)
		temp[i+256] = int(value)
		hi = (hi - 1) & 0x0ff
		med = (med - 1) & 0x0ff
		low = (low - 1) & 0x0ff
	}
	// the first two entries have no third byte; bytes 0 and 1 are not repeated
	temp[256] &= 0x0f
	temp[257] &= 0x0f

	out := make([]byte, 0, 343)
	last := int(seed)
	for i := len(temp) - 1; i > 255; i-- {
		out = append(out, NIBBLE_62[(temp[i]^last)&0x3f])
		last = temp[i]
	}
	for i := 0; i < 256; i++ {
		out = append(out, NIBBLE_62[(temp[i]^last)&0x3f])
		last = temp[i]
	}
	// last data byte used as checksum
	out = append(out, NIBBLE_62[last&0x3f])
	return out
}

// DecodeNibble62 reverses EncodeNibble62.
func DecodeNibble62(field []byte, seed byte, verify bool) ([]byte, error) {
	if len(field) < 343 {
		return nil, ErrDataUnderrun
	}
	var temp [342]int
	last := int(seed)
	for k := 0; k < 342; k++ {
		v := nibbleDecode62[field[k]]
		if v == invalidNibble {
			return nil, fmt.Errorf("nibble %02x at %d: %w", field[k], k, ErrInvalidDiskByte)
		}
		val := int(v) ^ last
		if k < 86 {
			temp[341-k] = val
		} else {
			temp[k-86] = val
		}
		last = val
	}
	chk := nibbleDecode62[field[342]]
	if chk == invalidNibble {
		return nil, ErrInvalidDiskByte
	}
	if verify && int(chk) != last {
		return nil, ErrBadChecksum
	}

	out := make([]byte, 256)
	for b := 0; b < 256; b++ {
		var aux, two int
		switch {
		case b <= 0x55:
			aux = temp[256+0x55-b]
			two = ((aux & 1) << 1) | ((aux >> 1) & 1)
		case b <= 0xab:
			aux = temp[256+0xab-b]
			two = ((aux >> 3) & 1) | ((aux >> 1) & 2)
		default:
			aux = temp[256+0x101-b]
			two = ((aux >> 5) & 1) | ((aux >> 3) & 2)
		}
		out[b] = byte(temp[b]<<2 | two)
	}
	return out, nil
}

const chunkSize53 = 0x33

// EncodeNibble53 is the DOS 3.2 5-and-3 encoder: 154 nibbles of low bits,
// 256 of high bits and a checksum.
func EncodeNibble53(data []byte, seed byte) []byte {
	var top [chunkSize53*5 + 1]byte
	var threes [chunkSize53*3 + 1]byte

	chunk := chunkSize53 - 1
	for i := 0; i < chunkSize53*5; i += 5 {
		b1, b2, b3, b4, b5 := data[i], data[i+1], data[i+2], data[i+3], data[i+4]
		top[chunk] = b1 >> 3
		top[chunk+chunkSize53] = b2 >> 3
		top[chunk+chunkSize53*2] = b3 >> 3
		top[chunk+chunkSize53*3] = b4 >> 3
		top[chunk+chunkSize53*4] = b5 >> 3
		threes[chunk] = (b1&0x07)<<2 | (b4&0x04)>>1 | (b5&0x04)>>2
		threes[chunk+chunkSize53] = (b2&0x07)<<2 | (b4 & 0x02) | (b5&0x02)>>1
		threes[chunk+chunkSize53*2] = (b3&0x07)<<2 | (b4&0x01)<<1 | (b5 & 0x01)
		chunk--
	}
	top[255] = data[255] >> 3
	threes[153] = data[255] & 0x07

	out := make([]byte, 0, 411)
	chk := seed
	for i := len(threes) - 1; i >= 0; i-- {
		out = append(out, NIBBLE_53[(threes[i]^chk)&0x1f])
		chk = threes[i]
	}
	for i := 0; i < 256; i++ {
		out = append(out, NIBBLE_53[(top[i]^chk)&0x1f])
		chk = top[i]
	}
	out = append(out, NIBBLE_53[chk&0x1f])
	return out
}

// DecodeNibble53 reverses EncodeNibble53.
func DecodeNibble53(field []byte, seed byte, verify bool) ([]byte, error) {
	if len(field) < 411 {
		return nil, ErrDataUnderrun
	}
	var top [chunkSize53*5 + 1]byte
	var threes [chunkSize53*3 + 1]byte

	chk := seed
	k := 0
	for i := len(threes) - 1; i >= 0; i-- {
		v := nibbleDecode53[field[k]]
		if v == invalidNibble {
			return nil, fmt.Errorf("nibble %02x at %d: %w", field[k], k, ErrInvalidDiskByte)
		}
		threes[i] = v ^ chk
		chk = threes[i]
		k++
	}
	for i := 0; i < 256; i++ {
		v := nibbleDecode53[field[k]]
		if v == invalidNibble {
			return nil, fmt.Errorf("nibble %02x at %d: %w", field[k], k, ErrInvalidDiskByte)
		}
		top[i] = v ^ chk
		chk = top[i]
		k++
	}
	v := nibbleDecode53[field[k]]
	if v == invalidNibble {
		return nil, ErrInvalidDiskByte
	}
	if verify && v != chk {
		return nil, ErrBadChecksum
	}

	out := make([]byte, 256)
	chunk := chunkSize53 - 1
	for i := 0; i < chunkSize53*5; i += 5 {
		t1, t2, t3 := threes[chunk], threes[chunk+chunkSize53], threes[chunk+chunkSize53*2]
		out[i] = top[chunk]<<3 | (t1>>2)&0x07
		out[i+1] = top[chunk+chunkSize53]<<3 | (t2>>2)&0x07
		out[i+2] = top[chunk+chunkSize53*2]<<3 | (t3>>2)&0x07
		out[i+3] = top[chunk+chunkSize53*3]<<3 | (t1&0x02)<<1 | (t2 & 0x02) | (t3&0x02)>>1
		out[i+4] = top[chunk+chunkSize53*4]<<3 | (t1&0x01)<<2 | (t2&0x01)<<1 | (t3 & 0x01)
		chunk--
	}
	out[255] = top[255]<<3 | threes[153]&0x07
	return out, nil
}

// gap sizes used when laying out a fresh track
const (
	nibbleGap1 = 15
	nibbleGap2 = 6
)

// FormatNibbleTrack lays out a complete track: sync gap, address field, gap,
// data field and the remaining gap for every sector. data holds the sectors
// in physical order; nil formats them as zeros.
func FormatNibbleTrack(d *NibbleDescr, volume, trackNum, trackLen int, data []byte) ([]byte, error) {
	ns := d.NumSectors
	if ns <= 0 {
		return nil, ErrInvalidArg
	}
	if data != nil && len(data) < ns*STD_BYTES_PER_SECTOR {
		return nil, ErrInvalidArg
	}

	per := trackLen / ns
	used := nibbleGap1 + 14 + nibbleGap2 + 3 + d.dataFieldLen() + 3
	if used > per {
		return nil, fmt.Errorf("%d nibbles per sector, need %d: %w", per, used, ErrBadRawData)
	}

	zero := make([]byte, STD_BYTES_PER_SECTOR)
	out := make([]byte, 0, trackLen)
	for s := 0; s < ns; s++ {
		out = appendSync(out, nibbleGap1)

		addrSector := s
		if d.Special == NibbleSpecialMuse && trackNum > 2 {
			addrSector = s * 2
		}
		out = append(out, d.AddrProlog[:]...)
		out = append(out, encode44(volume)...)
		out = append(out, encode44(trackNum)...)
		out = append(out, encode44(addrSector)...)
		out = append(out, encode44(int(d.AddrChecksumSeed)^volume^trackNum^addrSector)...)
		out = append(out, d.AddrEpilog[:]...)
		out = appendSync(out, nibbleGap2)

		sec := zero
		if data != nil {
			sec = data[s*STD_BYTES_PER_SECTOR : (s+1)*STD_BYTES_PER_SECTOR]
		}
		field, err := EncodeNibbleSector(d, sec)
		if err != nil {
			return nil, err
		}
		out = append(out, d.DataProlog[:]...)
		out = append(out, field...)
		out = append(out, d.DataEpilog[:]...)
		out = appendSync(out, per-used)
	}
	out = appendSync(out, trackLen-len(out))
	return out, nil
}

func appendSync(out []byte, n int) []byte {
	for i := 0; i < n; i++ {
		out = append(out, 0xff)
	}
	return out
}

// AnalyzeNibbleTrack reports the state of every sector on a track.
func AnalyzeNibbleTrack(trk []byte, d *NibbleDescr, trackNum int) []SectorStatus {
	st := make([]SectorStatus, d.NumSectors)
	for _, m := range scanAddressFields(trk, d, trackNum) {
		if st[m.Sector] == SectorStatusGood {
			continue
		}
		if m.DataPos < 0 {
			if st[m.Sector] == SectorStatusMissing {
				st[m.Sector] = SectorStatusNoDataField
			}
			continue
		}
		_, err := decodeDataField(trk, m.DataPos, d)
		switch {
		case err == nil:
			st[m.Sector] = SectorStatusGood
		case errors.Is(err, ErrBadChecksum):
			st[m.Sector] = SectorStatusBadChecksum
		default:
			st[m.Sector] = SectorStatusBadData
		}
	}
	return st
}

// ScanNibbleDescr picks the standard layout that reads the most sectors on
// a sample of tracks. It returns nil when nothing decodes.
func ScanNibbleDescr(img *DiskImg) (*NibbleDescr, int) {
	tracks := []int{0, 1}
	if img.numTracks > 17 {
		tracks = append(tracks, 17)
	}

	best, bestGood := -1, 0
	for idx := range StdNibbleDescrs[:NibbleDescrCustom] {
		d := &StdNibbleDescrs[idx]
		good := 0
		for _, t := range tracks {
			if err := img.loadNibbleTrack(t); err != nil {
				continue
			}
			for _, s := range AnalyzeNibbleTrack(img.nibbleBuf, d, t) {
				if s == SectorStatusGood {
					good++
				}
			}
		}
		if good > bestGood {
			best, bestGood = idx, good
		}
	}
	if best < 0 {
		return nil, 0
	}

	d := GetStdNibbleDescr(best)
	if err := img.loadNibbleTrack(0); err == nil {
		if marks := scanAddressFields(img.nibbleBuf, d, 0); len(marks) > 0 {
			img.dosVolumeNum = marks[0].Volume
		}
	}
	return d, bestGood
}
