package disk

import "fmt"

// 3.5" disks use zoned recording: the outer cylinders hold more sectors.
const (
	CYLINDERS_35        = 80
	CYLINDERS_PER_ZONE  = 16
	SECTOR_TAG_SIZE_35  = 12
	SECTOR_SIZE_35      = SECTOR_TAG_SIZE_35 + BLOCK_SIZE
	chunkSize35         = 175
	NIBBLE_SECTOR_LEN35 = chunkSize35*4 - 1
)

// SectorsPerTrack35 returns the sector count of a cylinder: 12 on the
// outermost zone down to 8 on the innermost.
func SectorsPerTrack35(cyl int) int {
	if cyl < 0 || cyl >= CYLINDERS_35 {
		return 0
	}
	return 12 - cyl/CYLINDERS_PER_ZONE
}

// BlockFromCHS35 maps cylinder, head and sector to a linear block number
// on a disk with the given number of sides.
func BlockFromCHS35(cyl, head, sector, sides int) (int, error) {
	if sides != 1 && sides != 2 {
		return -1, ErrInvalidArg
	}
	if cyl < 0 || cyl >= CYLINDERS_35 {
		return -1, fmt.Errorf("cylinder %d: %w", cyl, ErrInvalidTrack)
	}
	spt := SectorsPerTrack35(cyl)
	if head < 0 || head >= sides || sector < 0 || sector >= spt {
		return -1, fmt.Errorf("head %d sector %d: %w", head, sector, ErrInvalidSector)
	}
	block := 0
	for c := 0; c < cyl; c++ {
		block += SectorsPerTrack35(c) * sides
	}
	return block + head*spt + sector, nil
}

// EncodeGCR35 converts a 524-byte sector (12 tag bytes then 512 data) into
// 699 disk nibbles followed by 4 checksum nibbles.
func EncodeGCR35(buf []byte) ([]byte, error) {
	if len(buf) < SECTOR_SIZE_35 {
		return nil, ErrInvalidArg
	}
	var part0, part1, part2 [chunkSize35]byte
	var chk0, chk1, chk2 uint

	for i := 0; ; i++ {
		chk0 = (chk0 & 0xff) << 1
		if chk0&0x100 != 0 {
			chk0++
		}

		val := uint(buf[i*3])
		chk2 += val
		if chk0&0x100 != 0 {
			chk2++
			chk0 &= 0xff
		}
		part0[i] = byte(val ^ chk0)

		val = uint(buf[i*3+1])
		chk1 += val
		if chk2 > 0xff {
			chk1++
			chk2 &= 0xff
		}
		part1[i] = byte(val ^ chk2)

		if i*3+2 == SECTOR_SIZE_35 {
			break
		}

		val = uint(buf[i*3+2])
		chk0 += val
		if chk1 > 0xff {
			chk0++
			chk1 &= 0xff
		}
		part2[i] = byte(val ^ chk1)
	}

	out := make([]byte, 0, NIBBLE_SECTOR_LEN35+4)
	for i := 0; i < chunkSize35; i++ {
		twos := (part0[i]&0xc0)>>2 | (part1[i]&0xc0)>>4 | (part2[i]&0xc0)>>6
		out = append(out, NIBBLE_62[twos], NIBBLE_62[part0[i]&0x3f], NIBBLE_62[part1[i]&0x3f])
		if i != chunkSize35-1 {
			out = append(out, NIBBLE_62[part2[i]&0x3f])
		}
	}

	twos := byte((chk0&0xc0)>>6 | (chk1&0xc0)>>4 | (chk2&0xc0)>>2)
	out = append(out, NIBBLE_62[twos], NIBBLE_62[chk2&0x3f], NIBBLE_62[chk1&0x3f], NIBBLE_62[chk0&0x3f])
	return out, nil
}

// DecodeGCR35 reverses EncodeGCR35 and verifies the trailing checksum.
func DecodeGCR35(nibs []byte) ([]byte, error) {
	if len(nibs) < NIBBLE_SECTOR_LEN35+4 {
		return nil, ErrDataUnderrun
	}
	val62 := func(k int) (byte, error) {
		v := nibbleDecode62[nibs[k]]
		if v == invalidNibble {
			return 0, fmt.Errorf("nibble %02x at %d: %w", nibs[k], k, ErrInvalidDiskByte)
		}
		return v, nil
	}

	var part0, part1, part2 [chunkSize35]byte
	k := 0
	for i := 0; i < chunkSize35; i++ {
		n := 4
		if i == chunkSize35-1 {
			n = 3
		}
		var v [4]byte
		for j := 0; j < n; j++ {
			b, err := val62(k)
			if err != nil {
				return nil, err
			}
			v[j] = b
			k++
		}
		twos := v[0]
		part0[i] = v[1] | (twos<<2)&0xc0
		part1[i] = v[2] | (twos<<4)&0xc0
		part2[i] = v[3] | (twos<<6)&0xc0
	}

	out := make([]byte, SECTOR_SIZE_35)
	var chk0, chk1, chk2 uint
	for i := 0; ; i++ {
		chk0 = (chk0 & 0xff) << 1
		if chk0&0x100 != 0 {
			chk0++
		}
		val := uint(part0[i]) ^ (chk0 & 0xff)
		chk2 += val
		if chk0&0x100 != 0 {
			chk2++
			chk0 &= 0xff
		}
		out[i*3] = byte(val)

		carry := chk2 > 0xff
		chk2 &= 0xff
		val = uint(part1[i]) ^ chk2
		chk1 += val
		if carry {
			chk1++
		}
		out[i*3+1] = byte(val)

		if i*3+2 == SECTOR_SIZE_35 {
			break
		}

		carry = chk1 > 0xff
		chk1 &= 0xff
		val = uint(part2[i]) ^ chk1
		chk0 += val
		if carry {
			chk0++
		}
		out[i*3+2] = byte(val)
	}

	var c [4]byte
	for j := range c {
		b, err := val62(k)
		if err != nil {
			return nil, err
		}
		c[j] = b
		k++
	}
	want0 := c[3] | (c[0]<<6)&0xc0
	want1 := c[2] | (c[0]<<4)&0xc0
	want2 := c[1] | (c[0]<<2)&0xc0
	if want0 != byte(chk0) || want1 != byte(chk1) || want2 != byte(chk2) {
		return nil, ErrBadChecksum
	}
	return out, nil
}
