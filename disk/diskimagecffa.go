package disk

import (
	"context"
	"encoding/binary"
	"fmt"
)

// A CFFA card splits a large device into fixed 32MB partitions, each holding
// a ProDOS or HFS volume. There is no partition map.
const (
	CFFA_PARTITION_BLOCKS = 65536
	CFFA_MAX_PARTITIONS   = 8
	CFFA4_MAX_PARTITIONS  = 6
)

// volumeHeaderAt reports whether a ProDOS or HFS volume starts at base.
func volumeHeaderAt(img *DiskImg, base int, order SectorOrder) bool {
	buf, ok := readBlockAt(img, base+PRODOS_VOLDIR_BLOCK, order)
	if !ok {
		return false
	}
	if binary.BigEndian.Uint16(buf[0:]) == HFS_SIGNATURE {
		return true
	}
	return binary.LittleEndian.Uint16(buf[0:]) == 0 &&
		ProDOSStorageType(buf[4]>>4) == StorageType_Volume_Header &&
		buf[4]&0x0f != 0 &&
		int(buf[4+0x1f]) == PRODOS_ENTRY_SIZE
}

func cffaPartitions(numBlocks int) int {
	return (numBlocks + CFFA_PARTITION_BLOCKS - 1) / CFFA_PARTITION_BLOCKS
}

func testCFFA(img *DiskImg, order SectorOrder) FSFormat {
	if !img.hasBlocks || img.hasSectors || img.numBlocks <= CFFA_PARTITION_BLOCKS {
		return FSFormatUnknown
	}
	n := cffaPartitions(img.numBlocks)
	if n > CFFA_MAX_PARTITIONS {
		return FSFormatUnknown
	}
	if !volumeHeaderAt(img, 0, order) || !volumeHeaderAt(img, CFFA_PARTITION_BLOCKS, order) {
		return FSFormatUnknown
	}
	if n > CFFA4_MAX_PARTITIONS {
		return FSFormatCFFA8
	}
	return FSFormatCFFA4
}

type cffaDriver struct {
	img *DiskImg
	fs  *DiskFS
}

func (d *cffaDriver) separator() byte { return ':' }

func (d *cffaDriver) initialize(ctx context.Context, fs *DiskFS, mode InitMode) error {
	d.fs = fs
	fs.volName = "CFFA"
	fs.volID = fmt.Sprintf("CFFA, %d partitions", cffaPartitions(d.img.numBlocks))
	if mode == InitFull {
		fs.usage = NewBlockUsage(d.img.numBlocks)
	}
	return nil
}

// subVolumes lists every partition that has a recognizable volume header;
// the last one may be short.
func (d *cffaDriver) subVolumes() ([]subVolumeSpec, error) {
	var out []subVolumeSpec
	for i := 0; i < cffaPartitions(d.img.numBlocks); i++ {
		base := i * CFFA_PARTITION_BLOCKS
		n := CFFA_PARTITION_BLOCKS
		if base+n > d.img.numBlocks {
			n = d.img.numBlocks - base
		}
		if n <= PRODOS_VOLDIR_BLOCK || !volumeHeaderAt(d.img, base, d.img.order) {
			d.fs.addNote("partition %d has no volume", i+1)
			continue
		}
		out = append(out, subVolumeSpec{
			name:       fmt.Sprintf("Partition %d", i+1),
			firstBlock: base,
			numBlocks:  n,
		})
	}
	return out, nil
}

func (d *cffaDriver) forkMap(f *A2File, rsrc bool) (*forkMap, error) {
	return nil, ErrFileNotFound
}

func (d *cffaDriver) freeSpace() (int, int, error) {
	return 0, BLOCK_SIZE, nil
}

func (d *cffaDriver) normalizeName(name string) string {
	return (&proDOSDriver{img: d.img}).normalizeName(name)
}
