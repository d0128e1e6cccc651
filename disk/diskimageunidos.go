package disk

import (
	"context"
	"encoding/binary"
)

// UNIDOS and similar patches put two 400K DOS volumes of 50 tracks by 32
// sectors on one 800K disk.
const UNIDOS_HALF_BLOCKS = PRODOS_400KB_BLOCKS

// unidosVTOCOk checks the VTOC of the 400K half starting at firstBlock. The
// halves are plain block runs, so their 32-sector tracks need no skewing.
func unidosVTOCOk(img *DiskImg, firstBlock int, order SectorOrder) bool {
	off := DOS_VTOC_TRACK * UNIDOS_SECTORS_PER_TRACK * STD_BYTES_PER_SECTOR
	buf, ok := readBlockAt(img, firstBlock+off/BLOCK_SIZE, order)
	if !ok {
		return false
	}
	vtoc := buf[off%BLOCK_SIZE:]
	return int(vtoc[0x34]) == UNIDOS_TRACKS &&
		int(vtoc[0x35]) == UNIDOS_SECTORS_PER_TRACK &&
		binary.LittleEndian.Uint16(vtoc[0x36:]) == STD_BYTES_PER_SECTOR &&
		vtoc[1] != 0 && int(vtoc[1]) < UNIDOS_TRACKS
}

func testUNIDOS(img *DiskImg, order SectorOrder) bool {
	if !img.hasBlocks || img.numBlocks != 2*UNIDOS_HALF_BLOCKS {
		return false
	}
	return unidosVTOCOk(img, 0, order) && unidosVTOCOk(img, UNIDOS_HALF_BLOCKS, order)
}

type unidosDriver struct {
	img *DiskImg
	fs  *DiskFS
}

func (d *unidosDriver) separator() byte { return ':' }

func (d *unidosDriver) initialize(ctx context.Context, fs *DiskFS, mode InitMode) error {
	d.fs = fs
	fs.volName = "UNIDOS"
	fs.volID = "UNIDOS (2 x 400K DOS)"
	if mode == InitFull {
		fs.usage = NewBlockUsage(d.img.numBlocks)
	}
	return nil
}

func (d *unidosDriver) subVolumes() ([]subVolumeSpec, error) {
	return []subVolumeSpec{
		{name: "DOS 1", firstBlock: 0, numBlocks: UNIDOS_HALF_BLOCKS, fsHint: FSFormatDOS33},
		{name: "DOS 2", firstBlock: UNIDOS_HALF_BLOCKS, numBlocks: UNIDOS_HALF_BLOCKS, fsHint: FSFormatDOS33},
	}, nil
}

func (d *unidosDriver) forkMap(f *A2File, rsrc bool) (*forkMap, error) {
	return nil, ErrFileNotFound
}

func (d *unidosDriver) freeSpace() (int, int, error) {
	return 0, BLOCK_SIZE, nil
}

func (d *unidosDriver) normalizeName(name string) string {
	return (&dosDriver{}).normalizeName(name)
}
