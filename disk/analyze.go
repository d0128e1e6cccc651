package disk

import (
	"encoding/binary"
)

// fsProbe examines an image as though it were stored in order and reports
// the filesystem it found there with a confidence score. Zero means no.
type fsProbe struct {
	name string
	test func(img *DiskImg, order SectorOrder) (FSFormat, int)
}

// Probes run in this sequence and the first that matches wins, so
// containers come before the filesystems their first partition would
// otherwise pass for.
var fsProbes = []fsProbe{
	{"macpart", probeMacPart},
	{"cffa", probeCFFA},
	{"unidos", probeUNIDOS},
	{"prodos", probeProDOS},
	{"dos", probeDOS},
	{"hfs", probeHFS},
	{"pascal", probePascal},
	{"rdos", probeRDOS},
	{"cpm", probeCPM},
	{"fat", probeFAT},
}

// analyzeFilesystem tries each probe against every candidate order. Within
// one probe the best scoring order is kept; ties go to the earlier order.
func analyzeFilesystem(img *DiskImg, orders []SectorOrder) (FSFormat, SectorOrder) {
	for _, p := range fsProbes {
		bestFmt, bestOrder, bestScore := FSFormatUnknown, SectorOrderUnknown, 0
		for _, order := range orders {
			f, score := p.test(img, order)
			img.log.Debug("probe", "fs", p.name, "order", order.String(), "score", score)
			if score > bestScore {
				bestFmt, bestOrder, bestScore = f, order, score
			}
		}
		if bestScore > 0 {
			return bestFmt, bestOrder
		}
	}
	return FSFormatUnknown, SectorOrderUnknown
}

func probeProDOS(img *DiskImg, order SectorOrder) (FSFormat, int) {
	if !testProDOS(img, order) {
		return FSFormatUnknown, 0
	}
	score := 1
	// the second volume directory block points back at the first
	buf := make([]byte, BLOCK_SIZE)
	if img.ReadBlockSwapped(PRODOS_VOLDIR_BLOCK+1, buf, order, SectorOrderProDOS) == nil &&
		binary.LittleEndian.Uint16(buf[0:]) == PRODOS_VOLDIR_BLOCK {
		score++
	}
	return FSFormatProDOS, score
}

func probeDOS(img *DiskImg, order SectorOrder) (FSFormat, int) {
	score := testDOS(img, order)
	if score == 0 {
		return FSFormatUnknown, 0
	}
	if img.numSectPerTrack == STD_SECTORS_PER_TRACK_OLD {
		return FSFormatDOS32, score
	}
	return FSFormatDOS33, score
}

func probeHFS(img *DiskImg, order SectorOrder) (FSFormat, int) {
	if testHFS(img, order) {
		return FSFormatMacHFS, 1
	}
	return FSFormatUnknown, 0
}

func probePascal(img *DiskImg, order SectorOrder) (FSFormat, int) {
	if testPascal(img, order) {
		return FSFormatPascal, 1
	}
	return FSFormatUnknown, 0
}

func probeRDOS(img *DiskImg, order SectorOrder) (FSFormat, int) {
	f := testRDOS(img, order)
	if f == FSFormatUnknown {
		return f, 0
	}
	return f, 1
}

func probeCPM(img *DiskImg, order SectorOrder) (FSFormat, int) {
	score := testCPM(img, order)
	if score == 0 {
		return FSFormatUnknown, 0
	}
	return FSFormatCPM, score
}

func probeFAT(img *DiskImg, order SectorOrder) (FSFormat, int) {
	if testFAT(img, order) {
		return FSFormatMSDOS, 1
	}
	return FSFormatUnknown, 0
}

func probeMacPart(img *DiskImg, order SectorOrder) (FSFormat, int) {
	if testMacPart(img, order) {
		return FSFormatMacPart, 1
	}
	return FSFormatUnknown, 0
}

func probeCFFA(img *DiskImg, order SectorOrder) (FSFormat, int) {
	f := testCFFA(img, order)
	if f == FSFormatUnknown {
		return f, 0
	}
	return f, 1
}

func probeUNIDOS(img *DiskImg, order SectorOrder) (FSFormat, int) {
	if testUNIDOS(img, order) {
		return FSFormatUNIDOS, 1
	}
	return FSFormatUnknown, 0
}

// readBlockAt reads a block with the image seen in order, for use by probes.
func readBlockAt(img *DiskImg, block int, order SectorOrder) ([]byte, bool) {
	buf := make([]byte, BLOCK_SIZE)
	if err := img.ReadBlockSwapped(block, buf, order, SectorOrderProDOS); err != nil {
		return nil, false
	}
	return buf, true
}
