package disk

import (
	"bytes"
	"fmt"
)

const SIM2E_HEADER_SIZE = 32

var MAGIC_SIM2E = []byte("SIMSYSTEM_HDV")

func isSim2eHDV(data []byte) bool {
	return len(data) > SIM2E_HEADER_SIZE && bytes.HasPrefix(data, MAGIC_SIM2E)
}

// Sim //e hard drive images are a short signature followed by ProDOS
// blocks. There is nothing in the header that changes.
func (img *DiskImg) openSim2eHDV(data []byte) error {
	n := len(data) - SIM2E_HEADER_SIZE
	if n%BLOCK_SIZE != 0 {
		return fmt.Errorf("Sim //e HDV data of %d bytes: %w", n, ErrOddLength)
	}
	img.fileFmt = FileFormatSim2eHDV
	img.dataOff = SIM2E_HEADER_SIZE
	img.dataLen = int64(n)

	img.physical = PhysicalFormatSectors
	img.hasBlocks = true
	img.numBlocks = n / BLOCK_SIZE
	img.order = SectorOrderProDOS
	img.orderFixed = true
	return nil
}

func newSim2eHeader() []byte {
	h := make([]byte, SIM2E_HEADER_SIZE)
	copy(h, MAGIC_SIM2E)
	h[len(MAGIC_SIM2E)] = 0x01
	return h
}
