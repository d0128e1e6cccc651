package disk

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	MACPART_DDR_SIG = 0x4552 // "ER"
	MACPART_MAP_SIG = 0x504d // "PM"
	MACPART_MAX_MAP = 256
)

// MacPartEntry is one partition map block.
type MacPartEntry struct {
	Data []byte
}

func (p *MacPartEntry) Signature() uint16 { return binary.BigEndian.Uint16(p.Data[0x00:]) }
func (p *MacPartEntry) MapBlocks() int    { return int(binary.BigEndian.Uint32(p.Data[0x04:])) }
func (p *MacPartEntry) Start() int        { return int(binary.BigEndian.Uint32(p.Data[0x08:])) }
func (p *MacPartEntry) Length() int       { return int(binary.BigEndian.Uint32(p.Data[0x0c:])) }
func (p *MacPartEntry) Name() string      { return cString(p.Data[0x10:0x30]) }
func (p *MacPartEntry) Type() string      { return cString(p.Data[0x30:0x50]) }

func cString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// hint maps the partition type to the filesystem expected inside, and
// reports false for partitions that hold no volume.
func (p *MacPartEntry) hint() (FSFormat, bool) {
	t := p.Type()
	switch {
	case t == "Apple_HFS":
		return FSFormatMacHFS, true
	case t == "Apple_PRODOS":
		return FSFormatProDOS, true
	case t == "Apple_partition_map", t == "Apple_Free", t == "Apple_Void", t == "Apple_Scratch",
		strings.HasPrefix(t, "Apple_Driver"), t == "Apple_Patches":
		return FSFormatUnknown, false
	}
	return FSFormatUnknown, true
}

func testMacPart(img *DiskImg, order SectorOrder) bool {
	if !img.hasBlocks || img.numBlocks < 4 {
		return false
	}
	ddr, ok := readBlockAt(img, 0, order)
	if !ok || binary.BigEndian.Uint16(ddr[0:]) != MACPART_DDR_SIG {
		return false
	}
	if binary.BigEndian.Uint16(ddr[2:]) != BLOCK_SIZE {
		return false
	}
	pm, ok := readBlockAt(img, 1, order)
	if !ok {
		return false
	}
	e := &MacPartEntry{Data: pm}
	return e.Signature() == MACPART_MAP_SIG && e.MapBlocks() > 0 && e.MapBlocks() <= MACPART_MAX_MAP
}

type macPartDriver struct {
	img *DiskImg
	fs  *DiskFS
}

func (d *macPartDriver) separator() byte { return ':' }

func (d *macPartDriver) initialize(ctx context.Context, fs *DiskFS, mode InitMode) error {
	d.fs = fs
	fs.volName = "Partitioned"
	fs.volID = fmt.Sprintf("Macintosh partitioned disk (%d blocks)", d.img.numBlocks)
	if mode == InitFull {
		fs.usage = NewBlockUsage(d.img.numBlocks)
		fs.usage.MarkUsed(0, PurposeSystem)
	}
	return nil
}

func (d *macPartDriver) subVolumes() ([]subVolumeSpec, error) {
	buf := make([]byte, BLOCK_SIZE)
	if err := d.img.ReadBlock(1, buf); err != nil {
		return nil, err
	}
	count := (&MacPartEntry{Data: buf}).MapBlocks()
	if count > MACPART_MAX_MAP || count+1 > d.img.numBlocks {
		return nil, fmt.Errorf("partition map of %d entries: %w", count, ErrBadPartition)
	}

	var out []subVolumeSpec
	for i := 1; i <= count; i++ {
		if err := d.img.ReadBlock(i, buf); err != nil {
			return out, err
		}
		e := &MacPartEntry{Data: buf}
		if e.Signature() != MACPART_MAP_SIG {
			return out, fmt.Errorf("partition map entry %d: %w", i, ErrBadPartition)
		}
		if d.fs.usage != nil {
			d.fs.usage.MarkUsed(i, PurposeSystem)
		}
		fsHint, holdsVolume := e.hint()
		if !holdsVolume {
			continue
		}
		if e.Start() <= 0 || e.Length() <= 0 || e.Start()+e.Length() > d.img.numBlocks {
			d.fs.addNote("partition %q at %d+%d lies outside the disk", e.Name(), e.Start(), e.Length())
			continue
		}
		out = append(out, subVolumeSpec{
			name:       e.Name(),
			firstBlock: e.Start(),
			numBlocks:  e.Length(),
			fsHint:     fsHint,
		})
	}
	return out, nil
}

func (d *macPartDriver) forkMap(f *A2File, rsrc bool) (*forkMap, error) {
	return nil, ErrFileNotFound
}

func (d *macPartDriver) freeSpace() (int, int, error) {
	return 0, BLOCK_SIZE, nil
}

func (d *macPartDriver) normalizeName(name string) string {
	return (&hfsDriver{}).normalizeName(name)
}
