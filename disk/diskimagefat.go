package disk

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

const (
	FAT_DIR_ENTRY_LEN = 32
	FAT12_MAX_CLUSTER = 4085
	FAT_ATTR_RDONLY   = 0x01
	FAT_ATTR_HIDDEN   = 0x02
	FAT_ATTR_SYSTEM   = 0x04
	FAT_ATTR_VOLUME   = 0x08
	FAT_ATTR_DIR      = 0x10
	FAT_ATTR_LFN      = 0x0f
	FAT_DELETED       = 0xe5
	FAT_MAX_DIR_DEPTH = 32
)

// FATBootSector holds the BIOS parameter block from block 0.
type FATBootSector struct {
	Data []byte
}

func (b *FATBootSector) BytesPerSector() int    { return int(binary.LittleEndian.Uint16(b.Data[0x0b:])) }
func (b *FATBootSector) SectorsPerCluster() int { return int(b.Data[0x0d]) }
func (b *FATBootSector) ReservedSectors() int   { return int(binary.LittleEndian.Uint16(b.Data[0x0e:])) }
func (b *FATBootSector) NumFATs() int           { return int(b.Data[0x10]) }
func (b *FATBootSector) RootEntries() int       { return int(binary.LittleEndian.Uint16(b.Data[0x11:])) }
func (b *FATBootSector) SectorsPerFAT() int     { return int(binary.LittleEndian.Uint16(b.Data[0x16:])) }

func (b *FATBootSector) TotalSectors() int {
	if n := binary.LittleEndian.Uint16(b.Data[0x13:]); n != 0 {
		return int(n)
	}
	return int(binary.LittleEndian.Uint32(b.Data[0x20:]))
}

// VolumeLabel comes from the extended boot record when there is one.
func (b *FATBootSector) VolumeLabel() string {
	if b.Data[0x26] != 0x29 {
		return ""
	}
	return strings.TrimRight(string(b.Data[0x2b:0x36]), " ")
}

// fatGeometry is everything derived from the boot sector, in 512-byte
// blocks.
type fatGeometry struct {
	fatStart     int
	fatBlocks    int
	numFATs      int
	rootStart    int
	rootBlocks   int
	dataStart    int
	perCluster   int
	numClusters  int
	totalSectors int
	fat16        bool
}

func fatGeometryOf(bs *FATBootSector, numBlocks int) (fatGeometry, bool) {
	var g fatGeometry
	if bs.Data[510] != 0x55 || bs.Data[511] != 0xaa {
		return g, false
	}
	if bs.BytesPerSector() != BLOCK_SIZE {
		return g, false
	}
	spc := bs.SectorsPerCluster()
	if spc == 0 || spc&(spc-1) != 0 {
		return g, false
	}
	if bs.NumFATs() == 0 || bs.NumFATs() > 2 || bs.ReservedSectors() == 0 || bs.SectorsPerFAT() == 0 {
		return g, false
	}
	if bs.RootEntries() == 0 || bs.RootEntries()%(BLOCK_SIZE/FAT_DIR_ENTRY_LEN) != 0 {
		return g, false
	}
	g.totalSectors = bs.TotalSectors()
	if g.totalSectors == 0 || g.totalSectors > numBlocks {
		return g, false
	}
	g.fatStart = bs.ReservedSectors()
	g.fatBlocks = bs.SectorsPerFAT()
	g.numFATs = bs.NumFATs()
	g.rootStart = g.fatStart + g.numFATs*g.fatBlocks
	g.rootBlocks = bs.RootEntries() * FAT_DIR_ENTRY_LEN / BLOCK_SIZE
	g.dataStart = g.rootStart + g.rootBlocks
	g.perCluster = spc
	if g.dataStart >= g.totalSectors {
		return g, false
	}
	g.numClusters = (g.totalSectors - g.dataStart) / spc
	g.fat16 = g.numClusters >= FAT12_MAX_CLUSTER
	return g, true
}

func testFAT(img *DiskImg, order SectorOrder) bool {
	if !img.hasBlocks {
		return false
	}
	buf, ok := readBlockAt(img, 0, order)
	if !ok {
		return false
	}
	_, ok = fatGeometryOf(&FATBootSector{Data: buf}, img.numBlocks)
	return ok
}

// fatTime unpacks the DOS date and time words.
func fatTime(date, tm uint16) time.Time {
	if date == 0 {
		return time.Time{}
	}
	return time.Date(1980+int(date>>9), time.Month((date>>5)&0x0f), int(date&0x1f),
		int(tm>>11), int((tm>>5)&0x3f), int(tm&0x1f)*2, 0, time.Local)
}

// fatEntry is a parsed 32-byte directory entry.
type fatEntry struct {
	name    string
	attr    byte
	cluster int
	size    int64
	mod     time.Time
}

func parseFATEntry(b []byte) fatEntry {
	base := strings.TrimRight(string(b[0:8]), " ")
	if b[0] == 0x05 {
		base = "\xe5" + base[1:]
	}
	ext := strings.TrimRight(string(b[8:11]), " ")
	name := base
	if ext != "" {
		name += "." + ext
	}
	return fatEntry{
		name:    name,
		attr:    b[11],
		cluster: int(binary.LittleEndian.Uint16(b[0x1a:])),
		size:    int64(binary.LittleEndian.Uint32(b[0x1c:])),
		mod:     fatTime(binary.LittleEndian.Uint16(b[0x18:]), binary.LittleEndian.Uint16(b[0x16:])),
	}
}

type fatDriver struct {
	img *DiskImg
	fs  *DiskFS

	geo fatGeometry
	fat []byte
}

func (d *fatDriver) separator() byte { return '\\' }

func (d *fatDriver) initialize(ctx context.Context, fs *DiskFS, mode InitMode) error {
	d.fs = fs
	buf := make([]byte, BLOCK_SIZE)
	if err := d.img.ReadBlock(0, buf); err != nil {
		return err
	}
	bs := &FATBootSector{Data: buf}
	geo, ok := fatGeometryOf(bs, d.img.numBlocks)
	if !ok {
		return fmt.Errorf("boot sector: %w", ErrBadDiskImage)
	}
	d.geo = geo

	d.fat = make([]byte, geo.fatBlocks*BLOCK_SIZE)
	if err := d.img.ReadBlocks(geo.fatStart, geo.fatBlocks, d.fat); err != nil {
		return err
	}
	root := make([]byte, geo.rootBlocks*BLOCK_SIZE)
	if err := d.img.ReadBlocks(geo.rootStart, geo.rootBlocks, root); err != nil {
		return err
	}

	fs.volName = bs.VolumeLabel()
	for i := 0; i+FAT_DIR_ENTRY_LEN <= len(root); i += FAT_DIR_ENTRY_LEN {
		if root[i] == 0 {
			break
		}
		if e := parseFATEntry(root[i:]); root[i] != FAT_DELETED && e.attr&FAT_ATTR_VOLUME != 0 && e.attr != FAT_ATTR_LFN {
			fs.volName = strings.TrimRight(string(root[i:i+11]), " ")
			break
		}
	}
	if fs.volName == "" {
		fs.volName = "NO NAME"
	}
	bits := "FAT12"
	if geo.fat16 {
		bits = "FAT16"
	}
	fs.volID = fmt.Sprintf("MS-DOS %s %s", bits, fs.volName)
	if mode == InitHeaderOnly {
		return nil
	}

	fs.usage = NewBlockUsage(geo.totalSectors)
	for b := 0; b < geo.rootStart; b++ {
		fs.usage.MarkUsed(b, PurposeSystem)
	}
	for b := geo.rootStart; b < geo.dataStart; b++ {
		fs.usage.MarkUsed(b, PurposeVolumeDir)
	}

	visited := make(map[int]bool)
	if err := d.scanDir(ctx, nil, root, visited, 0); err != nil {
		if ErrorCode(err) == ErrDirectoryLoop {
			fs.setDamaged("%v", err)
		}
		return err
	}

	for c := 2; c < geo.numClusters+2; c++ {
		v := d.next(c)
		for _, b := range d.clusterBlocks(c) {
			fs.usage.SetMarkedUsed(b, v != 0)
			if d.isBad(v) {
				cs, _ := fs.usage.GetChunkState(b)
				cs.Damaged = true
				fs.usage.SetChunkState(b, cs)
			}
		}
	}
	for b := 0; b < geo.dataStart; b++ {
		fs.usage.SetMarkedUsed(b, true)
	}
	return nil
}

// next reads a cluster's FAT entry.
func (d *fatDriver) next(c int) int {
	if d.geo.fat16 {
		if 2*c+1 >= len(d.fat) {
			return 0
		}
		return int(binary.LittleEndian.Uint16(d.fat[2*c:]))
	}
	off := c + c/2
	if off+1 >= len(d.fat) {
		return 0
	}
	v := int(binary.LittleEndian.Uint16(d.fat[off:]))
	if c&1 != 0 {
		return v >> 4
	}
	return v & 0xfff
}

func (d *fatDriver) isEnd(v int) bool {
	if d.geo.fat16 {
		return v >= 0xfff8
	}
	return v >= 0xff8
}

func (d *fatDriver) isBad(v int) bool {
	if d.geo.fat16 {
		return v == 0xfff7
	}
	return v == 0xff7
}

func (d *fatDriver) clusterBlocks(c int) []int {
	first := d.geo.dataStart + (c-2)*d.geo.perCluster
	out := make([]int, d.geo.perCluster)
	for i := range out {
		out[i] = first + i
	}
	return out
}

// chain follows a cluster chain, failing on loops and out of range links.
func (d *fatDriver) chain(first int) ([]int, error) {
	var out []int
	seen := make(map[int]bool)
	for c := first; c != 0 && !d.isEnd(c); c = d.next(c) {
		if c < 2 || c >= d.geo.numClusters+2 {
			return out, fmt.Errorf("cluster %d: %w", c, ErrBadFile)
		}
		if seen[c] {
			return out, fmt.Errorf("cluster %d revisited: %w", c, ErrFileLoop)
		}
		seen[c] = true
		out = append(out, c)
	}
	return out, nil
}

func (d *fatDriver) readChain(clusters []int) ([]byte, error) {
	out := make([]byte, 0, len(clusters)*d.geo.perCluster*BLOCK_SIZE)
	buf := make([]byte, BLOCK_SIZE)
	for _, c := range clusters {
		for _, b := range d.clusterBlocks(c) {
			if err := d.img.ReadBlock(b, buf); err != nil {
				return nil, err
			}
			out = append(out, buf...)
		}
	}
	return out, nil
}

func (d *fatDriver) scanDir(ctx context.Context, dir *A2File, data []byte, visited map[int]bool, depth int) error {
	if depth > FAT_MAX_DIR_DEPTH {
		return fmt.Errorf("directories nested deeper than %d: %w", FAT_MAX_DIR_DEPTH, ErrDirectoryLoop)
	}
	fs := d.fs
	for i := 0; i+FAT_DIR_ENTRY_LEN <= len(data); i += FAT_DIR_ENTRY_LEN {
		if err := fs.scanTick(ctx, int64(i), int64(len(data))); err != nil {
			return err
		}
		raw := data[i : i+FAT_DIR_ENTRY_LEN]
		if raw[0] == 0 {
			break
		}
		e := parseFATEntry(raw)
		if raw[0] == FAT_DELETED || e.attr == FAT_ATTR_LFN || e.attr&FAT_ATTR_VOLUME != 0 || raw[0] == '.' {
			continue
		}

		f := &A2File{
			parent:  dir,
			name:    e.name,
			path:    e.name,
			isDir:   e.attr&FAT_ATTR_DIR != 0,
			access:  uint32(AccessType_Default),
			modWhen: e.mod,
			drv:     e,
		}
		if dir != nil {
			f.path = dir.path + "\\" + e.name
		}
		if e.attr&FAT_ATTR_RDONLY != 0 {
			f.access = uint32(AccessType_Readable)
		}
		if e.attr&(FAT_ATTR_HIDDEN|FAT_ATTR_SYSTEM) != 0 {
			f.access |= uint32(AccessType_Invisible)
		}
		if f.isDir {
			f.fileType = uint32(FileType_PD_Directory)
		}
		fs.addFile(f)

		clusters, err := d.chain(e.cluster)
		if err != nil {
			f.setQuality(QualityDamaged)
			fs.setDamaged("%s: %v", f.path, err)
		}
		purpose := PurposeUserData
		if f.isDir {
			purpose = PurposeSubdir
		}
		for _, c := range clusters {
			for _, b := range d.clusterBlocks(c) {
				if conflict, _ := fs.usage.MarkUsed(b, purpose); conflict {
					f.setQuality(QualitySuspicious)
				}
			}
		}
		f.dataSparse = int64(len(clusters) * d.geo.perCluster * BLOCK_SIZE)

		if !f.isDir {
			f.dataLen = e.size
			if f.dataLen > f.dataSparse {
				f.setQuality(QualityDamaged)
				f.dataLen = f.dataSparse
			}
			continue
		}
		if len(clusters) == 0 || visited[clusters[0]] {
			if len(clusters) > 0 {
				return fmt.Errorf("%s: %w", f.path, ErrDirectoryLoop)
			}
			continue
		}
		visited[clusters[0]] = true
		sub, err := d.readChain(clusters)
		if err != nil {
			f.setQuality(QualityDamaged)
			fs.setDamaged("%s: %v", f.path, err)
			continue
		}
		if err := d.scanDir(ctx, f, sub, visited, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (d *fatDriver) forkMap(f *A2File, rsrc bool) (*forkMap, error) {
	if rsrc {
		return nil, ErrForkNotFound
	}
	e := f.drv.(fatEntry)
	clusters, err := d.chain(e.cluster)
	if err != nil && !f.isDir {
		return nil, fmt.Errorf("%s: %w", f.path, err)
	}
	var refs []StorageRef
	for _, c := range clusters {
		for _, b := range d.clusterBlocks(c) {
			refs = append(refs, StorageRef{ByBlock: true, Block: b})
		}
	}
	return &forkMap{
		refs:   refs,
		unit:   BLOCK_SIZE,
		length: f.dataLen,
		read:   blockChunkReader(d.img),
	}, nil
}

func (d *fatDriver) freeSpace() (int, int, error) {
	free := 0
	for c := 2; c < d.geo.numClusters+2; c++ {
		if d.next(c) == 0 {
			free++
		}
	}
	return free, d.geo.perCluster * BLOCK_SIZE, nil
}

// normalizeName makes an upper-case 8.3 name.
func (d *fatDriver) normalizeName(name string) string {
	clean := func(s string, n int) string {
		out := make([]byte, 0, n)
		for i := 0; i < len(s) && len(out) < n; i++ {
			c := s[i]
			if c >= 'a' && c <= 'z' {
				c -= 'a' - 'A'
			}
			if c <= 0x20 || c >= 0x7f || strings.IndexByte("\"*+,./:;<=>?[\\]|", c) >= 0 {
				c = '_'
			}
			out = append(out, c)
		}
		return string(out)
	}
	base, ext := name, ""
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		base, ext = name[:i], name[i+1:]
	}
	base = clean(base, 8)
	if base == "" {
		base = "_"
	}
	if ext = clean(ext, 3); ext != "" {
		return base + "." + ext
	}
	return base
}
