package disk

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"
)

const (
	HFS_MDB_BLOCK      = 2
	HFS_SIGNATURE      = 0x4244 // "BD"
	HFS_ROOT_CNID      = 2
	HFS_EXTENTS_CNID   = 3
	HFS_CATALOG_CNID   = 4
	HFS_MAX_NAME       = 31
	HFS_MAX_DIR_DEPTH  = 64
	HFS_NODE_LEAF      = 0xff
	hfsRecDir          = 1
	hfsRecFile         = 2
	hfsForkData        = 0x00
	hfsForkRsrc        = 0xff
	hfsExtentsPerRec   = 3
	hfsExtentRecLength = 12
)

// macRomanDecode turns Mac OS Roman bytes into a Go string.
func macRomanDecode(b []byte) string {
	out, err := charmap.Macintosh.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

// hfsTime converts seconds since 1904 in local time.
func hfsTime(v uint32) time.Time {
	if v == 0 {
		return time.Time{}
	}
	base := time.Date(1904, time.January, 1, 0, 0, 0, 0, time.Local)
	return base.Add(time.Duration(v) * time.Second)
}

// HFSMDB is the master directory block.
type HFSMDB struct {
	Data []byte
}

func (m *HFSMDB) Signature() uint16           { return binary.BigEndian.Uint16(m.Data[0x00:]) }
func (m *HFSMDB) CreateTime() time.Time       { return hfsTime(binary.BigEndian.Uint32(m.Data[0x02:])) }
func (m *HFSMDB) ModTime() time.Time          { return hfsTime(binary.BigEndian.Uint32(m.Data[0x06:])) }
func (m *HFSMDB) NumFiles() int               { return int(binary.BigEndian.Uint16(m.Data[0x0c:])) }
func (m *HFSMDB) BitmapStart() int            { return int(binary.BigEndian.Uint16(m.Data[0x0e:])) }
func (m *HFSMDB) NumAllocBlocks() int         { return int(binary.BigEndian.Uint16(m.Data[0x12:])) }
func (m *HFSMDB) AllocBlockSize() int         { return int(binary.BigEndian.Uint32(m.Data[0x14:])) }
func (m *HFSMDB) FirstAllocBlock() int        { return int(binary.BigEndian.Uint16(m.Data[0x1c:])) }
func (m *HFSMDB) FreeAllocBlocks() int        { return int(binary.BigEndian.Uint16(m.Data[0x22:])) }
func (m *HFSMDB) ExtentsFileSize() int64      { return int64(binary.BigEndian.Uint32(m.Data[0x82:])) }
func (m *HFSMDB) CatalogFileSize() int64      { return int64(binary.BigEndian.Uint32(m.Data[0x92:])) }
func (m *HFSMDB) ExtentsExtents() []hfsExtent { return parseHFSExtents(m.Data[0x86:]) }
func (m *HFSMDB) CatalogExtents() []hfsExtent { return parseHFSExtents(m.Data[0x96:]) }

func (m *HFSMDB) VolumeName() string {
	n := int(m.Data[0x24])
	if n > 27 {
		n = 27
	}
	return macRomanDecode(m.Data[0x25 : 0x25+n])
}

type hfsExtent struct {
	start, count int
}

func parseHFSExtents(b []byte) []hfsExtent {
	var out []hfsExtent
	for i := 0; i < hfsExtentsPerRec; i++ {
		e := hfsExtent{
			start: int(binary.BigEndian.Uint16(b[i*4:])),
			count: int(binary.BigEndian.Uint16(b[i*4+2:])),
		}
		if e.count == 0 {
			break
		}
		out = append(out, e)
	}
	return out
}

func testHFS(img *DiskImg, order SectorOrder) bool {
	if !img.hasBlocks {
		return false
	}
	buf, ok := readBlockAt(img, HFS_MDB_BLOCK, order)
	if !ok {
		return false
	}
	m := &HFSMDB{Data: buf}
	if m.Signature() != HFS_SIGNATURE {
		return false
	}
	abs := m.AllocBlockSize()
	if abs == 0 || abs%BLOCK_SIZE != 0 || m.NumAllocBlocks() == 0 {
		return false
	}
	end := m.FirstAllocBlock() + m.NumAllocBlocks()*(abs/BLOCK_SIZE)
	return end <= img.numBlocks && len(m.CatalogExtents()) > 0
}

// hfsEntry is what the driver keeps for each catalog record.
type hfsEntry struct {
	parentID uint32
	cnid     uint32
	name     string
	isDir    bool
	locked   bool
	osType   uint32
	creator  uint32
	dataLen  int64
	dataPhys int64
	rsrcLen  int64
	rsrcPhys int64
	dataExt  []hfsExtent
	rsrcExt  []hfsExtent
	created  time.Time
	modified time.Time
}

type hfsDriver struct {
	img *DiskImg
	fs  *DiskFS

	mdb      HFSMDB
	perAB    int
	overflow map[uint32][]hfsOverflow
}

// hfsOverflow is one extents-overflow record: three more extents of a
// fork, starting at allocation block fabn within it.
type hfsOverflow struct {
	fork byte
	fabn int
	ext  []hfsExtent
}

func (d *hfsDriver) separator() byte { return ':' }

func (d *hfsDriver) initialize(ctx context.Context, fs *DiskFS, mode InitMode) error {
	d.fs = fs
	buf := make([]byte, BLOCK_SIZE)
	if err := d.img.ReadBlock(HFS_MDB_BLOCK, buf); err != nil {
		return err
	}
	d.mdb = HFSMDB{Data: buf}
	if d.mdb.Signature() != HFS_SIGNATURE {
		return fmt.Errorf("no HFS master directory block: %w", ErrBadDiskImage)
	}
	d.perAB = d.mdb.AllocBlockSize() / BLOCK_SIZE
	fs.volName = d.mdb.VolumeName()
	fs.volID = fmt.Sprintf("HFS %s", fs.volName)
	if mode == InitHeaderOnly {
		return nil
	}

	fs.usage = NewBlockUsage(d.img.numBlocks)
	for b := 0; b < HFS_MDB_BLOCK; b++ {
		fs.usage.MarkUsed(b, PurposeSystem)
	}
	fs.usage.MarkUsed(HFS_MDB_BLOCK, PurposeVolumeDir)
	bitmapBlocks := (d.mdb.NumAllocBlocks() + BLOCK_SIZE*8 - 1) / (BLOCK_SIZE * 8)
	for b := d.mdb.BitmapStart(); b < d.mdb.BitmapStart()+bitmapBlocks; b++ {
		fs.usage.MarkUsed(b, PurposeSystem)
	}
	if last := d.img.numBlocks - 2; last > HFS_MDB_BLOCK {
		// alternate MDB
		fs.usage.MarkUsed(last, PurposeSystem)
	}

	d.overflow = make(map[uint32][]hfsOverflow)
	xt, err := d.readSpecialFile(d.mdb.ExtentsExtents(), d.mdb.ExtentsFileSize(), PurposeFileStruct)
	if err != nil {
		fs.setDamaged("extents file: %v", err)
	} else if len(xt) > 0 {
		if err := d.loadOverflow(xt); err != nil {
			fs.setDamaged("extents file: %v", err)
		}
	}

	cat, err := d.readSpecialFile(d.mdb.CatalogExtents(), d.mdb.CatalogFileSize(), PurposeVolumeDir)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	entries, err := d.readCatalog(ctx, cat)
	if err != nil {
		return err
	}

	children := make(map[uint32][]*hfsEntry)
	for _, e := range entries {
		children[e.parentID] = append(children[e.parentID], e)
	}
	visited := map[uint32]bool{HFS_ROOT_CNID: true}
	if err := d.addDir(nil, HFS_ROOT_CNID, children, visited, 0); err != nil {
		fs.setDamaged("%v", err)
		return err
	}

	d.loadBitmap()
	return nil
}

// readSpecialFile reads one of the B-tree files through the extents held
// in the MDB and claims its blocks.
func (d *hfsDriver) readSpecialFile(ext []hfsExtent, size int64, purpose ChunkPurpose) ([]byte, error) {
	refs, err := d.extentBlocks(ext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(refs)*BLOCK_SIZE)
	buf := make([]byte, BLOCK_SIZE)
	for _, r := range refs {
		d.fs.usage.MarkUsed(r.Block, purpose)
		if err := d.img.ReadBlock(r.Block, buf); err != nil {
			return nil, err
		}
		out = append(out, buf...)
	}
	if int64(len(out)) > size {
		out = out[:size]
	}
	return out, nil
}

func (d *hfsDriver) extentBlocks(ext []hfsExtent) ([]StorageRef, error) {
	var refs []StorageRef
	for _, e := range ext {
		for ab := e.start; ab < e.start+e.count; ab++ {
			if ab >= d.mdb.NumAllocBlocks() {
				return refs, fmt.Errorf("allocation block %d: %w", ab, ErrBadFile)
			}
			first := d.mdb.FirstAllocBlock() + ab*d.perAB
			for k := 0; k < d.perAB; k++ {
				refs = append(refs, StorageRef{ByBlock: true, Block: first + k})
			}
		}
	}
	return refs, nil
}

// btreeLeaves walks the leaf chain of a B-tree file and calls fn with each
// record's key and data.
func btreeLeaves(tree []byte, fn func(key, rec []byte) error) error {
	if len(tree) < BLOCK_SIZE {
		return fmt.Errorf("B-tree of %d bytes: %w", len(tree), ErrBadDirectory)
	}
	nodeSize := int(binary.BigEndian.Uint16(tree[32:]))
	if nodeSize < BLOCK_SIZE || nodeSize%BLOCK_SIZE != 0 {
		return fmt.Errorf("B-tree node size %d: %w", nodeSize, ErrBadDirectory)
	}
	numNodes := len(tree) / nodeSize
	next := int(binary.BigEndian.Uint32(tree[24:]))
	seen := make(map[int]bool)
	for next != 0 {
		if next >= numNodes {
			return fmt.Errorf("B-tree node %d: %w", next, ErrBadDirectory)
		}
		if seen[next] {
			return fmt.Errorf("B-tree leaf %d revisited: %w", next, ErrDirectoryLoop)
		}
		seen[next] = true
		node := tree[next*nodeSize : (next+1)*nodeSize]
		if node[8] != HFS_NODE_LEAF {
			return fmt.Errorf("B-tree node %d is not a leaf: %w", next, ErrBadDirectory)
		}
		nrecs := int(binary.BigEndian.Uint16(node[10:]))
		for i := 0; i < nrecs; i++ {
			off := int(binary.BigEndian.Uint16(node[nodeSize-2*(i+1):]))
			end := int(binary.BigEndian.Uint16(node[nodeSize-2*(i+2):]))
			if off < 14 || end > nodeSize-2*(nrecs+1) || end <= off {
				return fmt.Errorf("B-tree node %d record %d: %w", next, i, ErrBadDirectory)
			}
			rec := node[off:end]
			keyLen := int(rec[0])
			dataOff := (keyLen + 2) &^ 1
			if dataOff >= len(rec) {
				return fmt.Errorf("B-tree node %d record %d: %w", next, i, ErrBadDirectory)
			}
			if err := fn(rec[:keyLen+1], rec[dataOff:]); err != nil {
				return err
			}
		}
		next = int(binary.BigEndian.Uint32(node[0:]))
	}
	return nil
}

func (d *hfsDriver) loadOverflow(tree []byte) error {
	return btreeLeaves(tree, func(key, rec []byte) error {
		if len(key) < 8 || len(rec) < hfsExtentRecLength {
			return nil
		}
		fnum := binary.BigEndian.Uint32(key[2:])
		d.overflow[fnum] = append(d.overflow[fnum], hfsOverflow{
			fork: key[1],
			fabn: int(binary.BigEndian.Uint16(key[6:])),
			ext:  parseHFSExtents(rec),
		})
		return nil
	})
}

func (d *hfsDriver) readCatalog(ctx context.Context, cat []byte) ([]*hfsEntry, error) {
	var entries []*hfsEntry
	n := 0
	err := btreeLeaves(cat, func(key, rec []byte) error {
		n++
		if err := d.fs.scanTick(ctx, int64(n), int64(d.mdb.NumFiles())); err != nil {
			return err
		}
		if len(key) < 7 {
			return nil
		}
		parent := binary.BigEndian.Uint32(key[2:])
		nameLen := int(key[6])
		if 7+nameLen > len(key) {
			nameLen = len(key) - 7
		}
		name := macRomanDecode(key[7 : 7+nameLen])

		switch rec[0] {
		case hfsRecDir:
			if len(rec) < 18 {
				return nil
			}
			entries = append(entries, &hfsEntry{
				parentID: parent,
				cnid:     binary.BigEndian.Uint32(rec[6:]),
				name:     name,
				isDir:    true,
				created:  hfsTime(binary.BigEndian.Uint32(rec[10:])),
				modified: hfsTime(binary.BigEndian.Uint32(rec[14:])),
			})
		case hfsRecFile:
			if len(rec) < 98 {
				return nil
			}
			entries = append(entries, &hfsEntry{
				parentID: parent,
				cnid:     binary.BigEndian.Uint32(rec[20:]),
				name:     name,
				locked:   rec[2]&0x01 != 0,
				osType:   binary.BigEndian.Uint32(rec[4:]),
				creator:  binary.BigEndian.Uint32(rec[8:]),
				dataLen:  int64(binary.BigEndian.Uint32(rec[26:])),
				dataPhys: int64(binary.BigEndian.Uint32(rec[30:])),
				rsrcLen:  int64(binary.BigEndian.Uint32(rec[36:])),
				rsrcPhys: int64(binary.BigEndian.Uint32(rec[40:])),
				created:  hfsTime(binary.BigEndian.Uint32(rec[44:])),
				modified: hfsTime(binary.BigEndian.Uint32(rec[48:])),
				dataExt:  parseHFSExtents(rec[74:]),
				rsrcExt:  parseHFSExtents(rec[86:]),
			})
		}
		return nil
	})
	return entries, err
}

func (d *hfsDriver) addDir(dir *A2File, cnid uint32, children map[uint32][]*hfsEntry, visited map[uint32]bool, depth int) error {
	if depth > HFS_MAX_DIR_DEPTH {
		return fmt.Errorf("directories nested deeper than %d: %w", HFS_MAX_DIR_DEPTH, ErrDirectoryLoop)
	}
	for _, e := range children[cnid] {
		f := &A2File{
			parent:     dir,
			name:       e.name,
			path:       e.name,
			isDir:      e.isDir,
			access:     uint32(AccessType_Default),
			createWhen: e.created,
			modWhen:    e.modified,
			drv:        e,
		}
		if dir != nil {
			f.path = dir.path + ":" + e.name
		}
		if e.locked {
			f.access = uint32(AccessType_Readable)
		}
		f.fileType, f.auxType = hfsToProDOSType(e.osType, e.creator)
		if e.isDir {
			f.fileType = uint32(FileType_PD_Directory)
		}
		d.fs.addFile(f)

		if e.isDir {
			if visited[e.cnid] {
				return fmt.Errorf("%s: folder %d revisited: %w", f.path, e.cnid, ErrDirectoryLoop)
			}
			visited[e.cnid] = true
			if err := d.addDir(f, e.cnid, children, visited, depth+1); err != nil {
				return err
			}
			continue
		}

		f.dataLen, f.rsrcLen = e.dataLen, e.rsrcLen
		f.dataSparse, f.rsrcSparse = e.dataPhys, e.rsrcPhys
		f.hasRsrc = true
		d.claimFork(f, e, hfsForkData, e.dataPhys)
		d.claimFork(f, e, hfsForkRsrc, e.rsrcPhys)
	}
	return nil
}

func (d *hfsDriver) claimFork(f *A2File, e *hfsEntry, fork byte, phys int64) {
	refs, err := d.forkRefs(e, fork)
	if err != nil {
		f.setQuality(QualityDamaged)
		d.fs.addNote("%s: %v", f.path, err)
	}
	if int64(len(refs))*BLOCK_SIZE < phys {
		f.setQuality(QualitySuspicious)
		d.fs.addNote("%s: extents cover %d of %d bytes", f.path, len(refs)*BLOCK_SIZE, phys)
	}
	for _, r := range refs {
		if conflict, err := d.fs.usage.MarkUsed(r.Block, PurposeUserData); err == nil && conflict {
			f.setQuality(QualitySuspicious)
		}
	}
}

// forkRefs lists a fork's blocks: the three extents in the catalog record
// followed by any overflow records in allocation block order.
func (d *hfsDriver) forkRefs(e *hfsEntry, fork byte) ([]StorageRef, error) {
	ext := e.dataExt
	if fork == hfsForkRsrc {
		ext = e.rsrcExt
	}
	var more []hfsOverflow
	for _, o := range d.overflow[e.cnid] {
		if o.fork == fork {
			more = append(more, o)
		}
	}
	sort.Slice(more, func(i, j int) bool { return more[i].fabn < more[j].fabn })
	all := append([]hfsExtent(nil), ext...)
	for _, o := range more {
		all = append(all, o.ext...)
	}
	return d.extentBlocks(all)
}

func (d *hfsDriver) loadBitmap() {
	buf := make([]byte, BLOCK_SIZE)
	cur := -1
	for ab := 0; ab < d.mdb.NumAllocBlocks(); ab++ {
		blk := d.mdb.BitmapStart() + ab/(BLOCK_SIZE*8)
		if blk != cur {
			if err := d.img.ReadBlock(blk, buf); err != nil {
				d.fs.setDamaged("volume bitmap block %d: %v", blk, err)
				return
			}
			cur = blk
		}
		bit := ab % (BLOCK_SIZE * 8)
		used := buf[bit/8]&(0x80>>uint(bit%8)) != 0
		first := d.mdb.FirstAllocBlock() + ab*d.perAB
		for k := 0; k < d.perAB; k++ {
			d.fs.usage.SetMarkedUsed(first+k, used)
		}
	}
	// blocks ahead of the first allocation block are always in use
	for b := 0; b < d.mdb.FirstAllocBlock() && b < d.img.numBlocks; b++ {
		cs, _ := d.fs.usage.GetChunkState(b)
		if cs.Used {
			d.fs.usage.SetMarkedUsed(b, true)
		}
	}
	if last := d.img.numBlocks - 2; last > HFS_MDB_BLOCK {
		d.fs.usage.SetMarkedUsed(last, true)
	}
}

// hfsToProDOSType recovers ProDOS types stored with creator 'pdos', maps
// plain text, and otherwise reports the Mac type and creator as is.
func hfsToProDOSType(osType, creator uint32) (uint32, uint32) {
	const pdos = 0x70646f73
	const text = 0x54455854
	switch {
	case creator == pdos && osType>>24 == 'p':
		return (osType >> 16) & 0xff, osType & 0xffff
	case osType == text:
		return uint32(FileType_PD_TXT), 0
	}
	return osType, creator
}

func (d *hfsDriver) forkMap(f *A2File, rsrc bool) (*forkMap, error) {
	e, ok := f.drv.(*hfsEntry)
	if !ok || e.isDir {
		return &forkMap{unit: BLOCK_SIZE, read: blockChunkReader(d.img)}, nil
	}
	fork, length := byte(hfsForkData), e.dataLen
	if rsrc {
		fork, length = hfsForkRsrc, e.rsrcLen
	}
	refs, err := d.forkRefs(e, fork)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.path, err)
	}
	if int64(len(refs))*BLOCK_SIZE < length {
		length = int64(len(refs)) * BLOCK_SIZE
	}
	return &forkMap{
		refs:   refs,
		unit:   BLOCK_SIZE,
		length: length,
		read:   blockChunkReader(d.img),
	}, nil
}

func (d *hfsDriver) freeSpace() (int, int, error) {
	return d.mdb.FreeAllocBlocks(), d.mdb.AllocBlockSize(), nil
}

func (d *hfsDriver) normalizeName(name string) string {
	name = strings.ReplaceAll(name, ":", ".")
	if r := []rune(name); len(r) > HFS_MAX_NAME {
		name = string(r[:HFS_MAX_NAME])
	}
	if name == "" {
		return "A"
	}
	return name
}
