package disk

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Apple II CP/M on a 140K floppy: three reserved tracks, 1K allocation
// blocks, and a 64-entry directory in the first two of them.
const (
	CPM_RESERVED_TRACKS = 3
	CPM_ALLOC_SIZE      = 1024
	CPM_DIR_ENTRY_LEN   = 32
	CPM_DIR_ENTRIES     = 64
	CPM_DIR_BLOCKS      = 2
	CPM_RECORD_SIZE     = 128
	CPM_EXTENT_SIZE     = 16 * CPM_ALLOC_SIZE
	CPM_EMPTY           = 0xe5
	CPM_MAX_USER        = 15
)

const cpmBlocksPerAlloc = CPM_ALLOC_SIZE / BLOCK_SIZE

// CPMDirEntry is one 32-byte directory entry, which describes one extent
// of a file.
type CPMDirEntry struct {
	Data []byte
}

func (e *CPMDirEntry) User() int      { return int(e.Data[0]) }
func (e *CPMDirEntry) IsEmpty() bool  { return e.Data[0] == CPM_EMPTY }
func (e *CPMDirEntry) ReadOnly() bool { return e.Data[9]&0x80 != 0 }
func (e *CPMDirEntry) System() bool   { return e.Data[10]&0x80 != 0 }
func (e *CPMDirEntry) Records() int   { return int(e.Data[15]) }

// Extent is the logical extent number, spread over the EX and S2 bytes.
func (e *CPMDirEntry) Extent() int {
	return int(e.Data[12]&0x1f) + int(e.Data[14]&0x3f)*32
}

func (e *CPMDirEntry) Name() string {
	name := strings.TrimRight(cpmChars(e.Data[1:9]), " ")
	ext := strings.TrimRight(cpmChars(e.Data[9:12]), " ")
	if ext == "" {
		return name
	}
	return name + "." + ext
}

func (e *CPMDirEntry) Blocks() []int {
	var out []int
	for _, b := range e.Data[16:32] {
		if b == 0 {
			break
		}
		out = append(out, int(b))
	}
	return out
}

func cpmChars(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = c & 0x7f
	}
	return string(out)
}

func (e *CPMDirEntry) valid(numAlloc int) bool {
	if e.IsEmpty() {
		return true
	}
	if e.User() > CPM_MAX_USER || e.Records() > 0x80 {
		return false
	}
	for _, c := range e.Data[1:12] {
		c &= 0x7f
		if c < 0x20 || c == 0x7f {
			return false
		}
	}
	for _, b := range e.Data[16:32] {
		if int(b) >= numAlloc {
			return false
		}
	}
	return true
}

func cpmNumAlloc(img *DiskImg) int {
	return (img.numTracks - CPM_RESERVED_TRACKS) * img.numSectPerTrack * STD_BYTES_PER_SECTOR / CPM_ALLOC_SIZE
}

func cpmFirstBlock() int {
	return CPM_RESERVED_TRACKS * PRODOS_BLOCKS_PER_TRACK
}

func readCPMDir(img *DiskImg, order SectorOrder) ([]byte, error) {
	dir := make([]byte, CPM_DIR_BLOCKS*CPM_ALLOC_SIZE)
	for i := 0; i < CPM_DIR_BLOCKS*cpmBlocksPerAlloc; i++ {
		if err := img.ReadBlockSwapped(cpmFirstBlock()+i, dir[i*BLOCK_SIZE:], order, SectorOrderCPM); err != nil {
			return nil, err
		}
	}
	return dir, nil
}

// testCPM scores a directory: zero when any entry is impossible, otherwise
// one more than the number of entries in use.
func testCPM(img *DiskImg, order SectorOrder) int {
	if !img.hasSectors || img.numSectPerTrack != STD_SECTORS_PER_TRACK || img.numTracks != STD_TRACKS_PER_DISK {
		return 0
	}
	dir, err := readCPMDir(img, order)
	if err != nil {
		return 0
	}
	numAlloc := cpmNumAlloc(img)
	score := 1
	for i := 0; i < CPM_DIR_ENTRIES; i++ {
		e := &CPMDirEntry{Data: dir[i*CPM_DIR_ENTRY_LEN : (i+1)*CPM_DIR_ENTRY_LEN]}
		if !e.valid(numAlloc) {
			return 0
		}
		if !e.IsEmpty() {
			score++
		}
	}
	return score
}

// cpmFile gathers the extents of one file.
type cpmFile struct {
	user    int
	extents []*CPMDirEntry
}

type cpmDriver struct {
	img *DiskImg
	fs  *DiskFS

	numAlloc int
}

func (d *cpmDriver) separator() byte { return ':' }

func (d *cpmDriver) initialize(ctx context.Context, fs *DiskFS, mode InitMode) error {
	d.fs = fs
	d.numAlloc = cpmNumAlloc(d.img)
	fs.volName = "CP/M"
	fs.volID = "CP/M Disk"
	if mode == InitHeaderOnly {
		return nil
	}

	dir, err := readCPMDir(d.img, d.img.order)
	if err != nil {
		return err
	}

	fs.usage = NewBlockUsage(d.img.numBlocks)
	for b := 0; b < cpmFirstBlock(); b++ {
		fs.usage.MarkUsed(b, PurposeSystem)
	}
	for b := cpmFirstBlock(); b < cpmFirstBlock()+CPM_DIR_BLOCKS*cpmBlocksPerAlloc; b++ {
		fs.usage.MarkUsed(b, PurposeVolumeDir)
	}

	byKey := make(map[string]*cpmFile)
	var order []string
	for i := 0; i < CPM_DIR_ENTRIES; i++ {
		e := &CPMDirEntry{Data: dir[i*CPM_DIR_ENTRY_LEN : (i+1)*CPM_DIR_ENTRY_LEN]}
		if e.IsEmpty() {
			continue
		}
		if !e.valid(d.numAlloc) {
			fs.setDamaged("directory entry %d is invalid", i)
			continue
		}
		key := fmt.Sprintf("%d:%s", e.User(), e.Name())
		cf, ok := byKey[key]
		if !ok {
			cf = &cpmFile{user: e.User()}
			byKey[key] = cf
			order = append(order, key)
		}
		cf.extents = append(cf.extents, e)
	}

	for n, key := range order {
		if err := fs.scanTick(ctx, int64(n), int64(len(order))); err != nil {
			return err
		}
		cf := byKey[key]
		sort.Slice(cf.extents, func(i, j int) bool { return cf.extents[i].Extent() < cf.extents[j].Extent() })
		first := cf.extents[0]
		f := &A2File{
			name:   first.Name(),
			path:   first.Name(),
			access: uint32(AccessType_Default),
			drv:    cf,
		}
		if first.ReadOnly() {
			f.access = uint32(AccessType_Readable)
		}
		if first.System() {
			f.access |= uint32(AccessType_Invisible)
		}
		if cf.user != 0 {
			f.path = fmt.Sprintf("%s,U%d", f.name, cf.user)
		}
		fs.addFile(f)

		last := cf.extents[len(cf.extents)-1]
		f.dataLen = int64(last.Extent())*CPM_EXTENT_SIZE + int64(last.Records())*CPM_RECORD_SIZE
		nblocks := 0
		for _, e := range cf.extents {
			for _, ab := range e.Blocks() {
				nblocks++
				for k := 0; k < cpmBlocksPerAlloc; k++ {
					if conflict, _ := fs.usage.MarkUsed(d.allocToBlock(ab)+k, PurposeUserData); conflict {
						f.setQuality(QualitySuspicious)
					}
				}
			}
		}
		f.dataSparse = int64(nblocks) * CPM_ALLOC_SIZE
		if f.dataLen > f.dataSparse {
			f.setQuality(QualitySuspicious)
			f.dataLen = f.dataSparse
		}
	}

	for b := 0; b < d.img.numBlocks; b++ {
		cs, _ := fs.usage.GetChunkState(b)
		fs.usage.SetMarkedUsed(b, cs.Used)
	}
	return nil
}

func (d *cpmDriver) allocToBlock(ab int) int {
	return cpmFirstBlock() + ab*cpmBlocksPerAlloc
}

func (d *cpmDriver) forkMap(f *A2File, rsrc bool) (*forkMap, error) {
	if rsrc {
		return nil, ErrForkNotFound
	}
	cf := f.drv.(*cpmFile)
	var refs []StorageRef
	for _, e := range cf.extents {
		for _, ab := range e.Blocks() {
			for k := 0; k < cpmBlocksPerAlloc; k++ {
				refs = append(refs, StorageRef{ByBlock: true, Block: d.allocToBlock(ab) + k})
			}
		}
	}
	img := d.img
	return &forkMap{
		refs:   refs,
		unit:   BLOCK_SIZE,
		length: f.dataLen,
		read: func(ref StorageRef, buf []byte) error {
			return img.ReadBlockSwapped(ref.Block, buf, img.order, SectorOrderCPM)
		},
	}, nil
}

func (d *cpmDriver) freeSpace() (int, int, error) {
	return d.fs.usage.GetActualFreeChunks() / cpmBlocksPerAlloc, CPM_ALLOC_SIZE, nil
}

// normalizeName makes an 8.3 upper-case name.
func (d *cpmDriver) normalizeName(name string) string {
	clean := func(s string, n int) string {
		out := make([]byte, 0, n)
		for i := 0; i < len(s) && len(out) < n; i++ {
			c := s[i]
			if c >= 'a' && c <= 'z' {
				c -= 'a' - 'A'
			}
			if c <= 0x20 || c >= 0x7f || strings.IndexByte("<>.,;:=?*[]", c) >= 0 {
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
		base = "A"
	}
	if ext = clean(ext, 3); ext != "" {
		return base + "." + ext
	}
	return base
}
