package disk

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// Config is the explicit configuration of an Engine. Nothing in the package
// reads process-wide state; everything an image or filesystem needs comes
// from here.
type Config struct {
	// Fs is where image files are read from and flushed to.
	Fs afero.Fs
	// Logger receives detection and damage reports.
	Logger *slog.Logger
	// AllowWritePhys0 permits writes to block 0 of partitioned images, where
	// the partition map lives.
	AllowWritePhys0 bool
	// ScanForSubVolumes controls whether full filesystem initialization opens
	// embedded volumes (UNIDOS halves, CFFA and Apple partitions).
	ScanForSubVolumes SubVolumeScan
	// OrderPolicy supplies the sector orders tried during analysis.
	OrderPolicy OrderPolicy
	// AllowLowerCase lets ProDOS keep lower case in file names.
	AllowLowerCase bool
	// SparseAllocation leaves all-zero blocks unallocated on write.
	SparseAllocation bool
	// ProgressInterval is the number of blocks or sectors between progress
	// callbacks during long operations.
	ProgressInterval int
}

type SubVolumeScan int

const (
	// SubVolumeScanOff lists containers without opening what is inside.
	SubVolumeScanOff SubVolumeScan = iota
	// SubVolumeScanHeaderOnly opens embedded volumes and reads only their
	// volume headers.
	SubVolumeScanHeaderOnly
	// SubVolumeScanOn fully initializes every embedded filesystem.
	SubVolumeScanOn
)

// OrderPolicy decides which sector orders AnalyzeImage tries, and in what
// sequence, for a sector image whose order is not dictated by its wrapper.
type OrderPolicy interface {
	CandidateOrders(img *DiskImg) []SectorOrder
}

// ExtensionOrderPolicy uses the image file extension as the first guess and
// falls back to the remaining orders.
type ExtensionOrderPolicy struct{}

func (ExtensionOrderPolicy) CandidateOrders(img *DiskImg) []SectorOrder {
	switch img.ext {
	case "po", "hdv", "2mg", "2img", "iso", "raw":
		return []SectorOrder{SectorOrderProDOS, SectorOrderDOS, SectorOrderPhysical, SectorOrderCPM}
	case "do", "dsk", "d13":
		return []SectorOrder{SectorOrderDOS, SectorOrderProDOS, SectorOrderPhysical, SectorOrderCPM}
	case "cpm":
		return []SectorOrder{SectorOrderCPM, SectorOrderDOS, SectorOrderProDOS, SectorOrderPhysical}
	}
	return []SectorOrder{SectorOrderProDOS, SectorOrderDOS, SectorOrderPhysical, SectorOrderCPM}
}

// FixedOrderPolicy always returns the same list.
type FixedOrderPolicy []SectorOrder

func (p FixedOrderPolicy) CandidateOrders(img *DiskImg) []SectorOrder {
	return []SectorOrder(p)
}

type volNode struct {
	img      *DiskImg
	fs       *DiskFS
	parent   int
	children []int
}

// Engine owns every open image and filesystem. Images and filesystems are
// kept in an arena and refer to each other by index, with sub-volumes as
// child nodes of the volume that contains them.
type Engine struct {
	cfg Config

	mu    sync.Mutex
	nodes []*volNode
}

func NewEngine(cfg Config) *Engine {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OrderPolicy == nil {
		cfg.OrderPolicy = ExtensionOrderPolicy{}
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 64
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) register(img *DiskImg, parent int) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := len(e.nodes)
	e.nodes = append(e.nodes, &volNode{img: img, parent: parent})
	if parent >= 0 {
		e.nodes[parent].children = append(e.nodes[parent].children, idx)
	}
	return idx
}

func (e *Engine) node(idx int) *volNode {
	e.mu.Lock()
	defer e.mu.Unlock()
	if idx < 0 || idx >= len(e.nodes) {
		return nil
	}
	return e.nodes[idx]
}

func (e *Engine) attachFS(idx int, fs *DiskFS) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodes[idx].fs = fs
}

func (e *Engine) detachFS(idx int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := e.nodes[idx]; n != nil {
		n.fs = nil
	}
}

// OpenImages lists the top-level images that are still open.
func (e *Engine) OpenImages() []*DiskImg {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*DiskImg
	for _, n := range e.nodes {
		if n != nil && n.parent < 0 {
			out = append(out, n.img)
		}
	}
	return out
}

// closeNode tears a volume down children first: sub-volume filesystems, then
// sub-volume images, then this filesystem and finally this image.
func (e *Engine) closeNode(idx int) error {
	n := e.node(idx)
	if n == nil {
		return nil
	}

	var firstErr error
	for i := len(n.children) - 1; i >= 0; i-- {
		if err := e.closeNode(n.children[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if n.fs != nil {
		if err := n.fs.release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := n.img.release(); err != nil && firstErr == nil {
		firstErr = err
	}

	e.mu.Lock()
	e.nodes[idx] = nil
	if n.parent >= 0 && e.nodes[n.parent] != nil {
		p := e.nodes[n.parent]
		for i, c := range p.children {
			if c == idx {
				p.children = append(p.children[:i], p.children[i+1:]...)
				break
			}
		}
	}
	e.mu.Unlock()

	return firstErr
}

// OpenImage reads an image file, strips its outer and file wrappers and
// returns it unanalyzed.
func (e *Engine) OpenImage(path string, readOnly bool) (*DiskImg, error) {
	data, err := afero.ReadFile(e.cfg.Fs, path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, ErrFileNotFound)
	}

	if !readOnly {
		f, err := e.cfg.Fs.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("open %s for writing: %w", path, ErrAccessDenied)
		}
		f.Close()
	}

	img, err := e.openFromBytes(data, path, filepath.Base(path), readOnly)
	if err != nil {
		return nil, err
	}
	return img, nil
}

// OpenImageFromBuffer wraps an in-memory image. Unless the buffer is
// compressed, writes land in buf itself.
func (e *Engine) OpenImageFromBuffer(buf []byte, name string, readOnly bool) (*DiskImg, error) {
	return e.openFromBytes(buf, "", name, readOnly)
}

// OpenImageFromParent creates an embedded image over a block range of
// parent. The parent stays owned by the caller; it is reference counted
// until the child closes.
func (e *Engine) OpenImageFromParent(parent *DiskImg, firstBlock, numBlocks int) (*DiskImg, error) {
	if parent == nil || parent.closed {
		return nil, fmt.Errorf("open embedded volume: %w", ErrNotReady)
	}
	if !parent.hasBlocks {
		return nil, fmt.Errorf("open embedded volume: %w", ErrUnsupportedAccess)
	}
	if firstBlock < 0 || numBlocks <= 0 || firstBlock+numBlocks > parent.numBlocks {
		return nil, fmt.Errorf("embedded volume %d+%d of %d blocks: %w",
			firstBlock, numBlocks, parent.numBlocks, ErrInvalidBlock)
	}

	name := fmt.Sprintf("%s@%d", parent.name, firstBlock)
	img := newDiskImg(e, name, "")
	img.parent = parent
	img.readOnly = parent.readOnly
	img.raw = &parentStore{parent: parent, firstBlock: firstBlock, numBlocks: numBlocks}
	img.outer = OuterFormatNone
	img.fileFmt = FileFormatUnadorned
	img.dataOff = 0
	img.dataLen = int64(numBlocks) * BLOCK_SIZE
	img.ext = "po"

	if err := img.setSectorGeometry(img.dataLen); err != nil {
		return nil, err
	}
	// a block view is always in ProDOS order
	img.order = SectorOrderProDOS
	img.orderFixed = true

	parent.refs++
	img.node = e.register(img, parent.node)
	img.log.Debug("opened embedded volume", "first_block", firstBlock, "blocks", numBlocks)
	return img, nil
}

func (e *Engine) openFromBytes(data []byte, path, name string, readOnly bool) (*DiskImg, error) {
	img := newDiskImg(e, name, path)
	img.readOnly = readOnly

	raw, outer, innerName, err := stripOuter(data, name)
	if err != nil {
		return nil, err
	}
	img.outer = outer
	if outer == OuterFormatBzip2 {
		img.readOnly = true
	}
	img.innerName = innerName
	img.ext = imageExt(innerName)
	img.raw = &memStore{buf: raw}

	if err := img.identifyFileFormat(); err != nil {
		return nil, err
	}

	img.node = e.register(img, -1)
	img.log.Debug("opened image",
		"outer", img.outer.String(),
		"file_format", img.fileFmt.String(),
		"physical", img.physical.String(),
		"bytes", img.dataLen)
	return img, nil
}

func imageExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	return strings.TrimPrefix(ext, ".")
}
