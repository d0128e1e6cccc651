package disk

import (
	"context"
	"fmt"
	"io"
	"time"
)

type FileQuality int

const (
	QualityGood FileQuality = iota
	QualitySuspicious
	QualityDamaged
)

func (q FileQuality) String() string {
	switch q {
	case QualitySuspicious:
		return "suspicious"
	case QualityDamaged:
		return "damaged"
	}
	return "good"
}

// A2File is one file or directory entry. Types and access use the ProDOS
// conventions whatever the filesystem.
type A2File struct {
	fs     *DiskFS
	parent *A2File

	name     string
	path     string
	fileType uint32
	auxType  uint32
	access   uint32

	createWhen time.Time
	modWhen    time.Time

	dataLen    int64
	dataSparse int64
	rsrcLen    int64
	rsrcSparse int64
	hasRsrc    bool

	isDir    bool
	isVolDir bool
	quality  FileQuality
	deleted  bool

	openCount int
	openRW    bool

	// driver-specific entry data
	drv interface{}
}

func (f *A2File) GetDiskFS() *DiskFS         { return f.fs }
func (f *A2File) GetParent() *A2File         { return f.parent }
func (f *A2File) GetFileName() string        { return f.name }
func (f *A2File) GetPathName() string        { return f.path }
func (f *A2File) GetFileType() uint32        { return f.fileType }
func (f *A2File) GetAuxType() uint32         { return f.auxType }
func (f *A2File) GetAccess() uint32          { return f.access }
func (f *A2File) GetCreateWhen() time.Time   { return f.createWhen }
func (f *A2File) GetModWhen() time.Time      { return f.modWhen }
func (f *A2File) GetDataLength() int64       { return f.dataLen }
func (f *A2File) GetDataSparseLength() int64 { return f.dataSparse }
func (f *A2File) GetRsrcLength() int64       { return f.rsrcLen }
func (f *A2File) GetRsrcSparseLength() int64 { return f.rsrcSparse }
func (f *A2File) HasRsrcFork() bool          { return f.hasRsrc }
func (f *A2File) GetQuality() FileQuality    { return f.quality }
func (f *A2File) IsDirectory() bool          { return f.isDir }
func (f *A2File) IsVolumeDirectory() bool    { return f.isVolDir }
func (f *A2File) IsFileOpen() bool           { return f.openCount > 0 }

func (f *A2File) GetFSSeparator() byte {
	if f.fs == nil {
		return ':'
	}
	return f.fs.drv.separator()
}

// GetFileTypeString returns the three letter ProDOS type abbreviation.
func (f *A2File) GetFileTypeString() string {
	if f.fileType > 0xff {
		return fmt.Sprintf("$%04X", f.fileType)
	}
	return ProDOSFileType(f.fileType).Ext()
}

func (f *A2File) String() string {
	return fmt.Sprintf("%s (%s $%04X, %d bytes)", f.path, f.GetFileTypeString(), f.auxType, f.dataLen)
}

// isInside reports whether f lives somewhere below dir.
func (f *A2File) isInside(dir *A2File) bool {
	for p := f.parent; p != nil; p = p.parent {
		if p == dir {
			return true
		}
	}
	return false
}

// setQuality only ever lowers the quality.
func (f *A2File) setQuality(q FileQuality) {
	if q > f.quality {
		f.quality = q
	}
}

// StorageRef locates one chunk of a file, by block or by track and sector.
// Sparse chunks have no storage and read as zeros.
type StorageRef struct {
	ByBlock bool
	Block   int
	Track   int
	Sector  int
	Sparse  bool
}

func (r StorageRef) String() string {
	switch {
	case r.Sparse:
		return "sparse"
	case r.ByBlock:
		return fmt.Sprintf("block %d", r.Block)
	}
	return fmt.Sprintf("T%d S%d", r.Track, r.Sector)
}

// forkMap is a driver's answer to "where is this fork". unit is the size
// of each chunk; skip bytes at the front are headers that are not part of
// the fork.
type forkMap struct {
	refs   []StorageRef
	unit   int
	skip   int64
	length int64
	read   func(ref StorageRef, buf []byte) error
}

// A2FileDescr is an open fork. Writes are collected and handed to the
// driver as a whole when the descriptor closes.
type A2FileDescr struct {
	file     *A2File
	rsrc     bool
	readOnly bool
	ctx      context.Context
	progress ProgressFunc

	fm       *forkMap
	pos      int64
	cache    []byte
	cacheIdx int

	wbuf   []byte
	dirty  bool
	closed bool
}

// Open returns a handle on the data or resource fork. Any number of
// read-only handles may be open; a read-write handle must be the only one.
// ctx cancels long reads and writes made through the handle.
func (f *A2File) Open(ctx context.Context, readOnly, rsrc bool) (*A2FileDescr, error) {
	fs := f.fs
	if fs == nil || fs.state == fsClosed {
		return nil, ErrNotReady
	}
	if f.deleted {
		return nil, ErrFileNotFound
	}
	if rsrc && !f.hasRsrc {
		return nil, fmt.Errorf("%s: %w", f.path, ErrForkNotFound)
	}
	if f.openRW {
		return nil, fmt.Errorf("%s: %w", f.path, ErrAlreadyOpen)
	}
	if !readOnly {
		if fs.GetReadOnly() {
			return nil, ErrWriteProtected
		}
		if f.openCount > 0 {
			return nil, fmt.Errorf("%s: %w", f.path, ErrAlreadyOpen)
		}
		if f.quality == QualityDamaged {
			return nil, fmt.Errorf("%s: %w", f.path, ErrBadFile)
		}
		if _, ok := fs.drv.(forkWriter); !ok || f.isDir {
			return nil, ErrNotSupported
		}
	}

	fm, err := fs.drv.forkMap(f, rsrc)
	if err != nil {
		return nil, err
	}

	d := &A2FileDescr{
		file:     f,
		rsrc:     rsrc,
		readOnly: true,
		ctx:      ctx,
		fm:       fm,
		cacheIdx: -1,
	}
	if !readOnly {
		buf := make([]byte, fm.length)
		if _, err := io.ReadFull(d, buf); err != nil && fm.length > 0 {
			return nil, err
		}
		d.wbuf = buf
		d.pos = 0
		d.readOnly = false
	}

	f.openCount++
	f.openRW = !readOnly
	return d, nil
}

func (d *A2FileDescr) SetProgressFunc(fn ProgressFunc) {
	d.progress = fn
}

func (d *A2FileDescr) GetFile() *A2File {
	return d.file
}

func (d *A2FileDescr) checkCancel() error {
	return d.tick(d.pos, d.length())
}

func (d *A2FileDescr) tick(cur, limit int64) error {
	if d.ctx != nil {
		if err := d.ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", d.file.path, ErrCancelled)
		}
	}
	if d.progress != nil && !d.progress(cur, limit) {
		return fmt.Errorf("%s: %w", d.file.path, ErrCancelled)
	}
	return nil
}

func (d *A2FileDescr) length() int64 {
	if !d.readOnly {
		return int64(len(d.wbuf))
	}
	return d.fm.length
}

// Read implements io.Reader. It returns io.EOF at the end of the fork.
func (d *A2FileDescr) Read(p []byte) (int, error) {
	if d.closed {
		return 0, ErrNotReady
	}
	if !d.readOnly {
		if d.pos >= int64(len(d.wbuf)) {
			return 0, io.EOF
		}
		n := copy(p, d.wbuf[d.pos:])
		d.pos += int64(n)
		return n, nil
	}

	if d.pos >= d.fm.length {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) && d.pos < d.fm.length {
		abs := d.pos + d.fm.skip
		idx := int(abs / int64(d.fm.unit))
		off := int(abs % int64(d.fm.unit))
		if idx >= len(d.fm.refs) {
			d.file.setQuality(QualityDamaged)
			return n, fmt.Errorf("%s ends before its length: %w", d.file.path, ErrBadFile)
		}
		if idx != d.cacheIdx {
			if err := d.checkCancel(); err != nil {
				return n, err
			}
			if err := d.loadChunk(idx); err != nil {
				return n, err
			}
		}
		want := len(p) - n
		if rem := d.fm.length - d.pos; int64(want) > rem {
			want = int(rem)
		}
		c := copy(p[n:n+want], d.cache[off:])
		n += c
		d.pos += int64(c)
	}
	return n, nil
}

func (d *A2FileDescr) loadChunk(idx int) error {
	if d.cache == nil {
		d.cache = make([]byte, d.fm.unit)
	}
	ref := d.fm.refs[idx]
	if ref.Sparse {
		clear(d.cache)
	} else if err := d.fm.read(ref, d.cache); err != nil {
		d.cacheIdx = -1
		return fmt.Errorf("%s %s: %w", d.file.path, ref, err)
	}
	d.cacheIdx = idx
	return nil
}

// Write implements io.Writer on a read-write handle.
func (d *A2FileDescr) Write(p []byte) (int, error) {
	if d.closed {
		return 0, ErrNotReady
	}
	if d.readOnly {
		return 0, ErrAccessDenied
	}
	if err := d.checkCancel(); err != nil {
		return 0, err
	}
	end := d.pos + int64(len(p))
	if end > int64(len(d.wbuf)) {
		if end > maxForkLength {
			return 0, ErrTooBig
		}
		grown := make([]byte, end)
		copy(grown, d.wbuf)
		d.wbuf = grown
	}
	copy(d.wbuf[d.pos:], p)
	d.pos = end
	d.dirty = true
	return len(p), nil
}

// largest fork any of the writable filesystems can hold
const maxForkLength = 0xffffff

// Seek implements io.Seeker. Seeking past the end is allowed; a write
// there extends the fork.
func (d *A2FileDescr) Seek(offset int64, whence int) (int64, error) {
	if d.closed {
		return 0, ErrNotReady
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = d.pos + offset
	case io.SeekEnd:
		abs = d.length() + offset
	default:
		return 0, ErrInvalidArg
	}
	if abs < 0 {
		return 0, ErrInvalidArg
	}
	d.pos = abs
	return abs, nil
}

func (d *A2FileDescr) Tell() int64 {
	return d.pos
}

func (d *A2FileDescr) GetStorageCount() int {
	return len(d.fm.refs)
}

// GetStorage returns the location of chunk index of the fork.
func (d *A2FileDescr) GetStorage(index int) (StorageRef, error) {
	if index < 0 || index >= len(d.fm.refs) {
		return StorageRef{}, fmt.Errorf("storage %d of %d: %w", index, len(d.fm.refs), ErrInvalidIndex)
	}
	return d.fm.refs[index], nil
}

// Close commits pending writes and releases the handle. A commit stopped
// through the handle's context or progress func leaves the fork as it was.
func (d *A2FileDescr) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	f := d.file
	f.openCount--
	if !d.readOnly {
		f.openRW = false
	}

	if !d.dirty {
		return nil
	}
	w := f.fs.drv.(forkWriter)
	if err := w.writeFork(f, d.rsrc, d.wbuf, d.tick); err != nil {
		return err
	}
	f.fs.log.Debug("wrote fork", "path", f.path, "rsrc", d.rsrc, "bytes", len(d.wbuf))
	return nil
}

func blockChunkReader(img *DiskImg) func(StorageRef, []byte) error {
	return func(ref StorageRef, buf []byte) error {
		return img.ReadBlock(ref.Block, buf)
	}
}

func sectorChunkReader(img *DiskImg) func(StorageRef, []byte) error {
	return func(ref StorageRef, buf []byte) error {
		return img.ReadTrackSector(ref.Track, ref.Sector, buf)
	}
}
