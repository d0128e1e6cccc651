package disk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type InitMode int

const (
	// InitHeaderOnly reads the volume name and size and nothing else.
	InitHeaderOnly InitMode = iota
	// InitFull walks every directory and builds the file list.
	InitFull
)

type fsState int

const (
	fsOpened fsState = iota
	fsHeader
	fsFull
	fsClosed
)

// fsDriver is the per-format half of a DiskFS. The set of drivers is
// closed; newDriver picks one from the image's FSFormat.
type fsDriver interface {
	// initialize reads the volume. In full mode it adds every file to fs in
	// directory order and builds fs.usage.
	initialize(ctx context.Context, fs *DiskFS, mode InitMode) error
	// forkMap resolves a fork to the chunks holding it.
	forkMap(f *A2File, rsrc bool) (*forkMap, error)
	normalizeName(name string) string
	separator() byte
	// freeSpace reports free units and the size of a unit in bytes.
	freeSpace() (int, int, error)
}

// Optional driver capabilities. A DiskFS whose driver lacks one reports
// ErrNotSupported for the matching operation.
type (
	fileCreator interface {
		createFile(p CreateParms) (*A2File, error)
	}
	fileDeleter interface {
		deleteFile(f *A2File) error
	}
	fileRenamer interface {
		renameFile(f *A2File, newName string) error
	}
	infoSetter interface {
		setFileInfo(f *A2File, fileType, auxType, access uint32) error
	}
	volumeRenamer interface {
		renameVolume(name string) error
	}
	volumeFormatter interface {
		format(volName string) error
	}
	forkWriter interface {
		writeFork(f *A2File, rsrc bool, data []byte, tick progressCheck) error
	}
	subVolumeLister interface {
		subVolumes() ([]subVolumeSpec, error)
	}
)

// progressCheck is called between the steps of a long write with the bytes
// done so far. A non-nil error stops the write.
type progressCheck func(cur, limit int64) error

// subVolumeSpec locates an embedded volume inside the parent's blocks.
type subVolumeSpec struct {
	name       string
	firstBlock int
	numBlocks  int
	fsHint     FSFormat
}

// CreateParms describes a file or directory to create.
type CreateParms struct {
	PathName   string
	Directory  bool
	FileType   uint32
	AuxType    uint32
	Access     uint32
	CreateWhen time.Time
	ModWhen    time.Time
}

// DiskFS is one filesystem bound to one DiskImg. Files are kept in
// directory order with the contents of every directory following it
// contiguously. A DiskFS is not safe for concurrent use.
type DiskFS struct {
	img   *DiskImg
	drv   fsDriver
	fsFmt FSFormat
	log   *slog.Logger

	state    fsState
	readOnly bool
	damaged  bool
	notes    []string

	volName string
	volID   string

	files    []*A2File
	subVols  []*SubVolume
	usage    *VolumeUsage
	progress ProgressFunc
}

// SubVolume is an embedded volume: a child image and the filesystem on it.
type SubVolume struct {
	name string
	node int
	img  *DiskImg
	fs   *DiskFS
}

func (sv *SubVolume) GetName() string      { return sv.name }
func (sv *SubVolume) GetDiskImg() *DiskImg { return sv.img }
func (sv *SubVolume) GetDiskFS() *DiskFS   { return sv.fs }

// OpenAppropriateDiskFS creates the filesystem object for the detected
// format. The image is analyzed first if that has not happened yet.
func (img *DiskImg) OpenAppropriateDiskFS() (*DiskFS, error) {
	if err := img.checkOpen(); err != nil {
		return nil, err
	}
	if !img.analyzed {
		if err := img.AnalyzeImage(); err != nil {
			return nil, err
		}
	}
	if n := img.eng.node(img.node); n != nil && n.fs != nil {
		return nil, fmt.Errorf("filesystem on %s: %w", img.name, ErrAlreadyOpen)
	}

	drv, err := newDriver(img)
	if err != nil {
		return nil, err
	}

	fs := &DiskFS{
		img:   img,
		drv:   drv,
		fsFmt: img.fsFormat,
		log:   img.log.With("fs", img.fsFormat.String()),
	}
	img.refs++
	img.eng.attachFS(img.node, fs)
	return fs, nil
}

func newDriver(img *DiskImg) (fsDriver, error) {
	switch img.fsFormat {
	case FSFormatProDOS:
		return &proDOSDriver{img: img}, nil
	case FSFormatDOS33, FSFormatDOS32:
		return &dosDriver{img: img}, nil
	case FSFormatPascal:
		return &pascalDriver{img: img}, nil
	case FSFormatMacHFS:
		return &hfsDriver{img: img}, nil
	case FSFormatCPM:
		return &cpmDriver{img: img}, nil
	case FSFormatMSDOS:
		return &fatDriver{img: img}, nil
	case FSFormatRDOS33, FSFormatRDOS32, FSFormatRDOS3:
		return &rdosDriver{img: img}, nil
	case FSFormatUNIDOS:
		return &unidosDriver{img: img}, nil
	case FSFormatMacPart:
		return &macPartDriver{img: img}, nil
	case FSFormatCFFA4, FSFormatCFFA8:
		return &cffaDriver{img: img}, nil
	case FSFormatUnknown:
		return nil, fmt.Errorf("%s: %w", img.name, ErrFilesystemNotFound)
	}
	return nil, fmt.Errorf("%s on %s: %w", img.fsFormat, img.name, ErrUnsupportedFSFmt)
}

func (fs *DiskFS) GetDiskImg() *DiskImg  { return fs.img }
func (fs *DiskFS) GetFSFormat() FSFormat { return fs.fsFmt }
func (fs *DiskFS) GetVolumeName() string { return fs.volName }
func (fs *DiskFS) GetVolumeID() string   { return fs.volID }
func (fs *DiskFS) GetFileCount() int     { return len(fs.files) }
func (fs *DiskFS) GetFSSeparator() byte  { return fs.drv.separator() }
func (fs *DiskFS) GetFSDamaged() bool    { return fs.damaged }
func (fs *DiskFS) GetReadOnly() bool     { return fs.readOnly || fs.img.readOnly }
func (fs *DiskFS) GetInitialized() bool  { return fs.state == fsFull }
func (fs *DiskFS) Logger() *slog.Logger  { return fs.log }
func (fs *DiskFS) GetNotes() []string    { return append([]string(nil), fs.notes...) }

// SetProgressFunc sets the callback used during Initialize. Returning
// false from it cancels the scan.
func (fs *DiskFS) SetProgressFunc(fn ProgressFunc) {
	fs.progress = fn
}

func (fs *DiskFS) addNote(format string, args ...interface{}) {
	n := fmt.Sprintf(format, args...)
	fs.notes = append(fs.notes, n)
	fs.log.Debug("note", "text", n)
}

// setDamaged flags the volume and records why.
func (fs *DiskFS) setDamaged(format string, args ...interface{}) {
	fs.damaged = true
	n := fmt.Sprintf(format, args...)
	fs.notes = append(fs.notes, n)
	fs.log.Warn("filesystem damage", "detail", n)
}

// scanTick is called by drivers between units of scan work.
func (fs *DiskFS) scanTick(ctx context.Context, cur, limit int64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("scan: %w", ErrCancelled)
	}
	if fs.progress != nil && !fs.progress(cur, limit) {
		return fmt.Errorf("scan: %w", ErrCancelled)
	}
	return nil
}

// Initialize reads the filesystem. A full initialization also opens
// embedded volumes when the engine is configured to.
func (fs *DiskFS) Initialize(ctx context.Context, mode InitMode) error {
	if fs.state == fsClosed {
		return ErrNotReady
	}
	if err := fs.closeSubVolumes(); err != nil {
		fs.log.Warn("closing previous sub-volumes", "error", err)
	}
	fs.files = nil
	fs.usage = nil
	fs.damaged = false
	fs.notes = nil

	if err := fs.drv.initialize(ctx, fs, mode); err != nil {
		fs.state = fsHeader
		fs.log.Warn("filesystem initialization failed", "error", err)
		return err
	}

	if mode == InitHeaderOnly {
		fs.state = fsHeader
		return nil
	}
	fs.state = fsFull

	if fs.img.eng.cfg.ScanForSubVolumes != SubVolumeScanOff {
		if err := fs.scanSubVolumes(ctx); err != nil {
			return err
		}
	}

	fs.log.Info("filesystem initialized",
		"volume", fs.volName,
		"files", len(fs.files),
		"sub_volumes", len(fs.subVols),
		"damaged", fs.damaged)
	return nil
}

func (fs *DiskFS) scanSubVolumes(ctx context.Context) error {
	lister, ok := fs.drv.(subVolumeLister)
	if !ok {
		return nil
	}
	specs, err := lister.subVolumes()
	if err != nil {
		return err
	}

	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sub-volume scan: %w", ErrCancelled)
		}
		sv, err := fs.openSubVolume(ctx, spec)
		if err != nil {
			fs.setDamaged("sub-volume %q at block %d: %v", spec.name, spec.firstBlock, err)
			continue
		}
		fs.subVols = append(fs.subVols, sv)
	}
	return nil
}

func (fs *DiskFS) openSubVolume(ctx context.Context, spec subVolumeSpec) (*SubVolume, error) {
	child, err := fs.img.eng.OpenImageFromParent(fs.img, spec.firstBlock, spec.numBlocks)
	if err != nil {
		return nil, err
	}
	if err := child.AnalyzeImage(); err != nil {
		child.CloseImage()
		return nil, err
	}
	if child.fsFormat == FSFormatUnknown && spec.fsHint != FSFormatUnknown {
		if err := child.OverrideFormat(child.physical, spec.fsHint, child.order); err != nil {
			child.CloseImage()
			return nil, err
		}
	}

	sv := &SubVolume{name: spec.name, node: child.node, img: child}
	if fs.usage != nil && fs.usage.ByBlocks() {
		for b := spec.firstBlock; b < spec.firstBlock+spec.numBlocks; b++ {
			cs, err := fs.usage.GetChunkState(b)
			if err != nil {
				break
			}
			cs.Used, cs.Purpose = true, PurposeEmbedded
			fs.usage.SetChunkState(b, cs)
		}
	}
	if child.fsFormat == FSFormatUnknown {
		fs.addNote("no filesystem found in sub-volume %q", spec.name)
		return sv, nil
	}

	cfs, err := child.OpenAppropriateDiskFS()
	if err != nil {
		fs.addNote("sub-volume %q: %v", spec.name, err)
		return sv, nil
	}
	sv.fs = cfs

	mode := InitFull
	if fs.img.eng.cfg.ScanForSubVolumes == SubVolumeScanHeaderOnly {
		mode = InitHeaderOnly
	}
	if err := cfs.Initialize(ctx, mode); err != nil {
		if ErrorCode(err) == ErrCancelled {
			return nil, err
		}
		fs.addNote("sub-volume %q did not initialize: %v", spec.name, err)
	}
	return sv, nil
}

// GetNextFile returns the file after prev, or the first file when prev is
// nil. It returns nil at the end of the list.
func (fs *DiskFS) GetNextFile(prev *A2File) *A2File {
	if prev == nil {
		if len(fs.files) == 0 {
			return nil
		}
		return fs.files[0]
	}
	for i, f := range fs.files {
		if f == prev {
			if i+1 < len(fs.files) {
				return fs.files[i+1]
			}
			return nil
		}
	}
	return nil
}

// Files returns the file list in directory order.
func (fs *DiskFS) Files() []*A2File {
	return append([]*A2File(nil), fs.files...)
}

// GetFileByName finds a file by its full path, ignoring case.
func (fs *DiskFS) GetFileByName(path string) *A2File {
	sep := string(fs.drv.separator())
	path = strings.TrimPrefix(path, sep)
	for _, f := range fs.files {
		if strings.EqualFold(f.path, path) {
			return f
		}
	}
	return nil
}

// GetNextSubVolume iterates over embedded volumes like GetNextFile.
func (fs *DiskFS) GetNextSubVolume(prev *SubVolume) *SubVolume {
	if prev == nil {
		if len(fs.subVols) == 0 {
			return nil
		}
		return fs.subVols[0]
	}
	for i, sv := range fs.subVols {
		if sv == prev && i+1 < len(fs.subVols) {
			return fs.subVols[i+1]
		}
	}
	return nil
}

func (fs *DiskFS) SubVolumes() []*SubVolume {
	return append([]*SubVolume(nil), fs.subVols...)
}

// addFile appends during a directory walk.
func (fs *DiskFS) addFile(f *A2File) {
	f.fs = fs
	fs.files = append(fs.files, f)
}

// insertFile places a new file directly after the last entry inside its
// parent directory, keeping directory contents contiguous.
func (fs *DiskFS) insertFile(f *A2File) {
	f.fs = fs
	if f.parent == nil || f.parent.isVolDir {
		fs.files = append(fs.files, f)
		return
	}
	at := -1
	for i, g := range fs.files {
		if g == f.parent || g.isInside(f.parent) {
			at = i
		}
	}
	if at < 0 {
		fs.files = append(fs.files, f)
		return
	}
	fs.files = append(fs.files, nil)
	copy(fs.files[at+2:], fs.files[at+1:])
	fs.files[at+1] = f
}

func (fs *DiskFS) removeFile(f *A2File) {
	for i, g := range fs.files {
		if g == f {
			fs.files = append(fs.files[:i], fs.files[i+1:]...)
			return
		}
	}
}

// NormalizePath converts each component of path to a name legal on this
// filesystem.
func (fs *DiskFS) NormalizePath(path string) string {
	sep := fs.drv.separator()
	parts := strings.Split(path, string(sep))
	for i, p := range parts {
		parts[i] = fs.drv.normalizeName(p)
	}
	return strings.Join(parts, string(sep))
}

func (fs *DiskFS) GetVolumeUsageMap() (*VolumeUsage, error) {
	if fs.usage == nil {
		return nil, ErrNotReady
	}
	return fs.usage, nil
}

// GetFreeSpaceCount returns the number of free units and the unit size.
func (fs *DiskFS) GetFreeSpaceCount() (int, int, error) {
	if fs.state != fsFull {
		return 0, 0, ErrNotReady
	}
	return fs.drv.freeSpace()
}

func (fs *DiskFS) checkMutate() error {
	if fs.state == fsClosed || fs.img.closed {
		return ErrNotReady
	}
	if fs.state != fsFull {
		return fmt.Errorf("filesystem not fully initialized: %w", ErrNotReady)
	}
	if fs.GetReadOnly() {
		return ErrWriteProtected
	}
	return nil
}

func (fs *DiskFS) CreateFile(p CreateParms) (*A2File, error) {
	if err := fs.checkMutate(); err != nil {
		return nil, err
	}
	c, ok := fs.drv.(fileCreator)
	if !ok {
		return nil, ErrNotSupported
	}
	if p.CreateWhen.IsZero() {
		p.CreateWhen = time.Now()
	}
	if p.ModWhen.IsZero() {
		p.ModWhen = p.CreateWhen
	}
	f, err := c.createFile(p)
	if err != nil {
		return nil, err
	}
	fs.log.Debug("created file", "path", f.path, "type", f.fileType)
	return f, nil
}

func (fs *DiskFS) DeleteFile(f *A2File) error {
	if err := fs.checkMutate(); err != nil {
		return err
	}
	if f == nil || f.fs != fs || f.deleted {
		return ErrFileNotFound
	}
	if f.IsFileOpen() {
		return fmt.Errorf("delete %s: %w", f.path, ErrFileOpen)
	}
	d, ok := fs.drv.(fileDeleter)
	if !ok {
		return ErrNotSupported
	}
	if err := d.deleteFile(f); err != nil {
		return err
	}
	f.deleted = true
	fs.removeFile(f)
	fs.log.Debug("deleted file", "path", f.path)
	return nil
}

func (fs *DiskFS) RenameFile(f *A2File, newName string) error {
	if err := fs.checkMutate(); err != nil {
		return err
	}
	if f == nil || f.fs != fs || f.deleted {
		return ErrFileNotFound
	}
	r, ok := fs.drv.(fileRenamer)
	if !ok {
		return ErrNotSupported
	}
	return r.renameFile(f, newName)
}

func (fs *DiskFS) SetFileInfo(f *A2File, fileType, auxType, access uint32) error {
	if err := fs.checkMutate(); err != nil {
		return err
	}
	if f == nil || f.fs != fs || f.deleted {
		return ErrFileNotFound
	}
	s, ok := fs.drv.(infoSetter)
	if !ok {
		return ErrNotSupported
	}
	return s.setFileInfo(f, fileType, auxType, access)
}

func (fs *DiskFS) RenameVolume(name string) error {
	if err := fs.checkMutate(); err != nil {
		return err
	}
	r, ok := fs.drv.(volumeRenamer)
	if !ok {
		return ErrNotSupported
	}
	if err := r.renameVolume(name); err != nil {
		return err
	}
	fs.log.Debug("renamed volume", "volume", fs.volName)
	return nil
}

// Format writes an empty filesystem and reinitializes. Unlike the other
// mutations it may be used on a filesystem that never initialized.
func (fs *DiskFS) Format(volName string) error {
	if fs.state == fsClosed || fs.img.closed {
		return ErrNotReady
	}
	if fs.GetReadOnly() {
		return ErrWriteProtected
	}
	if len(fs.subVols) > 0 {
		return fmt.Errorf("format with sub-volumes open: %w", ErrFileOpen)
	}
	for _, f := range fs.files {
		if f.IsFileOpen() {
			return fmt.Errorf("format with %s open: %w", f.path, ErrFileOpen)
		}
	}
	ff, ok := fs.drv.(volumeFormatter)
	if !ok {
		return ErrNotSupported
	}
	if err := ff.format(volName); err != nil {
		return err
	}
	fs.log.Info("formatted volume", "volume", volName)
	return fs.Initialize(context.Background(), InitFull)
}

// Flush writes driver state and then the image.
func (fs *DiskFS) Flush() error {
	if fs.state == fsClosed {
		return ErrNotReady
	}
	if fs.readOnly {
		return nil
	}
	for _, sv := range fs.subVols {
		if sv.fs != nil {
			if err := sv.fs.Flush(); err != nil {
				return err
			}
		}
	}
	return fs.img.FlushImage()
}

// SetAllReadOnly stops this filesystem and every sub-volume from writing
// anything back, for use after the blocks underneath were replaced.
func (fs *DiskFS) SetAllReadOnly() {
	fs.readOnly = true
	for _, sv := range fs.subVols {
		if sv.fs != nil {
			sv.fs.SetAllReadOnly()
		}
	}
}

// Close shuts down sub-volumes and this filesystem. The image stays open.
func (fs *DiskFS) Close() error {
	if fs.state == fsClosed {
		return nil
	}
	firstErr := fs.closeSubVolumes()
	if err := fs.release(); err != nil && firstErr == nil {
		firstErr = err
	}
	fs.img.eng.detachFS(fs.img.node)
	return firstErr
}

// closeSubVolumes tears down every embedded volume, last opened first.
func (fs *DiskFS) closeSubVolumes() error {
	var firstErr error
	for i := len(fs.subVols) - 1; i >= 0; i-- {
		if err := fs.img.eng.closeNode(fs.subVols[i].node); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	fs.subVols = nil
	return firstErr
}

func (fs *DiskFS) release() error {
	if fs.state == fsClosed {
		return nil
	}
	var err error
	if !fs.readOnly && !fs.img.readOnly && !fs.img.closed {
		err = fs.img.FlushImage()
	}
	fs.state = fsClosed
	fs.subVols = nil
	fs.img.refs--
	fs.log.Debug("closed filesystem")
	return err
}
