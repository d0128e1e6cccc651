package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/paleotronic/diskm8/basic"
	"github.com/paleotronic/diskm8/disk"
	"golang.org/x/term"
)

// volume is an opened image and the filesystem commands work on, which is
// either the image's own filesystem or one of its sub-volumes.
type volume struct {
	img      *disk.DiskImg
	top      *disk.DiskFS
	fs       *disk.DiskFS
	name     string
	sub      string
	writable bool
	closed   bool
}

// openVolume opens path, analyzes it and fully scans the filesystem. sub
// selects an embedded volume by index or name; nested selections are joined
// with '/'.
func (a *app) openVolume(ctx context.Context, path, sub string, write bool) (*volume, error) {
	if write && a.cfg.Engine.ReadOnly {
		return nil, fmt.Errorf("%s: read-only mode: %w", path, disk.ErrWriteProtected)
	}

	img, err := a.eng.OpenImage(path, !write)
	if err != nil {
		return nil, err
	}
	if err := img.AnalyzeImage(); err != nil {
		img.CloseImage()
		return nil, err
	}
	fs, err := img.OpenAppropriateDiskFS()
	if err != nil {
		img.CloseImage()
		return nil, err
	}
	fs.SetProgressFunc(a.progress("reading " + img.GetName()))
	err = fs.Initialize(ctx, disk.InitFull)
	a.endProgress()
	if err != nil {
		img.CloseImage()
		return nil, err
	}

	v := &volume{img: img, top: fs, fs: fs, name: path, sub: sub, writable: write}
	if sub != "" {
		if v.fs, err = selectSubVolume(fs, sub); err != nil {
			img.CloseImage()
			return nil, err
		}
	}
	a.log.Debug("opened volume",
		"image", path,
		"fs", v.fs.GetFSFormat().String(),
		"volume", v.fs.GetVolumeName(),
		"writable", write)
	return v, nil
}

func selectSubVolume(fs *disk.DiskFS, sel string) (*disk.DiskFS, error) {
	for _, part := range strings.Split(sel, "/") {
		if part == "" {
			continue
		}
		subs := fs.SubVolumes()
		var found *disk.SubVolume
		if n, err := strconv.Atoi(part); err == nil && n >= 0 && n < len(subs) {
			found = subs[n]
		} else {
			for _, sv := range subs {
				if strings.EqualFold(sv.GetName(), part) {
					found = sv
					break
				}
			}
		}
		if found == nil || found.GetDiskFS() == nil {
			return nil, fmt.Errorf("sub-volume %q: %w", part, disk.ErrFileNotFound)
		}
		fs = found.GetDiskFS()
	}
	return fs, nil
}

// flush writes pending changes without closing.
func (v *volume) flush() error {
	if !v.writable {
		return nil
	}
	return v.top.Flush()
}

func (v *volume) close() error {
	if v.closed {
		return nil
	}
	v.closed = true
	err := v.flush()
	if cerr := v.img.CloseImage(); err == nil {
		err = cerr
	}
	return err
}

// requireFiles reports an error for containers, which have nothing but volumes.
func (v *volume) requireFiles() error {
	if v.fs.GetFSFormat().IsContainer() {
		return fmt.Errorf("%s is a %s; choose a sub-volume: %w", v.name, v.fs.GetFSFormat(), disk.ErrInvalidArg)
	}
	return nil
}

func (v *volume) lookup(name string) (*disk.A2File, error) {
	if err := v.requireFiles(); err != nil {
		return nil, err
	}
	f := v.fs.GetFileByName(name)
	if f == nil {
		return nil, fmt.Errorf("%s: %w", name, disk.ErrFileNotFound)
	}
	return f, nil
}

type fileEntry struct {
	Path     string    `yaml:"path" json:"path"`
	Type     string    `yaml:"type" json:"type"`
	TypeCode uint32    `yaml:"type_code" json:"type_code"`
	AuxType  uint32    `yaml:"aux_type" json:"aux_type"`
	Locked   bool      `yaml:"locked,omitempty" json:"locked,omitempty"`
	Dir      bool      `yaml:"dir,omitempty" json:"dir,omitempty"`
	Size     int64     `yaml:"size" json:"size"`
	RsrcSize int64     `yaml:"rsrc_size,omitempty" json:"rsrc_size,omitempty"`
	Modified time.Time `yaml:"modified,omitempty" json:"modified,omitempty"`
	Quality  string    `yaml:"quality" json:"quality"`
}

func newFileEntry(f *disk.A2File) fileEntry {
	return fileEntry{
		Path:     f.GetPathName(),
		Type:     strings.TrimSpace(f.GetFileTypeString()),
		TypeCode: f.GetFileType(),
		AuxType:  f.GetAuxType(),
		Locked:   f.GetAccess()&uint32(disk.AccessType_Writable) == 0,
		Dir:      f.IsDirectory(),
		Size:     f.GetDataLength(),
		RsrcSize: f.GetRsrcLength(),
		Modified: f.GetModWhen(),
		Quality:  f.GetQuality().String(),
	}
}

// matchName compares pattern against the file name, or against the whole
// path when the pattern contains the volume's separator. Case is ignored.
func matchName(pattern string, f *disk.A2File) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	target := f.GetFileName()
	if strings.IndexByte(pattern, f.GetFSSeparator()) >= 0 {
		target = f.GetPathName()
		pattern = strings.ReplaceAll(pattern, string(f.GetFSSeparator()), "/")
		target = strings.ReplaceAll(target, string(f.GetFSSeparator()), "/")
	}
	ok, err := path.Match(strings.ToUpper(pattern), strings.ToUpper(target))
	return err == nil && ok
}

func (v *volume) catalog(pattern string) ([]fileEntry, error) {
	if err := v.requireFiles(); err != nil {
		return nil, err
	}
	out := []fileEntry{}
	for _, f := range v.fs.Files() {
		if matchName(pattern, f) {
			out = append(out, newFileEntry(f))
		}
	}
	return out, nil
}

func (v *volume) readFile(ctx context.Context, f *disk.A2File, rsrc bool) ([]byte, error) {
	if f.IsDirectory() {
		return nil, fmt.Errorf("%s is a directory: %w", f.GetPathName(), disk.ErrInvalidArg)
	}
	d, err := f.Open(ctx, true, rsrc)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	return io.ReadAll(d)
}

// writeFile stores data as a new file, replacing an existing one only when
// replace is set.
func (v *volume) writeFile(ctx context.Context, name string, data []byte, fileType, auxType uint32, replace bool) (*disk.A2File, error) {
	if err := v.requireFiles(); err != nil {
		return nil, err
	}
	if old := v.fs.GetFileByName(name); old != nil {
		if !replace {
			return nil, fmt.Errorf("%s: %w", name, disk.ErrFileExists)
		}
		if err := v.fs.DeleteFile(old); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	f, err := v.fs.CreateFile(disk.CreateParms{
		PathName:   name,
		FileType:   fileType,
		AuxType:    auxType,
		Access:     uint32(disk.AccessType_Default),
		CreateWhen: now,
		ModWhen:    now,
	})
	if err != nil {
		return nil, err
	}
	d, err := f.Open(ctx, false, false)
	if err != nil {
		return nil, err
	}
	if _, err := d.Write(data); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.Close(); err != nil {
		return nil, err
	}
	return f, v.flush()
}

func (v *volume) mkdir(name string) error {
	if err := v.requireFiles(); err != nil {
		return err
	}
	now := time.Now()
	_, err := v.fs.CreateFile(disk.CreateParms{
		PathName:   name,
		Directory:  true,
		FileType:   uint32(disk.FileType_PD_Directory),
		Access:     uint32(disk.AccessType_Default),
		CreateWhen: now,
		ModWhen:    now,
	})
	if err != nil {
		return err
	}
	return v.flush()
}

func (v *volume) remove(name string) error {
	f, err := v.lookup(name)
	if err != nil {
		return err
	}
	if err := v.fs.DeleteFile(f); err != nil {
		return err
	}
	return v.flush()
}

func (v *volume) rename(name, newName string) error {
	f, err := v.lookup(name)
	if err != nil {
		return err
	}
	if err := v.fs.RenameFile(f, newName); err != nil {
		return err
	}
	return v.flush()
}

const unlockedBits = uint32(disk.AccessType_Writable | disk.AccessType_Rename | disk.AccessType_Destroy)

func (v *volume) setLocked(name string, locked bool) error {
	f, err := v.lookup(name)
	if err != nil {
		return err
	}
	access := f.GetAccess() | unlockedBits
	if locked {
		access &^= unlockedBits
	}
	if err := v.fs.SetFileInfo(f, f.GetFileType(), f.GetAuxType(), access); err != nil {
		return err
	}
	return v.flush()
}

func (v *volume) renameVolume(name string) error {
	if err := v.fs.RenameVolume(name); err != nil {
		return err
	}
	return v.flush()
}

// listing renders a BASIC program or text file as text.
func (v *volume) listing(ctx context.Context, f *disk.A2File) (string, error) {
	data, err := v.readFile(ctx, f, false)
	if err != nil {
		return "", err
	}
	switch disk.ProDOSFileType(f.GetFileType()) {
	case disk.FileType_PD_APP:
		return basic.ListApplesoft(data)
	case disk.FileType_PD_INT:
		return basic.ListInteger(data)
	case disk.FileType_PD_TXT:
		return plainText(data), nil
	}
	return "", fmt.Errorf("%s is %s, not BASIC or text: %w", f.GetPathName(), f.GetFileTypeString(), disk.ErrInvalidArg)
}

// plainText drops the high bit DOS sets on text and turns carriage returns
// into newlines.
func plainText(data []byte) string {
	out := make([]byte, len(data))
	for i, b := range data {
		b &= 0x7f
		if b == '\r' {
			b = '\n'
		}
		out[i] = b
	}
	return strings.TrimRight(string(out), "\x00")
}

// adornedName is the host file name extract writes, carrying type and aux
// type so that put can restore them.
func adornedName(f *disk.A2File) string {
	name := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(f.GetFileName())
	ext := strings.TrimSpace(disk.ProDOSFileType(f.GetFileType() & 0xff).Ext())
	return fmt.Sprintf("%s#0x%.4x.%s", name, f.GetAuxType()&0xffff, ext)
}

// putName works out the on-disk name, type and aux type for a host file.
// It understands adorned names (NAME#0x2000.BIN), trailing ,A$addr and
// ,L$len options, and .APP.ASC or .INT.ASC for BASIC source that needs
// tokenizing.
type putName struct {
	Name     string
	Type     disk.ProDOSFileType
	Aux      uint32
	Limit    int
	Tokenize bool
}

var (
	reTrailAddr = regexp.MustCompile("(?i)^([^,]+)([,]A(([$]|0x)[0-9a-f]+))?([,]L(([$]|0x)[0-9a-f]+))?$")
	reSpecial   = regexp.MustCompile("(?i)^(.+)[#](0x[a-f0-9]+)[.]([a-z0-9$]+)$")
)

func parsePutName(host string) (putName, error) {
	p := putName{Type: disk.FileType_PD_BIN, Aux: 0x0801, Limit: -1}
	name := path.Base(strings.ReplaceAll(host, "\\", "/"))

	if m := reTrailAddr.FindStringSubmatch(name); m != nil {
		name = m[1]
		if m[3] != "" {
			n, err := parseNumber(m[3])
			if err != nil {
				return p, err
			}
			p.Aux = uint32(n)
		}
		if m[6] != "" {
			n, err := parseNumber(m[6])
			if err != nil {
				return p, err
			}
			p.Limit = int(n)
		}
	}

	upper := strings.ToUpper(name)
	switch {
	case strings.HasSuffix(upper, ".APP.ASC"), strings.HasSuffix(upper, ".BAS.ASC"):
		p.Name = name[:len(name)-8]
		p.Type = disk.FileType_PD_APP
		p.Tokenize = true
		return p, nil
	case strings.HasSuffix(upper, ".INT.ASC"):
		p.Name = name[:len(name)-8]
		p.Type = disk.FileType_PD_INT
		p.Tokenize = true
		return p, nil
	}

	if m := reSpecial.FindStringSubmatch(name); m != nil {
		n, err := parseNumber(m[2])
		if err != nil {
			return p, err
		}
		p.Name = m[1]
		p.Aux = uint32(n)
		p.Type = fileTypeFromExt(m[3])
		return p, nil
	}

	ext := path.Ext(name)
	p.Name = strings.TrimSuffix(name, ext)
	ext = strings.TrimPrefix(ext, ".")
	switch strings.ToUpper(ext) {
	case "":
	case "SYSTEM":
		p.Name = name
		p.Type = disk.FileType_PD_SYS
		p.Aux = 0x2000
	default:
		p.Type = fileTypeFromExt(ext)
		if p.Type == disk.FileType_PD_TXT {
			p.Aux = 0
		}
	}
	if p.Name == "" {
		p.Name = name
	}
	return p, nil
}

// fileTypeFromExt also takes the $XX form Ext produces for unnamed types.
func fileTypeFromExt(ext string) disk.ProDOSFileType {
	if strings.HasPrefix(ext, "$") {
		if n, err := strconv.ParseUint(ext[1:], 16, 8); err == nil {
			return disk.ProDOSFileType(n)
		}
	}
	return disk.ProDOSFileTypeFromExt(ext)
}

func parseNumber(s string) (int64, error) {
	if strings.HasPrefix(s, "$") {
		s = "0x" + s[1:]
	}
	n, err := strconv.ParseInt(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("number %q: %w", s, disk.ErrInvalidArg)
	}
	return n, nil
}

// encodeForPut applies the put rules to host data: truncation and BASIC
// tokenizing.
func encodeForPut(p putName, data []byte) ([]byte, error) {
	if p.Limit >= 0 && p.Limit < len(data) {
		data = data[:p.Limit]
	}
	if !p.Tokenize {
		return data, nil
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	if p.Type == disk.FileType_PD_INT {
		return basic.TokenizeInteger(lines)
	}
	return basic.TokenizeApplesoft(lines)
}

// progress returns a callback that draws a percentage on an interactive
// stderr, or nil when stderr is not a terminal.
func (a *app) progress(label string) disk.ProgressFunc {
	f, ok := a.stderr.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return nil
	}
	return func(cur, limit int64) bool {
		if limit > 0 {
			fmt.Fprintf(f, "\r%s: %3d%%", label, cur*100/limit)
		}
		return true
	}
}

func (a *app) endProgress() {
	if f, ok := a.stderr.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(f, "\r\033[K")
	}
}
