package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paleotronic/diskm8/basic"
	"github.com/paleotronic/diskm8/disk"
	"github.com/paleotronic/diskm8/loggy"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

type scanOptions struct {
	Name       string
	Text       string
	Dupes      bool
	WholeDupes bool
	// Similar is the percentage of shared files above which two images
	// are reported as related; zero turns the comparison off.
	Similar float64
}

type scanMatch struct {
	Image string `yaml:"image" json:"image"`
	File  string `yaml:"file" json:"file"`
	Type  string `yaml:"type" json:"type"`
	Size  int64  `yaml:"size" json:"size"`
}

type scanFailure struct {
	Image string `yaml:"image" json:"image"`
	Error string `yaml:"error" json:"error"`
}

type scanReport struct {
	Root            string           `yaml:"root" json:"root"`
	Workers         int              `yaml:"workers" json:"workers"`
	Images          int              `yaml:"images" json:"images"`
	Elapsed         string           `yaml:"elapsed" json:"elapsed"`
	ByFormat        map[string]int   `yaml:"by_format" json:"by_format"`
	Failed          []scanFailure    `yaml:"failed,omitempty" json:"failed,omitempty"`
	Matches         []scanMatch      `yaml:"matches,omitempty" json:"matches,omitempty"`
	Duplicates      []DuplicateGroup `yaml:"duplicates,omitempty" json:"duplicates,omitempty"`
	WholeDuplicates []DuplicateGroup `yaml:"whole_duplicates,omitempty" json:"whole_duplicates,omitempty"`
	Similar         []FileOverlap    `yaml:"similar,omitempty" json:"similar,omitempty"`
}

// scannedFile is one file of a scanned image with its checksum.
type scannedFile struct {
	path   string
	sha256 string
	size   int64
}

type scannedImage struct {
	path    string
	format  string
	sha256  string
	files   []scannedFile
	matches []scanMatch
	err     error
}

// isImageName reports whether the extension is one the scan picks up.
func (a *app) isImageName(name string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	for _, e := range a.cfg.Scan.Extensions {
		if ext == strings.ToLower(strings.TrimPrefix(e, ".")) {
			return true
		}
	}
	return false
}

// scan walks root and analyzes every image in it with a bounded pool of
// workers.
func (a *app) scan(ctx context.Context, root string, o scanOptions) (*scanReport, error) {
	start := time.Now()

	var paths []string
	err := afero.Walk(a.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			a.log.Warn("walk failed", "path", path, "error", err)
			return nil
		}
		if !info.IsDir() && a.isImageName(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	workers := a.cfg.Scan.Workers
	results := make([]*scannedImage, len(paths))
	var processed atomic.Int64
	var pm sync.Mutex
	draw := a.scanProgress()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range paths {
		g.Go(func() error {
			l := loggy.Get(1 + i%workers)
			results[i] = a.scanImage(gctx, l, path, o)
			n := processed.Add(1)
			pm.Lock()
			draw(n, len(paths))
			pm.Unlock()
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	a.endProgress()

	rep := &scanReport{
		Root:     root,
		Workers:  workers,
		Images:   len(paths),
		ByFormat: map[string]int{},
	}
	var files, whole DuplicateCollection
	for _, r := range results {
		if r.err != nil {
			rep.Failed = append(rep.Failed, scanFailure{Image: r.path, Error: r.err.Error()})
			continue
		}
		rep.ByFormat[r.format]++
		rep.Matches = append(rep.Matches, r.matches...)
		for _, f := range r.files {
			files.Add(f.sha256, r.path, f.path)
		}
		whole.Add(r.sha256, r.path, "")
	}
	if o.Dupes {
		rep.Duplicates = files.Groups()
	}
	if o.WholeDupes {
		rep.WholeDuplicates = whole.Groups()
	}
	if o.Similar > 0 {
		if rep.Similar, err = similarImages(ctx, results, o.Similar, workers); err != nil {
			return nil, err
		}
	}
	rep.Elapsed = time.Since(start).Round(time.Millisecond).String()

	a.log.Info("scan finished",
		"root", root,
		"images", rep.Images,
		"failed", len(rep.Failed),
		"elapsed", rep.Elapsed)
	return rep, nil
}

// scanImage never fails the scan; problems are recorded on the result.
func (a *app) scanImage(ctx context.Context, l *slog.Logger, path string, o scanOptions) *scannedImage {
	res := &scannedImage{path: path}
	l.Debug("reading disk image", "path", path)

	img, err := a.eng.OpenImage(path, true)
	if err != nil {
		res.err = err
		l.Warn("open failed", "path", path, "error", err)
		return res
	}
	defer img.CloseImage()

	if err := img.AnalyzeImage(); err != nil {
		res.err = err
		l.Warn("analysis failed", "path", path, "error", err)
		return res
	}
	res.format = img.GetFSFormat().String()

	if res.sha256, err = imageChecksum(img); err != nil {
		res.err = err
		return res
	}

	fs, err := img.OpenAppropriateDiskFS()
	if err != nil {
		res.err = err
		return res
	}
	if err := fs.Initialize(ctx, disk.InitFull); err != nil {
		res.err = err
		return res
	}
	res.walk(ctx, l, fs, "", o)
	return res
}

// walk collects the files of fs and of every sub-volume, naming sub-volume
// files volume/path.
func (res *scannedImage) walk(ctx context.Context, l *slog.Logger, fs *disk.DiskFS, prefix string, o scanOptions) {
	for _, f := range fs.Files() {
		if f.IsDirectory() || ctx.Err() != nil {
			continue
		}
		name := prefix + f.GetPathName()
		data, err := readAll(ctx, f)
		if err != nil {
			l.Warn("file unreadable", "image", res.path, "file", name, "error", err)
			continue
		}
		sum := sha256.Sum256(data)
		res.files = append(res.files, scannedFile{path: name, sha256: hex.EncodeToString(sum[:]), size: int64(len(data))})

		if o.Name == "" && o.Text == "" {
			continue
		}
		if o.Name != "" && !matchName(o.Name, f) {
			continue
		}
		if o.Text != "" && !containsText(f, data, o.Text) {
			continue
		}
		res.matches = append(res.matches, scanMatch{
			Image: res.path,
			File:  name,
			Type:  strings.TrimSpace(f.GetFileTypeString()),
			Size:  f.GetDataLength(),
		})
	}
	for _, sv := range fs.SubVolumes() {
		if sfs := sv.GetDiskFS(); sfs != nil {
			res.walk(ctx, l, sfs, prefix+sv.GetName()+"/", o)
		}
	}
}

func readAll(ctx context.Context, f *disk.A2File) ([]byte, error) {
	d, err := f.Open(ctx, true, false)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	return io.ReadAll(d)
}

// containsText searches text files and BASIC listings without regard to
// case.
func containsText(f *disk.A2File, data []byte, text string) bool {
	var hay string
	switch disk.ProDOSFileType(f.GetFileType()) {
	case disk.FileType_PD_APP:
		hay, _ = basic.ListApplesoft(data)
	case disk.FileType_PD_INT:
		hay, _ = basic.ListInteger(data)
	case disk.FileType_PD_TXT:
		hay = plainText(data)
	default:
		return false
	}
	return bytes.Contains(bytes.ToLower([]byte(hay)), bytes.ToLower([]byte(text)))
}

// imageChecksum hashes the logical blocks, or sectors for 13-sector media,
// so that the same disk in different wrappers or orders compares equal.
func imageChecksum(img *disk.DiskImg) (string, error) {
	h := sha256.New()
	if img.GetHasBlocks() {
		buf := make([]byte, disk.BLOCK_SIZE)
		for b := 0; b < img.GetNumBlocks(); b++ {
			if err := img.ReadBlock(b, buf); err != nil {
				clear(buf)
			}
			h.Write(buf)
		}
	} else {
		buf := make([]byte, disk.STD_BYTES_PER_SECTOR)
		for t := 0; t < img.GetNumTracks(); t++ {
			for s := 0; s < img.GetNumSectPerTrack(); s++ {
				if err := img.ReadTrackSector(t, s, buf); err != nil {
					clear(buf)
				}
				h.Write(buf)
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// scanProgress draws "Scanned: n/total" when stderr is a terminal.
func (a *app) scanProgress() func(n int64, total int) {
	f, ok := a.stderr.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return func(int64, int) {}
	}
	return func(n int64, total int) {
		fmt.Fprintf(f, "\rScanned: %d/%d volumes ...", n, total)
	}
}

func printScan(w io.Writer, rep *scanReport) {
	fmt.Fprintln(w, "=============================================================")
	fmt.Fprintf(w, " DiskM8 scan report (%d Workers, %s)\n", rep.Workers, rep.Elapsed)
	fmt.Fprintln(w, "=============================================================")

	formats := make([]string, 0, len(rep.ByFormat))
	for f := range rep.ByFormat {
		formats = append(formats, f)
	}
	sort.Strings(formats)
	for _, f := range formats {
		fmt.Fprintf(w, "%-30s %6d\n", f, rep.ByFormat[f])
	}
	fmt.Fprintf(w, "\n%-30s %6d\n", "Total", rep.Images)
	if len(rep.Failed) > 0 {
		fmt.Fprintf(w, "%-30s %6d\n", "Failed", len(rep.Failed))
		for _, f := range rep.Failed {
			fmt.Fprintf(w, "  %s: %s\n", f.Image, f.Error)
		}
	}

	if len(rep.Matches) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "SEARCH RESULTS")
		fmt.Fprintln(w)
		for _, m := range rep.Matches {
			fmt.Fprintf(w, "%32s:\n  %s (%s, %d bytes)\n\n", m.Image, m.File, m.Type, m.Size)
		}
	}

	if len(rep.Similar) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "SIMILAR DISKS")
		fmt.Fprintln(w)
		for _, s := range rep.Similar {
			fmt.Fprintf(w, "%s\n  %6.2f%% %s of %s (%d same, %d missing, %d extra)\n\n",
				s.Image, s.Percent, s.Relation, s.Other, s.Same, s.Missing, s.Extra)
		}
	}

	for _, g := range [][]DuplicateGroup{rep.Duplicates, rep.WholeDuplicates} {
		if len(g) == 0 {
			continue
		}
		var dc DuplicateCollection
		for _, grp := range g {
			for _, s := range grp.Sources {
				dc.Add(grp.SHA256, s.Image, s.File)
			}
		}
		dc.Report(w)
	}
}

func (a *app) scanCmd() *cobra.Command {
	var o scanOptions
	cmd := &cobra.Command{
		Use:   "scan <dir>",
		Short: "Analyze every image under a folder",
		Long: `Walk a folder, analyze every image whose extension is listed in
scan.extensions and report the formats found. Optionally search for files
by name or by text (text files and BASIC listings), group duplicate
files or whole duplicate disks by SHA-256, and pair up images whose
catalogs largely overlap.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := a.scan(cmd.Context(), args[0], o)
			if err != nil {
				return err
			}
			return a.emit(rep, func(w io.Writer) { printScan(w, rep) })
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.Name, "name", "", "report files whose name matches this pattern")
	f.StringVar(&o.Text, "text", "", "report text and BASIC files containing this text")
	f.BoolVar(&o.Dupes, "file-dupes", false, "group identical files across images")
	f.BoolVar(&o.WholeDupes, "whole-dupes", false, "group identical disks")
	f.Float64Var(&o.Similar, "similar", 0, "report image pairs sharing at least this percentage of files")
	return cmd
}
