package main

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/paleotronic/diskm8/config"
	"github.com/paleotronic/diskm8/disk"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

type volumeInfo struct {
	Name       string       `yaml:"name" json:"name"`
	ID         string       `yaml:"id,omitempty" json:"id,omitempty"`
	Format     string       `yaml:"format" json:"format"`
	Files      int          `yaml:"files" json:"files"`
	FreeUnits  int          `yaml:"free_units,omitempty" json:"free_units,omitempty"`
	UnitBytes  int          `yaml:"unit_bytes,omitempty" json:"unit_bytes,omitempty"`
	Damaged    bool         `yaml:"damaged,omitempty" json:"damaged,omitempty"`
	ReadOnly   bool         `yaml:"read_only,omitempty" json:"read_only,omitempty"`
	Notes      []string     `yaml:"notes,omitempty" json:"notes,omitempty"`
	SubVolumes []volumeInfo `yaml:"sub_volumes,omitempty" json:"sub_volumes,omitempty"`
}

type imageInfo struct {
	Image      string     `yaml:"image" json:"image"`
	Outer      string     `yaml:"outer" json:"outer"`
	FileFormat string     `yaml:"file_format" json:"file_format"`
	Physical   string     `yaml:"physical" json:"physical"`
	Order      string     `yaml:"order" json:"order"`
	Tracks     int        `yaml:"tracks,omitempty" json:"tracks,omitempty"`
	Sectors    int        `yaml:"sectors,omitempty" json:"sectors,omitempty"`
	Blocks     int        `yaml:"blocks,omitempty" json:"blocks,omitempty"`
	DOSVolume  int        `yaml:"dos_volume,omitempty" json:"dos_volume,omitempty"`
	Notes      []string   `yaml:"notes,omitempty" json:"notes,omitempty"`
	Volume     volumeInfo `yaml:"volume" json:"volume"`
}

func describeFS(fs *disk.DiskFS) volumeInfo {
	vi := volumeInfo{
		Name:     fs.GetVolumeName(),
		ID:       fs.GetVolumeID(),
		Format:   fs.GetFSFormat().String(),
		Files:    fs.GetFileCount(),
		Damaged:  fs.GetFSDamaged(),
		ReadOnly: fs.GetReadOnly(),
		Notes:    fs.GetNotes(),
	}
	if free, unit, err := fs.GetFreeSpaceCount(); err == nil {
		vi.FreeUnits, vi.UnitBytes = free, unit
	}
	for _, sv := range fs.SubVolumes() {
		if sfs := sv.GetDiskFS(); sfs != nil {
			vi.SubVolumes = append(vi.SubVolumes, describeFS(sfs))
			continue
		}
		vi.SubVolumes = append(vi.SubVolumes, volumeInfo{
			Name:   sv.GetName(),
			Format: sv.GetDiskImg().GetFSFormat().String(),
		})
	}
	return vi
}

func describeImage(v *volume) imageInfo {
	img := v.img
	ii := imageInfo{
		Image:      v.name,
		Outer:      img.GetOuterFormat().String(),
		FileFormat: img.GetFileFormat().String(),
		Physical:   img.GetPhysicalFormat().String(),
		Order:      img.GetSectorOrder().String(),
		Notes:      img.GetNotes(),
		Volume:     describeFS(v.fs),
	}
	if img.GetHasSectors() {
		ii.Tracks, ii.Sectors = img.GetNumTracks(), img.GetNumSectPerTrack()
	}
	if img.GetHasBlocks() {
		ii.Blocks = img.GetNumBlocks()
	}
	if img.GetHasNibbles() {
		ii.DOSVolume = img.GetDOSVolumeNum()
	}
	return ii
}

func printVolumeInfo(w io.Writer, vi volumeInfo, indent string) {
	fmt.Fprintf(w, "%sVolume      : %s\n", indent, vi.Name)
	fmt.Fprintf(w, "%sFormat      : %s\n", indent, vi.Format)
	fmt.Fprintf(w, "%sFiles       : %d\n", indent, vi.Files)
	if vi.UnitBytes > 0 {
		fmt.Fprintf(w, "%sFree        : %d x %d bytes\n", indent, vi.FreeUnits, vi.UnitBytes)
	}
	if vi.Damaged {
		fmt.Fprintf(w, "%sDamaged     : yes\n", indent)
	}
	for _, n := range vi.Notes {
		fmt.Fprintf(w, "%sNote        : %s\n", indent, n)
	}
	for i, sv := range vi.SubVolumes {
		fmt.Fprintf(w, "%sSub-volume %d:\n", indent, i)
		printVolumeInfo(w, sv, indent+"  ")
	}
}

func (a *app) infoCmd() *cobra.Command {
	var sub string
	cmd := &cobra.Command{
		Use:   "info <image>",
		Short: "Describe an image and its volumes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.openVolume(cmd.Context(), args[0], sub, false)
			if err != nil {
				return err
			}
			defer v.close()

			ii := describeImage(v)
			return a.emit(ii, func(w io.Writer) {
				fmt.Fprintf(w, "Disk path   : %s\n", ii.Image)
				fmt.Fprintf(w, "Wrapper     : %s / %s\n", ii.Outer, ii.FileFormat)
				fmt.Fprintf(w, "Physical    : %s\n", ii.Physical)
				fmt.Fprintf(w, "Sector Order: %s\n", ii.Order)
				if ii.Tracks > 0 {
					fmt.Fprintf(w, "Geometry    : %d tracks x %d sectors\n", ii.Tracks, ii.Sectors)
				}
				if ii.Blocks > 0 {
					fmt.Fprintf(w, "Blocks      : %d\n", ii.Blocks)
				}
				printVolumeInfo(w, ii.Volume, "")
			})
		},
	}
	cmd.Flags().StringVar(&sub, "sub", "", "sub-volume index or name, nested with '/'")
	return cmd
}

type catalogReport struct {
	Volume    string      `yaml:"volume" json:"volume"`
	Format    string      `yaml:"format" json:"format"`
	Files     []fileEntry `yaml:"files" json:"files"`
	FreeUnits int         `yaml:"free_units" json:"free_units"`
	UnitBytes int         `yaml:"unit_bytes" json:"unit_bytes"`
}

func printCatalog(w io.Writer, cr catalogReport) {
	unit := cr.UnitBytes
	if unit <= 0 {
		unit = disk.BLOCK_SIZE
	}

	fmt.Fprintf(w, "Volume Name is %s\n\n", cr.Volume)

	fmt.Fprintf(w, "%-33s  %6s  %2s  %-5s  %s\n", "NAME", "UNITS", "RO", "KIND", "ADDITIONAL")
	for _, f := range cr.Files {
		locked := " "
		if f.Locked {
			locked = "Y"
		}
		add := ""
		if f.Dir {
			add = "<DIR>"
		} else if f.AuxType != 0 {
			add = fmt.Sprintf("(A$%.4X)", f.AuxType)
		}
		if f.Quality != disk.QualityGood.String() {
			add += " " + f.Quality
		}
		units := (f.Size + f.RsrcSize + int64(unit) - 1) / int64(unit)
		fmt.Fprintf(w, "%-33s  %6d  %2s  %-5s %.2x  %s\n", f.Path, units, locked, f.Type, f.TypeCode&0xff, add)
	}

	fmt.Fprintf(w, "\nFREE: %d x %d bytes\n", cr.FreeUnits, unit)
}

func (a *app) catCmd() *cobra.Command {
	var sub string
	cmd := &cobra.Command{
		Use:     "cat <image> [pattern]",
		Aliases: []string{"catalog", "dir"},
		Short:   "List the files on a volume",
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.openVolume(cmd.Context(), args[0], sub, false)
			if err != nil {
				return err
			}
			defer v.close()

			pattern := "*"
			if len(args) > 1 {
				pattern = args[1]
			}
			cr, err := v.catalogReport(pattern)
			if err != nil {
				return err
			}
			return a.emit(cr, func(w io.Writer) { printCatalog(w, cr) })
		},
	}
	cmd.Flags().StringVar(&sub, "sub", "", "sub-volume index or name, nested with '/'")
	return cmd
}

func (v *volume) catalogReport(pattern string) (catalogReport, error) {
	files, err := v.catalog(pattern)
	if err != nil {
		return catalogReport{}, err
	}
	cr := catalogReport{
		Volume: v.fs.GetVolumeName(),
		Format: v.fs.GetFSFormat().String(),
		Files:  files,
	}
	cr.FreeUnits, cr.UnitBytes, _ = v.fs.GetFreeSpaceCount()
	return cr, nil
}

func (a *app) listCmd() *cobra.Command {
	var sub string
	cmd := &cobra.Command{
		Use:   "list <image> <file>",
		Short: "Print a BASIC program or text file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.openVolume(cmd.Context(), args[0], sub, false)
			if err != nil {
				return err
			}
			defer v.close()

			f, err := v.lookup(args[1])
			if err != nil {
				return err
			}
			text, err := v.listing(cmd.Context(), f)
			if err != nil {
				return err
			}
			fmt.Fprint(a.stdout, text)
			if !strings.HasSuffix(text, "\n") {
				fmt.Fprintln(a.stdout)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sub, "sub", "", "sub-volume index or name, nested with '/'")
	return cmd
}

// extractFiles writes every file matching pattern into dir and returns the
// host paths written.
func (a *app) extractFiles(ctx context.Context, v *volume, pattern, dir string, adorned, rsrc bool) ([]string, error) {
	if err := v.requireFiles(); err != nil {
		return nil, err
	}
	if err := a.fs.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	var out []string
	for _, f := range v.fs.Files() {
		if f.IsDirectory() || !matchName(pattern, f) {
			continue
		}
		if rsrc && !f.HasRsrcFork() {
			continue
		}
		data, err := v.readFile(ctx, f, rsrc)
		if err != nil {
			return out, fmt.Errorf("%s: %w", f.GetPathName(), err)
		}
		name := f.GetFileName()
		if adorned {
			name = adornedName(f)
		}
		if rsrc {
			name += ".rsrc"
		}
		target := filepath.Join(dir, name)
		if err := afero.WriteFile(a.fs, target, data, 0644); err != nil {
			return out, err
		}
		a.log.Info("extracted file", "image", v.name, "file", f.GetPathName(), "to", target, "bytes", len(data))
		out = append(out, target)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", pattern, disk.ErrFileNotFound)
	}
	return out, nil
}

func (a *app) extractCmd() *cobra.Command {
	var (
		sub     string
		adorned bool
		rsrc    bool
	)
	cmd := &cobra.Command{
		Use:   "extract <image> <pattern> [dir]",
		Short: "Copy files out of a volume",
		Long: `Copy every file whose name matches pattern into dir (default ".").

Adorned names carry the file type and aux type, as in HELLO#0x0801.BAS, so
that put restores them.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.openVolume(cmd.Context(), args[0], sub, false)
			if err != nil {
				return err
			}
			defer v.close()

			dir := "."
			if len(args) > 2 {
				dir = args[2]
			}
			written, err := a.extractFiles(cmd.Context(), v, args[1], dir, adorned, rsrc)
			for _, p := range written {
				fmt.Fprintln(a.stdout, p)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&sub, "sub", "", "sub-volume index or name, nested with '/'")
	cmd.Flags().BoolVar(&adorned, "adorned", true, "add type and aux type to host file names")
	cmd.Flags().BoolVar(&rsrc, "rsrc", false, "extract resource forks instead of data forks")
	return cmd
}

// putFile copies one host file onto the volume, under target if given.
func (a *app) putFile(ctx context.Context, v *volume, host, target, typeName string, aux int64, replace bool) (*disk.A2File, error) {
	p, err := parsePutName(host)
	if err != nil {
		return nil, err
	}
	if typeName != "" {
		p.Type = fileTypeFromExt(typeName)
	}
	if aux >= 0 {
		p.Aux = uint32(aux)
	}

	src := strings.SplitN(host, ",", 2)[0]
	data, err := afero.ReadFile(a.fs, src)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src, disk.ErrFileNotFound)
	}
	data, err = encodeForPut(p, data)
	if err != nil {
		return nil, err
	}

	name := p.Name
	if target != "" {
		name = target
	}
	f, err := v.writeFile(ctx, name, data, uint32(p.Type), p.Aux, replace)
	if err != nil {
		return nil, err
	}
	a.log.Info("stored file", "image", v.name, "file", f.GetPathName(), "type", p.Type.Ext(), "bytes", len(data))
	return f, nil
}

func (a *app) putCmd() *cobra.Command {
	var (
		sub      string
		typeName string
		aux      int64
		replace  bool
	)
	cmd := &cobra.Command{
		Use:   "put <image> <host-file> [path]",
		Short: "Copy a host file onto a volume",
		Long: `Copy a host file onto a DOS 3.x or ProDOS volume.

The type comes from the extension or an adorned name (NAME#0x2000.BIN).
Append ,A$2000 to set the load address and ,L$100 to limit the length.
Files ending in .APP.ASC or .INT.ASC are tokenized as Applesoft or Integer
BASIC source.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.openVolume(cmd.Context(), args[0], sub, true)
			if err != nil {
				return err
			}
			defer v.close()

			target := ""
			if len(args) > 2 {
				target = args[2]
			}
			f, err := a.putFile(cmd.Context(), v, args[1], target, typeName, aux, replace)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, f.GetPathName())
			return v.close()
		},
	}
	cmd.Flags().StringVar(&sub, "sub", "", "sub-volume index or name, nested with '/'")
	cmd.Flags().StringVarP(&typeName, "type", "t", "", "file type abbreviation (TXT, BIN, BAS, SYS, ...)")
	cmd.Flags().Int64Var(&aux, "aux", -1, "aux type or load address")
	cmd.Flags().BoolVar(&replace, "replace", false, "replace an existing file")
	return cmd
}

// mutateCmd builds the commands that change one volume and print nothing.
func (a *app) mutateCmd(use, short string, args cobra.PositionalArgs, fn func(v *volume, args []string) error) *cobra.Command {
	var sub string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.openVolume(cmd.Context(), args[0], sub, true)
			if err != nil {
				return err
			}
			defer v.close()
			if err := fn(v, args[1:]); err != nil {
				return err
			}
			return v.close()
		},
	}
	cmd.Flags().StringVar(&sub, "sub", "", "sub-volume index or name, nested with '/'")
	return cmd
}

func (a *app) rmCmd() *cobra.Command {
	cmd := a.mutateCmd("rm <image> <path>...", "Delete files", cobra.MinimumNArgs(2),
		func(v *volume, names []string) error {
			for _, n := range names {
				if err := v.remove(n); err != nil {
					return err
				}
			}
			return nil
		})
	cmd.Aliases = []string{"delete"}
	return cmd
}

func (a *app) mkdirCmd() *cobra.Command {
	return a.mutateCmd("mkdir <image> <path>", "Create a directory", cobra.ExactArgs(2),
		func(v *volume, args []string) error { return v.mkdir(args[0]) })
}

func (a *app) renameCmd() *cobra.Command {
	return a.mutateCmd("rename <image> <path> <new-name>", "Rename a file", cobra.ExactArgs(3),
		func(v *volume, args []string) error { return v.rename(args[0], args[1]) })
}

func (a *app) lockCmd(lock bool) *cobra.Command {
	use, short := "unlock <image> <path>...", "Allow writing files"
	if lock {
		use, short = "lock <image> <path>...", "Protect files from writing"
	}
	return a.mutateCmd(use, short, cobra.MinimumNArgs(2),
		func(v *volume, names []string) error {
			for _, n := range names {
				if err := v.setLocked(n, lock); err != nil {
					return err
				}
			}
			return nil
		})
}

func (a *app) volnameCmd() *cobra.Command {
	return a.mutateCmd("volname <image> <name>", "Rename the volume", cobra.ExactArgs(2),
		func(v *volume, args []string) error { return v.renameVolume(args[0]) })
}

type usageReport struct {
	Volume  string            `yaml:"volume" json:"volume"`
	Summary disk.UsageSummary `yaml:"summary" json:"summary"`
	Map     []string          `yaml:"map,omitempty" json:"map,omitempty"`
}

func (v *volume) usage(withMap bool) (usageReport, error) {
	vu, err := v.fs.GetVolumeUsageMap()
	if err != nil {
		return usageReport{}, err
	}
	ur := usageReport{Volume: v.fs.GetVolumeName(), Summary: vu.Summary()}
	if withMap {
		ur.Map = strings.Split(strings.TrimRight(vu.Map(), "\n"), "\n")
	}
	return ur, nil
}

func printUsage(w io.Writer, ur usageReport) {
	s := ur.Summary
	fmt.Fprintf(w, "Volume     : %s\n", ur.Volume)
	fmt.Fprintf(w, "Total      : %d\n", s.Total)
	fmt.Fprintf(w, "Used       : %d\n", s.Used)
	fmt.Fprintf(w, "Free       : %d\n", s.Free)
	fmt.Fprintf(w, "Marked used: %d\n", s.MarkedUsed)
	fmt.Fprintf(w, "Conflicts  : %d\n", s.Conflicts)
	fmt.Fprintf(w, "Damaged    : %d\n", s.Damaged)
	fmt.Fprintf(w, "Leaked     : %d\n", s.Leaked)
	fmt.Fprintf(w, "Unmarked   : %d\n", s.Unmarked)
	if len(ur.Map) > 0 {
		fmt.Fprintln(w)
		for _, l := range ur.Map {
			fmt.Fprintln(w, l)
		}
	}
}

func (a *app) usageCmd() *cobra.Command {
	var (
		sub     string
		withMap bool
	)
	cmd := &cobra.Command{
		Use:   "usage <image>",
		Short: "Show how blocks or sectors are used",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.openVolume(cmd.Context(), args[0], sub, false)
			if err != nil {
				return err
			}
			defer v.close()

			ur, err := v.usage(withMap)
			if err != nil {
				return err
			}
			return a.emit(ur, func(w io.Writer) { printUsage(w, ur) })
		},
	}
	cmd.Flags().StringVar(&sub, "sub", "", "sub-volume index or name, nested with '/'")
	cmd.Flags().BoolVar(&withMap, "map", false, "include the per-chunk map")
	return cmd
}

// createParams works out wrappers from the image name: .gz and .zip for
// compression, then .2mg, .hdv, .dc, .nib or .nb2 for the file format.
func createParams(name string) disk.CreateParams {
	p := disk.CreateParams{Path: name}
	base := strings.ToLower(path.Base(filepath.ToSlash(name)))

	switch {
	case strings.HasSuffix(base, ".gz"):
		p.Outer = disk.OuterFormatGzip
		base = strings.TrimSuffix(base, ".gz")
	case strings.HasSuffix(base, ".zip"):
		p.Outer = disk.OuterFormatZip
		base = strings.TrimSuffix(base, ".zip")
	}

	switch path.Ext(base) {
	case ".2mg", ".2img":
		p.FileFormat = disk.FileFormat2MG
	case ".hdv":
		p.FileFormat = disk.FileFormatSim2eHDV
	case ".dc", ".dc42", ".image":
		p.FileFormat = disk.FileFormatDiskCopy42
	case ".nib":
		p.Physical = disk.PhysicalFormatNib525_6656
	case ".nb2":
		p.Physical = disk.PhysicalFormatNib525_6384
	}
	return p
}

var createFormats = map[string]disk.FSFormat{
	"prodos": disk.FSFormatProDOS,
	"dos33":  disk.FSFormatDOS33,
	"dos32":  disk.FSFormatDOS32,
}

func (a *app) createImage(name, fsName, volName string, blocks, tracks, sectors, dosVolume int, order string) (*disk.DiskImg, error) {
	fsFmt, ok := createFormats[strings.ToLower(fsName)]
	if !ok {
		return nil, fmt.Errorf("filesystem %q: %w", fsName, disk.ErrUnsupportedFSFmt)
	}

	p := createParams(name)
	p.FS = fsFmt
	p.DOSVolumeNum = dosVolume
	if order != "" {
		o, err := config.ParseSectorOrder(order)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", err, disk.ErrInvalidArg)
		}
		p.Order = o
	}

	var (
		img *disk.DiskImg
		err error
	)
	switch {
	case fsFmt == disk.FSFormatDOS32:
		img, err = a.eng.CreateImageTS(p, tracks, disk.STD_SECTORS_PER_TRACK_OLD)
	case fsFmt == disk.FSFormatDOS33 || p.Physical.IsNibble():
		img, err = a.eng.CreateImageTS(p, tracks, sectors)
	default:
		img, err = a.eng.CreateImage(p, blocks)
	}
	if err != nil {
		return nil, err
	}

	fs, err := img.OpenAppropriateDiskFS()
	if err == nil {
		err = fs.Format(volName)
	}
	if err == nil {
		err = fs.Flush()
	}
	if err != nil {
		img.CloseImage()
		return nil, err
	}
	a.log.Info("created volume", "image", name, "fs", fsFmt.String(), "volume", fs.GetVolumeName())
	return img, nil
}

func (a *app) createCmd() *cobra.Command {
	var (
		fsName    string
		volName   string
		blocks    int
		tracks    int
		sectors   int
		dosVolume int
		order     string
	)
	cmd := &cobra.Command{
		Use:   "create <image>",
		Short: "Create and format a new image",
		Long: `Create a new image and format it as ProDOS, DOS 3.3 or DOS 3.2.

The wrapper follows the name: .2mg, .hdv, .dc, .nib and .nb2 select those
formats, and a trailing .gz or .zip compresses the result.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Engine.ReadOnly {
				return fmt.Errorf("%s: read-only mode: %w", args[0], disk.ErrWriteProtected)
			}
			img, err := a.createImage(args[0], fsName, volName, blocks, tracks, sectors, dosVolume, order)
			if err != nil {
				return err
			}
			return img.CloseImage()
		},
	}
	f := cmd.Flags()
	f.StringVar(&fsName, "fs", "prodos", "filesystem: prodos, dos33 or dos32")
	f.StringVar(&volName, "name", "DISKM8", "volume name (ProDOS)")
	f.IntVar(&blocks, "blocks", disk.PRODOS_BLOCKS_PER_DISK, "size in 512-byte blocks (ProDOS)")
	f.IntVar(&tracks, "tracks", disk.STD_TRACKS_PER_DISK, "tracks (DOS and nibble images)")
	f.IntVar(&sectors, "sectors", disk.STD_SECTORS_PER_TRACK, "sectors per track (DOS 3.3)")
	f.IntVar(&dosVolume, "dos-volume", 0, "DOS volume number (default 254)")
	f.StringVar(&order, "order", "", "sector order: prodos, dos, cpm or physical")
	return cmd
}

func (a *app) convertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "convert <image> <new-image>",
		Short: "Copy an image block by block into a new wrapper",
		Long: `Copy every block (or sector) of an image into a new image whose wrapper
follows its name, as for create. Unreadable blocks are zero filled and
counted.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Engine.ReadOnly {
				return fmt.Errorf("%s: read-only mode: %w", args[1], disk.ErrWriteProtected)
			}
			src, err := a.eng.OpenImage(args[0], true)
			if err != nil {
				return err
			}
			defer src.CloseImage()
			if err := src.AnalyzeImage(); err != nil {
				return err
			}

			p := createParams(args[1])
			p.FS = src.GetFSFormat()
			p.DOSVolumeNum = src.GetDOSVolumeNum()
			var dst *disk.DiskImg
			if src.GetHasBlocks() && src.GetNumSectPerTrack() != disk.STD_SECTORS_PER_TRACK_OLD && !p.Physical.IsNibble() {
				dst, err = a.eng.CreateImage(p, src.GetNumBlocks())
			} else {
				dst, err = a.eng.CreateImageTS(p, src.GetNumTracks(), src.GetNumSectPerTrack())
			}
			if err != nil {
				return err
			}
			defer dst.CloseImage()

			bad, err := src.CopyBlocks(cmd.Context(), dst, a.progress("copying "+src.GetName()))
			a.endProgress()
			if err != nil {
				return err
			}
			if err := dst.FlushImage(); err != nil {
				return err
			}
			if bad > 0 {
				a.log.Warn("unreadable units zero filled", "image", args[0], "count", bad)
				fmt.Fprintf(a.stderr, "%d unreadable blocks were zero filled\n", bad)
			}
			return nil
		},
	}
}
