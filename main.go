package main

/*
DiskM8 is an open source offshoot of the file handling code from the Octalyzer
project.

It opens Apple // and vintage Macintosh disk images (DOS 3.2 and 3.3,
ProDOS, Pascal, CP/M, RDOS, HFS and FAT volumes, also when they sit inside
UNIDOS, CFFA or Apple partitioned disks), lists and extracts their files,
writes new files to DOS and ProDOS volumes and scans whole folders of images
for duplicates and text.
*/

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/paleotronic/diskm8/config"
	"github.com/paleotronic/diskm8/disk"
	"github.com/paleotronic/diskm8/loggy"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

const version = "2.0.0"

func banner(w io.Writer) {
	fmt.Fprintf(w, `
______  _       _     ___  ___ _____
|  _  \(_)     | |    |  \/  ||  _  |
| | | | _  ___ | | __ | .  . | \ V /
| | | || |/ __|| |/ / | |\/| | / _ \
| |/ / | |\__ \|   <  | |  | || |_| |
|___/  |_||___/|_|\_\ \_|  |_/\_____/

DiskM8 %s, (c) 2017-2026 Paleotronic.com

`, version)
}

// app carries the settings and open resources of one invocation.
type app struct {
	fs     afero.Fs
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	configPath string
	logLevel   string
	logFolder  string
	verbose    bool
	readOnly   bool
	format     string

	cfg *config.Config
	log *loggy.Logger
	eng *disk.Engine
}

func newApp(fs afero.Fs, stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{fs: fs, stdin: stdin, stdout: stdout, stderr: stderr}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "diskm8",
		Short: "Apple // and Macintosh disk image tool",
		Long: `DiskM8 reads and writes Apple // disk images.

Images may be plain sector dumps (.do, .po, .dsk, .d13), nibble images
(.nib, .nb2), 2IMG, DiskCopy 4.2, Sim //e HDV or TrackStar files, optionally
compressed with gzip or zip. Files inside a volume are addressed by their
path using the volume's own separator (':' for ProDOS and HFS, '\' for FAT).`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return a.setup(cmd) },
	}
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (yaml, json or toml)")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.StringVar(&a.logFolder, "log-folder", "", "folder diskm8.log is written to; empty disables the file")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "echo log records to stderr")
	pf.BoolVar(&a.readOnly, "read-only", false, "never write images back")
	pf.StringVarP(&a.format, "format", "f", "", "report format: yaml, json or text")

	root.AddCommand(
		a.infoCmd(),
		a.catCmd(),
		a.listCmd(),
		a.extractCmd(),
		a.putCmd(),
		a.rmCmd(),
		a.mkdirCmd(),
		a.renameCmd(),
		a.lockCmd(true),
		a.lockCmd(false),
		a.volnameCmd(),
		a.usageCmd(),
		a.createCmd(),
		a.convertCmd(),
		a.scanCmd(),
		a.shellCmd(),
		a.versionCmd(),
	)
	return root
}

// setup loads settings, applies flag overrides and opens the logger and
// engine.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.LoadFs(a.fs, a.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if flags.Changed("log-folder") {
		cfg.Log.Folder = a.logFolder
	}
	if a.verbose {
		cfg.Log.Echo = true
	}
	if a.readOnly {
		cfg.Engine.ReadOnly = true
	}
	if flags.Changed("format") {
		cfg.Output = strings.ToLower(a.format)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	opts := cfg.LogOptions(loggy.DefaultApp)
	opts.Stderr = a.stderr
	l, err := loggy.New(opts)
	if err != nil {
		return err
	}
	loggy.SetDefault(l.Logger)

	a.cfg = cfg
	a.log = l
	a.eng = disk.NewEngine(cfg.EngineConfig(a.fs, l.Logger))
	l.Debug("started", "command", cmd.CommandPath(), "config", a.configPath)
	return nil
}

// close releases whatever the command left open.
func (a *app) close() error {
	var errs []error
	if a.eng != nil {
		for _, img := range a.eng.OpenImages() {
			errs = append(errs, img.CloseImage())
		}
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	return errors.Join(errs...)
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the banner and version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			banner(a.stdout)
			return nil
		},
	}
}

// run executes one command line and releases everything it opened.
func run(args []string, fs afero.Fs, stdin io.Reader, stdout, stderr io.Writer) error {
	a := newApp(fs, stdin, stdout, stderr)
	root := a.rootCmd()
	root.SetArgs(args)
	err := root.Execute()
	if cerr := a.close(); err == nil {
		err = cerr
	}
	return err
}

// exitCode maps the disk error taxonomy onto process exit status: 2 for
// requests the tool refused, 1 for everything else.
func exitCode(err error) int {
	switch disk.ErrorCode(err) {
	case disk.ErrFileNotFound, disk.ErrFileExists, disk.ErrWriteProtected,
		disk.ErrInvalidArg, disk.ErrNotSupported:
		return 2
	}
	return 1
}

func main() {
	if err := run(os.Args[1:], afero.NewOsFs(), os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(exitCode(err))
	}
}
