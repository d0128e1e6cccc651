package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/paleotronic/diskm8/disk"
	"github.com/paleotronic/diskm8/loggy"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

const (
	shellOK   = 0
	shellFail = -1
	shellQuit = 999
)

// shell is an interactive session with a fixed number of mount slots.
type shell struct {
	a        *app
	ctx      context.Context
	out      io.Writer
	errOut   io.Writer
	volumes  []*volume
	paths    []string
	target   int
	commands map[string]*shellCommand
}

type shellCommand struct {
	Name             string
	Description      string
	MinArgs, MaxArgs int
	Code             func(sh *shell, args []string) int
	NeedsMount       bool
	Context          shellCommandContext
	Text             []string
}

type shellCommandContext int

const (
	sccNone shellCommandContext = 1 << iota
	sccLocal
	sccDiskFile
	sccCommand
)

func (a *app) newShell(ctx context.Context) *shell {
	sh := &shell{
		a:       a,
		ctx:     ctx,
		out:     a.stdout,
		errOut:  a.stderr,
		volumes: make([]*volume, a.cfg.Shell.MaxVolumes),
		paths:   make([]string, a.cfg.Shell.MaxVolumes),
		target:  -1,
	}
	sh.commands = shellCommands()
	return sh
}

func shellCommands() map[string]*shellCommand {
	list := []*shellCommand{
		{
			Name:        "mount",
			Description: "Mount a disk image",
			MinArgs:     1,
			MaxArgs:     2,
			Code:        (*shell).mount,
			Context:     sccLocal,
			Text: []string{
				"mount <diskfile> [sub-volume]",
				"",
				"Mount a disk image in the first free slot and make it the target.",
				"A sub-volume index or name selects a volume inside a container.",
			},
		},
		{
			Name:        "unmount",
			Description: "Unmount disk image",
			MaxArgs:     1,
			Code:        (*shell).unmount,
			Context:     sccNone,
			Text: []string{
				"unmount <slot>",
				"",
				"Unmount the disk in the specified slot (or current slot)",
			},
		},
		{
			Name:        "disks",
			Description: "List mounted volumes",
			MaxArgs:     0,
			Code:        (*shell).disks,
			Context:     sccNone,
		},
		{
			Name:        "target",
			Description: "Select mounted volume as default",
			MinArgs:     1,
			MaxArgs:     1,
			Code:        (*shell).selectTarget,
			Context:     sccNone,
		},
		{
			Name:        "info",
			Description: "Information about the current disk",
			MaxArgs:     0,
			Code:        (*shell).info,
			NeedsMount:  true,
			Context:     sccNone,
		},
		{
			Name:        "cat",
			Description: "Display file information",
			MaxArgs:     1,
			Code:        (*shell).cat,
			NeedsMount:  true,
			Context:     sccDiskFile,
			Text: []string{
				"cat [pattern]",
				"",
				"List files in the current volume directory matching pattern.",
			},
		},
		{
			Name:        "prefix",
			Description: "Change volume directory",
			MaxArgs:     1,
			Code:        (*shell).prefix,
			NeedsMount:  true,
			Context:     sccDiskFile,
			Text: []string{
				"prefix [dir]",
				"",
				"Change the directory on the volume; '..' goes up, no argument goes to the root.",
			},
		},
		{
			Name:        "list",
			Description: "List a BASIC program or text file",
			MinArgs:     1,
			MaxArgs:     1,
			Code:        (*shell).list,
			NeedsMount:  true,
			Context:     sccDiskFile,
		},
		{
			Name:        "extract",
			Description: "Extract file from disk image",
			MinArgs:     1,
			MaxArgs:     2,
			Code:        (*shell).extract,
			NeedsMount:  true,
			Context:     sccDiskFile,
			Text: []string{
				"extract <pattern> [local dir]",
				"",
				"Extract matching files, named with their type and aux type.",
			},
		},
		{
			Name:        "put",
			Description: "Copy local file to disk (with optional target name)",
			MinArgs:     1,
			MaxArgs:     2,
			Code:        (*shell).put,
			NeedsMount:  true,
			Context:     sccLocal,
			Text: []string{
				"put <localfile>[,A$addr][,L$len] [name]",
				"",
				"Copy a local file onto the disk. NAME#0x2000.BIN sets type and aux type;",
				"files ending .APP.ASC or .INT.ASC are tokenized as BASIC.",
			},
		},
		{
			Name:        "delete",
			Description: "Remove file from disk",
			MinArgs:     1,
			MaxArgs:     1,
			Code:        (*shell).delete,
			NeedsMount:  true,
			Context:     sccDiskFile,
		},
		{
			Name:        "mkdir",
			Description: "Create a directory on disk",
			MinArgs:     1,
			MaxArgs:     1,
			Code:        (*shell).mkdir,
			NeedsMount:  true,
			Context:     sccDiskFile,
		},
		{
			Name:        "rename",
			Description: "Rename a file on the disk",
			MinArgs:     2,
			MaxArgs:     2,
			Code:        (*shell).rename,
			NeedsMount:  true,
			Context:     sccDiskFile,
		},
		{
			Name:        "lock",
			Description: "Lock file on the disk",
			MinArgs:     1,
			MaxArgs:     1,
			Code:        func(sh *shell, args []string) int { return sh.lock(args, true) },
			NeedsMount:  true,
			Context:     sccDiskFile,
		},
		{
			Name:        "unlock",
			Description: "Unlock file on the disk",
			MinArgs:     1,
			MaxArgs:     1,
			Code:        func(sh *shell, args []string) int { return sh.lock(args, false) },
			NeedsMount:  true,
			Context:     sccDiskFile,
		},
		{
			Name:        "setvolume",
			Description: "Sets the volume name",
			MinArgs:     1,
			MaxArgs:     1,
			Code:        (*shell).setVolume,
			NeedsMount:  true,
			Context:     sccNone,
		},
		{
			Name:        "usage",
			Description: "Show block or sector usage",
			MaxArgs:     1,
			Code:        (*shell).usage,
			NeedsMount:  true,
			Context:     sccNone,
			Text: []string{
				"usage [map]",
				"",
				"Summarize block or sector usage; 'map' adds one character per chunk.",
			},
		},
		{
			Name:        "copy",
			Description: "Copy files from one volume to another",
			MinArgs:     2,
			MaxArgs:     -1,
			Code:        (*shell).copy,
			NeedsMount:  true,
			Context:     sccDiskFile,
			Text: []string{
				"copy [slot:]<pattern>... <slot:>[path]",
				"",
				"Copy files from one mounted disk to another.",
			},
		},
		{
			Name:        "ls",
			Description: "List local files",
			MaxArgs:     1,
			Code:        (*shell).listLocal,
			Context:     sccLocal,
		},
		{
			Name:        "help",
			Description: "Shows this help",
			MaxArgs:     1,
			Code:        (*shell).help,
			Context:     sccCommand,
		},
		{
			Name:        "quit",
			Description: "Leave this place",
			MinArgs:     -1,
			MaxArgs:     -1,
			Code:        func(sh *shell, args []string) int { return shellQuit },
			Context:     sccNone,
		},
	}

	out := make(map[string]*shellCommand, len(list)+1)
	for _, c := range list {
		out[c.Name] = c
	}
	out["exit"] = out["quit"]
	return out
}

func smartSplit(line string) (string, []string) {

	var out []string

	var inqq bool
	var lastEscape bool
	var chunk string

	add := func() {
		if chunk != "" {
			out = append(out, chunk)
			chunk = ""
		}
	}

	for _, ch := range line {
		switch {
		case ch == '"':
			inqq = !inqq
			add()
		case ch == ' ':
			if inqq || lastEscape {
				chunk += string(ch)
			} else {
				add()
			}
			lastEscape = false
		case ch == '\\' && !inqq:
			lastEscape = true
		default:
			chunk += string(ch)
			lastEscape = false
		}
	}

	add()

	if len(out) == 0 {
		return "", out
	}

	return out[0], out[1:]
}

func (sh *shell) prompt() string {
	if sh.target == -1 || sh.volumes[sh.target] == nil {
		return "dsk:<no mount>> "
	}
	v := sh.volumes[sh.target]
	return fmt.Sprintf("dsk:%d:%s:%s> ", sh.target, filepath.Base(v.name), sh.paths[sh.target])
}

func (sh *shell) current() *volume {
	if sh.target < 0 {
		return nil
	}
	return sh.volumes[sh.target]
}

func (sh *shell) fail(err error) int {
	fmt.Fprintf(sh.errOut, "Error: %s\n", err)
	return shellFail
}

// process runs one command line.
func (sh *shell) process(line string) int {
	verb, args := smartSplit(strings.TrimSpace(line))
	if verb == "" || strings.HasPrefix(verb, "#") {
		return shellOK
	}

	verb = strings.ToLower(verb)
	command, ok := sh.commands[verb]
	if !ok {
		fmt.Fprintf(sh.errOut, "Unrecognized command: %s\n", verb)
		return shellFail
	}
	if command.MinArgs != -1 && len(args) < command.MinArgs {
		fmt.Fprintf(sh.errOut, "%s expects at least %d arguments\n", verb, command.MinArgs)
		return shellFail
	}
	if command.MaxArgs != -1 && len(args) > command.MaxArgs {
		fmt.Fprintf(sh.errOut, "%s expects at most %d arguments\n", verb, command.MaxArgs)
		return shellFail
	}
	if command.NeedsMount && sh.current() == nil {
		fmt.Fprintf(sh.errOut, "%s only works on mounted disks\n", verb)
		return shellFail
	}
	return command.Code(sh, args)
}

// runBatch executes commands from r, stopping at the first failure.
func (sh *shell) runBatch(r io.Reader) error {
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		switch sh.process(sc.Text()) {
		case shellFail:
			return fmt.Errorf("script failed at line %d: %s", n, sc.Text())
		case shellQuit:
			return nil
		}
	}
	return sc.Err()
}

func (sh *shell) interactive() error {
	hist := sh.a.cfg.Shell.HistoryFile
	if hist != "" {
		os.MkdirAll(filepath.Dir(hist), 0755)
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:       sh.prompt(),
		HistoryFile:  hist,
		AutoComplete: &shellCompleter{sh: sh},
		Stdout:       sh.out,
		Stderr:       sh.errOut,
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if sh.process(line) == shellQuit {
			return nil
		}
		rl.SetPrompt(sh.prompt())
	}
}

// closeAll unmounts every slot.
func (sh *shell) closeAll() error {
	var errs []error
	for i, v := range sh.volumes {
		if v != nil {
			errs = append(errs, v.close())
			sh.volumes[i] = nil
		}
	}
	return errors.Join(errs...)
}

func (sh *shell) mountVolume(path, sub string) (int, error) {

	var free []int
	for i, v := range sh.volumes {
		if v == nil {
			free = append(free, i)
		} else if v.name == path && v.sub == sub {
			return i, nil
		}
	}
	if len(free) == 0 {
		return -1, errors.New("no free slots")
	}

	v, err := sh.a.openVolume(sh.ctx, path, sub, !sh.a.cfg.Engine.ReadOnly)
	if disk.ErrorCode(err) == disk.ErrAccessDenied {
		v, err = sh.a.openVolume(sh.ctx, path, sub, false)
	}
	if err != nil {
		return -1, err
	}

	slot := free[0]
	sh.volumes[slot] = v
	sh.paths[slot] = ""
	loggy.Get(slot).Info("mounted", "image", path, "sub", sub, "writable", v.writable)
	return slot, nil

}

func (sh *shell) mount(args []string) int {
	sub := ""
	if len(args) > 1 {
		sub = args[1]
	}
	slot, err := sh.mountVolume(args[0], sub)
	if err != nil {
		return sh.fail(err)
	}
	sh.target = slot
	fmt.Fprintf(sh.errOut, "mount disk in slot %d\n", slot)
	return shellOK
}

func (sh *shell) parseSlot(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1, fmt.Errorf("invalid slot number: %s", s)
	}
	if n < 0 || n >= len(sh.volumes) {
		return -1, fmt.Errorf("valid slots are 0 to %d", len(sh.volumes)-1)
	}
	if sh.volumes[n] == nil {
		return -1, fmt.Errorf("nothing mounted in slot %d (use disks to see mounts)", n)
	}
	return n, nil
}

func (sh *shell) unmount(args []string) int {
	slot := sh.target
	if len(args) > 0 {
		n, err := sh.parseSlot(args[0])
		if err != nil {
			return sh.fail(err)
		}
		slot = n
	}
	if slot < 0 || sh.volumes[slot] == nil {
		return shellOK
	}

	err := sh.volumes[slot].close()
	sh.volumes[slot] = nil
	sh.paths[slot] = ""
	loggy.Get(slot).Info("unmounted")
	if slot == sh.target {
		sh.target = -1
		for i, v := range sh.volumes {
			if v != nil {
				sh.target = i
				break
			}
		}
	}
	if err != nil {
		return sh.fail(err)
	}
	fmt.Fprintln(sh.errOut, "Unmounted volume")
	return shellOK
}

func (sh *shell) disks(args []string) int {
	fmt.Fprintln(sh.out, "Mounted Volumes")
	for i, v := range sh.volumes {
		if v == nil {
			continue
		}
		mode := "rw"
		if !v.writable {
			mode = "ro"
		}
		mark := " "
		if i == sh.target {
			mark = "*"
		}
		fmt.Fprintf(sh.out, "%s%d:%s (%s, %s)\n", mark, i, v.name, v.fs.GetVolumeName(), mode)
	}
	return shellOK
}

func (sh *shell) selectTarget(args []string) int {
	n, err := sh.parseSlot(args[0])
	if err != nil {
		return sh.fail(err)
	}
	sh.target = n
	return shellOK
}

func (sh *shell) info(args []string) int {
	ii := describeImage(sh.current())
	fmt.Fprintf(sh.out, "Disk path   : %s\n", ii.Image)
	fmt.Fprintf(sh.out, "Disk type   : %s\n", ii.FileFormat)
	fmt.Fprintf(sh.out, "Sector Order: %s\n", ii.Order)
	printVolumeInfo(sh.out, ii.Volume, "")
	return shellOK
}

// resolve joins name onto the slot's current directory unless it starts
// with the volume's separator.
func (sh *shell) resolve(name string) string {
	v := sh.current()
	sep := string(v.fs.GetFSSeparator())
	if strings.HasPrefix(name, sep) {
		return strings.TrimPrefix(name, sep)
	}
	if p := sh.paths[sh.target]; p != "" {
		return p + sep + name
	}
	return name
}

func (sh *shell) cat(args []string) int {
	pattern := "*"
	if len(args) > 0 {
		pattern = args[0]
	}
	cr, err := sh.current().catalogReport(sh.resolve(pattern))
	if err != nil {
		return sh.fail(err)
	}
	printCatalog(sh.out, cr)
	return shellOK
}

func (sh *shell) prefix(args []string) int {
	v := sh.current()
	sep := string(v.fs.GetFSSeparator())
	if len(args) == 0 || args[0] == sep {
		sh.paths[sh.target] = ""
		return shellOK
	}
	if args[0] == ".." {
		p := sh.paths[sh.target]
		if i := strings.LastIndex(p, sep); i >= 0 {
			sh.paths[sh.target] = p[:i]
		} else {
			sh.paths[sh.target] = ""
		}
		return shellOK
	}

	dir := sh.resolve(args[0])
	f, err := v.lookup(dir)
	if err != nil {
		return sh.fail(err)
	}
	if !f.IsDirectory() {
		return sh.fail(fmt.Errorf("%s is not a directory", dir))
	}
	sh.paths[sh.target] = f.GetPathName()
	fmt.Fprintf(sh.out, "Switched to directory %s\n", f.GetPathName())
	return shellOK
}

func (sh *shell) list(args []string) int {
	v := sh.current()
	f, err := v.lookup(sh.resolve(args[0]))
	if err != nil {
		return sh.fail(err)
	}
	text, err := v.listing(sh.ctx, f)
	if err != nil {
		return sh.fail(err)
	}
	fmt.Fprint(sh.out, text)
	if !strings.HasSuffix(text, "\n") {
		fmt.Fprintln(sh.out)
	}
	return shellOK
}

func (sh *shell) extract(args []string) int {
	dir := "."
	if len(args) > 1 {
		dir = args[1]
	}
	written, err := sh.a.extractFiles(sh.ctx, sh.current(), sh.resolve(args[0]), dir, true, false)
	for _, p := range written {
		fmt.Fprintf(sh.out, "Extract: %s OK\n", p)
	}
	if err != nil {
		return sh.fail(err)
	}
	return shellOK
}

func (sh *shell) put(args []string) int {
	v := sh.current()
	target := ""
	if len(args) > 1 {
		target = sh.resolve(args[1])
	} else if p, err := parsePutName(args[0]); err == nil {
		target = sh.resolve(p.Name)
	}
	f, err := sh.a.putFile(sh.ctx, v, args[0], target, "", -1, false)
	if err != nil {
		return sh.fail(err)
	}
	fmt.Fprintf(sh.out, "Stored %s\n", f.GetPathName())
	return shellOK
}

func (sh *shell) delete(args []string) int {
	if err := sh.current().remove(sh.resolve(args[0])); err != nil {
		return sh.fail(err)
	}
	return shellOK
}

func (sh *shell) mkdir(args []string) int {
	if err := sh.current().mkdir(sh.resolve(args[0])); err != nil {
		return sh.fail(err)
	}
	return shellOK
}

func (sh *shell) rename(args []string) int {
	if err := sh.current().rename(sh.resolve(args[0]), args[1]); err != nil {
		return sh.fail(err)
	}
	return shellOK
}

func (sh *shell) lock(args []string, locked bool) int {
	if err := sh.current().setLocked(sh.resolve(args[0]), locked); err != nil {
		return sh.fail(err)
	}
	return shellOK
}

func (sh *shell) setVolume(args []string) int {
	if err := sh.current().renameVolume(args[0]); err != nil {
		return sh.fail(err)
	}
	return shellOK
}

func (sh *shell) usage(args []string) int {
	withMap := len(args) > 0 && strings.EqualFold(args[0], "map")
	ur, err := sh.current().usage(withMap)
	if err != nil {
		return sh.fail(err)
	}
	printUsage(sh.out, ur)
	return shellOK
}

var reCopyArg = regexp.MustCompile("^(([0-9]+)[:])?(.*)$")

// copy copies files between mounted volumes, keeping type and aux type.
func (sh *shell) copy(args []string) int {
	slotOf := func(arg string) (int, string, error) {
		m := reCopyArg.FindStringSubmatch(arg)
		if m[2] == "" {
			return sh.target, m[3], nil
		}
		n, err := sh.parseSlot(m[2])
		return n, m[3], err
	}

	dslot, dpath, err := slotOf(args[len(args)-1])
	if err != nil {
		return sh.fail(err)
	}
	dst := sh.volumes[dslot]

	copied := 0
	for _, arg := range args[:len(args)-1] {
		sslot, pattern, err := slotOf(arg)
		if err != nil {
			return sh.fail(err)
		}
		src := sh.volumes[sslot]
		if sslot == dslot {
			return sh.fail(errors.New("source and target are the same volume"))
		}
		if err := src.requireFiles(); err != nil {
			return sh.fail(err)
		}
		for _, f := range src.fs.Files() {
			if f.IsDirectory() || !matchName(pattern, f) {
				continue
			}
			data, err := src.readFile(sh.ctx, f, false)
			if err != nil {
				return sh.fail(err)
			}
			name := f.GetFileName()
			if dpath != "" {
				name = dpath + string(dst.fs.GetFSSeparator()) + name
			}
			nf, err := dst.writeFile(sh.ctx, name, data, f.GetFileType(), f.GetAuxType(), false)
			if err != nil {
				return sh.fail(err)
			}
			fmt.Fprintf(sh.out, "%d:%s -> %d:%s\n", sslot, f.GetPathName(), dslot, nf.GetPathName())
			copied++
		}
	}
	if copied == 0 {
		return sh.fail(disk.ErrFileNotFound)
	}
	return shellOK
}

func (sh *shell) listLocal(args []string) int {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	infos, err := afero.ReadDir(sh.a.fs, dir)
	if err != nil {
		return sh.fail(err)
	}

	fmt.Fprintf(sh.out, "%6s  %2s  %-23s  %s\n", "BLOCKS", "RO", "KIND", "NAME")
	for _, fi := range infos {
		locked := " "
		if fi.Mode().Perm()&0200 == 0 {
			locked = "Y"
		}
		kind := "Local file"
		if fi.IsDir() {
			kind = "Local directory"
		} else if sh.a.isImageName(fi.Name()) {
			kind = "Disk image"
		}
		fmt.Fprintf(sh.out, "%6d  %2s  %-23s  %s\n", (fi.Size()+disk.BLOCK_SIZE-1)/disk.BLOCK_SIZE, locked, kind, fi.Name())
	}
	return shellOK
}

func (sh *shell) help(args []string) int {
	if len(args) == 0 {
		keys := make([]string, 0, len(sh.commands))
		for k := range sh.commands {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(sh.out, "%-10s %s\n", k, sh.commands[k].Description)
		}
		return shellOK
	}

	command := strings.ToLower(args[0])
	details, ok := sh.commands[command]
	if !ok || details.Text == nil {
		fmt.Fprintf(sh.errOut, "No help available for %s\n", command)
		return shellOK
	}
	for _, l := range details.Text {
		fmt.Fprintln(sh.out, l)
	}
	return shellOK
}

type shellCompleter struct {
	sh *shell
}

func hasPrefix(str []rune, prefix []rune) bool {
	if len(prefix) > len(str) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		if str[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (sc *shellCompleter) Do(line []rune, pos int) ([][]rune, int) {

	verb := ""
	chunk := ""
	for _, ch := range line {
		if ch == ' ' {
			verb = chunk
			break
		}
		chunk += string(ch)
	}

	// cprefix is the word under the cursor.
	cprefix := ""
	var lastEscape bool
	for i := 0; i < pos && i < len(line); i++ {
		ch := line[i]
		switch {
		case ch == '\\':
			lastEscape = true
		case ch == ' ' && !lastEscape:
			cprefix = ""
		default:
			cprefix += string(ch)
			lastEscape = false
		}
	}

	kind := sccCommand
	if cmd, ok := sc.sh.commands[verb]; ok {
		kind = cmd.Context
	}

	var items [][]rune
	switch kind {
	case sccCommand:
		for k := range sc.sh.commands {
			items = append(items, []rune(k))
		}
	case sccDiskFile:
		v := sc.sh.current()
		if v == nil || v.fs.GetFSFormat().IsContainer() {
			return nil, 0
		}
		for _, f := range v.fs.Files() {
			items = append(items, []rune(f.GetPathName()))
		}
	case sccLocal:
		files, err := afero.Glob(sc.sh.a.fs, cprefix+"*")
		if err != nil {
			return nil, 0
		}
		for _, f := range files {
			items = append(items, []rune(f))
		}
	}

	var filt [][]rune
	for _, v := range items {
		if hasPrefix(v, []rune(cprefix)) {
			filt = append(filt, shellEscape(v[len([]rune(cprefix)):]))
		}
	}
	if len(filt) == 0 {
		return nil, 0
	}
	return filt, len([]rune(cprefix))
}

func shellEscape(str []rune) []rune {
	out := make([]rune, 0, len(str))
	for _, v := range str {
		if v == ' ' {
			out = append(out, '\\')
		}
		out = append(out, v)
	}
	return out
}

func (a *app) shellCmd() *cobra.Command {
	var batch string
	cmd := &cobra.Command{
		Use:   "shell [image]",
		Short: "Start an interactive session",
		Long: `Start an interactive session with up to shell.max_volumes mounted images.
With --batch, commands are read from a file ("-" for stdin) instead, and the
first failing command ends the run.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sh := a.newShell(cmd.Context())
			defer sh.closeAll()

			if len(args) > 0 && sh.mount(args) != shellOK {
				return fmt.Errorf("mount %s failed", args[0])
			}

			var err error
			switch batch {
			case "":
				banner(a.stdout)
				err = sh.interactive()
			case "-":
				err = sh.runBatch(a.stdin)
			default:
				f, oerr := a.fs.Open(batch)
				if oerr != nil {
					return oerr
				}
				err = sh.runBatch(f)
				f.Close()
			}
			if cerr := sh.closeAll(); err == nil {
				err = cerr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&batch, "batch", "", "run commands from a file instead of the terminal")
	return cmd
}
