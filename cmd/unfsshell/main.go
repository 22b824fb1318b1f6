// Command unfsshell is an interactive REPL over a mounted UNFS image,
// reproducing the original unfs_shell.c command set (spec.md §6).
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/deyohong/UNFS/storage/device"
	"github.com/deyohong/UNFS/unfs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	cmd := &cobra.Command{
		Use:   "unfsshell DEVICE",
		Short: "Interactive shell over a mounted UNFS image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0])
		},
	}
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(devicePath string) error {
	ctx := context.Background()
	dev, err := device.OpenRaw(devicePath)
	if err != nil {
		return fmt.Errorf("unfsshell: %w", err)
	}

	fs, h, err := unfs.Open(ctx, dev, 4)
	if err != nil {
		return fmt.Errorf("unfsshell: %w", err)
	}

	sh := &shell{ctx: ctx, fs: fs, h: h, cwd: "/"}
	sh.loop()
	return fs.Close(ctx, h)
}

// shell holds the REPL's resident mount and current-directory convenience
// prefix (test/unfs_shell.c applies a cwd prefix to relative names before
// they reach the canonical-path API).
type shell struct {
	ctx     context.Context
	fs      *unfs.Filesystem
	h       unfs.Handle
	cwd     string
	history []string
}

func (s *shell) loop() {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Printf("%s> ", s.cwd)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			s.history = append(s.history, line)
			if !s.dispatch(line) {
				return
			}
		}
		fmt.Printf("%s> ", s.cwd)
	}
}

// dispatch runs one command line, returning false if the shell should exit.
func (s *shell) dispatch(line string) bool {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	var err error
	switch cmd {
	case "q", "quit":
		return false
	case "cd":
		err = s.cmdCd(args)
	case "ls":
		err = s.cmdLs(args)
	case "find":
		err = s.cmdFind(args)
	case "mkdir":
		err = s.cmdCreate(args, true)
	case "touch":
		err = s.cmdCreate(args, false)
	case "rmdir":
		err = s.cmdRemove(args, true)
	case "rm":
		err = s.cmdRemove(args, false)
	case "mv":
		err = s.cmdMove(args)
	case "cp":
		err = s.cmdCopy(args)
	case "cmp":
		err = s.cmdCompare(args)
	case "file":
		err = s.cmdFile(args)
	case "fs":
		s.cmdStat()
	case "fsck":
		err = s.fs.Check(s.ctx)
		if err == nil {
			fmt.Println("ok")
		}
	case "history":
		for i, h := range s.history {
			fmt.Printf("%4d  %s\n", i+1, h)
		}
	default:
		fmt.Printf("unknown command %q\n", cmd)
	}
	if err != nil {
		fmt.Println("error:", err)
	}
	return true
}

// resolve joins a possibly-relative name to the shell's current directory
// and normalizes it the way canonical UNFS names require.
func (s *shell) resolve(name string) string {
	if name == "" {
		return s.cwd
	}
	if strings.HasPrefix(name, "/") {
		return path.Clean(name)
	}
	return path.Clean(path.Join(s.cwd, name))
}

func (s *shell) cmdCd(args []string) error {
	target := "/"
	if len(args) > 0 {
		target = s.resolve(args[0])
	}
	exists, isdir, _, err := s.fs.Exist(s.h, target)
	if err != nil {
		return err
	}
	if !exists || !isdir {
		return fmt.Errorf("%s: not a directory", target)
	}
	s.cwd = target
	return nil
}

func (s *shell) cmdLs(args []string) error {
	target := s.cwd
	if len(args) > 0 {
		target = s.resolve(args[0])
	}
	children, err := s.fs.DirList(s.h, target)
	if err != nil {
		return err
	}
	for _, c := range children {
		if c.IsDir {
			fmt.Printf("%s/\n", c.Name)
		} else {
			fmt.Printf("%-24s %d\n", c.Name, c.Size)
		}
	}
	return nil
}

// cmdFind walks the tree under target, printing every entry whose leaf
// name contains the given substring.
func (s *shell) cmdFind(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: find [DIR] NAME")
	}
	dir, needle := s.cwd, args[0]
	if len(args) > 1 {
		dir, needle = s.resolve(args[0]), args[1]
	}
	return s.walk(dir, needle)
}

func (s *shell) walk(dir, needle string) error {
	children, err := s.fs.DirList(s.h, dir)
	if err != nil {
		return err
	}
	for _, c := range children {
		full := path.Join(dir, c.Name)
		if strings.Contains(c.Name, needle) {
			fmt.Println(full)
		}
		if c.IsDir {
			if err := s.walk(full, needle); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *shell) cmdCreate(args []string, isdir bool) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s NAME", map[bool]string{true: "mkdir", false: "touch"}[isdir])
	}
	_, err := s.fs.Create(s.ctx, s.h, s.resolve(args[0]), isdir, false)
	return err
}

func (s *shell) cmdRemove(args []string, isdir bool) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s NAME", map[bool]string{true: "rmdir", false: "rm"}[isdir])
	}
	return s.fs.Remove(s.ctx, s.h, s.resolve(args[0]), isdir)
}

func (s *shell) cmdMove(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: mv SRC DST")
	}
	return s.fs.Rename(s.ctx, s.h, s.resolve(args[0]), s.resolve(args[1]), false)
}

// cmdCopy reads src entirely into memory and writes it to a newly created
// dst; both names are within the mounted UNFS image.
func (s *shell) cmdCopy(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: cp SRC DST")
	}
	data, err := s.readWhole(s.resolve(args[0]))
	if err != nil {
		return err
	}
	dst, err := s.fs.OpenFile(s.ctx, s.h, s.resolve(args[1]), unfs.FlagCreate)
	if err != nil {
		return err
	}
	defer s.fs.CloseFile(s.ctx, s.h, dst)
	_, err = s.fs.Write(s.ctx, s.h, dst, data, 0)
	return err
}

// cmdCompare byte-compares two UNFS files, or a UNFS file against a host
// file when dst is prefixed with "@" (unfs_shell.c's cmp semantics).
func (s *shell) cmdCompare(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: cmp SRC DST")
	}
	a, err := s.readWhole(s.resolve(args[0]))
	if err != nil {
		return err
	}
	var b []byte
	if strings.HasPrefix(args[1], "@") {
		b, err = os.ReadFile(strings.TrimPrefix(args[1], "@"))
		if err != nil {
			return err
		}
	} else {
		b, err = s.readWhole(s.resolve(args[1]))
		if err != nil {
			return err
		}
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			fmt.Printf("differ at offset %d\n", i)
			return nil
		}
	}
	if len(a) != len(b) {
		fmt.Printf("differ at offset %d (length mismatch %d vs %d)\n", n, len(a), len(b))
		return nil
	}
	fmt.Println("identical")
	return nil
}

func (s *shell) readWhole(name string) ([]byte, error) {
	f, err := s.fs.OpenFile(s.ctx, s.h, name, 0)
	if err != nil {
		return nil, err
	}
	defer s.fs.CloseFile(s.ctx, s.h, f)
	st, err := s.fs.StatFile(s.h, f)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, st.Size)
	if _, err := s.fs.Read(s.ctx, s.h, f, buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}

// cmdFile prints size, extent count, and checksum for name — the Go
// analogue of unfs_shell.c's `file` command.
func (s *shell) cmdFile(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: file NAME")
	}
	f, err := s.fs.OpenFile(s.ctx, s.h, s.resolve(args[0]), 0)
	if err != nil {
		return err
	}
	defer s.fs.CloseFile(s.ctx, s.h, f)

	st, err := s.fs.StatFile(s.h, f)
	if err != nil {
		return err
	}
	sum, err := s.fs.Checksum(s.ctx, s.h, f)
	if err != nil {
		return err
	}
	fmt.Printf("size=%d extents=%d checksum=%s\n", st.Size, len(st.ExtentList), strconv.FormatUint(sum, 16))
	return nil
}

func (s *shell) cmdStat() {
	st := s.fs.Stat()
	logrus.WithFields(logrus.Fields{
		"block_count": st.BlockCount,
		"page_count":  st.PageCount,
		"page_free":   st.PageFree,
		"fd_count":    st.FDCount,
		"dir_count":   st.DirCount,
	}).Info("filesystem stat")
}
