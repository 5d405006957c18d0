// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package image

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// MountPoint is a directory with exactly one partition mounted on it.
type MountPoint struct {
	Path   string
	Device string
	FSType string
}

// MountTable is the stack of mounts the session made. A path may only be
// pushed after every mount it is nested under; release pops in reverse.
type MountTable struct {
	stack []MountPoint
}

func (t *MountTable) Push(mp MountPoint) error {
	for _, m := range t.stack {
		if m.Path == mp.Path {
			return fmt.Errorf("%s is already mounted from %s", mp.Path, m.Device)
		}
		if isUnder(m.Path, mp.Path) {
			return fmt.Errorf("cannot mount %s: %s is already mounted below it", mp.Path, m.Path)
		}
	}
	t.stack = append(t.stack, mp)
	return nil
}

// Top returns the most recent mount.
func (t *MountTable) Top() (MountPoint, bool) {
	if len(t.stack) == 0 {
		return MountPoint{}, false
	}
	return t.stack[len(t.stack)-1], true
}

func (t *MountTable) Pop() (MountPoint, bool) {
	mp, ok := t.Top()
	if ok {
		t.stack = t.stack[:len(t.stack)-1]
	}
	return mp, ok
}

// HasDevice reports whether device is mounted anywhere in the table.
func (t *MountTable) HasDevice(device string) bool {
	for _, m := range t.stack {
		if m.Device == device {
			return true
		}
	}
	return false
}

func (t *MountTable) Len() int { return len(t.stack) }

// Points returns the mounts in push order.
func (t *MountTable) Points() []MountPoint {
	return append([]MountPoint(nil), t.stack...)
}

// isUnder reports whether p lies strictly below dir.
func isUnder(p, dir string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// canonicalPath makes p absolute and resolves the symlinks of its longest
// existing prefix. Mount points in the mount table and loop device back
// files are always reported in this form.
func canonicalPath(p string) (string, error) {
	p, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	var missing []string
	for {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(append([]string{resolved}, missing...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return filepath.Join(append([]string{p}, missing...)...), nil
		}
		missing = append([]string{filepath.Base(p)}, missing...)
		p = parent
	}
}

// mountInfo is the part of a /proc/self/mountinfo line we use.
type mountInfo struct {
	MountDir string
	FSType   string
	Source   string
}

// readMountInfo parses a mountinfo file. Lines look like
//
//	36 35 98:0 /mnt1 /mnt2 rw,noatime master:1 - ext3 /dev/root rw,errors=continue
func readMountInfo(path string) ([]mountInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []mountInfo
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		i := 6
		for i < len(fields) && fields[i] != "-" {
			i++
		}
		if i+2 >= len(fields) {
			continue
		}
		entries = append(entries, mountInfo{
			MountDir: unescapeMountInfo(fields[4]),
			FSType:   unescapeMountInfo(fields[i+1]),
			Source:   unescapeMountInfo(fields[i+2]),
		})
	}
	return entries, scanner.Err()
}

// unescapeMountInfo decodes the octal escapes (\040 for space) the kernel
// uses in mountinfo fields.
func unescapeMountInfo(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
