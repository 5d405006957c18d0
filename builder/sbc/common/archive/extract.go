// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

// Package archive unpacks root filesystem tarballs onto a mounted partition,
// keeping ownership, permissions, links, device nodes and extended attributes
// so the result is bootable.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"

	"github.com/sbcbuild/sbcbuild/builder/sbc/common/log"
)

const xattrPrefix = "SCHILY.xattr."

type Options struct {
	// PreserveOwner applies the uid/gid recorded in the archive. Only root may do so.
	PreserveOwner bool
	// Devices creates character/block/fifo nodes. Skipped entries are logged.
	Devices bool
	// Xattrs restores extended attributes (file capabilities among them).
	Xattrs bool
}

// Privileged is what a root filesystem extraction needs.
var Privileged = Options{PreserveOwner: true, Devices: true, Xattrs: true}

// ErrUnsafePath is returned for entries that would land outside the target directory.
var ErrUnsafePath = errors.New("archive entry escapes the target directory")

// ExtractFile unpacks the archive at src into dir.
func ExtractFile(src, dir string, opts Options) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	return Extract(f, dir, opts)
}

// Extract unpacks a (possibly compressed) tar stream into dir. The compression
// is detected from the stream's magic bytes.
func Extract(r io.Reader, dir string, opts Options) error {
	stream, closer, err := decompress(r)
	if err != nil {
		return err
	}
	defer closer()

	dir, err = filepath.Abs(dir)
	if err != nil {
		return err
	}
	if dir, err = filepath.EvalSymlinks(dir); err != nil {
		return err
	}

	type dirTimes struct {
		path  string
		mtime time.Time
	}
	var dirs []dirTimes
	entries := 0

	tr := tar.NewReader(stream)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading tar stream: %w", err)
		}
		entries++

		// a directory entry over an existing symlink keeps the link and
		// populates what it points at, inside dir.
		target, err := resolveBeneath(dir, hdr.Name, hdr.Typeflag == tar.TypeDir)
		if err != nil {
			return fmt.Errorf("%s: %w", hdr.Name, err)
		}
		if target == dir && hdr.Typeflag != tar.TypeDir {
			return fmt.Errorf("%s: %w", hdr.Name, ErrUnsafePath)
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			dirs = append(dirs, dirTimes{target, hdr.ModTime})
		case tar.TypeReg, tar.TypeRegA:
			if err := writeFile(target, tr, hdr); err != nil {
				return err
			}
		case tar.TypeSymlink:
			removeExisting(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			source, err := resolveBeneath(dir, hdr.Linkname, false)
			if err != nil {
				return fmt.Errorf("%s -> %s: %w", hdr.Name, hdr.Linkname, err)
			}
			removeExisting(target)
			if err := os.Link(source, target); err != nil {
				return err
			}
			// a hard link shares the inode; metadata was applied to the source.
			continue
		case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			if !opts.Devices {
				log.Printf("[DEBUG] skipping device node %s", hdr.Name)
				continue
			}
			if err := mknod(target, hdr); err != nil {
				return err
			}
		case tar.TypeXGlobalHeader:
			continue
		default:
			log.Printf("[WARN] skipping %s: unsupported tar entry type %q", hdr.Name, hdr.Typeflag)
			continue
		}

		if err := applyMetadata(target, hdr, opts); err != nil {
			return fmt.Errorf("%s: %w", hdr.Name, err)
		}
	}

	if entries == 0 {
		return errors.New("archive contains no entries")
	}

	// Directory times last: populating a directory bumps its mtime.
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.Chtimes(dirs[i].path, dirs[i].mtime, dirs[i].mtime); err != nil {
			return err
		}
	}

	log.Printf("[DEBUG] extracted %d entries into %s", entries, dir)
	return nil
}

func decompress(r io.Reader) (io.Reader, func(), error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(6)
	if err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("reading archive header: %w", err)
	}

	noop := func() {}
	switch {
	case bytes.HasPrefix(magic, []byte{0x1f, 0x8b}):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, err
		}
		return zr, func() { zr.Close() }, nil
	case bytes.HasPrefix(magic, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}):
		xr, err := xz.NewReader(br)
		if err != nil {
			return nil, nil, err
		}
		return xr, noop, nil
	case bytes.HasPrefix(magic, []byte{0x28, 0xb5, 0x2f, 0xfd}):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	case bytes.HasPrefix(magic, []byte("BZh")):
		return bzip2.NewReader(br), noop, nil
	default:
		return br, noop, nil
	}
}

// securePath joins name onto dir, refusing results outside dir.
func securePath(dir, name string) (string, error) {
	cleaned := filepath.Clean(string(filepath.Separator) + name)
	target := filepath.Join(dir, cleaned)
	if target != dir && !strings.HasPrefix(target, dir+string(filepath.Separator)) {
		return "", ErrUnsafePath
	}
	return target, nil
}

// maxLinkHops matches the kernel's MAXSYMLINKS.
const maxLinkHops = 40

// resolveBeneath maps an archive name onto dir as if dir were the root
// directory: symlinks met along the way, created by earlier entries, are
// followed with absolute targets rebased onto dir and ".." clamped at dir, so
// the result never leaves dir. The last component is followed only when
// followLast is set.
func resolveBeneath(dir, name string, followLast bool) (string, error) {
	target, err := securePath(dir, name)
	if err != nil {
		return "", err
	}
	pending := splitPath(strings.TrimPrefix(target, dir))
	resolved := ""
	hops := 0
	for len(pending) > 0 {
		comp := pending[0]
		pending = pending[1:]
		switch comp {
		case "", ".":
			continue
		case "..":
			if resolved = filepath.Dir(resolved); resolved == "." {
				resolved = ""
			}
			continue
		}

		next := filepath.Join(resolved, comp)
		if len(pending) == 0 && !followLast {
			resolved = next
			break
		}
		fi, err := os.Lstat(filepath.Join(dir, next))
		if err != nil || fi.Mode()&os.ModeSymlink == 0 {
			resolved = next
			continue
		}

		if hops++; hops > maxLinkHops {
			return "", fmt.Errorf("too many levels of symbolic links: %w", ErrUnsafePath)
		}
		link, err := os.Readlink(filepath.Join(dir, next))
		if err != nil {
			return "", err
		}
		if filepath.IsAbs(link) {
			resolved = ""
		}
		pending = append(splitPath(link), pending...)
	}
	return filepath.Join(dir, resolved), nil
}

func splitPath(p string) []string {
	return strings.Split(filepath.ToSlash(p), "/")
}

func removeExisting(p string) {
	if fi, err := os.Lstat(p); err == nil && !fi.IsDir() {
		os.Remove(p)
	}
}

func writeFile(target string, r io.Reader, hdr *tar.Header) error {
	removeExisting(target)
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|unix.O_NOFOLLOW, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", hdr.Name, err)
	}
	return f.Close()
}

func mknod(target string, hdr *tar.Header) error {
	removeExisting(target)

	mode := uint32(hdr.Mode & 07777)
	switch hdr.Typeflag {
	case tar.TypeChar:
		mode |= unix.S_IFCHR
	case tar.TypeBlock:
		mode |= unix.S_IFBLK
	case tar.TypeFifo:
		mode |= unix.S_IFIFO
	}

	dev := unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor))
	if err := unix.Mknod(target, mode, int(dev)); err != nil {
		return fmt.Errorf("mknod %s: %w", target, err)
	}
	return nil
}

func applyMetadata(target string, hdr *tar.Header, opts Options) error {
	if opts.PreserveOwner {
		if err := os.Lchown(target, hdr.Uid, hdr.Gid); err != nil {
			return err
		}
	}

	if opts.Xattrs {
		for key, value := range hdr.PAXRecords {
			if !strings.HasPrefix(key, xattrPrefix) {
				continue
			}
			attr := strings.TrimPrefix(key, xattrPrefix)
			if err := unix.Lsetxattr(target, attr, []byte(value), 0); err != nil {
				return fmt.Errorf("setting xattr %s: %w", attr, err)
			}
		}
	}

	if hdr.Typeflag == tar.TypeSymlink {
		ts := []unix.Timespec{
			unix.NsecToTimespec(hdr.AccessTime.UnixNano()),
			unix.NsecToTimespec(hdr.ModTime.UnixNano()),
		}
		if hdr.AccessTime.IsZero() {
			ts[0] = ts[1]
		}
		if err := unix.UtimesNanoAt(unix.AT_FDCWD, target, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			log.Printf("[DEBUG] unable to set symlink times on %s: %v", target, err)
		}
		return nil
	}

	// chmod after chown: chown clears setuid/setgid bits.
	if err := os.Chmod(target, fileMode(hdr)); err != nil {
		return err
	}
	if hdr.Typeflag == tar.TypeDir {
		return nil
	}
	return os.Chtimes(target, hdr.ModTime, hdr.ModTime)
}

func fileMode(hdr *tar.Header) os.FileMode {
	mode := os.FileMode(hdr.Mode & 0777)
	if hdr.Mode&04000 != 0 {
		mode |= os.ModeSetuid
	}
	if hdr.Mode&02000 != 0 {
		mode |= os.ModeSetgid
	}
	if hdr.Mode&01000 != 0 {
		mode |= os.ModeSticky
	}
	return mode
}
