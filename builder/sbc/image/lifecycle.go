// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package image

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/packer-plugin-sdk/common"
	packersdk "github.com/hashicorp/packer-plugin-sdk/packer"
	"github.com/hashicorp/packer-plugin-sdk/retry"

	"github.com/sbcbuild/sbcbuild/builder/sbc/common/log"
)

// Layout is the two partition DOS layout of every image: a FAT32 boot
// partition followed by a root partition spanning the rest of the image.
type Layout struct {
	BootStartSector int
	BootSizeMiB     int
}

// sfdiskScript is fed to sfdisk on stdin.
func (l Layout) sfdiskScript() string {
	return fmt.Sprintf("label: dos\nunit: sectors\n\nstart=%d, size=%dMiB, type=c\ntype=83\n",
		l.BootStartSector, l.BootSizeMiB)
}

// Lifecycle acquires and releases the host resources of a build: the image
// file, its loop device, and the mounts of its partitions. Every privileged
// command goes through the command wrapper.
type Lifecycle struct {
	wrap   common.CommandWrapper
	layout Layout

	exists        func(string) bool
	mountInfoPath string
	retry         retry.Config
}

func NewLifecycle(wrap common.CommandWrapper, layout Layout) *Lifecycle {
	return &Lifecycle{
		wrap:          wrap,
		layout:        layout,
		exists:        pathExists,
		mountInfoPath: "/proc/self/mountinfo",
		retry: retry.Config{
			Tries:      20,
			RetryDelay: (&retry.Backoff{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 2 * time.Second, Multiplier: 1.5}).Linear,
		},
	}
}

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// run executes command through the wrapper and returns its trimmed stdout.
func (l *Lifecycle) run(stdin, command string) (string, error) {
	wrapped, err := l.wrap(command)
	if err != nil {
		return "", fmt.Errorf("error creating command %q: %s", command, err)
	}

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	cmd := common.ShellCommand(wrapped)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	log.Printf("[DEBUG] running %s", wrapped)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w\nStderr: %s", command, err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (l *Lifecycle) loopDevices() ([]loopDevice, error) {
	out, err := l.run("", "losetup --json --list")
	if err != nil {
		return nil, err
	}
	return parseLoopDevices(out)
}

// DevicesUnder returns the loop devices backed by a file below dir.
func (l *Lifecycle) DevicesUnder(dir string) ([]string, error) {
	devs, err := l.loopDevices()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, d := range devs {
		if isUnder(d.BackFile, dir) {
			names = append(names, fmt.Sprintf("%s (%s)", d.Name, d.BackFile))
		}
	}
	return names, nil
}

// CreateImage writes a zero-filled image of sizeMiB and partitions it. An
// existing image is overwritten unless a loop device still holds it.
func (l *Lifecycle) CreateImage(path string, sizeMiB int) error {
	devs, err := l.loopDevices()
	if err != nil {
		return err
	}
	if bound := devicesBackedBy(devs, path); len(bound) > 0 {
		return &PreconditionError{Err: fmt.Errorf(
			"%s is still bound to %s, run `sbcbuild umount` first", path, strings.Join(bound, ", "))}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	err = f.Truncate(int64(sizeMiB) << 20)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("allocating %s: %w", path, err)
	}

	if _, err := l.run(l.layout.sfdiskScript(), "sfdisk "+path); err != nil {
		os.Remove(path)
		return &ResourceAcquisitionError{Op: "partitioning " + path, Err: fmt.Errorf("%w: %s", ErrPartitionTable, err)}
	}
	return nil
}

// Bind attaches path to a free loop device and waits for its partition
// nodes. On failure nothing stays attached.
func (l *Lifecycle) Bind(ctx context.Context, path string) (*LoopBinding, error) {
	op := "binding " + path

	out, err := l.run("", "losetup --find --show --partscan "+path)
	if err != nil {
		if msg := err.Error(); strings.Contains(msg, "unused loop device") || strings.Contains(msg, "free loop device") {
			return nil, &ResourceAcquisitionError{Op: op, Err: fmt.Errorf("%w: %s", ErrDeviceExhausted, err)}
		}
		return nil, &ResourceAcquisitionError{Op: op, Err: err}
	}
	if !strings.HasPrefix(out, "/dev/loop") {
		return nil, &ResourceAcquisitionError{Op: op, Err: fmt.Errorf("unexpected losetup output %q", out)}
	}

	b := newLoopBinding(out, path)
	log.Printf("[INFO] bound %s to %s", path, b.Device)

	if _, err := l.run("", "partprobe "+b.Device); err != nil {
		log.Printf("[WARN] %s", err)
	}

	if err := l.waitNodes(ctx, b.Partitions, true); err != nil {
		acqErr := &ResourceAcquisitionError{Op: op, Err: fmt.Errorf("%w: partitions of %s never appeared: %s", ErrPartitionTable, b.Device, err)}
		if derr := l.detach(context.Background(), b); derr != nil {
			return nil, &CleanupError{Err: packersdk.MultiErrorAppend(acqErr, derr)}
		}
		return nil, acqErr
	}
	return b, nil
}

func (l *Lifecycle) waitNodes(ctx context.Context, nodes []string, present bool) error {
	return l.retry.Run(ctx, func(context.Context) error {
		for _, n := range nodes {
			switch ok := l.exists(n); {
			case present && !ok:
				return fmt.Errorf("%s does not exist", n)
			case !present && ok:
				return fmt.Errorf("%s still exists", n)
			}
		}
		return nil
	})
}

// Format creates the boot and root filesystems. A binding is formatted at
// most once and never while one of its partitions is mounted.
func (l *Lifecycle) Format(b *LoopBinding, mounts *MountTable) error {
	if b.formatted {
		return &ResourceAcquisitionError{Op: "formatting " + b.Device, Err: ErrAlreadyFormatted}
	}

	infos, err := readMountInfo(l.mountInfoPath)
	if err != nil {
		return fmt.Errorf("reading mount table: %w", err)
	}
	for _, p := range b.Partitions {
		mounted := mounts.HasDevice(p)
		for _, mi := range infos {
			mounted = mounted || mi.Source == p
		}
		if mounted {
			return &ResourceAcquisitionError{Op: "formatting " + p, Err: ErrFormatMounted}
		}
	}

	for _, command := range []string{
		"mkfs.vfat -F 32 -n BOOT " + b.Boot(),
		"mkfs.ext4 -F -q -L ROOT " + b.Root(),
	} {
		if _, err := l.run("", command); err != nil {
			return &ResourceAcquisitionError{Op: "formatting " + b.Device, Err: err}
		}
	}
	b.formatted = true
	return nil
}

// Mount mounts the root partition on root and the boot partition standalone
// on boot. If the boot mount fails root is unmounted again.
func (l *Lifecycle) Mount(b *LoopBinding, mounts *MountTable, root, boot string) error {
	for _, dir := range []string{root, boot} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	if err := l.mount(mounts, MountPoint{Path: root, Device: b.Root(), FSType: "ext4"}); err != nil {
		return err
	}
	if err := l.mount(mounts, MountPoint{Path: boot, Device: b.Boot(), FSType: "vfat"}); err != nil {
		if uerr := l.Unmount(mounts); uerr != nil {
			return &CleanupError{Err: packersdk.MultiErrorAppend(err, uerr)}
		}
		return err
	}
	return nil
}

// Relocate moves the boot files the archive placed in root/boot onto the
// standalone boot filesystem, then mounts that filesystem on root/boot.
func (l *Lifecycle) Relocate(b *LoopBinding, mounts *MountTable, root, boot string) error {
	if top, ok := mounts.Top(); !ok || top.Path != boot {
		return fmt.Errorf("boot partition is not mounted standalone at %s", boot)
	}

	rootBoot := filepath.Join(root, "boot")
	if err := os.MkdirAll(rootBoot, 0755); err != nil {
		return err
	}
	for _, command := range []string{
		fmt.Sprintf("cp -R %s/. %s/", rootBoot, boot),
		fmt.Sprintf("find %s -mindepth 1 -delete", rootBoot),
	} {
		if _, err := l.run("", command); err != nil {
			return err
		}
	}

	if err := l.unmountTop(mounts); err != nil {
		return &CleanupError{Err: err}
	}
	return l.mount(mounts, MountPoint{Path: rootBoot, Device: b.Boot(), FSType: "vfat"})
}

func (l *Lifecycle) mount(mounts *MountTable, mp MountPoint) error {
	if err := mounts.Push(mp); err != nil {
		return err
	}
	if _, err := l.run("", fmt.Sprintf("mount -t %s %s %s", mp.FSType, mp.Device, mp.Path)); err != nil {
		mounts.Pop()
		return &ResourceAcquisitionError{Op: "mounting " + mp.Path, Err: err}
	}
	log.Printf("[INFO] mounted %s on %s", mp.Device, mp.Path)
	return nil
}

func (l *Lifecycle) isMounted(path string) (bool, error) {
	infos, err := readMountInfo(l.mountInfoPath)
	if err != nil {
		return false, fmt.Errorf("reading mount table: %w", err)
	}
	for _, mi := range infos {
		if mi.MountDir == path {
			return true, nil
		}
	}
	return false, nil
}

// unmountTop unmounts the most recent mount if it is still mounted and
// removes its directory unless it lives inside another mount.
func (l *Lifecycle) unmountTop(mounts *MountTable) error {
	mp, ok := mounts.Top()
	if !ok {
		return nil
	}

	mounted, err := l.isMounted(mp.Path)
	if err != nil {
		return err
	}
	if mounted {
		if _, err := l.run("", "umount "+mp.Path); err != nil {
			return fmt.Errorf("unmounting %s: %w", mp.Path, err)
		}
		log.Printf("[INFO] unmounted %s", mp.Path)
	}
	mounts.Pop()

	for _, parent := range mounts.Points() {
		if isUnder(mp.Path, parent.Path) {
			return nil
		}
	}
	if err := os.Remove(mp.Path); err != nil && !os.IsNotExist(err) {
		log.Printf("[WARN] unable to remove mount directory: %s", err)
	}
	return nil
}

// Unmount releases every mount of the table in reverse order. It stops at
// the first mount that cannot be released, leaving it on the table.
func (l *Lifecycle) Unmount(mounts *MountTable) error {
	for mounts.Len() > 0 {
		if err := l.unmountTop(mounts); err != nil {
			return err
		}
	}
	return nil
}

// detach releases the loop device if it is still attached to the binding's
// image, then waits for the partition nodes to go away.
func (l *Lifecycle) detach(ctx context.Context, b *LoopBinding) error {
	if b == nil || b.detached {
		return nil
	}

	devs, err := l.loopDevices()
	if err != nil {
		return err
	}
	attached := false
	for _, d := range devs {
		attached = attached || (d.Name == b.Device && d.BackFile == b.BackingFile)
	}

	if attached {
		if _, err := l.run("", "losetup --detach "+b.Device); err != nil {
			return fmt.Errorf("detaching %s: %w", b.Device, err)
		}
		log.Printf("[INFO] detached %s", b.Device)
	}
	if err := l.waitNodes(ctx, b.Partitions, false); err != nil {
		return fmt.Errorf("partitions of %s were not released: %w", b.Device, err)
	}
	b.detached = true
	return nil
}

// Release unmounts everything on the table, then detaches the loop device.
// It is safe to call with any subset of the resources acquired, and again
// after it failed.
func (l *Lifecycle) Release(ctx context.Context, b *LoopBinding, mounts *MountTable) error {
	if mounts != nil {
		if err := l.Unmount(mounts); err != nil {
			return &CleanupError{Err: err}
		}
	}
	if err := l.detach(ctx, b); err != nil {
		return &CleanupError{Err: err}
	}
	return nil
}

// Recover releases what an interrupted build left behind for imagePath,
// without any in-memory state: every loop device backed by exactly that
// file, every mount of its partitions, and every mount at or below the
// given mount directories. It returns what it released.
func (l *Lifecycle) Recover(ctx context.Context, imagePath string, mountDirs ...string) ([]string, error) {
	devs, err := l.loopDevices()
	if err != nil {
		return nil, err
	}

	var bindings []*LoopBinding
	sources := make(map[string]bool)
	for _, dev := range devicesBackedBy(devs, imagePath) {
		b := newLoopBinding(dev, imagePath)
		for _, p := range b.Partitions {
			if !l.exists(p) {
				log.Printf("[WARN] %s has no partition %s, the image layout is incomplete", dev, p)
			}
			sources[p] = true
		}
		sources[dev] = true
		bindings = append(bindings, b)
	}

	infos, err := readMountInfo(l.mountInfoPath)
	if err != nil {
		return nil, fmt.Errorf("reading mount table: %w", err)
	}
	var targets []string
	for _, mi := range infos {
		match := sources[mi.Source]
		for _, dir := range mountDirs {
			match = match || mi.MountDir == dir || isUnder(mi.MountDir, dir)
		}
		if match {
			targets = append(targets, mi.MountDir)
		}
	}

	if len(bindings) == 0 && len(targets) == 0 {
		return nil, &PreconditionError{Err: fmt.Errorf("%w %s and none of its mount directories are in use", ErrNotBound, imagePath)}
	}

	// deepest first
	sort.SliceStable(targets, func(i, j int) bool {
		return strings.Count(targets[i], "/") > strings.Count(targets[j], "/")
	})

	var released []string
	var errs *packersdk.MultiError
	for _, t := range targets {
		if _, err := l.run("", "umount "+t); err != nil {
			errs = packersdk.MultiErrorAppend(errs, err)
			continue
		}
		released = append(released, t)
	}
	if errs != nil {
		// a loop device with mounted partitions cannot be detached
		return released, &CleanupError{Err: errs}
	}

	for _, b := range bindings {
		if err := l.detach(ctx, b); err != nil {
			errs = packersdk.MultiErrorAppend(errs, err)
			continue
		}
		released = append(released, b.Device)
	}
	if errs != nil {
		return released, &CleanupError{Err: errs}
	}
	return released, nil
}
