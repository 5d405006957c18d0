// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package image

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/packer-plugin-sdk/retry"
)

// fakeHost stands in for the privileged commands of a Lifecycle. The command
// wrapper records every command, applies its effect to the fake loop device
// and mount tables and returns a harmless shell command producing the
// expected output.
type fakeHost struct {
	t   *testing.T
	dir string

	commands []string
	loops    []loopDevice
	mounts   []mountInfo
	nodes    map[string]bool

	// commands failing with the given stderr; a key matches the command
	// itself or any command it is a word prefix of
	fail map[string]string
	// when set, binding a loop device creates no partition nodes
	noPartitions bool
	nextLoop     string
	outputs      int
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	h := &fakeHost{
		t:        t,
		dir:      t.TempDir(),
		nodes:    make(map[string]bool),
		fail:     make(map[string]string),
		nextLoop: "/dev/loop7",
	}
	h.writeMountInfo()
	return h
}

func (h *fakeHost) lifecycle() *Lifecycle {
	lc := NewLifecycle(h.wrap, Layout{BootStartSector: 2048, BootSizeMiB: 64})
	lc.exists = func(p string) bool { return h.nodes[p] }
	lc.mountInfoPath = h.mountInfoPath()
	lc.retry = retry.Config{
		Tries:      3,
		RetryDelay: func() time.Duration { return time.Millisecond },
	}
	return lc
}

func (h *fakeHost) mountInfoPath() string {
	return filepath.Join(h.dir, "mountinfo")
}

func (h *fakeHost) wrap(command string) (string, error) {
	h.commands = append(h.commands, command)
	for k, msg := range h.fail {
		if command == k || strings.HasPrefix(command, k+" ") {
			return fmt.Sprintf("echo %q >&2; exit 1", msg), nil
		}
	}

	fields := strings.Fields(command)
	last := fields[len(fields)-1]
	switch {
	case strings.HasPrefix(command, "losetup --json --list"):
		return h.listLoops(), nil
	case strings.HasPrefix(command, "losetup --find"):
		dev := h.nextLoop
		h.loops = append(h.loops, loopDevice{Name: dev, BackFile: last})
		if !h.noPartitions {
			h.nodes[partitionNode(dev, 1)] = true
			h.nodes[partitionNode(dev, 2)] = true
		}
		return "echo " + dev, nil
	case strings.HasPrefix(command, "losetup --detach"):
		h.loops = slices.DeleteFunc(h.loops, func(d loopDevice) bool { return d.Name == last })
		delete(h.nodes, partitionNode(last, 1))
		delete(h.nodes, partitionNode(last, 2))
	case fields[0] == "mount":
		// mount -t <fstype> <device> <dir>
		h.mounts = append(h.mounts, mountInfo{MountDir: last, FSType: fields[2], Source: fields[3]})
	case fields[0] == "umount":
		h.mounts = slices.DeleteFunc(h.mounts, func(mi mountInfo) bool { return mi.MountDir == last })
	}
	h.writeMountInfo()
	return "", nil
}

func (h *fakeHost) listLoops() string {
	if len(h.loops) == 0 {
		return ""
	}
	out, err := json.Marshal(map[string][]loopDevice{"loopdevices": h.loops})
	if err != nil {
		h.t.Fatal(err)
	}
	h.outputs++
	p := filepath.Join(h.dir, fmt.Sprintf("losetup-%d.json", h.outputs))
	if err := os.WriteFile(p, out, 0644); err != nil {
		h.t.Fatal(err)
	}
	return "cat " + p
}

func (h *fakeHost) writeMountInfo() {
	var b strings.Builder
	for i, mi := range h.mounts {
		fmt.Fprintf(&b, "%d 1 8:%d / %s rw,relatime shared:1 - %s %s rw\n", 100+i, i, mi.MountDir, mi.FSType, mi.Source)
	}
	if err := os.WriteFile(h.mountInfoPath(), []byte(b.String()), 0644); err != nil {
		h.t.Fatal(err)
	}
}

// ran returns the recorded commands, leaving out loop device listings.
func (h *fakeHost) ran() []string {
	var cmds []string
	for _, c := range h.commands {
		if c != "losetup --json --list" {
			cmds = append(cmds, c)
		}
	}
	return cmds
}

func (h *fakeHost) reset() {
	h.commands = nil
}
