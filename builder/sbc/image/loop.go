// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package image

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LoopBinding ties an image file to a loop block device. A binding handed
// out by Lifecycle.Bind always has both partition nodes.
type LoopBinding struct {
	Device      string
	BackingFile string
	// Partitions holds the boot and root partition nodes, in that order.
	Partitions []string

	formatted bool
	detached  bool
}

func newLoopBinding(device, backingFile string) *LoopBinding {
	return &LoopBinding{
		Device:      device,
		BackingFile: backingFile,
		Partitions:  []string{partitionNode(device, 1), partitionNode(device, 2)},
	}
}

func (b *LoopBinding) Boot() string { return b.Partitions[0] }
func (b *LoopBinding) Root() string { return b.Partitions[1] }

// partitionNode returns the node of partition n of a loop device, e.g.
// /dev/loop7p2.
func partitionNode(device string, n int) string {
	return fmt.Sprintf("%sp%d", device, n)
}

const deletedSuffix = " (deleted)"

// loopDevice is one entry of `losetup --json --list`.
type loopDevice struct {
	Name     string `json:"name"`
	BackFile string `json:"back-file"`
}

// parseLoopDevices decodes `losetup --json --list` output. An empty output
// means no loop device is in use.
func parseLoopDevices(out string) ([]loopDevice, error) {
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}
	var list struct {
		LoopDevices []loopDevice `json:"loopdevices"`
	}
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		return nil, fmt.Errorf("parsing losetup output: %w", err)
	}
	for i := range list.LoopDevices {
		list.LoopDevices[i].BackFile = strings.TrimSuffix(list.LoopDevices[i].BackFile, deletedSuffix)
	}
	return list.LoopDevices, nil
}

// devicesBackedBy returns the loop devices whose backing file is exactly path.
func devicesBackedBy(devs []loopDevice, path string) []string {
	var names []string
	for _, d := range devs {
		if d.BackFile == path {
			names = append(names, d.Name)
		}
	}
	return names
}
