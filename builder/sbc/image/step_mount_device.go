// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package image

import (
	"context"
	"fmt"

	"github.com/hashicorp/packer-plugin-sdk/multistep"
	packersdk "github.com/hashicorp/packer-plugin-sdk/packer"

	"github.com/sbcbuild/sbcbuild/builder/sbc/common/log"
)

var _ multistep.Step = &StepMountDevice{}

// StepMountDevice mounts the root partition on RootPath and the boot
// partition standalone on BootPath.
type StepMountDevice struct {
	RootPath string
	BootPath string

	mounted bool
}

func (s *StepMountDevice) Run(ctx context.Context, state multistep.StateBag) multistep.StepAction {
	ui := state.Get("ui").(packersdk.Ui)
	lc := state.Get("lifecycle").(*Lifecycle)

	session, err := enter(state, StageMount)
	if err != nil {
		return halt(state, err)
	}

	log.Printf("Mount path: %s, boot path: %s", s.RootPath, s.BootPath)
	ui.Say("Mounting the root and boot partitions...")
	if err := lc.Mount(session.Binding, session.Mounts, s.RootPath, s.BootPath); err != nil {
		return halt(state, err)
	}

	// Set the mount path so we remember to unmount it later
	s.mounted = true
	state.Put("mount_path", s.RootPath)
	state.Put("boot_path", s.BootPath)
	state.Put("mount_device_cleanup", s)

	return multistep.ActionContinue
}

func (s *StepMountDevice) Cleanup(state multistep.StateBag) {
	if err := s.CleanupFunc(state); err != nil {
		recordCleanupError(state, err)
	}
}

func (s *StepMountDevice) CleanupFunc(state multistep.StateBag) error {
	if !s.mounted {
		return nil
	}

	ui := state.Get("ui").(packersdk.Ui)
	lc := state.Get("lifecycle").(*Lifecycle)
	session := state.Get("session").(*BuildSession)

	ui.Say("Unmounting the root device...")
	if err := lc.Unmount(session.Mounts); err != nil {
		return fmt.Errorf("error unmounting root device: %w", err)
	}
	s.mounted = false
	return nil
}
