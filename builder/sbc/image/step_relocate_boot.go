// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package image

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/hashicorp/packer-plugin-sdk/multistep"
	packersdk "github.com/hashicorp/packer-plugin-sdk/packer"
)

var _ multistep.Step = &StepRelocateBoot{}

// StepRelocateBoot moves the archive's /boot onto the boot partition and
// mounts the partition in its final place under the root mount.
type StepRelocateBoot struct{}

func (s *StepRelocateBoot) Run(ctx context.Context, state multistep.StateBag) multistep.StepAction {
	ui := state.Get("ui").(packersdk.Ui)
	lc := state.Get("lifecycle").(*Lifecycle)
	mountPath := state.Get("mount_path").(string)
	bootPath := state.Get("boot_path").(string)

	session, err := enter(state, StageRelocateBoot)
	if err != nil {
		return halt(state, err)
	}

	ui.Say("Moving boot files onto the boot partition...")
	if err := lc.Relocate(session.Binding, session.Mounts, mountPath, bootPath); err != nil {
		var cleanupErr *CleanupError
		var acqErr *ResourceAcquisitionError
		if !errors.As(err, &cleanupErr) && !errors.As(err, &acqErr) {
			err = &ExecutionError{Stage: StageRelocateBoot, Err: err}
		}
		return halt(state, err)
	}
	state.Put("boot_path", filepath.Join(mountPath, "boot"))
	return multistep.ActionContinue
}

func (s *StepRelocateBoot) Cleanup(state multistep.StateBag) {}
