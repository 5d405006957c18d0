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

// releaser is implemented by steps that hold host resources.
type releaser interface {
	CleanupFunc(multistep.StateBag) error
}

// releaseKeys lists the state keys of held resources, innermost first:
// files copied into the chroot, chroot mounts, partition mounts, loop device.
var releaseKeys = []string{
	"copy_files_cleanup",
	"mount_extra_cleanup",
	"mount_device_cleanup",
	"loop_cleanup",
}

var _ multistep.Step = &StepRelease{}

// StepRelease releases every held resource in order once the build
// succeeded. When a step halts the runner calls the same idempotent cleanups
// through each step's Cleanup instead.
type StepRelease struct{}

func (s *StepRelease) Run(ctx context.Context, state multistep.StateBag) multistep.StepAction {
	ui := state.Get("ui").(packersdk.Ui)

	session, err := enter(state, StageRelease)
	if err != nil {
		return halt(state, err)
	}

	for _, key := range releaseKeys {
		c := state.Get(key)
		if c == nil {
			log.Printf("Skipping cleanup func: %s (not set)", key)
			continue
		}

		cleanup, ok := c.(releaser)
		if !ok {
			log.Printf("Skipping cleanup func: %s (does not implement CleanupFunc)", key)
			continue
		}

		log.Printf("Running cleanup func: %s", key)
		if err := cleanup.CleanupFunc(state); err != nil {
			return halt(state, &CleanupError{Err: fmt.Errorf("error during cleanup %s: %w", key, err)})
		}
	}

	ui.Say(fmt.Sprintf("Image %s is ready", session.ImagePath))
	return multistep.ActionContinue
}

func (s *StepRelease) Cleanup(state multistep.StateBag) {}
