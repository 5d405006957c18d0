// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package image

import (
	"context"
	"fmt"

	"github.com/hashicorp/packer-plugin-sdk/multistep"
	packersdk "github.com/hashicorp/packer-plugin-sdk/packer"
)

var _ multistep.Step = &StepCreateImage{}

// StepCreateImage allocates and partitions the image file. The image is the
// build's artifact and is kept when later steps fail.
type StepCreateImage struct {
	SizeMiB int
}

func (s *StepCreateImage) Run(ctx context.Context, state multistep.StateBag) multistep.StepAction {
	ui := state.Get("ui").(packersdk.Ui)
	lc := state.Get("lifecycle").(*Lifecycle)

	session, err := enter(state, StageCreateImage)
	if err != nil {
		return halt(state, err)
	}

	ui.Say(fmt.Sprintf("Creating %d MiB image %s...", s.SizeMiB, session.ImagePath))
	if err := lc.CreateImage(session.ImagePath, s.SizeMiB); err != nil {
		return halt(state, err)
	}
	state.Put("image_path", session.ImagePath)
	return multistep.ActionContinue
}

func (s *StepCreateImage) Cleanup(state multistep.StateBag) {}
