// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package image

import (
	"context"
	"fmt"

	"github.com/hashicorp/packer-plugin-sdk/multistep"
	packersdk "github.com/hashicorp/packer-plugin-sdk/packer"
)

var _ multistep.Step = &StepBindLoop{}

// StepBindLoop attaches the image to a loop device. Its cleanup releases
// whatever is still mounted from the device and then detaches it.
type StepBindLoop struct {
	binding *LoopBinding
}

func (s *StepBindLoop) Run(ctx context.Context, state multistep.StateBag) multistep.StepAction {
	ui := state.Get("ui").(packersdk.Ui)
	lc := state.Get("lifecycle").(*Lifecycle)

	session, err := enter(state, StageBindLoop)
	if err != nil {
		return halt(state, err)
	}

	ui.Say("Attaching the image to a loop device...")
	binding, err := lc.Bind(ctx, session.ImagePath)
	if err != nil {
		return halt(state, err)
	}
	ui.Say(fmt.Sprintf("Image attached as %s", binding.Device))

	session.Binding = binding
	s.binding = binding
	state.Put("device", binding.Device)
	state.Put("loop_cleanup", s)
	return multistep.ActionContinue
}

func (s *StepBindLoop) Cleanup(state multistep.StateBag) {
	if err := s.CleanupFunc(state); err != nil {
		recordCleanupError(state, err)
	}
}

func (s *StepBindLoop) CleanupFunc(state multistep.StateBag) error {
	if s.binding == nil {
		return nil
	}

	ui := state.Get("ui").(packersdk.Ui)
	lc := state.Get("lifecycle").(*Lifecycle)
	session := state.Get("session").(*BuildSession)

	ui.Say(fmt.Sprintf("Detaching %s...", s.binding.Device))
	if err := lc.Release(context.Background(), s.binding, session.Mounts); err != nil {
		return err
	}
	s.binding = nil
	return nil
}
