// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package image

import (
	"context"

	"github.com/hashicorp/packer-plugin-sdk/multistep"
	packersdk "github.com/hashicorp/packer-plugin-sdk/packer"
)

var _ multistep.Step = &StepFormat{}

type StepFormat struct{}

func (s *StepFormat) Run(ctx context.Context, state multistep.StateBag) multistep.StepAction {
	ui := state.Get("ui").(packersdk.Ui)
	lc := state.Get("lifecycle").(*Lifecycle)

	session, err := enter(state, StageFormat)
	if err != nil {
		return halt(state, err)
	}

	ui.Say("Creating the boot and root filesystems...")
	if err := lc.Format(session.Binding, session.Mounts); err != nil {
		return halt(state, err)
	}
	return multistep.ActionContinue
}

func (s *StepFormat) Cleanup(state multistep.StateBag) {}
