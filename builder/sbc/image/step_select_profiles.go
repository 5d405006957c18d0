// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package image

import (
	"context"
	"fmt"

	"github.com/hashicorp/packer-plugin-sdk/multistep"
	packersdk "github.com/hashicorp/packer-plugin-sdk/packer"

	"github.com/sbcbuild/sbcbuild/builder/sbc/profile"
)

var _ multistep.Step = &StepSelectProfiles{}

// StepSelectProfiles starts the build session for the resolved profiles and
// fixes the set of hooks they contribute.
type StepSelectProfiles struct {
	Platform    *profile.Profile
	Environment *profile.Profile
}

func (s *StepSelectProfiles) Run(ctx context.Context, state multistep.StateBag) multistep.StepAction {
	ui := state.Get("ui").(packersdk.Ui)
	config := state.Get("config").(*Config)

	session, err := resolveNames(config, s.Platform, s.Environment)
	if err != nil {
		return halt(state, &PreconditionError{Err: err})
	}
	if err := session.Enter(StageSelectProfiles); err != nil {
		return halt(state, err)
	}
	session.Hooks = profile.NewHookSet(s.Platform, s.Environment)
	state.Put("session", session)

	ui.Say(fmt.Sprintf("Building %s for %s with the %s environment", session.ImageName, s.Platform.ID, s.Environment.ID))
	return multistep.ActionContinue
}

func (s *StepSelectProfiles) Cleanup(state multistep.StateBag) {}
