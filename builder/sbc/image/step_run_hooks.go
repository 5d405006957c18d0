// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package image

import (
	"context"
	"fmt"

	"github.com/hashicorp/packer-plugin-sdk/chroot"
	"github.com/hashicorp/packer-plugin-sdk/common"
	"github.com/hashicorp/packer-plugin-sdk/multistep"
	packersdk "github.com/hashicorp/packer-plugin-sdk/packer"
	"github.com/hashicorp/packer-plugin-sdk/template/interpolate"

	"github.com/sbcbuild/sbcbuild/builder/sbc/profile"
)

var _ multistep.Step = &StepRunHooks{}

// contextProvider is a local interface to access the config's interpolation context.
type contextProvider interface {
	GetContext() interpolate.Context
}

// hookData provides template data for host hook commands.
type hookData struct {
	Device      string
	MountPath   string
	BootPath    string
	ImagePath   string
	Platform    string
	Environment string
}

// StepRunHooks runs the host side hooks of Point, platform first.
type StepRunHooks struct {
	Point profile.Point
}

func (s *StepRunHooks) stage() (Stage, error) {
	switch s.Point {
	case profile.PreChroot:
		return StagePreChrootHooks, nil
	case profile.PostChroot:
		return StagePostChrootHooks, nil
	}
	return StageNone, fmt.Errorf("%s hooks do not run on the host", s.Point)
}

func (s *StepRunHooks) Run(ctx context.Context, state multistep.StateBag) multistep.StepAction {
	stage, err := s.stage()
	if err != nil {
		return halt(state, err)
	}

	ui := state.Get("ui").(packersdk.Ui)
	config := state.Get("config").(contextProvider)
	wrappedCommand := state.Get("wrappedCommand").(common.CommandWrapper)
	session, err := enter(state, stage)
	if err != nil {
		return halt(state, err)
	}

	ictx := config.GetContext()
	ictx.Data = &hookData{
		Device:      session.Binding.Device,
		MountPath:   state.Get("mount_path").(string),
		BootPath:    state.Get("boot_path").(string),
		ImagePath:   session.ImagePath,
		Platform:    session.Platform.ID,
		Environment: session.Environment.ID,
	}

	err = session.Hooks.Invoke(ctx, s.Point, func(ctx context.Context, bh profile.BoundHook) error {
		ui.Say(fmt.Sprintf("Running %s hook of %s...", s.Point, bh.Profile))
		return chroot.RunLocalCommands(bh.Hook.Commands, wrappedCommand, ictx, ui)
	})
	if err != nil {
		return halt(state, &ExecutionError{Stage: stage, Err: err})
	}
	return multistep.ActionContinue
}

func (s *StepRunHooks) Cleanup(state multistep.StateBag) {}
