// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package image

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/packer-plugin-sdk/chroot"
	"github.com/hashicorp/packer-plugin-sdk/common"
	"github.com/hashicorp/packer-plugin-sdk/multistep"
	packersdk "github.com/hashicorp/packer-plugin-sdk/packer"

	"github.com/sbcbuild/sbcbuild/builder/sbc/common/fetch"
	"github.com/sbcbuild/sbcbuild/builder/sbc/profile"
)

var _ multistep.Step = &StepAuxPackages{}

// auxBuildData provides template data for aux package build commands.
type auxBuildData struct {
	PackagesDir string
	Name        string
	Artifact    string
}

// StepAuxPackages stages the auxiliary packages of both profiles in the
// shared package directory. Artifacts already present are reused.
type StepAuxPackages struct{}

func (s *StepAuxPackages) Run(ctx context.Context, state multistep.StateBag) multistep.StepAction {
	ui := state.Get("ui").(packersdk.Ui)
	config := state.Get("config").(*Config)
	fetcher := state.Get("fetcher").(*fetch.Client)
	wrappedCommand := state.Get("wrappedCommand").(common.CommandWrapper)

	session, err := enter(state, StageBuildAuxPackages)
	if err != nil {
		return halt(state, err)
	}

	// both are bind mounted into the chroot later on
	for _, dir := range []string{config.PackagesDir, config.ModsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return halt(state, err)
		}
	}

	var artifacts []string
	for _, p := range []*profile.Profile{session.Platform, session.Environment} {
		for _, pkg := range p.AuxPackages {
			if err := s.stage(ctx, ui, config, fetcher, wrappedCommand, pkg); err != nil {
				return halt(state, &ExecutionError{
					Stage: StageBuildAuxPackages,
					Err:   fmt.Errorf("%s of %s: %w", pkg.Name, p, err),
				})
			}
			artifacts = append(artifacts, pkg.Artifact)
		}
	}

	state.Put("aux_artifacts", artifacts)
	return multistep.ActionContinue
}

func (s *StepAuxPackages) stage(
	ctx context.Context,
	ui packersdk.Ui,
	config *Config,
	fetcher *fetch.Client,
	wrappedCommand common.CommandWrapper,
	pkg profile.AuxPackage,
) error {
	artifact := filepath.Join(config.PackagesDir, pkg.Artifact)
	if pathExists(artifact) {
		ui.Say(fmt.Sprintf("Reusing %s", artifact))
		return nil
	}

	if pkg.URL != "" {
		ui.Say(fmt.Sprintf("Downloading %s...", pkg.Name))
		if err := fetcher.Download(ctx, pkg.URL, artifact); err != nil {
			return err
		}
	} else {
		ui.Say(fmt.Sprintf("Building %s...", pkg.Name))
		ictx := config.GetContext()
		ictx.Data = &auxBuildData{
			PackagesDir: config.PackagesDir,
			Name:        pkg.Name,
			Artifact:    pkg.Artifact,
		}
		commands := make([]string, len(pkg.Build))
		for i, c := range pkg.Build {
			commands[i] = fmt.Sprintf("cd %s && %s", config.PackagesDir, c)
		}
		if err := chroot.RunLocalCommands(commands, wrappedCommand, ictx, ui); err != nil {
			return err
		}
	}

	if !pathExists(artifact) {
		return fmt.Errorf("%s was not produced", artifact)
	}
	return nil
}

func (s *StepAuxPackages) Cleanup(state multistep.StateBag) {}
