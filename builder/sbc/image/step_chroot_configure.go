// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package image

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/hashicorp/packer-plugin-sdk/chroot"
	"github.com/hashicorp/packer-plugin-sdk/common"
	"github.com/hashicorp/packer-plugin-sdk/multistep"
	packersdk "github.com/hashicorp/packer-plugin-sdk/packer"
	"github.com/hashicorp/packer-plugin-sdk/template/interpolate"

	"github.com/sbcbuild/sbcbuild/builder/sbc/common/log"
	"github.com/sbcbuild/sbcbuild/builder/sbc/profile"
)

//go:embed configure.sh
var configureScript string

const noopScript = "#!/bin/sh\nexit 0\n"

// configureData provides template data for the configuration script.
type configureData struct {
	Platform    string
	Environment string
	Hostname    string
	Packages    []string
	AuxPackages []string
	PackagesDir string
	ModsDir     string
}

var _ multistep.Step = &StepChrootConfigure{}

// StepChrootConfigure runs the configuration script and the chroot_setup
// hooks of both profiles inside the image. The staged scripts are removed
// whether or not they succeed.
type StepChrootConfigure struct {
	stagingDir string
}

func (s *StepChrootConfigure) Run(ctx context.Context, state multistep.StateBag) multistep.StepAction {
	ui := state.Get("ui").(packersdk.Ui)
	config := state.Get("config").(*Config)
	wrappedCommand := state.Get("wrappedCommand").(common.CommandWrapper)
	mountPath := state.Get("mount_path").(string)

	session, err := enter(state, StageChrootConfigure)
	if err != nil {
		return halt(state, err)
	}

	var artifacts []string
	if v, ok := state.GetOk("aux_artifacts"); ok {
		artifacts = v.([]string)
	}

	script, err := renderConfigureScript(config.GetContext(), &configureData{
		Platform:    session.Platform.ID,
		Environment: session.Environment.ID,
		Hostname:    "alarm-" + session.Platform.ID,
		Packages:    mergePackages(session.Platform, session.Environment),
		AuxPackages: artifacts,
		PackagesDir: ChrootPackagesDir,
		ModsDir:     ChrootModsDir,
	})
	if err != nil {
		return halt(state, &ExecutionError{Stage: StageChrootConfigure, Err: err})
	}

	s.stagingDir = filepath.Join(mountPath, ChrootStagingDir)
	defer s.removeStaging()

	files := map[string]string{
		"configure.sh":   script,
		"platform.sh":    hookScript(session.Platform),
		"environment.sh": hookScript(session.Environment),
	}
	if err := os.MkdirAll(s.stagingDir, 0700); err != nil {
		return halt(state, err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(s.stagingDir, name), []byte(content), 0700); err != nil {
			return halt(state, err)
		}
	}

	ui.Say("Configuring the image in a chroot...")
	err = chroot.RunLocalCommands([]string{inChroot(mountPath, "configure.sh")}, wrappedCommand, config.GetContext(), ui)
	if err != nil {
		return halt(state, &ExecutionError{Stage: StageChrootConfigure, Err: err})
	}

	err = session.Hooks.Invoke(ctx, profile.ChrootSetup, func(ctx context.Context, bh profile.BoundHook) error {
		ui.Say(fmt.Sprintf("Running %s hook of %s...", profile.ChrootSetup, bh.Profile))
		return chroot.RunLocalCommands([]string{inChroot(mountPath, string(bh.Profile.Kind)+".sh")}, wrappedCommand, config.GetContext(), ui)
	})
	if err != nil {
		return halt(state, &ExecutionError{Stage: StageChrootConfigure, Err: err})
	}
	return multistep.ActionContinue
}

func (s *StepChrootConfigure) Cleanup(state multistep.StateBag) {
	s.removeStaging()
}

func (s *StepChrootConfigure) removeStaging() {
	if s.stagingDir == "" {
		return
	}
	if err := os.RemoveAll(s.stagingDir); err != nil {
		log.Printf("[WARN] unable to remove %s: %s", s.stagingDir, err)
		return
	}
	s.stagingDir = ""
}

func renderConfigureScript(ictx interpolate.Context, data *configureData) (string, error) {
	ictx.Data = data
	script, err := interpolate.Render(configureScript, &ictx)
	if err != nil {
		return "", fmt.Errorf("rendering configuration script: %w", err)
	}
	return script, nil
}

// inChroot returns the command running a staged script inside root.
func inChroot(root, script string) string {
	return fmt.Sprintf("chroot %s /bin/sh %s/%s", root, ChrootStagingDir, script)
}

func hookScript(p *profile.Profile) string {
	if h := p.Hook(profile.ChrootSetup); h != nil && h.Script != "" {
		return h.Script
	}
	return noopScript
}

// mergePackages lists the packages of both profiles once, platform first.
func mergePackages(platform, environment *profile.Profile) []string {
	var pkgs []string
	for _, p := range []*profile.Profile{platform, environment} {
		for _, name := range p.Packages {
			if !slices.Contains(pkgs, name) {
				pkgs = append(pkgs, name)
			}
		}
	}
	return pkgs
}
