// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package image

import (
	"context"
	"fmt"

	"github.com/hashicorp/packer-plugin-sdk/multistep"
	packersdk "github.com/hashicorp/packer-plugin-sdk/packer"

	"github.com/sbcbuild/sbcbuild/builder/sbc/common/archive"
)

var _ multistep.Step = &StepExtractArchive{}

// StepExtractArchive unpacks the archive onto the mounted root partition
// with ownership, device nodes and extended attributes intact. A failure is
// not cleaned up; the root filesystem is recreated by the next build.
type StepExtractArchive struct {
	extract func(src, dir string) error
}

func (s *StepExtractArchive) Run(ctx context.Context, state multistep.StateBag) multistep.StepAction {
	ui := state.Get("ui").(packersdk.Ui)
	mountPath := state.Get("mount_path").(string)

	session, err := enter(state, StageExtractArchive)
	if err != nil {
		return halt(state, err)
	}

	extract := s.extract
	if extract == nil {
		extract = func(src, dir string) error {
			return archive.ExtractFile(src, dir, archive.Privileged)
		}
	}

	ui.Say(fmt.Sprintf("Extracting %s into %s...", session.ArchiveName, mountPath))
	if err := extract(session.ArchivePath, mountPath); err != nil {
		return halt(state, &ExecutionError{Stage: StageExtractArchive, Err: err})
	}
	return multistep.ActionContinue
}

func (s *StepExtractArchive) Cleanup(state multistep.StateBag) {}
