// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package image

import (
	"context"
	"fmt"

	"github.com/hashicorp/packer-plugin-sdk/multistep"
	packersdk "github.com/hashicorp/packer-plugin-sdk/packer"

	"github.com/sbcbuild/sbcbuild/builder/sbc/common/fetch"
	"github.com/sbcbuild/sbcbuild/builder/sbc/common/log"
)

var _ multistep.Step = &StepVerifyArchive{}

// StepVerifyArchive compares the archive against the checksum published next
// to it. A mismatch stops the build and leaves the archive alone.
type StepVerifyArchive struct{}

func (s *StepVerifyArchive) Run(ctx context.Context, state multistep.StateBag) multistep.StepAction {
	ui := state.Get("ui").(packersdk.Ui)
	config := state.Get("config").(*Config)
	fetcher := state.Get("fetcher").(*fetch.Client)
	archiveURL := state.Get("archive_url").(string)

	session, err := enter(state, StageVerifyArchive)
	if err != nil {
		return halt(state, err)
	}

	checksumURL := archiveURL + "." + config.ChecksumType
	ui.Say(fmt.Sprintf("Verifying %s against %s...", session.ArchiveName, checksumURL))

	body, err := fetcher.Get(ctx, checksumURL)
	if err != nil {
		return halt(state, fmt.Errorf("error fetching checksum: %w", err))
	}
	want, err := fetch.ParseChecksum(body, session.ArchiveName)
	if err != nil {
		return halt(state, fmt.Errorf("error reading %s: %w", checksumURL, err))
	}
	got, err := fetch.FileDigest(session.ArchivePath, config.ChecksumType)
	if err != nil {
		return halt(state, err)
	}

	if got != want {
		return halt(state, &IntegrityError{
			Path:         session.ArchivePath,
			ChecksumType: config.ChecksumType,
			Want:         want,
			Got:          got,
		})
	}

	log.Printf("[DEBUG] %s %s matches", config.ChecksumType, got)
	return multistep.ActionContinue
}

func (s *StepVerifyArchive) Cleanup(state multistep.StateBag) {}
