// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package image

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/packer-plugin-sdk/multistep"
	packersdk "github.com/hashicorp/packer-plugin-sdk/packer"

	"github.com/sbcbuild/sbcbuild/builder/sbc/common/fetch"
)

var _ multistep.Step = &StepFetchArchive{}

// StepFetchArchive downloads the platform's root filesystem archive into the
// work directory, unless a file of that name is already there.
type StepFetchArchive struct{}

func (s *StepFetchArchive) Run(ctx context.Context, state multistep.StateBag) multistep.StepAction {
	ui := state.Get("ui").(packersdk.Ui)
	config := state.Get("config").(*Config)
	fetcher := state.Get("fetcher").(*fetch.Client)

	session, err := enter(state, StageFetchArchive)
	if err != nil {
		return halt(state, err)
	}

	archiveURL := strings.TrimSuffix(config.MirrorURL, "/") + "/" + session.ArchiveName
	state.Put("archive_url", archiveURL)

	if fi, err := os.Stat(session.ArchivePath); err == nil && fi.Mode().IsRegular() {
		ui.Say(fmt.Sprintf("Using existing archive %s", session.ArchivePath))
		return multistep.ActionContinue
	}

	ui.Say(fmt.Sprintf("Downloading %s...", archiveURL))
	if err := fetcher.Download(ctx, archiveURL, session.ArchivePath); err != nil {
		return halt(state, fmt.Errorf("error downloading archive: %w", err))
	}
	return multistep.ActionContinue
}

func (s *StepFetchArchive) Cleanup(state multistep.StateBag) {}
