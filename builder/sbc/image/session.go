// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package image

import (
	"fmt"
	"path/filepath"

	"github.com/hashicorp/packer-plugin-sdk/multistep"
	packersdk "github.com/hashicorp/packer-plugin-sdk/packer"
	"github.com/hashicorp/packer-plugin-sdk/template/interpolate"

	"github.com/sbcbuild/sbcbuild/builder/sbc/common/log"
	"github.com/sbcbuild/sbcbuild/builder/sbc/profile"
)

// Stage is a step of the build. Stages run strictly in declaration order.
type Stage int

const (
	StageNone Stage = iota
	StageSelectProfiles
	StageFetchArchive
	StageVerifyArchive
	StageCreateImage
	StageBindLoop
	StageFormat
	StageMount
	StageExtractArchive
	StageRelocateBoot
	StageBuildAuxPackages
	StagePreChrootHooks
	StageChrootConfigure
	StagePostChrootHooks
	StageRelease
)

var stageNames = map[Stage]string{
	StageNone:             "none",
	StageSelectProfiles:   "select profiles",
	StageFetchArchive:     "fetch archive",
	StageVerifyArchive:    "verify archive",
	StageCreateImage:      "create image",
	StageBindLoop:         "bind loop device",
	StageFormat:           "format",
	StageMount:            "mount",
	StageExtractArchive:   "extract archive",
	StageRelocateBoot:     "relocate boot",
	StageBuildAuxPackages: "build auxiliary packages",
	StagePreChrootHooks:   "pre-chroot hooks",
	StageChrootConfigure:  "chroot configure",
	StagePostChrootHooks:  "post-chroot hooks",
	StageRelease:          "release",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// BuildSession is the state of one build. It lives in the state bag under
// "session" and is only touched by the steps.
type BuildSession struct {
	Platform    *profile.Profile
	Environment *profile.Profile
	Hooks       *profile.HookSet

	ImageName   string
	ImagePath   string
	ArchiveName string
	ArchivePath string

	Stage   Stage
	Binding *LoopBinding
	Mounts  *MountTable
}

func NewBuildSession() *BuildSession {
	return &BuildSession{Mounts: new(MountTable)}
}

// Enter advances the session to next. Stages cannot be skipped or repeated;
// Release may be entered from anywhere.
func (s *BuildSession) Enter(next Stage) error {
	if next == StageRelease || next == s.Stage+1 {
		s.Stage = next
		return nil
	}
	return fmt.Errorf("cannot enter stage %q from %q", next, s.Stage)
}

type nameData struct {
	Platform    string
	Environment string
}

// resolveNames derives the image and archive names for a profile pair. The
// result only depends on its inputs so `umount` finds the image a previous
// build created.
func resolveNames(cfg *Config, platform, environment *profile.Profile) (*BuildSession, error) {
	ictx := cfg.ctx
	ictx.Data = &nameData{Platform: platform.ID, Environment: environment.ID}

	imageName, err := interpolate.Render(cfg.ImageName, &ictx)
	if err != nil {
		return nil, fmt.Errorf("rendering image_name: %w", err)
	}
	archiveName, err := interpolate.Render(platform.Archive, &ictx)
	if err != nil {
		return nil, fmt.Errorf("rendering archive name of %s: %w", platform, err)
	}
	if imageName == "" || filepath.Base(imageName) != imageName {
		return nil, fmt.Errorf("image_name must be a plain file name, got %q", imageName)
	}
	if archiveName == "" || filepath.Base(archiveName) != archiveName {
		return nil, fmt.Errorf("archive name of %s must be a plain file name, got %q", platform, archiveName)
	}

	s := NewBuildSession()
	s.Platform = platform
	s.Environment = environment
	s.ImageName = imageName
	s.ImagePath = filepath.Join(cfg.WorkDir, imageName+".img")
	s.ArchiveName = archiveName
	s.ArchivePath = filepath.Join(cfg.WorkDir, archiveName)
	return s, nil
}

// enter moves the session in the state bag to stage.
func enter(state multistep.StateBag, stage Stage) (*BuildSession, error) {
	session := state.Get("session").(*BuildSession)
	if err := session.Enter(stage); err != nil {
		return nil, err
	}
	log.Printf("[INFO] entering stage %q", stage)
	return session, nil
}

// halt records err as the build error and stops the runner.
func halt(state multistep.StateBag, err error) multistep.StepAction {
	ui := state.Get("ui").(packersdk.Ui)
	state.Put("error", err)
	ui.Error(err.Error())
	return multistep.ActionHalt
}

// recordCleanupError keeps err for Builder.Run; the runner ignores errors
// of Cleanup methods.
func recordCleanupError(state multistep.StateBag, err error) {
	ui := state.Get("ui").(packersdk.Ui)
	ui.Error(err.Error())

	var errs error
	if v, ok := state.GetOk("cleanup_errors"); ok {
		errs = v.(error)
	}
	state.Put("cleanup_errors", packersdk.MultiErrorAppend(errs, err))
}
