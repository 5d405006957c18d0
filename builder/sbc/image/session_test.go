// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package image

import (
	"errors"
	"fmt"
	"testing"

	packersdk "github.com/hashicorp/packer-plugin-sdk/packer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbcbuild/sbcbuild/builder/sbc/profile"
)

func TestBuildSession_Enter(t *testing.T) {
	s := NewBuildSession()
	for stage := StageSelectProfiles; stage <= StageRelease; stage++ {
		require.NoError(t, s.Enter(stage), "entering %s", stage)
	}

	s = NewBuildSession()
	require.NoError(t, s.Enter(StageSelectProfiles))
	assert.Error(t, s.Enter(StageVerifyArchive), "skipping a stage")
	assert.Error(t, s.Enter(StageSelectProfiles), "repeating a stage")
	assert.Equal(t, StageSelectProfiles, s.Stage)

	assert.NoError(t, s.Enter(StageRelease), "release is reachable from any stage")
	assert.Error(t, s.Enter(StageFetchArchive), "nothing follows release")
}

func TestStage_String(t *testing.T) {
	assert.Equal(t, "chroot configure", StageChrootConfigure.String())
	assert.Equal(t, "Stage(99)", Stage(99).String())
}

func TestResolveNames(t *testing.T) {
	cfg := &Config{
		WorkDir:   "/work",
		ImageName: "ArchLinuxARM-{{ .Platform }}-{{ .Environment }}",
	}
	platform := &profile.Profile{ID: "rpi-4", Kind: profile.KindPlatform, Archive: "ArchLinuxARM-rpi-aarch64-latest.tar.gz"}
	environment := &profile.Profile{ID: "base", Kind: profile.KindEnvironment}

	s, err := resolveNames(cfg, platform, environment)
	require.NoError(t, err)
	assert.Equal(t, "ArchLinuxARM-rpi-4-base", s.ImageName)
	assert.Equal(t, "/work/ArchLinuxARM-rpi-4-base.img", s.ImagePath)
	assert.Equal(t, "/work/ArchLinuxARM-rpi-aarch64-latest.tar.gz", s.ArchivePath)
	assert.Equal(t, StageNone, s.Stage)
	assert.NotNil(t, s.Mounts)
}

func TestResolveNames_RejectsPaths(t *testing.T) {
	platform := &profile.Profile{ID: "rpi-4", Kind: profile.KindPlatform, Archive: "a.tar.gz"}
	environment := &profile.Profile{ID: "base", Kind: profile.KindEnvironment}

	for _, name := range []string{"../{{ .Platform }}", "images/{{ .Platform }}", ""} {
		t.Run(name, func(t *testing.T) {
			_, err := resolveNames(&Config{WorkDir: "/work", ImageName: name}, platform, environment)
			assert.Error(t, err)
		})
	}

	badArchive := &profile.Profile{ID: "rpi-4", Kind: profile.KindPlatform, Archive: "os/a.tar.gz"}
	_, err := resolveNames(&Config{WorkDir: "/work", ImageName: "x"}, badArchive, environment)
	assert.Error(t, err)
}

func TestRecordCleanupError(t *testing.T) {
	state := testState(t)

	recordCleanupError(state, errors.New("first"))
	recordCleanupError(state, errors.New("second"))

	raw, ok := state.GetOk("cleanup_errors")
	require.True(t, ok)
	var multi *packersdk.MultiError
	require.ErrorAs(t, raw.(error), &multi)
	assert.Len(t, multi.Errors, 2)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{errors.New("boom"), ExitFailure},
		{&ExecutionError{Stage: StageChrootConfigure, Err: errors.New("exit status 1")}, ExitFailure},
		{&IntegrityError{Path: "a", ChecksumType: "md5"}, ExitFailure},
		{&PreconditionError{Err: errors.New("not root")}, ExitPrecondition},
		{&profile.UnknownProfileError{Kind: profile.KindPlatform, ID: "x"}, ExitPrecondition},
		{&CleanupError{Err: errors.New("busy")}, ExitCleanup},
		{fmt.Errorf("wrapped: %w", &CleanupError{Err: &PreconditionError{Err: errors.New("x")}}), ExitCleanup},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
