// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package image

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hashicorp/packer-plugin-sdk/common"
	"github.com/hashicorp/packer-plugin-sdk/multistep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbcbuild/sbcbuild/builder/sbc/common/fetch"
	"github.com/sbcbuild/sbcbuild/builder/sbc/profile"
)

// testState returns a state bag with a ui, a config rooted in a temporary
// work directory and a session at StageSelectProfiles.
func testState(t *testing.T) *multistep.BasicStateBag {
	t.Helper()
	workDir := t.TempDir()

	state := new(multistep.BasicStateBag)
	ui, _ := testUI()
	state.Put("ui", ui)
	state.Put("config", &Config{
		WorkDir:      workDir,
		ChecksumType: "md5",
		PackagesDir:  filepath.Join(workDir, "packages"),
		ModsDir:      filepath.Join(workDir, "mods"),
	})
	state.Put("fetcher", fetch.New(0))
	state.Put("lifecycle", NewLifecycle(nil, Layout{}))

	platform := &profile.Profile{ID: "rpi-4", Kind: profile.KindPlatform}
	environment := &profile.Profile{ID: "base", Kind: profile.KindEnvironment}
	session := NewBuildSession()
	session.Platform = platform
	session.Environment = environment
	session.Hooks = profile.NewHookSet(platform, environment)
	session.ArchiveName = "ArchLinuxARM-rpi-aarch64-latest.tar.gz"
	session.ArchivePath = filepath.Join(workDir, session.ArchiveName)
	session.ImagePath = filepath.Join(workDir, "test.img")
	session.Stage = StageSelectProfiles
	state.Put("session", session)
	return state
}

func sessionOf(state multistep.StateBag) *BuildSession {
	return state.Get("session").(*BuildSession)
}

// mirror serves files by name and counts requests.
func mirror(t *testing.T, files map[string]string) (*httptest.Server, *int) {
	t.Helper()
	requests := new(int)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*requests++
		body, ok := files[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, requests
}

func md5sum(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestStepFetchArchive_Downloads(t *testing.T) {
	state := testState(t)
	name := sessionOf(state).ArchiveName
	srv, _ := mirror(t, map[string]string{name: "rootfs"})
	state.Get("config").(*Config).MirrorURL = srv.URL + "/"

	got := (&StepFetchArchive{}).Run(context.Background(), state)
	require.Equal(t, multistep.ActionContinue, got)

	content, err := os.ReadFile(sessionOf(state).ArchivePath)
	require.NoError(t, err)
	assert.Equal(t, "rootfs", string(content))
	assert.Equal(t, srv.URL+"/"+name, state.Get("archive_url"))
}

func TestStepFetchArchive_ReusesExistingArchive(t *testing.T) {
	state := testState(t)
	srv, requests := mirror(t, nil)
	state.Get("config").(*Config).MirrorURL = srv.URL
	require.NoError(t, os.WriteFile(sessionOf(state).ArchivePath, []byte("cached"), 0644))

	got := (&StepFetchArchive{}).Run(context.Background(), state)
	require.Equal(t, multistep.ActionContinue, got)
	assert.Equal(t, 0, *requests)
	assert.Equal(t, srv.URL+"/"+sessionOf(state).ArchiveName, state.Get("archive_url"))
}

func TestStepFetchArchive_NotFound(t *testing.T) {
	state := testState(t)
	srv, _ := mirror(t, nil)
	state.Get("config").(*Config).MirrorURL = srv.URL

	got := (&StepFetchArchive{}).Run(context.Background(), state)
	require.Equal(t, multistep.ActionHalt, got)
	assert.True(t, fetch.IsNotFound(state.Get("error").(error)))
	assert.NoFileExists(t, sessionOf(state).ArchivePath)
}

func TestStepVerifyArchive(t *testing.T) {
	tests := []struct {
		name      string
		archive   string
		published string
		wantHalt  bool
	}{
		{name: "match", archive: "rootfs", published: md5sum("rootfs")},
		{name: "mismatch", archive: "rootf", published: md5sum("rootfs"), wantHalt: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := testState(t)
			s := sessionOf(state)
			s.Stage = StageFetchArchive
			srv, _ := mirror(t, map[string]string{
				s.ArchiveName + ".md5": tt.published + "  " + s.ArchiveName + "\n",
			})
			state.Put("archive_url", srv.URL+"/"+s.ArchiveName)
			require.NoError(t, os.WriteFile(s.ArchivePath, []byte(tt.archive), 0644))

			got := (&StepVerifyArchive{}).Run(context.Background(), state)

			if !tt.wantHalt {
				assert.Equal(t, multistep.ActionContinue, got)
				return
			}
			assert.Equal(t, multistep.ActionHalt, got)
			var integrity *IntegrityError
			require.ErrorAs(t, state.Get("error").(error), &integrity)
			assert.Equal(t, tt.published, integrity.Want)
			assert.FileExists(t, s.ArchivePath, "a mismatching archive is never removed")
		})
	}
}

func TestStepExtractArchive(t *testing.T) {
	state := testState(t)
	s := sessionOf(state)
	s.Stage = StageMount
	state.Put("mount_path", "/mnt/root")

	var gotSrc, gotDir string
	step := &StepExtractArchive{extract: func(src, dir string) error {
		gotSrc, gotDir = src, dir
		return nil
	}}
	require.Equal(t, multistep.ActionContinue, step.Run(context.Background(), state))
	assert.Equal(t, s.ArchivePath, gotSrc)
	assert.Equal(t, "/mnt/root", gotDir)

	state = testState(t)
	sessionOf(state).Stage = StageMount
	state.Put("mount_path", "/mnt/root")
	step = &StepExtractArchive{extract: func(src, dir string) error {
		return errors.New("unexpected EOF")
	}}
	require.Equal(t, multistep.ActionHalt, step.Run(context.Background(), state))
	var execErr *ExecutionError
	require.ErrorAs(t, state.Get("error").(error), &execErr)
	assert.Equal(t, StageExtractArchive, execErr.Stage)
}

func TestStep_RefusesOutOfOrder(t *testing.T) {
	state := testState(t)

	got := (&StepFormat{}).Run(context.Background(), state)

	assert.Equal(t, multistep.ActionHalt, got)
	assert.Contains(t, state.Get("error").(error).Error(), "cannot enter stage")
}

func TestStepRunHooks(t *testing.T) {
	state := testState(t)
	s := sessionOf(state)
	s.Platform.PostChroot = &profile.Hook{Commands: []string{"dd of={{.Device}}", "sync"}}
	s.Environment.PostChroot = &profile.Hook{Commands: []string{"echo {{.Platform}}-{{.Environment}} > {{.MountPath}}/etc/issue"}}
	s.Hooks = profile.NewHookSet(s.Platform, s.Environment)
	s.Binding = newLoopBinding("/dev/loop7", s.ImagePath)
	s.Stage = StageChrootConfigure
	state.Put("mount_path", "/mnt/root")
	state.Put("boot_path", "/mnt/root/boot")

	var commands []string
	var wrapper common.CommandWrapper = func(command string) (string, error) {
		commands = append(commands, command)
		return "", nil
	}
	state.Put("wrappedCommand", wrapper)

	got := (&StepRunHooks{Point: profile.PostChroot}).Run(context.Background(), state)
	require.Equal(t, multistep.ActionContinue, got)

	want := []string{
		"dd of=/dev/loop7",
		"sync",
		"echo rpi-4-base > /mnt/root/etc/issue",
	}
	assert.Equal(t, want, commands)
	assert.Equal(t, StagePostChrootHooks, s.Stage)
}

func TestStepRunHooks_FailureIsReported(t *testing.T) {
	state := testState(t)
	s := sessionOf(state)
	s.Platform.PreChroot = &profile.Hook{Commands: []string{"false"}}
	s.Environment.PreChroot = &profile.Hook{Commands: []string{"true"}}
	s.Hooks = profile.NewHookSet(s.Platform, s.Environment)
	s.Binding = newLoopBinding("/dev/loop7", s.ImagePath)
	s.Stage = StageBuildAuxPackages
	state.Put("mount_path", "/mnt/root")
	state.Put("boot_path", "/mnt/root/boot")

	var commands []string
	var wrapper common.CommandWrapper = func(command string) (string, error) {
		commands = append(commands, command)
		return command, nil
	}
	state.Put("wrappedCommand", wrapper)

	got := (&StepRunHooks{Point: profile.PreChroot}).Run(context.Background(), state)
	require.Equal(t, multistep.ActionHalt, got)

	assert.Equal(t, []string{"false", "true"}, commands, "the environment hook still runs")
	var execErr *ExecutionError
	require.ErrorAs(t, state.Get("error").(error), &execErr)
	assert.Equal(t, StagePreChrootHooks, execErr.Stage)
}

func TestStepRunHooks_RejectsChrootSetup(t *testing.T) {
	state := testState(t)
	got := (&StepRunHooks{Point: profile.ChrootSetup}).Run(context.Background(), state)
	assert.Equal(t, multistep.ActionHalt, got)
	assert.ErrorContains(t, state.Get("error").(error), "do not run on the host")
	assert.Equal(t, StageSelectProfiles, sessionOf(state).Stage, "a rejected hook point does not advance the session")
}

func TestStepAuxPackages(t *testing.T) {
	state := testState(t)
	config := state.Get("config").(*Config)
	s := sessionOf(state)
	s.Stage = StageRelocateBoot

	srv, _ := mirror(t, map[string]string{"kodi.pkg.tar.zst": "kodi"})
	s.Platform.AuxPackages = []profile.AuxPackage{
		{Name: "uboot", Artifact: "uboot.pkg.tar.xz", Build: []string{"touch {{.Artifact}}"}},
		{Name: "cached", Artifact: "cached.pkg.tar.xz", Build: []string{"exit 1"}},
	}
	s.Environment.AuxPackages = []profile.AuxPackage{
		{Name: "kodi", Artifact: "kodi.pkg.tar.zst", URL: srv.URL + "/kodi.pkg.tar.zst"},
	}
	require.NoError(t, os.MkdirAll(config.PackagesDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(config.PackagesDir, "cached.pkg.tar.xz"), nil, 0644))

	var commands []string
	var wrapper common.CommandWrapper = func(command string) (string, error) {
		commands = append(commands, command)
		return command, nil
	}
	state.Put("wrappedCommand", wrapper)

	got := (&StepAuxPackages{}).Run(context.Background(), state)
	require.Equal(t, multistep.ActionContinue, got, state.Get("error"))

	assert.Equal(t, []string{"cd " + config.PackagesDir + " && touch uboot.pkg.tar.xz"}, commands)
	assert.Equal(t, []string{"uboot.pkg.tar.xz", "cached.pkg.tar.xz", "kodi.pkg.tar.zst"}, state.Get("aux_artifacts"))
	assert.FileExists(t, filepath.Join(config.PackagesDir, "kodi.pkg.tar.zst"))
	assert.DirExists(t, config.ModsDir)
}

func TestStepAuxPackages_MissingArtifact(t *testing.T) {
	state := testState(t)
	s := sessionOf(state)
	s.Stage = StageRelocateBoot
	s.Platform.AuxPackages = []profile.AuxPackage{
		{Name: "uboot", Artifact: "uboot.pkg.tar.xz", Build: []string{"true"}},
	}

	var wrapper common.CommandWrapper = func(command string) (string, error) {
		return command, nil
	}
	state.Put("wrappedCommand", wrapper)

	got := (&StepAuxPackages{}).Run(context.Background(), state)
	require.Equal(t, multistep.ActionHalt, got)
	assert.Contains(t, state.Get("error").(error).Error(), "was not produced")
}

// recordingCleanup records the order its CleanupFunc is called in.
type recordingCleanup struct {
	name  string
	order *[]string
	err   error
}

func (c *recordingCleanup) CleanupFunc(multistep.StateBag) error {
	*c.order = append(*c.order, c.name)
	return c.err
}

func TestStepRelease_Order(t *testing.T) {
	state := testState(t)
	var order []string
	for _, key := range []string{"loop_cleanup", "mount_device_cleanup", "mount_extra_cleanup", "copy_files_cleanup"} {
		state.Put(key, &recordingCleanup{name: key, order: &order})
	}

	got := (&StepRelease{}).Run(context.Background(), state)
	require.Equal(t, multistep.ActionContinue, got)

	assert.Equal(t, []string{"copy_files_cleanup", "mount_extra_cleanup", "mount_device_cleanup", "loop_cleanup"}, order)
	assert.Equal(t, StageRelease, sessionOf(state).Stage)
}

func TestStepRelease_StopsOnError(t *testing.T) {
	state := testState(t)
	var order []string
	state.Put("mount_extra_cleanup", &recordingCleanup{name: "mount_extra_cleanup", order: &order, err: errors.New("target is busy")})
	state.Put("loop_cleanup", &recordingCleanup{name: "loop_cleanup", order: &order})

	got := (&StepRelease{}).Run(context.Background(), state)
	require.Equal(t, multistep.ActionHalt, got)

	assert.Equal(t, []string{"mount_extra_cleanup"}, order)
	assert.Equal(t, ExitCleanup, ExitCode(state.Get("error").(error)))
}
