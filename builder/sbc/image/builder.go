// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

// Package image builds bootable disk images for single-board computers. It
// partitions and formats a raw image through a loop device, extracts a root
// filesystem archive into it and configures the result in a chroot, with
// the selected platform and environment profiles hooking into fixed points
// of the build.
package image

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/hashicorp/packer-plugin-sdk/chroot"
	"github.com/hashicorp/packer-plugin-sdk/common"
	"github.com/hashicorp/packer-plugin-sdk/multistep"
	"github.com/hashicorp/packer-plugin-sdk/multistep/commonsteps"
	packersdk "github.com/hashicorp/packer-plugin-sdk/packer"
	"github.com/hashicorp/packer-plugin-sdk/template/config"
	"github.com/hashicorp/packer-plugin-sdk/template/interpolate"
	"github.com/mitchellh/mapstructure"

	"github.com/sbcbuild/sbcbuild/builder/sbc/common/fetch"
	"github.com/sbcbuild/sbcbuild/builder/sbc/common/log"
	"github.com/sbcbuild/sbcbuild/builder/sbc/profile"
)

// BuilderID identifies configuration errors of this builder.
const BuilderID = "sbcbuild.image"

// In-root locations the chroot phase relies on.
const (
	ChrootModsDir     = "/srv/sbcbuild/mods"
	ChrootPackagesDir = "/srv/sbcbuild/packages"
	ChrootStagingDir  = "/root/sbcbuild"
)

// minRootSizeMiB is the smallest root partition we are willing to create.
const minRootSizeMiB = 512

// Host commands a build and a recovery run. partprobe is optional.
var (
	buildTools   = []string{"losetup", "sfdisk", "mkfs.vfat", "mkfs.ext4", "mount", "umount", "chroot", "cp", "find"}
	recoverTools = []string{"losetup", "umount"}
)

// Config is the configuration that is chained through the steps.
type Config struct {
	common.PackerConfig `mapstructure:",squash"`

	// The platform profile to build for. Required by build and umount.
	Platform string `mapstructure:"platform"`
	// The environment profile layered on top. Defaults to `base`.
	Environment string `mapstructure:"environment"`
	// Directory holding archives, images and mount directories. Defaults to
	// the current directory.
	WorkDir string `mapstructure:"work_dir"`
	// Base URL the platform archives and their checksums are downloaded from.
	// Defaults to `http://os.archlinuxarm.org/os/`. Credentials in the URL
	// are masked in logs.
	MirrorURL string `mapstructure:"mirror_url"`
	// Published checksum flavor, `md5` (default) or `sha256`. The checksum is
	// read from the archive URL with this extension appended.
	ChecksumType string `mapstructure:"checksum_type"`
	// Base name of the image file. A template with `.Platform` and
	// `.Environment`. Defaults to `ArchLinuxARM-{{ .Platform }}-{{ .Environment }}`.
	ImageName string `mapstructure:"image_name"`
	// Size of the image in MiB. Defaults to 4096.
	ImageSizeMB int `mapstructure:"image_size_mb"`
	// Size of the FAT boot partition in MiB. Defaults to 256.
	BootSizeMB int `mapstructure:"boot_size_mb"`
	// First sector of the boot partition. Defaults to 2048.
	BootStartSector int `mapstructure:"boot_start_sector"`
	// Where the root partition is mounted, relative to work_dir. Defaults to `root`.
	RootMountPath string `mapstructure:"root_mount_path"`
	// Where the boot partition is mounted before it is moved under the root
	// mount, relative to work_dir. Defaults to `boot`.
	BootMountPath string `mapstructure:"boot_mount_path"`
	// Shared auxiliary package cache, relative to work_dir. Defaults to `packages`.
	PackagesDir string `mapstructure:"packages_dir"`
	// Directory whose contents are copied over the root filesystem in the
	// chroot, relative to work_dir. Defaults to `mods`.
	ModsDir string `mapstructure:"mods_dir"`
	// How to run privileged commands, e.g. `sudo {{.Command}}`. Defaults to `{{.Command}}`.
	CommandWrapper string `mapstructure:"command_wrapper"`
	// Extra filesystems mounted into the chroot as `[type, source, target]`.
	// Defaults to proc, sysfs, /dev, devpts and binfmt_misc. The mods and
	// package directories are always bind mounted.
	ChrootMounts [][]string `mapstructure:"chroot_mounts"`
	// Host files copied into the chroot. Defaults to `/etc/resolv.conf`.
	CopyFiles []string `mapstructure:"copy_files"`
	// Retries per download. Defaults to 3.
	DownloadRetries int `mapstructure:"download_retries"`

	ctx interpolate.Context
}

// GetContext implements ContextProvider to allow steps to use the config context
// for template interpolation
func (c *Config) GetContext() interpolate.Context {
	return c.ctx
}

type Builder struct {
	config   Config
	registry *profile.Registry
	runner   multistep.Runner

	platform    *profile.Profile
	environment *profile.Profile

	// replaced in tests
	newLifecycle func(common.CommandWrapper, Layout) *Lifecycle
	lookPath     func(string) (string, error)
	wrap         common.CommandWrapper
}

func NewBuilder(registry *profile.Registry) *Builder {
	return &Builder{registry: registry, newLifecycle: NewLifecycle, lookPath: exec.LookPath}
}

// Config returns the prepared configuration.
func (b *Builder) Config() Config {
	return b.config
}

// Prepare decodes and validates raws, resolving the selected profiles. Any
// returned error is a *PreconditionError.
func (b *Builder) Prepare(raws ...interface{}) ([]string, error) {
	md := &mapstructure.Metadata{}
	err := config.Decode(&b.config, &config.DecodeOpts{
		PluginType:         BuilderID,
		Interpolate:        true,
		InterpolateContext: &b.config.ctx,
		InterpolateFilter: &interpolate.RenderFilter{
			Exclude: []string{
				// these fields are interpolated in the steps,
				// when more information is available
				"command_wrapper",
				"image_name",
			},
		},
		Metadata: md,
	}, raws...)
	if err != nil {
		return nil, &PreconditionError{Err: err}
	}

	var errs *packersdk.MultiError
	var warns []string

	// Defaults
	if b.config.WorkDir == "" {
		b.config.WorkDir = "."
	}
	if b.config.MirrorURL == "" {
		b.config.MirrorURL = "http://os.archlinuxarm.org/os/"
	}
	if b.config.ChecksumType == "" {
		b.config.ChecksumType = "md5"
	}
	if b.config.ImageName == "" {
		b.config.ImageName = "ArchLinuxARM-{{ .Platform }}-{{ .Environment }}"
	}
	if b.config.ImageSizeMB == 0 {
		b.config.ImageSizeMB = 4096
	}
	if b.config.BootSizeMB == 0 {
		b.config.BootSizeMB = 256
	}
	if b.config.BootStartSector == 0 {
		b.config.BootStartSector = 2048
	}
	if b.config.RootMountPath == "" {
		b.config.RootMountPath = "root"
	}
	if b.config.BootMountPath == "" {
		b.config.BootMountPath = "boot"
	}
	if b.config.PackagesDir == "" {
		b.config.PackagesDir = "packages"
	}
	if b.config.ModsDir == "" {
		b.config.ModsDir = "mods"
	}
	if b.config.CommandWrapper == "" {
		b.config.CommandWrapper = "{{.Command}}"
	}
	if !slices.Contains(md.Keys, "download_retries") && b.config.DownloadRetries == 0 {
		b.config.DownloadRetries = 3
	}
	if len(b.config.ChrootMounts) == 0 {
		b.config.ChrootMounts = [][]string{
			{"proc", "proc", "/proc"},
			{"sysfs", "sysfs", "/sys"},
			{"bind", "/dev", "/dev"},
			{"devpts", "devpts", "/dev/pts"},
			{"binfmt_misc", "binfmt_misc", "/proc/sys/fs/binfmt_misc"},
		}
	}
	// set default copy file if we're not giving our own
	if b.config.CopyFiles == nil {
		b.config.CopyFiles = []string{"/etc/resolv.conf"}
	}

	workDir, err := canonicalPath(b.config.WorkDir)
	if err != nil {
		errs = packersdk.MultiErrorAppend(errs, fmt.Errorf("work_dir: %s", err))
	}
	b.config.WorkDir = workDir
	for _, p := range []*string{&b.config.RootMountPath, &b.config.BootMountPath, &b.config.PackagesDir, &b.config.ModsDir} {
		if !filepath.IsAbs(*p) {
			*p = filepath.Join(workDir, *p)
		}
		resolved, err := canonicalPath(*p)
		if err != nil {
			errs = packersdk.MultiErrorAppend(errs, err)
			continue
		}
		*p = resolved
		if *p == "/" {
			errs = packersdk.MultiErrorAppend(errs, errors.New("mount and package directories may not be /"))
		}
	}
	if b.config.RootMountPath == b.config.BootMountPath || isUnder(b.config.BootMountPath, b.config.RootMountPath) {
		errs = packersdk.MultiErrorAppend(errs, errors.New("boot_mount_path must be outside root_mount_path"))
	}

	b.config.ChrootMounts = append(b.config.ChrootMounts,
		[]string{"bind", b.config.ModsDir, ChrootModsDir},
		[]string{"bind", b.config.PackagesDir, ChrootPackagesDir},
	)

	// checks, accumulate any errors or warnings

	mirror, err := url.Parse(b.config.MirrorURL)
	if err != nil || (mirror.Scheme != "http" && mirror.Scheme != "https") || mirror.Host == "" {
		errs = packersdk.MultiErrorAppend(errs, fmt.Errorf("mirror_url: %q is not an http(s) URL", b.config.MirrorURL))
	} else if password, ok := mirror.User.Password(); ok {
		packersdk.LogSecretFilter.Set(password)
	}
	if mirror != nil && mirror.Scheme == "http" {
		warns = append(warns, "mirror_url uses plain http; archives are only checked against checksums from the same mirror")
	}

	if !slices.Contains(fetch.ChecksumTypes, b.config.ChecksumType) {
		errs = packersdk.MultiErrorAppend(errs, fmt.Errorf("checksum_type: %q is not one of %v", b.config.ChecksumType, fetch.ChecksumTypes))
	}

	if b.config.BootSizeMB < 32 {
		errs = packersdk.MultiErrorAppend(errs, errors.New("boot_size_mb must be at least 32"))
	}
	if b.config.BootStartSector < 1 {
		errs = packersdk.MultiErrorAppend(errs, errors.New("boot_start_sector must be positive"))
	}
	if used := b.config.BootStartSector/2048 + b.config.BootSizeMB + minRootSizeMiB; b.config.ImageSizeMB < used {
		errs = packersdk.MultiErrorAppend(errs, fmt.Errorf(
			"image_size_mb must be at least %d to hold the boot partition and a %d MiB root partition", used, minRootSizeMiB))
	}
	if b.config.DownloadRetries < 0 {
		errs = packersdk.MultiErrorAppend(errs, errors.New("download_retries cannot be negative"))
	}
	for i, m := range b.config.ChrootMounts {
		if len(m) != 3 {
			errs = packersdk.MultiErrorAppend(errs, fmt.Errorf("chroot_mounts[%d]: expected [type, source, target], got %v", i, m))
		}
	}

	if b.config.Platform != "" {
		if err := b.resolveProfiles(); err != nil {
			errs = packersdk.MultiErrorAppend(errs, err)
		} else if _, err := resolveNames(&b.config, b.platform, b.environment); err != nil {
			errs = packersdk.MultiErrorAppend(errs, err)
		}
	}

	if errs != nil {
		return warns, &PreconditionError{Err: errs}
	}
	return warns, nil
}

func (b *Builder) resolveProfiles() error {
	platform, err := b.registry.ResolvePlatform(b.config.Platform)
	if err != nil {
		return err
	}
	environment, err := b.registry.ResolveEnvironment(b.config.Environment)
	if err != nil {
		return err
	}
	b.platform, b.environment = platform, environment
	b.config.Environment = environment.ID
	return nil
}

// RequireProfiles resolves the selected profiles, failing with the
// registry's error when no platform was selected.
func (b *Builder) RequireProfiles() error {
	if b.platform != nil {
		return nil
	}
	if err := b.resolveProfiles(); err != nil {
		return &PreconditionError{Err: err}
	}
	return nil
}

// checkTools fails when one of tools is not on the PATH.
func (b *Builder) checkTools(tools []string) error {
	var missing []string
	for _, t := range tools {
		if _, err := b.lookPath(t); err != nil {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return &PreconditionError{Err: fmt.Errorf("required commands not found: %s", strings.Join(missing, ", "))}
	}
	return nil
}

func (b *Builder) wrappedCommand() common.CommandWrapper {
	if b.wrap != nil {
		return b.wrap
	}
	return func(command string) (string, error) {
		ictx := b.config.ctx
		ictx.Data = &struct{ Command string }{Command: command}
		return interpolate.Render(b.config.CommandWrapper, &ictx)
	}
}

func (b *Builder) lifecycle() *Lifecycle {
	return b.newLifecycle(b.wrappedCommand(), Layout{
		BootStartSector: b.config.BootStartSector,
		BootSizeMiB:     b.config.BootSizeMB,
	})
}

// Run builds the image and returns its path. A *CleanupError takes precedence
// over the build error since it means host resources were leaked.
func (b *Builder) Run(ctx context.Context, ui packersdk.Ui) (string, error) {
	if runtime.GOOS != "linux" {
		return "", &PreconditionError{Err: errors.New("images can only be built on Linux")}
	}
	if err := b.RequireProfiles(); err != nil {
		return "", err
	}
	if err := b.checkTools(buildTools); err != nil {
		return "", err
	}

	// Setup the state bag and initial state for the steps
	state := new(multistep.BasicStateBag)
	state.Put("config", &b.config)
	state.Put("ui", ui)
	state.Put("wrappedCommand", b.wrappedCommand())
	state.Put("lifecycle", b.lifecycle())
	state.Put("fetcher", fetch.New(b.config.DownloadRetries))

	steps := buildsteps(b.config, b.platform, b.environment)

	// Run!
	b.runner = commonsteps.NewRunner(steps, b.config.PackerConfig, ui)
	b.runner.Run(ctx, state)

	var buildErr error
	if rawErr, ok := state.GetOk("error"); ok {
		buildErr = rawErr.(error)
	} else if _, ok := state.GetOk(multistep.StateCancelled); ok {
		buildErr = errors.New("build was cancelled")
	}

	if rawErr, ok := state.GetOk("cleanup_errors"); ok {
		return "", &CleanupError{Err: packersdk.MultiErrorAppend(buildErr, rawErr.(error))}
	}
	if buildErr != nil {
		return "", buildErr
	}

	session := state.Get("session").(*BuildSession)
	return session.ImagePath, nil
}

func buildsteps(config Config, platform, environment *profile.Profile) []multistep.Step {
	return []multistep.Step{
		&StepSelectProfiles{Platform: platform, Environment: environment},
		&StepFetchArchive{},
		&StepVerifyArchive{},
		&StepCreateImage{SizeMiB: config.ImageSizeMB},
		&StepBindLoop{},
		&StepFormat{},
		&StepMountDevice{RootPath: config.RootMountPath, BootPath: config.BootMountPath},
		&StepExtractArchive{},
		&StepRelocateBoot{},
		&StepAuxPackages{},
		&StepRunHooks{Point: profile.PreChroot},
		&chroot.StepMountExtra{ChrootMounts: config.ChrootMounts},
		&chroot.StepCopyFiles{Files: config.CopyFiles},
		&StepChrootConfigure{},
		&StepRunHooks{Point: profile.PostChroot},
		&StepRelease{},
	}
}

// Recover releases the loop device and mounts an interrupted build of the
// configured platform and environment left behind.
func (b *Builder) Recover(ctx context.Context, ui packersdk.Ui) error {
	if err := b.RequireProfiles(); err != nil {
		return err
	}
	session, err := resolveNames(&b.config, b.platform, b.environment)
	if err != nil {
		return &PreconditionError{Err: err}
	}
	if err := b.checkTools(recoverTools); err != nil {
		return err
	}

	ui.Say(fmt.Sprintf("Releasing resources held for %s...", session.ImagePath))
	released, err := b.lifecycle().Recover(ctx, session.ImagePath, b.config.RootMountPath, b.config.BootMountPath)
	for _, r := range released {
		ui.Say(fmt.Sprintf("Released %s", r))
	}
	if err != nil {
		return err
	}

	for _, dir := range []string{b.config.BootMountPath, b.config.RootMountPath} {
		if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
			log.Printf("[WARN] unable to remove mount directory: %s", err)
		}
	}
	return nil
}

// Clean removes images, partial downloads and empty mount directories from
// the work directory. Archives and the package cache are kept.
func (b *Builder) Clean(ctx context.Context, ui packersdk.Ui) error {
	lc := b.lifecycle()

	bound, err := lc.DevicesUnder(b.config.WorkDir)
	if err != nil {
		return err
	}
	if len(bound) > 0 {
		return &PreconditionError{Err: fmt.Errorf("loop devices are still bound to images in %s: %v, run `sbcbuild umount` first", b.config.WorkDir, bound)}
	}

	for _, dir := range []string{b.config.BootMountPath, b.config.RootMountPath} {
		mounted, err := lc.isMounted(dir)
		if err != nil {
			return err
		}
		if mounted {
			return &PreconditionError{Err: fmt.Errorf("%s is still mounted, run `sbcbuild umount` first", dir)}
		}
		if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
			ui.Error(fmt.Sprintf("Leaving %s in place: %s", dir, err))
		}
	}

	var errs *packersdk.MultiError
	for _, pattern := range []string{"*.img", "*" + fetch.PartialSuffix} {
		matches, err := filepath.Glob(filepath.Join(b.config.WorkDir, pattern))
		if err != nil {
			return err
		}
		for _, m := range matches {
			ui.Say(fmt.Sprintf("Removing %s", m))
			if err := os.Remove(m); err != nil {
				errs = packersdk.MultiErrorAppend(errs, err)
			}
		}
	}
	if errs != nil {
		return errs
	}
	return nil
}
