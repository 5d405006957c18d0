// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

// sbcbuild builds bootable Arch Linux ARM images for single-board computers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	packersdk "github.com/hashicorp/packer-plugin-sdk/packer"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/sbcbuild/sbcbuild/builder/sbc/common/log"
	"github.com/sbcbuild/sbcbuild/builder/sbc/image"
	"github.com/sbcbuild/sbcbuild/builder/sbc/profile"
	"github.com/sbcbuild/sbcbuild/version"
)

// replaced in tests
var geteuid = unix.Geteuid

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command line args and returns the exit status.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	c := &cli{
		ui: &packersdk.BasicUi{
			Reader:      stdin,
			Writer:      stdout,
			ErrorWriter: stderr,
		},
		stdout: stdout,
	}
	root := c.rootCommand()
	if args == nil {
		// cobra falls back to os.Args for nil
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err != nil {
		c.ui.Error(fmt.Sprintf("==> %s", err))
	}
	return image.ExitCode(err)
}

type cli struct {
	ui     packersdk.Ui
	stdout io.Writer

	workDir     string
	profilesDir string
	configFile  string
	logLevel    string

	environment string
	mirror      string
	imageSizeMB int
	packagesDir string
	modsDir     string
}

func (c *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "sbcbuild",
		Short: "Build bootable Arch Linux ARM images for single-board computers",
		// unknown commands print the usage and the available profiles
		Args:          cobra.ArbitraryArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(c.stdout, cmd.UsageString())
			c.listProfiles()
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.workDir, "work-dir", ".", "Directory holding archives, images and mount directories")
	flags.StringVar(&c.profilesDir, "profiles-dir", "", "Directory with platforms/ and environments/ descriptors, replacing the built-in catalog")
	flags.StringVar(&c.configFile, "config", "", "YAML file with builder settings")
	flags.StringVar(&c.logLevel, "log-level", os.Getenv("SBCBUILD_LOG"), "Debug log verbosity (trace, debug, info, warn, error)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return log.Setup(cmd.ErrOrStderr(), c.logLevel)
	}

	root.AddCommand(
		c.buildCommand(),
		c.umountCommand(),
		c.cleanCommand(),
		c.versionCommand(),
	)
	return root
}

func (c *cli) registry() *profile.Registry {
	if c.profilesDir != "" {
		return profile.New(os.DirFS(c.profilesDir))
	}
	return profile.Default()
}

func (c *cli) listProfiles() {
	r := c.registry()
	fmt.Fprintln(c.stdout, "\nPlatforms:")
	for id := range r.Platforms() {
		fmt.Fprintf(c.stdout, "  %s\n", id)
	}
	fmt.Fprintln(c.stdout, "\nEnvironments:")
	for id := range r.Environments() {
		fmt.Fprintf(c.stdout, "  %s\n", id)
	}
}

func (c *cli) buildCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build <platform>",
		Short: "Build an image for a platform",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.prepare(cmd, args)
			if err != nil {
				return err
			}
			if err := b.RequireProfiles(); err != nil {
				return err
			}
			if err := requireRoot(); err != nil {
				return err
			}

			imagePath, err := b.Run(cmd.Context(), c.ui)
			if err != nil {
				return err
			}
			c.ui.Say(fmt.Sprintf("Build finished, the image is at %s", imagePath))
			return nil
		},
	}
	c.profileFlags(cmd)

	flags := cmd.Flags()
	flags.StringVar(&c.mirror, "mirror", "", "Base URL of the archive mirror")
	flags.IntVar(&c.imageSizeMB, "image-size-mb", 0, "Size of the image in MiB")
	flags.StringVar(&c.packagesDir, "packages-dir", "", "Shared auxiliary package directory")
	flags.StringVar(&c.modsDir, "mods-dir", "", "Directory copied over the root filesystem")
	return cmd
}

func (c *cli) umountCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "umount <platform>",
		Short: "Release the mounts and loop device an interrupted build left behind",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.prepare(cmd, args)
			if err != nil {
				return err
			}
			if err := b.RequireProfiles(); err != nil {
				return err
			}
			if err := requireRoot(); err != nil {
				return err
			}
			return b.Recover(cmd.Context(), c.ui)
		},
	}
	c.profileFlags(cmd)
	return cmd
}

func (c *cli) cleanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove images, partial downloads and mount directories from the work directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.prepare(cmd, nil)
			if err != nil {
				return err
			}
			if err := requireRoot(); err != nil {
				return err
			}
			return b.Clean(cmd.Context(), c.ui)
		},
	}
}

func (c *cli) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(c.stdout, "sbcbuild v%s\n", version.SBCBuildVersion.FormattedVersion())
			return nil
		},
	}
}

func (c *cli) profileFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&c.environment, "environment", "e", "", "Environment profile, defaults to "+profile.DefaultEnvironment)
}

// prepare builds the raw configuration from the config file and the flags
// set on the command line, in that order, and prepares a builder with it.
func (c *cli) prepare(cmd *cobra.Command, args []string) (*image.Builder, error) {
	var raws []interface{}
	if c.configFile != "" {
		raw, err := readConfigFile(c.configFile)
		if err != nil {
			return nil, &image.PreconditionError{Err: err}
		}
		raws = append(raws, raw)
	}

	flagged := make(map[string]interface{})
	if len(args) > 0 {
		flagged["platform"] = strings.TrimSpace(args[0])
	}
	set := func(flag, key string, value interface{}) {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			flagged[key] = value
		}
	}
	set("work-dir", "work_dir", c.workDir)
	set("environment", "environment", c.environment)
	set("mirror", "mirror_url", c.mirror)
	set("image-size-mb", "image_size_mb", c.imageSizeMB)
	set("packages-dir", "packages_dir", c.packagesDir)
	set("mods-dir", "mods_dir", c.modsDir)
	raws = append(raws, flagged)

	b := image.NewBuilder(c.registry())
	warns, err := b.Prepare(raws...)
	for _, w := range warns {
		c.ui.Say(fmt.Sprintf("Warning: %s", w))
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func readConfigFile(p string) (map[string]interface{}, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	raw := make(map[string]interface{})
	if err := yaml.NewDecoder(f).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing %s: %w", p, err)
	}
	return raw, nil
}

func requireRoot() error {
	if geteuid() != 0 {
		return &image.PreconditionError{Err: errors.New("sbcbuild needs root privileges to manage loop devices and mounts")}
	}
	return nil
}
