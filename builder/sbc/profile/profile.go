// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

// Package profile resolves platform (hardware target) and environment
// (software stack) descriptors and the hooks they contribute to a build.
package profile

import "fmt"

type Kind string

const (
	KindPlatform    Kind = "platform"
	KindEnvironment Kind = "environment"
)

// Point names a fixed place in the build where profiles may inject behavior.
type Point int

const (
	// PreChroot runs on the host once the root filesystem is extracted and
	// auxiliary packages are staged.
	PreChroot Point = iota
	// ChrootSetup runs inside the image, after the configuration script.
	ChrootSetup
	// PostChroot runs on the host after the chroot phase, before release.
	PostChroot
)

// Points lists every extension point in invocation order.
var Points = []Point{PreChroot, ChrootSetup, PostChroot}

func (p Point) String() string {
	switch p {
	case PreChroot:
		return "pre_chroot"
	case ChrootSetup:
		return "chroot_setup"
	case PostChroot:
		return "post_chroot"
	default:
		return fmt.Sprintf("Point(%d)", int(p))
	}
}

// Hook is one profile's implementation of an extension point. Host hooks
// carry Commands; the in-chroot hook carries a shell Script.
type Hook struct {
	Commands []string
	Script   string
}

// AuxPackage is a package not available upstream. The artifact is reused when
// already present in the shared package directory, otherwise it is downloaded
// from URL or produced by running Build in that directory.
type AuxPackage struct {
	Name     string   `yaml:"name"`
	Artifact string   `yaml:"artifact"`
	URL      string   `yaml:"url"`
	Build    []string `yaml:"build"`
}

// Profile is a resolved descriptor. Nil hook slots mean the profile does not
// participate in that extension point.
type Profile struct {
	ID          string
	Kind        Kind
	Description string
	// Archive is the source archive name template. Platforms only.
	Archive     string
	Packages    []string
	AuxPackages []AuxPackage

	PreChroot   *Hook
	ChrootSetup *Hook
	PostChroot  *Hook
}

// Hook returns the implementation for point, or nil.
func (p *Profile) Hook(point Point) *Hook {
	if p == nil {
		return nil
	}
	switch point {
	case PreChroot:
		return p.PreChroot
	case ChrootSetup:
		return p.ChrootSetup
	case PostChroot:
		return p.PostChroot
	}
	return nil
}

func (p *Profile) String() string {
	return fmt.Sprintf("%s %s", p.Kind, p.ID)
}
