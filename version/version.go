// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package version

import (
	"github.com/hashicorp/packer-plugin-sdk/version"
)

var (
	Version           = "0.4.0"
	VersionPrerelease = "dev"
	VersionMetadata   = ""
	SBCBuildVersion   = version.NewPluginVersion(Version, VersionPrerelease, VersionMetadata)
)
