// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package version

import (
	"fmt"
	"testing"
)

func TestSBCBuildVersion_FormattedVersion(t *testing.T) {
	if SBCBuildVersion == nil {
		t.Fatal("Unable to continue with nil version")
	}

	expected := Version
	if VersionPrerelease != "" {
		expected = fmt.Sprintf("%s-%s", Version, VersionPrerelease)
	}
	got := SBCBuildVersion.FormattedVersion()
	if got != expected {
		t.Errorf("calling FormattedVersion on SBCBuildVersion failed: expected %s, but got %s", expected, got)
	}
}
