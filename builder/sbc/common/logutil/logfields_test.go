// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package logutil

import "testing"

func TestFields_String(t *testing.T) {
	f := Fields{
		"url":    "http://mirror/os/a.tar.gz",
		"status": 200,
		"length": int64(-1),
	}
	want := ` length=-1 status=200 url="http://mirror/os/a.tar.gz"`
	if got := f.String(); got != want {
		t.Errorf("Expected %q, but got %q", want, got)
	}
	if got := (Fields{}).String(); got != "" {
		t.Errorf("Expected empty string, but got %q", got)
	}
}
