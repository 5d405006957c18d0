// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

// log mirrors Packer's logging behaviour: potential secrets (mirror credentials,
// tokens in download URLs) are replaced with `<sensitive>` before printing, and
// lines are filtered by their `[LEVEL]` prefix.
//
// This is intended as a drop-in replacement for the standard `log` package,
// and relies on it for final printing.
package log

import (
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/hashicorp/logutils"
	"github.com/hashicorp/packer-plugin-sdk/packer"
)

// Levels understood by Setup, lowest first.
var Levels = []logutils.LogLevel{"TRACE", "DEBUG", "INFO", "WARN", "ERROR"}

// Setup routes the standard logger to w, keeping only lines at or above level.
// An empty level discards everything.
func Setup(w io.Writer, level string) error {
	level = strings.ToUpper(strings.TrimSpace(level))
	if level == "" || level == "OFF" {
		log.SetOutput(io.Discard)
		return nil
	}
	if level == "WARNING" {
		level = "WARN"
	}

	known := false
	for _, l := range Levels {
		if string(l) == level {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown log level %q", level)
	}

	log.SetOutput(&logutils.LevelFilter{
		Levels:   Levels,
		MinLevel: logutils.LogLevel(level),
		Writer:   w,
	})
	return nil
}

func Print(v ...any) {
	raw := string(fmt.Append(nil, v...))
	log.Print(packer.LogSecretFilter.FilterString(raw))
}

func Printf(format string, v ...any) {
	raw := string(fmt.Appendf(nil, format, v...))
	log.Print(packer.LogSecretFilter.FilterString(raw))
}

func Println(v ...any) {
	raw := string(fmt.Appendln(nil, v...))
	log.Print(packer.LogSecretFilter.FilterString(raw))
}
