// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package logutil

import (
	"fmt"
	"slices"
	"strings"
)

// Fields renders as ` key=value` pairs in key order, quoting string values.
type Fields map[string]interface{}

func (f Fields) String() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var s strings.Builder
	for _, k := range keys {
		v := f[k]
		if sv, ok := v.(string); ok {
			v = fmt.Sprintf("%q", sv)
		}
		fmt.Fprintf(&s, " %s=%v", k, v)
	}
	return s.String()
}
