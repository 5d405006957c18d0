// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package profile

import (
	"context"
	"fmt"

	packersdk "github.com/hashicorp/packer-plugin-sdk/packer"

	"github.com/sbcbuild/sbcbuild/builder/sbc/common/log"
)

// BoundHook is a hook together with the profile that defines it.
type BoundHook struct {
	Profile *Profile
	Hook    *Hook
}

// HookSet holds the hooks the selected platform and environment define,
// platform first for every point.
type HookSet struct {
	hooks map[Point][]BoundHook
}

func NewHookSet(platform, environment *Profile) *HookSet {
	hs := &HookSet{hooks: make(map[Point][]BoundHook, len(Points))}
	for _, point := range Points {
		for _, p := range []*Profile{platform, environment} {
			if h := p.Hook(point); h != nil {
				hs.hooks[point] = append(hs.hooks[point], BoundHook{Profile: p, Hook: h})
			}
		}
	}
	return hs
}

// Hooks returns the bound hooks for point in invocation order.
func (hs *HookSet) Hooks(point Point) []BoundHook {
	return hs.hooks[point]
}

// Invoke calls fn for each hook bound to point. A failing hook does not stop
// the ones after it; every failure is returned together.
func (hs *HookSet) Invoke(ctx context.Context, point Point, fn func(context.Context, BoundHook) error) error {
	var errs *packersdk.MultiError
	for _, bh := range hs.hooks[point] {
		if err := ctx.Err(); err != nil {
			return packersdk.MultiErrorAppend(errs, err)
		}

		log.Printf("[INFO] running %s hook of %s", point, bh.Profile)
		if err := fn(ctx, bh); err != nil {
			errs = packersdk.MultiErrorAppend(errs, fmt.Errorf("%s hook of %s: %w", point, bh.Profile, err))
		}
	}
	if errs != nil {
		return errs
	}
	return nil
}
