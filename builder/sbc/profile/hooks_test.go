// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package profile

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	packersdk "github.com/hashicorp/packer-plugin-sdk/packer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pair() (*Profile, *Profile) {
	platform := &Profile{
		ID:         "board",
		Kind:       KindPlatform,
		PreChroot:  &Hook{Commands: []string{"platform pre"}},
		PostChroot: &Hook{Commands: []string{"platform post"}},
	}
	environment := &Profile{
		ID:          "desktop",
		Kind:        KindEnvironment,
		ChrootSetup: &Hook{Script: "environment setup"},
		PostChroot:  &Hook{Commands: []string{"environment post"}},
	}
	return platform, environment
}

func TestHookSet_Order(t *testing.T) {
	hs := NewHookSet(pair())

	var got []string
	err := hs.Invoke(context.Background(), PostChroot, func(_ context.Context, bh BoundHook) error {
		got = append(got, bh.Hook.Commands[0])
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"platform post", "environment post"}, got)
}

func TestHookSet_AbsentHookIsNoop(t *testing.T) {
	hs := NewHookSet(pair())

	called := 0
	fn := func(context.Context, BoundHook) error { called++; return nil }

	require.NoError(t, hs.Invoke(context.Background(), PreChroot, fn))
	assert.Equal(t, 1, called, "only the platform defines pre_chroot")

	require.NoError(t, NewHookSet(&Profile{ID: "bare"}, nil).Invoke(context.Background(), ChrootSetup, fn))
	assert.Equal(t, 1, called)
}

func TestHookSet_FailureDoesNotStopNextHook(t *testing.T) {
	hs := NewHookSet(pair())
	boom := errors.New("boom")

	var ran []string
	err := hs.Invoke(context.Background(), PostChroot, func(_ context.Context, bh BoundHook) error {
		ran = append(ran, bh.Profile.ID)
		if bh.Profile.Kind == KindPlatform {
			return boom
		}
		return nil
	})

	assert.Equal(t, []string{"board", "desktop"}, ran)

	var multi *packersdk.MultiError
	require.True(t, errors.As(err, &multi), "got %v", err)
	require.Len(t, multi.Errors, 1)
	assert.ErrorIs(t, multi.Errors[0], boom)
}

func TestHookSet_BothFailuresReported(t *testing.T) {
	hs := NewHookSet(pair())
	err := hs.Invoke(context.Background(), PostChroot, func(_ context.Context, bh BoundHook) error {
		return errors.New(bh.Profile.ID)
	})

	var multi *packersdk.MultiError
	require.True(t, errors.As(err, &multi))
	assert.Len(t, multi.Errors, 2)
}

func TestHookSet_CancelledContext(t *testing.T) {
	hs := NewHookSet(pair())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := hs.Invoke(ctx, PostChroot, func(context.Context, BoundHook) error {
		called = true
		return nil
	})
	var multi *packersdk.MultiError
	require.True(t, errors.As(err, &multi), "got %v", err)
	assert.ErrorIs(t, multi.Errors[0], context.Canceled)
	assert.False(t, called)
}

func TestHookSet_Deterministic(t *testing.T) {
	r := Default()
	resolve := func() *HookSet {
		p, err := r.ResolvePlatform("odroid-xu4")
		require.NoError(t, err)
		e, err := r.ResolveEnvironment("xfce")
		require.NoError(t, err)
		return NewHookSet(p, e)
	}

	first, second := resolve(), resolve()
	for _, point := range Points {
		if diff := cmp.Diff(first.Hooks(point), second.Hooks(point)); diff != "" {
			t.Errorf("%s hooks differ between resolutions (-first +second):\n%s", point, diff)
		}
	}
}
