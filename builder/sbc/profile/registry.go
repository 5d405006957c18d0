// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package profile

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"path"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sbcbuild/sbcbuild/builder/sbc/common/log"
)

// DefaultEnvironment is resolved when no environment is selected.
const DefaultEnvironment = "base"

var extensions = []string{".yaml", ".yml"}

//go:embed profiles
var catalog embed.FS

// UnknownProfileError is returned when an identifier has no descriptor.
type UnknownProfileError struct {
	Kind      Kind
	ID        string
	Available []string
}

func (e *UnknownProfileError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("no %s selected, available: %s", e.Kind, strings.Join(e.Available, ", "))
	}
	return fmt.Sprintf("unsupported %s %q, available: %s", e.Kind, e.ID, strings.Join(e.Available, ", "))
}

// Registry discovers descriptors under platforms/ and environments/ of an
// fs.FS. It holds no state beyond the filesystem; every call re-reads it.
type Registry struct {
	fsys fs.FS
}

func New(fsys fs.FS) *Registry {
	return &Registry{fsys: fsys}
}

// Default returns a registry over the built-in catalog.
func Default() *Registry {
	sub, err := fs.Sub(catalog, "profiles")
	if err != nil {
		panic(err)
	}
	return New(sub)
}

func dirFor(kind Kind) string {
	return string(kind) + "s"
}

func (r *Registry) Platforms() iter.Seq[string] {
	return r.list(KindPlatform)
}

func (r *Registry) Environments() iter.Seq[string] {
	return r.list(KindEnvironment)
}

// list yields the sorted, deduplicated identifiers of kind. Nothing is read
// until the sequence is ranged over.
func (r *Registry) list(kind Kind) iter.Seq[string] {
	return func(yield func(string) bool) {
		var ids []string
		for _, ext := range extensions {
			matches, err := fs.Glob(r.fsys, path.Join(dirFor(kind), "*"+ext))
			if err != nil {
				log.Printf("[WARN] listing %s profiles: %s", kind, err)
				continue
			}
			for _, m := range matches {
				ids = append(ids, strings.TrimSuffix(path.Base(m), ext))
			}
		}
		slices.Sort(ids)
		for _, id := range slices.Compact(ids) {
			if !yield(id) {
				return
			}
		}
	}
}

func (r *Registry) ResolvePlatform(id string) (*Profile, error) {
	return r.resolve(KindPlatform, id)
}

// ResolveEnvironment falls back to DefaultEnvironment when id is empty.
func (r *Registry) ResolveEnvironment(id string) (*Profile, error) {
	if id == "" {
		id = DefaultEnvironment
	}
	return r.resolve(KindEnvironment, id)
}

type descriptor struct {
	Description string       `yaml:"description"`
	Archive     string       `yaml:"archive"`
	Packages    []string     `yaml:"packages"`
	AuxPackages []AuxPackage `yaml:"aux_packages"`
	Hooks       struct {
		PreChroot   []string `yaml:"pre_chroot"`
		ChrootSetup string   `yaml:"chroot_setup"`
		PostChroot  []string `yaml:"post_chroot"`
	} `yaml:"hooks"`
}

func (r *Registry) resolve(kind Kind, id string) (*Profile, error) {
	unknown := func() error {
		return &UnknownProfileError{Kind: kind, ID: id, Available: slices.Collect(r.list(kind))}
	}
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return nil, unknown()
	}

	var raw []byte
	var name string
	for _, ext := range extensions {
		name = path.Join(dirFor(kind), id+ext)
		b, err := fs.ReadFile(r.fsys, name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		raw = b
		break
	}
	if raw == nil {
		return nil, unknown()
	}

	var d descriptor
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parsing %s: %w", name, err)
	}
	if kind == KindPlatform && d.Archive == "" {
		return nil, fmt.Errorf("%s: platform descriptors must name an archive", name)
	}
	if kind == KindEnvironment && d.Archive != "" {
		return nil, fmt.Errorf("%s: environment descriptors may not name an archive", name)
	}
	for i, pkg := range d.AuxPackages {
		if pkg.Name == "" || pkg.Artifact == "" {
			return nil, fmt.Errorf("%s: aux_packages[%d] needs a name and an artifact", name, i)
		}
		if pkg.URL == "" && len(pkg.Build) == 0 {
			return nil, fmt.Errorf("%s: aux package %s needs a url or build commands", name, pkg.Name)
		}
	}

	p := &Profile{
		ID:          id,
		Kind:        kind,
		Description: d.Description,
		Archive:     d.Archive,
		Packages:    d.Packages,
		AuxPackages: d.AuxPackages,
	}
	if len(d.Hooks.PreChroot) > 0 {
		p.PreChroot = &Hook{Commands: d.Hooks.PreChroot}
	}
	if strings.TrimSpace(d.Hooks.ChrootSetup) != "" {
		p.ChrootSetup = &Hook{Script: d.Hooks.ChrootSetup}
	}
	if len(d.Hooks.PostChroot) > 0 {
		p.PostChroot = &Hook{Commands: d.Hooks.PostChroot}
	}

	log.Printf("[DEBUG] resolved %s from %s", p, name)
	return p, nil
}
