// Package images resolves image references into usable local images: parsing,
// substitution, registry auth, pull retry policies and on-the-fly builds.
package images

import (
	"fmt"
	"strings"

	mvc "github.com/Masterminds/semver/v3"
	"github.com/google/go-containerregistry/pkg/name"
)

// Reference is an immutable, parsed image reference.
type Reference struct {
	named        name.Reference
	registry     string
	repository   string
	tag          string
	digest       string
	substituteOf *Reference
}

// ParseReference parses s, defaulting the registry to Docker Hub and the tag
// to "latest".
func ParseReference(s string) (Reference, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Reference{}, fmt.Errorf("empty image reference")
	}
	named, err := name.ParseReference(s)
	if err != nil {
		return Reference{}, fmt.Errorf("invalid image reference %q: %w", s, err)
	}
	ref := Reference{
		named:      named,
		registry:   named.Context().RegistryStr(),
		repository: named.Context().RepositoryStr(),
	}
	switch t := named.(type) {
	case name.Tag:
		ref.tag = t.TagStr()
	case name.Digest:
		ref.digest = t.DigestStr()
	}
	return ref, nil
}

// MustParse is ParseReference for constants; it panics on error.
func MustParse(s string) Reference {
	ref, err := ParseReference(s)
	if err != nil {
		panic(err)
	}
	return ref
}

// IsZero reports whether r was never parsed.
func (r Reference) IsZero() bool { return r.named == nil }

// IsDockerHub reports whether the image lives on the default registry.
func (r Reference) IsDockerHub() bool { return r.registry == name.DefaultRegistry }

// Registry returns the registry host, e.g. "index.docker.io" or "ghcr.io".
func (r Reference) Registry() string { return r.registry }

// Repository returns the repository path, e.g. "library/redis".
func (r Reference) Repository() string { return r.repository }

// Tag returns the tag, or "" for digest references.
func (r Reference) Tag() string { return r.tag }

// Digest returns the digest, or "" for tag references.
func (r Reference) Digest() string { return r.digest }

// Unversioned returns the familiar name without tag or digest, e.g. "redis"
// or "ghcr.io/acme/api".
func (r Reference) Unversioned() string {
	if r.IsDockerHub() {
		return strings.TrimPrefix(r.repository, "library/")
	}
	return r.registry + "/" + r.repository
}

// Version returns the tag or digest.
func (r Reference) Version() string {
	if r.digest != "" {
		return r.digest
	}
	return r.tag
}

// String returns the familiar form, e.g. "redis:7" or "ghcr.io/acme/api@sha256:...".
func (r Reference) String() string {
	if r.named == nil {
		return ""
	}
	if r.digest != "" {
		return r.Unversioned() + "@" + r.digest
	}
	return r.Unversioned() + ":" + r.tag
}

// WithTag returns a copy of r pointing at tag.
func (r Reference) WithTag(tag string) (Reference, error) {
	return ParseReference(r.Unversioned() + ":" + tag)
}

// WithPrefix returns r with prefix prepended to its familiar name. Used for
// pull-through mirrors of Docker Hub.
func (r Reference) WithPrefix(prefix string) (Reference, error) {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return r, nil
	}
	out, err := ParseReference(prefix + "/" + r.repository + versionSuffix(r))
	if err != nil {
		return Reference{}, err
	}
	out.substituteOf = r.substituteOf
	return out, nil
}

func versionSuffix(r Reference) string {
	if r.digest != "" {
		return "@" + r.digest
	}
	return ":" + r.tag
}

// AsCompatibleSubstituteFor declares r a drop-in replacement for other, e.g.
// a hardened mirror of an official image.
func (r Reference) AsCompatibleSubstituteFor(other string) (Reference, error) {
	o, err := ParseReference(other)
	if err != nil {
		return Reference{}, err
	}
	r.substituteOf = &o
	return r, nil
}

// CompatibleWith reports whether r is other, or was declared a substitute
// for something compatible with other.
func (r Reference) CompatibleWith(other Reference) bool {
	if r.Unversioned() == other.Unversioned() {
		return true
	}
	if r.substituteOf == nil {
		return false
	}
	return r.substituteOf.CompatibleWith(other)
}

// AssertCompatibleWith fails unless r is compatible with at least one family.
func (r Reference) AssertCompatibleWith(families ...string) error {
	if len(families) == 0 {
		return fmt.Errorf("no image families given to check %s against", r)
	}
	for _, f := range families {
		fam, err := ParseReference(f)
		if err != nil {
			return err
		}
		if r.CompatibleWith(fam) {
			return nil
		}
	}
	return fmt.Errorf("image %s is not a declared compatible substitute for %s; "+
		"use AsCompatibleSubstituteFor if it is", r, strings.Join(families, ", "))
}

// AtLeast reports whether the tag, read as a semantic version, is >= min.
func (r Reference) AtLeast(min string) (bool, error) {
	if r.tag == "" {
		return false, fmt.Errorf("image %s has no tag to compare", r)
	}
	have, err := mvc.NewVersion(r.tag)
	if err != nil {
		return false, fmt.Errorf("tag %q of %s is not a version: %w", r.tag, r.Unversioned(), err)
	}
	want, err := mvc.NewVersion(min)
	if err != nil {
		return false, fmt.Errorf("invalid version %q: %w", min, err)
	}
	return !have.LessThan(want), nil
}
