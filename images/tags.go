package images

import (
	"context"
	"fmt"
	"sort"

	mvc "github.com/Masterminds/semver/v3"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// TagLister lists the tags of a repository.
type TagLister func(ctx context.Context, repo name.Repository, kc authn.Keychain) ([]string, error)

func remoteTags(ctx context.Context, repo name.Repository, kc authn.Keychain) ([]string, error) {
	return remote.List(repo, remote.WithAuthFromKeychain(kc), remote.WithContext(ctx))
}

// TagResolver picks the newest registry tag satisfying a semver constraint,
// e.g. "postgres" + "^16" -> "postgres:16.4".
type TagResolver struct {
	keychain authn.Keychain
	list     TagLister
}

// NewTagResolver uses the standard docker config (~/.docker/config.json) for auth.
func NewTagResolver() *TagResolver {
	return &TagResolver{keychain: authn.DefaultKeychain, list: remoteTags}
}

// NewTagResolverWith is NewTagResolver with a custom keychain and lister.
func NewTagResolverWith(kc authn.Keychain, list TagLister) *TagResolver {
	if kc == nil {
		kc = authn.DefaultKeychain
	}
	if list == nil {
		list = remoteTags
	}
	return &TagResolver{keychain: kc, list: list}
}

// Resolve returns image pinned to the highest tag matching constraint.
func (r *TagResolver) Resolve(ctx context.Context, image, constraint string) (Reference, error) {
	c, err := parseConstraint(constraint)
	if err != nil {
		return Reference{}, err
	}
	repo, err := parseRepo(image)
	if err != nil {
		return Reference{}, err
	}

	tags, err := r.list(ctx, repo, r.keychain)
	if err != nil {
		return Reference{}, fmt.Errorf("failed to list tags for %s: %w", repo.Name(), err)
	}
	tag, err := selectHighestTag(tags, c)
	if err != nil {
		return Reference{}, fmt.Errorf("%s: %w", repo.Name(), err)
	}
	return ParseReference(repo.Name() + ":" + tag)
}

func parseConstraint(s string) (*mvc.Constraints, error) {
	c, err := mvc.NewConstraint(s)
	if err != nil {
		return nil, fmt.Errorf("invalid semver constraint %q: %w", s, err)
	}
	return c, nil
}

func parseRepo(image string) (name.Repository, error) {
	ref, err := name.ParseReference(image)
	if err != nil {
		return name.Repository{}, fmt.Errorf("invalid image reference %q: %w", image, err)
	}
	return ref.Context(), nil
}

// selectHighestTag keeps the registry's spelling of the winning tag (v1.0 vs 1.0).
func selectHighestTag(tags []string, c *mvc.Constraints) (string, error) {
	var versions []*mvc.Version
	original := make(map[*mvc.Version]string)
	for _, t := range tags {
		v, err := mvc.NewVersion(t)
		if err != nil {
			continue // latest, alpine, ...
		}
		if c.Check(v) {
			versions = append(versions, v)
			original[v] = t
		}
	}
	if len(versions) == 0 {
		return "", fmt.Errorf("no tags match constraint %s", c)
	}
	sort.Sort(mvc.Collection(versions))
	return original[versions[len(versions)-1]], nil
}
