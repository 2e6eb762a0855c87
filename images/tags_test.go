package images

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectHighestTag(t *testing.T) {
	c, err := parseConstraint("1.x")
	require.NoError(t, err)
	tag, err := selectHighestTag([]string{"1.0.0", "v1.2.3", "1.1.5", "not-semver", "2.0.0"}, c)
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3", tag)

	_, err = selectHighestTag([]string{"0.1.0", "0.2.0"}, c)
	assert.Error(t, err)
}

func TestTagResolver(t *testing.T) {
	var listed string
	r := NewTagResolverWith(authn.DefaultKeychain, func(_ context.Context, repo name.Repository, _ authn.Keychain) ([]string, error) {
		listed = repo.Name()
		return []string{"15.6", "16.1", "16.4", "17.0", "latest"}, nil
	})
	ref, err := r.Resolve(context.Background(), "postgres:15", "^16")
	require.NoError(t, err)
	assert.Equal(t, "postgres:16.4", ref.String())
	assert.Equal(t, "index.docker.io/library/postgres", listed)

	_, err = r.Resolve(context.Background(), "postgres", "not a constraint")
	assert.Error(t, err)

	failing := NewTagResolverWith(nil, func(context.Context, name.Repository, authn.Keychain) ([]string, error) {
		return nil, errors.New("registry down")
	})
	_, err = failing.Resolve(context.Background(), "postgres", "^16")
	assert.ErrorContains(t, err, "registry down")
}

func TestLazyMemoizesErrors(t *testing.T) {
	calls := 0
	l := NewLazy(func(context.Context) (int, error) {
		calls++
		return 0, errors.New("nope")
	})
	_, err1 := l.Resolve(context.Background())
	_, err2 := l.Resolve(context.Background())
	assert.Error(t, err1)
	assert.Equal(t, err1, err2)
	assert.Equal(t, 1, calls)

	v, err := Resolved("x").Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", v)
}
