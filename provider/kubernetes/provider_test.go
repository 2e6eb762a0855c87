package kubernetes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockhand/sandpit/config"
	"github.com/dockhand/sandpit/provider"
)

func TestProviderIsRegistered(t *testing.T) {
	assert.Contains(t, provider.Registered(), Name)
}

func TestNamespaceName(t *testing.T) {
	ns, err := namespaceName("", "ab12cd34")
	require.NoError(t, err)
	assert.Equal(t, "sandpit-ab12cd34", ns)

	ns, err = namespaceName("CI-{session}", "X1")
	require.NoError(t, err)
	assert.Equal(t, "ci-x1", ns)

	_, err = namespaceName("bad_ns", "x")
	assert.Error(t, err)
}

func TestNewAppliesConfiguration(t *testing.T) {
	p, err := New(config.MapSource{
		config.KeyK8sNamespace:       "fixed",
		config.KeyK8sNamespaceLabels: "env=ci",
		config.KeyK8sNodePortAddress: "10.9.8.7",
	})
	require.NoError(t, err)
	assert.Equal(t, Name, p.Identifier())
	assert.True(t, p.FileMountingSupported())
	assert.True(t, p.SupportsExecution())

	c := p.LazyController().(*Controller)
	assert.Equal(t, "fixed", c.Namespace())
	assert.Equal(t, map[string]string{namespaceLabel: "true", "env": "ci"}, c.nsLabels)

	host, err := c.Host(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "10.9.8.7", host)
}

func TestNewRejectsInvalidNamespace(t *testing.T) {
	_, err := New(config.MapSource{config.KeyK8sNamespace: "Not Valid"})
	assert.Error(t, err)
}
