package provider_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockhand/sandpit/config"
	"github.com/dockhand/sandpit/provider"
	"github.com/dockhand/sandpit/provider/providertest"
)

func TestIntentPerformAppliesTimeout(t *testing.T) {
	in := provider.NewIntent("slow", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}).WithTimeout(20 * time.Millisecond)

	start := time.Now()
	_, err := in.Perform(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "slow", in.Name())
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func (c *ctxReader) Close() error { return nil }

func TestStreamIntentOutlivesPerform(t *testing.T) {
	var streamCtx context.Context
	in := provider.NewStreamIntent("logs", func(ctx context.Context) (io.ReadCloser, error) {
		streamCtx = ctx
		return &ctxReader{ctx: ctx, r: strings.NewReader("hello")}, nil
	}).WithTimeout(time.Second)

	caller, cancel := context.WithCancel(context.Background())
	defer cancel()
	rc, err := in.Perform(caller)
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
	require.NoError(t, streamCtx.Err())

	cancel()
	require.Eventually(t, func() bool { return streamCtx.Err() != nil }, time.Second, 5*time.Millisecond)
	require.NoError(t, rc.Close())
}

func TestStreamIntentCloseReleases(t *testing.T) {
	var streamCtx context.Context
	in := provider.NewStreamIntent("copy", func(ctx context.Context) (io.ReadCloser, error) {
		streamCtx = ctx
		return io.NopCloser(strings.NewReader("")), nil
	})
	rc, err := in.Perform(context.Background())
	require.NoError(t, err)
	require.NoError(t, streamCtx.Err())
	require.NoError(t, rc.Close())
	assert.Error(t, streamCtx.Err())
}

func TestStreamIntentOpenBoundedByTimeout(t *testing.T) {
	in := provider.NewStreamIntent("stuck", func(ctx context.Context) (io.ReadCloser, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}).WithTimeout(20 * time.Millisecond)
	_, err := in.Perform(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnsupportedIntent(t *testing.T) {
	_, err := provider.UnsupportedIntent[string]("kubernetes", "tagImage").Perform(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrUnsupportedOperation)

	var uerr *provider.UnsupportedOperationError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, "tagImage", uerr.Operation)
}

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("boom")
	launch := &provider.ContainerLaunchError{Image: "redis:7", Err: cause}
	assert.ErrorIs(t, launch, cause)
	assert.Contains(t, launch.Error(), "redis:7")

	failed := &provider.ContainerFailedToStartError{ContainerID: "0123456789abcdef", Logs: "booting", Err: cause}
	assert.Contains(t, failed.Error(), "0123456789ab")
	assert.Contains(t, failed.Error(), "booting")
	assert.ErrorIs(t, failed, cause)

	exit := &provider.ExitError{ContainerID: "abc", ExitCode: 3, Status: "exited"}
	assert.ErrorIs(t, exit, provider.ErrContainerExited)
}

func TestSelectPicksHighestAvailable(t *testing.T) {
	down := providertest.NewProvider(providertest.NewController())
	down.Name = "down"
	down.Avail = false
	up := providertest.NewProvider(providertest.NewController())
	up.Name = "up"
	boom := providertest.NewProvider(providertest.NewController())
	boom.Name = "boom"
	boom.PanicOnUp = true

	provider.Register("test-down", 1000, func(config.Source) (provider.Provider, error) { return down, nil })
	provider.Register("test-boom", 999, func(config.Source) (provider.Provider, error) { return boom, nil })
	provider.Register("test-up", 998, func(config.Source) (provider.Provider, error) { return up, nil })

	p, err := provider.Select(context.Background(), config.MapSource{})
	require.NoError(t, err)
	assert.Equal(t, "up", p.Identifier())

	names := provider.Registered()
	require.GreaterOrEqual(t, len(names), 3)
	assert.Equal(t, []string{"test-down", "test-boom", "test-up"}, names[:3])
}

func TestSelectHonoursOverride(t *testing.T) {
	p1 := providertest.NewProvider(providertest.NewController())
	p1.Name = "override"
	provider.Register("test-override", -1, func(config.Source) (provider.Provider, error) { return p1, nil })

	p, err := provider.Select(context.Background(), config.MapSource{config.KeyProviderType: "test-override"})
	require.NoError(t, err)
	assert.Equal(t, "override", p.Identifier())

	_, err = provider.Select(context.Background(), config.MapSource{config.KeyProviderType: "nope"})
	require.Error(t, err)

	p1.Avail = false
	_, err = provider.Select(context.Background(), config.MapSource{config.KeyProviderType: "test-override"})
	require.ErrorIs(t, err, provider.ErrNoProvider)
}

func TestContainerStateExited(t *testing.T) {
	assert.True(t, provider.ContainerState{Status: "exited"}.Exited())
	assert.False(t, provider.ContainerState{Status: "running", Running: true}.Exited())
	assert.False(t, provider.ContainerState{Status: "created"}.Exited())
}
