package images

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dockhand/sandpit/internal/logging"
	"github.com/dockhand/sandpit/internal/metrics"
	"github.com/dockhand/sandpit/provider"
)

// DefaultBuildTimeout bounds a single image build.
const DefaultBuildTimeout = 30 * time.Minute

// CleanupRegistrar tracks images for removal at the end of the session.
type CleanupRegistrar interface {
	RegisterImageForCleanup(ref string)
}

// ImageFromDockerfile builds an image from a BuildContext on first use.
type ImageFromDockerfile struct {
	// Name defaults to a random "localhost/sandpit/<uuid>:latest".
	Name      string
	Context   *BuildContext
	Labels    map[string]string
	BuildArgs map[string]*string
	Target    string
	Platform  string
	NoCache   bool
	Pull      bool
	// Keep leaves the image in place when the session ends.
	Keep    bool
	Timeout time.Duration
}

// NewImageFromDockerfile builds df with an otherwise empty context.
func NewImageFromDockerfile(df *DockerfileBuilder) *ImageFromDockerfile {
	return &ImageFromDockerfile{Context: NewBuildContext().WithDockerfile(df)}
}

// MergeLabels layers user labels over defaults, then session labels over both.
// Session labels mark ownership and are never overridden.
func MergeLabels(defaults, user, session map[string]string) map[string]string {
	out := make(map[string]string, len(defaults)+len(user)+len(session))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range user {
		out[k] = v
	}
	for k, v := range session {
		out[k] = v
	}
	return out
}

// Build streams the context to ctrl and returns the image name. sessionLabels
// are merged into the image labels; reg, when non-nil, tracks the image for
// cleanup unless Keep is set. The image is registered before the build starts.
func (i *ImageFromDockerfile) Build(ctx context.Context, ctrl provider.Controller, sessionLabels map[string]string, reg CleanupRegistrar) (string, error) {
	if i.Context == nil {
		return "", fmt.Errorf("image build: no build context")
	}
	if !i.Context.HasDockerfile() {
		return "", fmt.Errorf("image build: build context has no Dockerfile")
	}
	name := i.Name
	if name == "" {
		name = "localhost/sandpit/" + uuid.NewString() + ":latest"
	}
	name = strings.ToLower(name)
	log := logging.For("images").With().Str("image", name).Logger()

	if reg != nil && !i.Keep {
		reg.RegisterImageForCleanup(name)
	}

	archive, err := i.Context.Archive(ctx)
	if err != nil {
		return "", err
	}
	defer archive.Close()

	timeout := i.Timeout
	if timeout <= 0 {
		timeout = DefaultBuildTimeout
	}
	opts := provider.BuildOptions{
		Tags:       []string{name},
		Dockerfile: DockerfileName,
		BuildArgs:  i.BuildArgs,
		Labels:     MergeLabels(nil, i.Labels, sessionLabels),
		Target:     i.Target,
		Pull:       i.Pull,
		NoCache:    i.NoCache,
		Platform:   i.Platform,
	}
	log.Info().Msg("building image")
	start := time.Now()
	id, err := ctrl.BuildImage(archive, opts).WithTimeout(timeout).Perform(ctx)
	if err != nil {
		return "", fmt.Errorf("build image %s: %w", name, err)
	}
	metrics.IncImageBuild()
	log.Info().Str("id", id).Dur("took", time.Since(start)).Msg("image built")
	return name, nil
}

// Lazy defers Build until the name is first resolved.
func (i *ImageFromDockerfile) Lazy(ctrl provider.Controller, sessionLabels map[string]string, reg CleanupRegistrar) *Lazy[string] {
	return NewLazy(func(ctx context.Context) (string, error) {
		return i.Build(ctx, ctrl, sessionLabels, reg)
	})
}
