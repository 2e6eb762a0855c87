package images

import (
	"context"
	"errors"
	"fmt"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"golang.org/x/sync/singleflight"

	"github.com/dockhand/sandpit/internal/logging"
	"github.com/dockhand/sandpit/internal/metrics"
	"github.com/dockhand/sandpit/provider"
)

// DefaultPullTimeout bounds a single pull attempt.
const DefaultPullTimeout = 30 * time.Minute

// PullPolicy decides whether an image is pulled given the local copy, if any.
type PullPolicy interface {
	ShouldPull(local provider.ImageInfo, present bool) bool
}

type pullIfMissing struct{}

func (pullIfMissing) ShouldPull(_ provider.ImageInfo, present bool) bool { return !present }

type alwaysPull struct{}

func (alwaysPull) ShouldPull(provider.ImageInfo, bool) bool { return true }

type olderThan struct {
	max time.Duration
	now func() time.Time
}

func (p olderThan) ShouldPull(local provider.ImageInfo, present bool) bool {
	if !present || local.Created.IsZero() {
		return !present
	}
	return p.now().Sub(local.Created) > p.max
}

// PullIfMissing pulls only when the image is not present locally.
func PullIfMissing() PullPolicy { return pullIfMissing{} }

// AlwaysPull pulls on every resolve.
func AlwaysPull() PullPolicy { return alwaysPull{} }

// PullIfOlderThan re-pulls a local image created more than d ago.
func PullIfOlderThan(d time.Duration) PullPolicy { return olderThan{max: d, now: time.Now} }

// Resolver makes image references available to a Controller.
// Concurrent resolves of the same reference share one pull.
type Resolver struct {
	ctrl        provider.Controller
	substitutor Substitutor
	auth        Auth
	pullPolicy  PullPolicy
	retry       func() PullRetryPolicy
	pullTimeout time.Duration
	platform    string
	group       *singleflight.Group
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithSubstitutor rewrites references before resolution.
func WithSubstitutor(s Substitutor) ResolverOption { return func(r *Resolver) { r.substitutor = s } }

func WithAuth(a Auth) ResolverOption { return func(r *Resolver) { r.auth = a } }

func WithPullPolicy(p PullPolicy) ResolverOption { return func(r *Resolver) { r.pullPolicy = p } }

// WithRetryPolicy installs a factory; each pull sequence gets a fresh policy.
func WithRetryPolicy(f func() PullRetryPolicy) ResolverOption {
	return func(r *Resolver) { r.retry = f }
}

func WithPullTimeout(d time.Duration) ResolverOption { return func(r *Resolver) { r.pullTimeout = d } }

func WithPlatform(p string) ResolverOption { return func(r *Resolver) { r.platform = p } }

// NewResolver returns a resolver using PullIfMissing and DefaultRetryPolicy.
func NewResolver(ctrl provider.Controller, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		ctrl:        ctrl,
		pullPolicy:  PullIfMissing(),
		retry:       DefaultRetryPolicy,
		pullTimeout: DefaultPullTimeout,
		group:       new(singleflight.Group),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve parses image, applies substitution and ensures it is present.
func (r *Resolver) Resolve(ctx context.Context, image string) (Reference, error) {
	ref, err := ParseReference(image)
	if err != nil {
		return Reference{}, err
	}
	return r.Ensure(ctx, ref)
}

// Ensure makes ref available and returns the possibly substituted reference.
func (r *Resolver) Ensure(ctx context.Context, ref Reference) (Reference, error) {
	if r.substitutor != nil {
		sub, err := r.substitutor.Substitute(ref)
		if err != nil {
			return Reference{}, fmt.Errorf("substitute %s: %w", ref, err)
		}
		if sub.String() != ref.String() {
			logging.For("images").Debug().Str("image", ref.String()).Str("substitute", sub.String()).Msg("image substituted")
		}
		ref = sub
	}
	// The shared pull must not die with whichever caller started it. Each
	// attempt is still bounded by pullTimeout and the loop by the retry policy.
	pctx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(ref.String(), func() (any, error) {
		return nil, r.ensure(pctx, ref)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Reference{}, res.Err
		}
		return ref, nil
	case <-ctx.Done():
		return Reference{}, fmt.Errorf("resolve %s: %w", ref, ctx.Err())
	}
}

// ForPolicy returns a resolver applying p that shares r's in-flight pulls,
// so resolves of one image stay serialized across pull policies.
func (r *Resolver) ForPolicy(p PullPolicy) *Resolver {
	c := *r
	c.pullPolicy = p
	return &c
}

func (r *Resolver) ensure(ctx context.Context, ref Reference) error {
	info, err := r.ctrl.InspectImage(ref.String()).Perform(ctx)
	present := err == nil
	switch {
	case err == nil:
	case cerrdefs.IsNotFound(err), errors.Is(err, provider.ErrUnsupportedOperation):
	default:
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}
	if !r.pullPolicy.ShouldPull(info, present) {
		return nil
	}
	return r.pull(ctx, ref)
}

func (r *Resolver) pull(ctx context.Context, ref Reference) error {
	log := logging.For("images").With().Str("image", ref.String()).Logger()
	auth, err := r.auth.RegistryAuth(ref)
	if err != nil {
		log.Warn().Err(err).Msg("registry credentials unavailable, pulling anonymously")
	}
	opts := provider.PullOptions{RegistryAuth: auth, Platform: r.platform}

	policy := r.retry()
	policy.PullStarted()
	for attempt := 1; ; attempt++ {
		log.Info().Int("attempt", attempt).Msg("pulling image")
		_, err := r.ctrl.PullImage(ref.String(), opts).WithTimeout(r.pullTimeout).Perform(ctx)
		if err == nil {
			metrics.IncImagePullSuccess()
			return nil
		}
		if ctx.Err() != nil {
			metrics.IncImagePullFailure()
			return fmt.Errorf("pull %s: %w", ref, ctx.Err())
		}
		class := Classify(err)
		retry, perr := policy.ShouldRetry(ref, class)
		if perr != nil {
			metrics.IncImagePullFailure()
			return fmt.Errorf("pull %s: %w", ref, errors.Join(err, perr))
		}
		if !retry {
			metrics.IncImagePullFailure()
			return fmt.Errorf("pull %s failed after %d attempt(s) (%s): %w", ref, attempt, class, err)
		}
		metrics.IncImagePullRetry()
		log.Warn().Err(err).Int("attempt", attempt).Str("class", class.String()).Msg("image pull failed, retrying")
	}
}
