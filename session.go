// Package sandpit starts throwaway containers for tests and guarantees their
// removal. A Session owns the backend connection, the image resolver and the
// resource reaper; containers and networks are created through it.
package sandpit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/uuid"

	"github.com/dockhand/sandpit/config"
	"github.com/dockhand/sandpit/images"
	"github.com/dockhand/sandpit/internal/logging"
	"github.com/dockhand/sandpit/internal/metrics"
	"github.com/dockhand/sandpit/internal/state"
	"github.com/dockhand/sandpit/provider"
	"github.com/dockhand/sandpit/reaper"

	_ "github.com/dockhand/sandpit/provider/docker"
	_ "github.com/dockhand/sandpit/provider/kubernetes"
)

const closeTimeout = 2 * time.Minute

// Session is the process-wide context shared by containers: one backend
// connection, one reaper and one image resolver.
type Session struct {
	id       string
	cfg      *config.Config
	provider provider.Provider
	ctrl     provider.Controller
	reaper   *reaper.Reaper
	resolver *images.Resolver

	closeLog   func()
	metricsSrv *http.Server
	stopPush   context.CancelFunc
	pushDone   chan struct{}

	mu     sync.Mutex
	closed bool
}

// SessionOption configures NewSession.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	src      config.Source
	provider provider.Provider
	id       string
}

// WithConfigSource replaces config.Load.
func WithConfigSource(src config.Source) SessionOption {
	return func(o *sessionOptions) { o.src = src }
}

// WithProvider skips provider selection.
func WithProvider(p provider.Provider) SessionOption {
	return func(o *sessionOptions) { o.provider = p }
}

// WithSessionID fixes the session ID, which is otherwise random.
func WithSessionID(id string) SessionOption {
	return func(o *sessionOptions) { o.id = id }
}

// NewSession loads configuration, selects a provider and connects to it.
// Resources journaled by sessions of dead processes are pruned.
func NewSession(ctx context.Context, opts ...SessionOption) (*Session, error) {
	o := sessionOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.src == nil {
		src, err := config.Load()
		if err != nil {
			return nil, err
		}
		o.src = src
	}
	cfg, err := config.FromSource(o.src)
	if err != nil {
		return nil, err
	}
	closeLog, err := logging.Init(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log := logging.For("session")
	for _, w := range cfg.Validate() {
		log.Warn().Msg(w)
	}

	if o.id == "" {
		o.id = uuid.NewString()
	}
	s := &Session{id: o.id, cfg: cfg, provider: o.provider, closeLog: closeLog}
	if s.provider == nil {
		if s.provider, err = provider.Select(ctx, o.src); err != nil {
			closeLog()
			return nil, err
		}
	}
	if s.ctrl, err = s.provider.Controller(ctx); err != nil {
		closeLog()
		return nil, fmt.Errorf("connect to %s: %w", s.provider.Identifier(), err)
	}

	dir := cfg.ReaperStateDir
	if dir == "" {
		dir = state.DefaultDir()
	}
	ropts := []reaper.Option{reaper.WithSessionID(s.id)}
	if j, err := state.Open(dir, s.id, s.provider.Identifier()); err != nil {
		log.Warn().Err(err).Msg("session journal unavailable, crash recovery disabled")
	} else {
		ropts = append(ropts, reaper.WithJournal(j))
	}
	s.reaper = reaper.New(s.ctrl, cfg, ropts...)
	s.reaper.PruneStale(ctx, dir, s.provider.Identifier())

	s.resolver = images.NewResolver(s.ctrl,
		images.WithSubstitutor(images.PrefixSubstitutor{Prefix: cfg.HubImagePrefix}),
		images.WithAuth(registryAuth(cfg)),
		images.WithRetryPolicy(func() images.PullRetryPolicy {
			return images.TransientWithin(cfg.PullRetryMaxDuration)
		}),
	)

	metrics.SetSessionStart(time.Now())
	if cfg.MetricsEnabled {
		s.serveMetrics(cfg.MetricsPort)
	}
	if cfg.InfluxURL != "" {
		s.pushMetrics(cfg)
	}
	log.Info().Str("session", s.id).Str("provider", s.provider.Identifier()).Msg("session started")
	return s, nil
}

func registryAuth(cfg *config.Config) images.Auth {
	if cfg.RegistryUser == "" {
		return images.DefaultAuth()
	}
	return images.Auth{Username: cfg.RegistryUser, Password: cfg.RegistryPass, Keychain: authn.DefaultKeychain}
}

func (s *Session) serveMetrics(port int) {
	s.metricsSrv = &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           metrics.NewServeMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.For("metrics").Warn().Err(err).Msg("metrics endpoint stopped")
		}
	}()
}

func (s *Session) pushMetrics(cfg *config.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopPush = cancel
	s.pushDone = make(chan struct{})
	go func() {
		defer close(s.pushDone)
		metrics.StartInfluxPusher(ctx, metrics.InfluxConfig{
			URL:      cfg.InfluxURL,
			Token:    cfg.InfluxToken,
			Org:      cfg.InfluxOrg,
			Bucket:   cfg.InfluxBucket,
			Interval: cfg.InfluxInterval,
			Session:  s.id,
		})
	}()
}

var (
	defaultMu      sync.Mutex
	defaultSession *Session
)

// DefaultSession returns the process-wide session, creating it on first use.
// A failed attempt is not cached.
func DefaultSession(ctx context.Context) (*Session, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSession != nil {
		return defaultSession, nil
	}
	s, err := NewSession(ctx)
	if err != nil {
		return nil, err
	}
	defaultSession = s
	return s, nil
}

// CloseDefaultSession closes the process-wide session if it exists, typically
// from TestMain after m.Run.
func CloseDefaultSession(ctx context.Context) error {
	defaultMu.Lock()
	s := defaultSession
	defaultSession = nil
	defaultMu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close(ctx)
}

func (s *Session) ID() string                      { return s.id }
func (s *Session) Config() *config.Config          { return s.cfg }
func (s *Session) Provider() provider.Provider     { return s.provider }
func (s *Session) Controller() provider.Controller { return s.ctrl }
func (s *Session) Reaper() *reaper.Reaper          { return s.reaper }
func (s *Session) Resolver() *images.Resolver      { return s.resolver }

// Labels are the ownership labels applied to every resource of the session.
func (s *Session) Labels() map[string]string { return s.reaper.Labels() }

func (s *Session) resolverFor(p images.PullPolicy) *images.Resolver {
	if p == nil {
		return s.resolver
	}
	return s.resolver.ForPolicy(p)
}

// startReaper launches the reaper companion at most once per session.
func (s *Session) startReaper(ctx context.Context) error {
	return s.reaper.Start(ctx)
}

// BuildImage builds img with the session labels and tracks it for removal
// unless img.Keep is set.
func (s *Session) BuildImage(ctx context.Context, img *images.ImageFromDockerfile) (string, error) {
	return img.Build(ctx, s.ctrl, s.reaper.Labels(), s.reaper)
}

// Close removes every resource of the session and disconnects from the
// backend. Cleanup failures are logged, not returned; Close is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	s.reaper.Cleanup(ctx)
	err := s.ctrl.Close()
	if s.metricsSrv != nil {
		_ = s.metricsSrv.Shutdown(ctx)
	}
	if s.stopPush != nil {
		s.stopPush()
		<-s.pushDone
	}
	logging.For("session").Info().Str("session", s.id).Msg("session closed")
	s.closeLog()
	return err
}
