// Package reaper tracks every resource a session creates and removes it when
// the session ends, in process and through an out-of-process companion that
// survives the test process.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/dockhand/sandpit/config"
	"github.com/dockhand/sandpit/internal/logging"
	"github.com/dockhand/sandpit/internal/metrics"
	"github.com/dockhand/sandpit/internal/state"
	"github.com/dockhand/sandpit/provider"
)

// CompanionPort is where the companion listens inside its container.
const CompanionPort nat.Port = "8080/tcp"

const (
	removeTimeout = 30 * time.Second
	stopGrace     = 10 * time.Second
)

// Reaper is the session-wide cleanup registry. It is safe for concurrent use.
type Reaper struct {
	ctrl      provider.Controller
	cfg       *config.Config
	sessionID string
	dial      DialFunc
	journal   *state.Journal

	mu         sync.Mutex
	containers map[string]string // id -> image
	networks   map[string]struct{}
	images     map[string]struct{}
	filters    []map[string]string

	companionMu  sync.Mutex
	companionUp  bool
	companionID  string
	companionErr error
	client       *Client
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithSessionID fixes the session ID instead of generating one.
func WithSessionID(id string) Option { return func(r *Reaper) { r.sessionID = id } }

// WithJournal persists registrations for crash recovery.
func WithJournal(j *state.Journal) Option { return func(r *Reaper) { r.journal = j } }

// WithDialer overrides how the companion connection is opened.
func WithDialer(d DialFunc) Option { return func(r *Reaper) { r.dial = d } }

// New returns a reaper for ctrl. cfg may be nil for defaults.
func New(ctrl provider.Controller, cfg *config.Config, opts ...Option) *Reaper {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	r := &Reaper{
		ctrl:       ctrl,
		cfg:        cfg,
		containers: map[string]string{},
		networks:   map[string]struct{}{},
		images:     map[string]struct{}{},
	}
	for _, o := range opts {
		o(r)
	}
	if r.sessionID == "" {
		r.sessionID = uuid.NewString()
	}
	r.filters = append(r.filters, r.Labels())
	return r
}

// SessionID identifies this session on every resource label.
func (r *Reaper) SessionID() string { return r.sessionID }

// Labels returns a fresh copy of the session labels.
func (r *Reaper) Labels() map[string]string { return SessionLabels(r.sessionID) }

func (r *Reaper) journalAdd(kind state.Kind, id string) {
	if r.journal == nil {
		return
	}
	if err := r.journal.Add(kind, id); err != nil {
		logging.For("reaper").Warn().Err(err).Str("kind", string(kind)).Msg("journal write failed")
	}
}

func (r *Reaper) journalRemove(kind state.Kind, id string) {
	if r.journal == nil {
		return
	}
	if err := r.journal.Remove(kind, id); err != nil {
		logging.For("reaper").Warn().Err(err).Str("kind", string(kind)).Msg("journal write failed")
	}
}

// RegisterContainerForCleanup tracks a container. Idempotent.
func (r *Reaper) RegisterContainerForCleanup(id, image string) {
	r.mu.Lock()
	_, known := r.containers[id]
	r.containers[id] = image
	r.mu.Unlock()
	if !known {
		r.journalAdd(state.KindContainer, id)
	}
}

// RegisterNetworkForCleanup tracks a network. Idempotent.
func (r *Reaper) RegisterNetworkForCleanup(id string) {
	r.mu.Lock()
	_, known := r.networks[id]
	r.networks[id] = struct{}{}
	r.mu.Unlock()
	if !known {
		r.journalAdd(state.KindNetwork, id)
	}
}

// RegisterImageForCleanup tracks an image. Idempotent.
func (r *Reaper) RegisterImageForCleanup(ref string) {
	r.mu.Lock()
	_, known := r.images[ref]
	r.images[ref] = struct{}{}
	r.mu.Unlock()
	if !known {
		r.journalAdd(state.KindImage, ref)
	}
}

// RegisterFilterForCleanup asks the companion to prune resources carrying
// every label in labels. Without a companion the filter is applied to
// containers during Cleanup.
func (r *Reaper) RegisterFilterForCleanup(ctx context.Context, labels map[string]string) error {
	if len(labels) == 0 {
		return fmt.Errorf("empty cleanup filter")
	}
	cp := make(map[string]string, len(labels))
	for k, v := range labels {
		cp[k] = v
	}
	r.mu.Lock()
	r.filters = append(r.filters, cp)
	r.mu.Unlock()

	r.companionMu.Lock()
	client := r.client
	r.companionMu.Unlock()
	if client == nil {
		return nil
	}
	return client.Register(ctx, cp)
}

// Tracked reports how many resources are registered, by kind.
func (r *Reaper) Tracked() (containers, networks, images int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers), len(r.networks), len(r.images)
}

// Start launches the companion at most once per session and registers the
// session filter with it. Backends without a daemon socket fall back to
// in-process cleanup and Start returns nil.
func (r *Reaper) Start(ctx context.Context) error {
	r.companionMu.Lock()
	defer r.companionMu.Unlock()
	if r.companionUp || r.companionErr != nil {
		return r.companionErr
	}
	log := logging.For("reaper").With().Str("session", r.sessionID).Logger()
	if r.cfg.ReaperDisabled {
		log.Warn().Msg("reaper companion disabled; resources of a killed process will leak")
		r.companionUp = true
		return nil
	}
	host, ok := r.ctrl.(provider.CompanionHost)
	if !ok {
		log.Info().Msg("provider cannot host the reaper companion, using in-process cleanup")
		r.companionUp = true
		return nil
	}
	client, id, err := r.launchCompanion(ctx, host.DaemonSocketPath())
	if err != nil {
		r.companionErr = fmt.Errorf("start reaper companion: %w", err)
		return r.companionErr
	}
	r.client = client
	r.companionID = id
	r.companionUp = true
	log.Info().Str("container", id).Msg("reaper companion connected")
	return nil
}

func (r *Reaper) launchCompanion(ctx context.Context, socket string) (*Client, string, error) {
	image := r.cfg.ReaperImage
	if _, err := r.ctrl.CheckAndPullImage(image, provider.PullOptions{}).Perform(ctx); err != nil {
		return nil, "", fmt.Errorf("pull %s: %w", image, err)
	}
	spec := provider.ContainerConfig{
		Name:         "sandpit-reaper-" + r.sessionID,
		Image:        image,
		ExposedPorts: []nat.Port{CompanionPort},
		Labels: map[string]string{
			LabelCompanion: "true",
			LabelSessionID: r.sessionID,
		},
		Env: map[string]string{
			"SANDPIT_REAPER_CONNECTION_TIMEOUT":   r.cfg.ReaperConnectTimeout.String(),
			"SANDPIT_REAPER_RECONNECTION_TIMEOUT": r.cfg.ReaperReconnectTimeout.String(),
		},
		Mounts: []provider.Mount{{
			Type:   provider.MountBind,
			Source: socket,
			Target: "/var/run/docker.sock",
		}},
		Privileged: r.cfg.ReaperPrivileged,
		AutoRemove: true,
	}
	id, err := r.ctrl.CreateContainer(spec).Perform(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("create: %w", err)
	}
	if _, err := r.ctrl.StartContainer(id).Perform(ctx); err != nil {
		r.removeContainer(ctx, id)
		return nil, "", fmt.Errorf("start: %w", err)
	}
	info, err := r.ctrl.InspectContainer(id).Perform(ctx)
	if err != nil {
		r.removeContainer(ctx, id)
		return nil, "", fmt.Errorf("inspect: %w", err)
	}
	port, ok := info.Ports[CompanionPort]
	if !ok {
		r.removeContainer(ctx, id)
		return nil, "", fmt.Errorf("companion port %s is not mapped", CompanionPort)
	}
	hostAddr, err := r.ctrl.Host(ctx)
	if err != nil {
		r.removeContainer(ctx, id)
		return nil, "", err
	}
	addr := net.JoinHostPort(hostAddr, strconv.Itoa(port))
	client, err := Connect(ctx, addr, r.cfg.ReaperConnectTimeout, r.dial)
	if err != nil {
		r.removeContainer(ctx, id)
		return nil, "", err
	}
	r.mu.Lock()
	filters := append([]map[string]string(nil), r.filters...)
	r.mu.Unlock()
	for _, f := range filters {
		if err := client.Register(ctx, f); err != nil {
			_ = client.Close()
			r.removeContainer(ctx, id)
			return nil, "", err
		}
	}
	return client, id, nil
}

// StopAndRemoveContainer stops and removes id. Failures are logged and
// swallowed; an already removed container counts as success.
func (r *Reaper) StopAndRemoveContainer(ctx context.Context, id string) {
	log := logging.For("reaper").With().Str("container", id).Logger()
	if _, err := r.ctrl.StopContainer(id, stopGrace).WithTimeout(removeTimeout).Perform(ctx); err != nil && !cerrdefs.IsNotFound(err) {
		log.Debug().Err(err).Msg("stop failed, removing anyway")
	}
	r.removeContainer(ctx, id)
}

func (r *Reaper) removeContainer(ctx context.Context, id string) {
	_, err := r.ctrl.RemoveContainer(id, true).WithTimeout(removeTimeout).Perform(ctx)
	if !r.handleRemoval("container", id, err) {
		return
	}
	r.mu.Lock()
	delete(r.containers, id)
	r.mu.Unlock()
	r.journalRemove(state.KindContainer, id)
}

// RemoveNetwork removes a tracked network, best-effort.
func (r *Reaper) RemoveNetwork(ctx context.Context, id string) {
	_, err := r.ctrl.RemoveNetwork(id).WithTimeout(removeTimeout).Perform(ctx)
	if !r.handleRemoval("network", id, err) {
		return
	}
	r.mu.Lock()
	delete(r.networks, id)
	r.mu.Unlock()
	r.journalRemove(state.KindNetwork, id)
}

// RemoveImage removes a tracked image, best-effort.
func (r *Reaper) RemoveImage(ctx context.Context, ref string) {
	_, err := r.ctrl.RemoveImage(ref).WithTimeout(removeTimeout).Perform(ctx)
	if !r.handleRemoval("image", ref, err) {
		return
	}
	r.mu.Lock()
	delete(r.images, ref)
	r.mu.Unlock()
	r.journalRemove(state.KindImage, ref)
}

// handleRemoval logs err and reports whether the resource is gone.
func (r *Reaper) handleRemoval(kind, id string, err error) bool {
	switch {
	case err == nil:
		metrics.IncReaperRemoval(kind, true)
		return true
	case cerrdefs.IsNotFound(err):
		return true
	case errors.Is(err, provider.ErrUnsupportedOperation):
		return true
	}
	metrics.IncReaperRemoval(kind, false)
	metrics.IncCleanupFailed()
	logging.For("reaper").Warn().Err(err).Str(kind, id).Msg("cleanup failed")
	return false
}

// Cleanup removes everything the session owns: tracked containers, any
// container carrying a registered filter, then networks and images. It
// finally disconnects from the companion so it can prune whatever is left.
func (r *Reaper) Cleanup(ctx context.Context) {
	log := logging.For("reaper").With().Str("session", r.sessionID).Logger()
	r.mu.Lock()
	containers := make([]string, 0, len(r.containers))
	for id := range r.containers {
		containers = append(containers, id)
	}
	filters := append([]map[string]string(nil), r.filters...)
	r.mu.Unlock()

	seen := map[string]bool{r.companionID: true}
	for _, id := range containers {
		seen[id] = true
		r.StopAndRemoveContainer(ctx, id)
	}
	for _, f := range filters {
		list, err := r.ctrl.ListContainers(provider.ListFilter{Labels: f, All: true}).Perform(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("label listing failed")
			continue
		}
		for _, c := range list {
			if seen[c.ID] || c.Labels[LabelCompanion] == "true" {
				continue
			}
			seen[c.ID] = true
			r.StopAndRemoveContainer(ctx, c.ID)
		}
	}

	r.mu.Lock()
	networks := make([]string, 0, len(r.networks))
	for id := range r.networks {
		networks = append(networks, id)
	}
	images := make([]string, 0, len(r.images))
	for ref := range r.images {
		images = append(images, ref)
	}
	r.mu.Unlock()
	for _, id := range networks {
		r.RemoveNetwork(ctx, id)
	}
	for _, ref := range images {
		r.RemoveImage(ctx, ref)
	}

	r.companionMu.Lock()
	if r.client != nil {
		_ = r.client.Close()
		r.client = nil
	}
	r.companionMu.Unlock()

	if r.journal != nil {
		c, n, i := r.Tracked()
		if c+n+i == 0 {
			if err := r.journal.Close(); err != nil {
				log.Debug().Err(err).Msg("journal removal failed")
			}
		}
	}
	log.Info().Msg("session cleanup complete")
}

// PruneStale removes resources journaled by sessions whose process died,
// then discards their journals. Journals from another provider are left.
func (r *Reaper) PruneStale(ctx context.Context, dir, providerName string) {
	log := logging.For("reaper")
	stale, err := state.FindStale(dir, nil)
	if err != nil {
		log.Debug().Err(err).Msg("scan for stale sessions failed")
		return
	}
	for _, s := range stale {
		if s.Session.Provider != "" && s.Session.Provider != providerName {
			continue
		}
		log.Info().Str("session", s.Session.SessionID).Int("pid", s.Session.PID).Msg("pruning resources of dead session")
		res := s.Resources()
		for _, kind := range []state.Kind{state.KindContainer, state.KindNetwork, state.KindImage} {
			for _, rec := range res {
				if rec.Kind != kind {
					continue
				}
				switch kind {
				case state.KindContainer:
					_, err = r.ctrl.RemoveContainer(rec.ID, true).WithTimeout(removeTimeout).Perform(ctx)
				case state.KindNetwork:
					_, err = r.ctrl.RemoveNetwork(rec.ID).WithTimeout(removeTimeout).Perform(ctx)
				case state.KindImage:
					_, err = r.ctrl.RemoveImage(rec.ID).WithTimeout(removeTimeout).Perform(ctx)
				}
				r.handleRemoval(string(kind), rec.ID, err)
			}
		}
		if err := state.Discard(s); err != nil {
			log.Debug().Err(err).Msg("discard stale journal failed")
		}
	}
}
