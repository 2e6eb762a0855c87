package sandpit

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dockhand/sandpit/images"
	"github.com/dockhand/sandpit/internal/logging"
	"github.com/dockhand/sandpit/provider"
)

// Network is a user-defined network shared by containers of one session. It
// is created on first use and removed by Remove or at session cleanup.
type Network struct {
	s   *Session
	cfg provider.NetworkConfig

	mu      sync.Mutex
	id      string
	removed bool
}

// NetworkOption configures a Network.
type NetworkOption func(*provider.NetworkConfig)

func WithNetworkName(name string) NetworkOption {
	return func(c *provider.NetworkConfig) { c.Name = name }
}

func WithNetworkDriver(driver string) NetworkOption {
	return func(c *provider.NetworkConfig) { c.Driver = driver }
}

// WithInternalNetwork blocks traffic to and from outside the network.
func WithInternalNetwork() NetworkOption {
	return func(c *provider.NetworkConfig) { c.Internal = true }
}

func WithIPv6() NetworkOption { return func(c *provider.NetworkConfig) { c.EnableIPv6 = true } }

func WithNetworkLabels(labels map[string]string) NetworkOption {
	return func(c *provider.NetworkConfig) {
		c.Labels = images.MergeLabels(nil, c.Labels, labels)
	}
}

// NewNetwork returns a network description; nothing is created yet.
func (s *Session) NewNetwork(opts ...NetworkOption) *Network {
	cfg := provider.NetworkConfig{Name: "sandpit-" + uuid.NewString()}
	for _, o := range opts {
		o(&cfg)
	}
	cfg.Labels = images.MergeLabels(nil, cfg.Labels, s.reaper.Labels())
	return &Network{s: s, cfg: cfg}
}

// Name is the requested network name.
func (n *Network) Name() string { return n.cfg.Name }

// ID creates the network if needed and returns its backend ID.
func (n *Network) ID(ctx context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.removed {
		return "", fmt.Errorf("network %s: %w: removed", n.cfg.Name, ErrInvalidState)
	}
	if n.id != "" {
		return n.id, nil
	}
	id, err := n.s.ctrl.CreateNetwork(n.cfg).Perform(ctx)
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", n.cfg.Name, err)
	}
	n.s.reaper.RegisterNetworkForCleanup(id)
	logging.For("network").Info().Str("network", n.cfg.Name).Str("id", id).Msg("network created")
	n.id = id
	return id, nil
}

// Remove deletes the network. It is a no-op if the network was never
// created; failures are logged.
func (n *Network) Remove(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.removed {
		return
	}
	n.removed = true
	if n.id == "" {
		return
	}
	n.s.reaper.RemoveNetwork(ctx, n.id)
}
