// Package docker runs containers on a Docker Engine, either through the local
// socket or a remote tcp:// daemon.
package docker

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/docker/docker/client"

	"github.com/dockhand/sandpit/config"
	"github.com/dockhand/sandpit/internal/logging"
	"github.com/dockhand/sandpit/provider"
)

const (
	// LocalName identifies the local socket provider.
	LocalName = "docker"
	// RemoteName identifies the remote daemon provider.
	RemoteName = "docker-remote"

	defaultSocketPath = "/var/run/docker.sock"
)

func init() {
	provider.Register(LocalName, 100, NewLocal)
	provider.Register(RemoteName, 90, NewRemote)
}

// Provider is a Docker backend bound to one daemon endpoint.
type Provider struct {
	name  string
	cfg   *config.Config
	host  string
	local bool
	dial  func() (dockerAPI, error)
}

func daemonHost(cfg *config.Config) string {
	if cfg.DockerHost != "" {
		return cfg.DockerHost
	}
	if h := os.Getenv(client.EnvOverrideHost); h != "" {
		return h
	}
	return client.DefaultDockerHost
}

func isLocal(host string) bool {
	return strings.HasPrefix(host, "unix://") || strings.HasPrefix(host, "npipe://")
}

// NewLocal returns a provider for a daemon reachable over a unix socket or
// named pipe. Host paths can be bind mounted.
func NewLocal(src config.Source) (provider.Provider, error) {
	cfg, err := config.FromSource(src)
	if err != nil {
		return nil, err
	}
	host := daemonHost(cfg)
	if !isLocal(host) {
		return nil, fmt.Errorf("docker host %s is not a local socket", host)
	}
	return newProvider(LocalName, cfg, host, true), nil
}

// NewRemote returns a provider for a tcp:// daemon, optionally over TLS.
// Host paths refer to the daemon's machine, so file mounting is unsupported.
func NewRemote(src config.Source) (provider.Provider, error) {
	cfg, err := config.FromSource(src)
	if err != nil {
		return nil, err
	}
	host := daemonHost(cfg)
	if isLocal(host) {
		return nil, fmt.Errorf("docker host %s is local", host)
	}
	if _, err := client.ParseHostURL(host); err != nil {
		return nil, fmt.Errorf("docker host %s: %w", host, err)
	}
	return newProvider(RemoteName, cfg, host, false), nil
}

func newProvider(name string, cfg *config.Config, host string, local bool) *Provider {
	return &Provider{
		name:  name,
		cfg:   cfg,
		host:  host,
		local: local,
		dial: func() (dockerAPI, error) {
			return newAPIClient(host, cfg.DockerTLSVerify, cfg.DockerCertPath)
		},
	}
}

func (p *Provider) Identifier() string { return p.name }

// Available pings the daemon.
func (p *Provider) Available(ctx context.Context) bool {
	log := logging.For("provider").With().Str("provider", p.name).Str("host", p.host).Logger()
	api, err := p.dial()
	if err != nil {
		log.Debug().Err(err).Msg("docker client unavailable")
		return false
	}
	defer api.Close()
	if _, err := api.Ping(ctx); err != nil {
		log.Debug().Err(err).Msg("docker daemon not reachable")
		return false
	}
	return true
}

func (p *Provider) SupportsExecution() bool { return true }

func (p *Provider) FileMountingSupported() bool { return p.local }

// Controller connects and pings the daemon before returning.
func (p *Provider) Controller(ctx context.Context) (provider.Controller, error) {
	c := p.newController()
	api, err := c.client()
	if err != nil {
		return nil, err
	}
	if _, err := api.Ping(ctx); err != nil {
		_ = api.Close()
		return nil, fmt.Errorf("ping docker daemon at %s: %w", p.host, err)
	}
	return c, nil
}

func (p *Provider) LazyController() provider.Controller { return p.newController() }

func (p *Provider) newController() *Controller {
	return &Controller{
		name:         p.name,
		host:         p.host,
		local:        p.local,
		pauseTimeout: p.cfg.PullPauseTimeout,
		connect:      p.dial,
	}
}

// hostname returns the address mapped ports are published on.
func hostname(host string) (string, error) {
	if isLocal(host) {
		return "localhost", nil
	}
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("parse docker host %s: %w", host, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("docker host %s has no hostname", host)
	}
	return u.Hostname(), nil
}

// socketPath is the daemon socket as seen from a container on that daemon.
// Docker Desktop sockets under ~/.docker live in the VM at the default path.
func socketPath(host string) string {
	p, ok := strings.CutPrefix(host, "unix://")
	if !ok || p == "" || strings.Contains(p, "/.docker/") {
		return defaultSocketPath
	}
	return p
}
