package sandpit

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/go-connections/nat"

	"github.com/dockhand/sandpit/wait"
)

// SocatImage is the ambassador image used by NewSocatProxy.
const SocatImage = "alpine/socat:1.8.0.1"

// SocatTarget forwards ListenPort on the proxy to Host:Port.
type SocatTarget struct {
	ListenPort int
	Host       string
	Port       int
}

// SocatProxy is an ambassador container forwarding TCP ports to containers
// that are only reachable on a shared network.
type SocatProxy struct {
	*Container
	targets []SocatTarget
}

// NewSocatProxy describes a proxy on n forwarding each target. Extra options
// are applied after the proxy's own.
func (s *Session) NewSocatProxy(n *Network, targets []SocatTarget, opts ...Option) (*SocatProxy, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("socat proxy: no targets")
	}
	targets = append([]SocatTarget(nil), targets...)
	sort.Slice(targets, func(i, j int) bool { return targets[i].ListenPort < targets[j].ListenPort })

	cmds := make([]string, 0, len(targets))
	ports := make([]string, 0, len(targets))
	waitPorts := make([]nat.Port, 0, len(targets))
	seen := map[int]bool{}
	for _, t := range targets {
		if t.ListenPort <= 0 || t.Port <= 0 || t.Host == "" {
			return nil, fmt.Errorf("socat proxy: invalid target %+v", t)
		}
		if seen[t.ListenPort] {
			return nil, fmt.Errorf("socat proxy: port %d forwarded twice", t.ListenPort)
		}
		seen[t.ListenPort] = true
		cmds = append(cmds, fmt.Sprintf("socat TCP-LISTEN:%d,fork,reuseaddr TCP:%s:%d", t.ListenPort, t.Host, t.Port))
		ports = append(ports, strconv.Itoa(t.ListenPort))
		waitPorts = append(waitPorts, natPort(strconv.Itoa(t.ListenPort)))
	}

	base := []Option{
		WithImage(SocatImage),
		WithEntrypoint("/bin/sh"),
		WithCmd("-c", strings.Join(cmds, " & ")),
		WithExposedPorts(ports...),
		WithWaitStrategy(wait.ForListeningPort(waitPorts...)),
	}
	if n != nil {
		base = append(base, WithNetwork(n))
	}
	return &SocatProxy{Container: s.NewContainer(append(base, opts...)...), targets: targets}, nil
}

// Targets returns the forwarded targets ordered by listen port.
func (p *SocatProxy) Targets() []SocatTarget {
	return append([]SocatTarget(nil), p.targets...)
}

// EndpointFor returns "host:port" on which target listenPort is reachable.
func (p *SocatProxy) EndpointFor(ctx context.Context, listenPort int) (string, error) {
	return p.Endpoint(ctx, strconv.Itoa(listenPort))
}
