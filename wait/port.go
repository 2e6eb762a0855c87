package wait

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/docker/go-connections/nat"
)

const dialTimeout = time.Second

// PortStrategy waits until TCP connections to the mapped ports succeed.
type PortStrategy struct {
	base
	ports []nat.Port
}

var _ Strategy = (*PortStrategy)(nil)

// ForListeningPort waits for ports, or every exposed port when none are given.
func ForListeningPort(ports ...nat.Port) *PortStrategy {
	return &PortStrategy{ports: ports}
}

func (s *PortStrategy) WithStartupTimeout(d time.Duration) *PortStrategy {
	s.setTimeout(d)
	return s
}

func (s *PortStrategy) WithPollInterval(d time.Duration) *PortStrategy {
	s.pollInterval = d
	return s
}

func (s *PortStrategy) WaitUntilReady(ctx context.Context, target StrategyTarget) error {
	ports := s.ports
	if len(ports) == 0 {
		ports = target.ExposedPorts()
	}
	if len(ports) == 0 {
		return fmt.Errorf("port wait: container exposes no ports")
	}
	name := fmt.Sprintf("listening ports %v", ports)
	return poll(ctx, name, &s.base, target, func(ctx context.Context) (bool, error) {
		host, err := target.Host(ctx)
		if err != nil {
			return false, err
		}
		for _, p := range ports {
			if p.Proto() != "tcp" {
				continue
			}
			mapped, err := target.MappedPort(ctx, p)
			if err != nil {
				return false, err
			}
			if err := dial(ctx, host, mapped); err != nil {
				return false, fmt.Errorf("port %s (%d): %w", p, mapped, err)
			}
		}
		return true, nil
	})
}

func dial(ctx context.Context, host string, port int) error {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return conn.Close()
}
