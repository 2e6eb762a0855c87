package reaper

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/dockhand/sandpit/internal/logging"
)

const (
	ackTimeout  = 5 * time.Second
	ackAttempts = 3
)

// DialFunc opens the connection to the companion.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

func dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Client keeps the companion connection open for the life of the session.
// The companion prunes every registered filter once the connection drops.
type Client struct {
	mu      sync.Mutex
	addr    string
	dial    DialFunc
	conn    net.Conn
	rd      *bufio.Reader
	limiter *rate.Limiter
	filters []string
}

// Connect dials addr, retrying with exponential backoff until timeout.
func Connect(ctx context.Context, addr string, timeout time.Duration, dial DialFunc) (*Client, error) {
	if dial == nil {
		dial = dialTCP
	}
	c := &Client{addr: addr, dial: dial, limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 1)}
	if err := c.connect(ctx, timeout); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context, timeout time.Duration) error {
	log := logging.For("reaper")
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = timeout

	op := func() error {
		conn, err := c.dial(ctx, c.addr)
		if err != nil {
			log.Debug().Err(err).Str("addr", c.addr).Msg("companion not reachable yet")
			return err
		}
		c.conn = conn
		c.rd = bufio.NewReader(conn)
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("connect to reaper companion at %s: %w", c.addr, err)
	}
	return nil
}

// Register sends one filter and waits for the companion's ACK. A broken
// connection is re-established and every known filter replayed.
func (c *Client) Register(ctx context.Context, labels map[string]string) error {
	line := EncodeFilter(labels)
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= ackAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if c.conn == nil {
			if err := c.connect(ctx, ackTimeout); err != nil {
				lastErr = err
				continue
			}
			if err := c.replayUnlocked(); err != nil {
				c.dropUnlocked()
				lastErr = err
				continue
			}
		}
		if err := c.sendUnlocked(line); err != nil {
			c.dropUnlocked()
			lastErr = err
			logging.For("reaper").Warn().Err(err).Int("attempt", attempt).Msg("reaper filter registration failed")
			continue
		}
		c.filters = append(c.filters, line)
		return nil
	}
	return fmt.Errorf("register filter with reaper companion: %w", lastErr)
}

func (c *Client) replayUnlocked() error {
	for _, f := range c.filters {
		if err := c.sendUnlocked(f); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) sendUnlocked(line string) error {
	_ = c.conn.SetDeadline(time.Now().Add(ackTimeout))
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return err
	}
	resp, err := c.rd.ReadString('\n')
	if err != nil {
		return err
	}
	if strings.TrimSpace(resp) != "ACK" {
		return fmt.Errorf("unexpected reaper response %q", strings.TrimSpace(resp))
	}
	return nil
}

func (c *Client) dropUnlocked() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.rd = nil
}

// Close drops the connection, which starts the companion's prune countdown.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
