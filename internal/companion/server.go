// Package companion is the out-of-process reaper. Clients register label
// filters over TCP and keep the connection open; once the last client is gone
// for longer than the reconnection timeout, everything matching any filter is
// pruned and the server exits.
package companion

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dockhand/sandpit/internal/logging"
)

// Options tune a Server.
type Options struct {
	// ConnectionTimeout is how long to wait for the first client.
	ConnectionTimeout time.Duration
	// ReconnectionTimeout is the grace period after the last disconnect.
	ReconnectionTimeout time.Duration
	// ShutdownTimeout bounds the final prune.
	ShutdownTimeout time.Duration
}

// DefaultOptions mirror the client defaults.
func DefaultOptions() Options {
	return Options{
		ConnectionTimeout:   60 * time.Second,
		ReconnectionTimeout: 10 * time.Second,
		ShutdownTimeout:     10 * time.Minute,
	}
}

// ErrNoClient is returned when nobody connects within the connection timeout.
var ErrNoClient = errors.New("no client connected within the connection timeout")

// Server accepts filter registrations and prunes on session end.
type Server struct {
	opts   Options
	pruner Pruner
	log    zerolog.Logger

	mu        sync.Mutex
	filters   map[string]Filter
	clients   int
	connected bool
	events    chan struct{}
}

// NewServer returns a server pruning through p.
func NewServer(p Pruner, opts Options) *Server {
	def := DefaultOptions()
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = def.ConnectionTimeout
	}
	if opts.ReconnectionTimeout <= 0 {
		opts.ReconnectionTimeout = def.ReconnectionTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = def.ShutdownTimeout
	}
	return &Server{
		opts:    opts,
		pruner:  p,
		log:     *logging.For("companion"),
		filters: map[string]Filter{},
		events:  make(chan struct{}, 1),
	}
}

// Filters returns the registered filters in a stable order.
func (s *Server) Filters() []Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.filters))
	for k := range s.filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Filter, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.filters[k])
	}
	return out
}

func (s *Server) notify() {
	select {
	case s.events <- struct{}{}:
	default:
	}
}

// Serve accepts clients on ln until the session ends, then prunes. It
// returns the prune report, or ErrNoClient.
func (s *Server) Serve(ctx context.Context, ln net.Listener) (Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go s.acceptLoop(ctx, ln)

	timer := time.NewTimer(s.opts.ConnectionTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.prune()
		case <-timer.C:
			s.mu.Lock()
			connected, clients := s.connected, s.clients
			s.mu.Unlock()
			if !connected {
				s.log.Warn().Dur("timeout", s.opts.ConnectionTimeout).Msg("no client connected")
				return Report{}, ErrNoClient
			}
			if clients == 0 {
				s.log.Info().Msg("all clients gone, pruning")
				return s.prune()
			}
			timer.Reset(24 * time.Hour)
		case <-s.events:
			s.mu.Lock()
			connected, clients := s.connected, s.clients
			s.mu.Unlock()
			if !connected {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			if clients == 0 {
				s.log.Info().Dur("grace", s.opts.ReconnectionTimeout).Msg("last client disconnected")
				timer.Reset(s.opts.ReconnectionTimeout)
			} else {
				// parked until the next disconnect
				timer.Reset(24 * time.Hour)
			}
		}
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Error().Err(err).Msg("accept failed")
			}
			return
		}
		s.mu.Lock()
		s.clients++
		s.connected = true
		s.mu.Unlock()
		s.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("client connected")
		s.notify()
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		s.clients--
		s.mu.Unlock()
		s.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("client disconnected")
		s.notify()
	}()
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		f, err := ParseFilter(line)
		if err != nil {
			s.log.Warn().Err(err).Str("line", line).Msg("invalid filter")
			continue
		}
		s.mu.Lock()
		s.filters[f.Key()] = f
		s.mu.Unlock()
		s.log.Debug().Str("filter", f.Key()).Msg("filter registered")
		if _, err := conn.Write([]byte("ACK\n")); err != nil {
			return
		}
	}
}

func (s *Server) prune() (Report, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	var total Report
	var errs []error
	for _, f := range s.Filters() {
		r, err := PruneAll(ctx, s.pruner, f)
		total = total.Add(r)
		if err != nil {
			errs = append(errs, fmt.Errorf("filter %s: %w", f.Key(), err))
		}
	}
	s.log.Info().
		Int("containers", total.Containers).
		Int("networks", total.Networks).
		Int("volumes", total.Volumes).
		Int("images", total.Images).
		Msg("prune complete")
	return total, errors.Join(errs...)
}
