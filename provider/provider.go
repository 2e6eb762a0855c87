// Package provider defines the backend SPI: a Provider produces a Controller
// whose methods return bound intents, one per backend operation.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dockhand/sandpit/config"
	"github.com/dockhand/sandpit/internal/logging"
)

// Controller executes intents against one concrete backend.
type Controller interface {
	CreateContainer(cfg ContainerConfig) Intent[string]
	StartContainer(id string) Intent[struct{}]
	InspectContainer(id string) Intent[ContainerInfo]
	ListContainers(filter ListFilter) Intent[[]ContainerSummary]
	StopContainer(id string, timeout time.Duration) Intent[struct{}]
	RemoveContainer(id string, removeVolumes bool) Intent[struct{}]
	// WaitContainer blocks until the container stops running.
	WaitContainer(id string) Intent[WaitResult]
	// LogContainer returns stdout and stderr as one plain stream.
	LogContainer(id string, opts LogOptions) Intent[io.ReadCloser]
	ExecInContainer(id string, cmd []string, opts ExecOptions) Intent[ExecResult]
	// CopyArchiveToContainer extracts a tar stream into dir.
	CopyArchiveToContainer(id, dir string, archive io.Reader) Intent[struct{}]
	// CopyArchiveFromContainer returns a tar stream of path. The caller closes it.
	CopyArchiveFromContainer(id, path string) Intent[io.ReadCloser]

	CreateNetwork(cfg NetworkConfig) Intent[string]
	ConnectToNetwork(networkID, containerID string, aliases []string) Intent[struct{}]
	RemoveNetwork(id string) Intent[struct{}]

	// CheckAndPullImage pulls ref only if it is not present locally.
	CheckAndPullImage(ref string, opts PullOptions) Intent[struct{}]
	PullImage(ref string, opts PullOptions) Intent[struct{}]
	InspectImage(ref string) Intent[ImageInfo]
	// BuildImage builds from a tar build context and returns the image ID.
	BuildImage(archive io.Reader, opts BuildOptions) Intent[string]
	TagImage(source, target string) Intent[struct{}]
	RemoveImage(ref string) Intent[struct{}]

	// Host is the address at which mapped ports are reachable.
	Host(ctx context.Context) (string, error)
	Close() error
}

// CompanionHost is implemented by controllers that can run the out-of-process
// reaper companion as a container with access to the daemon socket.
type CompanionHost interface {
	DaemonSocketPath() string
}

// Provider is a pluggable backend.
type Provider interface {
	Identifier() string
	// Available performs a cheap connectivity check. It must not panic.
	Available(ctx context.Context) bool
	SupportsExecution() bool
	FileMountingSupported() bool
	// Controller connects eagerly and fails if the backend is unreachable.
	Controller(ctx context.Context) (Controller, error)
	// LazyController defers any connection until the first intent runs.
	LazyController() Controller
}

// Factory initialises a provider from configuration.
type Factory func(src config.Source) (Provider, error)

// ErrNoProvider is returned when no registered provider is available.
var ErrNoProvider = errors.New("no container provider available")

const availabilityTimeout = 5 * time.Second

type registration struct {
	name     string
	priority int
	factory  Factory
}

var (
	regMu    sync.RWMutex
	registry = map[string]registration{}
)

// Register makes a provider selectable. Higher priority wins auto-selection.
// Registering a name twice replaces the earlier registration.
func Register(name string, priority int, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[name] = registration{name: name, priority: priority, factory: f}
}

// Registered returns provider names in auto-selection order.
func Registered() []string {
	regs := candidates()
	out := make([]string, 0, len(regs))
	for _, r := range regs {
		out = append(out, r.name)
	}
	return out
}

func candidates() []registration {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]registration, 0, len(registry))
	for _, r := range registry {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority > out[j].priority
		}
		return out[i].name < out[j].name
	})
	return out
}

// New initialises the named provider without probing it.
func New(name string, src config.Source) (Provider, error) {
	regMu.RLock()
	r, ok := registry[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (registered: %v)", name, Registered())
	}
	return r.factory(src)
}

// Select returns the provider named by the provider.type override, or the
// first available provider in priority order.
func Select(ctx context.Context, src config.Source) (Provider, error) {
	log := logging.For("provider")
	if src == nil {
		src = config.MapSource{}
	}
	if name, ok := src.Lookup(config.KeyProviderType); ok && name != "" {
		p, err := New(name, src)
		if err != nil {
			return nil, err
		}
		if !IsAvailable(ctx, p) {
			return nil, fmt.Errorf("%w: configured provider %q is not reachable", ErrNoProvider, name)
		}
		log.Info().Str("provider", name).Msg("using configured provider")
		return p, nil
	}

	var tried []string
	for _, r := range candidates() {
		p, err := r.factory(src)
		if err != nil {
			log.Debug().Err(err).Str("provider", r.name).Msg("provider init failed")
			tried = append(tried, r.name)
			continue
		}
		if IsAvailable(ctx, p) {
			log.Info().Str("provider", r.name).Msg("selected provider")
			return p, nil
		}
		tried = append(tried, r.name)
	}
	return nil, fmt.Errorf("%w (tried %v)", ErrNoProvider, tried)
}

// IsAvailable calls p.Available with a bounded context and converts a panic
// into false.
func IsAvailable(ctx context.Context, p Provider) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get().Warn().Str("provider", p.Identifier()).Interface("panic", r).Msg("availability check panicked")
			ok = false
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, availabilityTimeout)
	defer cancel()
	return p.Available(ctx)
}
