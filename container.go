package sandpit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"strconv"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dockhand/sandpit/images"
	"github.com/dockhand/sandpit/internal/logging"
	"github.com/dockhand/sandpit/internal/metrics"
	"github.com/dockhand/sandpit/provider"
	"github.com/dockhand/sandpit/wait"
)

// State is a container's lifecycle position.
type State int

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateFailed
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// logTailBytes bounds the logs attached to a ContainerFailedToStartError.
const logTailBytes = 64 << 10

var (
	// watchInterval is how often a running container is checked for exit.
	watchInterval = time.Second
	stopTimeout   = 30 * time.Second
)

// Container is one container managed through a Session. Its methods are safe
// for concurrent use.
type Container struct {
	s    *Session
	spec ContainerSpec
	log  zerolog.Logger

	mu      sync.Mutex
	state   State
	id      string
	image   string
	host    string
	ports   map[nat.Port]int
	failure error
	unwatch context.CancelFunc
	watched chan struct{}

	// startDone is closed when the in-flight Start settles.
	startDone   chan struct{}
	cancelStart context.CancelFunc
	// reaped is the container ID Stop has taken charge of removing.
	reaped   string
	unfollow func()
}

var errStoppedWhileStarting = fmt.Errorf("%w: container stopped while starting", ErrInvalidState)

// NewContainer describes a container. Nothing happens on the backend until
// Start.
func (s *Session) NewContainer(opts ...Option) *Container {
	spec := ContainerSpec{}
	for _, o := range opts {
		o(&spec)
	}
	return s.ContainerFromSpec(spec)
}

// ContainerFromSpec is NewContainer for a pre-assembled spec.
func (s *Session) ContainerFromSpec(spec ContainerSpec) *Container {
	return &Container{
		s:     s,
		spec:  spec,
		state: StateCreated,
		log:   logging.For("container").With().Str("session", s.id).Logger(),
	}
}

// Run creates and starts a container. On failure the container is returned
// alongside the error so the caller can still Stop it.
func (s *Session) Run(ctx context.Context, opts ...Option) (*Container, error) {
	c := s.NewContainer(opts...)
	if err := c.Start(ctx); err != nil {
		return c, err
	}
	return c, nil
}

// Run starts a container in the default session.
func Run(ctx context.Context, opts ...Option) (*Container, error) {
	s, err := DefaultSession(ctx)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, opts...)
}

// State reports the lifecycle state.
func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ID is the backend container ID, empty before create.
func (c *Container) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Image is the resolved image reference, empty before start.
func (c *Container) Image() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.image
}

// Start starts the dependencies, resolves the image, creates and starts the
// container and waits for it to become ready. Starting a running container is
// a no-op and a concurrent Start waits for the one in flight; a failed or
// stopped container cannot be started again. Stop during Start aborts it and
// removes whatever was created.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateRunning:
		c.mu.Unlock()
		return nil
	case StateStarting:
		done := c.startDone
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return c.startResult()
	case StateCreated:
	default:
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot start a %s container", ErrInvalidState, st)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	defer close(done)
	c.state = StateStarting
	c.startDone = done
	c.cancelStart = cancel
	c.mu.Unlock()

	err := c.start(ctx)

	c.mu.Lock()
	c.cancelStart = nil
	if c.state != StateStarting {
		id := c.id
		if id == c.reaped {
			id = ""
		} else {
			c.id = ""
		}
		c.mu.Unlock()
		c.stopFollowing()
		if id != "" {
			c.discard(id)
		}
		return errStoppedWhileStarting
	}
	if err != nil {
		c.state = StateFailed
		c.failure = err
		c.mu.Unlock()
		metrics.IncContainerFailure(failureReason(err))
		return err
	}
	c.state = StateRunning
	c.watch()
	c.mu.Unlock()
	metrics.IncContainerStarted()
	return nil
}

func (c *Container) startResult() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateRunning:
		return nil
	case StateFailed:
		return c.failure
	}
	return fmt.Errorf("%w: container is %s", ErrInvalidState, c.state)
}

// discard removes a container Stop will not see.
func (c *Container) discard(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	c.s.reaper.StopAndRemoveContainer(ctx, id)
	c.log.Info().Str("container", id).Msg("container removed")
}

func (c *Container) start(ctx context.Context) error {
	if err := c.startDependencies(ctx); err != nil {
		return &ContainerLaunchError{Image: c.imageName(), Err: err}
	}
	if err := c.s.startReaper(ctx); err != nil {
		return &ContainerLaunchError{Image: c.spec.Image, Err: err}
	}
	image, err := c.resolveImage(ctx)
	if err != nil {
		return &ContainerLaunchError{Image: c.imageName(), Err: err}
	}
	c.mu.Lock()
	c.image = image
	c.mu.Unlock()

	attempts := max(c.spec.StartupAttempts, 1)
	for attempt := 1; ; attempt++ {
		err = c.attempt(ctx, image)
		if err == nil {
			return nil
		}
		if attempt >= attempts || ctx.Err() != nil || errors.Is(err, errStoppedWhileStarting) {
			return err
		}
		c.log.Warn().Err(err).Str("image", image).Int("attempt", attempt).Msg("container start failed, retrying")
		c.stopFollowing()
		c.mu.Lock()
		id := c.id
		c.id = ""
		c.ports = nil
		c.mu.Unlock()
		if id != "" {
			c.s.reaper.StopAndRemoveContainer(context.WithoutCancel(ctx), id)
		}
	}
}

// startDependencies starts every dependency concurrently. The first failure
// cancels the others.
func (c *Container) startDependencies(ctx context.Context) error {
	if len(c.spec.DependsOn) == 0 {
		return nil
	}
	if err := c.checkDependencyCycle(); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range c.spec.DependsOn {
		g.Go(func() error {
			if err := d.Start(gctx); err != nil {
				return fmt.Errorf("start dependency %s: %w", d.imageName(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// checkDependencyCycle fails when c is reachable from its own dependencies.
func (c *Container) checkDependencyCycle() error {
	seen := map[*Container]bool{}
	var visit func(d *Container) bool
	visit = func(d *Container) bool {
		if d == c {
			return true
		}
		if seen[d] {
			return false
		}
		seen[d] = true
		for _, dd := range d.spec.DependsOn {
			if visit(dd) {
				return true
			}
		}
		return false
	}
	for _, d := range c.spec.DependsOn {
		if visit(d) {
			return fmt.Errorf("container %s depends on itself", c.imageName())
		}
	}
	return nil
}

func (c *Container) imageName() string {
	if c.spec.FromDockerfile != nil {
		return c.spec.FromDockerfile.Name
	}
	return c.spec.Image
}

func (c *Container) resolveImage(ctx context.Context) (string, error) {
	if c.spec.FromDockerfile != nil {
		return c.s.BuildImage(ctx, c.spec.FromDockerfile)
	}
	if c.spec.Image == "" {
		return "", errors.New("no image configured")
	}
	ref, err := images.ParseReference(c.spec.Image)
	if err != nil {
		return "", err
	}
	if ref, err = c.s.resolverFor(c.spec.PullPolicy).Ensure(ctx, ref); err != nil {
		return "", err
	}
	if len(c.spec.CompatibleWith) > 0 {
		if err := ref.AssertCompatibleWith(c.spec.CompatibleWith...); err != nil {
			return "", err
		}
	}
	return ref.String(), nil
}

// attempt runs create, start and wait once.
func (c *Container) attempt(ctx context.Context, image string) error {
	cfg, copies, err := c.containerConfig(ctx, image)
	if err != nil {
		return &ContainerLaunchError{Image: image, Err: err}
	}
	ctrl := c.s.ctrl
	id, err := ctrl.CreateContainer(cfg).Perform(ctx)
	if err != nil {
		return &ContainerLaunchError{Image: image, Err: err}
	}
	c.s.reaper.RegisterContainerForCleanup(id, image)
	c.mu.Lock()
	starting := c.state == StateStarting
	if starting {
		c.id = id
	}
	c.mu.Unlock()
	if !starting {
		c.discard(id)
		return errStoppedWhileStarting
	}
	log := c.log.With().Str("container", id).Str("image", image).Logger()
	log.Info().Msg("container created")

	for _, n := range c.spec.networks[min(1, len(c.spec.networks)):] {
		nid, err := n.network.ID(ctx)
		if err == nil {
			_, err = ctrl.ConnectToNetwork(nid, id, n.aliases).Perform(ctx)
		}
		if err != nil {
			return &ContainerLaunchError{Image: image, Err: fmt.Errorf("connect to network %s: %w", n.network.Name(), err)}
		}
	}
	for _, f := range copies {
		if err := c.copyIn(ctx, id, f); err != nil {
			return &ContainerLaunchError{Image: image, Err: err}
		}
	}

	if _, err := ctrl.StartContainer(id).Perform(ctx); err != nil {
		return &ContainerLaunchError{Image: image, Err: err}
	}
	c.followLogs(id)
	info, err := ctrl.InspectContainer(id).Perform(ctx)
	if err != nil {
		return &ContainerLaunchError{Image: image, Err: err}
	}
	host, err := ctrl.Host(ctx)
	if err != nil {
		return &ContainerLaunchError{Image: image, Err: err}
	}
	c.mu.Lock()
	c.host = host
	c.ports = info.Ports
	c.mu.Unlock()
	log.Info().Msg("container started")

	strategy := c.spec.WaitingFor
	if strategy == nil && len(cfg.ExposedPorts) > 0 {
		strategy = wait.ForListeningPort()
	}
	if strategy == nil {
		return nil
	}
	began := time.Now()
	timeout := c.spec.StartupTimeout
	if timeout <= 0 {
		timeout = c.s.cfg.WaitStartupTimeout
	}
	if err := wait.Run(ctx, strategy, &waitTarget{c: c, id: id}, timeout); err != nil {
		var exit *ExitError
		if errors.As(err, &exit) && exit.ContainerID == "" {
			exit.ContainerID = id
		}
		return &ContainerFailedToStartError{ContainerID: id, Image: image, Logs: c.tailLogs(id), Err: err}
	}
	metrics.ObserveWaitDuration(time.Since(began))
	log.Info().Dur("took", time.Since(began)).Msg("container ready")
	return nil
}

// containerConfig assembles the backend request. Bind mounts become pre-start
// copies when the provider cannot mount host paths.
func (c *Container) containerConfig(ctx context.Context, image string) (provider.ContainerConfig, []ContainerFile, error) {
	sp := c.spec
	cfg := provider.ContainerConfig{
		Name:         sp.Name,
		Image:        image,
		Entrypoint:   sp.Entrypoint,
		Cmd:          sp.Cmd,
		Env:          sp.Env,
		Labels:       images.MergeLabels(nil, sp.Labels, c.s.Labels()),
		ExposedPorts: sp.ExposedPorts,
		PortBindings: sp.PortBindings,
		Privileged:   sp.Privileged,
		WorkingDir:   sp.WorkingDir,
		User:         sp.User,
		Hostname:     sp.Hostname,
		ExtraHosts:   sp.ExtraHosts,
		Platform:     sp.Platform,
	}
	if len(sp.networks) > 0 {
		first := sp.networks[0]
		id, err := first.network.ID(ctx)
		if err != nil {
			return cfg, nil, err
		}
		cfg.Network = id
		cfg.Aliases = first.aliases
	}

	copies := append([]ContainerFile(nil), sp.Files...)
	mounting := c.s.provider.FileMountingSupported()
	for _, m := range sp.Mounts {
		if m.Type == provider.MountBind && !mounting {
			c.log.Debug().Str("source", m.Source).Str("target", m.Target).Msg("provider cannot mount host paths, copying instead")
			copies = append(copies, ContainerFile{HostPath: m.Source, ContainerPath: m.Target})
			continue
		}
		cfg.Mounts = append(cfg.Mounts, m)
	}
	return cfg, copies, nil
}

func (c *Container) tailLogs(id string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rc, err := c.s.ctrl.LogContainer(id, provider.LogOptions{}).Perform(ctx)
	if err != nil {
		return ""
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil && len(b) == 0 {
		return ""
	}
	if len(b) > logTailBytes {
		b = b[len(b)-logTailBytes:]
	}
	return string(b)
}

// watch polls the backend until Stop and marks the container failed when it
// exits on its own. Called with c.mu held.
func (c *Container) watch() {
	ctx, cancel := context.WithCancel(context.Background())
	c.unwatch = cancel
	c.watched = make(chan struct{})
	id := c.id
	go func() {
		defer close(c.watched)
		t := time.NewTicker(watchInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			info, err := c.s.ctrl.InspectContainer(id).WithTimeout(watchInterval + 10*time.Second).Perform(ctx)
			var exit *ExitError
			switch {
			case err == nil && info.State.Exited():
				exit = &ExitError{ContainerID: id, ExitCode: info.State.ExitCode, Status: info.State.Status}
			case cerrdefs.IsNotFound(err):
				exit = &ExitError{ContainerID: id, ExitCode: -1, Status: "removed"}
			case err != nil && ctx.Err() != nil:
				return
			case err != nil:
				c.log.Debug().Err(err).Str("container", id).Msg("watch inspect failed")
				continue
			default:
				continue
			}
			c.mu.Lock()
			if c.state == StateRunning {
				c.state = StateFailed
				c.failure = exit
				c.log.Warn().Str("container", id).Int("exit_code", exit.ExitCode).Str("status", exit.Status).Msg("container exited unexpectedly")
				metrics.IncContainerFailure("exited")
			}
			c.mu.Unlock()
			return
		}
	}()
}

// running returns the container ID, or an error when the container is not
// usable: ErrNotStarted before start, the recorded failure after it.
func (c *Container) running() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateRunning:
		return c.id, nil
	case StateFailed:
		return "", c.failure
	case StateCreated, StateStarting:
		return "", ErrNotStarted
	}
	return "", fmt.Errorf("%w: container is %s", ErrInvalidState, c.state)
}

// Host is the address at which mapped ports are reachable.
func (c *Container) Host(ctx context.Context) (string, error) {
	if _, err := c.running(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host, nil
}

// MappedPort returns the host port bound to a container port such as "8080"
// or "53/udp". It fails until Start has returned successfully.
func (c *Container) MappedPort(ctx context.Context, port string) (int, error) {
	if _, err := c.running(); err != nil {
		return 0, err
	}
	return c.mappedPort(natPort(port))
}

func (c *Container) mappedPort(p nat.Port) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hp, ok := c.ports[p]
	if !ok || hp == 0 {
		return 0, fmt.Errorf("port %s is not exposed", p)
	}
	return hp, nil
}

// Endpoint returns "host:mappedPort" for a container port.
func (c *Container) Endpoint(ctx context.Context, port string) (string, error) {
	hp, err := c.MappedPort(ctx, port)
	if err != nil {
		return "", err
	}
	host, err := c.Host(ctx)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(hp)), nil
}

func natPort(p string) nat.Port {
	proto, port := nat.SplitProtoPort(p)
	return nat.Port(port + "/" + proto)
}

// Exec runs cmd in the container and captures its output.
func (c *Container) Exec(ctx context.Context, cmd []string, opts ...ExecOption) (provider.ExecResult, error) {
	if !c.s.provider.SupportsExecution() {
		return provider.ExecResult{}, provider.Unsupported(c.s.provider.Identifier(), "execInContainer")
	}
	id, err := c.running()
	if err != nil {
		return provider.ExecResult{}, err
	}
	eo := provider.ExecOptions{}
	for _, o := range opts {
		o(&eo)
	}
	return c.s.ctrl.ExecInContainer(id, cmd, eo).Perform(ctx)
}

// ExecOption configures Exec.
type ExecOption func(*provider.ExecOptions)

func ExecAsUser(user string) ExecOption { return func(o *provider.ExecOptions) { o.User = user } }

func ExecInDir(dir string) ExecOption { return func(o *provider.ExecOptions) { o.WorkingDir = dir } }

// ExecEnv adds "KEY=value" entries.
func ExecEnv(env ...string) ExecOption {
	return func(o *provider.ExecOptions) { o.Env = append(o.Env, env...) }
}

// Logs returns the container output so far. The caller closes the stream.
func (c *Container) Logs(ctx context.Context) (io.ReadCloser, error) {
	c.mu.Lock()
	id := c.id
	c.mu.Unlock()
	if id == "" {
		return nil, ErrNotStarted
	}
	return c.s.ctrl.LogContainer(id, provider.LogOptions{}).Perform(ctx)
}

// Stop removes the container. It is safe to call in any state and more than
// once; removal failures are logged, never returned.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateStopping, StateStopped:
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	cancelStart, startDone := c.cancelStart, c.startDone
	c.mu.Unlock()

	if cancelStart != nil {
		// Start removes what it created once it sees the state change.
		cancelStart()
		t := time.NewTimer(stopTimeout)
		select {
		case <-startDone:
		case <-t.C:
		}
		t.Stop()
	}

	c.mu.Lock()
	id := c.id
	c.reaped = id
	unwatch, watched := c.unwatch, c.watched
	c.mu.Unlock()

	c.stopFollowing()
	if unwatch != nil {
		unwatch()
		<-watched
	}
	if id != "" {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		c.s.reaper.StopAndRemoveContainer(ctx, id)
		cancel()
		c.log.Info().Str("container", id).Msg("container removed")
	}

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	return nil
}

// Close is Stop with a background context, for use with defer and t.Cleanup.
func (c *Container) Close() error { return c.Stop(context.Background()) }

// waitTarget exposes a starting container to wait strategies.
type waitTarget struct {
	c  *Container
	id string
}

var _ wait.StrategyTarget = (*waitTarget)(nil)

func (t *waitTarget) Host(context.Context) (string, error) {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	return t.c.host, nil
}

func (t *waitTarget) MappedPort(_ context.Context, p nat.Port) (int, error) {
	return t.c.mappedPort(p)
}

func (t *waitTarget) ExposedPorts() []nat.Port { return t.c.spec.ExposedPorts }

func (t *waitTarget) Logs(ctx context.Context) (io.ReadCloser, error) {
	return t.c.s.ctrl.LogContainer(t.id, provider.LogOptions{}).Perform(ctx)
}

// Exec reports ErrUnsupportedOperation when the provider forbids exec; exec
// strategies treat that as ready.
func (t *waitTarget) Exec(ctx context.Context, cmd []string) (provider.ExecResult, error) {
	if !t.c.s.provider.SupportsExecution() {
		return provider.ExecResult{}, provider.Unsupported(t.c.s.provider.Identifier(), "execInContainer")
	}
	return t.c.s.ctrl.ExecInContainer(t.id, cmd, provider.ExecOptions{}).Perform(ctx)
}

func (t *waitTarget) State(ctx context.Context) (provider.ContainerState, error) {
	info, err := t.c.s.ctrl.InspectContainer(t.id).Perform(ctx)
	if err != nil {
		return provider.ContainerState{}, err
	}
	return info.State, nil
}

// copyIn extracts f into the container. The archive holds a single entry
// named after the target's base name, extracted into its parent directory.
func (c *Container) copyIn(ctx context.Context, id string, f ContainerFile) error {
	dir, base := path.Split(path.Clean(f.ContainerPath))
	if base == "" || base == "/" {
		return fmt.Errorf("copy to %q: target must name a file or directory", f.ContainerPath)
	}
	if dir == "" {
		dir = "/"
	}
	bc := images.NewBuildContext()
	if f.HostPath != "" {
		bc.WithFile(base, f.HostPath)
	} else {
		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		bc.WithBytes(base, f.Content, mode)
	}
	archive, err := bc.Archive(ctx)
	if err != nil {
		return fmt.Errorf("copy to %s: %w", f.ContainerPath, err)
	}
	defer archive.Close()
	if _, err := c.s.ctrl.CopyArchiveToContainer(id, dir, archive).Perform(ctx); err != nil {
		return fmt.Errorf("copy to %s: %w", f.ContainerPath, err)
	}
	return nil
}
