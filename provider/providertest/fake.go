// Package providertest is an in-memory provider for tests that exercise code
// above the Controller without a container runtime.
package providertest

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/dockhand/sandpit/provider"
)

// Container is the fake's record of one container.
type Container struct {
	Config   provider.ContainerConfig
	ID       string
	State    provider.ContainerState
	Ports    map[nat.Port]int
	Networks map[string][]string
	Files    map[string][]byte
	Logs     string
	ErrLogs  string
}

func (c *Container) output(stream provider.LogStream) string {
	switch stream {
	case provider.LogStdout:
		return c.Logs
	case provider.LogStderr:
		return c.ErrLogs
	}
	return c.Logs + c.ErrLogs
}

// Controller implements provider.Controller in memory. Hooks are optional;
// nil hooks succeed.
type Controller struct {
	mu sync.Mutex

	Name       string
	HostAddr   string
	Containers map[string]*Container
	Networks   map[string]provider.NetworkConfig
	Images     map[string]provider.ImageInfo

	// PullFunc is called for every pull attempt with the 1-based attempt number.
	PullFunc func(ref string, attempt int) error
	// BuildFunc receives the raw build context.
	BuildFunc func(buildContext []byte, opts provider.BuildOptions) (string, error)
	ExecFunc  func(id string, cmd []string) (provider.ExecResult, error)
	// CreateFunc runs before a container is recorded; an error fails the create.
	CreateFunc func(cfg provider.ContainerConfig) error
	CreateErr  error
	StartErr   error
	NoExec     bool
	// CombinedLogs makes the fake behave like backends that cannot split
	// stdout from stderr.
	CombinedLogs bool

	PullAttempts map[string]int
	Removed      []string
	LastStream   *TrackedReader
	Calls        []string
	nextID       int
	nextPort     int
}

// NewController returns an empty fake controller.
func NewController() *Controller {
	return &Controller{
		Name:         "fake",
		HostAddr:     "127.0.0.1",
		Containers:   map[string]*Container{},
		Networks:     map[string]provider.NetworkConfig{},
		Images:       map[string]provider.ImageInfo{},
		PullAttempts: map[string]int{},
		nextPort:     32768,
	}
}

func (c *Controller) record(op string) {
	c.Calls = append(c.Calls, op)
}

// CallCount returns how many times op was performed.
func (c *Controller) CallCount(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.Calls {
		if call == op {
			n++
		}
	}
	return n
}

// Get returns the container record for id.
func (c *Controller) Get(id string) (*Container, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctr, ok := c.Containers[id]
	return ctr, ok
}

// SetLogs replaces the container output.
func (c *Controller) SetLogs(id, logs string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctr, ok := c.Containers[id]; ok {
		ctr.Logs = logs
	}
}

// AppendLogs appends to the container output.
func (c *Controller) AppendLogs(id, logs string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctr, ok := c.Containers[id]; ok {
		ctr.Logs += logs
	}
}

// AppendErrLogs appends to the container's stderr.
func (c *Controller) AppendErrLogs(id, logs string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctr, ok := c.Containers[id]; ok {
		ctr.ErrLogs += logs
	}
}

// Exit marks a container as exited with code.
func (c *Controller) Exit(id string, code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctr, ok := c.Containers[id]; ok {
		ctr.State = provider.ContainerState{Status: "exited", ExitCode: code, FinishedAt: time.Now()}
	}
}

// LastContainer returns the most recently created container.
func (c *Controller) LastContainer() *Container {
	c.mu.Lock()
	defer c.mu.Unlock()
	var last *Container
	for _, ctr := range c.Containers {
		if last == nil || ctr.ID > last.ID {
			last = ctr
		}
	}
	return last
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, cerrdefs.ErrNotFound)
}

func (c *Controller) CreateContainer(cfg provider.ContainerConfig) provider.Intent[string] {
	return provider.NewIntent("createContainer", func(context.Context) (string, error) {
		c.mu.Lock()
		fn := c.CreateFunc
		c.mu.Unlock()
		if fn != nil {
			if err := fn(cfg); err != nil {
				return "", err
			}
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.record("createContainer")
		if c.CreateErr != nil {
			return "", c.CreateErr
		}
		c.nextID++
		id := fmt.Sprintf("ctr%04d", c.nextID)
		nets := map[string][]string{}
		if cfg.Network != "" {
			nets[cfg.Network] = append([]string(nil), cfg.Aliases...)
		}
		c.Containers[id] = &Container{
			Config:   cfg,
			ID:       id,
			State:    provider.ContainerState{Status: "created"},
			Ports:    map[nat.Port]int{},
			Networks: nets,
			Files:    map[string][]byte{},
		}
		return id, nil
	})
}

func (c *Controller) StartContainer(id string) provider.Intent[struct{}] {
	return provider.NewIntent("startContainer", func(context.Context) (struct{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.record("startContainer")
		ctr, ok := c.Containers[id]
		if !ok {
			return struct{}{}, notFound("container", id)
		}
		if c.StartErr != nil {
			return struct{}{}, c.StartErr
		}
		for _, p := range ctr.Config.ExposedPorts {
			if hp, ok := ctr.Config.PortBindings[p]; ok && hp != "" {
				var n int
				_, _ = fmt.Sscanf(hp, "%d", &n)
				ctr.Ports[p] = n
				continue
			}
			c.nextPort++
			ctr.Ports[p] = c.nextPort
		}
		ctr.State = provider.ContainerState{Status: "running", Running: true, StartedAt: time.Now()}
		return struct{}{}, nil
	})
}

func (c *Controller) InspectContainer(id string) provider.Intent[provider.ContainerInfo] {
	return provider.NewIntent("inspectContainer", func(context.Context) (provider.ContainerInfo, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.record("inspectContainer")
		ctr, ok := c.Containers[id]
		if !ok {
			return provider.ContainerInfo{}, notFound("container", id)
		}
		ports := make(map[nat.Port]int, len(ctr.Ports))
		for k, v := range ctr.Ports {
			ports[k] = v
		}
		nets := map[string]string{}
		for n := range ctr.Networks {
			nets[n] = "172.30.0.2"
		}
		return provider.ContainerInfo{
			ID:       id,
			Name:     ctr.Config.Name,
			Image:    ctr.Config.Image,
			Labels:   ctr.Config.Labels,
			State:    ctr.State,
			Ports:    ports,
			Networks: nets,
		}, nil
	})
}

func (c *Controller) ListContainers(filter provider.ListFilter) provider.Intent[[]provider.ContainerSummary] {
	return provider.NewIntent("listContainers", func(context.Context) ([]provider.ContainerSummary, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.record("listContainers")
		var out []provider.ContainerSummary
		for id, ctr := range c.Containers {
			if !filter.All && !ctr.State.Running {
				continue
			}
			if !hasLabels(ctr.Config.Labels, filter.Labels) {
				continue
			}
			out = append(out, provider.ContainerSummary{ID: id, Names: []string{"/" + ctr.Config.Name}, Image: ctr.Config.Image, Labels: ctr.Config.Labels, Status: ctr.State.Status})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

func hasLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func (c *Controller) StopContainer(id string, _ time.Duration) provider.Intent[struct{}] {
	return provider.NewIntent("stopContainer", func(context.Context) (struct{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.record("stopContainer")
		ctr, ok := c.Containers[id]
		if !ok {
			return struct{}{}, notFound("container", id)
		}
		ctr.State = provider.ContainerState{Status: "exited", FinishedAt: time.Now()}
		return struct{}{}, nil
	})
}

func (c *Controller) RemoveContainer(id string, _ bool) provider.Intent[struct{}] {
	return provider.NewIntent("removeContainer", func(context.Context) (struct{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.record("removeContainer")
		if _, ok := c.Containers[id]; !ok {
			return struct{}{}, notFound("container", id)
		}
		delete(c.Containers, id)
		c.Removed = append(c.Removed, id)
		return struct{}{}, nil
	})
}

func (c *Controller) WaitContainer(id string) provider.Intent[provider.WaitResult] {
	return provider.NewIntent("waitContainer", func(ctx context.Context) (provider.WaitResult, error) {
		t := time.NewTicker(10 * time.Millisecond)
		defer t.Stop()
		for {
			c.mu.Lock()
			ctr, ok := c.Containers[id]
			var st provider.ContainerState
			if ok {
				st = ctr.State
			}
			c.mu.Unlock()
			if !ok {
				return provider.WaitResult{}, notFound("container", id)
			}
			if !st.Running && st.Status != "created" {
				return provider.WaitResult{ExitCode: st.ExitCode}, nil
			}
			select {
			case <-ctx.Done():
				return provider.WaitResult{}, ctx.Err()
			case <-t.C:
			}
		}
	})
}

func (c *Controller) LogContainer(id string, opts provider.LogOptions) provider.Intent[io.ReadCloser] {
	if c.CombinedLogs {
		if opts.Stream == provider.LogStderr {
			return provider.UnsupportedIntent[io.ReadCloser](c.Name, "logContainer(stderr)")
		}
		opts.Stream = provider.LogCombined
	}
	return provider.NewIntent("logContainer", func(context.Context) (io.ReadCloser, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.record("logContainer")
		ctr, ok := c.Containers[id]
		if !ok {
			return nil, notFound("container", id)
		}
		if opts.Follow {
			return &followReader{c: c, id: id, stream: opts.Stream, done: make(chan struct{})}, nil
		}
		return io.NopCloser(strings.NewReader(ctr.output(opts.Stream))), nil
	})
}

// followInterval is how often a following log stream looks for new output.
const followInterval = 5 * time.Millisecond

// followReader streams output as it is appended until the container exits,
// is removed, or the reader is closed.
type followReader struct {
	c      *Controller
	id     string
	stream provider.LogStream
	off    int
	once   sync.Once
	done   chan struct{}
}

func (f *followReader) Read(p []byte) (int, error) {
	for {
		f.c.mu.Lock()
		ctr, ok := f.c.Containers[f.id]
		var out string
		exited := true
		if ok {
			out = ctr.output(f.stream)
			exited = ctr.State.Exited()
		}
		f.c.mu.Unlock()
		if f.off < len(out) {
			n := copy(p, out[f.off:])
			f.off += n
			return n, nil
		}
		if exited {
			return 0, io.EOF
		}
		select {
		case <-f.done:
			return 0, io.EOF
		case <-time.After(followInterval):
		}
	}
}

func (f *followReader) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (c *Controller) ExecInContainer(id string, cmd []string, _ provider.ExecOptions) provider.Intent[provider.ExecResult] {
	if c.NoExec {
		return provider.UnsupportedIntent[provider.ExecResult](c.Name, "execInContainer")
	}
	return provider.NewIntent("execInContainer", func(context.Context) (provider.ExecResult, error) {
		c.mu.Lock()
		c.record("execInContainer")
		_, ok := c.Containers[id]
		fn := c.ExecFunc
		c.mu.Unlock()
		if !ok {
			return provider.ExecResult{}, notFound("container", id)
		}
		if fn != nil {
			return fn(id, cmd)
		}
		return provider.ExecResult{Stdout: []byte(strings.Join(cmd, " "))}, nil
	})
}

func (c *Controller) CopyArchiveToContainer(id, dir string, archive io.Reader) provider.Intent[struct{}] {
	return provider.NewIntent("copyArchiveToContainer", func(context.Context) (struct{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.record("copyArchiveToContainer")
		ctr, ok := c.Containers[id]
		if !ok {
			return struct{}{}, notFound("container", id)
		}
		tr := tar.NewReader(archive)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return struct{}{}, err
			}
			if hdr.Typeflag != tar.TypeReg {
				continue
			}
			b, err := io.ReadAll(tr)
			if err != nil {
				return struct{}{}, err
			}
			ctr.Files[path.Join(dir, hdr.Name)] = b
		}
		return struct{}{}, nil
	})
}

func (c *Controller) CopyArchiveFromContainer(id, p string) provider.Intent[io.ReadCloser] {
	return provider.NewIntent("copyArchiveFromContainer", func(context.Context) (io.ReadCloser, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.record("copyArchiveFromContainer")
		ctr, ok := c.Containers[id]
		if !ok {
			return nil, notFound("container", id)
		}
		content, ok := ctr.Files[p]
		if !ok {
			return nil, notFound("path", p)
		}
		var buf bytes.Buffer
		tw := tar.NewWriter(&buf)
		if err := tw.WriteHeader(&tar.Header{Name: path.Base(p), Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}); err != nil {
			return nil, err
		}
		if _, err := tw.Write(content); err != nil {
			return nil, err
		}
		if err := tw.Close(); err != nil {
			return nil, err
		}
		c.LastStream = &TrackedReader{Reader: &buf}
		return c.LastStream, nil
	})
}

// TrackedReader lets tests assert streams are closed.
type TrackedReader struct {
	io.Reader
	Closed bool
}

func (t *TrackedReader) Close() error {
	t.Closed = true
	return nil
}

func (c *Controller) CreateNetwork(cfg provider.NetworkConfig) provider.Intent[string] {
	return provider.NewIntent("createNetwork", func(context.Context) (string, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.record("createNetwork")
		c.nextID++
		id := fmt.Sprintf("net%04d", c.nextID)
		c.Networks[id] = cfg
		return id, nil
	})
}

func (c *Controller) ConnectToNetwork(networkID, containerID string, aliases []string) provider.Intent[struct{}] {
	return provider.NewIntent("connectToNetwork", func(context.Context) (struct{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.record("connectToNetwork")
		ctr, ok := c.Containers[containerID]
		if !ok {
			return struct{}{}, notFound("container", containerID)
		}
		ctr.Networks[networkID] = append([]string(nil), aliases...)
		return struct{}{}, nil
	})
}

func (c *Controller) RemoveNetwork(id string) provider.Intent[struct{}] {
	return provider.NewIntent("removeNetwork", func(context.Context) (struct{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.record("removeNetwork")
		if _, ok := c.Networks[id]; !ok {
			return struct{}{}, notFound("network", id)
		}
		delete(c.Networks, id)
		c.Removed = append(c.Removed, id)
		return struct{}{}, nil
	})
}

func (c *Controller) CheckAndPullImage(ref string, opts provider.PullOptions) provider.Intent[struct{}] {
	return provider.NewIntent("checkAndPullImage", func(ctx context.Context) (struct{}, error) {
		c.mu.Lock()
		_, ok := c.Images[ref]
		c.mu.Unlock()
		if ok {
			return struct{}{}, nil
		}
		return c.PullImage(ref, opts).Perform(ctx)
	})
}

func (c *Controller) PullImage(ref string, _ provider.PullOptions) provider.Intent[struct{}] {
	return provider.NewIntent("pullImage", func(context.Context) (struct{}, error) {
		c.mu.Lock()
		c.record("pullImage")
		c.PullAttempts[ref]++
		attempt := c.PullAttempts[ref]
		fn := c.PullFunc
		c.mu.Unlock()
		if fn != nil {
			if err := fn(ref, attempt); err != nil {
				return struct{}{}, err
			}
		}
		c.mu.Lock()
		c.Images[ref] = provider.ImageInfo{ID: "sha256:" + ref, RepoTags: []string{ref}, Created: time.Now()}
		c.mu.Unlock()
		return struct{}{}, nil
	})
}

func (c *Controller) InspectImage(ref string) provider.Intent[provider.ImageInfo] {
	return provider.NewIntent("inspectImage", func(context.Context) (provider.ImageInfo, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.record("inspectImage")
		info, ok := c.Images[ref]
		if !ok {
			return provider.ImageInfo{}, notFound("image", ref)
		}
		return info, nil
	})
}

func (c *Controller) BuildImage(archive io.Reader, opts provider.BuildOptions) provider.Intent[string] {
	return provider.NewIntent("buildImage", func(context.Context) (string, error) {
		raw, err := io.ReadAll(archive)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.record("buildImage")
		fn := c.BuildFunc
		c.mu.Unlock()
		id := fmt.Sprintf("sha256:build%d", len(raw))
		if fn != nil {
			if id, err = fn(raw, opts); err != nil {
				return "", err
			}
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		info := provider.ImageInfo{ID: id, RepoTags: opts.Tags, Labels: opts.Labels, Created: time.Now()}
		c.Images[id] = info
		for _, t := range opts.Tags {
			c.Images[t] = info
		}
		return id, nil
	})
}

func (c *Controller) TagImage(source, target string) provider.Intent[struct{}] {
	return provider.NewIntent("tagImage", func(context.Context) (struct{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.record("tagImage")
		info, ok := c.Images[source]
		if !ok {
			return struct{}{}, notFound("image", source)
		}
		c.Images[target] = info
		return struct{}{}, nil
	})
}

func (c *Controller) RemoveImage(ref string) provider.Intent[struct{}] {
	return provider.NewIntent("removeImage", func(context.Context) (struct{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.record("removeImage")
		if _, ok := c.Images[ref]; !ok {
			return struct{}{}, notFound("image", ref)
		}
		delete(c.Images, ref)
		c.Removed = append(c.Removed, ref)
		return struct{}{}, nil
	})
}

func (c *Controller) Host(context.Context) (string, error) { return c.HostAddr, nil }

func (c *Controller) Close() error { return nil }

// Provider wraps a fake Controller.
type Provider struct {
	Ctrl      *Controller
	Name      string
	Avail     bool
	Exec      bool
	Mounting  bool
	PanicOnUp bool
}

// NewProvider returns an available provider supporting exec and mounts.
func NewProvider(ctrl *Controller) *Provider {
	return &Provider{Ctrl: ctrl, Name: "fake", Avail: true, Exec: true, Mounting: true}
}

func (p *Provider) Identifier() string { return p.Name }

func (p *Provider) Available(context.Context) bool {
	if p.PanicOnUp {
		panic("probe exploded")
	}
	return p.Avail
}

func (p *Provider) SupportsExecution() bool     { return p.Exec }
func (p *Provider) FileMountingSupported() bool { return p.Mounting }

func (p *Provider) Controller(context.Context) (provider.Controller, error) {
	if !p.Avail {
		return nil, fmt.Errorf("fake provider unavailable")
	}
	return p.Ctrl, nil
}

func (p *Provider) LazyController() provider.Controller { return p.Ctrl }
