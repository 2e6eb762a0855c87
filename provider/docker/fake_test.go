package docker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type createCall struct {
	config   *container.Config
	host     *container.HostConfig
	net      *network.NetworkingConfig
	platform *ocispec.Platform
	name     string
}

// fakeAPI implements dockerAPI in memory.
type fakeAPI struct {
	mu sync.Mutex

	created  []createCall
	started  []string
	stopped  map[string]int
	removed  []string
	inspect  map[string]container.InspectResponse
	list     []container.Summary
	listOpts container.ListOptions
	logs     map[string][]byte
	logOpts  container.LogsOptions

	execStdout, execStderr string
	execCode               int
	// execRunning is the number of inspects that still report a running exec.
	execRunning int
	execCmd     []string

	pull      func(ref string) (io.ReadCloser, error)
	pulled    []string
	images    map[string]image.InspectResponse
	buildBody string
	buildOpts types.ImageBuildOptions
	tagged    [][2]string
	rmImages  []string

	copied   map[string][]byte
	waitCode int64

	networks  map[string]network.CreateOptions
	connected map[string][]string
	closed    bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		stopped:   map[string]int{},
		inspect:   map[string]container.InspectResponse{},
		logs:      map[string][]byte{},
		images:    map[string]image.InspectResponse{},
		copied:    map[string][]byte{},
		networks:  map[string]network.CreateOptions{},
		connected: map[string][]string{},
	}
}

func multiplex(stdout, stderr string) []byte {
	var buf bytes.Buffer
	if stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(stdout))
	}
	if stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(stderr))
	}
	return buf.Bytes()
}

func (f *fakeAPI) Ping(context.Context) (types.Ping, error) {
	return types.Ping{APIVersion: "1.47"}, nil
}

func (f *fakeAPI) ContainerCreate(_ context.Context, cfg *container.Config, hc *container.HostConfig, nc *network.NetworkingConfig, pl *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, createCall{cfg, hc, nc, pl, name})
	return container.CreateResponse{ID: fmt.Sprintf("ctr-%d", len(f.created))}, nil
}

func (f *fakeAPI) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return nil
}

func (f *fakeAPI) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.inspect[id]
	if !ok {
		return container.InspectResponse{}, fmt.Errorf("no such container %s: %w", id, cerrdefs.ErrNotFound)
	}
	return r, nil
}

func (f *fakeAPI) ContainerList(_ context.Context, o container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listOpts = o
	return f.list, nil
}

func (f *fakeAPI) ContainerStop(_ context.Context, id string, o container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped[id] = *o.Timeout
	return nil
}

func (f *fakeAPI) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeAPI) ContainerWait(_ context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	st := make(chan container.WaitResponse, 1)
	st <- container.WaitResponse{StatusCode: f.waitCode}
	return st, make(chan error)
}

func (f *fakeAPI) ContainerLogs(_ context.Context, id string, o container.LogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logOpts = o
	return io.NopCloser(bytes.NewReader(f.logs[id])), nil
}

func (f *fakeAPI) ContainerExecCreate(_ context.Context, _ string, o container.ExecOptions) (container.ExecCreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCmd = o.Cmd
	return container.ExecCreateResponse{ID: "exec-1"}, nil
}

func (f *fakeAPI) ContainerExecAttach(context.Context, string, container.ExecAttachOptions) (types.HijackedResponse, error) {
	conn, peer := net.Pipe()
	_ = peer.Close()
	out := multiplex(f.execStdout, f.execStderr)
	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(bytes.NewReader(out))}, nil
}

func (f *fakeAPI) ContainerExecInspect(context.Context, string) (container.ExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execRunning > 0 {
		f.execRunning--
		return container.ExecInspect{Running: true}, nil
	}
	return container.ExecInspect{ExitCode: f.execCode}, nil
}

func (f *fakeAPI) CopyToContainer(_ context.Context, id, dst string, content io.Reader, _ container.CopyToContainerOptions) error {
	b, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copied[id+":"+dst] = b
	return nil
}

func (f *fakeAPI) CopyFromContainer(_ context.Context, id, src string) (io.ReadCloser, container.PathStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.copied[id+":"+src]
	if !ok {
		return nil, container.PathStat{}, fmt.Errorf("%s: %w", src, cerrdefs.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(b)), container.PathStat{Name: src, Size: int64(len(b))}, nil
}

func (f *fakeAPI) NetworkCreate(_ context.Context, name string, o network.CreateOptions) (network.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = o
	return network.CreateResponse{ID: "net-" + name}, nil
}

func (f *fakeAPI) NetworkConnect(_ context.Context, netID, ctrID string, cfg *network.EndpointSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[netID+"/"+ctrID] = cfg.Aliases
	return nil
}

func (f *fakeAPI) NetworkRemove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.networks, strings.TrimPrefix(id, "net-"))
	return nil
}

func (f *fakeAPI) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	f.pulled = append(f.pulled, ref)
	pull := f.pull
	f.mu.Unlock()
	if pull != nil {
		return pull(ref)
	}
	return io.NopCloser(strings.NewReader(`{"status":"Pulling from library/alpine","id":"3.20"}` + "\n" + `{"status":"Status: Downloaded newer image"}` + "\n")), nil
}

func (f *fakeAPI) ImageInspect(_ context.Context, ref string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.images[ref]
	if !ok {
		return image.InspectResponse{}, fmt.Errorf("no such image %s: %w", ref, cerrdefs.ErrNotFound)
	}
	return r, nil
}

func (f *fakeAPI) ImageBuild(_ context.Context, archive io.Reader, o types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	if _, err := io.Copy(io.Discard, archive); err != nil {
		return types.ImageBuildResponse{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buildOpts = o
	return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(f.buildBody))}, nil
}

func (f *fakeAPI) ImageTag(_ context.Context, src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tagged = append(f.tagged, [2]string{src, dst})
	return nil
}

func (f *fakeAPI) ImageRemove(_ context.Context, ref string, _ image.RemoveOptions) ([]image.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rmImages = append(f.rmImages, ref)
	return []image.DeleteResponse{{Untagged: ref}}, nil
}

func (f *fakeAPI) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
