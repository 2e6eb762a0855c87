package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/dockhand/sandpit/internal/logging"
	"github.com/dockhand/sandpit/provider"
)

const execPollInterval = 50 * time.Millisecond

// Controller executes intents against one Docker daemon. The SDK client is
// created on first use.
type Controller struct {
	name         string
	host         string
	local        bool
	pauseTimeout time.Duration
	connect      func() (dockerAPI, error)

	mu  sync.Mutex
	api dockerAPI
}

var (
	_ provider.Controller    = (*Controller)(nil)
	_ provider.CompanionHost = (*Controller)(nil)
)

func (c *Controller) client() (dockerAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		return c.api, nil
	}
	api, err := c.connect()
	if err != nil {
		return nil, err
	}
	c.api = api
	return api, nil
}

// bind wraps fn into an intent that first obtains the SDK client.
func bind[T any](c *Controller, op string, fn func(ctx context.Context, api dockerAPI) (T, error)) provider.Intent[T] {
	return provider.NewIntent(op, func(ctx context.Context) (T, error) {
		api, err := c.client()
		if err != nil {
			var zero T
			return zero, fmt.Errorf("%s: %w", op, err)
		}
		return fn(ctx, api)
	})
}

func bindStream(c *Controller, op string, fn func(ctx context.Context, api dockerAPI) (io.ReadCloser, error)) provider.Intent[io.ReadCloser] {
	return provider.NewStreamIntent(op, func(ctx context.Context) (io.ReadCloser, error) {
		api, err := c.client()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return fn(ctx, api)
	})
}

func (c *Controller) CreateContainer(cfg provider.ContainerConfig) provider.Intent[string] {
	return bind(c, "createContainer", func(ctx context.Context, api dockerAPI) (string, error) {
		cc, hc, nc := toCreateConfig(cfg)
		platform, err := parsePlatform(cfg.Platform)
		if err != nil {
			return "", err
		}
		resp, err := api.ContainerCreate(ctx, cc, hc, nc, platform, sanitizeName(cfg.Name))
		if err != nil {
			return "", fmt.Errorf("create container from %s: %w", cfg.Image, err)
		}
		for _, w := range resp.Warnings {
			logging.For("docker").Warn().Str("container", resp.ID).Msg(w)
		}
		return resp.ID, nil
	})
}

func (c *Controller) StartContainer(id string) provider.Intent[struct{}] {
	return bind(c, "startContainer", func(ctx context.Context, api dockerAPI) (struct{}, error) {
		if err := api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
			return struct{}{}, fmt.Errorf("start container %s: %w", id, err)
		}
		return struct{}{}, nil
	})
}

func (c *Controller) InspectContainer(id string) provider.Intent[provider.ContainerInfo] {
	return bind(c, "inspectContainer", func(ctx context.Context, api dockerAPI) (provider.ContainerInfo, error) {
		resp, err := api.ContainerInspect(ctx, id)
		if err != nil {
			return provider.ContainerInfo{}, fmt.Errorf("inspect container %s: %w", id, err)
		}
		return toContainerInfo(resp), nil
	})
}

func labelFilter(labels map[string]string) filters.Args {
	args := filters.NewArgs()
	for k, v := range labels {
		if v == "" {
			args.Add("label", k)
			continue
		}
		args.Add("label", k+"="+v)
	}
	return args
}

func (c *Controller) ListContainers(filter provider.ListFilter) provider.Intent[[]provider.ContainerSummary] {
	return bind(c, "listContainers", func(ctx context.Context, api dockerAPI) ([]provider.ContainerSummary, error) {
		list, err := api.ContainerList(ctx, container.ListOptions{All: filter.All, Filters: labelFilter(filter.Labels)})
		if err != nil {
			return nil, fmt.Errorf("list containers: %w", err)
		}
		out := make([]provider.ContainerSummary, 0, len(list))
		for _, s := range list {
			names := make([]string, 0, len(s.Names))
			for _, n := range s.Names {
				names = append(names, strings.TrimPrefix(n, "/"))
			}
			out = append(out, provider.ContainerSummary{
				ID:     s.ID,
				Names:  names,
				Image:  s.Image,
				Labels: s.Labels,
				Status: string(s.State),
			})
		}
		return out, nil
	})
}

func (c *Controller) StopContainer(id string, timeout time.Duration) provider.Intent[struct{}] {
	return bind(c, "stopContainer", func(ctx context.Context, api dockerAPI) (struct{}, error) {
		secs := int(timeout.Round(time.Second) / time.Second)
		if err := api.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
			return struct{}{}, fmt.Errorf("stop container %s: %w", id, err)
		}
		return struct{}{}, nil
	})
}

func (c *Controller) RemoveContainer(id string, removeVolumes bool) provider.Intent[struct{}] {
	return bind(c, "removeContainer", func(ctx context.Context, api dockerAPI) (struct{}, error) {
		err := api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: removeVolumes})
		if err != nil {
			return struct{}{}, fmt.Errorf("remove container %s: %w", id, err)
		}
		return struct{}{}, nil
	})
}

func (c *Controller) WaitContainer(id string) provider.Intent[provider.WaitResult] {
	return bind(c, "waitContainer", func(ctx context.Context, api dockerAPI) (provider.WaitResult, error) {
		statusCh, errCh := api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
		select {
		case err := <-errCh:
			return provider.WaitResult{}, fmt.Errorf("wait container %s: %w", id, err)
		case st := <-statusCh:
			res := provider.WaitResult{ExitCode: int(st.StatusCode)}
			if st.Error != nil && st.Error.Message != "" {
				return res, fmt.Errorf("wait container %s: %s", id, st.Error.Message)
			}
			return res, nil
		}
	})
}

func (c *Controller) LogContainer(id string, opts provider.LogOptions) provider.Intent[io.ReadCloser] {
	return bindStream(c, "logContainer", func(ctx context.Context, api dockerAPI) (io.ReadCloser, error) {
		tty := false
		if insp, err := api.ContainerInspect(ctx, id); err == nil && insp.Config != nil {
			tty = insp.Config.Tty
		}
		lo := container.LogsOptions{
			ShowStdout: opts.Stream != provider.LogStderr,
			ShowStderr: opts.Stream != provider.LogStdout,
			Follow:     opts.Follow,
			Tail:       opts.Tail,
		}
		if !opts.Since.IsZero() {
			lo.Since = strconv.FormatInt(opts.Since.Unix(), 10)
		}
		rc, err := api.ContainerLogs(ctx, id, lo)
		if err != nil {
			return nil, fmt.Errorf("logs of container %s: %w", id, err)
		}
		if tty {
			return rc, nil
		}
		return demux(rc), nil
	})
}

// demuxed merges a multiplexed stdout/stderr stream into plain output.
type demuxed struct {
	*io.PipeReader
	src io.ReadCloser
}

func (d *demuxed) Close() error {
	_ = d.PipeReader.Close()
	return d.src.Close()
}

func demux(rc io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		pw.CloseWithError(err)
	}()
	return &demuxed{PipeReader: pr, src: rc}
}

func (c *Controller) ExecInContainer(id string, cmd []string, opts provider.ExecOptions) provider.Intent[provider.ExecResult] {
	return bind(c, "execInContainer", func(ctx context.Context, api dockerAPI) (provider.ExecResult, error) {
		created, err := api.ContainerExecCreate(ctx, id, container.ExecOptions{
			Cmd:          cmd,
			User:         opts.User,
			WorkingDir:   opts.WorkingDir,
			Env:          opts.Env,
			AttachStdout: true,
			AttachStderr: true,
		})
		if err != nil {
			return provider.ExecResult{}, fmt.Errorf("exec create in %s: %w", id, err)
		}
		att, err := api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
		if err != nil {
			return provider.ExecResult{}, fmt.Errorf("exec attach in %s: %w", id, err)
		}
		var stdout, stderr bytes.Buffer
		_, err = stdcopy.StdCopy(&stdout, &stderr, att.Reader)
		att.Close()
		if err != nil {
			return provider.ExecResult{}, fmt.Errorf("exec output in %s: %w", id, err)
		}
		code, err := waitExec(ctx, api, created.ID)
		if err != nil {
			return provider.ExecResult{}, err
		}
		return provider.ExecResult{ExitCode: code, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
	})
}

// waitExec polls until the exec is no longer running. The output stream can
// end a moment before the daemon records the exit code.
func waitExec(ctx context.Context, api dockerAPI, execID string) (int, error) {
	for {
		insp, err := api.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, fmt.Errorf("exec inspect %s: %w", execID, err)
		}
		if !insp.Running {
			return insp.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("exec %s canceled: %w", execID, ctx.Err())
		case <-time.After(execPollInterval):
		}
	}
}

func (c *Controller) CopyArchiveToContainer(id, dir string, archive io.Reader) provider.Intent[struct{}] {
	return bind(c, "copyArchiveToContainer", func(ctx context.Context, api dockerAPI) (struct{}, error) {
		err := api.CopyToContainer(ctx, id, dir, archive, container.CopyToContainerOptions{AllowOverwriteDirWithFile: true})
		if err != nil {
			return struct{}{}, fmt.Errorf("copy to %s:%s: %w", id, dir, err)
		}
		return struct{}{}, nil
	})
}

func (c *Controller) CopyArchiveFromContainer(id, path string) provider.Intent[io.ReadCloser] {
	return bindStream(c, "copyArchiveFromContainer", func(ctx context.Context, api dockerAPI) (io.ReadCloser, error) {
		rc, _, err := api.CopyFromContainer(ctx, id, path)
		if err != nil {
			return nil, fmt.Errorf("copy from %s:%s: %w", id, path, err)
		}
		return rc, nil
	})
}

func (c *Controller) CreateNetwork(cfg provider.NetworkConfig) provider.Intent[string] {
	return bind(c, "createNetwork", func(ctx context.Context, api dockerAPI) (string, error) {
		ipv6 := cfg.EnableIPv6
		resp, err := api.NetworkCreate(ctx, cfg.Name, network.CreateOptions{
			Driver:     cfg.Driver,
			Labels:     cfg.Labels,
			Internal:   cfg.Internal,
			Attachable: cfg.Attachable,
			EnableIPv6: &ipv6,
		})
		if err != nil {
			return "", fmt.Errorf("create network %s: %w", cfg.Name, err)
		}
		if resp.Warning != "" {
			logging.For("docker").Warn().Str("network", cfg.Name).Msg(resp.Warning)
		}
		return resp.ID, nil
	})
}

func (c *Controller) ConnectToNetwork(networkID, containerID string, aliases []string) provider.Intent[struct{}] {
	return bind(c, "connectToNetwork", func(ctx context.Context, api dockerAPI) (struct{}, error) {
		if err := api.NetworkConnect(ctx, networkID, containerID, &network.EndpointSettings{Aliases: aliases}); err != nil {
			return struct{}{}, fmt.Errorf("connect %s to network %s: %w", containerID, networkID, err)
		}
		return struct{}{}, nil
	})
}

func (c *Controller) RemoveNetwork(id string) provider.Intent[struct{}] {
	return bind(c, "removeNetwork", func(ctx context.Context, api dockerAPI) (struct{}, error) {
		if err := api.NetworkRemove(ctx, id); err != nil {
			return struct{}{}, fmt.Errorf("remove network %s: %w", id, err)
		}
		return struct{}{}, nil
	})
}

func (c *Controller) CheckAndPullImage(ref string, opts provider.PullOptions) provider.Intent[struct{}] {
	return bind(c, "checkAndPullImage", func(ctx context.Context, api dockerAPI) (struct{}, error) {
		_, err := api.ImageInspect(ctx, ref)
		switch {
		case err == nil:
			return struct{}{}, nil
		case !cerrdefs.IsNotFound(err):
			return struct{}{}, fmt.Errorf("inspect image %s: %w", ref, err)
		}
		return struct{}{}, c.pull(ctx, api, ref, opts)
	})
}

func (c *Controller) PullImage(ref string, opts provider.PullOptions) provider.Intent[struct{}] {
	return bind(c, "pullImage", func(ctx context.Context, api dockerAPI) (struct{}, error) {
		return struct{}{}, c.pull(ctx, api, ref, opts)
	})
}

func (c *Controller) InspectImage(ref string) provider.Intent[provider.ImageInfo] {
	return bind(c, "inspectImage", func(ctx context.Context, api dockerAPI) (provider.ImageInfo, error) {
		resp, err := api.ImageInspect(ctx, ref)
		if err != nil {
			return provider.ImageInfo{}, fmt.Errorf("inspect image %s: %w", ref, err)
		}
		info := provider.ImageInfo{ID: resp.ID, RepoTags: resp.RepoTags, Created: parseTime(resp.Created)}
		if resp.Config != nil {
			info.Labels = resp.Config.Labels
		}
		return info, nil
	})
}

func (c *Controller) BuildImage(archive io.Reader, opts provider.BuildOptions) provider.Intent[string] {
	return bind(c, "buildImage", func(ctx context.Context, api dockerAPI) (string, error) {
		resp, err := api.ImageBuild(ctx, archive, types.ImageBuildOptions{
			Tags:        opts.Tags,
			Dockerfile:  opts.Dockerfile,
			BuildArgs:   opts.BuildArgs,
			Labels:      opts.Labels,
			Target:      opts.Target,
			PullParent:  opts.Pull,
			NoCache:     opts.NoCache,
			Platform:    opts.Platform,
			Remove:      true,
			ForceRemove: true,
		})
		if err != nil {
			return "", fmt.Errorf("build image: %w", err)
		}
		defer resp.Body.Close()
		id, err := readBuildStream(resp.Body)
		if err != nil {
			return "", fmt.Errorf("build image: %w", err)
		}
		if id == "" && len(opts.Tags) > 0 {
			insp, err := api.ImageInspect(ctx, opts.Tags[0])
			if err != nil {
				return "", fmt.Errorf("inspect built image %s: %w", opts.Tags[0], err)
			}
			id = insp.ID
		}
		return id, nil
	})
}

func (c *Controller) TagImage(source, target string) provider.Intent[struct{}] {
	return bind(c, "tagImage", func(ctx context.Context, api dockerAPI) (struct{}, error) {
		if err := api.ImageTag(ctx, source, target); err != nil {
			return struct{}{}, fmt.Errorf("tag %s as %s: %w", source, target, err)
		}
		return struct{}{}, nil
	})
}

func (c *Controller) RemoveImage(ref string) provider.Intent[struct{}] {
	return bind(c, "removeImage", func(ctx context.Context, api dockerAPI) (struct{}, error) {
		_, err := api.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: true})
		if err != nil {
			return struct{}{}, fmt.Errorf("remove image %s: %w", ref, err)
		}
		return struct{}{}, nil
	})
}

// Host is "localhost" for a local socket, the daemon hostname otherwise.
func (c *Controller) Host(context.Context) (string, error) {
	return hostname(c.host)
}

// DaemonSocketPath is the socket to mount into the reaper companion.
func (c *Controller) DaemonSocketPath() string { return socketPath(c.host) }

// Close releases the SDK client if one was created.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api == nil {
		return nil
	}
	err := c.api.Close()
	c.api = nil
	return err
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
