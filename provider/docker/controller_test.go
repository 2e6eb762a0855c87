package docker

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockhand/sandpit/images"
	"github.com/dockhand/sandpit/provider"
)

func newTestController(api *fakeAPI) *Controller {
	return &Controller{
		name:         LocalName,
		host:         "unix:///var/run/docker.sock",
		local:        true,
		pauseTimeout: 100 * time.Millisecond,
		connect:      func() (dockerAPI, error) { return api, nil },
	}
}

func TestCreateContainerTranslatesConfig(t *testing.T) {
	api := newFakeAPI()
	c := newTestController(api)
	id, err := c.CreateContainer(provider.ContainerConfig{
		Name:         "/My Redis!",
		Image:        "redis:7",
		Cmd:          []string{"redis-server"},
		Env:          map[string]string{"B": "2", "A": "1"},
		Labels:       map[string]string{"org.sandpit": "true"},
		ExposedPorts: []nat.Port{"6379/tcp"},
		PortBindings: map[nat.Port]string{"8080/tcp": "18080"},
		Mounts: []provider.Mount{
			{Type: provider.MountBind, Source: "/host/data", Target: "/data", Mode: provider.ReadOnly},
			{Type: provider.MountTmpfs, Source: "ignored", Target: "/tmp"},
		},
		Network:  "sandpit-net",
		Aliases:  []string{"redis"},
		Platform: "linux/arm64/v8",
	}).Perform(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ctr-1", id)

	require.Len(t, api.created, 1)
	call := api.created[0]
	assert.Equal(t, "MyRedis", call.name)
	assert.Equal(t, []string{"A=1", "B=2"}, call.config.Env)
	assert.Contains(t, call.config.ExposedPorts, nat.Port("6379/tcp"))
	assert.Contains(t, call.config.ExposedPorts, nat.Port("8080/tcp"))
	assert.Equal(t, "", call.host.PortBindings["6379/tcp"][0].HostPort)
	assert.Equal(t, "18080", call.host.PortBindings["8080/tcp"][0].HostPort)
	assert.Equal(t, []mount.Mount{
		{Type: mount.TypeBind, Source: "/host/data", Target: "/data", ReadOnly: true},
		{Type: mount.TypeTmpfs, Target: "/tmp"},
	}, call.host.Mounts)
	assert.Equal(t, container.NetworkMode("sandpit-net"), call.host.NetworkMode)
	assert.Equal(t, []string{"redis"}, call.net.EndpointsConfig["sandpit-net"].Aliases)
	assert.Equal(t, &ocispec.Platform{OS: "linux", Architecture: "arm64", Variant: "v8"}, call.platform)
}

func TestCreateContainerRejectsBadPlatform(t *testing.T) {
	api := newFakeAPI()
	_, err := newTestController(api).CreateContainer(provider.ContainerConfig{Image: "x", Platform: "linux"}).Perform(context.Background())
	require.Error(t, err)
	assert.Empty(t, api.created)
}

func TestInspectContainerMapsState(t *testing.T) {
	api := newFakeAPI()
	api.inspect["abc"] = container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    "abc",
			Name:  "/web",
			Image: "sha256:feed",
			State: &container.State{
				Status:    "running",
				Running:   true,
				StartedAt: "2024-01-02T03:04:05.000000006Z",
				Health:    &container.Health{Status: "healthy"},
			},
		},
		Config: &container.Config{Image: "nginx:1.27", Labels: map[string]string{"a": "b"}},
		NetworkSettings: &container.NetworkSettings{
			NetworkSettingsBase: container.NetworkSettingsBase{
				Ports: nat.PortMap{
					"80/tcp":  {{HostIP: "0.0.0.0", HostPort: "32770"}, {HostIP: "::", HostPort: "32770"}},
					"443/tcp": nil,
				},
			},
			Networks: map[string]*network.EndpointSettings{"bridge": {IPAddress: "172.17.0.2"}},
		},
	}
	info, err := newTestController(api).InspectContainer("abc").Perform(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "web", info.Name)
	assert.Equal(t, "nginx:1.27", info.Image)
	assert.True(t, info.State.Running)
	assert.Equal(t, "healthy", info.State.Health)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC), info.State.StartedAt)
	assert.Equal(t, map[nat.Port]int{"80/tcp": 32770}, info.Ports)
	assert.Equal(t, "172.17.0.2", info.Networks["bridge"])
	assert.Equal(t, "b", info.Labels["a"])

	_, err = newTestController(api).InspectContainer("missing").Perform(context.Background())
	require.Error(t, err)
}

func TestListContainersFiltersByLabel(t *testing.T) {
	api := newFakeAPI()
	api.list = []container.Summary{{ID: "a", Names: []string{"/one"}, Image: "redis", State: "exited"}}
	out, err := newTestController(api).ListContainers(provider.ListFilter{
		Labels: map[string]string{"org.sandpit.sessionId": "s1"},
		All:    true,
	}).Perform(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"one"}, out[0].Names)
	assert.Equal(t, "exited", out[0].Status)
	assert.True(t, api.listOpts.All)
	assert.Equal(t, []string{"org.sandpit.sessionId=s1"}, api.listOpts.Filters.Get("label"))
}

func TestStopContainerRoundsTimeout(t *testing.T) {
	api := newFakeAPI()
	_, err := newTestController(api).StopContainer("a", 1500*time.Millisecond).Perform(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, api.stopped["a"])
}

func TestExecDemultiplexesOutput(t *testing.T) {
	api := newFakeAPI()
	api.execStdout = "hello\n"
	api.execStderr = "oops\n"
	api.execCode = 3
	api.execRunning = 2
	res, err := newTestController(api).ExecInContainer("a", []string{"sh", "-c", "x"}, provider.ExecOptions{}).Perform(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "hello\n", string(res.Stdout))
	assert.Equal(t, "oops\n", string(res.Stderr))
	assert.Equal(t, []string{"sh", "-c", "x"}, api.execCmd)
}

func TestLogContainerDemultiplexes(t *testing.T) {
	api := newFakeAPI()
	api.inspect["a"] = container.InspectResponse{ContainerJSONBase: &container.ContainerJSONBase{ID: "a"}, Config: &container.Config{}}
	api.logs["a"] = multiplex("ready\n", "warn\n")
	since := time.Unix(1700000000, 0)
	rc, err := newTestController(api).LogContainer("a", provider.LogOptions{Since: since}).Perform(context.Background())
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "ready\nwarn\n", string(b))
	assert.Equal(t, "1700000000", api.logOpts.Since)
	assert.True(t, api.logOpts.ShowStdout)
	assert.True(t, api.logOpts.ShowStderr)
}

func TestLogContainerSelectsStream(t *testing.T) {
	api := newFakeAPI()
	api.inspect["a"] = container.InspectResponse{ContainerJSONBase: &container.ContainerJSONBase{ID: "a"}, Config: &container.Config{}}
	api.logs["a"] = multiplex("", "warn\n")
	rc, err := newTestController(api).LogContainer("a", provider.LogOptions{Stream: provider.LogStderr, Follow: true}).Perform(context.Background())
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "warn\n", string(b))
	assert.False(t, api.logOpts.ShowStdout)
	assert.True(t, api.logOpts.ShowStderr)
	assert.True(t, api.logOpts.Follow)
}

func TestLogContainerTTYPassthrough(t *testing.T) {
	api := newFakeAPI()
	api.inspect["a"] = container.InspectResponse{ContainerJSONBase: &container.ContainerJSONBase{ID: "a"}, Config: &container.Config{Tty: true}}
	api.logs["a"] = []byte("raw output\n")
	rc, err := newTestController(api).LogContainer("a", provider.LogOptions{}).Perform(context.Background())
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "raw output\n", string(b))
}

func TestCopyRoundTrip(t *testing.T) {
	api := newFakeAPI()
	c := newTestController(api)
	ctx := context.Background()
	_, err := c.CopyArchiveToContainer("a", "/etc", strings.NewReader("tar-bytes")).Perform(ctx)
	require.NoError(t, err)
	rc, err := c.CopyArchiveFromContainer("a", "/etc").Perform(ctx)
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "tar-bytes", string(b))
}

func TestWaitContainerReturnsExitCode(t *testing.T) {
	api := newFakeAPI()
	api.waitCode = 7
	res, err := newTestController(api).WaitContainer("a").Perform(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)
}

func TestNetworkLifecycle(t *testing.T) {
	api := newFakeAPI()
	c := newTestController(api)
	ctx := context.Background()
	id, err := c.CreateNetwork(provider.NetworkConfig{Name: "n1", Driver: "bridge", Labels: map[string]string{"k": "v"}, EnableIPv6: true}).Perform(ctx)
	require.NoError(t, err)
	assert.Equal(t, "net-n1", id)
	require.NotNil(t, api.networks["n1"].EnableIPv6)
	assert.True(t, *api.networks["n1"].EnableIPv6)

	_, err = c.ConnectToNetwork(id, "ctr", []string{"db"}).Perform(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"db"}, api.connected["net-n1/ctr"])

	_, err = c.RemoveNetwork(id).Perform(ctx)
	require.NoError(t, err)
	assert.Empty(t, api.networks)
}

func TestCheckAndPullImage(t *testing.T) {
	api := newFakeAPI()
	api.images["present:1"] = image.InspectResponse{ID: "sha256:1"}
	c := newTestController(api)
	ctx := context.Background()

	_, err := c.CheckAndPullImage("present:1", provider.PullOptions{}).Perform(ctx)
	require.NoError(t, err)
	assert.Empty(t, api.pulled)

	_, err = c.CheckAndPullImage("alpine:3.20", provider.PullOptions{}).Perform(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpine:3.20"}, api.pulled)
}

func TestPullAbortsWhenStalled(t *testing.T) {
	api := newFakeAPI()
	pr, pw := io.Pipe()
	defer pw.Close()
	api.pull = func(string) (io.ReadCloser, error) {
		go func() {
			_, _ = pw.Write([]byte(`{"status":"Pulling fs layer","id":"abc"}` + "\n"))
		}()
		return pr, nil
	}
	start := time.Now()
	_, err := newTestController(api).PullImage("slow:1", provider.PullOptions{}).Perform(context.Background())
	require.ErrorIs(t, err, images.ErrPullStalled)
	assert.Equal(t, images.ClassInterrupted, images.Classify(err))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestPullReportsStreamError(t *testing.T) {
	api := newFakeAPI()
	api.pull = func(string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(`{"status":"Pulling"}` + "\n" + `{"errorDetail":{"message":"manifest unknown"},"error":"manifest unknown"}` + "\n")), nil
	}
	_, err := newTestController(api).PullImage("nope:1", provider.PullOptions{}).Perform(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest unknown")
}

func TestInspectImage(t *testing.T) {
	api := newFakeAPI()
	api.images["app:1"] = image.InspectResponse{
		ID:       "sha256:2",
		RepoTags: []string{"app:1"},
		Created:  "2024-05-06T07:08:09Z",
	}
	info, err := newTestController(api).InspectImage("app:1").Perform(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sha256:2", info.ID)
	assert.Equal(t, []string{"app:1"}, info.RepoTags)
	assert.Equal(t, time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC), info.Created)
}

func TestBuildImageReturnsAuxID(t *testing.T) {
	api := newFakeAPI()
	api.buildBody = `{"stream":"Step 1/1 : FROM scratch\n"}` + "\n" + `{"aux":{"ID":"sha256:built"}}` + "\n" + `{"stream":"Successfully built\n"}` + "\n"
	id, err := newTestController(api).BuildImage(strings.NewReader("ctx"), provider.BuildOptions{
		Tags:       []string{"localhost/sandpit/x:latest"},
		Dockerfile: "Dockerfile",
		Labels:     map[string]string{"org.sandpit": "true"},
		Pull:       true,
	}).Perform(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sha256:built", id)
	assert.True(t, api.buildOpts.PullParent)
	assert.True(t, api.buildOpts.Remove)
	assert.Equal(t, "true", api.buildOpts.Labels["org.sandpit"])
}

func TestBuildImageFailure(t *testing.T) {
	api := newFakeAPI()
	api.buildBody = `{"errorDetail":{"message":"unknown instruction: FORM"},"error":"unknown instruction: FORM"}` + "\n"
	_, err := newTestController(api).BuildImage(strings.NewReader(""), provider.BuildOptions{}).Perform(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown instruction")
}

func TestTagAndRemoveImage(t *testing.T) {
	api := newFakeAPI()
	c := newTestController(api)
	ctx := context.Background()
	_, err := c.TagImage("a:1", "b:2").Perform(ctx)
	require.NoError(t, err)
	_, err = c.RemoveImage("b:2").Perform(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"a:1", "b:2"}}, api.tagged)
	assert.Equal(t, []string{"b:2"}, api.rmImages)
}

func TestControllerConnectsLazily(t *testing.T) {
	api := newFakeAPI()
	dials := 0
	c := newTestController(api)
	c.connect = func() (dockerAPI, error) {
		dials++
		return api, nil
	}
	intent := c.StartContainer("a")
	assert.Equal(t, 0, dials)
	require.NoError(t, c.Close())
	assert.Equal(t, 0, dials)

	_, err := intent.Perform(context.Background())
	require.NoError(t, err)
	_, err = c.StartContainer("b").Perform(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, dials)
	require.NoError(t, c.Close())
	assert.True(t, api.closed)
}
