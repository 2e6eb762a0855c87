package sandpit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockhand/sandpit/config"
	"github.com/dockhand/sandpit/images"
	"github.com/dockhand/sandpit/provider"
	"github.com/dockhand/sandpit/provider/providertest"
	"github.com/dockhand/sandpit/reaper"
	"github.com/dockhand/sandpit/wait"
)

type strategyFunc func(ctx context.Context, t wait.StrategyTarget) error

func (f strategyFunc) WaitUntilReady(ctx context.Context, t wait.StrategyTarget) error {
	return f(ctx, t)
}

var ready = strategyFunc(func(context.Context, wait.StrategyTarget) error { return nil })

func newTestSession(t *testing.T, tweak ...func(*providertest.Provider)) (*Session, *providertest.Controller) {
	t.Helper()
	ctrl := providertest.NewController()
	p := providertest.NewProvider(ctrl)
	for _, fn := range tweak {
		fn(p)
	}
	s, err := NewSession(context.Background(),
		WithProvider(p),
		WithSessionID("test-session"),
		WithConfigSource(config.MapSource{
			config.KeyReaperStateDir:       t.TempDir(),
			config.KeyPullRetryMaxDuration: "30s",
			config.KeyLogLevel:             "error",
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, ctrl
}

func TestStartAppliesSpecAndSessionLabels(t *testing.T) {
	s, ctrl := newTestSession(t)
	c, err := s.Run(context.Background(),
		WithImage("redis:7"),
		WithEnv("MODE", "test"),
		WithCmd("redis-server"),
		WithLabels(map[string]string{"team": "qa", reaper.LabelSessionID: "spoofed"}),
		WithExposedPorts("6379"),
		WithWaitStrategy(ready),
	)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, c.State())

	got := ctrl.LastContainer()
	require.NotNil(t, got)
	assert.Equal(t, c.ID(), got.ID)
	assert.Equal(t, "qa", got.Config.Labels["team"])
	for k, v := range s.Labels() {
		assert.Equal(t, v, got.Config.Labels[k], k)
	}
	assert.Equal(t, map[string]string{"MODE": "test"}, got.Config.Env)
	assert.Equal(t, []string{"redis-server"}, got.Config.Cmd)

	containers, _, _ := s.Reaper().Tracked()
	assert.Equal(t, 1, containers)
}

func TestMappedPortBeforeStart(t *testing.T) {
	s, _ := newTestSession(t)
	c := s.NewContainer(WithImage("nginx"), WithExposedPorts("80"))
	_, err := c.MappedPort(context.Background(), "80")
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = c.Host(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestMappedPortIsStable(t *testing.T) {
	s, _ := newTestSession(t)
	c, err := s.Run(context.Background(), WithImage("nginx"), WithExposedPorts("80", "53/udp"), WithWaitStrategy(ready))
	require.NoError(t, err)

	first, err := c.MappedPort(context.Background(), "80")
	require.NoError(t, err)
	assert.NotEqual(t, 80, first)
	again, err := c.MappedPort(context.Background(), "80/tcp")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	udp, err := c.MappedPort(context.Background(), "53/udp")
	require.NoError(t, err)
	assert.NotEqual(t, first, udp)

	_, err = c.MappedPort(context.Background(), "9999")
	assert.Error(t, err)
}

func TestMappedPortIsReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	hostPort := ln.Addr().(*net.TCPAddr).Port

	s, _ := newTestSession(t)
	// The default wait strategy dials every exposed port.
	c, err := s.Run(context.Background(), WithImage("app"), WithPortBinding("8080", strconv.Itoa(hostPort)))
	require.NoError(t, err)

	addr, err := c.Endpoint(context.Background(), "8080")
	require.NoError(t, err)
	assert.Equal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(hostPort)), addr)
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	conn.Close()
}

func TestStartWaitsForLogLine(t *testing.T) {
	s, ctrl := newTestSession(t)
	const delay = 300 * time.Millisecond
	go func() {
		time.Sleep(delay)
		if last := ctrl.LastContainer(); last != nil {
			ctrl.AppendLogs(last.ID, "booting\nserver is ready\n")
		}
	}()

	began := time.Now()
	c, err := s.Run(context.Background(),
		WithImage("app"),
		WithWaitStrategy(wait.ForLog(".*ready.*").WithPollInterval(20*time.Millisecond)),
		WithStartupTimeout(5*time.Second),
	)
	require.NoError(t, err)
	took := time.Since(began)
	assert.GreaterOrEqual(t, took, delay)
	assert.Less(t, took, 5*time.Second)
	assert.Equal(t, StateRunning, c.State())
}

func TestStartRetriesTransientPulls(t *testing.T) {
	s, ctrl := newTestSession(t)
	ctrl.PullFunc = func(ref string, attempt int) error {
		if attempt <= 2 {
			return fmt.Errorf("pull %s: %w", ref, cerrdefs.ErrUnavailable)
		}
		return nil
	}
	_, err := s.Run(context.Background(), WithImage("postgres:16"))
	require.NoError(t, err)
	assert.Equal(t, 3, ctrl.CallCount("pullImage"))
}

func TestStartFailsOnMissingImage(t *testing.T) {
	s, ctrl := newTestSession(t)
	ctrl.PullFunc = func(ref string, _ int) error {
		return fmt.Errorf("pull %s: %w", ref, cerrdefs.ErrNotFound)
	}
	c, err := s.Run(context.Background(), WithImage("does-not-exist:1"))
	require.Error(t, err)

	var launch *ContainerLaunchError
	require.ErrorAs(t, err, &launch)
	assert.Equal(t, 1, ctrl.CallCount("pullImage"))
	assert.Zero(t, ctrl.CallCount("createContainer"))
	assert.Equal(t, StateFailed, c.State())

	_, err = c.MappedPort(context.Background(), "80")
	assert.ErrorAs(t, err, &launch)
}

func TestStartFailsOnCreateError(t *testing.T) {
	s, ctrl := newTestSession(t)
	ctrl.CreateErr = errors.New("invalid spec")
	_, err := s.Run(context.Background(), WithImage("app"))
	var launch *ContainerLaunchError
	require.ErrorAs(t, err, &launch)
	assert.Contains(t, err.Error(), "invalid spec")
}

func TestReadinessTimeoutCarriesLogs(t *testing.T) {
	s, ctrl := newTestSession(t)
	never := strategyFunc(func(ctx context.Context, _ wait.StrategyTarget) error {
		ctrl.SetLogs(ctrl.LastContainer().ID, "fatal: missing config\n")
		<-ctx.Done()
		return fmt.Errorf("%w: never", wait.ErrWaitTimeout)
	})
	c, err := s.Run(context.Background(), WithImage("app"), WithWaitStrategy(never), WithStartupTimeout(100*time.Millisecond))
	require.Error(t, err)

	var notReady *ContainerFailedToStartError
	require.ErrorAs(t, err, &notReady)
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.Equal(t, c.ID(), notReady.ContainerID)
	assert.Contains(t, notReady.Logs, "missing config")
	assert.Equal(t, StateFailed, c.State())
}

func TestExitDuringWaitFailsFast(t *testing.T) {
	s, ctrl := newTestSession(t)
	go func() {
		time.Sleep(50 * time.Millisecond)
		if last := ctrl.LastContainer(); last != nil {
			ctrl.Exit(last.ID, 2)
		}
	}()
	began := time.Now()
	_, err := s.Run(context.Background(),
		WithImage("app"),
		WithWaitStrategy(wait.ForLog("never").WithPollInterval(10*time.Millisecond)),
		WithStartupTimeout(10*time.Second),
	)
	require.Error(t, err)
	assert.Less(t, time.Since(began), 5*time.Second)

	var exit *ExitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 2, exit.ExitCode)
	assert.NotEmpty(t, exit.ContainerID)
	assert.ErrorIs(t, err, ErrContainerExited)
}

func TestStartupAttemptsReplaceFailedContainer(t *testing.T) {
	s, ctrl := newTestSession(t)
	var calls atomic.Int32
	flaky := strategyFunc(func(context.Context, wait.StrategyTarget) error {
		if calls.Add(1) == 1 {
			return errors.New("not yet")
		}
		return nil
	})
	c, err := s.Run(context.Background(), WithImage("app"), WithWaitStrategy(flaky), WithStartupAttempts(2))
	require.NoError(t, err)
	assert.Equal(t, 2, ctrl.CallCount("createContainer"))
	require.Len(t, ctrl.Removed, 1)
	assert.NotEqual(t, c.ID(), ctrl.Removed[0])

	containers, _, _ := s.Reaper().Tracked()
	assert.Equal(t, 1, containers)
}

func TestStartIsIdempotent(t *testing.T) {
	s, ctrl := newTestSession(t)
	c, err := s.Run(context.Background(), WithImage("app"))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, 1, ctrl.CallCount("startContainer"))
}

func TestStopIsIdempotent(t *testing.T) {
	s, ctrl := newTestSession(t)
	c, err := s.Run(context.Background(), WithImage("app"))
	require.NoError(t, err)

	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Close())
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, 1, ctrl.CallCount("removeContainer"))
	assert.Empty(t, ctrl.Containers)

	err = c.Start(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = c.MappedPort(context.Background(), "80")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestStopBeforeStart(t *testing.T) {
	s, ctrl := newTestSession(t)
	c := s.NewContainer(WithImage("app"))
	require.NoError(t, c.Stop(context.Background()))
	assert.Zero(t, ctrl.CallCount("removeContainer"))
	assert.ErrorIs(t, c.Start(context.Background()), ErrInvalidState)
}

func TestStopAfterFailedStartRemovesContainer(t *testing.T) {
	s, ctrl := newTestSession(t)
	ctrl.StartErr = errors.New("port already allocated")
	c, err := s.Run(context.Background(), WithImage("app"))
	require.Error(t, err)
	require.NotEmpty(t, c.ID())

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, []string{c.ID()}, ctrl.Removed)
}

func TestWatcherSurfacesExit(t *testing.T) {
	old := watchInterval
	watchInterval = 10 * time.Millisecond
	t.Cleanup(func() { watchInterval = old })

	s, ctrl := newTestSession(t)
	c, err := s.Run(context.Background(), WithImage("app"))
	require.NoError(t, err)

	ctrl.Exit(c.ID(), 3)
	require.Eventually(t, func() bool { return c.State() == StateFailed }, 2*time.Second, 10*time.Millisecond)

	_, err = c.Exec(context.Background(), []string{"true"})
	assert.ErrorIs(t, err, ErrContainerExited)
	var exit *ExitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 3, exit.ExitCode)

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, StateStopped, c.State())
}

func TestExec(t *testing.T) {
	s, _ := newTestSession(t)
	c := s.NewContainer(WithImage("app"))
	_, err := c.Exec(context.Background(), []string{"echo", "hi"})
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, c.Start(context.Background()))
	res, err := c.Exec(context.Background(), []string{"echo", "hi"}, ExecInDir("/tmp"), ExecEnv("A=1"))
	require.NoError(t, err)
	assert.Equal(t, "echo hi", string(res.Stdout))
	assert.Zero(t, res.ExitCode)
}

func TestExecUnsupported(t *testing.T) {
	s, _ := newTestSession(t, func(p *providertest.Provider) { p.Exec = false })
	// Exec probes are skipped, so the exec strategy does not block start.
	c, err := s.Run(context.Background(), WithImage("app"), WithWaitStrategy(wait.ForExec("pg_isready")))
	require.NoError(t, err)

	_, err = c.Exec(context.Background(), []string{"ls"})
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
	var unsupported *UnsupportedOperationError
	assert.ErrorAs(t, err, &unsupported)
}

func TestCopyRoundTrip(t *testing.T) {
	s, ctrl := newTestSession(t)
	c, err := s.Run(context.Background(), WithImage("app"))
	require.NoError(t, err)

	require.NoError(t, c.CopyToContainer(context.Background(), []byte("listen 80;"), "/etc/nginx/site.conf", 0o600))
	stored, _ := ctrl.Get(c.ID())
	assert.Equal(t, []byte("listen 80;"), stored.Files["/etc/nginx/site.conf"])

	got, err := c.ReadFile(context.Background(), "/etc/nginx/site.conf")
	require.NoError(t, err)
	assert.Equal(t, "listen 80;", string(got))
	require.NotNil(t, ctrl.LastStream)
	assert.True(t, ctrl.LastStream.Closed)
}

func TestCopyFromContainerClosesOnCallbackError(t *testing.T) {
	s, ctrl := newTestSession(t)
	c, err := s.Run(context.Background(), WithImage("app"), WithFileContent([]byte("x"), "/data/x", 0))
	require.NoError(t, err)

	boom := errors.New("boom")
	err = c.CopyFileFromContainer(context.Background(), "/data/x", func(io.Reader) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.True(t, ctrl.LastStream.Closed)

	err = c.CopyFileFromContainer(context.Background(), "/data/missing", func(io.Reader) error { return nil })
	assert.True(t, cerrdefs.IsNotFound(err))
}

func TestFilesAreCopiedBeforeStart(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "init.sql")
	require.NoError(t, os.WriteFile(src, []byte("create table t(id int);"), 0o644))

	s, ctrl := newTestSession(t)
	c, err := s.Run(context.Background(),
		WithImage("postgres"),
		WithFile(src, "/docker-entrypoint-initdb.d/init.sql"),
		WithFileContent([]byte("k=v"), "/etc/app.properties", 0o600),
	)
	require.NoError(t, err)

	stored, _ := ctrl.Get(c.ID())
	assert.Equal(t, []byte("create table t(id int);"), stored.Files["/docker-entrypoint-initdb.d/init.sql"])
	assert.Equal(t, []byte("k=v"), stored.Files["/etc/app.properties"])

	copyAt, startAt := -1, -1
	for i, call := range ctrl.Calls {
		switch call {
		case "copyArchiveToContainer":
			copyAt = i
		case "startContainer":
			startAt = i
		}
	}
	assert.Less(t, copyAt, startAt)
}

func TestBindMountDegradesToCopy(t *testing.T) {
	src := filepath.Join(t.TempDir(), "app.conf")
	require.NoError(t, os.WriteFile(src, []byte("debug=true"), 0o644))

	t.Run("mounting supported", func(t *testing.T) {
		s, ctrl := newTestSession(t)
		c, err := s.Run(context.Background(), WithImage("app"), WithMounts(BindMount(src, "/etc/app.conf", ReadOnly), TmpfsMount("/tmp")))
		require.NoError(t, err)
		stored, _ := ctrl.Get(c.ID())
		assert.Len(t, stored.Config.Mounts, 2)
		assert.Empty(t, stored.Files)
	})
	t.Run("mounting unsupported", func(t *testing.T) {
		s, ctrl := newTestSession(t, func(p *providertest.Provider) { p.Mounting = false })
		c, err := s.Run(context.Background(), WithImage("app"), WithMounts(BindMount(src, "/etc/app.conf", ReadOnly), TmpfsMount("/tmp")))
		require.NoError(t, err)
		stored, _ := ctrl.Get(c.ID())
		require.Len(t, stored.Config.Mounts, 1)
		assert.Equal(t, "/tmp", stored.Config.Mounts[0].Target)
		assert.Equal(t, []byte("debug=true"), stored.Files["/etc/app.conf"])
	})
}

func TestNetworkAttachment(t *testing.T) {
	s, ctrl := newTestSession(t)
	backend := s.NewNetwork(WithNetworkName("backend"))
	frontend := s.NewNetwork()
	assert.Zero(t, ctrl.CallCount("createNetwork"))

	c, err := s.Run(context.Background(), WithImage("postgres"), WithNetwork(backend, "db"), WithNetwork(frontend, "pg"))
	require.NoError(t, err)
	assert.Equal(t, 2, ctrl.CallCount("createNetwork"))

	backendID, err := backend.ID(context.Background())
	require.NoError(t, err)
	frontendID, err := frontend.ID(context.Background())
	require.NoError(t, err)

	stored, _ := ctrl.Get(c.ID())
	assert.Equal(t, backendID, stored.Config.Network)
	assert.Equal(t, []string{"db"}, stored.Networks[backendID])
	assert.Equal(t, []string{"pg"}, stored.Networks[frontendID])
	assert.Equal(t, "test-session", ctrl.Networks[backendID].Labels[reaper.LabelSessionID])
	assert.Equal(t, "backend", ctrl.Networks[backendID].Name)

	require.NoError(t, c.Stop(context.Background()))
	backend.Remove(context.Background())
	backend.Remove(context.Background())
	assert.Contains(t, ctrl.Removed, backendID)
	_, err = backend.ID(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestDockerfileImage(t *testing.T) {
	s, ctrl := newTestSession(t)
	img := images.NewImageFromDockerfile(images.NewDockerfile().From("scratch"))
	img.Labels = map[string]string{"team": "qa"}

	name, err := s.BuildImage(context.Background(), img)
	require.NoError(t, err)
	info, ok := ctrl.Images[name]
	require.True(t, ok)
	for k, v := range s.Labels() {
		assert.Equal(t, v, info.Labels[k], k)
	}
	assert.Equal(t, "qa", info.Labels["team"])
	_, _, tracked := s.Reaper().Tracked()
	assert.Equal(t, 1, tracked)

	built := images.NewImageFromDockerfile(images.NewDockerfile().From("alpine:3.20").Cmd("true"))
	c, err := s.Run(context.Background(), WithDockerfile(built))
	require.NoError(t, err)
	stored, _ := ctrl.Get(c.ID())
	assert.Equal(t, c.Image(), stored.Config.Image)
	assert.Contains(t, c.Image(), "localhost/sandpit/")
}

func TestImageCompatibilityGuard(t *testing.T) {
	s, ctrl := newTestSession(t)
	_, err := s.Run(context.Background(), WithImage("mysql:8"), WithImageCompatibleWith("postgres"))
	var launch *ContainerLaunchError
	require.ErrorAs(t, err, &launch)
	assert.Zero(t, ctrl.CallCount("createContainer"))

	_, err = s.Run(context.Background(), WithImage("postgres:16"), WithImageCompatibleWith("postgres"))
	assert.NoError(t, err)
}

func TestSessionCloseRemovesEverything(t *testing.T) {
	s, ctrl := newTestSession(t)
	n := s.NewNetwork()
	for range 3 {
		_, err := s.Run(context.Background(), WithImage("app"), WithNetwork(n))
		require.NoError(t, err)
	}
	require.Len(t, ctrl.Containers, 3)

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))
	assert.Empty(t, ctrl.Containers)
	assert.Empty(t, ctrl.Networks)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestStopDuringPullAbortsStart(t *testing.T) {
	s, ctrl := newTestSession(t)
	release := make(chan struct{})
	ctrl.PullFunc = func(string, int) error {
		<-release
		return nil
	}
	defer close(release)

	c := s.NewContainer(WithImage("app"))
	started := make(chan error, 1)
	go func() { started <- c.Start(context.Background()) }()
	require.Eventually(t, func() bool { return ctrl.CallCount("pullImage") == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop(context.Background()))
	assert.ErrorIs(t, <-started, ErrInvalidState)
	assert.Equal(t, StateStopped, c.State())
	assert.Zero(t, ctrl.CallCount("createContainer"))
}

func TestStopDuringCreateRemovesContainer(t *testing.T) {
	s, ctrl := newTestSession(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	ctrl.CreateFunc = func(provider.ContainerConfig) error {
		close(entered)
		<-release
		return nil
	}

	c := s.NewContainer(WithImage("app"))
	started := make(chan error, 1)
	go func() { started <- c.Start(context.Background()) }()
	<-entered

	stopped := make(chan struct{})
	go func() {
		assert.NoError(t, c.Stop(context.Background()))
		close(stopped)
	}()
	require.Eventually(t, func() bool { return c.State() == StateStopping }, 2*time.Second, 5*time.Millisecond)
	close(release)
	<-stopped

	assert.ErrorIs(t, <-started, ErrInvalidState)
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, 1, ctrl.CallCount("createContainer"))
	assert.Zero(t, ctrl.CallCount("startContainer"))
	assert.Len(t, ctrl.Removed, 1)
	assert.Empty(t, ctrl.Containers)
}

type frameLog struct {
	mu     sync.Mutex
	frames []LogFrame
}

func (f *frameLog) consume(fr LogFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
}

func (f *frameLog) get() []LogFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]LogFrame(nil), f.frames...)
}

func TestLogConsumersFollowOutput(t *testing.T) {
	s, ctrl := newTestSession(t)
	var got frameLog
	c, err := s.Run(context.Background(), WithImage("app"), WithLogConsumers(got.consume))
	require.NoError(t, err)

	ctrl.AppendLogs(c.ID(), "hello\n")
	ctrl.AppendErrLogs(c.ID(), "oops\n")
	require.Eventually(t, func() bool { return len(got.get()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []LogFrame{
		{Stream: LogStdout, Content: "hello\n"},
		{Stream: LogStderr, Content: "oops\n"},
	}, got.get())

	require.NoError(t, c.Stop(context.Background()))
	n := len(got.get())
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, got.get(), n)
}

func TestLogConsumersFallBackToCombinedOutput(t *testing.T) {
	s, ctrl := newTestSession(t)
	ctrl.CombinedLogs = true
	var got frameLog
	c, err := s.Run(context.Background(), WithImage("app"), WithLogConsumers(got.consume))
	require.NoError(t, err)

	ctrl.AppendLogs(c.ID(), "line one\nline two\n")
	require.Eventually(t, func() bool { return len(got.get()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []LogFrame{
		{Stream: LogCombined, Content: "line one\n"},
		{Stream: LogCombined, Content: "line two\n"},
	}, got.get())
	require.NoError(t, c.Stop(context.Background()))
}

func TestDependenciesStartFirst(t *testing.T) {
	s, ctrl := newTestSession(t)
	db := s.NewContainer(WithImage("postgres:16"))
	cache := s.NewContainer(WithImage("redis:7"))

	app, err := s.Run(context.Background(), WithImage("app"), WithDependsOn(db, cache))
	require.NoError(t, err)
	assert.Equal(t, StateRunning, db.State())
	assert.Equal(t, StateRunning, cache.State())
	assert.Equal(t, 3, ctrl.CallCount("createContainer"))
	assert.Equal(t, "app", ctrl.LastContainer().Config.Image)

	require.NoError(t, app.Stop(context.Background()))
	assert.Equal(t, StateRunning, db.State())
}

func TestSharedDependencyStartsOnce(t *testing.T) {
	s, ctrl := newTestSession(t)
	release := make(chan struct{})
	ctrl.PullFunc = func(ref string, _ int) error {
		if ref == "postgres:16" {
			<-release
		}
		return nil
	}
	db := s.NewContainer(WithImage("postgres:16"))
	api := s.NewContainer(WithImage("api"), WithDependsOn(db))
	worker := s.NewContainer(WithImage("worker"), WithDependsOn(db))

	errs := make(chan error, 2)
	go func() { errs <- api.Start(context.Background()) }()
	go func() { errs <- worker.Start(context.Background()) }()
	time.Sleep(30 * time.Millisecond)
	close(release)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	assert.Equal(t, 3, ctrl.CallCount("createContainer"))
	assert.Equal(t, StateRunning, db.State())
}

func TestDependencyFailureFailsStart(t *testing.T) {
	s, ctrl := newTestSession(t)
	ctrl.PullFunc = func(ref string, _ int) error {
		return fmt.Errorf("manifest for %s: %w", ref, cerrdefs.ErrNotFound)
	}
	db := s.NewContainer(WithImage("missing:1"))
	app := s.NewContainer(WithImage("app"), WithDependsOn(db))

	err := app.Start(context.Background())
	var launch *ContainerLaunchError
	require.ErrorAs(t, err, &launch)
	assert.Contains(t, err.Error(), "start dependency missing:1")
	assert.Equal(t, StateFailed, app.State())
	assert.Zero(t, ctrl.CallCount("createContainer"))
}

func TestDependencyCycleIsRejected(t *testing.T) {
	s, ctrl := newTestSession(t)
	a := s.NewContainer(WithImage("a"))
	b := s.NewContainer(WithImage("b"), WithDependsOn(a))
	a.spec.DependsOn = append(a.spec.DependsOn, b)

	err := a.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depends on itself")
	assert.Zero(t, ctrl.CallCount("createContainer"))
}

func TestLogToWritesFrames(t *testing.T) {
	prev := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	var buf bytes.Buffer
	l := zerolog.New(&buf)
	LogTo(&l)(LogFrame{Stream: LogStderr, Content: "disk full\n"})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "stderr", line["stream"])
	assert.Equal(t, "disk full", line["message"])
}
