package kubernetes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	utilexec "k8s.io/client-go/util/exec"
	"k8s.io/client-go/util/retry"

	"github.com/dockhand/sandpit/config"
	"github.com/dockhand/sandpit/images"
	"github.com/dockhand/sandpit/internal/logging"
	"github.com/dockhand/sandpit/provider"
)

const namespaceDeleteTimeout = 30 * time.Second

// pollInterval paces pod status checks.
var pollInterval = 500 * time.Millisecond

// Controller runs each container as a single-replica ReplicaSet in one
// namespace, with a NodePort Service publishing its ports.
type Controller struct {
	namespace     string
	nsLabels      map[string]string
	nsAnnotations map[string]string
	nodePortAddr  string
	connect       func() (kubernetes.Interface, execFunc, error)

	mu         sync.Mutex
	cs         kubernetes.Interface
	exec       execFunc
	nsReady    bool
	nsCreated  bool
	hostMounts map[string][]hostMount
}

var _ provider.Controller = (*Controller)(nil)

// Namespace is where this controller creates its objects.
func (c *Controller) Namespace() string { return c.namespace }

func (c *Controller) client() (kubernetes.Interface, execFunc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cs != nil {
		return c.cs, c.exec, nil
	}
	cs, exec, err := c.connect()
	if err != nil {
		return nil, nil, err
	}
	c.cs, c.exec = cs, exec
	return cs, exec, nil
}

// ensureNamespace creates the namespace on first use unless it exists.
func (c *Controller) ensureNamespace(ctx context.Context, cs kubernetes.Interface) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nsReady {
		return nil
	}
	_, err := cs.CoreV1().Namespaces().Get(ctx, c.namespace, metav1.GetOptions{})
	switch {
	case err == nil:
	case apierrors.IsNotFound(err):
		ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{
			Name:        c.namespace,
			Labels:      c.nsLabels,
			Annotations: c.nsAnnotations,
		}}
		_, err = cs.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
		if err != nil && !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("create namespace %s: %w", c.namespace, err)
		}
		if err == nil {
			c.nsCreated = true
			logging.For("kubernetes").Info().Str("namespace", c.namespace).Msg("namespace created")
		}
	default:
		return fmt.Errorf("get namespace %s: %w", c.namespace, err)
	}
	c.nsReady = true
	return nil
}

// translate maps API status errors onto the shared error definitions.
func translate(err error) error {
	switch {
	case apierrors.IsNotFound(err):
		return fmt.Errorf("%w: %w", cerrdefs.ErrNotFound, err)
	case apierrors.IsAlreadyExists(err):
		return fmt.Errorf("%w: %w", cerrdefs.ErrAlreadyExists, err)
	case apierrors.IsConflict(err):
		return fmt.Errorf("%w: %w", cerrdefs.ErrConflict, err)
	}
	return err
}

type session struct {
	cs   kubernetes.Interface
	exec execFunc
	ns   string
}

func bind[T any](c *Controller, op string, fn func(ctx context.Context, s session) (T, error)) provider.Intent[T] {
	return provider.NewIntent(op, func(ctx context.Context) (T, error) {
		s, err := c.session(ctx, op)
		if err != nil {
			var zero T
			return zero, err
		}
		return fn(ctx, s)
	})
}

func bindStream(c *Controller, op string, fn func(ctx context.Context, s session) (io.ReadCloser, error)) provider.Intent[io.ReadCloser] {
	return provider.NewStreamIntent(op, func(ctx context.Context) (io.ReadCloser, error) {
		s, err := c.session(ctx, op)
		if err != nil {
			return nil, err
		}
		return fn(ctx, s)
	})
}

func (c *Controller) session(ctx context.Context, op string) (session, error) {
	cs, exec, err := c.client()
	if err != nil {
		return session{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := c.ensureNamespace(ctx, cs); err != nil {
		return session{}, fmt.Errorf("%s: %w", op, err)
	}
	return session{cs: cs, exec: exec, ns: c.namespace}, nil
}

func (s session) replicaSet(ctx context.Context, id string) (*appsv1.ReplicaSet, error) {
	rs, err := s.cs.AppsV1().ReplicaSets(s.ns).Get(ctx, id, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("container %s: %w", id, translate(err))
	}
	return rs, nil
}

// pod returns the container's current pod, or nil while it has none.
func (s session) pod(ctx context.Context, id string) (*corev1.Pod, error) {
	pods, err := s.cs.CoreV1().Pods(s.ns).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(labels.Set{idLabel: id}).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("list pods of %s: %w", id, err)
	}
	return newestPod(pods.Items), nil
}

func (s session) runningPod(ctx context.Context, id string) (*corev1.Pod, error) {
	pod, err := s.pod(ctx, id)
	if err != nil {
		return nil, err
	}
	if pod == nil {
		return nil, fmt.Errorf("container %s has no pod: %w", id, cerrdefs.ErrFailedPrecondition)
	}
	return pod, nil
}

func (s session) scale(ctx context.Context, id string, replicas int32) error {
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		rs, err := s.replicaSet(ctx, id)
		if err != nil {
			return err
		}
		rs.Spec.Replicas = &replicas
		_, err = s.cs.AppsV1().ReplicaSets(s.ns).Update(ctx, rs, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("scale %s to %d: %w", id, replicas, translate(err))
	}
	return nil
}

func (c *Controller) CreateContainer(cfg provider.ContainerConfig) provider.Intent[string] {
	return bind(c, "createContainer", func(ctx context.Context, s session) (string, error) {
		name := resourceName(cfg.Name)
		rs, mounts, err := toReplicaSet(name, cfg)
		if err != nil {
			return "", err
		}
		if _, err := s.cs.AppsV1().ReplicaSets(s.ns).Create(ctx, rs, metav1.CreateOptions{}); err != nil {
			return "", fmt.Errorf("create container from %s: %w", cfg.Image, translate(err))
		}
		if svc := toService(name, cfg.Labels, cfg.ExposedPorts, cfg.PortBindings); svc != nil {
			if _, err := s.cs.CoreV1().Services(s.ns).Create(ctx, svc, metav1.CreateOptions{}); err != nil {
				return "", fmt.Errorf("create service for %s: %w", name, translate(err))
			}
		}
		if err := s.createAliases(ctx, name, cfg.Labels, exposed(cfg.ExposedPorts, cfg.PortBindings), cfg.Aliases); err != nil {
			return "", err
		}
		if len(mounts) > 0 {
			c.mu.Lock()
			if c.hostMounts == nil {
				c.hostMounts = map[string][]hostMount{}
			}
			c.hostMounts[name] = mounts
			c.mu.Unlock()
		}
		return name, nil
	})
}

func (s session) createAliases(ctx context.Context, name string, lbls map[string]string, ports []nat.Port, aliases []string) error {
	log := logging.For("kubernetes")
	for _, a := range aliases {
		a = strings.ToLower(a)
		if !validAlias(a) {
			log.Warn().Str("container", name).Str("alias", a).Msg("alias is not a valid service name, skipped")
			continue
		}
		svc := toAliasService(a, name, lbls, ports)
		_, err := s.cs.CoreV1().Services(s.ns).Create(ctx, svc, metav1.CreateOptions{})
		if err != nil && !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("create alias %s for %s: %w", a, name, translate(err))
		}
	}
	return nil
}

// StartContainer scales the ReplicaSet up and fills emulated bind mounts.
func (c *Controller) StartContainer(id string) provider.Intent[struct{}] {
	return bind(c, "startContainer", func(ctx context.Context, s session) (struct{}, error) {
		if err := s.scale(ctx, id, 1); err != nil {
			return struct{}{}, err
		}
		c.mu.Lock()
		mounts := c.hostMounts[id]
		c.mu.Unlock()
		for _, m := range mounts {
			if err := s.uploadHostMount(ctx, id, m); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
}

// uploadHostMount waits for m's init container, copies the host path into
// its volume and then lets the init container exit.
func (s session) uploadHostMount(ctx context.Context, id string, m hostMount) error {
	var pod *corev1.Pod
	err := wait.PollUntilContextCancel(ctx, pollInterval, true, func(ctx context.Context) (bool, error) {
		p, err := s.pod(ctx, id)
		if err != nil || p == nil {
			return false, err
		}
		for _, st := range p.Status.InitContainerStatuses {
			if st.Name == m.container && st.State.Running != nil {
				pod = p
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("wait for %s of %s: %w", m.container, id, err)
	}

	archive, err := images.NewBuildContext().WithFile(m.entry, m.source).Archive(ctx)
	if err != nil {
		return err
	}
	defer archive.Close()
	code, _, stderr, err := runCaptured(ctx, s.exec, s.ns, pod.Name, m.container, []string{"tar", "-xf", "-", "-C", hostMountDir}, archive)
	if err != nil {
		return fmt.Errorf("upload %s to %s: %w", m.source, id, err)
	}
	if code != 0 {
		return execFailure("upload "+m.source, code, stderr)
	}
	// PID 1 exits while the exec session is open, so its error is expected.
	if _, _, _, err := runCaptured(ctx, s.exec, s.ns, pod.Name, m.container, []string{"kill", "-INT", "1"}, nil); err != nil {
		logging.For("kubernetes").Debug().Err(err).Str("container", id).Str("init", m.container).Msg("release init container")
	}
	return nil
}

func (c *Controller) InspectContainer(id string) provider.Intent[provider.ContainerInfo] {
	return bind(c, "inspectContainer", func(ctx context.Context, s session) (provider.ContainerInfo, error) {
		rs, err := s.replicaSet(ctx, id)
		if err != nil {
			return provider.ContainerInfo{}, err
		}
		pod, err := s.pod(ctx, id)
		if err != nil {
			return provider.ContainerInfo{}, err
		}
		svc, err := s.cs.CoreV1().Services(s.ns).Get(ctx, id, metav1.GetOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			return provider.ContainerInfo{}, fmt.Errorf("service of %s: %w", id, err)
		}
		if err != nil {
			svc = nil
		}
		info := provider.ContainerInfo{
			ID:       id,
			Name:     id,
			Labels:   rs.Labels,
			State:    podState(pod),
			Ports:    nodePorts(svc),
			Networks: map[string]string{},
		}
		if ctrs := rs.Spec.Template.Spec.Containers; len(ctrs) > 0 {
			info.Image = ctrs[0].Image
		}
		if pod != nil && pod.Status.PodIP != "" {
			info.Networks["cluster"] = pod.Status.PodIP
		}
		return info, nil
	})
}

func (c *Controller) ListContainers(filter provider.ListFilter) provider.Intent[[]provider.ContainerSummary] {
	return bind(c, "listContainers", func(ctx context.Context, s session) ([]provider.ContainerSummary, error) {
		list, err := s.cs.AppsV1().ReplicaSets(s.ns).List(ctx, metav1.ListOptions{
			LabelSelector: labels.SelectorFromSet(filter.Labels).String(),
		})
		if err != nil {
			return nil, fmt.Errorf("list containers: %w", err)
		}
		out := make([]provider.ContainerSummary, 0, len(list.Items))
		for _, rs := range list.Items {
			var replicas int32
			if rs.Spec.Replicas != nil {
				replicas = *rs.Spec.Replicas
			}
			if replicas == 0 && !filter.All {
				continue
			}
			sum := provider.ContainerSummary{ID: rs.Name, Names: []string{rs.Name}, Labels: rs.Labels, Status: "created"}
			if replicas > 0 {
				sum.Status = "starting"
				if rs.Status.ReadyReplicas > 0 {
					sum.Status = "running"
				}
			}
			if ctrs := rs.Spec.Template.Spec.Containers; len(ctrs) > 0 {
				sum.Image = ctrs[0].Image
			}
			out = append(out, sum)
		}
		return out, nil
	})
}

// StopContainer scales to zero and deletes the pods with timeout as their
// grace period.
func (c *Controller) StopContainer(id string, timeout time.Duration) provider.Intent[struct{}] {
	return bind(c, "stopContainer", func(ctx context.Context, s session) (struct{}, error) {
		if err := s.scale(ctx, id, 0); err != nil {
			return struct{}{}, err
		}
		grace := gracePeriod(timeout)
		sel := labels.SelectorFromSet(labels.Set{idLabel: id}).String()
		pods, err := s.cs.CoreV1().Pods(s.ns).List(ctx, metav1.ListOptions{LabelSelector: sel})
		if err != nil {
			return struct{}{}, fmt.Errorf("list pods of %s: %w", id, err)
		}
		for _, p := range pods.Items {
			err := s.cs.CoreV1().Pods(s.ns).Delete(ctx, p.Name, metav1.DeleteOptions{GracePeriodSeconds: &grace})
			if err != nil && !apierrors.IsNotFound(err) {
				return struct{}{}, fmt.Errorf("stop pod %s: %w", p.Name, err)
			}
		}
		err = wait.PollUntilContextCancel(ctx, pollInterval, true, func(ctx context.Context) (bool, error) {
			pods, err := s.cs.CoreV1().Pods(s.ns).List(ctx, metav1.ListOptions{LabelSelector: sel})
			if err != nil {
				return false, err
			}
			return len(pods.Items) == 0, nil
		})
		if err != nil {
			return struct{}{}, fmt.Errorf("stop container %s: %w", id, err)
		}
		return struct{}{}, nil
	})
}

// RemoveContainer deletes the ReplicaSet with its pods and services.
func (c *Controller) RemoveContainer(id string, _ bool) provider.Intent[struct{}] {
	return bind(c, "removeContainer", func(ctx context.Context, s session) (struct{}, error) {
		svcs, err := s.cs.CoreV1().Services(s.ns).List(ctx, metav1.ListOptions{
			LabelSelector: labels.SelectorFromSet(labels.Set{idLabel: id}).String(),
		})
		if err != nil {
			return struct{}{}, fmt.Errorf("list services of %s: %w", id, err)
		}
		for _, svc := range svcs.Items {
			err := s.cs.CoreV1().Services(s.ns).Delete(ctx, svc.Name, metav1.DeleteOptions{})
			if err != nil && !apierrors.IsNotFound(err) {
				return struct{}{}, fmt.Errorf("remove service %s: %w", svc.Name, err)
			}
		}
		policy := metav1.DeletePropagationBackground
		err = s.cs.AppsV1().ReplicaSets(s.ns).Delete(ctx, id, metav1.DeleteOptions{PropagationPolicy: &policy})
		if err != nil {
			return struct{}{}, fmt.Errorf("remove container %s: %w", id, translate(err))
		}
		c.mu.Lock()
		delete(c.hostMounts, id)
		c.mu.Unlock()
		return struct{}{}, nil
	})
}

func (c *Controller) WaitContainer(id string) provider.Intent[provider.WaitResult] {
	return bind(c, "waitContainer", func(ctx context.Context, s session) (provider.WaitResult, error) {
		var res provider.WaitResult
		err := wait.PollUntilContextCancel(ctx, pollInterval, true, func(ctx context.Context) (bool, error) {
			if _, err := s.replicaSet(ctx, id); err != nil {
				return false, err
			}
			pod, err := s.pod(ctx, id)
			if err != nil {
				return false, err
			}
			st := podState(pod)
			res.ExitCode = st.ExitCode
			return st.Exited(), nil
		})
		if err != nil {
			return res, fmt.Errorf("wait container %s: %w", id, err)
		}
		return res, nil
	})
}

func (c *Controller) LogContainer(id string, opts provider.LogOptions) provider.Intent[io.ReadCloser] {
	if opts.Stream == provider.LogStderr {
		// Pod logs interleave both streams.
		return provider.UnsupportedIntent[io.ReadCloser](Name, "logContainer(stderr)")
	}
	return bindStream(c, "logContainer", func(ctx context.Context, s session) (io.ReadCloser, error) {
		pod, err := s.runningPod(ctx, id)
		if err != nil {
			return nil, err
		}
		lo := &corev1.PodLogOptions{Container: mainContainer, Follow: opts.Follow}
		if !opts.Since.IsZero() {
			lo.SinceTime = &metav1.Time{Time: opts.Since}
		}
		if n, err := strconv.ParseInt(opts.Tail, 10, 64); err == nil && n >= 0 {
			lo.TailLines = &n
		}
		rc, err := s.cs.CoreV1().Pods(s.ns).GetLogs(pod.Name, lo).Stream(ctx)
		if err != nil {
			return nil, fmt.Errorf("logs of container %s: %w", id, translate(err))
		}
		return rc, nil
	})
}

func (c *Controller) ExecInContainer(id string, cmd []string, opts provider.ExecOptions) provider.Intent[provider.ExecResult] {
	return bind(c, "execInContainer", func(ctx context.Context, s session) (provider.ExecResult, error) {
		pod, err := s.runningPod(ctx, id)
		if err != nil {
			return provider.ExecResult{}, err
		}
		if opts.User != "" {
			logging.For("kubernetes").Warn().Str("container", id).Str("user", opts.User).Msg("exec user is not supported, running as the container user")
		}
		code, stdout, stderr, err := runCaptured(ctx, s.exec, s.ns, pod.Name, mainContainer, wrapCommand(cmd, opts.WorkingDir, opts.Env), nil)
		if err != nil {
			return provider.ExecResult{}, fmt.Errorf("exec in %s: %w", id, err)
		}
		return provider.ExecResult{ExitCode: code, Stdout: stdout, Stderr: stderr}, nil
	})
}

func (c *Controller) CopyArchiveToContainer(id, dir string, archive io.Reader) provider.Intent[struct{}] {
	return bind(c, "copyArchiveToContainer", func(ctx context.Context, s session) (struct{}, error) {
		pod, err := s.runningPod(ctx, id)
		if err != nil {
			return struct{}{}, err
		}
		code, _, stderr, err := runCaptured(ctx, s.exec, s.ns, pod.Name, mainContainer, []string{"tar", "-xf", "-", "-C", dir}, archive)
		if err != nil {
			return struct{}{}, fmt.Errorf("copy to %s:%s: %w", id, dir, err)
		}
		if code != 0 {
			return struct{}{}, execFailure(fmt.Sprintf("copy to %s:%s", id, dir), code, stderr)
		}
		return struct{}{}, nil
	})
}

// CopyArchiveFromContainer streams "tar -c" output from the container.
func (c *Controller) CopyArchiveFromContainer(id, p string) provider.Intent[io.ReadCloser] {
	return bindStream(c, "copyArchiveFromContainer", func(ctx context.Context, s session) (io.ReadCloser, error) {
		pod, err := s.runningPod(ctx, id)
		if err != nil {
			return nil, err
		}
		pr, pw := io.Pipe()
		go func() {
			var stderr bytes.Buffer
			cmd := []string{"tar", "-cf", "-", "-C", path.Dir(p), path.Base(p)}
			err := s.exec(ctx, s.ns, pod.Name, mainContainer, cmd, nil, pw, &stderr)
			var exit utilexec.ExitError
			switch {
			case errors.As(err, &exit):
				pw.CloseWithError(execFailure(fmt.Sprintf("copy from %s:%s", id, p), exit.ExitStatus(), stderr.Bytes()))
			case err != nil:
				pw.CloseWithError(fmt.Errorf("copy from %s:%s: %w", id, p, err))
			default:
				pw.Close()
			}
		}()
		return pr, nil
	})
}

// CreateNetwork only names the network: every pod shares the cluster network
// and aliases are served by headless services.
func (c *Controller) CreateNetwork(cfg provider.NetworkConfig) provider.Intent[string] {
	return provider.NewIntent("createNetwork", func(context.Context) (string, error) {
		if cfg.Name != "" {
			return cfg.Name, nil
		}
		return "sandpit-net-" + uuid.NewString()[:8], nil
	})
}

func (c *Controller) ConnectToNetwork(_, containerID string, aliases []string) provider.Intent[struct{}] {
	return bind(c, "connectToNetwork", func(ctx context.Context, s session) (struct{}, error) {
		rs, err := s.replicaSet(ctx, containerID)
		if err != nil {
			return struct{}{}, err
		}
		var ports []nat.Port
		for _, ctr := range rs.Spec.Template.Spec.Containers {
			for _, cp := range ctr.Ports {
				p, err := nat.NewPort(strings.ToLower(string(cp.Protocol)), strconv.Itoa(int(cp.ContainerPort)))
				if err == nil {
					ports = append(ports, p)
				}
			}
		}
		return struct{}{}, s.createAliases(ctx, containerID, rs.Labels, ports, aliases)
	})
}

// RemoveNetwork is a no-op; alias services go with their container.
func (c *Controller) RemoveNetwork(string) provider.Intent[struct{}] {
	return provider.NewIntent("removeNetwork", func(context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
}

// CheckAndPullImage is a no-op: the kubelet pulls images when pods start.
func (c *Controller) CheckAndPullImage(string, provider.PullOptions) provider.Intent[struct{}] {
	return provider.NewIntent("checkAndPullImage", func(context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
}

func (c *Controller) PullImage(ref string, _ provider.PullOptions) provider.Intent[struct{}] {
	return provider.NewIntent("pullImage", func(context.Context) (struct{}, error) {
		logging.For("kubernetes").Debug().Str("image", ref).Msg("image is pulled by the kubelet")
		return struct{}{}, nil
	})
}

func (c *Controller) InspectImage(string) provider.Intent[provider.ImageInfo] {
	return provider.UnsupportedIntent[provider.ImageInfo](Name, "inspectImage")
}

func (c *Controller) BuildImage(io.Reader, provider.BuildOptions) provider.Intent[string] {
	return provider.UnsupportedIntent[string](Name, "buildImage")
}

func (c *Controller) TagImage(string, string) provider.Intent[struct{}] {
	return provider.UnsupportedIntent[struct{}](Name, "tagImage")
}

func (c *Controller) RemoveImage(string) provider.Intent[struct{}] {
	return provider.UnsupportedIntent[struct{}](Name, "removeImage")
}

// Host returns the configured node port address, or the address of the
// first ready node.
func (c *Controller) Host(ctx context.Context) (string, error) {
	if c.nodePortAddr != "" {
		return c.nodePortAddr, nil
	}
	cs, _, err := c.client()
	if err != nil {
		return "", err
	}
	nodes, err := cs.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list nodes: %w", err)
	}
	for _, n := range nodes.Items {
		if !nodeReady(n) {
			continue
		}
		for _, t := range []corev1.NodeAddressType{corev1.NodeInternalIP, corev1.NodeExternalIP} {
			for _, a := range n.Status.Addresses {
				if a.Type == t && a.Address != "" {
					return a.Address, nil
				}
			}
		}
	}
	return "", errors.New("no ready node with an address; set " + config.KeyK8sNodePortAddress)
}

// Close deletes the namespace if this controller created it.
func (c *Controller) Close() error {
	c.mu.Lock()
	cs, created := c.cs, c.nsCreated
	c.nsCreated, c.nsReady = false, false
	c.mu.Unlock()
	if cs == nil || !created {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), namespaceDeleteTimeout)
	defer cancel()
	err := cs.CoreV1().Namespaces().Delete(ctx, c.namespace, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete namespace %s: %w", c.namespace, err)
	}
	logging.For("kubernetes").Info().Str("namespace", c.namespace).Msg("namespace deleted")
	return nil
}
