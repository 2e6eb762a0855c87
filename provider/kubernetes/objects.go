package kubernetes

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/dockhand/sandpit/provider"
)

const (
	mainContainer = "main"

	// idLabel ties a ReplicaSet to its pods and services.
	idLabel = "org.sandpit.k8s-id"

	hostMountImage = "busybox:1.36"
	hostMountDir   = "/mnt/dest"
	// hostMountScript keeps the init container alive until the upload is done.
	hostMountScript = "trap 'exit 0' TERM INT; sleep infinity & wait"
)

// hostMount is a bind mount emulated by an emptyDir that an init container
// fills from the host before the main container starts.
type hostMount struct {
	container string
	source    string
	// entry is the archive path inside hostMountDir.
	entry string
}

// failedWaiting are waiting reasons from which a pod does not recover alone.
var failedWaiting = map[string]bool{
	"ErrImagePull":               true,
	"ImagePullBackOff":           true,
	"InvalidImageName":           true,
	"CreateContainerConfigError": true,
	"CreateContainerError":       true,
	"CrashLoopBackOff":           true,
}

// resourceName turns a container name into a DNS-1035 label usable for both
// the ReplicaSet and its Service.
func resourceName(name string) string {
	n := strings.ToLower(strings.TrimPrefix(name, "/"))
	if n != "" && len(validation.IsDNS1035Label(n)) == 0 {
		return n
	}
	return "sandpit-" + uuid.NewString()[:8]
}

func validAlias(a string) bool {
	return len(validation.IsDNS1035Label(a)) == 0
}

func objectLabels(name string, user map[string]string) map[string]string {
	out := make(map[string]string, len(user)+1)
	for k, v := range user {
		out[k] = v
	}
	out[idLabel] = name
	return out
}

// toReplicaSet describes cfg as a ReplicaSet scaled to zero. Starting the
// container scales it to one.
func toReplicaSet(name string, cfg provider.ContainerConfig) (*appsv1.ReplicaSet, []hostMount, error) {
	labels := objectLabels(name, cfg.Labels)
	ctr := corev1.Container{
		Name:       mainContainer,
		Image:      cfg.Image,
		Command:    cfg.Entrypoint,
		Args:       cfg.Cmd,
		Env:        envVars(cfg.Env),
		Ports:      containerPorts(cfg.ExposedPorts, cfg.PortBindings),
		WorkingDir: cfg.WorkingDir,
	}
	sc := &corev1.SecurityContext{}
	if cfg.Privileged {
		sc.Privileged = &cfg.Privileged
	}
	if cfg.User != "" {
		uid, err := strconv.ParseInt(strings.SplitN(cfg.User, ":", 2)[0], 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("user %q: only numeric user IDs are supported", cfg.User)
		}
		sc.RunAsUser = &uid
	}
	if sc.Privileged != nil || sc.RunAsUser != nil {
		ctr.SecurityContext = sc
	}

	pod := corev1.PodSpec{RestartPolicy: corev1.RestartPolicyAlways}
	var mounts []hostMount
	for i, m := range cfg.Mounts {
		vol := corev1.Volume{VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}}
		vm := corev1.VolumeMount{MountPath: m.Target, ReadOnly: m.Mode == provider.ReadOnly}
		switch m.Type {
		case provider.MountBind:
			vol.Name = fmt.Sprintf("hostmount-%d", i)
			info, err := os.Stat(m.Source)
			if err != nil {
				return nil, nil, fmt.Errorf("bind mount %s: %w", m.Source, err)
			}
			hm := hostMount{container: vol.Name, source: m.Source, entry: "."}
			if !info.IsDir() {
				hm.entry = path.Base(m.Target)
				vm.SubPath = hm.entry
			}
			mounts = append(mounts, hm)
			pod.InitContainers = append(pod.InitContainers, corev1.Container{
				Name:         vol.Name,
				Image:        hostMountImage,
				Command:      []string{"sh", "-c", hostMountScript},
				VolumeMounts: []corev1.VolumeMount{{Name: vol.Name, MountPath: hostMountDir}},
			})
		case provider.MountVolume:
			vol.Name = fmt.Sprintf("volume-%d", i)
		case provider.MountTmpfs:
			vol.Name = fmt.Sprintf("tmpfs-%d", i)
			vol.EmptyDir.Medium = corev1.StorageMediumMemory
		default:
			return nil, nil, fmt.Errorf("mount %s: unsupported type %s", m.Target, m.Type)
		}
		vm.Name = vol.Name
		pod.Volumes = append(pod.Volumes, vol)
		ctr.VolumeMounts = append(ctr.VolumeMounts, vm)
	}
	pod.Containers = []corev1.Container{ctr}

	if cfg.Hostname != "" && len(validation.IsDNS1123Label(cfg.Hostname)) == 0 {
		pod.Hostname = cfg.Hostname
	}
	aliases, err := hostAliases(cfg.ExtraHosts)
	if err != nil {
		return nil, nil, err
	}
	pod.HostAliases = aliases
	selector, err := nodeSelector(cfg.Platform)
	if err != nil {
		return nil, nil, err
	}
	pod.NodeSelector = selector

	replicas := int32(0)
	rs := &appsv1.ReplicaSet{
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels},
		Spec: appsv1.ReplicaSetSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{idLabel: name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       pod,
			},
		},
	}
	return rs, mounts, nil
}

func envVars(env map[string]string) []corev1.EnvVar {
	if len(env) == 0 {
		return nil
	}
	out := make([]corev1.EnvVar, 0, len(env))
	for k, v := range env {
		out = append(out, corev1.EnvVar{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// exposed merges ExposedPorts with ports that only appear in PortBindings.
func exposed(ports []nat.Port, bindings map[nat.Port]string) []nat.Port {
	seen := make(map[nat.Port]bool, len(ports)+len(bindings))
	var out []nat.Port
	for _, p := range ports {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for p := range bindings {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func protocol(p nat.Port) corev1.Protocol {
	return corev1.Protocol(strings.ToUpper(p.Proto()))
}

func portName(p nat.Port) string {
	return strings.ToLower(p.Proto()) + "-" + p.Port()
}

func containerPorts(ports []nat.Port, bindings map[nat.Port]string) []corev1.ContainerPort {
	var out []corev1.ContainerPort
	for _, p := range exposed(ports, bindings) {
		out = append(out, corev1.ContainerPort{Name: portName(p), ContainerPort: int32(p.Int()), Protocol: protocol(p)})
	}
	return out
}

// toService publishes every port through a NodePort. A binding of the form
// "port" or "ip:port" pins the node port.
func toService(name string, labels map[string]string, ports []nat.Port, bindings map[nat.Port]string) *corev1.Service {
	all := exposed(ports, bindings)
	if len(all) == 0 {
		return nil
	}
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: objectLabels(name, labels)},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeNodePort,
			Selector: map[string]string{idLabel: name},
		},
	}
	for _, p := range all {
		sp := corev1.ServicePort{
			Name:       portName(p),
			Protocol:   protocol(p),
			Port:       int32(p.Int()),
			TargetPort: intstr.FromInt32(int32(p.Int())),
		}
		if b := bindings[p]; b != "" {
			if i := strings.LastIndex(b, ":"); i >= 0 {
				b = b[i+1:]
			}
			if n, err := strconv.Atoi(b); err == nil && n > 0 {
				sp.NodePort = int32(n)
			}
		}
		svc.Spec.Ports = append(svc.Spec.Ports, sp)
	}
	return svc
}

// toAliasService is a headless service resolving alias to the container's pod.
func toAliasService(alias, name string, labels map[string]string, ports []nat.Port) *corev1.Service {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: alias, Labels: objectLabels(name, labels)},
		Spec: corev1.ServiceSpec{
			ClusterIP: corev1.ClusterIPNone,
			Selector:  map[string]string{idLabel: name},
		},
	}
	for _, p := range ports {
		svc.Spec.Ports = append(svc.Spec.Ports, corev1.ServicePort{
			Name:       portName(p),
			Protocol:   protocol(p),
			Port:       int32(p.Int()),
			TargetPort: intstr.FromInt32(int32(p.Int())),
		})
	}
	return svc
}

func hostAliases(extra []string) ([]corev1.HostAlias, error) {
	byIP := map[string][]string{}
	var order []string
	for _, e := range extra {
		host, ip, ok := strings.Cut(e, ":")
		if !ok || host == "" || ip == "" {
			return nil, fmt.Errorf("extra host %q: want host:ip", e)
		}
		if _, seen := byIP[ip]; !seen {
			order = append(order, ip)
		}
		byIP[ip] = append(byIP[ip], host)
	}
	var out []corev1.HostAlias
	for _, ip := range order {
		out = append(out, corev1.HostAlias{IP: ip, Hostnames: byIP[ip]})
	}
	return out, nil
}

// nodeSelector pins pods to nodes of the requested "os/arch[/variant]".
func nodeSelector(platform string) (map[string]string, error) {
	if platform == "" {
		return nil, nil
	}
	parts := strings.Split(platform, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid platform %q: want os/arch[/variant]", platform)
	}
	return map[string]string{
		corev1.LabelOSStable:   parts[0],
		corev1.LabelArchStable: parts[1],
	}, nil
}

// podState maps the main container's status onto the provider state model.
// A nil pod means the ReplicaSet has not been scaled up yet.
func podState(pod *corev1.Pod) provider.ContainerState {
	if pod == nil {
		return provider.ContainerState{Status: "created"}
	}
	st := provider.ContainerState{Status: "created"}
	switch pod.Status.Phase {
	case corev1.PodSucceeded, corev1.PodFailed:
		st.Status = string(pod.Status.Phase)
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name != mainContainer {
			continue
		}
		switch {
		case cs.State.Running != nil:
			st.Status = "running"
			st.Running = true
			st.StartedAt = cs.State.Running.StartedAt.Time
			if cs.Ready {
				st.Health = "healthy"
			}
		case cs.State.Terminated != nil:
			t := cs.State.Terminated
			st.Status = "exited"
			st.ExitCode = int(t.ExitCode)
			st.StartedAt = t.StartedAt.Time
			st.FinishedAt = t.FinishedAt.Time
		case cs.State.Waiting != nil && failedWaiting[cs.State.Waiting.Reason]:
			st.Status = "dead"
			if t := cs.LastTerminationState.Terminated; t != nil {
				st.ExitCode = int(t.ExitCode)
				st.FinishedAt = t.FinishedAt.Time
			}
		}
	}
	return st
}

// newestPod picks the most recent pod that is not being deleted.
func newestPod(pods []corev1.Pod) *corev1.Pod {
	var best *corev1.Pod
	for i := range pods {
		p := &pods[i]
		if p.DeletionTimestamp != nil {
			continue
		}
		if best == nil || p.CreationTimestamp.After(best.CreationTimestamp.Time) {
			best = p
		}
	}
	return best
}

func nodePorts(svc *corev1.Service) map[nat.Port]int {
	out := map[nat.Port]int{}
	if svc == nil {
		return out
	}
	for _, sp := range svc.Spec.Ports {
		if sp.NodePort == 0 {
			continue
		}
		p, err := nat.NewPort(strings.ToLower(string(sp.Protocol)), strconv.Itoa(int(sp.Port)))
		if err != nil {
			continue
		}
		out[p] = int(sp.NodePort)
	}
	return out
}

func nodeReady(n corev1.Node) bool {
	for _, c := range n.Status.Conditions {
		if c.Type == corev1.NodeReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

// gracePeriod rounds a stop timeout up to whole seconds.
func gracePeriod(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}
