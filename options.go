package sandpit

import (
	"os"
	"time"

	"github.com/docker/go-connections/nat"

	"github.com/dockhand/sandpit/images"
	"github.com/dockhand/sandpit/provider"
	"github.com/dockhand/sandpit/wait"
)

// Mount is one {source, target, mode} entry.
type Mount = provider.Mount

const (
	ReadWrite = provider.ReadWrite
	ReadOnly  = provider.ReadOnly
)

// BindMount mounts a host path.
func BindMount(hostPath, target string, mode provider.AccessMode) Mount {
	return Mount{Type: provider.MountBind, Source: hostPath, Target: target, Mode: mode}
}

// VolumeMount mounts a named volume, created on first use.
func VolumeMount(name, target string, mode provider.AccessMode) Mount {
	return Mount{Type: provider.MountVolume, Source: name, Target: target, Mode: mode}
}

// TmpfsMount mounts an in-memory filesystem at target.
func TmpfsMount(target string) Mount {
	return Mount{Type: provider.MountTmpfs, Target: target}
}

// ContainerFile is copied into the container after create and before start.
// Exactly one of HostPath and Content is used; HostPath wins.
type ContainerFile struct {
	HostPath      string
	Content       []byte
	ContainerPath string
	Mode          os.FileMode
}

type networkAttachment struct {
	network *Network
	aliases []string
}

// ContainerSpec describes a container. It is usually assembled with Options.
type ContainerSpec struct {
	Image string
	// FromDockerfile builds the image instead of pulling Image.
	FromDockerfile *images.ImageFromDockerfile
	// CompatibleWith guards substituted images: the resolved image must be
	// one of these families.
	CompatibleWith []string
	PullPolicy     images.PullPolicy

	Name         string
	Entrypoint   []string
	Cmd          []string
	Env          map[string]string
	Labels       map[string]string
	ExposedPorts []nat.Port
	PortBindings map[nat.Port]string
	Mounts       []Mount
	Files        []ContainerFile
	Privileged   bool
	WorkingDir   string
	User         string
	Hostname     string
	ExtraHosts   []string
	Platform     string

	WaitingFor      wait.Strategy
	StartupTimeout  time.Duration
	StartupAttempts int

	// DependsOn are started, concurrently, before this container.
	DependsOn    []*Container
	LogConsumers []LogConsumer

	networks []networkAttachment
}

// Option configures a ContainerSpec.
type Option func(*ContainerSpec)

func WithImage(image string) Option { return func(s *ContainerSpec) { s.Image = image } }

// WithDockerfile builds the image from img on first start.
func WithDockerfile(img *images.ImageFromDockerfile) Option {
	return func(s *ContainerSpec) { s.FromDockerfile = img }
}

// WithImageCompatibleWith rejects substituted images outside families.
func WithImageCompatibleWith(families ...string) Option {
	return func(s *ContainerSpec) { s.CompatibleWith = append(s.CompatibleWith, families...) }
}

func WithPullPolicy(p images.PullPolicy) Option { return func(s *ContainerSpec) { s.PullPolicy = p } }

func WithName(name string) Option { return func(s *ContainerSpec) { s.Name = name } }

func WithEntrypoint(args ...string) Option { return func(s *ContainerSpec) { s.Entrypoint = args } }

func WithCmd(args ...string) Option { return func(s *ContainerSpec) { s.Cmd = args } }

func WithEnv(key, value string) Option {
	return func(s *ContainerSpec) {
		if s.Env == nil {
			s.Env = map[string]string{}
		}
		s.Env[key] = value
	}
}

func WithLabels(labels map[string]string) Option {
	return func(s *ContainerSpec) {
		if s.Labels == nil {
			s.Labels = map[string]string{}
		}
		for k, v := range labels {
			s.Labels[k] = v
		}
	}
}

// WithExposedPorts exposes container ports such as "8080" or "53/udp". Each
// one gets a dynamically allocated host port.
func WithExposedPorts(ports ...string) Option {
	return func(s *ContainerSpec) {
		for _, p := range ports {
			proto, port := nat.SplitProtoPort(p)
			s.ExposedPorts = append(s.ExposedPorts, nat.Port(port+"/"+proto))
		}
	}
}

// WithPortBinding pins the host side of a container port, e.g.
// WithPortBinding("5432", "127.0.0.1:15432").
func WithPortBinding(containerPort, host string) Option {
	return func(s *ContainerSpec) {
		proto, port := nat.SplitProtoPort(containerPort)
		p := nat.Port(port + "/" + proto)
		if s.PortBindings == nil {
			s.PortBindings = map[nat.Port]string{}
		}
		s.PortBindings[p] = host
		for _, e := range s.ExposedPorts {
			if e == p {
				return
			}
		}
		s.ExposedPorts = append(s.ExposedPorts, p)
	}
}

func WithMounts(mounts ...Mount) Option {
	return func(s *ContainerSpec) { s.Mounts = append(s.Mounts, mounts...) }
}

// WithFile copies a host file or directory into the container before start.
func WithFile(hostPath, containerPath string) Option {
	return func(s *ContainerSpec) {
		s.Files = append(s.Files, ContainerFile{HostPath: hostPath, ContainerPath: containerPath})
	}
}

// WithFileContent writes content to containerPath before start.
func WithFileContent(content []byte, containerPath string, mode os.FileMode) Option {
	return func(s *ContainerSpec) {
		s.Files = append(s.Files, ContainerFile{Content: content, ContainerPath: containerPath, Mode: mode})
	}
}

// WithNetwork attaches the container to n under aliases. The first network
// is joined at create time, the rest before start.
func WithNetwork(n *Network, aliases ...string) Option {
	return func(s *ContainerSpec) {
		s.networks = append(s.networks, networkAttachment{network: n, aliases: aliases})
	}
}

func WithPrivileged() Option { return func(s *ContainerSpec) { s.Privileged = true } }

func WithWorkingDir(dir string) Option { return func(s *ContainerSpec) { s.WorkingDir = dir } }

func WithUser(user string) Option { return func(s *ContainerSpec) { s.User = user } }

func WithHostname(name string) Option { return func(s *ContainerSpec) { s.Hostname = name } }

// WithExtraHosts adds "host:ip" entries to the container's hosts file.
func WithExtraHosts(hosts ...string) Option {
	return func(s *ContainerSpec) { s.ExtraHosts = append(s.ExtraHosts, hosts...) }
}

func WithPlatform(platform string) Option { return func(s *ContainerSpec) { s.Platform = platform } }

// WithWaitStrategy replaces the default readiness check, which waits for all
// exposed ports to accept connections.
func WithWaitStrategy(st wait.Strategy) Option { return func(s *ContainerSpec) { s.WaitingFor = st } }

// WithStartupTimeout bounds the wait strategy unless it has its own timeout.
func WithStartupTimeout(d time.Duration) Option {
	return func(s *ContainerSpec) { s.StartupTimeout = d }
}

// WithDependsOn starts deps before the container. Dependencies already
// running are left alone; they are not stopped with the container.
func WithDependsOn(deps ...*Container) Option {
	return func(s *ContainerSpec) { s.DependsOn = append(s.DependsOn, deps...) }
}

// WithStartupAttempts retries a failed start up to n times in total. The
// failed container is removed before the next attempt.
func WithStartupAttempts(n int) Option { return func(s *ContainerSpec) { s.StartupAttempts = n } }
