package provider

import (
	"time"

	"github.com/docker/go-connections/nat"
)

// MountType selects how a Mount source is interpreted.
type MountType int

const (
	// MountBind mounts a host path.
	MountBind MountType = iota
	// MountVolume mounts a named volume, created on demand.
	MountVolume
	// MountTmpfs mounts an in-memory filesystem; Source is ignored.
	MountTmpfs
)

func (t MountType) String() string {
	switch t {
	case MountBind:
		return "bind"
	case MountVolume:
		return "volume"
	case MountTmpfs:
		return "tmpfs"
	}
	return "unknown"
}

// AccessMode of a mount.
type AccessMode int

const (
	ReadWrite AccessMode = iota
	ReadOnly
)

// Mount is one {source, target, mode} entry.
type Mount struct {
	Type   MountType
	Source string
	Target string
	Mode   AccessMode
}

// ContainerConfig is the backend-neutral description of a container to create.
type ContainerConfig struct {
	Name       string
	Image      string
	Entrypoint []string
	Cmd        []string
	Env        map[string]string
	Labels     map[string]string
	// ExposedPorts are container-side ports. Ports without an entry in
	// PortBindings get a dynamically allocated host port.
	ExposedPorts []nat.Port
	PortBindings map[nat.Port]string
	Mounts       []Mount
	// Network is the primary network; Aliases apply to it.
	Network    string
	Aliases    []string
	Privileged bool
	WorkingDir string
	User       string
	Hostname   string
	AutoRemove bool
	ExtraHosts []string
	Platform   string
}

// ContainerState is the backend-reported runtime state.
type ContainerState struct {
	Status     string
	Running    bool
	ExitCode   int
	Health     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Exited reports whether the container has stopped for good.
func (s ContainerState) Exited() bool {
	if s.Running {
		return false
	}
	switch s.Status {
	case "exited", "dead", "removing", "Failed", "Succeeded":
		return true
	}
	return false
}

// ContainerInfo is the result of inspecting a container.
type ContainerInfo struct {
	ID     string
	Name   string
	Image  string
	Labels map[string]string
	State  ContainerState
	// Ports maps container ports to the first bound host port.
	Ports map[nat.Port]int
	// Networks maps network names to the container's address on them.
	Networks map[string]string
}

// ContainerSummary is one entry of a container listing.
type ContainerSummary struct {
	ID     string
	Names  []string
	Image  string
	Labels map[string]string
	Status string
}

// ListFilter restricts a container listing to containers carrying every label.
type ListFilter struct {
	Labels map[string]string
	All    bool
}

// ExecOptions tune a command executed inside a container.
type ExecOptions struct {
	User       string
	WorkingDir string
	Env        []string
}

// ExecResult is the captured outcome of an exec.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// LogOptions select container output.
type LogOptions struct {
	Follow bool
	Since  time.Time
	Tail   string
	Stream LogStream
}

// LogStream selects which output a log intent returns.
type LogStream int

const (
	// LogCombined interleaves stdout and stderr.
	LogCombined LogStream = iota
	LogStdout
	LogStderr
)

// PullOptions are passed through to the registry pull.
type PullOptions struct {
	RegistryAuth string
	Platform     string
}

// ImageInfo is the result of inspecting a local image.
type ImageInfo struct {
	ID       string
	RepoTags []string
	Labels   map[string]string
	Created  time.Time
}

// BuildOptions for an image build from an archive.
type BuildOptions struct {
	Tags       []string
	Dockerfile string
	BuildArgs  map[string]*string
	Labels     map[string]string
	Target     string
	Pull       bool
	NoCache    bool
	Platform   string
}

// NetworkConfig describes a user-defined network.
type NetworkConfig struct {
	Name       string
	Driver     string
	Labels     map[string]string
	Internal   bool
	Attachable bool
	EnableIPv6 bool
}

// WaitResult reports how a container ended.
type WaitResult struct {
	ExitCode int
}
