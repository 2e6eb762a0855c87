package docker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/dockhand/sandpit/provider"
)

func toCreateConfig(cfg provider.ContainerConfig) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range cfg.ExposedPorts {
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostPort: cfg.PortBindings[p]}}
	}
	for p, hostPort := range cfg.PortBindings {
		if _, ok := exposed[p]; ok {
			continue
		}
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostPort: hostPort}}
	}

	cc := &container.Config{
		Image:        cfg.Image,
		Entrypoint:   cfg.Entrypoint,
		Cmd:          cfg.Cmd,
		Env:          envList(cfg.Env),
		Labels:       cfg.Labels,
		ExposedPorts: exposed,
		WorkingDir:   cfg.WorkingDir,
		User:         cfg.User,
		Hostname:     cfg.Hostname,
	}
	hc := &container.HostConfig{
		PortBindings: bindings,
		Mounts:       toMounts(cfg.Mounts),
		Privileged:   cfg.Privileged,
		AutoRemove:   cfg.AutoRemove,
		ExtraHosts:   cfg.ExtraHosts,
	}
	var nc *network.NetworkingConfig
	if cfg.Network != "" {
		hc.NetworkMode = container.NetworkMode(cfg.Network)
		nc = &network.NetworkingConfig{EndpointsConfig: map[string]*network.EndpointSettings{
			cfg.Network: {Aliases: cfg.Aliases},
		}}
	}
	return cc, hc, nc
}

func toMounts(in []provider.Mount) []mount.Mount {
	if len(in) == 0 {
		return nil
	}
	out := make([]mount.Mount, 0, len(in))
	for _, m := range in {
		dm := mount.Mount{Source: m.Source, Target: m.Target, ReadOnly: m.Mode == provider.ReadOnly}
		switch m.Type {
		case provider.MountVolume:
			dm.Type = mount.TypeVolume
		case provider.MountTmpfs:
			dm.Type = mount.TypeTmpfs
			dm.Source = ""
		default:
			dm.Type = mount.TypeBind
		}
		out = append(out, dm)
	}
	return out
}

func toContainerInfo(resp container.InspectResponse) provider.ContainerInfo {
	info := provider.ContainerInfo{
		Ports:    map[nat.Port]int{},
		Networks: map[string]string{},
	}
	if base := resp.ContainerJSONBase; base != nil {
		info.ID = base.ID
		info.Name = strings.TrimPrefix(base.Name, "/")
		info.Image = base.Image
		if st := base.State; st != nil {
			info.State = provider.ContainerState{
				Status:     string(st.Status),
				Running:    st.Running,
				ExitCode:   st.ExitCode,
				StartedAt:  parseTime(st.StartedAt),
				FinishedAt: parseTime(st.FinishedAt),
			}
			if st.Health != nil {
				info.State.Health = string(st.Health.Status)
			}
		}
	}
	if resp.Config != nil {
		info.Labels = resp.Config.Labels
		if resp.Config.Image != "" {
			info.Image = resp.Config.Image
		}
	}
	if ns := resp.NetworkSettings; ns != nil {
		for p, bs := range ns.Ports {
			for _, b := range bs {
				if n, err := strconv.Atoi(b.HostPort); err == nil && n > 0 {
					info.Ports[p] = n
					break
				}
			}
		}
		for name, ep := range ns.Networks {
			if ep != nil {
				info.Networks[name] = ep.IPAddress
			}
		}
	}
	return info
}

// parsePlatform reads "os/arch[/variant]".
func parsePlatform(s string) (*ocispec.Platform, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 {
		return nil, fmt.Errorf("invalid platform %q: want os/arch[/variant]", s)
	}
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid platform %q: empty component", s)
		}
	}
	pl := &ocispec.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		pl.Variant = parts[2]
	}
	return pl, nil
}
