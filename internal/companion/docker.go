package companion

import (
	"context"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
)

// dockerAPI is the subset of the docker client the pruner needs.
type dockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	NetworksPrune(ctx context.Context, pruneFilter filters.Args) (network.PruneReport, error)
	VolumesPrune(ctx context.Context, pruneFilter filters.Args) (volume.PruneReport, error)
	ImagesPrune(ctx context.Context, pruneFilter filters.Args) (image.PruneReport, error)
}

// DockerPruner prunes through the Docker Engine API.
type DockerPruner struct {
	api dockerAPI
}

// NewDockerPruner connects using the standard DOCKER_* environment.
func NewDockerPruner() (*DockerPruner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerPruner{api: cli}, nil
}

func labelArgs(f Filter) filters.Args {
	args := filters.NewArgs()
	for _, sel := range f.Selectors() {
		args.Add("label", sel)
	}
	return args
}

func (p *DockerPruner) RemoveContainers(ctx context.Context, f Filter) (int, error) {
	list, err := p.api.ContainerList(ctx, container.ListOptions{All: true, Filters: labelArgs(f)})
	if err != nil {
		return 0, fmt.Errorf("list containers: %w", err)
	}
	removed := 0
	var firstErr error
	for _, c := range list {
		err := p.api.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		switch {
		case err == nil:
			removed++
		case cerrdefs.IsNotFound(err) || cerrdefs.IsConflict(err):
			// gone already, or removal in progress
		case firstErr == nil:
			firstErr = fmt.Errorf("remove container %s: %w", c.ID, err)
		}
	}
	return removed, firstErr
}

func (p *DockerPruner) PruneNetworks(ctx context.Context, f Filter) (int, error) {
	rep, err := p.api.NetworksPrune(ctx, labelArgs(f))
	if err != nil {
		return 0, fmt.Errorf("prune networks: %w", err)
	}
	return len(rep.NetworksDeleted), nil
}

func (p *DockerPruner) PruneVolumes(ctx context.Context, f Filter) (int, error) {
	args := labelArgs(f)
	// named volumes are skipped by prune unless all=true
	args.Add("all", "true")
	rep, err := p.api.VolumesPrune(ctx, args)
	if err != nil {
		return 0, fmt.Errorf("prune volumes: %w", err)
	}
	return len(rep.VolumesDeleted), nil
}

func (p *DockerPruner) PruneImages(ctx context.Context, f Filter) (int, error) {
	args := labelArgs(f)
	args.Add("dangling", "false")
	rep, err := p.api.ImagesPrune(ctx, args)
	if err != nil {
		return 0, fmt.Errorf("prune images: %w", err)
	}
	return len(rep.ImagesDeleted), nil
}
