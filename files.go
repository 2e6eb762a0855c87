package sandpit

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
)

// CopyToContainer writes content to containerPath in a running container.
func (c *Container) CopyToContainer(ctx context.Context, content []byte, containerPath string, mode os.FileMode) error {
	id, err := c.running()
	if err != nil {
		return err
	}
	return c.copyIn(ctx, id, ContainerFile{Content: content, ContainerPath: containerPath, Mode: mode})
}

// CopyFileToContainer copies a host file or directory to containerPath.
func (c *Container) CopyFileToContainer(ctx context.Context, hostPath, containerPath string) error {
	id, err := c.running()
	if err != nil {
		return err
	}
	return c.copyIn(ctx, id, ContainerFile{HostPath: hostPath, ContainerPath: containerPath})
}

// CopyFileFromContainer calls fn with the content of the file at
// containerPath. The stream is closed when CopyFileFromContainer returns,
// whatever fn does.
func (c *Container) CopyFileFromContainer(ctx context.Context, containerPath string, fn func(r io.Reader) error) error {
	id, err := c.running()
	if err != nil {
		return err
	}
	rc, err := c.s.ctrl.CopyArchiveFromContainer(id, containerPath).Perform(ctx)
	if err != nil {
		return fmt.Errorf("copy from %s: %w", containerPath, err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	want := path.Base(path.Clean(containerPath))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("copy from %s: no regular file in archive", containerPath)
		}
		if err != nil {
			return fmt.Errorf("copy from %s: %w", containerPath, err)
		}
		if hdr.Typeflag != tar.TypeReg || path.Base(path.Clean(hdr.Name)) != want {
			continue
		}
		return fn(tr)
	}
}

// ReadFile returns the content of a file in the container.
func (c *Container) ReadFile(ctx context.Context, containerPath string) ([]byte, error) {
	var out []byte
	err := c.CopyFileFromContainer(ctx, containerPath, func(r io.Reader) error {
		var err error
		out, err = io.ReadAll(r)
		return err
	})
	return out, err
}
