package images

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DockerfileName is where the rendered Dockerfile lands in the archive.
const DockerfileName = "Dockerfile"

// ErrContextConsumed is returned by a second call to Archive.
var ErrContextConsumed = errors.New("build context already streamed")

type entry struct {
	path     string
	mode     int64
	content  []byte
	hostPath string
	lazy     *Lazy[[]byte]
}

// BuildContext is an ordered set of files to stream to an image build.
// It is read once: Archive may be called a single time.
type BuildContext struct {
	mu         sync.Mutex
	entries    []entry
	dockerfile *Lazy[string]
	consumed   bool
}

// NewBuildContext returns an empty context.
func NewBuildContext() *BuildContext { return &BuildContext{} }

// WithBytes adds content at p.
func (b *BuildContext) WithBytes(p string, content []byte, mode os.FileMode) *BuildContext {
	b.add(entry{path: p, mode: int64(mode.Perm()), content: content})
	return b
}

// WithString adds a text file at p.
func (b *BuildContext) WithString(p, content string) *BuildContext {
	return b.WithBytes(p, []byte(content), 0o644)
}

// WithFile adds a host file, or a host directory recursively, under p.
// The host path is read when the archive is streamed.
func (b *BuildContext) WithFile(p, hostPath string) *BuildContext {
	b.add(entry{path: p, hostPath: hostPath})
	return b
}

// WithLazy adds content computed on first use.
func (b *BuildContext) WithLazy(p string, content *Lazy[[]byte], mode os.FileMode) *BuildContext {
	b.add(entry{path: p, mode: int64(mode.Perm()), lazy: content})
	return b
}

// WithDockerfile renders df when the archive is streamed.
func (b *BuildContext) WithDockerfile(df *DockerfileBuilder) *BuildContext {
	return b.WithDockerfileLazy(NewLazy(func(context.Context) (string, error) {
		if err := df.Validate(); err != nil {
			return "", err
		}
		return df.Build(), nil
	}))
}

// WithDockerfileText uses literal Dockerfile content.
func (b *BuildContext) WithDockerfileText(text string) *BuildContext {
	return b.WithDockerfileLazy(Resolved(text))
}

func (b *BuildContext) WithDockerfileLazy(df *Lazy[string]) *BuildContext {
	b.mu.Lock()
	b.dockerfile = df
	b.mu.Unlock()
	return b
}

func (b *BuildContext) add(e entry) {
	e.path = cleanContextPath(e.path)
	b.mu.Lock()
	b.entries = append(b.entries, e)
	b.mu.Unlock()
}

// HasDockerfile reports whether a Dockerfile was set explicitly or added as a file.
func (b *BuildContext) HasDockerfile() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dockerfile != nil {
		return true
	}
	for _, e := range b.entries {
		if e.path == DockerfileName {
			return true
		}
	}
	return false
}

// Archive streams the context as a tar. Errors surface from the reader.
func (b *BuildContext) Archive(ctx context.Context) (io.ReadCloser, error) {
	b.mu.Lock()
	if b.consumed {
		b.mu.Unlock()
		return nil, ErrContextConsumed
	}
	b.consumed = true
	entries := append([]entry(nil), b.entries...)
	df := b.dockerfile
	b.mu.Unlock()

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeArchive(ctx, pw, entries, df))
	}()
	return pr, nil
}

func writeArchive(ctx context.Context, w io.Writer, entries []entry, df *Lazy[string]) error {
	tw := tar.NewWriter(w)
	now := time.Now()
	if df != nil {
		text, err := df.Resolve(ctx)
		if err != nil {
			return fmt.Errorf("render dockerfile: %w", err)
		}
		if err := writeBytes(tw, DockerfileName, []byte(text), 0o644, now); err != nil {
			return err
		}
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch {
		case e.hostPath != "":
			if err := writeHostPath(tw, e.path, e.hostPath); err != nil {
				return err
			}
		case e.lazy != nil:
			content, err := e.lazy.Resolve(ctx)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", e.path, err)
			}
			if err := writeBytes(tw, e.path, content, e.mode, now); err != nil {
				return err
			}
		default:
			if err := writeBytes(tw, e.path, e.content, e.mode, now); err != nil {
				return err
			}
		}
	}
	return tw.Close()
}

func writeBytes(tw *tar.Writer, name string, content []byte, mode int64, mtime time.Time) error {
	if mode == 0 {
		mode = 0o644
	}
	hdr := &tar.Header{Name: name, Mode: mode, Size: int64(len(content)), ModTime: mtime, Typeflag: tar.TypeReg}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("tar header %s: %w", name, err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("tar write %s: %w", name, err)
	}
	return nil
}

func writeHostPath(tw *tar.Writer, target, hostPath string) error {
	root, err := os.Stat(hostPath)
	if err != nil {
		return err
	}
	if !root.IsDir() {
		return writeHostFile(tw, target, hostPath, root)
	}
	return filepath.WalkDir(hostPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(hostPath, p)
		if err != nil {
			return err
		}
		name := cleanContextPath(path.Join(target, filepath.ToSlash(rel)))
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			if rel == "." && (target == "" || target == ".") {
				return nil
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = name + "/"
			return tw.WriteHeader(hdr)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return writeHostFile(tw, name, p, info)
	})
}

func writeHostFile(tw *tar.Writer, name, p string, info fs.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

func cleanContextPath(p string) string {
	p = path.Clean(filepath.ToSlash(p))
	return strings.TrimPrefix(p, "/")
}
