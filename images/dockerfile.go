package images

import (
	"fmt"
	"sort"
	"strings"
)

// DockerfileBuilder assembles a Dockerfile line by line.
//
//	df := images.NewDockerfile().From("alpine:3.20").Run("apk add curl").Cmd("curl", "--version")
type DockerfileBuilder struct {
	lines []string
	from  bool
}

// NewDockerfile returns an empty builder.
func NewDockerfile() *DockerfileBuilder { return &DockerfileBuilder{} }

func (b *DockerfileBuilder) addLine(format string, args ...any) *DockerfileBuilder {
	b.lines = append(b.lines, fmt.Sprintf(format, args...))
	return b
}

func (b *DockerfileBuilder) From(image string) *DockerfileBuilder {
	b.from = true
	return b.addLine("FROM %s", image)
}

func (b *DockerfileBuilder) Run(cmd string) *DockerfileBuilder { return b.addLine("RUN %s", cmd) }

func (b *DockerfileBuilder) Copy(src, dst string) *DockerfileBuilder {
	return b.addLine("COPY %s %s", src, dst)
}

func (b *DockerfileBuilder) Env(key, value string) *DockerfileBuilder {
	return b.addLine("ENV %s=%s", key, quoteIfNeeded(value))
}

// Label adds one LABEL line per key, sorted.
func (b *DockerfileBuilder) Label(labels map[string]string) *DockerfileBuilder {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.addLine("LABEL %s=%q", k, labels[k])
	}
	return b
}

func (b *DockerfileBuilder) Expose(ports ...string) *DockerfileBuilder {
	return b.addLine("EXPOSE %s", strings.Join(ports, " "))
}

func (b *DockerfileBuilder) Entrypoint(args ...string) *DockerfileBuilder {
	return b.addLine("ENTRYPOINT %s", execForm(args))
}

func (b *DockerfileBuilder) Cmd(args ...string) *DockerfileBuilder {
	return b.addLine("CMD %s", execForm(args))
}

func (b *DockerfileBuilder) Workdir(dir string) *DockerfileBuilder {
	return b.addLine("WORKDIR %s", dir)
}

func (b *DockerfileBuilder) User(user string) *DockerfileBuilder { return b.addLine("USER %s", user) }

// Raw appends an arbitrary instruction.
func (b *DockerfileBuilder) Raw(line string) *DockerfileBuilder { return b.addLine("%s", line) }

// Validate requires a FROM instruction.
func (b *DockerfileBuilder) Validate() error {
	if !b.from {
		return fmt.Errorf("dockerfile has no FROM instruction")
	}
	return nil
}

// Build renders the Dockerfile.
func (b *DockerfileBuilder) Build() string {
	return strings.Join(b.lines, "\n") + "\n"
}

func execForm(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = fmt.Sprintf("%q", a)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func quoteIfNeeded(v string) string {
	if v == "" || strings.ContainsAny(v, " \t\"'$") {
		return fmt.Sprintf("%q", v)
	}
	return v
}
