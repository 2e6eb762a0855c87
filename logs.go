package sandpit

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dockhand/sandpit/provider"
)

// LogStream tells which output a LogFrame came from.
type LogStream = provider.LogStream

const (
	// LogCombined marks frames from backends that interleave both outputs.
	LogCombined = provider.LogCombined
	LogStdout   = provider.LogStdout
	LogStderr   = provider.LogStderr
)

// LogFrame is one line of container output, trailing newline included.
type LogFrame struct {
	Stream  LogStream
	Content string
}

// LogConsumer receives container output while the container runs. Consumers
// of one container are never called concurrently.
type LogConsumer func(LogFrame)

// WithLogConsumers streams the container's output to each consumer from the
// moment it starts until Stop.
func WithLogConsumers(consumers ...LogConsumer) Option {
	return func(s *ContainerSpec) { s.LogConsumers = append(s.LogConsumers, consumers...) }
}

// LogTo returns a consumer writing each line to l at debug level.
func LogTo(l *zerolog.Logger) LogConsumer {
	return func(f LogFrame) {
		stream := "stdout"
		switch f.Stream {
		case LogStderr:
			stream = "stderr"
		case LogCombined:
			stream = "combined"
		}
		l.Debug().Str("stream", stream).Msg(trimNewline(f.Content))
	}
}

func trimNewline(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		return s[:n-1]
	}
	return s
}

// followLogs starts feeding the log consumers from container id.
func (c *Container) followLogs(id string) {
	consumers := c.spec.LogConsumers
	if len(consumers) == 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	streams, err := c.openLogStreams(ctx, id)
	if err != nil {
		cancel()
		c.log.Warn().Err(err).Str("container", id).Msg("cannot follow container output")
		return
	}

	var wg sync.WaitGroup
	var deliver sync.Mutex
	for stream, rc := range streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			closeRC := sync.OnceValue(rc.Close)
			defer closeRC()
			stop := context.AfterFunc(ctx, func() { _ = closeRC() })
			defer stop()

			br := bufio.NewReader(rc)
			for {
				line, err := br.ReadString('\n')
				if line != "" {
					deliver.Lock()
					for _, fn := range consumers {
						fn(LogFrame{Stream: stream, Content: line})
					}
					deliver.Unlock()
				}
				if err != nil {
					return
				}
			}
		}()
	}

	c.mu.Lock()
	c.unfollow = func() {
		cancel()
		wg.Wait()
	}
	c.mu.Unlock()
}

// openLogStreams opens separate stdout and stderr streams, or one combined
// stream when the backend cannot split them.
func (c *Container) openLogStreams(ctx context.Context, id string) (map[LogStream]io.ReadCloser, error) {
	open := func(stream LogStream) (io.ReadCloser, error) {
		return c.s.ctrl.LogContainer(id, provider.LogOptions{Follow: true, Stream: stream}).Perform(ctx)
	}
	stdout, err := open(LogStdout)
	if err != nil {
		return nil, err
	}
	stderr, err := open(LogStderr)
	switch {
	case err == nil:
		return map[LogStream]io.ReadCloser{LogStdout: stdout, LogStderr: stderr}, nil
	case errors.Is(err, provider.ErrUnsupportedOperation):
		_ = stdout.Close()
		combined, err := open(LogCombined)
		if err != nil {
			return nil, err
		}
		return map[LogStream]io.ReadCloser{LogCombined: combined}, nil
	default:
		_ = stdout.Close()
		return nil, err
	}
}

// stopFollowing ends log delivery and waits for in-flight consumer calls.
func (c *Container) stopFollowing() {
	c.mu.Lock()
	f := c.unfollow
	c.unfollow = nil
	c.mu.Unlock()
	if f != nil {
		f()
	}
}
