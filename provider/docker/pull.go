package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/dockhand/sandpit/images"
	"github.com/dockhand/sandpit/internal/logging"
	"github.com/dockhand/sandpit/provider"
)

const defaultPauseTimeout = 30 * time.Second

func (c *Controller) pull(ctx context.Context, api dockerAPI, ref string, opts provider.PullOptions) error {
	log := logging.For("docker").With().Str("image", ref).Logger()
	rc, err := api.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: opts.RegistryAuth, Platform: opts.Platform})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer rc.Close()
	pause := c.pauseTimeout
	if pause <= 0 {
		pause = defaultPauseTimeout
	}
	if err := consumeProgress(ctx, rc, pause, func(m jsonmessage.JSONMessage) {
		if m.Status != "" && m.Progress == nil {
			log.Debug().Str("layer", m.ID).Msg(m.Status)
		}
	}); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	log.Info().Msg("image pulled")
	return nil
}

func messageError(m jsonmessage.JSONMessage) error {
	if m.Error != nil && m.Error.Message != "" {
		return errors.New(m.Error.Message)
	}
	if m.ErrorMessage != "" {
		return errors.New(m.ErrorMessage)
	}
	return nil
}

// consumeProgress decodes a JSON progress stream until it ends. It fails with
// images.ErrPullStalled when no message arrives within pause.
func consumeProgress(ctx context.Context, rc io.ReadCloser, pause time.Duration, each func(jsonmessage.JSONMessage)) error {
	msgs := make(chan jsonmessage.JSONMessage)
	done := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		dec := json.NewDecoder(rc)
		for {
			var m jsonmessage.JSONMessage
			if err := dec.Decode(&m); err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				done <- err
				return
			}
			select {
			case msgs <- m:
			case <-stop:
				return
			}
		}
	}()

	timer := time.NewTimer(pause)
	defer timer.Stop()
	for {
		select {
		case m := <-msgs:
			if err := messageError(m); err != nil {
				return err
			}
			each(m)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(pause)
		case err := <-done:
			return err
		case <-timer.C:
			_ = rc.Close()
			return fmt.Errorf("%w: no progress for %s", images.ErrPullStalled, pause)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// readBuildStream drains a build response and returns the image ID reported
// in the aux message, if any.
func readBuildStream(r io.Reader) (string, error) {
	log := logging.For("docker")
	dec := json.NewDecoder(r)
	var id string
	for {
		var m jsonmessage.JSONMessage
		if err := dec.Decode(&m); err != nil {
			if errors.Is(err, io.EOF) {
				return id, nil
			}
			return id, fmt.Errorf("decode build output: %w", err)
		}
		if err := messageError(m); err != nil {
			return id, err
		}
		if m.Stream != "" {
			log.Debug().Msg(strings.TrimRight(m.Stream, "\r\n"))
		}
		if m.Aux != nil {
			var aux struct {
				ID string `json:"ID"`
			}
			if err := json.Unmarshal(*m.Aux, &aux); err == nil && aux.ID != "" {
				id = aux.ID
			}
		}
	}
}
