package metrics

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dockhand/sandpit/internal/logging"
)

// InfluxConfig selects the InfluxDB v2 write endpoint.
type InfluxConfig struct {
	URL      string
	Token    string
	Org      string
	Bucket   string
	Interval time.Duration
	// Session tags every point.
	Session string
}

// StartInfluxPusher pushes a snapshot every interval until ctx is done, plus
// a final one on the way out. It returns at once when URL or Bucket is empty.
func StartInfluxPusher(ctx context.Context, cfg InfluxConfig) {
	if cfg.URL == "" || cfg.Bucket == "" {
		return
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	log := logging.For("metrics")
	log.Info().Str("url", cfg.URL).Dur("interval", cfg.Interval).Msg("starting influxdb pusher")

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	client := &http.Client{Timeout: 5 * time.Second}
	q := url.Values{"org": {cfg.Org}, "bucket": {cfg.Bucket}, "precision": {"s"}}
	writeURL := strings.TrimRight(cfg.URL, "/") + "/api/v2/write?" + q.Encode()

	for {
		select {
		case <-ctx.Done():
			pushToInflux(client, writeURL, cfg.Token, cfg.Session)
			return
		case <-ticker.C:
			pushToInflux(client, writeURL, cfg.Token, cfg.Session)
		}
	}
}

// influxLine renders s in line protocol, e.g.
// sandpit,session=abc containers_started=3i,... 1678888888
func influxLine(s StatsSnapshot, session string, now time.Time) string {
	tags := ""
	if session != "" {
		tags = ",session=" + strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `).Replace(session)
	}
	return fmt.Sprintf(
		"sandpit%s containers_started=%di,container_failures=%di,image_pulls_success=%di,image_pulls_failure=%di,image_pull_retries=%di,image_builds=%di,reaper_removals=%di,cleanup_failed=%di %d",
		tags, s.ContainersStarted, s.ContainerFailures, s.ImagePullsSuccess, s.ImagePullsFailure,
		s.ImagePullRetries, s.ImageBuilds, s.ReaperRemovals, s.CleanupFailed, now.Unix(),
	)
}

func pushToInflux(client *http.Client, url, token, session string) {
	log := logging.For("metrics")
	line := influxLine(GetSnapshot(), session, time.Now())

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte(line)))
	if err != nil {
		log.Error().Err(err).Msg("influxdb request creation failed")
		return
	}
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := client.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("influxdb push failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Msg("influxdb rejected metrics")
	}
}
