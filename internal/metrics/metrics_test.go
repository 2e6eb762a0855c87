package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsCounters(t *testing.T) {
	s := GetSnapshot()

	IncContainerStarted()
	IncContainerFailure("readiness")
	IncImagePullSuccess()
	IncImagePullFailure()
	IncImagePullRetry()
	IncImageBuild()
	IncReaperRemoval("container", true)
	IncReaperRemoval("network", false)
	IncCleanupFailed()
	SetSessionStart(time.Unix(123456789, 0))

	s2 := GetSnapshot()
	if s2.ContainersStarted != s.ContainersStarted+1 {
		t.Fatalf("expected containers_started to increment by 1, got %d", s2.ContainersStarted)
	}
	if s2.ContainerFailures != s.ContainerFailures+1 {
		t.Fatalf("expected container_failures to increment by 1, got %d", s2.ContainerFailures)
	}
	if s2.ImagePullsSuccess != s.ImagePullsSuccess+1 || s2.ImagePullsFailure != s.ImagePullsFailure+1 {
		t.Fatalf("unexpected pull counters: %+v", s2)
	}
	if s2.ImagePullRetries != s.ImagePullRetries+1 {
		t.Fatalf("expected image_pull_retries to increment by 1, got %d", s2.ImagePullRetries)
	}
	if s2.ImageBuilds != s.ImageBuilds+1 {
		t.Fatalf("expected image_builds to increment by 1, got %d", s2.ImageBuilds)
	}
	if s2.ReaperRemovals != s.ReaperRemovals+1 {
		t.Fatalf("expected reaper_removals to increment by 1, got %d", s2.ReaperRemovals)
	}
	// one failed removal plus one explicit cleanup failure
	if s2.CleanupFailed != s.CleanupFailed+2 {
		t.Fatalf("expected cleanup_failed to increment by 2, got %d", s2.CleanupFailed)
	}
	if s2.SessionStart != 123456789 {
		t.Fatalf("expected session start 123456789, got %d", s2.SessionStart)
	}
}

func TestHandlers(t *testing.T) {
	ObserveWaitDuration(1500 * time.Millisecond)
	srv := httptest.NewServer(NewServeMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	var snap StatsSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}

	rec := httptest.NewRecorder()
	PromHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "sandpit_wait_duration_seconds") {
		t.Fatalf("expected wait histogram in prometheus output")
	}
}

func TestAddReaperRemovals(t *testing.T) {
	before := GetSnapshot().ReaperRemovals
	AddReaperRemovals(2, 1, 0, 3)
	if got := GetSnapshot().ReaperRemovals; got != before+6 {
		t.Fatalf("expected reaper_removals to grow by 6, got %d", got-before)
	}
}
