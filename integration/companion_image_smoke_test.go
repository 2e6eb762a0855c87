package integration

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"
)

// Builds the reaper companion image and checks the binary runs inside it.
// Requires a local docker CLI; skipped unless SANDPIT_INTEGRATION=1.
func TestCompanionImageRuns(t *testing.T) {
	if os.Getenv("SANDPIT_INTEGRATION") != "1" {
		t.Skip("skipping integration test; set SANDPIT_INTEGRATION=1 to enable")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	const tag = "sandpit-reaper:smoke"
	build := exec.CommandContext(ctx, "docker", "build", "-f", "../cmd/sandpit-reaper/Dockerfile", "-t", tag, "..")
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		t.Fatalf("docker build failed: %v", err)
	}
	t.Cleanup(func() { _ = exec.Command("docker", "rmi", "-f", tag).Run() })

	out, err := exec.CommandContext(ctx, "docker", "run", "--rm", tag, "--help").CombinedOutput()
	if err != nil {
		t.Fatalf("run failed: %v - output: %s", err, string(out))
	}
	if !strings.Contains(string(out), "sandpit-reaper") {
		t.Fatalf("unexpected output from companion: %q", string(out))
	}
}
