package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestJournalCRUD(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir, "s-1", "docker")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := os.Stat(j.Path()); err != nil {
		t.Fatalf("expected journal file: %v", err)
	}

	if err := j.Add(KindContainer, "cid-1"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	time.Sleep(time.Millisecond)
	if err := j.Add(KindNetwork, "net-1"); err != nil {
		t.Fatalf("Add network failed: %v", err)
	}
	if err := j.Add(KindContainer, "cid-1"); err != nil {
		t.Fatalf("Add duplicate failed: %v", err)
	}

	recs := j.Records()
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}

	s, err := Load(j.Path())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.SessionID != "s-1" || s.PID != os.Getpid() || s.Provider != "docker" || len(s.Records) != 2 {
		t.Fatalf("journal mismatch: %+v", s)
	}

	if err := j.Remove(KindContainer, "cid-1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := j.Remove(KindContainer, "unknown"); err != nil {
		t.Fatalf("Remove unknown failed: %v", err)
	}
	if got := j.Records(); len(got) != 1 || got[0].ID != "net-1" {
		t.Fatalf("unexpected records after remove: %+v", got)
	}

	if err := j.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := os.Stat(j.Path()); !os.IsNotExist(err) {
		t.Fatalf("expected journal removed, stat err=%v", err)
	}
}

func TestFindStale(t *testing.T) {
	dir := t.TempDir()

	own, err := Open(dir, "mine", "docker")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer own.Close()

	dead := &Journal{path: filepath.Join(dir, filePrefix+"dead"+fileSuffix), s: Session{SessionID: "dead", PID: 999999, Records: map[string]Record{}}}
	dead.s.Records[key(KindContainer, "c1")] = Record{Kind: KindContainer, ID: "c1", Timestamp: time.Now()}
	dead.s.Records[key(KindImage, "img")] = Record{Kind: KindImage, ID: "img", Timestamp: time.Now().Add(time.Second)}
	if err := dead.saveUnlocked(); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	live := &Journal{path: filepath.Join(dir, filePrefix+"live"+fileSuffix), s: Session{SessionID: "live", PID: 4242, Records: map[string]Record{}}}
	if err := live.saveUnlocked(); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, filePrefix+"broken"+fileSuffix), []byte("{"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "unrelated.json"), []byte("{}"), 0o640); err != nil {
		t.Fatal(err)
	}

	stale, err := FindStale(dir, func(pid int) bool { return pid == 4242 })
	if err != nil {
		t.Fatalf("FindStale failed: %v", err)
	}
	if len(stale) != 2 {
		t.Fatalf("expected 2 stale journals, got %d: %+v", len(stale), stale)
	}
	var found bool
	for _, s := range stale {
		if s.Session.SessionID == "dead" {
			found = true
			res := s.Resources()
			if len(res) != 2 || res[0].ID != "c1" {
				t.Fatalf("unexpected resources: %+v", res)
			}
		}
		if err := Discard(s); err != nil {
			t.Fatalf("Discard failed: %v", err)
		}
	}
	if !found {
		t.Fatalf("dead session not reported")
	}

	stale, err = FindStale(dir, func(int) bool { return true })
	if err != nil || len(stale) != 0 {
		t.Fatalf("expected nothing stale, got %v %v", stale, err)
	}
}

func TestFindStaleMissingDir(t *testing.T) {
	stale, err := FindStale(filepath.Join(t.TempDir(), "absent"), nil)
	if err != nil || stale != nil {
		t.Fatalf("expected empty result, got %v %v", stale, err)
	}
}

func TestProcessAlive(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Fatalf("own process should be alive")
	}
	if processAlive(0) {
		t.Fatalf("pid 0 should not be reported alive")
	}
}
