// Package state journals the resources a session creates so that a later
// session can clean up after a process that died before its reaper ran.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Kind of a journaled resource.
type Kind string

const (
	KindContainer Kind = "container"
	KindNetwork   Kind = "network"
	KindImage     Kind = "image"
)

// Record is one resource created by a session.
type Record struct {
	Kind      Kind      `json:"kind"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the on-disk journal of one process.
type Session struct {
	SessionID string            `json:"session_id"`
	PID       int               `json:"pid"`
	Started   time.Time         `json:"started"`
	Provider  string            `json:"provider,omitempty"`
	Records   map[string]Record `json:"records"`
}

const (
	filePrefix = "sandpit-session-"
	fileSuffix = ".json"
)

// DefaultDir is the user cache dir, falling back to the temp dir.
func DefaultDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "sandpit")
	}
	return filepath.Join(os.TempDir(), "sandpit")
}

// Journal persists the current session. Methods are safe for concurrent use.
type Journal struct {
	mu   sync.Mutex
	path string
	s    Session
}

// Open creates the journal for sessionID in dir ("" means DefaultDir).
func Open(dir, sessionID, provider string) (*Journal, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	j := &Journal{
		path: filepath.Join(dir, filePrefix+sessionID+fileSuffix),
		s: Session{
			SessionID: sessionID,
			PID:       os.Getpid(),
			Started:   time.Now().UTC(),
			Provider:  provider,
			Records:   map[string]Record{},
		},
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.saveUnlocked(); err != nil {
		return nil, err
	}
	return j, nil
}

func key(kind Kind, id string) string { return string(kind) + "/" + id }

// saveUnlocked writes the journal WITHOUT acquiring the mutex. Caller must hold it.
func (j *Journal) saveUnlocked() error {
	b, err := json.MarshalIndent(j.s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal journal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("mkdir journal dir: %w", err)
	}
	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o640); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("replace journal: %w", err)
	}
	return nil
}

// Path of the journal file.
func (j *Journal) Path() string { return j.path }

// Add records a resource. The read-modify-write cycle holds the mutex.
func (j *Journal) Add(kind Kind, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.s.Records[key(kind, id)] = Record{Kind: kind, ID: id, Timestamp: time.Now().UTC()}
	return j.saveUnlocked()
}

// Remove forgets a resource.
func (j *Journal) Remove(kind Kind, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	k := key(kind, id)
	if _, ok := j.s.Records[k]; !ok {
		return nil
	}
	delete(j.s.Records, k)
	return j.saveUnlocked()
}

// Records returns the journaled resources sorted by creation time.
func (j *Journal) Records() []Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	return sortedRecords(j.s.Records)
}

// Close deletes the journal; the session ended cleanly.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func sortedRecords(m map[string]Record) []Record {
	out := make([]Record, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Timestamp.Equal(out[b].Timestamp) {
			return out[a].ID < out[b].ID
		}
		return out[a].Timestamp.Before(out[b].Timestamp)
	})
	return out
}

// Load reads a journal file.
func Load(path string) (Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Session{}, fmt.Errorf("load journal: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("unmarshal journal %s: %w", filepath.Base(path), err)
	}
	if s.Records == nil {
		s.Records = map[string]Record{}
	}
	return s, nil
}

// Stale is a journal left behind by a process that is no longer running.
type Stale struct {
	Path    string
	Session Session
}

// Resources returns the journaled records in creation order.
func (s Stale) Resources() []Record { return sortedRecords(s.Session.Records) }

// FindStale lists journals in dir whose owning process is gone. alive
// defaults to a signal-0 probe. Unreadable journals are reported as stale
// with no records so that they can be removed.
func FindStale(dir string, alive func(pid int) bool) ([]Stale, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if alive == nil {
		alive = processAlive
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read journal dir: %w", err)
	}
	var out []Stale
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		p := filepath.Join(dir, name)
		s, err := Load(p)
		if err != nil {
			out = append(out, Stale{Path: p})
			continue
		}
		if s.PID == os.Getpid() || alive(s.PID) {
			continue
		}
		out = append(out, Stale{Path: p, Session: s})
	}
	return out, nil
}

// Discard removes a stale journal once its resources are handled.
func Discard(s Stale) error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
