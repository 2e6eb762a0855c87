package wait

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
)

// LogStrategy waits until a number of log lines match a pattern.
type LogStrategy struct {
	base
	pattern    *regexp.Regexp
	occurrence int
}

var _ Strategy = (*LogStrategy)(nil)

// ForLog waits for a log line fully matching the regular expression pattern,
// e.g. ".*ready to accept connections.*". It panics on an invalid pattern.
func ForLog(pattern string) *LogStrategy {
	return &LogStrategy{pattern: regexp.MustCompile("^(?:" + pattern + ")$"), occurrence: 1}
}

// ForLogText waits for a log line containing text.
func ForLogText(text string) *LogStrategy {
	return ForLog(".*" + regexp.QuoteMeta(text) + ".*")
}

// WithOccurrence requires n matching lines, e.g. for servers that restart once
// during initialisation.
func (s *LogStrategy) WithOccurrence(n int) *LogStrategy {
	if n < 1 {
		n = 1
	}
	s.occurrence = n
	return s
}

func (s *LogStrategy) WithStartupTimeout(d time.Duration) *LogStrategy {
	s.setTimeout(d)
	return s
}

func (s *LogStrategy) WithPollInterval(d time.Duration) *LogStrategy {
	s.pollInterval = d
	return s
}

func (s *LogStrategy) String() string {
	return fmt.Sprintf("log %q x%d", s.pattern.String(), s.occurrence)
}

func (s *LogStrategy) WaitUntilReady(ctx context.Context, target StrategyTarget) error {
	return poll(ctx, s.String(), &s.base, target, func(ctx context.Context) (bool, error) {
		rc, err := target.Logs(ctx)
		if err != nil {
			return false, err
		}
		defer rc.Close()
		n, err := s.count(rc)
		if err != nil {
			return false, err
		}
		if n < s.occurrence {
			return false, fmt.Errorf("%d of %d matching log lines", n, s.occurrence)
		}
		return true, nil
	})
}

func (s *LogStrategy) count(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		if s.pattern.MatchString(strings.TrimRight(sc.Text(), "\r")) {
			n++
		}
	}
	return n, sc.Err()
}
