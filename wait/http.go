package wait

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
)

const defaultReadTimeout = time.Second

// HTTPStrategy waits for an HTTP(S) endpoint to answer acceptably.
type HTTPStrategy struct {
	base
	path          string
	port          nat.Port
	method        string
	body          []byte
	statusCodes   []int
	statusMatcher func(int) bool
	bodyMatcher   func([]byte) bool
	tls           bool
	insecure      bool
	headers       http.Header
	user, pass    string
	readTimeout   time.Duration
}

var _ Strategy = (*HTTPStrategy)(nil)

// ForHTTP probes path with GET on the first exposed port until it returns 200.
func ForHTTP(path string) *HTTPStrategy {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &HTTPStrategy{path: path, method: http.MethodGet, headers: http.Header{}, readTimeout: defaultReadTimeout}
}

func (s *HTTPStrategy) ForPort(p nat.Port) *HTTPStrategy {
	s.port = p
	return s
}

func (s *HTTPStrategy) WithMethod(m string) *HTTPStrategy {
	s.method = strings.ToUpper(m)
	return s
}

func (s *HTTPStrategy) WithBody(b []byte) *HTTPStrategy {
	s.body = b
	return s
}

// ForStatusCode accepts code. Codes and the status matcher are OR-ed.
func (s *HTTPStrategy) ForStatusCode(code int) *HTTPStrategy {
	s.statusCodes = append(s.statusCodes, code)
	return s
}

func (s *HTTPStrategy) ForStatusCodeMatching(fn func(int) bool) *HTTPStrategy {
	s.statusMatcher = fn
	return s
}

func (s *HTTPStrategy) ForResponse(fn func(body []byte) bool) *HTTPStrategy {
	s.bodyMatcher = fn
	return s
}

func (s *HTTPStrategy) UsingTLS() *HTTPStrategy {
	s.tls = true
	return s
}

// AllowInsecure skips certificate verification.
func (s *HTTPStrategy) AllowInsecure() *HTTPStrategy {
	s.insecure = true
	return s
}

func (s *HTTPStrategy) WithHeader(key, value string) *HTTPStrategy {
	s.headers.Add(key, value)
	return s
}

func (s *HTTPStrategy) WithBasicCredentials(user, pass string) *HTTPStrategy {
	s.user, s.pass = user, pass
	return s
}

// WithReadTimeout bounds each request.
func (s *HTTPStrategy) WithReadTimeout(d time.Duration) *HTTPStrategy {
	s.readTimeout = d
	return s
}

func (s *HTTPStrategy) WithStartupTimeout(d time.Duration) *HTTPStrategy {
	s.setTimeout(d)
	return s
}

func (s *HTTPStrategy) WithPollInterval(d time.Duration) *HTTPStrategy {
	s.pollInterval = d
	return s
}

func (s *HTTPStrategy) acceptStatus(code int) bool {
	if len(s.statusCodes) == 0 && s.statusMatcher == nil {
		return code == http.StatusOK
	}
	for _, c := range s.statusCodes {
		if c == code {
			return true
		}
	}
	return s.statusMatcher != nil && s.statusMatcher(code)
}

func (s *HTTPStrategy) WaitUntilReady(ctx context.Context, target StrategyTarget) error {
	port := s.port
	if port == "" {
		exposed := target.ExposedPorts()
		if len(exposed) == 0 {
			return fmt.Errorf("http wait: container exposes no ports")
		}
		port = exposed[0]
	}
	scheme := "http"
	if s.tls {
		scheme = "https"
	}
	client := &http.Client{
		Timeout: s.readTimeout,
		Transport: &http.Transport{
			TLSClientConfig:   &tls.Config{InsecureSkipVerify: s.insecure}, //nolint:gosec // opt-in for self-signed test servers
			DisableKeepAlives: true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	defer client.CloseIdleConnections()

	name := fmt.Sprintf("http %s %s on %s", s.method, s.path, port)
	return poll(ctx, name, &s.base, target, func(ctx context.Context) (bool, error) {
		host, err := target.Host(ctx)
		if err != nil {
			return false, err
		}
		mapped, err := target.MappedPort(ctx, port)
		if err != nil {
			return false, err
		}
		url := scheme + "://" + net.JoinHostPort(host, strconv.Itoa(mapped)) + s.path
		req, err := http.NewRequestWithContext(ctx, s.method, url, bytes.NewReader(s.body))
		if err != nil {
			return false, Fatal(err)
		}
		req.Header = s.headers.Clone()
		if s.user != "" {
			req.SetBasicAuth(s.user, s.pass)
		}
		resp, err := client.Do(req)
		if err != nil {
			return false, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return false, err
		}
		if !s.acceptStatus(resp.StatusCode) {
			return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		if s.bodyMatcher != nil && !s.bodyMatcher(body) {
			return false, fmt.Errorf("response body did not match")
		}
		return true, nil
	})
}
