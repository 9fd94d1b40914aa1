package proxy

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Direct is the list entry for connecting without a proxy
const Direct = "direct"

var supportedSchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"socks5": true,
}

// Pool rotates through the configured proxies for upstream dials. The last
// proxy that produced a connection is tried first until it fails.
type Pool struct {
	logger *logrus.Logger

	mu      sync.Mutex
	proxies []*url.URL // nil means direct
	next    int
	working int
}

// NewPool parses a comma separated proxy list. An empty list means direct only.
func NewPool(raw string, logger *logrus.Logger) (*Pool, error) {
	proxies, err := ParseList(raw)
	if err != nil {
		return nil, err
	}
	if len(proxies) == 0 {
		proxies = []*url.URL{nil}
	}
	return &Pool{
		logger:  logger,
		proxies: proxies,
		working: -1,
	}, nil
}

// ParseList parses and validates a comma separated proxy list
func ParseList(raw string) ([]*url.URL, error) {
	var out []*url.URL
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
			continue
		case strings.EqualFold(entry, Direct):
			out = append(out, nil)
			continue
		}

		u, err := url.Parse(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", entry, err)
		}
		if !supportedSchemes[strings.ToLower(u.Scheme)] {
			return nil, fmt.Errorf("invalid proxy URL %q: unsupported scheme %q", entry, u.Scheme)
		}
		if u.Hostname() == "" || u.Port() == "" {
			return nil, fmt.Errorf("invalid proxy URL %q: expected host:port", entry)
		}
		out = append(out, u)
	}
	return out, nil
}

// Len returns the number of entries, counting direct
func (p *Pool) Len() int {
	return len(p.proxies)
}

// Pick returns the proxy to use for the next dial and its index
func (p *Pool) Pick() (int, *url.URL) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.working >= 0 {
		return p.working, p.proxies[p.working]
	}
	return p.next, p.proxies[p.next]
}

// Succeeded records that the proxy at i produced a connection
func (p *Pool) Succeeded(i int) {
	p.mu.Lock()
	changed := p.working != i
	p.working = i
	p.mu.Unlock()

	if changed && len(p.proxies) > 1 {
		p.logger.WithField("proxy", Describe(p.proxies[i])).Info("✅ Working proxy updated")
	}
}

// Failed records a failed dial through the proxy at i and moves on to the next entry
func (p *Pool) Failed(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.working == i {
		p.working = -1
	}
	p.next = (i + 1) % len(p.proxies)
}

// Describe renders a proxy for logs without credentials
func Describe(u *url.URL) string {
	if u == nil {
		return Direct
	}
	return u.Redacted()
}
