package registry

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
)

// Fetcher fetches packuments. Implemented by Client and BreakerClient.
type Fetcher interface {
	FetchPackument(ctx context.Context, name string) (*Packument, error)
	FetchVersion(ctx context.Context, name, version string) (*Packument, VersionInfo, error)
}

// BreakerClient wraps a Client with a per-host circuit breaker so a dead
// registry mirror fails fast instead of burning the retry budget on every
// request.
type BreakerClient struct {
	client   *Client
	breakers map[string]*circuit.Breaker
	mu       sync.RWMutex
}

// NewBreakerClient creates a circuit breaker wrapper around client.
func NewBreakerClient(client *Client) *BreakerClient {
	return &BreakerClient{
		client:   client,
		breakers: make(map[string]*circuit.Breaker),
	}
}

func (b *BreakerClient) getBreaker(host string) *circuit.Breaker {
	b.mu.RLock()
	br, exists := b.breakers[host]
	b.mu.RUnlock()

	if exists {
		return br
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Double-check after acquiring write lock
	if br, exists := b.breakers[host]; exists {
		return br
	}

	// Trips after 5 consecutive failures, recovers on an exponential schedule.
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	opts := &circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(5),
	}
	br = circuit.NewBreakerWithOptions(opts)

	b.breakers[host] = br
	return br
}

// FetchPackument fetches through the circuit breaker for the registry host.
func (b *BreakerClient) FetchPackument(ctx context.Context, name string) (*Packument, error) {
	br := b.getBreaker(hostOf(b.client.BaseURL()))

	if !br.Ready() {
		return nil, fmt.Errorf("circuit breaker open for %s: %w", hostOf(b.client.BaseURL()), ErrUpstreamDown)
	}

	var p *Packument
	var permErr error
	err := br.Call(func() error {
		var fetchErr error
		p, fetchErr = b.client.FetchPackument(ctx, name)
		// Permanent registry answers (404, 403, bad requests) are not
		// upstream failures and must not trip the breaker, but the
		// caller still needs the original error.
		if fetchErr != nil && !Transient(fetchErr) {
			permErr = fetchErr
			return nil
		}
		return fetchErr
	}, 0)
	if err != nil {
		return nil, err
	}
	if permErr != nil {
		return nil, permErr
	}
	return p, nil
}

// FetchVersion fetches a version manifest through the circuit breaker.
func (b *BreakerClient) FetchVersion(ctx context.Context, name, version string) (*Packument, VersionInfo, error) {
	p, err := b.FetchPackument(ctx, name)
	if err != nil {
		return nil, VersionInfo{}, err
	}

	if version == "" {
		v, ok := p.Latest()
		if !ok {
			return nil, VersionInfo{}, &NotFoundError{Name: name}
		}
		return p, v, nil
	}
	v, ok := p.Versions[version]
	if !ok {
		return nil, VersionInfo{}, &NotFoundError{Name: name, Version: version}
	}
	return p, v, nil
}

// BreakerState returns the current breaker state per host, for health checks.
func (b *BreakerClient) BreakerState() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	states := make(map[string]string)
	for host, br := range b.breakers {
		if br.Tripped() {
			states[host] = "open"
		} else {
			states[host] = "closed"
		}
	}
	return states
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		if len(rawURL) > 50 {
			return rawURL[:50]
		}
		return rawURL
	}
	return parsed.Host
}
