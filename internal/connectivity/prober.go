// Package connectivity classifies network reachability per installation and
// feeds the offline-session lifecycle.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// comprehensiveEndpoints caps how many endpoints a comprehensive check
// probes; the rest of the configured list is spare capacity for operators.
const comprehensiveEndpoints = 3

// EndpointResult is the outcome of probing a single endpoint.
type EndpointResult struct {
	Endpoint string        `json:"endpoint"`
	Success  bool          `json:"success"`
	Latency  time.Duration `json:"latency"`
	Error    string        `json:"error,omitempty"`
}

// Outcome is the result of one connectivity check. A check succeeds when at
// least one endpoint answers.
type Outcome struct {
	Success   bool             `json:"success"`
	Quick     bool             `json:"quick"`
	CheckedAt time.Time        `json:"checked_at"`
	Latency   time.Duration    `json:"latency"`
	Results   []EndpointResult `json:"results,omitempty"`
}

// ProberConfig holds probe targets and timeouts.
type ProberConfig struct {
	QuickCheckHost string
	QuickTimeout   time.Duration
	CheckTimeout   time.Duration
	Endpoints      []string
}

// Prober performs quick (DNS) and comprehensive (HTTP + TCP) reachability
// checks.
type Prober struct {
	cfg      ProberConfig
	client   *http.Client
	resolver *net.Resolver
	dialer   *net.Dialer
	logger   *slog.Logger
	now      func() time.Time
}

// NewProber creates a prober. client may be nil to use a default with the
// configured check timeout.
func NewProber(cfg ProberConfig, client *http.Client, logger *slog.Logger) *Prober {
	if client == nil {
		client = &http.Client{Timeout: cfg.CheckTimeout}
	}
	return &Prober{
		cfg:      cfg,
		client:   client,
		resolver: net.DefaultResolver,
		dialer:   &net.Dialer{},
		logger:   logger.With(slog.String("component", "connectivity_prober")),
		now:      time.Now,
	}
}

// Quick resolves a single well-known host. Cheap enough for request paths.
func (p *Prober) Quick(ctx context.Context) *Outcome {
	start := p.now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.QuickTimeout)
	defer cancel()

	_, err := p.resolver.LookupHost(ctx, p.cfg.QuickCheckHost)
	outcome := &Outcome{
		Success:   err == nil,
		Quick:     true,
		CheckedAt: start,
		Latency:   p.now().Sub(start),
	}
	if err != nil {
		outcome.Results = []EndpointResult{{
			Endpoint: p.cfg.QuickCheckHost,
			Error:    err.Error(),
		}}
	}
	return outcome
}

// Check probes the first endpoints of the configured list concurrently.
// Quorum is one: a single reachable endpoint means the network is up.
func (p *Prober) Check(ctx context.Context) *Outcome {
	start := p.now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.CheckTimeout)
	defer cancel()

	endpoints := p.cfg.Endpoints
	if len(endpoints) > comprehensiveEndpoints {
		endpoints = endpoints[:comprehensiveEndpoints]
	}

	results := make([]EndpointResult, len(endpoints))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, endpoint := range endpoints {
		g.Go(func() error {
			result := p.probeEndpoint(gctx, endpoint)
			mu.Lock()
			results[i] = result
			mu.Unlock()
			return nil
		})
	}
	// Probe errors land in the per-endpoint results.
	_ = g.Wait()

	outcome := &Outcome{
		Quick:     false,
		CheckedAt: start,
		Latency:   p.now().Sub(start),
		Results:   results,
	}
	for _, r := range results {
		if r.Success {
			outcome.Success = true
			break
		}
	}
	return outcome
}

func (p *Prober) probeEndpoint(ctx context.Context, endpoint string) EndpointResult {
	start := p.now()
	result := EndpointResult{Endpoint: endpoint}

	var err error
	if strings.HasPrefix(endpoint, "tcp://") {
		err = p.probeTCP(ctx, strings.TrimPrefix(endpoint, "tcp://"))
	} else {
		err = p.probeHTTP(ctx, endpoint)
	}

	result.Latency = p.now().Sub(start)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

func (p *Prober) probeHTTP(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (p *Prober) probeTCP(ctx context.Context, address string) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}
