package backend

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/vyrodovalexey/avregw/internal/observability"
)

// DefaultProbeTimeout bounds a single health probe request.
const DefaultProbeTimeout = 5 * time.Second

// Prober performs on-demand health probes against backends. Probes are only
// ever run when explicitly requested; the proxy path never blocks on one.
type Prober struct {
	client  *http.Client
	timeout time.Duration
	logger  observability.Logger
}

// ProberOption is a functional option for configuring the prober.
type ProberOption func(*Prober)

// WithProberLogger sets the logger for the prober.
func WithProberLogger(logger observability.Logger) ProberOption {
	return func(p *Prober) {
		p.logger = logger
	}
}

// WithProberTimeout sets the per-probe timeout.
func WithProberTimeout(timeout time.Duration) ProberOption {
	return func(p *Prober) {
		p.timeout = timeout
	}
}

// WithProberClient sets the HTTP client used for probes.
func WithProberClient(client *http.Client) ProberOption {
	return func(p *Prober) {
		p.client = client
	}
}

// NewProber creates a health prober.
func NewProber(opts ...ProberOption) *Prober {
	p := &Prober{
		client:  &http.Client{},
		timeout: DefaultProbeTimeout,
		logger:  observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Probe checks a single backend's /health endpoint with the backend's own
// credential and records the outcome on the backend. A timeout counts as a
// failure.
func (p *Prober) Probe(ctx context.Context, b *Backend) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	healthURL := strings.TrimRight(b.URL, "/") + "/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		p.recordFailure(b, err)
		return false
	}
	req.Header.Set("Authorization", "Bearer "+b.Token)

	resp, err := p.client.Do(req)
	if err != nil {
		p.recordFailure(b, err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		p.recordFailure(b, nil)
		return false
	}

	b.RecordSuccess()
	GetCacheMetrics().probesTotal.WithLabelValues(b.Name, "success").Inc()
	return true
}

// ProbeAll probes every backend in the snapshot sequentially and returns the
// number of healthy backends afterwards.
func (p *Prober) ProbeAll(ctx context.Context, snap *Snapshot) int {
	healthy := 0
	for _, entry := range snap.Entries {
		for _, name := range entry.Names {
			b, ok := snap.Backends[name]
			if !ok {
				continue
			}
			if p.Probe(ctx, b) {
				healthy++
			}
		}
	}
	return healthy
}

func (p *Prober) recordFailure(b *Backend, err error) {
	b.RecordFailure()
	GetCacheMetrics().probesTotal.WithLabelValues(b.Name, "failure").Inc()
	p.logger.Warn("backend health probe failed",
		observability.String("backend", b.Name),
		observability.Int("consecutive_failures", b.ConsecutiveFailures()),
		observability.Bool("healthy", b.Healthy()),
		observability.Error(err),
	)
}
