package connectivity

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Probe is an Observer that periodically issues a GET against the survey
// service. Any HTTP response counts as reachable; only transport failures
// mark the service offline.
type Probe struct {
	*state

	url      string
	client   *http.Client
	interval time.Duration
	logger   *zap.Logger
}

// ProbeOption configures a Probe.
type ProbeOption func(*Probe)

// WithHTTPClient sets the HTTP client used for probes.
func WithHTTPClient(c *http.Client) ProbeOption {
	return func(p *Probe) { p.client = c }
}

// WithLogger sets the logger for state transitions.
func WithLogger(l *zap.Logger) ProbeOption {
	return func(p *Probe) { p.logger = l }
}

// NewProbe creates a Probe against url. It starts online so reads are not
// parked before the first probe completes.
func NewProbe(url string, interval, timeout time.Duration, opts ...ProbeOption) *Probe {
	p := &Probe{
		state:    newState(true),
		url:      url,
		client:   &http.Client{Timeout: timeout},
		interval: interval,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Check runs one probe and updates the state.
func (p *Probe) Check(ctx context.Context) bool {
	online := p.probe(ctx)
	if online != p.Online() {
		p.logger.Info("connectivity changed", zap.Bool("online", online), zap.String("url", p.url))
	}
	p.set(online)
	return online
}

// ReportFailure marks the service offline after a transport failure seen
// outside the probe loop. The next successful probe restores it.
func (p *Probe) ReportFailure() {
	if p.Online() {
		p.logger.Warn("connectivity lost", zap.String("url", p.url))
	}
	p.set(false)
}

// Run probes immediately and then on every interval until ctx is done.
func (p *Probe) Run(ctx context.Context) {
	p.Check(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

func (p *Probe) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
