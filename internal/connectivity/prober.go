package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dogtale/companion-core/internal/logging"
)

// Prober turns periodic health checks into Monitor signals. It stands in for
// the platform's network events when running as a process.
type Prober struct {
	monitor  *Monitor
	url      string
	interval time.Duration
	client   *http.Client

	stopCh chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	active bool
}

// NewProber creates a Prober that checks url every interval.
func NewProber(monitor *Monitor, url string, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Prober{
		monitor:  monitor,
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Check performs one probe and reports the result to the monitor. Any 2xx or
// 3xx response counts as online.
func (p *Prober) Check(ctx context.Context) bool {
	online := false
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err == nil {
		resp, err := p.client.Do(req)
		if err == nil {
			resp.Body.Close()
			online = resp.StatusCode < 400
		} else {
			logging.Debug("Health probe failed", map[string]interface{}{"url": p.url, "error": err.Error()})
		}
	}
	p.monitor.SetOnline(online)
	return online
}

// Start probes immediately and then on every tick until Stop or ctx ends.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		return
	}
	p.active = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Check(ctx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.Check(ctx)
			}
		}
	}()
}

// Stop ends the probe loop.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.active = false
	close(p.stopCh)
	p.mu.Unlock()
	p.wg.Wait()
}
