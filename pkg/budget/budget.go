// Package budget reports whether further LLM spend is permitted, polling an
// external usage signal and caching the result between loop ticks.
package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Status is the outcome of a usage check.
type Status struct {
	SessionUsedPercent float64 `json:"sessionUsedPercent"`
	DailyUsedPercent   float64 `json:"dailyUsedPercent"`
	IsSafe             bool    `json:"isSafe"`
	Reason             string  `json:"reason,omitempty"`
}

// Prober fetches the raw usage signal. The default implementation is an
// HTTP JSON prober; tests substitute a fake.
type Prober interface {
	Probe(ctx context.Context) (sessionUsedPercent, dailyUsedPercent float64, err error)
}

// HTTPProber polls a JSON endpoint returning
// {"sessionUsedPercent": float, "dailyUsedPercent": float}.
type HTTPProber struct {
	client *http.Client
	url    string
}

// NewHTTPProber builds a Prober against url with the given timeout.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{client: &http.Client{Timeout: timeout}, url: url}
}

func (p *HTTPProber) Probe(ctx context.Context) (float64, float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("budget: building probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("budget: probe request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("budget: probe returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, 0, fmt.Errorf("budget: reading probe body: %w", err)
	}

	var payload struct {
		SessionUsedPercent float64 `json:"sessionUsedPercent"`
		DailyUsedPercent   float64 `json:"dailyUsedPercent"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, 0, fmt.Errorf("budget: decoding probe body: %w", err)
	}
	return payload.SessionUsedPercent, payload.DailyUsedPercent, nil
}

// Checker reports whether further LLM spend is permitted, caching the
// latest successful probe so repeated calls within the same tick don't
// re-hit the network. Never raises to callers; on failure it fails closed.
type Checker struct {
	prober    Prober
	threshold float64

	mu       sync.Mutex
	cached   *Status
	cachedAt time.Time
}

// NewChecker builds a Checker against prober with the configured safety
// threshold (percent, default 85).
func NewChecker(prober Prober, thresholdPercent float64) *Checker {
	if thresholdPercent <= 0 {
		thresholdPercent = 85
	}
	return &Checker{prober: prober, threshold: thresholdPercent}
}

// Check probes at most once per tick interval, returning the cached result
// for calls that land within the same window. On probe failure it returns
// is_safe=false with an explanatory reason and never propagates the error.
func (c *Checker) Check(ctx context.Context, tickInterval time.Duration) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && time.Since(c.cachedAt) < tickInterval {
		return *c.cached
	}

	session, daily, err := c.prober.Probe(ctx)
	var status Status
	if err != nil {
		slog.Warn("usage budget probe failed, failing closed", "error", err)
		status = Status{IsSafe: false, Reason: fmt.Sprintf("usage probe failed: %v", err)}
	} else {
		status = Status{
			SessionUsedPercent: session,
			DailyUsedPercent:   daily,
			IsSafe:             session < c.threshold && daily < c.threshold,
		}
		if !status.IsSafe {
			status.Reason = "usage limit exceeded"
		}
	}

	c.cached = &status
	c.cachedAt = time.Now()
	return status
}
