package connectivity

import (
	"context"
	"log/slog"
	"time"
)

// Pinger checks whether the backend answers
type Pinger interface {
	Ping(ctx context.Context, path string) error
}

// Prober polls the backend and feeds the result into a Signal
type Prober struct {
	signal   *Signal
	pinger   Pinger
	path     string
	interval time.Duration
	logger   *slog.Logger
}

// NewProber creates a prober. interval <= 0 defaults to 15s.
func NewProber(signal *Signal, pinger Pinger, path string, interval time.Duration, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Prober{
		signal:   signal,
		pinger:   pinger,
		path:     path,
		interval: interval,
		logger:   logger,
	}
}

// Check pings once and updates the signal
func (p *Prober) Check(ctx context.Context) bool {
	timeout := p.interval / 2
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := p.pinger.Ping(ctx, p.path)
	online := err == nil
	if p.signal.Set(online) {
		if online {
			p.logger.Info("connection restored")
		} else {
			p.logger.Warn("offline mode: only downloaded audiobooks are available", "error", err)
		}
	}
	return online
}

// Run probes immediately and then on every tick until ctx is done
func (p *Prober) Run(ctx context.Context) {
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
