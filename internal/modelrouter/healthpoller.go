package modelrouter

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// HealthPoller periodically HealthChecks every backend registered
// with a Router and recovers a circuit-open backend to healthy as
// soon as its HealthCheck succeeds, rather than waiting passively for
// its cooldown to elapse on the next real request. It is adapted from
// the gateway's provider.HealthPoller background-polling loop, with
// the registry swapped for the Router's backend map and status
// transition logging kept the same shape.
type HealthPoller struct {
	router   *Router
	log      zerolog.Logger
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthPoller returns a poller that checks all of router's
// backends every interval (minimum 5 seconds).
func NewHealthPoller(router *Router, log zerolog.Logger, interval time.Duration) *HealthPoller {
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	return &HealthPoller{
		router:   router,
		log:      log.With().Str("component", "router_health_poller").Logger(),
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the background polling loop. Call Stop to shut it
// down gracefully.
func (hp *HealthPoller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	hp.cancel = cancel
	hp.log.Info().Dur("interval", hp.interval).Msg("starting backend health poller")
	go hp.loop(ctx)
}

// Stop cancels the polling loop and waits for it to exit.
func (hp *HealthPoller) Stop() {
	if hp.cancel != nil {
		hp.cancel()
	}
	<-hp.done
}

func (hp *HealthPoller) loop(ctx context.Context) {
	defer close(hp.done)
	hp.poll(ctx)

	ticker := time.NewTicker(hp.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hp.poll(ctx)
		}
	}
}

func (hp *HealthPoller) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, hp.interval/2)
	defer cancel()

	hp.router.mu.RLock()
	backends := make([]*backendState, 0, len(hp.router.backends))
	for _, bs := range hp.router.backends {
		backends = append(backends, bs)
	}
	hp.router.mu.RUnlock()

	for _, bs := range backends {
		bs.mu.Lock()
		prev := bs.state
		bs.mu.Unlock()
		if prev == StateDisabled {
			continue
		}

		err := bs.client.HealthCheck(pollCtx)
		bs.mu.Lock()
		if err == nil {
			recordSuccessLocked(bs)
		} else if bs.state != StateDisabled {
			bs.state = StateCircuitOpen
			bs.lastFailure = hp.router.clk.Now()
		}
		next := bs.state
		bs.mu.Unlock()

		if next != prev {
			hp.log.Warn().
				Str("backend", bs.client.ID()).
				Str("from", string(prev)).
				Str("to", string(next)).
				Msg("backend health transition")
		}
	}
}
