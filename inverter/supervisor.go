package inverter

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cepro/solisgateway/registers"
)

const (
	reconnectInitialDelay = 500 * time.Millisecond
	reconnectMaxDelay     = 30 * time.Second
)

// newReconnectBackOff returns delays of 0.5s, 1s, 2s ... capped at 30s, without jitter, forever.
func newReconnectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectInitialDelay
	b.Multiplier = 2
	b.MaxInterval = reconnectMaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// kickSupervisor asks the supervisor to check the connection now. It never blocks.
func (c *Controller) kickSupervisor() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// runSupervisor checks the connection immediately, then periodically and whenever it is kicked.
func (c *Controller) runSupervisor(ctx context.Context) {
	c.supervise(ctx)

	ticker := time.NewTicker(c.config.SupervisorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.supervise(ctx)
		case <-c.kick:
			c.supervise(ctx)
		}
	}
}

// supervise publishes the enabled flag and reconnects with backoff if the link is down. After the first successful
// check it reads every register group once and starts the poll tiers.
func (c *Controller) supervise(ctx context.Context) {
	if !c.supervising.CompareAndSwap(false, true) {
		return
	}
	defer c.supervising.Store(false)

	enabled := c.isEnabled()
	c.publishStatus(registers.RegisterEnabled, enabled)
	if !enabled {
		return
	}

	if !c.isConnected() {
		b := c.newBackOff()
		for !c.Connect() {
			if !c.isEnabled() {
				return
			}
			delay := b.NextBackOff()
			c.logger.Info("Waiting to reconnect to inverter", "delay", delay)
			if err := c.sleep(ctx, delay); err != nil {
				return
			}
		}
	}

	c.startOnce.Do(func() {
		c.pollAll()
		close(c.started)
	})
}
