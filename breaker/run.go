package breaker

import (
	"context"
	"time"
)

// HousekeepingInterval is how often the background loop ticks.
const HousekeepingInterval = time.Second

// Run drives housekeeping until ctx is cancelled.
func (b *Breaker) Run(ctx context.Context) {
	ticker := time.NewTicker(HousekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Tick()
		case <-ctx.Done():
			return
		}
	}
}
