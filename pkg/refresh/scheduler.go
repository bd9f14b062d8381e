package refresh

import (
	"context"
	"time"

	"github.com/openfroyo/cloudmgr/pkg/inventory"
	"github.com/openfroyo/cloudmgr/pkg/telemetry"
)

// ConnectionLister lists the connections to refresh.
type ConnectionLister interface {
	ListConnections(ctx context.Context) ([]*inventory.ProviderConnection, error)
}

// Scheduler enqueues every connection into a Pool on a fixed interval.
type Scheduler struct {
	pool     *Pool
	lister   ConnectionLister
	interval time.Duration
	zone     string
	logger   *telemetry.Logger
}

// NewScheduler returns a scheduler. When zone is non-empty only
// connections assigned to that zone are enqueued.
func NewScheduler(pool *Pool, lister ConnectionLister, interval time.Duration, zone string, tel *telemetry.Telemetry) *Scheduler {
	return &Scheduler{
		pool:     pool,
		lister:   lister,
		interval: interval,
		zone:     zone,
		logger:   tel.Logger.NewComponentLogger("refresh_scheduler"),
	}
}

// Run enqueues immediately and then on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.Tick(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// Tick enqueues every eligible connection once and returns how many
// requests added work.
func (s *Scheduler) Tick(ctx context.Context) int {
	conns, err := s.lister.ListConnections(ctx)
	if err != nil {
		s.logger.WithError(err).Error("failed to list connections")
		return 0
	}

	added := 0
	for _, conn := range conns {
		if s.zone != "" && conn.Zone != s.zone {
			continue
		}
		if s.pool.Enqueue(conn.ID) {
			added++
		}
	}
	s.logger.Debugf("scheduled %d of %d connections", added, len(conns))
	return added
}
