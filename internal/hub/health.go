package hub

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fluxlink/fluxlink/internal/core/realtime"
)

// ServiceHealth groups the per-service sections of a health report.
type ServiceHealth struct {
	ConnectionState string                     `json:"connection_state"`
	Connection      realtime.ConnectionMetrics `json:"connection"`
	Router          realtime.RoutingMetrics    `json:"router"`
	CacheNamespaces int                        `json:"cache_namespaces"`
}

// HealthReport is the composite health surface, computed on demand.
type HealthReport struct {
	Healthy     bool          `json:"healthy"`
	GeneratedAt time.Time     `json:"generated_at"`
	Services    ServiceHealth `json:"services"`
}

// HealthReport collects connection, router and cache health concurrently.
// The report is healthy unless the connection FSM is in its terminal
// error state.
func (h *Hub) HealthReport(ctx context.Context) HealthReport {
	var (
		connMetrics   realtime.ConnectionMetrics
		routerMetrics realtime.RoutingMetrics
		namespaces    int
	)

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		connMetrics = h.connection.ConnectionMetrics()
		return nil
	})
	g.Go(func() error {
		routerMetrics = h.router.Metrics()
		return nil
	})
	g.Go(func() error {
		namespaces = len(h.store.Namespaces())
		return nil
	})
	_ = g.Wait()

	return HealthReport{
		Healthy:     connMetrics.State != realtime.StateError,
		GeneratedAt: time.Now(),
		Services: ServiceHealth{
			ConnectionState: connMetrics.State.String(),
			Connection:      connMetrics,
			Router:          routerMetrics,
			CacheNamespaces: namespaces,
		},
	}
}
