package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddTransportCheck reports unhealthy while no front-end is attached. Only
// used for readiness; a detached host is still alive.
func (h *HealthChecker) AddTransportCheck(connected func() bool, interval, timeout time.Duration) {
	h.AddCheck("transport", func(ctx context.Context) (bool, error) {
		if !connected() {
			return false, fmt.Errorf("no front-end attached")
		}
		return true, nil
	}, interval, timeout)
}

// AddStorageCheck verifies the payload directory is still reachable.
func (h *HealthChecker) AddStorageCheck(exists func(ctx context.Context, name string) (bool, error), interval, timeout time.Duration) {
	h.AddCheck("storage", func(ctx context.Context) (bool, error) {
		if _, err := exists(ctx, ".health"); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}
