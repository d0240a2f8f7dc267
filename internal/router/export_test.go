package router

import (
	"context"
	"time"
)

// SetSleep replaces the failover wait.
func SetSleep(r *Router, fn func(ctx context.Context, d time.Duration) error) {
	r.sleep = fn
}
