package storage

import (
	"context"
	"time"
)

// DefaultQueryTimeout bounds one store round trip when the caller set no deadline.
// Claims and conditional transitions are single statements and finish well inside it.
const DefaultQueryTimeout = 5 * time.Second

// withQueryTimeout keeps an existing deadline and otherwise applies DefaultQueryTimeout.
func withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultQueryTimeout)
}
