package tools

import (
	"context"
	"time"
)

func withTimeoutMillis(ctx context.Context, ms float64) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
}
