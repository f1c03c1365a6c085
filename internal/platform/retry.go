package platform

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// connectTimeout bounds how long startup waits for a dependency that is still
// coming up (e.g. containers started together).
const connectTimeout = 30 * time.Second

func connectBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = connectTimeout
	return backoff.WithContext(b, ctx)
}
