package venue

import (
	"context"

	"golang.org/x/time/rate"
)

// Pacer bounds the request rate an adapter sends to one venue. The
// factory shares one pacer per venue across all adapter instances so
// the budget is venue-global, not per-user.
type Pacer interface {
	Wait(ctx context.Context) error
}

// NewPacer builds a token-bucket pacer from a requests-per-second
// budget. Non-positive rps disables pacing.
func NewPacer(rps float64, burst int) Pacer {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Pace waits on p when set. Adapters call this at the top of every
// outbound request.
func Pace(ctx context.Context, p Pacer) error {
	if p == nil {
		return nil
	}
	return p.Wait(ctx)
}
