package gateway

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Gateway with a client-side request cap, so a runaway
// session cannot hammer a shared serving endpoint.
type RateLimited struct {
	inner   Gateway
	limiter *rate.Limiter
}

// NewRateLimited caps completion calls at rpm requests per minute across all
// sessions. rpm <= 0 disables the cap.
func NewRateLimited(inner Gateway, rpm float64) *RateLimited {
	var limiter *rate.Limiter
	if rpm > 0 {
		burst := int(rpm / 60 * 2)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rpm/60), burst)
	}
	return &RateLimited{inner: inner, limiter: limiter}
}

func (g *RateLimited) Complete(ctx context.Context, msgs []Message, sampling Sampling, stop []string) (Completion, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return Completion{}, err
		}
	}
	return g.inner.Complete(ctx, msgs, sampling, stop)
}
