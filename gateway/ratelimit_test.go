package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeGateway struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeGateway) Complete(ctx context.Context, msgs []Message, sampling Sampling, stop []string) (Completion, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return Completion{Text: "ok"}, f.err
}

func TestRateLimitedDisabled(t *testing.T) {
	inner := &fakeGateway{}
	g := NewRateLimited(inner, 0)

	for i := 0; i < 5; i++ {
		if _, err := g.Complete(context.Background(), nil, Sampling{}, nil); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if inner.calls != 5 {
		t.Fatalf("expected 5 passthrough calls, got %d", inner.calls)
	}
}

func TestRateLimitedBlocksPastBurst(t *testing.T) {
	inner := &fakeGateway{}
	// 0.06 requests per minute leaves a burst of one; the second call has to
	// wait far longer than its context allows.
	g := NewRateLimited(inner, 0.06)

	if _, err := g.Complete(context.Background(), nil, Sampling{}, nil); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := g.Complete(ctx, nil, Sampling{}, nil); err == nil {
		t.Fatal("expected rate limit wait to fail under context deadline")
	}
	if inner.calls != 1 {
		t.Fatalf("second call reached the gateway despite the limit: %d", inner.calls)
	}
}

func TestRateLimitedPropagatesErrors(t *testing.T) {
	inner := &fakeGateway{err: errors.New("endpoint unreachable")}
	g := NewRateLimited(inner, 0)

	if _, err := g.Complete(context.Background(), nil, Sampling{}, nil); err == nil {
		t.Fatal("expected inner error to propagate")
	}
}
