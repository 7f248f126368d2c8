package exchange

import "context"

// Gate bounds the number of in-flight exchange calls process-wide. Every
// request acquires a permit before touching the wire, so a burst of symbols
// cannot fan out into an unbounded number of concurrent requests.
type Gate struct {
	permits chan struct{}
}

// NewGate creates a gate with the given number of permits.
func NewGate(size int) *Gate {
	if size <= 0 {
		size = 1
	}
	return &Gate{permits: make(chan struct{}, size)}
}

// Acquire blocks until a permit is available or the context is done.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.permits <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a permit. It must be called exactly once per successful
// Acquire.
func (g *Gate) Release() {
	<-g.permits
}
