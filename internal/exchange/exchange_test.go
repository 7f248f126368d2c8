// Package exchange_test provides tests for the exchange client and helpers.
package exchange_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rrychs1/paisajes-de-poincare/internal/exchange"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"rate limited", &exchange.APIError{Status: 429, Message: "slow down"}, true},
		{"ip banned", &exchange.APIError{Status: 418, Message: "banned"}, true},
		{"server error", &exchange.APIError{Status: 503, Message: "unavailable"}, true},
		{"disconnect code", &exchange.APIError{Status: 400, Code: -1001, Message: "disconnected"}, true},
		{"timeout code", &exchange.APIError{Status: 400, Code: -1007, Message: "timeout"}, true},
		{"validation error", &exchange.APIError{Status: 400, Code: -1102, Message: "mandatory param missing"}, false},
		{"insufficient balance", &exchange.APIError{Status: 400, Code: -2019, Message: "margin is insufficient"}, false},
		{"wrapped api error", fmt.Errorf("place order: %w", &exchange.APIError{Status: 500, Message: "oops"}), true},
		{"dns failure", &net.DNSError{Err: "lookup timeout", IsTimeout: true}, true},
		{"plain error", errors.New("boom"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exchange.IsTransient(tc.err); got != tc.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestGateBlocksAtCapacity(t *testing.T) {
	g := exchange.NewGate(2)

	for i := 0; i < 2; i++ {
		if err := g.Acquire(context.Background()); err != nil {
			t.Fatalf("Failed to acquire permit %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := g.Acquire(ctx); err == nil {
		t.Fatal("expected acquire to block at capacity")
	}

	g.Release()
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("Failed to acquire after release: %v", err)
	}
}

func TestGateUnblocksWaiter(t *testing.T) {
	g := exchange.NewGate(1)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Acquire(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	g.Release()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiter failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not unblocked by release")
	}
}
