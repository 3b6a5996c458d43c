package worker

import (
	"errors"
	"testing"
	"time"

	"github.com/letterpressd/letterpress/internal/circuitbreaker"
	"github.com/letterpressd/letterpress/internal/testutil"
)

func TestGatedGenerator_OpenCircuitIsRetryable(t *testing.T) {
	cb := circuitbreaker.New(1, time.Minute)
	gen := &scriptedGenerator{errs: []error{&RetryableError{Err: errors.New("generator: status 502")}}}
	gated := NewGatedGenerator(gen, cb, "http://generator.internal")
	ctx := testutil.TestContext(t)

	// First call trips the breaker.
	if _, err := gated.Generate(ctx, generatorJob()); err == nil {
		t.Fatal("expected failure from inner generator")
	}

	_, err := gated.Generate(ctx, generatorJob())
	if !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("open circuit must classify as retryable")
	}
	if gen.calls != 1 {
		t.Errorf("inner generator called %d times, want 1 (second call gated)", gen.calls)
	}
}

func TestGatedGenerator_TerminalErrorDoesNotTrip(t *testing.T) {
	cb := circuitbreaker.New(1, time.Minute)
	gen := &scriptedGenerator{errs: []error{
		&TerminalError{Err: errors.New("generator: status 422")},
		&TerminalError{Err: errors.New("generator: status 422")},
	}}
	gated := NewGatedGenerator(gen, cb, "http://generator.internal")
	ctx := testutil.TestContext(t)

	gated.Generate(ctx, generatorJob())
	_, err := gated.Generate(ctx, generatorJob())

	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Fatal("terminal responses must not open the circuit")
	}
	if gen.calls != 2 {
		t.Errorf("inner generator called %d times, want 2", gen.calls)
	}
}

func TestGatedGenerator_SuccessClosesCircuit(t *testing.T) {
	cb := circuitbreaker.New(2, time.Minute)
	gen := &scriptedGenerator{
		errs:  []error{&RetryableError{Err: errors.New("generator: timeout")}},
		issue: Issue{ResultRef: "issues/1"},
	}
	gated := NewGatedGenerator(gen, cb, "http://generator.internal")
	ctx := testutil.TestContext(t)

	gated.Generate(ctx, generatorJob())
	if _, err := gated.Generate(ctx, generatorJob()); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	// The streak reset; one more failure stays below threshold.
	if err := cb.Allow("http://generator.internal"); err != nil {
		t.Fatalf("circuit should be closed: %v", err)
	}
}
