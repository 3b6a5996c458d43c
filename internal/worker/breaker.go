package worker

import (
	"context"

	"github.com/letterpressd/letterpress/internal/domain"
)

// Breaker gates calls to a failure-prone target.
type Breaker interface {
	Allow(target string) error
	RecordSuccess(target string)
	RecordFailure(target string)
}

// GatedGenerator wraps a Generator with a circuit breaker. An open
// circuit surfaces as a retryable failure, so the job backs off without
// hitting the generation service at all.
type GatedGenerator struct {
	inner   Generator
	breaker Breaker
	target  string
}

var _ Generator = (*GatedGenerator)(nil)

func NewGatedGenerator(inner Generator, breaker Breaker, target string) *GatedGenerator {
	return &GatedGenerator{inner: inner, breaker: breaker, target: target}
}

func (g *GatedGenerator) Generate(ctx context.Context, job domain.Job) (Issue, error) {
	if err := g.breaker.Allow(g.target); err != nil {
		return Issue{}, &RetryableError{Err: err}
	}

	issue, err := g.inner.Generate(ctx, job)
	if err != nil {
		if IsRetryable(err) {
			g.breaker.RecordFailure(g.target)
		} else {
			// A terminal response means the service answered; the
			// circuit tracks availability, not payload quality.
			g.breaker.RecordSuccess(g.target)
		}
		return Issue{}, err
	}

	g.breaker.RecordSuccess(g.target)
	return issue, nil
}
