// Package mock provides a scripted Generator for tests and local runs.
package mock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ineyio/quotagate"
)

// Generator is a mock text generator.
type Generator struct {
	name         string
	response     string
	latency      time.Duration
	failAfter    int
	callCount    atomic.Int64
	staticErr    error
	responseFunc func(prompt string) (string, error)
}

var _ quotagate.Generator = (*Generator)(nil)

// Option configures a mock Generator.
type Option func(*Generator)

// New creates a mock generator with the given options.
func New(opts ...Option) *Generator {
	g := &Generator{
		name:     "mock",
		response: "Hello from mock generator",
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// FromConfig creates a mock generator from the generator config section,
// for local runs without an API key.
func FromConfig(cfg quotagate.GeneratorConfig) *Generator {
	var opts []Option
	if cfg.MockResponse != "" {
		opts = append(opts, WithResponse(cfg.MockResponse))
	}
	if cfg.MockLatency > 0 {
		opts = append(opts, WithLatency(cfg.MockLatency))
	}
	return New(opts...)
}

// WithName sets the generator name.
func WithName(name string) Option {
	return func(g *Generator) { g.name = name }
}

// WithResponse sets the fixed text returned on success.
func WithResponse(text string) Option {
	return func(g *Generator) { g.response = text }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(g *Generator) { g.latency = d }
}

// WithFailAfter makes the generator fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(g *Generator) { g.failAfter = n }
}

// WithError makes the generator always return this error.
func WithError(err error) Option {
	return func(g *Generator) { g.staticErr = err }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(prompt string) (string, error)) Option {
	return func(g *Generator) { g.responseFunc = fn }
}

func (g *Generator) Name() string { return g.name }

func (g *Generator) Complete(ctx context.Context, prompt string) (string, error) {
	if g.latency > 0 {
		select {
		case <-time.After(g.latency):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	count := g.callCount.Add(1)

	if g.staticErr != nil {
		return "", g.staticErr
	}

	if g.failAfter > 0 && int(count) > g.failAfter {
		return "", quotagate.ErrGeneratorUnavailable
	}

	if g.responseFunc != nil {
		return g.responseFunc(prompt)
	}

	return g.response, nil
}

// CallCount returns the number of calls made to the generator.
func (g *Generator) CallCount() int64 { return g.callCount.Load() }
