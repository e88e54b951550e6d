package proxy

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"github.com/vnmchuo/chat-gateway/internal/provider"
)

var ErrNoProvider = errors.New("all providers unavailable")

// Router selects a provider for each request and shields unhealthy
// upstreams behind per-provider circuit breakers.
type Router struct {
	providers []provider.Provider
	breakers  map[string]*gobreaker.CircuitBreaker
}

func NewRouter(providers []provider.Provider) *Router {
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, p := range providers {
		settings := gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Router{
		providers: providers,
		breakers:  breakers,
	}
}

// Route picks a provider: the first one serving the requested model, or
// the cheapest available when the caller names no model. Providers with
// an open breaker are skipped.
func (r *Router) Route(ctx context.Context, req *provider.ChatRequest) (provider.Provider, error) {
	var candidates []provider.Provider
	for _, p := range r.providers {
		if r.breakers[p.Name()].State() == gobreaker.StateOpen {
			continue
		}
		if req.Stream && !p.Supports(provider.CapabilityStreaming) {
			continue
		}

		if req.Model != "" {
			for _, m := range p.SupportedModels() {
				if m == req.Model {
					candidates = append(candidates, p)
					break
				}
			}
		} else {
			candidates = append(candidates, p)
		}
	}

	if len(candidates) == 0 {
		return nil, ErrNoProvider
	}

	if req.Model != "" {
		return candidates[0], nil
	}

	best := candidates[0]
	for _, p := range candidates[1:] {
		if p.CostPerInputToken() < best.CostPerInputToken() {
			best = p
		}
	}
	return best, nil
}

func (r *Router) Execute(ctx context.Context, req *provider.ChatRequest, p provider.Provider) (*provider.ChatResponse, error) {
	cb := r.breakers[p.Name()]
	result, err := cb.Execute(func() (interface{}, error) {
		return p.Chat(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*provider.ChatResponse), nil
}

func (r *Router) ExecuteStream(ctx context.Context, req *provider.ChatRequest, p provider.Provider) (<-chan *provider.Chunk, error) {
	cb := r.breakers[p.Name()]
	if cb.State() == gobreaker.StateOpen {
		return nil, ErrNoProvider
	}

	origCh, err := p.ChatStream(ctx, req)
	if err != nil {
		// Count the failed initiation against the breaker.
		_, _ = cb.Execute(func() (interface{}, error) {
			return nil, err
		})
		return nil, err
	}

	wrappedCh := make(chan *provider.Chunk)
	go func() {
		defer close(wrappedCh)
		for chunk := range origCh {
			if chunk.Err != nil {
				_, _ = cb.Execute(func() (interface{}, error) {
					return nil, chunk.Err
				})
			}
			select {
			case wrappedCh <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return wrappedCh, nil
}
