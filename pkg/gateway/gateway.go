// Package gateway is the single entry point for model calls. It wraps
// the llm router with concurrency semaphores, a strict per-model rate
// gate, dynamic timeouts, a retry envelope and usage accounting.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/opgroeien/flowd/pkg/llm"
	"github.com/opgroeien/flowd/pkg/metrics"
	"github.com/opgroeien/flowd/pkg/models"
)

// CallContext identifies the caller of a model invocation.
type CallContext struct {
	ThreadID string
	RunID    string
	NodeName string
	// InputTokens is an estimate of the prompt size, used to derive the
	// call timeout. Zero means unknown.
	InputTokens int
}

// Request is one gateway invocation.
type Request struct {
	Model    string
	Messages []models.Message
	Tools    []llm.ToolSpec
	Config   models.ModelConfig
	Context  CallContext

	// Observer, when set, receives every stream chunk as it arrives.
	// Flows use it to forward token deltas to the event stream.
	Observer func(llm.Chunk)
}

// Config tunes the gateway policies.
type Config struct {
	// Pools maps semaphore names to permit counts; 0 means unlimited.
	Pools map[string]int

	// StrictInterval is the minimum spacing between calls to a model
	// flagged strict. 12s keeps Pro-tier models under 5 RPM.
	StrictInterval time.Duration

	// MaxAttempts bounds the retry envelope (including the first try).
	MaxAttempts int

	// BaseDelay and MaxDelay shape the exponential backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// DefaultTimeout applies when the prompt size is unknown.
	DefaultTimeout time.Duration

	// MinTimeout and MaxTimeout clamp the derived timeout.
	MinTimeout time.Duration
	MaxTimeout time.Duration
}

// DefaultConfig returns the production policy defaults.
func DefaultConfig() Config {
	return Config{
		Pools: map[string]int{
			"analyst": 1,
			"consult": 2,
			"agent":   0,
		},
		StrictInterval: 12 * time.Second,
		MaxAttempts:    3,
		BaseDelay:      2 * time.Second,
		MaxDelay:       120 * time.Second,
		DefaultTimeout: 600 * time.Second,
		MinTimeout:     120 * time.Second,
		MaxTimeout:     1800 * time.Second,
	}
}

// Gateway enforces call policies around the llm router.
type Gateway struct {
	router   *llm.Router
	registry *metrics.Registry
	config   Config
	logger   *slog.Logger

	mu       sync.Mutex
	pools    map[string]chan struct{}
	limiters map[string]*rate.Limiter
}

// New creates a gateway. registry may be nil.
func New(router *llm.Router, registry *metrics.Registry, config Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		router:   router,
		registry: registry,
		config:   config,
		logger:   logger.With("component", "gateway"),
		pools:    make(map[string]chan struct{}),
		limiters: make(map[string]*rate.Limiter),
	}
}

// InvokeLLM runs one model call under the full policy stack and returns
// the collected response with its token usage.
func (g *Gateway) InvokeLLM(ctx context.Context, req *Request) (*llm.Response, models.TokenUsage, error) {
	spec, err := g.router.Spec(req.Model)
	if err != nil {
		return nil, models.TokenUsage{}, &Error{Kind: FailureInvalid, Model: req.Model, Err: err}
	}

	callID := uuid.NewString()
	if g.registry != nil {
		g.registry.RecordLLMStart(req.Context.ThreadID, callID, req.Model, req.Config, req.Context.RunID)
	}

	release, err := g.acquire(ctx, spec.Pool)
	if err != nil {
		return nil, models.TokenUsage{}, g.fail(req, callID, err)
	}
	defer release()

	timeout := g.timeoutFor(req.Context.InputTokens)
	logger := g.logger.With(
		"thread_id", req.Context.ThreadID,
		"node", req.Context.NodeName,
		"model", req.Model,
		"call_id", callID)

	var resp *llm.Response
	attempt := 0
	operation := func() error {
		attempt++
		if spec.Strict {
			if err := g.strictLimiter(req.Model).Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		r, err := g.attempt(ctx, req, callID, timeout)
		if err != nil {
			kind := classify(err)
			if !retryable(kind) || attempt >= g.config.MaxAttempts {
				return backoff.Permanent(err)
			}
			logger.Warn("llm call failed, retrying",
				"attempt", attempt, "kind", string(kind), "error", err)
			return err
		}
		resp = r
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = g.config.BaseDelay
	policy.MaxInterval = g.config.MaxDelay
	policy.MaxElapsedTime = 0

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, models.TokenUsage{}, g.fail(req, callID, err)
	}

	if g.registry != nil {
		g.registry.RecordLLMUsage(req.Context.ThreadID, callID, resp.Usage)
		g.registry.RecordLLMStatus(req.Model, "success")
	}
	logger.Info("llm call completed",
		"attempts", attempt,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)
	return resp, resp.Usage, nil
}

// attempt performs a single model invocation under the derived timeout.
func (g *Gateway) attempt(ctx context.Context, req *Request, callID string, timeout time.Duration) (*llm.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stream, err := g.router.Stream(callCtx, &llm.Request{
		Model:    req.Model,
		Messages: req.Messages,
		Tools:    req.Tools,
		Config:   req.Config,
	})
	if err != nil {
		return nil, err
	}

	resp := &llm.Response{}
	firstToken := false
	for chunk := range stream {
		switch c := chunk.(type) {
		case llm.TextChunk:
			if !firstToken {
				firstToken = true
				if g.registry != nil {
					g.registry.RecordFirstToken(req.Context.ThreadID, callID)
				}
			}
			resp.Text += c.Content
		case llm.ThinkingChunk:
			if !firstToken {
				firstToken = true
				if g.registry != nil {
					g.registry.RecordFirstToken(req.Context.ThreadID, callID)
				}
			}
		case llm.ToolCallChunk:
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				CallID: c.CallID,
				Name:   c.Name,
				Args:   c.Arguments,
			})
		case llm.UsageChunk:
			resp.Usage = c.Usage
		case llm.ErrorChunk:
			// A timeout inside the stream belongs to this attempt, not
			// the caller.
			if callCtx.Err() != nil && ctx.Err() == nil {
				return nil, context.DeadlineExceeded
			}
			return nil, c.Err
		}
		if req.Observer != nil {
			req.Observer(chunk)
		}
	}
	if callCtx.Err() != nil && ctx.Err() == nil {
		return nil, context.DeadlineExceeded
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return resp, nil
}

// acquire takes a slot in the named pool; the returned func releases it.
func (g *Gateway) acquire(ctx context.Context, pool string) (func(), error) {
	if pool == "" {
		return func() {}, nil
	}
	permits, ok := g.config.Pools[pool]
	if !ok || permits <= 0 {
		return func() {}, nil
	}

	g.mu.Lock()
	sem, ok := g.pools[pool]
	if !ok {
		sem = make(chan struct{}, permits)
		g.pools[pool] = sem
	}
	g.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gateway) strictLimiter(model string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	limiter, ok := g.limiters[model]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(g.config.StrictInterval), 1)
		g.limiters[model] = limiter
	}
	return limiter
}

// timeoutFor derives the call timeout from the estimated prompt size.
// The estimate budgets fixed connection overhead, prompt ingestion and
// a response assumed to be 20% of the prompt, then doubles for safety.
func (g *Gateway) timeoutFor(inputTokens int) time.Duration {
	if inputTokens <= 0 {
		return g.config.DefaultTimeout
	}
	in := float64(inputTokens)
	seconds := 2 * (60 + 0.002*in + 0.015*(0.2*in) + 60 + 12)
	derived := time.Duration(seconds * float64(time.Second))
	if derived < g.config.MinTimeout {
		return g.config.MinTimeout
	}
	if derived > g.config.MaxTimeout {
		return g.config.MaxTimeout
	}
	return derived
}

func (g *Gateway) fail(req *Request, callID string, err error) error {
	kind := classify(err)
	if g.registry != nil {
		g.registry.RecordLLMStatus(req.Model, string(kind))
	}
	g.logger.Error("llm call failed",
		"thread_id", req.Context.ThreadID,
		"node", req.Context.NodeName,
		"model", req.Model,
		"call_id", callID,
		"kind", string(kind),
		"error", err)
	return &Error{Kind: kind, Model: req.Model, Err: err}
}
