// Package orchestrator dispatches requests through the primary, fallback and
// local providers, moving a session down the chain when a provider runs out
// of quota while keeping its conversation intact.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kcaldas/tokenopt/pkg/cache"
	"github.com/kcaldas/tokenopt/pkg/events"
	"github.com/kcaldas/tokenopt/pkg/failure"
	"github.com/kcaldas/tokenopt/pkg/logging"
	"github.com/kcaldas/tokenopt/pkg/metrics"
	"github.com/kcaldas/tokenopt/pkg/provider"
	"github.com/kcaldas/tokenopt/pkg/request"
)

const (
	DefaultMaxRetries = 3
	DefaultMinBalance = 0.10
)

// Config controls how eagerly sessions move down the chain.
type Config struct {
	// MaxRetries bounds the provider-triggered transitions within one call.
	MaxRetries int
	// MinBalance is the account balance below which a paid provider is abandoned.
	MinBalance float64
	// LocalEnabled allows the chain to end at the local agent.
	LocalEnabled bool
}

func DefaultConfig() Config {
	return Config{MaxRetries: DefaultMaxRetries, MinBalance: DefaultMinBalance, LocalEnabled: true}
}

// Result is a completed call.
type Result struct {
	Response *provider.Response
	Path     []Transition
	Attempts int
}

// ExecuteError carries the transitions taken before a call failed.
type ExecuteError struct {
	Path []Transition
	Err  error
}

func (e *ExecuteError) Error() string {
	if len(e.Path) == 0 {
		return e.Err.Error()
	}
	steps := make([]string, 0, len(e.Path)+1)
	steps = append(steps, e.Path[0].From.String())
	for _, t := range e.Path {
		steps = append(steps, t.To.String())
	}
	return fmt.Sprintf("%v (path %s)", e.Err, strings.Join(steps, " -> "))
}

func (e *ExecuteError) Unwrap() error { return e.Err }

// Option configures the Orchestrator.
type Option func(*Orchestrator)

func WithEventBus(bus events.Publisher) Option {
	return func(o *Orchestrator) {
		if bus != nil {
			o.bus = bus
		}
	}
}

func WithMetrics(m *metrics.Tracker) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithCacheTracker records provider-reported cache usage.
func WithCacheTracker(t *cache.Tracker) Option {
	return func(o *Orchestrator) { o.cache = t }
}

func WithLogger(logger logging.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator is the single authority over its sessions' provider state.
type Orchestrator struct {
	cfg     Config
	chain   *provider.Chain
	bus     events.Publisher
	metrics *metrics.Tracker
	cache   *cache.Tracker
	logger  logging.Logger
	now     func() time.Time
}

func New(chain *provider.Chain, cfg Config, opts ...Option) *Orchestrator {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	o := &Orchestrator{
		cfg:    cfg,
		chain:  chain,
		bus:    events.NoOpPublisher{},
		logger: logging.NewComponentLogger("orchestrator"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewSession starts a conversation in the Primary state.
func (o *Orchestrator) NewSession() *Session {
	return newSession()
}

// Execute sends req, prefixed with the session history, to the session's
// current provider and walks down the chain on quota failures.
func (o *Orchestrator) Execute(ctx context.Context, s *Session, req request.Request) (*Result, error) {
	return o.execute(ctx, s, req, nil)
}

// ExecuteStream is Execute with incremental output for providers that can
// stream. Chunks of a failed attempt may already have been delivered.
func (o *Orchestrator) ExecuteStream(ctx context.Context, s *Session, req request.Request, onChunk func(string)) (*Result, error) {
	return o.execute(ctx, s, req, onChunk)
}

func (o *Orchestrator) execute(ctx context.Context, s *Session, req request.Request, onChunk func(string)) (*Result, error) {
	if err := s.queue.acquire(ctx); err != nil {
		return nil, &ExecuteError{Err: fmt.Errorf("%w: waiting for turn: %v", failure.ErrCancelled, err)}
	}
	defer s.queue.release()

	started := o.now()
	full := req.Clone()
	full.Messages = append(s.History(), req.Messages...)

	var (
		path     []Transition
		attempts int
		triggers int
	)
	for {
		state := s.State()
		role, ok := state.Role()
		if !ok {
			return nil, &ExecuteError{Path: path, Err: failure.ErrProvidersUnavailable}
		}

		p, err := o.chain.Get(role)
		if err != nil {
			if errors.Is(err, provider.ErrNotConfigured) {
				path = append(path, o.advance(s, ReasonNotConfigured))
				continue
			}
			return nil, &ExecuteError{Path: path, Err: err}
		}

		attempts++
		callStart := o.now()
		resp, err := o.send(ctx, p, full, onChunk)
		if err != nil {
			if ctx.Err() != nil {
				s.update(func(s *Session) {
					s.state = state
					s.aborted = true
				})
				o.logger.Info("call cancelled", "session", s.ID, "provider", p.Name())
				return nil, &ExecuteError{Path: path, Err: fmt.Errorf("%w: %v", failure.ErrCancelled, ctx.Err())}
			}

			reason := o.triggerReason(err)
			o.metrics.RecordFailure(p.Name(), failureLabel(reason, err))
			if reason == "" {
				if provider.IsRateLimited(err) {
					var pe *provider.Error
					errors.As(err, &pe)
					s.update(func(s *Session) {
						s.rateLimit = &RateLimit{Provider: p.Name(), Message: pe.Message, At: o.now()}
					})
				}
				return nil, &ExecuteError{Path: path, Err: err}
			}

			path = append(path, o.advance(s, reason))
			triggers++
			if triggers > o.cfg.MaxRetries {
				return nil, &ExecuteError{Path: path, Err: fmt.Errorf("%w after %d attempts: %w", failure.ErrRetryBoundExceeded, attempts, err)}
			}
			s.update(func(s *Session) { s.retries++ })
			o.logger.Warn("provider exhausted, retrying", "session", s.ID, "provider", p.Name(), "next", s.State().String())
			continue
		}

		o.record(s, p, resp, o.now().Sub(callStart))
		if t, moved := o.checkBalance(s, state, resp); moved {
			path = append(path, t)
		}

		s.update(func(s *Session) {
			s.aborted = false
			s.history = append(s.history,
				request.Message{Role: request.RoleUser, Content: req.Task},
				request.Message{Role: request.RoleAssistant, Content: resp.Content},
			)
			s.turns = append(s.turns, Turn{
				Task:     req.Task,
				Provider: resp.Provider,
				Model:    resp.Model,
				Usage:    resp.Usage,
				Attempts: attempts,
				Path:     append([]Transition(nil), path...),
				Duration: o.now().Sub(started),
			})
		})
		return &Result{Response: resp, Path: path, Attempts: attempts}, nil
	}
}

// send streams when the provider can. Otherwise the whole reply is handed to
// onChunk once it arrives.
func (o *Orchestrator) send(ctx context.Context, p provider.Provider, req request.Request, onChunk func(string)) (*provider.Response, error) {
	if onChunk == nil {
		return p.Send(ctx, req)
	}
	if sp, ok := p.(provider.StreamingProvider); ok {
		return sp.Stream(ctx, req, onChunk)
	}
	resp, err := p.Send(ctx, req)
	if err == nil && resp.Content != "" {
		onChunk(resp.Content)
	}
	return resp, err
}

// triggerReason names the transition err calls for, or "" when err should
// reach the caller as is.
func (o *Orchestrator) triggerReason(err error) string {
	switch {
	case provider.IsQuotaExhausted(err):
		return ReasonQuotaExhausted
	case errors.Is(err, failure.ErrAgentUnavailable):
		return ReasonAgentUnavailable
	}
	return ""
}

func failureLabel(reason string, err error) string {
	if reason != "" {
		return reason
	}
	if provider.IsRateLimited(err) {
		return "rate_limited"
	}
	return "error"
}

// checkBalance stores the balance a response reported and moves to the next
// role when a paid provider fell below the minimum.
func (o *Orchestrator) checkBalance(s *Session, served State, resp *provider.Response) (Transition, bool) {
	balance := provider.ParseBalance(resp.Metadata)
	if !balance.Known() {
		return Transition{}, false
	}
	s.update(func(s *Session) { s.balance = balance })
	if paid(served) && s.State() == served && balance.Below(o.cfg.MinBalance) {
		return o.advance(s, ReasonLowBalance), true
	}
	return Transition{}, false
}

func (o *Orchestrator) record(s *Session, p provider.Provider, resp *provider.Response, d time.Duration) {
	u := resp.Usage
	o.metrics.RecordUsage(resp.Provider, resp.Model, metrics.Usage{
		PromptTokens:        u.PromptTokens,
		CompletionTokens:    u.CompletionTokens,
		CacheCreationTokens: u.CacheCreationTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CostUSD:             u.CostUSD,
	}, d)
	if o.cache != nil {
		o.cache.RecordProviderUsage(u.CacheCreationTokens, u.CacheReadTokens)
	}

	event := events.UsageEvent{
		SessionID:           s.ID,
		Provider:            p.Name(),
		Model:               resp.Model,
		PromptTokens:        u.PromptTokens,
		CompletionTokens:    u.CompletionTokens,
		CacheCreationTokens: u.CacheCreationTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CostUSD:             u.CostUSD,
		Duration:            d,
	}
	o.bus.Publish(events.TopicUsage, event)
}

// advance moves s one step down the chain. The caller holds the turn.
func (o *Orchestrator) advance(s *Session, reason string) Transition {
	from := s.State()
	return o.moveTo(s, next(from, o.cfg.LocalEnabled), reason)
}

func (o *Orchestrator) moveTo(s *Session, to State, reason string) Transition {
	from := s.State()
	t := Transition{From: from, To: to, Reason: reason, At: o.now()}
	s.setState(to)

	o.logger.Info("provider transition", "session", s.ID, "from", from.String(), "to", to.String(), "reason", reason)
	o.metrics.RecordTransition(from.String(), to.String(), reason)
	o.bus.Publish(events.TopicTransition, events.TransitionEvent{
		SessionID: s.ID,
		From:      from.String(),
		To:        to.String(),
		Reason:    reason,
		At:        t.At,
	})
	return t
}

// ForceFallback moves the session to Fallback from any state.
func (o *Orchestrator) ForceFallback(ctx context.Context, s *Session) error {
	if err := s.queue.acquire(ctx); err != nil {
		return fmt.Errorf("%w: %v", failure.ErrCancelled, err)
	}
	defer s.queue.release()

	if s.State() != Fallback {
		o.moveTo(s, Fallback, ReasonForced)
	}
	return nil
}

// Reset returns the session to Primary and forgets its snapshots. History
// is kept.
func (o *Orchestrator) Reset(ctx context.Context, s *Session) error {
	if err := s.queue.acquire(ctx); err != nil {
		return fmt.Errorf("%w: %v", failure.ErrCancelled, err)
	}
	defer s.queue.release()

	if s.State() != Primary {
		o.moveTo(s, Primary, ReasonReset)
	}
	s.update(func(s *Session) {
		s.balance = provider.Balance{}
		s.rateLimit = nil
		s.aborted = false
	})
	return nil
}

// UpdateBalance applies a balance learned outside a call, such as from a
// background check. It reports whether the session moved to the next role.
func (o *Orchestrator) UpdateBalance(ctx context.Context, s *Session, balance provider.Balance) (bool, error) {
	if err := s.queue.acquire(ctx); err != nil {
		return false, fmt.Errorf("%w: %v", failure.ErrCancelled, err)
	}
	defer s.queue.release()

	s.update(func(s *Session) { s.balance = balance })
	if paid(s.State()) && balance.Below(o.cfg.MinBalance) {
		o.advance(s, ReasonLowBalance)
		return true, nil
	}
	return false, nil
}

// Status is a read-only view of a session for display.
type Status struct {
	SessionID string
	State     State
	Provider  string
	Messages  int
	Retries   int
	Balance   provider.Balance
	RateLimit *RateLimit
	Aborted   bool
}

func (o *Orchestrator) Status(s *Session) Status {
	st := Status{
		SessionID: s.ID,
		State:     s.State(),
		Messages:  len(s.History()),
		Retries:   s.Retries(),
		Balance:   s.Balance(),
		RateLimit: s.RateLimit(),
		Aborted:   s.Aborted(),
	}
	if role, ok := st.State.Role(); ok && o.chain.Initialized(role) {
		if p, err := o.chain.Get(role); err == nil {
			st.Provider = p.Name()
		}
	}
	return st
}
