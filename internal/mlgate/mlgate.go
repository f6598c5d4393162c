// Package mlgate calls the external scoring service for ML-assisted
// strategies. Fail-open is the hard rule here: the scorer being down,
// slow, or incoherent never blocks a trade. The only denying path is a
// well-formed score below the strategy's threshold.
package mlgate

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/tradegate/tradegate/internal/domain"
)

// DefaultTimeout is the hard ceiling on one scoring call.
const DefaultTimeout = 5 * time.Second

const failOpenReason = "ml-unavailable"

// Config wires the client to the scoring service.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Request is the compact market-context snapshot sent for scoring.
type Request struct {
	UserID   uuid.UUID
	Strategy *domain.Strategy
	Symbol   string
	Action   domain.Action
	Ticker   domain.Ticker
}

// Verdict is what the dispatcher acts on. FailOpen verdicts always
// allow.
type Verdict struct {
	Allowed    bool
	Confidence float64
	Threshold  float64
	Reasons    []string
	FailOpen   bool
}

// Record shapes the verdict into a decision-log row. Executed is what
// actually happened afterwards: false for blocked signals and for
// allowed signals whose order then failed.
func (v Verdict) Record(userID uuid.UUID, strategyID *uuid.UUID, symbol string, action domain.Action, executed bool) domain.DecisionRecord {
	return domain.DecisionRecord{
		ID:         uuid.New(),
		StrategyID: strategyID,
		UserID:     userID,
		Symbol:     symbol,
		Action:     action,
		Confidence: v.Confidence,
		Threshold:  v.Threshold,
		Reasons:    v.Reasons,
		Allowed:    v.Allowed,
		FailOpen:   v.FailOpen,
		Executed:   executed,
		CreatedAt:  time.Now().UTC(),
	}
}

// Client scores signals against the ML service. Concurrency-safe.
type Client struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration

	mu          sync.Mutex
	lastSuccess time.Time
	lastFailure time.Time
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	settings := gobreaker.Settings{
		Name:    "ml-scorer",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("ml scorer breaker state change")
		},
	}
	return &Client{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		breaker: gobreaker.NewCircuitBreaker(settings),
		timeout: timeout,
	}
}

type scorePayload struct {
	StrategyID string  `json:"strategy_id"`
	Symbol     string  `json:"symbol"`
	Action     string  `json:"action"`
	Price      string  `json:"price"`
	Bid        string  `json:"bid,omitempty"`
	Ask        string  `json:"ask,omitempty"`
	Volume     string  `json:"volume,omitempty"`
	Threshold  float64 `json:"threshold"`
}

type scoreResponse struct {
	Confidence *float64           `json:"confidence"`
	Reasons    []string           `json:"reasons,omitempty"`
	Features   map[string]float64 `json:"features,omitempty"`
}

// Validate scores one signal. It never returns an error; anything that
// keeps a score from arriving becomes a fail-open allow. While the
// breaker is open the fail-open answer is immediate, with no network
// wait.
func (c *Client) Validate(ctx context.Context, req Request) Verdict {
	threshold := req.Strategy.Threshold()

	out, err := c.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var result scoreResponse
		resp, err := c.http.R().
			SetContext(callCtx).
			SetBody(scorePayload{
				StrategyID: req.Strategy.ID.String(),
				Symbol:     req.Symbol,
				Action:     string(req.Action),
				Price:      req.Ticker.Last.String(),
				Bid:        req.Ticker.Bid.String(),
				Ask:        req.Ticker.Ask.String(),
				Volume:     req.Ticker.Volume.String(),
				Threshold:  threshold,
			}).
			SetResult(&result).
			Post("/validate-strategy-signal")
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() < http.StatusOK || resp.StatusCode() >= http.StatusMultipleChoices {
			return nil, domain.E(domain.KindUnavailable, "ml scorer returned %d", resp.StatusCode())
		}
		if result.Confidence == nil {
			return nil, domain.E(domain.KindUnavailable, "ml scorer response missing confidence")
		}
		return result, nil
	})
	if err != nil {
		c.markFailure()
		log.Warn().Err(err).
			Str("strategy_id", req.Strategy.ID.String()).
			Str("symbol", req.Symbol).
			Msg("ml validation unavailable, failing open")
		return Verdict{Allowed: true, Threshold: threshold, Reasons: []string{failOpenReason}, FailOpen: true}
	}

	c.markSuccess()
	result := out.(scoreResponse)
	confidence := *result.Confidence
	return Verdict{
		Allowed:    confidence >= threshold,
		Confidence: confidence,
		Threshold:  threshold,
		Reasons:    result.Reasons,
	}
}

func (c *Client) markSuccess() {
	c.mu.Lock()
	c.lastSuccess = time.Now().UTC()
	c.mu.Unlock()
}

func (c *Client) markFailure() {
	c.mu.Lock()
	c.lastFailure = time.Now().UTC()
	c.mu.Unlock()
}

// Health is the ML-subsystem readiness view behind /health/ai-worker.
type Health struct {
	Reachable    bool      `json:"reachable"`
	BreakerState string    `json:"breaker_state"`
	LastSuccess  time.Time `json:"last_success,omitempty"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
}

// Health probes the scorer's health endpoint. The probe shares the
// breaker so a dead scorer is reported without a connection attempt.
func (c *Client) Health(ctx context.Context) Health {
	_, err := c.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		resp, err := c.http.R().SetContext(callCtx).Get("/health")
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, domain.E(domain.KindUnavailable, "ml scorer health returned %d", resp.StatusCode())
		}
		return nil, nil
	})
	if err != nil {
		c.markFailure()
	} else {
		c.markSuccess()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return Health{
		Reachable:    err == nil,
		BreakerState: c.breaker.State().String(),
		LastSuccess:  c.lastSuccess,
		LastFailure:  c.lastFailure,
	}
}
