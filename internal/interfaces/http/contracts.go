package http

import (
	"github.com/shopspring/decimal"

	"github.com/tradegate/tradegate/internal/dispatch"
)

// webhookResponse is the success envelope for POST /webhook. The
// embedded dispatch result flattens into the payload: action, symbol,
// exchange, quantity, entryPrice, orderId, durationMs.
type webhookResponse struct {
	Success bool `json:"success"`
	*dispatch.Result
}

// healthResponse is the GET /health payload.
type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime"`
	OpenPositions int    `json:"openPositions"`
	Timestamp     string `json:"timestamp"`
}

// aiWorkerResponse is the GET /health/ai-worker payload.
type aiWorkerResponse struct {
	Status       string `json:"status"`
	Reachable    bool   `json:"reachable"`
	BreakerState string `json:"breakerState,omitempty"`
	LastSuccess  string `json:"lastSuccess,omitempty"`
	LastFailure  string `json:"lastFailure,omitempty"`
}

// positionsResponse is the GET /positions payload: the tracker snapshot
// in aggregate form only. Per-user detail stays off the wire; this is a
// multi-tenant surface.
type positionsResponse struct {
	OpenPositions  int             `json:"openPositions"`
	PendingEntries int             `json:"pendingEntries"`
	Venues         map[string]int  `json:"venues"`
	Symbols        []symbolSummary `json:"symbols"`
}

// symbolSummary aggregates tracked positions per (venue, symbol).
type symbolSummary struct {
	Exchange      string          `json:"exchange"`
	Symbol        string          `json:"symbol"`
	Count         int             `json:"count"`
	Long          int             `json:"long"`
	Short         int             `json:"short"`
	Pending       int             `json:"pending"`
	NotionalUSD   decimal.Decimal `json:"notionalUsd"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
}
