package domain

import (
	"time"

	"github.com/google/uuid"
)

// DecisionRecord is one appended row of the strategy validation log:
// every ML gate invocation, whether it allowed, denied, or failed open.
type DecisionRecord struct {
	ID         uuid.UUID  `json:"id"`
	StrategyID *uuid.UUID `json:"strategy_id,omitempty"`
	UserID     uuid.UUID  `json:"user_id"`
	Symbol     string     `json:"symbol"`
	Action     Action     `json:"action"`
	Confidence float64    `json:"confidence"`
	Threshold  float64    `json:"threshold"`
	Reasons    []string   `json:"reasons,omitempty"`
	Allowed    bool       `json:"allowed"`
	// FailOpen marks verdicts synthesized because the scorer was
	// unreachable or returned garbage.
	FailOpen  bool      `json:"fail_open"`
	Executed  bool      `json:"executed"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification kinds surfaced to the dashboard.
const (
	NotifyRiskLimit  = "risk_limit"
	NotifyPlanQuota  = "plan_quota"
	NotifyCopyPaused = "copy_paused"
	NotifyTradeError = "trade_error"
)

// Notification is a user-visible message written through the audit sink.
type Notification struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
