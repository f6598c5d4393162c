package domain

import "github.com/google/uuid"

// DefaultMLThreshold applies when a strategy enables ML validation but
// configures no threshold of its own.
const DefaultMLThreshold = 70.0

// Strategy is the upstream signal-source strategy a signal may
// reference. The gateway reads it only to decide whether the ML gate
// runs and at what threshold.
type Strategy struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	MLAssisted  bool      `json:"ml_assisted"`
	MLThreshold float64   `json:"ml_threshold"`
}

// Threshold resolves the configured threshold against the default.
func (s *Strategy) Threshold() float64 {
	if s.MLThreshold > 0 {
		return s.MLThreshold
	}
	return DefaultMLThreshold
}
