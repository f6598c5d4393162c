package http

import (
	"net/http"
	"sort"
	"time"

	"github.com/tradegate/tradegate/internal/domain"
)

// handleHealth answers liveness probes with the book size and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		OpenPositions: s.deps.Tracker.Count(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
}

// handleAIWorkerHealth reports ML-subsystem readiness. With the gate
// disabled the endpoint still answers, so probes need no special case.
func (s *Server) handleAIWorkerHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.ML == nil {
		s.writeJSON(w, http.StatusOK, aiWorkerResponse{Status: "disabled"})
		return
	}

	h := s.deps.ML.Health(r.Context())
	status := "ok"
	if !h.Reachable || h.BreakerState == "open" {
		status = "degraded"
	}

	resp := aiWorkerResponse{
		Status:       status,
		Reachable:    h.Reachable,
		BreakerState: h.BreakerState,
	}
	if !h.LastSuccess.IsZero() {
		resp.LastSuccess = h.LastSuccess.UTC().Format(time.RFC3339)
	}
	if !h.LastFailure.IsZero() {
		resp.LastFailure = h.LastFailure.UTC().Format(time.RFC3339)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handlePositions serves the tracked book rolled up per (venue, symbol).
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	snapshot := s.deps.Tracker.Snapshot()

	type groupKey struct {
		venue  domain.Venue
		symbol string
	}
	groups := make(map[groupKey]*symbolSummary)
	venues := make(map[string]int)
	pending := 0

	for i := range snapshot {
		p := &snapshot[i]
		venues[string(p.Venue)]++
		if p.PendingEntry {
			pending++
		}

		k := groupKey{venue: p.Venue, symbol: p.Symbol}
		g, ok := groups[k]
		if !ok {
			g = &symbolSummary{Exchange: string(p.Venue), Symbol: p.Symbol}
			groups[k] = g
		}
		g.Count++
		switch p.Side {
		case domain.SideShort:
			g.Short++
		default:
			g.Long++
		}
		if p.PendingEntry {
			g.Pending++
		}
		g.NotionalUSD = g.NotionalUSD.Add(p.NotionalUSD)
		g.UnrealizedPnL = g.UnrealizedPnL.Add(p.UnrealizedPnL)
	}

	symbols := make([]symbolSummary, 0, len(groups))
	for _, g := range groups {
		symbols = append(symbols, *g)
	}
	sort.Slice(symbols, func(i, j int) bool {
		if symbols[i].Exchange != symbols[j].Exchange {
			return symbols[i].Exchange < symbols[j].Exchange
		}
		return symbols[i].Symbol < symbols[j].Symbol
	})

	s.writeJSON(w, http.StatusOK, positionsResponse{
		OpenPositions:  len(snapshot),
		PendingEntries: pending,
		Venues:         venues,
		Symbols:        symbols,
	})
}
