package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/tradegate/tradegate/internal/domain"
)

// statusFor maps the error taxonomy onto HTTP statuses. MLBlocked never
// reaches this table: the webhook handler answers it with 200 because a
// blocked signal is a completed validation, not a failure.
func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindBadRequest, domain.KindNotConfigured, domain.KindUnsupportedVenue:
		return http.StatusBadRequest
	case domain.KindAuthFailed:
		return http.StatusUnauthorized
	case domain.KindRateLimited, domain.KindPlanQuota,
		domain.KindWeeklyTradeLimit, domain.KindWeeklyLossLimit:
		return http.StatusTooManyRequests
	case domain.KindAlreadyOpen:
		return http.StatusConflict
	case domain.KindInsufficientFund, domain.KindMarketClosed,
		domain.KindUnknownSymbol, domain.KindTooSmall:
		return http.StatusUnprocessableEntity
	case domain.KindTransient, domain.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encoding failed")
	}
}

// writeError renders a classified error as {success:false, error:...}
// plus any structured fields the error carries (limit type, current
// value, reset date).
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(domain.KindOf(err))
	body := map[string]any{
		"success": false,
		"error":   errorMessage(err),
	}
	for k, v := range domain.FieldsOf(err) {
		body[k] = v
	}
	if status >= http.StatusInternalServerError {
		log.Error().
			Err(err).
			Str("request_id", requestIDFrom(r.Context())).
			Msg("request failed")
	}
	s.writeJSON(w, status, body)
}

// errorMessage exposes the taxonomy message and hides wrapped causes,
// which may quote venue responses verbatim.
func errorMessage(err error) string {
	var de *domain.Error
	if errors.As(err, &de) && de.Msg != "" {
		return de.Msg
	}
	return "internal error"
}
