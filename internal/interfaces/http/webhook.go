package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradegate/tradegate/internal/domain"
)

const maxWebhookBody = 1 << 20

// knownWebhookFields are consumed by the parser. Everything else rides
// through to the venue adapter untouched (option right and strike,
// trailing-stop settings, time-in-force hints).
var knownWebhookFields = map[string]bool{
	"secret":              true,
	"exchange":            true,
	"action":              true,
	"symbol":              true,
	"user_id":             true,
	"order_type":          true,
	"price":               true,
	"position_size_usd":   true,
	"stop_loss_percent":   true,
	"take_profit_percent": true,
	"strategy_id":         true,
	"strategy":            true,
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	secret, sig, err := parseWebhook(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.deps.Gateway.Handle(r.Context(), secret, sig)
	if err != nil {
		if domain.KindOf(err) == domain.KindMLBlocked {
			body := map[string]any{
				"success":     false,
				"blockedByML": true,
			}
			for k, v := range domain.FieldsOf(err) {
				body[k] = v
			}
			s.writeJSON(w, http.StatusOK, body)
			return
		}
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, webhookResponse{Success: true, Result: res})
}

// parseWebhook decodes the body into a Signal. Only structure is
// rejected here (invalid JSON, unknown enums, malformed UUIDs and
// numbers); semantic checks like missing secret or symbol belong to the
// dispatcher so every entry path enforces them.
func parseWebhook(w http.ResponseWriter, r *http.Request) (string, *domain.Signal, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	raw := make(map[string]any)
	if err := dec.Decode(&raw); err != nil {
		return "", nil, domain.Wrap(domain.KindBadRequest, err, "request body is not valid JSON")
	}

	secret, _ := stringField(raw, "secret")

	exchange, _ := stringField(raw, "exchange")
	if exchange == "" {
		return "", nil, domain.E(domain.KindBadRequest, "exchange is required")
	}
	v, err := domain.ParseVenue(exchange)
	if err != nil {
		return "", nil, domain.Wrap(domain.KindUnsupportedVenue, err, "unsupported exchange %q", exchange)
	}

	actionRaw, _ := stringField(raw, "action")
	if actionRaw == "" {
		return "", nil, domain.E(domain.KindBadRequest, "action is required")
	}
	action, err := domain.ParseAction(actionRaw)
	if err != nil {
		return "", nil, domain.Wrap(domain.KindBadRequest, err, "unknown action %q", actionRaw)
	}

	orderTypeRaw, _ := stringField(raw, "order_type")
	orderType, err := domain.ParseOrderType(orderTypeRaw)
	if err != nil {
		return "", nil, domain.Wrap(domain.KindBadRequest, err, "unknown order type %q", orderTypeRaw)
	}

	symbol, _ := stringField(raw, "symbol")
	strategy, _ := stringField(raw, "strategy")

	sig := &domain.Signal{
		Venue:     v,
		Action:    action,
		Symbol:    symbol,
		OrderType: orderType,
		Strategy:  strategy,
		Source:    domain.SourceWebhook,
	}

	if idStr, ok := stringField(raw, "user_id"); ok && idStr != "" {
		id, err := uuid.Parse(idStr)
		if err != nil {
			return "", nil, domain.E(domain.KindBadRequest, "user_id is not a valid UUID")
		}
		sig.UserID = &id
	}
	if idStr, ok := stringField(raw, "strategy_id"); ok && idStr != "" {
		id, err := uuid.Parse(idStr)
		if err != nil {
			return "", nil, domain.E(domain.KindBadRequest, "strategy_id is not a valid UUID")
		}
		sig.StrategyID = &id
	}

	if d, ok, err := decimalField(raw, "price"); err != nil {
		return "", nil, err
	} else if ok {
		sig.LimitPrice = &d
	}
	if d, ok, err := decimalField(raw, "position_size_usd"); err != nil {
		return "", nil, err
	} else if ok {
		sig.NotionalUSD = &d
	}
	if d, ok, err := decimalField(raw, "stop_loss_percent"); err != nil {
		return "", nil, err
	} else if ok {
		sig.StopLossPct = &d
	}
	if d, ok, err := decimalField(raw, "take_profit_percent"); err != nil {
		return "", nil, err
	} else if ok {
		sig.TakeProfitPct = &d
	}

	extra := make(map[string]any)
	for key, val := range raw {
		if knownWebhookFields[key] {
			continue
		}
		// json.Number is a decode-time artifact; hand adapters plain
		// strings they can parse.
		if n, isNum := val.(json.Number); isNum {
			extra[key] = n.String()
			continue
		}
		extra[key] = val
	}
	if len(extra) > 0 {
		sig.Extra = extra
	}

	return secret, sig, nil
}

func stringField(raw map[string]any, key string) (string, bool) {
	v, ok := raw[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(s), true
}

// decimalField accepts JSON numbers and numeric strings; upstream
// signal builders send both.
func decimalField(raw map[string]any, key string) (decimal.Decimal, bool, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return decimal.Zero, false, nil
	}
	switch t := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return decimal.Zero, false, domain.E(domain.KindBadRequest, "%s is not a number", key)
		}
		return d, true, nil
	case string:
		if strings.TrimSpace(t) == "" {
			return decimal.Zero, false, nil
		}
		d, err := decimal.NewFromString(strings.TrimSpace(t))
		if err != nil {
			return decimal.Zero, false, domain.E(domain.KindBadRequest, "%s is not a number", key)
		}
		return d, true, nil
	}
	return decimal.Zero, false, domain.E(domain.KindBadRequest, "%s is not a number", key)
}
