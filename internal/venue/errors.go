package venue

import (
	"net/http"
	"strings"

	"github.com/tradegate/tradegate/internal/domain"
)

// rejectionPatterns maps substrings seen in venue rejection bodies to
// the error kinds the pipeline reports. Matching is case-insensitive
// and first-hit wins.
var rejectionPatterns = []struct {
	needle string
	kind   domain.Kind
}{
	{"insufficient", domain.KindInsufficientFund},
	{"not enough", domain.KindInsufficientFund},
	{"margin", domain.KindInsufficientFund},
	{"market is closed", domain.KindMarketClosed},
	{"market closed", domain.KindMarketClosed},
	{"outside of market hours", domain.KindMarketClosed},
	{"not open for trading", domain.KindMarketClosed},
	{"unknown symbol", domain.KindUnknownSymbol},
	{"invalid symbol", domain.KindUnknownSymbol},
	{"invalid instrument", domain.KindUnknownSymbol},
	{"symbol not found", domain.KindUnknownSymbol},
	{"instrument not found", domain.KindUnknownSymbol},
	{"asset not found", domain.KindUnknownSymbol},
	{"below the minimum", domain.KindTooSmall},
	{"minimum order", domain.KindTooSmall},
	{"minimum value", domain.KindTooSmall},
	{"too small", domain.KindTooSmall},
	{"order size", domain.KindTooSmall},
}

// ClassifyResponse turns a venue HTTP failure into a pipeline error.
// Retries have already been exhausted by the time this runs, so 5xx and
// 429 are reported as transient (order state unknown); recognizable
// order rejections map to their specific kinds; everything else in 4xx
// is an adapter-side defect.
func ClassifyResponse(v domain.Venue, status int, body string) error {
	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
		return domain.E(domain.KindTransient, "%s: venue returned %d: %s", v, status, truncate(body))
	}
	if k, ok := classifyBody(body); ok {
		return domain.E(k, "%s: order rejected: %s", v, truncate(body))
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return domain.E(domain.KindCredentialBad, "%s: venue rejected credentials (%d)", v, status)
	}
	return domain.E(domain.KindClient, "%s: venue returned %d: %s", v, status, truncate(body))
}

// ClassifyTransport wraps a transport-level failure (DNS, dial, timeout)
// as transient: the request may or may not have reached the venue.
func ClassifyTransport(v domain.Venue, err error) error {
	return domain.Wrap(domain.KindTransient, err, "%s: venue unreachable", v)
}

// ClassifyRejection maps a business-level rejection message (an error
// payload inside an HTTP 200, common on crypto venues) onto the
// taxonomy, defaulting to the adapter-local bucket.
func ClassifyRejection(v domain.Venue, msg string) error {
	if k, ok := classifyBody(msg); ok {
		return domain.E(k, "%s: order rejected: %s", v, truncate(msg))
	}
	return domain.E(domain.KindClient, "%s: venue rejected request: %s", v, truncate(msg))
}

func classifyBody(body string) (domain.Kind, bool) {
	lower := strings.ToLower(body)
	for _, p := range rejectionPatterns {
		if strings.Contains(lower, p.needle) {
			return p.kind, true
		}
	}
	return "", false
}

func truncate(s string) string {
	const max = 280
	s = strings.TrimSpace(s)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
