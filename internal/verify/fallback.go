package verify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/crestwell/leadpipe/internal/config"
	"github.com/crestwell/leadpipe/internal/domain"
	"github.com/crestwell/leadpipe/internal/pkg/httpretry"
	"github.com/crestwell/leadpipe/internal/pkg/logger"
)

// FallbackVerifier asks a third-party verification vendor for a second
// opinion when SMTP probing is inconclusive. It never returns an error:
// a vendor outage maps to FallbackUnknown and the classifier moves on.
type FallbackVerifier struct {
	cfg  config.VerifyConfig
	http httpretry.HTTPDoer
	log  *logger.Logger
}

// NewFallbackVerifier builds a verifier. A nil doer gets a retry client
// with a 20s budget.
func NewFallbackVerifier(cfg config.VerifyConfig, doer httpretry.HTTPDoer) *FallbackVerifier {
	if doer == nil {
		doer = httpretry.NewRetryClient(&http.Client{Timeout: 20 * time.Second}, 2)
	}
	return &FallbackVerifier{cfg: cfg, http: doer, log: logger.With("fallback-verify")}
}

// Enabled reports whether a vendor is configured.
func (f *FallbackVerifier) Enabled() bool { return f.cfg.ThirdPartyURL != "" }

type fallbackResponse struct {
	Result string `json:"result"`
	Status string `json:"status"`
}

// Check returns the vendor's opinion of the address.
func (f *FallbackVerifier) Check(ctx context.Context, email string) domain.FallbackStatus {
	if !f.Enabled() {
		return domain.FallbackUnknown
	}

	u, err := url.Parse(f.cfg.ThirdPartyURL)
	if err != nil {
		f.log.Warn("bad third_party_verify_url", "error", err)
		return domain.FallbackUnknown
	}
	q := u.Query()
	q.Set("email", email)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return domain.FallbackUnknown
	}
	req.Header.Set("Accept", "application/json")
	if f.cfg.ThirdPartyAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.cfg.ThirdPartyAPIKey)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		f.log.Warn("fallback vendor unreachable", "error", err)
		return domain.FallbackUnknown
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		f.log.Warn("fallback vendor error", "status", resp.StatusCode)
		return domain.FallbackUnknown
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return domain.FallbackUnknown
	}
	var parsed fallbackResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		f.log.Warn("fallback vendor bad json", "error", err)
		return domain.FallbackUnknown
	}

	verdict := parsed.Result
	if verdict == "" {
		verdict = parsed.Status
	}
	switch verdict {
	case "deliverable", "valid", "ok":
		return domain.FallbackDeliverable
	case "undeliverable", "invalid":
		return domain.FallbackUndeliverable
	default:
		return domain.FallbackUnknown
	}
}
