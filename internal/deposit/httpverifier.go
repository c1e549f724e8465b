package deposit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/acee-ventures/openpoi/pkg/credits"
)

// HTTPVerifier confirms transfers through a chain indexer's REST API.
// The indexer is expected to answer
// GET {base}/v1/transfers/{chain}/{txRef} with
// {"confirmed": bool, "token": "USDC", "raw_amount": 25000000, "payer": "0x.."}.
type HTTPVerifier struct {
	baseURL string
	client  *http.Client
}

// NewHTTPVerifier wires a verifier against the indexer base URL.
func NewHTTPVerifier(baseURL string, timeout time.Duration) (*HTTPVerifier, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("deposit verifier: base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("deposit verifier: invalid base url: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultVerifyTimeout
	}
	return &HTTPVerifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type transferStatus struct {
	Confirmed bool   `json:"confirmed"`
	Token     string `json:"token"`
	RawAmount int64  `json:"raw_amount"`
	Payer     string `json:"payer"`
}

func (verifier *HTTPVerifier) Verify(ctx context.Context, chain string, txRef string) (Verification, error) {
	endpoint := fmt.Sprintf("%s/v1/transfers/%s/%s", verifier.baseURL, url.PathEscape(chain), url.PathEscape(txRef))
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Verification{}, err
	}
	response, err := verifier.client.Do(request)
	if err != nil {
		return Verification{}, err
	}
	defer func() { _ = response.Body.Close() }()

	switch response.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Verification{}, fmt.Errorf("%w: transfer not found", credits.ErrDepositNotVerified)
	default:
		return Verification{}, fmt.Errorf("indexer returned status %d", response.StatusCode)
	}

	var status transferStatus
	if err := json.NewDecoder(response.Body).Decode(&status); err != nil {
		return Verification{}, err
	}
	if !status.Confirmed {
		return Verification{}, fmt.Errorf("%w: transfer not confirmed", credits.ErrDepositNotVerified)
	}
	return Verification{
		Token:     status.Token,
		RawAmount: status.RawAmount,
		Payer:     status.Payer,
	}, nil
}
