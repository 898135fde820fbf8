package purchase

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/Tolam-Earth/integration-services/internal/asset"
	"github.com/Tolam-Earth/integration-services/internal/httpjson"
)

// HTTPRates reads GET /rates/tinybar-to-cents => {"rate": n}.
type HTTPRates struct {
	api *httpjson.Client
}

func NewHTTPRates(baseURL string, timeout time.Duration) *HTTPRates {
	return &HTTPRates{api: httpjson.New(baseURL, "", timeout)}
}

func (c *HTTPRates) TinybarToCents(ctx context.Context) (int64, error) {
	var resp struct {
		Rate *int64 `json:"rate"`
	}
	if err := c.api.Get(ctx, "/rates/tinybar-to-cents", nil, &resp); err != nil {
		return 0, err
	}
	if resp.Rate == nil || *resp.Rate <= 0 {
		return 0, fmt.Errorf("conversion rate missing or not positive: %w", asset.ErrValidation)
	}
	return *resp.Rate, nil
}

// HTTPMarketplace posts orders to POST /offsets/purchase.
type HTTPMarketplace struct {
	api *httpjson.Client
}

func NewHTTPMarketplace(baseURL, apiKey string, timeout time.Duration) *HTTPMarketplace {
	return &HTTPMarketplace{api: httpjson.New(baseURL, apiKey, timeout)}
}

func (c *HTTPMarketplace) Purchase(ctx context.Context, o Order) error {
	return c.api.Post(ctx, "/offsets/purchase", o, nil)
}

// HTTPSigner talks to the signing service holding the operator key.
// POST /contract-transactions builds and freezes a purchase_offset call;
// POST /contract-transactions/{id}/execute signs and submits it.
type HTTPSigner struct {
	api *httpjson.Client
}

func NewHTTPSigner(baseURL, apiKey string, timeout time.Duration) *HTTPSigner {
	return &HTTPSigner{api: httpjson.New(baseURL, apiKey, timeout)}
}

type prepareRequest struct {
	Function       string         `json:"function"`
	AccountID      string         `json:"account_id"`
	NftID          asset.Identity `json:"nft_id"`
	PayableTinybar int64          `json:"payable_tinybar"`
}

func (c *HTTPSigner) Prepare(ctx context.Context, req Request, payable int64) (string, error) {
	var resp struct {
		TransactionID string `json:"transaction_id"`
	}
	err := c.api.Post(ctx, "/contract-transactions", prepareRequest{
		Function:       "purchase_offset",
		AccountID:      req.AccountID,
		NftID:          req.Asset.NftID,
		PayableTinybar: payable,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.TransactionID == "" {
		return "", fmt.Errorf("signer returned no transaction id: %w", asset.ErrValidation)
	}
	return resp.TransactionID, nil
}

func (c *HTTPSigner) Execute(ctx context.Context, transactionID string) error {
	return c.api.Post(ctx, "/contract-transactions/"+url.PathEscape(transactionID)+"/execute", struct{}{}, nil)
}
