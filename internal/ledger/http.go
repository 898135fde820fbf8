package ledger

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/Tolam-Earth/integration-services/internal/asset"
	"github.com/Tolam-Earth/integration-services/internal/httpjson"
)

// HTTPClient implements Client against the mirror REST API (/api/v1).
type HTTPClient struct {
	api *httpjson.Client
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{api: httpjson.New(baseURL, apiKey, timeout)}
}

func (c *HTTPClient) ListMovements(ctx context.Context, account, kind, order string, since asset.Timestamp) ([]Transaction, error) {
	q := url.Values{}
	q.Set("account.id", account)
	q.Set("transactiontype", kind)
	q.Set("order", order)
	if !since.IsZero() {
		q.Set("timestamp", "gt:"+since.String())
	}
	var resp transactionsResponse
	if err := c.api.Get(ctx, "/api/v1/transactions", q, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

// GetMovementDetails returns every transaction the detail endpoint reports
// for transactionID, the parent first and any child transactions after it.
func (c *HTTPClient) GetMovementDetails(ctx context.Context, transactionID string) ([]Transaction, error) {
	var resp transactionsResponse
	if err := c.api.Get(ctx, "/api/v1/transactions/"+url.PathEscape(transactionID), nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Transactions) == 0 {
		return nil, fmt.Errorf("transaction %s: empty detail: %w", transactionID, asset.ErrNotFound)
	}
	return resp.Transactions, nil
}

func (c *HTTPClient) GetTreasuryAccount(ctx context.Context, collectionID string) (string, error) {
	var resp tokenResponse
	if err := c.api.Get(ctx, "/api/v1/tokens/"+url.PathEscape(collectionID), nil, &resp); err != nil {
		return "", err
	}
	if resp.TreasuryAccountID == "" {
		return "", fmt.Errorf("token %s: no treasury account: %w", collectionID, asset.ErrValidation)
	}
	return resp.TreasuryAccountID, nil
}
