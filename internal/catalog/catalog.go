// Package catalog fetches descriptive NFT details from the offset catalog API.
package catalog

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/Tolam-Earth/integration-services/internal/httpjson"
)

// Attribute is one titled value of an NFT's catalog record.
type Attribute struct {
	Title string `json:"title"`
	Value any    `json:"value"`
}

// Details is the raw catalog record. Pointer fields distinguish absent keys.
type Details struct {
	TokenID      *string      `json:"tokenId"`
	SerialNumber *int64       `json:"serialNumber"`
	Attributes   *[]Attribute `json:"attributes"`
}

// Client is what enrichment needs from the catalog.
type Client interface {
	GetMetadata(ctx context.Context, collectionID, serialNumber string) (Details, error)
}

// HTTPClient implements Client with GET /tokens/{tokenId}/nfts/{serialNumber}.
type HTTPClient struct {
	api *httpjson.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{api: httpjson.New(baseURL, "", timeout)}
}

func (c *HTTPClient) GetMetadata(ctx context.Context, collectionID, serialNumber string) (Details, error) {
	var d Details
	path := "/tokens/" + url.PathEscape(collectionID) + "/nfts/" + url.PathEscape(serialNumber)
	err := c.api.Get(ctx, path, nil, &d)
	return d, err
}

// ValueString renders an attribute value the way the catalog intends it:
// JSON numbers without a fractional part print as integers.
func (a Attribute) ValueString() string {
	switch v := a.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}
