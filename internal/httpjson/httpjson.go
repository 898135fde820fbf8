// Package httpjson performs JSON requests against upstream APIs and maps failures
// onto the asset error taxonomy.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Tolam-Earth/integration-services/internal/asset"
)

const maxBodyBytes = 4 << 20

// Client is a base URL plus optional Authorization header value.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey, HTTP: &http.Client{Timeout: timeout}}
}

// Get decodes the JSON body of GET path?query into out.
// 404 maps to asset.ErrNotFound, other failures to asset.ErrTransientIO and
// undecodable bodies to asset.ErrValidation.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, u, path, nil, out)
}

// Post sends in as a JSON body and decodes the response into out, which may
// be nil when the body is not needed. Errors map as for Get.
func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s: %w: %v", path, asset.ErrValidation, err)
	}
	return c.do(ctx, http.MethodPost, c.BaseURL+path, path, bytes.NewReader(body), out)
}

func (c *Client) do(ctx context.Context, method, u, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", c.APIKey)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %v", method, path, asset.ErrTransientIO, err)
	}
	defer resp.Body.Close()
	rb := io.LimitReader(resp.Body, maxBodyBytes)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, rb)
		return fmt.Errorf("%s %s: %w", method, path, asset.ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		io.Copy(io.Discard, rb)
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, asset.ErrTransientIO)
	}
	if out == nil {
		io.Copy(io.Discard, rb)
		return nil
	}
	if err := json.NewDecoder(rb).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w: %v", path, asset.ErrValidation, err)
	}
	return nil
}
