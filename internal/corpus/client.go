// Package corpus stores and serves archived captures over HTTP. The
// replay engine only ever sees the client side.
package corpus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client fetches captures from a corpus server. Transient failures are
// retried with exponential backoff; 4xx responses are not.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries uint64
}

// NewClient builds a corpus client for the given base URL.
func NewClient(baseURL string, maxRetries int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: uint64(maxRetries),
	}
}

type listResponse struct {
	IDs   []string `json:"ids"`
	Total int      `json:"total"`
}

// List returns capture IDs in stable order, paged by offset and length.
func (c *Client) List(ctx context.Context, offset, length int) ([]string, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("length", strconv.Itoa(length))
	var resp listResponse
	if err := c.getJSON(ctx, "/captures?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

// Fetch returns the raw capture document for id.
func (c *Client) Fetch(ctx context.Context, id string) ([]byte, error) {
	var raw []byte
	err := c.retry(ctx, func() error {
		body, err := c.get(ctx, "/captures/"+url.PathEscape(id))
		if err != nil {
			return err
		}
		raw = body
		return nil
	})
	return raw, err
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.retry(ctx, func() error {
		body, err := c.get(ctx, path)
		if err != nil {
			return err
		}
		return backoff.Permanent(json.Unmarshal(body, out))
	})
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, backoff.Permanent(fmt.Errorf("corpus: %s: %s", path, resp.Status))
	default:
		return nil, fmt.Errorf("corpus: %s: %s", path, resp.Status)
	}
}

func (c *Client) retry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	return backoff.Retry(op, policy)
}
