package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// HTTPClient talks to a provisioning Server over HTTP.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

var _ API = (*HTTPClient)(nil)

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(hc *HTTPClient) {
		if c != nil {
			hc.httpClient = c
		}
	}
}

// WithToken sets a bearer token sent with every request.
func WithToken(token string) ClientOption {
	return func(hc *HTTPClient) { hc.token = token }
}

// NewHTTPClient returns a client for the provisioning server at baseURL.
func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func workerPath(poolID, workerID string) string {
	return fmt.Sprintf("/api/v1/pools/%s/workers/%s", url.PathEscape(poolID), url.PathEscape(workerID))
}

// RequestWorker reserves a worker or polls the status of an existing reservation.
func (c *HTTPClient) RequestWorker(ctx context.Context, poolID, workerID string) (Assignment, error) {
	resp, err := c.doRequest(ctx, http.MethodPut, workerPath(poolID, workerID))
	if err != nil {
		return Assignment{}, errors.Wrapf(err, "request worker %s/%s", poolID, workerID)
	}
	defer resp.Body.Close()

	var a Assignment
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		return Assignment{}, errors.Wrap(err, "decode assignment")
	}
	if !a.Status.Valid() {
		return Assignment{}, errors.Errorf("unknown worker status %q", a.Status)
	}
	return a, nil
}

// ReleaseWorker releases the reservation of a worker.
func (c *HTTPClient) ReleaseWorker(ctx context.Context, poolID, workerID string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, workerPath(poolID, workerID))
	if err != nil {
		return errors.Wrapf(err, "release worker %s/%s", poolID, workerID)
	}
	return resp.Body.Close()
}

// doRequest executes an HTTP request and returns the response.
func (c *HTTPClient) doRequest(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, errors.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	return resp, nil
}
