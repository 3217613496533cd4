package api

import (
	"context"
	"net/http"
)

const (
	// MaxConcurrentRequests limits concurrent API requests to avoid overwhelming the API
	MaxConcurrentRequests = 5
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 100
)

// HTTPClient interface for HTTP operations (allows mocking in tests).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// BaseClient contains common fields and functionality for all API clients.
type BaseClient struct {
	BaseURL    string
	Token      string
	HTTPClient HTTPClient
	semaphore  chan struct{}
}

// NewBaseClient creates a new base client with a bounded number of in-flight requests.
func NewBaseClient(config ClientConfig, httpClient HTTPClient) *BaseClient {
	return &BaseClient{
		BaseURL:    config.BaseURL,
		Token:      config.Token,
		HTTPClient: httpClient,
		semaphore:  make(chan struct{}, MaxConcurrentRequests),
	}
}

// Do sends req once a request slot is free.
// Waiting for a slot is a suspension point and honours ctx cancellation.
func (c *BaseClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return c.HTTPClient.Do(req)
}
