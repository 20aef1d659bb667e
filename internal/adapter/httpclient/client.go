// Package httpclient builds the resty client shared by the outbound
// adapters.
package httpclient

import (
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
)

// Config tunes the outbound client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
	UserAgent  string
}

// DefaultConfig returns the settings used by every adapter unless
// overridden.
func DefaultConfig() Config {
	return Config{
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		MinWait:    1 * time.Second,
		MaxWait:    30 * time.Second,
		UserAgent:  "zarr-forecast/1.0",
	}
}

// New creates a resty client with retries on a retryablehttp transport.
func New(cfg Config) *resty.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.MaxRetries
	retryClient.RetryWaitMin = cfg.MinWait
	retryClient.RetryWaitMax = cfg.MaxWait
	retryClient.Logger = nil

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(cfg.MinWait).
		SetRetryMaxWaitTime(cfg.MaxWait).
		SetHeader("User-Agent", cfg.UserAgent).
		SetTransport(retryClient.HTTPClient.Transport)
	if cfg.BaseURL != "" {
		client.SetBaseURL(cfg.BaseURL)
	}
	// retry server errors and throttling, never client errors
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		return r.StatusCode() == 429 || r.StatusCode() >= 500
	})
	return client
}
