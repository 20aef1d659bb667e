// Package ecmwf retrieves TIGGE control forecasts through the ECMWF Web API.
package ecmwf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/TuSKan/zarr-forecast/internal/adapter/httpclient"
)

// ErrDownload wraps every failure to obtain a forecast file.
var ErrDownload = errors.New("ecmwf download failed")

const dateLayout = "2006-01-02"

// Request selects the forecast issue dates to retrieve, inclusive.
type Request struct {
	Start time.Time
	End   time.Time
}

// FileName is the name the retrieved GRIB file is stored under.
func (r Request) FileName() string {
	return fmt.Sprintf("%s_%s.grib", r.Start.Format(dateLayout), r.End.Format(dateLayout))
}

// MARS renders the retrieval as a TIGGE MARS request: the surface control
// forecast at 0.5 degrees for 2m temperature and total precipitation,
// steps 0 to 360 hours every 6 hours.
func (r Request) MARS() map[string]string {
	steps := make([]string, 0, 61)
	for s := 0; s <= 360; s += 6 {
		steps = append(steps, strconv.Itoa(s))
	}
	return map[string]string{
		"class":   "ti",
		"dataset": "tigge",
		"date":    r.Start.Format(dateLayout) + "/to/" + r.End.Format(dateLayout),
		"expver":  "prod",
		"grid":    "0.5/0.5",
		"levtype": "sfc",
		"origin":  "ecmf",
		"param":   "167/228228",
		"step":    strings.Join(steps, "/"),
		"time":    "00:00:00",
		"type":    "cf",
		"target":  r.FileName(),
	}
}

// Config addresses the Web API.
type Config struct {
	URL          string
	Email        string
	Key          string
	PollInterval time.Duration
	// Dir receives downloaded files. Empty means the working directory.
	Dir string
}

// Client submits retrievals, polls them to completion and downloads the
// result.
type Client struct {
	cfg    Config
	http   *resty.Client
	clock  clockwork.Clock
	logger *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithClock replaces the clock used between polls.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithHTTPClient replaces the resty client.
func WithHTTPClient(client *resty.Client) Option {
	return func(c *Client) { c.http = client }
}

// NewClient creates a Web API client.
func NewClient(cfg Config, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	c := &Client{
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: logger.With(zap.String("component", "ecmwf")),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		hc := httpclient.DefaultConfig()
		// downloads can be several gigabytes
		hc.Timeout = 0
		c.http = httpclient.New(hc)
	}
	return c
}

// status is the Web API's view of a submitted request.
type status struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Href     string `json:"href"`
	Location string `json:"location"`
	Reason   string `json:"reason"`
	Size     int64  `json:"size"`
}

// Retrieve runs the request and returns the local path of the GRIB file.
func (c *Client) Retrieve(ctx context.Context, req Request) (string, error) {
	if req.End.Before(req.Start) {
		return "", fmt.Errorf("%w: end %s before start %s", ErrDownload,
			req.End.Format(dateLayout), req.Start.Format(dateLayout))
	}
	target := filepath.Join(c.cfg.Dir, req.FileName())

	submitted, err := c.submit(ctx, req)
	if err != nil {
		return "", err
	}
	href := submitted.Href
	c.logger.Info("request submitted",
		zap.String("name", submitted.Name),
		zap.String("status", submitted.Status),
		zap.String("date", req.MARS()["date"]))
	defer c.cleanup(href)

	done, err := c.wait(ctx, href, submitted)
	if err != nil {
		return "", err
	}
	source := done.Location
	if source == "" {
		source = done.Href
	}
	if err := c.download(ctx, source, target); err != nil {
		return "", err
	}
	c.logger.Info("forecast downloaded", zap.String("path", target), zap.Int64("bytes", done.Size))
	return target, nil
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetHeader("X-ECMWF-KEY", c.cfg.Key).
		SetHeader("From", c.cfg.Email)
}

func (c *Client) submit(ctx context.Context, req Request) (*status, error) {
	var st status
	url := strings.TrimRight(c.cfg.URL, "/") + "/datasets/tigge/requests"
	resp, err := c.request(ctx).
		SetBody(req.MARS()).
		SetResult(&st).
		Post(url)
	if err != nil {
		return nil, fmt.Errorf("%w: submit: %w", ErrDownload, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: submit: %s: %s", ErrDownload, resp.Status(), strings.TrimSpace(resp.String()))
	}
	if loc := resp.Header().Get("Location"); loc != "" {
		st.Href = loc
	}
	if st.Href == "" {
		return nil, fmt.Errorf("%w: submit: response has no request location", ErrDownload)
	}
	return &st, nil
}

func (c *Client) wait(ctx context.Context, href string, st *status) (*status, error) {
	for {
		switch st.Status {
		case "complete":
			return st, nil
		case "aborted", "failed", "rejected":
			return nil, fmt.Errorf("%w: request %s %s: %s", ErrDownload, st.Name, st.Status, st.Reason)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrDownload, ctx.Err())
		case <-c.clock.After(c.cfg.PollInterval):
		}

		var next status
		resp, err := c.request(ctx).SetResult(&next).Get(href)
		if err != nil {
			return nil, fmt.Errorf("%w: poll: %w", ErrDownload, err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("%w: poll: %s", ErrDownload, resp.Status())
		}
		if next.Status != st.Status {
			c.logger.Info("request status", zap.String("name", next.Name), zap.String("status", next.Status))
		}
		st = &next
	}
}

func (c *Client) download(ctx context.Context, source, target string) error {
	if dir := filepath.Dir(target); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: %w", ErrDownload, err)
		}
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-ECMWF-KEY", c.cfg.Key).
		SetHeader("From", c.cfg.Email).
		SetOutput(target).
		Get(source)
	if err != nil {
		os.Remove(target)
		return fmt.Errorf("%w: download: %w", ErrDownload, err)
	}
	if resp.IsError() {
		os.Remove(target)
		return fmt.Errorf("%w: download: %s", ErrDownload, resp.Status())
	}
	return nil
}

// cleanup deletes the request on the server. Failures are only logged.
func (c *Client) cleanup(href string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := c.request(ctx).Delete(href)
	if err != nil {
		c.logger.Warn("failed to delete request", zap.String("href", href), zap.Error(err))
		return
	}
	if resp.IsError() {
		c.logger.Warn("failed to delete request", zap.String("href", href), zap.String("status", resp.Status()))
	}
}
