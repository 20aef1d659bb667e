// Package tasks schedules delayed re-runs of the service on Cloud Tasks.
package tasks

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gocloud.dev/gcp"

	"github.com/TuSKan/zarr-forecast/internal/adapter/httpclient"
)

// ErrSchedule wraps failures to create a task.
var ErrSchedule = errors.New("failed to schedule task")

const endpoint = "https://cloudtasks.googleapis.com/v2"

// Task is one delayed HTTP POST back to the service.
type Task struct {
	Name    string
	Payload any
	Delay   time.Duration
}

// Config addresses the queue and the service it calls.
type Config struct {
	Project        string
	Location       string
	Queue          string
	URL            string
	ServiceAccount string
	// Endpoint overrides the Cloud Tasks API root.
	Endpoint string
}

// QueuePath is the queue's resource name.
func (c Config) QueuePath() string {
	return fmt.Sprintf("projects/%s/locations/%s/queues/%s", c.Project, c.Location, c.Queue)
}

// TokenFunc returns an OAuth2 access token for the Cloud Tasks API.
type TokenFunc func(ctx context.Context) (string, error)

// DefaultTokens uses the application default credentials.
func DefaultTokens(ctx context.Context) (TokenFunc, error) {
	creds, err := gcp.DefaultCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load default credentials: %w", err)
	}
	ts := gcp.CredentialsTokenSource(creds)
	return func(context.Context) (string, error) {
		tok, err := ts.Token()
		if err != nil {
			return "", err
		}
		return tok.AccessToken, nil
	}, nil
}

// CloudTasks creates HTTP tasks with an OIDC token for the service account.
type CloudTasks struct {
	cfg    Config
	tokens TokenFunc
	http   *resty.Client
	clock  clockwork.Clock
	logger *zap.Logger
}

// New creates a scheduler. A nil clock uses the real clock.
func New(cfg Config, tokens TokenFunc, clock clockwork.Clock, logger *zap.Logger) *CloudTasks {
	if cfg.Endpoint == "" {
		cfg.Endpoint = endpoint
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := httpclient.DefaultConfig()
	hc.BaseURL = cfg.Endpoint
	return &CloudTasks{
		cfg:    cfg,
		tokens: tokens,
		http:   httpclient.New(hc),
		clock:  clock,
		logger: logger.With(zap.String("component", "tasks")),
	}
}

type httpRequest struct {
	HTTPMethod string            `json:"httpMethod"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	OIDCToken  *oidcToken        `json:"oidcToken,omitempty"`
}

type oidcToken struct {
	ServiceAccountEmail string `json:"serviceAccountEmail"`
}

type taskBody struct {
	Name         string      `json:"name,omitempty"`
	ScheduleTime string      `json:"scheduleTime"`
	HTTPRequest  httpRequest `json:"httpRequest"`
}

type createRequest struct {
	Task taskBody `json:"task"`
}

// Schedule creates the task. A task whose name already exists is treated as
// scheduled.
func (c *CloudTasks) Schedule(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSchedule, err)
	}
	token, err := c.tokens(ctx)
	if err != nil {
		return fmt.Errorf("%w: access token: %w", ErrSchedule, err)
	}

	body := createRequest{Task: taskBody{
		ScheduleTime: c.clock.Now().Add(task.Delay).UTC().Format(time.RFC3339),
		HTTPRequest: httpRequest{
			HTTPMethod: http.MethodPost,
			URL:        c.cfg.URL,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       base64.StdEncoding.EncodeToString(payload),
		},
	}}
	if task.Name != "" {
		body.Task.Name = c.cfg.QueuePath() + "/tasks/" + task.Name
	}
	if c.cfg.ServiceAccount != "" {
		body.Task.HTTPRequest.OIDCToken = &oidcToken{ServiceAccountEmail: c.cfg.ServiceAccount}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(body).
		Post("/" + c.cfg.QueuePath() + "/tasks")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSchedule, err)
	}
	if resp.StatusCode() == http.StatusConflict {
		c.logger.Info("task already exists", zap.String("task", task.Name))
		return nil
	}
	if resp.IsError() {
		return fmt.Errorf("%w: %s: %s", ErrSchedule, resp.Status(), resp.String())
	}

	c.logger.Info("task scheduled",
		zap.String("task", task.Name),
		zap.String("schedule_time", body.Task.ScheduleTime))
	return nil
}
