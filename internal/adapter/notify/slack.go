package notify

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/TuSKan/zarr-forecast/internal/adapter/httpclient"
)

const slackAPI = "https://slack.com/api"

// SlackConfig addresses a channel through a bot token.
type SlackConfig struct {
	Token  string
	Target string
	Name   string
	// Endpoint overrides the Slack Web API root.
	Endpoint string
}

// Slack posts event text with chat.postMessage.
type Slack struct {
	cfg  SlackConfig
	http *resty.Client
}

// NewSlack creates a Slack sink.
func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Endpoint == "" {
		cfg.Endpoint = slackAPI
	}
	hc := httpclient.DefaultConfig()
	hc.BaseURL = cfg.Endpoint
	return &Slack{cfg: cfg, http: httpclient.New(hc)}
}

type slackMessage struct {
	Channel  string `json:"channel"`
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
}

type slackResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// Notify implements Sink.
func (s *Slack) Notify(ctx context.Context, event Event) error {
	var out slackResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetAuthToken(s.cfg.Token).
		SetBody(slackMessage{Channel: s.cfg.Target, Text: event.Text, Username: s.cfg.Name}).
		SetResult(&out).
		Post("/chat.postMessage")
	if err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("slack: %s", resp.Status())
	}
	// Slack reports API errors with a 200 status.
	if !out.OK {
		return fmt.Errorf("slack: %s", out.Error)
	}
	return nil
}
