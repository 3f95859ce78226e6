// Package agentapi is the transport adapter for the upstream agent API.
// Every call goes through the relay endpoint, which attaches the Bearer
// credential and forwards to the agent gateway. Calls retry on transport
// errors and non-2xx statuses with a linear backoff.
package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Sender is the call surface the orchestrator depends on.
type Sender interface {
	Send(ctx context.Context, ep Endpoint, query, conversationID, user string, opts Options) (*Reply, error)
}

// Endpoint identifies one upstream agent application.
type Endpoint struct {
	URL string
	Key string
}

// Options tune a single call.
type Options struct {
	Timeout    time.Duration // per-attempt deadline; zero takes 120s
	MaxRetries int           // additional attempts after the first; negative takes 2
}

// Reply is the blocking-mode agent response.
type Reply struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
}

// Client implements Sender over HTTP via the relay.
type Client struct {
	relayURL   string
	httpClient *http.Client
	retryDelay time.Duration
	log        *zap.Logger
}

// Config holds configuration for the client.
type Config struct {
	RelayURL string
	Logger   *zap.Logger
}

const (
	defaultTimeout    = 120 * time.Second
	defaultMaxRetries = 2
	retryDelayUnit    = 3 * time.Second
)

// NewClient creates a client. The http.Client carries no global timeout;
// each attempt gets its own context deadline so long supervisor calls and
// short visitor calls can share one client.
func NewClient(cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		relayURL:   cfg.RelayURL,
		httpClient: &http.Client{},
		retryDelay: retryDelayUnit,
		log:        log,
	}
}

// relayRequest is the body posted to the relay.
type relayRequest struct {
	APIURL  string      `json:"apiUrl"`
	APIKey  string      `json:"apiKey"`
	Payload chatMessage `json:"payload"`
}

// chatMessage is the upstream chat-messages payload the relay forwards.
type chatMessage struct {
	Inputs         map[string]any `json:"inputs"`
	Query          string         `json:"query"`
	ResponseMode   string         `json:"response_mode"`
	ConversationID string         `json:"conversation_id"`
	User           string         `json:"user"`
}

// Send posts one query and returns the agent's answer. A failed attempt is
// retried up to opts.MaxRetries times, sleeping 3s, 6s, 9s... between
// attempts. The last error is wrapped in the final failure.
func (c *Client) Send(ctx context.Context, ep Endpoint, query, conversationID, user string, opts Options) (*Reply, error) {
	if ep.Key == "" {
		return nil, fmt.Errorf("API key not configured")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}

	body := relayRequest{
		APIURL: ep.URL,
		APIKey: ep.Key,
		Payload: chatMessage{
			Inputs:         map[string]any{},
			Query:          query,
			ResponseMode:   "blocking",
			ConversationID: conversationID,
			User:           user,
		},
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			// Linear backoff: 3s, 6s, 9s.
			delay := time.Duration(attempt) * c.retryDelay
			c.log.Warn("agent call failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		reply, err := c.attempt(ctx, jsonData, timeout)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("agent call aborted: %w", ctx.Err())
		}
	}

	return nil, fmt.Errorf("agent call failed after %d attempts: %w", maxRetries+1, lastErr)
}

func (c *Client) attempt(ctx context.Context, jsonData []byte, timeout time.Duration) (*Reply, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, "POST", c.relayURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("relay returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var reply Reply
	if err := json.Unmarshal(respBody, &reply); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if reply.Answer == "" {
		return nil, fmt.Errorf("empty answer in response")
	}

	return &reply, nil
}
