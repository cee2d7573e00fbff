package keybase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/subvocal/keybase-feed/backend/telemetry"
)

// TransportError wraps a subprocess or network failure (timeout, exit error,
// malformed payload) after all retries were spent.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("keybase %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// Client runs keybase CLI commands for one team. Every pull operation is
// retried up to RetryLimit times with a per-attempt Timeout; an attempt that
// exceeds the timeout has its subprocess killed via the command context.
type Client struct {
	Team       string
	Timeout    time.Duration
	RetryLimit int
	Binary     string // defaults to "keybase"

	// runCommand overrides subprocess execution in tests.
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewClient returns a Client with the given per-call timeout and retry limit.
func NewClient(team string, timeout time.Duration, retryLimit int) *Client {
	return &Client{Team: team, Timeout: timeout, RetryLimit: retryLimit}
}

func (c *Client) binary() string {
	if c.Binary != "" {
		return c.Binary
	}
	return "keybase"
}

func (c *Client) retryLimit() int {
	if c.RetryLimit > 0 {
		return c.RetryLimit
	}
	return 1
}

func (c *Client) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if c.runCommand != nil {
		return c.runCommand(ctx, name, args...)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = os.Stderr
	out, err := cmd.Output()
	if ctx.Err() != nil {
		// the process was killed when the attempt context expired
		return nil, ctx.Err()
	}
	return out, err
}

// callWithRetry runs attempt (one subprocess invocation plus parse) under the
// retry policy. A malformed payload counts as a failed attempt just like a
// timeout does. The last error is surfaced wrapped in *TransportError.
func (c *Client) callWithRetry(ctx context.Context, op string, attempt func(ctx context.Context) error) error {
	var lastErr error
	limit := c.retryLimit()
	for i := 1; i <= limit; i++ {
		if err := ctx.Err(); err != nil {
			return &TransportError{Op: op, Err: err}
		}
		attemptCtx := ctx
		var cancel context.CancelFunc
		if c.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		}
		start := time.Now()
		err := attempt(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if telemetry.APICallDuration != nil {
			telemetry.APICallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if telemetry.APICallFailures != nil {
			telemetry.APICallFailures.WithLabelValues(op).Inc()
		}
		slog.Warn("keybase call failed", slog.String("op", op), slog.Int("attempt", i), slog.Int("limit", limit), slog.Any("err", err))
	}
	return &TransportError{Op: op, Err: lastErr}
}

// apiCall sends one JSON query through `keybase chat api -m` and returns the
// payload under the top-level "result" key.
func (c *Client) apiCall(ctx context.Context, op string, query any) (json.RawMessage, error) {
	q, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("marshal %s query: %w", op, err)
	}
	var result json.RawMessage
	err = c.callWithRetry(ctx, op, func(ctx context.Context) error {
		out, err := c.run(ctx, c.binary(), "chat", "api", "-m", string(q))
		if err != nil {
			return err
		}
		var envelope struct {
			Result json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(out, &envelope); err != nil {
			return fmt.Errorf("malformed result from api call: %w", err)
		}
		if envelope.Result == nil {
			return fmt.Errorf("malformed result from api call: missing result")
		}
		result = envelope.Result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListChannels returns the team's channel (topic) names.
func (c *Client) ListChannels(ctx context.Context) ([]string, error) {
	slog.Debug("keybase list channels", slog.String("team", c.Team))
	query := map[string]any{
		"method": "listconvsonname",
		"params": map[string]any{
			"options": map[string]any{
				"topic_type":   "CHAT",
				"members_type": "team",
				"name":         c.Team,
			},
		},
	}
	raw, err := c.apiCall(ctx, "listconvsonname", query)
	if err != nil {
		return nil, err
	}
	var result struct {
		Conversations []struct {
			Channel Channel `json:"channel"`
		} `json:"conversations"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &TransportError{Op: "listconvsonname", Err: err}
	}
	channels := make([]string, 0, len(result.Conversations))
	for _, conv := range result.Conversations {
		channels = append(channels, conv.Channel.TopicName)
	}
	return channels, nil
}

// ListChannelMessages returns up to limit raw messages for a channel,
// newest-first as the API reports them. Entries without a message body
// (expired exploding messages) are dropped.
func (c *Client) ListChannelMessages(ctx context.Context, channel string, unreadOnly bool, limit int) ([]Message, error) {
	slog.Debug("keybase read channel", slog.String("team", c.Team), slog.String("channel", channel), slog.Int("limit", limit))
	options := map[string]any{
		"channel": map[string]any{
			"name":         c.Team,
			"members_type": "team",
			"topic_name":   channel,
		},
		"unread_only": unreadOnly,
	}
	if limit > 0 {
		options["pagination"] = map[string]any{"num": limit}
	}
	query := map[string]any{"method": "read", "params": map[string]any{"options": options}}
	raw, err := c.apiCall(ctx, "read", query)
	if err != nil {
		return nil, err
	}
	var result struct {
		Messages []struct {
			Msg *Message `json:"msg"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &TransportError{Op: "read", Err: err}
	}
	msgs := make([]Message, 0, len(result.Messages))
	for _, entry := range result.Messages {
		if entry.Msg == nil {
			continue
		}
		msgs = append(msgs, *entry.Msg)
		if limit > 0 && len(msgs) == limit {
			break
		}
	}
	return msgs, nil
}

// ListMembers returns the team's member usernames by parsing the plain-text
// output of `keybase chat list-members <team> general`. The output format is
// a header line, a blank line, one username per line, and a trailing newline;
// anything else means the installed keybase version changed the format and is
// reported as a transport error.
func (c *Client) ListMembers(ctx context.Context) ([]string, error) {
	slog.Debug("keybase list members", slog.String("team", c.Team))
	var members []string
	err := c.callWithRetry(ctx, "list-members", func(ctx context.Context) error {
		out, err := c.run(ctx, c.binary(), "chat", "list-members", c.Team, "general")
		if err != nil {
			return err
		}
		lines := strings.Split(string(out), "\n")
		if len(lines) < 3 || lines[0] == "" || lines[1] != "" || lines[len(lines)-1] != "" {
			return fmt.Errorf("invalid list-members output, check keybase version: %q", string(out))
		}
		members = lines[2 : len(lines)-1]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}
