package keybase

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/exec"
)

// listen lines can carry whole attachments worth of metadata.
const maxListenLine = 1024 * 1024

type listenEnvelope struct {
	Type   string   `json:"type"`
	Source string   `json:"source"`
	Msg    *Message `json:"msg"`
}

// Listen spawns `keybase chat api-listen` and emits every chat message for
// the client's team, in stream order. Unrecognized lines are logged and
// skipped. The message channel closes when the stream ends; if the end was
// not caused by ctx, a fatal *TransportError is delivered on the error
// channel first. The retry policy does not apply here: a broken live stream
// is fatal to the consumer, which decides whether to restart the process.
func (c *Client) Listen(ctx context.Context) (<-chan Message, <-chan error) {
	msgs := make(chan Message, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(msgs)
		cmd := exec.CommandContext(ctx, c.binary(), "chat", "api-listen")
		cmd.Stderr = os.Stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- &TransportError{Op: "api-listen", Err: err}
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- &TransportError{Op: "api-listen", Err: err}
			return
		}
		slog.Info("keybase chat listener started", slog.String("team", c.Team))

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxListenLine)
		for scanner.Scan() {
			msg, ok := c.decodeListenLine(scanner.Bytes())
			if !ok {
				continue
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				_ = cmd.Wait()
				return
			}
		}

		waitErr := cmd.Wait()
		if ctx.Err() != nil {
			return
		}
		err = scanner.Err()
		if err == nil {
			err = waitErr
		}
		if err == nil {
			err = errors.New("api-listen stream ended")
		}
		errs <- &TransportError{Op: "api-listen", Err: err}
	}()

	return msgs, errs
}

// decodeListenLine parses one stream line and reports whether it is a remote
// chat message for this client's team. Junk lines are never fatal.
func (c *Client) decodeListenLine(line []byte) (Message, bool) {
	var env listenEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		slog.Warn("unrecognized keybase chat event", slog.String("team", c.Team), slog.Any("err", err))
		return Message{}, false
	}
	if env.Type != "chat" || env.Source != "remote" || env.Msg == nil {
		slog.Warn("unrecognized keybase chat event", slog.String("team", c.Team), slog.String("type", env.Type), slog.String("source", env.Source))
		return Message{}, false
	}
	if env.Msg.Channel.Name != c.Team {
		return Message{}, false
	}
	return *env.Msg, true
}
