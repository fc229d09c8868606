package chatapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"chat-session/internal/domain"
)

// MaxLineSize bounds a single line of the /message-process stream.
const MaxLineSize = 1 << 20

// SendRequest is the body of /message-process.
type SendRequest struct {
	Prompt  string                 `json:"prompt"`
	Options *domain.RequestOptions `json:"options,omitempty"`
}

// ProgressFunc receives the cumulative reply after every streamed line.
type ProgressFunc func(resp domain.ResponseOptions)

// StreamError reports a stream that broke after some content arrived.
type StreamError struct {
	Partial string
	Err     error
}

func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("chatapi: stream error (partial content received: %d chars): %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("chatapi: stream error: %v", e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// streamLine is decoded from every line; Status is only set when the service
// replaced the reply with a status envelope.
type streamLine struct {
	domain.ResponseOptions
	Status  *string `json:"status"`
	Message string  `json:"message"`
}

// SendMessage posts a prompt and consumes the newline-delimited reply stream.
// Every line is a cumulative reply; the last one is returned.
func (c *Client) SendMessage(ctx context.Context, in SendRequest, onProgress ProgressFunc) (domain.ResponseOptions, error) {
	req, err := c.newRequest(ctx, http.MethodPost, pathMessageProcess, in)
	if err != nil {
		return domain.ResponseOptions{}, err
	}
	url := c.endpointURL(pathMessageProcess)

	res, err := c.resolvedStreamClient().Do(req)
	if err != nil {
		return domain.ResponseOptions{}, fmt.Errorf("chatapi: %s request failed: %w", pathMessageProcess, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return domain.ResponseOptions{}, fmt.Errorf("chatapi: %s request failed: %w", pathMessageProcess, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		})
	}

	return readStream(res.Body, onProgress)
}

func readStream(r io.Reader, onProgress ProgressFunc) (domain.ResponseOptions, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)

	var (
		last domain.ResponseOptions
		seen bool
	)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk streamLine
		if err := json.Unmarshal(line, &chunk); err != nil {
			return last, &StreamError{Partial: last.Text, Err: fmt.Errorf("decode line: %w", err)}
		}
		if chunk.Status != nil && *chunk.Status != StatusSuccess {
			return last, &RemoteError{
				Endpoint: pathMessageProcess,
				Status:   *chunk.Status,
				Message:  chunk.Message,
				Body:     string(line),
			}
		}
		last = chunk.ResponseOptions
		seen = true
		if onProgress != nil {
			onProgress(last)
		}
	}
	if err := scanner.Err(); err != nil {
		return last, &StreamError{Partial: last.Text, Err: err}
	}
	if !seen {
		return last, &StreamError{Err: errors.New("empty stream")}
	}
	return last, nil
}
