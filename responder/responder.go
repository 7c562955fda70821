// Package responder produces reply text for chat messages. The HTTP
// generator fronts an external reply service; Banter serves canned lines when
// the service is down or returns nothing.
package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Generator turns a chat message into reply text. Implementations return an
// error (or empty text) when they have nothing to say.
type Generator interface {
	Generate(ctx context.Context, text, author string) (string, error)
}

// ErrEmptyReply is returned when the reply service answered but produced no
// usable text.
var ErrEmptyReply = errors.New("responder: empty reply")

// StatusError is a non-200 answer from the reply service.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("responder: status %d: %s", e.Status, e.Body)
}

const (
	generatePath   = "/generate"
	requestTimeout = 15 * time.Second
)

// HTTPGenerator asks an external service for replies. The wire contract is a
// JSON POST of {message, author} answered with {reply}.
type HTTPGenerator struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPGenerator builds a generator for the service at baseURL. token, when
// non-empty, is sent as a bearer credential.
func NewHTTPGenerator(baseURL, token string) *HTTPGenerator {
	return &HTTPGenerator{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

type generateRequest struct {
	Message string `json:"message"`
	Author  string `json:"author"`
}

type generateResponse struct {
	Reply string `json:"reply"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, text, author string) (string, error) {
	data, err := json.Marshal(generateRequest{Message: text, Author: author})
	if err != nil {
		return "", fmt.Errorf("responder: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+generatePath, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("responder: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("responder: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("responder: decode response: %w", err)
	}
	reply := strings.TrimSpace(out.Reply)
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}
