// Package llm adapts the extractors and the dreaming worker to an HTTP
// completion endpoint. The core depends on three shapes only: a structured
// completion, a streaming completion, and a batch submit/poll pair. Vendor
// protocol translation stays behind this package.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/Healer-AI/p8fs-sub003/internal/circuitbreaker"
	"github.com/Healer-AI/p8fs-sub003/internal/tracing"
)

var (
	ErrRateLimited      = errors.New("llm provider rate limited")
	ErrDeadlineExceeded = errors.New("llm call deadline exceeded")
)

// Message is one turn of the prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a completion request. Schema, when set, instructs the provider
// to return JSON conforming to it; Complete returns the raw JSON for the
// caller to decode.
type Request struct {
	System      string          `json:"system,omitempty"`
	Messages    []Message       `json:"messages"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

// Delta is one streaming event.
type Delta struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// BatchItem pairs a caller-chosen id with its request.
type BatchItem struct {
	ID      string  `json:"id"`
	Request Request `json:"request"`
}

// BatchResult is one item's outcome inside a finished batch.
type BatchResult struct {
	ID     string          `json:"id"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// BatchStatus is the poll response for a submitted batch.
type BatchStatus struct {
	BatchID string        `json:"batch_id"`
	Done    bool          `json:"done"`
	Results []BatchResult `json:"results,omitempty"`
}

// Completer returns a structured value for a schema-bearing request.
type Completer interface {
	Complete(ctx context.Context, req Request) (json.RawMessage, error)
}

// Streamer returns a sequence of delta events.
type Streamer interface {
	Stream(ctx context.Context, req Request) (<-chan Delta, error)
}

// Batcher submits many requests at once and polls for completion.
type Batcher interface {
	SubmitBatch(ctx context.Context, items []BatchItem) (string, error)
	PollBatch(ctx context.Context, batchID string) (*BatchStatus, error)
}

// Config describes one completion endpoint.
type Config struct {
	Endpoint  string        `mapstructure:"endpoint"`
	Model     string        `mapstructure:"model"`
	APIKeyEnv string        `mapstructure:"api_key_env"`
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxTokens int           `mapstructure:"max_tokens"`
}

// Client implements Completer, Streamer, and Batcher over HTTP.
type Client struct {
	cfg    Config
	apiKey string
	httpw  *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	client := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:    cfg,
		apiKey: apiKey,
		httpw:  circuitbreaker.NewHTTPWrapper(client, "llm", logger),
		logger: logger,
	}
}

type completeWire struct {
	Model string `json:"model"`
	Request
}

type completeResponse struct {
	Output json.RawMessage `json:"output"`
}

// Complete runs one non-streaming completion and returns the structured
// output as raw JSON.
func (c *Client) Complete(ctx context.Context, req Request) (json.RawMessage, error) {
	if req.MaxTokens == 0 {
		req.MaxTokens = c.cfg.MaxTokens
	}
	body, err := c.post(ctx, c.cfg.Endpoint+"/v1/complete", completeWire{Model: c.cfg.Model, Request: req})
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var cr completeResponse
	if err := json.NewDecoder(body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	if len(cr.Output) == 0 {
		return nil, fmt.Errorf("completion returned no output")
	}
	return cr.Output, nil
}

// Stream runs one streaming completion. The returned channel closes after
// the terminal event or on context cancellation.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan Delta, error) {
	if req.MaxTokens == 0 {
		req.MaxTokens = c.cfg.MaxTokens
	}
	body, err := c.post(ctx, c.cfg.Endpoint+"/v1/stream", completeWire{Model: c.cfg.Model, Request: req})
	if err != nil {
		return nil, err
	}

	out := make(chan Delta)
	go func() {
		defer close(out)
		defer body.Close()
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var d Delta
			if err := json.Unmarshal(line, &d); err != nil {
				c.logger.Warn("Malformed stream event", zap.Error(err))
				continue
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
			if d.Done {
				return
			}
		}
	}()
	return out, nil
}

type batchSubmitResponse struct {
	BatchID string `json:"batch_id"`
}

// SubmitBatch sends all items in one request and returns the provider's
// batch id for polling.
func (c *Client) SubmitBatch(ctx context.Context, items []BatchItem) (string, error) {
	payload := struct {
		Model string      `json:"model"`
		Items []BatchItem `json:"items"`
	}{Model: c.cfg.Model, Items: items}

	body, err := c.post(ctx, c.cfg.Endpoint+"/v1/batch", payload)
	if err != nil {
		return "", err
	}
	defer body.Close()

	var br batchSubmitResponse
	if err := json.NewDecoder(body).Decode(&br); err != nil {
		return "", fmt.Errorf("decode batch submit: %w", err)
	}
	if br.BatchID == "" {
		return "", fmt.Errorf("batch submit returned no id")
	}
	return br.BatchID, nil
}

// PollBatch fetches the current status; Done flips once results are final.
func (c *Client) PollBatch(ctx context.Context, batchID string) (*BatchStatus, error) {
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodGet, c.cfg.Endpoint+"/v1/batch")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"/v1/batch/"+batchID, nil)
	if err != nil {
		return nil, err
	}
	c.decorate(req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var bs BatchStatus
	if err := json.NewDecoder(resp.Body).Decode(&bs); err != nil {
		return nil, fmt.Errorf("decode batch status: %w", err)
	}
	return &bs, nil
}

func (c *Client) post(ctx context.Context, url string, payload interface{}) (io.ReadCloser, error) {
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	c.decorate(req)
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) decorate(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("llm endpoint returned %d: %s", resp.StatusCode, string(body))
	default:
		return nil
	}
}

func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrDeadlineExceeded, err)
	}
	return err
}
