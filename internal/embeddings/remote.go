package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/Healer-AI/p8fs-sub003/internal/circuitbreaker"
	"github.com/Healer-AI/p8fs-sub003/internal/tracing"
)

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// RemoteProvider calls an HTTP embedding endpoint. The same shape serves
// text models and image-text-joint models; the image path currently encodes
// the caption string (a content-based path is reserved for an external
// processor).
type RemoteProvider struct {
	id        string
	dimension int
	endpoint  string
	apiKey    string
	httpw     *circuitbreaker.HTTPWrapper
}

// NewRemoteProvider builds a provider from its config row. The API key is
// resolved from the named environment variable, never stored in config.
func NewRemoteProvider(cfg ProviderConfig, timeout time.Duration, logger *zap.Logger) *RemoteProvider {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	client := &http.Client{Timeout: timeout}
	return &RemoteProvider{
		id:        cfg.ID,
		dimension: cfg.Dimension,
		endpoint:  cfg.Endpoint,
		apiKey:    apiKey,
		httpw:     circuitbreaker.NewHTTPWrapper(client, "embeddings-"+cfg.ID, logger),
	}
}

func (p *RemoteProvider) ID() string           { return p.id }
func (p *RemoteProvider) Dimension() int       { return p.dimension }
func (p *RemoteProvider) RequiresAPIKey() bool { return p.apiKey != "" }

// Encode embeds texts in one request.
func (p *RemoteProvider) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	return p.call(ctx, texts)
}

// EncodeBatch is Encode for callers that already batched; the wire shape is
// identical.
func (p *RemoteProvider) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return p.call(ctx, texts)
}

func (p *RemoteProvider) call(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, p.endpoint)
	defer span.End()

	payload := embedRequest{Texts: texts, Model: p.id}
	buf, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := p.httpw.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding endpoint %s returned %d: %s", p.id, resp.StatusCode, string(body))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, err
	}
	if len(er.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding endpoint %s returned %d vectors for %d texts", p.id, len(er.Embeddings), len(texts))
	}

	out := make([][]float32, len(er.Embeddings))
	for i, emb := range er.Embeddings {
		if len(emb) != p.dimension {
			return nil, fmt.Errorf("%w: provider %s declared %d, endpoint returned %d",
				ErrDimensionMismatch, p.id, p.dimension, len(emb))
		}
		vec := make([]float32, len(emb))
		for j, f := range emb {
			vec[j] = float32(f)
		}
		out[i] = vec
	}
	return out, nil
}
