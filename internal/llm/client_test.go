package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{Endpoint: srv.URL, Model: "test-model", Timeout: 2 * time.Second}, zap.NewNop())
}

func TestCompleteRoundTrip(t *testing.T) {
	var got completeWire
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/complete", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"output": []map[string]string{{"entity_name": "Ana"}},
		})
	})

	out, err := client.Complete(context.Background(), Request{
		System:   "extract entities",
		Messages: []Message{{Role: "user", Content: "notes"}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"entity_name": "Ana"}]`, string(out))

	assert.Equal(t, "test-model", got.Model)
	assert.Equal(t, "extract entities", got.System)
	// The configured cap is applied when the request leaves it unset.
	assert.Equal(t, 4096, got.MaxTokens)
}

func TestCompleteEmptyOutput(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := client.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no output")
}

func TestCompleteRateLimited(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Complete(context.Background(), Request{})
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestCompleteServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model melted", http.StatusInternalServerError)
	})

	_, err := client.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "model melted")
}

func TestStream(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/stream", r.URL.Path)
		_, _ = w.Write([]byte(`{"text": "hel"}` + "\n"))
		_, _ = w.Write([]byte(`{"text": "lo"}` + "\n"))
		_, _ = w.Write([]byte(`{"done": true}` + "\n"))
		_, _ = w.Write([]byte(`{"text": "after done, never delivered"}` + "\n"))
	})

	ch, err := client.Stream(context.Background(), Request{})
	require.NoError(t, err)

	var texts []string
	for d := range ch {
		if d.Done {
			break
		}
		texts = append(texts, d.Text)
	}
	assert.Equal(t, []string{"hel", "lo"}, texts)
}

func TestBatchLifecycle(t *testing.T) {
	polls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/batch":
			var payload struct {
				Items []BatchItem `json:"items"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			require.Len(t, payload.Items, 2)
			_ = json.NewEncoder(w).Encode(map[string]string{"batch_id": "b-42"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/batch/b-42":
			polls++
			status := BatchStatus{BatchID: "b-42", Done: polls > 1}
			if status.Done {
				status.Results = []BatchResult{
					{ID: "item-1", Output: json.RawMessage(`[]`)},
					{ID: "item-2", Error: "upstream refused"},
				}
			}
			_ = json.NewEncoder(w).Encode(status)
		default:
			http.NotFound(w, r)
		}
	})

	ctx := context.Background()
	batchID, err := client.SubmitBatch(ctx, []BatchItem{
		{ID: "item-1", Request: Request{}},
		{ID: "item-2", Request: Request{}},
	})
	require.NoError(t, err)
	assert.Equal(t, "b-42", batchID)

	status, err := client.PollBatch(ctx, batchID)
	require.NoError(t, err)
	assert.False(t, status.Done)

	status, err = client.PollBatch(ctx, batchID)
	require.NoError(t, err)
	require.True(t, status.Done)
	require.Len(t, status.Results, 2)
	assert.Empty(t, status.Results[0].Error)
	assert.Equal(t, "upstream refused", status.Results[1].Error)
}

func TestSubmitBatchMissingID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := client.SubmitBatch(context.Background(), []BatchItem{{ID: "x"}})
	require.Error(t, err)
}
