package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionBody(content string) string {
	return fmt.Sprintf(`{
		"choices": [{"message": {"role": "assistant", "content": %q}}],
		"model": "test-model",
		"usage": {"prompt_tokens": 10, "completion_tokens": 5}
	}`, content)
}

func TestCompleteWithSystemRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error": {"message": "overloaded"}}`)
			return
		}
		fmt.Fprint(w, completionBody("SIGNAL: BUY\nCONFIDENCE: 0.8"))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{
		Endpoint:   server.URL,
		APIKey:     "test-token",
		Model:      "test-model",
		MaxRetries: 3,
	})

	out, err := client.CompleteWithSystem(context.Background(), "you are a trader", "analyze BTCUSDT")
	require.NoError(t, err)
	assert.Contains(t, out, "SIGNAL: BUY")
	assert.Equal(t, int32(2), calls.Load())
}

func TestCompleteSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": {"message": "model not found"}}`)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{Endpoint: server.URL, MaxRetries: 1})
	_, err := client.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}

func TestBackoffCappedAtTenSeconds(t *testing.T) {
	assert.Equal(t, 2*time.Second, backoffFor(1))
	assert.Equal(t, 4*time.Second, backoffFor(2))
	assert.Equal(t, 8*time.Second, backoffFor(3))
	assert.Equal(t, 10*time.Second, backoffFor(4))
}

func TestCompleteWithRetryHonorsContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{Endpoint: server.URL, MaxRetries: 3})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.CompleteWithRetry(ctx, []ChatMessage{{Role: "user", Content: "hi"}})
	require.Error(t, err)
}
