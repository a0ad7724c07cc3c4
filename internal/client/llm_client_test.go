package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	goopenai "github.com/meguminnnnnnnnn/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devildev/api/internal/config"
	"github.com/devildev/api/internal/model"
	"github.com/devildev/api/internal/pipeline"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Temperature float64 `json:"temperature"`
	Tools       []any   `json:"tools"`
}

const chatReply = `{"id":"1","object":"chat.completion","created":1,"model":"m",` +
	`"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],` +
	`"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`

func newLLMClient(t *testing.T, url string) *LLMClient {
	t.Helper()
	c, err := NewLLMClient(context.Background(), &config.GenerationConfig{APIKey: "key", BaseURL: url, Model: "m"})
	require.NoError(t, err)
	return c
}

func TestLLMClient_ChatCompletion(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatReply))
	}))
	defer srv.Close()

	reply, err := newLLMClient(t, srv.URL).ChatCompletion(context.Background(), "be brief", []model.ChatMessage{
		{Role: model.RoleUser, Content: "hi"},
	})

	require.NoError(t, err)
	assert.Equal(t, "hello", reply)
	assert.Equal(t, "m", got.Model)
	assert.InDelta(t, 0.2, got.Temperature, 0.001)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, model.RoleSystem, got.Messages[0].Role)
	assert.Equal(t, "hi", got.Messages[1].Content)
}

func TestLLMClient_ClassifiesProviderErrors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer srv.Close()
	c := newLLMClient(t, srv.URL)

	_, err := c.ChatCompletion(context.Background(), "", nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode())
	assert.Equal(t, model.ErrorKindTransient, pipeline.Classify(err))

	status.Store(http.StatusBadRequest)
	_, err = c.ChatCompletion(context.Background(), "", nil)
	assert.Equal(t, model.ErrorKindInternal, pipeline.Classify(err))
}

func TestProviderError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   model.ErrorKind
	}{
		{
			name:   "api error",
			err:    fmt.Errorf("generate: %w", &goopenai.APIError{HTTPStatusCode: http.StatusUnauthorized, Message: "bad key"}),
			status: http.StatusUnauthorized,
			kind:   model.ErrorKindInternal,
		},
		{
			name:   "request error",
			err:    &goopenai.RequestError{HTTPStatusCode: http.StatusTooManyRequests, Err: errors.New("slow down")},
			status: http.StatusTooManyRequests,
			kind:   model.ErrorKindTransient,
		},
		{
			name:   "status only in text",
			err:    errors.New("[NodeRunError] error, status code: 502, status: 502 Bad Gateway, message: upstream"),
			status: http.StatusBadGateway,
			kind:   model.ErrorKindTransient,
		},
		{
			name: "no status",
			err:  errors.New("decode reply"),
			kind: model.ErrorKindInternal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := providerError(tt.err)

			var apiErr *APIError
			if tt.status == 0 {
				assert.False(t, errors.As(err, &apiErr))
				assert.Same(t, tt.err, err)
			} else {
				require.ErrorAs(t, err, &apiErr)
				assert.Equal(t, tt.status, apiErr.StatusCode())
			}
			assert.Equal(t, tt.kind, pipeline.Classify(err))
		})
	}
}
