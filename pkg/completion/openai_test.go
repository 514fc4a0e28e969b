package completion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatrelay/pkg/prompt"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewOpenAIClient(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1", Model: "test-model", Timeout: timeout})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func chatResponse(content string) map[string]any {
	return map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"model":  "test-model",
		"choices": []map[string]any{
			{"index": 0, "message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
		"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
	}
}

func apiError(typ, code, msg string) map[string]any {
	return map[string]any{"error": map[string]any{"message": msg, "type": typ, "code": code}}
}

func TestOpenAIClientSuccess(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, chatResponse("  hi there \n"))
	}, time.Second)

	res, err := c.Complete(context.Background(), prompt.Request{Text: "full prompt", UserMessage: "hello"})
	require.NoError(t, err)
	require.Equal(t, "hi there", res.Text)
	require.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 1)
	require.Equal(t, "user", got.Messages[0].Role)
	require.Equal(t, "full prompt", got.Messages[0].Content)
}

func TestOpenAIClientClassifiesFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		kind    Kind
	}{
		{
			name: "invalid request",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusBadRequest, apiError("invalid_request_error", "", "bad"))
			},
			kind: KindUpstreamRejected,
		},
		{
			name: "quota",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusTooManyRequests, apiError("insufficient_quota", "insufficient_quota", "no money"))
			},
			kind: KindUpstreamRejected,
		},
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusTooManyRequests, apiError("requests", "rate_limit_exceeded", "slow down"))
			},
			kind: KindTransientNetwork,
		},
		{
			name: "overloaded",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusServiceUnavailable, apiError("server_error", "", "overloaded"))
			},
			kind: KindTransientNetwork,
		},
		{
			name: "no choices",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, map[string]any{"id": "x", "choices": []any{}})
			},
			kind: KindMalformedResponse,
		},
		{
			name: "empty content",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, chatResponse("   "))
			},
			kind: KindMalformedResponse,
		},
		{
			name: "garbage body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte("{not json"))
			},
			kind: KindMalformedResponse,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, tc.handler, time.Second)
			_, err := c.Complete(context.Background(), prompt.Request{Text: "p"})
			require.Error(t, err)
			require.Equal(t, tc.kind, KindOf(err), "err: %v", err)
		})
	}
}

func TestOpenAIClientTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		writeJSON(w, http.StatusOK, chatResponse("late"))
	}, 50*time.Millisecond)
	defer close(release)

	_, err := c.Complete(context.Background(), prompt.Request{Text: "p"})
	require.Error(t, err)
	require.Equal(t, KindTransientNetwork, KindOf(err))
	require.True(t, IsRetryable(err))
}

func TestNewOpenAIClientRequiresKey(t *testing.T) {
	_, err := NewOpenAIClient(OpenAIConfig{})
	require.Error(t, err)
}

func TestKindOf(t *testing.T) {
	require.Equal(t, Kind(""), KindOf(nil))
	require.Equal(t, KindTransientNetwork, KindOf(errors.New("boom")))

	wrapped := errors.Wrap(NewError(KindUpstreamRejected, nil, "nope"), "complete")
	require.Equal(t, KindUpstreamRejected, KindOf(wrapped))
	require.False(t, IsRetryable(wrapped))
	require.Equal(t, "upstream_rejected: nope", NewError(KindUpstreamRejected, nil, "nope").Error())
}
