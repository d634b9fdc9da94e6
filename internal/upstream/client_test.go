package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
)

func newTestClient(t *testing.T, srv *httptest.Server, timeout time.Duration) *Client {
	t.Helper()
	c, err := New(config.UpstreamConfig{
		APIKey:  "sk-test",
		URL:     srv.URL + "/api/v1/chat/completions",
		Headers: config.Headers{"X-Title": "chatrelay"},
	}, NewHTTPClient(timeout))
	require.NoError(t, err)
	return c
}

func sampleRequest() models.CompletionRequest {
	return models.CompletionRequest{
		Model:       "openai/gpt-4o-mini",
		Messages:    []json.RawMessage{json.RawMessage(`{"role":"user","content":"hi"}`)},
		Temperature: 0.7,
		MaxTokens:   800,
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(config.UpstreamConfig{APIKey: "k", URL: "https://x"}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "nil")

	_, err = New(config.UpstreamConfig{APIKey: "k"}, http.DefaultClient)
	require.Error(t, err)
	require.Contains(t, err.Error(), "url")

	_, err = New(config.UpstreamConfig{URL: "https://x"}, http.DefaultClient)
	require.Error(t, err)
	require.Contains(t, err.Error(), "api key")
}

func TestComplete_SendsContract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "chatrelay", r.Header.Get("X-Title"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.JSONEq(t, `{
			"model": "openai/gpt-4o-mini",
			"messages": [{"role":"user","content":"hi"}],
			"temperature": 0.7,
			"max_tokens": 800
		}`, string(body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello"}}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 2*time.Second)
	raw, err := c.Complete(context.Background(), sampleRequest())
	require.NoError(t, err)
	require.JSONEq(t, `{"choices":[{"message":{"content":"hello"}}]}`, string(raw))
}

func TestComplete_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 2*time.Second)
	_, err := c.Complete(context.Background(), sampleRequest())
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	require.Contains(t, statusErr.Body, "boom")
	require.Contains(t, err.Error(), "500")
}

func TestComplete_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>gateway</html>`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 2*time.Second)
	_, err := c.Complete(context.Background(), sampleRequest())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidJSON)
}

func TestComplete_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 50*time.Millisecond)
	_, err := c.Complete(context.Background(), sampleRequest())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrRequestFailed)
}

func TestComplete_NetworkError(t *testing.T) {
	c, err := New(config.UpstreamConfig{APIKey: "sk-test", URL: "http://127.0.0.1:1/v1/chat/completions"}, NewHTTPClient(100*time.Millisecond))
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), sampleRequest())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrRequestFailed)

	var statusErr *StatusError
	require.False(t, errors.As(err, &statusErr))
}

func TestComplete_OversizeBody(t *testing.T) {
	content := strings.Repeat("a", maxResponseBodyBytes)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"` + content + `"}}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 5*time.Second)
	_, err := c.Complete(context.Background(), sampleRequest())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrRequestFailed)
	require.NotErrorIs(t, err, ErrInvalidJSON)
	require.Contains(t, err.Error(), "exceeds")
}

func TestComplete_BodyAtLimitAccepted(t *testing.T) {
	prefix := `{"choices":[{"message":{"content":"`
	suffix := `"}}]}`
	body := prefix + strings.Repeat("a", maxResponseBodyBytes-len(prefix)-len(suffix)) + suffix
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 5*time.Second)
	raw, err := c.Complete(context.Background(), sampleRequest())
	require.NoError(t, err)
	require.Len(t, raw, maxResponseBodyBytes)
}

func TestComplete_ExtraHeadersCannotReplaceContract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "http://localhost:5000", r.Header.Get("Http-Referer"))
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c, err := New(config.UpstreamConfig{
		APIKey: "sk-test",
		URL:    srv.URL,
		Headers: config.Headers{
			"Authorization": "Bearer other",
			"Content-Type":  "text/plain",
			"HTTP-Referer":  "http://localhost:5000",
		},
	}, NewHTTPClient(2*time.Second))
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), sampleRequest())
	require.NoError(t, err)
}
