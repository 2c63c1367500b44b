package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/require"

	"github.com/careloop/careloop/internal/llm"
)

type decisionShape struct {
	ShouldReply bool   `json:"should_reply"`
	Route       string `json:"route"`
}

func TestCompleteStructuredOutput(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"should_reply\":true,\"route\":\"full_reply\"}"}}]}`))
	}))
	defer server.Close()

	schema, err := jsonschema.For[decisionShape](nil)
	require.NoError(t, err)

	client := New(Config{APIKey: "test-key", BaseURL: server.URL, Model: "gpt-4o-mini"}, nil)
	raw, err := client.Complete(context.Background(), llm.Request{
		System:     "you are a router",
		Prompt:     "classify this",
		SchemaName: "routing_decision",
		Schema:     schema,
	})
	require.NoError(t, err)

	var decision decisionShape
	require.NoError(t, json.Unmarshal(raw, &decision))
	require.True(t, decision.ShouldReply)
	require.Equal(t, "full_reply", decision.Route)

	require.Equal(t, "gpt-4o-mini", captured["model"])
	format, ok := captured["response_format"].(map[string]any)
	require.True(t, ok, "expected response_format in request")
	require.Equal(t, "json_schema", format["type"])
}

func TestCompleteServerErrorIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := New(Config{APIKey: "test-key", BaseURL: server.URL}, nil)
	_, err := client.Complete(context.Background(), llm.Request{Prompt: "hi"})
	require.ErrorIs(t, err, llm.ErrUnavailable)
}

func TestCompleteBadRequestIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad schema", http.StatusBadRequest)
	}))
	defer server.Close()

	client := New(Config{APIKey: "test-key", BaseURL: server.URL}, nil)
	_, err := client.Complete(context.Background(), llm.Request{Prompt: "hi"})
	require.Error(t, err)
	require.False(t, errors.Is(err, llm.ErrUnavailable))
}

func TestCompleteMissingKey(t *testing.T) {
	client := New(Config{BaseURL: "https://api.openai.com/v1"}, nil)
	_, err := client.Complete(context.Background(), llm.Request{Prompt: "hi"})
	require.ErrorIs(t, err, llm.ErrUnavailable)
}
