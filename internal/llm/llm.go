package llm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/jsonschema-go/jsonschema"
)

// ErrUnavailable marks provider failures that are worth retrying:
// missing credentials, transport errors, 5xx and rate-limit responses.
var ErrUnavailable = errors.New("llm unavailable")

// Request is a single structured completion. When Schema is set the
// client asks the provider to emit JSON conforming to it; the raw
// message returned is the model output, undecoded.
type Request struct {
	System     string
	Prompt     string
	SchemaName string
	Schema     *jsonschema.Schema
	MaxTokens  int
}

// Client is one configured model endpoint. The pipeline holds two of
// these: a small fast model for triage and a larger one for generation.
type Client interface {
	Complete(ctx context.Context, req Request) (json.RawMessage, error)
}
