// Package memory is the namespaced long-term store consulted by the
// routing stages. Each channel gets its own preference and fact
// namespaces; each thread gets a summary namespace.
package memory

import (
	"context"
	"time"
)

type Item struct {
	ID        string    `json:"id"`
	Namespace string    `json:"namespace"`
	Content   string    `json:"content"`
	Relevance float64   `json:"relevance"`
	CreatedAt time.Time `json:"created_at"`
}

// Query retrieves up to TopK items from one namespace, scored against
// Text and filtered by MinRelevance. Results come back ordered by
// relevance, highest first.
type Query struct {
	Namespace    string
	Text         string
	TopK         int
	MinRelevance float64
}

type Store interface {
	Retrieve(ctx context.Context, query Query) ([]Item, error)
	// Write appends. Existing items are never updated in place; stale
	// entries are folded together later by compaction.
	Write(ctx context.Context, namespace, content string) (Item, error)
}

func PreferencesNamespace(actorID string) string {
	return "preferences/" + actorID
}

func FactsNamespace(actorID string) string {
	return "facts/" + actorID
}

func SummariesNamespace(actorID, sessionID string) string {
	return "summaries/" + actorID + "/" + sessionID
}
