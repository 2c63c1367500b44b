package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/careloop/careloop/internal/llm"
	"github.com/careloop/careloop/internal/memory"
	"github.com/careloop/careloop/internal/prompts"
	"github.com/careloop/careloop/internal/slackevent"
)

// Reasons recorded on decisions the engine makes without (or despite)
// the models.
const (
	ReasonPreFilter        = "pre_filter_short_text"
	ReasonTriageFailed     = "triage_failed"
	ReasonGenerationFailed = "generation_failed"
)

type Config struct {
	PreFilterMaxChars int

	PreferencesTopK         int
	PreferencesMinRelevance float64
	FactsTopK               int
	FactsMinRelevance       float64
	SummariesTopK           int
	SummariesMinRelevance   float64
}

type Engine struct {
	triage     llm.Client
	generation llm.Client
	memory     memory.Store
	library    *prompts.Library
	cfg        Config
	logger     *slog.Logger

	triageSchema     *jsonschema.Schema
	generationSchema *jsonschema.Schema
}

// triageOutput is the structured-output contract of the triage stage.
// ReplyText is optional; triage may answer simple requests directly.
type triageOutput struct {
	ShouldReply bool   `json:"should_reply"`
	Route       string `json:"route"`
	ReplyMode   string `json:"reply_mode"`
	TypingStyle string `json:"typing_style"`
	Reason      string `json:"reason"`
	ReplyText   string `json:"reply_text"`
}

// generationOutput is the structured-output contract of the generation
// stage. Besides the reply it may carry new memory entries for the
// channel and a refreshed thread summary.
type generationOutput struct {
	ReplyText      string   `json:"reply_text"`
	NewFacts       []string `json:"new_facts"`
	NewPreferences []string `json:"new_preferences"`
	Summary        string   `json:"summary"`
}

func NewEngine(triage, generation llm.Client, store memory.Store, library *prompts.Library, cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	triageSchema, err := jsonschema.For[triageOutput](nil)
	if err != nil {
		return nil, fmt.Errorf("build triage schema: %w", err)
	}
	generationSchema, err := jsonschema.For[generationOutput](nil)
	if err != nil {
		return nil, fmt.Errorf("build generation schema: %w", err)
	}
	return &Engine{
		triage:           triage,
		generation:       generation,
		memory:           store,
		library:          library,
		cfg:              cfg,
		logger:           logger.With("component", "routing"),
		triageSchema:     triageSchema,
		generationSchema: generationSchema,
	}, nil
}

// Decide runs the graph for one event. Transient triage failures
// (llm.ErrUnavailable) surface as errors so the caller can retry with
// backoff; everything else degrades in place, to a silent ignore
// (unparseable triage) or an empty reply (generation).
func (e *Engine) Decide(ctx context.Context, event slackevent.NormalizedEvent) (Decision, error) {
	if len(event.Text) <= e.cfg.PreFilterMaxChars && !event.IsMentioned {
		e.logger.Debug("pre-filter short-circuit", "event_id", event.EventID())
		return DefaultDecision(ReasonPreFilter), nil
	}

	snapshot := e.retrieveMemory(ctx, event)

	triageRaw, err := e.triage.Complete(ctx, llm.Request{
		System:     e.library.Triage(),
		Prompt:     buildTriagePrompt(event, snapshot),
		SchemaName: "routing_decision",
		Schema:     e.triageSchema,
	})
	if err != nil {
		if errors.Is(err, llm.ErrUnavailable) {
			return Decision{}, fmt.Errorf("triage: %w", err)
		}
		e.logger.Warn("triage call failed", "event_id", event.EventID(), "error", err)
		return DefaultDecision(ReasonTriageFailed), nil
	}
	var triaged triageOutput
	if err := json.Unmarshal(triageRaw, &triaged); err != nil {
		e.logger.Warn("triage output unparseable", "event_id", event.EventID(), "error", err)
		return DefaultDecision(ReasonTriageFailed), nil
	}
	decision := normalize(Decision{
		ShouldReply: triaged.ShouldReply,
		Route:       Route(triaged.Route),
		ReplyMode:   ReplyMode(triaged.ReplyMode),
		TypingStyle: TypingStyle(triaged.TypingStyle),
		Reason:      triaged.Reason,
		ReplyText:   strings.TrimSpace(triaged.ReplyText),
	})
	if decision.Route != RouteFullReply {
		return decision, nil
	}

	generated, err := e.generate(ctx, event, decision, snapshot)
	if err != nil {
		e.logger.Warn("generation failed, delivering triage decision without text",
			"event_id", event.EventID(), "error", err)
		fallback := decision
		fallback.ReplyText = ""
		fallback.Reason = ReasonGenerationFailed
		return fallback, nil
	}

	e.persistMemory(ctx, event, generated)

	final := decision
	final.ReplyText = strings.TrimSpace(generated.ReplyText)
	return final, nil
}

func (e *Engine) generate(ctx context.Context, event slackevent.NormalizedEvent, triaged Decision, snapshot memorySnapshot) (generationOutput, error) {
	raw, err := e.generation.Complete(ctx, llm.Request{
		System:     e.library.Generation(),
		Prompt:     buildGenerationPrompt(event, triaged, snapshot),
		SchemaName: "generation_result",
		Schema:     e.generationSchema,
	})
	if err != nil {
		return generationOutput{}, err
	}
	var out generationOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return generationOutput{}, fmt.Errorf("unparseable generation output: %w", err)
	}
	return out, nil
}

type memorySnapshot struct {
	Preferences []memory.Item
	Facts       []memory.Item
	Summaries   []memory.Item
}

func (e *Engine) retrieveMemory(ctx context.Context, event slackevent.NormalizedEvent) memorySnapshot {
	actor := event.ActorID()
	session := event.SessionID()
	return memorySnapshot{
		Preferences: e.retrieve(ctx, memory.Query{
			Namespace:    memory.PreferencesNamespace(actor),
			Text:         event.Text,
			TopK:         e.cfg.PreferencesTopK,
			MinRelevance: e.cfg.PreferencesMinRelevance,
		}),
		Facts: e.retrieve(ctx, memory.Query{
			Namespace:    memory.FactsNamespace(actor),
			Text:         event.Text,
			TopK:         e.cfg.FactsTopK,
			MinRelevance: e.cfg.FactsMinRelevance,
		}),
		Summaries: e.retrieve(ctx, memory.Query{
			Namespace:    memory.SummariesNamespace(actor, session),
			Text:         event.Text,
			TopK:         e.cfg.SummariesTopK,
			MinRelevance: e.cfg.SummariesMinRelevance,
		}),
	}
}

// Retrieval failures degrade to an empty context rather than blocking
// the decision.
func (e *Engine) retrieve(ctx context.Context, query memory.Query) []memory.Item {
	items, err := e.memory.Retrieve(ctx, query)
	if err != nil {
		e.logger.Warn("memory retrieval failed", "namespace", query.Namespace, "error", err)
		return nil
	}
	return items
}

func (e *Engine) persistMemory(ctx context.Context, event slackevent.NormalizedEvent, out generationOutput) {
	actor := event.ActorID()
	for _, fact := range out.NewFacts {
		if strings.TrimSpace(fact) == "" {
			continue
		}
		if _, err := e.memory.Write(ctx, memory.FactsNamespace(actor), fact); err != nil {
			e.logger.Warn("memory write failed", "namespace", memory.FactsNamespace(actor), "error", err)
		}
	}
	for _, pref := range out.NewPreferences {
		if strings.TrimSpace(pref) == "" {
			continue
		}
		if _, err := e.memory.Write(ctx, memory.PreferencesNamespace(actor), pref); err != nil {
			e.logger.Warn("memory write failed", "namespace", memory.PreferencesNamespace(actor), "error", err)
		}
	}
	if strings.TrimSpace(out.Summary) != "" {
		namespace := memory.SummariesNamespace(actor, event.SessionID())
		if _, err := e.memory.Write(ctx, namespace, out.Summary); err != nil {
			e.logger.Warn("memory write failed", "namespace", namespace, "error", err)
		}
	}
}

func buildTriagePrompt(event slackevent.NormalizedEvent, snapshot memorySnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Channel kind: %s\n", event.ChannelKind)
	fmt.Fprintf(&b, "Direct message: %t\n", event.IsDM)
	fmt.Fprintf(&b, "Assistant mentioned: %t\n", event.IsMentioned)
	fmt.Fprintf(&b, "Threaded: %t\n", event.ThreadTS != event.TS)
	writeMemorySection(&b, snapshot)
	fmt.Fprintf(&b, "\nMessage:\n%s\n", event.Text)
	return b.String()
}

func buildGenerationPrompt(event slackevent.NormalizedEvent, triaged Decision, snapshot memorySnapshot) string {
	var b strings.Builder
	decisionJSON, _ := json.Marshal(triaged)
	fmt.Fprintf(&b, "Triage decision: %s\n", decisionJSON)
	fmt.Fprintf(&b, "Channel kind: %s\n", event.ChannelKind)
	writeMemorySection(&b, snapshot)
	fmt.Fprintf(&b, "\nMessage:\n%s\n", event.Text)
	return b.String()
}

func writeMemorySection(b *strings.Builder, snapshot memorySnapshot) {
	writeItems(b, "Channel preferences", snapshot.Preferences)
	writeItems(b, "Known facts", snapshot.Facts)
	writeItems(b, "Thread summaries", snapshot.Summaries)
}

func writeItems(b *strings.Builder, title string, items []memory.Item) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item.Content)
	}
}
