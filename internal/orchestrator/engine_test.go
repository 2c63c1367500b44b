package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/careloop/careloop/internal/delivery"
	"github.com/careloop/careloop/internal/routing"
	"github.com/careloop/careloop/internal/slackevent"
	"github.com/careloop/careloop/internal/store"
)

type scriptedRouter struct {
	calls    int
	failures int
	decision routing.Decision
}

func (r *scriptedRouter) Decide(_ context.Context, _ slackevent.NormalizedEvent) (routing.Decision, error) {
	r.calls++
	if r.calls <= r.failures {
		return routing.Decision{}, fmt.Errorf("router transient failure %d", r.calls)
	}
	return r.decision, nil
}

type scriptedSender struct {
	calls             int
	transientFailures int
	outcome           delivery.Outcome
}

func (s *scriptedSender) Deliver(_ context.Context, _ slackevent.NormalizedEvent, _ routing.Decision) (delivery.Outcome, error) {
	s.calls++
	if s.calls <= s.transientFailures {
		return delivery.Outcome{}, fmt.Errorf("%w: attempt %d", delivery.ErrTransient, s.calls)
	}
	return s.outcome, nil
}

func newTestLedger(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "meta.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func testEvent() slackevent.NormalizedEvent {
	return slackevent.NormalizedEvent{
		TeamID:      "T1",
		ChannelID:   "C1",
		ChannelKind: slackevent.ChannelPublic,
		UserID:      "U9",
		Text:        "hello there",
		TS:          "1700000000.000200",
		ThreadTS:    "1700000000.000100",
		IsMentioned: true,
		EventType:   "message",
	}
}

func replyDecision() routing.Decision {
	return routing.Decision{
		ShouldReply: true,
		Route:       routing.RouteFullReply,
		ReplyMode:   routing.ReplyModeThread,
		TypingStyle: routing.TypingNone,
		ReplyText:   "hi!",
	}
}

func newTestEngine(t *testing.T, ledger Ledger, router Router, sender Deliverer) *Engine {
	t.Helper()
	return New(Config{
		MaxConcurrency:      1,
		RoutingMaxAttempts:  3,
		RoutingBackoffBase:  time.Millisecond,
		DeliveryMaxAttempts: 3,
		DeliveryBackoffBase: time.Millisecond,
	}, ledger, router, sender, nil)
}

func TestRunDeliveredEndToEnd(t *testing.T) {
	ledger := newTestLedger(t)
	router := &scriptedRouter{decision: replyDecision()}
	sender := &scriptedSender{outcome: delivery.Outcome{Posted: true, Channel: "C1", TS: "1700.9", ThreadTS: "1700000000.000100"}}
	engine := newTestEngine(t, ledger, router, sender)
	ctx := context.Background()
	event := testEvent()

	if err := engine.Submit(ctx, event); err != nil {
		t.Fatalf("submit: %v", err)
	}
	engine.processRun(ctx, 1, <-engine.runs)

	record, err := ledger.LookupRun(ctx, event.EventID())
	if err != nil {
		t.Fatalf("lookup run: %v", err)
	}
	if record.Status != store.RunStatusDelivered || !record.Posted {
		t.Fatalf("expected delivered run, got %+v", record)
	}
	if record.PostedThreadTS != "1700000000.000100" {
		t.Fatalf("delivered run lost the thread anchor: %+v", record)
	}
	if sender.calls != 1 {
		t.Fatalf("expected one delivery call, got %d", sender.calls)
	}
}

func TestReplayedEventDeliversOnce(t *testing.T) {
	ledger := newTestLedger(t)
	router := &scriptedRouter{decision: replyDecision()}
	sender := &scriptedSender{outcome: delivery.Outcome{Posted: true, Channel: "C1", TS: "1700.9"}}
	engine := newTestEngine(t, ledger, router, sender)
	ctx := context.Background()
	event := testEvent()

	if err := engine.Submit(ctx, event); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := engine.Submit(ctx, event); err != nil {
		t.Fatalf("replay submit: %v", err)
	}

	for len(engine.runs) > 0 {
		engine.processRun(ctx, 1, <-engine.runs)
	}
	if sender.calls != 1 {
		t.Fatalf("replayed event delivered %d times", sender.calls)
	}
}

func TestReplayAfterTerminalRunIsDropped(t *testing.T) {
	ledger := newTestLedger(t)
	router := &scriptedRouter{decision: replyDecision()}
	sender := &scriptedSender{outcome: delivery.Outcome{Posted: true, Channel: "C1", TS: "1700.9"}}
	engine := newTestEngine(t, ledger, router, sender)
	ctx := context.Background()
	event := testEvent()

	if err := engine.Submit(ctx, event); err != nil {
		t.Fatalf("submit: %v", err)
	}
	engine.processRun(ctx, 1, <-engine.runs)

	if err := engine.Submit(ctx, event); err != nil {
		t.Fatalf("replay submit: %v", err)
	}
	if len(engine.runs) != 0 {
		t.Fatal("terminal replay must not be queued again")
	}
	if sender.calls != 1 {
		t.Fatalf("expected a single delivery, got %d", sender.calls)
	}
}

func TestTransientRoutingFailureRetriesThenDelivers(t *testing.T) {
	ledger := newTestLedger(t)
	router := &scriptedRouter{failures: 1, decision: replyDecision()}
	sender := &scriptedSender{outcome: delivery.Outcome{Posted: true, Channel: "C1", TS: "1700.9"}}
	engine := newTestEngine(t, ledger, router, sender)
	ctx := context.Background()
	event := testEvent()

	if err := engine.Submit(ctx, event); err != nil {
		t.Fatalf("submit: %v", err)
	}
	engine.processRun(ctx, 1, <-engine.runs)

	if router.calls != 2 {
		t.Fatalf("expected a second routing attempt, got %d", router.calls)
	}
	record, err := ledger.LookupRun(ctx, event.EventID())
	if err != nil {
		t.Fatalf("lookup run: %v", err)
	}
	if record.Status != store.RunStatusDelivered {
		t.Fatalf("one transient routing failure must not drop the reply, got %s", record.Status)
	}
}

func TestProcessRunReusesStoredDecision(t *testing.T) {
	ledger := newTestLedger(t)
	router := &scriptedRouter{decision: replyDecision()}
	sender := &scriptedSender{outcome: delivery.Outcome{Posted: true, Channel: "C1", TS: "1700.9"}}
	engine := newTestEngine(t, ledger, router, sender)
	ctx := context.Background()
	event := testEvent()

	if err := engine.Submit(ctx, event); err != nil {
		t.Fatalf("submit: %v", err)
	}
	decisionJSON, err := json.Marshal(replyDecision())
	if err != nil {
		t.Fatalf("marshal decision: %v", err)
	}
	if err := ledger.SaveDecision(ctx, event.EventID(), string(decisionJSON)); err != nil {
		t.Fatalf("save decision: %v", err)
	}

	engine.processRun(ctx, 1, <-engine.runs)

	if router.calls != 0 {
		t.Fatalf("persisted decision must not be re-routed, got %d calls", router.calls)
	}
	record, err := ledger.LookupRun(ctx, event.EventID())
	if err != nil {
		t.Fatalf("lookup run: %v", err)
	}
	if record.Status != store.RunStatusDelivered {
		t.Fatalf("expected delivered run, got %s", record.Status)
	}
}

func TestRoutingExhaustionResolvesToSkip(t *testing.T) {
	ledger := newTestLedger(t)
	router := &scriptedRouter{failures: 10, decision: replyDecision()}
	sender := &scriptedSender{outcome: delivery.Outcome{Posted: false, Reason: delivery.SkipNoReply}}
	engine := newTestEngine(t, ledger, router, sender)
	ctx := context.Background()
	event := testEvent()

	if err := engine.Submit(ctx, event); err != nil {
		t.Fatalf("submit: %v", err)
	}
	engine.processRun(ctx, 1, <-engine.runs)

	if router.calls != 3 {
		t.Fatalf("expected 3 routing attempts, got %d", router.calls)
	}
	record, err := ledger.LookupRun(ctx, event.EventID())
	if err != nil {
		t.Fatalf("lookup run: %v", err)
	}
	if record.Status != store.RunStatusSkipped {
		t.Fatalf("expected routing exhaustion to end in a skip, got %s", record.Status)
	}
}

func TestDeliveryTransientFailureRetries(t *testing.T) {
	ledger := newTestLedger(t)
	router := &scriptedRouter{decision: replyDecision()}
	sender := &scriptedSender{transientFailures: 2, outcome: delivery.Outcome{Posted: true, Channel: "C1", TS: "1700.9"}}
	engine := newTestEngine(t, ledger, router, sender)
	ctx := context.Background()
	event := testEvent()

	if err := engine.Submit(ctx, event); err != nil {
		t.Fatalf("submit: %v", err)
	}
	engine.processRun(ctx, 1, <-engine.runs)

	if sender.calls != 3 {
		t.Fatalf("expected 3 delivery attempts, got %d", sender.calls)
	}
	record, err := ledger.LookupRun(ctx, event.EventID())
	if err != nil {
		t.Fatalf("lookup run: %v", err)
	}
	if record.Status != store.RunStatusDelivered {
		t.Fatalf("expected delivered after retries, got %s", record.Status)
	}
}

func TestDeliveryExhaustionMarksFailed(t *testing.T) {
	ledger := newTestLedger(t)
	router := &scriptedRouter{decision: replyDecision()}
	sender := &scriptedSender{transientFailures: 10}
	engine := newTestEngine(t, ledger, router, sender)
	ctx := context.Background()
	event := testEvent()

	if err := engine.Submit(ctx, event); err != nil {
		t.Fatalf("submit: %v", err)
	}
	engine.processRun(ctx, 1, <-engine.runs)

	if sender.calls != 3 {
		t.Fatalf("expected delivery attempts capped at 3, got %d", sender.calls)
	}
	record, err := ledger.LookupRun(ctx, event.EventID())
	if err != nil {
		t.Fatalf("lookup run: %v", err)
	}
	if record.Status != store.RunStatusFailed {
		t.Fatalf("expected failed run, got %s", record.Status)
	}
}

func TestPermanentPlatformRejectionMarksFailed(t *testing.T) {
	ledger := newTestLedger(t)
	router := &scriptedRouter{decision: replyDecision()}
	sender := &scriptedSender{outcome: delivery.Outcome{Posted: false, Error: "channel_not_found"}}
	engine := newTestEngine(t, ledger, router, sender)
	ctx := context.Background()
	event := testEvent()

	if err := engine.Submit(ctx, event); err != nil {
		t.Fatalf("submit: %v", err)
	}
	engine.processRun(ctx, 1, <-engine.runs)

	if sender.calls != 1 {
		t.Fatalf("permanent rejection must not retry, got %d calls", sender.calls)
	}
	record, err := ledger.LookupRun(ctx, event.EventID())
	if err != nil {
		t.Fatalf("lookup run: %v", err)
	}
	if record.Status != store.RunStatusFailed || record.ErrorMessage != "channel_not_found" {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestEmptyReplySkips(t *testing.T) {
	ledger := newTestLedger(t)
	decision := replyDecision()
	decision.ReplyText = ""
	router := &scriptedRouter{decision: decision}
	sender := &scriptedSender{outcome: delivery.Outcome{Posted: false, Reason: delivery.SkipEmptyReply}}
	engine := newTestEngine(t, ledger, router, sender)
	ctx := context.Background()
	event := testEvent()

	if err := engine.Submit(ctx, event); err != nil {
		t.Fatalf("submit: %v", err)
	}
	engine.processRun(ctx, 1, <-engine.runs)

	record, err := ledger.LookupRun(ctx, event.EventID())
	if err != nil {
		t.Fatalf("lookup run: %v", err)
	}
	if record.Status != store.RunStatusSkipped || record.OutcomeReason != delivery.SkipEmptyReply {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestRecoverRequeuesIncompleteRuns(t *testing.T) {
	ledger := newTestLedger(t)
	router := &scriptedRouter{decision: replyDecision()}
	sender := &scriptedSender{outcome: delivery.Outcome{Posted: true, Channel: "C1", TS: "1700.9"}}
	engine := newTestEngine(t, ledger, router, sender)
	ctx := context.Background()
	event := testEvent()

	if err := engine.Submit(ctx, event); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Simulate a crash after the claim: drain the queue without
	// processing and leave the run mid-delivery.
	<-engine.runs
	decisionJSON, err := json.Marshal(replyDecision())
	if err != nil {
		t.Fatalf("marshal decision: %v", err)
	}
	if err := ledger.SaveDecision(ctx, event.EventID(), string(decisionJSON)); err != nil {
		t.Fatalf("save decision: %v", err)
	}
	if err := ledger.ClaimDelivery(ctx, event.EventID()); err != nil {
		t.Fatalf("claim delivery: %v", err)
	}

	if err := engine.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(engine.runs) != 1 {
		t.Fatalf("expected 1 recovered run, got %d", len(engine.runs))
	}
	engine.processRun(ctx, 1, <-engine.runs)

	record, err := ledger.LookupRun(ctx, event.EventID())
	if err != nil {
		t.Fatalf("lookup run: %v", err)
	}
	if record.Status != store.RunStatusDelivered {
		t.Fatalf("recovered run not delivered: %+v", record)
	}
	if router.calls != 0 {
		t.Fatalf("recovered run must reuse its persisted decision, got %d routing calls", router.calls)
	}
}
