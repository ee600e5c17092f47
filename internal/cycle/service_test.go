package cycle

import (
	"context"
	"errors"
	"testing"

	"Treasury-Autopilot/internal/agent"
	xerrors "Treasury-Autopilot/internal/errors"
)

type failingProducer struct{}

func (failingProducer) Publish(context.Context, Message) error { return errors.New("broker down") }
func (failingProducer) Close() error                           { return nil }

type countingObserver struct{ sources []string }

func (c *countingObserver) ObserveSubmission(source string) { c.sources = append(c.sources, source) }

func TestServiceSubmitDefaults(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryQueue(4)
	obs := &countingObserver{}
	svc := NewService(NewMemoryStore(), queue, WithDefaultMode(agent.ModeSimulation), WithSubmissionObserver(obs))

	run, err := svc.Submit(ctx, Request{Override: &agent.Override{ForceAction: "hold", Reason: " manual "}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if run.ID == "" || run.Mode != agent.ModeSimulation || run.Source != SourceManual || run.Status != StatusPending {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.Override.ForceAction != agent.ActionHold || run.Override.Reason != "manual" {
		t.Fatalf("override not normalised: %+v", run.Override)
	}
	msg := <-queue.ch
	if msg.CycleID != run.ID || msg.Mode != agent.ModeSimulation || msg.Override == nil {
		t.Fatalf("unexpected queued message: %+v", msg)
	}
	if len(obs.sources) != 1 || obs.sources[0] != "manual" {
		t.Fatalf("unexpected observed sources: %v", obs.sources)
	}
}

func TestServiceSubmitIsIdempotentByID(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryQueue(4)
	svc := NewService(NewMemoryStore(), queue)

	first, err := svc.Submit(ctx, Request{ID: "fixed"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := svc.Submit(ctx, Request{ID: "fixed"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if first.ID != second.ID || len(queue.ch) != 1 {
		t.Fatalf("duplicate submission must not be queued twice (queued %d)", len(queue.ch))
	}
}

func TestServiceSubmitValidation(t *testing.T) {
	svc := NewService(NewMemoryStore(), NewMemoryQueue(1))
	if _, err := svc.Submit(context.Background(), Request{Mode: "turbo"}); !xerrors.HasCode(err, CodeCycleValidation) {
		t.Fatalf("expected validation error for mode, got %v", err)
	}
	_, err := svc.Submit(context.Background(), Request{Override: &agent.Override{ForceAction: "SELL"}})
	if !xerrors.HasCode(err, CodeCycleValidation) {
		t.Fatalf("expected validation error for override, got %v", err)
	}
}

func TestServiceSubmitPublishFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, failingProducer{})

	_, err := svc.Submit(ctx, Request{ID: "c1"})
	if !xerrors.HasCode(err, CodeCyclePublish) {
		t.Fatalf("expected publish error, got %v", err)
	}
	run, getErr := store.Get(ctx, "c1")
	if getErr != nil || run.Status != StatusFailed || run.ErrorCode != string(CodeCyclePublish) {
		t.Fatalf("failed publish must be recorded: %+v %v", run, getErr)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{CycleID: "c1", Mode: agent.ModeEmergency, Override: &agent.Override{ForceAction: agent.ActionHold}, Source: SourceManual}
	body, err := encodeMessage(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeMessage(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CycleID != "c1" || got.Mode != agent.ModeEmergency || got.Override.ForceAction != agent.ActionHold {
		t.Fatalf("unexpected message %+v", got)
	}
}

func TestQueueConstructorsValidateConfig(t *testing.T) {
	if _, err := NewRedisQueue(context.Background(), RedisQueueConfig{}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := NewRabbitMQQueue(RabbitMQConfig{}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
