package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "Treasury-Autopilot/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	ok := &recordingNotifier{channel: ChannelLog}
	failing := &recordingNotifier{channel: ChannelWebhook, err: errors.New("boom")}
	d := NewFanout(ok, nil, failing)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeTimeout, Message: "slow"})
	if err == nil || !strings.Contains(err.Error(), "channel webhook") {
		t.Fatalf("expected joined webhook error, got %v", err)
	}
	if len(ok.events) != 1 || len(failing.events) != 1 {
		t.Fatalf("expected both notifiers to receive the event")
	}

	var nilDispatcher *FanoutDispatcher
	if err := nilDispatcher.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should be a no-op: %v", err)
	}
}

func TestEventFromError(t *testing.T) {
	err := xerrors.New(xerrors.CodeIterationsExhausted, "loop did not stop", xerrors.WithMetadata("iterations", "10"))
	event := EventFromError("cycle-1", err)
	if event.Code != xerrors.CodeIterationsExhausted {
		t.Fatalf("unexpected code: %s", event.Code)
	}
	if event.Metadata["iterations"] != "10" || event.CycleID != "cycle-1" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.Severity != xerrors.SeverityWarning {
		t.Fatalf("unexpected severity: %s", event.Severity)
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var received Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := &WebhookNotifier{URL: server.URL, Client: server.Client()}
	event := Event{Code: xerrors.CodeOracleUnavailable, Level: "CRITICAL", Triggers: []string{"DEPEG_CRITICAL"}, OccurredAt: time.Now()}
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if received.Level != "CRITICAL" || len(received.Triggers) != 1 {
		t.Fatalf("unexpected payload: %+v", received)
	}
}

func TestWebhookNotifierReportsHTTPFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	n := &WebhookNotifier{URL: server.URL}
	if err := n.Notify(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error for 502")
	}
	if err := (&WebhookNotifier{}).Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unconfigured webhook should be skipped: %v", err)
	}
}

func TestLogNotifierNeverFails(t *testing.T) {
	n := &LogNotifier{}
	if err := n.Notify(context.Background(), Event{Severity: xerrors.SeverityCritical, Message: "critical"}); err != nil {
		t.Fatalf("log notifier: %v", err)
	}
}
