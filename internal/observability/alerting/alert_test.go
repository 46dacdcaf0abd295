package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	xerrors "ZKPay-Chain/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	calls   atomic.Int32
	err     error
	last    Event
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.calls.Add(1)
	r.last = event
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	a := &recordingNotifier{channel: ChannelLog}
	b := &recordingNotifier{channel: ChannelWebhook, err: errors.New("down")}
	d := NewFanout(a, b, nil)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeTimeout, ProofID: "p1", Stage: "submit"})
	if err == nil {
		t.Fatal("expected joined error from failing channel")
	}
	if a.calls.Load() != 1 || b.calls.Load() != 1 {
		t.Fatalf("unexpected call counts: %d %d", a.calls.Load(), b.calls.Load())
	}
	if a.last.Channel != ChannelLog || a.last.OccurredAt.IsZero() {
		t.Fatalf("event not stamped: %+v", a.last)
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, 0)
	if err := n.Notify(context.Background(), Event{Code: "SUBMISSION_EXHAUSTED", ProofID: "p2", TargetChain: "sepolia"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.ProofID != "p2" || got.TargetChain != "sepolia" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestWebhookNotifierReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL, 0).Notify(context.Background(), Event{}); err == nil {
		t.Fatal("expected error for 502")
	}
}

func TestLogNotifierNeverFails(t *testing.T) {
	if err := (LogNotifier{}).Notify(context.Background(), Event{Severity: xerrors.SeverityCritical, Metadata: map[string]string{"k": "v"}}); err != nil {
		t.Fatalf("log notifier: %v", err)
	}
}
