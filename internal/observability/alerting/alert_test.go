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

	xerrors "AgentGuard/internal/errors"
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
	a := &recordingNotifier{channel: "a"}
	b := &recordingNotifier{channel: "b", err: errors.New("down")}
	d := NewFanout(a, b, nil)

	err := d.Notify(context.Background(), Event{Code: "X", RunID: "run-1"})
	if err == nil || !strings.Contains(err.Error(), "channel b") {
		t.Fatalf("期望包含 channel b 的错误，实际 %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("每个渠道都应收到一次事件: a=%d b=%d", len(a.events), len(b.events))
	}
}

func TestNilFanoutIsNoop(t *testing.T) {
	var d *FanoutDispatcher
	if err := d.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher 不应返回错误: %v", err)
	}
}

func TestWebhookNotifier(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL}
	event := Event{
		Code:       "RUN_HALTED",
		Severity:   xerrors.SeverityWarning,
		RunID:      "run-1",
		Tool:       "deploy.prod",
		OccurredAt: time.Unix(0, 0).UTC(),
	}
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("webhook 通知失败: %v", err)
	}
	if got.RunID != "run-1" || got.Tool != "deploy.prod" {
		t.Fatalf("webhook 收到的事件不正确: %+v", got)
	}
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := (&WebhookNotifier{URL: srv.URL}).Notify(context.Background(), Event{}); err == nil {
		t.Fatal("期望非 2xx 返回错误")
	}
}

func TestLogNotifier(t *testing.T) {
	if err := (LogNotifier{}).Notify(context.Background(), Event{Code: "X", Severity: xerrors.SeverityCritical}); err != nil {
		t.Fatalf("日志通知不应失败: %v", err)
	}
}
