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

	"github.com/rs/zerolog"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/sendMessage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := ArchivalFailure(time.Now(), "run-1", 500, 2, 200, errors.New("deadlock detected"))

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if received["chat_id"] != "chat" {
		t.Fatalf("unexpected chat_id: %#v", received)
	}
	text := received["text"]
	for _, want := range []string{"archival run failed", "completed_batches: 2", "rows_archived: 200", "deadlock detected"} {
		if !strings.Contains(text, want) {
			t.Fatalf("message missing %q:\n%s", want, text)
		}
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	err := notifier.Notify(context.Background(), HealthTransition(time.Now(), "healthy", "unhealthy", nil))
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected ok=false error, got %v", err)
	}
}

func TestTelegramNotifierHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), HealthTransition(time.Now(), "healthy", "unhealthy", nil)); err == nil {
		t.Fatal("expected status error")
	}
}

func TestHealthTransitionKinds(t *testing.T) {
	down := HealthTransition(time.Now(), "healthy", "unhealthy", map[string]string{"database": "unhealthy"})
	if down.Kind != KindHealthDegraded || down.Fields["component.database"] != "unhealthy" {
		t.Fatalf("unexpected degraded notification: %+v", down)
	}
	up := HealthTransition(time.Now(), "unhealthy", "healthy", nil)
	if up.Kind != KindHealthRecovered {
		t.Fatalf("unexpected recovered kind %s", up.Kind)
	}
}

func TestRenderMessageSortsFields(t *testing.T) {
	msg := renderMessage(Notification{
		Kind:    KindArchivalFailure,
		At:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Summary: "x",
		Fields:  map[string]string{"b": "2", "a": "1", "empty": ""},
	})
	if strings.Index(msg, "a: 1") > strings.Index(msg, "b: 2") {
		t.Fatalf("fields not sorted:\n%s", msg)
	}
	if strings.Contains(msg, "empty") {
		t.Fatalf("empty field rendered:\n%s", msg)
	}
}

func TestLogNotifier(t *testing.T) {
	if err := NewLogNotifier(testLogger()).Notify(context.Background(), HealthTransition(time.Now(), "healthy", "unhealthy", nil)); err != nil {
		t.Fatalf("LogNotifier: %v", err)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
