package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"promptsched/internal/eventbus"
	logx "promptsched/pkg/logx"
)

func summary() Summary {
	return Summary{
		EntryID:   "e1",
		EntryName: "morning digest",
		Body:      "all systems nominal",
		At:        time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestDispatchNoTargets(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(DispatcherConfig{}, logx.Nop(), nil)
	if res := d.Dispatch(context.Background(), Config{}, summary()); res != nil {
		t.Fatalf("expected nil results, got %+v", res)
	}
}

func TestDispatchWebhook(t *testing.T) {
	t.Parallel()

	var got struct {
		Content string `json:"content"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	d := NewDispatcher(DispatcherConfig{RatePerSec: 100}, logx.Nop(), bus)
	cfg := Config{Webhook: &WebhookTarget{Enabled: true, URL: srv.URL}}

	res := d.Dispatch(context.Background(), cfg, summary())
	if len(res) != 1 || res[0].Channel != "webhook" || res[0].Err != nil {
		t.Fatalf("results: %+v", res)
	}
	if !strings.Contains(got.Content, "morning digest") || !strings.Contains(got.Content, "all systems nominal") {
		t.Fatalf("payload: %q", got.Content)
	}

	select {
	case e := <-events:
		if e.Type != eventbus.TypeNotifySent {
			t.Fatalf("event type %q", e.Type)
		}
	default:
		t.Fatal("no event published")
	}
}

func TestDispatchWebhookFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	d := NewDispatcher(DispatcherConfig{RatePerSec: 100}, logx.Nop(), bus)
	cfg := Config{Webhook: &WebhookTarget{Enabled: true, URL: srv.URL}}

	res := d.Dispatch(context.Background(), cfg, summary())
	if len(res) != 1 || res[0].Err == nil {
		t.Fatalf("results: %+v", res)
	}

	select {
	case e := <-events:
		if e.Type != eventbus.TypeNotifyFailed {
			t.Fatalf("event type %q", e.Type)
		}
		ev, ok := e.Data.(DispatchEvent)
		if !ok || ev.Error == "" {
			t.Fatalf("event data: %+v", e.Data)
		}
	default:
		t.Fatal("no event published")
	}
}

func TestDispatchMissingWebhookURL(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(DispatcherConfig{RatePerSec: 100}, logx.Nop(), nil)
	cfg := Config{Webhook: &WebhookTarget{Enabled: true}}
	res := d.Dispatch(context.Background(), cfg, summary())
	if len(res) != 1 || res[0].Err == nil {
		t.Fatalf("results: %+v", res)
	}
}

func TestDispatchTelegramBadTarget(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(DispatcherConfig{RatePerSec: 100}, logx.Nop(), nil)

	// Missing token and chat id fail fast without network access.
	res := d.Dispatch(context.Background(), Config{Telegram: &TelegramTarget{Enabled: true}}, summary())
	if len(res) != 1 || res[0].Channel != "telegram" || res[0].Err == nil {
		t.Fatalf("results: %+v", res)
	}
	res = d.Dispatch(context.Background(), Config{Telegram: &TelegramTarget{Enabled: true, BotToken: "tok"}}, summary())
	if len(res) != 1 || res[0].Err == nil {
		t.Fatalf("results: %+v", res)
	}
}

func TestConfigEnabled(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		want bool
	}{
		{"empty", Config{}, false},
		{"telegram off", Config{Telegram: &TelegramTarget{}}, false},
		{"telegram on", Config{Telegram: &TelegramTarget{Enabled: true}}, true},
		{"webhook on", Config{Webhook: &WebhookTarget{Enabled: true}}, true},
	}
	for _, tc := range cases {
		if got := tc.cfg.Enabled(); got != tc.want {
			t.Errorf("%s: Enabled() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestFormatSummaryTruncates(t *testing.T) {
	t.Parallel()

	s := summary()
	s.Body = strings.Repeat("x", 5000)
	out := FormatSummary(s)
	if len(out) > 3700 {
		t.Fatalf("formatted summary too long: %d", len(out))
	}
	if !strings.HasSuffix(out, "...") {
		t.Fatal("truncation marker missing")
	}
}
