package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "promptsched/pkg/logx"
)

// webhookRelay POSTs summaries to a generic JSON webhook (Discord-compatible
// payload shape).
type webhookRelay struct {
	log  logx.Logger
	http *http.Client
}

func newWebhookRelay(log logx.Logger) *webhookRelay {
	// The per-send context carries the real deadline; the client timeout is a
	// backstop against leaked contexts.
	return &webhookRelay{log: log, http: &http.Client{Timeout: 30 * time.Second}}
}

func (r *webhookRelay) Name() string { return "webhook" }

func (r *webhookRelay) Applies(cfg Config) bool {
	return cfg.Webhook != nil && cfg.Webhook.Enabled
}

func (r *webhookRelay) Send(ctx context.Context, cfg Config, s Summary) error {
	w := cfg.Webhook
	if w == nil || !w.Enabled {
		return nil
	}
	url := strings.TrimSpace(w.URL)
	if url == "" {
		return errors.New("webhook target has no url")
	}

	payload, err := json.Marshal(struct {
		Content string `json:"content"`
	}{Content: FormatSummary(s)})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
