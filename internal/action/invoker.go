// Package action invokes the external analysis endpoint for a due prompt.
package action

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

const (
	defaultTimeout = 60 * time.Second
	maxResponse    = 1 << 20
	userAgent      = "promptsched/1.0"
)

// Invoker runs one prompt and reports the outcome. Implementations must not
// retry internally; the scheduling cadence is the retry policy.
type Invoker interface {
	Invoke(ctx context.Context, prompt string) (Result, error)
}

// Result carries the raw analysis payload for record keeping and relays.
type Result struct {
	Output string
}

type Config struct {
	URL     string        `json:"url" yaml:"url"`
	APIKey  string        `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Timeout time.Duration `json:"-" yaml:"-"`
}

type httpInvoker struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
}

// NewHTTP builds the production invoker.
func NewHTTP(cfg Config, log logx.Logger) (Invoker, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("action url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &httpInvoker{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}, nil
}

type invokeRequest struct {
	Prompt       string        `json:"prompt"`
	AnalysisType string        `json:"analysisType"`
	Options      invokeOptions `json:"options"`
}

type invokeOptions struct {
	IncludeKeyPoints bool `json:"includeKeyPoints"`
	IncludeSummary   bool `json:"includeSummary"`
	MaxLength        int  `json:"maxLength"`
}

func (h *httpInvoker) Invoke(ctx context.Context, prompt string) (Result, error) {
	body, err := json.Marshal(invokeRequest{
		Prompt:       prompt,
		AnalysisType: "scheduled_analysis",
		Options:      invokeOptions{IncludeKeyPoints: true, IncludeSummary: true, MaxLength: 4000},
	})
	if err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if h.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("action request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return Result{}, fmt.Errorf("action response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("action request failed: %s", resp.Status)
	}

	h.log.Debug("action invoked",
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)
	return Result{Output: extractOutput(raw)}, nil
}

// extractOutput pulls a human-readable field out of the response when one
// exists, otherwise keeps the raw body.
func extractOutput(raw []byte) string {
	var envelope struct {
		Result   string `json:"result"`
		Response string `json:"response"`
		Summary  string `json:"summary"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		switch {
		case envelope.Result != "":
			return envelope.Result
		case envelope.Response != "":
			return envelope.Response
		case envelope.Summary != "":
			return envelope.Summary
		}
	}
	return string(raw)
}
