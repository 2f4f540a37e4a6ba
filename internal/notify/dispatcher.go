package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"promptsched/internal/eventbus"
	logx "promptsched/pkg/logx"
)

// DispatcherConfig bounds the dispatcher's outbound behavior.
//
// All sends share one token bucket so a cycle with many due entries cannot
// hammer chat APIs; each individual send additionally gets its own timeout.
type DispatcherConfig struct {
	RatePerSec  int
	SendTimeout time.Duration
}

// A channelRelay delivers a summary to one kind of target.
type channelRelay interface {
	Name() string
	Send(ctx context.Context, cfg Config, s Summary) error
	// Applies reports whether cfg addresses this channel.
	Applies(cfg Config) bool
}

// Dispatcher fans an execution summary out to every channel enabled on an
// entry, sequentially, each send wrapped in its own error boundary.
type Dispatcher struct {
	log     logx.Logger
	bus     eventbus.Bus
	limiter *rate.Limiter
	timeout time.Duration

	relays []channelRelay
}

func NewDispatcher(cfg DispatcherConfig, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 3
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		log:     log,
		bus:     bus,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		timeout: timeout,
		relays: []channelRelay{
			newTelegramRelay(log),
			newWebhookRelay(log),
		},
	}
}

// Dispatch sends s to every channel enabled in cfg. It always returns one
// SendResult per attempted channel; it never returns an error because relay
// failures are non-fatal to the execution cycle by contract.
func (d *Dispatcher) Dispatch(ctx context.Context, cfg Config, s Summary) []SendResult {
	if !cfg.Enabled() {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var results []SendResult
	for _, r := range d.relays {
		if !r.Applies(cfg) {
			continue
		}
		res := SendResult{Channel: r.Name()}
		res.Err = d.sendOne(ctx, r, cfg, s)
		results = append(results, res)

		now := time.Now()
		if res.Err != nil {
			d.log.Warn("notification send failed",
				logx.String("channel", r.Name()),
				logx.String("entry", s.EntryID),
				logx.Err(res.Err),
			)
			if d.bus != nil {
				d.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyFailed, Time: now, Data: DispatchEvent{
					Channel: r.Name(), EntryID: s.EntryID, Error: res.Err.Error(),
				}})
			}
			continue
		}
		d.log.Debug("notification sent", logx.String("channel", r.Name()), logx.String("entry", s.EntryID))
		if d.bus != nil {
			d.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifySent, Time: now, Data: DispatchEvent{
				Channel: r.Name(), EntryID: s.EntryID,
			}})
		}
	}
	return results
}

// sendOne scopes one relay call: rate limit, per-send timeout, panic boundary.
func (d *Dispatcher) sendOne(ctx context.Context, r channelRelay, cfg Config, s Summary) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s relay panicked: %v", r.Name(), p)
		}
	}()

	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return r.Send(sctx, cfg, s)
}

// DispatchEvent is published on the event bus for relay lifecycle events.
type DispatchEvent struct {
	Channel string `json:"channel"`
	EntryID string `json:"entry_id"`
	Error   string `json:"error,omitempty"`
}

// FormatSummary renders the standard message body for chat targets.
func FormatSummary(s Summary) string {
	var b strings.Builder
	b.WriteString("Scheduled: ")
	b.WriteString(s.EntryName)
	b.WriteString("\n")
	b.WriteString(s.At.Format(time.RFC3339))
	if strings.TrimSpace(s.Body) != "" {
		b.WriteString("\n\n")
		b.WriteString(truncate(s.Body, 3500))
	}
	return b.String()
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
