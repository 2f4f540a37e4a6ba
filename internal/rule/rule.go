// Package rule models recurrence rules and turns them into next-execution
// timestamps.
//
// A rule is a closed set of variants (simple pattern, specific weekday times,
// fixed interval, narrow cron). Evaluation is a pure function and never fails:
// anything malformed or unsupported degrades to a fixed 24h fallback so a bad
// rule reschedules instead of wedging an entry.
package rule

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultInterval is the fallback cadence applied whenever a rule cannot be
// evaluated (unknown pattern, unsupported cron shape, degenerate field sets).
const DefaultInterval = 24 * time.Hour

// ErrInvalid is wrapped by all validation failures so callers can map them to
// a single "rejected before persistence" class.
var ErrInvalid = errors.New("invalid rule")

// Kind discriminates rule variants on the wire.
type Kind string

const (
	KindSimple        Kind = "simple"
	KindSpecificTimes Kind = "specific-times"
	KindInterval      Kind = "interval"
	KindCron          Kind = "cron"
)

// Rule is the sealed set of recurrence variants. Each variant carries only the
// fields valid for its kind; the evaluator switches over them exhaustively.
type Rule interface {
	Kind() Kind
}

// Simple is one of the fixed-offset patterns: "daily", "weekly", "hourly".
type Simple struct {
	Pattern string
}

// SpecificTimes fires at the given HH:MM times on the given weekdays
// (0 = Sunday .. 6 = Saturday).
type SpecificTimes struct {
	Times []string
	Days  []int
}

// Interval fires a fixed duration after the reference time.
type Interval struct {
	Value int
	Unit  string // "minutes", "hours", "days"
}

// Cron carries a 5-or-6 field cron expression. Only expressions with a
// concrete minute and hour and wildcard day fields are evaluated; everything
// else degrades to DefaultInterval. See Next.
type Cron struct {
	Expression string
}

func (Simple) Kind() Kind        { return KindSimple }
func (SpecificTimes) Kind() Kind { return KindSpecificTimes }
func (Interval) Kind() Kind      { return KindInterval }
func (Cron) Kind() Kind          { return KindCron }

// Spec is the JSON envelope around a Rule. The wire shape mirrors the stored
// format: simple patterns are bare strings ("daily"), custom rules are tagged
// objects ({"type":"interval","value":30,"unit":"minutes"}).
type Spec struct {
	R Rule
}

func (s Spec) IsZero() bool { return s.R == nil }

func (s Spec) MarshalJSON() ([]byte, error) {
	switch r := s.R.(type) {
	case nil:
		return []byte("null"), nil
	case Simple:
		return json.Marshal(r.Pattern)
	case SpecificTimes:
		return json.Marshal(struct {
			Type  Kind     `json:"type"`
			Times []string `json:"times"`
			Days  []int    `json:"days"`
		}{KindSpecificTimes, r.Times, r.Days})
	case Interval:
		return json.Marshal(struct {
			Type  Kind   `json:"type"`
			Value int    `json:"value"`
			Unit  string `json:"unit"`
		}{KindInterval, r.Value, r.Unit})
	case Cron:
		return json.Marshal(struct {
			Type       Kind   `json:"type"`
			Expression string `json:"expression"`
		}{KindCron, r.Expression})
	default:
		return nil, fmt.Errorf("rule: unknown variant %T", s.R)
	}
}

func (s *Spec) UnmarshalJSON(b []byte) error {
	b = []byte(strings.TrimSpace(string(b)))
	if len(b) == 0 || string(b) == "null" {
		s.R = nil
		return nil
	}

	if b[0] == '"' {
		var pattern string
		if err := json.Unmarshal(b, &pattern); err != nil {
			return err
		}
		s.R = Simple{Pattern: strings.TrimSpace(pattern)}
		return nil
	}

	var probe struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return fmt.Errorf("rule: %w", err)
	}
	switch probe.Type {
	case KindSpecificTimes:
		var v struct {
			Times []string `json:"times"`
			Days  []int    `json:"days"`
		}
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		s.R = SpecificTimes{Times: v.Times, Days: v.Days}
	case KindInterval:
		var v struct {
			Value int    `json:"value"`
			Unit  string `json:"unit"`
		}
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		s.R = Interval{Value: v.Value, Unit: v.Unit}
	case KindCron:
		var v struct {
			Expression string `json:"expression"`
		}
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		s.R = Cron{Expression: v.Expression}
	default:
		return fmt.Errorf("rule: unknown type %q", probe.Type)
	}
	return nil
}
