package rule

import (
	"fmt"
	"strings"
)

func errBadTime(raw string) error {
	return fmt.Errorf("time %q must be HH:MM (00:00..23:59): %w", raw, ErrInvalid)
}

// Validate runs variant-specific shape checks. It is stricter than evaluation
// on purpose: Next degrades malformed rules to a default cadence, but a rule
// that would need degrading must never be accepted for persistence.
func Validate(s Spec) error {
	switch r := s.R.(type) {
	case Simple:
		switch strings.ToLower(strings.TrimSpace(r.Pattern)) {
		case "daily", "weekly", "hourly":
			return nil
		default:
			return fmt.Errorf("pattern %q not one of daily, weekly, hourly: %w", r.Pattern, ErrInvalid)
		}
	case SpecificTimes:
		if len(r.Times) == 0 {
			return fmt.Errorf("specific-times rule needs at least one time: %w", ErrInvalid)
		}
		if len(r.Days) == 0 {
			return fmt.Errorf("specific-times rule needs at least one day: %w", ErrInvalid)
		}
		for _, t := range r.Times {
			if _, err := parseHHMM(t); err != nil {
				return err
			}
		}
		for _, d := range r.Days {
			if d < 0 || d > 6 {
				return fmt.Errorf("day %d out of range 0..6: %w", d, ErrInvalid)
			}
		}
		return nil
	case Interval:
		if r.Value < 1 {
			return fmt.Errorf("interval value must be >= 1: %w", ErrInvalid)
		}
		switch r.Unit {
		case "minutes", "hours", "days":
			return nil
		default:
			return fmt.Errorf("interval unit %q not one of minutes, hours, days: %w", r.Unit, ErrInvalid)
		}
	case Cron:
		n := len(strings.Fields(r.Expression))
		if n < 5 || n > 6 {
			return fmt.Errorf("cron expression must have 5 or 6 fields, got %d: %w", n, ErrInvalid)
		}
		return nil
	default:
		return fmt.Errorf("rule required: %w", ErrInvalid)
	}
}
