package rule

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Next computes the next execution timestamp for a rule relative to ref.
//
// It is a pure function and never fails: unknown patterns, unsupported cron
// shapes and degenerate field sets all return ref+DefaultInterval. The cron
// degradation is deliberate: only expressions with a concrete minute and
// hour and wildcard day-of-month/day-of-week fields resolve to "today at
// hour:minute, or tomorrow if already passed"; ranges, lists, steps and
// non-wildcard day fields are not interpreted.
func Next(s Spec, ref time.Time) time.Time {
	switch r := s.R.(type) {
	case Simple:
		return nextSimple(r, ref)
	case SpecificTimes:
		return nextSpecificTimes(r, ref)
	case Interval:
		return nextInterval(r, ref)
	case Cron:
		return nextCron(r, ref)
	default:
		return ref.Add(DefaultInterval)
	}
}

func nextSimple(r Simple, ref time.Time) time.Time {
	switch strings.ToLower(strings.TrimSpace(r.Pattern)) {
	case "daily":
		return ref.Add(24 * time.Hour)
	case "weekly":
		return ref.Add(7 * 24 * time.Hour)
	case "hourly":
		return ref.Add(time.Hour)
	default:
		return ref.Add(DefaultInterval)
	}
}

func nextInterval(r Interval, ref time.Time) time.Time {
	if r.Value < 1 {
		return ref.Add(DefaultInterval)
	}
	switch r.Unit {
	case "minutes":
		return ref.Add(time.Duration(r.Value) * time.Minute)
	case "hours":
		return ref.Add(time.Duration(r.Value) * time.Hour)
	case "days":
		return ref.Add(time.Duration(r.Value) * 24 * time.Hour)
	default:
		return ref.Add(DefaultInterval)
	}
}

func nextSpecificTimes(r SpecificTimes, ref time.Time) time.Time {
	if len(r.Times) == 0 || len(r.Days) == 0 {
		return ref.Add(DefaultInterval)
	}

	times := make([]clockTime, 0, len(r.Times))
	for _, raw := range r.Times {
		ct, err := parseHHMM(raw)
		if err != nil {
			continue
		}
		times = append(times, ct)
	}
	if len(times) == 0 {
		return ref.Add(DefaultInterval)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].before(times[j]) })

	days := map[int]bool{}
	for _, d := range r.Days {
		days[d] = true
	}

	// Scan forward day-by-day; first candidate strictly after ref wins.
	// Offset 7 covers the wraparound where the only matching weekday is
	// ref's own weekday and today's times have already passed.
	for offset := 0; offset <= 7; offset++ {
		day := ref.AddDate(0, 0, offset)
		if !days[int(day.Weekday())] {
			continue
		}
		for _, ct := range times {
			cand := time.Date(day.Year(), day.Month(), day.Day(), ct.hour, ct.min, 0, 0, ref.Location())
			if cand.After(ref) {
				return cand
			}
		}
	}

	// Degenerate (out-of-range days already filtered upstream): tomorrow at
	// the earliest listed time.
	tom := ref.AddDate(0, 0, 1)
	return time.Date(tom.Year(), tom.Month(), tom.Day(), times[0].hour, times[0].min, 0, 0, ref.Location())
}

func nextCron(r Cron, ref time.Time) time.Time {
	fields := strings.Fields(r.Expression)
	if len(fields) < 5 {
		return ref.Add(DefaultInterval)
	}

	min, err := strconv.Atoi(fields[0])
	if err != nil || min < 0 || min > 59 {
		return ref.Add(DefaultInterval)
	}
	hour, err := strconv.Atoi(fields[1])
	if err != nil || hour < 0 || hour > 23 {
		return ref.Add(DefaultInterval)
	}
	// Day-of-month, month and day-of-week must all be wildcards; anything
	// narrower is outside the supported subset.
	if fields[2] != "*" || fields[3] != "*" || fields[4] != "*" {
		return ref.Add(DefaultInterval)
	}

	cand := time.Date(ref.Year(), ref.Month(), ref.Day(), hour, min, 0, 0, ref.Location())
	if !cand.After(ref) {
		cand = cand.AddDate(0, 0, 1)
	}
	return cand
}

type clockTime struct {
	hour int
	min  int
}

func (c clockTime) before(o clockTime) bool {
	if c.hour != o.hour {
		return c.hour < o.hour
	}
	return c.min < o.min
}

func parseHHMM(raw string) (clockTime, error) {
	s := strings.TrimSpace(raw)
	i := strings.IndexByte(s, ':')
	if i < 1 || i == len(s)-1 {
		return clockTime{}, errBadTime(raw)
	}
	h, err := strconv.Atoi(s[:i])
	if err != nil || h < 0 || h > 23 {
		return clockTime{}, errBadTime(raw)
	}
	m, err := strconv.Atoi(s[i+1:])
	if err != nil || m < 0 || m > 59 {
		return clockTime{}, errBadTime(raw)
	}
	return clockTime{hour: h, min: m}, nil
}
