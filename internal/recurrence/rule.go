// Package recurrence evaluates recurrence rules into concrete occurrences.
//
// Two rule dialects are supported: RFC-5545-style FREQ rules
// (FREQ=WEEKLY;BYDAY=MO;BYHOUR=9;BYMINUTE=0) and standard 5-field cron
// expressions. Evaluation is pure: identical inputs always yield identical
// output, and the search is bounded by a 10-year horizon so an
// unsatisfiable rule fails instead of looping.
package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Horizon bounds the occurrence search. A rule with no occurrence inside
// the horizon is treated as invalid.
const Horizon = 10 * 365 * 24 * time.Hour

// InvalidRuleError is returned for unparsable rules and for rules with no
// occurrence inside the search horizon.
type InvalidRuleError struct {
	Rule   string
	Reason string
}

func (e *InvalidRuleError) Error() string {
	return fmt.Sprintf("invalid recurrence rule %q: %s", e.Rule, e.Reason)
}

// Rule produces occurrences in a fixed timezone.
type Rule interface {
	// Next returns the earliest occurrence strictly after t, or the zero
	// time if none exists within the search horizon.
	Next(after time.Time) time.Time
}

type Parser struct {
	cron cron.Parser
}

func NewParser() *Parser {
	return &Parser{
		cron: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Parse compiles a rule. The anchor supplies defaults (hour, minute,
// weekday, day-of-month) and aligns INTERVAL counting for FREQ rules.
func (p *Parser) Parse(rule string, timezone string, anchor time.Time) (Rule, error) {
	tz := timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, &InvalidRuleError{Rule: rule, Reason: "unknown timezone " + tz}
	}

	if strings.HasPrefix(rule, "FREQ=") {
		return parseFreqRule(rule, loc, anchor)
	}

	sched, err := p.cron.Parse(rule)
	if err != nil {
		return nil, &InvalidRuleError{Rule: rule, Reason: err.Error()}
	}
	return &cronRule{sched: sched, loc: loc}, nil
}

// Next evaluates rule against the reference times. The returned occurrence
// is strictly after both lastConsidered and now, and never before anchor.
// If lastConsidered is zero the anchor is the baseline, so an occurrence
// exactly at the anchor is excluded.
func (p *Parser) Next(rule string, anchor, lastConsidered, now time.Time, timezone string) (time.Time, error) {
	r, err := p.Parse(rule, timezone, anchor)
	if err != nil {
		return time.Time{}, err
	}

	baseline := lastConsidered
	if baseline.IsZero() || baseline.Before(anchor) {
		baseline = anchor
	}
	if now.After(baseline) {
		baseline = now
	}

	occ := r.Next(baseline)
	if occ.IsZero() {
		return time.Time{}, &InvalidRuleError{Rule: rule, Reason: "no occurrence within search horizon"}
	}
	return occ, nil
}

type cronRule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (r *cronRule) Next(after time.Time) time.Time {
	next := r.sched.Next(after.In(r.loc))
	if next.IsZero() || next.Sub(after) > Horizon {
		return time.Time{}
	}
	return next
}

func parseFreqRule(rule string, loc *time.Location, anchor time.Time) (*freqRule, error) {
	r := &freqRule{
		loc:      loc,
		anchor:   anchor.In(loc),
		interval: 1,
		hour:     -1,
		minute:   -1,
	}

	for _, part := range strings.Split(rule, ";") {
		key, value, found := strings.Cut(part, "=")
		if !found || value == "" {
			return nil, &InvalidRuleError{Rule: rule, Reason: "malformed component " + part}
		}

		switch key {
		case "FREQ":
			switch value {
			case "DAILY", "WEEKLY", "MONTHLY":
				r.freq = value
			default:
				return nil, &InvalidRuleError{Rule: rule, Reason: "unsupported FREQ " + value}
			}
		case "INTERVAL":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return nil, &InvalidRuleError{Rule: rule, Reason: "INTERVAL must be a positive integer"}
			}
			r.interval = n
		case "BYDAY":
			days, err := parseByDay(value)
			if err != nil {
				return nil, &InvalidRuleError{Rule: rule, Reason: err.Error()}
			}
			r.byDay = days
		case "BYHOUR":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 || n > 23 {
				return nil, &InvalidRuleError{Rule: rule, Reason: "BYHOUR must be 0-23"}
			}
			r.hour = n
		case "BYMINUTE":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 || n > 59 {
				return nil, &InvalidRuleError{Rule: rule, Reason: "BYMINUTE must be 0-59"}
			}
			r.minute = n
		case "BYMONTHDAY":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 || n > 31 {
				return nil, &InvalidRuleError{Rule: rule, Reason: "BYMONTHDAY must be 1-31"}
			}
			r.monthDay = n
		default:
			return nil, &InvalidRuleError{Rule: rule, Reason: "unknown component " + key}
		}
	}

	if r.freq == "" {
		return nil, &InvalidRuleError{Rule: rule, Reason: "FREQ is required"}
	}
	if len(r.byDay) > 0 && r.freq != "WEEKLY" {
		return nil, &InvalidRuleError{Rule: rule, Reason: "BYDAY is only valid with FREQ=WEEKLY"}
	}
	if r.monthDay != 0 && r.freq != "MONTHLY" {
		return nil, &InvalidRuleError{Rule: rule, Reason: "BYMONTHDAY is only valid with FREQ=MONTHLY"}
	}

	// Anchor fills in anything the rule leaves open.
	if r.hour < 0 {
		r.hour = r.anchor.Hour()
	}
	if r.minute < 0 {
		r.minute = r.anchor.Minute()
	}
	if r.freq == "WEEKLY" && len(r.byDay) == 0 {
		r.byDay = []time.Weekday{r.anchor.Weekday()}
	}
	if r.freq == "MONTHLY" && r.monthDay == 0 {
		r.monthDay = r.anchor.Day()
	}

	return r, nil
}

var weekdayNames = map[string]time.Weekday{
	"MO": time.Monday,
	"TU": time.Tuesday,
	"WE": time.Wednesday,
	"TH": time.Thursday,
	"FR": time.Friday,
	"SA": time.Saturday,
	"SU": time.Sunday,
}

func parseByDay(value string) ([]time.Weekday, error) {
	var days []time.Weekday
	seen := make(map[time.Weekday]bool)
	for _, name := range strings.Split(value, ",") {
		day, ok := weekdayNames[name]
		if !ok {
			return nil, fmt.Errorf("unknown BYDAY value %s", name)
		}
		if !seen[day] {
			seen[day] = true
			days = append(days, day)
		}
	}
	return days, nil
}
