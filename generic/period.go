/*
Package generic provides the domain-agnostic cycle math used by the
cashback engine.

PURPOSE:
  A reward cycle is a bounded window over which spend and reward
  accumulate and then reset. This package knows how to find the window
  containing a date, how to step to neighbouring windows, and how to
  encode a window as a stable string tag (the persistence key).

KEY CONCEPTS:
  - Period:       Half-open window [Start, End)
  - PeriodType:   Closed enum of supported cycle shapes
  - PeriodConfig: A PeriodType plus its parameters (anchor day, length)
  - Tag:          Deterministic encoding of a window; round-trips through
                  PeriodForTag

PERIOD TYPES:
  calendar_month: [1st of month, 1st of next month)        tag "2025-03"
  statement_day:  [anchor of month, anchor of next month)   tag "2025-03-15"
                  anchors past the end of a month clamp to its last day
  rolling_days:   consecutive N-day blocks tiled from an anchor date
                  (Unix epoch when unset), tagged by the last day      tag "R30-2025-03-15"

  Windows of one configuration never overlap, so every instant belongs to
  exactly one window.

DETERMINISM:
  PeriodFor and Tag are pure. Calling them twice with identical inputs
  yields identical windows and tags; ledgers rely on this to find the
  rows they wrote earlier.

SEE ALSO:
  - time.go: Date helpers (clamping, month arithmetic)
  - cashback/resolver.go: Policy-level resolution on top of this file
*/
package generic

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// PERIOD - Half-open window
// =============================================================================

// Period is the half-open window [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether Start <= t < End.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Days returns the number of calendar days covered by the period.
func (p Period) Days() int {
	return DaysBetween(p.Start, p.End)
}

// Validate rejects empty or inverted periods.
func (p Period) Validate() error {
	if !p.Start.Before(p.End) {
		return ErrInvalidPeriod
	}
	return nil
}

func (p Period) String() string {
	return "[" + p.Start.Format(DateLayout) + ", " + p.End.Format(DateLayout) + ")"
}

// =============================================================================
// PERIOD CONFIG
// =============================================================================

// PeriodType defines how cycle windows are laid out.
type PeriodType string

const (
	PeriodCalendarMonth PeriodType = "calendar_month" // 1st to 1st
	PeriodStatementDay  PeriodType = "statement_day"  // Anchor day to anchor day
	PeriodRollingDays   PeriodType = "rolling_days"   // N-day blocks from an anchor date
)

// PeriodConfig defines how to calculate windows for a policy.
type PeriodConfig struct {
	Type PeriodType

	// For statement_day: day-of-month the statement period starts on (1-31).
	AnchorDay int

	// For rolling_days: window length in days.
	RollingDays int

	// For rolling_days: a day on which a window starts. Zero means the Unix
	// epoch. Only the UTC calendar day is used.
	AnchorDate time.Time
}

// rollingEpoch is the default tiling origin for rolling windows.
var rollingEpoch = Date(1970, time.January, 1)

// Validate checks that the parameters required by Type are present.
func (pc PeriodConfig) Validate() error {
	switch pc.Type {
	case PeriodCalendarMonth:
		return nil
	case PeriodStatementDay:
		if pc.AnchorDay < 1 || pc.AnchorDay > 31 {
			return fmt.Errorf("%w: anchor day %d outside 1-31", ErrInvalidPeriodConfig, pc.AnchorDay)
		}
		return nil
	case PeriodRollingDays:
		if pc.RollingDays < 1 {
			return fmt.Errorf("%w: rolling window of %d days", ErrInvalidPeriodConfig, pc.RollingDays)
		}
		return nil
	case "":
		return fmt.Errorf("%w: missing cycle type", ErrInvalidPeriodConfig)
	default:
		return fmt.Errorf("%w: unknown cycle type %q", ErrInvalidPeriodConfig, pc.Type)
	}
}

// =============================================================================
// PERIOD CALCULATOR - Determines which window a date falls into
// =============================================================================

// PeriodFor returns the window containing ref, shifted by offset whole
// windows (negative offsets move to earlier windows).
func (pc PeriodConfig) PeriodFor(ref time.Time, offset int) (Period, error) {
	if err := pc.Validate(); err != nil {
		return Period{}, err
	}
	day := StartOfDay(ref)

	switch pc.Type {
	case PeriodCalendarMonth:
		start := StartOfMonth(day.Year(), day.Month()+time.Month(offset))
		return Period{Start: start, End: start.AddDate(0, 1, 0)}, nil

	case PeriodStatementDay:
		return pc.statementPeriod(day, offset), nil

	default: // PeriodRollingDays
		return pc.rollingPeriod(day, offset), nil
	}
}

// rollingPeriod finds the block containing day. Blocks start every
// RollingDays days from the anchor, in both directions.
func (pc PeriodConfig) rollingPeriod(day time.Time, offset int) Period {
	anchor := rollingEpoch
	if !pc.AnchorDate.IsZero() {
		anchor = StartOfDay(pc.AnchorDate)
	}
	n := pc.RollingDays
	since := DaysBetween(anchor, day)
	block := since / n
	if since%n < 0 {
		block--
	}
	start := anchor.AddDate(0, 0, (block+offset)*n)
	return Period{Start: start, End: start.AddDate(0, 0, n)}
}

func (pc PeriodConfig) statementPeriod(day time.Time, offset int) Period {
	base := StartOfMonth(day.Year(), day.Month())

	// Before this month's (clamped) anchor we're still in last month's statement
	if day.Before(ClampedDate(day.Year(), day.Month(), pc.AnchorDay)) {
		base = base.AddDate(0, -1, 0)
	}

	start := AddMonthsClamped(base, offset, pc.AnchorDay)
	end := AddMonthsClamped(base, offset+1, pc.AnchorDay)
	return Period{Start: start, End: end}
}

// =============================================================================
// TAGS - Stable persistence keys
// =============================================================================

// Tag encodes a window produced by PeriodFor.
func (pc PeriodConfig) Tag(p Period) string {
	switch pc.Type {
	case PeriodCalendarMonth:
		return p.Start.Format(MonthLayout)
	case PeriodStatementDay:
		return p.Start.Format(DateLayout)
	case PeriodRollingDays:
		return fmt.Sprintf("R%d-%s", pc.RollingDays, p.End.AddDate(0, 0, -1).Format(DateLayout))
	default:
		return p.Start.Format(DateLayout) + "/" + p.End.Format(DateLayout)
	}
}

// PeriodForTag is the inverse of Tag. It fails with ErrInvalidTag when the
// tag was not produced by this configuration.
func (pc PeriodConfig) PeriodForTag(tag string) (Period, error) {
	if err := pc.Validate(); err != nil {
		return Period{}, err
	}

	ref, err := pc.tagReference(tag)
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q: %v", ErrInvalidTag, tag, err)
	}

	p, err := pc.PeriodFor(ref, 0)
	if err != nil {
		return Period{}, err
	}
	if pc.Tag(p) != tag {
		return Period{}, fmt.Errorf("%w: %q does not name a %s window", ErrInvalidTag, tag, pc.Type)
	}
	return p, nil
}

// tagReference returns a date inside the window the tag names.
func (pc PeriodConfig) tagReference(tag string) (time.Time, error) {
	switch pc.Type {
	case PeriodCalendarMonth:
		return time.Parse(MonthLayout, tag)

	case PeriodStatementDay:
		return time.Parse(DateLayout, tag)

	default: // PeriodRollingDays
		rest, ok := strings.CutPrefix(tag, "R")
		if !ok {
			return time.Time{}, fmt.Errorf("missing R prefix")
		}
		length, date, ok := strings.Cut(rest, "-")
		if !ok {
			return time.Time{}, fmt.Errorf("missing window end")
		}
		n, err := strconv.Atoi(length)
		if err != nil {
			return time.Time{}, err
		}
		if n != pc.RollingDays {
			return time.Time{}, fmt.Errorf("window of %d days, policy uses %d", n, pc.RollingDays)
		}
		return time.Parse(DateLayout, date)
	}
}
