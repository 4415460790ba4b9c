package shift

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/goodtune/shiftkiosk/internal/storage"
)

const day = 24 * time.Hour

// ErrOverlap is returned by Validate when two shifts claim the same instant.
var ErrOverlap = errors.New("shift windows overlap")

// Definition is a parsed shift window.
type Definition struct {
	Name  string
	Start TimeOfDay
	End   TimeOfDay

	// OvernightHint is the flag as stored. Resolution never reads it.
	OvernightHint bool
}

// Overnight reports whether the window wraps past midnight.
func (d Definition) Overnight() bool {
	return d.End.Before(d.Start)
}

// Contains reports whether t falls inside the half-open window [Start, End).
func (d Definition) Contains(t TimeOfDay) bool {
	if d.Overnight() {
		return !t.Before(d.Start) || t.Before(d.End)
	}
	return !t.Before(d.Start) && t.Before(d.End)
}

// Duration returns the length of the window.
func (d Definition) Duration() time.Duration {
	secs := d.End.Seconds() - d.Start.Seconds()
	if secs < 0 {
		secs += int(day / time.Second)
	}
	return time.Duration(secs) * time.Second
}

// Record converts the definition back to its stored form with the overnight
// flag derived from the window.
func (d Definition) Record() storage.ShiftDefinition {
	return storage.ShiftDefinition{
		Name:      d.Name,
		Start:     d.Start.String(),
		End:       d.End.String(),
		Overnight: d.Overnight(),
	}
}

// FromRecord parses and checks a stored shift definition.
func FromRecord(rec storage.ShiftDefinition) (Definition, error) {
	if rec.Name == "" {
		return Definition{}, fmt.Errorf("shift definition has no name")
	}
	start, err := ParseTimeOfDay(rec.Start)
	if err != nil {
		return Definition{}, fmt.Errorf("shift %s start: %w", rec.Name, err)
	}
	end, err := ParseTimeOfDay(rec.End)
	if err != nil {
		return Definition{}, fmt.Errorf("shift %s end: %w", rec.Name, err)
	}
	return Definition{Name: rec.Name, Start: start, End: end, OvernightHint: rec.Overnight}, nil
}

// FromRecords parses a stored shift table.
func FromRecords(records []storage.ShiftDefinition) ([]Definition, error) {
	defs := make([]Definition, 0, len(records))
	for _, rec := range records {
		def, err := FromRecord(rec)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Schedule resolves shifts from a table of definitions ordered by start time.
// A Schedule is immutable and safe for concurrent use.
type Schedule struct {
	defs     []Definition
	fallback string
}

// NewSchedule builds a schedule. fallback names the shift returned when no
// window matches, typically the overnight shift.
func NewSchedule(defs []Definition, fallback string) *Schedule {
	sorted := make([]Definition, len(defs))
	copy(sorted, defs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})
	return &Schedule{defs: sorted, fallback: fallback}
}

// Definitions returns the definitions ordered by start time.
func (s *Schedule) Definitions() []Definition {
	out := make([]Definition, len(s.defs))
	copy(out, s.defs)
	return out
}

// Len returns the number of definitions.
func (s *Schedule) Len() int {
	return len(s.defs)
}

// Lookup finds a definition by name.
func (s *Schedule) Lookup(name string) (Definition, bool) {
	for _, def := range s.defs {
		if def.Name == name {
			return def, true
		}
	}
	return Definition{}, false
}

// Current returns the shift active at now. When no window matches it falls
// back to the configured fallback shift, then the first overnight shift, then
// the first shift. It returns false only for an empty schedule.
func (s *Schedule) Current(now time.Time) (Definition, bool) {
	if len(s.defs) == 0 {
		return Definition{}, false
	}

	t := Of(now)
	for _, def := range s.defs {
		if def.Contains(t) {
			return def, true
		}
	}

	if def, ok := s.Lookup(s.fallback); ok {
		return def, true
	}
	for _, def := range s.defs {
		if def.Overnight() {
			return def, true
		}
	}
	return s.defs[0], true
}

// EndOf returns the instant the given occurrence of def ends, anchored on now.
// Normal shifts end today. Overnight shifts end tomorrow while now is in the
// evening part of the window and today once midnight has passed.
func EndOf(def Definition, now time.Time) time.Time {
	end := def.End.On(now)
	if def.Overnight() && !Of(now).Before(def.End) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}

// ChangeWindow reports whether now is close to a shift start.
type ChangeWindow struct {
	IsChangeTime bool    `json:"isChangeTime"`
	ShiftName    string  `json:"shiftName,omitempty"`
	MinutesUntil float64 `json:"minutesUntil,omitempty"`
}

// NearChange reports the first shift whose start lies within tolerance of now,
// measured as absolute distance on the 24h clock.
func (s *Schedule) NearChange(now time.Time, tolerance time.Duration) ChangeWindow {
	t := Of(now).Seconds()
	for _, def := range s.defs {
		diff := math.Abs(float64(def.Start.Seconds() - t))
		if wrapped := float64(day/time.Second) - diff; wrapped < diff {
			diff = wrapped
		}
		if time.Duration(diff)*time.Second <= tolerance {
			return ChangeWindow{IsChangeTime: true, ShiftName: def.Name, MinutesUntil: diff / 60}
		}
	}
	return ChangeWindow{}
}

// Validate rejects tables that cannot be resolved deterministically: empty or
// duplicate names, zero-length windows and overlapping windows.
func (s *Schedule) Validate() error {
	seen := make(map[string]bool, len(s.defs))
	for _, def := range s.defs {
		if def.Name == "" {
			return fmt.Errorf("shift definition has no name")
		}
		if seen[def.Name] {
			return fmt.Errorf("duplicate shift name %q", def.Name)
		}
		seen[def.Name] = true
		if def.Start == def.End {
			return fmt.Errorf("shift %q has zero length", def.Name)
		}
	}

	segs := s.segments()
	for i := 1; i < len(segs); i++ {
		if segs[i].from < segs[i-1].to {
			return fmt.Errorf("%w: %s and %s", ErrOverlap, segs[i-1].name, segs[i].name)
		}
	}
	return nil
}

// Gap is a part of the day not covered by any shift.
type Gap struct {
	From TimeOfDay
	To   TimeOfDay
}

// Gaps returns the uncovered parts of the day. Instants in a gap resolve to
// the fallback shift.
func (s *Schedule) Gaps() []Gap {
	var gaps []Gap
	cursor := 0
	for _, seg := range s.segments() {
		if seg.from > cursor {
			gaps = append(gaps, Gap{From: fromSeconds(cursor), To: fromSeconds(seg.from)})
		}
		if seg.to > cursor {
			cursor = seg.to
		}
	}
	if end := int(day / time.Second); cursor < end {
		gaps = append(gaps, Gap{From: fromSeconds(cursor), To: fromSeconds(end)})
	}
	return gaps
}

type segment struct {
	name     string
	from, to int
}

// segments splits every window into midnight-anchored second ranges.
func (s *Schedule) segments() []segment {
	end := int(day / time.Second)
	var segs []segment
	for _, def := range s.defs {
		start, stop := def.Start.Seconds(), def.End.Seconds()
		switch {
		case start == stop:
			continue
		case def.Overnight():
			segs = append(segs, segment{def.Name, start, end})
			if stop > 0 {
				segs = append(segs, segment{def.Name, 0, stop})
			}
		default:
			segs = append(segs, segment{def.Name, start, stop})
		}
	}
	sort.Slice(segs, func(i, j int) bool {
		if segs[i].from == segs[j].from {
			return segs[i].to < segs[j].to
		}
		return segs[i].from < segs[j].from
	})
	return segs
}

func fromSeconds(secs int) TimeOfDay {
	if secs >= int(day/time.Second) {
		return TimeOfDay{Hour: 24}
	}
	return TimeOfDay{Hour: secs / 3600, Minute: secs % 3600 / 60, Second: secs % 60}
}
