package scheduling

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimeRange is a wall-clock window on a calendar date, "15:04" or "15:04:05".
type TimeRange struct {
	Start string
	End   string
}

// DateRanges is one row of an availability submission.
type DateRanges struct {
	Date       string
	TimeRanges []TimeRange
}

// CandidateSlot is a validated slot that has not been persisted yet.
type CandidateSlot struct {
	ProviderID uuid.UUID
	Date       string
	StartTime  time.Time
	EndTime    time.Time
}

type PlanOptions struct {
	// SlotLength cuts every range into consecutive slots of this length.
	// Zero keeps one slot per range.
	SlotLength time.Duration
	// NotBefore rejects slots starting earlier than it when non-zero.
	NotBefore time.Time
}

type plannedRange struct {
	entry, rng int
	date       string
	start, end time.Time
}

// Plan turns a provider's submission into candidate slots. Wall-clock times
// are read in loc and the resulting instants are returned in UTC. The whole
// submission is rejected on the first invalid entry.
func Plan(providerID uuid.UUID, loc *time.Location, submission []DateRanges, opts PlanOptions) ([]CandidateSlot, error) {
	if loc == nil {
		loc = time.UTC
	}
	if len(submission) == 0 {
		return nil, invalidf("no dates submitted")
	}
	if opts.SlotLength < 0 {
		return nil, invalidf("slot length must not be negative")
	}

	var ranges []plannedRange
	for i, entry := range submission {
		day, err := time.ParseInLocation(DateLayout, strings.TrimSpace(entry.Date), loc)
		if err != nil {
			return nil, &ValidationError{Entry: i, Range: -1, Reason: fmt.Sprintf("invalid date %q", entry.Date)}
		}
		if len(entry.TimeRanges) == 0 {
			return nil, &ValidationError{Entry: i, Range: -1, Reason: "no time ranges"}
		}

		for j, tr := range entry.TimeRanges {
			start, err := wallClock(day, tr.Start, loc)
			if err != nil {
				return nil, &ValidationError{Entry: i, Range: j, Reason: "start: " + err.Error()}
			}
			end, err := wallClock(day, tr.End, loc)
			if err != nil {
				return nil, &ValidationError{Entry: i, Range: j, Reason: "end: " + err.Error()}
			}
			if !start.Before(end) {
				return nil, &ValidationError{Entry: i, Range: j, Reason: "start must be before end"}
			}
			if !opts.NotBefore.IsZero() && start.Before(opts.NotBefore) {
				return nil, &ValidationError{Entry: i, Range: j, Reason: "range starts in the past"}
			}
			if opts.SlotLength > 0 && end.Sub(start)%opts.SlotLength != 0 {
				return nil, &ValidationError{Entry: i, Range: j,
					Reason: fmt.Sprintf("range is not a multiple of %s", opts.SlotLength)}
			}

			ranges = append(ranges, plannedRange{
				entry: i,
				rng:   j,
				date:  day.Format(DateLayout),
				start: start.UTC(),
				end:   end.UTC(),
			})
		}
	}

	sort.SliceStable(ranges, func(a, b int) bool {
		return ranges[a].start.Before(ranges[b].start)
	})
	for k := 1; k < len(ranges); k++ {
		prev, cur := ranges[k-1], ranges[k]
		if cur.start.Before(prev.end) {
			return nil, &ValidationError{Entry: cur.entry, Range: cur.rng,
				Reason: fmt.Sprintf("overlaps entry %d range %d", prev.entry, prev.rng)}
		}
	}

	var out []CandidateSlot
	for _, r := range ranges {
		if opts.SlotLength == 0 {
			out = append(out, CandidateSlot{ProviderID: providerID, Date: r.date, StartTime: r.start, EndTime: r.end})
			continue
		}
		for s := r.start; s.Before(r.end); s = s.Add(opts.SlotLength) {
			out = append(out, CandidateSlot{ProviderID: providerID, Date: r.date, StartTime: s, EndTime: s.Add(opts.SlotLength)})
		}
	}

	return out, nil
}

// wallClock places "15:04[:05]" on day in loc and rejects times that do not
// exist there, such as those skipped by a DST change.
func wallClock(day time.Time, clock string, loc *time.Location) (time.Time, error) {
	clock = strings.TrimSpace(clock)
	var parsed time.Time
	var err error
	for _, layout := range []string{"15:04", "15:04:05"} {
		if parsed, err = time.Parse(layout, clock); err == nil {
			break
		}
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", clock)
	}

	t := time.Date(day.Year(), day.Month(), day.Day(), parsed.Hour(), parsed.Minute(), parsed.Second(), 0, loc)
	if t.Hour() != parsed.Hour() || t.Minute() != parsed.Minute() || t.Day() != day.Day() {
		return time.Time{}, fmt.Errorf("%s does not exist on %s in %s", clock, day.Format(DateLayout), loc)
	}
	return t, nil
}
