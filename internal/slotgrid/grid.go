// Package slotgrid maps provider wall-clock time onto a fixed-granularity
// booking grid. Timestamps are taken as already normalized to the provider's
// local clock; no zone conversion happens here.
package slotgrid

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultGranularity = 15
	minutesPerDay      = 24 * 60
)

var (
	ErrOutOfHours      = errors.New("time is outside the provider's working hours")
	ErrMisalignedTime  = errors.New("time is not aligned to the slot grid")
	ErrInvalidDuration = fmt.Errorf("%w: duration must be a positive multiple of the slot granularity", ErrMisalignedTime)
	ErrInvalidHours    = errors.New("invalid working hours")
)

// SlotIndex is the position of a slot within its day: minute-of-day / granularity.
type SlotIndex int

// Period is one contiguous open window, in minutes since midnight, [Open, Close).
type Period struct {
	Open  int `json:"open"`
	Close int `json:"close"`
}

type Provider struct {
	ID          uuid.UUID
	Name        string
	Granularity int
	Hours       map[time.Weekday][]Period
	Archived    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Interval is a half-open booking range [Start, Start+Minutes).
type Interval struct {
	Start   time.Time
	Minutes int
}

func (i Interval) End() time.Time {
	return i.Start.Add(time.Duration(i.Minutes) * time.Minute)
}

// Overlaps uses half-open semantics: touching intervals do not overlap.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End()) && o.Start.Before(i.End())
}

func (p Provider) granularity() int {
	if p.Granularity <= 0 {
		return DefaultGranularity
	}
	return p.Granularity
}

// Validate checks that every period is inside the day, non-empty and that
// periods of one weekday do not overlap.
func (p Provider) Validate() error {
	if p.Granularity < 0 || minutesPerDay%p.granularity() != 0 {
		return fmt.Errorf("%w: granularity %d does not divide a day", ErrInvalidHours, p.Granularity)
	}
	for day, periods := range p.Hours {
		sorted := append([]Period(nil), periods...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Open < sorted[j].Open })
		for i, per := range sorted {
			if per.Open < 0 || per.Close > minutesPerDay || per.Open >= per.Close {
				return fmt.Errorf("%w: %s period %d-%d", ErrInvalidHours, day, per.Open, per.Close)
			}
			if i > 0 && sorted[i-1].Close > per.Open {
				return fmt.Errorf("%w: %s periods overlap", ErrInvalidHours, day)
			}
		}
	}
	return nil
}

// SlotIndexOf returns the slot a timestamp starts. The timestamp must be inside
// an open period and sit exactly on a grid line.
func SlotIndexOf(p Provider, ts time.Time) (SlotIndex, error) {
	if _, ok := p.periodAt(ts); !ok {
		return 0, fmt.Errorf("%w: %s %s", ErrOutOfHours, ts.Weekday(), ts.Format("15:04"))
	}
	if !isAligned(p, ts) {
		return 0, fmt.Errorf("%w: %s is not on a %d minute boundary", ErrMisalignedTime, ts.Format("15:04:05"), p.granularity())
	}
	return SlotIndex(minuteOfDay(ts) / p.granularity()), nil
}

// IsWithinHours reports whether [ts, ts+minutes) fits inside a single open period.
func IsWithinHours(p Provider, ts time.Time, minutes int) bool {
	if minutes <= 0 {
		return false
	}
	start := offsetOfDay(ts)
	end := start + time.Duration(minutes)*time.Minute
	for _, per := range p.Hours[ts.Weekday()] {
		if start >= minutesToDuration(per.Open) && end <= minutesToDuration(per.Close) {
			return true
		}
	}
	return false
}

// ValidateInterval applies every grid rule a booking has to satisfy.
func ValidateInterval(p Provider, iv Interval) error {
	g := p.granularity()
	if iv.Minutes <= 0 || iv.Minutes%g != 0 {
		return fmt.Errorf("%w: got %d minutes", ErrInvalidDuration, iv.Minutes)
	}
	if _, err := SlotIndexOf(p, iv.Start); err != nil {
		return err
	}
	if !IsWithinHours(p, iv.Start, iv.Minutes) {
		return fmt.Errorf("%w: %s-%s", ErrOutOfHours, iv.Start.Format("15:04"), iv.End().Format("15:04"))
	}
	return nil
}

// Slots lists every grid slot of the provider's open periods on day.
func Slots(p Provider, day time.Time) []Interval {
	g := p.granularity()
	var out []Interval
	for _, per := range sortedPeriods(p.Hours[day.Weekday()]) {
		first := per.Open
		if rem := first % g; rem != 0 {
			first += g - rem
		}
		for m := first; m+g <= per.Close; m += g {
			out = append(out, Interval{Start: atMinute(day, m), Minutes: g})
		}
	}
	return out
}

// FreeSlots returns the grid starts on day where a booking of the given length
// fits inside working hours without touching any busy interval.
func FreeSlots(p Provider, day time.Time, minutes int, busy []Interval) []Interval {
	if minutes <= 0 || minutes%p.granularity() != 0 {
		return nil
	}
	var out []Interval
	for _, slot := range Slots(p, day) {
		candidate := Interval{Start: slot.Start, Minutes: minutes}
		if !IsWithinHours(p, candidate.Start, minutes) {
			continue
		}
		free := true
		for _, b := range busy {
			if candidate.Overlaps(b) {
				free = false
				break
			}
		}
		if free {
			out = append(out, candidate)
		}
	}
	return out
}

// WeekHours builds the same [open, close) window for each listed weekday.
func WeekHours(openMin, closeMin int, days ...time.Weekday) map[time.Weekday][]Period {
	hours := make(map[time.Weekday][]Period, len(days))
	for _, d := range days {
		hours[d] = append(hours[d], Period{Open: openMin, Close: closeMin})
	}
	return hours
}

// ParseClock turns "09:30" into minutes since midnight. "24:00" is accepted as end of day.
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("%w: clock %q", ErrInvalidHours, s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("%w: clock %q", ErrInvalidHours, s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || h < 0 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("%w: clock %q", ErrInvalidHours, s)
	}
	return h*60 + m, nil
}

func (p Provider) periodAt(ts time.Time) (Period, bool) {
	off := offsetOfDay(ts)
	for _, per := range p.Hours[ts.Weekday()] {
		if off >= minutesToDuration(per.Open) && off < minutesToDuration(per.Close) {
			return per, true
		}
	}
	return Period{}, false
}

func isAligned(p Provider, ts time.Time) bool {
	return ts.Second() == 0 && ts.Nanosecond() == 0 && minuteOfDay(ts)%p.granularity() == 0
}

func minuteOfDay(ts time.Time) int {
	return ts.Hour()*60 + ts.Minute()
}

func offsetOfDay(ts time.Time) time.Duration {
	return time.Duration(minuteOfDay(ts))*time.Minute +
		time.Duration(ts.Second())*time.Second +
		time.Duration(ts.Nanosecond())
}

func minutesToDuration(m int) time.Duration {
	return time.Duration(m) * time.Minute
}

func atMinute(day time.Time, m int) time.Time {
	y, mo, d := day.Date()
	return time.Date(y, mo, d, m/60, m%60, 0, 0, day.Location())
}

func sortedPeriods(periods []Period) []Period {
	out := append([]Period(nil), periods...)
	sort.Slice(out, func(i, j int) bool { return out[i].Open < out[j].Open })
	return out
}
