package period

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Unit is the base unit of a bucketing frequency.
type Unit int

const (
	Second Unit = iota
	Minute
	Hour
	Day
	Week
	Month
)

func (u Unit) String() string {
	switch u {
	case Second:
		return "S"
	case Minute:
		return "min"
	case Hour:
		return "H"
	case Day:
		return "D"
	case Week:
		return "W"
	case Month:
		return "MS"
	default:
		return "unknown"
	}
}

var aliases = map[string]Unit{
	"S":     Second,
	"s":     Second,
	"T":     Minute,
	"min":   Minute,
	"H":     Hour,
	"h":     Hour,
	"D":     Day,
	"d":     Day,
	"W":     Week,
	"W-SUN": Week,
	"M":     Month,
	"MS":    Month,
}

// Frequency is a calendar-aligned bucket width: N units.
type Frequency struct {
	N    int
	Unit Unit
}

// ParseFrequency parses an offset alias with an optional positive multiple,
// e.g. "D", "H", "15min", "2H", "W", "MS".
func ParseFrequency(s string) (Frequency, error) {
	s = strings.TrimSpace(s)
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}

	n := 1
	if i > 0 {
		v, err := strconv.Atoi(s[:i])
		if err != nil || v <= 0 {
			return Frequency{}, fmt.Errorf("invalid frequency multiple in %q", s)
		}
		n = v
	}

	unit, ok := aliases[s[i:]]
	if !ok {
		return Frequency{}, fmt.Errorf("unsupported frequency %q", s)
	}
	return Frequency{N: n, Unit: unit}, nil
}

func (f Frequency) String() string {
	if f.N == 1 {
		return f.Unit.String()
	}
	return strconv.Itoa(f.N) + f.Unit.String()
}

// width returns the bucket width for fixed-width units.
func (f Frequency) width() time.Duration {
	switch f.Unit {
	case Second:
		return time.Duration(f.N) * time.Second
	case Minute:
		return time.Duration(f.N) * time.Minute
	case Hour:
		return time.Duration(f.N) * time.Hour
	case Day:
		return time.Duration(f.N) * 24 * time.Hour
	}
	return 0
}

// firstSunday is the first week label after the epoch.
var firstSunday = time.Date(1970, 1, 4, 0, 0, 0, 0, time.UTC)

// Floor maps t to its bucket label. Buckets are aligned to the wall clock
// of t's own location: fixed-width units against the Unix epoch, weeks to the
// Sunday that closes the week, months to the first day of the month. The
// label is returned in t's location.
func (f Frequency) Floor(t time.Time) time.Time {
	wall := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	b := f.floorUTC(wall)
	return time.Date(b.Year(), b.Month(), b.Day(), b.Hour(), b.Minute(), b.Second(), b.Nanosecond(), t.Location())
}

func (f Frequency) floorUTC(t time.Time) time.Time {
	switch f.Unit {
	case Week:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		end := day.AddDate(0, 0, (7-int(day.Weekday()))%7)
		weeks := floorDiv(int64(end.Sub(firstSunday)/(24*time.Hour)), 7)
		// Week buckets are labelled on their closing Sunday.
		weeks += floorMod(-weeks, int64(f.N))
		return firstSunday.AddDate(0, 0, int(weeks*7))
	case Month:
		months := int64(t.Year()-1970)*12 + int64(t.Month()-1)
		months -= floorMod(months, int64(f.N))
		return time.Date(1970, time.Month(1+months), 1, 0, 0, 0, 0, time.UTC)
	default:
		w := int64(f.width())
		ns := t.UnixNano()
		return time.Unix(0, ns-floorMod(ns, w)).UTC()
	}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
