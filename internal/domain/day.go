package domain

import (
	"fmt"
	"time"
)

// DayLayout is the wire and storage format of a local day.
const DayLayout = "2006-01-02"

// Day is a local calendar date. The zero value is "no day".
type Day struct {
	Year  int
	Month time.Month
	Day   int
}

// DayOf returns the calendar date of t as observed in t's own location.
func DayOf(t time.Time) Day {
	y, m, d := t.Date()
	return Day{Year: y, Month: m, Day: d}
}

// ParseDay parses a YYYY-MM-DD string.
func ParseDay(value string) (Day, error) {
	t, err := time.Parse(DayLayout, value)
	if err != nil {
		return Day{}, fmt.Errorf("%w: invalid day %q", ErrInvalidArgument, value)
	}
	return DayOf(t), nil
}

// IsZero reports whether d is the zero Day.
func (d Day) IsZero() bool {
	return d == Day{}
}

// Time returns midnight UTC of d, the representation used for DATE columns.
func (d Day) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// AddDays returns d shifted by n calendar days.
func (d Day) AddDays(n int) Day {
	return DayOf(d.Time().AddDate(0, 0, n))
}

// Before reports whether d is strictly earlier than other.
func (d Day) Before(other Day) bool {
	return d.Time().Before(other.Time())
}

// After reports whether d is strictly later than other.
func (d Day) After(other Day) bool {
	return d.Time().After(other.Time())
}

// DaysUntil returns the number of days from d to other (negative when other is earlier).
func (d Day) DaysUntil(other Day) int {
	return int(other.Time().Sub(d.Time()).Hours() / 24)
}

func (d Day) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Time().Format(DayLayout)
}

// MaxUTCOffset bounds the configurable offset to real-world zones.
const MaxUTCOffset = 14 * time.Hour

// Calendar converts instants to local days using one fixed UTC offset.
type Calendar struct {
	zone *time.Location
	now  func() time.Time
}

// NewCalendar builds a Calendar for the given offset. A nil now defaults to time.Now.
func NewCalendar(offset time.Duration, now func() time.Time) (*Calendar, error) {
	if offset > MaxUTCOffset || offset < -MaxUTCOffset {
		return nil, fmt.Errorf("%w: utc offset %s out of range", ErrInvalidArgument, offset)
	}
	if now == nil {
		now = time.Now
	}
	return &Calendar{
		zone: time.FixedZone(zoneName(offset), int(offset.Seconds())),
		now:  now,
	}, nil
}

// zoneName renders offset as UTC±hh:mm.
func zoneName(offset time.Duration) string {
	sign := '+'
	if offset < 0 {
		sign, offset = '-', -offset
	}
	return fmt.Sprintf("UTC%c%02d:%02d", sign, int(offset.Hours()), int(offset.Minutes())%60)
}

// LocalDay maps an instant to its local calendar day.
func (c *Calendar) LocalDay(t time.Time) Day {
	return DayOf(t.In(c.zone))
}

// Now returns the current instant in UTC.
func (c *Calendar) Now() time.Time {
	return c.now().UTC()
}

// Today returns the current local day.
func (c *Calendar) Today() Day {
	return c.LocalDay(c.now())
}

// Bounds returns the half-open UTC interval [start, end) covered by local day d.
func (c *Calendar) Bounds(d Day) (time.Time, time.Time) {
	start := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, c.zone)
	return start.UTC(), start.AddDate(0, 0, 1).UTC()
}

// Location exposes the fixed zone, mainly for logging.
func (c *Calendar) Location() *time.Location {
	return c.zone
}
