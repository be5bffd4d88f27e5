package schedule

import (
	"fmt"
	"time"

	"github.com/sosodev/duration"
)

// parsePeriod parses an ISO-8601 period/duration string ("P1D", "PT10H").
func parsePeriod(s string) (*duration.Duration, error) {
	d, err := duration.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid ISO-8601 period %q: %w", s, err)
	}
	return d, nil
}

// addPeriod adds an ISO-8601 period to an instant. Date components (years,
// months, weeks, days) advance the calendar in the given zone, so "P1D"
// lands on the same local clock time even across a DST transition; time
// components are plain duration arithmetic.
func addPeriod(t time.Time, d *duration.Duration, zone *time.Location) time.Time {
	t = t.In(zone)
	years, months, days := int(d.Years), int(d.Months), int(d.Weeks)*7+int(d.Days)
	if years != 0 || months != 0 || days != 0 {
		t = t.AddDate(years, months, days)
	}
	clock := time.Duration(d.Hours*float64(time.Hour)) +
		time.Duration(d.Minutes*float64(time.Minute)) +
		time.Duration(d.Seconds*float64(time.Second))
	if clock != 0 {
		t = t.Add(clock)
	}
	return t
}

// addPeriodString is addPeriod over an unparsed period; it assumes the value
// already passed Schedule.Validate.
func addPeriodString(t time.Time, period string, zone *time.Location) (time.Time, error) {
	d, err := parsePeriod(period)
	if err != nil {
		return time.Time{}, err
	}
	return addPeriod(t, d, zone), nil
}
