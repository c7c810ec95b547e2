package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/cronexpr"
	"github.com/robfig/cron/v3"
)

// ErrNoNextFire is returned when an expression has no occurrence after the anchor.
var ErrNoNextFire = errors.New("schedule has no future occurrence")

// nexter is satisfied by both *cronexpr.Expression and cron.Schedule.
type nexter interface {
	Next(time.Time) time.Time
}

var everyParser = cron.NewParser(cron.Descriptor)

// parse accepts 5 field (minute resolution), 6 field (seconds first) and
// 7 field (seconds through year) expressions, the @hourly style macros and
// @every durations.
func parse(expr string) (nexter, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "@every") {
		sched, err := everyParser.Parse(expr)
		if err != nil {
			return nil, err
		}
		return sched, nil
	}

	// cronexpr reads six fields as minute through year, so a seconds-first
	// expression gets an explicit year field.
	if len(strings.Fields(expr)) == 6 {
		expr += " *"
	}
	return cronexpr.Parse(expr)
}

// NextFire returns the next fire time of expr strictly after lastFiredAt.
// A nil lastFiredAt means the next occurrence from now. The result is in UTC.
func NextFire(expr string, lastFiredAt *time.Time) (time.Time, error) {
	sched, err := parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	anchor := time.Now().UTC()
	if lastFiredAt != nil {
		anchor = lastFiredAt.UTC()
	}

	next := sched.Next(anchor)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%q after %s: %w", expr, anchor.Format(time.RFC3339), ErrNoNextFire)
	}
	return next.UTC(), nil
}

// NextRunTimes returns the next N run times that a cron expression will run.
// Each run time is in UTC.
func NextRunTimes(expr string, n int) ([]time.Time, error) {
	cutoff := time.Now().UTC()
	return NextRunTimesAfter(expr, cutoff, n)
}

// NextRunTimesAfter returns the next N run times after a specific time.
// It returns an error if the cron expression is invalid or if count is less than 1.
// Fewer than N times are returned when the expression runs out of occurrences.
func NextRunTimesAfter(expr string, after time.Time, n int) ([]time.Time, error) {
	if n <= 0 {
		return nil, fmt.Errorf("count must be greater than 0")
	}
	sched, err := parse(expr)
	if err != nil {
		return nil, err
	}

	times := make([]time.Time, 0, n)
	cursor := after.UTC()
	for range n {
		next := sched.Next(cursor)
		if next.IsZero() {
			break
		}
		times = append(times, next.UTC())
		cursor = next
	}
	return times, nil
}

func ValidateCron(expr string) error {
	_, err := parse(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}
