// Package timetable answers "what class is active right now" questions
// against stored weekly schedules, in the storage's local timezone.
package timetable

import (
	"context"
	"fmt"
	"time"

	"github.com/aulavision/ingest/internal/store"
)

// ScheduleSource is the read-only schedule data the Oracle needs. Satisfied
// by *store.Store; kept as an interface so tests can supply a fixed set of
// classes without a database.
type ScheduleSource interface {
	ClassesByAula(ctx context.Context, aulaID string) ([]store.Class, error)
	ClassByID(ctx context.Context, id string) (*store.Class, error)
}

// weekdayNames maps Go's time.Weekday to the Spanish lowercase names used
// by the stored schedule slots.
var weekdayNames = [...]string{
	time.Sunday:    "domingo",
	time.Monday:    "lunes",
	time.Tuesday:   "martes",
	time.Wednesday: "miércoles",
	time.Thursday:  "jueves",
	time.Friday:    "viernes",
	time.Saturday:  "sábado",
}

// Oracle evaluates schedule membership against a fixed timezone.
type Oracle struct {
	src ScheduleSource
	loc *time.Location
}

// New creates an Oracle that interprets "now" in the named IANA timezone.
func New(src ScheduleSource, timezone string) (*Oracle, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	return &Oracle{src: src, loc: loc}, nil
}

// ActiveClass returns the id of the first class with a schedule slot
// covering (dayOfWeek(now), now) in the given aula, or "" if none.
func (o *Oracle) ActiveClass(ctx context.Context, aulaID string, now time.Time) (string, error) {
	classes, err := o.src.ClassesByAula(ctx, aulaID)
	if err != nil {
		return "", fmt.Errorf("classes for aula %s: %w", aulaID, err)
	}

	local := now.In(o.loc)
	day := weekdayNames[local.Weekday()]
	clock := local.Format("15:04")

	for _, c := range classes {
		for _, slot := range c.Schedule {
			if slot.AulaID != aulaID || slot.DayOfWeek != day {
				continue
			}
			if inRange(clock, slot.StartHHMM, slot.EndHHMM) {
				return c.ID, nil
			}
		}
	}
	return "", nil
}

// StillActive reports whether classID has a schedule slot covering now in
// any aula. Used to decide whether a running session's class is still
// valid, restricted to the one class rather than "first match in aula".
func (o *Oracle) StillActive(ctx context.Context, classID string, now time.Time) (bool, error) {
	c, err := o.src.ClassByID(ctx, classID)
	if err != nil {
		return false, fmt.Errorf("class %s: %w", classID, err)
	}
	if c == nil {
		return false, nil
	}

	local := now.In(o.loc)
	day := weekdayNames[local.Weekday()]
	clock := local.Format("15:04")

	for _, slot := range c.Schedule {
		if slot.DayOfWeek == day && inRange(clock, slot.StartHHMM, slot.EndHHMM) {
			return true, nil
		}
	}
	return false, nil
}

// AulaForClass picks the aula of classID's currently-active schedule
// slot, or "" if the class has no slot active right now.
func (o *Oracle) AulaForClass(ctx context.Context, classID string, now time.Time) (string, error) {
	c, err := o.src.ClassByID(ctx, classID)
	if err != nil {
		return "", fmt.Errorf("class %s: %w", classID, err)
	}
	if c == nil {
		return "", nil
	}

	local := now.In(o.loc)
	day := weekdayNames[local.Weekday()]
	clock := local.Format("15:04")

	for _, slot := range c.Schedule {
		if slot.DayOfWeek == day && inRange(clock, slot.StartHHMM, slot.EndHHMM) {
			return slot.AulaID, nil
		}
	}
	return "", nil
}

// LocalDate formats now as a YYYY-MM-DD date in the Oracle's timezone,
// the key an attendance document is created and looked up under.
func (o *Oracle) LocalDate(now time.Time) string {
	return now.In(o.loc).Format("2006-01-02")
}

// inRange reports whether clock falls in [start, end] inclusive, comparing
// "HH:MM" strings lexicographically (valid since they're zero-padded).
func inRange(clock, start, end string) bool {
	return clock >= start && clock <= end
}
