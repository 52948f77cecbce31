// Package flow implements the conversation flow engine: flow selection, step
// state-machine execution, loop detection and step side effects.
package flow

import (
	"fmt"
	"strings"
	"time"

	"github.com/dsalaberry/turnero/internal/models"
)

// UpcomingDaysPlaceholder is expanded into a lettered list of upcoming days.
const UpcomingDaysPlaceholder = "{PROXIMOS_DIAS}"

// UpcomingDaysCount is how many non-Sunday days the placeholder expands to.
const UpcomingDaysCount = 5

var spanishWeekdays = map[time.Weekday]string{
	time.Monday:    "Lunes",
	time.Tuesday:   "Martes",
	time.Wednesday: "Miércoles",
	time.Thursday:  "Jueves",
	time.Friday:    "Viernes",
	time.Saturday:  "Sábado",
	time.Sunday:    "Domingo",
}

// optionLetters labels the expanded day list.
const optionLetters = "ABCDEFGHIJ"

// Render produces the outbound text for a step: the template followed by its
// options, or the expanded upcoming-days list when the template carries the
// {PROXIMOS_DIAS} placeholder.
func Render(step models.Step) string {
	return RenderAt(step, time.Now())
}

// RenderAt is Render with an explicit reference time, for testability.
// When the placeholder is present the expansion already encodes the answer
// choices, so the step's own options list is not appended.
func RenderAt(step models.Step, now time.Time) string {
	if strings.Contains(step.Message, UpcomingDaysPlaceholder) {
		expanded := strings.ReplaceAll(step.Message, UpcomingDaysPlaceholder, UpcomingDays(now, UpcomingDaysCount))
		return strings.TrimRight(expanded, " \n\t")
	}

	var b strings.Builder
	b.WriteString(step.Message)
	if len(step.Options) > 0 {
		b.WriteString("\n")
		for _, opt := range step.Options {
			b.WriteString(fmt.Sprintf("\n%s) %s", opt.Key, opt.Label))
		}
	}
	return strings.TrimRight(b.String(), " \n\t")
}

// UpcomingDays enumerates the next n calendar days after now, excluding
// Sundays, each labeled with a letter and formatted as weekday day/month.
func UpcomingDays(now time.Time, n int) string {
	var b strings.Builder
	day := now
	for i := 0; i < n && i < len(optionLetters); {
		day = day.AddDate(0, 0, 1)
		if day.Weekday() == time.Sunday {
			continue
		}
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(fmt.Sprintf("%c) %s %02d/%02d", optionLetters[i], spanishWeekdays[day.Weekday()], day.Day(), int(day.Month())))
		i++
	}
	return b.String()
}
