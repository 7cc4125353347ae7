// Package recurrence translates user-declared campaign schedules into
// 5-field cron expressions and back into human-readable descriptions.
// Compilation is pure: the same rule always yields the same expression.
package recurrence

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/mailloft/mailloft/internal/models"
)

// DefaultTime is used when a rule carries no time of day.
const DefaultTime = "09:00"

var timePattern = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)

// Parser accepts the standard 5-field expression the platform stores.
// The scheduler shares it so triggers and validation agree on syntax.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Compile maps a recurrence rule to a cron expression. A NONE frequency
// yields the empty string. BIWEEKLY compiles to the same expression as
// WEEKLY: cron cannot express "every other week", so the scheduler applies
// a fire-time guard instead (see RequiresFireGuard).
func Compile(rule models.RecurrenceRule) (string, error) {
	if rule.Frequency == models.FrequencyNone {
		return "", nil
	}
	if !rule.Frequency.Valid() {
		return "", fmt.Errorf("unknown frequency %q", rule.Frequency)
	}

	timeStr := rule.Time
	if timeStr == "" {
		timeStr = DefaultTime
	}
	hour, minute, err := parseTime(timeStr)
	if err != nil {
		return "", err
	}

	switch rule.Frequency {
	case models.FrequencyDaily:
		return fmt.Sprintf("%d %d * * *", minute, hour), nil

	case models.FrequencyWeekly, models.FrequencyBiweekly:
		days := joinDays(rule.DaysOfWeek)
		return fmt.Sprintf("%d %d * * %s", minute, hour, days), nil

	case models.FrequencyMonthly:
		day := rule.DayOfMonth
		if day == 0 {
			day = 1
		}
		if day < 1 || day > 31 {
			return "", fmt.Errorf("day of month %d out of range", day)
		}
		return fmt.Sprintf("%d %d %d * *", minute, hour, day), nil

	case models.FrequencyCustom:
		if rule.CustomExpr == "" {
			return fmt.Sprintf("%d %d * * *", minute, hour), nil
		}
		if err := Validate(rule.CustomExpr); err != nil {
			return "", fmt.Errorf("custom expression: %w", err)
		}
		return rule.CustomExpr, nil
	}

	return "", nil
}

// RequiresFireGuard reports whether the compiled expression over-fires and
// the scheduler must skip alternating cycles.
func RequiresFireGuard(f models.Frequency) bool {
	return f == models.FrequencyBiweekly
}

// Validate checks that expr is a parseable 5-field cron expression.
func Validate(expr string) error {
	if _, err := Parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule expression %q: %w", expr, err)
	}
	return nil
}

var dayNames = []string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

// Describe renders a stored expression for display, e.g.
// "Weekly on Monday, Friday at 09:00".
func Describe(expr string) string {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return "Invalid schedule"
	}
	minute, hour, dayOfMonth, _, dayOfWeek := parts[0], parts[1], parts[2], parts[3], parts[4]

	h, errH := strconv.Atoi(hour)
	m, errM := strconv.Atoi(minute)
	if errH != nil || errM != nil {
		return "Custom schedule"
	}
	clock := fmt.Sprintf("%02d:%02d", h, m)

	switch {
	case dayOfMonth != "*" && dayOfWeek == "*":
		return fmt.Sprintf("Monthly on day %s at %s", dayOfMonth, clock)
	case dayOfMonth == "*" && dayOfWeek != "*":
		var names []string
		for _, d := range strings.Split(dayOfWeek, ",") {
			n, err := strconv.Atoi(d)
			if err != nil || n < 0 || n > 6 {
				return fmt.Sprintf("Custom schedule at %s", clock)
			}
			names = append(names, dayNames[n])
		}
		return fmt.Sprintf("Weekly on %s at %s", strings.Join(names, ", "), clock)
	case dayOfMonth == "*" && dayOfWeek == "*":
		return fmt.Sprintf("Daily at %s", clock)
	}
	return fmt.Sprintf("Custom schedule at %s", clock)
}

func parseTime(s string) (hour, minute int, err error) {
	m := timePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	return hour, minute, nil
}

func joinDays(days []int) string {
	if len(days) == 0 {
		return "1" // Monday
	}
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}
