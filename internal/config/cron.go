package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts both the 5-field and 6-field (leading seconds) forms,
// plus the @hourly/@daily style descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// macros maps the schedule shorthands onto their canonical expressions.
// @minutely is ours, the rest are handled by the parser itself.
var macros = map[string]string{
	"@minutely": "* * * * *",
}

// ParseCron parses a cron expression or macro into a Schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if replacement, ok := macros[strings.ToLower(trimmed)]; ok {
		trimmed = replacement
	}
	sched, err := cronParser.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parsing cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// CronInterval estimates the period of a schedule by measuring the gap
// between its next two firings after from.
func CronInterval(sched cron.Schedule, from time.Time) time.Duration {
	first := sched.Next(from)
	second := sched.Next(first)
	interval := second.Sub(first)
	if interval <= 0 {
		interval = time.Minute
	}
	return interval
}
