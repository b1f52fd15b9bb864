package scheduler

import (
	"fmt"
	"time"

	cron "github.com/netresearch/go-cron"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CronExpr is a parsed five-field cron schedule or a descriptor such as
// "@hourly".
type CronExpr struct {
	raw      string
	schedule cron.Schedule
}

// ParseCron parses expr.
func ParseCron(expr string) (*CronExpr, error) {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return &CronExpr{raw: expr, schedule: schedule}, nil
}

// Next returns the first activation after t.
func (c *CronExpr) Next(t time.Time) time.Time {
	return c.schedule.Next(t)
}

// Matches reports whether an activation falls in the minute of t.
func (c *CronExpr) Matches(t time.Time) bool {
	minute := t.Truncate(time.Minute)
	return c.schedule.Next(minute.Add(-time.Second)).Equal(minute)
}

func (c *CronExpr) String() string { return c.raw }
