package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// CronHorizon bounds the forward search for the next firing of a cron
// expression. Expressions that cannot fire within it are rejected.
const CronHorizon = 4 * 366 * 24 * time.Hour

// starBit mirrors the marker robfig/cron sets on a field written as "*".
const starBit = 1 << 63

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CronExpr is a parsed 5-field cron expression. Each field is held as a
// match set (one bit per allowed value).
type CronExpr struct {
	expr string
	spec *cron.SpecSchedule
}

// ParseCron parses a 5-field expression supporting "*", values, ranges
// (a-b), steps (*/n, a-b/n) and lists (a,b,c). Descriptors such as @hourly
// and timezone prefixes are rejected.
func ParseCron(expr string) (*CronExpr, error) {
	expr = strings.TrimSpace(expr)
	if n := len(strings.Fields(expr)); n != 5 {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d in %q", n, expr)
	}

	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cron: %w", err)
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("cron: unsupported expression %q", expr)
	}

	c := &CronExpr{expr: expr, spec: spec}
	if c.Next(time.Now()).IsZero() {
		return nil, fmt.Errorf("cron: %q never fires", expr)
	}
	return c, nil
}

// String returns the source expression.
func (c *CronExpr) String() string { return c.expr }

// Next returns the first minute strictly after t matching every field, or
// the zero time when none exists within CronHorizon.
func (c *CronExpr) Next(t time.Time) time.Time {
	next := c.spec.Next(t)
	if next.IsZero() || next.Sub(t) > CronHorizon {
		return time.Time{}
	}
	return next
}

// Matches reports whether the minute containing t satisfies the expression.
// When both day-of-month and day-of-week are restricted either may match.
func (c *CronExpr) Matches(t time.Time) bool {
	s := c.spec
	if s.Minute&(1<<uint(t.Minute())) == 0 ||
		s.Hour&(1<<uint(t.Hour())) == 0 ||
		s.Month&(1<<uint(t.Month())) == 0 {
		return false
	}
	domMatch := s.Dom&(1<<uint(t.Day())) != 0
	dowMatch := s.Dow&(1<<uint(t.Weekday())) != 0
	if s.Dom&starBit != 0 || s.Dow&starBit != 0 {
		return domMatch && dowMatch
	}
	return domMatch || dowMatch
}
