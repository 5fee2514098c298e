package job

import (
	"testing"
	"time"
)

func TestParseCron_Valid(t *testing.T) {
	t.Parallel()

	for _, expr := range []string{
		"* * * * *",
		"0 9-17 * * 1-5",
		"*/15 * * * *",
		"0,15,30,45 * * * *",
		"30 2 1 */2 *",
		" 5 4 * * 0 ",
	} {
		if _, err := ParseCron(expr); err != nil {
			t.Errorf("ParseCron(%q) unexpected error: %v", expr, err)
		}
	}
}

func TestParseCron_Invalid(t *testing.T) {
	t.Parallel()

	for _, expr := range []string{
		"",
		"invalid",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"0 25 * * *",
		"0 0 32 * *",
		"0 0 * 13 *",
		"@hourly",
		"0 0 30 2 *", // never fires
		"5-1 * * * *",
	} {
		if _, err := ParseCron(expr); err == nil {
			t.Errorf("ParseCron(%q) expected error", expr)
		}
	}
}

func TestCronExpr_Next(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expr string
		from time.Time
		want time.Time
	}{
		{
			expr: "*/15 * * * *",
			from: time.Date(2026, 10, 19, 10, 7, 30, 0, time.UTC),
			want: time.Date(2026, 10, 19, 10, 15, 0, 0, time.UTC),
		},
		{
			expr: "0 9-17 * * 1-5",
			from: time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC), // Saturday
			want: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC),  // Monday
		},
		{
			expr: "* * * * *",
			from: time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC),
			want: time.Date(2026, 10, 19, 10, 1, 0, 0, time.UTC),
		},
		{
			expr: "0 0 29 2 *",
			from: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			want: time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		c, err := ParseCron(tt.expr)
		if err != nil {
			t.Fatalf("ParseCron(%q): %v", tt.expr, err)
		}
		if got := c.Next(tt.from); !got.Equal(tt.want) {
			t.Errorf("%q.Next(%v) = %v, want %v", tt.expr, tt.from, got, tt.want)
		}
	}
}

func TestCronExpr_Matches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expr string
		at   time.Time
		want bool
	}{
		{"0 9-17 * * 1-5", time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC), true},
		{"0 9-17 * * 1-5", time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC), false}, // Sunday
		{"0 9-17 * * 1-5", time.Date(2026, 10, 19, 18, 0, 0, 0, time.UTC), false},
		{"0,15,30,45 * * * *", time.Date(2026, 10, 19, 3, 30, 0, 0, time.UTC), true},
		{"0,15,30,45 * * * *", time.Date(2026, 10, 19, 3, 31, 0, 0, time.UTC), false},
		// Day-of-month and day-of-week both restricted: either matches.
		{"0 0 13 * 5", time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC), true},  // Friday
		{"0 0 13 * 5", time.Date(2026, 10, 13, 0, 0, 0, 0, time.UTC), true},  // the 13th
		{"0 0 13 * 5", time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC), false}, // neither
		// Only day-of-month restricted: Friday alone does not match.
		{"0 0 13 * *", time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC), false},
	}

	for _, tt := range tests {
		c, err := ParseCron(tt.expr)
		if err != nil {
			t.Fatalf("ParseCron(%q): %v", tt.expr, err)
		}
		if got := c.Matches(tt.at); got != tt.want {
			t.Errorf("%q.Matches(%v) = %v, want %v", tt.expr, tt.at, got, tt.want)
		}
	}
}

func TestCronExpr_NextAlwaysMatches(t *testing.T) {
	t.Parallel()

	c, err := ParseCron("7,37 */3 1-10 * 2")
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for range 50 {
		next := c.Next(at)
		if next.IsZero() {
			t.Fatal("unexpected zero next time")
		}
		if !next.After(at) {
			t.Fatalf("next %v not after %v", next, at)
		}
		if !c.Matches(next) {
			t.Fatalf("next %v does not match expression", next)
		}
		at = next
	}
}

func FuzzParseCron(f *testing.F) {
	f.Add("*/5 * * * *")
	f.Add("0 0 * * *")
	f.Add("0 0 1 1 *")
	f.Add("* * * * *")
	f.Add("invalid")
	f.Add("")
	f.Add("60 * * * *")
	f.Add("0 25 * * *")

	f.Fuzz(func(_ *testing.T, expr string) {
		// Must not panic; errors are expected and acceptable.
		_, _ = ParseCron(expr)
	})
}
