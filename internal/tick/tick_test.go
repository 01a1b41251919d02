package tick

import (
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in    string
		kind  Kind
		every time.Duration
		cron  string
		err   bool
	}{
		{in: "60s", kind: KindInterval, every: time.Minute},
		{in: "5m", kind: KindInterval, every: 5 * time.Minute},
		{in: "00:05", kind: KindInterval, every: 5 * time.Minute},
		{in: "every:01:30", kind: KindInterval, every: 90 * time.Minute},
		{in: "*/2 * * * *", kind: KindCron, cron: "*/2 * * * *"},
		{in: "0 */5 * * * *", kind: KindCron, cron: "0 */5 * * * *"},
		{in: "@every 90s", kind: KindCron, cron: "@every 90s"},
		{in: "cron:@hourly", kind: KindCron, cron: "@hourly"},
		{in: "", err: true},
		{in: "500ms", err: true},
		{in: "00:61", err: true},
		{in: "soon", err: true},
		{in: "cron:", err: true},
		{in: "* * *", err: true},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if tc.err {
			if err == nil {
				t.Fatalf("Parse(%q): expected error, got %+v", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if got.Kind != tc.kind || got.Every != tc.every || got.Cron != tc.cron {
			t.Fatalf("Parse(%q) = %+v", tc.in, got)
		}
	}
}

func TestScheduleNext(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 5, 1, 8, 0, 30, 0, time.UTC)

	sp, err := Parse("60s")
	if err != nil {
		t.Fatal(err)
	}
	sched, err := sp.Schedule()
	if err != nil {
		t.Fatal(err)
	}
	if next := sched.Next(base); !next.Equal(base.Add(time.Minute)) {
		t.Fatalf("interval next = %s", next)
	}

	sp, err = Parse("*/5 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	sched, err = sp.Schedule()
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 5, 1, 8, 5, 0, 0, time.UTC)
	if next := sched.Next(base); !next.Equal(want) {
		t.Fatalf("cron next = %s, want %s", next, want)
	}
}
