// Package tick turns the scheduler.tick setting into a robfig/cron schedule.
//
// Accepted forms:
//   - Go duration: "60s", "5m", "1h30m"
//   - HH:MM interval: "00:05" (five minutes), "01:30"
//   - cron: "*/2 * * * *", "0 */5 * * * *" (seconds optional), "@every 90s", "@hourly"
//
// "cron:" forces cron parsing; "every:" forces interval parsing.
package tick

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Kind int

const (
	KindInterval Kind = iota
	KindCron
)

func (k Kind) String() string {
	if k == KindCron {
		return "cron"
	}
	return "interval"
}

// Spec is a parsed tick setting.
type Spec struct {
	Kind  Kind
	Every time.Duration
	Cron  string
	Raw   string
}

// MinInterval keeps a misconfigured tick from spinning the publisher loop.
const MinInterval = time.Second

// Parser accepts 5-field and 6-field (with seconds) cron specs.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

func Parse(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("tick required")
	}
	low := strings.ToLower(s)

	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]), raw)
	case strings.HasPrefix(low, "every:"):
		return parseEvery(strings.TrimSpace(s[len("every:"):]), raw)
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(s, raw)
	}
	return parseEvery(s, raw)
}

func parseCron(expr, raw string) (Spec, error) {
	if expr == "" {
		return Spec{}, fmt.Errorf("cron expression required")
	}
	if _, err := Parser.Parse(expr); err != nil {
		return Spec{}, fmt.Errorf("invalid cron tick %q: %w", expr, err)
	}
	return Spec{Kind: KindCron, Cron: expr, Raw: raw}, nil
}

func parseEvery(v, raw string) (Spec, error) {
	var (
		d   time.Duration
		err error
	)
	if reHHMM.MatchString(v) {
		d, err = parseHHMM(v)
	} else {
		d, err = time.ParseDuration(v)
		if err != nil {
			err = fmt.Errorf("invalid tick %q (use a duration like '60s', HH:MM like '00:05', or cron like '*/1 * * * *')", raw)
		}
	}
	if err != nil {
		return Spec{}, err
	}
	if d < MinInterval {
		return Spec{}, fmt.Errorf("tick interval must be >= %s", MinInterval)
	}
	return Spec{Kind: KindInterval, Every: d, Raw: raw}, nil
}

func parseHHMM(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}

// Schedule returns the cron schedule for spec.
func (s Spec) Schedule() (cron.Schedule, error) {
	if s.Kind == KindCron {
		return Parser.Parse(s.Cron)
	}
	if s.Every < MinInterval {
		return nil, fmt.Errorf("tick interval must be >= %s", MinInterval)
	}
	return cron.Every(s.Every), nil
}

func (s Spec) String() string {
	if s.Kind == KindCron {
		return s.Cron
	}
	return s.Every.String()
}
