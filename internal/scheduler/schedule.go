package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// specParser accepts 5- and 6-field crontab lines plus descriptors.
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// TickSpec turns a schedule string into a cron spec. Supported forms:
//   - cron: "*/1 * * * *", "@hourly", "@every 60s" ("cron:" prefix forces it)
//   - Go duration: "60s", "2m"
//   - HH:MM interval: "00:05" is every five minutes
//
// An empty schedule ticks every poll interval.
func TickSpec(schedule string, poll time.Duration) (string, error) {
	s := strings.TrimSpace(schedule)
	if s == "" {
		if poll <= 0 {
			poll = DefaultPollInterval
		}
		return "@every " + poll.String(), nil
	}

	if strings.HasPrefix(strings.ToLower(s), "cron:") {
		s = strings.TrimSpace(s[len("cron:"):])
		return s, validateSpec(s)
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return s, validateSpec(s)
	}
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return "", fmt.Errorf("schedule %q: minutes out of range", schedule)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return "", fmt.Errorf("schedule %q: interval must be > 0", schedule)
		}
		return "@every " + d.String(), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return "", fmt.Errorf("invalid schedule %q (use cron like '*/1 * * * *', HH:MM like '00:05', or a duration like '60s')", schedule)
	}
	if d <= 0 {
		return "", fmt.Errorf("schedule %q: interval must be > 0", schedule)
	}
	return "@every " + d.String(), nil
}

func validateSpec(spec string) error {
	if spec == "" {
		return fmt.Errorf("cron schedule required")
	}
	if _, err := specParser.Parse(spec); err != nil {
		return fmt.Errorf("cron schedule %q: %w", spec, err)
	}
	return nil
}
