package mask

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

const (
	secondsMinute = 60
	secondsHour   = secondsMinute * 60
	secondsDay    = secondsHour * 24
	secondsWeek   = secondsDay * 7
)

var durationRE = regexp.MustCompile(`^(?:(\d+)w)?(?:(\d+)d)?(?:(\d+)h)?(?:(\d+)m)?$`)

// ErrBadDuration is returned for durations not matching the 1w2d3h4m grammar.
var ErrBadDuration = errors.New("bad duration")

// ParseDuration evaluates a compact duration such as "1w2d" to seconds.
func ParseDuration(s string) (int64, error) {
	m := durationRE.FindStringSubmatch(s)
	if m == nil {
		return 0, ErrBadDuration
	}

	var total int64
	for i, unit := range []int64{secondsWeek, secondsDay, secondsHour, secondsMinute} {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0, ErrBadDuration
		}
		total += n * unit
	}
	if total == 0 {
		return 0, ErrBadDuration
	}
	return total, nil
}

// PrettyDuration renders seconds as the two most significant units,
// e.g. 90061 -> "1d1h".
func PrettyDuration(total int64) string {
	weeks, rem := total/secondsWeek, total%secondsWeek
	days, rem := rem/secondsDay, rem%secondsDay
	hours, rem := rem/secondsHour, rem%secondsHour
	minutes, seconds := rem/secondsMinute, rem%secondsMinute

	units := []struct {
		n    int64
		unit string
	}{
		{weeks, "w"},
		{days, "d"},
		{hours, "h"},
		{minutes, "m"},
		{seconds, "s"},
	}

	var b strings.Builder
	shown := 0
	for _, u := range units {
		if u.n == 0 {
			continue
		}
		b.WriteString(strconv.FormatInt(u.n, 10))
		b.WriteString(u.unit)
		if shown++; shown == 2 {
			break
		}
	}
	if shown == 0 {
		return "0s"
	}
	return b.String()
}
