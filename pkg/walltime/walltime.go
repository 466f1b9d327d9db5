// Package walltime converts between scheduler walltime strings and seconds.
//
// Two input grammars are supported:
//   - Parse accepts what users may type: a bare number of seconds or H+:MM:SS
//     with minutes and seconds in [0,59].
//   - ToSeconds is the lenient form used for values that come from the
//     scheduler or from configuration ("SS", "MM:SS", "HH:MM:SS").
package walltime

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ErrFormat is returned when a walltime string does not match the accepted grammar.
var ErrFormat = errors.New("invalid walltime format")

var userFormat = regexp.MustCompile(`^(([0-9]+:[0-9]{2}:[0-9]{2})|([0-9]+))$`)

// Parse validates and converts a user supplied walltime.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if !userFormat.MatchString(s) {
		return 0, fmt.Errorf("%w: %q (expected <seconds> or <h+:mm:ss>)", ErrFormat, s)
	}

	parts := strings.Split(s, ":")
	if len(parts) == 3 {
		mins, _ := strconv.Atoi(parts[1])
		secs, _ := strconv.Atoi(parts[2])
		if mins >= 60 || secs >= 60 {
			return 0, fmt.Errorf("%w: %q (minutes and seconds must be below 60)", ErrFormat, s)
		}
	}

	return ToSeconds(s)
}

// ToSeconds converts "SS", "MM:SS" or "HH:MM:SS" to seconds.
//
// Components are not range checked, so "90" and "0:90" both yield 90.
// Values that do not fit in an int64 are rejected with ErrFormat.
func ToSeconds(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty value", ErrFormat)
	}

	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("%w: %q", ErrFormat, s)
	}

	var total int64
	mult := int64(1)
	for i := len(parts) - 1; i >= 0; i-- {
		v, err := strconv.ParseInt(strings.TrimSpace(parts[i]), 10, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("%w: %q", ErrFormat, s)
		}
		if v > (math.MaxInt64-total)/mult {
			return 0, fmt.Errorf("%w: %q (value out of range)", ErrFormat, s)
		}
		total += v * mult
		mult *= 60
	}
	return total, nil
}

// Format renders seconds as HH:MM:SS. Hours are not wrapped at 24.
func Format(secs int64) string {
	if secs < 0 {
		return "-" + Format(-secs)
	}
	hours := secs / 3600
	secs %= 3600
	return fmt.Sprintf("%02d:%02d:%02d", hours, secs/60, secs%60)
}
