package ratelimit

import (
	"strconv"
	"strings"
)

// Remaining is the parsed Remaining-Req response header,
// e.g. "group=default; min=1800; sec=29".
type Remaining struct {
	Group string
	Min   int
	Sec   int
}

// ParseRemaining parses a Remaining-Req header. ok is false when the header
// is empty or carries no sec field.
func ParseRemaining(header string) (r Remaining, ok bool) {
	if header == "" {
		return Remaining{}, false
	}
	r.Min, r.Sec = -1, -1
	for _, part := range strings.Split(header, ";") {
		key, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch strings.TrimSpace(key) {
		case "group":
			r.Group = strings.TrimSpace(val)
		case "min":
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
				r.Min = n
			}
		case "sec":
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
				r.Sec = n
			}
		}
	}
	return r, r.Sec >= 0
}
