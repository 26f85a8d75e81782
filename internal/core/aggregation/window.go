package aggregation

import (
	"fmt"
	"strconv"
	"time"
)

// WindowFor returns the minute window containing t (converted to UTC).
// Example: WindowFor(10:35:42+02:00) → 08:35 UTC
func WindowFor(t time.Time) WindowKey {
	t = t.UTC()
	return WindowKey{
		Year:   t.Year(),
		Month:  int(t.Month()),
		Day:    t.Day(),
		Hour:   t.Hour(),
		Minute: t.Minute(),
	}
}

// KeyRange returns the [start, end) window keys for the minute containing now.
// The end key uses calendar arithmetic, so 23:59 on Dec 31 rolls into the next year.
func KeyRange(now time.Time) (start, end WindowKey) {
	start = WindowFor(now)
	return start, start.Next()
}

// Next returns the window one minute after k.
func (k WindowKey) Next() WindowKey {
	return WindowFor(k.Time().Add(time.Minute))
}

// Time returns the start instant of the window.
func (k WindowKey) Time() time.Time {
	return time.Date(k.Year, time.Month(k.Month), k.Day, k.Hour, k.Minute, 0, 0, time.UTC)
}

// String renders the key as YYYY-MM-DDTHH:MM.
func (k WindowKey) String() string {
	return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d", k.Year, k.Month, k.Day, k.Hour, k.Minute)
}

// Strings returns the five zero-padded key parts used by the view index.
func (k WindowKey) Strings() []string {
	return []string{
		fmt.Sprintf("%04d", k.Year),
		fmt.Sprintf("%02d", k.Month),
		fmt.Sprintf("%02d", k.Day),
		fmt.Sprintf("%02d", k.Hour),
		fmt.Sprintf("%02d", k.Minute),
	}
}

// ParseWindowKey parses the five leading parts of a view key.
func ParseWindowKey(parts []string) (WindowKey, error) {
	if len(parts) < windowKeyParts {
		return WindowKey{}, fmt.Errorf("window key needs %d parts, got %d", windowKeyParts, len(parts))
	}
	var nums [windowKeyParts]int
	for i := 0; i < windowKeyParts; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return WindowKey{}, fmt.Errorf("window key part %d %q: %w", i, parts[i], err)
		}
		nums[i] = n
	}
	k := WindowKey{Year: nums[0], Month: nums[1], Day: nums[2], Hour: nums[3], Minute: nums[4]}
	if WindowFor(k.Time()) != k {
		return WindowKey{}, fmt.Errorf("window key %s is not a valid calendar minute", k)
	}
	return k, nil
}
