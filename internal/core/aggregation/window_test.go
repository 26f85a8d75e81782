package aggregation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWindowFor(t *testing.T) {
	ts := time.Date(2026, 2, 11, 10, 35, 42, 123456789, time.FixedZone("CEST", 2*60*60))

	require.Equal(t, WindowKey{Year: 2026, Month: 2, Day: 11, Hour: 8, Minute: 35}, WindowFor(ts))
}

func TestKeyRange(t *testing.T) {
	tests := []struct {
		name      string
		now       time.Time
		wantStart string
		wantEnd   string
	}{
		{name: "mid hour", now: time.Date(2026, 2, 11, 10, 35, 42, 0, time.UTC), wantStart: "2026-02-11T10:35", wantEnd: "2026-02-11T10:36"},
		{name: "hour rollover", now: time.Date(2026, 2, 11, 10, 59, 59, 0, time.UTC), wantStart: "2026-02-11T10:59", wantEnd: "2026-02-11T11:00"},
		{name: "day rollover", now: time.Date(2026, 2, 11, 23, 59, 0, 0, time.UTC), wantStart: "2026-02-11T23:59", wantEnd: "2026-02-12T00:00"},
		{name: "month rollover leap year", now: time.Date(2028, 2, 29, 23, 59, 1, 0, time.UTC), wantStart: "2028-02-29T23:59", wantEnd: "2028-03-01T00:00"},
		{name: "year rollover", now: time.Date(2026, 12, 31, 23, 59, 30, 0, time.UTC), wantStart: "2026-12-31T23:59", wantEnd: "2027-01-01T00:00"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			start, end := KeyRange(tc.now)
			require.Equal(t, tc.wantStart, start.String())
			require.Equal(t, tc.wantEnd, end.String())
		})
	}
}

func TestParseWindowKey(t *testing.T) {
	k := WindowKey{Year: 2026, Month: 3, Day: 7, Hour: 4, Minute: 9}

	got, err := ParseWindowKey(k.Strings())
	require.NoError(t, err)
	require.Equal(t, k, got)
	require.Equal(t, []string{"2026", "03", "07", "04", "09"}, k.Strings())

	_, err = ParseWindowKey([]string{"2026", "03", "07"})
	require.Error(t, err)

	_, err = ParseWindowKey([]string{"2026", "13", "07", "04", "09"})
	require.Error(t, err)

	_, err = ParseWindowKey([]string{"2026", "03", "07", "04", "60"})
	require.Error(t, err)

	_, err = ParseWindowKey([]string{"2026", "xx", "07", "04", "09"})
	require.Error(t, err)
}
