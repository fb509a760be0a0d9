package tools

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultScheduleDays is how long a schedule runs when no duration is given.
const DefaultScheduleDays = 30

var (
	clock12 = regexp.MustCompile(`^(\d{1,2})(?:[:.](\d{2}))?\s*([ap])\.?\s*m\.?$`)
	clock24 = regexp.MustCompile(`^(\d{1,2})[:.h](\d{2})$`)
)

// ParseTimeOfDay parses "8am", "8:30 pm", "14:30", "noon" and similar into
// 24 hour "HH:MM".
func ParseTimeOfDay(s string) (string, error) {
	in := strings.ToLower(strings.TrimSpace(s))
	switch in {
	case "noon", "midday":
		return "12:00", nil
	case "midnight":
		return "00:00", nil
	}

	if m := clock12.FindStringSubmatch(in); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm := 0
		if m[2] != "" {
			mm, _ = strconv.Atoi(m[2])
		}
		if h < 1 || h > 12 || mm > 59 {
			return "", fmt.Errorf("invalid time %q", s)
		}
		if m[3] == "a" && h == 12 {
			h = 0
		} else if m[3] == "p" && h != 12 {
			h += 12
		}
		return fmt.Sprintf("%02d:%02d", h, mm), nil
	}

	if m := clock24.FindStringSubmatch(in); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if h > 23 || mm > 59 {
			return "", fmt.Errorf("invalid time %q", s)
		}
		return fmt.Sprintf("%02d:%02d", h, mm), nil
	}
	return "", fmt.Errorf("unrecognised time %q", s)
}

// ParseTimes parses every entry with ParseTimeOfDay and returns them sorted
// without duplicates.
func ParseTimes(in []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		t, err := ParseTimeOfDay(s)
		if err != nil {
			return nil, err
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out, nil
}

// DefaultTimesForFrequency suggests reminder times for a free-text dosing
// frequency such as "twice daily" or "every evening".
func DefaultTimesForFrequency(frequency string) ([]string, string) {
	f := strings.ToLower(frequency)
	has := func(words ...string) bool {
		for _, w := range words {
			if containsWord(f, w) {
				return true
			}
		}
		return false
	}
	switch {
	case has("four", "4 times", "qid", "q.i.d"):
		return []string{"08:00", "12:00", "16:00", "20:00"}, "four times daily"
	case has("three", "thrice", "3 times", "tid", "t.i.d"):
		return []string{"08:00", "14:00", "20:00"}, "three times daily"
	case has("twice", "two times", "2 times", "bid", "b.i.d", "bd"):
		return []string{"08:00", "20:00"}, "twice daily"
	case has("evening", "night", "bedtime"):
		return []string{"20:00"}, "once in the evening"
	case has("afternoon", "noon", "lunch"):
		return []string{"12:00"}, "once at midday"
	case has("morning"):
		return []string{"08:00"}, "once in the morning"
	case has("once", "daily", "od"):
		return []string{"08:00"}, "once daily"
	}
	return []string{"08:00"}, "default once daily"
}

// NextOccurrence returns the first of the daily times strictly after now,
// evaluated in loc.
func NextOccurrence(times []string, loc *time.Location, now time.Time) (time.Time, bool) {
	local := now.In(loc)
	var best time.Time
	for _, t := range times {
		hm, err := time.Parse("15:04", t)
		if err != nil {
			continue
		}
		cand := time.Date(local.Year(), local.Month(), local.Day(), hm.Hour(), hm.Minute(), 0, 0, loc)
		if !cand.After(local) {
			cand = cand.AddDate(0, 0, 1)
		}
		if best.IsZero() || cand.Before(best) {
			best = cand
		}
	}
	return best, !best.IsZero()
}
