package tools

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // LoadLocation must work in minimal containers

	radix "github.com/armon/go-radix"
)

// timezoneAliases maps lower-cased abbreviations, zone names and cities to
// IANA names.
var timezoneAliases = map[string]string{
	"est": "America/New_York", "edt": "America/New_York", "eastern": "America/New_York", "et": "America/New_York",
	"cst": "America/Chicago", "cdt": "America/Chicago", "central": "America/Chicago", "ct": "America/Chicago",
	"mst": "America/Denver", "mdt": "America/Denver", "mountain": "America/Denver", "mt": "America/Denver",
	"pst": "America/Los_Angeles", "pdt": "America/Los_Angeles", "pacific": "America/Los_Angeles", "pt": "America/Los_Angeles",
	"akst": "America/Anchorage", "akdt": "America/Anchorage",
	"hst": "Pacific/Honolulu", "hdt": "Pacific/Honolulu",
	"gmt": "UTC", "utc": "UTC", "bst": "Europe/London",
	"cet": "Europe/Paris", "eet": "Europe/Kiev", "jst": "Asia/Tokyo",
	"aest": "Australia/Sydney", "aedt": "Australia/Sydney", "ist": "Asia/Kolkata", "sgt": "Asia/Singapore",
	"nzst": "Pacific/Auckland", "nzdt": "Pacific/Auckland",

	"pacific time": "America/Los_Angeles", "eastern time": "America/New_York",
	"central time": "America/Chicago", "mountain time": "America/Denver",
	"alaska time": "America/Anchorage", "hawaii time": "Pacific/Honolulu",

	"new york": "America/New_York", "boston": "America/New_York", "miami": "America/New_York",
	"chicago": "America/Chicago", "houston": "America/Chicago",
	"denver": "America/Denver", "phoenix": "America/Phoenix",
	"los angeles": "America/Los_Angeles", "san francisco": "America/Los_Angeles", "seattle": "America/Los_Angeles",
	"toronto": "America/Toronto", "vancouver": "America/Vancouver", "montreal": "America/Montreal",
	"mexico city": "America/Mexico_City", "são paulo": "America/Sao_Paulo", "sao paulo": "America/Sao_Paulo",
	"buenos aires": "America/Argentina/Buenos_Aires",
	"london": "Europe/London", "paris": "Europe/Paris", "berlin": "Europe/Berlin", "madrid": "Europe/Madrid",
	"rome": "Europe/Rome", "amsterdam": "Europe/Amsterdam", "stockholm": "Europe/Stockholm", "moscow": "Europe/Moscow",
	"cairo": "Africa/Cairo", "johannesburg": "Africa/Johannesburg", "lagos": "Africa/Lagos", "nairobi": "Africa/Nairobi",
	"dubai": "Asia/Dubai", "riyadh": "Asia/Riyadh",
	"mumbai": "Asia/Kolkata", "delhi": "Asia/Kolkata",
	"bangkok": "Asia/Bangkok", "jakarta": "Asia/Jakarta", "manila": "Asia/Manila",
	"singapore": "Asia/Singapore", "hong kong": "Asia/Hong_Kong",
	"beijing": "Asia/Shanghai", "shanghai": "Asia/Shanghai",
	"seoul": "Asia/Seoul", "tokyo": "Asia/Tokyo",
	"sydney": "Australia/Sydney", "melbourne": "Australia/Melbourne", "auckland": "Pacific/Auckland",
}

// half-hour zones have no Etc/GMT equivalent
var fractionalOffsets = map[string]string{
	"+03:30": "Asia/Tehran",
	"+04:30": "Asia/Kabul",
	"+05:30": "Asia/Kolkata",
	"+05:45": "Asia/Kathmandu",
	"+06:30": "Asia/Yangon",
	"+09:30": "Australia/Darwin",
	"-03:30": "America/St_Johns",
}

var (
	offsetPattern     = regexp.MustCompile(`^(?:utc|gmt)?\s*([+-])(\d{1,2})(?::?(\d{2}))?$`)
	offsetInText      = regexp.MustCompile(`(?i)\b(?:utc|gmt)\s*[+-]\d{1,2}(?::?\d{2})?`)
	ianaInText        = regexp.MustCompile(`\b[A-Z][A-Za-z]+/[A-Za-z_]+(?:/[A-Za-z_]+)?\b`)
	aliasesByLength   []string
	languageTimezones *radix.Tree
)

func init() {
	for k := range timezoneAliases {
		aliasesByLength = append(aliasesByLength, k)
	}
	sort.Slice(aliasesByLength, func(i, j int) bool {
		if len(aliasesByLength[i]) != len(aliasesByLength[j]) {
			return len(aliasesByLength[i]) > len(aliasesByLength[j])
		}
		return aliasesByLength[i] < aliasesByLength[j]
	})

	languageTimezones = radix.New()
	for tag, tz := range languageZones {
		languageTimezones.Insert(strings.ToLower(tag), tz)
	}
}

// NormalizeTimezone turns user input such as "EST", "New York", "UTC+5" or
// "Europe/Paris" into an IANA timezone name.
func NormalizeTimezone(input string) (string, bool) {
	in := strings.TrimSpace(input)
	if in == "" {
		return "", false
	}
	lower := strings.ToLower(in)
	if tz, ok := timezoneAliases[lower]; ok {
		return tz, true
	}

	if m := offsetPattern.FindStringSubmatch(lower); m != nil {
		return offsetZone(m[1], m[2], m[3])
	}

	if strings.Contains(in, "/") {
		if _, err := time.LoadLocation(in); err == nil {
			return in, true
		}
	}
	return "", false
}

func offsetZone(sign, hours, minutes string) (string, bool) {
	h, err := strconv.Atoi(hours)
	if err != nil || h > 14 {
		return "", false
	}
	if minutes != "" && minutes != "00" {
		tz, ok := fractionalOffsets[fmt.Sprintf("%s%02d:%s", sign, h, minutes)]
		return tz, ok
	}
	if h == 0 {
		return "UTC", true
	}
	// Etc/GMT names carry the inverted sign
	if sign == "+" {
		return fmt.Sprintf("Etc/GMT-%d", h), true
	}
	if h > 12 {
		return "", false
	}
	return fmt.Sprintf("Etc/GMT+%d", h), true
}

// DetectTimezone looks for a timezone mentioned anywhere in free text: an
// IANA name, a UTC offset, a zone name or a city.
func DetectTimezone(text string) (string, bool) {
	for _, cand := range ianaInText.FindAllString(text, -1) {
		if _, err := time.LoadLocation(cand); err == nil {
			return cand, true
		}
	}
	if m := offsetInText.FindString(text); m != "" {
		if tz, ok := NormalizeTimezone(m); ok {
			return tz, true
		}
	}

	lower := strings.ToLower(text)
	for _, alias := range aliasesByLength {
		// two-letter aliases are too ambiguous in prose
		if len(alias) < 3 {
			continue
		}
		if containsWord(lower, alias) {
			return timezoneAliases[alias], true
		}
	}
	return "", false
}

func containsWord(text, word string) bool {
	for from := 0; ; {
		i := strings.Index(text[from:], word)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(word)
		if boundary(text, start-1) && boundary(text, end) {
			return true
		}
		from = start + 1
	}
}

func boundary(text string, i int) bool {
	if i < 0 || i >= len(text) {
		return true
	}
	c := text[i]
	return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' || c >= 0x80)
}

// SuggestTimezoneFromLanguage maps a language tag such as "en-GB" or "pt_BR"
// to a likely timezone.  Unknown regions fall back to the language's most
// common zone.
func SuggestTimezoneFromLanguage(tag string) (string, bool) {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(tag), "_", "-"))
	if key == "" {
		return "", false
	}
	prefix, v, ok := languageTimezones.LongestPrefix(key)
	if !ok {
		return "", false
	}
	// "eng" must not match "en"
	if len(prefix) < len(key) && key[len(prefix)] != '-' {
		return "", false
	}
	return v.(string), true
}

var languageZones = map[string]string{
	"en": "America/New_York", "en-US": "America/New_York", "en-GB": "Europe/London", "en-CA": "America/Toronto",
	"en-AU": "Australia/Sydney", "en-NZ": "Pacific/Auckland", "en-IN": "Asia/Kolkata", "en-SG": "Asia/Singapore",
	"en-MY": "Asia/Kuala_Lumpur", "en-PH": "Asia/Manila", "en-HK": "Asia/Hong_Kong", "en-ZA": "Africa/Johannesburg",
	"en-IE": "Europe/Dublin", "en-KE": "Africa/Nairobi", "en-NG": "Africa/Lagos", "en-GH": "Africa/Accra",
	"en-PK": "Asia/Karachi", "en-BD": "Asia/Dhaka", "en-LK": "Asia/Colombo",

	"zh": "Asia/Shanghai", "zh-CN": "Asia/Shanghai", "zh-TW": "Asia/Taipei", "zh-HK": "Asia/Hong_Kong", "zh-SG": "Asia/Singapore",
	"ja": "Asia/Tokyo", "ko": "Asia/Seoul", "th": "Asia/Bangkok", "vi": "Asia/Ho_Chi_Minh", "id": "Asia/Jakarta",
	"ms": "Asia/Kuala_Lumpur", "ms-SG": "Asia/Singapore", "tl": "Asia/Manila",
	"hi": "Asia/Kolkata", "bn": "Asia/Dhaka", "bn-IN": "Asia/Kolkata", "ta": "Asia/Kolkata", "ur": "Asia/Karachi", "ne": "Asia/Kathmandu",

	"de": "Europe/Berlin", "de-AT": "Europe/Vienna", "de-CH": "Europe/Zurich",
	"fr": "Europe/Paris", "fr-CA": "America/Montreal", "fr-BE": "Europe/Brussels", "fr-CH": "Europe/Zurich",
	"es": "Europe/Madrid", "es-MX": "America/Mexico_City", "es-AR": "America/Argentina/Buenos_Aires",
	"es-CO": "America/Bogota", "es-CL": "America/Santiago", "es-PE": "America/Lima",
	"pt": "Europe/Lisbon", "pt-BR": "America/Sao_Paulo",
	"it": "Europe/Rome", "nl": "Europe/Amsterdam", "nl-BE": "Europe/Brussels",
	"sv": "Europe/Stockholm", "da": "Europe/Copenhagen", "no": "Europe/Oslo", "nb": "Europe/Oslo", "fi": "Europe/Helsinki",
	"pl": "Europe/Warsaw", "cs": "Europe/Prague", "hu": "Europe/Budapest", "ro": "Europe/Bucharest", "el": "Europe/Athens",
	"ru": "Europe/Moscow", "uk": "Europe/Kiev", "tr": "Europe/Istanbul",
	"ar": "Asia/Riyadh", "ar-EG": "Africa/Cairo", "ar-AE": "Asia/Dubai", "he": "Asia/Jerusalem", "fa": "Asia/Tehran",
}
