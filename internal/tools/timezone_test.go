package tools

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTimezone(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"EST", "America/New_York", true},
		{" pst ", "America/Los_Angeles", true},
		{"New York", "America/New_York", true},
		{"singapore", "Asia/Singapore", true},
		{"UTC", "UTC", true},
		{"UTC+5", "Etc/GMT-5", true},
		{"gmt-8", "Etc/GMT+8", true},
		{"+03", "Etc/GMT-3", true},
		{"UTC+0", "UTC", true},
		{"UTC+05:30", "Asia/Kolkata", true},
		{"UTC+05:15", "", false},
		{"UTC-13", "", false},
		{"Europe/Paris", "Europe/Paris", true},
		{"Mars/Olympus", "", false},
		{"somewhere", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := NormalizeTimezone(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
			if ok {
				_, err := time.LoadLocation(got)
				assert.NoError(t, err)
			}
		})
	}
}

func TestDetectTimezone(t *testing.T) {
	tests := []struct {
		text string
		want string
		ok   bool
	}{
		{"I live in Hong Kong now", "Asia/Hong_Kong", true},
		{"my zone is Asia/Tokyo I think", "Asia/Tokyo", true},
		{"it's UTC+8 here", "Etc/GMT-8", true},
		{"we're on PST", "America/Los_Angeles", true},
		{"I'd like to set up reminders", "", false},
		// "est" inside another word is not a timezone
		{"the best time is morning", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, ok := DetectTimezone(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSuggestTimezoneFromLanguage(t *testing.T) {
	tests := []struct {
		tag  string
		want string
		ok   bool
	}{
		{"en-GB", "Europe/London", true},
		{"en_gb", "Europe/London", true},
		{"pt-BR", "America/Sao_Paulo", true},
		{"en", "America/New_York", true},
		// unknown region falls back to the language
		{"de-BE", "Europe/Berlin", true},
		{"eng", "", false},
		{"xx-YY", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			got, ok := SuggestTimezoneFromLanguage(tt.tag)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLanguageZonesAreValid(t *testing.T) {
	for tag, tz := range languageZones {
		_, err := time.LoadLocation(tz)
		require.NoError(t, err, tag)
	}
	for alias, tz := range timezoneAliases {
		_, err := time.LoadLocation(tz)
		require.NoError(t, err, alias)
	}
}
