package core

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"care-companion/internal/llm"
	"care-companion/pkg"
)

// SummaryPrefix opens every synthetic summary message.
const SummaryPrefix = "Previous conversation summary: "

// Summarizer condenses older messages into a short text that replaces them
// in the agent context.
type Summarizer interface {
	Summarize(ctx context.Context, messages []pkg.Message) (string, error)
}

// IsSummary reports whether m is a summary produced by a previous
// truncation.
func IsSummary(m pkg.Message) bool {
	if m.Role != pkg.RoleSystem {
		return false
	}
	return m.Metadata["kind"] == "summary" || strings.HasPrefix(m.Content, SummaryPrefix)
}

var (
	medicationKeywords = []string{"medication", "prescription", "pill", "tablet", "capsule", "dose", "dosage"}
	timezoneKeywords   = []string{"timezone", "time zone", "est", "pst", "gmt", "utc", "sgt", "jst"}
	preferenceKeywords = []string{"prefer", "like", "dislike", "usually", "always", "never"}
	dateKeywords       = []string{"appointment", "schedule", "reminder", "today", "tomorrow", "next week"}
	actionKeywords     = []string{"need to", "should", "must", "have to", "will", "going to"}

	sentenceSplit = regexp.MustCompile(`[.!?]`)
)

// KeyInformation is what the extractive summariser pulls out of a transcript.
// Every list keeps first-seen order without duplicates.
type KeyInformation struct {
	Medications    []string
	Timezones      []string
	Preferences    []string
	ImportantDates []string
	ActionItems    []string
}

type orderedSet struct {
	seen  map[string]struct{}
	items []string
}

func (s *orderedSet) add(v string) {
	if v == "" {
		return
	}
	if s.seen == nil {
		s.seen = map[string]struct{}{}
	}
	if _, ok := s.seen[v]; ok {
		return
	}
	s.seen[v] = struct{}{}
	s.items = append(s.items, v)
}

// ExtractKeyInformation scans messages for medications, timezones,
// preferences, dates and action items using keyword heuristics.
func ExtractKeyInformation(messages []pkg.Message) KeyInformation {
	var meds, tzs, prefs, dates, actions orderedSet

	for _, msg := range messages {
		if IsSummary(msg) {
			continue
		}
		lower := strings.ToLower(msg.Content)
		words := strings.Fields(msg.Content)
		wordSet := map[string]struct{}{}
		for _, w := range words {
			wordSet[strings.ToLower(strings.TrimFunc(w, unicode.IsPunct))] = struct{}{}
		}

		for _, kw := range medicationKeywords {
			if !strings.Contains(lower, kw) {
				continue
			}
			// capitalised word right after a medication keyword, e.g. "take tablet Metformin"
			for i, w := range words {
				if !strings.Contains(strings.ToLower(w), kw) || i+1 >= len(words) {
					continue
				}
				next := strings.TrimFunc(words[i+1], unicode.IsPunct)
				first, _ := utf8.DecodeRuneInString(next)
				if unicode.IsUpper(first) && utf8.RuneCountInString(next) > 2 {
					meds.add(next)
				}
			}
		}

		for _, kw := range timezoneKeywords {
			matched := false
			if strings.Contains(kw, " ") || len(kw) > 4 {
				matched = strings.Contains(lower, kw)
			} else {
				_, matched = wordSet[kw]
			}
			if matched {
				tzs.add(strings.ToUpper(kw))
			}
		}

		for _, kw := range preferenceKeywords {
			if strings.Contains(lower, kw) {
				for _, sentence := range sentenceSplit.Split(msg.Content, -1) {
					if strings.Contains(strings.ToLower(sentence), kw) {
						prefs.add(strings.TrimSpace(sentence))
					}
				}
			}
		}

		for _, kw := range dateKeywords {
			if strings.Contains(lower, kw) {
				dates.add(kw)
			}
		}

		for _, kw := range actionKeywords {
			if strings.Contains(lower, kw) {
				for _, sentence := range sentenceSplit.Split(msg.Content, -1) {
					if strings.Contains(strings.ToLower(sentence), kw) {
						actions.add(strings.TrimSpace(sentence))
					}
				}
			}
		}
	}

	return KeyInformation{
		Medications:    meds.items,
		Timezones:      tzs.items,
		Preferences:    prefs.items,
		ImportantDates: dates.items,
		ActionItems:    actions.items,
	}
}

// ExtractiveSummarizer builds a summary from keyword extraction and the tail
// of the transcript.  It is deterministic and never fails.
type ExtractiveSummarizer struct{}

// Summarize implements Summarizer.
func (ExtractiveSummarizer) Summarize(_ context.Context, messages []pkg.Message) (string, error) {
	return extractiveSummary(messages), nil
}

func extractiveSummary(messages []pkg.Message) string {
	if len(messages) == 0 {
		return "No previous conversation history."
	}

	var earlier []string
	var transcript []pkg.Message
	for _, m := range messages {
		if IsSummary(m) {
			earlier = append(earlier, clipRunes(strings.TrimPrefix(m.Content, SummaryPrefix), 300))
			continue
		}
		transcript = append(transcript, m)
	}

	info := ExtractKeyInformation(transcript)
	parts := []string{fmt.Sprintf("Previous conversation had %d messages.", len(transcript))}
	for _, e := range earlier {
		parts = append(parts, "Earlier context: "+e)
	}
	if len(info.Medications) > 0 {
		parts = append(parts, "Discussed medications: "+strings.Join(firstN(info.Medications, 5), ", "))
	}
	if len(info.Timezones) > 0 {
		parts = append(parts, "Timezone context: "+strings.Join(info.Timezones, ", "))
	}
	if len(info.Preferences) > 0 {
		parts = append(parts, fmt.Sprintf("User preferences mentioned: %d items", len(info.Preferences)))
	}
	if len(info.ActionItems) > 0 {
		parts = append(parts, fmt.Sprintf("Action items discussed: %d items", len(info.ActionItems)))
	}

	if len(transcript) > 0 {
		parts = append(parts, "Recent conversation context:")
		for _, m := range lastN(transcript, 5) {
			parts = append(parts, speaker(m.Role)+": "+clipRunes(m.Content, 100))
		}
	}
	return strings.Join(parts, "\n")
}

// LLMSummarizer asks the language model for a summary and falls back to the
// extractive summary when the call fails or returns nothing.  Like the chat
// service it hands back the fallback together with the error.
type LLMSummarizer struct {
	LLM      llm.Client
	Fallback Summarizer
}

// NewLLMSummarizer constructs a summariser backed by client.
func NewLLMSummarizer(client llm.Client) *LLMSummarizer {
	return &LLMSummarizer{LLM: client, Fallback: ExtractiveSummarizer{}}
}

// Summarize implements Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, messages []pkg.Message) (string, error) {
	var b strings.Builder
	b.WriteString(SummarizationInstruction)
	b.WriteString("\n\n")
	for _, m := range messages {
		if IsSummary(m) {
			b.WriteString("Earlier summary: ")
			b.WriteString(strings.TrimPrefix(m.Content, SummaryPrefix))
		} else {
			b.WriteString(speaker(m.Role))
			b.WriteString(": ")
			b.WriteString(m.Content)
		}
		b.WriteString("\n")
	}

	resp, err := s.LLM.Summarize(ctx, b.String())
	if err == nil && strings.TrimSpace(resp) == "" {
		err = errors.New("empty summary from model")
	}
	if err != nil {
		fallback := s.Fallback
		if fallback == nil {
			fallback = ExtractiveSummarizer{}
		}
		text, _ := fallback.Summarize(ctx, messages)
		return text, fmt.Errorf("llm summary: %w", err)
	}
	return strings.TrimSpace(resp), nil
}

func speaker(r pkg.Role) string {
	switch r {
	case pkg.RoleUser:
		return "User"
	case pkg.RoleSystem:
		return "System"
	default:
		return "Assistant"
	}
}

// clipRunes shortens s to at most n runes, marking the cut with "...".
func clipRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

func firstN(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}

func lastN(msgs []pkg.Message, n int) []pkg.Message {
	if len(msgs) > n {
		return msgs[len(msgs)-n:]
	}
	return msgs
}
