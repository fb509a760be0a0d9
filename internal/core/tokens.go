package core

import (
	"unicode/utf8"

	"care-companion/pkg"
)

// messageOverhead approximates the tokens a chat API spends on the
// structure around each message.
const messageOverhead = 10

// EstimateTokens approximates the token count of text as one token per four
// characters.  It is a bound for budgeting, not a tokenizer.
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 4
}

// MessageTokens is the estimated cost of one message, including its role
// label and structural overhead.
func MessageTokens(m pkg.Message) int {
	return EstimateTokens("role: "+string(m.Role)) + EstimateTokens(m.Content) + messageOverhead
}

// CalculateHistoryTokens sums the estimated cost of every message.
func CalculateHistoryTokens(messages []pkg.Message) int {
	total := 0
	for _, m := range messages {
		total += MessageTokens(m)
	}
	return total
}

// ShouldTruncate reports whether messages exceed the token budget.
func ShouldTruncate(messages []pkg.Message, maxTokens int) bool {
	return CalculateHistoryTokens(messages) > maxTokens
}
