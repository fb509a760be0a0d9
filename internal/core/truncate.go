package core

import (
	"context"
	"strconv"

	"care-companion/pkg"
)

// Defaults for the history budget.
const (
	DefaultMaxTokens       = 8000
	DefaultMaxMessages     = 50
	DefaultKeepRecent      = 10
	DefaultSummaryMaxChars = 1000

	// a summary shorter than this carries no useful information
	minSummaryChars = 40
)

// Truncator keeps a message log within a token budget by replacing older
// messages with a single summary message.
type Truncator struct {
	MaxTokens       int
	MaxMessages     int // 0 disables the message cap
	KeepRecent      int
	SummaryMaxChars int
	Summarizer      Summarizer // nil uses ExtractiveSummarizer
}

// TruncationReport describes what a truncation did.
type TruncationReport struct {
	Truncated     bool
	OriginalCount int
	Kept          int
	Summarized    int
	SummaryAdded  bool
	Tokens        int
	// OverBudget is set when the returned messages still exceed the
	// budget, e.g. when the newest message alone does; it is kept anyway.
	OverBudget bool
	// SummaryErr is the summariser's error.  The summary then holds the
	// extractive fallback.
	SummaryErr error
}

// NewTruncator returns a Truncator with the default limits.
func NewTruncator(s Summarizer) *Truncator {
	return &Truncator{
		MaxTokens:       DefaultMaxTokens,
		MaxMessages:     DefaultMaxMessages,
		KeepRecent:      DefaultKeepRecent,
		SummaryMaxChars: DefaultSummaryMaxChars,
		Summarizer:      s,
	}
}

// Fits reports whether messages are within both the token budget and the
// message cap.
func (t *Truncator) Fits(messages []pkg.Message) bool {
	return t.fits(messages, t.maxTokens())
}

func (t *Truncator) fits(messages []pkg.Message, budget int) bool {
	if t.MaxMessages > 0 && len(messages) > t.MaxMessages {
		return false
	}
	return !ShouldTruncate(messages, budget)
}

// Truncate returns messages reduced to fit the budget: a summary of the
// older messages followed by the most recent ones, oldest first.  Input that
// already fits is returned as is.  The input slice is never modified.
func (t *Truncator) Truncate(ctx context.Context, messages []pkg.Message) ([]pkg.Message, TruncationReport) {
	return t.truncateTo(ctx, messages, t.maxTokens())
}

func (t *Truncator) truncateTo(ctx context.Context, messages []pkg.Message, budget int) ([]pkg.Message, TruncationReport) {
	n := len(messages)
	report := TruncationReport{OriginalCount: n, Kept: n}
	if n == 0 || t.fits(messages, budget) {
		report.Tokens = CalculateHistoryTokens(messages)
		return messages, report
	}
	report.Truncated = true

	k := min(t.keepRecent(), n)
	if t.MaxMessages > 0 && k >= t.MaxMessages {
		// leave a slot for the summary
		k = max(1, t.MaxMessages-1)
	}

	recentTokens := CalculateHistoryTokens(messages[n-k:])
	for k > 1 && recentTokens > budget {
		recentTokens -= MessageTokens(messages[n-k])
		k--
	}

	recent := make([]pkg.Message, k, k+1)
	copy(recent, messages[n-k:])
	report.Kept = k
	report.Tokens = recentTokens

	if recentTokens > budget {
		report.OverBudget = true
		return recent, report
	}

	older := messages[:n-k]
	if len(older) == 0 {
		return recent, report
	}
	if t.MaxMessages > 0 && k+1 > t.MaxMessages {
		// no room left for a summary
		report.Summarized = len(older)
		return recent, report
	}

	summaryOverhead := EstimateTokens("role: "+string(pkg.RoleSystem)) + messageOverhead
	maxChars := min(t.summaryMaxChars(), (budget-recentTokens-summaryOverhead)*4)
	if maxChars < minSummaryChars {
		report.Summarized = len(older)
		return recent, report
	}

	text, err := t.summarizer().Summarize(ctx, older)
	if err != nil {
		report.SummaryErr = err
	}
	if text == "" {
		text = extractiveSummary(older)
	}

	summary := pkg.Message{
		Role:      pkg.RoleSystem,
		Content:   clipRunes(SummaryPrefix+text, maxChars),
		CreatedAt: older[len(older)-1].CreatedAt,
		Metadata: map[string]string{
			"kind":       "summary",
			"summarized": strconv.Itoa(summarizedCount(older)),
		},
	}

	out := make([]pkg.Message, 0, k+1)
	out = append(out, summary)
	out = append(out, recent...)

	report.Summarized = len(older)
	report.SummaryAdded = true
	report.Tokens = recentTokens + MessageTokens(summary)
	return out, report
}

// summarizedCount is the number of original messages behind older,
// counting through earlier summaries.
func summarizedCount(older []pkg.Message) int {
	total := 0
	for _, m := range older {
		if IsSummary(m) {
			if c, err := strconv.Atoi(m.Metadata["summarized"]); err == nil {
				total += c
				continue
			}
		}
		total++
	}
	return total
}

func (t *Truncator) maxTokens() int {
	if t.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return t.MaxTokens
}

func (t *Truncator) keepRecent() int {
	if t.KeepRecent < 1 {
		return DefaultKeepRecent
	}
	return t.KeepRecent
}

func (t *Truncator) summaryMaxChars() int {
	if t.SummaryMaxChars <= 0 {
		return DefaultSummaryMaxChars
	}
	return t.SummaryMaxChars
}

func (t *Truncator) summarizer() Summarizer {
	if t.Summarizer == nil {
		return ExtractiveSummarizer{}
	}
	return t.Summarizer
}
