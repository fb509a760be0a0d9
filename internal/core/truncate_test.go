package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"care-companion/pkg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fiftyTokenMessage builds a message costing exactly 50 estimated tokens.
// The index is embedded so messages stay distinguishable.
func fiftyTokenMessage(role pkg.Role, i int) pkg.Message {
	label := 2
	if role == pkg.RoleAssistant {
		label = 3
	}
	tag := fmt.Sprintf("#%04d ", i)
	body := tag + strings.Repeat("a", (50-messageOverhead-label)*4-len(tag))
	return pkg.Message{Role: role, Content: body, CreatedAt: t0.Add(time.Duration(i) * time.Minute)}
}

func fiftyTokenHistory(n int) []pkg.Message {
	msgs := make([]pkg.Message, n)
	for i := range msgs {
		role := pkg.RoleUser
		if i%2 == 1 {
			role = pkg.RoleAssistant
		}
		msgs[i] = fiftyTokenMessage(role, i)
	}
	return msgs
}

type failingSummarizer struct{ calls int }

func (f *failingSummarizer) Summarize(context.Context, []pkg.Message) (string, error) {
	f.calls++
	return "", errors.New("model unavailable")
}

func TestTruncateFitsUnchanged(t *testing.T) {
	tr := &Truncator{MaxTokens: 1000, MaxMessages: 50, KeepRecent: 10}
	msgs := fiftyTokenHistory(3)

	out, report := tr.Truncate(context.Background(), msgs)
	assert.Equal(t, msgs, out)
	assert.False(t, report.Truncated)
	assert.Equal(t, 3, report.Kept)
	assert.Equal(t, 150, report.Tokens)
}

func TestTruncateSummarizesOlderMessages(t *testing.T) {
	tr := &Truncator{MaxTokens: 1000, MaxMessages: 50, KeepRecent: 10}
	msgs := fiftyTokenHistory(100)
	require.Equal(t, 5000, CalculateHistoryTokens(msgs))

	out, report := tr.Truncate(context.Background(), msgs)
	require.Len(t, out, 11)
	assert.True(t, IsSummary(out[0]))
	assert.True(t, strings.HasPrefix(out[0].Content, SummaryPrefix))
	assert.Equal(t, "90", out[0].Metadata["summarized"])
	assert.Equal(t, msgs[90:], out[1:])
	assert.LessOrEqual(t, CalculateHistoryTokens(out), 1000)

	assert.True(t, report.Truncated)
	assert.True(t, report.SummaryAdded)
	assert.Equal(t, 100, report.OriginalCount)
	assert.Equal(t, 10, report.Kept)
	assert.Equal(t, 90, report.Summarized)
	assert.Equal(t, CalculateHistoryTokens(out), report.Tokens)
	assert.NoError(t, report.SummaryErr)
}

func TestTruncateDoesNotModifyInput(t *testing.T) {
	tr := &Truncator{MaxTokens: 300, KeepRecent: 4}
	msgs := fiftyTokenHistory(20)
	before := append([]pkg.Message(nil), msgs...)

	tr.Truncate(context.Background(), msgs)
	assert.Equal(t, before, msgs)
}

func TestTruncateShrinksRecentWindow(t *testing.T) {
	tr := &Truncator{MaxTokens: 120, KeepRecent: 10}
	msgs := fiftyTokenHistory(10)

	out, report := tr.Truncate(context.Background(), msgs)
	// two messages fit; the 20 tokens left can't hold a useful summary
	assert.Equal(t, msgs[8:], out)
	assert.False(t, report.SummaryAdded)
	assert.Equal(t, 8, report.Summarized)
	assert.LessOrEqual(t, CalculateHistoryTokens(out), 120)
}

func TestTruncateSingleOversizedMessage(t *testing.T) {
	tr := &Truncator{MaxTokens: 20, KeepRecent: 10}
	msgs := fiftyTokenHistory(3)

	out, report := tr.Truncate(context.Background(), msgs)
	require.Len(t, out, 1)
	assert.Equal(t, msgs[2], out[0])
	assert.True(t, report.OverBudget)
}

func TestTruncateMessageCap(t *testing.T) {
	tr := &Truncator{MaxTokens: 100000, MaxMessages: 5, KeepRecent: 10}
	msgs := fiftyTokenHistory(8)

	out, report := tr.Truncate(context.Background(), msgs)
	require.Len(t, out, 5)
	assert.True(t, IsSummary(out[0]))
	assert.Equal(t, msgs[4:], out[1:])
	assert.Equal(t, 4, report.Summarized)
	assert.True(t, tr.Fits(out))
}

func TestTruncateSingleMessageCapSkipsSummary(t *testing.T) {
	tr := &Truncator{MaxTokens: 100000, MaxMessages: 1, KeepRecent: 10}
	msgs := fiftyTokenHistory(4)

	out, report := tr.Truncate(context.Background(), msgs)
	require.Len(t, out, 1)
	assert.Equal(t, msgs[3], out[0])
	assert.False(t, report.SummaryAdded)
	assert.Equal(t, 3, report.Summarized)
	assert.True(t, tr.Fits(out))
}

func TestTruncateSummaryFallback(t *testing.T) {
	failing := &failingSummarizer{}
	tr := &Truncator{MaxTokens: 1000, KeepRecent: 10, Summarizer: failing}

	out, report := tr.Truncate(context.Background(), fiftyTokenHistory(40))
	assert.Equal(t, 1, failing.calls)
	assert.Error(t, report.SummaryErr)
	require.True(t, report.SummaryAdded)
	assert.Contains(t, out[0].Content, "Previous conversation had 30 messages.")
}

func TestTruncateFoldsEarlierSummaries(t *testing.T) {
	tr := &Truncator{MaxTokens: 1000, KeepRecent: 10}
	first, _ := tr.Truncate(context.Background(), fiftyTokenHistory(40))
	require.True(t, IsSummary(first[0]))

	grown := append(append([]pkg.Message(nil), first...), fiftyTokenHistory(30)...)
	second, report := tr.Truncate(context.Background(), grown)
	require.True(t, report.SummaryAdded)
	assert.True(t, IsSummary(second[0]))
	assert.Equal(t, "60", second[0].Metadata["summarized"])
	assert.Contains(t, second[0].Content, "Earlier context: ")
	for _, m := range second[1:] {
		assert.False(t, IsSummary(m))
	}
}

func TestTruncateTokenBoundProperty(t *testing.T) {
	roles := []pkg.Role{pkg.RoleUser, pkg.RoleAssistant, pkg.RoleSystem}
	for n := 1; n <= 60; n += 7 {
		msgs := make([]pkg.Message, n)
		for i := range msgs {
			msgs[i] = pkg.Message{
				Role:      roles[i%3],
				Content:   strings.Repeat("word ", (i*37)%90+1),
				CreatedAt: t0.Add(time.Duration(i) * time.Second),
			}
		}
		largest := 0
		for _, m := range msgs {
			largest = max(largest, MessageTokens(m))
		}
		for _, budget := range []int{largest, largest + 25, 400, 1000, 8000} {
			if budget < largest {
				continue
			}
			tr := &Truncator{MaxTokens: budget, KeepRecent: 10}
			out, report := tr.Truncate(context.Background(), msgs)
			name := fmt.Sprintf("n=%d budget=%d", n, budget)

			assert.LessOrEqual(t, CalculateHistoryTokens(out), budget, name)
			assert.False(t, report.OverBudget, name)
			require.NotEmpty(t, out, name)
			assert.Equal(t, msgs[n-1], out[len(out)-1], name)

			// chronological: summary first, then the tail of the input in order
			verbatim := out
			if IsSummary(out[0]) && report.SummaryAdded {
				verbatim = out[1:]
			}
			assert.Equal(t, msgs[n-len(verbatim):], verbatim, name)
		}
	}
}

func TestExtractKeyInformation(t *testing.T) {
	msgs := []pkg.Message{
		{Role: pkg.RoleUser, Content: "My doctor gave me a prescription Metformin. I prefer mornings."},
		{Role: pkg.RoleUser, Content: "I'm on SGT. I need to see her at the appointment tomorrow."},
		{Role: pkg.RoleAssistant, Content: "Noted. The best time is morning."},
		{Role: pkg.RoleSystem, Content: SummaryPrefix + "prescription Ignored"},
	}
	info := ExtractKeyInformation(msgs)
	assert.Equal(t, []string{"Metformin"}, info.Medications)
	assert.Equal(t, []string{"SGT"}, info.Timezones)
	assert.Contains(t, info.Preferences, "I prefer mornings")
	assert.ElementsMatch(t, []string{"appointment", "tomorrow"}, info.ImportantDates)
	assert.Contains(t, info.ActionItems, "I need to see her at the appointment tomorrow")
}

func TestExtractiveSummary(t *testing.T) {
	assert.Equal(t, "No previous conversation history.", extractiveSummary(nil))

	msgs := []pkg.Message{
		{Role: pkg.RoleUser, Content: "Please add the prescription Amlodipine"},
		{Role: pkg.RoleAssistant, Content: strings.Repeat("long ", 40)},
	}
	s := extractiveSummary(msgs)
	assert.Contains(t, s, "Previous conversation had 2 messages.")
	assert.Contains(t, s, "Discussed medications: Amlodipine")
	assert.Contains(t, s, "Recent conversation context:")
	assert.Contains(t, s, "User: Please add the prescription Amlodipine")
	assert.Contains(t, s, "...")
}
