// Package contextwindow bounds the amount of historical text handed to a
// model call. It keeps the most recent messages whole, truncates the first
// message that no longer fits, and drops everything older.
package contextwindow

import (
	"unicode/utf8"

	"github.com/devildev/api/internal/model"
)

const (
	// CharsPerToken is the fixed ratio used by EstimateTokens.
	CharsPerToken = 4

	// truncateFill leaves headroom for the marker and for estimation error.
	truncateFill = 0.9

	// TruncationMarker is appended to a message cut to fit the budget.
	TruncationMarker = "\n...[truncated]"
)

// EstimateTokens returns ceil(len(s)/4). Only monotonicity and determinism
// matter, not agreement with any real tokenizer.
func EstimateTokens(s string) int {
	return (len(s) + CharsPerToken - 1) / CharsPerToken
}

// EstimateMessages sums EstimateTokens over message contents.
func EstimateMessages(messages []model.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content)
	}
	return total
}

// Fit returns the newest suffix of messages whose estimated cost is at most
// maxInputTokens. The first message (walking backwards) that does not fit
// whole is truncated instead of dropped; all older messages are dropped.
// Relative order is preserved and the input slice is not modified.
func Fit(messages []model.ChatMessage, maxInputTokens int) []model.ChatMessage {
	if maxInputTokens <= 0 || len(messages) == 0 {
		return nil
	}

	remaining := maxInputTokens
	start := len(messages)
	var partial *model.ChatMessage

	for i := len(messages) - 1; i >= 0; i-- {
		cost := EstimateTokens(messages[i].Content)
		if cost <= remaining {
			remaining -= cost
			start = i
			continue
		}
		if cut, ok := truncate(messages[i].Content, remaining); ok {
			partial = &model.ChatMessage{Role: messages[i].Role, Content: cut}
		}
		break
	}

	out := make([]model.ChatMessage, 0, len(messages)-start+1)
	if partial != nil {
		out = append(out, *partial)
	}
	out = append(out, messages[start:]...)
	return out
}

// FitText applies Fit to a single blob of text.
func FitText(text string, maxInputTokens int) string {
	fitted := Fit([]model.ChatMessage{{Role: model.RoleUser, Content: text}}, maxInputTokens)
	if len(fitted) == 0 {
		return ""
	}
	return fitted[0].Content
}

// truncate cuts content to floor(remainingTokens*4*0.9) bytes on a rune
// boundary and appends the marker. It reports false when nothing survives
// or when the result would not fit the remaining budget.
func truncate(content string, remainingTokens int) (string, bool) {
	if remainingTokens <= 0 {
		return "", false
	}
	limit := int(float64(remainingTokens*CharsPerToken) * truncateFill)
	if limit > len(content) {
		limit = len(content)
	}
	for limit > 0 && limit < len(content) && !utf8.RuneStart(content[limit]) {
		limit--
	}
	if limit <= 0 {
		return "", false
	}

	cut := content[:limit] + TruncationMarker
	if EstimateTokens(cut) > remainingTokens {
		// The marker can overflow very small budgets; keep the fragment bare.
		cut = content[:limit]
		if EstimateTokens(cut) > remainingTokens {
			return "", false
		}
	}
	return cut, true
}
