package tools

import (
	"fmt"
	"regexp"
	"strings"
)

const maxVoiceLength = 150

var categoryIDPattern = regexp.MustCompile(`CAT_[a-zA-Z0-9]+,?\s*`)

// FormatForVoice trims a data API answer down to something speakable:
// internal category ids are stripped and long answers are cut at a
// sentence or word boundary near the voice length limit.
func FormatForVoice(result string) string {
	cleaned := categoryIDPattern.ReplaceAllString(result, "")
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if len(cleaned) <= maxVoiceLength {
		return cleaned
	}

	if idx := strings.LastIndex(cleaned[:maxVoiceLength], ". "); idx > 0 {
		return cleaned[:idx+1]
	}
	truncated := strings.TrimSpace(cleaned[:maxVoiceLength])
	if idx := strings.LastIndex(truncated, " "); idx > 100 {
		truncated = truncated[:idx]
	}
	return truncated + "..."
}

// AnnotateResult wraps a formatted answer with markers telling the model
// the data is authoritative and must be used verbatim.
func AnnotateResult(dataType, query, formatted string) string {
	label := strings.ToUpper(dataType)
	return fmt.Sprintf(
		"OFFICIAL %s DATA: %s\n\nIMPORTANT: This is real %s information. Use this exact information to answer the customer's question about: %q. "+
			"Respond confidently using only the data above, in one or two sentences.",
		label, formatted, dataType, query,
	)
}

// FallbackUnavailable is spoken when a provider returned nothing usable.
func FallbackUnavailable(query string) string {
	return fmt.Sprintf("I'm having trouble accessing that information right now. Let me get someone who can help you with your question about %s.", query)
}

// FallbackGuidance is spoken when the model calls an unknown tool or the
// query does not fit the provider's domain.
const FallbackGuidance = "I can help you with menu items, store hours, and current promotions. What specific information would you like to know?"

// FallbackTechnicalDifficulty is spoken when delivering a real answer
// failed outright.
const FallbackTechnicalDifficulty = "I'm experiencing technical difficulties. Let me get someone who can help you right away."
