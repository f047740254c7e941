package convo

import (
	"regexp"
	"strings"

	"github.com/MrWong99/callyx/pkg/types"
)

// actionRe matches stage directions like *smiles warmly* that chat-tuned
// models sometimes emit despite instructions.
var actionRe = regexp.MustCompile(`\*[^*]*\*`)

// StripMarkers removes everything from a reply that must not reach the
// synthesizer: *action* stage directions, the transfer marker, and the
// objective-complete marker. Surrounding whitespace is collapsed.
func StripMarkers(text string) string {
	t := actionRe.ReplaceAllString(text, " ")
	t = strings.ReplaceAll(t, TransferMarker, " ")
	t = strings.ReplaceAll(t, ObjectiveCompleteMarker, " ")
	return strings.Join(strings.Fields(t), " ")
}

var (
	priceRe = regexp.MustCompile(`\$\s?\d[\d,]*(?:\.\d{2})?`)
	timeRe  = regexp.MustCompile(`(?i)\b\d{1,2}(?::\d{2})?\s?(?:am|pm)\b|\b\d{1,2}:\d{2}\b` +
		`|\b(?:today|tomorrow|monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	// Confirmation tokens are uppercase-and-digit codes of at least four
	// characters, anchored to a confirmation keyword so phone numbers and
	// prices nearby do not match.
	confirmRe = regexp.MustCompile(`(?:[Cc]onfirmation|[Rr]eference|[Bb]ooking)\s+` +
		`(?:number|code|#)?\s*(?:is\s+)?#?([A-Z0-9-]{4,})`)
)

// ExtractCollected pulls structured details out of conversation text with a
// regex pass: the first price (under "price"), the first time or date mention
// (under "schedule"), and the first confirmation code (under "confirmation").
// Keys without a match are absent.
func ExtractCollected(text string) map[string]string {
	out := make(map[string]string)
	if m := priceRe.FindString(text); m != "" {
		out["price"] = m
	}
	if m := timeRe.FindString(text); m != "" {
		out["schedule"] = m
	}
	if m := confirmRe.FindStringSubmatch(text); m != nil {
		out["confirmation"] = m[1]
	}
	return out
}

// transcriptText flattens a turn history for the collection pass.
func transcriptText(turns []types.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(t.Text)
		b.WriteByte('\n')
	}
	return b.String()
}
