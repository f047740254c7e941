package tts

import (
	"regexp"
	"strings"
)

// Normalize rewrites text into a form TTS engines speak naturally over a
// phone line. The passes are ordered: card and phone numbers first (so the
// later digit rules never see them), then currency, percentages, times and
// ranges, then abbreviations and symbols. The result is deterministic; the
// same input always yields the same output.
//
// Empty or whitespace-only input returns the empty string.
func Normalize(text string) string {
	s := strings.TrimSpace(text)
	if s == "" {
		return ""
	}
	s = cardRe.ReplaceAllStringFunc(s, speakCard)
	s = phoneRe.ReplaceAllStringFunc(s, speakPhone)
	s = currencyRe.ReplaceAllStringFunc(s, speakCurrency)
	s = percentRe.ReplaceAllString(s, "$1 percent")
	s = timeRe.ReplaceAllStringFunc(s, speakTime)
	s = rangeRe.ReplaceAllString(s, "$1 to $2")
	for _, a := range abbreviations {
		s = a.re.ReplaceAllString(s, a.spoken)
	}
	s = strings.ReplaceAll(s, "&", " and ")
	s = strings.ReplaceAll(s, "@", " at ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

var (
	// cardRe matches 16-digit card numbers, contiguous or in groups of four.
	cardRe = regexp.MustCompile(`\b(?:\d{4}[-. ]){3}\d{4}\b|\b\d{16}\b`)

	// phoneRe matches common written forms of US numbers: parenthesised area
	// code, separator-grouped, and bare 10 or 11 digit runs, each with an
	// optional +1 country prefix.
	phoneRe = regexp.MustCompile(
		`(?:\+?1[-. ]?)?\(\d{3}\) ?\d{3}[-. ]\d{4}\b` +
			`|(?:\+?1[-. ])?\b\d{3}[-. ]\d{3}[-. ]\d{4}\b` +
			`|\b1?\d{10}\b`)

	currencyRe = regexp.MustCompile(`\$(\d{1,3}(?:,\d{3})*|\d+)(?:\.(\d\d))?\b`)
	percentRe  = regexp.MustCompile(`\b(\d+(?:\.\d+)?)%`)
	timeRe     = regexp.MustCompile(`(?i)\b(\d{1,2}):(\d{2})( ?[ap]\.?m\.?)?\b`)
	rangeRe    = regexp.MustCompile(`\b(\d+) ?- ?(\d+)\b`)
	spaceRe    = regexp.MustCompile(`\s+`)
)

var abbreviations = []struct {
	re     *regexp.Regexp
	spoken string
}{
	{regexp.MustCompile(`\bDr\.`), "Doctor "},
	{regexp.MustCompile(`\bMr\.`), "Mister "},
	{regexp.MustCompile(`\bMrs\.`), "Missus "},
	{regexp.MustCompile(`\bMs\.`), "Miz "},
	{regexp.MustCompile(`\bSt\.`), "Street "},
	{regexp.MustCompile(`\bAve\.`), "Avenue "},
	{regexp.MustCompile(`\bBlvd\.`), "Boulevard "},
	{regexp.MustCompile(`\betc\.`), "et cetera "},
	{regexp.MustCompile(`\be\.g\.`), "for example "},
	{regexp.MustCompile(`\bi\.e\.`), "that is "},
}

var digitWords = [10]string{
	"zero", "one", "two", "three", "four",
	"five", "six", "seven", "eight", "nine",
}

// spellDigits spaces out each digit as its word: "702" → "seven zero two".
func spellDigits(digits string) string {
	words := make([]string, 0, len(digits))
	for _, r := range digits {
		if r >= '0' && r <= '9' {
			words = append(words, digitWords[r-'0'])
		}
	}
	return strings.Join(words, " ")
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// speakPhone reads a US number digit by digit in 3-3-4 groups, the commas
// giving the TTS engine natural pauses. An 11-digit number drops its leading
// country code; nobody says "one" before an area code.
func speakPhone(match string) string {
	digits := onlyDigits(match)
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) != 10 {
		return match
	}
	return spellDigits(digits[0:3]) + ", " + spellDigits(digits[3:6]) + ", " + spellDigits(digits[6:10])
}

// speakCard reads a 16-digit card number in groups of four.
func speakCard(match string) string {
	digits := onlyDigits(match)
	if len(digits) != 16 {
		return match
	}
	groups := make([]string, 4)
	for i := range groups {
		groups[i] = spellDigits(digits[i*4 : i*4+4])
	}
	return strings.Join(groups, ", ")
}

// speakCurrency turns "$5.50" into "5 dollars and 50 cents", with singular
// forms for exactly one dollar or cent.
func speakCurrency(match string) string {
	m := currencyRe.FindStringSubmatch(match)
	if m == nil {
		return match
	}
	dollars, cents := m[1], m[2]
	unit := "dollars"
	if onlyDigits(dollars) == "1" {
		unit = "dollar"
	}
	out := dollars + " " + unit
	if cents != "" && cents != "00" {
		c := strings.TrimPrefix(cents, "0")
		centUnit := "cents"
		if c == "1" {
			centUnit = "cent"
		}
		out += " and " + c + " " + centUnit
	}
	return out
}

// speakTime removes the colon TTS engines stumble over: "3:45pm" becomes
// "3 45 PM", "9:00" becomes "9 o'clock", "3:05" becomes "3 oh 5".
func speakTime(match string) string {
	m := timeRe.FindStringSubmatch(match)
	if m == nil {
		return match
	}
	hour, minute, suffix := m[1], m[2], m[3]
	var spoken string
	switch {
	case minute == "00":
		spoken = hour + " o'clock"
	case minute[0] == '0':
		spoken = hour + " oh " + minute[1:]
	default:
		spoken = hour + " " + minute
	}
	if suffix != "" {
		if strings.Contains(strings.ToLower(suffix), "a") {
			spoken += " AM"
		} else {
			spoken += " PM"
		}
	}
	return spoken
}
