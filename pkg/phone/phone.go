// Package phone canonicalizes phone numbers for use as identity keys.
//
// Every subsystem that stores or compares a phone number (the modem
// controller, the CRM lead store, the SMS router) goes through [Normalize]
// first, so a number dialed as "+1 (702) 555-1234" and a caller ID reported
// as "7025551234" resolve to the same key.
package phone

import "strings"

// Number is a canonical phone number: decimal digits only, with the US
// country code prefix applied to bare 10-digit numbers. Equality on Number
// is digit-string equality.
type Number string

// Normalize strips every non-digit rune from raw and prefixes "1" when the
// result is a bare 10-digit US number. Normalize is idempotent: applying it
// to its own output returns the same Number.
func Normalize(raw string) Number {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 10 {
		digits = "1" + digits
	}
	return Number(digits)
}

// Same reports whether two raw phone strings canonicalize to the same number.
func Same(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// String returns the canonical digit string.
func (n Number) String() string { return string(n) }

// IsValid reports whether the number has enough digits to dial. Seven covers
// the shortest local formats; anything below that is a fragment.
func (n Number) IsValid() bool { return len(n) >= 7 }

// Display renders the number for human-facing text. US numbers come out as
// "+1 (702) 555-1234"; anything else is returned with a bare "+" prefix.
func (n Number) Display() string {
	s := string(n)
	if len(s) == 11 && s[0] == '1' {
		return "+1 (" + s[1:4] + ") " + s[4:7] + "-" + s[7:]
	}
	if s == "" {
		return ""
	}
	return "+" + s
}
