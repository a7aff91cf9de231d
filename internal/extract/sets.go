package extract

import (
	"sort"
	"strings"
)

type emailSet map[string]struct{}

func newEmailSet() emailSet {
	return make(emailSet)
}

func (s emailSet) add(raw string) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" || looksLikeImage(email) {
		return
	}
	s[email] = struct{}{}
}

func (s emailSet) sorted() []string {
	return sortedKeys(s)
}

// looksLikeImage catches retina asset names such as logo@2x.png that match the
// email pattern.
func looksLikeImage(email string) bool {
	for _, suffix := range imageSuffixes {
		if strings.HasSuffix(email, suffix) {
			return true
		}
	}
	return false
}

// phoneSet keeps the first textual form seen for each normalized number.
type phoneSet map[string]string

func newPhoneSet() phoneSet {
	return make(phoneSet)
}

func (s phoneSet) add(raw string) {
	display := strings.TrimSpace(raw)
	if !ValidPhone(display) {
		return
	}
	key := phoneKey(display)
	if _, ok := s[key]; ok {
		return
	}
	s[key] = display
}

// ValidPhone reports whether raw is a whole phone number: either the display
// form matched in page text or a compact E.164 number.
func ValidPhone(raw string) bool {
	raw = strings.TrimSpace(raw)
	if !phoneFullPattern.MatchString(raw) && !e164Pattern.MatchString(raw) {
		return false
	}
	digits := strings.TrimPrefix(NormalizePhone(raw), "+")
	return len(digits) >= minPhoneDigits && len(digits) <= maxPhoneDigits
}

// phoneKey is the dedupe key of a phone number. NANP numbers written with and
// without the +1 country code share a key.
func phoneKey(raw string) string {
	digits := strings.TrimPrefix(NormalizePhone(raw), "+")
	if len(digits) == 11 && digits[0] == '1' {
		return digits[1:]
	}
	return digits
}

func (s phoneSet) sorted() []string {
	out := make([]string, 0, len(s))
	for _, display := range s {
		out = append(out, display)
	}
	sort.Strings(out)
	return out
}

// NormalizePhone reduces a phone number to its digits, keeping a leading "+".
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	if strings.HasPrefix(raw, "+") {
		b.WriteByte('+')
	}
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
