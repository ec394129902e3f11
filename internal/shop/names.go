package shop

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var stripMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slug derives an item id: accents stripped, lowercase, non-alphanumeric runs collapsed to "_".
func Slug(name string) string {
	s, _, err := transform.String(stripMarks, name)
	if err != nil {
		s = name
	}
	s = strings.ToLower(s)

	var b strings.Builder
	pendingSep := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

var folder = cases.Fold()

// FoldName is the identity key used for case-insensitive weather matching.
func FoldName(name string) string {
	return folder.String(strings.TrimSpace(name))
}

// IsProperlyCapitalized reports a display name whose first letter is upper case and
// whose remaining letters are all lower case ("Rain", not "RAIN" or "rain").
func IsProperlyCapitalized(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	first := true
	for _, r := range name {
		if !unicode.IsLetter(r) {
			if first {
				return false
			}
			continue
		}
		if first {
			if !unicode.IsUpper(r) {
				return false
			}
			first = false
			continue
		}
		if unicode.IsUpper(r) {
			return false
		}
	}
	return !first
}

// NextScheduledUpdate rounds now up to the next multiple of interval measured from the
// Unix epoch, so every producer agrees on absolute refresh boundaries.
func NextScheduledUpdate(now time.Time, intervalMinutes int) time.Time {
	if intervalMinutes <= 0 {
		return time.Time{}
	}
	step := int64(intervalMinutes) * 60
	sec := now.Unix()
	next := (sec/step + 1) * step
	return time.Unix(next, 0).UTC()
}
