package extraction

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// ErrNoDate is returned for blank date strings.
var ErrNoDate = errors.New("no date")

// Month names used by the non-English storefronts, mapped to English so
// dateparse can read them.
var monthNames = map[string]string{
	"janvier": "January", "février": "February", "fevrier": "February", "mars": "March",
	"avril": "April", "mai": "May", "juin": "June", "juillet": "July", "août": "August",
	"aout": "August", "septembre": "September", "octobre": "October", "novembre": "November",
	"décembre": "December", "decembre": "December",
	"januar": "January", "februar": "February", "märz": "March", "maerz": "March",
	"juni": "June", "juli": "July", "oktober": "October", "dezember": "December",
	"enero": "January", "febrero": "February", "marzo": "March", "abril": "April",
	"mayo": "May", "junio": "June", "julio": "July", "agosto": "August",
	"septiembre": "September", "setiembre": "September", "octubre": "October",
	"noviembre": "November", "diciembre": "December",
	"gennaio": "January", "febbraio": "February", "aprile": "April", "maggio": "May",
	"giugno": "June", "luglio": "July", "settembre": "September", "ottobre": "October",
	"dicembre": "December",
}

var (
	weekdayPrefix = regexp.MustCompile(`^(?i)(monday|tuesday|wednesday|thursday|friday|saturday|sunday),?\s+`)
	dayOfPrefix   = regexp.MustCompile(`(?i)\b(\d{1,2})\.?\s+(?:de\s+)?([[:alpha:]]+)\s+(?:de\s+)?(\d{4})\b`)
	wordPattern   = regexp.MustCompile(`[\p{L}]+`)
)

// ParseDate reads the human-readable dates found on order and payment pages,
// such as "3 March 2024", "March 3, 2024", "Monday, 3 March 2024",
// "3. März 2024" or "3 de marzo de 2024". Results are in UTC.
func ParseDate(raw string) (time.Time, error) {
	s := normalizeDate(raw)
	if s == "" {
		return time.Time{}, ErrNoDate
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", raw, err)
	}
	return t.UTC(), nil
}

func normalizeDate(raw string) string {
	s := Squash(raw)
	s = weekdayPrefix.ReplaceAllString(s, "")
	s = wordPattern.ReplaceAllStringFunc(s, func(w string) string {
		if en, ok := monthNames[strings.ToLower(w)]; ok {
			return en
		}
		return w
	})
	if m := dayOfPrefix.FindStringSubmatch(s); m != nil {
		s = m[1] + " " + m[2] + " " + m[3]
	}
	return s
}

// ISODate renders t as YYYY-MM-DD, or "" for the zero time.
func ISODate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.DateOnly)
}
