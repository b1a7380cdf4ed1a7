package tags

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Slugify превращает строку в ASCII-slug.
//
// Шаги: NFKD-нормализация, отбрасывание всего не-ASCII, нижний регистр,
// удаление символов кроме [a-z0-9_], пробелов и дефисов, схлопывание
// пробелов и дефисов в один дефис, обрезка "-" и "_" по краям.
//
// Примеры:
//
//	Slugify("Hello World") → "hello-world"
//	Slugify("Café été")    → "cafe-ete"
//	Slugify("积分")         → ""
func Slugify(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.Predicate(func(r rune) bool {
		return r > unicode.MaxASCII
	})))
	ascii, _, err := transform.String(t, s)
	if err != nil {
		return ""
	}

	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(ascii) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
		case r == '-' || unicode.IsSpace(r):
			pendingDash = true
		}
	}
	return strings.Trim(b.String(), "-_")
}
