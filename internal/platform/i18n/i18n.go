// Package i18n resolves the language used for user-facing text.
package i18n

import (
	"net/http"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// LangParam is the query parameter that overrides Accept-Language.
const LangParam = "lang"

var (
	supported = []language.Tag{language.AmericanEnglish, language.Korean}
	matcher   = language.NewMatcher(supported)
)

// SupportedTags returns the languages with translated catalogs.
func SupportedTags() []language.Tag {
	out := make([]language.Tag, len(supported))
	copy(out, supported)
	return out
}

// DefaultTag is used when nothing better matches.
func DefaultTag() language.Tag {
	return supported[0]
}

// ParseTag parses value and reports whether it maps onto a supported tag.
func ParseTag(value string) (language.Tag, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultTag(), false
	}
	tag, err := language.Parse(value)
	if err != nil {
		return DefaultTag(), false
	}
	matched, _, confidence := matcher.Match(tag)
	if confidence == language.No {
		return DefaultTag(), false
	}
	return base(matched), true
}

// MatchTags picks the best supported tag for a preference list.
func MatchTags(tags []language.Tag) language.Tag {
	if len(tags) == 0 {
		return DefaultTag()
	}
	matched, _, confidence := matcher.Match(tags...)
	if confidence == language.No {
		return DefaultTag()
	}
	return base(matched)
}

// ResolveTag picks the language for a request: the lang query parameter
// first, then Accept-Language, then the default.
func ResolveTag(r *http.Request) language.Tag {
	if r == nil {
		return DefaultTag()
	}
	if r.URL != nil {
		if tag, ok := ParseTag(r.URL.Query().Get(LangParam)); ok {
			return tag
		}
	}
	if accept := strings.TrimSpace(r.Header.Get("Accept-Language")); accept != "" {
		if tags, _, err := language.ParseAcceptLanguage(accept); err == nil {
			return MatchTags(tags)
		}
	}
	return DefaultTag()
}

// Printer returns a message printer for tag.
func Printer(tag language.Tag) *message.Printer {
	return message.NewPrinter(tag)
}

// base strips the -u-rg extension the matcher adds so catalog lookups hit
// the registered tag exactly.
func base(matched language.Tag) language.Tag {
	for _, tag := range supported {
		b1, _ := tag.Base()
		b2, _ := matched.Base()
		if b1 == b2 {
			return tag
		}
	}
	return DefaultTag()
}
