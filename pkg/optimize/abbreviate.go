package optimize

import (
	"context"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kcaldas/tokenopt/pkg/request"
)

var abbreviations = map[string]string{
	"function":       "fn",
	"return":         "ret",
	"string":         "str",
	"number":         "num",
	"boolean":        "bool",
	"undefined":      "undef",
	"parameter":      "param",
	"argument":       "arg",
	"configuration":  "config",
	"implementation": "impl",
	"documentation":  "docs",
}

var abbreviationPattern = regexp.MustCompile(
	`(?i)\b(function|return|string|number|boolean|undefined|parameter|argument|configuration|implementation|documentation)\b`)

// abbreviateStrategy shortens common programming words in the task text.
// Context items are code and are left untouched.
type abbreviateStrategy struct{}

func (s *abbreviateStrategy) Name() StrategyType { return Abbreviate }

func (s *abbreviateStrategy) Apply(_ context.Context, req request.Request) (request.Request, []Diagnostic, error) {
	out := req.Clone()
	out.Task = abbreviate(out.Task)
	return out, nil, nil
}

func abbreviate(text string) string {
	return abbreviationPattern.ReplaceAllStringFunc(text, func(word string) string {
		short := abbreviations[strings.ToLower(word)]
		switch {
		case word == strings.ToUpper(word):
			return strings.ToUpper(short)
		case startsUpper(word):
			return strings.ToUpper(short[:1]) + short[1:]
		default:
			return short
		}
	})
}

func startsUpper(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsUpper(r)
}
