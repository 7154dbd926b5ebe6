package processor

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ChuLiYu/voicequeue/pkg/types"
)

var numberPattern = regexp.MustCompile(`\b(\d+)\b`)

// Intent classifies command with the rules of language, first match wins.
func (t *Tables) Intent(command, language string) string {
	lower := strings.ToLower(command)
	for _, r := range t.patterns(language).rules {
		if !r.any.match(lower) {
			continue
		}
		if !r.with.empty() && !r.with.match(lower) {
			continue
		}
		return r.tag
	}
	return DefaultIntent
}

// Entities pulls course names, date phrases, numbers and subjects out of command.
// Extraction never fails; unmatched categories are empty.
func (t *Tables) Entities(command, language string) types.Entities {
	lang := t.patterns(language)
	e := types.Entities{
		Courses:  []string{},
		Dates:    []string{},
		Numbers:  []int{},
		Subjects: []string{},
	}

	if lang.course != nil {
		e.Courses = appendCaptures(e.Courses, lang.course, command)
	}
	if t.date != nil {
		e.Dates = appendCaptures(e.Dates, t.date, command)
	}
	for _, m := range numberPattern.FindAllStringSubmatch(command, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			e.Numbers = append(e.Numbers, n)
		}
	}
	if found := lang.subjects.found(strings.ToLower(command)); len(found) > 0 {
		e.Subjects = append(e.Subjects, found...)
	}
	return e
}

func appendCaptures(dst []string, re *regexp.Regexp, s string) []string {
	for _, m := range re.FindAllStringSubmatch(s, -1) {
		if len(m) < 2 {
			continue
		}
		if v := strings.TrimSpace(strings.TrimRight(m[1], " ,")); v != "" {
			dst = append(dst, v)
		}
	}
	return dst
}

// Confidence scores a model response.
//
//	< 10 characters       0.3
//	> 500 characters      0.8
//	uncertainty marker    0.6
//	confidence marker     0.9
//	otherwise             0.7
//
// Markers of every language are checked since the response language may differ from
// the command's.
func (t *Tables) Confidence(response string) float64 {
	n := utf8.RuneCountInString(response)
	switch {
	case n < 10:
		return 0.3
	case n > 500:
		return 0.8
	}

	lower := strings.ToLower(response)
	codes := t.codes()
	for _, code := range codes {
		if t.languages[code].uncertainty.match(lower) {
			return 0.6
		}
	}
	for _, code := range codes {
		if t.languages[code].confidence.match(lower) {
			return 0.9
		}
	}
	return 0.7
}

func (t *Tables) codes() []string {
	codes := make([]string, 0, len(t.languages))
	for code := range t.languages {
		codes = append(codes, code)
	}
	return codes
}
