package processor

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed languages.yaml
var embeddedLanguages []byte

// DefaultIntent is returned when no rule matches.
const DefaultIntent = "general_query"

var ErrUnsupportedLanguage = errors.New("unsupported language")

// LanguageInfo describes a supported language.
type LanguageInfo struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	NativeName string `json:"nativeName"`
}

type tableFile struct {
	Default        string                  `yaml:"default"`
	DetectionOrder []string                `yaml:"detection_order"`
	DatePattern    string                  `yaml:"date_pattern"`
	Languages      map[string]languageFile `yaml:"languages"`
}

type languageFile struct {
	Name          string     `yaml:"name"`
	NativeName    string     `yaml:"native_name"`
	WholeWords    bool       `yaml:"whole_words"`
	Keywords      []string   `yaml:"keywords"`
	CoursePattern string     `yaml:"course_pattern"`
	Subjects      []string   `yaml:"subjects"`
	Intents       []ruleFile `yaml:"intents"`
	Uncertainty   []string   `yaml:"uncertainty"`
	Confidence    []string   `yaml:"confidence"`
	Suggestions   []string   `yaml:"suggestions"`
}

type ruleFile struct {
	Tag  string   `yaml:"tag"`
	Any  []string `yaml:"any"`
	With []string `yaml:"with"`
}

// matcher finds keywords in lower-cased text, either as whole words or as substrings.
type matcher struct {
	words []string
	res   []*regexp.Regexp
}

func newMatcher(words []string, wholeWords bool) matcher {
	m := matcher{}
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		m.words = append(m.words, w)
		if wholeWords {
			m.res = append(m.res, regexp.MustCompile(`(?:^|[^\p{L}\p{N}])`+regexp.QuoteMeta(w)+`(?:$|[^\p{L}\p{N}])`))
		}
	}
	return m
}

func (m matcher) empty() bool { return len(m.words) == 0 }

func (m matcher) matchAt(i int, lower string) bool {
	if m.res != nil {
		return m.res[i].MatchString(lower)
	}
	return strings.Contains(lower, m.words[i])
}

func (m matcher) match(lower string) bool {
	for i := range m.words {
		if m.matchAt(i, lower) {
			return true
		}
	}
	return false
}

// count returns how many distinct keywords occur in lower.
func (m matcher) count(lower string) int {
	n := 0
	for i := range m.words {
		if m.matchAt(i, lower) {
			n++
		}
	}
	return n
}

// found returns the keywords that occur in lower, in table order.
func (m matcher) found(lower string) []string {
	var out []string
	for i, w := range m.words {
		if m.matchAt(i, lower) {
			out = append(out, w)
		}
	}
	return out
}

type rule struct {
	tag  string
	any  matcher
	with matcher
}

// Language is the compiled pattern table of one language.
type Language struct {
	Info        LanguageInfo
	keywords    matcher
	rules       []rule
	course      *regexp.Regexp
	subjects    matcher
	uncertainty matcher
	confidence  matcher
	suggestions []string
}

// Tables is an immutable, compiled set of language tables.
type Tables struct {
	def       string
	order     []string
	date      *regexp.Regexp
	languages map[string]*Language
}

// ParseTables compiles a language table document.
func ParseTables(data []byte) (*Tables, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse language tables: %w", err)
	}
	return compile(f)
}

// LoadTables returns the embedded tables, with languages from overridePath replacing
// the embedded entry of the same code. An empty path loads the embedded tables only.
func LoadTables(overridePath string) (*Tables, error) {
	var base tableFile
	if err := yaml.Unmarshal(embeddedLanguages, &base); err != nil {
		return nil, fmt.Errorf("parse embedded language tables: %w", err)
	}
	if overridePath == "" {
		return compile(base)
	}

	raw, err := os.ReadFile(overridePath)
	if err != nil {
		return nil, fmt.Errorf("read language override: %w", err)
	}
	var override tableFile
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return nil, fmt.Errorf("parse language override %s: %w", overridePath, err)
	}
	if override.Default != "" {
		base.Default = override.Default
	}
	if len(override.DetectionOrder) > 0 {
		base.DetectionOrder = override.DetectionOrder
	}
	if override.DatePattern != "" {
		base.DatePattern = override.DatePattern
	}
	for code, lang := range override.Languages {
		base.Languages[code] = lang
	}
	return compile(base)
}

func compile(f tableFile) (*Tables, error) {
	if f.Default == "" {
		f.Default = "en"
	}
	if _, ok := f.Languages[f.Default]; !ok {
		return nil, fmt.Errorf("%w: default %q has no table", ErrUnsupportedLanguage, f.Default)
	}

	t := &Tables{
		def:       f.Default,
		languages: make(map[string]*Language, len(f.Languages)),
	}
	if f.DatePattern != "" {
		re, err := regexp.Compile(f.DatePattern)
		if err != nil {
			return nil, fmt.Errorf("date pattern: %w", err)
		}
		t.date = re
	}

	for code, lf := range f.Languages {
		lang := &Language{
			Info:        LanguageInfo{Code: code, Name: lf.Name, NativeName: lf.NativeName},
			keywords:    newMatcher(lf.Keywords, lf.WholeWords),
			subjects:    newMatcher(lf.Subjects, lf.WholeWords),
			uncertainty: newMatcher(lf.Uncertainty, lf.WholeWords),
			confidence:  newMatcher(lf.Confidence, lf.WholeWords),
			suggestions: lf.Suggestions,
		}
		if lang.Info.NativeName == "" {
			lang.Info.NativeName = lf.Name
		}
		if lf.CoursePattern != "" {
			re, err := regexp.Compile(lf.CoursePattern)
			if err != nil {
				return nil, fmt.Errorf("course pattern for %s: %w", code, err)
			}
			lang.course = re
		}
		for _, r := range lf.Intents {
			if r.Tag == "" {
				return nil, fmt.Errorf("intent rule without tag in %s", code)
			}
			rl := rule{tag: r.Tag, any: newMatcher(r.Any, lf.WholeWords)}
			if len(r.With) > 0 {
				rl.with = newMatcher(r.With, lf.WholeWords)
			}
			lang.rules = append(lang.rules, rl)
		}
		t.languages[code] = lang
	}

	for _, code := range f.DetectionOrder {
		if _, ok := t.languages[code]; ok {
			t.order = append(t.order, code)
		}
	}
	return t, nil
}

// Default is the base language code.
func (t *Tables) Default() string { return t.def }

// Supported reports whether code has a table.
func (t *Tables) Supported(code string) bool {
	_, ok := t.languages[code]
	return ok
}

// Info returns the description of code, or of the default language.
func (t *Tables) Info(code string) LanguageInfo {
	if l, ok := t.languages[code]; ok {
		return l.Info
	}
	return t.languages[t.def].Info
}

// patterns returns the table used for intent and entity extraction in code,
// falling back to the default language for codes without their own rules.
func (t *Tables) patterns(code string) *Language {
	if l, ok := t.languages[code]; ok && len(l.rules) > 0 {
		return l
	}
	return t.languages[t.def]
}

// Languages lists every supported language sorted by code.
func (t *Tables) Languages() []LanguageInfo {
	out := make([]LanguageInfo, 0, len(t.languages))
	for _, l := range t.languages {
		out = append(out, l.Info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Suggestions returns up to limit example commands for code.
func (t *Tables) Suggestions(code string, limit int) []string {
	l, ok := t.languages[code]
	if !ok || len(l.suggestions) == 0 {
		l = t.languages[t.def]
	}
	s := l.suggestions
	if limit > 0 && limit < len(s) {
		s = s[:limit]
	}
	return append([]string(nil), s...)
}
