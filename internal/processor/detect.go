package processor

import (
	"strings"
	"unicode"
)

// urduLetters occur in Urdu but not in Arabic orthography.
var urduLetters = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x0679, Hi: 0x0679, Stride: 1}, // ٹ
		{Lo: 0x0688, Hi: 0x0688, Stride: 1}, // ڈ
		{Lo: 0x0691, Hi: 0x0691, Stride: 1}, // ڑ
		{Lo: 0x06BA, Hi: 0x06BA, Stride: 1}, // ں
		{Lo: 0x06BE, Hi: 0x06BE, Stride: 1}, // ھ
		{Lo: 0x06C1, Hi: 0x06C1, Stride: 1}, // ہ
		{Lo: 0x06D2, Hi: 0x06D3, Stride: 1}, // ے ۓ
		{Lo: 0x0750, Hi: 0x077F, Stride: 1}, // Arabic Supplement
	},
}

// scriptChecks run in order; the first script present in the text decides.
// Kana is checked before Han so Japanese mixing kanji and kana is not read as Chinese.
var scriptChecks = []struct {
	code   string
	tables []*unicode.RangeTable
}{
	{"ja", []*unicode.RangeTable{unicode.Hiragana, unicode.Katakana}},
	{"zh", []*unicode.RangeTable{unicode.Han}},
	{"ko", []*unicode.RangeTable{unicode.Hangul}},
	{"ar", []*unicode.RangeTable{unicode.Arabic}},
	{"hi", []*unicode.RangeTable{unicode.Devanagari}},
	{"bn", []*unicode.RangeTable{unicode.Bengali}},
	{"ru", []*unicode.RangeTable{unicode.Cyrillic}},
}

func detectScript(text string) string {
	for _, check := range scriptChecks {
		if !containsAny(text, check.tables...) {
			continue
		}
		if check.code == "ar" && containsAny(text, urduLetters) {
			return "ur"
		}
		return check.code
	}
	return ""
}

func containsAny(text string, tables ...*unicode.RangeTable) bool {
	for _, r := range text {
		if unicode.IsOneOf(tables, r) {
			return true
		}
	}
	return false
}

// Detect guesses the language of text. Script ranges decide first, then the language
// with the most keyword hits wins (ties go to the earlier language in detection order).
// Text with no signal is attributed to the default language.
func (t *Tables) Detect(text string) string {
	if code := detectScript(text); code != "" && t.Supported(code) {
		return code
	}

	lower := strings.ToLower(text)
	best, bestHits := "", 0
	for _, code := range t.order {
		if hits := t.languages[code].keywords.count(lower); hits > bestHits {
			best, bestHits = code, hits
		}
	}
	if best != "" {
		return best
	}
	return t.def
}
