package capture

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// phoneticThreshold is the minimum Jaro-Winkler score for a phonetic
// control-phrase match.
const phoneticThreshold = 0.80

// Phrases matches transcripts against the local stop commands. It is
// read-only after construction and safe for concurrent use.
type Phrases struct {
	phrases  []string
	tokens   [][]string
	phonetic bool
}

// NewPhrases builds a matcher for list. When phonetic is set, a phrase also
// matches a run of words that sounds like it.
func NewPhrases(list []string, phonetic bool) *Phrases {
	p := &Phrases{phonetic: phonetic}
	for _, s := range list {
		norm := normalize(s)
		if norm == "" {
			continue
		}
		p.phrases = append(p.phrases, norm)
		p.tokens = append(p.tokens, strings.Fields(norm))
	}
	return p
}

// Match returns the control phrase contained in text, if any.
func (p *Phrases) Match(text string) (string, bool) {
	if p == nil {
		return "", false
	}
	norm := normalize(text)
	if norm == "" {
		return "", false
	}
	for _, ph := range p.phrases {
		if strings.Contains(norm, ph) {
			return ph, true
		}
	}
	if !p.phonetic {
		return "", false
	}
	words := strings.Fields(norm)
	for i, ph := range p.phrases {
		if soundsLike(words, p.tokens[i]) {
			return ph, true
		}
	}
	return "", false
}

// soundsLike reports whether any window of words matches phrase word by
// word on Double Metaphone codes and, as a whole, on Jaro-Winkler.
func soundsLike(words, phrase []string) bool {
	n := len(phrase)
	for start := 0; start+n <= len(words); start++ {
		window := words[start : start+n]
		ok := true
		for j := range window {
			if !codesOverlap(window[j], phrase[j]) {
				ok = false
				break
			}
		}
		if ok && matchr.JaroWinkler(strings.Join(window, " "), strings.Join(phrase, " "), false) >= phoneticThreshold {
			return true
		}
	}
	return false
}

func codesOverlap(a, b string) bool {
	ap, as := matchr.DoubleMetaphone(a)
	bp, bs := matchr.DoubleMetaphone(b)
	for _, x := range []string{ap, as} {
		if x == "" {
			continue
		}
		if x == bp || x == bs {
			return true
		}
	}
	return false
}

// normalize lowercases s and turns everything but letters and digits into
// single spaces.
func normalize(s string) string {
	f := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	return strings.Join(f, " ")
}

// hasLetter reports whether s contains at least one letter in any script.
func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
