// Package phonetic corrects misrecognised participant names in transcribed
// text using Double Metaphone phonetic encoding combined with Jaro-Winkler
// string similarity.
//
// Matching proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each word of the input and of every participant name. A name whose
//     codes overlap with the input's becomes a phonetic candidate.
//
//  2. Jaro-Winkler ranking: among phonetic candidates, the name with the
//     highest similarity wins if its score reaches the phonetic threshold.
//     Without a phonetic candidate, pure Jaro-Winkler similarity is tested
//     against a stricter fuzzy threshold.
//
// Multi-word names ("Mary Ann") are matched against word n-grams; the
// longest matching window wins.
package phonetic

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.90

	// shorter words collide phonetically with too many names
	minWordLength = 3
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically matched name to be accepted. Default: 0.80.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found. Default: 0.90.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher is a phonetic name matcher. It is read-only after construction
// and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a new [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Correction records one replaced span.
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
}

type name struct {
	display string
	lower   string
	tokens  []string
	codes   map[string]struct{}
}

// Names is a precomputed set of participant names.
type Names struct {
	names    []name
	maxWords int
}

// Prepare computes the phonetic codes of names once so they can be matched
// against many words.
func Prepare(names []string) *Names {
	ns := &Names{}
	for _, n := range names {
		lower := strings.ToLower(strings.TrimSpace(n))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		ns.names = append(ns.names, name{
			display: strings.TrimSpace(n),
			lower:   lower,
			tokens:  tokens,
			codes:   codesForTokens(tokens),
		})
		ns.maxWords = max(ns.maxWords, len(tokens))
	}
	return ns
}

// Len returns the number of names in the set.
func (ns *Names) Len() int { return len(ns.names) }

// Match finds the name most similar to word, which may be a single word or
// a space-separated phrase. When matched is false, corrected equals word
// and confidence is 0.
func (m *Matcher) Match(word string, ns *Names) (corrected string, confidence float64, matched bool) {
	wordLower := strings.ToLower(strings.TrimSpace(word))
	if ns == nil || len(ns.names) == 0 || len([]rune(wordLower)) < minWordLength {
		return word, 0, false
	}
	wordTokens := strings.Fields(wordLower)
	inputCodes := codesForTokens(wordTokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, n := range ns.names {
		if len(wordTokens) > len(n.tokens) {
			// a longer phrase would swallow neighbouring words
			continue
		}
		score := bestJWScore(wordTokens, n.tokens, wordLower, n.lower)
		if codesOverlap(inputCodes, n.codes) {
			if score >= m.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = n.display, score, true
			}
		} else if !bestPhonetic && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = n.display, score
		}
	}
	if best == "" {
		return word, 0, false
	}
	return best, bestScore, true
}

// Correct replaces spans of text that sound like a participant name with
// the name's spelling. Punctuation around words is kept. Spans already
// spelled exactly like the name are left alone and not reported.
func (m *Matcher) Correct(text string, ns *Names) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 || ns == nil || ns.maxWords == 0 {
		return text, nil
	}

	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(tokens); {
		maxN := min(ns.maxWords, len(tokens)-i)
		matched := false
		for n := maxN; n >= 1; n-- {
			lead, _, _ := splitPunct(tokens[i])
			_, _, trail := splitPunct(tokens[i+n-1])
			window := windowText(tokens[i : i+n])
			entity, conf, ok := m.Match(window, ns)
			if !ok {
				continue
			}
			out = append(out, lead+entity+trail)
			if window != entity {
				corrections = append(corrections, Correction{Original: window, Corrected: entity, Confidence: conf})
			}
			i += n
			matched = true
			break
		}
		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// windowText joins the cores of tokens, dropping surrounding punctuation.
func windowText(tokens []string) string {
	cores := make([]string, len(tokens))
	for i, t := range tokens {
		_, cores[i], _ = splitPunct(t)
	}
	return strings.Join(cores, " ")
}

// splitPunct splits a token into leading punctuation, word and trailing
// punctuation.
func splitPunct(tok string) (lead, core, trail string) {
	isWord := func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }
	start := strings.IndexFunc(tok, isWord)
	if start < 0 {
		return tok, "", ""
	}
	last := strings.LastIndexFunc(tok, isWord)
	_, size := utf8.DecodeRuneInString(tok[last:])
	end := last + size
	return tok[:start], tok[start:end], tok[end:]
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the highest Jaro-Winkler similarity over the full strings,
// the space-stripped strings and, for equally long phrases, every
// positional token pair.
func bestJWScore(inputTokens, nameTokens []string, inputFull, nameFull string) float64 {
	score := matchr.JaroWinkler(inputFull, nameFull, false)

	if len(inputTokens) > 1 || len(nameTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(inputTokens, ""), strings.Join(nameTokens, ""), false); s > score {
			score = s
		}
	}
	if len(inputTokens) != len(nameTokens) || len(inputTokens) < 2 {
		return score
	}
	// mean of positional pairs: "mary an" vs "mary ann"
	var sum float64
	for i := range inputTokens {
		sum += matchr.JaroWinkler(inputTokens[i], nameTokens[i], false)
	}
	if s := sum / float64(len(inputTokens)); s > score {
		score = s
	}
	return score
}
