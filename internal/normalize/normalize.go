// Package normalize canonicalizes Arabic-script text so that orthographic
// variants of the same word index and query identically.
//
// Stages run in a fixed order and each one can be disabled through Options:
//
//  1. tatweel (U+0640) removal
//  2. diacritic removal (U+064B..U+0652, U+0670)
//  3. a single-pass character map folding alef, hamza seats, ta marbuta
//     and the Arabic/Persian kaf and ya pair
//  4. whitespace collapse and trim (always on)
//
// Normalize is idempotent: Normalize(Normalize(s)) == Normalize(s).
package normalize

import (
	"strings"
	"unicode"
)

const tatweel = '\u0640'

// Options toggles normalization stages. The zero value only collapses whitespace.
type Options struct {
	Version                    string
	RemoveTatweel              bool
	RemoveDiacritics           bool
	NormalizeAlefVariants      bool
	NormalizePersianKafYa      bool
	NormalizeHamzaConservative bool
}

// DefaultOptions enables every stage.
func DefaultOptions() Options {
	return Options{
		Version:                    "unknown",
		RemoveTatweel:              true,
		RemoveDiacritics:           true,
		NormalizeAlefVariants:      true,
		NormalizePersianKafYa:      true,
		NormalizeHamzaConservative: true,
	}
}

// charMap is the substitution table closed under itself: ى and ئ land on
// the Persian ya directly because the Arabic ya they fold to is itself
// folded. One lookup per rune therefore reaches the fixed point.
var charMap = map[rune]rune{
	'\u0671': '\u0627', // ٱ
	'\u0623': '\u0627', // أ
	'\u0625': '\u0627', // إ
	'\u0622': '\u0627', // آ
	'\u0649': '\u06CC', // ى
	'\u0629': '\u0647', // ة
	'\u0624': '\u0648', // ؤ
	'\u0626': '\u06CC', // ئ
	'\u0643': '\u06A9', // ك
	'\u064A': '\u06CC', // ي
}

// Normalizer applies a fixed set of stages. It is safe for concurrent use.
type Normalizer struct {
	opts Options
}

// New creates a Normalizer with the given options.
func New(opts Options) *Normalizer {
	if opts.Version == "" {
		opts.Version = "unknown"
	}
	return &Normalizer{opts: opts}
}

// Version returns the ruleset version reported in response traces.
func (n *Normalizer) Version() string {
	return n.opts.Version
}

// Options returns a copy of the configured options.
func (n *Normalizer) Options() Options {
	return n.opts
}

func (n *Normalizer) mapsChars() bool {
	return n.opts.NormalizeAlefVariants || n.opts.NormalizePersianKafYa || n.opts.NormalizeHamzaConservative
}

// Normalize returns the canonical form of text.
func (n *Normalizer) Normalize(text string) string {
	if text == "" {
		return ""
	}

	mapChars := n.mapsChars()
	var b strings.Builder
	b.Grow(len(text))

	// Whitespace is collapsed in the same pass; pending records a run seen
	// after non-space output.
	pending := false
	for _, r := range text {
		if n.opts.RemoveTatweel && r == tatweel {
			continue
		}
		if n.opts.RemoveDiacritics && IsDiacritic(r) {
			continue
		}
		if mapChars {
			if m, ok := charMap[r]; ok {
				r = m
			}
		}
		if unicode.IsSpace(r) {
			pending = b.Len() > 0
			continue
		}
		if pending {
			b.WriteByte(' ')
			pending = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsDiacritic reports whether r is an Arabic harakat mark or superscript alef.
func IsDiacritic(r rune) bool {
	return (r >= '\u064B' && r <= '\u0652') || r == '\u0670'
}
