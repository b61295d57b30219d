// Package chunker splits evidence text into paragraph-aligned chunks.
package chunker

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxChars is the default upper bound on chunk length in characters.
const DefaultMaxChars = 1000

// DefaultOverlap is the overlap used when a single paragraph must be split.
const DefaultOverlap = 200

// Piece is one chunk of text with its position in the source.
type Piece struct {
	Index      int
	Content    string
	TokenCount int
}

// Chunker packs whole paragraphs into chunks of at most maxChars characters.
// A paragraph longer than maxChars falls back to fixed-size windows with
// overlap.
type Chunker struct {
	maxChars int
	overlap  int
}

// Option configures a Chunker.
type Option func(*Chunker)

func WithMaxChars(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.maxChars = n
		}
	}
}

func WithOverlap(n int) Option {
	return func(c *Chunker) {
		if n >= 0 {
			c.overlap = n
		}
	}
}

func New(opts ...Option) *Chunker {
	c := &Chunker{maxChars: DefaultMaxChars, overlap: DefaultOverlap}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlap >= c.maxChars {
		c.overlap = c.maxChars / 4
	}
	return c
}

// Normalize canonicalises line endings and trailing whitespace so that chunk
// contents are always substrings of the normalised text.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Paragraphs returns the non-empty blank-line separated blocks of text.
func Paragraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(Normalize(text), "\n\n") {
		if p = strings.Trim(p, "\n"); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Split chunks text. Empty text yields no pieces.
func (c *Chunker) Split(text string) []Piece {
	var contents []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			contents = append(contents, cur.String())
			cur.Reset()
		}
	}

	for _, para := range Paragraphs(text) {
		n := utf8.RuneCountInString(para)
		if n > c.maxChars {
			flush()
			contents = append(contents, c.window(para)...)
			continue
		}
		if cur.Len() > 0 && utf8.RuneCountInString(cur.String())+2+n > c.maxChars {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()

	pieces := make([]Piece, len(contents))
	for i, s := range contents {
		pieces[i] = Piece{Index: i, Content: s, TokenCount: EstimateTokens(s)}
	}
	return pieces
}

// window cuts s into maxChars-rune windows stepping by maxChars-overlap,
// preferring to end each window on whitespace.
func (c *Chunker) window(s string) []string {
	runes := []rune(s)
	step := c.maxChars - c.overlap
	if step <= 0 {
		step = c.maxChars
	}
	var out []string
	for start := 0; start < len(runes); {
		end := start + c.maxChars
		if end >= len(runes) {
			out = append(out, strings.TrimSpace(string(runes[start:])))
			break
		}
		// Back off to the last space in the second half of the window.
		for i := end; i > start+c.maxChars/2; i-- {
			if runes[i] == ' ' || runes[i] == '\n' {
				end = i
				break
			}
		}
		out = append(out, strings.TrimSpace(string(runes[start:end])))
		next := end - c.overlap
		if next <= start {
			next = start + step
		}
		start = next
	}
	return out
}

// EstimateTokens approximates a token count as one token per four characters.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
