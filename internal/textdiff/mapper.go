// Package textdiff maps a line-level diff between two versions of a source
// onto the chunks cut from each version.
//
// Map is a pure function: given the same texts and chunk lists it always
// returns the same Result.
package textdiff

import (
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Kind classifies a chunk-level change.
type Kind string

const (
	Added    Kind = "added"
	Removed  Kind = "removed"
	Modified Kind = "modified"
)

// FallbackSimilarity is the minimum similarity for pairing chunks that do not
// share a diff region (for example a paragraph that moved and was edited).
const FallbackSimilarity = 0.5

// Chunk is the part of a stored chunk the mapper looks at.
type Chunk struct {
	ID      string
	Index   int
	Content string
}

// Diff is one emitted change. OldIndex and NewIndex are -1 when the side is absent.
type Diff struct {
	Kind       Kind
	OldChunkID string
	NewChunkID string
	OldIndex   int
	NewIndex   int
	Similarity *float64 // set for Modified only
	OldContent string
	NewContent string
}

// Pair links an old chunk to the new chunk with identical content.
type Pair struct {
	OldID string
	NewID string
}

// Result is the outcome of Map. Unchanged chunks appear only in Retained.
type Result struct {
	Diffs    []Diff
	Retained []Pair
}

// Counts tallies diffs by kind.
func (r Result) Counts() (added, removed, modified int) {
	for _, d := range r.Diffs {
		switch d.Kind {
		case Added:
			added++
		case Removed:
			removed++
		case Modified:
			modified++
		}
	}
	return
}

type span struct {
	start, end int
	ok         bool
}

// Map diffs oldText against newText and classifies every chunk.
//
// Chunks whose content is identical on both sides are retained. The rest are
// paired when their spans cover the same diff region, best similarity first
// and nearest index on ties; leftovers are paired by similarity alone above
// FallbackSimilarity. Anything still unpaired is removed (old) or added (new).
func Map(oldText, newText string, oldChunks, newChunks []Chunk) Result {
	oldChunks = sortedByIndex(oldChunks)
	newChunks = sortedByIndex(newChunks)

	var res Result
	usedOld := make([]bool, len(oldChunks))
	usedNew := make([]bool, len(newChunks))

	for _, p := range retain(oldChunks, newChunks) {
		usedOld[p[0]], usedNew[p[1]] = true, true
		res.Retained = append(res.Retained, Pair{OldID: oldChunks[p[0]].ID, NewID: newChunks[p[1]].ID})
	}

	align := newAlignment(oldText, newText)
	oldSpans := locate(oldText, oldChunks)
	newSpans := locate(newText, newChunks)

	var regional []candidate
	for i := range oldChunks {
		if usedOld[i] || !oldSpans[i].ok {
			continue
		}
		ps, pe := align.project(oldSpans[i].start), align.project(oldSpans[i].end)
		for j := range newChunks {
			if usedNew[j] || !newSpans[j].ok {
				continue
			}
			if overlaps(ps, pe, newSpans[j].start, newSpans[j].end) {
				regional = append(regional, newCandidate(oldChunks, newChunks, i, j))
			}
		}
	}
	modified := assign(regional, usedOld, usedNew, 0)

	var rest []candidate
	for i := range oldChunks {
		if usedOld[i] {
			continue
		}
		for j := range newChunks {
			if !usedNew[j] {
				rest = append(rest, newCandidate(oldChunks, newChunks, i, j))
			}
		}
	}
	modified = append(modified, assign(rest, usedOld, usedNew, FallbackSimilarity)...)

	for _, c := range modified {
		sim := c.sim
		res.Diffs = append(res.Diffs, Diff{
			Kind: Modified, OldChunkID: oldChunks[c.oi].ID, NewChunkID: newChunks[c.ni].ID,
			OldIndex: oldChunks[c.oi].Index, NewIndex: newChunks[c.ni].Index, Similarity: &sim,
			OldContent: oldChunks[c.oi].Content, NewContent: newChunks[c.ni].Content,
		})
	}
	for i, o := range oldChunks {
		if !usedOld[i] {
			res.Diffs = append(res.Diffs, Diff{Kind: Removed, OldChunkID: o.ID, OldIndex: o.Index, NewIndex: -1, OldContent: o.Content})
		}
	}
	for j, n := range newChunks {
		if !usedNew[j] {
			res.Diffs = append(res.Diffs, Diff{Kind: Added, NewChunkID: n.ID, OldIndex: -1, NewIndex: n.Index, NewContent: n.Content})
		}
	}

	rank := map[Kind]int{Modified: 0, Removed: 1, Added: 2}
	sort.SliceStable(res.Diffs, func(a, b int) bool {
		da, db := res.Diffs[a], res.Diffs[b]
		if rank[da.Kind] != rank[db.Kind] {
			return rank[da.Kind] < rank[db.Kind]
		}
		if da.OldIndex != db.OldIndex {
			return da.OldIndex < db.OldIndex
		}
		return da.NewIndex < db.NewIndex
	})
	return res
}

func sortedByIndex(in []Chunk) []Chunk {
	out := make([]Chunk, len(in))
	copy(out, in)
	sort.SliceStable(out, func(a, b int) bool { return out[a].Index < out[b].Index })
	return out
}

// retain pairs identical chunks: first along the longest common subsequence
// of chunk contents, then any remaining identical contents (moved paragraphs)
// nearest index first.
func retain(before, after []Chunk) [][2]int {
	n, m := len(before), len(after)
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if before[i].Content == after[j].Content {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	var pairs [][2]int
	usedOld := make([]bool, n)
	usedNew := make([]bool, m)
	for i, j := 0, 0; i < n && j < m; {
		switch {
		case before[i].Content == after[j].Content:
			pairs = append(pairs, [2]int{i, j})
			usedOld[i], usedNew[j] = true, true
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			i++
		default:
			j++
		}
	}

	for i := range before {
		if usedOld[i] {
			continue
		}
		best := -1
		for j := range after {
			if usedNew[j] || before[i].Content != after[j].Content {
				continue
			}
			if best < 0 || absInt(before[i].Index-after[j].Index) < absInt(before[i].Index-after[best].Index) {
				best = j
			}
		}
		if best >= 0 {
			pairs = append(pairs, [2]int{i, best})
			usedOld[i], usedNew[best] = true, true
		}
	}
	return pairs
}

// locate finds each chunk's byte span in text. Chunks are searched in index
// order from the previous chunk's start so overlapping windows resolve to
// their own occurrence.
func locate(text string, chunks []Chunk) []span {
	spans := make([]span, len(chunks))
	cursor := 0
	for i, c := range chunks {
		if c.Content == "" {
			continue
		}
		pos := -1
		if cursor <= len(text) {
			if k := strings.Index(text[cursor:], c.Content); k >= 0 {
				pos = cursor + k
			}
		}
		if pos < 0 {
			pos = strings.Index(text, c.Content)
		}
		if pos < 0 {
			continue
		}
		spans[i] = span{start: pos, end: pos + len(c.Content), ok: true}
		cursor = pos + 1
	}
	return spans
}

// overlaps reports whether a projected old span covers the same region as a
// new span. A zero-width projection (fully deleted text) counts when it falls
// inside or on the edge of the new span.
func overlaps(ps, pe, ns, ne int) bool {
	if ps == pe {
		return ns <= ps && ps <= ne
	}
	return ps < ne && ns < pe
}

type op struct {
	kind           diffmatchpatch.Operation
	oldStart, oldN int
	newStart, newN int
}

// alignment records the line diff as offset ranges in both texts.
type alignment struct {
	ops []op
}

func newAlignment(oldText, newText string) alignment {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	a, b, lines := dmp.DiffLinesToRunes(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMainRunes(a, b, false), lines)

	var al alignment
	o, n := 0, 0
	for _, d := range diffs {
		l := len(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			al.ops = append(al.ops, op{kind: d.Type, oldStart: o, oldN: l, newStart: n, newN: l})
			o += l
			n += l
		case diffmatchpatch.DiffDelete:
			al.ops = append(al.ops, op{kind: d.Type, oldStart: o, oldN: l, newStart: n})
			o += l
		case diffmatchpatch.DiffInsert:
			al.ops = append(al.ops, op{kind: d.Type, oldStart: o, newStart: n, newN: l})
			n += l
		}
	}
	return al
}

// project maps an offset in the old text to the new text. Offsets inside a
// deleted region collapse to the point where the deletion happened.
func (al alignment) project(x int) int {
	last := 0
	for _, o := range al.ops {
		switch o.kind {
		case diffmatchpatch.DiffEqual:
			if x >= o.oldStart && x < o.oldStart+o.oldN {
				return o.newStart + (x - o.oldStart)
			}
			last = o.newStart + o.newN
		case diffmatchpatch.DiffDelete:
			if x >= o.oldStart && x < o.oldStart+o.oldN {
				return o.newStart
			}
			last = o.newStart
		case diffmatchpatch.DiffInsert:
			last = o.newStart + o.newN
		}
	}
	return last
}

type candidate struct {
	oi, ni int
	sim    float64
	dist   int
}

func newCandidate(before, after []Chunk, i, j int) candidate {
	return candidate{
		oi:   i,
		ni:   j,
		sim:  Similarity(before[i].Content, after[j].Content),
		dist: absInt(before[i].Index - after[j].Index),
	}
}

// assign greedily pairs candidates, highest similarity first and nearest
// index on ties, skipping pairs below floor.
func assign(cands []candidate, usedOld, usedNew []bool, floor float64) []candidate {
	sort.SliceStable(cands, func(a, b int) bool {
		ca, cb := cands[a], cands[b]
		if ca.sim != cb.sim {
			return ca.sim > cb.sim
		}
		if ca.dist != cb.dist {
			return ca.dist < cb.dist
		}
		if ca.oi != cb.oi {
			return ca.oi < cb.oi
		}
		return ca.ni < cb.ni
	})
	var out []candidate
	for _, c := range cands {
		if usedOld[c.oi] || usedNew[c.ni] || c.sim < floor {
			continue
		}
		usedOld[c.oi], usedNew[c.ni] = true, true
		out = append(out, c)
	}
	return out
}

// Similarity is 1 - levenshtein(a, b) / max(len(a), len(b)) over runes.
// Two empty strings are identical.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	dist := dmp.DiffLevenshtein(dmp.DiffMain(a, b, false))
	return 1 - float64(dist)/float64(longest)
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
