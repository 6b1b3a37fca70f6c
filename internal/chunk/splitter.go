// Package chunk splits raw text into overlapping segments suitable for
// embedding.
//
// The splitter walks a priority-ordered separator list: it cuts on the
// highest-priority separator present, and any segment still larger than the
// chunk size recurses to the next separator. The empty separator means a hard
// cut at the chunk size. Adjacent chunks overlap so context at a boundary is
// not lost: the tail of chunk i reappears as the head of chunk i+1.
//
// Guarantees:
//   - no returned chunk is empty
//   - the concatenation of chunks, ignoring the overlap duplication,
//     reconstructs the input exactly
//   - no chunk is longer than chunkSize + overlap (measured in runes)
//   - identical input and configuration produce identical output
package chunk

import (
	"strings"
	"unicode/utf8"
)

// DefaultSeparators is the priority order used when none is given:
// paragraph, then line, then word, then hard character cut.
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

const (
	// DefaultChunkSize is the fallback segment size in runes.
	DefaultChunkSize = 2000

	// DefaultOverlap is the fallback number of runes shared between
	// adjacent chunks.
	DefaultOverlap = 200
)

// Splitter splits text recursively by separator priority.
// A Splitter is immutable after construction and safe for concurrent use.
type Splitter struct {
	chunkSize  int
	overlap    int
	separators []string
}

// New creates a Splitter. Non-positive chunkSize and negative overlap fall
// back to the defaults; overlap is clamped below chunkSize. An empty
// separator list means DefaultSeparators.
func New(chunkSize, overlap int, separators ...string) *Splitter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = DefaultOverlap
	}
	if overlap >= chunkSize {
		overlap = chunkSize - 1
	}
	if len(separators) == 0 {
		separators = DefaultSeparators
	}
	seps := make([]string, len(separators))
	copy(seps, separators)

	return &Splitter{
		chunkSize:  chunkSize,
		overlap:    overlap,
		separators: seps,
	}
}

// ChunkSize returns the configured maximum core segment size in runes.
func (s *Splitter) ChunkSize() int { return s.chunkSize }

// Overlap returns the configured overlap in runes.
func (s *Splitter) Overlap() int { return s.overlap }

// Split splits text into overlapping chunks. Empty input returns nil.
func (s *Splitter) Split(text string) []string {
	cores := s.segment(text, s.separators)
	if len(cores) == 0 {
		return nil
	}
	if s.overlap == 0 || len(cores) == 1 {
		return cores
	}

	out := make([]string, len(cores))
	out[0] = cores[0]
	for i := 1; i < len(cores); i++ {
		prev := []rune(cores[i-1])
		o := s.overlap
		if o > len(prev) {
			o = len(prev)
		}
		out[i] = string(prev[len(prev)-o:]) + cores[i]
	}
	return out
}

// segment produces a non-overlapping partition of text into segments of at
// most chunkSize runes, preferring cuts at the highest-priority separator.
func (s *Splitter) segment(text string, seps []string) []string {
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= s.chunkSize {
		return []string{text}
	}

	// Pick the highest-priority separator that actually occurs in the text.
	sep := ""
	var next []string
	found := false
	for i, cand := range seps {
		if cand == "" {
			break
		}
		if strings.Contains(text, cand) {
			sep = cand
			next = seps[i+1:]
			found = true
			break
		}
	}
	if !found {
		return s.hardCut(text)
	}

	// SplitAfter keeps the separator attached to the preceding piece, so the
	// concatenation of pieces is exactly the input.
	pieces := strings.SplitAfter(text, sep)

	var out []string
	var cur strings.Builder
	curLen := 0
	for _, p := range pieces {
		if p == "" {
			continue
		}
		pl := utf8.RuneCountInString(p)
		if curLen > 0 && curLen+pl > s.chunkSize {
			out = append(out, cur.String())
			cur.Reset()
			curLen = 0
		}
		if pl > s.chunkSize {
			// Still oversized on its own: recurse with the lower-priority
			// separators.
			out = append(out, s.segment(p, next)...)
			continue
		}
		cur.WriteString(p)
		curLen += pl
	}
	if curLen > 0 {
		out = append(out, cur.String())
	}
	return out
}

// hardCut slices text into chunkSize-rune segments with no regard for
// separators. Last resort when no separator applies.
func (s *Splitter) hardCut(text string) []string {
	r := []rune(text)
	out := make([]string, 0, (len(r)+s.chunkSize-1)/s.chunkSize)
	for i := 0; i < len(r); i += s.chunkSize {
		end := i + s.chunkSize
		if end > len(r) {
			end = len(r)
		}
		out = append(out, string(r[i:end]))
	}
	return out
}
