package rewrite

import (
	"slices"
	"strings"

	"go.trai.ch/zerr"
)

var (
	// ErrEditRange is returned for an edit outside the source.
	ErrEditRange = zerr.New("edit range out of bounds")
	// ErrEditOverlap is returned for an edit that overlaps an earlier one.
	ErrEditOverlap = zerr.New("edit overlaps an existing edit")
)

// Buffer applies range overwrites to a source text and produces the edited
// text together with a source map back to the original.
type Buffer struct {
	src   []byte
	edits []edit // sorted by start, non-overlapping
}

type edit struct {
	start, end int
	text       string
}

// NewBuffer returns a buffer over src.
func NewBuffer(src []byte) *Buffer {
	return &Buffer{src: src}
}

// Original returns the unedited source.
func (b *Buffer) Original() []byte { return b.src }

// Slice returns the original text between two byte offsets.
func (b *Buffer) Slice(start, end int) string {
	return string(b.src[start:end])
}

// Overwrite replaces the original bytes [start, end) with text.
func (b *Buffer) Overwrite(start, end int, text string) error {
	if start < 0 || end > len(b.src) || start >= end {
		return zerr.With(zerr.With(ErrEditRange, "start", start), "end", end)
	}
	i, _ := slices.BinarySearchFunc(b.edits, start, func(e edit, start int) int {
		return e.start - start
	})
	if i > 0 && b.edits[i-1].end > start {
		return zerr.With(zerr.With(ErrEditOverlap, "start", start), "end", end)
	}
	if i < len(b.edits) && b.edits[i].start < end {
		return zerr.With(zerr.With(ErrEditOverlap, "start", start), "end", end)
	}
	b.edits = slices.Insert(b.edits, i, edit{start: start, end: end, text: text})
	return nil
}

// Edited reports whether any overwrite has been made.
func (b *Buffer) Edited() bool { return len(b.edits) > 0 }

// String returns the edited text.
func (b *Buffer) String() string {
	var sb strings.Builder
	sb.Grow(len(b.src))
	b.chunks(func(c chunk) {
		if c.edited {
			sb.WriteString(c.text)
		} else {
			sb.Write(b.src[c.start:c.end])
		}
	})
	return sb.String()
}

// chunk is either an unedited run of the original or a replacement.
type chunk struct {
	start, end int
	edited     bool
	text       string
}

func (b *Buffer) chunks(fn func(chunk)) {
	pos := 0
	for _, e := range b.edits {
		if pos < e.start {
			fn(chunk{start: pos, end: e.start})
		}
		fn(chunk{start: e.start, end: e.end, edited: true, text: e.text})
		pos = e.end
	}
	if pos < len(b.src) {
		fn(chunk{start: pos, end: len(b.src)})
	}
}
